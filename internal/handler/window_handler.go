// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/fastman/internal/middleware"
	"github.com/hitoshi/fastman/internal/model"
	"github.com/hitoshi/fastman/internal/window"
)

// WindowServiceInterface はウィンドウハンドラーが必要とするサービスインターフェース。
type WindowServiceInterface interface {
	// Open は競合判定を経て新しいウィンドウを開始する。
	Open(ctx context.Context, identityID string, windowType model.WindowType, scheduledEnd *time.Time, metadata map[string]string, autoClose bool) (*window.Result, error)
	// Extend はオープンウィンドウの終了予定時刻を更新する。
	Extend(ctx context.Context, windowID, identityID string, newEnd time.Time) (*window.Result, error)
	// Close はオープンウィンドウを終端状態に遷移させる。
	Close(ctx context.Context, windowID, identityID string, endState model.WindowState, metadata map[string]string) (*window.Result, error)
	// GetOpen は現在のオープンウィンドウをstart_time昇順で返す。
	GetOpen(ctx context.Context, identityID string) ([]*model.TimeWindow, error)
}

// WindowHandler は時間ウィンドウ管理のHTTPハンドラー。
type WindowHandler struct {
	service WindowServiceInterface
}

// NewWindowHandler はWindowHandlerを生成する。
func NewWindowHandler(service WindowServiceInterface) *WindowHandler {
	return &WindowHandler{service: service}
}

// --- リクエスト/レスポンス型 ---

// openWindowRequest はウィンドウ開始リクエストのボディ。
type openWindowRequest struct {
	WindowType   string            `json:"window_type"`
	ScheduledEnd *time.Time        `json:"scheduled_end,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	AutoClose    bool              `json:"auto_close,omitempty"`
}

// extendWindowRequest はウィンドウ延長リクエストのボディ。
type extendWindowRequest struct {
	ScheduledEnd time.Time `json:"scheduled_end"`
}

// closeWindowRequest はウィンドウ終了リクエストのボディ。
// end_stateを省略した場合はcompletedになる。
type closeWindowRequest struct {
	EndState string            `json:"end_state,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// windowResponse はウィンドウ1件のAPIレスポンス。
type windowResponse struct {
	ID           string            `json:"id"`
	WindowType   string            `json:"window_type"`
	State        string            `json:"state"`
	StartTime    time.Time         `json:"start_time"`
	ScheduledEnd *time.Time        `json:"scheduled_end,omitempty"`
	EndTime      *time.Time        `json:"end_time,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// windowMutationResponse は状態を変更する操作のレスポンス。
// event_deliveryは、状態変更は確定したがイベント追記に失敗した場合にdegradedになる。
type windowMutationResponse struct {
	Window        windowResponse   `json:"window"`
	ClosedWindows []windowResponse `json:"closed_windows,omitempty"`
	EventDelivery string           `json:"event_delivery"`
}

// windowListResponse はオープンウィンドウ一覧のレスポンス。
type windowListResponse struct {
	Windows []windowResponse `json:"windows"`
}

// OpenWindow は新しいウィンドウを開始する。
// POST /api/windows
func (h *WindowHandler) OpenWindow(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		writeUnauthorizedResponse(w)
		return
	}

	var req openWindowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestResponse(w)
		return
	}

	result, err := h.service.Open(r.Context(), identityID, model.WindowType(req.WindowType), req.ScheduledEnd, req.Metadata, req.AutoClose)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toMutationResponse(result))
}

// ExtendWindow はウィンドウの終了予定時刻を更新する。
// POST /api/windows/:id/extend
func (h *WindowHandler) ExtendWindow(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		writeUnauthorizedResponse(w)
		return
	}

	windowID := chi.URLParam(r, "id")

	var req extendWindowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestResponse(w)
		return
	}

	if req.ScheduledEnd.IsZero() {
		writeAPIErrorResponse(w, http.StatusUnprocessableEntity, model.NewInvalidTimeRangeError("終了予定時刻が指定されていません"))
		return
	}

	result, err := h.service.Extend(r.Context(), windowID, identityID, req.ScheduledEnd)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toMutationResponse(result))
}

// CloseWindow はウィンドウを終端状態に遷移させる。
// POST /api/windows/:id/close
func (h *WindowHandler) CloseWindow(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		writeUnauthorizedResponse(w)
		return
	}

	windowID := chi.URLParam(r, "id")

	// ボディ省略（空ボディ）はend_state=completed、metadataなしとして扱う
	var req closeWindowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeInvalidRequestResponse(w)
		return
	}

	result, err := h.service.Close(r.Context(), windowID, identityID, model.WindowState(req.EndState), req.Metadata)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toMutationResponse(result))
}

// ListOpenWindows は現在のオープンウィンドウ一覧を取得する。
// GET /api/windows
func (h *WindowHandler) ListOpenWindows(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		writeUnauthorizedResponse(w)
		return
	}

	open, err := h.service.GetOpen(r.Context(), identityID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	windows := make([]windowResponse, len(open))
	for i, tw := range open {
		windows[i] = toWindowResponse(tw)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(windowListResponse{Windows: windows})
}

// --- ヘルパー関数 ---

// toWindowResponse はmodel.TimeWindowからAPIレスポンスに変換する。
func toWindowResponse(tw *model.TimeWindow) windowResponse {
	return windowResponse{
		ID:           tw.ID,
		WindowType:   string(tw.WindowType),
		State:        string(tw.State),
		StartTime:    tw.StartTime,
		ScheduledEnd: tw.ScheduledEnd,
		EndTime:      tw.EndTime,
		Metadata:     tw.Metadata,
		CreatedAt:    tw.CreatedAt,
		UpdatedAt:    tw.UpdatedAt,
	}
}

// toMutationResponse はwindow.ResultからAPIレスポンスに変換する。
// auto_closeで中断されたウィンドウは中断順で含まれる。
func toMutationResponse(result *window.Result) windowMutationResponse {
	resp := windowMutationResponse{
		Window:        toWindowResponse(result.Window),
		EventDelivery: "ok",
	}
	if result.Degraded {
		resp.EventDelivery = "degraded"
	}
	for _, closed := range result.Closed {
		resp.ClosedWindows = append(resp.ClosedWindows, toWindowResponse(closed))
	}
	return resp
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// writeUnauthorizedResponse は認証エラーの統一レスポンスを書き込む。
func writeUnauthorizedResponse(w http.ResponseWriter) {
	writeAPIErrorResponse(w, http.StatusUnauthorized, &model.APIError{
		Code:     "UNAUTHORIZED",
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "端末を登録してセッショントークンを取得してください。",
	})
}

// writeInvalidRequestResponse はリクエストボディ解析エラーの統一レスポンスを書き込む。
func writeInvalidRequestResponse(w http.ResponseWriter) {
	writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		statusCode := mapAPIErrorToHTTPStatus(apiErr)
		writeAPIErrorResponse(w, statusCode, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeWindowNotFound:
		return http.StatusNotFound
	case model.ErrCodeWindowStateInvalid, model.ErrCodeWindowConflict:
		return http.StatusConflict
	case model.ErrCodeInvalidWindowType, model.ErrCodeInvalidEndState, model.ErrCodeInvalidTimeRange:
		return http.StatusUnprocessableEntity
	case model.ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case model.ErrCodeIdentityNotFound:
		return http.StatusNotFound
	case model.ErrCodeInvalidTimezone:
		return http.StatusBadRequest
	case model.ErrCodeSourceNotDetected, model.ErrCodeParseFailed:
		return http.StatusUnprocessableEntity
	case model.ErrCodeInvalidURL, model.ErrCodeInvalidFilter:
		return http.StatusBadRequest
	case model.ErrCodeSSRFBlocked:
		return http.StatusForbidden
	case model.ErrCodeFetchFailed:
		return http.StatusBadGateway
	case model.ErrCodeSubscriptionLimit, model.ErrCodeDuplicateSubscription:
		return http.StatusConflict
	case model.ErrCodeSourceNotFound, model.ErrCodeSubscriptionNotFound, model.ErrCodeArticleNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
