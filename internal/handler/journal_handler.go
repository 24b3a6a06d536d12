package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/fastman/internal/middleware"
	"github.com/hitoshi/fastman/internal/model"
)

const (
	// defaultJournalPerPage はジャーナル一覧の1回の取得件数（デフォルト）。
	defaultJournalPerPage = 50
	// maxJournalPerPage はlimitクエリの上限。
	maxJournalPerPage = 100
)

// JournalServiceInterface はジャーナルハンドラーが必要とするサービスインターフェース。
type JournalServiceInterface interface {
	// ListEvents はイベントを新しい順に返す。cursorがゼロ値の場合は先頭から取得する。
	ListEvents(ctx context.Context, identityID string, cursor time.Time, limit int) ([]*model.JournalEvent, error)
}

// JournalHandler はアクティビティジャーナルのHTTPハンドラー。
type JournalHandler struct {
	service JournalServiceInterface
}

// NewJournalHandler はJournalHandlerを生成する。
func NewJournalHandler(service JournalServiceInterface) *JournalHandler {
	return &JournalHandler{service: service}
}

// journalEventResponse はジャーナルイベント1件のAPIレスポンス。
type journalEventResponse struct {
	ID          string                `json:"id"`
	EventType   string                `json:"event_type"`
	Category    string                `json:"category"`
	RelatedID   string                `json:"related_id,omitempty"`
	RelatedType string                `json:"related_type,omitempty"`
	Timestamp   time.Time             `json:"timestamp"`
	Metadata    eventMetadataResponse `json:"metadata"`
}

// eventMetadataResponse はイベントメタデータのAPIレスポンス。
type eventMetadataResponse struct {
	WindowType      string `json:"window_type,omitempty"`
	DurationSeconds *int64 `json:"duration_seconds,omitempty"`
}

// journalListResponse はジャーナル一覧のレスポンス。
type journalListResponse struct {
	Events     []journalEventResponse `json:"events"`
	NextCursor string                 `json:"next_cursor,omitempty"`
	HasMore    bool                   `json:"has_more"`
}

// ListEvents はアクティビティジャーナルを新しい順に取得する。
// GET /api/journal?cursor=RFC3339&limit=50
func (h *JournalHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		writeUnauthorizedResponse(w)
		return
	}

	cursor, ok := parseCursorParam(w, r.URL.Query().Get("cursor"))
	if !ok {
		return
	}

	limit := parseLimitParam(r.URL.Query().Get("limit"), defaultJournalPerPage, maxJournalPerPage)

	events, err := h.service.ListEvents(r.Context(), identityID, cursor, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := journalListResponse{
		Events: make([]journalEventResponse, len(events)),
		// limit件ちょうど返ってきた場合は続きがあるとみなす
		HasMore: len(events) == limit,
	}
	for i, event := range events {
		resp.Events[i] = toJournalEventResponse(event)
	}
	if resp.HasMore {
		resp.NextCursor = events[len(events)-1].Timestamp.Format(time.RFC3339Nano)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// parseCursorParam はcursorクエリをtime.Timeに解析する。
// 空文字列はゼロ値（先頭から取得）を返す。不正な値は400を書き込みfalseを返す。
func parseCursorParam(w http.ResponseWriter, raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, true
	}
	cursor, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		cursor, err = time.Parse(time.RFC3339, raw)
	}
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "cursorの形式が不正です。",
			Category: "validation",
			Action:   "前回のレスポンスのnext_cursorをそのまま指定してください。",
		})
		return time.Time{}, false
	}
	return cursor, true
}

// parseLimitParam はlimitクエリを[1, max]の範囲に丸めて返す。
// 空文字列や数値以外はフォールバック値を返す。
func parseLimitParam(raw string, fallback, max int) int {
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return fallback
	}
	if limit > max {
		return max
	}
	return limit
}

// toJournalEventResponse はmodel.JournalEventからAPIレスポンスに変換する。
func toJournalEventResponse(event *model.JournalEvent) journalEventResponse {
	return journalEventResponse{
		ID:          event.ID,
		EventType:   string(event.EventType),
		Category:    event.Category,
		RelatedID:   event.RelatedID,
		RelatedType: event.RelatedType,
		Timestamp:   event.Timestamp,
		Metadata: eventMetadataResponse{
			WindowType:      string(event.Metadata.WindowType),
			DurationSeconds: event.Metadata.DurationSeconds,
		},
	}
}
