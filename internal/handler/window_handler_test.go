package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/fastman/internal/middleware"
	"github.com/hitoshi/fastman/internal/model"
	"github.com/hitoshi/fastman/internal/window"
)

// --- モック定義 ---

// mockWindowService はWindowServiceInterfaceのモック実装。
type mockWindowService struct {
	openFn    func(ctx context.Context, identityID string, windowType model.WindowType, scheduledEnd *time.Time, metadata map[string]string, autoClose bool) (*window.Result, error)
	extendFn  func(ctx context.Context, windowID, identityID string, newEnd time.Time) (*window.Result, error)
	closeFn   func(ctx context.Context, windowID, identityID string, endState model.WindowState, metadata map[string]string) (*window.Result, error)
	getOpenFn func(ctx context.Context, identityID string) ([]*model.TimeWindow, error)
}

func (m *mockWindowService) Open(ctx context.Context, identityID string, windowType model.WindowType, scheduledEnd *time.Time, metadata map[string]string, autoClose bool) (*window.Result, error) {
	if m.openFn != nil {
		return m.openFn(ctx, identityID, windowType, scheduledEnd, metadata, autoClose)
	}
	return &window.Result{Window: &model.TimeWindow{}}, nil
}

func (m *mockWindowService) Extend(ctx context.Context, windowID, identityID string, newEnd time.Time) (*window.Result, error) {
	if m.extendFn != nil {
		return m.extendFn(ctx, windowID, identityID, newEnd)
	}
	return &window.Result{Window: &model.TimeWindow{}}, nil
}

func (m *mockWindowService) Close(ctx context.Context, windowID, identityID string, endState model.WindowState, metadata map[string]string) (*window.Result, error) {
	if m.closeFn != nil {
		return m.closeFn(ctx, windowID, identityID, endState, metadata)
	}
	return &window.Result{Window: &model.TimeWindow{}}, nil
}

func (m *mockWindowService) GetOpen(ctx context.Context, identityID string) ([]*model.TimeWindow, error) {
	if m.getOpenFn != nil {
		return m.getOpenFn(ctx, identityID)
	}
	return nil, nil
}

// --- テストヘルパー ---

// withIdentityID はテスト用にリクエストコンテキストにアイデンティティIDを注入するヘルパー。
func withIdentityID(r *http.Request, identityID string) *http.Request {
	ctx := middleware.ContextWithIdentityID(r.Context(), identityID)
	return r.WithContext(ctx)
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
// retryableがboolのためmap[string]anyで受ける。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

// --- POST /api/windows テスト ---

func TestWindowHandler_OpenWindow_Success(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	scheduledEnd := now.Add(16 * time.Hour)

	svc := &mockWindowService{
		openFn: func(ctx context.Context, identityID string, windowType model.WindowType, se *time.Time, metadata map[string]string, autoClose bool) (*window.Result, error) {
			if identityID != "identity-123" {
				t.Errorf("identityID = %q, want %q", identityID, "identity-123")
			}
			if windowType != model.WindowTypeFast {
				t.Errorf("windowType = %q, want %q", windowType, model.WindowTypeFast)
			}
			if se == nil || !se.Equal(scheduledEnd) {
				t.Errorf("scheduledEnd = %v, want %v", se, scheduledEnd)
			}
			if metadata["protocol"] != "16:8" {
				t.Errorf("metadata[protocol] = %q, want %q", metadata["protocol"], "16:8")
			}
			if autoClose {
				t.Error("autoClose = true, want false")
			}
			return &window.Result{
				Window: &model.TimeWindow{
					ID:           "win-1",
					IdentityID:   identityID,
					WindowType:   windowType,
					State:        model.WindowStateActive,
					StartTime:    now,
					ScheduledEnd: se,
					Metadata:     metadata,
					CreatedAt:    now,
					UpdatedAt:    now,
				},
			}, nil
		},
	}

	h := NewWindowHandler(svc)

	body, _ := json.Marshal(map[string]any{
		"window_type":   "fast",
		"scheduled_end": scheduledEnd.Format(time.RFC3339),
		"metadata":      map[string]string{"protocol": "16:8"},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/windows", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req = withIdentityID(req, "identity-123")
	w := httptest.NewRecorder()

	h.OpenWindow(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}

	var result map[string]any
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	win, ok := result["window"].(map[string]any)
	if !ok {
		t.Fatal("expected window object in response")
	}
	if win["id"] != "win-1" {
		t.Errorf("window.id = %v, want %q", win["id"], "win-1")
	}
	if win["state"] != "active" {
		t.Errorf("window.state = %v, want %q", win["state"], "active")
	}
	if result["event_delivery"] != "ok" {
		t.Errorf("event_delivery = %v, want %q", result["event_delivery"], "ok")
	}
	if _, exists := result["closed_windows"]; exists {
		t.Error("closed_windows should be omitted when empty")
	}
}

func TestWindowHandler_OpenWindow_AutoCloseReturnsClosedWindows(t *testing.T) {
	now := time.Now().UTC()
	svc := &mockWindowService{
		openFn: func(ctx context.Context, identityID string, windowType model.WindowType, se *time.Time, metadata map[string]string, autoClose bool) (*window.Result, error) {
			if !autoClose {
				t.Error("autoClose = false, want true")
			}
			return &window.Result{
				Window: &model.TimeWindow{ID: "win-2", WindowType: model.WindowTypeFast, State: model.WindowStateActive, StartTime: now},
				Closed: []*model.TimeWindow{
					{ID: "win-1", WindowType: model.WindowTypeEating, State: model.WindowStateAbandoned, StartTime: now.Add(-2 * time.Hour)},
				},
			}, nil
		},
	}

	h := NewWindowHandler(svc)

	body := `{"window_type": "fast", "auto_close": true}`
	req := httptest.NewRequest(http.MethodPost, "/api/windows", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req = withIdentityID(req, "identity-123")
	w := httptest.NewRecorder()

	h.OpenWindow(w, req)

	if w.Result().StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusCreated)
	}

	var result map[string]any
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	closed, ok := result["closed_windows"].([]any)
	if !ok {
		t.Fatal("expected closed_windows array in response")
	}
	if len(closed) != 1 {
		t.Errorf("closed_windows length = %d, want 1", len(closed))
	}
	first, ok := closed[0].(map[string]any)
	if !ok {
		t.Fatal("expected closed_windows[0] to be an object")
	}
	if first["state"] != "abandoned" {
		t.Errorf("closed_windows[0].state = %v, want %q", first["state"], "abandoned")
	}
}

func TestWindowHandler_OpenWindow_Conflict_ReturnsBlockingWindowIDs(t *testing.T) {
	svc := &mockWindowService{
		openFn: func(ctx context.Context, identityID string, windowType model.WindowType, se *time.Time, metadata map[string]string, autoClose bool) (*window.Result, error) {
			return nil, model.NewWindowConflictError([]string{"win-9"}, "断食中は食事ウィンドウを開始できません")
		},
	}

	h := NewWindowHandler(svc)

	body := `{"window_type": "eating"}`
	req := httptest.NewRequest(http.MethodPost, "/api/windows", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req = withIdentityID(req, "identity-123")
	w := httptest.NewRecorder()

	h.OpenWindow(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}

	errResp := parseAPIErrorResponse(t, w)
	if errResp["code"] != model.ErrCodeWindowConflict {
		t.Errorf("code = %v, want %q", errResp["code"], model.ErrCodeWindowConflict)
	}

	blocking, ok := errResp["blocking_window_ids"].([]any)
	if !ok {
		t.Fatal("expected blocking_window_ids in response")
	}
	if len(blocking) != 1 || blocking[0] != "win-9" {
		t.Errorf("blocking_window_ids = %v, want [win-9]", blocking)
	}
}

func TestWindowHandler_OpenWindow_InvalidType_ReturnsUnprocessableEntity(t *testing.T) {
	svc := &mockWindowService{
		openFn: func(ctx context.Context, identityID string, windowType model.WindowType, se *time.Time, metadata map[string]string, autoClose bool) (*window.Result, error) {
			return nil, model.NewInvalidWindowTypeError(string(windowType))
		},
	}

	h := NewWindowHandler(svc)

	body := `{"window_type": "sleep"}`
	req := httptest.NewRequest(http.MethodPost, "/api/windows", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req = withIdentityID(req, "identity-123")
	w := httptest.NewRecorder()

	h.OpenWindow(w, req)

	if w.Result().StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnprocessableEntity)
	}

	errResp := parseAPIErrorResponse(t, w)
	if errResp["code"] != model.ErrCodeInvalidWindowType {
		t.Errorf("code = %v, want %q", errResp["code"], model.ErrCodeInvalidWindowType)
	}
}

func TestWindowHandler_OpenWindow_NoIdentity_ReturnsUnauthorized(t *testing.T) {
	h := NewWindowHandler(&mockWindowService{})

	body := `{"window_type": "fast"}`
	req := httptest.NewRequest(http.MethodPost, "/api/windows", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	// アイデンティティIDを注入しない
	w := httptest.NewRecorder()

	h.OpenWindow(w, req)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestWindowHandler_OpenWindow_InvalidJSON_ReturnsBadRequest(t *testing.T) {
	h := NewWindowHandler(&mockWindowService{})

	body := `{invalid json`
	req := httptest.NewRequest(http.MethodPost, "/api/windows", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req = withIdentityID(req, "identity-123")
	w := httptest.NewRecorder()

	h.OpenWindow(w, req)

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestWindowHandler_OpenWindow_DegradedEventDelivery(t *testing.T) {
	svc := &mockWindowService{
		openFn: func(ctx context.Context, identityID string, windowType model.WindowType, se *time.Time, metadata map[string]string, autoClose bool) (*window.Result, error) {
			return &window.Result{
				Window:   &model.TimeWindow{ID: "win-1", State: model.WindowStateActive},
				Degraded: true,
			}, nil
		},
	}

	h := NewWindowHandler(svc)

	body := `{"window_type": "fast"}`
	req := httptest.NewRequest(http.MethodPost, "/api/windows", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req = withIdentityID(req, "identity-123")
	w := httptest.NewRecorder()

	h.OpenWindow(w, req)

	var result map[string]any
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["event_delivery"] != "degraded" {
		t.Errorf("event_delivery = %v, want %q", result["event_delivery"], "degraded")
	}
}

// --- POST /api/windows/:id/extend テスト ---

func TestWindowHandler_ExtendWindow_Success(t *testing.T) {
	newEnd := time.Now().UTC().Add(20 * time.Hour).Truncate(time.Second)

	svc := &mockWindowService{
		extendFn: func(ctx context.Context, windowID, identityID string, ne time.Time) (*window.Result, error) {
			if windowID != "win-1" {
				t.Errorf("windowID = %q, want %q", windowID, "win-1")
			}
			if identityID != "identity-123" {
				t.Errorf("identityID = %q, want %q", identityID, "identity-123")
			}
			if !ne.Equal(newEnd) {
				t.Errorf("newEnd = %v, want %v", ne, newEnd)
			}
			return &window.Result{
				Window: &model.TimeWindow{ID: windowID, State: model.WindowStateActive, ScheduledEnd: &ne},
			}, nil
		},
	}

	h := NewWindowHandler(svc)

	body, _ := json.Marshal(map[string]string{"scheduled_end": newEnd.Format(time.RFC3339)})
	req := httptest.NewRequest(http.MethodPost, "/api/windows/win-1/extend", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req = withIdentityID(req, "identity-123")
	req = withChiURLParam(req, "id", "win-1")
	w := httptest.NewRecorder()

	h.ExtendWindow(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var result map[string]any
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	win, ok := result["window"].(map[string]any)
	if !ok {
		t.Fatal("expected window object in response")
	}
	if win["id"] != "win-1" {
		t.Errorf("window.id = %v, want %q", win["id"], "win-1")
	}
}

func TestWindowHandler_ExtendWindow_MissingScheduledEnd_ReturnsUnprocessableEntity(t *testing.T) {
	h := NewWindowHandler(&mockWindowService{})

	body := `{}`
	req := httptest.NewRequest(http.MethodPost, "/api/windows/win-1/extend", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req = withIdentityID(req, "identity-123")
	req = withChiURLParam(req, "id", "win-1")
	w := httptest.NewRecorder()

	h.ExtendWindow(w, req)

	if w.Result().StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnprocessableEntity)
	}

	errResp := parseAPIErrorResponse(t, w)
	if errResp["code"] != model.ErrCodeInvalidTimeRange {
		t.Errorf("code = %v, want %q", errResp["code"], model.ErrCodeInvalidTimeRange)
	}
}

func TestWindowHandler_ExtendWindow_NotFound(t *testing.T) {
	svc := &mockWindowService{
		extendFn: func(ctx context.Context, windowID, identityID string, ne time.Time) (*window.Result, error) {
			return nil, model.NewWindowNotFoundError(windowID)
		},
	}

	h := NewWindowHandler(svc)

	body := `{"scheduled_end": "2026-01-15T20:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/api/windows/win-404/extend", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req = withIdentityID(req, "identity-123")
	req = withChiURLParam(req, "id", "win-404")
	w := httptest.NewRecorder()

	h.ExtendWindow(w, req)

	if w.Result().StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusNotFound)
	}
}

// --- POST /api/windows/:id/close テスト ---

func TestWindowHandler_CloseWindow_EmptyBody_DefaultsToCompleted(t *testing.T) {
	svc := &mockWindowService{
		closeFn: func(ctx context.Context, windowID, identityID string, endState model.WindowState, metadata map[string]string) (*window.Result, error) {
			// end_state未指定はサービス側でcompletedに解決される
			if endState != "" {
				t.Errorf("endState = %q, want empty", endState)
			}
			return &window.Result{
				Window: &model.TimeWindow{ID: windowID, State: model.WindowStateCompleted},
			}, nil
		},
	}

	h := NewWindowHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/windows/win-1/close", nil)
	req = withIdentityID(req, "identity-123")
	req = withChiURLParam(req, "id", "win-1")
	w := httptest.NewRecorder()

	h.CloseWindow(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var result map[string]any
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	win, ok := result["window"].(map[string]any)
	if !ok {
		t.Fatal("expected window object in response")
	}
	if win["state"] != "completed" {
		t.Errorf("window.state = %v, want %q", win["state"], "completed")
	}
}

func TestWindowHandler_CloseWindow_WithEndState(t *testing.T) {
	svc := &mockWindowService{
		closeFn: func(ctx context.Context, windowID, identityID string, endState model.WindowState, metadata map[string]string) (*window.Result, error) {
			if endState != model.WindowStateAbandoned {
				t.Errorf("endState = %q, want %q", endState, model.WindowStateAbandoned)
			}
			if metadata["reason"] != "体調不良" {
				t.Errorf("metadata[reason] = %q, want %q", metadata["reason"], "体調不良")
			}
			return &window.Result{
				Window: &model.TimeWindow{ID: windowID, State: model.WindowStateAbandoned},
			}, nil
		},
	}

	h := NewWindowHandler(svc)

	body := `{"end_state": "abandoned", "metadata": {"reason": "体調不良"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/windows/win-1/close", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req = withIdentityID(req, "identity-123")
	req = withChiURLParam(req, "id", "win-1")
	w := httptest.NewRecorder()

	h.CloseWindow(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
}

func TestWindowHandler_CloseWindow_AlreadyClosed_ReturnsConflict(t *testing.T) {
	svc := &mockWindowService{
		closeFn: func(ctx context.Context, windowID, identityID string, endState model.WindowState, metadata map[string]string) (*window.Result, error) {
			return nil, model.NewWindowStateError(windowID, model.WindowStateCompleted)
		},
	}

	h := NewWindowHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/windows/win-1/close", nil)
	req = withIdentityID(req, "identity-123")
	req = withChiURLParam(req, "id", "win-1")
	w := httptest.NewRecorder()

	h.CloseWindow(w, req)

	if w.Result().StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusConflict)
	}

	errResp := parseAPIErrorResponse(t, w)
	if errResp["code"] != model.ErrCodeWindowStateInvalid {
		t.Errorf("code = %v, want %q", errResp["code"], model.ErrCodeWindowStateInvalid)
	}
}

func TestWindowHandler_CloseWindow_InvalidEndState_ReturnsUnprocessableEntity(t *testing.T) {
	svc := &mockWindowService{
		closeFn: func(ctx context.Context, windowID, identityID string, endState model.WindowState, metadata map[string]string) (*window.Result, error) {
			return nil, model.NewInvalidEndStateError(string(endState))
		},
	}

	h := NewWindowHandler(svc)

	body := `{"end_state": "active"}`
	req := httptest.NewRequest(http.MethodPost, "/api/windows/win-1/close", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req = withIdentityID(req, "identity-123")
	req = withChiURLParam(req, "id", "win-1")
	w := httptest.NewRecorder()

	h.CloseWindow(w, req)

	if w.Result().StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnprocessableEntity)
	}
}

// --- GET /api/windows テスト ---

func TestWindowHandler_ListOpenWindows_Success(t *testing.T) {
	now := time.Now().UTC()
	svc := &mockWindowService{
		getOpenFn: func(ctx context.Context, identityID string) ([]*model.TimeWindow, error) {
			return []*model.TimeWindow{
				{ID: "win-1", WindowType: model.WindowTypeFast, State: model.WindowStateActive, StartTime: now.Add(-3 * time.Hour)},
				{ID: "win-2", WindowType: model.WindowTypeWorkout, State: model.WindowStateActive, StartTime: now.Add(-time.Hour)},
			}, nil
		},
	}

	h := NewWindowHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/windows", nil)
	req = withIdentityID(req, "identity-123")
	w := httptest.NewRecorder()

	h.ListOpenWindows(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var result map[string]any
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	windows, ok := result["windows"].([]any)
	if !ok {
		t.Fatal("expected windows array in response")
	}
	if len(windows) != 2 {
		t.Errorf("windows length = %d, want 2", len(windows))
	}
}

func TestWindowHandler_ListOpenWindows_Empty_ReturnsEmptyArray(t *testing.T) {
	svc := &mockWindowService{
		getOpenFn: func(ctx context.Context, identityID string) ([]*model.TimeWindow, error) {
			return nil, nil
		},
	}

	h := NewWindowHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/windows", nil)
	req = withIdentityID(req, "identity-123")
	w := httptest.NewRecorder()

	h.ListOpenWindows(w, req)

	body := w.Body.String()
	if !bytes.Contains([]byte(body), []byte(`"windows":[]`)) {
		t.Errorf("expected empty windows array, got %s", body)
	}
}

func TestWindowHandler_ListOpenWindows_StoreUnavailable_Returns503(t *testing.T) {
	svc := &mockWindowService{
		getOpenFn: func(ctx context.Context, identityID string) ([]*model.TimeWindow, error) {
			return nil, model.NewStoreUnavailableError()
		},
	}

	h := NewWindowHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/windows", nil)
	req = withIdentityID(req, "identity-123")
	w := httptest.NewRecorder()

	h.ListOpenWindows(w, req)

	if w.Result().StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusServiceUnavailable)
	}

	errResp := parseAPIErrorResponse(t, w)
	if retryable, ok := errResp["retryable"].(bool); !ok || !retryable {
		t.Error("expected retryable to be true")
	}
}

func TestWindowHandler_UnknownServiceError_Returns500(t *testing.T) {
	svc := &mockWindowService{
		getOpenFn: func(ctx context.Context, identityID string) ([]*model.TimeWindow, error) {
			return nil, errors.New("unexpected failure")
		},
	}

	h := NewWindowHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/windows", nil)
	req = withIdentityID(req, "identity-123")
	w := httptest.NewRecorder()

	h.ListOpenWindows(w, req)

	if w.Result().StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusInternalServerError)
	}

	errResp := parseAPIErrorResponse(t, w)
	if errResp["code"] != "INTERNAL_ERROR" {
		t.Errorf("code = %v, want %q", errResp["code"], "INTERNAL_ERROR")
	}
}
