package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/fastman/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	RegisterDevice(ctx context.Context, deviceKey, displayName, timezone string) (*model.Session, *model.Identity, error)
	Logout(ctx context.Context, sessionID string) error
	GetCurrentIdentity(ctx context.Context, sessionID string) (*model.Identity, error)
}

// AuthHandler は端末キー認証のHTTPハンドラー。
// セッションミドルウェアの外に配置されるため、Authorizationヘッダーを自前で読む。
type AuthHandler struct {
	service AuthServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{service: service}
}

// registerDeviceRequest は端末登録リクエストのボディ。
// display_nameとtimezoneは初回登録時のみ反映される。
type registerDeviceRequest struct {
	DeviceKey   string `json:"device_key"`
	DisplayName string `json:"display_name,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

// sessionResponse は端末登録レスポンス。tokenをAuthorizationヘッダーに載せて使う。
type sessionResponse struct {
	Token     string           `json:"token"`
	ExpiresAt time.Time        `json:"expires_at"`
	Identity  identityResponse `json:"identity"`
}

// identityResponse はアイデンティティのAPIレスポンス。
// 端末キーハッシュは外部に出さない。
type identityResponse struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Timezone    string    `json:"timezone"`
	CreatedAt   time.Time `json:"created_at"`
}

// RegisterDevice は端末キーによる匿名登録またはログインを処理する。
// POST /auth/device
func (h *AuthHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestResponse(w)
		return
	}

	if strings.TrimSpace(req.DeviceKey) == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "device_keyが指定されていません。",
			Category: "validation",
			Action:   "端末を識別するdevice_keyを指定してください。",
		})
		return
	}

	session, identity, err := h.service.RegisterDevice(r.Context(), req.DeviceKey, req.DisplayName, req.Timezone)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sessionResponse{
		Token:     session.ID,
		ExpiresAt: session.ExpiresAt,
		Identity:  toIdentityResponse(identity),
	})
}

// Me は現在のセッションに紐づくアイデンティティを返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	token := bearerTokenFromRequest(r)
	if token == "" {
		writeUnauthorizedResponse(w)
		return
	}

	identity, err := h.service.GetCurrentIdentity(r.Context(), token)
	if err != nil {
		// セッション切れ・無効トークンはすべて401として扱う
		slog.Error("failed to get current identity", slog.String("error", err.Error()))
		writeUnauthorizedResponse(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toIdentityResponse(identity))
}

// Logout はセッションを破棄する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := bearerTokenFromRequest(r)
	if token == "" {
		writeUnauthorizedResponse(w)
		return
	}

	if err := h.service.Logout(r.Context(), token); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// bearerTokenFromRequest はAuthorizationヘッダーからベアラートークンを取り出す。
func bearerTokenFromRequest(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

// toIdentityResponse はmodel.IdentityからAPIレスポンスに変換する。
func toIdentityResponse(identity *model.Identity) identityResponse {
	return identityResponse{
		ID:          identity.ID,
		DisplayName: identity.DisplayName,
		Timezone:    identity.Timezone,
		CreatedAt:   identity.CreatedAt,
	}
}
