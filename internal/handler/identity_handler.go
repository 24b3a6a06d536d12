package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/fastman/internal/middleware"
	"github.com/hitoshi/fastman/internal/model"
)

// IdentityServiceInterface はプロフィールハンドラーが必要とするサービスインターフェース。
type IdentityServiceInterface interface {
	// GetProfile はアイデンティティのプロフィールを返す。
	GetProfile(ctx context.Context, identityID string) (*model.Identity, error)
	// UpdateProfile はnilでないフィールドだけを更新する部分更新を行う。
	UpdateProfile(ctx context.Context, identityID string, displayName *string, timezone *string) (*model.Identity, error)
	// Withdraw はアイデンティティと関連データを全削除する。
	Withdraw(ctx context.Context, identityID string) error
}

// IdentityHandler はプロフィール管理のHTTPハンドラー。
type IdentityHandler struct {
	service IdentityServiceInterface
}

// NewIdentityHandler はIdentityHandlerを生成する。
func NewIdentityHandler(service IdentityServiceInterface) *IdentityHandler {
	return &IdentityHandler{service: service}
}

// updateProfileRequest はプロフィール更新リクエストのボディ。
// nilフィールドは変更しない。
type updateProfileRequest struct {
	DisplayName *string `json:"display_name,omitempty"`
	Timezone    *string `json:"timezone,omitempty"`
}

// GetProfile は自分のプロフィールを取得する。
// GET /api/identities/me
func (h *IdentityHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		writeUnauthorizedResponse(w)
		return
	}

	identity, err := h.service.GetProfile(r.Context(), identityID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toIdentityResponse(identity))
}

// UpdateProfile は表示名とタイムゾーンを部分更新する。
// PATCH /api/identities/me
func (h *IdentityHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		writeUnauthorizedResponse(w)
		return
	}

	var req updateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestResponse(w)
		return
	}

	// 両方nilの場合は更新対象がない
	if req.DisplayName == nil && req.Timezone == nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "更新するフィールドが指定されていません。",
			Category: "validation",
			Action:   "display_nameまたはtimezoneを指定してください。",
		})
		return
	}

	identity, err := h.service.UpdateProfile(r.Context(), identityID, req.DisplayName, req.Timezone)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toIdentityResponse(identity))
}

// Withdraw はアイデンティティと関連データを完全に削除する。
// DELETE /api/identities/me
func (h *IdentityHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		writeUnauthorizedResponse(w)
		return
	}

	if err := h.service.Withdraw(r.Context(), identityID); err != nil {
		handleServiceError(w, err)
		return
	}

	slog.Info("identity withdrawn", slog.String("identity_id", identityID))
	w.WriteHeader(http.StatusNoContent)
}
