package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/fastman/internal/middleware"
	"github.com/hitoshi/fastman/internal/model"
)

// ProgressionServiceInterface は進捗ハンドラーが必要とするサービスインターフェース。
type ProgressionServiceInterface interface {
	// GetProgression は進捗集計を返す。未集計のアイデンティティにはゼロ値を返す。
	GetProgression(ctx context.Context, identityID string) (*model.ProgressionState, error)
}

// ProgressionHandler はストリーク/XP進捗のHTTPハンドラー。
type ProgressionHandler struct {
	service ProgressionServiceInterface
}

// NewProgressionHandler はProgressionHandlerを生成する。
func NewProgressionHandler(service ProgressionServiceInterface) *ProgressionHandler {
	return &ProgressionHandler{service: service}
}

// progressionResponse は進捗集計のAPIレスポンス。
type progressionResponse struct {
	TotalXP           int64      `json:"total_xp"`
	CurrentStreak     int        `json:"current_streak"`
	LongestStreak     int        `json:"longest_streak"`
	LastFastDay       *time.Time `json:"last_fast_day,omitempty"`
	CompletedFasts    int        `json:"completed_fasts"`
	CompletedEating   int        `json:"completed_eating"`
	CompletedWorkouts int        `json:"completed_workouts"`
	CompletedRecovery int        `json:"completed_recovery"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// GetProgression は現在の進捗集計を取得する。
// GET /api/progression
func (h *ProgressionHandler) GetProgression(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		writeUnauthorizedResponse(w)
		return
	}

	state, err := h.service.GetProgression(r.Context(), identityID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(progressionResponse{
		TotalXP:           state.TotalXP,
		CurrentStreak:     state.CurrentStreak,
		LongestStreak:     state.LongestStreak,
		LastFastDay:       state.LastFastDay,
		CompletedFasts:    state.CompletedFasts,
		CompletedEating:   state.CompletedEating,
		CompletedWorkouts: state.CompletedWorkouts,
		CompletedRecovery: state.CompletedRecovery,
		UpdatedAt:         state.UpdatedAt,
	})
}
