package progression

import (
	"context"

	"github.com/hitoshi/fastman/internal/model"
	"github.com/hitoshi/fastman/internal/repository"
)

// Service は進捗集計の読み取りを提供する。
type Service struct {
	progressionRepo repository.ProgressionRepository
}

// NewService はServiceを生成する。
func NewService(progressionRepo repository.ProgressionRepository) *Service {
	return &Service{progressionRepo: progressionRepo}
}

// GetProgression は指定アイデンティティの進捗を返す。
// まだ1件もイベントが消費されていない場合はゼロ値の集計を返す。
func (s *Service) GetProgression(ctx context.Context, identityID string) (*model.ProgressionState, error) {
	st, err := s.progressionRepo.FindByIdentity(ctx, identityID)
	if err != nil {
		if repository.IsUnavailable(err) {
			return nil, model.NewStoreUnavailableError()
		}
		return nil, err
	}
	if st == nil {
		return &model.ProgressionState{IdentityID: identityID}, nil
	}
	return st, nil
}
