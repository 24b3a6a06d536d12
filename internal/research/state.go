package research

import (
	"context"
	"fmt"

	"github.com/hitoshi/fastman/internal/model"
	"github.com/hitoshi/fastman/internal/repository"
)

// ArticleStateService は記事の既読・保存状態の管理サービス。
// 冪等な明示的更新（トグルではない）で状態を変更する。
type ArticleStateService struct {
	articleRepo      repository.ArticleRepository
	articleStateRepo repository.ArticleStateRepository
}

// NewArticleStateService はArticleStateServiceの新しいインスタンスを生成する。
func NewArticleStateService(
	articleRepo repository.ArticleRepository,
	articleStateRepo repository.ArticleStateRepository,
) *ArticleStateService {
	return &ArticleStateService{
		articleRepo:      articleRepo,
		articleStateRepo: articleStateRepo,
	}
}

// UpdateState は記事の既読・保存状態を冪等に更新する。
// nilフィールドは変更せず、既存の値を維持する部分更新を行う。
// 記事が存在しない場合はARTICLE_NOT_FOUNDエラーを返す。
// アイデンティティごとのデータ分離はRepository層のidentity_id条件で強制される。
func (s *ArticleStateService) UpdateState(
	ctx context.Context,
	identityID, articleID string,
	isRead *bool,
	isSaved *bool,
) (*model.ArticleState, error) {
	article, err := s.articleRepo.FindByID(ctx, articleID)
	if err != nil {
		return nil, fmt.Errorf("記事の取得に失敗しました: %w", err)
	}
	if article == nil {
		return nil, model.NewArticleNotFoundError(articleID)
	}

	state, err := s.articleStateRepo.Upsert(ctx, identityID, articleID, isRead, isSaved)
	if err != nil {
		return nil, fmt.Errorf("記事状態の更新に失敗しました: %w", err)
	}

	return state, nil
}
