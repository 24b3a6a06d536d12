package research

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/fastman/internal/model"
	"github.com/hitoshi/fastman/internal/repository"
)

const (
	// defaultArticleLimit は記事一覧のデフォルト取得件数。
	defaultArticleLimit = 50
	// maxArticleLimit は記事一覧の最大取得件数。
	maxArticleLimit = 100
)

// ArticleService は購読中配信元の記事取得・フィルタリングのサービス。
type ArticleService struct {
	articleRepo repository.ArticleRepository
}

// NewArticleService はArticleServiceの新しいインスタンスを生成する。
func NewArticleService(articleRepo repository.ArticleRepository) *ArticleService {
	return &ArticleService{
		articleRepo: articleRepo,
	}
}

// ArticleListResult はListArticlesの戻り値。
type ArticleListResult struct {
	Articles   []ArticleSummary
	NextCursor string
	HasMore    bool
}

// ArticleSummary は記事一覧の1件分の情報。
type ArticleSummary struct {
	ID              string
	SourceID        string
	Title           string
	Link            string
	Summary         string
	Authors         string
	DOI             string
	CitationCount   int
	PublishedAt     time.Time
	IsDateEstimated bool
	IsRead          bool
	IsSaved         bool
}

// validFilters は有効なフィルタ値のセット。
var validFilters = map[model.ArticleFilter]bool{
	model.ArticleFilterAll:    true,
	model.ArticleFilterUnread: true,
	model.ArticleFilterSaved:  true,
}

// ListArticles は購読中の全配信元の記事をフィルタ・ページネーション付きで返す。
// published_at降順のカーソルベースページネーションを使用し、
// limit+1件を取得してHasMoreを判定する。
func (s *ArticleService) ListArticles(
	ctx context.Context,
	identityID string,
	filter model.ArticleFilter,
	cursorStr string,
	limit int,
) (*ArticleListResult, error) {
	if !validFilters[filter] {
		return nil, model.NewInvalidFilterError(string(filter))
	}

	var cursor time.Time
	if cursorStr != "" {
		var err error
		cursor, err = time.Parse(time.RFC3339Nano, cursorStr)
		if err != nil {
			// RFC3339でもパースを試みる
			cursor, err = time.Parse(time.RFC3339, cursorStr)
			if err != nil {
				return nil, model.NewInvalidFilterError("無効なカーソル値: " + cursorStr)
			}
		}
	}

	if limit <= 0 {
		limit = defaultArticleLimit
	}
	if limit > maxArticleLimit {
		limit = maxArticleLimit
	}

	// limit+1件を取得してHasMoreを判定する
	rows, err := s.articleRepo.ListBySubscribed(ctx, identityID, filter, cursor, limit+1)
	if err != nil {
		return nil, fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	summaries := make([]ArticleSummary, len(rows))
	for i, row := range rows {
		pubAt := time.Time{}
		if row.PublishedAt != nil {
			pubAt = *row.PublishedAt
		}
		summaries[i] = ArticleSummary{
			ID:              row.ID,
			SourceID:        row.SourceID,
			Title:           row.Title,
			Link:            row.Link,
			Summary:         row.Summary,
			Authors:         row.Authors,
			DOI:             row.DOI,
			CitationCount:   row.CitationCount,
			PublishedAt:     pubAt,
			IsDateEstimated: row.IsDateEstimated,
			IsRead:          row.IsRead,
			IsSaved:         row.IsSaved,
		}
	}

	var nextCursor string
	if hasMore && len(summaries) > 0 {
		nextCursor = summaries[len(summaries)-1].PublishedAt.Format(time.RFC3339Nano)
	}

	return &ArticleListResult{
		Articles:   summaries,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}
