// Package research は研究配信元の登録・購読・記事管理のドメインロジックを提供する。
package research

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/fastman/internal/model"
	"github.com/hitoshi/fastman/internal/repository"
	"github.com/hitoshi/fastman/internal/security"
)

// ArticleUpsertService は記事の同一性判定とUPSERT処理を提供する。
// 3段階の同一性判定ロジックにより、フィードの再配信やGUID欠落があっても
// 重複登録を防ぎつつ既存記事を上書き更新する。
type ArticleUpsertService struct {
	articleRepo repository.ArticleRepository
	sanitizer   security.SanitizerService
}

// NewArticleUpsertService はArticleUpsertServiceの新しいインスタンスを生成する。
func NewArticleUpsertService(
	articleRepo repository.ArticleRepository,
	sanitizer security.SanitizerService,
) *ArticleUpsertService {
	return &ArticleUpsertService{
		articleRepo: articleRepo,
		sanitizer:   sanitizer,
	}
}

// UpsertArticles はフィードから取得した記事をUPSERTする。
// 3段階の同一性判定ロジック:
//  1. (source_id, guid_or_id) - 最優先
//  2. (source_id, link) - 第2優先
//  3. hash(title + published + summary) - 第3優先
//
// 戻り値は挿入数、更新数、エラー。
func (s *ArticleUpsertService) UpsertArticles(
	ctx context.Context,
	sourceID string,
	articles []model.ParsedArticle,
) (inserted int, updated int, err error) {
	if len(articles) == 0 {
		return 0, 0, nil
	}

	now := time.Now()

	for _, parsed := range articles {
		// サマリーは保存前にサニタイズする
		sanitizedSummary := s.sanitizer.SanitizeHTML(parsed.Summary)

		// content_hashはサニタイズ後のサマリーで計算する
		contentHash := computeContentHash(parsed.Title, parsed.PublishedAt, sanitizedSummary)

		existing, findErr := s.findExistingArticle(ctx, sourceID, parsed, contentHash)
		if findErr != nil {
			slog.Error("記事の同一性判定でエラー",
				"source_id", sourceID,
				"guid_or_id", parsed.GuidOrID,
				"error", findErr,
			)
			return inserted, updated, fmt.Errorf("記事の同一性判定に失敗: %w", findErr)
		}

		if existing != nil {
			updateErr := s.updateExistingArticle(ctx, existing, parsed, sanitizedSummary, contentHash, now)
			if updateErr != nil {
				slog.Error("記事の更新でエラー",
					"source_id", sourceID,
					"article_id", existing.ID,
					"error", updateErr,
				)
				return inserted, updated, fmt.Errorf("記事の更新に失敗: %w", updateErr)
			}
			updated++
		} else {
			createErr := s.createNewArticle(ctx, sourceID, parsed, sanitizedSummary, contentHash, now)
			if createErr != nil {
				slog.Error("記事の挿入でエラー",
					"source_id", sourceID,
					"guid_or_id", parsed.GuidOrID,
					"error", createErr,
				)
				return inserted, updated, fmt.Errorf("記事の挿入に失敗: %w", createErr)
			}
			inserted++
		}
	}

	slog.Info("記事UPSERT完了",
		"source_id", sourceID,
		"inserted", inserted,
		"updated", updated,
	)

	return inserted, updated, nil
}

// findExistingArticle は3段階の同一性判定で既存記事を検索する。
// 優先順位: (source_id, guid_or_id) > (source_id, link) > hash(title+published+summary)
func (s *ArticleUpsertService) findExistingArticle(
	ctx context.Context,
	sourceID string,
	parsed model.ParsedArticle,
	contentHash string,
) (*model.ResearchArticle, error) {
	// 第1優先: source_id + guid_or_id
	if parsed.GuidOrID != "" {
		article, err := s.articleRepo.FindBySourceAndGUID(ctx, sourceID, parsed.GuidOrID)
		if err != nil {
			return nil, err
		}
		if article != nil {
			return article, nil
		}
	}

	// 第2優先: source_id + link
	if parsed.Link != "" {
		article, err := s.articleRepo.FindBySourceAndLink(ctx, sourceID, parsed.Link)
		if err != nil {
			return nil, err
		}
		if article != nil {
			return article, nil
		}
	}

	// 第3優先: content_hash
	if contentHash != "" {
		article, err := s.articleRepo.FindByContentHash(ctx, sourceID, contentHash)
		if err != nil {
			return nil, err
		}
		if article != nil {
			return article, nil
		}
	}

	return nil, nil
}

// updateExistingArticle は既存記事を上書き更新する。履歴は保持しない。
func (s *ArticleUpsertService) updateExistingArticle(
	ctx context.Context,
	existing *model.ResearchArticle,
	parsed model.ParsedArticle,
	sanitizedSummary, contentHash string,
	now time.Time,
) error {
	existing.GuidOrID = parsed.GuidOrID
	existing.Title = parsed.Title
	existing.Link = parsed.Link
	existing.Summary = sanitizedSummary
	existing.Authors = parsed.Authors
	existing.ContentHash = contentHash
	existing.UpdatedAt = now

	// DOIは一度抽出できたら保持する。フィード側で一時的に
	// dc:identifierが欠けても被引用数の追跡を失わないため。
	if parsed.DOI != "" {
		existing.DOI = parsed.DOI
	}

	// published_atは明示された場合のみ更新し、nilなら既存の値を維持する
	if parsed.PublishedAt != nil {
		existing.PublishedAt = parsed.PublishedAt
		existing.IsDateEstimated = false
	}

	return s.articleRepo.Update(ctx, existing)
}

// createNewArticle は新規記事を作成する。
// published_at未設定の場合はfetched_atを代用し、推定フラグを付与する。
func (s *ArticleUpsertService) createNewArticle(
	ctx context.Context,
	sourceID string,
	parsed model.ParsedArticle,
	sanitizedSummary, contentHash string,
	now time.Time,
) error {
	article := &model.ResearchArticle{
		ID:          uuid.New().String(),
		SourceID:    sourceID,
		GuidOrID:    parsed.GuidOrID,
		Title:       parsed.Title,
		Link:        parsed.Link,
		Summary:     sanitizedSummary,
		Authors:     parsed.Authors,
		DOI:         parsed.DOI,
		ContentHash: contentHash,
		FetchedAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if parsed.PublishedAt != nil {
		article.PublishedAt = parsed.PublishedAt
		article.IsDateEstimated = false
	} else {
		article.PublishedAt = &now
		article.IsDateEstimated = true
	}

	return s.articleRepo.Create(ctx, article)
}

// computeContentHash はtitle + published + summaryのSHA-256ハッシュを計算する。
// 同一性判定の第3優先手段として使用される。
func computeContentHash(title string, publishedAt *time.Time, summary string) string {
	pubStr := ""
	if publishedAt != nil {
		pubStr = publishedAt.UTC().Format(time.RFC3339)
	}
	data := fmt.Sprintf("%s|%s|%s", title, pubStr, summary)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}
