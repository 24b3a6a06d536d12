package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/fastman/internal/model"
)

// PostgresArticleRepo はPostgreSQLを使用した研究記事リポジトリ。
type PostgresArticleRepo struct {
	db *sql.DB
}

// NewPostgresArticleRepo はPostgresArticleRepoを生成する。
func NewPostgresArticleRepo(db *sql.DB) *PostgresArticleRepo {
	return &PostgresArticleRepo{db: db}
}

const articleColumns = `id, source_id, guid_or_id, title, link, summary, authors, doi,
	citation_count, citation_fetched_at, published_at, is_date_estimated,
	fetched_at, content_hash, created_at, updated_at`

// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
func (r *PostgresArticleRepo) FindByID(ctx context.Context, id string) (*model.ResearchArticle, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+articleColumns+` FROM research_articles WHERE id = $1`,
		id,
	)

	article, err := scanArticle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("記事の取得に失敗しました: %w", err)
	}

	return article, nil
}

// FindBySourceAndGUID はsource_idとguid_or_idで記事を検索する。見つからない場合はnilを返す。
func (r *PostgresArticleRepo) FindBySourceAndGUID(ctx context.Context, sourceID, guid string) (*model.ResearchArticle, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+articleColumns+` FROM research_articles WHERE source_id = $1 AND guid_or_id = $2`,
		sourceID, guid,
	)

	article, err := scanArticle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GUID による記事の検索に失敗しました: %w", err)
	}

	return article, nil
}

// FindBySourceAndLink はsource_idとlinkで記事を検索する。見つからない場合はnilを返す。
func (r *PostgresArticleRepo) FindBySourceAndLink(ctx context.Context, sourceID, link string) (*model.ResearchArticle, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+articleColumns+` FROM research_articles WHERE source_id = $1 AND link = $2`,
		sourceID, link,
	)

	article, err := scanArticle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("link による記事の検索に失敗しました: %w", err)
	}

	return article, nil
}

// FindByContentHash はsource_idとcontent_hashで記事を検索する。見つからない場合はnilを返す。
func (r *PostgresArticleRepo) FindByContentHash(ctx context.Context, sourceID, contentHash string) (*model.ResearchArticle, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+articleColumns+` FROM research_articles WHERE source_id = $1 AND content_hash = $2`,
		sourceID, contentHash,
	)

	article, err := scanArticle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("content_hash による記事の検索に失敗しました: %w", err)
	}

	return article, nil
}

// ListBySubscribed は購読中の配信元の記事一覧をアイデンティティの状態とJOINして取得する。
// published_at降順でカーソルベースページネーションを使用する。
// cursorがゼロ値の場合は先頭から取得する。
// filter: "all"=全件, "unread"=未読のみ, "saved"=保存済みのみ
func (r *PostgresArticleRepo) ListBySubscribed(
	ctx context.Context,
	identityID string,
	filter model.ArticleFilter,
	cursor time.Time,
	limit int,
) ([]model.ArticleWithState, error) {
	// ベースクエリ: 購読中の配信元の記事 LEFT JOIN article_states
	baseQuery := `
		SELECT a.id, a.source_id, a.guid_or_id, a.title, a.link, a.summary, a.authors, a.doi,
		       a.citation_count, a.published_at, a.is_date_estimated, a.fetched_at,
		       a.created_at, a.updated_at,
		       COALESCE(s.is_read, false) AS is_read,
		       COALESCE(s.is_saved, false) AS is_saved
		FROM research_articles a
		INNER JOIN source_subscriptions sub ON sub.source_id = a.source_id AND sub.identity_id = $1
		LEFT JOIN article_states s ON a.id = s.article_id AND s.identity_id = $1
		WHERE true`

	args := []interface{}{identityID}
	argIndex := 2

	// カーソルベースページネーション
	if !cursor.IsZero() {
		baseQuery += fmt.Sprintf(" AND a.published_at < $%d", argIndex)
		args = append(args, cursor)
		argIndex++
	}

	// フィルタ条件
	switch filter {
	case model.ArticleFilterUnread:
		// 未読: article_statesにレコードがない、またはis_read=false
		baseQuery += " AND COALESCE(s.is_read, false) = false"
	case model.ArticleFilterSaved:
		// 保存済み: is_saved=true
		baseQuery += " AND COALESCE(s.is_saved, false) = true"
	case model.ArticleFilterAll:
		// 全件: 追加条件なし
	}

	// ソートとリミット
	baseQuery += fmt.Sprintf(" ORDER BY a.published_at DESC LIMIT $%d", argIndex)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, baseQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var articles []model.ArticleWithState
	for rows.Next() {
		var aws model.ArticleWithState
		var publishedAt sql.NullTime

		if err := rows.Scan(
			&aws.ID, &aws.SourceID, &aws.GuidOrID, &aws.Title, &aws.Link,
			&aws.Summary, &aws.Authors, &aws.DOI,
			&aws.CitationCount, &publishedAt, &aws.IsDateEstimated, &aws.FetchedAt,
			&aws.CreatedAt, &aws.UpdatedAt,
			&aws.IsRead, &aws.IsSaved,
		); err != nil {
			return nil, fmt.Errorf("記事行の読み取りに失敗しました: %w", err)
		}

		if publishedAt.Valid {
			aws.PublishedAt = &publishedAt.Time
		}

		articles = append(articles, aws)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("記事一覧の走査に失敗しました: %w", err)
	}

	return articles, nil
}

// Create は新規記事を作成する。
func (r *PostgresArticleRepo) Create(ctx context.Context, article *model.ResearchArticle) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO research_articles (id, source_id, guid_or_id, title, link, summary, authors, doi,
		                                citation_count, citation_fetched_at, published_at, is_date_estimated,
		                                fetched_at, content_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		article.ID, article.SourceID, article.GuidOrID, article.Title, article.Link,
		article.Summary, article.Authors, article.DOI,
		article.CitationCount, article.CitationFetchedAt, article.PublishedAt, article.IsDateEstimated,
		article.FetchedAt, article.ContentHash, article.CreatedAt, article.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("記事の作成に失敗しました: %w", err)
	}
	return nil
}

// Update は既存記事を上書き更新する。履歴は保持しない。
func (r *PostgresArticleRepo) Update(ctx context.Context, article *model.ResearchArticle) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE research_articles SET
		    guid_or_id = $2, title = $3, link = $4, summary = $5, authors = $6,
		    doi = $7, published_at = $8, is_date_estimated = $9,
		    content_hash = $10, updated_at = $11
		 WHERE id = $1`,
		article.ID, article.GuidOrID, article.Title, article.Link, article.Summary,
		article.Authors, article.DOI, article.PublishedAt, article.IsDateEstimated,
		article.ContentHash, article.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("記事の更新に失敗しました: %w", err)
	}
	return nil
}

// ListNeedingCitationFetch は被引用数の取得が必要なDOI付き記事を取得する。
// citation_fetched_at IS NULL（未取得）を優先し、次に古い順に処理する。
func (r *PostgresArticleRepo) ListNeedingCitationFetch(ctx context.Context, ttl time.Duration, limit int) ([]*model.ResearchArticle, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+articleColumns+`
		 FROM research_articles
		 WHERE doi <> ''
		   AND (citation_fetched_at IS NULL
		     OR citation_fetched_at < now() - make_interval(secs => $1))
		 ORDER BY
		    CASE WHEN citation_fetched_at IS NULL THEN 0 ELSE 1 END,
		    citation_fetched_at ASC NULLS FIRST
		 LIMIT $2`,
		ttl.Seconds(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("被引用数取得対象記事の一覧取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var articles []*model.ResearchArticle
	for rows.Next() {
		article, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("被引用数取得対象記事の行読み取りに失敗しました: %w", err)
		}
		articles = append(articles, article)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("被引用数取得対象記事の走査に失敗しました: %w", err)
	}

	return articles, nil
}

// UpdateCitationCount は記事の被引用数と取得日時を更新する。
func (r *PostgresArticleRepo) UpdateCitationCount(ctx context.Context, articleID string, count int, fetchedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE research_articles SET citation_count = $2, citation_fetched_at = $3, updated_at = now()
		 WHERE id = $1`,
		articleID, count, fetchedAt,
	)
	if err != nil {
		return fmt.Errorf("被引用数の更新に失敗しました: %w", err)
	}
	return nil
}

// scanArticle は1行分の記事カラムを読み取る。
func scanArticle(s rowScanner) (*model.ResearchArticle, error) {
	article := &model.ResearchArticle{}
	var citationFetchedAt, publishedAt sql.NullTime

	if err := s.Scan(
		&article.ID, &article.SourceID, &article.GuidOrID, &article.Title, &article.Link,
		&article.Summary, &article.Authors, &article.DOI,
		&article.CitationCount, &citationFetchedAt, &publishedAt, &article.IsDateEstimated,
		&article.FetchedAt, &article.ContentHash, &article.CreatedAt, &article.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if citationFetchedAt.Valid {
		article.CitationFetchedAt = &citationFetchedAt.Time
	}
	if publishedAt.Valid {
		article.PublishedAt = &publishedAt.Time
	}

	return article, nil
}

// compile-time interface check
var _ ArticleRepository = (*PostgresArticleRepo)(nil)
var _ CitationArticleRepository = (*PostgresArticleRepo)(nil)
