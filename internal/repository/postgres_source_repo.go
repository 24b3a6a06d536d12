package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/fastman/internal/model"
)

// PostgresSourceRepo はPostgreSQLを使用した研究配信元リポジトリ。
type PostgresSourceRepo struct {
	db *sql.DB
}

// NewPostgresSourceRepo はPostgresSourceRepoを生成する。
func NewPostgresSourceRepo(db *sql.DB) *PostgresSourceRepo {
	return &PostgresSourceRepo{db: db}
}

const sourceColumns = `id, feed_url, site_url, title, description, icon_url,
	etag, last_modified, fetch_status, consecutive_errors,
	error_message, next_fetch_at, created_at, updated_at`

// FindByID は指定IDの配信元を取得する。見つからない場合はnilを返す。
func (r *PostgresSourceRepo) FindByID(ctx context.Context, id string) (*model.ResearchSource, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM research_sources WHERE id = $1`,
		id,
	)

	source, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("配信元の取得に失敗しました: %w", err)
	}

	return source, nil
}

// FindByFeedURL はフィードURLで配信元を検索する。見つからない場合はnilを返す。
func (r *PostgresSourceRepo) FindByFeedURL(ctx context.Context, feedURL string) (*model.ResearchSource, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM research_sources WHERE feed_url = $1`,
		feedURL,
	)

	source, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィードURLによる配信元の検索に失敗しました: %w", err)
	}

	return source, nil
}

// Create は配信元を作成する。
func (r *PostgresSourceRepo) Create(ctx context.Context, source *model.ResearchSource) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO research_sources (id, feed_url, site_url, title, description, icon_url,
		                               etag, last_modified, fetch_status, consecutive_errors,
		                               error_message, next_fetch_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		source.ID, source.FeedURL, source.SiteURL, source.Title, source.Description, source.IconURL,
		source.ETag, source.LastModified, source.FetchStatus, source.ConsecutiveErrors,
		source.ErrorMessage, source.NextFetchAt, source.CreatedAt, source.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("配信元の作成に失敗しました: %w", err)
	}
	return nil
}

// Update は配信元情報を更新する。
func (r *PostgresSourceRepo) Update(ctx context.Context, source *model.ResearchSource) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE research_sources SET
		    feed_url = $2, site_url = $3, title = $4, description = $5, icon_url = $6,
		    etag = $7, last_modified = $8, fetch_status = $9,
		    consecutive_errors = $10, error_message = $11,
		    next_fetch_at = $12, updated_at = $13
		 WHERE id = $1`,
		source.ID, source.FeedURL, source.SiteURL, source.Title, source.Description, source.IconURL,
		source.ETag, source.LastModified, source.FetchStatus,
		source.ConsecutiveErrors, source.ErrorMessage,
		source.NextFetchAt, source.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("配信元の更新に失敗しました: %w", err)
	}
	return nil
}

// ListWithSubscription は全配信元を購読フラグ付きでタイトル昇順で返す。
func (r *PostgresSourceRepo) ListWithSubscription(ctx context.Context, identityID string) ([]SourceWithSubscription, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT f.id, f.feed_url, f.site_url, f.title, f.description, f.icon_url,
		        f.etag, f.last_modified, f.fetch_status, f.consecutive_errors,
		        f.error_message, f.next_fetch_at, f.created_at, f.updated_at,
		        (s.id IS NOT NULL) AS is_subscribed
		 FROM research_sources f
		 LEFT JOIN source_subscriptions s ON s.source_id = f.id AND s.identity_id = $1
		 ORDER BY f.title ASC, f.created_at ASC`,
		identityID,
	)
	if err != nil {
		return nil, fmt.Errorf("配信元一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var results []SourceWithSubscription
	for rows.Next() {
		var info SourceWithSubscription
		if err := rows.Scan(
			&info.ID, &info.FeedURL, &info.SiteURL, &info.Title, &info.Description, &info.IconURL,
			&info.ETag, &info.LastModified, &info.FetchStatus, &info.ConsecutiveErrors,
			&info.ErrorMessage, &info.NextFetchAt, &info.CreatedAt, &info.UpdatedAt,
			&info.IsSubscribed,
		); err != nil {
			return nil, fmt.Errorf("配信元行の読み取りに失敗しました: %w", err)
		}
		results = append(results, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("配信元一覧の走査に失敗しました: %w", err)
	}

	return results, nil
}

// ListDueForFetch はフェッチ対象の配信元を取得する。
// next_fetch_at <= now() かつ fetch_status = 'active' かつ購読者が存在する配信元を
// FOR UPDATE SKIP LOCKEDで排他的に取得する。
func (r *PostgresSourceRepo) ListDueForFetch(ctx context.Context) ([]*model.ResearchSource, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sourceColumns+`
		 FROM research_sources f
		 WHERE f.next_fetch_at <= now()
		   AND f.fetch_status = 'active'
		   AND EXISTS (SELECT 1 FROM source_subscriptions s WHERE s.source_id = f.id)
		 ORDER BY f.next_fetch_at ASC
		 FOR UPDATE OF f SKIP LOCKED`,
	)
	if err != nil {
		return nil, fmt.Errorf("フェッチ対象配信元の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var sources []*model.ResearchSource
	for rows.Next() {
		source, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("フェッチ対象配信元の読み取りに失敗しました: %w", err)
		}
		sources = append(sources, source)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("フェッチ対象配信元の走査に失敗しました: %w", err)
	}

	return sources, nil
}

// UpdateFetchState は配信元のフェッチ状態を更新する。
func (r *PostgresSourceRepo) UpdateFetchState(ctx context.Context, source *model.ResearchSource) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE research_sources SET
		    fetch_status = $2,
		    consecutive_errors = $3,
		    error_message = $4,
		    next_fetch_at = $5,
		    etag = $6,
		    last_modified = $7,
		    updated_at = now()
		 WHERE id = $1`,
		source.ID,
		source.FetchStatus,
		source.ConsecutiveErrors,
		source.ErrorMessage,
		source.NextFetchAt,
		source.ETag,
		source.LastModified,
	)
	if err != nil {
		return fmt.Errorf("フェッチ状態の更新に失敗しました: %w", err)
	}
	return nil
}

// scanSource は1行分の配信元カラムを読み取る。
func scanSource(s rowScanner) (*model.ResearchSource, error) {
	source := &model.ResearchSource{}
	if err := s.Scan(
		&source.ID, &source.FeedURL, &source.SiteURL, &source.Title, &source.Description, &source.IconURL,
		&source.ETag, &source.LastModified, &source.FetchStatus, &source.ConsecutiveErrors,
		&source.ErrorMessage, &source.NextFetchAt, &source.CreatedAt, &source.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return source, nil
}

// compile-time interface check
var _ ResearchSourceRepository = (*PostgresSourceRepo)(nil)
