package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/fastman/internal/model"
)

// PostgresSubscriptionRepo はPostgreSQLを使用した購読リポジトリ。
type PostgresSubscriptionRepo struct {
	db *sql.DB
}

// NewPostgresSubscriptionRepo はPostgresSubscriptionRepoを生成する。
func NewPostgresSubscriptionRepo(db *sql.DB) *PostgresSubscriptionRepo {
	return &PostgresSubscriptionRepo{db: db}
}

// FindByIdentityAndSource はアイデンティティIDと配信元IDで購読を検索する。
// 見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) FindByIdentityAndSource(ctx context.Context, identityID, sourceID string) (*model.SourceSubscription, error) {
	sub := &model.SourceSubscription{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, identity_id, source_id, created_at
		 FROM source_subscriptions WHERE identity_id = $1 AND source_id = $2`,
		identityID, sourceID,
	).Scan(&sub.ID, &sub.IdentityID, &sub.SourceID, &sub.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("購読の検索に失敗しました: %w", err)
	}

	return sub, nil
}

// CountByIdentityID はアイデンティティの購読数を返す。
func (r *PostgresSubscriptionRepo) CountByIdentityID(ctx context.Context, identityID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM source_subscriptions WHERE identity_id = $1`,
		identityID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("購読数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// Create は購読を作成する。
func (r *PostgresSubscriptionRepo) Create(ctx context.Context, sub *model.SourceSubscription) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO source_subscriptions (id, identity_id, source_id, created_at)
		 VALUES ($1, $2, $3, $4)`,
		sub.ID, sub.IdentityID, sub.SourceID, sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("購読の作成に失敗しました: %w", err)
	}
	return nil
}

// Delete はアイデンティティIDと配信元IDで購読を削除する。
func (r *PostgresSubscriptionRepo) Delete(ctx context.Context, identityID, sourceID string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM source_subscriptions WHERE identity_id = $1 AND source_id = $2`,
		identityID, sourceID,
	)
	if err != nil {
		return fmt.Errorf("購読の削除に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除結果の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("購読が見つかりません: %s/%s", identityID, sourceID)
	}
	return nil
}

// DeleteByIdentityID はアイデンティティの全購読を削除する。
func (r *PostgresSubscriptionRepo) DeleteByIdentityID(ctx context.Context, identityID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM source_subscriptions WHERE identity_id = $1`,
		identityID,
	)
	if err != nil {
		return fmt.Errorf("アイデンティティの全購読の削除に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ SourceSubscriptionRepository = (*PostgresSubscriptionRepo)(nil)
