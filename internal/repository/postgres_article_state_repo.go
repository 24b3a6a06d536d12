package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/fastman/internal/model"
)

// PostgresArticleStateRepo はPostgreSQLを使用した記事状態リポジトリ。
type PostgresArticleStateRepo struct {
	db *sql.DB
}

// NewPostgresArticleStateRepo はPostgresArticleStateRepoを生成する。
func NewPostgresArticleStateRepo(db *sql.DB) *PostgresArticleStateRepo {
	return &PostgresArticleStateRepo{db: db}
}

// FindByIdentityAndArticle はアイデンティティIDと記事IDで記事状態を取得する。
// 見つからない場合はnilを返す。
func (r *PostgresArticleStateRepo) FindByIdentityAndArticle(ctx context.Context, identityID, articleID string) (*model.ArticleState, error) {
	state := &model.ArticleState{}
	var readAt, savedAt sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT id, identity_id, article_id, is_read, is_saved, read_at, saved_at, created_at, updated_at
		 FROM article_states WHERE identity_id = $1 AND article_id = $2`,
		identityID, articleID,
	).Scan(
		&state.ID, &state.IdentityID, &state.ArticleID,
		&state.IsRead, &state.IsSaved,
		&readAt, &savedAt,
		&state.CreatedAt, &state.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("記事状態の取得に失敗しました: %w", err)
	}

	if readAt.Valid {
		state.ReadAt = &readAt.Time
	}
	if savedAt.Valid {
		state.SavedAt = &savedAt.Time
	}

	return state, nil
}

// Upsert は記事状態を冪等にUPSERTする。
// nilフィールドは変更せず、既存の値を維持する部分更新を行う。
// UNIQUE(identity_id, article_id)制約を利用したINSERT ON CONFLICTで実装する。
func (r *PostgresArticleStateRepo) Upsert(
	ctx context.Context,
	identityID, articleID string,
	isRead *bool,
	isSaved *bool,
) (*model.ArticleState, error) {
	now := time.Now().UTC()

	// 既存レコードを確認
	existing, err := r.FindByIdentityAndArticle(ctx, identityID, articleID)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		// 新規作成
		state := &model.ArticleState{
			ID:         uuid.New().String(),
			IdentityID: identityID,
			ArticleID:  articleID,
			IsRead:     false,
			IsSaved:    false,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		if isRead != nil {
			state.IsRead = *isRead
			if *isRead {
				state.ReadAt = &now
			}
		}
		if isSaved != nil {
			state.IsSaved = *isSaved
			if *isSaved {
				state.SavedAt = &now
			}
		}

		_, err := r.db.ExecContext(ctx,
			`INSERT INTO article_states (id, identity_id, article_id, is_read, is_saved, read_at, saved_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (identity_id, article_id) DO UPDATE SET
			     is_read = EXCLUDED.is_read,
			     is_saved = EXCLUDED.is_saved,
			     read_at = EXCLUDED.read_at,
			     saved_at = EXCLUDED.saved_at,
			     updated_at = EXCLUDED.updated_at`,
			state.ID, state.IdentityID, state.ArticleID,
			state.IsRead, state.IsSaved,
			state.ReadAt, state.SavedAt,
			state.CreatedAt, state.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("記事状態の作成に失敗しました: %w", err)
		}

		return state, nil
	}

	// 既存レコードの部分更新
	existing.UpdatedAt = now
	if isRead != nil {
		existing.IsRead = *isRead
		if *isRead && existing.ReadAt == nil {
			existing.ReadAt = &now
		} else if !*isRead {
			existing.ReadAt = nil
		}
	}
	if isSaved != nil {
		existing.IsSaved = *isSaved
		if *isSaved && existing.SavedAt == nil {
			existing.SavedAt = &now
		} else if !*isSaved {
			existing.SavedAt = nil
		}
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE article_states SET
		    is_read = $3, is_saved = $4, read_at = $5, saved_at = $6, updated_at = $7
		 WHERE identity_id = $1 AND article_id = $2`,
		existing.IdentityID, existing.ArticleID,
		existing.IsRead, existing.IsSaved,
		existing.ReadAt, existing.SavedAt,
		existing.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("記事状態の更新に失敗しました: %w", err)
	}

	return existing, nil
}

// DeleteByIdentityID はアイデンティティに関連する全ての記事状態を削除する。
func (r *PostgresArticleStateRepo) DeleteByIdentityID(ctx context.Context, identityID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM article_states WHERE identity_id = $1`,
		identityID,
	)
	if err != nil {
		return fmt.Errorf("アイデンティティの記事状態の削除に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ArticleStateRepository = (*PostgresArticleStateRepo)(nil)
