package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/fastman/internal/model"
)

// PostgresIdentityRepo はPostgreSQLを使用したアイデンティティリポジトリ。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

// FindByID は指定IDのアイデンティティを取得する。見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByID(ctx context.Context, id string) (*model.Identity, error) {
	identity := &model.Identity{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, device_key_hash, display_name, timezone, created_at, updated_at
		 FROM identities
		 WHERE id = $1`,
		id,
	).Scan(&identity.ID, &identity.DeviceKeyHash, &identity.DisplayName,
		&identity.Timezone, &identity.CreatedAt, &identity.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity by ID: %w", err)
	}

	return identity, nil
}

// FindByDeviceKeyHash は端末キーハッシュでアイデンティティを検索する。
// 見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByDeviceKeyHash(ctx context.Context, hash string) (*model.Identity, error) {
	identity := &model.Identity{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, device_key_hash, display_name, timezone, created_at, updated_at
		 FROM identities
		 WHERE device_key_hash = $1`,
		hash,
	).Scan(&identity.ID, &identity.DeviceKeyHash, &identity.DisplayName,
		&identity.Timezone, &identity.CreatedAt, &identity.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity by device key: %w", err)
	}

	return identity, nil
}

// Create はアイデンティティを作成する。
func (r *PostgresIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO identities (id, device_key_hash, display_name, timezone, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		identity.ID, identity.DeviceKeyHash, identity.DisplayName,
		identity.Timezone, identity.CreatedAt, identity.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert identity: %w", err)
	}
	return nil
}

// UpdateProfile は表示名とタイムゾーンを更新し、更新後の値を返す。
func (r *PostgresIdentityRepo) UpdateProfile(ctx context.Context, id, displayName, timezone string) (*model.Identity, error) {
	identity := &model.Identity{}
	err := r.db.QueryRowContext(ctx,
		`UPDATE identities
		 SET display_name = $2, timezone = $3, updated_at = now()
		 WHERE id = $1
		 RETURNING id, device_key_hash, display_name, timezone, created_at, updated_at`,
		id, displayName, timezone,
	).Scan(&identity.ID, &identity.DeviceKeyHash, &identity.DisplayName,
		&identity.Timezone, &identity.CreatedAt, &identity.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update identity profile: %w", err)
	}

	return identity, nil
}

// DeleteByID は指定IDのアイデンティティを削除する。
// セッション、ウィンドウ、ジャーナル、進捗、購読、記事状態はCASCADE削除される。
func (r *PostgresIdentityRepo) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM identities WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete identity: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("identity not found: %s", id)
	}
	return nil
}

// compile-time interface check
var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
