package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/fastman/internal/model"
)

// PostgresJournalRepo はPostgreSQLを使用したジャーナルイベントリポジトリ。
type PostgresJournalRepo struct {
	db           *sql.DB
	queryTimeout time.Duration
}

// NewPostgresJournalRepo はPostgresJournalRepoを生成する。
func NewPostgresJournalRepo(db *sql.DB, timeout time.Duration) *PostgresJournalRepo {
	return &PostgresJournalRepo{db: db, queryTimeout: timeout}
}

const journalColumns = `id, identity_id, event_type, category, related_id, related_type, event_time, metadata, created_at`

// Create はイベントを追記する。
func (r *PostgresJournalRepo) Create(ctx context.Context, ev *model.JournalEvent) error {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("イベントメタデータの変換に失敗しました: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO journal_events (id, identity_id, event_type, category,
		                             related_id, related_type, event_time, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.IdentityID, ev.EventType, ev.Category,
		ev.RelatedID, ev.RelatedType, ev.Timestamp, meta, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("イベントの追記に失敗しました: %w", err)
	}
	return nil
}

// ListByIdentity は指定アイデンティティのイベントをevent_time降順で返す。
func (r *PostgresJournalRepo) ListByIdentity(ctx context.Context, identityID string, cursor time.Time, limit int) ([]*model.JournalEvent, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	query := `SELECT ` + journalColumns + ` FROM journal_events WHERE identity_id = $1`
	args := []interface{}{identityID}
	argIndex := 2

	if !cursor.IsZero() {
		query += fmt.Sprintf(" AND event_time < $%d", argIndex)
		args = append(args, cursor)
		argIndex++
	}

	query += fmt.Sprintf(" ORDER BY event_time DESC, id DESC LIMIT $%d", argIndex)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("イベント一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var events []*model.JournalEvent
	for rows.Next() {
		ev, err := scanJournalEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("イベント行の読み取りに失敗しました: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("イベント一覧の走査に失敗しました: %w", err)
	}

	return events, nil
}

func (r *PostgresJournalRepo) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.queryTimeout)
}

// scanJournalEvent は1行分のイベントカラムを読み取る。
func scanJournalEvent(s rowScanner) (*model.JournalEvent, error) {
	ev := &model.JournalEvent{}
	var metadata []byte

	if err := s.Scan(
		&ev.ID, &ev.IdentityID, &ev.EventType, &ev.Category,
		&ev.RelatedID, &ev.RelatedType, &ev.Timestamp, &metadata, &ev.CreatedAt,
	); err != nil {
		return nil, err
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("イベントメタデータの読み取りに失敗しました: %w", err)
		}
	}

	return ev, nil
}

// compile-time interface check
var _ JournalRepository = (*PostgresJournalRepo)(nil)
