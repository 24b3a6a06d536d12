package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/fastman/internal/model"
)

// PostgresProgressionRepo はPostgreSQLを使用した進捗リポジトリ。
type PostgresProgressionRepo struct {
	db *sql.DB
}

// NewPostgresProgressionRepo はPostgresProgressionRepoを生成する。
func NewPostgresProgressionRepo(db *sql.DB) *PostgresProgressionRepo {
	return &PostgresProgressionRepo{db: db}
}

const progressionColumns = `identity_id, total_xp, current_streak, longest_streak, last_fast_day,
	completed_fasts, completed_eating, completed_workouts, completed_recovery, updated_at`

// FindByIdentity は指定アイデンティティの進捗を取得する。見つからない場合はnilを返す。
func (r *PostgresProgressionRepo) FindByIdentity(ctx context.Context, identityID string) (*model.ProgressionState, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+progressionColumns+`
		 FROM progression_states
		 WHERE identity_id = $1`,
		identityID,
	)

	st, err := scanProgressionState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("進捗の取得に失敗しました: %w", err)
	}

	return st, nil
}

// NextEvents は未消費のジャーナルイベントをevent_time昇順（同時刻はID昇順）で返す。
func (r *PostgresProgressionRepo) NextEvents(ctx context.Context, limit int) ([]*model.JournalEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT e.id, e.identity_id, e.event_type, e.category,
		        e.related_id, e.related_type, e.event_time, e.metadata, e.created_at
		 FROM journal_events e
		 LEFT JOIN progression_consumed c ON c.event_id = e.id
		 WHERE c.event_id IS NULL
		 ORDER BY e.event_time ASC, e.id ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("未消費イベントの取得に失敗しました: %w", err)
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
		return nil, fmt.Errorf("未消費イベントの走査に失敗しました: %w", err)
	}

	return events, nil
}

// ConsumeEvent はイベントを1件消費する。1トランザクションで消費記録を挿入し、
// 進捗行をロックしてapplyを適用し、更新を書き戻す。
// 主キー衝突で消費記録を挿入できなかった場合は処理済みとみなしfalseを返す。
func (r *PostgresProgressionRepo) ConsumeEvent(ctx context.Context, ev *model.JournalEvent, apply func(st *model.ProgressionState) error) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO progression_consumed (event_id)
		 VALUES ($1)
		 ON CONFLICT (event_id) DO NOTHING`,
		ev.ID,
	)
	if err != nil {
		return false, fmt.Errorf("消費記録の挿入に失敗しました: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if inserted == 0 {
		return false, nil
	}

	// 進捗行がなければ初期化してからロックする
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO progression_states (identity_id)
		 VALUES ($1)
		 ON CONFLICT (identity_id) DO NOTHING`,
		ev.IdentityID,
	); err != nil {
		return false, fmt.Errorf("進捗行の初期化に失敗しました: %w", err)
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+progressionColumns+`
		 FROM progression_states
		 WHERE identity_id = $1
		 FOR UPDATE`,
		ev.IdentityID,
	)
	st, err := scanProgressionState(row)
	if err != nil {
		return false, fmt.Errorf("進捗行の取得に失敗しました: %w", err)
	}

	if err := apply(st); err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE progression_states
		 SET total_xp = $2, current_streak = $3, longest_streak = $4, last_fast_day = $5,
		     completed_fasts = $6, completed_eating = $7, completed_workouts = $8,
		     completed_recovery = $9, updated_at = now()
		 WHERE identity_id = $1`,
		st.IdentityID, st.TotalXP, st.CurrentStreak, st.LongestStreak, st.LastFastDay,
		st.CompletedFasts, st.CompletedEating, st.CompletedWorkouts, st.CompletedRecovery,
	); err != nil {
		return false, fmt.Errorf("進捗行の更新に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return true, nil
}

// scanProgressionState は1行分の進捗カラムを読み取る。
func scanProgressionState(s rowScanner) (*model.ProgressionState, error) {
	st := &model.ProgressionState{}
	var lastFastDay sql.NullTime

	if err := s.Scan(
		&st.IdentityID, &st.TotalXP, &st.CurrentStreak, &st.LongestStreak, &lastFastDay,
		&st.CompletedFasts, &st.CompletedEating, &st.CompletedWorkouts, &st.CompletedRecovery,
		&st.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if lastFastDay.Valid {
		st.LastFastDay = &lastFastDay.Time
	}

	return st, nil
}

// compile-time interface check
var _ ProgressionRepository = (*PostgresProgressionRepo)(nil)
