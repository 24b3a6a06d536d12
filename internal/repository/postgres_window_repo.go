package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/fastman/internal/model"
)

// ErrDuplicateOpenWindow は同種別のオープンウィンドウが既に存在することを示す。
// time_windowsの部分ユニークインデックス違反から検出され、
// アプリケーション側の排他をすり抜けた並行INSERTの最終防衛線となる。
var ErrDuplicateOpenWindow = errors.New("open window of the same type already exists")

// PostgresWindowRepo はPostgreSQLを使用した時間ウィンドウリポジトリ。
// すべての操作はqueryTimeoutで制限される。超過は呼び出し側で
// StoreUnavailableとして扱われる。
type PostgresWindowRepo struct {
	db           *sql.DB
	queryTimeout time.Duration
}

// NewPostgresWindowRepo はPostgresWindowRepoを生成する。
// timeoutが0以下の場合はタイムアウトを適用しない。
func NewPostgresWindowRepo(db *sql.DB, timeout time.Duration) *PostgresWindowRepo {
	return &PostgresWindowRepo{db: db, queryTimeout: timeout}
}

const windowColumns = `id, identity_id, window_type, state, start_time, scheduled_end, end_time, metadata, created_at, updated_at`

// OpenWindows は指定アイデンティティのオープンウィンドウをstart_time昇順で返す。
func (r *PostgresWindowRepo) OpenWindows(ctx context.Context, identityID string) ([]*model.TimeWindow, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+windowColumns+`
		 FROM time_windows
		 WHERE identity_id = $1 AND state IN ('scheduled', 'active')
		 ORDER BY start_time ASC, id ASC`,
		identityID,
	)
	if err != nil {
		return nil, fmt.Errorf("オープンウィンドウの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var windows []*model.TimeWindow
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, fmt.Errorf("ウィンドウ行の読み取りに失敗しました: %w", err)
		}
		windows = append(windows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("オープンウィンドウの走査に失敗しました: %w", err)
	}

	return windows, nil
}

// FindByID は指定IDかつ指定アイデンティティ所有のウィンドウを取得する。
// id/identityの組が一致しない場合はnilを返す。
func (r *PostgresWindowRepo) FindByID(ctx context.Context, id, identityID string) (*model.TimeWindow, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	row := r.db.QueryRowContext(ctx,
		`SELECT `+windowColumns+`
		 FROM time_windows
		 WHERE id = $1 AND identity_id = $2`,
		id, identityID,
	)

	w, err := scanWindow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ウィンドウの取得に失敗しました: %w", err)
	}

	return w, nil
}

// Create は新規ウィンドウを作成する。
// 部分ユニークインデックス違反の場合はErrDuplicateOpenWindowを返す。
func (r *PostgresWindowRepo) Create(ctx context.Context, w *model.TimeWindow) error {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	meta, err := metadataJSON(w.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO time_windows (id, identity_id, window_type, state, start_time,
		                           scheduled_end, end_time, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		w.ID, w.IdentityID, w.WindowType, w.State, w.StartTime,
		w.ScheduledEnd, w.EndTime, meta, w.CreatedAt, w.UpdatedAt,
	)
	if isUniqueViolation(err, "uq_time_windows_open_per_type") {
		return ErrDuplicateOpenWindow
	}
	if err != nil {
		return fmt.Errorf("ウィンドウの作成に失敗しました: %w", err)
	}
	return nil
}

// AdmitWithClosures はcloseIDsのウィンドウをabandonedに遷移させたうえで新規ウィンドウを作成する。
// 全体が1トランザクションで実行され、どちらかが失敗すれば何も可視にならない。
// 実際に遷移したウィンドウをcloseIDsの順で返す。ガード付きUPDATEのため、
// 並行closeにより既に終端となっていた対象は結果に含まれない。
func (r *PostgresWindowRepo) AdmitWithClosures(ctx context.Context, w *model.TimeWindow, closeIDs []string, endTime time.Time) ([]*model.TimeWindow, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	meta, err := metadataJSON(w.Metadata)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	closed := make([]*model.TimeWindow, 0, len(closeIDs))
	for _, closeID := range closeIDs {
		row := tx.QueryRowContext(ctx,
			`UPDATE time_windows
			 SET state = 'abandoned', end_time = $3, updated_at = $3
			 WHERE id = $1 AND identity_id = $2 AND state IN ('scheduled', 'active')
			 RETURNING `+windowColumns,
			closeID, w.IdentityID, endTime,
		)
		cw, err := scanWindow(row)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("競合ウィンドウのクローズに失敗しました: %w", err)
		}
		closed = append(closed, cw)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO time_windows (id, identity_id, window_type, state, start_time,
		                           scheduled_end, end_time, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		w.ID, w.IdentityID, w.WindowType, w.State, w.StartTime,
		w.ScheduledEnd, w.EndTime, meta, w.CreatedAt, w.UpdatedAt,
	)
	if isUniqueViolation(err, "uq_time_windows_open_per_type") {
		return nil, ErrDuplicateOpenWindow
	}
	if err != nil {
		return nil, fmt.Errorf("ウィンドウの作成に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return closed, nil
}

// UpdateScheduledEnd はオープンウィンドウのscheduled_endを更新する。
// オープン状態の行が一致しない場合はnilを返す。
func (r *PostgresWindowRepo) UpdateScheduledEnd(ctx context.Context, id, identityID string, newEnd, updatedAt time.Time) (*model.TimeWindow, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	row := r.db.QueryRowContext(ctx,
		`UPDATE time_windows
		 SET scheduled_end = $3, updated_at = $4
		 WHERE id = $1 AND identity_id = $2 AND state IN ('scheduled', 'active')
		 RETURNING `+windowColumns,
		id, identityID, newEnd, updatedAt,
	)

	w, err := scanWindow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("終了予定時刻の更新に失敗しました: %w", err)
	}

	return w, nil
}

// Close はオープンウィンドウを指定の終端状態に遷移させ、metadataをマージする。
// ガード付きUPDATEのため、既に終端のウィンドウを上書きすることはない。
// オープン状態の行が一致しない場合はnilを返す。
func (r *PostgresWindowRepo) Close(ctx context.Context, id, identityID string, state model.WindowState, endTime time.Time, metadata map[string]string) (*model.TimeWindow, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	meta, err := metadataJSON(metadata)
	if err != nil {
		return nil, err
	}

	row := r.db.QueryRowContext(ctx,
		`UPDATE time_windows
		 SET state = $3, end_time = $4, updated_at = $4, metadata = metadata || $5::jsonb
		 WHERE id = $1 AND identity_id = $2 AND state IN ('scheduled', 'active')
		 RETURNING `+windowColumns,
		id, identityID, state, endTime, meta,
	)

	w, err := scanWindow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ウィンドウのクローズに失敗しました: %w", err)
	}

	return w, nil
}

// opContext はストア操作に上限時間を設定したコンテキストを返す。
func (r *PostgresWindowRepo) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.queryTimeout)
}

// rowScanner は*sql.Rowと*sql.Rowsの共通部分。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanWindow は1行分のウィンドウカラムを読み取る。
func scanWindow(s rowScanner) (*model.TimeWindow, error) {
	w := &model.TimeWindow{}
	var scheduledEnd, endTime sql.NullTime
	var metadata []byte

	if err := s.Scan(
		&w.ID, &w.IdentityID, &w.WindowType, &w.State, &w.StartTime,
		&scheduledEnd, &endTime, &metadata, &w.CreatedAt, &w.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if scheduledEnd.Valid {
		w.ScheduledEnd = &scheduledEnd.Time
	}
	if endTime.Valid {
		w.EndTime = &endTime.Time
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &w.Metadata); err != nil {
			return nil, fmt.Errorf("metadataの読み取りに失敗しました: %w", err)
		}
	}

	return w, nil
}

// metadataJSON はメタデータをJSONB書き込み用のバイト列に変換する。
func metadataJSON(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("metadataの変換に失敗しました: %w", err)
	}
	return b, nil
}

// isUniqueViolation は指定制約のユニーク違反かどうかを判定する。
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" && pqErr.Constraint == constraint
	}
	return false
}

// compile-time interface check
var _ WindowRepository = (*PostgresWindowRepo)(nil)
