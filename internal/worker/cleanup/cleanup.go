// Package cleanup は保持期間を超過したデータの自動削除ジョブを提供する。
// 期限切れセッション、消費済みジャーナルイベント、保存されていない古い研究記事を
// 日次バッチで削除する。関連行はCASCADE削除で自動的に処理される。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const (
	// 期限切れセッションの削除。
	deleteExpiredSessionsQuery = `DELETE FROM sessions WHERE expires_at < now()`

	// 保持期間を超過し、かつ進捗ワーカーが消費済みのジャーナルイベントの削除。
	// 未消費イベントは進捗集計が完了するまで残す。
	deleteConsumedJournalEventsQuery = `
		DELETE FROM journal_events
		WHERE created_at < now() - $1::interval
		  AND EXISTS (
			SELECT 1 FROM progression_consumed pc WHERE pc.event_id = journal_events.id
		  )`

	// 保持期間を超過し、誰も保存していない研究記事の削除。
	// article_statesはCASCADE削除により自動的に削除される。
	deleteUnsavedArticlesQuery = `
		DELETE FROM research_articles
		WHERE fetched_at < now() - $1::interval
		  AND NOT EXISTS (
			SELECT 1 FROM article_states s
			WHERE s.article_id = research_articles.id AND s.is_saved
		  )`
)

// CleanupJob は保持期間を超過したデータの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	db                   Executor
	logger               *slog.Logger
	JournalRetentionDays int // ジャーナルイベントの保持日数（デフォルト: 180）
	ArticleRetentionDays int // 研究記事の保持日数（デフォルト: 180）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数はいずれも180日。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:                   db,
		logger:               logger,
		JournalRetentionDays: 180,
		ArticleRetentionDays: 180,
	}
}

// Run は保持期間を超過したデータを削除する。
// 1. expires_atを過ぎたセッション
// 2. created_atがJournalRetentionDays日前より古く、消費済みのジャーナルイベント
// 3. fetched_atがArticleRetentionDays日前より古く、誰も保存していない研究記事
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	deletedSessions, err := j.execDelete(ctx, "セッション", deleteExpiredSessionsQuery)
	if err != nil {
		return err
	}

	journalInterval := fmt.Sprintf("%d days", j.JournalRetentionDays)
	deletedEvents, err := j.execDelete(ctx, "ジャーナルイベント", deleteConsumedJournalEventsQuery, journalInterval)
	if err != nil {
		return err
	}

	articleInterval := fmt.Sprintf("%d days", j.ArticleRetentionDays)
	deletedArticles, err := j.execDelete(ctx, "研究記事", deleteUnsavedArticlesQuery, articleInterval)
	if err != nil {
		return err
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_sessions", deletedSessions),
		slog.Int64("deleted_journal_events", deletedEvents),
		slog.Int64("deleted_articles", deletedArticles),
		slog.Int("journal_retention_days", j.JournalRetentionDays),
		slog.Int("article_retention_days", j.ArticleRetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// execDelete は削除クエリを実行し、削除件数を返す。
func (j *CleanupJob) execDelete(ctx context.Context, label, query string, args ...interface{}) (int64, error) {
	result, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		j.logger.Error("クリーンアップの削除クエリの実行に失敗しました",
			slog.String("target", label),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("%sクリーンアップの実行に失敗: %w", label, err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("target", label),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	return deleted, nil
}
