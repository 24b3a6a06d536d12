package citation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/fastman/internal/metrics"
	"github.com/hitoshi/fastman/internal/repository"
)

// CitationCounter は被引用数取得のインターフェース。
// テスト時にモックに差し替え可能。
type CitationCounter interface {
	GetCitationCount(ctx context.Context, doi string) (int, error)
}

// BatchConfig はバッチジョブの設定パラメータ。
// 環境変数から設定可能。
type BatchConfig struct {
	// BatchInterval はバッチジョブの実行間隔（デフォルト: 30分）。
	BatchInterval time.Duration
	// APIInterval はAPI呼び出しの最低間隔（デフォルト: 2秒）。
	APIInterval time.Duration
	// MaxCallsPerCycle は1サイクルあたりの最大API呼び出し回数（デフォルト: 50）。
	MaxCallsPerCycle int
	// CitationTTL は被引用数の再取得間隔（デフォルト: 7日）。
	CitationTTL time.Duration
}

// DefaultBatchConfig はデフォルトのバッチジョブ設定を返す。
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		BatchInterval:    30 * time.Minute,
		APIInterval:      2 * time.Second,
		MaxCallsPerCycle: 50,
		CitationTTL:      7 * 24 * time.Hour,
	}
}

// BatchJob は被引用数のバッチ取得ジョブ。
// 定期的にcitation_fetched_atがNULLまたはTTLを超過したDOI付き記事を対象に
// Crossref APIを呼び出して被引用数を更新する。
type BatchJob struct {
	articleRepo       repository.CitationArticleRepository
	client            CitationCounter
	logger            *slog.Logger
	metrics           metrics.MetricsCollector
	config            BatchConfig
	consecutiveErrors int
	backoffUntil      time.Time
}

// NewBatchJob はBatchJobの新しいインスタンスを生成する。collectorはnilでもよい。
func NewBatchJob(
	articleRepo repository.CitationArticleRepository,
	client CitationCounter,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
	config BatchConfig,
) *BatchJob {
	return &BatchJob{
		articleRepo: articleRepo,
		client:      client,
		logger:      logger,
		metrics:     collector,
		config:      config,
	}
}

// Start はバッチジョブをティッカーで定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (b *BatchJob) Start(ctx context.Context) {
	ticker := time.NewTicker(b.config.BatchInterval)
	defer ticker.Stop()

	b.logger.Info("被引用数バッチジョブを開始しました",
		slog.Duration("batch_interval", b.config.BatchInterval),
		slog.Duration("api_interval", b.config.APIInterval),
		slog.Int("max_calls_per_cycle", b.config.MaxCallsPerCycle),
		slog.Duration("citation_ttl", b.config.CitationTTL),
	)

	// 起動直後に1回実行
	if err := b.RunOnce(ctx); err != nil {
		b.logger.Error("被引用数バッチサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("被引用数バッチジョブを停止しました")
			return
		case <-ticker.C:
			if err := b.RunOnce(ctx); err != nil {
				b.logger.Error("被引用数バッチサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は1回のバッチサイクルを実行する。
// 取得対象の記事を取得し、DOIごとにAPIを呼び出して被引用数を更新する。
func (b *BatchJob) RunOnce(ctx context.Context) error {
	start := time.Now()

	// バックオフ中の場合はスキップ
	if !b.backoffUntil.IsZero() && time.Now().Before(b.backoffUntil) {
		b.logger.Info("被引用数バッチジョブはバックオフ中のためスキップします",
			slog.Time("backoff_until", b.backoffUntil),
		)
		return nil
	}

	// Crossref works APIはDOIごとに1呼び出しなので、取得上限 = 最大呼び出し回数
	articles, err := b.articleRepo.ListNeedingCitationFetch(ctx, b.config.CitationTTL, b.config.MaxCallsPerCycle)
	if err != nil {
		return fmt.Errorf("被引用数取得対象記事の取得に失敗しました: %w", err)
	}

	if len(articles) == 0 {
		b.logger.Info("被引用数取得対象の記事はありません")
		return nil
	}

	b.logger.Info("被引用数バッチサイクルを開始します",
		slog.Int("target_articles", len(articles)),
	)

	var apiCallCount int
	var updatedCount int
	var notFoundCount int
	var hadError bool

	for _, article := range articles {
		// コンテキストチェック
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// DOIのない記事は対象外（リポジトリ側で除外済みだが念のため）
		if article.DOI == "" {
			continue
		}

		// MaxCallsPerCycle チェック
		if apiCallCount >= b.config.MaxCallsPerCycle {
			b.logger.Info("1サイクルあたりの最大API呼び出し回数に達しました",
				slog.Int("api_call_count", apiCallCount),
				slog.Int("max_calls_per_cycle", b.config.MaxCallsPerCycle),
			)
			break
		}

		// API呼び出しインターバル（初回は待たない）
		if apiCallCount > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.config.APIInterval):
			}
		}

		apiCallCount++

		count, err := b.client.GetCitationCount(ctx, article.DOI)
		if err != nil {
			// 未登録DOIは0件として記録し、TTL経過まで再問い合わせしない
			if errors.Is(err, ErrDOINotFound) {
				notFoundCount++
				if updateErr := b.articleRepo.UpdateCitationCount(ctx, article.ID, 0, time.Now()); updateErr != nil {
					b.logger.Error("被引用数の更新に失敗しました",
						slog.String("article_id", article.ID),
						slog.String("doi", article.DOI),
						slog.String("error", updateErr.Error()),
					)
				}
				continue
			}

			b.logger.Error("Crossref APIの呼び出しに失敗しました",
				slog.String("article_id", article.ID),
				slog.String("doi", article.DOI),
				slog.String("error", err.Error()),
				slog.Int("api_call_count", apiCallCount),
			)
			hadError = true
			b.consecutiveErrors++
			// バックオフ判定
			backoff := b.calculateErrorBackoff(b.consecutiveErrors)
			if backoff > 0 {
				b.backoffUntil = time.Now().Add(backoff)
				b.logger.Warn("連続エラーによりバックオフを適用します",
					slog.Int("consecutive_errors", b.consecutiveErrors),
					slog.Duration("backoff_duration", backoff),
				)
				break
			}
			continue // この記事はスキップし次の記事へ（前回値維持）
		}

		if err := b.articleRepo.UpdateCitationCount(ctx, article.ID, count, time.Now()); err != nil {
			b.logger.Error("被引用数の更新に失敗しました",
				slog.String("article_id", article.ID),
				slog.String("doi", article.DOI),
				slog.Int("count", count),
				slog.String("error", err.Error()),
			)
		} else {
			updatedCount++
		}
	}

	// エラーがなければ連続エラーカウントをリセット
	if !hadError {
		b.consecutiveErrors = 0
		b.backoffUntil = time.Time{}
	}

	if updatedCount > 0 && b.metrics != nil {
		b.metrics.RecordCitationsUpdated(updatedCount)
	}

	duration := time.Since(start)
	b.logger.Info("被引用数バッチサイクルが完了しました",
		slog.Int("api_call_count", apiCallCount),
		slog.Int("updated_articles", updatedCount),
		slog.Int("not_found_dois", notFoundCount),
		slog.Int("target_articles", len(articles)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// calculateErrorBackoff は連続エラー回数に基づくバックオフ時間を計算する。
// 3回連続: 30分、5回連続: 1時間、10回連続: 6時間。
func (b *BatchJob) calculateErrorBackoff(consecutiveErrors int) time.Duration {
	switch {
	case consecutiveErrors >= 10:
		return 6 * time.Hour
	case consecutiveErrors >= 5:
		return 1 * time.Hour
	case consecutiveErrors >= 3:
		return 30 * time.Minute
	default:
		return 0
	}
}
