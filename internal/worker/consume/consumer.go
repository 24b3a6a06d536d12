// Package consume はジャーナルイベントを消費する進捗ワーカーを提供する。
// 配信はat-least-onceで、消費記録テーブルによるイベントID単位の冪等化と
// 組み合わせて実効的にexactly-onceの集計を実現する。
package consume

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/fastman/internal/metrics"
	"github.com/hitoshi/fastman/internal/model"
	"github.com/hitoshi/fastman/internal/progression"
	"github.com/hitoshi/fastman/internal/repository"
)

// Consumer はジャーナルイベントをポーリングで取り込み、進捗集計に反映する。
type Consumer struct {
	progressionRepo repository.ProgressionRepository
	logger          *slog.Logger
	metrics         metrics.MetricsCollector
	batchSize       int
}

// NewConsumer はConsumerの新しいインスタンスを生成する。
// batchSizeが0以下の場合はデフォルト値100を使用する。collectorはnilでもよい。
func NewConsumer(
	progressionRepo repository.ProgressionRepository,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
	batchSize int,
) *Consumer {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Consumer{
		progressionRepo: progressionRepo,
		logger:          logger,
		metrics:         collector,
		batchSize:       batchSize,
	}
}

// Start は指定間隔のティッカーでワーカーを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (c *Consumer) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("進捗ワーカーを開始しました",
		slog.Duration("interval", interval),
		slog.Int("batch_size", c.batchSize),
	)

	// 起動直後に1回実行
	if err := c.RunOnce(ctx); err != nil {
		c.logger.Error("消費サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("進捗ワーカーを停止しました")
			return
		case <-ticker.C:
			if err := c.RunOnce(ctx); err != nil {
				c.logger.Error("消費サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は未消費イベントを1バッチ分、event_time昇順に消費する。
// 1件の失敗はそのイベントの再配信に委ね、バッチ内の残りは処理を続ける。
// 消費済みイベントの再配信はConsumeEvent側で弾かれ、集計には二度効かない。
func (c *Consumer) RunOnce(ctx context.Context) error {
	events, err := c.progressionRepo.NextEvents(ctx, c.batchSize)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	consumed := 0
	failed := 0
	for _, ev := range events {
		applied, err := c.progressionRepo.ConsumeEvent(ctx, ev, func(st *model.ProgressionState) error {
			progression.Apply(st, ev)
			return nil
		})
		if err != nil {
			failed++
			c.logger.Error("イベントの消費に失敗しました",
				slog.String("event_id", ev.ID),
				slog.String("event_type", string(ev.EventType)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if applied {
			consumed++
		}
	}

	if consumed > 0 && c.metrics != nil {
		c.metrics.RecordEventsConsumed(consumed)
	}

	c.logger.Info("消費サイクルが完了しました",
		slog.Int("event_count", len(events)),
		slog.Int("consumed", consumed),
		slog.Int("failed", failed),
	)
	return nil
}
