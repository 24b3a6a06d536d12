// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ウィンドウサービス、ワーカー、ミドルウェアから利用する。
type MetricsCollector interface {
	RecordWindowOpened(windowType string)
	RecordWindowClosed(windowType string, endState string)
	RecordWindowConflict(windowType string)
	RecordAutoClosed(count int)
	RecordJournalAppended(eventType string)
	RecordJournalEmitFailure()
	RecordEventsConsumed(count int)
	RecordHTTPStatus(statusCode int)
	RecordFetchSuccess(sourceID string)
	RecordFetchFailure(sourceID string, reason string)
	RecordParseFailure(sourceID string)
	RecordFetchLatency(duration time.Duration)
	RecordArticlesUpserted(count int)
	RecordCitationsUpdated(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	windowOpened      *prometheus.CounterVec
	windowClosed      *prometheus.CounterVec
	windowConflict    *prometheus.CounterVec
	autoClosed        prometheus.Counter
	journalAppended   *prometheus.CounterVec
	journalEmitFail   prometheus.Counter
	eventsConsumed    prometheus.Counter
	httpStatus        *prometheus.CounterVec
	fetchSuccess      prometheus.Counter
	fetchFail         prometheus.Counter
	parseFail         prometheus.Counter
	fetchLatency      prometheus.Histogram
	articlesUpserted  prometheus.Counter
	citationsUpdated  prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		windowOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastman_window_opened_total",
			Help: "開始されたウィンドウの種別ごとの合計数",
		}, []string{"window_type"}),
		windowClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastman_window_closed_total",
			Help: "終了したウィンドウの種別・終端状態ごとの合計数",
		}, []string{"window_type", "end_state"}),
		windowConflict: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastman_window_conflict_total",
			Help: "競合マトリクスにより拒否された開始要求の合計数",
		}, []string{"window_type"}),
		autoClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastman_window_auto_closed_total",
			Help: "auto_closeにより中断されたウィンドウの合計数",
		}),
		journalAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastman_journal_appended_total",
			Help: "追記されたジャーナルイベントの種別ごとの合計数",
		}, []string{"event_type"}),
		journalEmitFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastman_journal_emit_fail_total",
			Help: "状態遷移後のイベント追記失敗（劣化成功）の合計数",
		}),
		eventsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastman_progression_events_consumed_total",
			Help: "進捗ワーカーが消費したイベントの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastman_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		fetchSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastman_fetch_success_total",
			Help: "配信元フェッチ成功の合計数",
		}),
		fetchFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastman_fetch_fail_total",
			Help: "配信元フェッチ失敗の合計数",
		}),
		parseFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastman_parse_fail_total",
			Help: "フィードパース失敗の合計数",
		}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fastman_fetch_latency_seconds",
			Help:    "配信元フェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		articlesUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastman_articles_upserted_total",
			Help: "アップサートされた研究記事の合計数",
		}),
		citationsUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastman_citations_updated_total",
			Help: "被引用数を更新した記事の合計数",
		}),
	}

	reg.MustRegister(
		c.windowOpened,
		c.windowClosed,
		c.windowConflict,
		c.autoClosed,
		c.journalAppended,
		c.journalEmitFail,
		c.eventsConsumed,
		c.httpStatus,
		c.fetchSuccess,
		c.fetchFail,
		c.parseFail,
		c.fetchLatency,
		c.articlesUpserted,
		c.citationsUpdated,
	)

	return c
}

// RecordWindowOpened はウィンドウの開始を記録する。
func (c *Collector) RecordWindowOpened(windowType string) {
	c.windowOpened.WithLabelValues(windowType).Inc()
}

// RecordWindowClosed はウィンドウの終了を記録する。
func (c *Collector) RecordWindowClosed(windowType string, endState string) {
	c.windowClosed.WithLabelValues(windowType, endState).Inc()
}

// RecordWindowConflict は競合による拒否を記録する。
func (c *Collector) RecordWindowConflict(windowType string) {
	c.windowConflict.WithLabelValues(windowType).Inc()
}

// RecordAutoClosed はauto_closeによる中断数を記録する。
func (c *Collector) RecordAutoClosed(count int) {
	c.autoClosed.Add(float64(count))
}

// RecordJournalAppended はジャーナルイベントの追記を記録する。
func (c *Collector) RecordJournalAppended(eventType string) {
	c.journalAppended.WithLabelValues(eventType).Inc()
}

// RecordJournalEmitFailure はイベント追記失敗を記録する。
func (c *Collector) RecordJournalEmitFailure() {
	c.journalEmitFail.Inc()
}

// RecordEventsConsumed は進捗ワーカーのイベント消費数を記録する。
func (c *Collector) RecordEventsConsumed(count int) {
	c.eventsConsumed.Add(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFetchSuccess はフェッチ成功を記録する。
func (c *Collector) RecordFetchSuccess(sourceID string) {
	c.fetchSuccess.Inc()
}

// RecordFetchFailure はフェッチ失敗を記録する。
func (c *Collector) RecordFetchFailure(sourceID string, reason string) {
	c.fetchFail.Inc()
}

// RecordParseFailure はパース失敗を記録する。
func (c *Collector) RecordParseFailure(sourceID string) {
	c.parseFail.Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordArticlesUpserted はアップサートされた記事数を記録する。
func (c *Collector) RecordArticlesUpserted(count int) {
	c.articlesUpserted.Add(float64(count))
}

// RecordCitationsUpdated は被引用数を更新した記事数を記録する。
func (c *Collector) RecordCitationsUpdated(count int) {
	c.citationsUpdated.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
