package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/fastman/internal/auth"
	"github.com/hitoshi/fastman/internal/citation"
	"github.com/hitoshi/fastman/internal/config"
	"github.com/hitoshi/fastman/internal/database"
	"github.com/hitoshi/fastman/internal/handler"
	"github.com/hitoshi/fastman/internal/identity"
	"github.com/hitoshi/fastman/internal/journal"
	"github.com/hitoshi/fastman/internal/logger"
	"github.com/hitoshi/fastman/internal/metrics"
	"github.com/hitoshi/fastman/internal/middleware"
	"github.com/hitoshi/fastman/internal/progression"
	"github.com/hitoshi/fastman/internal/repository"
	"github.com/hitoshi/fastman/internal/research"
	"github.com/hitoshi/fastman/internal/security"
	"github.com/hitoshi/fastman/internal/window"
	"github.com/hitoshi/fastman/internal/worker/cleanup"
	"github.com/hitoshi/fastman/internal/worker/consume"
	fetchpkg "github.com/hitoshi/fastman/internal/worker/fetch"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// rateLimiterConfigFromEnv はConfigのreq/min値をRateLimiterConfigに反映する。
// 値が0以下の場合はデフォルト設定を維持する。
func rateLimiterConfigFromEnv(cfg *config.Config) middleware.RateLimiterConfig {
	rlCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rlCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rlCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitSourceReg > 0 {
		rlCfg.SourceRegRate = rate.Limit(float64(cfg.RateLimitSourceReg) / 60.0)
		rlCfg.SourceRegBurst = cfg.RateLimitSourceReg
	}
	return rlCfg
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 3. リポジトリの初期化
	identityRepo := repository.NewPostgresIdentityRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	windowRepo := repository.NewPostgresWindowRepo(db, cfg.StoreTimeout)
	journalRepo := repository.NewPostgresJournalRepo(db, cfg.StoreTimeout)
	progressionRepo := repository.NewPostgresProgressionRepo(db)
	sourceRepo := repository.NewPostgresSourceRepo(db)
	subRepo := repository.NewPostgresSubscriptionRepo(db)
	articleRepo := repository.NewPostgresArticleRepo(db)
	articleStateRepo := repository.NewPostgresArticleStateRepo(db)

	// 4. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewSanitizer()

	// 5. ドメインサービスの初期化
	authService := auth.NewService(
		identityRepo, sessionRepo, sanitizer,
		auth.ServiceConfig{SessionTTL: cfg.SessionTTL},
	)

	journalService := journal.NewService(journalRepo, collector)
	resolver := window.NewResolver(window.DefaultMatrix())
	windowService := window.NewService(windowRepo, resolver, journalService, collector)

	progressionService := progression.NewService(progressionRepo)

	detector := research.NewSourceDetector(ssrfGuard)
	iconProber := research.NewIconProber(ssrfGuard)
	researchService := research.NewService(sourceRepo, subRepo, detector, iconProber)
	articleService := research.NewArticleService(articleRepo)
	articleStateService := research.NewArticleStateService(articleRepo, articleStateRepo)

	identityService := identity.NewService(
		identityRepo, sessionRepo, subRepo, articleStateRepo, sanitizer,
	)

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(rateLimiterConfigFromEnv(cfg))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		SessionFinder:     sessionRepo,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		StatusRecorder:    collector,

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(registry),

		AuthService: authService,

		WindowService: windowService,

		JournalService:     journalService,
		ProgressionService: progressionService,

		ResearchService:     researchService,
		ArticleService:      articleService,
		ArticleStateService: articleStateService,

		IdentityService: identityService,
	}

	router := handler.NewRouter(deps)

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 配信元フェッチのスケジューラ、進捗ワーカー、被引用数バッチ、
// データ保持クリーンアップをバックグラウンドで実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. メトリクスの初期化（ワーカーは専用ポートでスクレイプを受ける）
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 3. リポジトリの初期化
	sourceRepo := repository.NewPostgresSourceRepo(db)
	articleRepo := repository.NewPostgresArticleRepo(db)
	progressionRepo := repository.NewPostgresProgressionRepo(db)

	// 4. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewSanitizer()

	// 5. フェッチャーとスケジューラの初期化
	upsertSvc := research.NewArticleUpsertService(articleRepo, sanitizer)
	fetcher := fetchpkg.NewFetcher(
		sourceRepo, upsertSvc, ssrfGuard, collector,
		slog.Default(), cfg.FetchTimeout, cfg.FetchMaxSize,
	)
	scheduler := fetchpkg.NewScheduler(
		sourceRepo, fetcher, slog.Default(), cfg.FetchMaxConcurrent,
	)

	// 6. 進捗ワーカーの初期化
	consumer := consume.NewConsumer(
		progressionRepo, slog.Default(), collector, cfg.ProgressionBatchSize,
	)

	// 7. 被引用数バッチジョブの初期化
	citationClient := citation.NewClient(
		&http.Client{Timeout: 10 * time.Second},
		slog.Default(),
	)
	citationBatch := citation.NewBatchJob(articleRepo, citationClient, slog.Default(), collector, citation.BatchConfig{
		BatchInterval:    cfg.CitationBatchInterval,
		APIInterval:      cfg.CitationAPIInterval,
		MaxCallsPerCycle: cfg.CitationMaxCallsPerCycle,
		CitationTTL:      cfg.CitationTTL,
	})

	// 8. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())
	cleanupJob.JournalRetentionDays = cfg.JournalRetentionDays
	cleanupJob.ArticleRetentionDays = cfg.ArticleRetentionDays

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("fetch_interval", cfg.FetchInterval),
		slog.Int("max_concurrent", cfg.FetchMaxConcurrent),
		slog.Duration("progression_poll_interval", cfg.ProgressionPollInterval),
	)

	// ワーカーメトリクスの公開サーバーをバックグラウンドで起動
	metricsServer := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: metrics.SetupMetricsRoute(registry),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server listen error", slog.String("error", err.Error()))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		metricsServer.Shutdown(shutdownCtx)
	}()

	// 進捗ワーカーをバックグラウンドで起動
	go consumer.Start(ctx, cfg.ProgressionPollInterval)

	// 被引用数バッチジョブをバックグラウンドで起動
	go citationBatch.Start(ctx)

	// クリーンアップジョブを日次でバックグラウンド実行
	go func() {
		// 起動直後に1回実行
		if err := cleanupJob.Run(ctx); err != nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := cleanupJob.Run(ctx); err != nil {
					slog.Error("cleanup job failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	// フェッチスケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.FetchInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
