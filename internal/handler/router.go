package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/fastman/internal/middleware"
)

// SetupAuthRoutes は認証関連のルーティングを設定したchi.Routerを返す。
func SetupAuthRoutes(service AuthServiceInterface) http.Handler {
	r := chi.NewRouter()
	h := NewAuthHandler(service)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/device", h.RegisterDevice)
		r.Post("/logout", h.Logout)
		r.Get("/me", h.Me)
	})

	return r
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger
	StatusRecorder    middleware.HTTPStatusRecorder

	// 運用エンドポイント
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// 認証
	AuthService AuthServiceInterface

	// ウィンドウ
	WindowService WindowServiceInterface

	// ジャーナル/進捗
	JournalService     JournalServiceInterface
	ProgressionService ProgressionServiceInterface

	// 研究フィード
	ResearchService     ResearchServiceInterface
	ArticleService      ArticleServiceInterface
	ArticleStateService ArticleStateServiceInterface

	// プロフィール
	IdentityService IdentityServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	CORS → SecurityHeaders → RequestID → Logging → Metrics → Recovery
//	→（認証グループのみ）Session → RateLimit(General)
//
// MetricsはStatusRecorderが設定されている場合のみ組み込まれる。
//
// 認証ルート（/auth/*）と運用エンドポイント（/health, /metrics）は
// セッショングループの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// 全ルートに効くミドルウェア（外側から順に適用される）
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.StatusRecorder != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.StatusRecorder))
	}
	r.Use(middleware.NewRecoveryMiddleware())

	authHandler := NewAuthHandler(deps.AuthService)
	windowHandler := NewWindowHandler(deps.WindowService)
	journalHandler := NewJournalHandler(deps.JournalService)
	progressionHandler := NewProgressionHandler(deps.ProgressionService)
	researchHandler := NewResearchHandler(deps.ResearchService, deps.ArticleService, deps.ArticleStateService)
	identityHandler := NewIdentityHandler(deps.IdentityService)
	healthHandler := NewHealthHandler(deps.HealthChecker)

	// --- 認証不要のルート ---

	// 運用エンドポイント
	r.Get("/health", healthHandler.Check)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// 認証ルート（端末キー登録/セッション管理）
	r.Route("/auth", func(r chi.Router) {
		r.Post("/device", authHandler.RegisterDevice)
		r.Post("/logout", authHandler.Logout)
		r.Get("/me", authHandler.Me)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// ウィンドウ管理
		r.Route("/api/windows", func(r chi.Router) {
			r.Post("/", windowHandler.OpenWindow)
			r.Get("/", windowHandler.ListOpenWindows)

			r.Route("/{id}", func(r chi.Router) {
				r.Post("/extend", windowHandler.ExtendWindow)
				r.Post("/close", windowHandler.CloseWindow)
			})
		})

		// アクティビティジャーナル
		r.Get("/api/journal", journalHandler.ListEvents)

		// 進捗（ストリーク/XP）
		r.Get("/api/progression", progressionHandler.GetProgression)

		// 研究フィード
		r.Route("/api/research", func(r chi.Router) {
			r.Route("/sources", func(r chi.Router) {
				// POST /api/research/sources - 配信元登録（登録専用レート制限を追加）
				r.With(deps.RateLimiter.SourceRegistrationMiddleware()).Post("/", researchHandler.RegisterSource)
				r.Get("/", researchHandler.ListSources)

				r.Route("/{id}", func(r chi.Router) {
					r.Post("/subscription", researchHandler.Subscribe)
					r.Delete("/subscription", researchHandler.Unsubscribe)
				})
			})

			r.Get("/articles", researchHandler.ListArticles)
			r.Put("/articles/{id}/state", researchHandler.UpdateArticleState)
		})

		// プロフィール管理
		r.Route("/api/identities", func(r chi.Router) {
			r.Get("/me", identityHandler.GetProfile)
			r.Patch("/me", identityHandler.UpdateProfile)
			r.Delete("/me", identityHandler.Withdraw)
		})
	})

	return r
}
