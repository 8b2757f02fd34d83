package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/trendboard/internal/metrics"
	"github.com/hitoshi/trendboard/internal/middleware"
	"github.com/hitoshi/trendboard/internal/model"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger   *slog.Logger
	Metrics  metrics.MetricsCollector
	Gatherer prometheus.Gatherer

	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	HSTS              bool
	TrustProxy        bool

	// ニュース
	NewsService NewsServiceInterface
	Fetcher     FetchControllerInterface
	Storage     StorageStatsProvider

	// アナリティクス
	AnalyticsService AnalyticsServiceInterface

	// ヘルスチェック
	StorePinger StorePinger
	Environment string
}

// welcomeResponse はルートパスのレスポンス。
type welcomeResponse struct {
	Message   string            `json:"message"`
	Endpoints map[string]string `json:"endpoints"`
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → RateLimit(GeneralMiddleware)
//
// /api/news/fetch には StrictMiddleware を追加する。/metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	if deps.TrustProxy {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(logger, metrics.OrNop(deps.Metrics)))

	newsHandler := NewNewsHandler(deps.NewsService, deps.Fetcher, deps.Storage, logger)
	analyticsHandler := NewAnalyticsHandler(deps.AnalyticsService, logger)
	healthHandler := NewHealthHandler(deps.StorePinger, deps.Fetcher, deps.Environment, logger)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, welcomeResponse{
			Message: "Trendboard API",
			Endpoints: map[string]string{
				"health":    "/api/health",
				"news":      "/api/news",
				"analytics": "/api/analytics",
			},
		})
	})

	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Route("/api", func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
		}

		r.Get("/health", healthHandler.Health)

		r.Route("/news", func(r chi.Router) {
			r.Get("/articles", newsHandler.GetArticles)
			r.Get("/article/{id}", newsHandler.GetArticleByID)
			r.Get("/search", newsHandler.Search)
			r.Get("/categories", newsHandler.GetCategoryStats)
			r.Get("/cron/status", newsHandler.CronStatus)
			r.Get("/storage", newsHandler.Storage)

			// 手動フェッチは厳格なレート制限を追加
			r.Group(func(r chi.Router) {
				if deps.RateLimiter != nil {
					r.Use(deps.RateLimiter.StrictMiddleware())
				}
				r.Get("/fetch", newsHandler.Fetch)
				r.Post("/fetch", newsHandler.Fetch)
			})
		})

		r.Route("/analytics", func(r chi.Router) {
			r.Get("/trends", analyticsHandler.Trends)
			r.Get("/sentiment", analyticsHandler.Sentiment)
			r.Get("/sectors", analyticsHandler.Sectors)
			r.Get("/mentions", analyticsHandler.Mentions)
			r.Get("/dashboard", analyticsHandler.Dashboard)
		})
	})

	r.NotFound(notFound)
	r.MethodNotAllowed(notFound)

	return r
}

// notFound は未定義ルートに統一エラーフォーマットで404を返す。
func notFound(w http.ResponseWriter, r *http.Request) {
	middleware.WriteErrorResponse(w, http.StatusNotFound, &model.APIError{
		Code:     model.ErrCodeNotFound,
		Message:  "Not found: " + r.Method + " " + r.URL.Path,
		Category: "system",
	})
}
