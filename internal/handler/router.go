package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/cataclysm/internal/access"
	"github.com/hitoshi/cataclysm/internal/auth"
	"github.com/hitoshi/cataclysm/internal/metrics"
	"github.com/hitoshi/cataclysm/internal/middleware"
	"github.com/hitoshi/cataclysm/internal/telemetry"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	IdentityResolver  middleware.IdentityResolver
	AllowList         access.AllowList
	CORSAllowedOrigin string
	CookieSecure      bool
	CookieDomain      string
	ViewRateLimiter   *middleware.RateLimiter // nilの場合は制限しない
	LoginRateLimiter  *middleware.RateLimiter // nilの場合は制限しない
	ServiceName       string                  // トレースのオペレーション名
	TrustProxyHeaders bool                    // X-Forwarded-For等からクライアントIPを取得する

	// 公開ページ
	PostService PostServiceInterface
	ViewCounter ViewCounterInterface
	FeedService FeedServiceInterface
	FeedConfig  FeedHandlerConfig

	// 認証
	AuthService AuthServiceInterface
	OIDC        auth.OIDCProvider // nilの場合はOIDCログイン無効

	// 管理画面
	AdminService AdminServiceInterface
	MediaService MediaServiceInterface

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler // nilの場合は /metrics を公開しない
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	(RealIP) → Recovery → Logging → Tracing → SecurityHeaders → AccessGate
//
// /api には CORS とビューカウンター用のレート制限、/admin には CSRF を追加で適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mc := deps.Metrics
	if mc == nil {
		mc = metrics.Nop{}
	}

	r := chi.NewRouter()
	if deps.TrustProxyHeaders {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, mc))
	r.Use(telemetry.HTTPMiddleware(deps.ServiceName))
	r.Use(middleware.NewSecurityHeadersMiddleware(middleware.SecurityHeadersConfig{HSTS: deps.CookieSecure}))
	r.Use(middleware.NewAccessGateMiddleware(deps.IdentityResolver, deps.AllowList, mc))

	csrf := middleware.NewCSRFMiddleware(middleware.CSRFConfig{
		CookieSecure: deps.CookieSecure,
		CookieDomain: deps.CookieDomain,
	})

	pageHandler := NewPageHandler(deps.PostService, deps.ViewCounter, PageHandlerConfig{CookieSecure: deps.CookieSecure})
	feedHandler := NewFeedHandler(deps.FeedService, deps.FeedConfig)
	authHandler := NewAuthHandler(deps.AuthService, deps.OIDC, AuthHandlerConfig{CookieSecure: deps.CookieSecure})
	adminHandler := NewAdminHandler(deps.AdminService)
	mediaHandler := NewMediaHandler(deps.MediaService)
	healthHandler := NewHealthHandler(deps.HealthChecker)

	// --- 運用 ---
	r.Get("/health", healthHandler.Health)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- 公開ページ ---
	r.Get("/", pageHandler.Home)
	r.Get("/post/{id}", pageHandler.Post)
	r.Get("/category/{slug}", pageHandler.Category)
	r.Get("/author/{name}", pageHandler.Author)
	r.Get("/feed.xml", feedHandler.Feed)

	// --- ビューカウンター ---
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
		r.With(rateLimit(deps.ViewRateLimiter)).Post("/posts/{id}/view", pageHandler.View)
	})

	// --- 認証 ---
	r.Get("/login", authHandler.LoginPage)
	r.With(rateLimit(deps.LoginRateLimiter)).Post("/login", authHandler.Login)
	r.With(csrf).Post("/logout", authHandler.Logout)
	r.Route("/auth/oidc", func(r chi.Router) {
		r.Get("/login", authHandler.OIDCLogin)
		r.Get("/callback", authHandler.OIDCCallback)
	})

	// --- 管理画面 ---
	// アクセスゲートが許可リスト外を振り分けた後、識別情報とCSRFトークンを検証する
	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.NewRequireIdentityMiddleware())
		r.Use(csrf)

		r.Get("/", adminHandler.Dashboard)

		r.Route("/api", func(r chi.Router) {
			r.Get("/categories", adminHandler.ListCategories)

			r.Route("/posts", func(r chi.Router) {
				r.Get("/", adminHandler.ListPosts)
				r.Post("/", adminHandler.CreatePost)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", adminHandler.GetPost)
					r.Put("/", adminHandler.UpdatePost)
					r.Delete("/", adminHandler.DeletePost)
					r.Post("/featured", adminHandler.ToggleFeatured)
				})
			})

			r.Route("/media", func(r chi.Router) {
				r.Post("/", mediaHandler.Upload)
				r.Post("/import", mediaHandler.Import)
			})
		})
	})

	return r
}

// rateLimit はレート制限ミドルウェアを返す。limiterがnilの場合は何もしない。
func rateLimit(limiter *middleware.RateLimiter) func(http.Handler) http.Handler {
	if limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return limiter.Middleware()
}
