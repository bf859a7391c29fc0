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
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/cataclysm/internal/access"
	"github.com/hitoshi/cataclysm/internal/auth"
	"github.com/hitoshi/cataclysm/internal/config"
	"github.com/hitoshi/cataclysm/internal/database"
	"github.com/hitoshi/cataclysm/internal/handler"
	"github.com/hitoshi/cataclysm/internal/logger"
	"github.com/hitoshi/cataclysm/internal/media"
	"github.com/hitoshi/cataclysm/internal/metrics"
	"github.com/hitoshi/cataclysm/internal/middleware"
	"github.com/hitoshi/cataclysm/internal/pagecache"
	"github.com/hitoshi/cataclysm/internal/post"
	"github.com/hitoshi/cataclysm/internal/repository"
	"github.com/hitoshi/cataclysm/internal/security"
	"github.com/hitoshi/cataclysm/internal/telemetry"
	"github.com/hitoshi/cataclysm/internal/user"
	"github.com/hitoshi/cataclysm/internal/viewcount"
	"github.com/hitoshi/cataclysm/internal/worker/cleanup"
)

// dbPingTimeout は起動時のDB疎通確認のタイムアウト。
const dbPingTimeout = 5 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再初期化
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

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
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandCreateUser:
		return runCreateUser(cfg, args[1:])
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx := context.Background()

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. トレーシングとメトリクスの初期化
	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mc := metrics.NewCollector(registry)

	// 3. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	categoryRepo := repository.NewPostgresCategoryRepo(db)
	postRepo := repository.NewPostgresPostRepo(db)

	// 4. ページキャッシュの初期化（REDIS_URL未設定時はプロセス内キャッシュ）
	var cache pagecache.Cache
	if cfg.RedisURL != "" {
		redisClient, err := pagecache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisClient.Close()
		cache = pagecache.NewRedisCache(redisClient, cfg.PageCacheTTL)
		slog.Info("page cache backend selected", slog.String("backend", "redis"))
	} else {
		cache = pagecache.NewMemoryCache(cfg.PageCacheTTL)
		slog.Info("page cache backend selected", slog.String("backend", "memory"))
	}

	// 5. ドメインサービスの初期化
	postService := post.NewService(postRepo, categoryRepo, cache, security.NewContentSanitizer(), cfg.AuthorMatch)
	counter := viewcount.NewCounter(postService, postService, mc, slog.Default(), cfg.ViewIncrementTimeout)

	authService := auth.NewService(userRepo, sessionRepo, auth.ServiceConfig{
		SessionMaxAge:       cfg.SessionMaxAge,
		SessionRefreshAfter: cfg.SessionRefreshAfter,
		CookieDomain:        cfg.CookieDomain,
		CookieSecure:        cfg.CookieSecure,
	}, mc)

	var oidcProvider auth.OIDCProvider
	if cfg.OIDC.Enabled() {
		provider, err := auth.NewOIDCProvider(ctx, auth.OIDCConfig{
			IssuerURL:    cfg.OIDC.IssuerURL,
			ClientID:     cfg.OIDC.ClientID,
			ClientSecret: cfg.OIDC.ClientSecret,
			RedirectURL:  cfg.OIDC.RedirectURL,
			HTTPClient: &http.Client{
				Timeout:   30 * time.Second,
				Transport: telemetry.WrapTransport(nil),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to initialize OIDC provider: %w", err)
		}
		oidcProvider = provider
		slog.Info("OIDC login enabled", slog.String("issuer", cfg.OIDC.IssuerURL))
	}

	mediaService, err := newMediaService(ctx, cfg, mc)
	if err != nil {
		return err
	}

	// 6. レート制限の初期化
	viewLimiter := middleware.NewRateLimiter(middleware.PerMinuteConfig("views", cfg.RateLimitViews))
	defer viewLimiter.Stop()
	loginLimiter := middleware.NewRateLimiter(middleware.PerMinuteConfig("login", cfg.RateLimitLogin))
	defer loginLimiter.Stop()

	// 7. ルーターの構築
	allowList := access.NewAllowList(cfg.AdminEmails)
	slog.Info("admin allow-list loaded", slog.Int("entries", allowList.Len()))

	deps := &handler.RouterDeps{
		Logger:            slog.Default(),
		Metrics:           mc,
		IdentityResolver:  authService,
		AllowList:         allowList,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CookieSecure:      cfg.CookieSecure,
		CookieDomain:      cfg.CookieDomain,
		ViewRateLimiter:   viewLimiter,
		LoginRateLimiter:  loginLimiter,
		ServiceName:       cfg.Telemetry.ServiceName,
		TrustProxyHeaders: cfg.TrustProxyHeaders,

		PostService: postService,
		ViewCounter: counter,
		FeedService: postService,
		FeedConfig:  handler.FeedHandlerConfig{BaseURL: cfg.BaseURL},

		AuthService: authService,
		OIDC:        oidcProvider,

		AdminService: postService,
		MediaService: mediaService,

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(registry),
	}

	router := handler.NewRouter(deps)

	// 8. HTTPサーバーの起動
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// 実行中の閲覧数加算を待つ
	if err := counter.Wait(shutdownCtx); err != nil {
		slog.Warn("pending view increments not finished", slog.String("error", err.Error()))
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("tracing shutdown failed", slog.String("error", err.Error()))
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// newMediaService はメディアサービスを構築する。
// S3_BUCKETが未設定の場合は保存先なしのサービスを返し、アップロードは503になる。
func newMediaService(ctx context.Context, cfg *config.Config, mc metrics.MetricsCollector) (*media.Service, error) {
	guard := security.NewSSRFGuard(security.GuardConfig{
		Timeout:       cfg.MediaFetchTimeout,
		WrapTransport: telemetry.WrapTransport,
	})

	var store media.ObjectStore
	if cfg.S3.Enabled() {
		s3Store, err := media.NewS3Store(ctx, media.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			PublicBaseURL:   cfg.S3.PublicBaseURL,
			ForcePathStyle:  cfg.S3.ForcePathStyle,
		}, media.WithHTTPClient(&http.Client{
			Timeout:   30 * time.Second,
			Transport: telemetry.WrapTransport(nil),
		}))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize media store: %w", err)
		}
		store = s3Store
		slog.Info("media storage enabled", slog.String("bucket", cfg.S3.Bucket))
	} else {
		slog.Warn("media storage disabled: S3_BUCKET is not set")
	}

	return media.NewService(store, guard, cfg.MediaMaxSize, mc), nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、期限切れセッションのクリーンアップを定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.Ping(context.Background(), db, dbPingTimeout); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. クリーンアップジョブの初期化
	sessionRepo := repository.NewPostgresSessionRepo(db)
	cleanupJob := cleanup.NewCleanupJob(sessionRepo, slog.Default(), metrics.Nop{})

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
		slog.Duration("cleanup_interval", cfg.SessionCleanupInterval),
	)

	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	cleanupJob.Start(ctx, cfg.SessionCleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
	)
	return nil
}

// runCreateUser はパスワードログイン用のユーザーを作成する（--resetでパスワード再設定）。
func runCreateUser(cfg *config.Config, args []string) error {
	opts, err := parseCreateUserFlags(args, os.Stderr)
	if err != nil {
		return err
	}

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	svc := user.NewService(
		repository.NewPostgresUserRepo(db),
		repository.NewPostgresSessionRepo(db),
	)
	return createUser(ctx, svc, opts, stdinPassword(os.Stdin, os.Stderr), os.Stdout)
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
