// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/hitoshi/cataclysm/internal/model"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`

	// Server
	ServerPort        string `env:"SERVER_PORT" envDefault:"8080"`
	BaseURL           string `env:"BASE_URL,required,notEmpty"`
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`
	TrustProxyHeaders bool   `env:"TRUST_PROXY_HEADERS" envDefault:"false"`

	// Access gate
	AdminEmails []string `env:"ADMIN_EMAILS,required,notEmpty" envSeparator:","`

	// Session
	SessionMaxAge          time.Duration `env:"SESSION_MAX_AGE" envDefault:"168h"`
	SessionRefreshAfter    time.Duration `env:"SESSION_REFRESH_AFTER" envDefault:"24h"`
	SessionCleanupInterval time.Duration `env:"SESSION_CLEANUP_INTERVAL" envDefault:"24h"`

	// Cookie（CookieSecureはBASE_URLから導出する）
	CookieSecure bool
	CookieDomain string `env:"COOKIE_DOMAIN"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`

	// Page cache
	RedisURL     string        `env:"REDIS_URL"`
	PageCacheTTL time.Duration `env:"PAGE_CACHE_TTL" envDefault:"60s"`

	// Media
	S3                S3Config
	MediaMaxSize      int64         `env:"MEDIA_MAX_SIZE" envDefault:"10485760"`
	MediaFetchTimeout time.Duration `env:"MEDIA_FETCH_TIMEOUT" envDefault:"10s"`

	// OIDC
	OIDC OIDCConfig

	// Posts
	AuthorMatch          model.AuthorMatch `env:"AUTHOR_MATCH" envDefault:"partial"`
	ViewIncrementTimeout time.Duration     `env:"VIEW_INCREMENT_TIMEOUT" envDefault:"5s"`

	// Rate Limit（req/min/IP）
	RateLimitViews int `env:"RATE_LIMIT_VIEWS" envDefault:"60"`
	RateLimitLogin int `env:"RATE_LIMIT_LOGIN" envDefault:"10"`

	// Tracing
	Telemetry TelemetryConfig
}

// S3Config はメディア保存先のオブジェクトストレージ設定。Bucketが空の場合はメディア機能を無効にする。
type S3Config struct {
	Bucket          string `env:"S3_BUCKET"`
	Region          string `env:"S3_REGION" envDefault:"us-east-1"`
	Endpoint        string `env:"S3_ENDPOINT"`
	AccessKeyID     string `env:"S3_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"S3_SECRET_ACCESS_KEY"`
	PublicBaseURL   string `env:"S3_PUBLIC_BASE_URL"`
	ForcePathStyle  bool   `env:"S3_FORCE_PATH_STYLE" envDefault:"false"`
}

// Enabled はメディア機能が有効かどうかを返す。
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// OIDCConfig はOIDCログインの設定。IssuerURLが空の場合はOIDCログインを無効にする。
type OIDCConfig struct {
	IssuerURL    string `env:"OIDC_ISSUER_URL"`
	ClientID     string `env:"OIDC_CLIENT_ID"`
	ClientSecret string `env:"OIDC_CLIENT_SECRET"`
	RedirectURL  string `env:"OIDC_REDIRECT_URL"`
}

// Enabled はOIDCログインが有効かどうかを返す。
func (c OIDCConfig) Enabled() bool {
	return c.IssuerURL != ""
}

// TelemetryConfig はOpenTelemetryのトレース設定。Endpointが空の場合はエクスポートしない。
type TelemetryConfig struct {
	ServiceName string  `env:"OTEL_SERVICE_NAME" envDefault:"cataclysm"`
	Endpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure    bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"false"`
	SampleRatio float64 `env:"OTEL_TRACES_SAMPLE_RATIO" envDefault:"1"`
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに .env があれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合や値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.AdminEmails = normalizeList(cfg.AdminEmails)
	if len(cfg.AdminEmails) == 0 {
		return nil, errors.New("ADMIN_EMAILS must contain at least one address")
	}
	// 保存済みのメールアドレスは小文字のため、大文字を含むエントリは一致しない
	for _, e := range cfg.AdminEmails {
		if e != strings.ToLower(e) {
			return nil, fmt.Errorf("ADMIN_EMAILS entry %q must be lower case", e)
		}
	}
	if cfg.OIDC.Enabled() && (cfg.OIDC.ClientID == "" || cfg.OIDC.RedirectURL == "") {
		return nil, errors.New("OIDC_CLIENT_ID and OIDC_REDIRECT_URL are required when OIDC_ISSUER_URL is set")
	}
	if cfg.SessionMaxAge <= 0 {
		return nil, fmt.Errorf("SESSION_MAX_AGE must be positive, got %s", cfg.SessionMaxAge)
	}
	if cfg.MediaMaxSize <= 0 {
		return nil, fmt.Errorf("MEDIA_MAX_SIZE must be positive, got %d", cfg.MediaMaxSize)
	}

	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	return cfg, nil
}

// normalizeList は空白を除去し、空要素を取り除く。
func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
