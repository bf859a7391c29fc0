// Package media は管理画面からアップロードされた画像をオブジェクトストレージに保存する。
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	s3aws "github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStore は画像オブジェクトの保存先のインターフェース。
type ObjectStore interface {
	// Put はオブジェクトを保存する。
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// URL はオブジェクトの公開URLを返す。
	URL(key string) string
}

// S3Client はS3Storeが使用するS3操作のインターフェース。
type S3Client interface {
	PutObject(ctx context.Context, params *s3aws.PutObjectInput, optFns ...func(*s3aws.Options)) (*s3aws.PutObjectOutput, error)
}

// S3Config はS3互換ストレージの接続設定。
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // MinIO等のS3互換サービス用
	AccessKeyID     string
	SecretAccessKey string
	PublicBaseURL   string // CDN等の公開URL。空の場合は自動生成する
	ForcePathStyle  bool   // MinIOでは必須
}

// S3Store はS3互換ストレージを使用したObjectStoreの実装。
type S3Store struct {
	client         S3Client
	bucket         string
	region         string
	endpoint       string
	publicBaseURL  string
	forcePathStyle bool
}

// S3Option はS3Storeの生成オプション。
type S3Option func(*s3Options)

type s3Options struct {
	client     S3Client
	httpClient *http.Client
}

// WithS3Client は生成済みのS3クライアントを使用する（主にテスト用）。
func WithS3Client(client S3Client) S3Option {
	return func(o *s3Options) {
		o.client = client
	}
}

// WithHTTPClient はS3リクエストに使用するHTTPクライアントを指定する。
func WithHTTPClient(client *http.Client) S3Option {
	return func(o *s3Options) {
		o.httpClient = client
	}
}

// NewS3Store はS3Storeを生成する。
// 静的クレデンシャルが未指定の場合はAWS SDKの標準の解決順（環境変数、IAMロール）に従う。
func NewS3Store(ctx context.Context, cfg S3Config, opts ...S3Option) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("S3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	options := &s3Options{}
	for _, opt := range opts {
		opt(options)
	}

	client := options.client
	if client == nil {
		loadOpts := []func(*config.LoadOptions) error{
			config.WithRegion(cfg.Region),
		}
		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			loadOpts = append(loadOpts, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
			))
		}
		if options.httpClient != nil {
			loadOpts = append(loadOpts, config.WithHTTPClient(options.httpClient))
		}

		awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		client = s3aws.NewFromConfig(awsConfig, func(o *s3aws.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
			o.UsePathStyle = cfg.ForcePathStyle
		})
	}

	return &S3Store{
		client:         client,
		bucket:         cfg.Bucket,
		region:         cfg.Region,
		endpoint:       cfg.Endpoint,
		publicBaseURL:  cfg.PublicBaseURL,
		forcePathStyle: cfg.ForcePathStyle,
	}, nil
}

// Put はオブジェクトをバケットに保存する。
func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3aws.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		CacheControl:  aws.String("public, max-age=31536000, immutable"),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

// URL はオブジェクトの公開URLを返す。
//   - PublicBaseURL指定時: {base}/{key}
//   - Endpoint指定時: パススタイルなら {endpoint}/{bucket}/{key}、それ以外は {bucket}.{endpoint}/{key}
//   - AWS S3: https://{bucket}.s3.{region}.amazonaws.com/{key}
func (s *S3Store) URL(key string) string {
	key = strings.TrimPrefix(key, "/")

	if s.publicBaseURL != "" {
		return strings.TrimSuffix(s.publicBaseURL, "/") + "/" + key
	}

	if s.endpoint != "" {
		endpoint := strings.TrimSuffix(s.endpoint, "/")
		scheme := "https://"
		if after, ok := strings.CutPrefix(endpoint, "http://"); ok {
			scheme = "http://"
			endpoint = after
		} else if after, ok := strings.CutPrefix(endpoint, "https://"); ok {
			endpoint = after
		}
		if s.forcePathStyle {
			return fmt.Sprintf("%s%s/%s/%s", scheme, endpoint, s.bucket, key)
		}
		return fmt.Sprintf("%s%s.%s/%s", scheme, s.bucket, endpoint, key)
	}

	if s.forcePathStyle {
		return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", s.region, s.bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
}

// compile-time interface check
var _ ObjectStore = (*S3Store)(nil)
