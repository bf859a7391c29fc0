package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/cataclysm/internal/metrics"
	"github.com/hitoshi/cataclysm/internal/model"
	"github.com/hitoshi/cataclysm/internal/security"
)

// DefaultMaxSize はアップロード可能な画像の既定の最大サイズ（10MB）。
const DefaultMaxSize int64 = 10 << 20

// 保存経路（メトリクスのラベル）
const (
	SourceUpload = "upload"
	SourceImport = "import"
)

// EditorPrefix はエディタ本文に挿入する画像のキープレフィックス。
const EditorPrefix = "editor/"

// allowedTypes は保存を許可する画像のContent-Typeと拡張子。
// SVGはスクリプトを含み得るため許可しない。
var allowedTypes = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
}

// Service は画像のアップロードとリモートインポートを提供する。
type Service struct {
	store   ObjectStore
	guard   security.URLGuard
	maxSize int64
	metrics metrics.MetricsCollector
	now     func() time.Time
}

// NewService はServiceを生成する。storeがnilの場合、全ての操作はMEDIA_DISABLEDを返す。
func NewService(store ObjectStore, guard security.URLGuard, maxSize int64, mc metrics.MetricsCollector) *Service {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Service{
		store:   store,
		guard:   guard,
		maxSize: maxSize,
		metrics: mc,
		now:     time.Now,
	}
}

// Enabled はオブジェクトストレージが設定されているかを返す。
func (s *Service) Enabled() bool {
	return s != nil && s.store != nil
}

// MaxSize はアップロード可能な最大サイズを返す。
func (s *Service) MaxSize() int64 {
	return s.maxSize
}

// Upload はアップロードされた画像を検証して保存し、公開URLを返す。
// Content-Typeはクライアントの申告ではなく内容から判定する。
func (s *Service) Upload(ctx context.Context, r io.Reader, prefix string) (string, error) {
	if !s.Enabled() {
		return "", model.NewMediaDisabledError()
	}

	data, err := s.readLimited(r)
	if err != nil {
		s.metrics.RecordMediaStored(SourceUpload, "rejected")
		return "", err
	}

	url, err := s.save(ctx, data, prefix)
	s.record(SourceUpload, err)
	return url, err
}

// Import はリモートの画像をSSRFガード付きのクライアントで取得して保存し、公開URLを返す。
//
//  1. URLを静的に検証（内部宛てはSSRF_BLOCKED）
//  2. 取得（接続先IPはsafeurlが検証）
//  3. サイズと形式を検証して保存
func (s *Service) Import(ctx context.Context, rawURL string, prefix string) (string, error) {
	if !s.Enabled() {
		return "", model.NewMediaDisabledError()
	}

	// 1. 静的検証
	if err := s.guard.Validate(rawURL); err != nil {
		s.metrics.RecordMediaStored(SourceImport, "rejected")
		if errors.Is(err, security.ErrBlockedDestination) {
			slog.Warn("blocked media import", slog.String("url", rawURL))
			return "", model.NewSSRFBlockedError()
		}
		return "", model.NewInvalidURLError(err.Error())
	}

	// 2. 取得
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		s.metrics.RecordMediaStored(SourceImport, "rejected")
		return "", model.NewInvalidURLError(err.Error())
	}
	req.Header.Set("Accept", "image/*")

	resp, err := s.guard.Client().Do(req)
	if err != nil {
		s.metrics.RecordMediaStored(SourceImport, "failure")
		slog.Warn("media import fetch failed",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return "", model.NewFetchFailedError("the remote server could not be reached")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.metrics.RecordMediaStored(SourceImport, "failure")
		return "", model.NewFetchFailedError(fmt.Sprintf("the remote server responded with status %d", resp.StatusCode))
	}

	// 3. 検証と保存
	data, err := s.readLimited(resp.Body)
	if err != nil {
		s.metrics.RecordMediaStored(SourceImport, "rejected")
		return "", err
	}

	url, err := s.save(ctx, data, prefix)
	s.record(SourceImport, err)
	return url, err
}

// readLimited は最大サイズまで読み込み、超過した場合はMEDIA_TOO_LARGEを返す。
func (s *Service) readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read media: %w", err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, model.NewMediaTooLargeError(s.maxSize)
	}
	if len(data) == 0 {
		return nil, model.NewValidationError("the file is empty")
	}
	return data, nil
}

// save は形式を判定してキーを生成し、オブジェクトを保存する。
func (s *Service) save(ctx context.Context, data []byte, prefix string) (string, error) {
	contentType := http.DetectContentType(data)
	ext, ok := allowedTypes[contentType]
	if !ok {
		return "", model.NewUnsupportedMediaError(contentType)
	}

	key := normalizePrefix(prefix) + ObjectKey(s.now(), ext)
	if err := s.store.Put(ctx, key, data, contentType); err != nil {
		return "", fmt.Errorf("failed to store media: %w", err)
	}

	slog.Info("media stored",
		slog.String("key", key),
		slog.String("content_type", contentType),
		slog.Int("size", len(data)),
	)
	return s.store.URL(key), nil
}

func (s *Service) record(source string, err error) {
	switch {
	case err == nil:
		s.metrics.RecordMediaStored(source, "success")
	case isAPIError(err):
		s.metrics.RecordMediaStored(source, "rejected")
	default:
		s.metrics.RecordMediaStored(source, "failure")
	}
}

// ObjectKey は {unixミリ秒}-{短縮UUID}.{拡張子} 形式のオブジェクトキーを生成する。
func ObjectKey(now time.Time, ext string) string {
	short := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	return fmt.Sprintf("%d-%s.%s", now.UnixMilli(), short, ext)
}

// normalizePrefix は許可されたプレフィックスのみを返す。
func normalizePrefix(prefix string) string {
	if strings.TrimSuffix(prefix, "/")+"/" == EditorPrefix {
		return EditorPrefix
	}
	return ""
}

func isAPIError(err error) bool {
	var apiErr *model.APIError
	return errors.As(err, &apiErr)
}
