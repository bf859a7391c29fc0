// Package viewcount はブラウザセッション単位で1回だけ閲覧数を加算する
// ビューカウンターを提供する。
package viewcount

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hitoshi/cataclysm/internal/metrics"
)

// DefaultIncrementTimeout は非同期の増分RPCに与えるデフォルトのタイムアウト。
const DefaultIncrementTimeout = 5 * time.Second

// Incrementer は記事の閲覧数を1加算するストア操作のインターフェース。
type Incrementer interface {
	IncrementViewCount(ctx context.Context, postID int64) error
}

// Invalidator はページキャッシュの無効化インターフェース。
type Invalidator interface {
	Invalidate(ctx context.Context, path string) error
}

// Counter はビューカウンターのアクティベーションを処理する。
// 増分RPCはリクエストを待たせずに非同期で実行される。
type Counter struct {
	incrementer Incrementer
	invalidator Invalidator
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
	timeout     time.Duration
	wg          sync.WaitGroup
}

// NewCounter は新しいCounterを生成する。
// invalidatorがnilの場合、キャッシュ無効化は行わない。
// timeoutが0以下の場合はDefaultIncrementTimeoutを使用する。
func NewCounter(incrementer Incrementer, invalidator Invalidator, mc metrics.MetricsCollector, logger *slog.Logger, timeout time.Duration) *Counter {
	if mc == nil {
		mc = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultIncrementTimeout
	}
	return &Counter{
		incrementer: incrementer,
		invalidator: invalidator,
		metrics:     mc,
		logger:      logger,
		timeout:     timeout,
	}
}

// Activate はコンテンツの閲覧を1回分処理し、表示すべき閲覧数と
// 今回加算したかどうかを返す。
//
//  1. コンテンツIDを整数に変換し、マーカーのキーを正規化する
//  2. 既読マーカーを同期的に確認・設定する（既読、または変換失敗ならRPCを呼ばずに終了）
//  3. 増分RPCを非同期で開始し、initialViews+1 を即座に返す
//
// RPCの失敗はログに記録するのみで、返した値は巻き戻さない。
func (c *Counter) Activate(ctx context.Context, markers MarkerStore, contentID string, initialViews int64) (int64, bool) {
	// 1. コンテンツIDの変換（"042"や"+42"も同じ記事42として扱う）
	postID, parseErr := strconv.ParseInt(contentID, 10, 64)
	markerID := contentID
	if parseErr == nil {
		markerID = strconv.FormatInt(postID, 10)
	}

	// 2. 既読マーカーの確認と設定
	if !markers.MarkIfUnseen(markerID) {
		c.metrics.RecordViewIncrement(metrics.ViewResultSkipped)
		return initialViews, false
	}

	if parseErr != nil {
		c.logger.Warn("invalid content identifier",
			slog.String("content_id", contentID),
			slog.String("error", parseErr.Error()),
		)
		c.metrics.RecordViewIncrement(metrics.ViewResultInvalid)
		return initialViews, false
	}

	// 3. 増分RPCを非同期で実行
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.increment(context.WithoutCancel(ctx), postID)
	}()

	return initialViews + 1, true
}

// increment は増分RPCを実行し、成功時に関連ページを無効化する。
func (c *Counter) increment(parent context.Context, postID int64) {
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	start := time.Now()
	err := c.incrementer.IncrementViewCount(ctx, postID)
	c.metrics.RecordViewIncrementLatency(time.Since(start))
	if err != nil {
		c.logger.Error("failed to increment view count",
			slog.Int64("post_id", postID),
			slog.String("error", err.Error()),
		)
		c.metrics.RecordViewIncrement(metrics.ViewResultFailure)
		return
	}
	c.metrics.RecordViewIncrement(metrics.ViewResultSuccess)

	if c.invalidator == nil {
		return
	}
	for _, path := range []string{"/", "/post/" + strconv.FormatInt(postID, 10)} {
		if err := c.invalidator.Invalidate(ctx, path); err != nil {
			c.logger.Warn("failed to invalidate page",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			c.metrics.RecordInvalidation("failure")
			continue
		}
		c.metrics.RecordInvalidation("success")
	}
}

// Wait は実行中の増分RPCがすべて完了するか、ctxが終了するまで待機する。
// グレースフルシャットダウン時に使用する。
func (c *Counter) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
