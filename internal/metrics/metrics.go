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
// ミドルウェア、サービス層、ワーカーから利用する。
type MetricsCollector interface {
	RecordGateDecision(decision string)
	RecordViewIncrement(result string)
	RecordViewIncrementLatency(duration time.Duration)
	RecordInvalidation(result string)
	RecordLogin(method, result string)
	RecordMediaStored(source, result string)
	RecordSessionsPurged(count int64)
	RecordHTTPStatus(statusCode int)
}

// ビューカウント増分の結果ラベル
const (
	ViewResultSuccess = "success"
	ViewResultFailure = "failure"
	ViewResultSkipped = "skipped"
	ViewResultInvalid = "invalid"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	gateDecisions  *prometheus.CounterVec
	viewIncrements *prometheus.CounterVec
	viewLatency    prometheus.Histogram
	invalidations  *prometheus.CounterVec
	logins         *prometheus.CounterVec
	mediaStored    *prometheus.CounterVec
	sessionsPurged prometheus.Counter
	httpStatus     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cataclysm_gate_decisions_total",
			Help: "アクセスゲートの判定結果別の件数",
		}, []string{"decision"}),
		viewIncrements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cataclysm_view_increments_total",
			Help: "ビューカウント増分の結果別の件数",
		}, []string{"result"}),
		viewLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cataclysm_view_increment_latency_seconds",
			Help:    "ビューカウント増分RPCのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cataclysm_page_invalidations_total",
			Help: "ページキャッシュ無効化の結果別の件数",
		}, []string{"result"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cataclysm_logins_total",
			Help: "ログイン試行の方式・結果別の件数",
		}, []string{"method", "result"}),
		mediaStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cataclysm_media_stored_total",
			Help: "メディア保存の経路・結果別の件数",
		}, []string{"source", "result"}),
		sessionsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cataclysm_sessions_purged_total",
			Help: "削除された期限切れセッションの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cataclysm_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.gateDecisions,
		c.viewIncrements,
		c.viewLatency,
		c.invalidations,
		c.logins,
		c.mediaStored,
		c.sessionsPurged,
		c.httpStatus,
	)

	return c
}

// RecordGateDecision はアクセスゲートの判定を記録する。
func (c *Collector) RecordGateDecision(decision string) {
	c.gateDecisions.WithLabelValues(decision).Inc()
}

// RecordViewIncrement はビューカウント増分の結果を記録する。
func (c *Collector) RecordViewIncrement(result string) {
	c.viewIncrements.WithLabelValues(result).Inc()
}

// RecordViewIncrementLatency は増分RPCのレイテンシを記録する。
func (c *Collector) RecordViewIncrementLatency(duration time.Duration) {
	c.viewLatency.Observe(duration.Seconds())
}

// RecordInvalidation はページキャッシュ無効化の結果を記録する。
func (c *Collector) RecordInvalidation(result string) {
	c.invalidations.WithLabelValues(result).Inc()
}

// RecordLogin はログイン試行を記録する。
func (c *Collector) RecordLogin(method, result string) {
	c.logins.WithLabelValues(method, result).Inc()
}

// RecordMediaStored はメディア保存の結果を記録する。
func (c *Collector) RecordMediaStored(source, result string) {
	c.mediaStored.WithLabelValues(source, result).Inc()
}

// RecordSessionsPurged は削除したセッション数を記録する。
func (c *Collector) RecordSessionsPurged(count int64) {
	c.sessionsPurged.Add(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。
// メトリクスが不要なテストやCLIコマンドで使用する。
type Nop struct{}

func (Nop) RecordGateDecision(string)                {}
func (Nop) RecordViewIncrement(string)               {}
func (Nop) RecordViewIncrementLatency(time.Duration) {}
func (Nop) RecordInvalidation(string)                {}
func (Nop) RecordLogin(string, string)               {}
func (Nop) RecordMediaStored(string, string)         {}
func (Nop) RecordSessionsPurged(int64)               {}
func (Nop) RecordHTTPStatus(int)                     {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
