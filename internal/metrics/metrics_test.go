package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric はレジストリから指定名・ラベルのメトリクスを探す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	return nil
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range m.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordGateDecision_CountsPerDecision は判定ごとにカウンタが分かれることを検証する。
func TestRecordGateDecision_CountsPerDecision(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordGateDecision("allow")
	c.RecordGateDecision("allow")
	c.RecordGateDecision("redirect_login")

	m := findMetric(t, reg, "cataclysm_gate_decisions_total", map[string]string{"decision": "allow"})
	if m == nil {
		t.Fatal("allow decision metric not found")
	}
	if v := m.GetCounter().GetValue(); v != 2 {
		t.Errorf("allow = %v, want 2", v)
	}
	m = findMetric(t, reg, "cataclysm_gate_decisions_total", map[string]string{"decision": "redirect_login"})
	if m == nil || m.GetCounter().GetValue() != 1 {
		t.Error("redirect_login should be 1")
	}
}

// TestRecordViewIncrement_CountsPerResult はビューカウント増分の結果別カウンタを検証する。
func TestRecordViewIncrement_CountsPerResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordViewIncrement(ViewResultSuccess)
	c.RecordViewIncrement(ViewResultFailure)
	c.RecordViewIncrement(ViewResultFailure)

	m := findMetric(t, reg, "cataclysm_view_increments_total", map[string]string{"result": ViewResultFailure})
	if m == nil {
		t.Fatal("failure metric not found")
	}
	if v := m.GetCounter().GetValue(); v != 2 {
		t.Errorf("failure = %v, want 2", v)
	}
}

// TestRecordViewIncrementLatency_ObservesHistogram はヒストグラムに記録されることを検証する。
func TestRecordViewIncrementLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordViewIncrementLatency(120 * time.Millisecond)

	m := findMetric(t, reg, "cataclysm_view_increment_latency_seconds", nil)
	if m == nil {
		t.Fatal("latency metric not found")
	}
	if n := m.GetHistogram().GetSampleCount(); n != 1 {
		t.Errorf("sample count = %d, want 1", n)
	}
}

// TestRecordLogin_CountsPerMethodAndResult はログイン試行のラベルを検証する。
func TestRecordLogin_CountsPerMethodAndResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLogin("password", "success")
	c.RecordLogin("oidc", "failure")

	m := findMetric(t, reg, "cataclysm_logins_total", map[string]string{"method": "oidc", "result": "failure"})
	if m == nil || m.GetCounter().GetValue() != 1 {
		t.Error("oidc failure should be 1")
	}
}

// TestRecordSessionsPurged_AddsCount は削除件数が加算されることを検証する。
func TestRecordSessionsPurged_AddsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSessionsPurged(3)
	c.RecordSessionsPurged(4)

	m := findMetric(t, reg, "cataclysm_sessions_purged_total", nil)
	if m == nil || m.GetCounter().GetValue() != 7 {
		t.Error("sessions_purged should be 7")
	}
}

// TestMetricsHandler_ReturnsPrometheusFormat はハンドラーがPrometheus形式で返すことを検証する。
func TestMetricsHandler_ReturnsPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordGateDecision("allow")
	c.RecordViewIncrement(ViewResultSuccess)
	c.RecordInvalidation("success")
	c.RecordMediaStored("upload", "success")
	c.RecordHTTPStatus(200)

	handler := Handler(reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)

	expectedMetrics := []string{
		"cataclysm_gate_decisions_total",
		"cataclysm_view_increments_total",
		"cataclysm_page_invalidations_total",
		"cataclysm_media_stored_total",
		"cataclysm_http_status_total",
	}
	for _, metric := range expectedMetrics {
		if !strings.Contains(bodyStr, metric) {
			t.Errorf("response body does not contain %q", metric)
		}
	}
}

// TestCollector_ImplementsMetricsCollectorInterface はインターフェース実装を検証する。
func TestCollector_ImplementsMetricsCollectorInterface(t *testing.T) {
	reg := prometheus.NewRegistry()
	var _ MetricsCollector = NewCollector(reg)
	var _ MetricsCollector = Nop{}
}

// TestMultipleCollectors_IndependentRegistries は異なるレジストリで独立に動作することを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	c1 := NewCollector(reg1)
	c2 := NewCollector(reg2)

	c1.RecordSessionsPurged(1)
	c2.RecordSessionsPurged(2)

	m1 := findMetric(t, reg1, "cataclysm_sessions_purged_total", nil)
	m2 := findMetric(t, reg2, "cataclysm_sessions_purged_total", nil)
	if m1.GetCounter().GetValue() != 1 {
		t.Errorf("reg1 = %v, want 1", m1.GetCounter().GetValue())
	}
	if m2.GetCounter().GetValue() != 2 {
		t.Errorf("reg2 = %v, want 2", m2.GetCounter().GetValue())
	}
}
