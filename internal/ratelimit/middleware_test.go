package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/SettldHQ/gateway/internal/metrics"
	"github.com/SettldHQ/gateway/pkg/x402"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func fire(h http.Handler, tenant, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/x402/gate/create", nil)
	if tenant != "" {
		req.Header.Set(x402.HeaderTenantID, tenant)
	}
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGlobalLimiter(t *testing.T) {
	cfg := Config{GlobalEnabled: true, GlobalLimit: 3, GlobalWindow: time.Minute}
	h := GlobalLimiter(cfg)(okHandler())

	for i := 0; i < 3; i++ {
		if rec := fire(h, "", ""); rec.Code != http.StatusNoContent {
			t.Fatalf("request %d status = %d, want 204", i+1, rec.Code)
		}
	}
	rec := fire(h, "", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over-limit status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", rec.Header().Get("Retry-After"))
	}

	var body struct {
		OK   bool   `json:"ok"`
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode 429 body: %v", err)
	}
	if body.OK || body.Code == "" {
		t.Errorf("429 envelope = %+v, want ok=false with a code", body)
	}
}

func TestTenantLimiterIsolatesTenants(t *testing.T) {
	cfg := Config{PerTenantEnabled: true, PerTenantLimit: 2, PerTenantWindow: time.Minute}
	h := TenantLimiter(cfg)(okHandler())

	for i := 0; i < 2; i++ {
		if rec := fire(h, "ten_a", ""); rec.Code != http.StatusNoContent {
			t.Fatalf("ten_a request %d status = %d, want 204", i+1, rec.Code)
		}
	}
	if rec := fire(h, "ten_a", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("ten_a over-limit status = %d, want 429", rec.Code)
	}

	// A different tenant has its own budget.
	if rec := fire(h, "ten_b", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("ten_b status = %d, want 204", rec.Code)
	}
}

func TestTenantLimiterFallsBackToIP(t *testing.T) {
	cfg := Config{PerTenantEnabled: true, PerTenantLimit: 2, PerTenantWindow: time.Minute}
	h := TenantLimiter(cfg)(okHandler())

	for i := 0; i < 2; i++ {
		if rec := fire(h, "", "10.0.0.1:5000"); rec.Code != http.StatusNoContent {
			t.Fatalf("request %d status = %d, want 204", i+1, rec.Code)
		}
	}
	if rec := fire(h, "", "10.0.0.1:5000"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("same-IP over-limit status = %d, want 429", rec.Code)
	}
	if rec := fire(h, "", "10.0.0.2:5000"); rec.Code != http.StatusNoContent {
		t.Fatalf("other-IP status = %d, want 204", rec.Code)
	}
}

func TestIPLimiter(t *testing.T) {
	cfg := Config{PerIPEnabled: true, PerIPLimit: 1, PerIPWindow: time.Minute}
	h := IPLimiter(cfg)(okHandler())

	if rec := fire(h, "", "192.168.1.1:1234"); rec.Code != http.StatusNoContent {
		t.Fatalf("first request status = %d, want 204", rec.Code)
	}
	if rec := fire(h, "", "192.168.1.1:1234"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
}

func TestDisabledTiersPassThrough(t *testing.T) {
	h := GlobalLimiter(Config{})(TenantLimiter(Config{})(IPLimiter(Config{})(okHandler())))
	for i := 0; i < 50; i++ {
		if rec := fire(h, "", ""); rec.Code != http.StatusNoContent {
			t.Fatalf("request %d status = %d, want 204", i+1, rec.Code)
		}
	}
}

func TestLimitHitIncrementsMetric(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	cfg := Config{GlobalEnabled: true, GlobalLimit: 1, GlobalWindow: time.Minute, Metrics: m}
	h := GlobalLimiter(cfg)(okHandler())

	fire(h, "", "")
	fire(h, "", "")

	got := testutil.ToFloat64(m.RateLimitHitsTotal.WithLabelValues("global"))
	if got != 1 {
		t.Errorf("rate limit hits = %v, want 1", got)
	}
}
