package settld

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SettldHQ/gateway/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.RateLimit.GlobalEnabled = false
	cfg.RateLimit.PerTenantEnabled = false
	cfg.RateLimit.PerIPEnabled = false
	return cfg
}

func TestNewAppServesHealth(t *testing.T) {
	app, err := NewApp(testConfig(t))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	defer app.Close()

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", rec.Code)
	}
}

func TestNewAppRequiresConfig(t *testing.T) {
	if _, err := NewApp(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestNewAppDefaultsToMemoryStore(t *testing.T) {
	app, err := NewApp(testConfig(t))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	defer app.Close()

	if app.Store == nil || app.Gates == nil || app.Scheduler == nil {
		t.Fatal("core components not wired")
	}
	if app.Proxy != nil {
		t.Fatal("proxy should be nil without an upstream url")
	}
	if app.Receiver != nil {
		t.Fatal("receiver should be nil when disabled")
	}
}
