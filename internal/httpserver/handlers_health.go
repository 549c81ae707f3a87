package httpserver

import (
	"net/http"
	"time"

	"github.com/SettldHQ/gateway/pkg/responders"
)

// health handles GET /health. It reports storage reachability so load
// balancers can rotate out a node that lost its database.
func (h handlers) health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	responders.JSON(w, code, map[string]any{
		"status":        status,
		"service":       "settld-gateway",
		"uptimeSeconds": int64(time.Since(serverStartTime).Seconds()),
	})
}
