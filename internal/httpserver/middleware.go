package httpserver

import (
	"context"
	"net/http"

	"github.com/SettldHQ/gateway/internal/errors"
	"github.com/SettldHQ/gateway/pkg/x402"
)

type contextKey string

const tenantContextKey contextKey = "tenant_id"

// requireTenant extracts the tenant header into the request context. Every
// gate row is tenant-scoped, so requests without a tenant cannot proceed.
func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(x402.HeaderTenantID)
		if tenantID == "" {
			errors.Write(w, errors.E(errors.CodeTenantMissing, "%s header required", x402.HeaderTenantID))
			return
		}
		ctx := context.WithValue(r.Context(), tenantContextKey, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// tenantFromContext returns the tenant id placed by requireTenant.
func tenantFromContext(ctx context.Context) string {
	tenantID, _ := ctx.Value(tenantContextKey).(string)
	return tenantID
}

// protocolHeader stamps every lifecycle response with the protocol version.
func protocolHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(x402.HeaderProtocol, x402.ProtocolVersion)
		next.ServeHTTP(w, r)
	})
}

// securityHeadersMiddleware adds defense-in-depth headers to all responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// adminMetricsAuth protects /metrics with a bearer key. An empty key leaves
// the endpoint open.
func adminMetricsAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if r.Header.Get("Authorization") != "Bearer "+apiKey {
				errors.Write(w, errors.E(errors.CodeAPIKeyUnauthorized, "invalid or missing admin API key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
