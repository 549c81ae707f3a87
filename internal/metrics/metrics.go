package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the Settld gateway.
type Metrics struct {
	// Gate lifecycle metrics
	GatesCreatedTotal     *prometheus.CounterVec
	GateTransitionsTotal  *prometheus.CounterVec
	GateOperationDuration *prometheus.HistogramVec

	// Settlement metrics
	SettlementsTotal      *prometheus.CounterVec
	SettledAmountTotal    *prometheus.CounterVec
	HoldbacksOpenGauge    prometheus.Gauge
	HoldbackReleasesTotal *prometheus.CounterVec

	// Proxy metrics
	ProxyRequestsTotal  *prometheus.CounterVec
	ProxyDuration       *prometheus.HistogramVec
	ProxyUpstreamErrors *prometheus.CounterVec

	// Webhook outbox metrics
	DeliveriesTotal      *prometheus.CounterVec
	DeliveryRetriesTotal *prometheus.CounterVec
	DeliveryDuration     *prometheus.HistogramVec
	PendingAcksGauge     prometheus.Gauge

	// Maintenance metrics
	MaintenanceTicksTotal    prometheus.Counter
	MaintenanceTickDuration  prometheus.Histogram
	ReconciliationDriftTotal prometheus.Counter

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		GatesCreatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settld_gates_created_total",
				Help: "Total number of gates created",
			},
			[]string{"tenant"},
		),
		GateTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settld_gate_transitions_total",
				Help: "Total gate state transitions by target status",
			},
			[]string{"status"},
		),
		GateOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settld_gate_operation_duration_seconds",
				Help:    "Duration of gate operations (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"operation"},
		),

		SettlementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settld_settlements_total",
				Help: "Total settlement decisions by verification status",
			},
			[]string{"verification_status"},
		),
		SettledAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settld_settled_amount_cents_total",
				Help: "Total settled amount in cents by phase",
			},
			[]string{"phase"},
		),
		HoldbacksOpenGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "settld_holdbacks_open",
				Help: "Number of holds currently in held status",
			},
		),
		HoldbackReleasesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settld_holdback_releases_total",
				Help: "Total hold resolutions by outcome",
			},
			[]string{"outcome"},
		),

		ProxyRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settld_proxy_requests_total",
				Help: "Total proxied requests by outcome",
			},
			[]string{"outcome"},
		),
		ProxyDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settld_proxy_duration_seconds",
				Help:    "End-to-end proxied request duration including the 402 dance",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"outcome"},
		),
		ProxyUpstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settld_proxy_upstream_errors_total",
				Help: "Total upstream failures by error code",
			},
			[]string{"code"},
		),

		DeliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settld_deliveries_total",
				Help: "Total outbox delivery attempts by status",
			},
			[]string{"artifact_type", "status"},
		),
		DeliveryRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settld_delivery_retries_total",
				Help: "Total outbox delivery retries",
			},
			[]string{"artifact_type"},
		),
		DeliveryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settld_delivery_duration_seconds",
				Help:    "Time taken for outbox delivery",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"artifact_type"},
		),
		PendingAcksGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "settld_pending_acks",
				Help: "Outbox deliveries awaiting acknowledgement",
			},
		),

		MaintenanceTicksTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "settld_maintenance_ticks_total",
				Help: "Total maintenance scheduler ticks",
			},
		),
		MaintenanceTickDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "settld_maintenance_tick_duration_seconds",
				Help:    "Duration of one maintenance tick",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
		),
		ReconciliationDriftTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "settld_reconciliation_drift_total",
				Help: "Gates whose state disagrees with their ledger sum",
			},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settld_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settld_db_query_duration_seconds",
				Help:    "Database query duration (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
	}
}

// ObserveGateOperation records one gate API operation.
func (m *Metrics) ObserveGateOperation(operation string, duration time.Duration) {
	m.GateOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveSettlement records a settlement decision and its money movement.
func (m *Metrics) ObserveSettlement(verificationStatus string, releasedCents, refundedCents, heldbackCents int64) {
	m.SettlementsTotal.WithLabelValues(verificationStatus).Inc()
	m.SettledAmountTotal.WithLabelValues("release").Add(float64(releasedCents))
	m.SettledAmountTotal.WithLabelValues("refund").Add(float64(refundedCents))
	m.SettledAmountTotal.WithLabelValues("holdback").Add(float64(heldbackCents))
}

// ObserveProxy records a proxied request outcome.
func (m *Metrics) ObserveProxy(outcome string, duration time.Duration) {
	m.ProxyRequestsTotal.WithLabelValues(outcome).Inc()
	m.ProxyDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveDelivery records an outbox delivery attempt.
func (m *Metrics) ObserveDelivery(artifactType, status string, duration time.Duration, retry bool) {
	m.DeliveriesTotal.WithLabelValues(artifactType, status).Inc()
	m.DeliveryDuration.WithLabelValues(artifactType).Observe(duration.Seconds())
	if retry {
		m.DeliveryRetriesTotal.WithLabelValues(artifactType).Inc()
	}
}

// ObserveMaintenanceTick records one scheduler pass.
func (m *Metrics) ObserveMaintenanceTick(duration time.Duration, pendingAcks int64) {
	m.MaintenanceTicksTotal.Inc()
	m.MaintenanceTickDuration.Observe(duration.Seconds())
	m.PendingAcksGauge.Set(float64(pendingAcks))
}
