package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for tplsync
type Metrics struct {
	// Reconciliation
	ReconcileCyclesTotal     *prometheus.CounterVec
	ReconcileDurationSeconds prometheus.Histogram
	BucketTemplates          *prometheus.GaugeVec
	OrphanedTemplates        *prometheus.GaugeVec
	CredentialDriftAgents    prometheus.Gauge

	// Write path
	ExportsTotal         *prometheus.CounterVec
	StatusRefreshesTotal *prometheus.CounterVec

	// Provider calls
	ProviderRequestsTotal          *prometheus.CounterVec
	ProviderRequestDurationSeconds *prometheus.HistogramVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	// Audit journal
	AuditEventsDroppedTotal prometheus.Counter

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ReconcileCyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tplsync_reconcile_cycles_total",
				Help: "Total number of per-agent reconciliation cycles",
			},
			[]string{"result"},
		),
		ReconcileDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tplsync_reconcile_duration_seconds",
				Help:    "Duration of one agent's reconciliation cycle",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		BucketTemplates: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tplsync_reconcile_bucket_templates",
				Help: "Templates per status bucket in the agent's last reconciliation",
			},
			[]string{"agent_id", "bucket"},
		),
		OrphanedTemplates: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tplsync_orphaned_templates",
				Help: "Local versions whose remote template was not found in the agent's last reconciliation",
			},
			[]string{"agent_id"},
		),
		CredentialDriftAgents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tplsync_credential_drift_agents",
				Help: "Agents bound to a sub-account other than the central one",
			},
		),

		ExportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tplsync_exports_total",
				Help: "Total number of template export attempts",
			},
			[]string{"result"},
		),
		StatusRefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tplsync_status_refreshes_total",
				Help: "Total number of per-template status refreshes",
			},
			[]string{"result"},
		),

		ProviderRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tplsync_provider_requests_total",
				Help: "Total number of calls to the template provider",
			},
			[]string{"op", "result"},
		),
		ProviderRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tplsync_provider_request_duration_seconds",
				Help:    "Template provider call duration in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"op"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tplsync_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tplsync_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		AuditEventsDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tplsync_audit_events_dropped_total",
				Help: "Audit events dropped because the journal buffer was full",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.ReconcileCyclesTotal,
		m.ReconcileDurationSeconds,
		m.BucketTemplates,
		m.OrphanedTemplates,
		m.CredentialDriftAgents,
		m.ExportsTotal,
		m.StatusRefreshesTotal,
		m.ProviderRequestsTotal,
		m.ProviderRequestDurationSeconds,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.AuditEventsDroppedTotal,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// ObserveReconcile records one finished agent cycle
func ObserveReconcile(result string, d time.Duration) {
	m := Global()
	if m != nil {
		m.ReconcileCyclesTotal.WithLabelValues(result).Inc()
		m.ReconcileDurationSeconds.Observe(d.Seconds())
	}
}

// SetBucketCounts publishes the bucket sizes of an agent's last cycle
func SetBucketCounts(agentID string, counts map[string]int, orphaned int) {
	m := Global()
	if m == nil {
		return
	}
	for bucket, n := range counts {
		m.BucketTemplates.WithLabelValues(agentID, bucket).Set(float64(n))
	}
	m.OrphanedTemplates.WithLabelValues(agentID).Set(float64(orphaned))
}

// SetCredentialDrift sets the number of agents off the central sub-account
func SetCredentialDrift(agents int) {
	m := Global()
	if m != nil {
		m.CredentialDriftAgents.Set(float64(agents))
	}
}

// IncExports increments the export counter
func IncExports(result string) {
	m := Global()
	if m != nil {
		m.ExportsTotal.WithLabelValues(result).Inc()
	}
}

// IncStatusRefreshes increments the status refresh counter
func IncStatusRefreshes(result string) {
	m := Global()
	if m != nil {
		m.StatusRefreshesTotal.WithLabelValues(result).Inc()
	}
}

// ObserveProviderRequest records one provider call
func ObserveProviderRequest(op, result string, d time.Duration) {
	m := Global()
	if m != nil {
		m.ProviderRequestsTotal.WithLabelValues(op, result).Inc()
		m.ProviderRequestDurationSeconds.WithLabelValues(op).Observe(d.Seconds())
	}
}

// IncAuditDropped increments the dropped audit event counter
func IncAuditDropped() {
	m := Global()
	if m != nil {
		m.AuditEventsDroppedTotal.Inc()
	}
}
