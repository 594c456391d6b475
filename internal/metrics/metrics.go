package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the call orchestration pipeline
type Metrics struct {
	// Dispatch metrics
	CallsDispatched *prometheus.CounterVec
	DispatchLatency *prometheus.HistogramVec
	ProviderLatency *prometheus.HistogramVec

	// Gate metrics
	GateDenials *prometheus.CounterVec

	// Ledger metrics
	CreditDebits  *prometheus.CounterVec
	CreditRefunds *prometheus.CounterVec

	// Batch metrics
	BatchesStarted  *prometheus.CounterVec
	BatchEntriesRun *prometheus.CounterVec

	// Stream metrics
	StreamSubscribers *prometheus.GaugeVec
	StreamDrops       *prometheus.CounterVec

	// Notifier metrics
	ListenerReconnects prometheus.Counter
	ChangeEvents       *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics
func New() *Metrics {
	return &Metrics{
		// Calls dispatched by provider and terminal dispatch outcome
		CallsDispatched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxflow_calls_dispatched_total",
				Help: "Total calls pushed through the dispatch pipeline",
			},
			[]string{"provider", "status"}, // status: ringing, failed
		),

		// End-to-end dispatch latency (gate through provider response)
		DispatchLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voxflow_dispatch_duration_seconds",
				Help:    "Duration of the full dispatch pipeline",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),

		// Provider round-trip latency only
		ProviderLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voxflow_provider_duration_seconds",
				Help:    "Duration of the provider dispatch call",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider"},
		),

		// Gate denials by check name
		GateDenials: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxflow_gate_denials_total",
				Help: "Policy gate denials by check",
			},
			[]string{"check"}, // check: feature, business_hours, credits, rate_limit
		),

		// Ledger movement counters
		CreditDebits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxflow_credit_debits_total",
				Help: "Wallet debits recorded in the ledger",
			},
			[]string{"result"}, // result: ok, replayed, insufficient
		),

		CreditRefunds: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxflow_credit_refunds_total",
				Help: "Wallet refunds recorded in the ledger",
			},
			[]string{"reason"},
		),

		// Batch counters
		BatchesStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxflow_batches_started_total",
				Help: "Batch campaigns moved into running",
			},
			[]string{"mode"}, // mode: inline, cloudtasks
		),

		BatchEntriesRun: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxflow_batch_entries_total",
				Help: "Batch entries executed by outcome",
			},
			[]string{"outcome"}, // outcome: completed, failed, canceled
		),

		// Stream gauges and drop counter
		StreamSubscribers: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "voxflow_stream_subscribers",
				Help: "Active stream subscribers per transport",
			},
			[]string{"transport"}, // transport: sse, websocket
		),

		StreamDrops: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxflow_stream_dropped_events_total",
				Help: "Events dropped from full subscriber mailboxes",
			},
			[]string{"tenant_id"},
		),

		// LISTEN/NOTIFY reconnects
		ListenerReconnects: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "voxflow_listener_reconnects_total",
				Help: "Postgres listener reconnect attempts",
			},
		),

		ChangeEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxflow_change_events_total",
				Help: "CDC events received by table",
			},
			[]string{"table"},
		),
	}
}

// RecordDispatch records a dispatch outcome with its pipeline duration
func (m *Metrics) RecordDispatch(provider, status string, seconds float64) {
	m.CallsDispatched.WithLabelValues(provider, status).Inc()
	m.DispatchLatency.WithLabelValues(provider).Observe(seconds)
}

// RecordProviderCall records the provider round trip only
func (m *Metrics) RecordProviderCall(provider string, seconds float64) {
	m.ProviderLatency.WithLabelValues(provider).Observe(seconds)
}

// RecordGateDenial records a policy denial by check name
func (m *Metrics) RecordGateDenial(check string) {
	m.GateDenials.WithLabelValues(check).Inc()
}

// RecordDebit records a ledger debit outcome
func (m *Metrics) RecordDebit(result string) {
	m.CreditDebits.WithLabelValues(result).Inc()
}

// RecordRefund records a ledger refund
func (m *Metrics) RecordRefund(reason string) {
	m.CreditRefunds.WithLabelValues(reason).Inc()
}

// RecordBatchStart records a batch moving into running
func (m *Metrics) RecordBatchStart(mode string) {
	m.BatchesStarted.WithLabelValues(mode).Inc()
}

// RecordBatchEntry records one executed batch entry
func (m *Metrics) RecordBatchEntry(outcome string) {
	m.BatchEntriesRun.WithLabelValues(outcome).Inc()
}

// SubscriberChange moves the subscriber gauge for a transport
func (m *Metrics) SubscriberChange(transport string, delta float64) {
	m.StreamSubscribers.WithLabelValues(transport).Add(delta)
}

// RecordStreamDrop records a mailbox overflow drop
func (m *Metrics) RecordStreamDrop(tenantID string) {
	m.StreamDrops.WithLabelValues(tenantID).Inc()
}

// RecordReconnect records a Postgres listener reconnect
func (m *Metrics) RecordReconnect() {
	m.ListenerReconnects.Inc()
}

// RecordChangeEvent records a CDC notification by source table
func (m *Metrics) RecordChangeEvent(table string) {
	m.ChangeEvents.WithLabelValues(table).Inc()
}
