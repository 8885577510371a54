// Package metrics registers the gateway's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the execution gateway.
type Metrics struct {
	RequestsTotal *prometheus.CounterVec
	DenialsTotal  *prometheus.CounterVec

	GateDuration   *prometheus.HistogramVec
	LedgerAppend   *prometheus.HistogramVec
	AuditAppend    prometheus.Histogram
	AuditVerifyRun *prometheus.CounterVec

	WriterQueueDepth *prometheus.GaugeVec
	ShedTotal        prometheus.Counter
}

// New creates and registers all gateway metrics.
func New() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Skill invocations by final outcome",
			},
			[]string{"agent_id", "outcome"}, // outcome: allowed, denied, error
		),

		DenialsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_denials_total",
				Help: "Policy denials by stage and reason code",
			},
			[]string{"stage", "reason_code"},
		),

		GateDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_gate_duration_seconds",
				Help:    "Per-gate evaluation latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"gate"},
		),

		LedgerAppend: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_ledger_append_seconds",
				Help:    "Usage ledger append latency by backend",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend"},
		),

		AuditAppend: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gateway_audit_append_seconds",
				Help:    "Audit log append latency",
				Buckets: prometheus.DefBuckets,
			},
		),

		AuditVerifyRun: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_audit_verify_runs_total",
				Help: "Audit chain verification passes by result",
			},
			[]string{"result"}, // ok, corrupt
		),

		WriterQueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_writer_queue_depth",
				Help: "Depth of the single-writer queues",
			},
			[]string{"writer"}, // ledger, audit
		),

		ShedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_requests_shed_total",
				Help: "Requests shed by backpressure before any gate ran",
			},
		),
	}
}
