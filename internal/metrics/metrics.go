// Package metrics exposes Prometheus collectors for the audit service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ctrlai/auditlog/internal/audit"
)

// Metrics holds the audit service collectors. It implements audit.Observer.
type Metrics struct {
	EventsAppended  *prometheus.CounterVec
	AppendFailures  prometheus.Counter
	Verifications   *prometheus.CounterVec
	VerifyDuration  prometheus.Histogram
	ArchiveEligible prometheus.Gauge
}

var _ audit.Observer = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auditlog_events_appended_total",
			Help: "Total number of audit events committed to the chain",
		}, []string{"domain", "sensitivity"}),
		AppendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "auditlog_append_failures_total",
			Help: "Total number of rejected or failed appends",
		}),
		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auditlog_verifications_total",
			Help: "Total number of integrity verifications by result",
		}, []string{"result"}),
		VerifyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "auditlog_verify_duration_seconds",
			Help:    "Time taken to replay the hash chain",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		ArchiveEligible: f.NewGauge(prometheus.GaugeOpts{
			Name: "auditlog_archive_eligible",
			Help: "Events past retention at the last retention evaluation",
		}),
	}
}

func (m *Metrics) EventAppended(e audit.Event) {
	m.EventsAppended.WithLabelValues(string(e.Domain), string(e.Sensitivity)).Inc()
}

func (m *Metrics) AppendFailed(error) {
	m.AppendFailures.Inc()
}

// IntegrityVerified records the verification result and its duration.
func (m *Metrics) IntegrityVerified(r audit.IntegrityResult, took time.Duration) {
	result := "valid"
	if !r.Valid {
		result = "invalid"
	}
	m.Verifications.WithLabelValues(result).Inc()
	m.VerifyDuration.Observe(took.Seconds())
}

func (m *Metrics) ArchiveEvaluated(eligible int) {
	m.ArchiveEligible.Set(float64(eligible))
}
