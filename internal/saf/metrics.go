package saf

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records ledger operations. A nil *Metrics is valid and records nothing.
type Metrics struct {
	operations      *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	lockContention  prometheus.Counter
	volumeAssigned  prometheus.Counter
	auditMismatches prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saf_ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by name and result code.",
		}, []string{"op", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "saf_ledger",
			Name:      "operation_duration_seconds",
			Help:      "Ledger operation latency, lock wait included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		lockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "saf_ledger",
			Name:      "lock_contention_total",
			Help:      "Source lock acquisitions that timed out.",
		}),
		volumeAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "saf_ledger",
			Name:      "volume_assigned_total",
			Help:      "Volume committed to tickets.",
		}),
		auditMismatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "saf_ledger",
			Name:      "audit_mismatched_sources",
			Help:      "Sources whose assigned volume disagreed with their tickets at the last audit.",
		}),
	}
	reg.MustRegister(m.operations, m.latency, m.lockContention, m.volumeAssigned, m.auditMismatches)
	return m
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = ErrorCode(err)
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if errors.Is(err, ErrSourceBusy) {
		m.lockContention.Inc()
	}
}

func (m *Metrics) addAssigned(volume float64) {
	if m == nil {
		return
	}
	m.volumeAssigned.Add(volume)
}

func (m *Metrics) setAuditMismatches(n int) {
	if m == nil {
		return
	}
	m.auditMismatches.Set(float64(n))
}
