// Package metrics exposes prometheus instrumentation for the compliance
// ledger: finalize outcomes, authority submissions and chain verification.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type LedgerMetrics struct {
	finalizeTotal      *prometheus.CounterVec
	submissionTotal    *prometheus.CounterVec
	submissionDuration prometheus.Observer
	retryRuns          prometheus.Counter
	chainVerifyTotal   *prometheus.CounterVec
}

var (
	ledgerMetricsOnce sync.Once
	ledgerMetrics     *LedgerMetrics
)

// Ledger returns the singleton ledger metrics registry.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerMetrics = newLedgerMetrics(prometheus.DefaultRegisterer)
	})
	return ledgerMetrics
}

// ResetLedgerMetricsForTest resets the singleton for tests.
func ResetLedgerMetricsForTest() {
	ledgerMetricsOnce = sync.Once{}
	ledgerMetrics = nil
}

func newLedgerMetrics(registerer prometheus.Registerer) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &LedgerMetrics{
		finalizeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "veriledger_finalize_total",
			Help: "Invoice finalize attempts by result.",
		}, []string{"result"}),
		submissionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "veriledger_authority_submission_total",
			Help: "Authority submission attempts by outcome.",
		}, []string{"outcome"}),
		submissionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "veriledger_authority_submission_duration_seconds",
			Help:    "Authority submission round-trip duration.",
			Buckets: prometheus.DefBuckets,
		}),
		retryRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veriledger_submission_retry_runs_total",
			Help: "Background submission retry loop executions.",
		}),
		chainVerifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "veriledger_chain_verify_total",
			Help: "Chain verification runs by result.",
		}, []string{"result"}),
	}

	registerer.MustRegister(
		m.finalizeTotal,
		m.submissionTotal,
		m.submissionDuration.(prometheus.Collector),
		m.retryRuns,
		m.chainVerifyTotal,
	)
	return m
}

func (m *LedgerMetrics) IncFinalize(result string) {
	if m == nil {
		return
	}
	m.finalizeTotal.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *LedgerMetrics) IncSubmission(outcome string) {
	if m == nil {
		return
	}
	m.submissionTotal.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *LedgerMetrics) ObserveSubmissionDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.submissionDuration.Observe(d.Seconds())
}

func (m *LedgerMetrics) IncRetryRun() {
	if m == nil {
		return
	}
	m.retryRuns.Inc()
}

func (m *LedgerMetrics) IncChainVerify(result string) {
	if m == nil {
		return
	}
	m.chainVerifyTotal.WithLabelValues(normalizeLabel(result)).Inc()
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return "unknown"
	}
	return value
}
