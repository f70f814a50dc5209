// Package metrics exposes prometheus instruments for the token ledger.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes application-level instruments. All methods are nil-safe
// so components can run without metrics wired (tests, one-off tools).
type Metrics struct {
	debits        *prometheus.CounterVec
	credits       *prometheus.CounterVec
	webhookEvents *prometheus.CounterVec
	resets        *prometheus.CounterVec
	sweepDuration prometheus.Histogram
}

// New registers the ledger instruments against the given registerer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		debits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenledger_debits_total",
			Help: "Token debit attempts by action and outcome.",
		}, []string{"action", "outcome"}),
		credits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenledger_credits_total",
			Help: "Token credits by transaction type.",
		}, []string{"type"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenledger_webhook_events_total",
			Help: "Billing webhook events by type and outcome.",
		}, []string{"type", "outcome"}),
		resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenledger_allowance_resets_total",
			Help: "Allowance resets by trigger.",
		}, []string{"trigger"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tokenledger_sweep_duration_seconds",
			Help:    "Duration of scheduler sweep runs.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	for _, c := range []prometheus.Collector{
		m.debits, m.credits, m.webhookEvents, m.resets, m.sweepDuration,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) IncDebit(action, outcome string) {
	if m == nil {
		return
	}
	m.debits.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) IncCredit(txType string) {
	if m == nil {
		return
	}
	m.credits.WithLabelValues(txType).Inc()
}

func (m *Metrics) IncWebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) IncReset(trigger string) {
	if m == nil {
		return
	}
	m.resets.WithLabelValues(trigger).Inc()
}

func (m *Metrics) ObserveSweepDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}
