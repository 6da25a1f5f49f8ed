/*
Package metrics exposes the engine's Prometheus instrumentation.

PURPOSE:
  One Metrics value implements both the ledger's and the scheduler's
  observability hooks and owns a private registry, so tests can build
  isolated instances without hitting the global default registry.

METRICS:
  funding_transactions_posted_total     Posted transactions
  funding_transactions_voided_total     Voided transactions
  funding_insufficient_balance_total    Posts rejected for lack of balance
  funding_automation_runs_total{status} Automation runs by outcome
  funding_scheduler_last_tick_unix      Unix time of the last tick

USAGE:
  m := metrics.New()
  txService := ledger.NewTransactionService(store, locks, log).WithMetrics(m)
  router.Handle("/metrics", m.Handler())
*/
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carebridge/funding-engine/automation"
	"github.com/carebridge/funding-engine/ledger"
)

var (
	_ ledger.Metrics     = (*Metrics)(nil)
	_ automation.Metrics = (*Metrics)(nil)
)

// Metrics holds the engine's counters and gauges.
type Metrics struct {
	registry *prometheus.Registry

	transactionsPosted  prometheus.Counter
	transactionsVoided  prometheus.Counter
	insufficientBalance prometheus.Counter
	automationRuns      *prometheus.CounterVec
	schedulerLastTick   prometheus.Gauge
}

// New builds a Metrics with its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		transactionsPosted: factory.NewCounter(prometheus.CounterOpts{
			Name: "funding_transactions_posted_total",
			Help: "Transactions posted against contract balances.",
		}),
		transactionsVoided: factory.NewCounter(prometheus.CounterOpts{
			Name: "funding_transactions_voided_total",
			Help: "Posted transactions voided and refunded.",
		}),
		insufficientBalance: factory.NewCounter(prometheus.CounterOpts{
			Name: "funding_insufficient_balance_total",
			Help: "Posts rejected because the contract balance was too low.",
		}),
		automationRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "funding_automation_runs_total",
			Help: "Automation runs by final status.",
		}, []string{"status"}),
		schedulerLastTick: factory.NewGauge(prometheus.GaugeOpts{
			Name: "funding_scheduler_last_tick_unix",
			Help: "Unix timestamp of the last scheduler tick.",
		}),
	}
}

func (m *Metrics) TransactionPosted() { m.transactionsPosted.Inc() }

func (m *Metrics) TransactionVoided() { m.transactionsVoided.Inc() }

func (m *Metrics) InsufficientBalanceRejected() { m.insufficientBalance.Inc() }

func (m *Metrics) AutomationRunFinished(status ledger.RunStatus) {
	m.automationRuns.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) SchedulerTicked(at time.Time) {
	m.schedulerLastTick.Set(float64(at.Unix()))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
