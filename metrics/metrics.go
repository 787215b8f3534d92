// Package metrics exposes pipeline run and push delivery counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"roster-alerts/pipeline"
	"roster-alerts/pkg/roster"
	"roster-alerts/push"
)

// Collector records pipeline metrics. It satisfies pipeline.Recorder.
type Collector struct {
	runs         *prometheus.CounterVec
	failures     *prometheus.CounterVec
	runDuration  prometheus.Histogram
	transactions prometheus.Counter
	pushes       *prometheus.CounterVec
	lastSuccess  prometheus.Gauge
}

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roster_runs_total",
			Help: "Completed pipeline runs by outcome.",
		}, []string{"outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roster_run_failures_total",
			Help: "Failed pipeline runs by failure kind.",
		}, []string{"kind"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "roster_run_duration_seconds",
			Help:    "Wall time of pipeline runs, successful or not.",
			Buckets: prometheus.DefBuckets,
		}),
		transactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roster_transactions_added_total",
			Help: "Transactions persisted to the ledger.",
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roster_push_notifications_total",
			Help: "Push deliveries by result.",
		}, []string{"result"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roster_last_success_timestamp_seconds",
			Help: "Unix time of the last run that did not fail.",
		}),
	}

	reg.MustRegister(
		c.runs,
		c.failures,
		c.runDuration,
		c.transactions,
		c.pushes,
		c.lastSuccess,
	)
	return c
}

// RunCompleted records a run that reached a non-failed outcome.
func (c *Collector) RunCompleted(outcome roster.Outcome, d time.Duration) {
	c.runs.WithLabelValues(string(outcome)).Inc()
	c.runDuration.Observe(d.Seconds())
	c.lastSuccess.SetToCurrentTime()
}

// RunFailed records a failed run.
func (c *Collector) RunFailed(kind pipeline.Kind, d time.Duration) {
	c.failures.WithLabelValues(string(kind)).Inc()
	c.runDuration.Observe(d.Seconds())
}

// TransactionsAdded records newly persisted transactions.
func (c *Collector) TransactionsAdded(n int) {
	c.transactions.Add(float64(n))
}

// PushDelivered records the outcome of one fan-out.
func (c *Collector) PushDelivered(r push.Report) {
	c.pushes.WithLabelValues("sent").Add(float64(r.Sent))
	c.pushes.WithLabelValues("failed").Add(float64(r.Failed))
	c.pushes.WithLabelValues("retired").Add(float64(r.Retired))
}

// Handler returns the HTTP handler for Prometheus scrapes.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
