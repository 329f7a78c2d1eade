package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"llmarena/internal/arena"
)

type Metrics struct {
	RunsTotal     *prometheus.CounterVec
	CallsTotal    *prometheus.CounterVec
	CallLatency   *prometheus.HistogramVec
	CostUSD       *prometheus.CounterVec
	RateLimited   prometheus.Counter
	EnqueuedJobs  prometheus.Counter
	ProcessedJobs prometheus.Counter
	FailedJobs    prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "llmarena",
				Name:      "runs_total",
				Help:      "Runs executed, by result",
			}, []string{"result"}),
			CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "llmarena",
				Name:      "provider_calls_total",
				Help:      "Provider calls by provider and outcome kind",
			}, []string{"provider", "kind"}),
			CallLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "llmarena",
				Name:      "provider_call_seconds",
				Help:      "Latency of dispatched provider calls",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
			}, []string{"provider"}),
			CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "llmarena",
				Name:      "cost_usd_total",
				Help:      "Estimated spend in USD by provider",
			}, []string{"provider"}),
			RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "llmarena",
				Name:      "runs_rate_limited_total",
				Help:      "Runs rejected by the per-account rate limiter",
			}),
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "llmarena",
				Name:      "queue_enqueued_total",
				Help:      "Total run jobs enqueued to redis stream",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "llmarena",
				Name:      "queue_processed_total",
				Help:      "Total run jobs successfully processed",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "llmarena",
				Name:      "queue_failed_total",
				Help:      "Total run jobs failed during processing",
			}),
		}
		prometheus.MustRegister(
			global.RunsTotal, global.CallsTotal, global.CallLatency, global.CostUSD,
			global.RateLimited, global.EnqueuedJobs, global.ProcessedJobs, global.FailedJobs,
		)
	})
	return global
}

// ObserveCall records one selection's outcome. Short-circuited selections
// carry no timing and only count toward CallsTotal.
func (m *Metrics) ObserveCall(sel arena.Selection, out arena.Outcome) {
	kind := "success"
	if !out.OK() {
		kind = string(out.ErrorKind)
	}
	m.CallsTotal.WithLabelValues(sel.Provider.String(), kind).Inc()
	if !out.StartTime.IsZero() {
		d := time.Duration(out.ResponseTimeMs()) * time.Millisecond
		m.CallLatency.WithLabelValues(sel.Provider.String()).Observe(d.Seconds())
	}
}

// ObserveRun adds the derived cost of every successful entry.
func (m *Metrics) ObserveRun(run arena.RunResult) {
	for _, e := range run.Results {
		if e.Metrics != nil && e.Metrics.Cost > 0 {
			m.CostUSD.WithLabelValues(e.Provider.String()).Add(e.Metrics.Cost)
		}
	}
}
