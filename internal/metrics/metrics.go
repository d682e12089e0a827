package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

var (
	// Registry holds the engine's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mlm_engine",
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Total number of job runs.",
		},
		[]string{"job", "success"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mlm_engine",
			Subsystem: "jobs",
			Name:      "run_duration_seconds",
			Help:      "Duration of job runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7m
		},
		[]string{"job"},
	)

	jobSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mlm_engine",
			Subsystem: "jobs",
			Name:      "busy_skips_total",
			Help:      "Invocations skipped because another run held the job lock.",
		},
		[]string{"job"},
	)

	jobItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mlm_engine",
			Subsystem: "jobs",
			Name:      "items_total",
			Help:      "Items handled by jobs, by outcome.",
		},
		[]string{"job", "action"},
	)

	commissionAmount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mlm_engine",
			Subsystem: "ledger",
			Name:      "commission_amount_total",
			Help:      "Sum of posted commission amounts.",
		},
	)

	returnAmount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mlm_engine",
			Subsystem: "ledger",
			Name:      "daily_return_amount_total",
			Help:      "Sum of posted daily return amounts.",
		},
	)
)

func init() {
	Registry.MustRegister(
		jobRuns,
		jobDuration,
		jobSkipped,
		jobItems,
		commissionAmount,
		returnAmount,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordJobRun records one finished run.
func RecordJobRun(job string, duration time.Duration, success bool) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	jobRuns.WithLabelValues(job, strconv.FormatBool(success)).Inc()
	jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func RecordBusy(job string) {
	jobSkipped.WithLabelValues(job).Inc()
}

func RecordItem(job, action string) {
	jobItems.WithLabelValues(job, action).Inc()
}

func RecordCommission(amount decimal.Decimal) {
	commissionAmount.Add(amount.InexactFloat64())
}

func RecordDailyReturn(amount decimal.Decimal) {
	returnAmount.Add(amount.InexactFloat64())
}
