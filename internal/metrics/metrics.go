package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Admission (ABE) metrics

	AdmissionLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dpquery",
		Name:      "admission_latency_seconds",
		Help:      "Time from request admission to terminal disposition, by operation.",
		Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"operation", "outcome"})

	BudgetDebitRetries = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dpquery",
		Name:      "budget_debit_cas_retries",
		Help:      "Number of compare-and-swap retries needed to debit a budget entry.",
		Buckets:   []float64{0, 1, 2, 3, 4, 5, 8},
	})

	BudgetDebitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dpquery",
		Name:      "budget_debits_total",
		Help:      "Total budget debit attempts, by outcome.",
	}, []string{"outcome"})

	BudgetCompensationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dpquery",
		Name:      "budget_compensations_total",
		Help:      "Total budget compensations issued after a confirmed EXTERNAL_LIB failure.",
	})

	QueriesInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dpquery",
		Name:      "queries_in_flight",
		Help:      "Number of admitted queries awaiting terminal disposition.",
	})

	// Data Connector Cache metrics

	DCCHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dpquery",
		Name:      "dcc_hits_total",
		Help:      "Total Data Connector Cache hits.",
	})

	DCCMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dpquery",
		Name:      "dcc_misses_total",
		Help:      "Total Data Connector Cache misses (materialization triggered).",
	})

	DCCEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dpquery",
		Name:      "dcc_evictions_total",
		Help:      "Total Data Connector Cache LRU evictions.",
	})

	// Task Broker / worker metrics

	BrokerBacklogDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dpquery",
		Name:      "broker_backlog_depth",
		Help:      "Pending entries on a library-tag stream, observed before enqueue.",
	}, []string{"library_tag"})

	JobsDispatchedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dpquery",
		Name:      "jobs_dispatched_total",
		Help:      "Total jobs claimed by a worker, by library tag and outcome.",
	}, []string{"library_tag", "outcome"})

	JobExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dpquery",
		Name:      "job_execution_duration_seconds",
		Help:      "Duration of a backend Querier.Execute call.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"library_tag"})

	BreakerStateChangesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dpquery",
		Name:      "backend_breaker_state_changes_total",
		Help:      "Circuit breaker state transitions, by library tag and new state.",
	}, []string{"library_tag", "state"})

	WorkerStartTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dpquery",
		Name:      "worker_start_time_seconds",
		Help:      "Unix timestamp when the worker process started.",
	})

	// Timing shaper

	TimingShaperDelay = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dpquery",
		Name:      "timing_shaper_delay_seconds",
		Help:      "Additional delay injected before a terminal response is returned.",
		Buckets:   []float64{0, .005, .01, .025, .05, .1, .25, .5, 1, 2},
	})

	// HTTP metrics

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dpquery",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dpquery",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})
)

func Register() {
	prometheus.MustRegister(
		AdmissionLatency,
		BudgetDebitRetries,
		BudgetDebitsTotal,
		BudgetCompensationsTotal,
		QueriesInFlight,
		DCCHitsTotal,
		DCCMissesTotal,
		DCCEvictionsTotal,
		BrokerBacklogDepth,
		JobsDispatchedTotal,
		JobExecutionDuration,
		BreakerStateChangesTotal,
		WorkerStartTime,
		TimingShaperDelay,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
