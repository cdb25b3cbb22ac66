package metrics

import (
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Fetch cycle metrics
	fetchesTotal      prometheus.Counter
	fetchErrorsTotal  prometheus.Counter
	eventsFetchedTotal prometheus.Counter
	fetchDuration     prometheus.Histogram
	cacheLookupsTotal *prometheus.CounterVec

	// Scheduler metrics
	jobsScheduledTotal prometheus.Counter
	jobOutcomesTotal   *prometheus.CounterVec
	activeTimers       prometheus.Gauge

	// Retry metrics
	retriesTotal *prometheus.CounterVec

	// Notification metrics
	notifyAttemptsTotal *prometheus.CounterVec
	notifyOutcomesTotal *prometheus.CounterVec
	notifyDuration      prometheus.Histogram

	// Circuit breaker metrics
	breakerState prometheus.Gauge

	// Store metrics
	storeBusyRetriesTotal prometheus.Counter

	// Notification bus metrics
	bufferSize      prometheus.Gauge
	emitErrorsTotal prometheus.Counter
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initFetchMetrics(reg)
	s.initSchedulerMetrics(reg)
	s.initNotifyMetrics(reg)
	s.initInfraMetrics(reg)
	return s
}

func (s *PrometheusSink) initFetchMetrics(reg prometheus.Registerer) {
	s.fetchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "prelist_fetch_cycles_total",
		Help: "Total number of event fetch cycles started.",
	})
	s.fetchErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "prelist_fetch_errors_total",
		Help: "Total number of fetch cycles that ended in error.",
	})
	s.eventsFetchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "prelist_events_fetched_total",
		Help: "Total number of events returned by fetch cycles.",
	})
	s.fetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "prelist_fetch_duration_seconds",
		Help:    "Duration of each fetch cycle in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	s.cacheLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "prelist_cache_lookups_total",
		Help: "Total number of event cache lookups by result.",
	}, []string{"result"})

	s.register(reg, s.fetchesTotal, "prelist_fetch_cycles_total")
	s.register(reg, s.fetchErrorsTotal, "prelist_fetch_errors_total")
	s.register(reg, s.eventsFetchedTotal, "prelist_events_fetched_total")
	s.register(reg, s.fetchDuration, "prelist_fetch_duration_seconds")
	s.register(reg, s.cacheLookupsTotal, "prelist_cache_lookups_total")
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.jobsScheduledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "prelist_jobs_scheduled_total",
		Help: "Total number of jobs scheduled.",
	})
	s.jobOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "prelist_job_outcomes_total",
		Help: "Total number of terminal job outcomes.",
	}, []string{"outcome"})
	s.activeTimers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "prelist_active_timers",
		Help: "Number of armed in-memory job timers.",
	})
	s.retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "prelist_retries_scheduled_total",
		Help: "Total number of retries scheduled, labelled by attempt.",
	}, []string{"attempt"})

	s.register(reg, s.jobsScheduledTotal, "prelist_jobs_scheduled_total")
	s.register(reg, s.jobOutcomesTotal, "prelist_job_outcomes_total")
	s.register(reg, s.activeTimers, "prelist_active_timers")
	s.register(reg, s.retriesTotal, "prelist_retries_scheduled_total")
}

func (s *PrometheusSink) initNotifyMetrics(reg prometheus.Registerer) {
	s.notifyAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "prelist_notification_attempts_total",
		Help: "Total number of webhook delivery attempts.",
	}, []string{"attempt", "status_class"})
	s.notifyOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "prelist_notification_outcomes_total",
		Help: "Total number of final notification outcomes.",
	}, []string{"outcome"})
	s.notifyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "prelist_notification_duration_seconds",
		Help:    "Webhook request latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	s.register(reg, s.notifyAttemptsTotal, "prelist_notification_attempts_total")
	s.register(reg, s.notifyOutcomesTotal, "prelist_notification_outcomes_total")
	s.register(reg, s.notifyDuration, "prelist_notification_duration_seconds")
}

func (s *PrometheusSink) initInfraMetrics(reg prometheus.Registerer) {
	s.breakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "prelist_breaker_state",
		Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
	})
	s.storeBusyRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "prelist_store_busy_retries_total",
		Help: "Total number of store operations retried after a busy error.",
	})
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "prelist_notification_buffer_size",
		Help: "Current number of notifications in the bus buffer.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "prelist_notification_emit_errors_total",
		Help: "Total number of notifications dropped because the buffer was full.",
	})

	s.register(reg, s.breakerState, "prelist_breaker_state")
	s.register(reg, s.storeBusyRetriesTotal, "prelist_store_busy_retries_total")
	s.register(reg, s.bufferSize, "prelist_notification_buffer_size")
	s.register(reg, s.emitErrorsTotal, "prelist_notification_emit_errors_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Fetch cycle metrics implementation

func (s *PrometheusSink) FetchStarted() {
	s.fetchesTotal.Inc()
}

func (s *PrometheusSink) FetchCompleted(duration time.Duration, eventsFetched int, err error) {
	s.fetchDuration.Observe(duration.Seconds())
	s.eventsFetchedTotal.Add(float64(eventsFetched))
	if err != nil {
		s.fetchErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) CacheLookup(result string) {
	s.cacheLookupsTotal.WithLabelValues(result).Inc()
}

// Scheduler metrics implementation

func (s *PrometheusSink) JobScheduled() {
	s.jobsScheduledTotal.Inc()
}

func (s *PrometheusSink) JobOutcome(outcome string) {
	s.jobOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) ActiveTimersUpdate(count int) {
	s.activeTimers.Set(float64(count))
}

func (s *PrometheusSink) RetryScheduled(attempt int) {
	s.retriesTotal.WithLabelValues(strconv.Itoa(attempt)).Inc()
}

// Notification metrics implementation

func (s *PrometheusSink) NotificationAttemptCompleted(attempt int, statusClass string, duration time.Duration) {
	s.notifyAttemptsTotal.WithLabelValues(strconv.Itoa(attempt), statusClass).Inc()
	s.notifyDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) NotificationOutcome(outcome string) {
	s.notifyOutcomesTotal.WithLabelValues(outcome).Inc()
}

// Infrastructure metrics implementation

func (s *PrometheusSink) BreakerStateUpdate(state string) {
	var v float64
	switch state {
	case "OPEN":
		v = 1
	case "HALF_OPEN":
		v = 2
	}
	s.breakerState.Set(v)
}

func (s *PrometheusSink) StoreBusyRetry() {
	s.storeBusyRetriesTotal.Inc()
}

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}
