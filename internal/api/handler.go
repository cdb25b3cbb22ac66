// Package api exposes the read-only operational endpoints: health,
// aggregate statistics and event/job listings. Nothing here mutates
// state; all writes flow through the scheduler and retry coordinator.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/djlord-it/prelist/internal/circuitbreaker"
	"github.com/djlord-it/prelist/internal/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Store is the subset of the job store the API reads from.
type Store interface {
	Ping(ctx context.Context) error
	CountEventsByStatus(ctx context.Context) (map[domain.EventStatus]int, error)
	CountJobsByStatus(ctx context.Context) (map[domain.JobStatus]int, error)
	ListEventsByStatus(ctx context.Context, status domain.EventStatus, limit int) ([]domain.Event, error)
	UpcomingJobs(ctx context.Context, limit int) ([]domain.ScheduledJob, error)
	RecentJobs(ctx context.Context, limit int) ([]domain.ScheduledJob, error)
}

// BreakerStatus reports the upstream breaker for health checks.
type BreakerStatus interface {
	Snapshot() circuitbreaker.Snapshot
}

// CacheStatus reports cache occupancy for health checks.
type CacheStatus interface {
	Len() int
	Capacity() int
}

// TimerStatus reports the number of armed in-memory timers.
type TimerStatus interface {
	ActiveTimers() int
}

// Handler serves the operational HTTP API.
type Handler struct {
	store     Store
	breaker   BreakerStatus
	cache     CacheStatus
	timers    TimerStatus
	clock     func() time.Time
	startedAt time.Time
}

// NewHandler builds the handler. All collaborators are required.
func NewHandler(store Store, breaker BreakerStatus, cache CacheStatus, timers TimerStatus) *Handler {
	return &Handler{
		store:     store,
		breaker:   breaker,
		cache:     cache,
		timers:    timers,
		clock:     time.Now,
		startedAt: time.Now().UTC(),
	}
}

// WithClock overrides the time source for tests. Also resets the uptime
// baseline to the injected clock.
func (h *Handler) WithClock(clock func() time.Time) *Handler {
	h.clock = clock
	h.startedAt = clock().UTC()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch r.URL.Path {
	case "/health":
		h.handleHealth(w, r)
	case "/stats":
		h.handleStats(w, r)
	case "/events":
		h.handleListEvents(w, r)
	case "/jobs/upcoming":
		h.handleUpcomingJobs(w, r)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	resp := HealthResponse{
		Timestamp: now.Format(time.RFC3339),
		Status:    "ok",
		Uptime:    now.Sub(h.startedAt).Round(time.Second).String(),
		Checks: HealthChecks{
			Database:       "ok",
			CircuitBreaker: h.breaker.Snapshot(),
			Cache: CacheCheck{
				Size:     h.cache.Len(),
				Capacity: h.cache.Capacity(),
			},
			Jobs: JobsCheck{
				ActiveTimers: h.timers.ActiveTimers(),
			},
		},
	}

	if err := h.store.Ping(r.Context()); err != nil {
		log.Printf("api: health: database ping failed: %v", err)
		resp.Checks.Database = "unreachable"
		resp.Status = "degraded"
	} else if counts, err := h.store.CountJobsByStatus(r.Context()); err == nil {
		resp.Checks.Jobs.Scheduled = counts[domain.JobStatusScheduled]
		resp.Checks.Jobs.Processing = counts[domain.JobStatusProcessing]
		resp.Checks.Jobs.Retrying = counts[domain.JobStatusRetrying]
	}

	if resp.Checks.CircuitBreaker.State == circuitbreaker.StateOpen {
		resp.Status = "degraded"
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	eventCounts, err := h.store.CountEventsByStatus(ctx)
	if err != nil {
		log.Printf("api: stats: count events: %v", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	jobCounts, err := h.store.CountJobsByStatus(ctx)
	if err != nil {
		log.Printf("api: stats: count jobs: %v", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	recent, err := h.store.RecentJobs(ctx, 10)
	if err != nil {
		log.Printf("api: stats: recent jobs: %v", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	upcoming, err := h.store.UpcomingJobs(ctx, 10)
	if err != nil {
		log.Printf("api: stats: upcoming jobs: %v", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}

	resp := StatsResponse{
		Timestamp:   h.clock().UTC().Format(time.RFC3339),
		Events:      make(map[string]int, len(eventCounts)),
		Jobs:        make(map[string]int, len(jobCounts)),
		SuccessRate: successRate(jobCounts),
		RetryRate:   retryRate(jobCounts),
		Recent:      jobSummaries(recent),
		Upcoming:    jobSummaries(upcoming),
	}
	for st, n := range eventCounts {
		resp.Events[string(st)] = n
	}
	for st, n := range jobCounts {
		resp.Jobs[string(st)] = n
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	status := domain.EventStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.EventStatusPending
	}
	if !validEventStatus(status) {
		writeError(w, http.StatusBadRequest, "unknown event status: "+string(status))
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.store.ListEventsByStatus(r.Context(), status, limit)
	if err != nil {
		log.Printf("api: events: list %s: %v", status, err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}

	resp := ListEventsResponse{Events: make([]EventSummary, 0, len(events))}
	for _, ev := range events {
		resp.Events = append(resp.Events, EventSummary{
			ID:        ev.ID,
			Name:      ev.Name,
			StartDate: ev.StartDate.UTC().Format(time.RFC3339),
			Status:    string(ev.Status),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleUpcomingJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := h.store.UpcomingJobs(r.Context(), limit)
	if err != nil {
		log.Printf("api: jobs: list upcoming: %v", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: jobSummaries(jobs)})
}

// successRate is completed over all terminally resolved jobs. No resolved
// jobs yet reads as 1.0 rather than alarming on an empty database.
func successRate(counts map[domain.JobStatus]int) float64 {
	completed := counts[domain.JobStatusCompleted]
	failed := counts[domain.JobStatusFailed]
	if completed+failed == 0 {
		return 1.0
	}
	return float64(completed) / float64(completed+failed)
}

func retryRate(counts map[domain.JobStatus]int) float64 {
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return 0
	}
	return float64(counts[domain.JobStatusRetrying]) / float64(total)
}

func jobSummaries(jobs []domain.ScheduledJob) []JobSummary {
	out := make([]JobSummary, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, JobSummary{
			EventID:       job.EventID,
			EventName:     job.EventName,
			ScheduledTime: job.ScheduledTime.UTC().Format(time.RFC3339),
			Status:        string(job.Status),
			RetryCount:    job.RetryCount,
			ErrorMessage:  job.ErrorMessage,
		})
	}
	return out
}

func validEventStatus(s domain.EventStatus) bool {
	switch s {
	case domain.EventStatusPending, domain.EventStatusProcessed,
		domain.EventStatusFailed, domain.EventStatusCancelled:
		return true
	}
	return false
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errInvalidLimit
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

var errInvalidLimit = errors.New("limit must be a positive integer")

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg})
}
