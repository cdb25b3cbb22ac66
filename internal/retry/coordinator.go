// Package retry decides, after each processing attempt, whether a job is
// retried with exponential backoff or finalized. Every decision is written
// to the store before any timer is armed.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/prelist/internal/domain"
	"github.com/djlord-it/prelist/internal/metrics"
	"github.com/djlord-it/prelist/internal/store/sqlite"
)

// Store is the slice of the job store the coordinator needs.
type Store interface {
	UpdateJobStatus(ctx context.Context, eventID string, status domain.JobStatus, errorMessage string) error
	UpdateEventStatus(ctx context.Context, id string, status domain.EventStatus) error
	MarkJobRetrying(ctx context.Context, eventID string, errorMessage string) error
}

// Rearmer arms a delayed re-dispatch for a job already marked retrying.
// The scheduler implements it; it is wired after construction because the
// scheduler in turn depends on the coordinator for outcomes.
type Rearmer interface {
	Rearm(eventID string, delay time.Duration)
}

// Notifier publishes lifecycle notifications. Emit errors are logged and
// dropped: notification delivery is best-effort.
type Notifier interface {
	Emit(ctx context.Context, n domain.NotificationEvent) error
}

// OutcomeRecorder counts resolved jobs for analytics. Record errors are
// logged and dropped.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, eventID string, status domain.JobStatus, at time.Time) error
}

// Coordinator applies the retry policy: a failed attempt N (1-based) is
// retried after baseDelay×2^(N−1) while N < maxAttempts, and finalized as a
// permanent failure at N == maxAttempts.
type Coordinator struct {
	store     Store
	notifier  Notifier        // optional, nil = disabled
	analytics OutcomeRecorder // optional, nil = disabled
	rearmer   Rearmer         // set via SetRearmer before the first dispatch

	maxAttempts int
	baseDelay   time.Duration
	sink        metrics.Sink
	clock       func() time.Time
}

func New(store Store, maxAttempts int, baseDelay time.Duration) *Coordinator {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 5 * time.Minute
	}
	return &Coordinator{
		store:       store,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		sink:        metrics.NewNoopSink(),
		clock:       time.Now,
	}
}

// WithNotifier attaches the notification bus.
func (c *Coordinator) WithNotifier(n Notifier) *Coordinator {
	c.notifier = n
	return c
}

// WithAnalytics attaches an outcome recorder.
func (c *Coordinator) WithAnalytics(r OutcomeRecorder) *Coordinator {
	c.analytics = r
	return c
}

// WithMetrics attaches a metrics sink.
func (c *Coordinator) WithMetrics(sink metrics.Sink) *Coordinator {
	c.sink = sink
	return c
}

// WithClock overrides the time source for tests.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// SetRearmer wires the scheduler in after both sides exist.
func (c *Coordinator) SetRearmer(r Rearmer) {
	c.rearmer = r
}

// OnSuccess finalizes a successfully processed job: job completed, event
// processed, event.processed notification.
func (c *Coordinator) OnSuccess(ctx context.Context, job domain.ScheduledJob, attendeeCount int) error {
	if err := c.store.UpdateJobStatus(ctx, job.EventID, domain.JobStatusCompleted, ""); err != nil {
		if errors.Is(err, sqlite.ErrStatusTransitionDenied) {
			// Replayed outcome for a job already terminal. Safe to ignore.
			log.Printf("retry: event=%s already terminal, skipping completion", job.EventID)
			return nil
		}
		return fmt.Errorf("complete job: %w", err)
	}
	if err := c.store.UpdateEventStatus(ctx, job.EventID, domain.EventStatusProcessed); err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}

	log.Printf("retry: event=%s completed attempts=%d attendees=%d", job.EventID, job.RetryCount+1, attendeeCount)
	c.sink.JobOutcome(metrics.OutcomeCompleted)
	c.recordOutcome(ctx, job.EventID, domain.JobStatusCompleted)
	c.notify(ctx, domain.NotificationEventProcessed, map[string]any{
		"eventId":       job.EventID,
		"eventName":     job.EventName,
		"attendeeCount": attendeeCount,
		"retryCount":    job.RetryCount,
	})
	return nil
}

// OnFailure routes a failed attempt: while the attempt number is below
// maxAttempts the job is marked retrying and re-armed after the backoff
// delay; at maxAttempts both job and event are finalized as failed.
func (c *Coordinator) OnFailure(ctx context.Context, job domain.ScheduledJob, procErr error) error {
	attempt := job.RetryCount + 1

	if attempt >= c.maxAttempts {
		return c.finalizeFailed(ctx, job, procErr, attempt)
	}

	delay := c.baseDelay * (1 << uint(job.RetryCount))
	if err := c.store.MarkJobRetrying(ctx, job.EventID, procErr.Error()); err != nil {
		if errors.Is(err, sqlite.ErrStatusTransitionDenied) {
			log.Printf("retry: event=%s already terminal, skipping retry", job.EventID)
			return nil
		}
		return fmt.Errorf("mark retrying: %w", err)
	}

	log.Printf("retry: event=%s attempt=%d failed, retrying in %s: %v", job.EventID, attempt, delay, procErr)
	c.sink.RetryScheduled(attempt)
	c.notify(ctx, domain.NotificationJobRetrying, map[string]any{
		"eventId":   job.EventID,
		"eventName": job.EventName,
		"attempt":   attempt,
		"nextRetry": c.clock().UTC().Add(delay).Format(time.RFC3339),
		"error":     procErr.Error(),
	})

	if c.rearmer == nil {
		return errors.New("retry: no rearmer wired")
	}
	c.rearmer.Rearm(job.EventID, delay)
	return nil
}

func (c *Coordinator) finalizeFailed(ctx context.Context, job domain.ScheduledJob, procErr error, attempt int) error {
	msg := fmt.Sprintf("permanent failure after %d attempts: %v", attempt, procErr)
	if err := c.store.UpdateJobStatus(ctx, job.EventID, domain.JobStatusFailed, msg); err != nil {
		if errors.Is(err, sqlite.ErrStatusTransitionDenied) {
			log.Printf("retry: event=%s already terminal, skipping failure", job.EventID)
			return nil
		}
		return fmt.Errorf("fail job: %w", err)
	}
	if err := c.store.UpdateEventStatus(ctx, job.EventID, domain.EventStatusFailed); err != nil {
		return fmt.Errorf("mark event failed: %w", err)
	}

	log.Printf("retry: event=%s failed permanently after %d attempts: %v", job.EventID, attempt, procErr)
	c.sink.JobOutcome(metrics.OutcomeFailed)
	c.recordOutcome(ctx, job.EventID, domain.JobStatusFailed)
	c.notify(ctx, domain.NotificationJobPermanentFailure, map[string]any{
		"eventId":   job.EventID,
		"eventName": job.EventName,
		"attempts":  attempt,
		"error":     procErr.Error(),
	})
	return nil
}

func (c *Coordinator) recordOutcome(ctx context.Context, eventID string, status domain.JobStatus) {
	if c.analytics == nil {
		return
	}
	if err := c.analytics.RecordOutcome(ctx, eventID, status, c.clock().UTC()); err != nil {
		log.Printf("retry: analytics write dropped event=%s: %v", eventID, err)
	}
}

func (c *Coordinator) notify(ctx context.Context, typ domain.NotificationType, data map[string]any) {
	if c.notifier == nil {
		return
	}
	n := domain.NotificationEvent{
		ID:        uuid.New(),
		Type:      typ,
		Timestamp: c.clock().UTC(),
		Data:      data,
	}
	if err := c.notifier.Emit(ctx, n); err != nil {
		log.Printf("retry: notification dropped type=%s: %v", typ, err)
		c.sink.EmitError()
	}
}
