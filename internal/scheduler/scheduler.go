// Package scheduler owns the timer map and the lifecycle of scheduled
// jobs: arming a timer at event.startDate − preEventOffset, dispatching to
// the processor at fire time, and recovering durable jobs after a restart.
//
// Every transition is written to the store before it is acted upon, so a
// crash between any two steps is repaired by Recover.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/prelist/internal/domain"
	"github.com/djlord-it/prelist/internal/metrics"
	"github.com/djlord-it/prelist/internal/store/sqlite"
)

const (
	reasonMissedWindow  = "missed processing window"
	reasonMissedRestart = "missed due to restart"
)

// Store is the slice of the job store the scheduler needs.
type Store interface {
	UpsertJob(ctx context.Context, job domain.ScheduledJob) error
	GetJob(ctx context.Context, eventID string) (domain.ScheduledJob, error)
	GetEvent(ctx context.Context, id string) (domain.Event, error)
	UpdateJobStatus(ctx context.Context, eventID string, status domain.JobStatus, errorMessage string) error
	UpdateEventStatus(ctx context.Context, id string, status domain.EventStatus) error
	GetJobsByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]sqlite.JobWithEvent, error)
}

// Processor executes the attendee-list pipeline for one event.
type Processor interface {
	Process(ctx context.Context, event domain.Event) (ProcessResult, error)
}

// ProcessResult is what a successful processing run reports back.
type ProcessResult struct {
	AttendeeCount int
}

// OutcomeHandler receives the result of each dispatch. The retry
// coordinator implements it.
type OutcomeHandler interface {
	OnSuccess(ctx context.Context, job domain.ScheduledJob, attendeeCount int) error
	OnFailure(ctx context.Context, job domain.ScheduledJob, procErr error) error
}

// Notifier publishes lifecycle notifications, best-effort.
type Notifier interface {
	Emit(ctx context.Context, n domain.NotificationEvent) error
}

type Config struct {
	// PreEventOffset is how long before an event's start the job fires.
	// Default: 30m.
	PreEventOffset time.Duration
	// GraceWindow is how long past its target time a job may still run
	// immediately instead of being abandoned. Default: 60m.
	GraceWindow time.Duration
}

// Scheduler owns the in-memory timer map. Invariant: a live timer exists
// iff the durable job status is active; fire and cancel paths re-check the
// durable status before acting.
type Scheduler struct {
	config    Config
	store     Store
	processor Processor
	outcomes  OutcomeHandler
	notifier  Notifier // optional, nil = disabled
	sink      metrics.Sink
	clock     func() time.Time

	mu      sync.Mutex
	timers  map[string]*time.Timer
	baseCtx context.Context

	wg sync.WaitGroup
}

func New(config Config, store Store, processor Processor, outcomes OutcomeHandler) *Scheduler {
	if config.PreEventOffset <= 0 {
		config.PreEventOffset = 30 * time.Minute
	}
	if config.GraceWindow <= 0 {
		config.GraceWindow = 60 * time.Minute
	}
	return &Scheduler{
		config:    config,
		store:     store,
		processor: processor,
		outcomes:  outcomes,
		sink:      metrics.NewNoopSink(),
		clock:     time.Now,
		timers:    make(map[string]*time.Timer),
		baseCtx:   context.Background(),
	}
}

// WithNotifier attaches the notification bus.
func (s *Scheduler) WithNotifier(n Notifier) *Scheduler {
	s.notifier = n
	return s
}

// WithMetrics attaches a metrics sink.
func (s *Scheduler) WithMetrics(sink metrics.Sink) *Scheduler {
	s.sink = sink
	return s
}

// WithClock overrides the time source for tests.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Start sets the context under which timer-fire dispatches run. Must be
// called before Recover.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseCtx = ctx
}

// Schedule arms processing for one event. Scheduling the same event twice
// is idempotent: the in-memory map is checked first, then the durable
// store — except during recovery, where durable rows legitimately exist
// without a live timer.
func (s *Scheduler) Schedule(ctx context.Context, ev domain.Event, fromRecovery bool) error {
	if !fromRecovery {
		if s.hasTimer(ev.ID) {
			return nil
		}
		if _, err := s.store.GetJob(ctx, ev.ID); err == nil {
			// A job row already exists; never schedule twice.
			return nil
		} else if !errors.Is(err, sqlite.ErrNotFound) {
			return fmt.Errorf("check existing job: %w", err)
		}
	}

	now := s.clock().UTC()
	target := ev.StartDate.Add(-s.config.PreEventOffset)

	switch {
	case target.After(now):
		job := domain.ScheduledJob{
			EventID:       ev.ID,
			EventName:     ev.Name,
			ScheduledTime: target,
			Status:        domain.JobStatusScheduled,
		}
		if err := s.store.UpsertJob(ctx, job); err != nil {
			return fmt.Errorf("persist job: %w", err)
		}
		s.armTimer(ev.ID, target.Sub(now))
		s.sink.JobScheduled()
		log.Printf("scheduler: event=%s scheduled for %s", ev.ID, target.Format(time.RFC3339))
		return nil

	case now.Sub(target) <= s.config.GraceWindow:
		// Late but within the grace window: run immediately.
		job := domain.ScheduledJob{
			EventID:       ev.ID,
			EventName:     ev.Name,
			ScheduledTime: target,
			Status:        domain.JobStatusProcessing,
		}
		if err := s.store.UpsertJob(ctx, job); err != nil {
			return fmt.Errorf("persist late job: %w", err)
		}
		s.sink.JobScheduled()
		log.Printf("scheduler: event=%s past target, dispatching late (grace window)", ev.ID)
		s.dispatchAsync(ev, job)
		return nil

	default:
		job := domain.ScheduledJob{
			EventID:       ev.ID,
			EventName:     ev.Name,
			ScheduledTime: target,
			Status:        domain.JobStatusFailed,
			ErrorMessage:  reasonMissedWindow,
		}
		if err := s.store.UpsertJob(ctx, job); err != nil {
			return fmt.Errorf("persist missed job: %w", err)
		}
		return s.markEventMissed(ctx, ev, reasonMissedWindow)
	}
}

// Recover repairs the timer map from durable state after a restart. Jobs
// whose deadline passed beyond the grace window are finalized as failed;
// everything else is re-armed or dispatched immediately.
func (s *Scheduler) Recover(ctx context.Context) error {
	s.CancelAll()

	rows, err := s.store.GetJobsByStatus(ctx,
		domain.JobStatusScheduled, domain.JobStatusProcessing, domain.JobStatusRetrying)
	if err != nil {
		return fmt.Errorf("load active jobs: %w", err)
	}

	now := s.clock().UTC()
	recovered, missed := 0, 0
	for _, row := range rows {
		job, ev := row.Job, row.Event

		switch {
		case now.Before(job.ScheduledTime):
			if err := s.Schedule(ctx, ev, true); err != nil {
				log.Printf("scheduler: recover event=%s: %v", ev.ID, err)
				continue
			}
			recovered++

		case now.Sub(job.ScheduledTime) <= s.config.GraceWindow:
			log.Printf("scheduler: recover event=%s late, dispatching (grace window)", ev.ID)
			if job.Status == domain.JobStatusProcessing {
				// Was mid-dispatch at crash time: already processing.
				s.dispatchAsync(ev, job)
			} else {
				s.fireAsync(ev.ID)
			}
			recovered++

		default:
			if err := s.store.UpdateJobStatus(ctx, ev.ID, domain.JobStatusFailed, reasonMissedRestart); err != nil && !errors.Is(err, sqlite.ErrStatusTransitionDenied) {
				log.Printf("scheduler: recover event=%s: %v", ev.ID, err)
				continue
			}
			if err := s.markEventMissed(ctx, ev, reasonMissedRestart); err != nil {
				log.Printf("scheduler: recover event=%s: %v", ev.ID, err)
			}
			missed++
		}
	}

	log.Printf("scheduler: recovery complete, recovered=%d missed=%d", recovered, missed)
	return nil
}

// Rearm arms a delayed re-dispatch for a job already marked retrying.
func (s *Scheduler) Rearm(eventID string, delay time.Duration) {
	s.armTimer(eventID, delay)
}

// CancelJob stops the pending timer and durably cancels the job and its
// event, so a restart cannot resurrect it.
func (s *Scheduler) CancelJob(ctx context.Context, eventID string) error {
	s.stopTimer(eventID)

	if err := s.store.UpdateJobStatus(ctx, eventID, domain.JobStatusCancelled, "cancelled by operator"); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if err := s.store.UpdateEventStatus(ctx, eventID, domain.EventStatusCancelled); err != nil {
		return fmt.Errorf("cancel event: %w", err)
	}
	s.sink.JobOutcome(metrics.OutcomeCancelled)
	log.Printf("scheduler: event=%s cancelled", eventID)
	return nil
}

// CancelAll discards every pending timer. Durable statuses are left
// untouched: on restart Recover re-arms them.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.sink.ActiveTimersUpdate(0)
}

// ActiveTimers returns the number of armed timers, for health reporting.
func (s *Scheduler) ActiveTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Wait blocks until all in-flight dispatches return. Shutdown calls this
// after CancelAll.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) hasTimer(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[eventID]
	return ok
}

func (s *Scheduler) armTimer(eventID string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.timers[eventID]; ok {
		old.Stop()
	}
	s.timers[eventID] = time.AfterFunc(delay, func() { s.fire(eventID) })
	s.sink.ActiveTimersUpdate(len(s.timers))
}

func (s *Scheduler) stopTimer(eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[eventID]; ok {
		timer.Stop()
		delete(s.timers, eventID)
	}
	s.sink.ActiveTimersUpdate(len(s.timers))
}

func (s *Scheduler) fireAsync(eventID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.fire(eventID)
	}()
}

// fire runs when a timer elapses. The event's durable status is re-read
// first: a cancellation requested after scheduling wins here, since the
// timer itself is not preemptible.
func (s *Scheduler) fire(eventID string) {
	s.stopTimer(eventID)

	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	ev, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		log.Printf("scheduler: fire event=%s: %v", eventID, err)
		return
	}
	if ev.Status == domain.EventStatusCancelled {
		if err := s.store.UpdateJobStatus(ctx, eventID, domain.JobStatusCancelled, "event cancelled before dispatch"); err != nil && !errors.Is(err, sqlite.ErrStatusTransitionDenied) {
			log.Printf("scheduler: fire event=%s: %v", eventID, err)
		}
		s.sink.JobOutcome(metrics.OutcomeCancelled)
		log.Printf("scheduler: event=%s cancelled before dispatch", eventID)
		return
	}

	if err := s.store.UpdateJobStatus(ctx, eventID, domain.JobStatusProcessing, ""); err != nil {
		if errors.Is(err, sqlite.ErrStatusTransitionDenied) {
			// Job reached a terminal state between arming and firing.
			log.Printf("scheduler: event=%s already terminal, skipping dispatch", eventID)
			return
		}
		log.Printf("scheduler: fire event=%s: %v", eventID, err)
		return
	}

	job, err := s.store.GetJob(ctx, eventID)
	if err != nil {
		log.Printf("scheduler: fire event=%s: %v", eventID, err)
		return
	}
	s.dispatch(ctx, ev, job)
}

func (s *Scheduler) dispatchAsync(ev domain.Event, job domain.ScheduledJob) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatch(ctx, ev, job)
	}()
}

func (s *Scheduler) dispatch(ctx context.Context, ev domain.Event, job domain.ScheduledJob) {
	log.Printf("scheduler: dispatching event=%s attempt=%d", ev.ID, job.RetryCount+1)

	result, err := s.processor.Process(ctx, ev)
	if err != nil {
		if herr := s.outcomes.OnFailure(ctx, job, err); herr != nil {
			log.Printf("scheduler: outcome event=%s: %v", ev.ID, herr)
		}
		return
	}
	if herr := s.outcomes.OnSuccess(ctx, job, result.AttendeeCount); herr != nil {
		log.Printf("scheduler: outcome event=%s: %v", ev.ID, herr)
	}
}

func (s *Scheduler) markEventMissed(ctx context.Context, ev domain.Event, reason string) error {
	if err := s.store.UpdateEventStatus(ctx, ev.ID, domain.EventStatusFailed); err != nil && !errors.Is(err, sqlite.ErrStatusTransitionDenied) {
		return fmt.Errorf("mark event failed: %w", err)
	}
	s.sink.JobOutcome(metrics.OutcomeMissed)
	s.notify(ctx, domain.NotificationEventFailed, map[string]any{
		"eventId":   ev.ID,
		"eventName": ev.Name,
		"reason":    reason,
	})
	log.Printf("scheduler: event=%s failed: %s", ev.ID, reason)
	return nil
}

func (s *Scheduler) notify(ctx context.Context, typ domain.NotificationType, data map[string]any) {
	if s.notifier == nil {
		return
	}
	n := domain.NotificationEvent{
		ID:        uuid.New(),
		Type:      typ,
		Timestamp: s.clock().UTC(),
		Data:      data,
	}
	if err := s.notifier.Emit(ctx, n); err != nil {
		log.Printf("scheduler: notification dropped type=%s: %v", typ, err)
		s.sink.EmitError()
	}
}
