package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/djlord-it/prelist/internal/cron"
	"github.com/djlord-it/prelist/internal/domain"
	"github.com/djlord-it/prelist/internal/metrics"
)

// Store is the slice of the job store the fetcher needs.
type Store interface {
	UpsertEvent(ctx context.Context, ev domain.Event) error
	GetEvent(ctx context.Context, id string) (domain.Event, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Scheduler arms processing for discovered events.
type Scheduler interface {
	Schedule(ctx context.Context, ev domain.Event, fromRecovery bool) error
}

type Config struct {
	// WindowHours is how far ahead each fetch looks. Default: 72.
	WindowHours int
	// Interval is the tick between fetch cycles when no cron schedule is
	// set. Default: 1h.
	Interval time.Duration
	// CronSchedule, when non-nil, overrides Interval.
	CronSchedule cron.Schedule
	// CleanupAfter is the retention window for terminal events. Default:
	// 30 days.
	CleanupAfter time.Duration
}

// Fetcher drives the periodic discovery loop: pull the upcoming window,
// persist new events, schedule the pending ones, and once a day drop
// terminal events past retention.
type Fetcher struct {
	config    Config
	source    EventSource
	store     Store
	scheduler Scheduler
	sink      metrics.Sink
	clock     func() time.Time
}

func New(config Config, source EventSource, store Store, scheduler Scheduler) *Fetcher {
	if config.WindowHours <= 0 {
		config.WindowHours = 72
	}
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	if config.CleanupAfter <= 0 {
		config.CleanupAfter = 30 * 24 * time.Hour
	}
	return &Fetcher{
		config:    config,
		source:    source,
		store:     store,
		scheduler: scheduler,
		sink:      metrics.NewNoopSink(),
		clock:     time.Now,
	}
}

// WithMetrics attaches a metrics sink.
func (f *Fetcher) WithMetrics(sink metrics.Sink) *Fetcher {
	f.sink = sink
	return f
}

// WithClock overrides the time source for tests.
func (f *Fetcher) WithClock(clock func() time.Time) *Fetcher {
	f.clock = clock
	return f
}

// Run executes one fetch cycle immediately, then repeats per the
// configured schedule until the context is cancelled. A daily cleanup
// removes terminal events past retention.
func (f *Fetcher) Run(ctx context.Context) error {
	if f.config.CronSchedule != nil {
		log.Printf("fetcher: started, cron schedule, window=%dh", f.config.WindowHours)
	} else {
		log.Printf("fetcher: started, interval=%s window=%dh", f.config.Interval, f.config.WindowHours)
	}

	if err := f.RunCycle(ctx); err != nil {
		log.Printf("fetcher: cycle error: %v", err)
	}

	cleanup := time.NewTicker(24 * time.Hour)
	defer cleanup.Stop()

	for {
		wait := f.nextWait()
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			log.Println("fetcher: stopped")
			return ctx.Err()
		case <-cleanup.C:
			timer.Stop()
			f.runCleanup(ctx)
		case <-timer.C:
			if err := f.RunCycle(ctx); err != nil {
				log.Printf("fetcher: cycle error: %v", err)
			}
		}
	}
}

// RunCycle performs one discovery pass. Exposed so startup can run a
// synchronous first pass before the loop.
func (f *Fetcher) RunCycle(ctx context.Context) error {
	start := f.clock()
	f.sink.FetchStarted()

	events, err := f.source.GetUpcomingEvents(ctx, f.config.WindowHours)
	f.sink.FetchCompleted(time.Since(start), len(events), err)
	if err != nil {
		if errors.Is(err, ErrSourceUnavailable) {
			return err
		}
		return fmt.Errorf("fetch upcoming: %w", err)
	}

	scheduled := 0
	for _, ev := range events {
		if err := f.processEvent(ctx, ev); err != nil {
			log.Printf("fetcher: event=%s: %v", ev.ID, err)
			continue
		}
		scheduled++
	}
	log.Printf("fetcher: cycle complete, fetched=%d processed=%d", len(events), scheduled)
	return nil
}

func (f *Fetcher) processEvent(ctx context.Context, ev domain.Event) error {
	if err := f.store.UpsertEvent(ctx, ev); err != nil {
		return fmt.Errorf("persist event: %w", err)
	}

	// Re-read: the upsert never touches status, so a previously terminal
	// or cancelled event stays that way and must not be rescheduled.
	durable, err := f.store.GetEvent(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("read back event: %w", err)
	}
	if durable.Status != domain.EventStatusPending {
		return nil
	}
	return f.scheduler.Schedule(ctx, durable, false)
}

func (f *Fetcher) runCleanup(ctx context.Context) {
	cutoff := f.clock().UTC().Add(-f.config.CleanupAfter)
	n, err := f.store.DeleteExpired(ctx, cutoff)
	if err != nil {
		log.Printf("fetcher: cleanup error: %v", err)
		return
	}
	if n > 0 {
		log.Printf("fetcher: cleanup removed %d expired events", n)
	}
}

func (f *Fetcher) nextWait() time.Duration {
	if f.config.CronSchedule == nil {
		return f.config.Interval
	}
	now := f.clock().UTC()
	next := f.config.CronSchedule.Next(now)
	if next.IsZero() || !next.After(now) {
		return f.config.Interval
	}
	return next.Sub(now)
}
