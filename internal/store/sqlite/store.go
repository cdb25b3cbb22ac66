// Package sqlite implements the durable job store on an embedded SQLite
// database. The scheduled_jobs table is the source of truth for crash
// recovery: every status transition is written before it is acted upon.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/djlord-it/prelist/internal/domain"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrStatusTransitionDenied is returned when a status update would
	// violate the job or event state machine (including regressions from
	// terminal states). This guarantees idempotency on replayed dispatches.
	ErrStatusTransitionDenied = errors.New("store: status transition denied")
)

// Options tunes the store; zero values get sensible defaults.
type Options struct {
	// OpTimeout bounds each store operation. Default: 5s.
	OpTimeout time.Duration
	// BusyRetries is the number of re-attempts on SQLITE_BUSY. Default: 5.
	BusyRetries int
}

// Store implements the durable event/job tables over database/sql.
type Store struct {
	db          *sql.DB
	opTimeout   time.Duration
	busyRetries int
	clock       func() time.Time
}

// Open opens (creating if needed) the SQLite database at path, applies
// pragmas and runs pending migrations.
func Open(path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store: database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// SQLite prefers a single writer; the busy-retry wrapper absorbs the
	// remaining contention with concurrent readers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")

	s := New(db, opts)
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle. Callers that use New instead of
// Open must run Migrate themselves.
func New(db *sql.DB, opts Options) *Store {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 5 * time.Second
	}
	if opts.BusyRetries <= 0 {
		opts.BusyRetries = 5
	}
	return &Store{
		db:          db,
		opTimeout:   opts.OpTimeout,
		busyRetries: opts.BusyRetries,
		clock:       time.Now,
	}
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// JobWithEvent pairs a job row with its event row, as recovery and the
// scheduler need both the deadline and the event's start date.
type JobWithEvent struct {
	Job   domain.ScheduledJob
	Event domain.Event
}

// UpsertEvent inserts an event or refreshes name/start date on conflict.
// Status is never touched by the upsert; discovery must not resurrect a
// terminal event.
func (s *Store) UpsertEvent(ctx context.Context, ev domain.Event) error {
	now := s.clock().UTC()
	return s.withBusyRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, queryUpsertEvent,
			ev.ID, ev.Name, ev.StartDate.UTC(), string(domain.EventStatusPending), now, now)
		return err
	})
}

// GetEvent returns the event with the given upstream ID.
func (s *Store) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	var ev domain.Event
	err := s.withBusyRetry(ctx, func(ctx context.Context) error {
		var status string
		err := s.db.QueryRowContext(ctx, queryGetEvent, id).Scan(
			&ev.ID, &ev.Name, &ev.StartDate, &status, &ev.CreatedAt, &ev.UpdatedAt)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		ev.Status = domain.EventStatus(status)
		return nil
	})
	return ev, err
}

// UpdateEventStatus moves an event to a new status. The transition guard is
// evaluated inside the UPDATE's WHERE clause, so readers never observe a
// half-applied transition.
func (s *Store) UpdateEventStatus(ctx context.Context, id string, status domain.EventStatus) error {
	froms := allowedEventSources(status)
	if len(froms) == 0 {
		return ErrStatusTransitionDenied
	}
	return s.withBusyRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf(queryUpdateEventStatus, placeholders(len(froms))),
			append([]any{string(status), s.clock().UTC(), id}, froms...)...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var current string
			err := s.db.QueryRowContext(ctx, queryGetEventStatus, id).Scan(&current)
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			return ErrStatusTransitionDenied
		}
		return nil
	})
}

// UpsertJob inserts a job row or reschedules the existing one for the
// event. At most one row ever exists per event.
func (s *Store) UpsertJob(ctx context.Context, job domain.ScheduledJob) error {
	now := s.clock().UTC()
	return s.withBusyRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, queryUpsertJob,
			job.EventID, job.EventName, job.ScheduledTime.UTC(), string(job.Status),
			job.RetryCount, nullable(job.ErrorMessage), now, now)
		return err
	})
}

// GetJob returns the job row for an event.
func (s *Store) GetJob(ctx context.Context, eventID string) (domain.ScheduledJob, error) {
	var job domain.ScheduledJob
	err := s.withBusyRetry(ctx, func(ctx context.Context) error {
		got, err := scanJob(s.db.QueryRowContext(ctx, queryGetJob, eventID))
		if err != nil {
			return err
		}
		job = got
		return nil
	})
	return job, err
}

// UpdateJobStatus moves a job to a new status, optionally recording a
// human-readable error message. Invalid transitions are rejected with
// ErrStatusTransitionDenied via the same guarded-UPDATE pattern as events.
func (s *Store) UpdateJobStatus(ctx context.Context, eventID string, status domain.JobStatus, errorMessage string) error {
	froms := allowedJobSources(status)
	if len(froms) == 0 {
		return ErrStatusTransitionDenied
	}
	return s.withBusyRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf(queryUpdateJobStatus, placeholders(len(froms))),
			append([]any{string(status), nullable(errorMessage), s.clock().UTC(), eventID}, froms...)...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var current string
			err := s.db.QueryRowContext(ctx, queryGetJobStatus, eventID).Scan(&current)
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			return ErrStatusTransitionDenied
		}
		return nil
	})
}

// MarkJobRetrying atomically increments retry_count and moves the job from
// processing to retrying, recording the failure message.
func (s *Store) MarkJobRetrying(ctx context.Context, eventID string, errorMessage string) error {
	return s.withBusyRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, queryMarkJobRetrying,
			nullable(errorMessage), s.clock().UTC(), eventID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var current string
			err := s.db.QueryRowContext(ctx, queryGetJobStatus, eventID).Scan(&current)
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			return ErrStatusTransitionDenied
		}
		return nil
	})
}

// GetJobsByStatus returns jobs (with their events) in any of the given
// statuses, ordered by scheduled_time. Recovery uses this at startup.
func (s *Store) GetJobsByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]JobWithEvent, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	var result []JobWithEvent
	err := s.withBusyRetry(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx,
			fmt.Sprintf(queryGetJobsByStatus, placeholders(len(statuses))), args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		result = result[:0]
		for rows.Next() {
			var jwe JobWithEvent
			var jobStatus, eventStatus string
			var errMsg sql.NullString
			err := rows.Scan(
				&jwe.Job.EventID, &jwe.Job.EventName, &jwe.Job.ScheduledTime,
				&jobStatus, &jwe.Job.RetryCount, &errMsg,
				&jwe.Job.CreatedAt, &jwe.Job.UpdatedAt,
				&jwe.Event.ID, &jwe.Event.Name, &jwe.Event.StartDate,
				&eventStatus, &jwe.Event.CreatedAt, &jwe.Event.UpdatedAt,
			)
			if err != nil {
				return err
			}
			jwe.Job.Status = domain.JobStatus(jobStatus)
			jwe.Job.ErrorMessage = errMsg.String
			jwe.Event.Status = domain.EventStatus(eventStatus)
			result = append(result, jwe)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListEventsByStatus returns events in the given status ordered by start
// date.
func (s *Store) ListEventsByStatus(ctx context.Context, status domain.EventStatus, limit int) ([]domain.Event, error) {
	var result []domain.Event
	err := s.withBusyRetry(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, queryListEventsByStatus, string(status), limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		result = result[:0]
		for rows.Next() {
			var ev domain.Event
			var st string
			if err := rows.Scan(&ev.ID, &ev.Name, &ev.StartDate, &st, &ev.CreatedAt, &ev.UpdatedAt); err != nil {
				return err
			}
			ev.Status = domain.EventStatus(st)
			result = append(result, ev)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CountEventsByStatus returns event counts keyed by status.
func (s *Store) CountEventsByStatus(ctx context.Context) (map[domain.EventStatus]int, error) {
	counts := make(map[domain.EventStatus]int)
	err := s.withBusyRetry(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, queryCountEventsByStatus)
		if err != nil {
			return err
		}
		defer rows.Close()

		clear(counts)
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			counts[domain.EventStatus(status)] = n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// CountJobsByStatus returns job counts keyed by status.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	counts := make(map[domain.JobStatus]int)
	err := s.withBusyRetry(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, queryCountJobsByStatus)
		if err != nil {
			return err
		}
		defer rows.Close()

		clear(counts)
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			counts[domain.JobStatus(status)] = n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// UpcomingJobs returns scheduled jobs ordered by fire time.
func (s *Store) UpcomingJobs(ctx context.Context, limit int) ([]domain.ScheduledJob, error) {
	return s.listJobs(ctx, queryUpcomingJobs, string(domain.JobStatusScheduled), limit)
}

// RecentJobs returns the most recently updated jobs, newest first.
func (s *Store) RecentJobs(ctx context.Context, limit int) ([]domain.ScheduledJob, error) {
	return s.listJobs(ctx, queryRecentJobs, nil, limit)
}

func (s *Store) listJobs(ctx context.Context, query string, statusArg any, limit int) ([]domain.ScheduledJob, error) {
	args := []any{limit}
	if statusArg != nil {
		args = []any{statusArg, limit}
	}

	var result []domain.ScheduledJob
	err := s.withBusyRetry(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		result = result[:0]
		for rows.Next() {
			job, err := scanJobRows(rows)
			if err != nil {
				return err
			}
			result = append(result, job)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteExpired removes terminal events whose start date is older than the
// cutoff, together with their orphaned job rows, in one transaction.
// Returns the number of events removed.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	err := s.withBusyRetry(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, queryDeleteExpiredJobs, before.UTC()); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, queryDeleteExpiredEvents, before.UTC())
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.ScheduledJob, error) {
	var job domain.ScheduledJob
	var status string
	var errMsg sql.NullString
	err := row.Scan(
		&job.EventID, &job.EventName, &job.ScheduledTime, &status,
		&job.RetryCount, &errMsg, &job.CreatedAt, &job.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return domain.ScheduledJob{}, ErrNotFound
	}
	if err != nil {
		return domain.ScheduledJob{}, err
	}
	job.Status = domain.JobStatus(status)
	job.ErrorMessage = errMsg.String
	return job, nil
}

func scanJobRows(rows *sql.Rows) (domain.ScheduledJob, error) {
	return scanJob(rows)
}

// allowedJobSources lists the statuses a job may legally transition to the
// target from, per the domain state machine.
func allowedJobSources(to domain.JobStatus) []any {
	all := []domain.JobStatus{
		domain.JobStatusScheduled, domain.JobStatusProcessing, domain.JobStatusRetrying,
		domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled,
	}
	var froms []any
	for _, from := range all {
		if domain.ValidJobTransition(from, to) {
			froms = append(froms, string(from))
		}
	}
	return froms
}

func allowedEventSources(to domain.EventStatus) []any {
	all := []domain.EventStatus{
		domain.EventStatusPending, domain.EventStatusProcessed,
		domain.EventStatusFailed, domain.EventStatusCancelled,
	}
	var froms []any
	for _, from := range all {
		if domain.ValidEventTransition(from, to) {
			froms = append(froms, string(from))
		}
	}
	return froms
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
