package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/djlord-it/prelist/internal/domain"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEvent(id string, start time.Time) domain.Event {
	return domain.Event{
		ID:        id,
		Name:      "Club Night " + id,
		StartDate: start,
		Status:    domain.EventStatusPending,
	}
}

func mustUpsertEvent(t *testing.T, s *Store, ev domain.Event) {
	t.Helper()
	if err := s.UpsertEvent(context.Background(), ev); err != nil {
		t.Fatalf("upsert event: %v", err)
	}
}

func mustUpsertJob(t *testing.T, s *Store, job domain.ScheduledJob) {
	t.Helper()
	if err := s.UpsertJob(context.Background(), job); err != nil {
		t.Fatalf("upsert job: %v", err)
	}
}

func TestUpsertEvent_InsertAndRefresh(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 19, 0, 0, 0, time.UTC)

	mustUpsertEvent(t, s, testEvent("ev-1", start))

	got, err := s.GetEvent(ctx, "ev-1")
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if got.Status != domain.EventStatusPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}

	// Re-discovery updates name and start date but never status.
	if err := s.UpdateEventStatus(ctx, "ev-1", domain.EventStatusProcessed); err != nil {
		t.Fatalf("update status: %v", err)
	}
	renamed := testEvent("ev-1", start.Add(time.Hour))
	renamed.Name = "Renamed Night"
	mustUpsertEvent(t, s, renamed)

	got, err = s.GetEvent(ctx, "ev-1")
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if got.Name != "Renamed Night" {
		t.Errorf("Name = %q, want Renamed Night", got.Name)
	}
	if !got.StartDate.Equal(start.Add(time.Hour)) {
		t.Errorf("StartDate = %s, want %s", got.StartDate, start.Add(time.Hour))
	}
	if got.Status != domain.EventStatusProcessed {
		t.Errorf("Status = %s, upsert must not reset a terminal status", got.Status)
	}
}

func TestGetEvent_NotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.GetEvent(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateEventStatus_TerminalGuard(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	mustUpsertEvent(t, s, testEvent("ev-1", time.Now().Add(time.Hour)))

	if err := s.UpdateEventStatus(ctx, "ev-1", domain.EventStatusFailed); err != nil {
		t.Fatalf("pending→failed: %v", err)
	}
	err := s.UpdateEventStatus(ctx, "ev-1", domain.EventStatusProcessed)
	if !errors.Is(err, ErrStatusTransitionDenied) {
		t.Fatalf("expected ErrStatusTransitionDenied, got %v", err)
	}

	err = s.UpdateEventStatus(ctx, "missing", domain.EventStatusFailed)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertJob_OneRowPerEvent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	start := time.Now().Add(2 * time.Hour).UTC()
	mustUpsertEvent(t, s, testEvent("ev-1", start))

	job := domain.ScheduledJob{
		EventID:       "ev-1",
		EventName:     "Club Night ev-1",
		ScheduledTime: start.Add(-30 * time.Minute),
		Status:        domain.JobStatusScheduled,
	}
	mustUpsertJob(t, s, job)

	// Second upsert replaces the row instead of adding one.
	job.ScheduledTime = start.Add(-45 * time.Minute)
	mustUpsertJob(t, s, job)

	counts, err := s.CountJobsByStatus(ctx)
	if err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if counts[domain.JobStatusScheduled] != 1 {
		t.Errorf("scheduled count = %d, want 1", counts[domain.JobStatusScheduled])
	}

	got, err := s.GetJob(ctx, "ev-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if !got.ScheduledTime.Equal(start.Add(-45 * time.Minute)) {
		t.Errorf("ScheduledTime = %s, want %s", got.ScheduledTime, start.Add(-45*time.Minute))
	}
}

func TestUpdateJobStatus_StateMachine(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	start := time.Now().Add(2 * time.Hour).UTC()
	mustUpsertEvent(t, s, testEvent("ev-1", start))
	mustUpsertJob(t, s, domain.ScheduledJob{
		EventID:       "ev-1",
		EventName:     "Club Night ev-1",
		ScheduledTime: start.Add(-30 * time.Minute),
		Status:        domain.JobStatusScheduled,
	})

	// scheduled → completed skips processing and must be denied.
	err := s.UpdateJobStatus(ctx, "ev-1", domain.JobStatusCompleted, "")
	if !errors.Is(err, ErrStatusTransitionDenied) {
		t.Fatalf("expected ErrStatusTransitionDenied, got %v", err)
	}

	if err := s.UpdateJobStatus(ctx, "ev-1", domain.JobStatusProcessing, ""); err != nil {
		t.Fatalf("scheduled→processing: %v", err)
	}
	if err := s.UpdateJobStatus(ctx, "ev-1", domain.JobStatusCompleted, ""); err != nil {
		t.Fatalf("processing→completed: %v", err)
	}

	// Terminal: nothing moves it again.
	err = s.UpdateJobStatus(ctx, "ev-1", domain.JobStatusProcessing, "")
	if !errors.Is(err, ErrStatusTransitionDenied) {
		t.Fatalf("expected ErrStatusTransitionDenied after completion, got %v", err)
	}
}

func TestUpdateJobStatus_RecordsErrorMessage(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	start := time.Now().Add(time.Hour).UTC()
	mustUpsertEvent(t, s, testEvent("ev-1", start))
	mustUpsertJob(t, s, domain.ScheduledJob{
		EventID:       "ev-1",
		EventName:     "Club Night ev-1",
		ScheduledTime: start.Add(-30 * time.Minute),
		Status:        domain.JobStatusScheduled,
	})

	if err := s.UpdateJobStatus(ctx, "ev-1", domain.JobStatusFailed, "missed processing window"); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetJob(ctx, "ev-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.ErrorMessage != "missed processing window" {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}
}

func TestMarkJobRetrying_IncrementsCount(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	start := time.Now().Add(time.Hour).UTC()
	mustUpsertEvent(t, s, testEvent("ev-1", start))
	mustUpsertJob(t, s, domain.ScheduledJob{
		EventID:       "ev-1",
		EventName:     "Club Night ev-1",
		ScheduledTime: start.Add(-30 * time.Minute),
		Status:        domain.JobStatusScheduled,
	})

	if err := s.UpdateJobStatus(ctx, "ev-1", domain.JobStatusProcessing, ""); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	if err := s.MarkJobRetrying(ctx, "ev-1", "processor timeout"); err != nil {
		t.Fatalf("mark retrying: %v", err)
	}

	got, err := s.GetJob(ctx, "ev-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != domain.JobStatusRetrying {
		t.Errorf("Status = %s, want retrying", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", got.RetryCount)
	}
	if got.ErrorMessage != "processor timeout" {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}

	// Only a processing job may move to retrying.
	err = s.MarkJobRetrying(ctx, "ev-1", "again")
	if !errors.Is(err, ErrStatusTransitionDenied) {
		t.Fatalf("expected ErrStatusTransitionDenied, got %v", err)
	}
}

func TestGetJobsByStatus_JoinsEvents(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	start := time.Now().Add(3 * time.Hour).UTC().Truncate(time.Second)

	for _, id := range []string{"ev-1", "ev-2", "ev-3"} {
		mustUpsertEvent(t, s, testEvent(id, start))
		mustUpsertJob(t, s, domain.ScheduledJob{
			EventID:       id,
			EventName:     "Club Night " + id,
			ScheduledTime: start.Add(-30 * time.Minute),
			Status:        domain.JobStatusScheduled,
		})
	}
	if err := s.UpdateJobStatus(ctx, "ev-2", domain.JobStatusProcessing, ""); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	if err := s.UpdateJobStatus(ctx, "ev-3", domain.JobStatusCancelled, ""); err != nil {
		t.Fatalf("to cancelled: %v", err)
	}

	jobs, err := s.GetJobsByStatus(ctx, domain.JobStatusScheduled, domain.JobStatusProcessing)
	if err != nil {
		t.Fatalf("get jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("len(jobs) = %d, want 2", len(jobs))
	}
	for _, jwe := range jobs {
		if jwe.Event.ID != jwe.Job.EventID {
			t.Errorf("event %s joined to job %s", jwe.Event.ID, jwe.Job.EventID)
		}
		if !jwe.Event.StartDate.Equal(start) {
			t.Errorf("StartDate = %s, want %s", jwe.Event.StartDate, start)
		}
	}
}

func TestUpcomingAndRecentJobs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Now().Add(2 * time.Hour).UTC()

	for i, id := range []string{"ev-1", "ev-2", "ev-3"} {
		mustUpsertEvent(t, s, testEvent(id, base.Add(time.Duration(i)*time.Hour)))
		mustUpsertJob(t, s, domain.ScheduledJob{
			EventID:       id,
			EventName:     "Club Night " + id,
			ScheduledTime: base.Add(time.Duration(i)*time.Hour - 30*time.Minute),
			Status:        domain.JobStatusScheduled,
		})
	}

	upcoming, err := s.UpcomingJobs(ctx, 2)
	if err != nil {
		t.Fatalf("upcoming: %v", err)
	}
	if len(upcoming) != 2 {
		t.Fatalf("len(upcoming) = %d, want 2", len(upcoming))
	}
	if upcoming[0].EventID != "ev-1" {
		t.Errorf("first upcoming = %s, want ev-1 (soonest)", upcoming[0].EventID)
	}

	recent, err := s.RecentJobs(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 3 {
		t.Errorf("len(recent) = %d, want 3", len(recent))
	}
}

func TestListEventsByStatus_OrderedAndLimited(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Now().Add(2 * time.Hour).UTC()

	// Inserted out of start-date order on purpose.
	mustUpsertEvent(t, s, testEvent("ev-2", base.Add(2*time.Hour)))
	mustUpsertEvent(t, s, testEvent("ev-1", base))
	mustUpsertEvent(t, s, testEvent("ev-3", base.Add(4*time.Hour)))
	if err := s.UpdateEventStatus(ctx, "ev-3", domain.EventStatusCancelled); err != nil {
		t.Fatalf("cancel ev-3: %v", err)
	}

	pending, err := s.ListEventsByStatus(ctx, domain.EventStatusPending, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("len(pending) = %d, want 2", len(pending))
	}
	if pending[0].ID != "ev-1" || pending[1].ID != "ev-2" {
		t.Errorf("order = %s, %s, want ev-1, ev-2 (start date ascending)", pending[0].ID, pending[1].ID)
	}

	limited, err := s.ListEventsByStatus(ctx, domain.EventStatusPending, 1)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "ev-1" {
		t.Errorf("limited = %+v, want just ev-1", limited)
	}

	cancelled, err := s.ListEventsByStatus(ctx, domain.EventStatusCancelled, 10)
	if err != nil {
		t.Fatalf("list cancelled: %v", err)
	}
	if len(cancelled) != 1 || cancelled[0].ID != "ev-3" {
		t.Errorf("cancelled = %+v, want just ev-3", cancelled)
	}
}

func TestDeleteExpired_RemovesTerminalEventsAndJobs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	old := time.Now().Add(-40 * 24 * time.Hour).UTC()
	fresh := time.Now().Add(time.Hour).UTC()

	mustUpsertEvent(t, s, testEvent("old-done", old))
	mustUpsertJob(t, s, domain.ScheduledJob{
		EventID: "old-done", EventName: "x", ScheduledTime: old, Status: domain.JobStatusCompleted,
	})
	if err := s.UpdateEventStatus(ctx, "old-done", domain.EventStatusProcessed); err != nil {
		t.Fatalf("update: %v", err)
	}

	// Old but still pending: retention must not touch it.
	mustUpsertEvent(t, s, testEvent("old-pending", old))
	mustUpsertEvent(t, s, testEvent("fresh", fresh))

	deleted, err := s.DeleteExpired(ctx, time.Now().Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	if _, err := s.GetEvent(ctx, "old-done"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old-done should be gone, got %v", err)
	}
	if _, err := s.GetJob(ctx, "old-done"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old-done job should be gone, got %v", err)
	}
	if _, err := s.GetEvent(ctx, "old-pending"); err != nil {
		t.Errorf("old-pending should remain: %v", err)
	}
	if _, err := s.GetEvent(ctx, "fresh"); err != nil {
		t.Errorf("fresh should remain: %v", err)
	}
}

func TestIsBusyError(t *testing.T) {
	if !isBusyError(errors.New("SQLITE_BUSY: database is locked (5)")) {
		t.Error("busy error not detected")
	}
	if isBusyError(errors.New("no such table: events")) {
		t.Error("structural error misclassified as busy")
	}
	if isBusyError(nil) {
		t.Error("nil misclassified")
	}
}
