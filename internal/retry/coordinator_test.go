package retry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/djlord-it/prelist/internal/domain"
	"github.com/djlord-it/prelist/internal/store/sqlite"
	"github.com/djlord-it/prelist/internal/testutil"
)

type mockStore struct {
	jobStatus    domain.JobStatus
	jobError     string
	eventStatus  domain.EventStatus
	retryingMsgs []string

	jobErr      error
	eventErr    error
	retryingErr error
}

func (m *mockStore) UpdateJobStatus(ctx context.Context, eventID string, status domain.JobStatus, errorMessage string) error {
	if m.jobErr != nil {
		return m.jobErr
	}
	m.jobStatus = status
	m.jobError = errorMessage
	return nil
}

func (m *mockStore) UpdateEventStatus(ctx context.Context, id string, status domain.EventStatus) error {
	if m.eventErr != nil {
		return m.eventErr
	}
	m.eventStatus = status
	return nil
}

func (m *mockStore) MarkJobRetrying(ctx context.Context, eventID string, errorMessage string) error {
	if m.retryingErr != nil {
		return m.retryingErr
	}
	m.retryingMsgs = append(m.retryingMsgs, errorMessage)
	return nil
}

type mockRearmer struct {
	eventIDs []string
	delays   []time.Duration
}

func (m *mockRearmer) Rearm(eventID string, delay time.Duration) {
	m.eventIDs = append(m.eventIDs, eventID)
	m.delays = append(m.delays, delay)
}

type mockNotifier struct {
	emitted []domain.NotificationEvent
}

func (m *mockNotifier) Emit(ctx context.Context, n domain.NotificationEvent) error {
	m.emitted = append(m.emitted, n)
	return nil
}

func testJob(retryCount int) domain.ScheduledJob {
	return domain.ScheduledJob{
		EventID:       "ev-1",
		EventName:     "Spring Gala",
		ScheduledTime: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Status:        domain.JobStatusProcessing,
		RetryCount:    retryCount,
	}
}

func newTestCoordinator(store *mockStore) (*Coordinator, *mockRearmer, *mockNotifier) {
	rearmer := &mockRearmer{}
	notifier := &mockNotifier{}
	clock := testutil.NewFakeClock(time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC))
	c := New(store, 3, 5*time.Minute).
		WithNotifier(notifier).
		WithClock(clock.Now)
	c.SetRearmer(rearmer)
	return c, rearmer, notifier
}

func TestOnSuccess(t *testing.T) {
	store := &mockStore{}
	c, _, notifier := newTestCoordinator(store)

	if err := c.OnSuccess(testutil.TestContext(t), testJob(1), 42); err != nil {
		t.Fatalf("OnSuccess: %v", err)
	}

	if store.jobStatus != domain.JobStatusCompleted {
		t.Errorf("job status = %s, want completed", store.jobStatus)
	}
	if store.eventStatus != domain.EventStatusProcessed {
		t.Errorf("event status = %s, want processed", store.eventStatus)
	}
	if len(notifier.emitted) != 1 || notifier.emitted[0].Type != domain.NotificationEventProcessed {
		t.Fatalf("emitted = %+v, want one event.processed", notifier.emitted)
	}
	if got := notifier.emitted[0].Data["attendeeCount"]; got != 42 {
		t.Errorf("attendeeCount = %v, want 42", got)
	}
}

func TestOnSuccess_ReplayIgnored(t *testing.T) {
	store := &mockStore{jobErr: sqlite.ErrStatusTransitionDenied}
	c, _, notifier := newTestCoordinator(store)

	if err := c.OnSuccess(testutil.TestContext(t), testJob(0), 1); err != nil {
		t.Fatalf("replayed success must be a no-op, got %v", err)
	}
	if store.eventStatus != "" {
		t.Errorf("event status updated on replay: %s", store.eventStatus)
	}
	if len(notifier.emitted) != 0 {
		t.Errorf("notification emitted on replay")
	}
}

func TestOnFailure_BackoffSequence(t *testing.T) {
	store := &mockStore{}
	c, rearmer, notifier := newTestCoordinator(store)
	ctx := testutil.TestContext(t)

	procErr := errors.New("processor unavailable")

	// Attempt 1 (retryCount 0): retry after baseDelay.
	if err := c.OnFailure(ctx, testJob(0), procErr); err != nil {
		t.Fatalf("attempt 1: %v", err)
	}
	// Attempt 2 (retryCount 1): retry after baseDelay×2.
	if err := c.OnFailure(ctx, testJob(1), procErr); err != nil {
		t.Fatalf("attempt 2: %v", err)
	}

	want := []time.Duration{5 * time.Minute, 10 * time.Minute}
	if len(rearmer.delays) != len(want) {
		t.Fatalf("rearm count = %d, want %d", len(rearmer.delays), len(want))
	}
	for i, d := range want {
		if rearmer.delays[i] != d {
			t.Errorf("delay[%d] = %s, want %s", i, rearmer.delays[i], d)
		}
	}
	if len(store.retryingMsgs) != 2 {
		t.Errorf("MarkJobRetrying calls = %d, want 2", len(store.retryingMsgs))
	}
	for _, n := range notifier.emitted {
		if n.Type != domain.NotificationJobRetrying {
			t.Errorf("notification type = %s, want job.retrying", n.Type)
		}
	}
}

func TestOnFailure_PermanentAtMaxAttempts(t *testing.T) {
	store := &mockStore{}
	c, rearmer, notifier := newTestCoordinator(store)

	// retryCount 2 means this is attempt 3 of maxAttempts 3.
	err := c.OnFailure(testutil.TestContext(t), testJob(2), errors.New("still down"))
	if err != nil {
		t.Fatalf("OnFailure: %v", err)
	}

	if store.jobStatus != domain.JobStatusFailed {
		t.Errorf("job status = %s, want failed", store.jobStatus)
	}
	if !strings.Contains(store.jobError, "permanent failure after 3 attempts") {
		t.Errorf("job error = %q, want permanent failure message", store.jobError)
	}
	if store.eventStatus != domain.EventStatusFailed {
		t.Errorf("event status = %s, want failed", store.eventStatus)
	}
	if len(rearmer.delays) != 0 {
		t.Error("no timer may be armed after permanent failure")
	}
	if len(notifier.emitted) != 1 || notifier.emitted[0].Type != domain.NotificationJobPermanentFailure {
		t.Fatalf("emitted = %+v, want one job.permanent_failure", notifier.emitted)
	}
}

type mockRecorder struct {
	eventIDs []string
	statuses []domain.JobStatus
	err      error
}

func (m *mockRecorder) RecordOutcome(ctx context.Context, eventID string, status domain.JobStatus, at time.Time) error {
	m.eventIDs = append(m.eventIDs, eventID)
	m.statuses = append(m.statuses, status)
	return m.err
}

func TestOutcomesRecordedForAnalytics(t *testing.T) {
	store := &mockStore{}
	rec := &mockRecorder{}
	c, _, _ := newTestCoordinator(store)
	c.WithAnalytics(rec)
	ctx := testutil.TestContext(t)

	if err := c.OnSuccess(ctx, testJob(0), 7); err != nil {
		t.Fatalf("OnSuccess: %v", err)
	}
	if err := c.OnFailure(ctx, testJob(2), errors.New("still down")); err != nil {
		t.Fatalf("OnFailure: %v", err)
	}

	wantStatuses := []domain.JobStatus{domain.JobStatusCompleted, domain.JobStatusFailed}
	if len(rec.statuses) != 2 || rec.statuses[0] != wantStatuses[0] || rec.statuses[1] != wantStatuses[1] {
		t.Errorf("recorded = %v, want %v", rec.statuses, wantStatuses)
	}
}

func TestAnalyticsErrorDoesNotFailOutcome(t *testing.T) {
	store := &mockStore{}
	c, _, _ := newTestCoordinator(store)
	c.WithAnalytics(&mockRecorder{err: errors.New("redis down")})

	if err := c.OnSuccess(testutil.TestContext(t), testJob(0), 1); err != nil {
		t.Fatalf("analytics failure must not surface: %v", err)
	}
	if store.jobStatus != domain.JobStatusCompleted {
		t.Errorf("job status = %s, want completed", store.jobStatus)
	}
}

func TestOnFailure_ReplayIgnored(t *testing.T) {
	store := &mockStore{retryingErr: sqlite.ErrStatusTransitionDenied}
	c, rearmer, _ := newTestCoordinator(store)

	if err := c.OnFailure(testutil.TestContext(t), testJob(0), errors.New("x")); err != nil {
		t.Fatalf("replayed failure must be a no-op, got %v", err)
	}
	if len(rearmer.delays) != 0 {
		t.Error("rearm called for replayed failure")
	}
}
