package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/prelist/internal/domain"
)

type mockDeliverer struct {
	mu   sync.Mutex
	sent []domain.NotificationEvent
	err  error
}

func (m *mockDeliverer) Send(ctx context.Context, n domain.NotificationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	return m.err
}

func (m *mockDeliverer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func notification(typ domain.NotificationType) domain.NotificationEvent {
	return domain.NotificationEvent{ID: uuid.New(), Type: typ, Timestamp: time.Now().UTC()}
}

func TestWorker_DeliversFromChannel(t *testing.T) {
	deliverer := &mockDeliverer{}
	worker := NewWorker(deliverer)

	ch := make(chan domain.NotificationEvent, 4)
	ch <- notification(domain.NotificationEventProcessed)
	ch <- notification(domain.NotificationJobRetrying)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx, ch)
		close(done)
	}()

	waitFor(t, func() bool { return deliverer.count() == 2 })
	cancel()
	<-done
}

func TestWorker_SwallowsDeliveryErrors(t *testing.T) {
	deliverer := &mockDeliverer{err: errors.New("receiver down")}
	worker := NewWorker(deliverer)

	ch := make(chan domain.NotificationEvent, 4)
	ch <- notification(domain.NotificationEventFailed)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx, ch)
		close(done)
	}()

	waitFor(t, func() bool { return deliverer.count() == 1 })
	cancel()
	<-done
	// Run returned normally despite the error: nothing to assert beyond
	// the worker not having panicked or stalled.
}

func TestWorker_DrainsBufferedOnShutdown(t *testing.T) {
	deliverer := &mockDeliverer{}
	worker := NewWorker(deliverer).WithDrainTimeout(time.Second)

	ch := make(chan domain.NotificationEvent, 4)
	ch <- notification(domain.NotificationEventProcessed)
	ch <- notification(domain.NotificationEventProcessed)
	ch <- notification(domain.NotificationServiceStatus)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already shut down: Run goes straight to drain

	done := make(chan struct{})
	go func() {
		worker.Run(ctx, ch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not finish draining")
	}
	if got := deliverer.count(); got != 3 {
		t.Errorf("delivered = %d, want 3", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
