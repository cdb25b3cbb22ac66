package notify

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/djlord-it/prelist/internal/domain"
	"github.com/djlord-it/prelist/internal/metrics"
)

// DefaultDrainTimeout is the maximum time to wait for buffered
// notifications during shutdown.
const DefaultDrainTimeout = 30 * time.Second

// Deliverer sends one notification. *Sender implements it.
type Deliverer interface {
	Send(ctx context.Context, n domain.NotificationEvent) error
}

// Worker consumes the notification channel and delivers each entry.
// Delivery errors are logged, counted, and dropped.
type Worker struct {
	deliverer    Deliverer
	sink         metrics.Sink
	drainTimeout time.Duration
}

func NewWorker(deliverer Deliverer) *Worker {
	return &Worker{
		deliverer:    deliverer,
		sink:         metrics.NewNoopSink(),
		drainTimeout: DefaultDrainTimeout,
	}
}

// WithMetrics attaches a metrics sink to the worker.
func (w *Worker) WithMetrics(sink metrics.Sink) *Worker {
	w.sink = sink
	return w
}

// WithDrainTimeout overrides the shutdown drain budget.
func (w *Worker) WithDrainTimeout(d time.Duration) *Worker {
	if d > 0 {
		w.drainTimeout = d
	}
	return w
}

// Run delivers notifications from ch until the context is cancelled, then
// drains whatever is still buffered with a bounded timeout.
func (w *Worker) Run(ctx context.Context, ch <-chan domain.NotificationEvent) {
	for {
		select {
		case <-ctx.Done():
			w.drain(ch)
			return
		case n := <-ch:
			w.deliver(ctx, n)
			w.sink.BufferSizeUpdate(len(ch))
		}
	}
}

// drain processes remaining buffered notifications after the shutdown
// signal. Uses a background context since the main one is cancelled.
func (w *Worker) drain(ch <-chan domain.NotificationEvent) {
	drainCtx, cancel := context.WithTimeout(context.Background(), w.drainTimeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			log.Printf("notify: drain timeout, delivered %d notifications", count)
			return
		case n, ok := <-ch:
			if !ok {
				log.Printf("notify: drain complete, delivered %d notifications", count)
				return
			}
			w.deliver(drainCtx, n)
			count++
		default:
			if count > 0 {
				log.Printf("notify: drain complete, delivered %d notifications", count)
			}
			return
		}
	}
}

func (w *Worker) deliver(ctx context.Context, n domain.NotificationEvent) {
	if err := w.deliverer.Send(ctx, n); err != nil {
		// Best-effort contract: never propagate.
		log.Printf("notify: delivery failed type=%s id=%s: %v", n.Type, n.ID, err)
		if errors.Is(err, ErrRedirectBlocked) {
			w.sink.NotificationOutcome(metrics.DeliveryDropped)
		} else {
			w.sink.NotificationOutcome(metrics.DeliveryFailed)
		}
		return
	}
	log.Printf("notify: delivered type=%s id=%s", n.Type, n.ID)
	w.sink.NotificationOutcome(metrics.DeliveryDelivered)
}
