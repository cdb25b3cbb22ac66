// Package channel provides the in-memory bus carrying lifecycle
// notifications from the scheduling pipeline to the webhook worker.
package channel

import (
	"context"
	"errors"

	"github.com/djlord-it/prelist/internal/domain"
)

// ErrBusFull is returned when the buffer is full and the caller's context
// has no room to wait.
var ErrBusFull = errors.New("notification bus buffer full")

type Bus struct {
	ch chan domain.NotificationEvent
}

func NewBus(buffer int) *Bus {
	return &Bus{
		ch: make(chan domain.NotificationEvent, buffer),
	}
}

// Emit enqueues a notification. It never blocks: a full buffer drops the
// notification with an error, since delivery is best-effort by contract.
func (b *Bus) Emit(ctx context.Context, event domain.NotificationEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case b.ch <- event:
		return nil
	default:
		return ErrBusFull
	}
}

func (b *Bus) Channel() <-chan domain.NotificationEvent {
	return b.ch
}

// Len returns the number of buffered notifications.
func (b *Bus) Len() int {
	return len(b.ch)
}
