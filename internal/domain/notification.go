package domain

import (
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	NotificationEventProcessed      NotificationType = "event.processed"
	NotificationEventFailed         NotificationType = "event.failed"
	NotificationJobRetrying         NotificationType = "job.retrying"
	NotificationJobPermanentFailure NotificationType = "job.permanent_failure"
	NotificationServiceStatus       NotificationType = "service.status"
)

// NotificationEvent is a lifecycle notification delivered best-effort to
// the configured webhook. Delivery never affects scheduling correctness.
type NotificationEvent struct {
	ID        uuid.UUID
	Type      NotificationType
	Timestamp time.Time

	Data map[string]any
}
