package domain

import "time"

type EventStatus string

const (
	EventStatusPending   EventStatus = "pending"
	EventStatusProcessed EventStatus = "processed"
	EventStatusFailed    EventStatus = "failed"
	EventStatusCancelled EventStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s EventStatus) Terminal() bool {
	switch s {
	case EventStatusProcessed, EventStatusFailed, EventStatusCancelled:
		return true
	}
	return false
}

// ValidEventTransition reports whether an event may move from one status
// to another. Terminal statuses never transition.
func ValidEventTransition(from, to EventStatus) bool {
	if from == to {
		return false
	}
	if from.Terminal() {
		return false
	}
	switch to {
	case EventStatusProcessed, EventStatusFailed, EventStatusCancelled:
		return from == EventStatusPending
	}
	return false
}

// Event is an upcoming activity discovered from the upstream events API.
// The ID is assigned upstream and unique across fetches.
type Event struct {
	ID   string
	Name string

	StartDate time.Time
	Status    EventStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}
