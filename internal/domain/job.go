package domain

import "time"

type JobStatus string

const (
	JobStatusScheduled  JobStatus = "scheduled"
	JobStatusProcessing JobStatus = "processing"
	JobStatusRetrying   JobStatus = "retrying"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Active reports whether the job should have a live timer or an execution
// in flight. The scheduler's in-memory timer map tracks exactly these.
func (s JobStatus) Active() bool {
	switch s {
	case JobStatusScheduled, JobStatusProcessing, JobStatusRetrying:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return !s.Active()
}

// ValidJobTransition reports whether a job may move from one status to
// another. The machine is:
//
//	scheduled → processing → {completed | retrying | failed}
//	retrying  → processing (loop)
//	scheduled/processing/retrying → cancelled
func ValidJobTransition(from, to JobStatus) bool {
	if from == to {
		return false
	}
	if from.Terminal() {
		return false
	}
	switch to {
	case JobStatusProcessing:
		return from == JobStatusScheduled || from == JobStatusRetrying
	case JobStatusRetrying:
		return from == JobStatusProcessing
	case JobStatusCompleted:
		return from == JobStatusProcessing
	case JobStatusFailed:
		// A job that missed its window fails straight from scheduled.
		return from == JobStatusScheduled || from == JobStatusProcessing || from == JobStatusRetrying
	case JobStatusCancelled:
		return true
	}
	return false
}

// ScheduledJob is the local unit of work: run the attendee-list pipeline
// for one event at ScheduledTime. At most one row exists per event.
type ScheduledJob struct {
	EventID   string
	EventName string // denormalized snapshot, survives upstream renames

	ScheduledTime time.Time
	Status        JobStatus
	RetryCount    int
	ErrorMessage  string

	CreatedAt time.Time
	UpdatedAt time.Time
}
