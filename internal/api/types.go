package api

import "github.com/djlord-it/prelist/internal/circuitbreaker"

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Timestamp string       `json:"timestamp"`
	Status    string       `json:"status"`
	Uptime    string       `json:"uptime"`
	Checks    HealthChecks `json:"checks"`
}

type HealthChecks struct {
	Database       string                  `json:"database"`
	Cache          CacheCheck              `json:"cache"`
	CircuitBreaker circuitbreaker.Snapshot `json:"circuitBreaker"`
	Jobs           JobsCheck               `json:"jobs"`
}

type CacheCheck struct {
	Size     int `json:"size"`
	Capacity int `json:"capacity"`
}

type JobsCheck struct {
	ActiveTimers int `json:"activeTimers"`
	Scheduled    int `json:"scheduled"`
	Processing   int `json:"processing"`
	Retrying     int `json:"retrying"`
}

// StatsResponse is the GET /stats body.
type StatsResponse struct {
	Timestamp   string         `json:"timestamp"`
	Events      map[string]int `json:"events"`
	Jobs        map[string]int `json:"jobs"`
	SuccessRate float64        `json:"successRate"`
	RetryRate   float64        `json:"retryRate"`
	Recent      []JobSummary   `json:"recentActivity"`
	Upcoming    []JobSummary   `json:"upcomingJobs"`
}

// JobSummary is one job row in listings.
type JobSummary struct {
	EventID       string `json:"eventId"`
	EventName     string `json:"eventName"`
	ScheduledTime string `json:"scheduledTime"`
	Status        string `json:"status"`
	RetryCount    int    `json:"retryCount"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
}

// EventSummary is one event row in GET /events.
type EventSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	StartDate string `json:"startDate"`
	Status    string `json:"status"`
}

type ListEventsResponse struct {
	Events []EventSummary `json:"events"`
}

type ListJobsResponse struct {
	Jobs []JobSummary `json:"jobs"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
