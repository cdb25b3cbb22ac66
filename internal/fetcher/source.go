// Package fetcher discovers upcoming events from the external API and
// hands them to the scheduler. The live source sits behind a fresh/stale
// cache and a circuit breaker, so a flapping upstream degrades to stale
// data instead of stopping the fetch loop.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/djlord-it/prelist/internal/domain"
)

// ErrSourceUnavailable is returned when neither the live source nor the
// stale cache can produce data. The fetch cycle logs it and waits for the
// next tick.
var ErrSourceUnavailable = errors.New("event source unavailable")

// Attendee is one registered participant, as the upstream reports it.
type Attendee struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// EventSource is the upstream events API.
type EventSource interface {
	GetUpcomingEvents(ctx context.Context, windowHours int) ([]domain.Event, error)
	GetEventDetails(ctx context.Context, id string) (domain.Event, error)
	GetAttendees(ctx context.Context, id string) ([]Attendee, error)
}

// HTTPSource implements EventSource over the upstream REST API.
type HTTPSource struct {
	client  *http.Client
	baseURL string
	token   string
}

func NewHTTPSource(baseURL, token string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		token:   token,
	}
}

type wireEvent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartDate time.Time `json:"startDate"`
}

func (w wireEvent) toDomain() domain.Event {
	return domain.Event{
		ID:        w.ID,
		Name:      w.Name,
		StartDate: w.StartDate.UTC(),
		Status:    domain.EventStatusPending,
	}
}

func (s *HTTPSource) GetUpcomingEvents(ctx context.Context, windowHours int) ([]domain.Event, error) {
	var wire []wireEvent
	url := s.baseURL + "/events/upcoming?hours=" + strconv.Itoa(windowHours)
	if err := s.getJSON(ctx, url, &wire); err != nil {
		return nil, fmt.Errorf("upcoming events: %w", err)
	}
	events := make([]domain.Event, 0, len(wire))
	for _, w := range wire {
		events = append(events, w.toDomain())
	}
	return events, nil
}

func (s *HTTPSource) GetEventDetails(ctx context.Context, id string) (domain.Event, error) {
	var wire wireEvent
	if err := s.getJSON(ctx, s.baseURL+"/events/"+id, &wire); err != nil {
		return domain.Event{}, fmt.Errorf("event %s: %w", id, err)
	}
	return wire.toDomain(), nil
}

func (s *HTTPSource) GetAttendees(ctx context.Context, id string) ([]Attendee, error) {
	var attendees []Attendee
	if err := s.getJSON(ctx, s.baseURL+"/events/"+id+"/attendees", &attendees); err != nil {
		return nil, fmt.Errorf("attendees %s: %w", id, err)
	}
	return attendees, nil
}

func (s *HTTPSource) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
