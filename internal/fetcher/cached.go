package fetcher

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/djlord-it/prelist/internal/cache"
	"github.com/djlord-it/prelist/internal/circuitbreaker"
	"github.com/djlord-it/prelist/internal/domain"
	"github.com/djlord-it/prelist/internal/metrics"
)

// CachedSource decorates an EventSource with the fresh/stale cache and the
// circuit breaker. Fresh hits never touch the upstream; live failures fall
// back to stale data; when neither is available the caller gets
// ErrSourceUnavailable.
type CachedSource struct {
	source   EventSource
	cache    *cache.Cache
	breaker  *circuitbreaker.Breaker
	freshTTL time.Duration
	staleTTL time.Duration
	sink     metrics.Sink
}

func NewCachedSource(source EventSource, c *cache.Cache, breaker *circuitbreaker.Breaker, freshTTL, staleTTL time.Duration) *CachedSource {
	if freshTTL <= 0 {
		freshTTL = time.Hour
	}
	if staleTTL <= 0 {
		staleTTL = 24 * time.Hour
	}
	return &CachedSource{
		source:   source,
		cache:    c,
		breaker:  breaker,
		freshTTL: freshTTL,
		staleTTL: staleTTL,
		sink:     metrics.NewNoopSink(),
	}
}

// WithMetrics attaches a metrics sink.
func (s *CachedSource) WithMetrics(sink metrics.Sink) *CachedSource {
	s.sink = sink
	return s
}

func (s *CachedSource) GetUpcomingEvents(ctx context.Context, windowHours int) ([]domain.Event, error) {
	key := fmt.Sprintf("upcoming:%d", windowHours)
	events, err := fetchThrough(ctx, s, key, func(ctx context.Context) ([]domain.Event, error) {
		return s.source.GetUpcomingEvents(ctx, windowHours)
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *CachedSource) GetEventDetails(ctx context.Context, id string) (domain.Event, error) {
	return fetchThrough(ctx, s, "event:"+id, func(ctx context.Context) (domain.Event, error) {
		return s.source.GetEventDetails(ctx, id)
	})
}

func (s *CachedSource) GetAttendees(ctx context.Context, id string) ([]Attendee, error) {
	return fetchThrough(ctx, s, "attendees:"+id, func(ctx context.Context) ([]Attendee, error) {
		return s.source.GetAttendees(ctx, id)
	})
}

// fetchThrough is the shared cache→breaker→stale path for all three reads.
func fetchThrough[T any](ctx context.Context, s *CachedSource, key string, live func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if v, ok := s.cache.Get(key); ok {
		s.sink.CacheLookup(metrics.CacheFresh)
		if typed, ok := v.(T); ok {
			return typed, nil
		}
	}

	var result T
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		got, err := live(ctx)
		if err != nil {
			return err
		}
		result = got
		return nil
	})
	s.sink.BreakerStateUpdate(string(s.breaker.State()))

	if err == nil {
		s.cache.Set(key, result, s.freshTTL, s.staleTTL)
		s.sink.CacheLookup(metrics.CacheMiss)
		return result, nil
	}

	if v, ok := s.cache.GetStale(key); ok {
		if typed, ok := v.(T); ok {
			log.Printf("fetcher: live fetch failed, serving stale %s: %v", key, err)
			s.sink.CacheLookup(metrics.CacheStale)
			return typed, nil
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
}
