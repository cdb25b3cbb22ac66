// Package analytics keeps per-event outcome counters in Redis time
// buckets. It is optional: when no Redis address is configured the
// service runs without it.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/prelist/internal/domain"
)

// Options tunes bucketing and retention. Zero values get defaults.
type Options struct {
	// Window is the bucket width. Default: 1h.
	Window time.Duration
	// Retention is the TTL set on each bucket key. Default: 30d.
	Retention time.Duration
}

// RedisSink counts processing outcomes per event in time buckets, so a
// dashboard can answer "how many jobs failed in the last hour" without
// touching the job store.
type RedisSink struct {
	client    *redis.Client
	window    time.Duration
	retention time.Duration
}

func NewRedisSink(client *redis.Client, opts Options) *RedisSink {
	if opts.Window <= 0 {
		opts.Window = time.Hour
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	return &RedisSink{
		client:    client,
		window:    opts.Window,
		retention: opts.Retention,
	}
}

// RecordOutcome increments the bucket counters for one resolved job: a
// per-event key and an all-events rollup key, in a single pipeline.
func (s *RedisSink) RecordOutcome(ctx context.Context, eventID string, status domain.JobStatus, at time.Time) error {
	bucket := truncateToBucket(at, s.window)
	eventKey := fmt.Sprintf("prelist:ev:%s:%s:%s", eventID, status, bucket)
	totalKey := fmt.Sprintf("prelist:outcomes:%s:%s", status, bucket)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, eventKey)
	pipe.Expire(ctx, eventKey, s.retention)
	pipe.Incr(ctx, totalKey)
	pipe.Expire(ctx, totalKey, s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	case 24 * time.Hour:
		return t.Format("20060102")
	default:
		return t.Format("200601021504")
	}
}
