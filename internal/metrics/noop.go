package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) FetchStarted()                                                        {}
func (n *NoopSink) FetchCompleted(duration time.Duration, eventsFetched int, err error)  {}
func (n *NoopSink) CacheLookup(result string)                                            {}
func (n *NoopSink) JobScheduled()                                                        {}
func (n *NoopSink) JobOutcome(outcome string)                                            {}
func (n *NoopSink) ActiveTimersUpdate(count int)                                         {}
func (n *NoopSink) RetryScheduled(attempt int)                                           {}
func (n *NoopSink) NotificationAttemptCompleted(attempt int, class string, d time.Duration) {}
func (n *NoopSink) NotificationOutcome(outcome string)                                   {}
func (n *NoopSink) BreakerStateUpdate(state string)                                      {}
func (n *NoopSink) StoreBusyRetry()                                                      {}
func (n *NoopSink) BufferSizeUpdate(size int)                                            {}
func (n *NoopSink) EmitError()                                                           {}
