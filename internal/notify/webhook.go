// Package notify delivers lifecycle notifications to a configured webhook.
// Delivery is best-effort: every error is logged and swallowed so that a
// broken receiver can never affect scheduling correctness.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/prelist/internal/domain"
	"github.com/djlord-it/prelist/internal/metrics"
)

// ErrRedirectBlocked is returned when the receiver answers with a 3xx.
// Redirects are a security violation here: following one could route the
// signed payload to an address that never passed validation.
var ErrRedirectBlocked = errors.New("webhook redirect blocked")

const (
	maxAttempts       = 3
	defaultRetryDelay = 2 * time.Second
)

// Payload is the JSON body posted to the webhook receiver.
type Payload struct {
	Event     domain.NotificationType `json:"event"`
	Timestamp string                  `json:"timestamp"`
	Data      map[string]any          `json:"data"`
}

// Sender posts signed notifications to one validated webhook URL.
type Sender struct {
	client     *http.Client
	url        string
	secret     string
	timeout    time.Duration
	retryDelay time.Duration
	sink       metrics.Sink
}

// NewSender validates the destination once and returns a sender bound to
// it. The underlying client never follows redirects.
func NewSender(rawURL, secret string, timeout time.Duration) (*Sender, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Sender{
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		url:        rawURL,
		secret:     secret,
		timeout:    timeout,
		retryDelay: defaultRetryDelay,
		sink:       metrics.NewNoopSink(),
	}, nil
}

// WithMetrics attaches a metrics sink to the sender.
func (s *Sender) WithMetrics(sink metrics.Sink) *Sender {
	s.sink = sink
	return s
}

// Send posts the notification, retrying transient failures a fixed number
// of times with a fixed delay. 3xx responses are rejected outright and
// never retried. 4xx responses are not retried either: the receiver
// understood the request and refused it.
func (s *Sender) Send(ctx context.Context, n domain.NotificationEvent) error {
	payload := Payload{
		Event:     n.Type,
		Timestamp: n.Timestamp.UTC().Format(time.RFC3339),
		Data:      n.Data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	signature := computeSignature(s.secret, body)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(s.retryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		statusCode, duration, err := s.attempt(ctx, n, body, signature)
		s.sink.NotificationAttemptCompleted(attempt, metrics.ClassifyStatus(statusCode, err), duration)

		switch {
		case err != nil:
			lastErr = err
		case statusCode >= 200 && statusCode < 300:
			return nil
		case statusCode >= 300 && statusCode < 400:
			return fmt.Errorf("%w: status %d from %s", ErrRedirectBlocked, statusCode, s.url)
		case statusCode >= 400 && statusCode < 500:
			return fmt.Errorf("webhook rejected: status %d", statusCode)
		default:
			lastErr = fmt.Errorf("webhook failed: status %d", statusCode)
		}
	}
	return fmt.Errorf("webhook delivery after %d attempts: %w", maxAttempts, lastErr)
}

func (s *Sender) attempt(ctx context.Context, n domain.NotificationEvent, body []byte, signature string) (int, time.Duration, error) {
	start := time.Now()

	attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return 0, time.Since(start), fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Prelist-Delivery-ID", uuid.New().String())
	req.Header.Set("X-Prelist-Notification-ID", n.ID.String())
	req.Header.Set("X-Prelist-Signature", signature)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, time.Since(start), fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	return resp.StatusCode, time.Since(start), nil
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for receivers to verify incoming webhooks.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
