// Package webhook delivers appointment events to an HTTP endpoint, signing
// each body with HMAC-SHA256 and retrying transient failures.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/clinic/clinic/internal/platform/events"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	EventTypeHeader = "X-Webhook-Event"
	EventIDHeader   = "X-Webhook-ID"
	TimestampHeader = "X-Webhook-Timestamp"
)

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ValidateURL checks that the URL is non-empty and uses http or https.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

// eventMatches returns true if the event type matches a subscription pattern.
// Patterns can be exact ("appointment.created") or wildcard ("*.cancelled",
// "appointment.*", "*").
func eventMatches(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(eventType, pattern[1:])
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

type Option func(*Publisher)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Publisher) { p.client = c }
}

// WithRetryDelays sets the pause before each retry; no delays means no retries.
func WithRetryDelays(d ...time.Duration) Option {
	return func(p *Publisher) { p.retryDelays = d }
}

// WithEvents restricts delivery to event types matching one of the patterns.
// No patterns keeps the default of every event.
func WithEvents(patterns ...string) Option {
	return func(p *Publisher) {
		if len(patterns) > 0 {
			p.patterns = patterns
		}
	}
}

// Publisher is an events.Publisher posting each event to one endpoint.
type Publisher struct {
	url         string
	secret      string
	client      *http.Client
	retryDelays []time.Duration
	patterns    []string
	now         func() time.Time
}

func NewPublisher(rawURL, secret string, opts ...Option) (*Publisher, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	p := &Publisher{
		url:         rawURL,
		secret:      secret,
		client:      &http.Client{Timeout: 5 * time.Second},
		retryDelays: []time.Duration{200 * time.Millisecond, time.Second},
		patterns:    []string{"*"},
		now:         time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *Publisher) wants(eventType string) bool {
	for _, pat := range p.patterns {
		if eventMatches(pat, eventType) {
			return true
		}
	}
	return false
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Publish delivers e, retrying network errors, 429 and 5xx responses.
func (p *Publisher) Publish(ctx context.Context, e events.Event) error {
	if !p.wants(e.Type) {
		return nil
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	sig := SignPayload(payload, p.secret)

	for attempt := 0; ; attempt++ {
		err = p.deliver(ctx, e, payload, sig)
		var perm *permanentError
		if err == nil || errors.As(err, &perm) || attempt >= len(p.retryDelays) {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("deliver event %s: %w", e.ID, ctx.Err())
		case <-time.After(p.retryDelays[attempt]):
		}
	}
	if err != nil {
		return fmt.Errorf("deliver event %s: %w", e.ID, err)
	}
	return nil
}

func (p *Publisher) deliver(ctx context.Context, e events.Event, payload []byte, sig string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return &permanentError{err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+sig)
	req.Header.Set(EventTypeHeader, e.Type)
	req.Header.Set(EventIDHeader, e.ID)
	req.Header.Set(TimestampHeader, p.now().UTC().Format(time.RFC3339))

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	default:
		return &permanentError{err: fmt.Errorf("endpoint rejected event: status %d", resp.StatusCode)}
	}
}
