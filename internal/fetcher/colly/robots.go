package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jpillora/backoff"
)

const robotsAttempts = 4

// robotsRetryTransport retries robots.txt requests that fail with a
// transient TLS or timeout error, backing off 250ms, 500ms and 1s. Other
// requests pass straight through.
type robotsRetryTransport struct {
	base http.RoundTripper
	// newBackoff is replaced in tests to skip the waits.
	newBackoff func() *backoff.Backoff
}

func newRobotsRetryTransport(base http.RoundTripper) *robotsRetryTransport {
	return &robotsRetryTransport{
		base: base,
		newBackoff: func() *backoff.Backoff {
			return &backoff.Backoff{Min: 250 * time.Millisecond, Max: time.Second, Factor: 2}
		},
	}
}

func (t *robotsRetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL == nil || !strings.EqualFold(req.URL.Path, "/robots.txt") {
		return t.base.RoundTrip(req)
	}
	b := t.newBackoff()
	var lastErr error
	for attempt := 1; ; attempt++ {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		if !isTransient(err) {
			return nil, fmt.Errorf("robots roundtrip: %w", err)
		}
		lastErr = err
		if attempt == robotsAttempts {
			break
		}
		timer := time.NewTimer(b.Duration())
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, fmt.Errorf("robots retry: %w", req.Context().Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("robots roundtrip exhausted retries: %w", lastErr)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
