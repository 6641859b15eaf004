// Package httpretry wraps outbound vendor HTTP calls with a small retry
// budget. Retryable transport conditions (429/5xx, timeouts, connection
// resets, DNS failures) are absorbed here with exponential backoff and
// jitter; everything else surfaces to the caller immediately.
package httpretry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultTimeout bounds a single vendor request.
	DefaultTimeout = 120 * time.Second
	// TTSTimeout is shorter; speech endpoints either answer quickly or
	// not at all.
	TTSTimeout = 60 * time.Second

	defaultMaxRetries      = 2
	defaultInitialInterval = 500 * time.Millisecond
)

// StatusError is a terminal vendor error: the request completed but the
// status code was not 2xx and not retryable (or the retry budget ran out).
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 512 {
		body = body[:512]
	}
	return fmt.Sprintf("httpretry: status %d: %s", e.Status, bytes.TrimSpace(body))
}

// Request describes one retryable call. Body bytes are re-wrapped into a
// fresh reader on every attempt.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Query   map[string]string
	Body    []byte
	Timeout time.Duration
}

type Client struct {
	HTTP *http.Client
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries      uint64
	InitialInterval time.Duration
}

func New() *Client {
	return &Client{
		HTTP:            &http.Client{},
		MaxRetries:      defaultMaxRetries,
		InitialInterval: defaultInitialInterval,
	}
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// retryableTransport reports whether a request-level failure is worth
// another attempt. Deadline expiry here is the per-attempt timeout; the
// caller separately stops retrying when the parent context itself ends.
func retryableTransport(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func (c *Client) newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.4
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, c.MaxRetries), ctx)
}

// Do performs the request, retrying retryable failures, and returns the
// response body and status. Non-2xx terminal statuses come back as a
// *StatusError alongside the status code, so callers that branch on
// specific codes (the Gemini endpoint fallback) can inspect both.
func (c *Client) Do(ctx context.Context, req Request) ([]byte, int, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var (
		body   []byte
		status int
	)
	attempt := func() error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(callCtx, req.Method, req.URL, bytes.NewReader(req.Body))
		if err != nil {
			return backoff.Permanent(err)
		}
		if len(req.Query) > 0 {
			q := httpReq.URL.Query()
			for k, v := range req.Query {
				q.Set(k, v)
			}
			httpReq.URL.RawQuery = q.Encode()
		}
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}

		// A dead parent context makes any failure terminal; an expired
		// attempt deadline alone is retryable.
		classify := func(err error) error {
			if ctx.Err() == nil && retryableTransport(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		resp, err := c.HTTP.Do(httpReq)
		if err != nil {
			return classify(err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return classify(err)
		}

		status = resp.StatusCode
		body = raw
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			statusErr := &StatusError{Status: resp.StatusCode, Body: raw}
			if retryableStatus(resp.StatusCode) {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}
		return nil
	}

	if err := backoff.Retry(attempt, c.newBackoff(ctx)); err != nil {
		return body, status, err
	}
	return body, status, nil
}
