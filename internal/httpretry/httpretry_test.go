package httpretry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func fastClient() *Client {
	c := New()
	c.InitialInterval = time.Millisecond
	return c
}

func TestDoRetriesRetryableStatus(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	body, status, err := fastClient().Do(context.Background(), Request{
		Method: http.MethodGet,
		URL:    srv.URL,
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("Do() status = %d, want 200", status)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("Do() body = %q", body)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("server calls = %d, want 3 (two retries)", got)
	}
}

func TestDoTerminalStatusFailsImmediately(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, status, err := fastClient().Do(context.Background(), Request{
		Method: http.MethodGet,
		URL:    srv.URL,
	})
	if err == nil {
		t.Fatal("Do() error = nil, want StatusError")
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Do() error = %v, want *StatusError", err)
	}
	if statusErr.Status != http.StatusBadRequest || status != http.StatusBadRequest {
		t.Fatalf("Do() status = %d/%d, want 400", statusErr.Status, status)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("server calls = %d, want 1 (no retries)", got)
	}
}

func TestDoExhaustsRetryBudget(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, _, err := fastClient().Do(context.Background(), Request{
		Method: http.MethodGet,
		URL:    srv.URL,
	})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusTooManyRequests {
		t.Fatalf("Do() error = %v, want 429 StatusError", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("server calls = %d, want 3 (budget exhausted)", got)
	}
}

func TestDoRetriesAttemptTimeout(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			// Stall past the per-attempt deadline.
			<-r.Context().Done()
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	body, status, err := fastClient().Do(context.Background(), Request{
		Method:  http.MethodGet,
		URL:     srv.URL,
		Timeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if status != http.StatusOK || string(body) != `{"ok":true}` {
		t.Fatalf("Do() = %d %q, want 200 {\"ok\":true}", status, body)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("server calls = %d, want 3 (two timed-out attempts)", got)
	}
}

func TestDoStopsWhenParentContextEnds(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := fastClient().Do(ctx, Request{
		Method:  http.MethodGet,
		URL:     srv.URL,
		Timeout: time.Second,
	})
	if err == nil {
		t.Fatal("Do() error = nil, want context error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("server calls = %d, want 1 (parent context ended)", got)
	}
}

func TestDoSetsHeadersAndQuery(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "secret" {
			t.Errorf("missing header, got %q", r.Header.Get("X-Api-Key"))
		}
		if r.URL.Query().Get("key") != "qsecret" {
			t.Errorf("missing query param, got %q", r.URL.Query().Get("key"))
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	_, _, err := fastClient().Do(context.Background(), Request{
		Method:  http.MethodGet,
		URL:     srv.URL,
		Headers: map[string]string{"X-Api-Key": "secret"},
		Query:   map[string]string{"key": "qsecret"},
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
}
