package httputil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoSucceedsWithoutRetryOnFirstAttempt(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := DefaultRetryConfig()
	resp, err := Do(context.Background(), server.Client(), http.MethodGet, server.URL, nil, nil, cfg)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
}

func TestDoRetriesOnRetryableStatusThenSucceeds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := RetryConfig{MaxRetries: 3, InitialDelay: 1 * time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffFactor: 2.0}
	resp, err := Do(context.Background(), server.Client(), http.MethodGet, server.URL, nil, nil, cfg)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if calls != 3 {
		t.Fatalf("expected 3 calls (2 retries + success), got %d", calls)
	}
}

func TestDoReturnsErrorAfterExhaustingRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := RetryConfig{MaxRetries: 2, InitialDelay: 1 * time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2.0}
	_, err := Do(context.Background(), server.Client(), http.MethodGet, server.URL, nil, nil, cfg)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestDoDoesNotRetryNonRetryableStatus(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	cfg := DefaultRetryConfig()
	resp, err := Do(context.Background(), server.Client(), http.MethodGet, server.URL, nil, nil, cfg)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if calls != 1 {
		t.Fatalf("expected exactly 1 call for a non-retryable status, got %d", calls)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 passed through, got %d", resp.StatusCode)
	}
}
