package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPublishEndpointSendsAuthHeaderAndBody(t *testing.T) {
	var gotAuth string
	var gotRecord HostRecord

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotRecord)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	c := New(server.URL, "secret-token")
	if err := c.PublishEndpoint(context.Background(), "receiver-1", "203.0.113.1:5000", "srflx"); err != nil {
		t.Fatalf("PublishEndpoint: %v", err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("expected bearer auth header, got %q", gotAuth)
	}
	if gotRecord.HostID != "receiver-1" || gotRecord.CandidateType != "srflx" {
		t.Fatalf("unexpected record received: %+v", gotRecord)
	}
}

func TestFetchHostCandidatesFiltersStaleRecords(t *testing.T) {
	now := time.Now().Unix()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]HostRecord{
			{HostID: "h1", Address: "10.0.0.1:5000", LastHeartbeat: now},
			{HostID: "h1", Address: "10.0.0.2:5000", LastHeartbeat: now - 3600},
		})
	}))
	defer server.Close()

	c := New(server.URL, "")
	records, err := c.FetchHostCandidates(context.Background(), "h1")
	if err != nil {
		t.Fatalf("FetchHostCandidates: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 live record after filtering stale ones, got %d", len(records))
	}
	if records[0].Address != "10.0.0.1:5000" {
		t.Fatalf("unexpected surviving record: %+v", records[0])
	}
}

func TestFetchHostCandidatesPropagatesServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(server.URL, "")
	if _, err := c.FetchHostCandidates(context.Background(), "h1"); err == nil {
		t.Fatal("expected error for 500 response")
	}
}
