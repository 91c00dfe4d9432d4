// Package signaling talks to the directory service that maps a target
// user/host identifier to a set of reachable candidates (the receiver has
// no other way to learn the host's address before NAT traversal begins).
//
// Grounded on the teacher's pkg/api HTTP client pattern (NewClient,
// context-aware requests, JSON request/response structs) and, for the
// optional push channel, gorilla/websocket the way the teacher's own
// internal/websocket/client.go uses it for its control connection.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/breeze-rmm/receiver/internal/httputil"
	"github.com/breeze-rmm/receiver/internal/logging"
)

var log = logging.L("signaling")

// HostRecord is one candidate endpoint the directory knows about for a
// host, along with enough liveness information for the caller to filter
// stale entries.
type HostRecord struct {
	HostID        string `json:"host_id"`
	Address       string `json:"address"` // host:port
	CandidateType string `json:"candidate_type"` // "host", "srflx", "relay"
	LastHeartbeat int64  `json:"last_heartbeat"` // unix seconds
}

// staleAfter is how long since LastHeartbeat a record is still considered
// live. Records older than this are filtered out of FetchHostCandidates.
const staleAfter = 600 * time.Second

// Client is an HTTP (and optionally websocket-push) client for the
// signaling directory.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	retry     httputil.RetryConfig
}

// New constructs a Client against baseURL, authenticating requests with
// authToken (sent as a Bearer token). Requests retry on retryable statuses
// and network errors with a short backoff: candidate lookups sit on the
// critical path of establishing a connection, so a long teacher-style
// backoff would stall NAT traversal rather than help it.
func New(baseURL, authToken string) *Client {
	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		http:      &http.Client{Timeout: 10 * time.Second},
		retry: httputil.RetryConfig{
			MaxRetries:    2,
			InitialDelay:  200 * time.Millisecond,
			MaxDelay:      1 * time.Second,
			BackoffFactor: 2.0,
			JitterFrac:    0.3,
		},
	}
}

// PublishEndpoint tells the directory this receiver is reachable at addr for
// the given local identifier, so a host can find it (or vice versa,
// depending on which side initiates).
func (c *Client) PublishEndpoint(ctx context.Context, selfID, addr, candidateType string) error {
	body, err := json.Marshal(HostRecord{HostID: selfID, Address: addr, CandidateType: candidateType})
	if err != nil {
		return fmt.Errorf("signaling: marshal publish body: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/endpoints", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// FetchHostCandidates returns the live candidates known for targetHostID,
// filtering out any whose heartbeat is older than staleAfter.
func (c *Client) FetchHostCandidates(ctx context.Context, targetHostID string) ([]HostRecord, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/hosts/"+targetHostID+"/candidates", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var records []HostRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("signaling: decode candidates: %w", err)
	}

	now := time.Now().Unix()
	live := records[:0]
	for _, r := range records {
		if now-r.LastHeartbeat < int64(staleAfter.Seconds()) {
			live = append(live, r)
		}
	}
	return live, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	headers := http.Header{}
	if body != nil {
		headers.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		headers.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := httputil.Do(ctx, c.http, method, c.baseURL+path, body, headers, c.retry)
	if err != nil {
		return nil, fmt.Errorf("signaling: request %s %s: %w", method, path, err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("signaling: unexpected status %d: %s", resp.StatusCode, data)
}
