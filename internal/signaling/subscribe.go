package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Subscribe opens a long-lived websocket connection that pushes updated
// candidate lists for targetHostID whenever the directory's view changes,
// so a caller can react immediately instead of polling
// FetchHostCandidates. This is additive: callers that prefer to poll may
// ignore this method entirely.
//
// The returned channel is closed when ctx is canceled or the connection
// fails; the caller does not need to call anything else to clean up.
func (c *Client) Subscribe(ctx context.Context, targetHostID string) (<-chan []HostRecord, error) {
	wsURL, err := c.buildSubscribeURL(targetHostID)
	if err != nil {
		return nil, err
	}

	header := make(map[string][]string)
	if c.authToken != "" {
		header["Authorization"] = []string{"Bearer " + c.authToken}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("signaling: subscribe dial: %w", err)
	}

	out := make(chan []HostRecord, 1)

	go func() {
		defer close(out)
		defer conn.Close()

		go func() {
			<-ctx.Done()
			conn.Close()
		}()

		for {
			conn.SetReadDeadline(time.Now().Add(90 * time.Second))
			_, data, err := conn.ReadMessage()
			if err != nil {
				log.Debug("signaling subscribe closed", "error", err)
				return
			}

			var records []HostRecord
			if err := json.Unmarshal(data, &records); err != nil {
				log.Warn("signaling subscribe: malformed push payload", "error", err)
				continue
			}

			select {
			case out <- records:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (c *Client) buildSubscribeURL(targetHostID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("signaling: parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/hosts/" + targetHostID + "/subscribe"
	return u.String(), nil
}
