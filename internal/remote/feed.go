package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	boardsync "github.com/hyperengineering/flowsync/internal/sync"
)

const feedReadTimeout = 90 * time.Second

// Feed subscribes to the realtime change feed. Events arrive on the
// returned channel until the context is cancelled or the connection
// drops, then the channel closes. Reconnecting is the caller's call; a
// delta pull covers whatever the gap missed.
func (c *Client) Feed(ctx context.Context, collectionID string) (<-chan boardsync.FeedEvent, error) {
	wsURL, err := c.feedURL()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)
	header.Set("X-Source-ID", c.sourceID)
	header.Set("X-Collection-ID", collectionID)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, ErrUnauthorized
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
	})

	events := make(chan boardsync.FeedEvent, 16)
	go func() {
		defer close(events)
		defer conn.Close()

		// Unblock ReadMessage when the context ends.
		go func() {
			<-ctx.Done()
			conn.Close()
		}()

		for {
			conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
			_, payload, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Warn("feed connection lost", "action", "feed", "error", err)
				}
				return
			}

			var event boardsync.FeedEvent
			if err := json.Unmarshal(payload, &event); err != nil {
				c.logger.Warn("malformed feed event dropped", "action", "feed", "error", err)
				continue
			}

			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	c.logger.Info("feed subscribed", "action", "feed", "collection", collectionID)
	return events, nil
}

func (c *Client) feedURL() (string, error) {
	parsed, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/api/v1/sync/feed"
	return parsed.String(), nil
}
