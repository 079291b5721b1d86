package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	boardsync "github.com/hyperengineering/flowsync/internal/sync"
)

const (
	feedWriteTimeout = 10 * time.Second
	feedPingInterval = 30 * time.Second
	// feedSendBuffer is the per-subscriber event buffer. A subscriber that
	// falls this far behind is disconnected rather than blocking the hub.
	feedSendBuffer = 64
)

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Auth happens via the bearer token; origin is not a trust boundary
		// for non-browser sync clients.
		return true
	},
}

// FeedHub fans realtime change events out to websocket subscribers,
// partitioned by collection.
type FeedHub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*feedClient]struct{}
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// NewFeedHub creates an empty hub.
func NewFeedHub() *FeedHub {
	return &FeedHub{
		subscribers: make(map[string]map[*feedClient]struct{}),
	}
}

// Broadcast delivers an event to every subscriber of the collection.
// Slow subscribers are dropped, never waited on.
func (h *FeedHub) Broadcast(collectionID string, event boardsync.FeedEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal feed event", "error", err)
		return
	}

	h.mu.RLock()
	clients := h.subscribers[collectionID]
	stale := make([]*feedClient, 0)
	for c := range clients {
		select {
		case c.send <- payload:
		default:
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		slog.Warn("dropping slow feed subscriber", "collection", collectionID)
		h.remove(collectionID, c)
	}
}

// SubscriberCount returns the number of live subscribers for a collection.
func (h *FeedHub) SubscriberCount(collectionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[collectionID])
}

func (h *FeedHub) add(collectionID string, c *feedClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[collectionID] == nil {
		h.subscribers[collectionID] = make(map[*feedClient]struct{})
	}
	h.subscribers[collectionID][c] = struct{}{}
}

func (h *FeedHub) remove(collectionID string, c *feedClient) {
	h.mu.Lock()
	if clients, ok := h.subscribers[collectionID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.subscribers, collectionID)
		}
	}
	h.mu.Unlock()
	c.close()
}

func (c *feedClient) close() {
	c.once.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}

// Feed handles GET /api/v1/sync/feed: upgrades to a websocket and streams
// change events for the request's collection until either side closes.
func (h *Handler) Feed(w http.ResponseWriter, r *http.Request) {
	collectionID := CollectionIDFromContext(r.Context())

	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		slog.Warn("feed upgrade failed", "error", err, "remote_ip", r.RemoteAddr)
		return
	}

	client := &feedClient{
		conn: conn,
		send: make(chan []byte, feedSendBuffer),
	}
	h.feed.add(collectionID, client)
	slog.Info("feed subscriber connected", "collection", collectionID, "remote_ip", r.RemoteAddr)

	go h.feedWritePump(collectionID, client)
	h.feedReadPump(collectionID, client)
}

// feedWritePump drains the client's send buffer onto the socket and keeps
// the connection alive with pings.
func (h *Handler) feedWritePump(collectionID string, c *feedClient) {
	ticker := time.NewTicker(feedPingInterval)
	defer ticker.Stop()
	defer h.feed.remove(collectionID, c)

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(feedWriteTimeout))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// feedReadPump consumes (and discards) inbound frames so pongs and close
// handshakes are processed. Returning tears down the subscription.
func (h *Handler) feedReadPump(collectionID string, c *feedClient) {
	defer h.feed.remove(collectionID, c)
	c.conn.SetReadLimit(1024)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("feed subscriber error", "collection", collectionID, "error", err)
			}
			return
		}
	}
}
