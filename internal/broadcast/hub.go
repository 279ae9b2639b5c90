// Package broadcast republishes merged aggregates to websocket subscribers.
// The hub owns its clients; a slow subscriber is dropped rather than allowed
// to block the fan-out.
package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"perpflow/logger"
)

// TopicRates is the channel merged funding rates republish on.
const TopicRates = "rates-update"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendBuf  = 8
	maxMessageSize = 512
)

// Message is the envelope every broadcast frame carries.
type Message struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is public and CORS-open; the websocket endpoint matches.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub tracks subscribers and fans published payloads out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	log     *logger.Entry
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		log:     logger.GetLogger().WithComponent("broadcast"),
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Publish encodes payload under topic and queues it to every subscriber.
// Subscribers whose send buffer is full are disconnected.
func (h *Hub) Publish(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.WithError(err).Error("failed to encode broadcast payload")
		return
	}
	frame, err := json.Marshal(Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	})
	if err != nil {
		h.log.WithError(err).Error("failed to encode broadcast frame")
		return
	}

	h.mu.RLock()
	var stale []*client
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.remove(c)
	}
	logger.IncrementBroadcastWrite(len(frame))
}

// ClientCount reports the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP request to a websocket subscription.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientSendBuf)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

// Close disconnects all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		close(c.send)
		c.conn.Close()
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	h.mu.Unlock()
	if ok {
		close(c.send)
		c.conn.Close()
	}
}

// readPump drains inbound frames. Subscribers are read-only; anything they
// send is discarded, but the read loop drives pong handling and detects
// disconnects.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.remove(c)
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// RefreshFunc produces the payload for one scheduled republish.
type RefreshFunc func(ctx context.Context) (any, error)

// StartRefresher republishes the rates aggregate on a fixed cadence until
// ctx is cancelled. A failed refresh skips the tick; subscribers keep their
// last payload.
func (h *Hub) StartRefresher(ctx context.Context, interval time.Duration, refresh RefreshFunc) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				payload, err := refresh(ctx)
				if err != nil {
					h.log.WithError(err).Warn("scheduled rates refresh failed")
					continue
				}
				h.Publish(TopicRates, payload)
			}
		}
	}()
}
