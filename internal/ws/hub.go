// Package ws is the fan-out broadcaster: it maps named channels to the set
// of subscribed dashboard connections and pushes real-time updates to them.
//
// Channel taxonomy: "site:<id>" for one analytics property,
// "dashboard:<userId>" for a user's aggregate view, and "admin" for the
// global privileged feed.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tanvib/sitepulse/internal/domain"
)

// ChannelAdmin is the global privileged channel.
const ChannelAdmin = "admin"

// SiteChannel names the channel for one site.
func SiteChannel(siteID string) string { return "site:" + siteID }

// DashboardChannel names the per-user dashboard channel.
func DashboardChannel(userID string) string { return "dashboard:" + userID }

// Push message types.
const (
	TypeRealtimeData   = "realtime_data"
	TypeAnalyticsEvent = "analytics_event"
	TypeCustomEvent    = "custom_event"
	TypeNotification   = "notification"
	typePong           = "pong"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboards are served cross-origin
	},
}

// clientMessage is what a dashboard connection sends us.
type clientMessage struct {
	Type   string `json:"type"`
	SiteID string `json:"siteId,omitempty"`
	UserID string `json:"userId,omitempty"`
}

// push is the envelope for every server→client message.
type push struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// SnapshotSource supplies the current site snapshot sent to a connection as
// soon as it subscribes, so it does not wait for the next event.
type SnapshotSource interface {
	Snapshot(ctx context.Context, siteID string) (*domain.Snapshot, error)
}

// Hub owns channel membership. It is an explicitly constructed instance —
// no package-level registry — so tests can run several hubs side by side.
type Hub struct {
	mu        sync.RWMutex
	clients   map[*client]struct{}
	channels  map[string]map[*client]struct{}
	snapshots SnapshotSource
	logger    *slog.Logger
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	// channels this connection belongs to; guarded by hub.mu.
	channels map[string]struct{}
}

// NewHub creates a hub. snapshots may be nil (no snapshot-on-subscribe).
func NewHub(snapshots SnapshotSource, logger *slog.Logger) *Hub {
	return &Hub{
		clients:   make(map[*client]struct{}),
		channels:  make(map[string]map[*client]struct{}),
		snapshots: snapshots,
		logger:    logger,
	}
}

// HandleWebSocket upgrades the HTTP connection and starts the client pumps.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, 256),
		channels: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "total_clients", total)

	go c.writePump()
	go c.readPump()
}

// subscribe adds the connection to a channel. Idempotent. Site channels get
// the current snapshot pushed immediately.
func (h *Hub) subscribe(c *client, channel string, siteID string) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	members, ok := h.channels[channel]
	if !ok {
		members = make(map[*client]struct{})
		h.channels[channel] = members
	}
	members[c] = struct{}{}
	c.channels[channel] = struct{}{}
	h.mu.Unlock()

	if siteID != "" && h.snapshots != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		snap, err := h.snapshots.Snapshot(ctx, siteID)
		if err != nil {
			h.logger.Warn("initial snapshot unavailable", "error", err, "site_id", siteID)
			return
		}
		h.sendTo(c, push{Type: TypeRealtimeData, Channel: channel, Data: snap})
	}
}

// unsubscribe removes the connection from a channel. Empty member sets are
// discarded lazily.
func (h *Hub) unsubscribe(c *client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.channels[channel]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.channels, channel)
		}
	}
	delete(c.channels, channel)
}

// Publish delivers a message to every connection currently subscribed to
// the channel. Best-effort: a connection whose send buffer is full is
// dropped rather than allowed to stall the rest.
func (h *Hub) Publish(channel, msgType string, data any) {
	payload, err := json.Marshal(push{Type: msgType, Channel: channel, Data: data})
	if err != nil {
		h.logger.Error("failed to marshal push", "error", err, "channel", channel)
		return
	}

	h.mu.RLock()
	members := make([]*client, 0, len(h.channels[channel]))
	for c := range h.channels[channel] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	var stale []*client
	for _, c := range members {
		select {
		case c.send <- payload:
		default:
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		h.logger.Warn("dropping slow subscriber", "channel", channel)
		h.remove(c)
	}
}

// Notify pushes a human-readable notification to a channel. Used for
// degraded-backend messages; subscribers never see raw errors.
func (h *Hub) Notify(channel, message string) {
	h.Publish(channel, TypeNotification, map[string]string{"message": message})
}

// remove detaches the connection from every channel and closes its send
// queue. Safe to call more than once.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for channel := range c.channels {
		if members, ok := h.channels[channel]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	close(c.send)
	h.logger.Debug("websocket client disconnected", "total_clients", len(h.clients))
}

func (h *Hub) sendTo(c *client, p push) {
	payload, err := json.Marshal(p)
	if err != nil {
		h.logger.Error("failed to marshal push", "error", err)
		return
	}
	select {
	case c.send <- payload:
	default:
		h.remove(c)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscribers returns the number of connections on a channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// readPump consumes subscription commands and heartbeats until the
// connection drops, then detaches the client everywhere.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.logger.Debug("ignoring malformed client message", "error", err)
			continue
		}

		switch msg.Type {
		case "subscribe_site":
			if msg.SiteID != "" {
				c.hub.subscribe(c, SiteChannel(msg.SiteID), msg.SiteID)
			}
		case "unsubscribe_site":
			if msg.SiteID != "" {
				c.hub.unsubscribe(c, SiteChannel(msg.SiteID))
			}
		case "subscribe_dashboard":
			if msg.UserID != "" {
				c.hub.subscribe(c, DashboardChannel(msg.UserID), "")
			}
		case "subscribe_admin":
			c.hub.subscribe(c, ChannelAdmin, "")
		case "ping":
			c.hub.sendTo(c, push{Type: typePong})
		default:
			c.hub.logger.Debug("unknown client message type", "type", msg.Type)
		}
	}
}

// writePump drains the send queue to the socket and keeps the connection
// alive with protocol-level pings.
func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
