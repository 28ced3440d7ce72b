// Package api serves the camera fleet status, intruder history, logs and
// live media over HTTP, and pushes intruder events to websocket clients.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Spatial-NVR/opensec/internal/core"
)

const (
	wsWriteWait   = 10 * time.Second
	wsPongWait    = 60 * time.Second
	wsPingEvery   = 30 * time.Second
	wsMaxInbound  = 4096
	wsSendBacklog = 64
	allCameras    = "*"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS middleware
	CheckOrigin: func(r *http.Request) bool { return true },
}

// MessageType names a websocket payload
type MessageType string

const (
	MessageTypeIntruder    MessageType = "intruder"
	MessageTypeCameraState MessageType = "camera_state"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
)

// Message is the envelope for every frame in both directions. Subscribe and
// unsubscribe carry a list of camera IDs in Data.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Client is one websocket connection. A new client watches every camera.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	watchMu sync.RWMutex
	watch   map[string]struct{}
}

func (c *Client) wants(cameraID string) bool {
	c.watchMu.RLock()
	defer c.watchMu.RUnlock()
	if _, ok := c.watch[allCameras]; ok {
		return true
	}
	_, ok := c.watch[cameraID]
	return ok
}

func (c *Client) setWatch(ids []string, on bool) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for _, id := range ids {
		if on {
			c.watch[id] = struct{}{}
		} else {
			delete(c.watch, id)
		}
	}
}

// Hub tracks connected clients and fans messages out to them. A client's
// send channel is only closed while holding mu, and only written while
// holding it for reading.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	closed  bool
	dropped atomic.Uint64

	logger *slog.Logger
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  slog.Default().With("component", "websocket"),
	}
}

// Run blocks until ctx ends, then disconnects every client and refuses new ones
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	n := len(h.clients)
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	h.logger.Debug("Websocket hub stopped", "disconnected", n, "dropped", h.dropped.Load())
}

func (h *Hub) add(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Debug("Client connected", "clients", len(h.clients))
	return true
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Debug("Client disconnected", "clients", len(h.clients))
}

// enqueue must be called with mu held for reading. Slow clients lose messages
// rather than stalling the bus handler.
func (h *Hub) enqueue(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hub) deliver(cameraID string, msg Message) {
	msg.Timestamp = time.Now()
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to encode websocket message", "type", msg.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if cameraID == "" || c.wants(cameraID) {
			h.enqueue(c, data)
		}
	}
}

// reply queues msg for a single client if it is still connected
func (h *Hub) reply(c *Client, msg Message) {
	msg.Timestamp = time.Now()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; ok {
		h.enqueue(c, data)
	}
}

// Broadcast sends msg to every client regardless of its camera filter
func (h *Hub) Broadcast(msg Message) {
	h.deliver("", msg)
}

// BroadcastToCamera sends msg to clients watching cameraID
func (h *Hub) BroadcastToCamera(cameraID string, msg Message) {
	h.deliver(cameraID, msg)
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Attach forwards intruder and camera status events from the bus
func (h *Hub) Attach(bus *core.EventBus) error {
	if _, err := bus.SubscribeIntruders(func(evt core.IntruderEvent) {
		h.BroadcastToCamera(evt.CameraID, IntruderMessage(evt))
	}); err != nil {
		return err
	}
	_, err := bus.SubscribeCameraStatus(func(evt core.CameraStatusEvent) {
		h.BroadcastToCamera(evt.CameraID, CameraStateMessage(evt))
	})
	return err
}

// HandleWebSocket upgrades the request and serves the connection until the
// peer leaves or the hub stops
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &Client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, wsSendBacklog),
		watch: map[string]struct{}{allCameras: {}},
	}
	if !h.add(c) {
		_ = conn.Close()
		return
	}

	go c.writeLoop()
	go c.readLoop()
}

func (c *Client) readLoop() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxInbound)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("Websocket read failed", "error", err)
			}
			return
		}
		c.handle(data)
	}
}

func (c *Client) writeLoop() {
	ping := time.NewTicker(wsPingEvery)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// inbound mirrors Message with a typed camera list
type inbound struct {
	Type MessageType `json:"type"`
	Data []string    `json:"data"`
}

func (c *Client) handle(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch msg.Type {
	case MessageTypePing:
		c.hub.reply(c, Message{Type: MessageTypePong})
	case MessageTypeSubscribe:
		c.setWatch(msg.Data, true)
	case MessageTypeUnsubscribe:
		c.setWatch(msg.Data, false)
	}
}

// IntruderMessage wraps an intruder event for clients
func IntruderMessage(evt core.IntruderEvent) Message {
	return Message{Type: MessageTypeIntruder, Data: evt}
}

// CameraStateMessage wraps a camera activity change for clients
func CameraStateMessage(evt core.CameraStatusEvent) Message {
	return Message{Type: MessageTypeCameraState, Data: evt}
}
