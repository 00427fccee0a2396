// Package api provides the operator-facing HTTP surface: a webhook-input
// endpoint that routes external signals through the Risk Governor and
// Executor exactly like a scan-cycle signal, read-only status
// endpoints, and a live coherence/lockdown-state WebSocket feed.
package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atlas-desktop/aethelgard/internal/events"
)

// MessageType discriminates broadcast payloads on the control-plane feed.
type MessageType string

const (
	MsgTypeCoherenceEvent MessageType = "coherence_event"
	MsgTypeLockdownState  MessageType = "lockdown_state"
	MsgTypeSessionStats   MessageType = "session_stats"
	MsgTypeSignalEvent    MessageType = "signal_event"
	MsgTypeHeartbeat      MessageType = "heartbeat"

	MsgTypeSubscribe   MessageType = "subscribe"
	MsgTypeUnsubscribe MessageType = "unsubscribe"
)

// WSMessage is one frame of the control-plane feed.
type WSMessage struct {
	Type      MessageType     `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Client is a single WebSocket subscriber.
type Client struct {
	id            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]bool
	mu            sync.RWMutex
}

// Hub fans out coherence events and lockdown-state transitions to every
// subscribed client. Adapted from the reference's PnL-ticker broadcast
// hub, repurposed for control-plane state instead of market data.
type Hub struct {
	logger     *zap.Logger
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	channels   map[string]map[*Client]bool
	mu         sync.RWMutex
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger.Named("api.hub"),
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		channels:   make(map[string]map[*Client]bool),
	}
}

// Run drives the hub's event loop. Call it in its own goroutine.
func (h *Hub) Run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				for channel := range client.subscriptions {
					if clients, ok := h.channels[channel]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.channels, channel)
						}
					}
				}
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.RUnlock()

		case <-ticker.C:
			h.sendHeartbeat()
		}
	}
}

func (h *Hub) sendHeartbeat() {
	data, _ := json.Marshal(WSMessage{Type: MsgTypeHeartbeat, Timestamp: time.Now().UnixMilli()})
	h.mu.RLock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
	h.mu.RUnlock()
}

func (h *Hub) Subscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Client]bool)
	}
	h.channels[channel][client] = true
	client.mu.Lock()
	client.subscriptions[channel] = true
	client.mu.Unlock()
}

func (h *Hub) Unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.channels[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.channels, channel)
		}
	}
	client.mu.Lock()
	delete(client.subscriptions, channel)
	client.mu.Unlock()
}

// publish marshals data onto channel, dropping silently if no one is
// subscribed — broadcast is best-effort, never a blocking dependency of
// the control loop.
func (h *Hub) publish(channel string, msgType MessageType, data interface{}) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to marshal broadcast payload", zap.Error(err))
		return
	}
	msg := WSMessage{Type: msgType, Channel: channel, Data: dataBytes, Timestamp: time.Now().UnixMilli()}
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast frame", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if clients, ok := h.channels[channel]; ok {
		for client := range clients {
			select {
			case client.send <- msgBytes:
			default:
			}
		}
	}
}

// BroadcastCoherenceEvent publishes one coherence-monitor finding.
func (h *Hub) BroadcastCoherenceEvent(ev interface{}) {
	h.publish("coherence", MsgTypeCoherenceEvent, ev)
}

// BroadcastLockdownState publishes a Risk Governor status snapshot.
func (h *Hub) BroadcastLockdownState(status interface{}) {
	h.publish("lockdown", MsgTypeLockdownState, status)
}

// BroadcastSessionStats publishes the latest session counters.
func (h *Hub) BroadcastSessionStats(stats interface{}) {
	h.publish("session", MsgTypeSessionStats, stats)
}

// BroadcastSignalEvent publishes a signal-lifecycle or feedback-loop
// notification (approval, rejection, execution, expiration, trade
// closure, tuner adjustment) on the "signals" channel.
func (h *Hub) BroadcastSignalEvent(ev interface{}) {
	h.publish("signals", MsgTypeSignalEvent, ev)
}

// SubscribeToBus wires the hub as a consumer of the control-plane event
// bus: every coherence, lockdown, cycle and signal-lifecycle event the
// orchestrator publishes is fanned out to subscribed WebSocket clients,
// replacing the direct orchestrator-to-hub push this hub used before the
// bus existed.
func (h *Hub) SubscribeToBus(bus *events.Bus) {
	bus.Subscribe(events.TypeCoherence, func(ev events.Event) error {
		h.BroadcastCoherenceEvent(ev.Payload)
		return nil
	})
	bus.Subscribe(events.TypeLockdownChanged, func(ev events.Event) error {
		h.BroadcastLockdownState(ev.Payload)
		return nil
	})
	bus.Subscribe(events.TypeCycleCompleted, func(ev events.Event) error {
		h.BroadcastSessionStats(ev.Payload)
		return nil
	})
	for _, t := range []events.Type{
		events.TypeSignalApproved, events.TypeSignalRejected, events.TypeSignalExecuted,
		events.TypeSignalExpired, events.TypeTradeClosed, events.TypeParamsUpdated,
	} {
		bus.Subscribe(t, func(ev events.Event) error {
			h.BroadcastSignalEvent(map[string]interface{}{"type": string(ev.Type), "data": ev.Payload})
			return nil
		})
	}
}

// ClientCount reports the number of connected WebSocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func newClient(id string, hub *Hub, conn *websocket.Conn) *Client {
	return &Client{id: id, hub: hub, conn: conn, send: make(chan []byte, 256), subscriptions: make(map[string]bool)}
}

// readPump drains subscribe/unsubscribe frames from the client; the feed
// is otherwise server-push only.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read error", zap.Error(err))
			}
			break
		}
		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case MsgTypeSubscribe:
			c.hub.Subscribe(c, msg.Channel)
		case MsgTypeUnsubscribe:
			c.hub.Unsubscribe(c, msg.Channel)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
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
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
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
