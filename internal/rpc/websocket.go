package rpc

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/chaincoord/internal/events"
	"github.com/klingon-exchange/chaincoord/pkg/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait / 2
	maxMessageSize = 4096
	clientBuffer   = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// EventType is the type of a WebSocket event. Engine events keep their
// events.Type name.
type EventType string

// EventSigningRequested announces a request waiting on signer_approve or
// signer_reject.
const EventSigningRequested EventType = "signing_requested"

// WSEvent is a WebSocket event message.
type WSEvent struct {
	Type      EventType   `json:"type"`
	Network   string      `json:"network,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// WSSubscription is a subscription request sent by a client. A client with
// no subscriptions receives every event.
type WSSubscription struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Events []string `json:"events"`
}

// WSClient is a connected WebSocket client.
type WSClient struct {
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[EventType]bool
	mu            sync.RWMutex
	hub           *WSHub
}

func (c *WSClient) wants(t EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[t]
}

// WSHub manages all WebSocket connections.
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan *WSEvent
	register   chan *WSClient
	unregister chan *WSClient
	stopped    chan struct{}
	log        *logging.Logger
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(log *logging.Logger) *WSHub {
	if log == nil {
		log = logging.GetDefault().Component("ws")
	}
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan *WSEvent, clientBuffer),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		stopped:    make(chan struct{}),
		log:        log,
	}
}

// Run runs the hub event loop until done is closed, then disconnects every
// client.
func (h *WSHub) Run(done <-chan struct{}) {
	defer func() {
		h.mu.Lock()
		for client := range h.clients {
			delete(h.clients, client)
			close(client.send)
		}
		h.mu.Unlock()
		close(h.stopped)
	}()

	for {
		select {
		case <-done:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("WebSocket client connected", "clients", n)

		case client := <-h.unregister:
			h.drop(client)
			h.log.Debug("WebSocket client disconnected", "clients", h.ClientCount())

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.log.Error("Failed to marshal event", "type", event.Type, "error", err)
				continue
			}

			var slow []*WSClient
			h.mu.RLock()
			for client := range h.clients {
				if !client.wants(event.Type) {
					continue
				}
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()

			for _, client := range slow {
				h.log.Warn("WebSocket client too slow, disconnecting")
				h.drop(client)
			}
		}
	}
}

func (h *WSHub) drop(client *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// Broadcast queues an event for every client subscribed to its type. The
// event is dropped when the hub is backed up.
func (h *WSHub) Broadcast(eventType EventType, network string, data interface{}) {
	ev := &WSEvent{Type: eventType, Network: network, Data: data, Timestamp: time.Now().Unix()}
	select {
	case h.broadcast <- ev:
	default:
		h.log.Warn("Broadcast channel full, dropping event", "type", eventType)
	}
}

// ClientCount reports how many clients are connected.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return n
}

// attach hands a new client to the hub loop. It reports false once the hub
// has stopped.
func (h *WSHub) attach(conn *websocket.Conn) (*WSClient, bool) {
	c := &WSClient{
		conn:          conn,
		send:          make(chan []byte, clientBuffer),
		subscriptions: make(map[EventType]bool),
		hub:           h,
	}
	select {
	case h.register <- c:
		return c, true
	case <-h.stopped:
		return nil, false
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed", "error", err)
		return
	}
	client, ok := s.wsHub.attach(conn)
	if !ok {
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

// readPump reads subscription messages from the connection.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopped:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("Client closed unexpectedly", "error", err)
			}
			return
		}

		var sub WSSubscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.handleSubscription(&sub)
		}
	}
}

// writePump writes queued events and keepalive pings to the connection.
// Each event is sent as its own text message.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

func (c *WSClient) handleSubscription(sub *WSSubscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch sub.Action {
	case "subscribe":
		for _, name := range sub.Events {
			c.subscriptions[EventType(name)] = true
		}
	case "unsubscribe":
		for _, name := range sub.Events {
			delete(c.subscriptions, EventType(name))
		}
	default:
		c.hub.log.Debug("Unknown subscription action", "action", sub.Action)
	}
}

// engineEventTypes lists the event names a client may subscribe to.
func engineEventTypes() []EventType {
	out := make([]EventType, 0, len(events.AllTypes)+1)
	for _, t := range events.AllTypes {
		out = append(out, EventType(t))
	}
	return append(out, EventSigningRequested)
}
