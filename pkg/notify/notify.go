// Package notify fans the peer agent's peer_registered/data_received
// notifications out to an external chat UI over WebSocket, in addition to
// the in-process channel the agent itself exposes. It is a domain add-on,
// not a wire-protocol requirement: the hole-punch and demultiplex state
// machine (spec §4.2) runs identically whether or not a Hub is attached.
package notify

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// EventType names the kind of notification being broadcast.
type EventType string

const (
	// PeerRegistered fires exactly once per newly activated peer.
	PeerRegistered EventType = "peer_registered"
	// DataReceived fires for every inbound user datagram.
	DataReceived EventType = "data_received"
)

// Event is one notification broadcast to subscribed clients.
type Event struct {
	Type      EventType `json:"type"`
	Nickname  string    `json:"nickname,omitempty"`
	Payload   []byte    `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub broadcasts Events to every connected WebSocket client.
type Hub struct {
	log     *logrus.Entry
	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan Event
}

// NewHub returns an empty Hub.
func NewHub(log *logrus.Entry) *Hub {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Hub{log: log, clients: make(map[*client]struct{})}
}

// ServeHTTP upgrades the connection to a WebSocket and registers it as a
// broadcast subscriber until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("notify: websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan Event, 64)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

// Broadcast sends event to every connected client, dropping it for any
// client whose send buffer is full rather than blocking the caller.
func (h *Hub) Broadcast(event Event) {
	event.Timestamp = time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- event:
		default:
			h.log.Warn("notify: dropping event for slow subscriber")
		}
	}
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for event := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteJSON(event); err != nil {
			return
		}
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		close(c.send)
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
