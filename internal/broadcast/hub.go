// Package broadcast fans engine events out to websocket clients. Each
// client gets a bounded buffer; clients that cannot keep up are
// disconnected rather than allowed to stall the engine.
package broadcast

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mirror-core/internal/events"
)

// Envelope is the wire frame pushed to clients.
type Envelope struct {
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

const (
	clientBuffer = 128
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// streamedTopics are the events pushed to websocket clients.
var streamedTopics = []events.Event{
	events.EventSignalAccepted,
	events.EventSignalRejected,
	events.EventExecutionResult,
	events.EventPositionChange,
	events.EventTradeClosed,
	events.EventAccountStatus,
	events.EventCommandUpdate,
}

type client struct {
	conn *websocket.Conn
	send chan Envelope
}

// Hub bridges the event bus to websocket connections.
type Hub struct {
	bus *events.Bus

	mu      sync.Mutex
	clients map[*client]struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewHub creates the hub. Call Start before serving connections.
func NewHub(bus *events.Bus) *Hub {
	return &Hub{
		bus:     bus,
		clients: make(map[*client]struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Start subscribes to engine topics and begins fan-out.
func (h *Hub) Start() {
	for _, topic := range streamedTopics {
		ch, unsub := h.bus.Subscribe(topic, 256)
		h.wg.Add(1)
		go func(topic events.Event, ch <-chan any, unsub func()) {
			defer h.wg.Done()
			defer unsub()
			for {
				select {
				case <-h.stopCh:
					return
				case payload, ok := <-ch:
					if !ok {
						return
					}
					h.fanOut(Envelope{Topic: string(topic), Payload: payload, At: time.Now()})
				}
			}
		}(topic, ch, unsub)
	}
}

// fanOut delivers to every client without blocking; a full buffer
// marks the client for disconnection.
func (h *Hub) fanOut(env Envelope) {
	h.mu.Lock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- env:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		log.Printf("🐌 Dropping slow websocket client")
		h.remove(c)
	}
}

// Serve owns one websocket connection until it closes or falls behind.
func (h *Hub) Serve(conn *websocket.Conn) {
	c := &client{conn: conn, send: make(chan Envelope, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	log.Printf("🔌 Websocket client connected (%d total)", total)

	// Reader: discard inbound frames, detect close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.remove(c)
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(env); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		case <-h.stopCh:
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		c.conn.Close()
	}
	h.mu.Unlock()
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Stop disconnects everyone and halts fan-out.
func (h *Hub) Stop() {
	close(h.stopCh)
	h.wg.Wait()

	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		c.conn.Close()
	}
	h.mu.Unlock()
}
