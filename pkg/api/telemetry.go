package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arctos-robotics/armd/pkg/motion"
)

const (
	writeWait      = 5 * time.Second
	clientBacklog  = 8
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The daemon serves a trusted LAN; the browser UI connects cross-origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub fans motion status updates out to WebSocket clients. It satisfies
// motion.Telemetry: the control loop skips serialization entirely while no
// client is connected, and slow clients drop frames rather than stall the
// loop.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan motion.Status
}

// NewHub returns an empty telemetry hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]chan motion.Status)}
}

// HasConsumers reports whether any client is connected.
func (h *Hub) HasConsumers() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients) > 0
}

// Publish queues the update to every client, dropping for clients whose
// backlog is full.
func (h *Hub) Publish(st motion.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- st:
		default:
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams status updates until the
// client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: websocket upgrade: %v", err)
		return
	}
	ch := make(chan motion.Status, clientBacklog)

	h.mu.Lock()
	h.clients[conn] = ch
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("api: telemetry client connected (%d total)", n)

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		n := len(h.clients)
		h.mu.Unlock()
		conn.Close()
		log.Printf("api: telemetry client gone (%d left)", n)
	}()

	// Reader goroutine: we send only, but reads must be drained to notice
	// the close handshake.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(maxMessageSize)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case st := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(st); err != nil {
				return
			}
		}
	}
}
