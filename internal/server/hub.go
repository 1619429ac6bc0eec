package server

import (
	"sync"
	"time"

	"github.com/danmuck/glasslink/internal/glasses"
	"github.com/gorilla/websocket"
)

const writeWait = 100 * time.Millisecond

// Envelope is the websocket wire form of one device event.
type Envelope struct {
	Type string        `json:"type"`
	Data glasses.Event `json:"data"`
	Time time.Time     `json:"time"`
}

func newEnvelope(ev glasses.Event) Envelope {
	return Envelope{Type: ev.EventName(), Data: ev, Time: time.Now().UTC()}
}

// Hub tracks websocket clients. A client that misses a write deadline is
// dropped.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]struct{})}
}

func (h *Hub) Add(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = struct{}{}
}

func (h *Hub) Remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		_ = conn.Close()
	}
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast writes msg to every client concurrently and waits for all of
// them. Callers must not broadcast from more than one goroutine.
func (h *Hub) Broadcast(msg any) {
	h.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
	}
	h.mu.Unlock()

	var (
		wg       sync.WaitGroup
		failedMu sync.Mutex
		failed   []*websocket.Conn
	)
	for _, conn := range clients {
		wg.Add(1)
		go func(c *websocket.Conn) {
			defer wg.Done()
			_ = c.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.WriteJSON(msg); err != nil {
				failedMu.Lock()
				failed = append(failed, c)
				failedMu.Unlock()
			}
		}(conn)
	}
	wg.Wait()

	for _, conn := range failed {
		h.Remove(conn)
	}
}

func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		delete(h.clients, conn)
		_ = conn.Close()
	}
}
