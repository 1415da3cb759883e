package api

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"wasmscan/internal/eventbus"
)

// Hub fans flush summaries out to connected websocket clients. Slow clients
// are dropped rather than allowed to stall the broadcast.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
	log     zerolog.Logger
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		log:     log,
	}
}

// pump serializes bus events and broadcasts them until the channel closes.
func (h *Hub) pump(ch <-chan eventbus.Event) {
	for evt := range ch {
		msg := struct {
			Type    string      `json:"type"`
			Height  uint64      `json:"height"`
			Payload interface{} `json:"payload"`
		}{Type: evt.Type, Height: evt.Height, Payload: evt.Data}

		data, err := jsonit.Marshal(msg)
		if err != nil {
			continue
		}
		h.broadcast(data)
	}
}

func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(*http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 256)}
	if !s.hub.register(client) {
		conn.Close()
		return
	}

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
		conn.WriteMessage(websocket.CloseMessage, []byte{})
	}()

	// Reads are discarded; the socket is broadcast-only. The read loop exists
	// to notice the peer going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.hub.unregister(client)
}
