package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nicktill/vitalsync/pkg/config"
	"github.com/nicktill/vitalsync/pkg/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// same origin, or no Origin header (non-browser clients)
		origin := r.Header.Get("Origin")
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// BatchEvent is broadcast to live feed clients after every stored batch.
type BatchEvent struct {
	BatchID  string         `json:"batch_id,omitempty"`
	Received int            `json:"received"`
	Inserted int            `json:"inserted"`
	Metrics  map[string]int `json:"metrics"`
	At       time.Time      `json:"at"`
}

// Hub fans stored batches out to websocket clients.
type Hub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
	done       chan struct{}
	log        *zap.Logger

	mu sync.RWMutex
}

// NewHub creates a hub. Run must be started before clients connect.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn, config.WSChannelBuffer),
		unregister: make(chan *websocket.Conn, config.WSChannelBuffer),
		broadcast:  make(chan []byte, config.WSBroadcastBuffer),
		done:       make(chan struct{}),
		log:        logging.OrNop(logger),
	}
}

// Run serves registrations and broadcasts until ctx is done, then closes
// every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.clients = make(map[*websocket.Conn]bool)
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Info("live feed client connected", zap.Int("clients", count))
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Info("live feed client disconnected", zap.Int("clients", count))
		case message := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn := range h.clients {
				_ = conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					h.log.Warn("live feed write failed", zap.Error(err))
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()

			if len(failed) > 0 {
				h.mu.Lock()
				for _, conn := range failed {
					delete(h.clients, conn)
					conn.Close()
				}
				h.mu.Unlock()
			}
		}
	}
}

// Broadcast queues v for every client. It drops the message when the
// broadcast buffer is full.
func (h *Hub) Broadcast(v any) error {
	message, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- message:
	default:
		h.log.Warn("live feed broadcast buffer full, dropping message")
	}
	return nil
}

// leave unregisters conn, or just closes it once Run has returned.
func (h *Hub) leave(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
		conn.Close()
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and keeps the connection registered until the
// client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		h.leave(conn)
	}()

	go func() {
		ticker := time.NewTicker(config.WSPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// WriteControl may run alongside the hub's writer
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(config.WSWriteDeadline)); err != nil {
					return
				}
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("live feed read failed", zap.Error(err))
			}
			return
		}
	}
}
