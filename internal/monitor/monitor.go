// Package monitor implements the optional HTTP + WebSocket status surface
// over the relay's live registry, in the idiom of the teacher's
// internal/signaling.Server (HTTP mux with /health and /api/stats) and its
// gorilla/websocket adapter.
package monitor

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nixrelay/turnrelay/internal/relay"
)

// StatsFunc returns a JSON-encodable snapshot of the relay's registry,
// typically *peerreg.Registry's Stats method.
type StatsFunc func() interface{}

// Hub wraps an http.Server exposing /health, /api/stats, and a /ws feed
// of relay.Events. It implements relay.EventSink.
type Hub struct {
	statsFn  StatsFunc
	upgrader websocket.Upgrader
	logger   *log.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewHub constructs a Hub. statsFn supplies the /api/stats payload.
func NewHub(statsFn StatsFunc, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Hub{
		statsFn: statsFn,
		logger:  logger,
		clients: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// wireEvent is the JSON shape streamed over /ws.
type wireEvent struct {
	Type      string    `json:"type"`
	PeerID    uint32    `json:"peer_id"`
	Addr      string    `json:"addr,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publish satisfies relay.EventSink, broadcasting evt to every connected
// /ws client. A client whose write fails is closed and dropped; no write
// deadline is set, so a slow client blocks Publish rather than being dropped.
func (h *Hub) Publish(evt relay.Event) {
	data, err := json.Marshal(wireEvent{
		Type:      evt.Type,
		PeerID:    evt.PeerID,
		Addr:      evt.Addr,
		Message:   evt.Message,
		Timestamp: time.Now(),
	})
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			c.Close()
			delete(h.clients, c)
		}
	}
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Hub) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.statsFn())
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("monitor: upgrade failed: %v", err)
		return
	}
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()
}

// Mux builds the handler tree; exported so cmd/turnrelay can wrap it or a
// caller can mount it alongside other routes.
func (h *Hub) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/api/stats", h.handleStats)
	mux.HandleFunc("/ws", h.handleWS)
	return mux
}

// ListenAndServe starts the HTTP server on addr. It blocks until the
// server stops or errors.
func (h *Hub) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h.Mux(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return srv.ListenAndServe()
}

// ClientCount reports how many /ws clients are currently connected.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
