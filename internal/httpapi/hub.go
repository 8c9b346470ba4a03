package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kubedeploy/orchestrator/internal/audit"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wireEvent is the wire shape a dashboard client receives over the
// websocket feed, trimmed from audit.Event to its JSON-safe fields.
type wireEvent struct {
	Type        string    `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	ExecutionID string    `json:"execution_id"`
	ModuleName  string    `json:"module_name"`
	Environment string    `json:"environment"`
	Payload     any       `json:"payload"`
}

// Hub fans every audit.Event out to live websocket subscribers over the
// usual register/unregister/broadcast channel triple.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]bool

	broadcast  chan wireEvent
	register   chan *websocket.Conn
	unregister chan *websocket.Conn

	logger *slog.Logger
}

// NewHub builds a Hub. Call Start in a goroutine before serving websocket
// connections.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan wireEvent, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		logger:     logger.With("component", "httpapi.hub"),
	}
}

// Start runs the hub's event loop until ctx is cancelled.
func (h *Hub) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				_ = conn.Close()
			}
			h.mu.Unlock()
		case event := <-h.broadcast:
			h.mu.RLock()
			for conn := range h.clients {
				go h.send(conn, event)
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) send(conn *websocket.Conn, event wireEvent) {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(event); err != nil {
		h.logger.Debug("websocket send failed, unregistering client", "error", err)
		h.unregister <- conn
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.Close()
		delete(h.clients, conn)
	}
}

// Emit implements audit.Sink, so the Hub can be wrapped around the real
// sink (pipeline.WithSink) to push every event live in addition to
// whatever durable fan-out the configured profile already does.
func (h *Hub) Emit(_ context.Context, event audit.Event) {
	we := wireEvent{
		Type:        string(event.Type),
		Timestamp:   event.Timestamp,
		ExecutionID: event.ExecutionID,
		ModuleName:  string(event.ModuleName),
		Environment: string(event.Environment),
		Payload:     event.Payload,
	}
	select {
	case h.broadcast <- we:
	default:
		h.logger.Warn("websocket broadcast channel full, dropping event", "type", event.Type)
	}
}

// ServeWS upgrades the request to a websocket and registers the
// connection for live event delivery. GET /v1/events
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	h.register <- conn
	go h.readPump(conn)
}

// readPump keeps the connection alive and notices client disconnects;
// this feed is push-only, so anything a client sends is ignored.
func (h *Hub) readPump(conn *websocket.Conn) {
	defer func() { h.unregister <- conn }()

	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()
	done := make(chan struct{})

	go func() {
		defer close(done)
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
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// FanSink wraps a primary audit.Sink and the Hub so every event reaches
// both the durable backend and every live websocket subscriber.
type FanSink struct {
	Primary audit.Sink
	Hub     *Hub
}

func (f FanSink) Emit(ctx context.Context, event audit.Event) {
	if f.Primary != nil {
		f.Primary.Emit(ctx, event)
	}
	if f.Hub != nil {
		f.Hub.Emit(ctx, event)
	}
}
