package engine

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
)

// Client wraps one connected websocket subscriber.
type Client struct {
	conn   *websocket.Conn
	userID string
	mu     sync.Mutex
}

// Hub fans broadcast messages out to every connected Client. Broadcasting is
// non-blocking: a full channel drops the message rather than stalling the
// caller (spec §4.3 — ticks are lossy by design).
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan interface{}
	register   chan *Client
	unregister chan *Client
	logger     *slog.Logger
	mu         sync.RWMutex
}

// NewHub builds a Hub. Call Run on its own goroutine to start fanning out.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan interface{}, 100),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

// Run processes register/unregister/broadcast events until the stop
// channel is closed by the caller; closing it is the only way Run returns.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("hub: client connected", "user_id", client.userID, "total", len(h.clients))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.conn.Close()
				h.logger.Info("hub: client disconnected", "user_id", client.userID, "total", len(h.clients))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("hub: marshal error", "error", err)
				continue
			}
			h.mu.RLock()
			for client := range h.clients {
				go client.send(data)
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast publishes message to every connected client. Non-blocking: if
// the internal buffer is full the message is dropped and logged.
func (h *Hub) Broadcast(message interface{}) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("hub: broadcast channel full, dropping message")
	}
}

// ClientCount reports the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *Client) send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Default().Warn("hub: write failed", "user_id", c.userID, "error", err)
	}
}

// RegisterClient enrolls a new websocket connection under userID (empty for
// anonymous tick subscribers).
func (h *Hub) RegisterClient(conn *websocket.Conn, userID string) *Client {
	client := &Client{conn: conn, userID: userID}
	h.register <- client
	return client
}

// UnregisterClient removes the Client wrapping conn, if any.
func (h *Hub) UnregisterClient(conn *websocket.Conn) {
	h.mu.RLock()
	for client := range h.clients {
		if client.conn == conn {
			h.mu.RUnlock()
			h.unregister <- client
			return
		}
	}
	h.mu.RUnlock()
}

// Broadcaster pulls the engine's public status on a fixed cadence and
// publishes it through a Hub. It survives the absence of subscribers and
// must not keep the process alive on shutdown (spec §4.3).
type Broadcaster struct {
	engine   *Engine
	hub      *Hub
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewBroadcaster builds a Broadcaster. Call Start to begin ticking.
func NewBroadcaster(e *Engine, hub *Hub, interval time.Duration) *Broadcaster {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Broadcaster{
		engine:   e,
		hub:      hub,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the broadcast loop on its own goroutine.
func (b *Broadcaster) Start() {
	go b.loop()
}

func (b *Broadcaster) loop() {
	defer close(b.done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			view, ok := b.engine.CurrentView()
			if !ok {
				continue
			}
			b.hub.Broadcast(Tick{
				RoundID:        view.RoundID,
				CommitIdx:      view.CommitIdx,
				ServerSeedHash: view.ServerSeedHash,
				Status:         view.Status,
				Multiplier:     view.Multiplier,
				StartedAt:      view.StartedAt,
			})
		}
	}
}

// Stop halts the broadcast loop and waits for it to exit. A background
// ticker must never keep the process alive, so Stop is safe to call even if
// the hub's Run loop has already exited.
func (b *Broadcaster) Stop() {
	close(b.stop)
	<-b.done
}
