// Package events fans out push-only WebSocket messages to every connected
// client: periodic VRAM/worker metrics, generation progress mirrored from
// the SD worker's SSE stream, and system alerts on worker health
// transitions. There is no subscription model; every connection receives
// every message.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const writeTimeout = 5 * time.Second

// Message types broadcast to every connected client.
const (
	MessageTypeMetrics     = "metrics"
	MessageTypeProgress    = "progress"
	MessageTypeSystemAlert = "system_alert"
)

// Envelope is the shape of every message sent over the socket.
type Envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Manager tracks active WebSocket connections and broadcasts to all of
// them. One Manager per orchestrator process.
type Manager struct {
	mu          sync.RWMutex
	connections map[string]*connection
	log         *slog.Logger
}

type connection struct {
	id   string
	conn *websocket.Conn
}

// NewManager creates an empty connection manager.
func NewManager(log *slog.Logger) *Manager {
	return &Manager{
		connections: make(map[string]*connection),
		log:         log,
	}
}

// HandleConnection registers conn and blocks, draining and discarding
// client frames (this feed is push-only), until the connection closes or
// ctx is cancelled.
func (m *Manager) HandleConnection(ctx context.Context, conn *websocket.Conn) {
	id := uuid.New().String()
	c := &connection{id: id, conn: conn}

	m.mu.Lock()
	m.connections[id] = c
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.connections, id)
		m.mu.Unlock()
	}()

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// ActiveConnections returns the number of currently connected clients.
func (m *Manager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// Broadcast sends an envelope of the given type to every connected
// client, skipping (and logging) any that fail to accept the write
// within writeTimeout.
func (m *Manager) Broadcast(msgType string, data interface{}) {
	payload, err := json.Marshal(Envelope{Type: msgType, Data: data})
	if err != nil {
		m.log.Error("marshal broadcast envelope", "type", msgType, "error", err)
		return
	}

	m.mu.RLock()
	conns := make([]*connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			m.log.Warn("websocket broadcast failed", "connection_id", c.id, "error", err)
		}
	}
}

// BroadcastMetrics pushes a VRAM/worker metrics snapshot.
func (m *Manager) BroadcastMetrics(data interface{}) { m.Broadcast(MessageTypeMetrics, data) }

// BroadcastProgress mirrors a generation progress event from the SD
// worker's SSE stream onto the socket feed.
func (m *Manager) BroadcastProgress(data interface{}) { m.Broadcast(MessageTypeProgress, data) }

// BroadcastSystemAlert announces a worker health transition (crash,
// restart, entering/leaving safe mode).
func (m *Manager) BroadcastSystemAlert(data interface{}) { m.Broadcast(MessageTypeSystemAlert, data) }
