// Package gateway is the websocket edge of the engine: per-canvas connection
// pools, an inbound message router feeding the write pipeline and the game
// machine, a JetStream consumer fanning engine events out to sockets, and the
// small HTTP query surface.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// MessageHandler routes inbound client messages. The router implements it;
// the indirection keeps the pump goroutines free of domain imports.
type MessageHandler interface {
	HandleMessage(ctx context.Context, conn *Connection, data []byte)
}

// ConnectionManager owns every live websocket, pooled per canvas.
type ConnectionManager struct {
	canvasConnections map[uuid.UUID]map[*Connection]bool
	mu                sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	handler  MessageHandler

	broadcastCh chan BroadcastMessage
}

// Connection is one client socket subscribed to one canvas.
type Connection struct {
	ID       string
	UserID   string
	CanvasID uuid.UUID
	Conn     *websocket.Conn
	Send     chan []byte
	Manager  *ConnectionManager

	ConnectedAt time.Time
	LastPing    time.Time

	// done signals shutdown to the pumps. Send itself is never closed, so
	// a broadcast racing teardown can never hit a closed channel.
	done      chan struct{}
	closeOnce sync.Once
}

// shutdown tears the connection down exactly once.
func (c *Connection) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.Conn != nil {
			c.Conn.Close()
		}
	})
}

// ConnectionConfig holds websocket tuning knobs.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage is one outbound event addressed to a canvas pool, or to a
// single user within it when UserID is set.
type BroadcastMessage struct {
	CanvasID uuid.UUID
	Event    *CanvasEvent
	UserID   string
}

// DefaultConnectionConfig returns production websocket settings.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a manager with no registered handler; wire one
// with SetHandler before serving connections.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		canvasConnections: make(map[uuid.UUID]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan BroadcastMessage, 1000),
	}
}

// SetHandler installs the inbound message router.
func (cm *ConnectionManager) SetHandler(handler MessageHandler) {
	cm.handler = handler
}

// Start processes broadcast messages until ctx is cancelled.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a websocket and starts its
// read and write pumps.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, userID string, canvasID uuid.UUID) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade websocket connection")
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		CanvasID:    canvasID,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
		done:        make(chan struct{}),
	}

	cm.registerConnection(connection)

	go connection.writePump()
	// The request context dies with the upgrade handler; the pumps outlive it.
	go connection.readPump(context.Background())

	log.Info().
		Str("connection_id", connection.ID).
		Str("user_id", userID).
		Str("canvas_id", canvasID.String()).
		Msg("websocket connection established")
	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.canvasConnections[conn.CanvasID] == nil {
		cm.canvasConnections[conn.CanvasID] = make(map[*Connection]bool)
	}
	cm.canvasConnections[conn.CanvasID][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("canvas_id", conn.CanvasID.String()).
		Int("total_connections", len(cm.canvasConnections[conn.CanvasID])).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	if connections, exists := cm.canvasConnections[conn.CanvasID]; exists {
		if _, exists := connections[conn]; exists {
			delete(connections, conn)

			if len(connections) == 0 {
				delete(cm.canvasConnections, conn.CanvasID)
			}

			log.Info().
				Str("connection_id", conn.ID).
				Str("user_id", conn.UserID).
				Str("canvas_id", conn.CanvasID.String()).
				Msg("connection unregistered")
		}
	}
	cm.mu.Unlock()

	conn.shutdown()
}

// BroadcastToCanvas sends an event to every connection of a canvas.
func (cm *ConnectionManager) BroadcastToCanvas(canvasID uuid.UUID, event *CanvasEvent) {
	select {
	case cm.broadcastCh <- BroadcastMessage{CanvasID: canvasID, Event: event}:
	default:
		log.Warn().Str("canvas_id", canvasID.String()).Msg("broadcast channel full, dropping message")
	}
}

// BroadcastToUser sends an event only to one user's connections on a canvas.
func (cm *ConnectionManager) BroadcastToUser(canvasID uuid.UUID, userID string, event *CanvasEvent) {
	select {
	case cm.broadcastCh <- BroadcastMessage{CanvasID: canvasID, Event: event, UserID: userID}:
	default:
		log.Warn().
			Str("canvas_id", canvasID.String()).
			Str("user_id", userID).
			Msg("broadcast channel full, dropping user message")
	}
}

func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	cm.mu.RLock()
	connections, exists := cm.canvasConnections[message.CanvasID]
	if !exists {
		cm.mu.RUnlock()
		return
	}

	var targets []*Connection
	for conn := range connections {
		if message.UserID != "" && conn.UserID != message.UserID {
			continue
		}
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	eventData, err := json.Marshal(message.Event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	for _, conn := range targets {
		if !conn.enqueue(eventData) {
			// Slow or dead consumer; drop it rather than stall the canvas.
			log.Warn().
				Str("connection_id", conn.ID).
				Str("user_id", conn.UserID).
				Msg("connection send buffer full, closing connection")
			cm.unregisterConnection(conn)
		}
	}

	log.Debug().
		Str("event_type", string(message.Event.Type)).
		Str("canvas_id", message.CanvasID.String()).
		Int("connections", len(targets)).
		Msg("event broadcasted")
}

// Stats summarizes the live connection pools.
type Stats struct {
	TotalConnections  int            `json:"total_connections"`
	ActiveCanvases    int            `json:"active_canvases"`
	CanvasConnections map[string]int `json:"canvas_connections"`
}

// GetConnectionStats returns statistics about active connections.
func (cm *ConnectionManager) GetConnectionStats() Stats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := Stats{CanvasConnections: make(map[string]int)}
	for canvasID, connections := range cm.canvasConnections {
		stats.TotalConnections += len(connections)
		stats.CanvasConnections[canvasID.String()] = len(connections)
	}
	stats.ActiveCanvases = len(cm.canvasConnections)
	return stats
}

// SendEvent marshals an event and queues it on this connection only.
func (c *Connection) SendEvent(event *CanvasEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to marshal direct event")
		return
	}
	if !c.enqueue(data) {
		log.Warn().Str("connection_id", c.ID).Msg("send buffer full, direct event dropped")
	}
}

// enqueue places data on the send channel without blocking. A false return
// means the connection is shut down or the consumer is too slow to keep.
func (c *Connection) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to websocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
			c.LastPing = time.Now()
		}
	}
}

func (c *Connection) readPump(ctx context.Context) {
	defer c.Manager.unregisterConnection(c)

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected websocket close error")
			}
			break
		}

		if c.Manager.handler != nil {
			c.Manager.handler.HandleMessage(ctx, c, message)
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
