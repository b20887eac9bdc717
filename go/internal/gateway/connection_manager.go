package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fakeout-party/fakeout/go/internal/feed"
	"github.com/fakeout-party/fakeout/go/internal/feed/wire"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Uplink carries client-originated frames onto the message bus. Everything a
// WebSocket client sends fans out through the bus, so in-cluster subscribers
// and other gateway instances see it too.
type Uplink interface {
	PublishBroadcast(ctx context.Context, sessionID uuid.UUID, name string, payload json.RawMessage) error
	PublishTrack(ctx context.Context, sessionID uuid.UUID, member feed.PresenceMember) error
}

// ConnectionManager owns the WebSocket connection pools, one per session, and
// the session presence registry.
type ConnectionManager struct {
	sessionConnections map[uuid.UUID]map[*Connection]bool
	presence           map[uuid.UUID]map[uuid.UUID]feed.PresenceMember
	mu                 sync.RWMutex

	upgrader websocket.Upgrader
	uplink   Uplink
	config   ConnectionConfig

	broadcastCh chan outboundFrame
}

// Connection represents one WebSocket client attached to a session.
type Connection struct {
	ID        string
	SessionID uuid.UUID
	Conn      *websocket.Conn
	Send      chan []byte
	Manager   *ConnectionManager

	ConnectedAt time.Time
	LastPing    time.Time

	// playerID is set once the client announces presence; used to clean the
	// registry up on disconnect.
	playerMu sync.Mutex
	playerID *uuid.UUID
}

// ConnectionConfig holds WebSocket tuning knobs.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	PresenceTTL     time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// outboundFrame is one marshaled envelope bound for every connection of a
// session.
type outboundFrame struct {
	SessionID uuid.UUID
	Data      []byte
}

// DefaultConnectionConfig returns default WebSocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		PresenceTTL:     60 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager.
func NewConnectionManager(config ConnectionConfig, uplink Uplink) *ConnectionManager {
	return &ConnectionManager{
		sessionConnections: make(map[uuid.UUID]map[*Connection]bool),
		presence:           make(map[uuid.UUID]map[uuid.UUID]feed.PresenceMember),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		uplink:      uplink,
		config:      config,
		broadcastCh: make(chan outboundFrame, 1000),
	}
}

// Start processes outbound frames and prunes expired presence until the
// context is cancelled.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	prune := time.NewTicker(cm.config.PresenceTTL / 2)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case frame := <-cm.broadcastCh:
			cm.handleBroadcast(frame)
		case <-prune.C:
			cm.pruneExpiredPresence()
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a WebSocket attached to the
// session and sends the current presence set as the first frame.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, sessionID uuid.UUID) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	cm.registerConnection(connection)
	cm.sendPresenceSync(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("session_id", sessionID.String()).
		Msg("WebSocket connection established")
	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.sessionConnections[conn.SessionID] == nil {
		cm.sessionConnections[conn.SessionID] = make(map[*Connection]bool)
	}
	cm.sessionConnections[conn.SessionID][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("session_id", conn.SessionID.String()).
		Int("total_connections", len(cm.sessionConnections[conn.SessionID])).
		Msg("connection registered")
}

// unregisterConnection removes a connection and, when it was the last one
// announcing its player, drops the player from the presence registry and
// tells the remaining clients.
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	conn.playerMu.Lock()
	playerID := conn.playerID
	conn.playerMu.Unlock()

	cm.mu.Lock()
	connections, exists := cm.sessionConnections[conn.SessionID]
	if !exists || !connections[conn] {
		cm.mu.Unlock()
		return
	}
	delete(connections, conn)
	close(conn.Send)
	if len(connections) == 0 {
		delete(cm.sessionConnections, conn.SessionID)
	}

	var departed *uuid.UUID
	if playerID != nil && !cm.playerStillConnectedLocked(conn.SessionID, *playerID) {
		if members := cm.presence[conn.SessionID]; members != nil {
			delete(members, *playerID)
		}
		departed = playerID
	}
	cm.mu.Unlock()

	log.Info().
		Str("connection_id", conn.ID).
		Str("session_id", conn.SessionID.String()).
		Msg("connection unregistered")

	if departed != nil {
		cm.broadcastPresenceDiff(conn.SessionID, wire.PresenceDiffPayload{Left: []uuid.UUID{*departed}})
	}
}

func (cm *ConnectionManager) playerStillConnectedLocked(sessionID, playerID uuid.UUID) bool {
	for other := range cm.sessionConnections[sessionID] {
		other.playerMu.Lock()
		match := other.playerID != nil && *other.playerID == playerID
		other.playerMu.Unlock()
		if match {
			return true
		}
	}
	return false
}

// TrackMember records a presence announcement in the registry. Called for
// both WebSocket tracks and bus-delivered announcements.
func (cm *ConnectionManager) TrackMember(sessionID uuid.UUID, member feed.PresenceMember) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.presence[sessionID] == nil {
		cm.presence[sessionID] = make(map[uuid.UUID]feed.PresenceMember)
	}
	cm.presence[sessionID][member.PlayerID] = member
}

// BroadcastFrame queues an envelope for every connection of the session.
func (cm *ConnectionManager) BroadcastFrame(sessionID uuid.UUID, msg wire.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal frame for broadcast")
		return
	}
	select {
	case cm.broadcastCh <- outboundFrame{SessionID: sessionID, Data: data}:
	default:
		log.Warn().Str("session_id", sessionID.String()).Msg("broadcast channel full, dropping frame")
	}
}

func (cm *ConnectionManager) broadcastPresenceDiff(sessionID uuid.UUID, diff wire.PresenceDiffPayload) {
	msg, err := wire.NewMessage(wire.TypePresenceDiff, sessionID, time.Now(), diff)
	if err != nil {
		log.Error().Err(err).Msg("failed to build presence diff")
		return
	}
	cm.BroadcastFrame(sessionID, msg)
}

// handleBroadcast delivers one frame to every connection of the session,
// evicting slow consumers.
func (cm *ConnectionManager) handleBroadcast(frame outboundFrame) {
	cm.mu.RLock()
	connections, exists := cm.sessionConnections[frame.SessionID]
	if !exists {
		cm.mu.RUnlock()
		return
	}
	targets := make([]*Connection, 0, len(connections))
	for conn := range connections {
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range targets {
		select {
		case conn.Send <- frame.Data:
		default:
			log.Warn().
				Str("connection_id", conn.ID).
				Msg("connection send buffer full, closing connection")
			cm.unregisterConnection(conn)
			conn.Conn.Close()
		}
	}
}

// sendPresenceSync pushes the session's current presence set to one freshly
// attached connection.
func (cm *ConnectionManager) sendPresenceSync(conn *Connection) {
	cm.mu.RLock()
	members := make([]feed.PresenceMember, 0, len(cm.presence[conn.SessionID]))
	now := time.Now()
	for _, m := range cm.presence[conn.SessionID] {
		if now.Sub(m.TrackedAt) <= cm.config.PresenceTTL {
			members = append(members, m)
		}
	}
	cm.mu.RUnlock()

	msg, err := wire.NewMessage(wire.TypePresenceSync, conn.SessionID, now,
		wire.PresenceSyncPayload{Members: members})
	if err != nil {
		log.Error().Err(err).Msg("failed to build presence sync")
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal presence sync")
		return
	}
	select {
	case conn.Send <- data:
	default:
	}
}

// pruneExpiredPresence drops announcements older than the TTL and tells the
// affected sessions.
func (cm *ConnectionManager) pruneExpiredPresence() {
	type expiry struct {
		sessionID uuid.UUID
		playerID  uuid.UUID
	}
	var expired []expiry

	cm.mu.Lock()
	now := time.Now()
	for sessionID, members := range cm.presence {
		for playerID, m := range members {
			if now.Sub(m.TrackedAt) > cm.config.PresenceTTL {
				delete(members, playerID)
				expired = append(expired, expiry{sessionID, playerID})
			}
		}
		if len(members) == 0 {
			delete(cm.presence, sessionID)
		}
	}
	cm.mu.Unlock()

	for _, e := range expired {
		cm.broadcastPresenceDiff(e.sessionID, wire.PresenceDiffPayload{Left: []uuid.UUID{e.playerID}})
	}
}

// GetConnectionStats returns statistics about active connections.
func (cm *ConnectionManager) GetConnectionStats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	totalConnections := 0
	sessionCounts := make(map[string]int)
	for sessionID, connections := range cm.sessionConnections {
		count := len(connections)
		totalConnections += count
		sessionCounts[sessionID.String()] = count
	}

	return map[string]interface{}{
		"total_connections":   totalConnections,
		"active_sessions":     len(cm.sessionConnections),
		"session_connections": sessionCounts,
	}
}

// writePump handles sending messages to the WebSocket connection.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.LastPing = time.Now()
		}
	}
}

// readPump handles frames arriving from the client.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}
		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage routes client frames onto the message bus. Nothing is
// relayed directly; the bus is the single fan-out path, so every gateway
// instance and in-cluster subscriber observes the same traffic.
func (c *Connection) handleClientMessage(message []byte) {
	var msg wire.Message
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Debug().
			Err(err).
			Str("connection_id", c.ID).
			Msg("dropping undecodable client frame")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.Manager.config.WriteTimeout)
	defer cancel()

	switch msg.Type {
	case wire.TypeBroadcast:
		var p wire.BroadcastPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			log.Debug().Err(err).Str("connection_id", c.ID).Msg("dropping bad broadcast frame")
			return
		}
		if err := c.Manager.uplink.PublishBroadcast(ctx, c.SessionID, p.Name, p.Payload); err != nil {
			log.Warn().Err(err).Str("connection_id", c.ID).Msg("failed to relay broadcast")
		}

	case wire.TypeTrack:
		var p wire.TrackPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			log.Debug().Err(err).Str("connection_id", c.ID).Msg("dropping bad track frame")
			return
		}
		c.playerMu.Lock()
		id := p.Member.PlayerID
		c.playerID = &id
		c.playerMu.Unlock()
		if err := c.Manager.uplink.PublishTrack(ctx, c.SessionID, p.Member); err != nil {
			log.Warn().Err(err).Str("connection_id", c.ID).Msg("failed to relay presence track")
		}

	default:
		log.Debug().
			Str("connection_id", c.ID).
			Str("type", string(msg.Type)).
			Msg("ignoring unexpected client frame")
	}
}
