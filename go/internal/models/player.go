package models

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionStatus is the durable, persisted connection flag on a player row.
// It is distinct from ephemeral presence, which reflects a live transport
// connection and is never persisted.
type ConnectionStatus string

const (
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
)

// Player represents a participant in a game session. Players are never
// hard-deleted while the session is active; a reconnect reclaims the row.
type Player struct {
	ID               uuid.UUID        `json:"id"`
	SessionID        uuid.UUID        `json:"session_id"`
	Name             string           `json:"name"`
	Score            int              `json:"score"`
	IsHost           bool             `json:"is_host"`
	ConnectionStatus ConnectionStatus `json:"connection_status"`
	AvatarColor      string           `json:"avatar_color"`
	JoinedAt         time.Time        `json:"joined_at"`
}
