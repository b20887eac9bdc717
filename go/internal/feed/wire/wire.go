// Package wire defines the JSON envelope spoken between the realtime gateway
// and its WebSocket clients. Both sides share this package so the framing
// lives in exactly one place.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fakeout-party/fakeout/go/internal/feed"
	"github.com/google/uuid"
)

// MessageType discriminates envelope payloads.
type MessageType string

const (
	// Server -> client.
	TypeChange       MessageType = "change"
	TypeBroadcast    MessageType = "broadcast"
	TypePresenceSync MessageType = "presence_sync"
	TypePresenceDiff MessageType = "presence_diff"

	// Client -> server.
	TypeTrack MessageType = "track"
)

// Message is the envelope for every frame on the socket.
type Message struct {
	Type      MessageType     `json:"type"`
	SessionID uuid.UUID       `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// ChangePayload carries one row-level change notification.
type ChangePayload struct {
	Table  string          `json:"table"`
	Action string          `json:"action"`
	Record json.RawMessage `json:"record"`
}

// BroadcastPayload carries an ad-hoc named broadcast.
type BroadcastPayload struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// PresenceSyncPayload carries the full presence set of a session.
type PresenceSyncPayload struct {
	Members []feed.PresenceMember `json:"members"`
}

// PresenceDiffPayload carries incremental presence changes.
type PresenceDiffPayload struct {
	Joined []feed.PresenceMember `json:"joined,omitempty"`
	Left   []uuid.UUID           `json:"left,omitempty"`
}

// TrackPayload is the client's presence announcement.
type TrackPayload struct {
	Member feed.PresenceMember `json:"member"`
}

// NewMessage wraps a payload into an envelope.
func NewMessage(t MessageType, sessionID uuid.UUID, at time.Time, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return Message{Type: t, SessionID: sessionID, Timestamp: at, Data: data}, nil
}

// DecodeEvents converts a server frame into the typed feed events it implies.
// Unknown message types decode to nothing; old clients must tolerate new
// frame kinds.
func DecodeEvents(msg Message) ([]feed.Event, error) {
	switch msg.Type {
	case TypeChange:
		var p ChangePayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return nil, fmt.Errorf("failed to decode change frame: %w", err)
		}
		ev, err := feed.DecodeChange(p.Table, p.Action, p.Record)
		if err != nil {
			return nil, err
		}
		return []feed.Event{ev}, nil

	case TypeBroadcast:
		var p BroadcastPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return nil, fmt.Errorf("failed to decode broadcast frame: %w", err)
		}
		return []feed.Event{feed.BroadcastReceived{Name: p.Name, Payload: p.Payload}}, nil

	case TypePresenceSync:
		var p PresenceSyncPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return nil, fmt.Errorf("failed to decode presence sync frame: %w", err)
		}
		return []feed.Event{feed.PresenceSynced{Members: p.Members}}, nil

	case TypePresenceDiff:
		var p PresenceDiffPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return nil, fmt.Errorf("failed to decode presence diff frame: %w", err)
		}
		events := make([]feed.Event, 0, len(p.Joined)+len(p.Left))
		for _, m := range p.Joined {
			events = append(events, feed.PresenceJoined{Member: m})
		}
		for _, id := range p.Left {
			events = append(events, feed.PresenceLeft{PlayerID: id})
		}
		return events, nil

	default:
		return nil, nil
	}
}
