package feed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fakeout-party/fakeout/go/internal/models"
	"github.com/google/uuid"
)

// Transport opens logical duplex channels scoped to one session. A channel
// delivers typed events and accepts broadcasts and presence tracking.
type Transport interface {
	Join(ctx context.Context, sessionID uuid.UUID) (Channel, error)
}

// Channel is one established subscription. Events() is closed on abnormal
// closure; the subscriber reacts by entering its retry sequence.
type Channel interface {
	Events() <-chan Event
	Broadcast(ctx context.Context, name string, payload any) error
	Track(ctx context.Context, member PresenceMember) error
	Close() error
}

// Change tables and actions shared by every transport.
const (
	TableSessions = "game_sessions"
	TablePlayers  = "players"
	TableRounds   = "rounds"
	TableAnswers  = "answers"
	TableVotes    = "votes"

	ActionInsert = "INSERT"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
)

// DecodeChange converts a row-level change notification into a typed event.
// Transports call this so the mapping lives in exactly one place.
func DecodeChange(table, action string, record json.RawMessage) (Event, error) {
	switch table {
	case TableSessions:
		var s models.GameSession
		if err := json.Unmarshal(record, &s); err != nil {
			return nil, fmt.Errorf("failed to decode session change: %w", err)
		}
		return SessionUpdated{Session: s}, nil

	case TablePlayers:
		if action == ActionDelete {
			var ref struct {
				ID uuid.UUID `json:"id"`
			}
			if err := json.Unmarshal(record, &ref); err != nil {
				return nil, fmt.Errorf("failed to decode player delete: %w", err)
			}
			return PlayerLeft{PlayerID: ref.ID}, nil
		}
		var p models.Player
		if err := json.Unmarshal(record, &p); err != nil {
			return nil, fmt.Errorf("failed to decode player change: %w", err)
		}
		if action == ActionInsert {
			return PlayerJoined{Player: p}, nil
		}
		return PlayerUpdated{Player: p}, nil

	case TableRounds:
		var r models.Round
		if err := json.Unmarshal(record, &r); err != nil {
			return nil, fmt.Errorf("failed to decode round change: %w", err)
		}
		if action == ActionInsert {
			return RoundCreated{Round: r}, nil
		}
		return RoundStatusChanged{Round: r}, nil

	case TableAnswers:
		var a models.Answer
		if err := json.Unmarshal(record, &a); err != nil {
			return nil, fmt.Errorf("failed to decode answer change: %w", err)
		}
		return AnswerSubmitted{Answer: a}, nil

	case TableVotes:
		var v models.Vote
		if err := json.Unmarshal(record, &v); err != nil {
			return nil, fmt.Errorf("failed to decode vote change: %w", err)
		}
		return VoteSubmitted{Vote: v}, nil

	default:
		return nil, fmt.Errorf("unknown change table: %s", table)
	}
}
