package feed

import (
	"encoding/json"
	"time"

	"github.com/fakeout-party/fakeout/go/internal/models"
	"github.com/google/uuid"
)

// Event is the discriminated union of everything a change feed subscription
// can observe. Consumers type-switch over it; adding a kind is a compile-time
// visible change, not an optional callback nobody remembers to check.
type Event interface {
	feedEvent()
}

// Connected fires when the channel is established for the first time.
type Connected struct {
	SessionID uuid.UUID
}

// Reconnected fires instead of Connected when the establishment follows one
// or more failed attempts.
type Reconnected struct {
	SessionID uuid.UUID
	Attempts  int
}

// FeedDown fires once when the retry budget is exhausted. A final attempt is
// still scheduled after a long cooldown; the feed never gives up permanently.
type FeedDown struct {
	SessionID uuid.UUID
	Err       error
}

// PlayerJoined reports an inserted player row.
type PlayerJoined struct {
	Player models.Player
}

// PlayerUpdated reports an updated player row (score, connection flag, name).
type PlayerUpdated struct {
	Player models.Player
}

// PlayerLeft reports a deleted player row.
type PlayerLeft struct {
	PlayerID uuid.UUID
}

// SessionUpdated reports a session row mutation, including the
// waiting->playing and playing->finished transitions.
type SessionUpdated struct {
	Session models.GameSession
}

// RoundCreated reports an inserted round row.
type RoundCreated struct {
	Round models.Round
}

// RoundStatusChanged reports an updated round row (phase or timer change).
type RoundStatusChanged struct {
	Round models.Round
}

// AnswerSubmitted reports an inserted answer row.
type AnswerSubmitted struct {
	Answer models.Answer
}

// VoteSubmitted reports an inserted vote row.
type VoteSubmitted struct {
	Vote models.Vote
}

// PresenceMember is one ephemeral presence announcement, keyed by player id.
type PresenceMember struct {
	PlayerID  uuid.UUID `json:"player_id"`
	Name      string    `json:"name"`
	IsHost    bool      `json:"is_host"`
	TrackedAt time.Time `json:"tracked_at"`
}

// PresenceSynced carries the full current presence set.
type PresenceSynced struct {
	Members []PresenceMember
}

// PresenceJoined reports a single member starting to track presence.
type PresenceJoined struct {
	Member PresenceMember
}

// PresenceLeft reports a member's presence expiring or being untracked.
type PresenceLeft struct {
	PlayerID uuid.UUID
}

// BroadcastReceived carries an ad-hoc application broadcast. Heartbeat
// broadcasts from other clients arrive here and count purely as liveness
// evidence.
type BroadcastReceived struct {
	Name    string
	Payload json.RawMessage
}

func (Connected) feedEvent()          {}
func (Reconnected) feedEvent()        {}
func (FeedDown) feedEvent()           {}
func (PlayerJoined) feedEvent()       {}
func (PlayerUpdated) feedEvent()      {}
func (PlayerLeft) feedEvent()         {}
func (SessionUpdated) feedEvent()     {}
func (RoundCreated) feedEvent()       {}
func (RoundStatusChanged) feedEvent() {}
func (AnswerSubmitted) feedEvent()    {}
func (VoteSubmitted) feedEvent()      {}
func (PresenceSynced) feedEvent()     {}
func (PresenceJoined) feedEvent()     {}
func (PresenceLeft) feedEvent()       {}
func (BroadcastReceived) feedEvent()  {}

// HeartbeatBroadcast is the reserved broadcast name used to keep the
// transport from silently idling.
const HeartbeatBroadcast = "heartbeat"
