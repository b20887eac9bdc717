package presence

import (
	"sync"
	"time"

	"github.com/fakeout-party/fakeout/go/internal/feed"
	"github.com/fakeout-party/fakeout/go/internal/models"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// DefaultTTL is how long a presence announcement stays valid without being
// refreshed.
const DefaultTTL = 30 * time.Second

// Tracker is a thin derived view over change feed presence events: who has an
// active transport connection right now. This is deliberately not the same
// signal as the durable player row's connection flag; the two may disagree
// transiently.
type Tracker struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu       sync.Mutex
	sessions map[uuid.UUID]map[uuid.UUID]feed.PresenceMember
}

// NewTracker creates a tracker. ttl <= 0 uses DefaultTTL.
func NewTracker(clock clockwork.Clock, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		clock:    clock,
		ttl:      ttl,
		sessions: make(map[uuid.UUID]map[uuid.UUID]feed.PresenceMember),
	}
}

// Observe folds one feed event into the presence view. Non-presence events
// are ignored, so the whole event stream can be piped through.
func (t *Tracker) Observe(sessionID uuid.UUID, ev feed.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch e := ev.(type) {
	case feed.PresenceSynced:
		members := make(map[uuid.UUID]feed.PresenceMember, len(e.Members))
		for _, m := range e.Members {
			members[m.PlayerID] = m
		}
		t.sessions[sessionID] = members
	case feed.PresenceJoined:
		if t.sessions[sessionID] == nil {
			t.sessions[sessionID] = make(map[uuid.UUID]feed.PresenceMember)
		}
		t.sessions[sessionID][e.Member.PlayerID] = e.Member
	case feed.PresenceLeft:
		if members := t.sessions[sessionID]; members != nil {
			delete(members, e.PlayerID)
		}
	}
}

// IsPlayerOnline reports whether a fresh presence announcement exists for
// the player in the session.
func (t *Tracker) IsPlayerOnline(sessionID, playerID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	members := t.sessions[sessionID]
	if members == nil {
		return false
	}
	m, ok := members[playerID]
	if !ok {
		return false
	}
	return t.clock.Now().Sub(m.TrackedAt) <= t.ttl
}

// PresenceState returns the current non-expired presence set for a session.
func (t *Tracker) PresenceState(sessionID uuid.UUID) []feed.PresenceMember {
	t.mu.Lock()
	defer t.mu.Unlock()

	members := t.sessions[sessionID]
	out := make([]feed.PresenceMember, 0, len(members))
	now := t.clock.Now()
	for _, m := range members {
		if now.Sub(m.TrackedAt) <= t.ttl {
			out = append(out, m)
		}
	}
	return out
}

// IsSessionTracked reports whether any presence state has been observed for
// the session at all.
func (t *Tracker) IsSessionTracked(sessionID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[sessionID] != nil
}

// OnlineIndicator resolves the UI connection indicator for a player: prefer
// live presence when the session is tracked, fall back to the durable
// connection flag when it is not (e.g. freshly joined, presence not yet
// synced).
func (t *Tracker) OnlineIndicator(sessionID uuid.UUID, player models.Player) bool {
	if t.IsSessionTracked(sessionID) {
		return t.IsPlayerOnline(sessionID, player.ID)
	}
	return player.ConnectionStatus == models.ConnectionStatusConnected
}

// Untrack releases all presence state for a session.
func (t *Tracker) Untrack(sessionID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}
