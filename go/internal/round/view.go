package round

import (
	"time"

	"github.com/fakeout-party/fakeout/go/internal/models"
)

// View is the client's local belief about the current round, readable by the
// UI at any time. It is reconcilable to server truth within the reconciler's
// staleness window. Remaining is recomputed from the server-anchored timer
// start plus the clock offset on every call.
type View struct {
	Phase       Phase
	Session     *models.GameSession
	Players     []models.Player
	Round       *models.Round
	Question    *models.Question
	Answers     []models.Answer
	OwnAnswer   *models.Answer
	OwnVote     *models.Vote
	VotePending bool
	Remaining   time.Duration
}

// View returns a copy of the current state. Slices are copied; the embedded
// rows are immutable snapshots and must not be mutated by callers.
func (c *Coordinator) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := View{
		Phase:       c.phase,
		Session:     c.session,
		Round:       c.round,
		Question:    c.question,
		OwnAnswer:   c.ownAnswer,
		OwnVote:     c.ownVote,
		VotePending: c.votePending,
		Remaining:   c.remainingLocked(),
	}
	if len(c.players) > 0 {
		v.Players = append([]models.Player(nil), c.players...)
	}
	if len(c.answers) > 0 {
		v.Answers = append([]models.Answer(nil), c.answers...)
	}
	return v
}

// Remaining returns the countdown value: max(0, duration - elapsed), anchored
// to the server-assigned timer start.
func (c *Coordinator) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remainingLocked()
}

// CurrentPhase returns the current local phase.
func (c *Coordinator) CurrentPhase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}
