package models

import (
	"time"

	"github.com/google/uuid"
)

// RoundStatus defines the phase of a round.
type RoundStatus string

const (
	RoundStatusAnswering RoundStatus = "answering"
	RoundStatusVoting    RoundStatus = "voting"
	RoundStatusCompleted RoundStatus = "completed"
)

// Round represents one question cycle within a session. At most one round
// exists per (session, round number); round numbers start at 1 and are
// strictly increasing.
type Round struct {
	ID             uuid.UUID   `json:"id"`
	SessionID      uuid.UUID   `json:"session_id"`
	RoundNumber    int         `json:"round_number"`
	QuestionID     uuid.UUID   `json:"question_id"`
	Status         RoundStatus `json:"status"`
	TimerStartedAt *time.Time  `json:"timer_started_at,omitempty"`
	TimerDuration  int         `json:"timer_duration_sec"`
	// QuorumCount is snapshotted at round creation so that mid-round
	// disconnects don't change the completion threshold.
	QuorumCount int       `json:"quorum_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// Deadline returns the server-anchored instant the round timer expires, or
// nil when the timer has not been started.
func (r *Round) Deadline() *time.Time {
	if r.TimerStartedAt == nil {
		return nil
	}
	d := r.TimerStartedAt.Add(time.Duration(r.TimerDuration) * time.Second)
	return &d
}
