package models

import (
	"time"

	"github.com/google/uuid"
)

// Answer is a submission tied to (round, player), unique per pair. The one
// correct-answer row per round has a nil PlayerID and IsCorrect set; it is
// inserted by game logic when answering closes, not by a real player.
// Answers are immutable once written.
type Answer struct {
	ID        uuid.UUID  `json:"id"`
	RoundID   uuid.UUID  `json:"round_id"`
	PlayerID  *uuid.UUID `json:"player_id,omitempty"`
	Text      string     `json:"text"`
	IsCorrect bool       `json:"is_correct"`
	CreatedAt time.Time  `json:"created_at"`
}

// Vote is a (round, voter) pair pointing at an answer, unique per pair.
// PointsEarned is back-filled after scoring.
type Vote struct {
	ID           uuid.UUID `json:"id"`
	RoundID      uuid.UUID `json:"round_id"`
	VoterID      uuid.UUID `json:"voter_id"`
	AnswerID     uuid.UUID `json:"answer_id"`
	PointsEarned int       `json:"points_earned"`
	CreatedAt    time.Time `json:"created_at"`
}
