package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus defines the lifecycle status of a game session.
type SessionStatus string

const (
	SessionStatusWaiting  SessionStatus = "waiting"
	SessionStatusPlaying  SessionStatus = "playing"
	SessionStatusFinished SessionStatus = "finished"
)

// GameSession represents one play-through of the game, identified by a join code.
type GameSession struct {
	ID               uuid.UUID     `json:"id"`
	JoinCode         string        `json:"join_code"`
	Status           SessionStatus `json:"status"`
	RoundCount       int           `json:"round_count"`
	CurrentRound     int           `json:"current_round"`
	MaxPlayers       int           `json:"max_players"`
	CaptainPlayerID  *uuid.UUID    `json:"captain_player_id,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}
