package store

import (
	"context"
	"errors"
	"time"

	"github.com/fakeout-party/fakeout/go/internal/models"
	"github.com/google/uuid"
)

// ErrOwnAnswerVote is returned when a vote targets the voter's own answer.
// Clients check this before calling for immediate feedback; the store check
// is the real guarantee.
var ErrOwnAnswerVote = errors.New("store: cannot vote for own answer")

// ErrAnswerNotFound is returned when a vote targets an answer that does not
// exist in the round.
var ErrAnswerNotFound = errors.New("store: answer not found")

// ErrNoQuestionsLeft is returned when a new round is needed but every
// question has already been used in the session.
var ErrNoQuestionsLeft = errors.New("store: no unused questions left")

// CreateRoundRequest describes a round to create. Creation is idempotent on
// (session, round number): when the round already exists the existing row is
// returned, absorbing the race where two actors both decide to create it.
type CreateRoundRequest struct {
	SessionID     uuid.UUID
	RoundNumber   int
	QuestionID    uuid.UUID
	TimerDuration int
	QuorumCount   int
}

// Store is the authoritative backend the core consumes: CRUD-style row
// operations with server-enforced uniqueness, plus a small set of atomic
// server-side procedures. Reads that find nothing return (nil, nil) rather
// than an error; absence is routine, not a fault.
type Store interface {
	// Reads.
	GetSession(ctx context.Context, sessionID uuid.UUID) (*models.GameSession, error)
	ListPlayers(ctx context.Context, sessionID uuid.UUID) ([]models.Player, error)
	GetCurrentRound(ctx context.Context, sessionID uuid.UUID) (*models.Round, error)
	GetQuestion(ctx context.Context, questionID uuid.UUID) (*models.Question, error)
	ListAnswers(ctx context.Context, roundID uuid.UUID) ([]models.Answer, error)
	GetPlayerAnswer(ctx context.Context, roundID, playerID uuid.UUID) (*models.Answer, error)
	GetPlayerVote(ctx context.Context, roundID, voterID uuid.UUID) (*models.Vote, error)

	// Writes. Unique-constraint collisions resolve to the existing row, never
	// an error: retries after a flaky request must be safe to repeat.
	SubmitAnswer(ctx context.Context, roundID, playerID uuid.UUID, text string) (*models.Answer, error)
	SubmitVote(ctx context.Context, roundID, voterID, answerID uuid.UUID) (*models.Vote, error)
	CreateRound(ctx context.Context, req CreateRoundRequest) (*models.Round, error)

	// Server-side procedures.
	GetServerTime(ctx context.Context) (time.Time, error)
	GetTimeRemaining(ctx context.Context, roundID uuid.UUID) (time.Duration, error)
	StartRoundTimer(ctx context.Context, roundID uuid.UUID) error
	// AdvanceRoundPhase advances a round out of the given phase. It is
	// idempotent: when the round has already advanced, the current row is
	// returned unchanged. The server is the sole arbiter of phase order.
	AdvanceRoundPhase(ctx context.Context, roundID uuid.UUID, from models.RoundStatus) (*models.Round, error)
}
