package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/fakeout-party/fakeout/go/internal/models"
	"github.com/fakeout-party/fakeout/go/internal/store"
	"github.com/google/uuid"
)

// SessionState is the REST snapshot of one game session, served to clients
// that want a one-shot read without subscribing.
type SessionState struct {
	Session    *models.GameSession `json:"session"`
	Players    []models.Player     `json:"players"`
	Round      *models.Round       `json:"round,omitempty"`
	Question   *models.Question    `json:"question,omitempty"`
	Answers    []models.Answer     `json:"answers,omitempty"`
	ServerTime time.Time           `json:"server_time"`
}

// StateProvider serves session snapshots.
type StateProvider interface {
	SessionState(ctx context.Context, sessionID uuid.UUID) (*SessionState, error)
}

// StoreStateProvider implements StateProvider over the backend store.
type StoreStateProvider struct {
	store store.Store
}

// NewStoreStateProvider creates a state provider backed by the store.
func NewStoreStateProvider(st store.Store) *StoreStateProvider {
	return &StoreStateProvider{store: st}
}

// SessionState assembles the snapshot. The question prompt and answers are
// only included once the round has one; answers are withheld during the
// answering phase so the correct answer cannot leak early.
func (p *StoreStateProvider) SessionState(ctx context.Context, sessionID uuid.UUID) (*SessionState, error) {
	session, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return nil, nil
	}

	players, err := p.store.ListPlayers(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list players: %w", err)
	}

	state := &SessionState{
		Session: session,
		Players: players,
	}
	state.ServerTime, err = p.store.GetServerTime(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get server time: %w", err)
	}

	round, err := p.store.GetCurrentRound(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get current round: %w", err)
	}
	if round == nil {
		return state, nil
	}
	state.Round = round

	question, err := p.store.GetQuestion(ctx, round.QuestionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get question: %w", err)
	}
	if question != nil {
		// Never ship the correct answer text while players are still writing
		// their fakes.
		q := *question
		if round.Status == models.RoundStatusAnswering {
			q.Answer = ""
		}
		state.Question = &q
	}

	if round.Status != models.RoundStatusAnswering {
		answers, err := p.store.ListAnswers(ctx, round.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list answers: %w", err)
		}
		state.Answers = answers
	}

	return state, nil
}
