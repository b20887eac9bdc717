// Package memstore provides an in-memory Store with the same uniqueness and
// idempotency semantics as the Postgres backend. It backs tests and local
// single-process runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fakeout-party/fakeout/go/internal/models"
	"github.com/fakeout-party/fakeout/go/internal/scoring"
	"github.com/fakeout-party/fakeout/go/internal/store"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Store holds all game state in maps guarded by one mutex. The clock is
// injectable so tests control the server time authority.
type Store struct {
	clock clockwork.Clock

	mu        sync.Mutex
	sessions  map[uuid.UUID]*models.GameSession
	players   map[uuid.UUID]*models.Player
	rounds    map[uuid.UUID]*models.Round
	questions map[uuid.UUID]*models.Question
	answers   map[uuid.UUID]*models.Answer
	votes     map[uuid.UUID]*models.Vote
}

// New creates an empty store.
func New(clock clockwork.Clock) *Store {
	return &Store{
		clock:     clock,
		sessions:  make(map[uuid.UUID]*models.GameSession),
		players:   make(map[uuid.UUID]*models.Player),
		rounds:    make(map[uuid.UUID]*models.Round),
		questions: make(map[uuid.UUID]*models.Question),
		answers:   make(map[uuid.UUID]*models.Answer),
		votes:     make(map[uuid.UUID]*models.Vote),
	}
}

// Seed helpers. These bypass constraint checks; tests set up whatever state
// they need.

func (s *Store) PutSession(gs models.GameSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[gs.ID] = &gs
}

func (s *Store) PutPlayer(p models.Player) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.players[p.ID] = &p
}

func (s *Store) PutRound(r models.Round) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rounds[r.ID] = &r
}

func (s *Store) PutQuestion(q models.Question) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.questions[q.ID] = &q
}

func (s *Store) PutAnswer(a models.Answer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[a.ID] = &a
}

func (s *Store) PutVote(v models.Vote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votes[v.ID] = &v
}

func (s *Store) GetSession(ctx context.Context, sessionID uuid.UUID) (*models.GameSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gs, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *gs
	return &cp, nil
}

func (s *Store) ListPlayers(ctx context.Context, sessionID uuid.UUID) ([]models.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Player
	for _, p := range s.players {
		if p.SessionID == sessionID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (s *Store) GetCurrentRound(ctx context.Context, sessionID uuid.UUID) (*models.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.currentRoundLocked(sessionID)
	if r == nil {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *Store) currentRoundLocked(sessionID uuid.UUID) *models.Round {
	var best *models.Round
	for _, r := range s.rounds {
		if r.SessionID != sessionID {
			continue
		}
		if best == nil || r.RoundNumber > best.RoundNumber {
			best = r
		}
	}
	return best
}

func (s *Store) GetQuestion(ctx context.Context, questionID uuid.UUID) (*models.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[questionID]
	if !ok {
		return nil, nil
	}
	cp := *q
	return &cp, nil
}

func (s *Store) ListAnswers(ctx context.Context, roundID uuid.UUID) ([]models.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listAnswersLocked(roundID), nil
}

func (s *Store) listAnswersLocked(roundID uuid.UUID) []models.Answer {
	var out []models.Answer
	for _, a := range s.answers {
		if a.RoundID == roundID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) GetPlayerAnswer(ctx context.Context, roundID, playerID uuid.UUID) (*models.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.playerAnswerLocked(roundID, playerID)
	if a == nil {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *Store) playerAnswerLocked(roundID, playerID uuid.UUID) *models.Answer {
	for _, a := range s.answers {
		if a.RoundID == roundID && a.PlayerID != nil && *a.PlayerID == playerID {
			return a
		}
	}
	return nil
}

func (s *Store) GetPlayerVote(ctx context.Context, roundID, voterID uuid.UUID) (*models.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.playerVoteLocked(roundID, voterID)
	if v == nil {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (s *Store) playerVoteLocked(roundID, voterID uuid.UUID) *models.Vote {
	for _, v := range s.votes {
		if v.RoundID == roundID && v.VoterID == voterID {
			return v
		}
	}
	return nil
}

// SubmitAnswer enforces one answer per (round, player); duplicates resolve to
// the existing row.
func (s *Store) SubmitAnswer(ctx context.Context, roundID, playerID uuid.UUID, text string) (*models.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.playerAnswerLocked(roundID, playerID); existing != nil {
		cp := *existing
		return &cp, nil
	}

	pid := playerID
	a := &models.Answer{
		ID:        uuid.New(),
		RoundID:   roundID,
		PlayerID:  &pid,
		Text:      text,
		CreatedAt: s.clock.Now(),
	}
	s.answers[a.ID] = a
	cp := *a
	return &cp, nil
}

// SubmitVote enforces one vote per (round, voter) and rejects self-votes.
func (s *Store) SubmitVote(ctx context.Context, roundID, voterID, answerID uuid.UUID) (*models.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.answers[answerID]
	if !ok || target.RoundID != roundID {
		return nil, store.ErrAnswerNotFound
	}
	if target.PlayerID != nil && *target.PlayerID == voterID {
		return nil, store.ErrOwnAnswerVote
	}

	if existing := s.playerVoteLocked(roundID, voterID); existing != nil {
		cp := *existing
		return &cp, nil
	}

	v := &models.Vote{
		ID:        uuid.New(),
		RoundID:   roundID,
		VoterID:   voterID,
		AnswerID:  answerID,
		CreatedAt: s.clock.Now(),
	}
	s.votes[v.ID] = v
	cp := *v
	return &cp, nil
}

// CreateRound is idempotent on (session, round number).
func (s *Store) CreateRound(ctx context.Context, req store.CreateRoundRequest) (*models.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rounds {
		if r.SessionID == req.SessionID && r.RoundNumber == req.RoundNumber {
			cp := *r
			return &cp, nil
		}
	}

	r := &models.Round{
		ID:            uuid.New(),
		SessionID:     req.SessionID,
		RoundNumber:   req.RoundNumber,
		QuestionID:    req.QuestionID,
		Status:        models.RoundStatusAnswering,
		TimerDuration: req.TimerDuration,
		QuorumCount:   req.QuorumCount,
		CreatedAt:     s.clock.Now(),
	}
	s.rounds[r.ID] = r
	cp := *r
	return &cp, nil
}

func (s *Store) GetServerTime(ctx context.Context) (time.Time, error) {
	return s.clock.Now(), nil
}

func (s *Store) GetTimeRemaining(ctx context.Context, roundID uuid.UUID) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[roundID]
	if !ok {
		return 0, nil
	}
	d := r.Deadline()
	if d == nil {
		return 0, nil
	}
	remaining := d.Sub(s.clock.Now())
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

func (s *Store) StartRoundTimer(ctx context.Context, roundID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[roundID]
	if !ok || r.TimerStartedAt != nil {
		return nil
	}
	now := s.clock.Now()
	r.TimerStartedAt = &now
	return nil
}

// AdvanceRoundPhase mirrors the backend procedure: idempotent on the current
// status, reveals the correct answer on answering->voting, scores and rolls
// the session forward on voting->completed.
func (s *Store) AdvanceRoundPhase(ctx context.Context, roundID uuid.UUID, from models.RoundStatus) (*models.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rounds[roundID]
	if !ok {
		return nil, fmt.Errorf("failed to advance round: %s not found", roundID)
	}
	if r.Status != from {
		cp := *r
		return &cp, nil
	}

	switch from {
	case models.RoundStatusAnswering:
		s.revealCorrectAnswerLocked(r)
		r.Status = models.RoundStatusVoting
		now := s.clock.Now()
		r.TimerStartedAt = &now
	case models.RoundStatusVoting:
		s.scoreRoundLocked(r)
		r.Status = models.RoundStatusCompleted
		if err := s.afterRoundCompletedLocked(r); err != nil {
			return nil, err
		}
	}

	cp := *r
	return &cp, nil
}

func (s *Store) revealCorrectAnswerLocked(r *models.Round) {
	for _, a := range s.answers {
		if a.RoundID == r.ID && a.IsCorrect {
			return
		}
	}
	q, ok := s.questions[r.QuestionID]
	if !ok {
		return
	}
	a := &models.Answer{
		ID:        uuid.New(),
		RoundID:   r.ID,
		Text:      q.Answer,
		IsCorrect: true,
		CreatedAt: s.clock.Now(),
	}
	s.answers[a.ID] = a
}

func (s *Store) scoreRoundLocked(r *models.Round) {
	var votes []models.Vote
	for _, v := range s.votes {
		if v.RoundID == r.ID {
			votes = append(votes, *v)
		}
	}
	result := scoring.ScoreRound(s.listAnswersLocked(r.ID), votes)

	for voteID, pts := range result.VotePoints {
		if v, ok := s.votes[voteID]; ok {
			v.PointsEarned = pts
		}
	}
	for playerID, pts := range result.PlayerPoints {
		if p, ok := s.players[playerID]; ok {
			p.Score += pts
		}
	}
}

func (s *Store) afterRoundCompletedLocked(r *models.Round) error {
	gs, ok := s.sessions[r.SessionID]
	if !ok {
		return nil
	}

	if r.RoundNumber >= gs.RoundCount {
		gs.Status = models.SessionStatusFinished
		gs.UpdatedAt = s.clock.Now()
		return nil
	}

	questionID, err := s.pickUnusedQuestionLocked(gs.ID)
	if err != nil {
		return err
	}
	quorum := 0
	for _, p := range s.players {
		if p.SessionID == gs.ID && p.ConnectionStatus == models.ConnectionStatusConnected {
			quorum++
		}
	}

	now := s.clock.Now()
	next := &models.Round{
		ID:             uuid.New(),
		SessionID:      gs.ID,
		RoundNumber:    r.RoundNumber + 1,
		QuestionID:     questionID,
		Status:         models.RoundStatusAnswering,
		TimerDuration:  r.TimerDuration,
		QuorumCount:    quorum,
		TimerStartedAt: &now,
		CreatedAt:      now,
	}
	s.rounds[next.ID] = next

	gs.CurrentRound = next.RoundNumber
	gs.UpdatedAt = s.clock.Now()
	return nil
}

func (s *Store) pickUnusedQuestionLocked(sessionID uuid.UUID) (uuid.UUID, error) {
	used := make(map[uuid.UUID]bool)
	for _, r := range s.rounds {
		if r.SessionID == sessionID {
			used[r.QuestionID] = true
		}
	}
	// Deterministic pick order keeps tests stable.
	var candidates []uuid.UUID
	for id := range s.questions {
		if !used[id] {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return uuid.Nil, store.ErrNoQuestionsLeft
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].String() < candidates[j].String()
	})
	return candidates[0], nil
}
