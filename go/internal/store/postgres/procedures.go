package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fakeout-party/fakeout/go/internal/feed"
	"github.com/fakeout-party/fakeout/go/internal/models"
	"github.com/fakeout-party/fakeout/go/internal/scoring"
	"github.com/fakeout-party/fakeout/go/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// GetServerTime reads the database clock, the single time authority for all
// round timers.
func (s *Store) GetServerTime(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("failed to get server time: %w", err)
	}
	return now, nil
}

// GetTimeRemaining computes the round's remaining timer duration against the
// database clock. Returns 0 for expired or never-started timers.
func (s *Store) GetTimeRemaining(ctx context.Context, roundID uuid.UUID) (time.Duration, error) {
	var remaining *float64
	err := s.pool.QueryRow(ctx,
		`SELECT EXTRACT(EPOCH FROM (timer_started_at + make_interval(secs => timer_duration_sec) - now()))
		 FROM rounds WHERE id = $1`, roundID).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get time remaining: %w", err)
	}
	if remaining == nil || *remaining <= 0 {
		return 0, nil
	}
	return time.Duration(*remaining * float64(time.Second)), nil
}

// StartRoundTimer anchors the round timer to the database clock. Idempotent:
// a timer that is already running is left untouched, so racing starters agree
// on one deadline.
func (s *Store) StartRoundTimer(ctx context.Context, roundID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE rounds SET timer_started_at = now() WHERE id = $1 AND timer_started_at IS NULL`,
		roundID)
	if err != nil {
		return fmt.Errorf("failed to start round timer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	r, err := scanRound(s.pool.QueryRow(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE id = $1`, roundID))
	if err != nil {
		return fmt.Errorf("failed to reload round: %w", err)
	}
	s.publish(ctx, r.SessionID, feed.TableRounds, feed.ActionUpdate, r)
	return nil
}

// pendingChange is a change notification collected during a transaction and
// published only after commit.
type pendingChange struct {
	table  string
	action string
	record any
}

// AdvanceRoundPhase moves a round out of the given phase inside one
// transaction, holding a row lock on the round so concurrent advance requests
// serialize. When the round has already left the phase the current row is
// returned unchanged; callers retrying after a timeout see the same outcome
// as the winner.
func (s *Store) AdvanceRoundPhase(ctx context.Context, roundID uuid.UUID, from models.RoundStatus) (*models.Round, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin advance: %w", err)
	}
	defer tx.Rollback(ctx)

	r, err := scanRound(tx.QueryRow(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE id = $1 FOR UPDATE`, roundID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock round: %w", err)
	}
	if r.Status != from {
		// Someone else already advanced; idempotent success.
		return r, nil
	}

	var changes []pendingChange
	switch from {
	case models.RoundStatusAnswering:
		r, changes, err = s.advanceToVoting(ctx, tx, r)
	case models.RoundStatusVoting:
		r, changes, err = s.completeRound(ctx, tx, r)
	default:
		return r, nil
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit advance: %w", err)
	}

	for _, ch := range changes {
		s.publish(ctx, r.SessionID, ch.table, ch.action, ch.record)
	}
	log.Info().
		Str("round_id", roundID.String()).
		Str("from", string(from)).
		Str("to", string(r.Status)).
		Msg("round phase advanced")
	return r, nil
}

// advanceToVoting reveals the correct answer among the fakes and restarts the
// timer for the voting phase.
func (s *Store) advanceToVoting(ctx context.Context, tx pgx.Tx, r *models.Round) (*models.Round, []pendingChange, error) {
	var changes []pendingChange

	// Insert the correct-answer row; the partial unique index absorbs the
	// retry where a previous attempt inserted it and then failed.
	correct, err := scanAnswer(tx.QueryRow(ctx,
		`INSERT INTO answers (id, round_id, player_id, text, is_correct)
		 SELECT $1, $2, NULL, q.answer, TRUE
		 FROM questions q JOIN rounds r ON r.question_id = q.id
		 WHERE r.id = $2
		 ON CONFLICT (round_id) WHERE is_correct DO NOTHING
		 RETURNING `+answerColumns,
		uuid.New(), r.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		correct = nil
	} else if err != nil {
		return nil, nil, fmt.Errorf("failed to insert correct answer: %w", err)
	}
	if correct != nil {
		changes = append(changes, pendingChange{feed.TableAnswers, feed.ActionInsert, correct})
	}

	updated, err := scanRound(tx.QueryRow(ctx,
		`UPDATE rounds SET status = $2, timer_started_at = now()
		 WHERE id = $1 RETURNING `+roundColumns,
		r.ID, models.RoundStatusVoting))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to advance round to voting: %w", err)
	}
	changes = append(changes, pendingChange{feed.TableRounds, feed.ActionUpdate, updated})
	return updated, changes, nil
}

// completeRound scores the round, back-fills per-vote points, applies score
// deltas to players, and either creates the next round or finishes the
// session.
func (s *Store) completeRound(ctx context.Context, tx pgx.Tx, r *models.Round) (*models.Round, []pendingChange, error) {
	var changes []pendingChange

	answers, err := listAnswersTx(ctx, tx, r.ID)
	if err != nil {
		return nil, nil, err
	}
	votes, err := listVotesTx(ctx, tx, r.ID)
	if err != nil {
		return nil, nil, err
	}

	result := scoring.ScoreRound(answers, votes)

	for voteID, pts := range result.VotePoints {
		if _, err := tx.Exec(ctx,
			`UPDATE votes SET points_earned = $2 WHERE id = $1`, voteID, pts); err != nil {
			return nil, nil, fmt.Errorf("failed to backfill vote points: %w", err)
		}
	}
	for playerID, pts := range result.PlayerPoints {
		p, err := scanPlayer(tx.QueryRow(ctx,
			`UPDATE players SET score = score + $2 WHERE id = $1 RETURNING `+playerColumns,
			playerID, pts))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to apply player score: %w", err)
		}
		changes = append(changes, pendingChange{feed.TablePlayers, feed.ActionUpdate, p})
	}

	updated, err := scanRound(tx.QueryRow(ctx,
		`UPDATE rounds SET status = $2 WHERE id = $1 RETURNING `+roundColumns,
		r.ID, models.RoundStatusCompleted))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to complete round: %w", err)
	}
	changes = append(changes, pendingChange{feed.TableRounds, feed.ActionUpdate, updated})

	nextChanges, err := s.afterRoundCompleted(ctx, tx, updated)
	if err != nil {
		return nil, nil, err
	}
	return updated, append(changes, nextChanges...), nil
}

// afterRoundCompleted creates the next round or finishes the session, under
// the same transaction as the completion.
func (s *Store) afterRoundCompleted(ctx context.Context, tx pgx.Tx, r *models.Round) ([]pendingChange, error) {
	session, err := scanSession(tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM game_sessions WHERE id = $1 FOR UPDATE`, r.SessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock session: %w", err)
	}

	if r.RoundNumber >= session.RoundCount {
		finished, err := scanSession(tx.QueryRow(ctx,
			`UPDATE game_sessions SET status = $2, updated_at = now()
			 WHERE id = $1 RETURNING `+sessionColumns,
			session.ID, models.SessionStatusFinished))
		if err != nil {
			return nil, fmt.Errorf("failed to finish session: %w", err)
		}
		return []pendingChange{{feed.TableSessions, feed.ActionUpdate, finished}}, nil
	}

	questionID, err := pickUnusedQuestion(ctx, tx, session.ID)
	if err != nil {
		return nil, err
	}
	quorum, err := countConnectedPlayers(ctx, tx, session.ID)
	if err != nil {
		return nil, err
	}

	// The successor round starts answering immediately, so its timer is
	// anchored in the same transaction; no separate StartRoundTimer call is
	// needed for server-created rounds.
	next, err := scanRound(tx.QueryRow(ctx,
		`INSERT INTO rounds (id, session_id, round_number, question_id, status, timer_duration_sec, quorum_count, timer_started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 RETURNING `+roundColumns,
		uuid.New(), session.ID, r.RoundNumber+1, questionID,
		models.RoundStatusAnswering, r.TimerDuration, quorum))
	if err != nil {
		return nil, fmt.Errorf("failed to create next round: %w", err)
	}

	updatedSession, err := scanSession(tx.QueryRow(ctx,
		`UPDATE game_sessions SET current_round = $2, updated_at = now()
		 WHERE id = $1 RETURNING `+sessionColumns,
		session.ID, next.RoundNumber))
	if err != nil {
		return nil, fmt.Errorf("failed to bump current round: %w", err)
	}

	return []pendingChange{
		{feed.TableRounds, feed.ActionInsert, next},
		{feed.TableSessions, feed.ActionUpdate, updatedSession},
	}, nil
}

// pickUnusedQuestion selects a random question not yet used in the session.
func pickUnusedQuestion(ctx context.Context, tx pgx.Tx, sessionID uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := tx.QueryRow(ctx,
		`SELECT q.id FROM questions q
		 WHERE q.id NOT IN (SELECT question_id FROM rounds WHERE session_id = $1)
		 ORDER BY random() LIMIT 1`, sessionID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, store.ErrNoQuestionsLeft
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to pick question: %w", err)
	}
	return id, nil
}

func countConnectedPlayers(ctx context.Context, tx pgx.Tx, sessionID uuid.UUID) (int, error) {
	var n int
	err := tx.QueryRow(ctx,
		`SELECT count(*) FROM players WHERE session_id = $1 AND connection_status = $2`,
		sessionID, models.ConnectionStatusConnected).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count connected players: %w", err)
	}
	return n, nil
}

func listAnswersTx(ctx context.Context, tx pgx.Tx, roundID uuid.UUID) ([]models.Answer, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+answerColumns+` FROM answers WHERE round_id = $1 ORDER BY created_at`, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to list answers: %w", err)
	}
	defer rows.Close()

	var answers []models.Answer
	for rows.Next() {
		a, err := scanAnswer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan answer: %w", err)
		}
		answers = append(answers, *a)
	}
	return answers, rows.Err()
}

func listVotesTx(ctx context.Context, tx pgx.Tx, roundID uuid.UUID) ([]models.Vote, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+voteColumns+` FROM votes WHERE round_id = $1 ORDER BY created_at`, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to list votes: %w", err)
	}
	defer rows.Close()

	var votes []models.Vote
	for rows.Next() {
		v, err := scanVote(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vote: %w", err)
		}
		votes = append(votes, *v)
	}
	return votes, rows.Err()
}
