package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/fakeout-party/fakeout/go/internal/feed"
	"github.com/fakeout-party/fakeout/go/internal/models"
	"github.com/fakeout-party/fakeout/go/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const uniqueViolation = "23505"

// ChangePublisher receives row-change notifications after successful writes
// so connected clients observe them on the change feed. A nil publisher is
// valid when change delivery happens elsewhere (e.g. logical replication).
type ChangePublisher interface {
	PublishChange(ctx context.Context, sessionID uuid.UUID, table, action string, record any) error
}

// Store is the pgx-backed authoritative store. Uniqueness constraints and
// row locking in Postgres are the sole arbiter of write ordering; writes
// from many clients are expected to race and unique violations resolve to
// the existing row.
type Store struct {
	pool      *pgxpool.Pool
	publisher ChangePublisher
}

// NewStore creates a store over a connection pool. publisher may be nil.
func NewStore(pool *pgxpool.Pool, publisher ChangePublisher) *Store {
	return &Store{pool: pool, publisher: publisher}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *Store) publish(ctx context.Context, sessionID uuid.UUID, table, action string, record any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishChange(ctx, sessionID, table, action, record); err != nil {
		log.Warn().
			Err(err).
			Str("table", table).
			Str("action", action).
			Msg("change publish failed")
	}
}

const sessionColumns = `id, join_code, status, round_count, current_round, max_players, captain_player_id, created_at, updated_at`

func scanSession(row pgx.Row) (*models.GameSession, error) {
	var gs models.GameSession
	err := row.Scan(&gs.ID, &gs.JoinCode, &gs.Status, &gs.RoundCount, &gs.CurrentRound,
		&gs.MaxPlayers, &gs.CaptainPlayerID, &gs.CreatedAt, &gs.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &gs, nil
}

// GetSession fetches a session row; (nil, nil) when absent.
func (s *Store) GetSession(ctx context.Context, sessionID uuid.UUID) (*models.GameSession, error) {
	gs, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM game_sessions WHERE id = $1`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return gs, nil
}

// GetSessionByJoinCode resolves a human-entered join code.
func (s *Store) GetSessionByJoinCode(ctx context.Context, joinCode string) (*models.GameSession, error) {
	gs, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM game_sessions WHERE join_code = $1`, joinCode))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session by join code: %w", err)
	}
	return gs, nil
}

const playerColumns = `id, session_id, name, score, is_host, connection_status, avatar_color, joined_at`

func scanPlayer(row pgx.Row) (*models.Player, error) {
	var p models.Player
	err := row.Scan(&p.ID, &p.SessionID, &p.Name, &p.Score, &p.IsHost,
		&p.ConnectionStatus, &p.AvatarColor, &p.JoinedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPlayers returns every player of the session in join order.
func (s *Store) ListPlayers(ctx context.Context, sessionID uuid.UUID) ([]models.Player, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+playerColumns+` FROM players WHERE session_id = $1 ORDER BY joined_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list players: %w", err)
	}
	defer rows.Close()

	var players []models.Player
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan player: %w", err)
		}
		players = append(players, *p)
	}
	return players, rows.Err()
}

const roundColumns = `id, session_id, round_number, question_id, status, timer_started_at, timer_duration_sec, quorum_count, created_at`

func scanRound(row pgx.Row) (*models.Round, error) {
	var r models.Round
	err := row.Scan(&r.ID, &r.SessionID, &r.RoundNumber, &r.QuestionID, &r.Status,
		&r.TimerStartedAt, &r.TimerDuration, &r.QuorumCount, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetCurrentRound returns the highest-numbered round; (nil, nil) before the
// first round exists.
func (s *Store) GetCurrentRound(ctx context.Context, sessionID uuid.UUID) (*models.Round, error) {
	r, err := scanRound(s.pool.QueryRow(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE session_id = $1 ORDER BY round_number DESC LIMIT 1`,
		sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current round: %w", err)
	}
	return r, nil
}

// GetQuestion fetches a question row.
func (s *Store) GetQuestion(ctx context.Context, questionID uuid.UUID) (*models.Question, error) {
	var q models.Question
	err := s.pool.QueryRow(ctx,
		`SELECT id, prompt, answer, category FROM questions WHERE id = $1`, questionID).
		Scan(&q.ID, &q.Prompt, &q.Answer, &q.Category)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get question: %w", err)
	}
	return &q, nil
}

const answerColumns = `id, round_id, player_id, text, is_correct, created_at`

func scanAnswer(row pgx.Row) (*models.Answer, error) {
	var a models.Answer
	err := row.Scan(&a.ID, &a.RoundID, &a.PlayerID, &a.Text, &a.IsCorrect, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAnswers returns every answer of a round, correct row included.
func (s *Store) ListAnswers(ctx context.Context, roundID uuid.UUID) ([]models.Answer, error) {
	rows, err := s.pool.Query(ctx,
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

// GetPlayerAnswer returns a player's answer in a round; (nil, nil) when none.
func (s *Store) GetPlayerAnswer(ctx context.Context, roundID, playerID uuid.UUID) (*models.Answer, error) {
	a, err := scanAnswer(s.pool.QueryRow(ctx,
		`SELECT `+answerColumns+` FROM answers WHERE round_id = $1 AND player_id = $2`,
		roundID, playerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get player answer: %w", err)
	}
	return a, nil
}

const voteColumns = `id, round_id, voter_id, answer_id, points_earned, created_at`

func scanVote(row pgx.Row) (*models.Vote, error) {
	var v models.Vote
	err := row.Scan(&v.ID, &v.RoundID, &v.VoterID, &v.AnswerID, &v.PointsEarned, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// GetPlayerVote returns a voter's vote in a round; (nil, nil) when none.
func (s *Store) GetPlayerVote(ctx context.Context, roundID, voterID uuid.UUID) (*models.Vote, error) {
	v, err := scanVote(s.pool.QueryRow(ctx,
		`SELECT `+voteColumns+` FROM votes WHERE round_id = $1 AND voter_id = $2`,
		roundID, voterID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get player vote: %w", err)
	}
	return v, nil
}

// JoinSession inserts a player into the session. Rejoining under the same
// name resumes the existing player row instead of creating a duplicate.
func (s *Store) JoinSession(ctx context.Context, sessionID uuid.UUID, name string) (*models.Player, error) {
	existing, err := scanPlayer(s.pool.QueryRow(ctx,
		`SELECT `+playerColumns+` FROM players WHERE session_id = $1 AND name = $2`,
		sessionID, name))
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to look up player: %w", err)
	}

	p, err := scanPlayer(s.pool.QueryRow(ctx,
		`INSERT INTO players (id, session_id, name)
		 VALUES ($1, $2, $3)
		 RETURNING `+playerColumns,
		uuid.New(), sessionID, name))
	if err != nil {
		return nil, fmt.Errorf("failed to join session: %w", err)
	}

	s.publish(ctx, sessionID, feed.TablePlayers, feed.ActionInsert, p)
	return p, nil
}

// SubmitAnswer inserts the player's answer. A unique violation means someone
// (usually a retry of ourselves) already did this; the existing row is
// fetched and returned, never an error.
func (s *Store) SubmitAnswer(ctx context.Context, roundID, playerID uuid.UUID, text string) (*models.Answer, error) {
	a, err := scanAnswer(s.pool.QueryRow(ctx,
		`INSERT INTO answers (id, round_id, player_id, text, is_correct)
		 VALUES ($1, $2, $3, $4, FALSE)
		 RETURNING `+answerColumns,
		uuid.New(), roundID, playerID, text))
	if isUniqueViolation(err) {
		existing, getErr := s.GetPlayerAnswer(ctx, roundID, playerID)
		if getErr != nil {
			return nil, getErr
		}
		if existing == nil {
			return nil, fmt.Errorf("failed to submit answer: %w", err)
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to submit answer: %w", err)
	}

	sessionID, err := s.sessionIDForRound(ctx, roundID)
	if err == nil {
		s.publish(ctx, sessionID, feed.TableAnswers, feed.ActionInsert, a)
	}
	return a, nil
}

// SubmitVote inserts the voter's vote after rejecting self-votes. Unique
// violations resolve to the existing vote.
func (s *Store) SubmitVote(ctx context.Context, roundID, voterID, answerID uuid.UUID) (*models.Vote, error) {
	var ownerID *uuid.UUID
	err := s.pool.QueryRow(ctx,
		`SELECT player_id FROM answers WHERE id = $1 AND round_id = $2`, answerID, roundID).
		Scan(&ownerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrAnswerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check vote target: %w", err)
	}
	if ownerID != nil && *ownerID == voterID {
		return nil, store.ErrOwnAnswerVote
	}

	v, err := scanVote(s.pool.QueryRow(ctx,
		`INSERT INTO votes (id, round_id, voter_id, answer_id)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+voteColumns,
		uuid.New(), roundID, voterID, answerID))
	if isUniqueViolation(err) {
		existing, getErr := s.GetPlayerVote(ctx, roundID, voterID)
		if getErr != nil {
			return nil, getErr
		}
		if existing == nil {
			return nil, fmt.Errorf("failed to submit vote: %w", err)
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to submit vote: %w", err)
	}

	sessionID, err := s.sessionIDForRound(ctx, roundID)
	if err == nil {
		s.publish(ctx, sessionID, feed.TableVotes, feed.ActionInsert, v)
	}
	return v, nil
}

// CreateRound inserts a round, or returns the existing one when the
// (session, round number) pair is already taken, so both racing creators
// observe the same round id.
func (s *Store) CreateRound(ctx context.Context, req store.CreateRoundRequest) (*models.Round, error) {
	r, err := scanRound(s.pool.QueryRow(ctx,
		`INSERT INTO rounds (id, session_id, round_number, question_id, status, timer_duration_sec, quorum_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+roundColumns,
		uuid.New(), req.SessionID, req.RoundNumber, req.QuestionID,
		models.RoundStatusAnswering, req.TimerDuration, req.QuorumCount))
	if isUniqueViolation(err) {
		existing, getErr := scanRound(s.pool.QueryRow(ctx,
			`SELECT `+roundColumns+` FROM rounds WHERE session_id = $1 AND round_number = $2`,
			req.SessionID, req.RoundNumber))
		if getErr != nil {
			return nil, fmt.Errorf("failed to fetch existing round: %w", getErr)
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create round: %w", err)
	}

	s.publish(ctx, req.SessionID, feed.TableRounds, feed.ActionInsert, r)
	return r, nil
}

func (s *Store) sessionIDForRound(ctx context.Context, roundID uuid.UUID) (uuid.UUID, error) {
	var sessionID uuid.UUID
	err := s.pool.QueryRow(ctx,
		`SELECT session_id FROM rounds WHERE id = $1`, roundID).Scan(&sessionID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to resolve round session: %w", err)
	}
	return sessionID, nil
}
