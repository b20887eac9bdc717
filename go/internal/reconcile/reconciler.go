package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fakeout-party/fakeout/go/internal/models"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ErrInvalidSession mirrors the feed subscriber's policy: an empty session id
// is rejected synchronously as a no-op.
var ErrInvalidSession = errors.New("reconcile: invalid session id")

// Store is what the reconciler needs from the backend.
type Store interface {
	GetSession(ctx context.Context, sessionID uuid.UUID) (*models.GameSession, error)
	ListPlayers(ctx context.Context, sessionID uuid.UUID) ([]models.Player, error)
	GetCurrentRound(ctx context.Context, sessionID uuid.UUID) (*models.Round, error)
	GetQuestion(ctx context.Context, questionID uuid.UUID) (*models.Question, error)
	ListAnswers(ctx context.Context, roundID uuid.UUID) ([]models.Answer, error)
	GetPlayerAnswer(ctx context.Context, roundID, playerID uuid.UUID) (*models.Answer, error)
	GetPlayerVote(ctx context.Context, roundID, voterID uuid.UUID) (*models.Vote, error)
}

// Snapshot is the full authoritative state pulled on each sync. The caller
// diffs it against local state; the reconciler only fetches and hands off.
type Snapshot struct {
	Session   *models.GameSession
	Players   []models.Player
	Round     *models.Round
	Question  *models.Question
	Answers   []models.Answer
	OwnAnswer *models.Answer
	OwnVote   *models.Vote
	SyncedAt  time.Time
}

// Result reports one sync attempt.
type Result struct {
	SessionID uuid.UUID
	Snapshot  *Snapshot
	Err       error
}

// Config tunes sync cadence.
type Config struct {
	// Interval between periodic syncs.
	Interval time.Duration
	// StaleThreshold is how long without a successful sync counts as stale.
	// Longer than Interval so one missed cycle is tolerated.
	StaleThreshold time.Duration
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		Interval:       4 * time.Second,
		StaleThreshold: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = d.StaleThreshold
	}
	return c
}

// Reconciler periodically pulls the authoritative snapshot for one session
// as a safety net for missed change-feed events. Push events are a latency
// optimization; this pull is the source of truth for eventual consistency.
type Reconciler struct {
	store Store
	clock clockwork.Clock
	cfg   Config

	mu          sync.Mutex
	running     bool
	sessionID   uuid.UUID
	selfID      *uuid.UUID
	onResult    func(Result)
	lastSuccess time.Time
	stopCh      chan struct{}
	doneCh      chan struct{}
	forceCh     chan struct{}
}

// New creates a reconciler bound to a store and clock.
func New(store Store, clock clockwork.Clock, cfg Config) *Reconciler {
	return &Reconciler{
		store: store,
		clock: clock,
		cfg:   cfg.withDefaults(),
	}
}

// Start performs an immediate sync then schedules the interval. selfPlayerID
// may be nil for observers. Idempotent: a running loop is torn down first.
func (r *Reconciler) Start(ctx context.Context, sessionID uuid.UUID, selfPlayerID *uuid.UUID, onResult func(Result)) error {
	if sessionID == uuid.Nil {
		log.Warn().Msg("rejecting sync start with empty session id")
		return ErrInvalidSession
	}

	r.Stop()

	r.mu.Lock()
	r.running = true
	r.sessionID = sessionID
	r.selfID = selfPlayerID
	r.onResult = onResult
	r.lastSuccess = time.Time{}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.forceCh = make(chan struct{}, 1)
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	go r.run(ctx, stopCh, doneCh)
	return nil
}

// Stop clears the interval timer. Safe to call repeatedly or when never
// started.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	done := r.doneCh
	r.mu.Unlock()

	<-done
}

// ForceSyncNow requests an immediate out-of-cycle sync. Non-blocking; a
// pending request coalesces with an already-queued one.
func (r *Reconciler) ForceSyncNow() {
	r.mu.Lock()
	force := r.forceCh
	running := r.running
	r.mu.Unlock()
	if !running {
		return
	}
	select {
	case force <- struct{}{}:
	default:
	}
}

// IsSyncStale reports whether no successful sync completed within the
// staleness threshold. Used to escalate to a harder reconnection action.
func (r *Reconciler) IsSyncStale() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return false
	}
	if r.lastSuccess.IsZero() {
		return true
	}
	return r.clock.Now().Sub(r.lastSuccess) > r.cfg.StaleThreshold
}

func (r *Reconciler) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	r.syncOnce(ctx)

	ticker := r.clock.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.syncOnce(ctx)
		case <-r.forceCh:
			r.syncOnce(ctx)
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// syncOnce fetches session, players and current round in parallel, then the
// round's sub-state (question, answers when past answering, own submissions)
// likewise in parallel, and reports the outcome.
func (r *Reconciler) syncOnce(ctx context.Context) {
	snap := &Snapshot{}

	var wg sync.WaitGroup
	var errSession, errPlayers, errRound error
	wg.Add(3)
	go func() {
		defer wg.Done()
		snap.Session, errSession = r.store.GetSession(ctx, r.sessionID)
	}()
	go func() {
		defer wg.Done()
		snap.Players, errPlayers = r.store.ListPlayers(ctx, r.sessionID)
	}()
	go func() {
		defer wg.Done()
		snap.Round, errRound = r.store.GetCurrentRound(ctx, r.sessionID)
	}()
	wg.Wait()

	if err := errors.Join(errSession, errPlayers, errRound); err != nil {
		r.report(Result{SessionID: r.sessionID, Err: err})
		return
	}

	if snap.Round != nil {
		var errQuestion, errAnswers, errOwnAnswer, errOwnVote error
		round := snap.Round

		wg.Add(1)
		go func() {
			defer wg.Done()
			snap.Question, errQuestion = r.store.GetQuestion(ctx, round.QuestionID)
		}()
		if round.Status != models.RoundStatusAnswering {
			wg.Add(1)
			go func() {
				defer wg.Done()
				snap.Answers, errAnswers = r.store.ListAnswers(ctx, round.ID)
			}()
		}
		if r.selfID != nil {
			self := *r.selfID
			wg.Add(2)
			go func() {
				defer wg.Done()
				snap.OwnAnswer, errOwnAnswer = r.store.GetPlayerAnswer(ctx, round.ID, self)
			}()
			go func() {
				defer wg.Done()
				snap.OwnVote, errOwnVote = r.store.GetPlayerVote(ctx, round.ID, self)
			}()
		}
		wg.Wait()

		if err := errors.Join(errQuestion, errAnswers, errOwnAnswer, errOwnVote); err != nil {
			r.report(Result{SessionID: r.sessionID, Err: err})
			return
		}

		// While fakes are being written, the correct answer must not leak
		// to clients through the snapshot.
		if round.Status == models.RoundStatusAnswering && snap.Question != nil {
			q := *snap.Question
			q.Answer = ""
			snap.Question = &q
		}
	}

	now := r.clock.Now()
	snap.SyncedAt = now

	r.mu.Lock()
	r.lastSuccess = now
	r.mu.Unlock()

	r.report(Result{SessionID: r.sessionID, Snapshot: snap})
}

func (r *Reconciler) report(res Result) {
	if res.Err != nil {
		log.Warn().
			Err(res.Err).
			Str("session_id", res.SessionID.String()).
			Msg("sync attempt failed")
	}
	if r.onResult != nil {
		r.onResult(res)
	}
}
