package round

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/fakeout-party/fakeout/go/internal/feed"
	"github.com/fakeout-party/fakeout/go/internal/models"
	"github.com/fakeout-party/fakeout/go/internal/reconcile"
	"github.com/fakeout-party/fakeout/go/internal/store"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Phase is the coordinator's local belief about the current round phase.
type Phase string

const (
	PhaseNoRound   Phase = "no-round"
	PhaseAnswering Phase = "answering"
	PhaseVoting    Phase = "voting"
	PhaseCompleted Phase = "completed"
	PhaseFinished  Phase = "finished"
)

// Validation errors surfaced synchronously, before any network call.
var (
	ErrNotAnswering  = errors.New("round: not in answering phase")
	ErrNotVoting     = errors.New("round: not in voting phase")
	ErrTimerExpired  = errors.New("round: timer expired")
	ErrEmptyAnswer   = errors.New("round: answer is empty")
	ErrAnswerTooLong = errors.New("round: answer exceeds maximum length")
	ErrNoIdentity    = errors.New("round: no local player identity")
	ErrNotStarted    = errors.New("round: coordinator not started")
)

// Store is what the coordinator needs from the backend.
type Store interface {
	GetCurrentRound(ctx context.Context, sessionID uuid.UUID) (*models.Round, error)
	GetQuestion(ctx context.Context, questionID uuid.UUID) (*models.Question, error)
	ListAnswers(ctx context.Context, roundID uuid.UUID) ([]models.Answer, error)
	SubmitAnswer(ctx context.Context, roundID, playerID uuid.UUID, text string) (*models.Answer, error)
	SubmitVote(ctx context.Context, roundID, voterID, answerID uuid.UUID) (*models.Vote, error)
	StartRoundTimer(ctx context.Context, roundID uuid.UUID) error
	AdvanceRoundPhase(ctx context.Context, roundID uuid.UUID, from models.RoundStatus) (*models.Round, error)
}

// TimeSource supplies server-adjusted time for the countdown.
type TimeSource interface {
	AdjustedTime() time.Time
}

// Config tunes coordinator behavior.
type Config struct {
	// MissingRoundGrace is how long a playing session may show no round
	// before an explicit recovery fetch, to avoid racing normal creation.
	MissingRoundGrace time.Duration
	// AdvanceRetryDelay spaces out repeated force-advance requests when the
	// server call fails or the confirming observation has not arrived.
	AdvanceRetryDelay time.Duration
	// MaxAnswerLength bounds free-text submissions.
	MaxAnswerLength int
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		MissingRoundGrace: 2 * time.Second,
		AdvanceRetryDelay: time.Second,
		MaxAnswerLength:   200,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MissingRoundGrace <= 0 {
		c.MissingRoundGrace = d.MissingRoundGrace
	}
	if c.AdvanceRetryDelay <= 0 {
		c.AdvanceRetryDelay = d.AdvanceRetryDelay
	}
	if c.MaxAnswerLength <= 0 {
		c.MaxAnswerLength = d.MaxAnswerLength
	}
	return c
}

// Coordinator is the single writer of client-visible round/phase state. It
// consumes push events and reconciler snapshots (most recently observed
// state wins, server is ground truth) and local timer expiry, which only
// ever requests a server-side advance; the client never unilaterally
// decides a round has moved on.
type Coordinator struct {
	sessionID uuid.UUID
	selfID    *uuid.UUID
	store     Store
	clock     clockwork.Clock
	timeSrc   TimeSource
	cfg       Config

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc

	phase       Phase
	session     *models.GameSession
	players     []models.Player
	round       *models.Round
	question    *models.Question
	answers     []models.Answer
	ownAnswer   *models.Answer
	ownVote     *models.Vote
	votePending bool

	timerGen           int
	graceGen           int
	advanceInFlight    bool
	timerStartInFlight bool

	onChange func()
}

// New creates a coordinator for one session. onChange, when non-nil, is
// invoked after every visible state mutation (UI refresh hook).
func New(sessionID uuid.UUID, selfID *uuid.UUID, st Store, clock clockwork.Clock, timeSrc TimeSource, cfg Config, onChange func()) *Coordinator {
	return &Coordinator{
		sessionID: sessionID,
		selfID:    selfID,
		store:     st,
		clock:     clock,
		timeSrc:   timeSrc,
		cfg:       cfg.withDefaults(),
		phase:     PhaseNoRound,
		onChange:  onChange,
	}
}

// Start binds the lifetime of background timers and server calls.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.started = true
}

// Close cancels all pending timers and in-flight server calls. Fire-and-forget.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	c.started = false
	c.timerGen++
	c.graceGen++
	c.cancel()
}

// HandleEvent consumes one change feed event.
func (c *Coordinator) HandleEvent(ev feed.Event) {
	c.mu.Lock()
	switch e := ev.(type) {
	case feed.SessionUpdated:
		c.applySessionLocked(&e.Session)
	case feed.RoundCreated:
		c.observeRoundLocked(&e.Round, nil, nil)
	case feed.RoundStatusChanged:
		c.observeRoundLocked(&e.Round, nil, nil)
	case feed.PlayerJoined:
		c.upsertPlayerLocked(e.Player)
	case feed.PlayerUpdated:
		c.upsertPlayerLocked(e.Player)
	case feed.PlayerLeft:
		c.removePlayerLocked(e.PlayerID)
	case feed.AnswerSubmitted:
		c.upsertAnswerLocked(e.Answer)
	case feed.VoteSubmitted:
		if c.selfID != nil && e.Vote.VoterID == *c.selfID && c.round != nil && e.Vote.RoundID == c.round.ID {
			c.ownVote = &e.Vote
			c.votePending = false
		}
	case feed.Reconnected:
		// Missed events are possible; the next snapshot will catch us up,
		// but re-check the round eagerly.
		c.scheduleGraceRecoveryLocked(0)
	}
	c.mu.Unlock()
	c.notify()
}

// ApplySnapshot overwrites local belief with a reconciler snapshot. This is
// the authoritative catch-up path; stale-state divergence is resolved
// silently here, never surfaced as an error.
func (c *Coordinator) ApplySnapshot(snap *reconcile.Snapshot) {
	if snap == nil {
		return
	}
	c.mu.Lock()
	if snap.Session != nil {
		c.applySessionLocked(snap.Session)
	}
	if snap.Players != nil {
		c.players = snap.Players
	}
	if snap.Round != nil {
		c.observeRoundLocked(snap.Round, snap.Question, snap.Answers)
	}
	if c.round != nil {
		if snap.OwnAnswer != nil && snap.OwnAnswer.RoundID == c.round.ID {
			c.ownAnswer = snap.OwnAnswer
		}
		if snap.OwnVote != nil && snap.OwnVote.RoundID == c.round.ID {
			c.ownVote = snap.OwnVote
			c.votePending = false
		}
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) applySessionLocked(s *models.GameSession) {
	c.session = s
	if s.Status == models.SessionStatusFinished {
		c.phase = PhaseFinished
		c.timerGen++
		c.graceGen++
		return
	}
	if s.Status == models.SessionStatusPlaying && c.round == nil {
		c.scheduleGraceRecoveryLocked(c.cfg.MissingRoundGrace)
	}
}

// observeRoundLocked folds one observed round row into local state,
// regardless of source. Older round numbers are ignored; round numbers are
// monotonic and a lower one can only be a stale delivery.
func (c *Coordinator) observeRoundLocked(r *models.Round, question *models.Question, answers []models.Answer) {
	if c.phase == PhaseFinished {
		return
	}
	if c.round != nil && r.RoundNumber < c.round.RoundNumber {
		return
	}

	newRound := c.round == nil || c.round.ID != r.ID
	prevStatus := models.RoundStatus("")
	if !newRound {
		prevStatus = c.round.Status
	}

	c.round = r
	c.graceGen++ // a round exists; cancel any pending recovery

	if newRound {
		c.question = question
		c.answers = answers
		c.ownAnswer = nil
		c.ownVote = nil
		c.votePending = false
		if question == nil {
			c.fetchQuestionAsyncLocked(r.QuestionID)
		}
	} else if question != nil {
		c.question = question
	}

	switch r.Status {
	case models.RoundStatusAnswering:
		c.phase = PhaseAnswering
	case models.RoundStatusVoting:
		c.phase = PhaseVoting
		if answers != nil {
			c.answers = answers
		} else if newRound || prevStatus != models.RoundStatusVoting {
			// Entering voting: fetch answers fresh rather than reusing the
			// answering-phase cache, so the correct-answer row inserted
			// during the transition is included.
			c.fetchAnswersAsyncLocked(r.ID)
		}
	case models.RoundStatusCompleted:
		c.phase = PhaseCompleted
		if answers != nil {
			c.answers = answers
		}
	}

	c.advanceInFlight = false
	c.scheduleTimerLocked()
}

func (c *Coordinator) upsertPlayerLocked(p models.Player) {
	for i := range c.players {
		if c.players[i].ID == p.ID {
			c.players[i] = p
			return
		}
	}
	c.players = append(c.players, p)
}

func (c *Coordinator) removePlayerLocked(id uuid.UUID) {
	for i := range c.players {
		if c.players[i].ID == id {
			c.players = append(c.players[:i], c.players[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) upsertAnswerLocked(a models.Answer) {
	if c.round == nil || a.RoundID != c.round.ID {
		return
	}
	for i := range c.answers {
		if c.answers[i].ID == a.ID {
			c.answers[i] = a
			return
		}
	}
	c.answers = append(c.answers, a)
	if c.selfID != nil && a.PlayerID != nil && *a.PlayerID == *c.selfID {
		own := a
		c.ownAnswer = &own
	}
}

// scheduleTimerLocked arms the phase timer from the server-anchored deadline
// and the clock offset. The remaining time is recomputed from the anchor on
// every read, never decremented locally.
func (c *Coordinator) scheduleTimerLocked() {
	c.timerGen++
	if !c.started {
		return
	}
	if c.phase != PhaseAnswering && c.phase != PhaseVoting {
		return
	}
	deadline := c.round.Deadline()
	if deadline == nil {
		// An answering round without an anchor cannot expire, so nobody
		// would ever request the advance. Ask the server to start the
		// timer and fold the anchored row back in.
		c.startTimerAsyncLocked()
		return
	}

	gen := c.timerGen
	wait := deadline.Sub(c.timeSrc.AdjustedTime())
	if wait < 0 {
		wait = 0
	}
	timer := c.clock.NewTimer(wait)
	ctx := c.ctx

	go func() {
		defer stopAndDrainTimer(timer)
		select {
		case <-timer.Chan():
			c.onTimerExpired(gen)
		case <-ctx.Done():
		}
	}()
}

// startTimerAsyncLocked anchors a timerless round server-side. StartRoundTimer
// is idempotent, so concurrent clients racing here still agree on one
// deadline. Failures are left to the next snapshot, which re-enters
// scheduleTimerLocked.
func (c *Coordinator) startTimerAsyncLocked() {
	if !c.started || c.timerStartInFlight {
		return
	}
	c.timerStartInFlight = true
	ctx := c.ctx
	roundID := c.round.ID
	go func() {
		err := c.store.StartRoundTimer(ctx, roundID)
		var r *models.Round
		if err == nil {
			r, err = c.store.GetCurrentRound(ctx, c.sessionID)
		}
		c.mu.Lock()
		c.timerStartInFlight = false
		if err != nil {
			log.Warn().Err(err).Str("round_id", roundID.String()).Msg("round timer start failed")
			c.mu.Unlock()
			return
		}
		// Fold the row back in only when it made progress (a different
		// round, or an anchor appeared); otherwise wait for the next
		// snapshot instead of spinning.
		if r != nil && (r.ID != roundID || r.Deadline() != nil) {
			c.observeRoundLocked(r, nil, nil)
		}
		c.mu.Unlock()
		c.notify()
	}()
}

// onTimerExpired requests a server-side phase advance. The local phase is
// deliberately untouched: the client only asks the server to decide, then
// reflects what the server reports, so drifting client timers cannot
// produce divergent views.
func (c *Coordinator) onTimerExpired(gen int) {
	c.mu.Lock()
	if gen != c.timerGen || c.advanceInFlight || c.round == nil {
		c.mu.Unlock()
		return
	}
	if c.phase != PhaseAnswering && c.phase != PhaseVoting {
		c.mu.Unlock()
		return
	}
	c.advanceInFlight = true
	roundID := c.round.ID
	from := c.round.Status
	ctx := c.ctx
	c.mu.Unlock()

	log.Info().
		Str("round_id", roundID.String()).
		Str("from_status", string(from)).
		Msg("local timer expired, requesting server-side phase advance")

	advanced, err := c.store.AdvanceRoundPhase(ctx, roundID, from)

	c.mu.Lock()
	c.advanceInFlight = false
	if err != nil {
		log.Warn().Err(err).Str("round_id", roundID.String()).Msg("force advance failed, will retry")
		c.retryAdvanceLocked(gen)
		c.mu.Unlock()
		return
	}
	if advanced != nil {
		c.observeRoundLocked(advanced, nil, nil)
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) retryAdvanceLocked(gen int) {
	if !c.started || gen != c.timerGen {
		return
	}
	timer := c.clock.NewTimer(c.cfg.AdvanceRetryDelay)
	ctx := c.ctx
	go func() {
		defer stopAndDrainTimer(timer)
		select {
		case <-timer.Chan():
			c.onTimerExpired(gen)
		case <-ctx.Done():
		}
	}()
}

// scheduleGraceRecoveryLocked arms a one-shot recovery fetch for the case
// where this client missed the round-creation event entirely (e.g. joined
// mid-round after a reload).
func (c *Coordinator) scheduleGraceRecoveryLocked(after time.Duration) {
	if !c.started || c.round != nil {
		return
	}
	c.graceGen++
	gen := c.graceGen
	timer := c.clock.NewTimer(after)
	ctx := c.ctx
	go func() {
		defer stopAndDrainTimer(timer)
		select {
		case <-timer.Chan():
			c.recoverRound(ctx, gen)
		case <-ctx.Done():
		}
	}()
}

func (c *Coordinator) recoverRound(ctx context.Context, gen int) {
	c.mu.Lock()
	if gen != c.graceGen || c.round != nil {
		c.mu.Unlock()
		return
	}
	playing := c.session != nil && c.session.Status == models.SessionStatusPlaying
	c.mu.Unlock()
	if !playing {
		return
	}

	log.Info().
		Str("session_id", c.sessionID.String()).
		Msg("no round observed in playing session, running recovery fetch")

	r, err := c.store.GetCurrentRound(ctx, c.sessionID)
	c.mu.Lock()
	if err != nil {
		log.Warn().Err(err).Msg("round recovery fetch failed")
		c.scheduleGraceRecoveryLocked(c.cfg.MissingRoundGrace)
		c.mu.Unlock()
		return
	}
	if r == nil {
		c.scheduleGraceRecoveryLocked(c.cfg.MissingRoundGrace)
		c.mu.Unlock()
		return
	}
	c.observeRoundLocked(r, nil, nil)
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) fetchQuestionAsyncLocked(questionID uuid.UUID) {
	if !c.started {
		return
	}
	ctx := c.ctx
	roundID := c.round.ID
	go func() {
		q, err := c.store.GetQuestion(ctx, questionID)
		if err != nil {
			log.Warn().Err(err).Str("question_id", questionID.String()).Msg("question fetch failed")
			return
		}
		c.mu.Lock()
		if c.round != nil && c.round.ID == roundID {
			c.question = q
		}
		c.mu.Unlock()
		c.notify()
	}()
}

func (c *Coordinator) fetchAnswersAsyncLocked(roundID uuid.UUID) {
	if !c.started {
		return
	}
	ctx := c.ctx
	go func() {
		answers, err := c.store.ListAnswers(ctx, roundID)
		if err != nil {
			log.Warn().Err(err).Str("round_id", roundID.String()).Msg("answers fetch failed")
			return
		}
		c.mu.Lock()
		if c.round != nil && c.round.ID == roundID {
			c.answers = answers
		}
		c.mu.Unlock()
		c.notify()
	}()
}

// SubmitAnswer submits the local player's single free-text answer for the
// current round. Duplicate attempts resolve to the already-stored answer.
func (c *Coordinator) SubmitAnswer(ctx context.Context, text string) (*models.Answer, error) {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil, ErrNotStarted
	}
	if c.selfID == nil {
		c.mu.Unlock()
		return nil, ErrNoIdentity
	}
	if c.phase != PhaseAnswering || c.round == nil {
		c.mu.Unlock()
		return nil, ErrNotAnswering
	}
	if text == "" {
		c.mu.Unlock()
		return nil, ErrEmptyAnswer
	}
	if len(text) > c.cfg.MaxAnswerLength {
		c.mu.Unlock()
		return nil, ErrAnswerTooLong
	}
	if c.remainingLocked() <= 0 {
		c.mu.Unlock()
		return nil, ErrTimerExpired
	}
	roundID := c.round.ID
	self := *c.selfID
	c.mu.Unlock()

	answer, err := c.store.SubmitAnswer(ctx, roundID, self, text)
	if err != nil {
		log.Warn().Err(err).Str("round_id", roundID.String()).Msg("answer submission failed")
		return nil, err
	}

	c.mu.Lock()
	if c.round != nil && c.round.ID == roundID {
		c.ownAnswer = answer
	}
	c.mu.Unlock()
	c.notify()
	return answer, nil
}

// SubmitVote casts the local player's single vote. The vote is optimistically
// marked pending and rolled back on failure so a retry stays possible.
// Voting for one's own answer is rejected synchronously; the store enforces
// the same rule as the real guarantee.
func (c *Coordinator) SubmitVote(ctx context.Context, answerID uuid.UUID) (*models.Vote, error) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil, ErrNotStarted
	}
	if c.selfID == nil {
		c.mu.Unlock()
		return nil, ErrNoIdentity
	}
	if c.phase != PhaseVoting || c.round == nil {
		c.mu.Unlock()
		return nil, ErrNotVoting
	}
	for i := range c.answers {
		a := &c.answers[i]
		if a.ID == answerID && a.PlayerID != nil && *a.PlayerID == *c.selfID {
			c.mu.Unlock()
			return nil, store.ErrOwnAnswerVote
		}
	}
	roundID := c.round.ID
	self := *c.selfID
	c.votePending = true
	c.mu.Unlock()
	c.notify()

	vote, err := c.store.SubmitVote(ctx, roundID, self, answerID)

	c.mu.Lock()
	c.votePending = false
	if err != nil {
		c.mu.Unlock()
		c.notify()
		log.Warn().Err(err).Str("round_id", roundID.String()).Msg("vote submission failed")
		return nil, err
	}
	if c.round != nil && c.round.ID == roundID {
		c.ownVote = vote
	}
	c.mu.Unlock()
	c.notify()
	return vote, nil
}

func (c *Coordinator) remainingLocked() time.Duration {
	if c.round == nil {
		return 0
	}
	deadline := c.round.Deadline()
	if deadline == nil {
		return 0
	}
	remaining := deadline.Sub(c.timeSrc.AdjustedTime())
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (c *Coordinator) notify() {
	if c.onChange != nil {
		c.onChange()
	}
}

func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
