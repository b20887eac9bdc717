package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fakeout-party/fakeout/go/internal/clocksync"
	"github.com/fakeout-party/fakeout/go/internal/feed"
	"github.com/fakeout-party/fakeout/go/internal/models"
	"github.com/fakeout-party/fakeout/go/internal/presence"
	"github.com/fakeout-party/fakeout/go/internal/reconcile"
	"github.com/fakeout-party/fakeout/go/internal/round"
	"github.com/fakeout-party/fakeout/go/internal/store"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ErrInvalidSession is returned when a client is created without a session id.
var ErrInvalidSession = errors.New("session: invalid session id")

// ConnectionState is the small set of observable connection conditions the
// UI ever sees. Individual transport failures are handled inside the core
// and never thrown upward.
type ConnectionState string

const (
	// StateConnecting: subscription starting, nothing established yet.
	StateConnecting ConnectionState = "connecting"
	// StateConnected: change feed healthy.
	StateConnected ConnectionState = "connected"
	// StateReconnecting: change feed down or silent, retries in progress.
	StateReconnecting ConnectionState = "reconnecting"
	// StateDegraded: feed retry budget exhausted; the periodic reconciler
	// alone keeps the session usable in poll-only mode.
	StateDegraded ConnectionState = "degraded"
	// StateLost: feed exhausted and the reconciler is stale too. The only
	// condition worth surfacing prominently to the user.
	StateLost ConnectionState = "lost"
)

// Config assembles a session client.
type Config struct {
	SessionID   uuid.UUID
	Self        *feed.Identity
	Transport   feed.Transport
	Store       store.Store
	Clock       clockwork.Clock
	Feed        feed.Config
	Reconcile   reconcile.Config
	Round       round.Config
	PresenceTTL time.Duration
	// OnChange is invoked after any visible state change (UI refresh hook).
	OnChange func()
}

// Client is the per-session context object owning the whole realtime core
// for one game session: change feed subscription, periodic reconciliation,
// round lifecycle, presence and clock offset. Dropping it (after Stop)
// leaves zero background timers for the session by construction.
type Client struct {
	sessionID uuid.UUID
	self      *feed.Identity
	store     store.Store
	clock     clockwork.Clock

	estimator *clocksync.Estimator
	sub       *feed.Subscriber
	rec       *reconcile.Reconciler
	coord     *round.Coordinator
	pres      *presence.Tracker

	mu       sync.Mutex
	started  bool
	feedDown bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// New assembles a client. The session id must be known; screens that don't
// have one yet must not construct a client (mirrors the feed's synchronous
// rejection policy).
func New(cfg Config) (*Client, error) {
	if cfg.SessionID == uuid.Nil {
		return nil, ErrInvalidSession
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	c := &Client{
		sessionID: cfg.SessionID,
		self:      cfg.Self,
		store:     cfg.Store,
		clock:     clock,
	}

	c.estimator = clocksync.NewEstimator(cfg.Store.GetServerTime, clock)
	c.pres = presence.NewTracker(clock, cfg.PresenceTTL)

	var selfID *uuid.UUID
	if cfg.Self != nil {
		id := cfg.Self.PlayerID
		selfID = &id
	}
	c.coord = round.New(cfg.SessionID, selfID, cfg.Store, clock, c.estimator, cfg.Round, cfg.OnChange)
	c.sub = feed.NewSubscriber(cfg.SessionID, cfg.Transport, c.handleFeedEvent, cfg.Self, clock, cfg.Feed)
	c.rec = reconcile.New(cfg.Store, clock, cfg.Reconcile)

	return c, nil
}

// Start brings the whole core up: clock calibration, feed subscription,
// reconciliation loop. Idempotent; a running client is torn down first
// (last-writer-wins re-subscription, never stacked subscriptions).
func (c *Client) Start(ctx context.Context) error {
	c.Stop()

	c.mu.Lock()
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.started = true
	c.feedDown = false
	runCtx := c.ctx
	c.mu.Unlock()

	c.estimator.Initialize(runCtx)
	c.coord.Start(runCtx)

	if err := c.sub.Start(runCtx); err != nil {
		return err
	}

	var selfID *uuid.UUID
	if c.self != nil {
		id := c.self.PlayerID
		selfID = &id
	}
	if err := c.rec.Start(runCtx, c.sessionID, selfID, c.handleSyncResult); err != nil {
		c.sub.Stop()
		return err
	}

	log.Info().Str("session_id", c.sessionID.String()).Msg("session client started")
	return nil
}

// Stop cancels all pending retry timers, heartbeat intervals, reconciler
// intervals and presence tracking for the session. Safe to call when never
// started and safe to call repeatedly.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel := c.cancel
	c.mu.Unlock()

	c.sub.Stop()
	c.rec.Stop()
	c.coord.Close()
	c.pres.Untrack(c.sessionID)
	cancel()

	log.Info().Str("session_id", c.sessionID.String()).Msg("session client stopped")
}

// handleFeedEvent is the single dispatch point for push events.
func (c *Client) handleFeedEvent(ev feed.Event) {
	c.pres.Observe(c.sessionID, ev)

	switch ev.(type) {
	case feed.Connected:
		c.setFeedDown(false)
	case feed.Reconnected:
		c.setFeedDown(false)
		// Clock drift is likely across a long outage.
		c.mu.Lock()
		ctx := c.ctx
		started := c.started
		c.mu.Unlock()
		if started {
			go c.estimator.Recalibrate(ctx)
		}
	case feed.FeedDown:
		c.setFeedDown(true)
		// Escalate: the reconciler is the correctness backstop while the
		// push channel is out.
		c.rec.ForceSyncNow()
	}

	c.coord.HandleEvent(ev)
}

// handleSyncResult feeds authoritative snapshots into the coordinator.
func (c *Client) handleSyncResult(res reconcile.Result) {
	if res.Err != nil {
		return
	}
	c.coord.ApplySnapshot(res.Snapshot)
}

func (c *Client) setFeedDown(down bool) {
	c.mu.Lock()
	c.feedDown = down
	c.mu.Unlock()
}

// ConnectionState derives the UI-visible connection condition.
func (c *Client) ConnectionState() ConnectionState {
	c.mu.Lock()
	started := c.started
	down := c.feedDown
	c.mu.Unlock()

	if !started {
		return StateConnecting
	}
	if down {
		if c.rec.IsSyncStale() {
			return StateLost
		}
		return StateDegraded
	}
	if c.sub.IsConnectionHealthy() {
		return StateConnected
	}
	return StateReconnecting
}

// RetryNow is the user-triggered manual retry: re-subscribe the feed and
// force an immediate sync.
func (c *Client) RetryNow() {
	c.mu.Lock()
	started := c.started
	ctx := c.ctx
	c.mu.Unlock()
	if !started {
		return
	}
	log.Info().Str("session_id", c.sessionID.String()).Msg("manual retry requested")
	if err := c.sub.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("manual feed restart failed")
	}
	c.rec.ForceSyncNow()
}

// RoundView returns the current client round view for rendering.
func (c *Client) RoundView() round.View {
	return c.coord.View()
}

// SubmitAnswer submits the local player's answer for the current round.
func (c *Client) SubmitAnswer(ctx context.Context, text string) (*models.Answer, error) {
	return c.coord.SubmitAnswer(ctx, text)
}

// SubmitVote casts the local player's vote for an answer.
func (c *Client) SubmitVote(ctx context.Context, answerID uuid.UUID) (*models.Vote, error) {
	return c.coord.SubmitVote(ctx, answerID)
}

// IsPlayerOnline resolves the connection indicator for a player, preferring
// live presence over the durable connection flag.
func (c *Client) IsPlayerOnline(player models.Player) bool {
	return c.pres.OnlineIndicator(c.sessionID, player)
}

// Presence exposes the presence tracker for UI indicators.
func (c *Client) Presence() *presence.Tracker {
	return c.pres
}

// ForceSyncNow requests an immediate reconciliation pass.
func (c *Client) ForceSyncNow() {
	c.rec.ForceSyncNow()
}

// IsSyncStale reports whether the reconciler has gone stale.
func (c *Client) IsSyncStale() bool {
	return c.rec.IsSyncStale()
}

// AdjustedTime returns the server-adjusted clock reading.
func (c *Client) AdjustedTime() time.Time {
	return c.estimator.AdjustedTime()
}
