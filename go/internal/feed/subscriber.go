package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ErrInvalidSession is returned when Start is called with a nil session id.
// This is rejected synchronously rather than attempting a doomed connection,
// because callers may start subscribing before a session id is fully known
// during screen transitions.
var ErrInvalidSession = errors.New("feed: invalid session id")

// Identity describes the local player for presence announcements.
type Identity struct {
	PlayerID uuid.UUID
	Name     string
	IsHost   bool
}

// Handler consumes subscription events. It is invoked from the subscriber's
// dispatch goroutine and must not block.
type Handler func(Event)

// Config tunes retry, heartbeat and presence cadence.
type Config struct {
	// BaseRetryDelay is the first backoff delay; it doubles per attempt.
	BaseRetryDelay time.Duration
	// MaxRetryDelay caps the exponential backoff.
	MaxRetryDelay time.Duration
	// MaxRetryAttempts bounds the immediate retry sequence. Exhausting it
	// emits FeedDown once and falls back to RetryCooldown cadence.
	MaxRetryAttempts int
	// RetryCooldown is the long delay between attempts after the budget is
	// spent. The feed never gives up permanently.
	RetryCooldown time.Duration
	// HeartbeatInterval is how often a lightweight broadcast is sent to keep
	// the transport from silently idling.
	HeartbeatInterval time.Duration
	// PresenceInterval is how often self-presence is re-announced.
	PresenceInterval time.Duration
	// HealthyWindow is the maximum silence tolerated before the connection
	// is reported unhealthy.
	HealthyWindow time.Duration
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		BaseRetryDelay:    time.Second,
		MaxRetryDelay:     30 * time.Second,
		MaxRetryAttempts:  5,
		RetryCooldown:     2 * time.Minute,
		HeartbeatInterval: 3 * time.Second,
		PresenceInterval:  10 * time.Second,
		HealthyWindow:     15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = d.BaseRetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = d.MaxRetryAttempts
	}
	if c.RetryCooldown <= 0 {
		c.RetryCooldown = d.RetryCooldown
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.PresenceInterval <= 0 {
		c.PresenceInterval = d.PresenceInterval
	}
	if c.HealthyWindow <= 0 {
		c.HealthyWindow = d.HealthyWindow
	}
	return c
}

// Subscriber owns the change feed subscription for exactly one session:
// channel lifecycle, exponential backoff, heartbeats, self-presence and a
// liveness timestamp. One Subscriber per session context object; dropping it
// (after Stop) leaves zero background timers.
type Subscriber struct {
	sessionID uuid.UUID
	transport Transport
	handler   Handler
	self      *Identity
	clock     clockwork.Clock
	cfg       Config

	mu        sync.Mutex
	running   bool
	connected bool
	retries   int
	downSent  bool
	lastEvent time.Time
	presence  map[uuid.UUID]PresenceMember
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// HeartbeatPayload is the body of the liveness broadcast.
type HeartbeatPayload struct {
	PlayerID *uuid.UUID `json:"player_id,omitempty"`
	At       time.Time  `json:"at"`
}

// NewSubscriber creates a subscriber for one session. self may be nil for
// read-only observers; they still heartbeat but do not announce presence.
func NewSubscriber(sessionID uuid.UUID, transport Transport, handler Handler, self *Identity, clock clockwork.Clock, cfg Config) *Subscriber {
	return &Subscriber{
		sessionID: sessionID,
		transport: transport,
		handler:   handler,
		self:      self,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		presence:  make(map[uuid.UUID]PresenceMember),
	}
}

// Start establishes the subscription loop. It is idempotent: a running
// subscription is torn down first, so at most one channel is ever active.
func (s *Subscriber) Start(ctx context.Context) error {
	if s.sessionID == uuid.Nil {
		log.Warn().Msg("rejecting subscribe with empty session id")
		return ErrInvalidSession
	}

	s.Stop()

	s.mu.Lock()
	s.running = true
	s.connected = false
	s.retries = 0
	s.downSent = false
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	go s.run(ctx, stopCh, doneCh)
	return nil
}

// Stop tears down the channel and clears every retry, heartbeat and presence
// timer. Safe to call when not subscribed and safe to call repeatedly.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done

	s.mu.Lock()
	s.presence = make(map[uuid.UUID]PresenceMember)
	s.connected = false
	s.mu.Unlock()
}

// IsConnectionHealthy reports whether the channel is up and something has
// been observed within the healthy window.
func (s *Subscriber) IsConnectionHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.lastEvent.IsZero() {
		return false
	}
	return s.clock.Now().Sub(s.lastEvent) <= s.cfg.HealthyWindow
}

// TimeSinceLastEvent returns the silence duration. Before any event it
// returns a negative duration to signal "never".
func (s *Subscriber) TimeSinceLastEvent() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastEvent.IsZero() {
		return -1
	}
	return s.clock.Now().Sub(s.lastEvent)
}

// PresenceMembers returns a copy of the currently tracked presence set.
func (s *Subscriber) PresenceMembers() []PresenceMember {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := make([]PresenceMember, 0, len(s.presence))
	for _, m := range s.presence {
		members = append(members, m)
	}
	return members
}

func (s *Subscriber) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		ch, err := s.transport.Join(ctx, s.sessionID)
		if err != nil {
			log.Warn().
				Err(err).
				Str("session_id", s.sessionID.String()).
				Msg("feed join failed")
			if !s.backoff(ctx, stopCh, err) {
				return
			}
			continue
		}

		s.onEstablished()
		closedNormally := s.consume(ctx, stopCh, ch)
		_ = ch.Close()
		if closedNormally {
			return
		}

		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
		log.Warn().
			Str("session_id", s.sessionID.String()).
			Msg("feed channel closed abnormally, retrying")
		if !s.backoff(ctx, stopCh, errors.New("feed: channel closed")) {
			return
		}
	}
}

// onEstablished fires Connected or Reconnected, distinguished by whether the
// retry counter was non-zero, and resets the retry state.
func (s *Subscriber) onEstablished() {
	s.mu.Lock()
	retries := s.retries
	s.retries = 0
	s.downSent = false
	s.connected = true
	s.lastEvent = s.clock.Now()
	s.mu.Unlock()

	if retries > 0 {
		log.Info().
			Str("session_id", s.sessionID.String()).
			Int("attempts", retries).
			Msg("feed reconnected")
		s.handler(Reconnected{SessionID: s.sessionID, Attempts: retries})
		return
	}
	log.Info().Str("session_id", s.sessionID.String()).Msg("feed connected")
	s.handler(Connected{SessionID: s.sessionID})
}

// consume pumps channel events and drives the heartbeat and presence tickers
// until the channel drops (returns false) or the subscriber stops (true).
func (s *Subscriber) consume(ctx context.Context, stopCh chan struct{}, ch Channel) bool {
	heartbeat := s.clock.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	announce := s.clock.NewTicker(s.cfg.PresenceInterval)
	defer announce.Stop()

	s.trackSelf(ctx, ch)

	for {
		select {
		case ev, ok := <-ch.Events():
			if !ok {
				return false
			}
			s.observe(ev)

		case <-heartbeat.Chan():
			payload := HeartbeatPayload{At: s.clock.Now()}
			if s.self != nil {
				payload.PlayerID = &s.self.PlayerID
			}
			if err := ch.Broadcast(ctx, HeartbeatBroadcast, payload); err != nil {
				log.Debug().Err(err).Msg("heartbeat send failed")
			}

		case <-announce.Chan():
			s.trackSelf(ctx, ch)

		case <-stopCh:
			return true

		case <-ctx.Done():
			return true
		}
	}
}

func (s *Subscriber) trackSelf(ctx context.Context, ch Channel) {
	if s.self == nil {
		return
	}
	member := PresenceMember{
		PlayerID:  s.self.PlayerID,
		Name:      s.self.Name,
		IsHost:    s.self.IsHost,
		TrackedAt: s.clock.Now(),
	}
	if err := ch.Track(ctx, member); err != nil {
		log.Debug().Err(err).Msg("presence track failed")
	}
}

// observe updates the liveness timestamp for every inbound event, maintains
// the presence set, and forwards everything except heartbeat broadcasts.
func (s *Subscriber) observe(ev Event) {
	s.mu.Lock()
	s.lastEvent = s.clock.Now()
	switch e := ev.(type) {
	case PresenceSynced:
		s.presence = make(map[uuid.UUID]PresenceMember, len(e.Members))
		for _, m := range e.Members {
			s.presence[m.PlayerID] = m
		}
	case PresenceJoined:
		s.presence[e.Member.PlayerID] = e.Member
	case PresenceLeft:
		delete(s.presence, e.PlayerID)
	}
	s.mu.Unlock()

	if b, ok := ev.(BroadcastReceived); ok && b.Name == HeartbeatBroadcast {
		// Liveness evidence only; not an application event.
		return
	}
	s.handler(ev)
}

// backoff sleeps the next retry delay. Returns false when the subscriber
// stopped or the context was cancelled while waiting.
func (s *Subscriber) backoff(ctx context.Context, stopCh chan struct{}, cause error) bool {
	s.mu.Lock()
	s.retries++
	retries := s.retries
	exhausted := retries > s.cfg.MaxRetryAttempts
	emitDown := exhausted && !s.downSent
	if emitDown {
		s.downSent = true
	}
	s.mu.Unlock()

	var delay time.Duration
	if exhausted {
		delay = s.cfg.RetryCooldown
	} else {
		delay = s.cfg.BaseRetryDelay << (retries - 1)
		if delay > s.cfg.MaxRetryDelay {
			delay = s.cfg.MaxRetryDelay
		}
	}

	if emitDown {
		log.Error().
			Err(cause).
			Str("session_id", s.sessionID.String()).
			Int("attempts", retries-1).
			Dur("cooldown", delay).
			Msg("feed retry budget exhausted, scheduling cooldown retry")
		s.handler(FeedDown{SessionID: s.sessionID, Err: cause})
	} else {
		log.Info().
			Str("session_id", s.sessionID.String()).
			Int("attempt", retries).
			Dur("delay", delay).
			Msg("scheduling feed retry")
	}

	timer := s.clock.NewTimer(delay)
	defer stopAndDrainTimer(timer)

	select {
	case <-timer.Chan():
		return true
	case <-stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// stopAndDrainTimer safely stops a timer and drains its channel so no fire
// leaks into a later select.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
