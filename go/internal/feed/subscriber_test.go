package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel is an in-memory Channel under test control.
type fakeChannel struct {
	events     chan Event
	mu         sync.Mutex
	broadcasts []string
	tracks     []PresenceMember
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan Event, 16)}
}

func (c *fakeChannel) Events() <-chan Event { return c.events }

func (c *fakeChannel) Broadcast(ctx context.Context, name string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcasts = append(c.broadcasts, name)
	return nil
}

func (c *fakeChannel) Track(ctx context.Context, member PresenceMember) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = append(c.tracks, member)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) broadcastCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.broadcasts)
}

func (c *fakeChannel) firstBroadcast() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.broadcasts) == 0 {
		return ""
	}
	return c.broadcasts[0]
}

func (c *fakeChannel) trackCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tracks)
}

// fakeTransport yields scripted join outcomes in order, repeating the last.
type fakeTransport struct {
	mu       sync.Mutex
	outcomes []func() (Channel, error)
	joins    int
}

func (t *fakeTransport) Join(ctx context.Context, sessionID uuid.UUID) (Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.joins
	if i >= len(t.outcomes) {
		i = len(t.outcomes) - 1
	}
	t.joins++
	return t.outcomes[i]()
}

func (t *fakeTransport) joinCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.joins
}

func alwaysFail() func() (Channel, error) {
	return func() (Channel, error) { return nil, errors.New("connection refused") }
}

func yield(ch *fakeChannel) func() (Channel, error) {
	return func() (Channel, error) { return ch, nil }
}

type eventRecorder struct {
	ch chan Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan Event, 64)}
}

func (r *eventRecorder) handle(ev Event) { r.ch <- ev }

func (r *eventRecorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func (r *eventRecorder) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-r.ch:
		t.Fatalf("unexpected event: %#v", ev)
	case <-time.After(wait):
	}
}

func testConfig() Config {
	return Config{
		BaseRetryDelay:    time.Second,
		MaxRetryDelay:     8 * time.Second,
		MaxRetryAttempts:  2,
		RetryCooldown:     time.Minute,
		HeartbeatInterval: 3 * time.Second,
		PresenceInterval:  10 * time.Second,
		HealthyWindow:     15 * time.Second,
	}
}

func TestStartRejectsEmptySessionID(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := newEventRecorder()
	sub := NewSubscriber(uuid.Nil, &fakeTransport{}, rec.handle, nil, clock, testConfig())

	err := sub.Start(context.Background())
	require.ErrorIs(t, err, ErrInvalidSession)
}

func TestConnectedEmittedAndEventsForwarded(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ch := newFakeChannel()
	transport := &fakeTransport{outcomes: []func() (Channel, error){yield(ch)}}
	rec := newEventRecorder()
	sessionID := uuid.New()

	sub := NewSubscriber(sessionID, transport, rec.handle, nil, clock, testConfig())
	require.NoError(t, sub.Start(context.Background()))
	defer sub.Stop()

	ev := rec.next(t)
	connected, ok := ev.(Connected)
	require.True(t, ok, "expected Connected, got %#v", ev)
	assert.Equal(t, sessionID, connected.SessionID)

	ch.events <- SessionUpdated{}
	_, ok = rec.next(t).(SessionUpdated)
	assert.True(t, ok)
}

func TestHeartbeatBroadcastsAreSwallowed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ch := newFakeChannel()
	transport := &fakeTransport{outcomes: []func() (Channel, error){yield(ch)}}
	rec := newEventRecorder()

	sub := NewSubscriber(uuid.New(), transport, rec.handle, nil, clock, testConfig())
	require.NoError(t, sub.Start(context.Background()))
	defer sub.Stop()

	rec.next(t) // Connected

	ch.events <- BroadcastReceived{Name: HeartbeatBroadcast}
	rec.expectNone(t, 100*time.Millisecond)

	// Still counts as liveness evidence.
	assert.True(t, sub.IsConnectionHealthy())
}

func TestHeartbeatAndPresenceTickers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ch := newFakeChannel()
	transport := &fakeTransport{outcomes: []func() (Channel, error){yield(ch)}}
	rec := newEventRecorder()
	self := &Identity{PlayerID: uuid.New(), Name: "pat"}
	cfg := testConfig()

	sub := NewSubscriber(uuid.New(), transport, rec.handle, self, clock, cfg)
	require.NoError(t, sub.Start(context.Background()))
	defer sub.Stop()

	rec.next(t) // Connected

	// Initial self-track happens on establish.
	require.Eventually(t, func() bool { return ch.trackCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	// Two tickers (heartbeat + presence) are waiting on the fake clock.
	clock.BlockUntil(2)
	clock.Advance(cfg.HeartbeatInterval)

	require.Eventually(t, func() bool { return ch.broadcastCount() >= 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, HeartbeatBroadcast, ch.firstBroadcast())
}

func TestBackoffEmitsFeedDownExactlyOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &fakeTransport{outcomes: []func() (Channel, error){alwaysFail()}}
	rec := newEventRecorder()
	cfg := testConfig()

	sub := NewSubscriber(uuid.New(), transport, rec.handle, nil, clock, cfg)
	require.NoError(t, sub.Start(context.Background()))
	defer sub.Stop()

	// Attempt 1 fails immediately; backoff 1s.
	clock.BlockUntil(1)
	clock.Advance(cfg.BaseRetryDelay)
	// Attempt 2 fails; backoff 2s.
	clock.BlockUntil(1)
	clock.Advance(2 * cfg.BaseRetryDelay)
	// Attempt 3 fails; budget of 2 exhausted, FeedDown fires once.
	ev := rec.next(t)
	down, ok := ev.(FeedDown)
	require.True(t, ok, "expected FeedDown, got %#v", ev)
	require.Error(t, down.Err)

	// Cooldown retry still fails; no second FeedDown.
	clock.BlockUntil(1)
	clock.Advance(cfg.RetryCooldown)
	rec.expectNone(t, 100*time.Millisecond)

	require.Eventually(t, func() bool { return transport.joinCount() >= 4 },
		2*time.Second, 10*time.Millisecond)
}

func TestReconnectedAfterChannelDrop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	first := newFakeChannel()
	second := newFakeChannel()
	transport := &fakeTransport{outcomes: []func() (Channel, error){yield(first), yield(second)}}
	rec := newEventRecorder()
	cfg := testConfig()

	sub := NewSubscriber(uuid.New(), transport, rec.handle, nil, clock, cfg)
	require.NoError(t, sub.Start(context.Background()))
	defer sub.Stop()

	rec.next(t) // Connected

	// Abnormal closure: the events channel closes.
	close(first.events)

	// The heartbeat and presence tickers of the dropped channel are torn
	// down before the subscriber marks itself disconnected. Waiting for
	// that guarantees the only clock waiter left is the retry timer, so
	// the advance below cannot be eaten by a stale ticker.
	require.Eventually(t, func() bool { return !sub.IsConnectionHealthy() },
		2*time.Second, 10*time.Millisecond)
	clock.BlockUntil(1)
	clock.Advance(cfg.BaseRetryDelay)

	ev := rec.next(t)
	reconnected, ok := ev.(Reconnected)
	require.True(t, ok, "expected Reconnected, got %#v", ev)
	assert.Equal(t, 1, reconnected.Attempts)
}

func TestStopIsIdempotentAndSafeWhenNeverStarted(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sub := NewSubscriber(uuid.New(), &fakeTransport{outcomes: []func() (Channel, error){alwaysFail()}},
		func(Event) {}, nil, clock, testConfig())

	sub.Stop()
	sub.Stop()

	require.NoError(t, sub.Start(context.Background()))
	sub.Stop()
	sub.Stop()
}

func TestPresenceSetMaintained(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ch := newFakeChannel()
	transport := &fakeTransport{outcomes: []func() (Channel, error){yield(ch)}}
	rec := newEventRecorder()

	sub := NewSubscriber(uuid.New(), transport, rec.handle, nil, clock, testConfig())
	require.NoError(t, sub.Start(context.Background()))
	defer sub.Stop()

	rec.next(t) // Connected

	p1 := PresenceMember{PlayerID: uuid.New(), Name: "alex"}
	p2 := PresenceMember{PlayerID: uuid.New(), Name: "sam"}

	ch.events <- PresenceSynced{Members: []PresenceMember{p1}}
	rec.next(t)
	ch.events <- PresenceJoined{Member: p2}
	rec.next(t)

	assert.Len(t, sub.PresenceMembers(), 2)

	ch.events <- PresenceLeft{PlayerID: p1.PlayerID}
	rec.next(t)

	members := sub.PresenceMembers()
	require.Len(t, members, 1)
	assert.Equal(t, p2.PlayerID, members[0].PlayerID)
}

func TestTimeSinceLastEventNegativeBeforeFirstEvent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sub := NewSubscriber(uuid.New(), &fakeTransport{outcomes: []func() (Channel, error){alwaysFail()}},
		func(Event) {}, nil, clock, testConfig())

	assert.Negative(t, sub.TimeSinceLastEvent())
}
