package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fakeout-party/fakeout/go/internal/feed"
	"github.com/fakeout-party/fakeout/go/internal/models"
	"github.com/fakeout-party/fakeout/go/internal/round"
	"github.com/fakeout-party/fakeout/go/internal/store"
	"github.com/fakeout-party/fakeout/go/internal/store/memstore"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	events chan feed.Event
	mu     sync.Mutex
	closed bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan feed.Event, 16)}
}

func (c *fakeChannel) Events() <-chan feed.Event { return c.events }

func (c *fakeChannel) Broadcast(ctx context.Context, name string, payload any) error { return nil }

func (c *fakeChannel) Track(ctx context.Context, member feed.PresenceMember) error { return nil }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeTransport struct {
	mu      sync.Mutex
	channel *fakeChannel
	err     error
}

func (t *fakeTransport) Join(ctx context.Context, sessionID uuid.UUID) (feed.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	return t.channel, nil
}

// brokenStore errors on everything, simulating a backend outage.
type brokenStore struct{}

var errBackend = errors.New("backend unavailable")

func (brokenStore) GetSession(context.Context, uuid.UUID) (*models.GameSession, error) {
	return nil, errBackend
}
func (brokenStore) ListPlayers(context.Context, uuid.UUID) ([]models.Player, error) {
	return nil, errBackend
}
func (brokenStore) GetCurrentRound(context.Context, uuid.UUID) (*models.Round, error) {
	return nil, errBackend
}
func (brokenStore) GetQuestion(context.Context, uuid.UUID) (*models.Question, error) {
	return nil, errBackend
}
func (brokenStore) ListAnswers(context.Context, uuid.UUID) ([]models.Answer, error) {
	return nil, errBackend
}
func (brokenStore) GetPlayerAnswer(context.Context, uuid.UUID, uuid.UUID) (*models.Answer, error) {
	return nil, errBackend
}
func (brokenStore) GetPlayerVote(context.Context, uuid.UUID, uuid.UUID) (*models.Vote, error) {
	return nil, errBackend
}
func (brokenStore) SubmitAnswer(context.Context, uuid.UUID, uuid.UUID, string) (*models.Answer, error) {
	return nil, errBackend
}
func (brokenStore) SubmitVote(context.Context, uuid.UUID, uuid.UUID, uuid.UUID) (*models.Vote, error) {
	return nil, errBackend
}
func (brokenStore) CreateRound(context.Context, store.CreateRoundRequest) (*models.Round, error) {
	return nil, errBackend
}
func (brokenStore) GetServerTime(context.Context) (time.Time, error) {
	return time.Time{}, errBackend
}
func (brokenStore) GetTimeRemaining(context.Context, uuid.UUID) (time.Duration, error) {
	return 0, errBackend
}
func (brokenStore) StartRoundTimer(context.Context, uuid.UUID) error { return errBackend }
func (brokenStore) AdvanceRoundPhase(context.Context, uuid.UUID, models.RoundStatus) (*models.Round, error) {
	return nil, errBackend
}

type env struct {
	clock     *clockwork.FakeClock
	store     *memstore.Store
	channel   *fakeChannel
	client    *Client
	sessionID uuid.UUID
	selfID    uuid.UUID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clock := clockwork.NewFakeClock()
	st := memstore.New(clock)

	sessionID := uuid.New()
	selfID := uuid.New()
	st.PutSession(models.GameSession{
		ID:         sessionID,
		JoinCode:   "WXYZ",
		Status:     models.SessionStatusPlaying,
		RoundCount: 3,
		MaxPlayers: 8,
		CreatedAt:  clock.Now(),
		UpdatedAt:  clock.Now(),
	})
	st.PutPlayer(models.Player{
		ID:               selfID,
		SessionID:        sessionID,
		Name:             "pat",
		ConnectionStatus: models.ConnectionStatusConnected,
		JoinedAt:         clock.Now(),
	})

	channel := newFakeChannel()
	client, err := New(Config{
		SessionID: sessionID,
		Self:      &feed.Identity{PlayerID: selfID, Name: "pat"},
		Transport: &fakeTransport{channel: channel},
		Store:     st,
		Clock:     clock,
	})
	require.NoError(t, err)
	t.Cleanup(client.Stop)

	return &env{
		clock:     clock,
		store:     st,
		channel:   channel,
		client:    client,
		sessionID: sessionID,
		selfID:    selfID,
	}
}

func (e *env) seedAnsweringRound() models.Round {
	questionID := uuid.New()
	e.store.PutQuestion(models.Question{
		ID:     questionID,
		Prompt: "capital of australia?",
		Answer: "canberra",
	})
	started := e.clock.Now()
	r := models.Round{
		ID:             uuid.New(),
		SessionID:      e.sessionID,
		RoundNumber:    1,
		QuestionID:     questionID,
		Status:         models.RoundStatusAnswering,
		TimerStartedAt: &started,
		TimerDuration:  30,
		QuorumCount:    2,
	}
	e.store.PutRound(r)
	return r
}

func TestNewRejectsEmptySessionID(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrInvalidSession)
}

func TestStartReachesConnected(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, StateConnecting, e.client.ConnectionState())

	require.NoError(t, e.client.Start(context.Background()))

	require.Eventually(t, func() bool {
		return e.client.ConnectionState() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	// The estimator calibrated against the backend on startup.
	assert.Equal(t, e.clock.Now(), e.client.AdjustedTime())
}

func TestSnapshotDrivesRoundView(t *testing.T) {
	e := newEnv(t)
	e.seedAnsweringRound()

	require.NoError(t, e.client.Start(context.Background()))

	// The immediate reconciliation pass catches the client up without any
	// push event having been delivered.
	require.Eventually(t, func() bool {
		return e.client.RoundView().Phase == round.PhaseAnswering
	}, 2*time.Second, 10*time.Millisecond)

	view := e.client.RoundView()
	require.NotNil(t, view.Round)
	require.NotNil(t, view.Question)
	assert.Equal(t, "capital of australia?", view.Question.Prompt)
	assert.Equal(t, 30*time.Second, view.Remaining)
}

func TestSubmitAnswerPersists(t *testing.T) {
	e := newEnv(t)
	r := e.seedAnsweringRound()

	require.NoError(t, e.client.Start(context.Background()))
	require.Eventually(t, func() bool {
		return e.client.RoundView().Phase == round.PhaseAnswering
	}, 2*time.Second, 10*time.Millisecond)

	answer, err := e.client.SubmitAnswer(context.Background(), "sydney")
	require.NoError(t, err)
	assert.Equal(t, "sydney", answer.Text)

	stored, err := e.store.GetPlayerAnswer(context.Background(), r.ID, e.selfID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, answer.ID, stored.ID)

	view := e.client.RoundView()
	require.NotNil(t, view.OwnAnswer)
	assert.Equal(t, answer.ID, view.OwnAnswer.ID)
}

func TestPushEventsReachRoundView(t *testing.T) {
	e := newEnv(t)
	r := e.seedAnsweringRound()

	require.NoError(t, e.client.Start(context.Background()))
	require.Eventually(t, func() bool {
		return e.client.RoundView().Phase == round.PhaseAnswering
	}, 2*time.Second, 10*time.Millisecond)

	other := uuid.New()
	e.channel.events <- feed.AnswerSubmitted{Answer: models.Answer{
		ID:       uuid.New(),
		RoundID:  r.ID,
		PlayerID: &other,
		Text:     "melbourne",
	}}

	require.Eventually(t, func() bool {
		return len(e.client.RoundView().Answers) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPresenceFlowsIntoIndicator(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.client.Start(context.Background()))

	other := models.Player{
		ID:               uuid.New(),
		SessionID:        e.sessionID,
		Name:             "sam",
		ConnectionStatus: models.ConnectionStatusDisconnected,
	}

	e.channel.events <- feed.PresenceSynced{Members: []feed.PresenceMember{{
		PlayerID:  other.ID,
		Name:      other.Name,
		TrackedAt: e.clock.Now(),
	}}}

	// Live presence outranks the stale durable flag.
	require.Eventually(t, func() bool {
		return e.client.IsPlayerOnline(other)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFeedDownDegradesButStaysUsable(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.client.Start(context.Background()))
	require.Eventually(t, func() bool {
		return e.client.ConnectionState() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return !e.client.IsSyncStale()
	}, 2*time.Second, 10*time.Millisecond)

	e.client.handleFeedEvent(feed.FeedDown{Err: errors.New("retry budget exhausted")})

	// The reconciler has synced successfully, so the session is degraded to
	// poll-only mode rather than lost.
	assert.Equal(t, StateDegraded, e.client.ConnectionState())
	assert.False(t, e.client.IsSyncStale())

	e.client.handleFeedEvent(feed.Connected{SessionID: e.sessionID})
	assert.Equal(t, StateConnected, e.client.ConnectionState())
}

func TestLostWhenFeedAndSyncBothOut(t *testing.T) {
	clock := clockwork.NewFakeClock()
	client, err := New(Config{
		SessionID: uuid.New(),
		Transport: &fakeTransport{err: errors.New("connection refused")},
		Store:     brokenStore{},
		Clock:     clock,
	})
	require.NoError(t, err)
	defer client.Stop()

	require.NoError(t, client.Start(context.Background()))

	// The reconciler has never succeeded, so a dead feed means lost.
	client.handleFeedEvent(feed.FeedDown{Err: errors.New("retry budget exhausted")})
	assert.Equal(t, StateLost, client.ConnectionState())
}

func TestStopIsIdempotent(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.client.Start(context.Background()))
	require.Eventually(t, func() bool {
		return e.client.ConnectionState() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	e.client.Stop()
	e.client.Stop()

	assert.Equal(t, StateConnecting, e.client.ConnectionState())

	// Stop also released presence state for the session.
	player := models.Player{ID: uuid.New(), SessionID: e.sessionID}
	assert.False(t, e.client.IsPlayerOnline(player))
}
