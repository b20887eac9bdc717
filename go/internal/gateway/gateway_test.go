package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fakeout-party/fakeout/go/internal/feed"
	"github.com/fakeout-party/fakeout/go/internal/feed/wire"
	"github.com/fakeout-party/fakeout/go/internal/models"
	"github.com/fakeout-party/fakeout/go/internal/store/memstore"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingUplink struct {
	mu         sync.Mutex
	broadcasts []string
	tracks     []feed.PresenceMember
}

func (u *recordingUplink) PublishBroadcast(ctx context.Context, sessionID uuid.UUID, name string, payload json.RawMessage) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.broadcasts = append(u.broadcasts, name)
	return nil
}

func (u *recordingUplink) PublishTrack(ctx context.Context, sessionID uuid.UUID, member feed.PresenceMember) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.tracks = append(u.tracks, member)
	return nil
}

func TestParseSessionSubject(t *testing.T) {
	sessionID := uuid.New()

	id, kind, err := parseSessionSubject(fmt.Sprintf("fakeout.session.%s.changes.rounds", sessionID))
	require.NoError(t, err)
	assert.Equal(t, sessionID, id)
	assert.Equal(t, "changes.rounds", kind)

	_, kind, err = parseSessionSubject(fmt.Sprintf("fakeout.session.%s.presence", sessionID))
	require.NoError(t, err)
	assert.Equal(t, "presence", kind)

	_, _, err = parseSessionSubject("fakeout.lobby.stats")
	require.Error(t, err)

	_, _, err = parseSessionSubject(fmt.Sprintf("fakeout.session.%s", sessionID))
	require.Error(t, err)

	_, _, err = parseSessionSubject("fakeout.session.not-a-uuid.broadcast")
	require.Error(t, err)
}

func TestTrackMemberAndPresencePrune(t *testing.T) {
	cfg := DefaultConnectionConfig()
	cfg.PresenceTTL = time.Minute
	cm := NewConnectionManager(cfg, &recordingUplink{})
	sessionID := uuid.New()

	fresh := feed.PresenceMember{PlayerID: uuid.New(), Name: "alex", TrackedAt: time.Now()}
	expired := feed.PresenceMember{PlayerID: uuid.New(), Name: "sam", TrackedAt: time.Now().Add(-2 * time.Minute)}
	cm.TrackMember(sessionID, fresh)
	cm.TrackMember(sessionID, expired)

	cm.pruneExpiredPresence()

	cm.mu.RLock()
	members := cm.presence[sessionID]
	cm.mu.RUnlock()
	require.Len(t, members, 1)
	_, ok := members[fresh.PlayerID]
	assert.True(t, ok)

	// The prune queued a left diff for the expired member.
	select {
	case frame := <-cm.broadcastCh:
		assert.Equal(t, sessionID, frame.SessionID)
		var msg wire.Message
		require.NoError(t, json.Unmarshal(frame.Data, &msg))
		assert.Equal(t, wire.TypePresenceDiff, msg.Type)
		var diff wire.PresenceDiffPayload
		require.NoError(t, json.Unmarshal(msg.Data, &diff))
		assert.Equal(t, []uuid.UUID{expired.PlayerID}, diff.Left)
	default:
		t.Fatal("expected a presence diff frame")
	}
}

func TestClientFramesRelayThroughUplink(t *testing.T) {
	uplink := &recordingUplink{}
	cm := NewConnectionManager(DefaultConnectionConfig(), uplink)
	sessionID := uuid.New()
	conn := &Connection{ID: "test", SessionID: sessionID, Manager: cm}

	member := feed.PresenceMember{PlayerID: uuid.New(), Name: "alex", TrackedAt: time.Now()}
	track, err := wire.NewMessage(wire.TypeTrack, sessionID, time.Now(), wire.TrackPayload{Member: member})
	require.NoError(t, err)
	raw, err := json.Marshal(track)
	require.NoError(t, err)
	conn.handleClientMessage(raw)

	broadcast, err := wire.NewMessage(wire.TypeBroadcast, sessionID, time.Now(), wire.BroadcastPayload{
		Name:    feed.HeartbeatBroadcast,
		Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	raw, err = json.Marshal(broadcast)
	require.NoError(t, err)
	conn.handleClientMessage(raw)

	// Frames go to the bus, never straight to local connections; the presence
	// registry is only written when the announcement comes back off the bus.
	uplink.mu.Lock()
	defer uplink.mu.Unlock()
	require.Len(t, uplink.tracks, 1)
	assert.Equal(t, member.PlayerID, uplink.tracks[0].PlayerID)
	assert.Equal(t, []string{feed.HeartbeatBroadcast}, uplink.broadcasts)

	conn.playerMu.Lock()
	require.NotNil(t, conn.playerID)
	assert.Equal(t, member.PlayerID, *conn.playerID)
	conn.playerMu.Unlock()
}

func TestMalformedClientFramesAreDropped(t *testing.T) {
	uplink := &recordingUplink{}
	cm := NewConnectionManager(DefaultConnectionConfig(), uplink)
	conn := &Connection{ID: "test", SessionID: uuid.New(), Manager: cm}

	conn.handleClientMessage([]byte(`not json`))
	conn.handleClientMessage([]byte(`{"type":"change","data":{}}`))

	uplink.mu.Lock()
	defer uplink.mu.Unlock()
	assert.Empty(t, uplink.broadcasts)
	assert.Empty(t, uplink.tracks)
}

func TestSessionStateWithholdsAnswersWhileAnswering(t *testing.T) {
	clock := clockwork.NewFakeClock()
	st := memstore.New(clock)
	provider := NewStoreStateProvider(st)
	ctx := context.Background()

	sessionID := uuid.New()
	questionID := uuid.New()
	roundID := uuid.New()
	playerID := uuid.New()
	st.PutSession(models.GameSession{ID: sessionID, Status: models.SessionStatusPlaying, RoundCount: 3})
	st.PutQuestion(models.Question{ID: questionID, Prompt: "capital of australia?", Answer: "canberra"})
	st.PutRound(models.Round{
		ID: roundID, SessionID: sessionID, RoundNumber: 1,
		QuestionID: questionID, Status: models.RoundStatusAnswering,
	})
	st.PutAnswer(models.Answer{ID: uuid.New(), RoundID: roundID, PlayerID: &playerID, Text: "sydney"})

	state, err := provider.SessionState(ctx, sessionID)
	require.NoError(t, err)
	require.NotNil(t, state)
	require.NotNil(t, state.Question)
	assert.Equal(t, "capital of australia?", state.Question.Prompt)
	assert.Empty(t, state.Question.Answer)
	assert.Nil(t, state.Answers)
	assert.Equal(t, clock.Now(), state.ServerTime)

	// Once voting starts the full answer set and the correct text are served.
	_, err = st.AdvanceRoundPhase(ctx, roundID, models.RoundStatusAnswering)
	require.NoError(t, err)

	state, err = provider.SessionState(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "canberra", state.Question.Answer)
	assert.Len(t, state.Answers, 2)
}

func TestSessionStateUnknownSession(t *testing.T) {
	clock := clockwork.NewFakeClock()
	provider := NewStoreStateProvider(memstore.New(clock))

	state, err := provider.SessionState(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, state)
}
