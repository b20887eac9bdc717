package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/fakeout-party/fakeout/go/internal/feed"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeChangeFrame(t *testing.T) {
	sessionID := uuid.New()
	msg, err := NewMessage(TypeChange, sessionID, time.Now(), ChangePayload{
		Table:  feed.TableVotes,
		Action: feed.ActionInsert,
		Record: json.RawMessage(`{"round_id":"` + uuid.NewString() + `"}`),
	})
	require.NoError(t, err)

	events, err := DecodeEvents(msg)
	require.NoError(t, err)
	require.Len(t, events, 1)
	_, ok := events[0].(feed.VoteSubmitted)
	assert.True(t, ok, "expected VoteSubmitted, got %#v", events[0])
}

func TestDecodePresenceDiffFansOut(t *testing.T) {
	joined := feed.PresenceMember{PlayerID: uuid.New(), Name: "alex"}
	left := uuid.New()
	msg, err := NewMessage(TypePresenceDiff, uuid.New(), time.Now(), PresenceDiffPayload{
		Joined: []feed.PresenceMember{joined},
		Left:   []uuid.UUID{left},
	})
	require.NoError(t, err)

	events, err := DecodeEvents(msg)
	require.NoError(t, err)
	require.Len(t, events, 2)

	j, ok := events[0].(feed.PresenceJoined)
	require.True(t, ok)
	assert.Equal(t, joined.PlayerID, j.Member.PlayerID)

	l, ok := events[1].(feed.PresenceLeft)
	require.True(t, ok)
	assert.Equal(t, left, l.PlayerID)
}

func TestDecodeBroadcastKeepsRawPayload(t *testing.T) {
	msg, err := NewMessage(TypeBroadcast, uuid.New(), time.Now(), BroadcastPayload{
		Name:    "heartbeat",
		Payload: json.RawMessage(`{"at":"2026-01-01T00:00:00Z"}`),
	})
	require.NoError(t, err)

	events, err := DecodeEvents(msg)
	require.NoError(t, err)
	require.Len(t, events, 1)
	b, ok := events[0].(feed.BroadcastReceived)
	require.True(t, ok)
	assert.Equal(t, "heartbeat", b.Name)
	assert.JSONEq(t, `{"at":"2026-01-01T00:00:00Z"}`, string(b.Payload))
}

func TestUnknownFrameTypesAreTolerated(t *testing.T) {
	events, err := DecodeEvents(Message{Type: "rematch_offer", Data: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Empty(t, events)
}
