package feed

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeChangeMapsTablesToEvents(t *testing.T) {
	roundID := uuid.New()
	record := json.RawMessage(fmt.Sprintf(
		`{"id":%q,"round_number":2,"status":"voting"}`, roundID))

	ev, err := DecodeChange(TableRounds, ActionUpdate, record)
	require.NoError(t, err)
	changed, ok := ev.(RoundStatusChanged)
	require.True(t, ok, "expected RoundStatusChanged, got %#v", ev)
	assert.Equal(t, roundID, changed.Round.ID)
	assert.Equal(t, 2, changed.Round.RoundNumber)

	ev, err = DecodeChange(TableRounds, ActionInsert, record)
	require.NoError(t, err)
	_, ok = ev.(RoundCreated)
	assert.True(t, ok)
}

func TestDecodePlayerDeleteCarriesOnlyID(t *testing.T) {
	playerID := uuid.New()
	record := json.RawMessage(fmt.Sprintf(`{"id":%q}`, playerID))

	ev, err := DecodeChange(TablePlayers, ActionDelete, record)
	require.NoError(t, err)
	left, ok := ev.(PlayerLeft)
	require.True(t, ok)
	assert.Equal(t, playerID, left.PlayerID)
}

func TestDecodeChangeRejectsUnknownTable(t *testing.T) {
	_, err := DecodeChange("spectators", ActionInsert, json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestDecodeChangeRejectsMalformedRecord(t *testing.T) {
	_, err := DecodeChange(TableAnswers, ActionInsert, json.RawMessage(`{"id":42}`))
	require.Error(t, err)
}
