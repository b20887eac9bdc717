package clocksync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimatorMeasuresOffset(t *testing.T) {
	clock := clockwork.NewFakeClock()
	serverAhead := 5 * time.Second

	e := NewEstimator(func(ctx context.Context) (time.Time, error) {
		return clock.Now().Add(serverAhead), nil
	}, clock)

	assert.False(t, e.Calibrated())
	assert.Equal(t, time.Duration(0), e.Offset())

	e.Initialize(context.Background())

	require.True(t, e.Calibrated())
	assert.Equal(t, serverAhead, e.Offset())
	assert.Equal(t, clock.Now().Add(serverAhead), e.AdjustedTime())
}

func TestEstimatorKeepsLastOffsetOnFailure(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fail := false

	e := NewEstimator(func(ctx context.Context) (time.Time, error) {
		if fail {
			return time.Time{}, errors.New("backend unavailable")
		}
		return clock.Now().Add(3 * time.Second), nil
	}, clock)

	e.Initialize(context.Background())
	require.Equal(t, 3*time.Second, e.Offset())

	fail = true
	e.Recalibrate(context.Background())

	assert.Equal(t, 3*time.Second, e.Offset())
	assert.True(t, e.Calibrated())
}

func TestEstimatorUncalibratedFailureKeepsZeroOffset(t *testing.T) {
	clock := clockwork.NewFakeClock()

	e := NewEstimator(func(ctx context.Context) (time.Time, error) {
		return time.Time{}, errors.New("backend unavailable")
	}, clock)

	e.Initialize(context.Background())

	assert.False(t, e.Calibrated())
	assert.Equal(t, time.Duration(0), e.Offset())
	assert.Equal(t, clock.Now(), e.AdjustedTime())
}

func TestAdjustedTimeNeverGoesBackward(t *testing.T) {
	clock := clockwork.NewFakeClock()
	serverAhead := 10 * time.Second

	e := NewEstimator(func(ctx context.Context) (time.Time, error) {
		return clock.Now().Add(serverAhead), nil
	}, clock)

	e.Initialize(context.Background())
	first := e.AdjustedTime()

	// A recalibration that pulls the offset sharply down simulates the local
	// clock having been ahead; reads must not step backward.
	serverAhead = -10 * time.Second
	e.Recalibrate(context.Background())

	second := e.AdjustedTime()
	assert.False(t, second.Before(first), "adjusted time went backward: %v -> %v", first, second)

	// Once the local clock catches up, adjusted time moves again.
	clock.Advance(time.Minute)
	third := e.AdjustedTime()
	assert.True(t, third.After(second))
}

func TestEstimatorUsesMidpointCorrection(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rtt := 200 * time.Millisecond

	e := NewEstimator(func(ctx context.Context) (time.Time, error) {
		// Simulate the request taking a full round trip on the local clock;
		// the server stamps its reply halfway through.
		server := clock.Now().Add(rtt / 2)
		clock.Advance(rtt)
		return server, nil
	}, clock)

	e.Initialize(context.Background())

	// server - received + rtt/2 = -rtt/2 + rtt/2 = 0 for a symmetric path.
	assert.Equal(t, time.Duration(0), e.Offset())
}
