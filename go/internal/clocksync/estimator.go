package clocksync

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ServerTimeFunc fetches the authoritative server time.
type ServerTimeFunc func(ctx context.Context) (time.Time, error)

// Estimator measures the delta between the local clock and authoritative
// server time so a countdown can be rendered locally without polling.
//
// The estimate uses a midpoint correction for network latency:
//
//	offset = serverTime - receiveTime + roundTrip/2
//
// Failures never propagate: the offset keeps its last known value (zero
// before the first success) because the timer must keep rendering.
type Estimator struct {
	serverTime ServerTimeFunc
	clock      clockwork.Clock

	mu         sync.Mutex
	offset     time.Duration
	calibrated bool
	// lastAdjusted enforces monotonically non-decreasing adjusted time even
	// if the local clock is stepped backward between reads.
	lastAdjusted time.Time
}

// NewEstimator creates an estimator. The offset is zero until Initialize or
// Recalibrate succeeds.
func NewEstimator(serverTime ServerTimeFunc, clock clockwork.Clock) *Estimator {
	return &Estimator{
		serverTime: serverTime,
		clock:      clock,
	}
}

// Initialize performs the first round-trip measurement.
func (e *Estimator) Initialize(ctx context.Context) {
	e.Recalibrate(ctx)
}

// Recalibrate re-runs the measurement. Call on reconnect or suspected drift.
func (e *Estimator) Recalibrate(ctx context.Context) {
	sent := e.clock.Now()
	server, err := e.serverTime(ctx)
	received := e.clock.Now()
	if err != nil {
		log.Warn().Err(err).Msg("clock offset measurement failed, keeping last known offset")
		return
	}

	roundTrip := received.Sub(sent)
	offset := server.Sub(received) + roundTrip/2

	e.mu.Lock()
	e.offset = offset
	e.calibrated = true
	e.mu.Unlock()

	log.Debug().
		Dur("offset", offset).
		Dur("round_trip", roundTrip).
		Msg("clock offset recalibrated")
}

// AdjustedTime returns the best estimate of current server time. Successive
// calls never go backward.
func (e *Estimator) AdjustedTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()

	adjusted := e.clock.Now().Add(e.offset)
	if adjusted.Before(e.lastAdjusted) {
		return e.lastAdjusted
	}
	e.lastAdjusted = adjusted
	return adjusted
}

// Offset returns the current estimate.
func (e *Estimator) Offset() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offset
}

// Calibrated reports whether at least one measurement has succeeded.
func (e *Estimator) Calibrated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calibrated
}
