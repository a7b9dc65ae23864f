package capture

import (
	"context"
	"errors"
	"time"
)

var ErrNoFrames = errors.New("no frames found")

// Emit receives one encoded frame. It must not block; the payload is owned
// by the receiver afterwards.
type Emit func(payload []byte, captured time.Time)

// Source produces encoded frames until ctx is done. Start returns an error
// when the source cannot run at all or stops unexpectedly.
type Source interface {
	Start(ctx context.Context, emit Emit) error
	// Mode describes the source for status reports.
	Mode() string
}

// throttle limits emission to a frame rate, skipping frames that arrive
// early.
type throttle struct {
	interval time.Duration
	last     time.Time
}

func newThrottle(fps float64) *throttle {
	if fps <= 0 {
		return &throttle{}
	}
	return &throttle{interval: time.Duration(float64(time.Second) / fps)}
}

func (t *throttle) allow(now time.Time) bool {
	if t.interval == 0 {
		return true
	}
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}
