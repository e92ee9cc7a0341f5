package syncer

import (
	"math/rand"
	"time"
)

// maxBackoffExponent bounds the doubling so large attempt counts cannot overflow.
const maxBackoffExponent = 30

// Backoff computes retry delays for failed jobs.
//
// The delay after n failed attempts is Base * 2^n spread by a symmetric
// Jitter fraction, then clamped to Max and floored at Min. Jitter never
// pushes a delay past Max. With Jitter zero the policy is deterministic.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Min    time.Duration
	Jitter float64
}

// DefaultBackoff returns the production policy: 5s base, 5m cap, ±15% jitter, 1s floor.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   5 * time.Second,
		Max:    5 * time.Minute,
		Min:    time.Second,
		Jitter: 0.15,
	}
}

// Delay returns the wait before the next attempt of a job that has now failed
// attempts times. rnd returns values in [0, 1); nil uses math/rand.
func (b Backoff) Delay(attempts int, rnd func() float64) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > maxBackoffExponent {
		attempts = maxBackoffExponent
	}

	d := b.Base
	for i := 0; i < attempts && (b.Max <= 0 || d < b.Max); i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if d < b.Base {
		d = b.Base
	}

	if b.Jitter > 0 {
		if rnd == nil {
			rnd = rand.Float64
		}
		spread := float64(d) * b.Jitter * (rnd()*2 - 1)
		d += time.Duration(spread)
	}

	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if d < b.Min {
		d = b.Min
	}
	return d
}
