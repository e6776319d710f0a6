package client

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff yields base, 2*base, 4*base... capped at max, with no jitter.
type Backoff struct {
	b *backoff.ExponentialBackOff
}

func NewBackoff(base, max time.Duration) *Backoff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return &Backoff{b: b}
}

// Next returns the wait before the next attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	return b.b.NextBackOff()
}

// Reset restarts the sequence at base.
func (b *Backoff) Reset() {
	b.b.Reset()
}
