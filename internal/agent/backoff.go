package agent

import (
	"math/rand/v2"
	"time"
)

// Backoff doubles from Min up to Max. Each delay is spread by ±Jitter so a
// fleet of agents does not hammer a restarted relay in lockstep.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Jitter float64

	rand    func() float64
	current time.Duration
}

func NewBackoff(min, max time.Duration) *Backoff {
	if min <= 0 {
		min = time.Second
	}
	if max < min {
		max = min
	}
	return &Backoff{Min: min, Max: max, Jitter: 0.2, rand: rand.Float64}
}

// Next returns the delay to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Min
	} else {
		b.current *= 2
		if b.current > b.Max {
			b.current = b.Max
		}
	}
	d := b.current
	if b.Jitter > 0 && b.rand != nil {
		spread := float64(d) * b.Jitter
		d += time.Duration(spread * (2*b.rand() - 1))
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Reset starts the sequence over after a connection that stuck.
func (b *Backoff) Reset() {
	b.current = 0
}
