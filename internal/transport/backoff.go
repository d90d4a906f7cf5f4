package transport

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Backoff computes reconnect delays: exponential growth from Min up to Max,
// with up to Jitter (a fraction of the delay) taken off at random so that
// clients dropped together do not reconnect together.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64

	mu  sync.Mutex
	rng *rand.Rand
}

// DefaultBackoff returns the delays used when none are configured.
func DefaultBackoff() *Backoff {
	return &Backoff{Min: 250 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: 0.5}
}

// Duration returns the delay before reconnect attempt n (0-based).
func (b *Backoff) Duration(attempt int) time.Duration {
	min, max, factor := b.Min, b.Max, b.Factor
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	if factor < 1 {
		factor = 2
	}
	d := float64(min) * math.Pow(factor, float64(attempt))
	if d > float64(max) || math.IsInf(d, 0) {
		d = float64(max)
	}
	if b.Jitter > 0 {
		j := math.Min(b.Jitter, 1)
		d -= d * j * b.random()
	}
	return time.Duration(d)
}

func (b *Backoff) random() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rng == nil {
		b.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return b.rng.Float64()
}
