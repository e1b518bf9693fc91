package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff doubles a delay from base up to max. Each delay is jittered by up to Jitter of its value.
// A Backoff is not safe for concurrent use.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	current time.Duration
	jitter  float64
}

const DefaultJitter = 0.2

func New(base, maxDelay time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &Backoff{base: base, max: maxDelay, current: base, jitter: DefaultJitter}
}

// WithJitter sets the jitter fraction, clamped to [0,1].
func (b *Backoff) WithJitter(fraction float64) *Backoff {
	switch {
	case fraction < 0:
		fraction = 0
	case fraction > 1:
		fraction = 1
	}
	b.jitter = fraction
	return b
}

func (b *Backoff) Reset() {
	b.current = b.base
}

// Next returns the delay to wait now and advances the sequence.
func (b *Backoff) Next() time.Duration {
	delay := b.current
	if b.jitter > 0 {
		spread := float64(delay) * b.jitter
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
		if delay < 0 {
			delay = 0
		}
	}
	next := b.current * 2
	if next > b.max {
		next = b.max
	}
	b.current = next
	return delay
}

// Sleep waits for the next delay. It returns ctx.Err() if ctx ends first.
func (b *Backoff) Sleep(ctx context.Context) error {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
