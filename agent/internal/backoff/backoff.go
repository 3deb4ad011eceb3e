// Package backoff computes exponential retry delays with jitter and a cap.
package backoff

import (
	"time"

	cb "github.com/cenkalti/backoff/v5"
)

type Policy struct {
	Base time.Duration
	Max  time.Duration
	// Jitter spreads each delay by up to this fraction in either direction.
	Jitter     float64
	Multiplier float64
}

func (p Policy) exponential() *cb.ExponentialBackOff {
	b := cb.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.MaxInterval = p.Max
	b.RandomizationFactor = p.Jitter
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	b.Reset()
	return b
}

func (p Policy) clamp(d time.Duration) time.Duration {
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Delay is the wait before retry number attempt, counting from 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 64 {
		attempt = 64
	}
	b := p.exponential()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return p.clamp(d)
}

// Backoff is a stateful sequence for retry loops.
type Backoff struct {
	p Policy
	b *cb.ExponentialBackOff
}

func (p Policy) New() *Backoff { return &Backoff{p: p, b: p.exponential()} }

func (b *Backoff) Next() time.Duration { return b.p.clamp(b.b.NextBackOff()) }

func (b *Backoff) Reset() { b.b.Reset() }

// Unwrap exposes the underlying sequence for cb.Retry.
func (b *Backoff) Unwrap() cb.BackOff { return b.b }
