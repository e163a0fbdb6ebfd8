// Package retry computes retry delays and classifies errors as
// terminal (never retry) or transient (retry per policy), grounded on
// gnotnek-golang-redisq's backoff.ExponentialJitter shape but exposing
// the multiplier and jitter fraction as explicit policy fields instead
// of hardcoding base-2 growth and a fixed 20% jitter.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Classifier reports whether an error should never be retried
// regardless of remaining attempts.
type Classifier func(err error) bool

// NeverTerminal treats every error as retryable until attempts run out.
func NeverTerminal(error) bool { return false }

// Policy controls how many times a task is attempted and how long to
// wait between attempts.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter is a fraction in [0,1]: the computed delay is randomized
	// within +/-(Jitter * delay) of its unjittered value.
	Jitter     float64
	Terminal   Classifier
}

// Default matches a conservative, widely-applicable retry shape: 3
// attempts, 500ms base delay doubling up to 30s, 20% jitter.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
		Terminal:    NeverTerminal,
	}
}

func (p Policy) classifier() Classifier {
	if p.Terminal != nil {
		return p.Terminal
	}
	return NeverTerminal
}

// ShouldRetry reports whether another attempt should be made given the
// 1-indexed attempt number that just failed and the error it failed
// with.
func (p Policy) ShouldRetry(attempt int, err error) bool {
	if p.classifier()(err) {
		return false
	}
	return attempt < p.MaxAttempts
}

// Delay computes the wait before the next attempt after the given
// 1-indexed attempt number, as
// clamp(base * multiplier^(attempt-1) * (1 +/- jitter), 0, max_delay).
func (p Policy) Delay(attempt int) time.Duration {
	base := float64(p.BaseDelay)
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	raw := base * math.Pow(mult, float64(attempt-1))

	jitter := p.Jitter
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	if jitter > 0 {
		factor := 1 + (rand.Float64()*2-1)*jitter
		raw *= factor
	}

	if raw < 0 {
		raw = 0
	}
	d := time.Duration(raw)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
