// Package backoff computes delays between job retries and between failed
// poll cycles of a runner loop.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before retry number attempt. Attempt 1 is the
// first retry after the initial failure; values below 1 are treated as 1.
// Implementations must be safe for concurrent use.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Func adapts an ordinary function to a Strategy.
type Func func(attempt int) time.Duration

// Delay calls f(attempt).
func (f Func) Delay(attempt int) time.Duration {
	return f(normalize(attempt))
}

// Constant waits the same interval before every retry.
type Constant time.Duration

// Delay returns the fixed interval.
func (c Constant) Delay(int) time.Duration {
	return time.Duration(c)
}

// Linear grows the delay by Step each attempt, capped at Max when Max > 0.
type Linear struct {
	Step time.Duration
	Max  time.Duration
}

// Delay returns Step*attempt, capped at Max.
func (l Linear) Delay(attempt int) time.Duration {
	return capAt(l.Step*time.Duration(normalize(attempt)), l.Max)
}

// Exponential doubles Base every attempt, capped at Max when Max > 0. With
// Jitter set the result is drawn uniformly from [0, delay] so that many
// workers retrying together do not stampede the store.
type Exponential struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
}

// Delay returns Base*2^(attempt-1), capped at Max and optionally jittered.
func (e Exponential) Delay(attempt int) time.Duration {
	exp := float64(e.Base) * math.Pow(2, float64(normalize(attempt)-1))
	if exp > math.MaxInt64 {
		exp = math.MaxInt64
	}
	d := capAt(time.Duration(exp), e.Max)
	if e.Jitter && d > 0 {
		//nolint:gosec // jitter does not need a cryptographic source
		d = time.Duration(rand.Int64N(int64(d) + 1))
	}
	return d
}

// Default is the retry strategy used by the local backend: jittered
// exponential growth from one second up to one minute.
func Default() Strategy {
	return Exponential{Base: time.Second, Max: time.Minute, Jitter: true}
}

// Fixed is the retry strategy used by the distributed backend: one second
// between attempts.
func Fixed() Strategy {
	return Constant(time.Second)
}

func normalize(attempt int) int {
	if attempt < 1 {
		return 1
	}
	return attempt
}

func capAt(d, limit time.Duration) time.Duration {
	if limit > 0 && d > limit {
		return limit
	}
	return d
}
