package engine

import (
	"math"
	"math/rand"
	"time"
)

const (
	defaultBackoffMin    = 100 * time.Millisecond
	defaultBackoffMax    = 30 * time.Second
	defaultBackoffFactor = 2.0
)

type retryPolicy struct {
	maxRetries int
	min        time.Duration
	max        time.Duration
	factor     float64
}

func deriveRetryPolicy(rp *RetryPolicy) retryPolicy {
	pol := retryPolicy{min: defaultBackoffMin, max: defaultBackoffMax, factor: defaultBackoffFactor}
	if rp == nil {
		return pol
	}
	pol.maxRetries = rp.MaxRetries
	if rp.Min > 0 {
		pol.min = rp.Min
	}
	if rp.Max > 0 {
		pol.max = rp.Max
	}
	if rp.Factor > 0 {
		pol.factor = rp.Factor
	}
	if pol.max < pol.min {
		pol.max = pol.min
	}
	return pol
}

// allowRetry reports whether another attempt may follow the given number of
// attempts already made.
func (p retryPolicy) allowRetry(attempts int) bool {
	if p.maxRetries < 0 {
		return true
	}
	return attempts <= p.maxRetries
}

// delay returns the backoff before the attempt following the given number of
// failed attempts, before jitter.
func (p retryPolicy) delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	next := float64(p.min) * math.Pow(p.factor, float64(failures-1))
	if math.IsInf(next, 0) || next > float64(p.max) {
		return p.max
	}
	d := time.Duration(next)
	if d < p.min {
		d = p.min
	}
	return d
}

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	// Full jitter: random duration in [0, d].
	return time.Duration(rand.Float64() * float64(d))
}
