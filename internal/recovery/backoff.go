package recovery

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy is exponential from Base, capped at Cap, plus uniform jitter in [0, Jitter).
// Factor 1 gives a fixed delay.
type RetryPolicy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter time.Duration
	Factor float64
}

func computeBackoff(pol RetryPolicy, failures uint32, jitter func(n int64) int64) time.Duration {
	if failures == 0 {
		failures = 1
	}
	base := pol.Base
	if base <= 0 {
		base = DefaultRetryBaseDelay
	}
	factor := pol.Factor
	if factor <= 0 {
		factor = 2.0
	}
	delay := float64(base) * math.Pow(factor, float64(failures-1))
	d := time.Duration(delay)
	if delay > float64(math.MaxInt64) || d < 0 {
		d = time.Duration(math.MaxInt64)
	}
	if pol.Cap > 0 && d > pol.Cap {
		d = pol.Cap
	}
	if pol.Jitter > 0 {
		if jitter == nil {
			jitter = rand.Int63n
		}
		d += time.Duration(jitter(int64(pol.Jitter)))
	}
	return d
}
