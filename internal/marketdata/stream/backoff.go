package stream

import (
	"math/rand/v2"
	"time"
)

// jitterFrac is the ± spread applied to every reconnect delay.
const jitterFrac = 0.2

// backoff returns the delay before reconnect attempt n (0-based):
// lo·2ⁿ capped at hi, then jittered by ±20%. r is a uniform [0,1) source.
func backoff(n int, lo, hi time.Duration, r func() float64) time.Duration {
	d := lo
	for i := 0; i < n && d < hi; i++ {
		d *= 2
	}
	if d > hi {
		d = hi
	}
	if r == nil {
		r = rand.Float64
	}
	f := 1 - jitterFrac + 2*jitterFrac*r()
	return time.Duration(float64(d) * f)
}
