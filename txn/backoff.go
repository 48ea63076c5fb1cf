package txn

import (
	"math"
	"math/rand"
	"time"
)

// jitter returns an exponential delay with full jitter.
//
//	delay = max(floor, rand(0, min(cap, base * 2^attempt)))
func jitter(attempt int, base, cap time.Duration) time.Duration {
	const floor = 5 * time.Millisecond
	exp := float64(base) * math.Pow(2, float64(attempt))
	if exp > float64(cap) || exp <= 0 { // overflow guard
		exp = float64(cap)
	}
	d := time.Duration(rand.Int63n(int64(exp)))
	if d < floor {
		d = floor
	}
	return d
}
