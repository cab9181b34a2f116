package fulfillment

import (
	"math"
	"time"
)

type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = 5 * time.Second
	}
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	if b.Cap <= 0 {
		b.Cap = 10 * time.Minute
	}
	return b
}

// Delay returns min(base*mult^n, cap) scaled by a jitter factor in
// [0.8, 1.2], never above cap. u is a uniform sample in [0, 1).
func (b Backoff) Delay(n int, u float64) time.Duration {
	b = b.withDefaults()
	if n < 0 {
		n = 0
	}
	capped := float64(b.Cap)
	d := math.Min(float64(b.Base)*math.Pow(b.Multiplier, float64(n)), capped)
	d *= 0.8 + 0.4*u
	return time.Duration(math.Min(d, capped))
}
