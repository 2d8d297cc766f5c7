package schedule

import (
	"math"
	"math/rand/v2"
	"time"
)

// maxDuration is where an uncapped backoff saturates.
const maxDuration = time.Duration(math.MaxInt64)

// Backoff computes exponential delays: delay(k) = min(base·2^(k-1), max)
// for attempt k starting at 1. Max <= 0 means uncapped.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the delay before attempt k.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		if d > maxDuration/2 {
			d = maxDuration
			break
		}
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// JitteredDelay returns Delay(attempt) scaled by Jitter, clamped to Max.
func (b Backoff) JitteredDelay(attempt int) time.Duration {
	d := Jitter(b.Delay(attempt))
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Jitter scales d by a random factor in [0.5, 1.5), saturating instead of
// overflowing.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	half := d / 2
	j := time.Duration(rand.Int64N(int64(d)))
	if j > maxDuration-half {
		return maxDuration
	}
	return half + j
}
