package worker

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff is a capped exponential delay with additive jitter.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns min(Base*2^(attempt-1), Cap) plus a uniform jitter in
// [0, Base). attempt is 1-based; values below 1 are treated as 1.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.ceiling(attempt)
	if b.Base > 0 {
		d += rand.N(b.Base)
	}
	return d
}

// ceiling is Delay without jitter.
func (b Backoff) ceiling(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		if (b.Cap > 0 && d >= b.Cap) || d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	return d
}
