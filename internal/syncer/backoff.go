// internal/syncer/backoff.go
package syncer

import (
	"math/rand"
	"time"
)

// backoffWait returns the wait before the given retry attempt (1-based),
// doubling from base and capped at max: base, 2*base, 4*base and so on.
func backoffWait(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	wait := base
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= max {
			return max
		}
	}
	if wait > max {
		return max
	}
	return wait
}

// withJitter stretches a wait by up to 10% so retries scheduled together do
// not all land on the same instant.
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)/10+1))
}
