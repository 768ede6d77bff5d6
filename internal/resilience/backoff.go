package resilience

import (
	"math/rand/v2"
	"time"
)

// MaxBackoff caps the delay returned by Backoff.
const MaxBackoff = 30 * time.Second

// Backoff returns base doubled for every attempt after the first, spread by
// ±jitter (0.2 means 20%) and capped at MaxBackoff.
func Backoff(base time.Duration, attempt int, jitter float64) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	attempt = max(attempt, 1)
	d := base
	for i := 1; i < attempt && d < MaxBackoff; i++ {
		d *= 2
	}
	d = min(d, MaxBackoff)
	if jitter > 0 {
		d += time.Duration((rand.Float64()*2 - 1) * jitter * float64(d))
	}
	return d
}
