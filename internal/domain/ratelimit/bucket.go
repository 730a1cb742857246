package ratelimit

import "time"

// bucket is a token bucket refilled lazily from elapsed time
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

func newBucket(now time.Time, capacity float64) bucket {
	return bucket{tokens: capacity, lastRefill: now}
}

// take refills from the time elapsed since the last refill, then consumes one
// token if available. On rejection it reports how long until a token exists.
func (b *bucket) take(now time.Time, capacity, refillPerSecond float64) (bool, time.Duration) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * refillPerSecond
		if b.tokens > capacity {
			b.tokens = capacity
		}
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}

	if refillPerSecond <= 0 {
		return false, time.Hour
	}
	wait := (1 - b.tokens) / refillPerSecond
	return false, time.Duration(wait * float64(time.Second))
}
