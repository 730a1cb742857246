package ratelimit

import "time"

// Signal is an abuse indicator observed outside the rate math
type Signal string

const (
	// SignalUnauthorized is a 401 response attributed to the identity
	SignalUnauthorized Signal = "unauthorized"
	// SignalEndpointSweep is a rapid switch across endpoint classes
	SignalEndpointSweep Signal = "endpoint_sweep"
	// SignalBadUserAgent is a request carrying a known bad user-agent string
	SignalBadUserAgent Signal = "bad_user_agent"
)

// suspicion score added per signal
var signalWeights = map[Signal]float64{
	SignalUnauthorized:  1.0,
	SignalEndpointSweep: 0.5,
	SignalBadUserAgent:  3.0,
}

// score decays at this rate per second of quiet
const suspicionDecayPerSecond = 0.05

// two requests from one identity against different classes within this gap
// count as endpoint switching
const sweepGap = 2 * time.Second

// suspect tracks per-identity abuse state. Identities are keyed without the
// endpoint class: an attacker sweeping endpoints should accumulate one score,
// not several small ones.
type suspect struct {
	score        float64
	lastSignalAt time.Time
	lastClass    Class
	lastSeenAt   time.Time
	blockedUntil time.Time
}

// decay applies the quiet-time discount to the score
func (s *suspect) decay(now time.Time) {
	if s.lastSignalAt.IsZero() {
		return
	}
	elapsed := now.Sub(s.lastSignalAt).Seconds()
	if elapsed <= 0 {
		return
	}
	s.score -= elapsed * suspicionDecayPerSecond
	if s.score < 0 {
		s.score = 0
	}
}

// raise adds a signal's weight after decaying, and reports the new score
func (s *suspect) raise(now time.Time, sig Signal) float64 {
	s.decay(now)
	s.score += signalWeights[sig]
	s.lastSignalAt = now
	return s.score
}
