package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fablemill/sessiond/internal/config"
)

// Class is an endpoint class with its own limit configuration
type Class string

const (
	ClassLogin      Class = "login"
	ClassRefresh    Class = "refresh"
	ClassGeneration Class = "generation"
	ClassAPI        Class = "api"
)

// Key identifies one limiter bucket: an identity (user id or IP) crossed with
// an endpoint class.
type Key struct {
	Identity string
	Class    Class
}

// Reason says which gate rejected a request. Used for logging and headers,
// never exposed verbatim to clients.
type Reason string

const (
	ReasonAllowed         Reason = "allowed"
	ReasonBucketExhausted Reason = "bucket_exhausted"
	ReasonWindowExceeded  Reason = "window_exceeded"
	ReasonBlocklisted     Reason = "blocklisted"
)

// Decision is the outcome of one Allow call
type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
}

// how long a quiet key's state is kept before the janitor drops it
const stateIdleTTL = 30 * time.Minute

// Limiter gates authentication-sensitive endpoints with three independent
// checks evaluated in order: token bucket (burst), sliding window (sustained
// rate), pattern blocklist (abuse heuristics). State is per-instance and
// best-effort; the store is deliberately not consulted on this path.
type Limiter struct {
	mu       sync.Mutex
	now      func() time.Time
	limits   config.LimitsConfig
	states   map[Key]*keyState
	suspects map[string]*suspect
}

type keyState struct {
	bucket   bucket
	window   window
	lastSeen time.Time
}

// NewLimiter creates a Limiter with the given per-class limits
func NewLimiter(limits config.LimitsConfig) *Limiter {
	return &Limiter{
		now:      time.Now,
		limits:   limits,
		states:   make(map[Key]*keyState),
		suspects: make(map[string]*suspect),
	}
}

// classLimit returns the configuration for a class, falling back to the API
// class for unknown values.
func (l *Limiter) classLimit(class Class) config.ClassLimitConfig {
	switch class {
	case ClassLogin:
		return l.limits.Login
	case ClassRefresh:
		return l.limits.Refresh
	case ClassGeneration:
		return l.limits.Generation
	default:
		return l.limits.API
	}
}

// Allow evaluates the three gates for one request. The first failing gate
// short-circuits.
func (l *Limiter) Allow(key Key) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	limit := l.classLimit(key.Class)

	st, ok := l.states[key]
	if !ok {
		b := newBucket(now, limit.BucketCapacity)
		st = &keyState{bucket: b}
		l.states[key] = st
	}
	st.lastSeen = now

	if ok, wait := st.bucket.take(now, limit.BucketCapacity, limit.RefillPerSecond); !ok {
		return Decision{Reason: ReasonBucketExhausted, RetryAfter: wait}
	}

	if ok, wait := st.window.take(now, limit.WindowSize.Std(), limit.WindowLimit); !ok {
		return Decision{Reason: ReasonWindowExceeded, RetryAfter: wait}
	}

	if wait, blocked := l.checkPattern(now, key, limit); blocked {
		return Decision{Reason: ReasonBlocklisted, RetryAfter: wait}
	}

	return Decision{Allowed: true, Reason: ReasonAllowed}
}

// checkPattern updates sweep tracking for the identity and reports whether it
// is currently blocklisted. Caller must hold mu.
func (l *Limiter) checkPattern(now time.Time, key Key, limit config.ClassLimitConfig) (time.Duration, bool) {
	sus, ok := l.suspects[key.Identity]
	if !ok {
		sus = &suspect{}
		l.suspects[key.Identity] = sus
	}

	if sus.lastClass != "" && sus.lastClass != key.Class && now.Sub(sus.lastSeenAt) < sweepGap {
		l.observeLocked(now, key.Identity, sus, SignalEndpointSweep, limit)
	}
	sus.lastClass = key.Class
	sus.lastSeenAt = now

	if now.Before(sus.blockedUntil) {
		return sus.blockedUntil.Sub(now), true
	}
	return 0, false
}

// Observe feeds an abuse signal for an identity. Crossing the threshold puts
// the identity on the blocklist with its own TTL, independent of the bucket
// and window gates.
func (l *Limiter) Observe(identity string, class Class, sig Signal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sus, ok := l.suspects[identity]
	if !ok {
		sus = &suspect{}
		l.suspects[identity] = sus
	}
	sus.lastSeenAt = l.now()

	l.observeLocked(l.now(), identity, sus, sig, l.classLimit(class))
}

func (l *Limiter) observeLocked(now time.Time, identity string, sus *suspect, sig Signal, limit config.ClassLimitConfig) {
	score := sus.raise(now, sig)
	if score >= limit.SuspicionThreshold && now.After(sus.blockedUntil) {
		sus.blockedUntil = now.Add(limit.BlockTTL.Std())
		slog.Warn("Identity blocklisted",
			"identity", identity,
			"signal", string(sig),
			"score", score,
			"until", sus.blockedUntil)
	}
}

// Start runs the janitor until ctx is done, dropping state for keys that have
// been quiet past the idle TTL.
func (l *Limiter) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.sweep()
			}
		}
	}()
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, st := range l.states {
		if now.Sub(st.lastSeen) > stateIdleTTL {
			delete(l.states, key)
		}
	}
	for identity, sus := range l.suspects {
		if now.Sub(sus.lastSeenAt) > stateIdleTTL && now.After(sus.blockedUntil) {
			delete(l.suspects, identity)
		}
	}
}
