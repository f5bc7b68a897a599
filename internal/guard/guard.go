// Package guard holds the client-side defenses: per-identity attempt
// limiting and suspicious-input screening. Both are advisory UX affordances
// for the dashboard; authoritative enforcement lives server-side and the
// limiter state can always be cleared by the same user that tripped it.
package guard

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrRateLimited is returned when an identity has exhausted its attempt
// budget for the current window.
var ErrRateLimited = errors.New("guard: rate limited")

// Policy bounds attempts per identity within a resetting window.
type Policy struct {
	MaxAttempts int
	Window      time.Duration
}

// DefaultPolicies mirrors the dashboard defaults: five login or register
// attempts per quarter hour, slightly looser for password resets.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		ActionLogin:         {MaxAttempts: 5, Window: 15 * time.Minute},
		ActionRegister:      {MaxAttempts: 5, Window: 15 * time.Minute},
		ActionPasswordReset: {MaxAttempts: 3, Window: 30 * time.Minute},
	}
}

// Known action keys.
const (
	ActionLogin         = "login"
	ActionRegister      = "register"
	ActionPasswordReset = "password_reset"
)

type counter struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
}

// Limiter tracks attempt counters keyed by (action, subject).
type Limiter struct {
	mu       sync.Mutex
	policies map[string]Policy
	counters map[string]counter
	now      func() time.Time
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) LimiterOption {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithPolicy overrides the policy for one action.
func WithPolicy(action string, p Policy) LimiterOption {
	return func(l *Limiter) {
		if action != "" && p.MaxAttempts > 0 && p.Window > 0 {
			l.policies[action] = p
		}
	}
}

// NewLimiter constructs a Limiter with the default policies.
func NewLimiter(opts ...LimiterOption) *Limiter {
	l := &Limiter{
		policies: DefaultPolicies(),
		counters: make(map[string]counter),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndRecord consumes one attempt for the subject under the action's
// policy. It returns ErrRateLimited once the budget is exhausted; actions
// without a policy are unlimited. The attempt that trips the limit is still
// counted, so the caller must not reach the network after an error.
func (l *Limiter) CheckAndRecord(action, subject string) error {
	policy, ok := l.policies[action]
	if !ok {
		return nil
	}
	key := counterKey(action, subject)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c := l.counters[key]
	if c.WindowStart.IsZero() || now.Sub(c.WindowStart) > policy.Window {
		c = counter{Count: 0, WindowStart: now}
	}
	if c.Count >= policy.MaxAttempts {
		l.counters[key] = c
		return fmt.Errorf("%w: %s for %s", ErrRateLimited, action, subject)
	}
	c.Count++
	l.counters[key] = c
	return nil
}

// Remaining reports how many attempts the subject has left in the current
// window. Unlimited actions report -1.
func (l *Limiter) Remaining(action, subject string) int {
	policy, ok := l.policies[action]
	if !ok {
		return -1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[counterKey(action, subject)]
	if !ok || l.now().Sub(c.WindowStart) > policy.Window {
		return policy.MaxAttempts
	}
	left := policy.MaxAttempts - c.Count
	if left < 0 {
		return 0
	}
	return left
}

// Reset clears the subject's counter for the action, called after a
// successful attempt.
func (l *Limiter) Reset(action, subject string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.counters, counterKey(action, subject))
}

// Clear drops all counters, part of logout teardown.
func (l *Limiter) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters = make(map[string]counter)
}

// Snapshot returns a copy of the live counters so a frontend can persist
// them alongside the token store.
func (l *Limiter) Snapshot() map[string]RateLimitRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]RateLimitRecord, len(l.counters))
	for k, c := range l.counters {
		out[k] = RateLimitRecord{Count: c.Count, WindowStart: c.WindowStart}
	}
	return out
}

// Restore replaces the live counters with a previously persisted snapshot.
// Records whose window has already elapsed are dropped.
func (l *Limiter) Restore(records map[string]RateLimitRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.counters = make(map[string]counter, len(records))
	for k, rec := range records {
		action, _, ok := splitCounterKey(k)
		if !ok {
			continue
		}
		policy, ok := l.policies[action]
		if !ok {
			continue
		}
		if now.Sub(rec.WindowStart) > policy.Window {
			continue
		}
		l.counters[k] = counter{Count: rec.Count, WindowStart: rec.WindowStart}
	}
}

// RateLimitRecord is the persisted shape of one counter.
type RateLimitRecord struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
}

func counterKey(action, subject string) string {
	return "ratelimit:" + action + ":" + strings.ToLower(strings.TrimSpace(subject))
}

func splitCounterKey(key string) (action, subject string, ok bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[0] != "ratelimit" || parts[1] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
