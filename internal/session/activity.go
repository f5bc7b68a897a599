package session

import (
	"sync"
	"time"
)

// ActivityRecord is the ephemeral pair of session timestamps.
type ActivityRecord struct {
	SessionStart time.Time
	LastActivity time.Time
}

// activityMonitor tracks session start and last qualifying interaction.
// Cleared on logout or timeout.
type activityMonitor struct {
	mu    sync.Mutex
	start time.Time
	last  time.Time
	now   func() time.Time
}

func newActivityMonitor(now func() time.Time) *activityMonitor {
	return &activityMonitor{now: now}
}

// begin marks the session start.
func (m *activityMonitor) begin() {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.now()
	m.start = ts
	m.last = ts
}

// touch records a qualifying user interaction. Ignored when no session is
// active.
func (m *activityMonitor) touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.start.IsZero() {
		return
	}
	m.last = m.now()
}

// idleExceeded reports whether the idle threshold has elapsed since the
// last interaction.
func (m *activityMonitor) idleExceeded(threshold time.Duration) bool {
	if threshold <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last.IsZero() {
		return false
	}
	return m.now().Sub(m.last) > threshold
}

// clear drops the record.
func (m *activityMonitor) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.start = time.Time{}
	m.last = time.Time{}
}

// snapshot returns the record and whether a session is active.
func (m *activityMonitor) snapshot() (ActivityRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.start.IsZero() {
		return ActivityRecord{}, false
	}
	return ActivityRecord{SessionStart: m.start, LastActivity: m.last}, true
}
