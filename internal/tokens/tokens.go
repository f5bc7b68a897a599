// Package tokens owns the credential pair issued by the auth service. The
// store is the only component allowed to hold raw tokens; session state
// never carries them.
package tokens

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrExpired is returned when a caller tries to save an already expired
	// record. Expired records on read are reported as absent, not as errors.
	ErrExpired = errors.New("tokens: record already expired")
)

// Record is the credential pair plus its absolute expiry.
type Record struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Valid reports whether the record is usable at the given instant.
func (r Record) Valid(now time.Time) bool {
	if r.AccessToken == "" || r.RefreshToken == "" {
		return false
	}
	return r.ExpiresAt.After(now)
}

// Store persists the credential pair for the lifetime of a session.
//
// Load reports ok=false when no record exists or the stored record has
// expired; an expired record is indistinguishable from an absent one.
// Clear removes the whole record atomically.
type Store interface {
	Save(rec Record) error
	Load() (Record, bool, error)
	Clear() error
}

// Memory is an in-process store used by tests and ephemeral sessions.
type Memory struct {
	mu  sync.Mutex
	rec *Record
	now func() time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithMemoryClock overrides the time source (useful for tests).
func WithMemoryClock(fn func() time.Time) MemoryOption {
	return func(m *Memory) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewMemory constructs an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Save stores the record, rejecting records whose expiry is not in the future.
func (m *Memory) Save(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !rec.Valid(m.now()) {
		return ErrExpired
	}
	cp := rec
	m.rec = &cp
	return nil
}

// Load returns the stored record if present and unexpired.
func (m *Memory) Load() (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil {
		return Record{}, false, nil
	}
	if !m.rec.Valid(m.now()) {
		m.rec = nil
		return Record{}, false, nil
	}
	return *m.rec, true, nil
}

// Clear drops the record.
func (m *Memory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = nil
	return nil
}
