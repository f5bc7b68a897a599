// Package audit records session lifecycle events (sign-in, sign-out,
// refresh, timeout) as structured entries. The dashboard's audit view reads
// the server-side trail; this local trail exists for support tooling and
// never contains credentials.
package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"userdeck.org/internal/ids"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches a request identifier to the context so every
// entry emitted under it can be correlated.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id if one was attached.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Entry is one recorded event.
type Entry struct {
	ID        string
	At        time.Time
	Event     string
	UserID    string
	RequestID string
	Fields    map[string]string
}

// Trail appends entries to a bounded in-memory ring and mirrors them to
// the logger. The ring lets support tooling dump recent session history
// without parsing logs.
type Trail struct {
	log zerolog.Logger
	now func() time.Time
	max int

	mu   sync.Mutex
	ring []Entry
}

// Option configures a Trail.
type Option func(*Trail)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(t *Trail) {
		if fn != nil {
			t.now = fn
		}
	}
}

// WithCapacity bounds the in-memory ring.
func WithCapacity(n int) Option {
	return func(t *Trail) {
		if n > 0 {
			t.max = n
		}
	}
}

// NewTrail constructs a Trail writing through the given logger.
func NewTrail(log zerolog.Logger, opts ...Option) *Trail {
	t := &Trail{log: log, now: time.Now, max: 256}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record appends one event. Nil trails are safe to call so callers don't
// need to guard the optional dependency.
func (t *Trail) Record(ctx context.Context, event, userID string, fields map[string]string) {
	if t == nil {
		return
	}
	event = strings.TrimSpace(event)
	if event == "" {
		return
	}
	entry := Entry{
		ID:        ids.New(),
		At:        t.now().UTC(),
		Event:     event,
		UserID:    userID,
		RequestID: RequestIDFromContext(ctx),
	}
	if len(fields) > 0 {
		entry.Fields = make(map[string]string, len(fields))
		for k, v := range fields {
			entry.Fields[k] = v
		}
	}

	t.mu.Lock()
	t.ring = append(t.ring, entry)
	if len(t.ring) > t.max {
		t.ring = t.ring[len(t.ring)-t.max:]
	}
	t.mu.Unlock()

	ev := t.log.Info().
		Str("type", "audit").
		Str("audit_id", entry.ID).
		Str("event", entry.Event)
	if entry.UserID != "" {
		ev = ev.Str("user_id", entry.UserID)
	}
	if entry.RequestID != "" {
		ev = ev.Str("request_id", entry.RequestID)
	}
	for k, v := range entry.Fields {
		ev = ev.Str(k, v)
	}
	ev.Msg("session event")
}

// Recent returns up to n most recent entries, newest last.
func (t *Trail) Recent(n int) []Entry {
	if t == nil || n <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > len(t.ring) {
		n = len(t.ring)
	}
	out := make([]Entry, n)
	copy(out, t.ring[len(t.ring)-n:])
	return out
}
