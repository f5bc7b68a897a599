package session

import (
	"context"
	"time"
)

// Clock abstracts time so refresh scheduling and login backoff run against
// a virtual clock in tests.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules fn after d. The returned Timer must be stoppable
	// before it fires.
	AfterFunc(d time.Duration, fn func()) Timer
	// Sleep blocks for d or until the context is cancelled.
	Sleep(ctx context.Context, d time.Duration) error
}

// Timer is a cancellable scheduled task.
type Timer interface {
	Stop() bool
}

type realClock struct{}

// NewClock returns the wall clock.
func NewClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
