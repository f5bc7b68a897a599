package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"userdeck.org/internal/api"
	"userdeck.org/internal/guard"
	"userdeck.org/internal/tokens"
)

// fakeClock is a virtual clock: timers fire only when the test advances it,
// and backoff sleeps are recorded instead of blocking.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	sleeps []time.Duration
}

type fakeTimer struct {
	clock    *fakeClock
	deadline time.Time
	fn       func()
	stopped  bool
	fired    bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
	return !t.fired
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, deadline: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return nil
}

// Advance moves the clock and fires due timers. Timer callbacks may
// schedule new timers; firing re-scans until quiescent.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	for {
		var due *fakeTimer
		c.mu.Lock()
		for _, t := range c.timers {
			if !t.stopped && !t.fired && !t.deadline.After(c.now) {
				due = t
				break
			}
		}
		if due != nil {
			due.fired = true
		}
		c.mu.Unlock()
		if due == nil {
			return
		}
		due.fn()
	}
}

func (c *fakeClock) recordedSleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

// fakeAPI scripts the remote service and counts calls.
type fakeAPI struct {
	mu            sync.Mutex
	loginFn       func(email, password string) (api.Session, error)
	registerFn    func(req api.RegisterRequest) (api.Session, error)
	refreshFn     func(refreshToken string) (api.Session, error)
	logoutErr     error
	loginCalls    int
	registerCalls int
	refreshCalls  int
	logoutCalls   int
}

func (f *fakeAPI) Login(ctx context.Context, email, password string) (api.Session, error) {
	f.mu.Lock()
	f.loginCalls++
	fn := f.loginFn
	f.mu.Unlock()
	if fn == nil {
		return api.Session{}, &api.Error{Code: api.CodeServerError, Status: 500}
	}
	return fn(email, password)
}

func (f *fakeAPI) Register(ctx context.Context, req api.RegisterRequest) (api.Session, error) {
	f.mu.Lock()
	f.registerCalls++
	fn := f.registerFn
	f.mu.Unlock()
	if fn == nil {
		return api.Session{}, &api.Error{Code: api.CodeServerError, Status: 500}
	}
	return fn(req)
}

func (f *fakeAPI) Refresh(ctx context.Context, refreshToken string) (api.Session, error) {
	f.mu.Lock()
	f.refreshCalls++
	fn := f.refreshFn
	f.mu.Unlock()
	if fn == nil {
		return api.Session{}, &api.Error{Code: api.CodeServerError, Status: 500}
	}
	return fn(refreshToken)
}

func (f *fakeAPI) Logout(ctx context.Context, refreshToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutCalls++
	return f.logoutErr
}

func (f *fakeAPI) calls() (login, register, refresh, logout int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginCalls, f.registerCalls, f.refreshCalls, f.logoutCalls
}

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// adminSession builds the canonical success payload.
func adminSession(clock *fakeClock) api.Session {
	return api.Session{
		AccessToken:  "a",
		RefreshToken: "b",
		ExpiresAt:    clock.Now().Add(5 * time.Minute).UnixMilli(),
		User: api.User{
			ID:    "1",
			Email: "admin@example.com",
			Role:  "ADMIN",
		},
	}
}

// signedAccessToken builds a decodable JWT for restore tests.
func signedAccessToken(t *testing.T, subject, email, role string, expiry time.Time) string {
	t.Helper()
	claims := accessClaims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiry),
			IssuedAt:  jwt.NewNumericDate(expiry.Add(-time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign test token: %v", err)
	}
	return token
}

type fixture struct {
	manager *Manager
	clock   *fakeClock
	apiFake *fakeAPI
	store   *tokens.Memory
}

func newFixture(t *testing.T, cfg Config, apiFake *fakeAPI) *fixture {
	t.Helper()
	clock := newFakeClock(testStart)
	store := tokens.NewMemory(tokens.WithMemoryClock(clock.Now))
	limiter := guard.NewLimiter(guard.WithClock(clock.Now))
	manager, err := New(apiFake, store, cfg, WithClock(clock), WithLimiter(limiter))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(manager.Close)
	return &fixture{manager: manager, clock: clock, apiFake: apiFake, store: store}
}

func (f *fixture) login(t *testing.T) {
	t.Helper()
	if err := f.manager.Login(context.Background(), "admin@example.com", "password123"); err != nil {
		t.Fatalf("Login: %v", err)
	}
}
