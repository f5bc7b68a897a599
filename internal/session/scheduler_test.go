package session

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"userdeck.org/internal/api"
	"userdeck.org/internal/perms"
	"userdeck.org/internal/tokens"
)

func TestRefreshNoopWhenUnauthenticated(t *testing.T) {
	apiFake := &fakeAPI{}
	f := newFixture(t, Config{}, apiFake)

	before := f.manager.Snapshot()
	if err := f.manager.RefreshSession(context.Background()); err != nil {
		t.Fatalf("RefreshSession: %v", err)
	}
	if _, _, refresh, _ := apiFake.calls(); refresh != 0 {
		t.Fatalf("unauthenticated refresh reached the network (%d calls)", refresh)
	}
	after := f.manager.Snapshot()
	if before.Authenticated != after.Authenticated || (before.Err == nil) != (after.Err == nil) {
		t.Fatalf("unauthenticated refresh changed state: %+v -> %+v", before, after)
	}
}

func TestRefreshFailureForcesLogout(t *testing.T) {
	apiFake := &fakeAPI{
		refreshFn: func(refreshToken string) (api.Session, error) {
			return api.Session{}, &api.Error{Code: api.CodeUnauthorized, Status: http.StatusUnauthorized}
		},
	}
	f := newFixture(t, Config{}, apiFake)
	apiFake.loginFn = func(email, password string) (api.Session, error) {
		return adminSession(f.clock), nil
	}
	f.login(t)

	err := f.manager.RefreshSession(context.Background())
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("refresh error = %v, want ErrSessionExpired", err)
	}

	state := f.manager.Snapshot()
	if state.Authenticated || state.User != nil {
		t.Fatalf("state still authenticated after refresh failure: %+v", state)
	}
	if state.Err == nil || state.Err.Code != CodeSessionExpired {
		t.Fatalf("AuthError = %+v, want SESSION_EXPIRED", state.Err)
	}
	if _, ok, _ := f.store.Load(); ok {
		t.Fatalf("tokens survived refresh failure")
	}
	// Fail closed: the bad refresh token is not retried.
	if _, _, refresh, _ := apiFake.calls(); refresh != 1 {
		t.Fatalf("refresh retried %d times, want 1", refresh)
	}
}

func TestRefreshSuccessRotatesTokens(t *testing.T) {
	apiFake := &fakeAPI{}
	f := newFixture(t, Config{}, apiFake)
	apiFake.loginFn = func(email, password string) (api.Session, error) {
		return adminSession(f.clock), nil
	}
	apiFake.refreshFn = func(refreshToken string) (api.Session, error) {
		if refreshToken != "b" {
			t.Errorf("refresh used token %q, want %q", refreshToken, "b")
		}
		sess := adminSession(f.clock)
		sess.AccessToken = "a2"
		sess.RefreshToken = "b2"
		sess.User.Role = "MANAGER"
		return sess, nil
	}
	f.login(t)

	if err := f.manager.RefreshSession(context.Background()); err != nil {
		t.Fatalf("RefreshSession: %v", err)
	}

	rec, ok, _ := f.store.Load()
	if !ok || rec.AccessToken != "a2" || rec.RefreshToken != "b2" {
		t.Fatalf("tokens not rotated: %+v", rec)
	}
	// The user's role changed server-side; permissions follow.
	state := f.manager.Snapshot()
	if state.User == nil || state.User.Role != perms.RoleManager {
		t.Fatalf("user not replaced on refresh: %+v", state.User)
	}
	if state.Permissions.Has(perms.ManageRoles) || !state.Permissions.Has(perms.ViewUsers) {
		t.Fatalf("permissions not re-derived: %v", state.Permissions.List())
	}
}

func TestScheduledRefreshFiresAndRearms(t *testing.T) {
	apiFake := &fakeAPI{}
	f := newFixture(t, Config{RefreshInterval: 4 * time.Minute}, apiFake)
	apiFake.loginFn = func(email, password string) (api.Session, error) {
		return adminSession(f.clock), nil
	}
	apiFake.refreshFn = func(refreshToken string) (api.Session, error) {
		return adminSession(f.clock), nil
	}
	f.login(t)

	f.clock.Advance(4 * time.Minute)
	if _, _, refresh, _ := apiFake.calls(); refresh != 1 {
		t.Fatalf("first tick: refresh calls = %d, want 1", refresh)
	}

	f.clock.Advance(4 * time.Minute)
	if _, _, refresh, _ := apiFake.calls(); refresh != 2 {
		t.Fatalf("second tick: refresh calls = %d, want 2", refresh)
	}
}

func TestTimerDoesNotFireAfterLogout(t *testing.T) {
	apiFake := &fakeAPI{}
	f := newFixture(t, Config{RefreshInterval: 4 * time.Minute}, apiFake)
	apiFake.loginFn = func(email, password string) (api.Session, error) {
		return adminSession(f.clock), nil
	}
	f.login(t)

	if err := f.manager.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	f.clock.Advance(30 * time.Minute)

	if _, _, refresh, _ := apiFake.calls(); refresh != 0 {
		t.Fatalf("timer fired after logout: %d refresh calls", refresh)
	}
}

func TestTimerDoesNotFireAfterClose(t *testing.T) {
	apiFake := &fakeAPI{}
	f := newFixture(t, Config{RefreshInterval: 4 * time.Minute}, apiFake)
	apiFake.loginFn = func(email, password string) (api.Session, error) {
		return adminSession(f.clock), nil
	}
	f.login(t)

	f.manager.Close()
	f.clock.Advance(30 * time.Minute)

	if _, _, refresh, _ := apiFake.calls(); refresh != 0 {
		t.Fatalf("timer fired after Close: %d refresh calls", refresh)
	}
	// Close leaves credentials for the next Initialize.
	if _, ok, _ := f.store.Load(); !ok {
		t.Fatalf("Close cleared persisted tokens")
	}
}

func TestLogoutWinsOverInflightRefresh(t *testing.T) {
	inRefresh := make(chan struct{})
	release := make(chan struct{})
	apiFake := &fakeAPI{}
	f := newFixture(t, Config{}, apiFake)
	apiFake.loginFn = func(email, password string) (api.Session, error) {
		return adminSession(f.clock), nil
	}
	apiFake.refreshFn = func(refreshToken string) (api.Session, error) {
		close(inRefresh)
		<-release
		sess := adminSession(f.clock)
		sess.AccessToken = "late"
		sess.RefreshToken = "late-refresh"
		return sess, nil
	}
	f.login(t)

	done := make(chan error, 1)
	go func() {
		done <- f.manager.RefreshSession(context.Background())
	}()
	<-inRefresh

	if err := f.manager.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("superseded refresh returned error: %v", err)
	}

	// The logout teardown is the final state: no tokens, unauthenticated.
	if _, ok, _ := f.store.Load(); ok {
		t.Fatalf("stale refresh result re-populated the token store")
	}
	state := f.manager.Snapshot()
	if state.Authenticated {
		t.Fatalf("stale refresh result re-authenticated the session: %+v", state)
	}
}

func TestIdleTimeoutForcesLogout(t *testing.T) {
	apiFake := &fakeAPI{}
	f := newFixture(t, Config{RefreshInterval: 4 * time.Minute, IdleTimeout: 10 * time.Minute}, apiFake)
	apiFake.loginFn = func(email, password string) (api.Session, error) {
		sess := adminSession(f.clock)
		sess.ExpiresAt = f.clock.Now().Add(time.Hour).UnixMilli()
		return sess, nil
	}
	apiFake.refreshFn = func(refreshToken string) (api.Session, error) {
		sess := adminSession(f.clock)
		sess.ExpiresAt = f.clock.Now().Add(time.Hour).UnixMilli()
		return sess, nil
	}
	f.login(t)

	// Two ticks with activity keep the session alive.
	f.clock.Advance(4 * time.Minute)
	f.manager.RecordActivity()
	f.clock.Advance(4 * time.Minute)
	f.manager.RecordActivity()
	if !f.manager.Snapshot().Authenticated {
		t.Fatalf("active session was torn down")
	}

	// Three silent ticks push idle time past the threshold.
	f.clock.Advance(4 * time.Minute)
	f.clock.Advance(4 * time.Minute)
	f.clock.Advance(4 * time.Minute)

	state := f.manager.Snapshot()
	if state.Authenticated {
		t.Fatalf("idle session not torn down")
	}
	if state.Err == nil || state.Err.Code != CodeSessionTimeout {
		t.Fatalf("AuthError = %+v, want SESSION_TIMEOUT", state.Err)
	}
	if _, ok, _ := f.store.Load(); ok {
		t.Fatalf("tokens survived idle timeout")
	}
}

func TestInitializeRestoresPersistedSession(t *testing.T) {
	clock := newFakeClock(testStart)
	store := tokens.NewMemory(tokens.WithMemoryClock(clock.Now))
	access := signedAccessToken(t, "1", "admin@example.com", "ADMIN", clock.Now().Add(time.Hour))
	if err := store.Save(tokens.Record{
		AccessToken:  access,
		RefreshToken: "persisted-refresh",
		ExpiresAt:    clock.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	manager, err := New(&fakeAPI{}, store, Config{}, WithClock(clock))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer manager.Close()

	if !manager.Snapshot().Loading {
		t.Fatalf("state must start loading")
	}
	if err := manager.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	state := manager.Snapshot()
	if state.Loading {
		t.Fatalf("Initialize left Loading=true")
	}
	if !state.Authenticated || state.User == nil {
		t.Fatalf("persisted session not restored: %+v", state)
	}
	if state.User.ID != "1" || state.User.Email != "admin@example.com" || state.User.Role != perms.RoleAdmin {
		t.Fatalf("restored identity wrong: %+v", state.User)
	}
	if !state.Permissions.Has(perms.ManageRoles) {
		t.Fatalf("restored permissions wrong: %v", state.Permissions.List())
	}
}

func TestInitializeWithoutTokensEndsUnauthenticated(t *testing.T) {
	f := newFixture(t, Config{}, &fakeAPI{})

	if err := f.manager.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	state := f.manager.Snapshot()
	if state.Loading || state.Authenticated || state.User != nil {
		t.Fatalf("unexpected state %+v", state)
	}
}

func TestInitializeClearsUndecodableTokens(t *testing.T) {
	clock := newFakeClock(testStart)
	store := tokens.NewMemory(tokens.WithMemoryClock(clock.Now))
	if err := store.Save(tokens.Record{
		AccessToken:  "not-a-jwt",
		RefreshToken: "refresh",
		ExpiresAt:    clock.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	manager, err := New(&fakeAPI{}, store, Config{}, WithClock(clock))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer manager.Close()

	if err := manager.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if manager.Snapshot().Authenticated {
		t.Fatalf("undecodable token restored a session")
	}
	if _, ok, _ := store.Load(); ok {
		t.Fatalf("undecodable tokens not cleared")
	}
}

func TestAccessTokenAfterExpiry(t *testing.T) {
	apiFake := &fakeAPI{}
	f := newFixture(t, Config{}, apiFake)
	apiFake.loginFn = func(email, password string) (api.Session, error) {
		return adminSession(f.clock), nil
	}
	f.login(t)

	if _, err := f.manager.AccessToken(); err != nil {
		t.Fatalf("AccessToken: %v", err)
	}

	// The record expires 5 minutes after login; once past it the store
	// treats it as absent and the session surfaces expiry.
	f.clock.mu.Lock()
	f.clock.now = f.clock.now.Add(6 * time.Minute)
	f.clock.mu.Unlock()

	if _, err := f.manager.AccessToken(); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("AccessToken after expiry = %v, want ErrSessionExpired", err)
	}
}
