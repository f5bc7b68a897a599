// Package session is the client-side authentication core: it owns the
// reactive auth state, drives login/register/logout/refresh against the
// remote service, schedules automatic refresh, and is the single writer of
// everything the dashboard renders about the session.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"userdeck.org/internal/api"
	"userdeck.org/internal/audit"
	"userdeck.org/internal/guard"
	"userdeck.org/internal/obs"
	"userdeck.org/internal/perms"
	"userdeck.org/internal/tokens"
)

var (
	ErrValidation        = errors.New("session: validation failed")
	ErrRateLimited       = errors.New("session: rate limited")
	ErrSecurityViolation = errors.New("session: suspicious input rejected")
	ErrDuplicateSubmit   = errors.New("session: operation already in progress")
	ErrSessionExpired    = errors.New("session: session expired")
)

const remoteLogoutTimeout = 5 * time.Second

// Config bounds the manager's timing behavior.
type Config struct {
	// RefreshInterval is the period of the automatic refresh timer.
	RefreshInterval time.Duration
	// IdleTimeout forces logout when no qualifying activity happened for
	// this long. Zero disables idle detection.
	IdleTimeout time.Duration
	// LoginMaxAttempts bounds login retries for transient network errors.
	LoginMaxAttempts int
	// LoginBackoffStep is multiplied by the attempt number between retries.
	LoginBackoffStep time.Duration
}

func (c Config) withDefaults() Config {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 4 * time.Minute
	}
	if c.IdleTimeout < 0 {
		c.IdleTimeout = 0
	}
	if c.LoginMaxAttempts <= 0 {
		c.LoginMaxAttempts = 3
	}
	if c.LoginBackoffStep <= 0 {
		c.LoginBackoffStep = time.Second
	}
	return c
}

// APIClient is the remote contract the manager drives. *api.Client
// satisfies it; tests substitute fakes.
type APIClient interface {
	Login(ctx context.Context, email, password string) (api.Session, error)
	Register(ctx context.Context, req api.RegisterRequest) (api.Session, error)
	Refresh(ctx context.Context, refreshToken string) (api.Session, error)
	Logout(ctx context.Context, refreshToken string) error
}

// Manager is the session state machine. One instance per application root;
// all state mutations go through it.
type Manager struct {
	cfg     Config
	client  APIClient
	store   tokens.Store
	limiter *guard.Limiter
	clock   Clock
	log     zerolog.Logger
	trail   *audit.Trail

	mu            sync.Mutex
	state         State
	epoch         uint64
	transitioning bool
	refreshing    bool
	refreshTimer  Timer
	subs          map[int]func(State)
	nextSub       int

	activity *activityMonitor
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source (tests drive a virtual clock).
func WithClock(clock Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithLogger attaches a logger. Credentials never appear in log payloads.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithAudit records session lifecycle events on the given trail.
func WithAudit(trail *audit.Trail) Option {
	return func(m *Manager) { m.trail = trail }
}

// WithLimiter replaces the attempt limiter.
func WithLimiter(limiter *guard.Limiter) Option {
	return func(m *Manager) {
		if limiter != nil {
			m.limiter = limiter
		}
	}
}

// New constructs a Manager. The state starts Loading until Initialize runs.
func New(client APIClient, store tokens.Store, cfg Config, opts ...Option) (*Manager, error) {
	if client == nil {
		return nil, errors.New("session: api client is required")
	}
	if store == nil {
		return nil, errors.New("session: token store is required")
	}
	m := &Manager{
		cfg:    cfg.withDefaults(),
		client: client,
		store:  store,
		clock:  NewClock(),
		log:    zerolog.Nop(),
		state:  State{Loading: true},
		subs:   make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.limiter == nil {
		m.limiter = guard.NewLimiter(guard.WithClock(m.clock.Now))
	}
	m.activity = newActivityMonitor(m.clock.Now)
	return m, nil
}

// Initialize restores a persisted session if one exists. It always leaves
// Loading false.
func (m *Manager) Initialize(ctx context.Context) error {
	rec, ok, err := m.store.Load()
	if err != nil {
		m.log.Warn().Err(err).Msg("token store unreadable, starting unauthenticated")
	}

	m.mu.Lock()
	if ok {
		if user, resolved := userFromAccessToken(rec.AccessToken); resolved {
			m.state = State{
				Authenticated: true,
				User:          &user,
				Permissions:   perms.Resolve(user.Role),
			}
			m.armRefreshLocked()
			m.mu.Unlock()
			m.activity.begin()
			m.notify()
			m.log.Info().Str("user_id", user.ID).Msg("session restored")
			return nil
		}
		// Tokens present but identity unresolvable: fail closed.
		m.mu.Unlock()
		if err := m.store.Clear(); err != nil {
			m.log.Warn().Err(err).Msg("clearing unreadable tokens failed")
		}
		m.mu.Lock()
	}
	m.state = State{}
	m.mu.Unlock()
	m.notify()
	return nil
}

// Login authenticates the user. Transient network failures are retried
// with linear backoff; every other failure is terminal for the attempt.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	email = strings.TrimSpace(strings.ToLower(email))

	if err := m.beginTransition(); err != nil {
		return err
	}

	if email == "" || password == "" {
		obs.ObserveLogin("rejected")
		return m.failTransition(CodeValidation, "email and password are required",
			fmt.Errorf("%w: email and password are required", ErrValidation))
	}
	if violations := guard.Inspect(email); len(violations) > 0 {
		obs.ObserveSecurityViolation()
		obs.ObserveLogin("rejected")
		return m.failTransition(CodeSecurityViolation, "input rejected",
			fmt.Errorf("%w: %s", ErrSecurityViolation, violations[0].Kind))
	}
	if err := m.limiter.CheckAndRecord(guard.ActionLogin, email); err != nil {
		obs.ObserveRateLimitBlock(guard.ActionLogin)
		obs.ObserveLogin("rate_limited")
		return m.failTransition(CodeRateLimited, "too many attempts, try again later",
			fmt.Errorf("%w: %v", ErrRateLimited, err))
	}

	sess, err := m.loginWithRetry(ctx, email, password)
	if err != nil {
		obs.ObserveLogin("failure")
		m.trail.Record(ctx, "login.failure", "", map[string]string{"code": errorCode(err)})
		return m.failTransition(errorCode(err), publicMessage(err), err)
	}

	if err := m.completeAuth(sess); err != nil {
		obs.ObserveLogin("failure")
		return err
	}
	m.limiter.Reset(guard.ActionLogin, email)
	obs.ObserveLogin("success")
	m.trail.Record(ctx, "login.success", sess.User.ID, nil)
	m.log.Info().Str("user_id", sess.User.ID).Msg("login succeeded")
	return nil
}

// Register creates an account after local validation and, on success,
// establishes a session exactly like login.
func (m *Manager) Register(ctx context.Context, req api.RegisterRequest) error {
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))

	if err := m.beginTransition(); err != nil {
		return err
	}

	if err := validateRegistration(req.Email, req.Password, req.FirstName, req.LastName); err != nil {
		return m.failTransition(CodeValidation, publicMessage(err), err)
	}
	for _, field := range []string{req.Email, req.FirstName, req.LastName} {
		if violations := guard.Inspect(field); len(violations) > 0 {
			obs.ObserveSecurityViolation()
			return m.failTransition(CodeSecurityViolation, "input rejected",
				fmt.Errorf("%w: %s", ErrSecurityViolation, violations[0].Kind))
		}
	}
	if err := m.limiter.CheckAndRecord(guard.ActionRegister, req.Email); err != nil {
		obs.ObserveRateLimitBlock(guard.ActionRegister)
		return m.failTransition(CodeRateLimited, "too many attempts, try again later",
			fmt.Errorf("%w: %v", ErrRateLimited, err))
	}

	sess, err := m.client.Register(ctx, req)
	if err != nil {
		return m.failTransition(errorCode(err), publicMessage(err), err)
	}

	if err := m.completeAuth(sess); err != nil {
		return err
	}
	m.limiter.Reset(guard.ActionRegister, req.Email)
	m.trail.Record(ctx, "register.success", sess.User.ID, nil)
	m.log.Info().Str("user_id", sess.User.ID).Msg("registration succeeded")
	return nil
}

// Logout tears the session down. The remote call is best-effort: local
// credentials are cleared regardless of its outcome.
func (m *Manager) Logout(ctx context.Context) error {
	userID := m.CurrentUserID()
	m.teardown(ctx, nil, true, nil)
	m.trail.Record(ctx, "logout", userID, nil)
	m.log.Info().Msg("logged out")
	return nil
}

// RefreshSession rotates the token pair. A no-op when unauthenticated or
// while another refresh is in flight. Any failure forces a full logout;
// a bad refresh token cannot self-heal.
func (m *Manager) RefreshSession(ctx context.Context) error {
	m.mu.Lock()
	if !m.state.Authenticated {
		m.mu.Unlock()
		return nil
	}
	if m.refreshing {
		m.mu.Unlock()
		return nil
	}
	m.refreshing = true
	epoch := m.epoch
	m.mu.Unlock()

	rec, ok, err := m.store.Load()
	if err != nil || !ok {
		obs.ObserveRefresh("failure")
		m.teardown(context.Background(), &AuthError{
			Code:    CodeSessionExpired,
			Message: "session expired, sign in again",
			At:      m.clock.Now(),
		}, false, &epoch)
		return ErrSessionExpired
	}

	sess, err := m.client.Refresh(ctx, rec.RefreshToken)
	if err != nil {
		obs.ObserveRefresh("failure")
		m.trail.Record(ctx, "refresh.failure", "", map[string]string{"code": errorCode(err)})
		m.log.Warn().Str("code", errorCode(err)).Msg("refresh failed, tearing session down")
		m.teardown(context.Background(), &AuthError{
			Code:    CodeSessionExpired,
			Message: "session expired, sign in again",
			At:      m.clock.Now(),
		}, false, &epoch)
		return fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}

	newRec := recordFromSession(sess, m.clock.Now())
	if err := m.store.Save(newRec); err != nil {
		obs.ObserveRefresh("failure")
		m.teardown(context.Background(), &AuthError{
			Code:    CodeSessionExpired,
			Message: "session expired, sign in again",
			At:      m.clock.Now(),
		}, false, &epoch)
		return fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}

	user := userFromSession(sess)
	m.mu.Lock()
	if epoch != m.epoch {
		// Logout won while the refresh was in flight; its teardown is final.
		m.refreshing = false
		m.mu.Unlock()
		if err := m.store.Clear(); err != nil {
			m.log.Warn().Err(err).Msg("discarding superseded refresh tokens failed")
		}
		return nil
	}
	if m.state.User == nil || *m.state.User != user {
		u := user
		m.state.User = &u
		m.state.Permissions = perms.Resolve(user.Role)
	}
	m.state.Authenticated = true
	m.state.Err = nil
	m.armRefreshLocked()
	m.refreshing = false
	m.mu.Unlock()

	m.notify()
	obs.ObserveRefresh("success")
	m.trail.Record(ctx, "refresh.success", user.ID, nil)
	return nil
}

// HandleSessionTimeout performs the logout teardown in response to idle
// expiry. Exposed so frontends can force it from their own idle tracking.
func (m *Manager) HandleSessionTimeout() {
	userID := m.CurrentUserID()
	m.teardown(context.Background(), &AuthError{
		Code:    CodeSessionTimeout,
		Message: "session timed out due to inactivity",
		At:      m.clock.Now(),
	}, true, nil)
	m.trail.Record(context.Background(), "session.timeout", userID, nil)
	m.log.Info().Msg("session timed out")
}

// HasPermission reports whether the current session carries the
// capability. Always false when unauthenticated.
func (m *Manager) HasPermission(p perms.Permission) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Authenticated && m.state.Permissions.Has(p)
}

// HasRole reports whether the current user holds any of the given roles.
func (m *Manager) HasRole(roles ...perms.Role) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Authenticated || m.state.User == nil {
		return false
	}
	for _, r := range roles {
		if m.state.User.Role == r {
			return true
		}
	}
	return false
}

// ClearError drops the transient error, the explicit user acknowledgement
// path.
func (m *Manager) ClearError() {
	m.mu.Lock()
	m.state.Err = nil
	m.mu.Unlock()
	m.notify()
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// Subscribe registers a state listener and returns its id. The listener is
// invoked synchronously after every transition with an independent copy.
func (m *Manager) Subscribe(fn func(State)) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return id
}

// Unsubscribe removes a listener.
func (m *Manager) Unsubscribe(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
}

// RecordActivity marks a qualifying user interaction for idle tracking.
func (m *Manager) RecordActivity() {
	m.activity.touch()
}

// Activity returns the current session activity record.
func (m *Manager) Activity() (ActivityRecord, bool) {
	return m.activity.snapshot()
}

// AccessToken exposes the current bearer token for authorized API calls.
func (m *Manager) AccessToken() (string, error) {
	rec, ok, err := m.store.Load()
	if err != nil {
		return "", fmt.Errorf("session: load tokens: %w", err)
	}
	if !ok {
		return "", ErrSessionExpired
	}
	return rec.AccessToken, nil
}

// CurrentUserID returns the signed-in user's id, empty when
// unauthenticated.
func (m *Manager) CurrentUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Authenticated || m.state.User == nil {
		return ""
	}
	return m.state.User.ID
}

// Close cancels the refresh timer without touching persisted credentials,
// the unmount path. Safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	m.epoch++
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	m.mu.Unlock()
}

// --- transitions ---------------------------------------------------------

func (m *Manager) beginTransition() error {
	m.mu.Lock()
	if m.transitioning {
		m.mu.Unlock()
		return ErrDuplicateSubmit
	}
	m.transitioning = true
	m.state.Loading = true
	m.state.Err = nil
	m.mu.Unlock()
	m.notify()
	return nil
}

func (m *Manager) failTransition(code, message string, err error) error {
	m.mu.Lock()
	m.state = State{
		Loading: false,
		Err: &AuthError{
			Code:    code,
			Message: message,
			At:      m.clock.Now(),
		},
	}
	m.transitioning = false
	m.mu.Unlock()
	m.notify()
	return err
}

func (m *Manager) loginWithRetry(ctx context.Context, email, password string) (api.Session, error) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.LoginMaxAttempts; attempt++ {
		sess, err := m.client.Login(ctx, email, password)
		if err == nil {
			return sess, nil
		}
		lastErr = err
		if !api.IsNetwork(err) || attempt == m.cfg.LoginMaxAttempts {
			break
		}
		backoff := time.Duration(attempt) * m.cfg.LoginBackoffStep
		m.log.Debug().Int("attempt", attempt).Dur("backoff", backoff).Msg("login retry after network error")
		if err := m.clock.Sleep(ctx, backoff); err != nil {
			return api.Session{}, lastErr
		}
	}
	return api.Session{}, lastErr
}

// completeAuth stores tokens and flips the state machine to Authenticated.
func (m *Manager) completeAuth(sess api.Session) error {
	now := m.clock.Now()
	rec := recordFromSession(sess, now)
	if !rec.Valid(now) {
		return m.failTransition(api.CodeServerError, "sign-in failed, try again",
			fmt.Errorf("session: server returned unusable session payload"))
	}
	if err := m.store.Save(rec); err != nil {
		return m.failTransition(api.CodeServerError, "sign-in failed, try again",
			fmt.Errorf("session: persist tokens: %w", err))
	}

	user := userFromSession(sess)

	m.mu.Lock()
	m.state = State{
		Authenticated: true,
		User:          &user,
		Permissions:   perms.Resolve(user.Role),
	}
	m.armRefreshLocked()
	m.transitioning = false
	m.mu.Unlock()

	m.activity.begin()
	m.notify()
	return nil
}

// teardown is the single logout path. When expectEpoch is non-nil the
// teardown only proceeds if no other teardown superseded it (logout always
// wins over an in-flight refresh).
func (m *Manager) teardown(ctx context.Context, errInfo *AuthError, remote bool, expectEpoch *uint64) {
	m.mu.Lock()
	if expectEpoch != nil && *expectEpoch != m.epoch {
		m.refreshing = false
		m.mu.Unlock()
		return
	}
	m.epoch++
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	m.state = State{Loading: false, Err: errInfo}
	m.refreshing = false
	m.mu.Unlock()

	var refreshToken string
	if rec, ok, _ := m.store.Load(); ok {
		refreshToken = rec.RefreshToken
	}

	m.activity.clear()
	m.limiter.Clear()
	if err := m.store.Clear(); err != nil {
		m.log.Warn().Err(err).Msg("token store clear failed during teardown")
	}

	if remote && refreshToken != "" {
		callCtx, cancel := context.WithTimeout(ctx, remoteLogoutTimeout)
		if err := m.client.Logout(callCtx, refreshToken); err != nil {
			m.log.Debug().Err(err).Msg("remote logout failed (ignored)")
		}
		cancel()
	}
	m.notify()
}

// armRefreshLocked (re)schedules the refresh timer. Caller holds m.mu.
func (m *Manager) armRefreshLocked() {
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
	}
	epoch := m.epoch
	m.refreshTimer = m.clock.AfterFunc(m.cfg.RefreshInterval, func() {
		m.onRefreshTick(epoch)
	})
}

func (m *Manager) onRefreshTick(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch || !m.state.Authenticated {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if m.activity.idleExceeded(m.cfg.IdleTimeout) {
		m.HandleSessionTimeout()
		return
	}
	if err := m.RefreshSession(context.Background()); err != nil {
		m.log.Warn().Err(err).Msg("scheduled refresh failed")
	}
}

// notify hands each subscriber an independent state copy. Never called
// with m.mu held.
func (m *Manager) notify() {
	m.mu.Lock()
	snapshot := m.state.clone()
	listeners := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(snapshot)
	}
}

// --- helpers -------------------------------------------------------------

// recordFromSession derives the token record, trusting the earlier of the
// server-reported expiry and the token's own exp claim.
func recordFromSession(sess api.Session, now time.Time) tokens.Record {
	expiry := sess.Expiry()
	if claimExp, ok := tokenExpiry(sess.AccessToken); ok && claimExp.Before(expiry) {
		expiry = claimExp
	}
	return tokens.Record{
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		ExpiresAt:    expiry,
	}
}

func userFromSession(sess api.Session) User {
	return User{
		ID:        sess.User.ID,
		Email:     sess.User.Email,
		FirstName: sess.User.FirstName,
		LastName:  sess.User.LastName,
		Role:      perms.ParseRole(sess.User.Role),
	}
}

// errorCode classifies an error into the dashboard's code table.
func errorCode(err error) string {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrRateLimited), errors.Is(err, guard.ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrSecurityViolation):
		return CodeSecurityViolation
	case errors.Is(err, ErrDuplicateSubmit):
		return CodeDuplicateSubmit
	case errors.Is(err, ErrSessionExpired):
		return CodeSessionExpired
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return api.CodeNetworkError
	}
	return "UNKNOWN_ERROR"
}

// publicMessage extracts a message safe to render. API errors carry the
// server's message; everything else gets a generic line.
func publicMessage(err error) string {
	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	if errors.Is(err, ErrValidation) {
		msg := err.Error()
		if i := strings.Index(msg, ": "); i >= 0 {
			return msg[i+2:]
		}
		return msg
	}
	return "request failed, try again"
}
