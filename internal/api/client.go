// Package api is the thin REST/JSON client for the remote auth and user
// administration service. It owns wire shapes and error classification; all
// policy (retries, rate limiting of user attempts, teardown) lives in the
// session manager.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"userdeck.org/internal/perms"
)

const defaultTimeout = 15 * time.Second

// User is the wire representation of an account.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Role      string `json:"role"`
	Status    string `json:"status,omitempty"`
}

// Session is the success payload shared by login, register and refresh.
// ExpiresAt is reported by the server in unix milliseconds.
type Session struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`
	User         User   `json:"user"`
}

// Expiry converts the wire expiry to a time.Time.
func (s Session) Expiry() time.Time {
	return time.UnixMilli(s.ExpiresAt)
}

// RegisterRequest carries the registration form.
type RegisterRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// errorBody is the error shape every endpoint returns.
type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Status  int    `json:"status"`
}

// Client talks to the remote service. Safe for concurrent use.
type Client struct {
	baseURL  string
	http     *http.Client
	throttle *rate.Limiter
	log      zerolog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client (frontends inject
// their own timeouts this way). The injected client still gets the
// instrumented transport so every request carries an X-Request-ID and
// feeds the request metrics; the caller's client is left untouched.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc == nil {
			return
		}
		clone := *hc
		if _, ok := clone.Transport.(*instrumentedTransport); !ok {
			clone.Transport = newInstrumentedTransport(clone.Transport)
		}
		c.http = &clone
	}
}

// WithLogger attaches a logger; payloads are never logged, only endpoint,
// status and latency.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithThrottle bounds outbound request rate.
func WithThrottle(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond > 0 && burst > 0 {
			c.throttle = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// New constructs a client for the given base URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("api: base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("api: invalid base URL: %w", err)
	}
	c := &Client{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: defaultTimeout, Transport: newInstrumentedTransport(nil)},
		throttle: rate.NewLimiter(rate.Limit(10), 20),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Login exchanges credentials for a session.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	var out Session
	err := c.do(ctx, http.MethodPost, "/auth/login", "", map[string]string{
		"email":    email,
		"password": password,
	}, &out)
	return out, err
}

// Register creates an account and returns its first session.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (Session, error) {
	var out Session
	err := c.do(ctx, http.MethodPost, "/auth/register", "", req, &out)
	return out, err
}

// Refresh exchanges a refresh token for a fresh session.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	var out Session
	err := c.do(ctx, http.MethodPost, "/auth/refresh", "", map[string]string{
		"refreshToken": refreshToken,
	}, &out)
	return out, err
}

// Logout invalidates the refresh token server-side. The caller treats the
// call as best-effort; the returned error is for logging only.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", "", map[string]string{
		"refreshToken": refreshToken,
	}, nil)
}

// UserFilter narrows ListUsers.
type UserFilter struct {
	Search   string
	Role     perms.Role
	Status   string
	Page     int
	PageSize int
}

// UserPage is one page of accounts.
type UserPage struct {
	Items []User `json:"items"`
	Total int    `json:"total"`
	Page  int    `json:"page"`
}

// ListUsers returns accounts matching the filter.
func (c *Client) ListUsers(ctx context.Context, accessToken string, filter UserFilter) (UserPage, error) {
	q := url.Values{}
	if filter.Search != "" {
		q.Set("search", filter.Search)
	}
	if filter.Role != "" {
		q.Set("role", string(filter.Role))
	}
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}
	if filter.Page > 0 {
		q.Set("page", fmt.Sprint(filter.Page))
	}
	if filter.PageSize > 0 {
		q.Set("pageSize", fmt.Sprint(filter.PageSize))
	}
	path := "/users"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out UserPage
	err := c.do(ctx, http.MethodGet, path, accessToken, nil, &out)
	return out, err
}

// GetUser fetches one account.
func (c *Client) GetUser(ctx context.Context, accessToken, id string) (User, error) {
	var out User
	err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(id), accessToken, nil, &out)
	return out, err
}

// CreateUser provisions an account.
func (c *Client) CreateUser(ctx context.Context, accessToken string, req RegisterRequest) (User, error) {
	var out User
	err := c.do(ctx, http.MethodPost, "/users", accessToken, req, &out)
	return out, err
}

// UserUpdate carries partial account changes.
type UserUpdate struct {
	Email     *string `json:"email,omitempty"`
	FirstName *string `json:"firstName,omitempty"`
	LastName  *string `json:"lastName,omitempty"`
	Status    *string `json:"status,omitempty"`
}

// UpdateUser applies a partial update.
func (c *Client) UpdateUser(ctx context.Context, accessToken, id string, upd UserUpdate) (User, error) {
	var out User
	err := c.do(ctx, http.MethodPut, "/users/"+url.PathEscape(id), accessToken, upd, &out)
	return out, err
}

// DeleteUser removes an account.
func (c *Client) DeleteUser(ctx context.Context, accessToken, id string) error {
	return c.do(ctx, http.MethodDelete, "/users/"+url.PathEscape(id), accessToken, nil, nil)
}

// SetUserRole changes an account's role.
func (c *Client) SetUserRole(ctx context.Context, accessToken, id string, role perms.Role) (User, error) {
	var out User
	err := c.do(ctx, http.MethodPut, "/users/"+url.PathEscape(id)+"/role", accessToken, map[string]string{
		"role": string(role),
	}, &out)
	return out, err
}

// do runs one request and decodes either the success payload or the error
// body into the tagged *Error variant.
func (c *Client) do(ctx context.Context, method, path, accessToken string, body, out any) error {
	if err := c.throttle.Wait(ctx); err != nil {
		return networkError(err)
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug().Str("endpoint", endpointLabel(method, path)).Err(err).Msg("request failed")
		return networkError(err)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("endpoint", endpointLabel(method, path)).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("request complete")

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{
			Code:    CodeServerError,
			Message: "malformed response body",
			Status:  resp.StatusCode,
		}
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &Error{
		Code:   codeForStatus(resp.StatusCode),
		Status: resp.StatusCode,
	}
	var body errorBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err == nil {
		if body.Code != "" {
			apiErr.Code = body.Code
		}
		apiErr.Message = body.Message
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func endpointLabel(method, path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return method + " " + path
}
