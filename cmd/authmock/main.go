// Command authmock is a self-contained auth service for local development
// and smoke testing the userdeck client. It keeps accounts in memory,
// issues HS256 tokens, and speaks the same wire contract as the real
// service, including its error bodies and rate limiting.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"userdeck.org/internal/guard"
	"userdeck.org/internal/ids"
	"userdeck.org/internal/obs"
	"userdeck.org/internal/perms"
)

const (
	accessTTL  = 5 * time.Minute
	refreshTTL = 7 * 24 * time.Hour
)

type account struct {
	ID        string
	Email     string
	Password  string
	FirstName string
	LastName  string
	Role      perms.Role
	Status    string
}

type wireUser struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Role      string `json:"role"`
	Status    string `json:"status,omitempty"`
}

type wireSession struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
	ExpiresAt    int64    `json:"expiresAt"`
	User         wireUser `json:"user"`
}

type server struct {
	secret  []byte
	limiter *guard.Limiter

	mu       sync.Mutex
	accounts map[string]*account // by id
	byEmail  map[string]string   // email -> id
	refresh  map[string]string   // refresh token -> account id
}

func newServer(secret []byte) *server {
	s := &server{
		secret:   secret,
		limiter:  guard.NewLimiter(),
		accounts: make(map[string]*account),
		byEmail:  make(map[string]string),
		refresh:  make(map[string]string),
	}
	// Seed one admin so the client has somewhere to start.
	s.addAccount(&account{
		Email:     "admin@example.com",
		Password:  "Admin123!",
		FirstName: "Ada",
		LastName:  "Admin",
		Role:      perms.RoleAdmin,
		Status:    "active",
	})
	return s
}

func (s *server) addAccount(a *account) *account {
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.Status == "" {
		a.Status = "active"
	}
	s.accounts[a.ID] = a
	s.byEmail[strings.ToLower(a.Email)] = a.ID
	return a
}

func (a *account) wire() wireUser {
	return wireUser{
		ID:        a.ID,
		Email:     a.Email,
		FirstName: a.FirstName,
		LastName:  a.LastName,
		Role:      string(a.Role),
		Status:    a.Status,
	}
}

func (s *server) issueSession(a *account) (wireSession, error) {
	now := time.Now()
	exp := now.Add(accessTTL)
	claims := jwt.MapClaims{
		"sub":       a.ID,
		"email":     a.Email,
		"role":      string(a.Role),
		"firstName": a.FirstName,
		"lastName":  a.LastName,
		"iat":       now.Unix(),
		"exp":       exp.Unix(),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return wireSession{}, err
	}
	refreshToken := ids.New()
	s.refresh[refreshToken] = a.ID
	return wireSession{
		AccessToken:  access,
		RefreshToken: refreshToken,
		ExpiresAt:    exp.UnixMilli(),
		User:         a.wire(),
	}, nil
}

// --- handlers ------------------------------------------------------------

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if err := s.limiter.CheckAndRecord(guard.ActionLogin, email); err != nil {
		writeError(w, http.StatusTooManyRequests, "TOO_MANY_REQUESTS", "too many attempts")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[email]
	if !ok || s.accounts[id].Password != req.Password {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credentials")
		return
	}
	sess, err := s.issueSession(s.accounts[id])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "token generation failed")
		return
	}
	s.limiter.Reset(guard.ActionLogin, email)
	writeJSON(w, http.StatusOK, sess)
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req struct {
		Email     string `json:"email"`
		Password  string `json:"password"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "email and password are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byEmail[email]; exists {
		writeError(w, http.StatusConflict, "EMAIL_EXISTS", "an account with this email already exists")
		return
	}
	a := s.addAccount(&account{
		Email:     email,
		Password:  req.Password,
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		Role:      perms.RoleUser,
	})
	sess, err := s.issueSession(a)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "token generation failed")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.refresh[req.RefreshToken]
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "refresh token is not valid")
		return
	}
	delete(s.refresh, req.RefreshToken)
	sess, err := s.issueSession(s.accounts[id])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "token generation failed")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}
	s.mu.Lock()
	delete(s.refresh, req.RefreshToken)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// authorize resolves the bearer token to an account.
func (s *server) authorize(r *http.Request) (*account, bool) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		return nil, false
	}
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !tok.Valid {
		return nil, false
	}
	sub, err := tok.Claims.GetSubject()
	if err != nil {
		return nil, false
	}
	a, ok := s.accounts[sub]
	return a, ok
}

func (s *server) requirePermission(w http.ResponseWriter, r *http.Request, p perms.Permission) (*account, bool) {
	a, ok := s.authorize(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return nil, false
	}
	if !perms.Resolve(a.Role).Has(p) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "insufficient permissions")
		return nil, false
	}
	return a, true
}

func (s *server) handleUsers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch r.Method {
	case http.MethodGet:
		if _, ok := s.requirePermission(w, r, perms.ViewUsers); !ok {
			return
		}
		s.listUsers(w, r)
	case http.MethodPost:
		if _, ok := s.requirePermission(w, r, perms.CreateUsers); !ok {
			return
		}
		s.createUser(w, r)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *server) listUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	role := strings.ToUpper(q.Get("role"))
	search := strings.ToLower(q.Get("search"))

	matched := make([]wireUser, 0, len(s.accounts))
	for _, a := range s.accounts {
		if role != "" && string(a.Role) != role {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(a.Email), search) &&
			!strings.Contains(strings.ToLower(a.FirstName+" "+a.LastName), search) {
			continue
		}
		matched = append(matched, a.wire())
	}

	page, size := 1, 20
	if n, err := parsePositive(q.Get("page")); err == nil && n > 0 {
		page = n
	}
	if n, err := parsePositive(q.Get("pageSize")); err == nil && n > 0 {
		size = n
	}
	start := (page - 1) * size
	if start > len(matched) {
		start = len(matched)
	}
	end := start + size
	if end > len(matched) {
		end = len(matched)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": matched[start:end],
		"total": len(matched),
		"page":  page,
	})
}

func (s *server) createUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email     string `json:"email"`
		Password  string `json:"password"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "email and password are required")
		return
	}
	if _, exists := s.byEmail[email]; exists {
		writeError(w, http.StatusConflict, "EMAIL_EXISTS", "an account with this email already exists")
		return
	}
	a := s.addAccount(&account{
		Email:     email,
		Password:  req.Password,
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		Role:      perms.RoleUser,
	})
	writeJSON(w, http.StatusCreated, a.wire())
}

func (s *server) handleUser(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/users/")
	id, tail, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "user not found")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tail == "role" {
		s.setRole(w, r, id)
		return
	}
	if tail != "" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such resource")
		return
	}

	switch r.Method {
	case http.MethodGet:
		if _, ok := s.requirePermission(w, r, perms.ViewUsers); !ok {
			return
		}
		a, ok := s.accounts[id]
		if !ok {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "user not found")
			return
		}
		writeJSON(w, http.StatusOK, a.wire())
	case http.MethodPut:
		if _, ok := s.requirePermission(w, r, perms.EditUsers); !ok {
			return
		}
		s.updateUser(w, r, id)
	case http.MethodDelete:
		caller, ok := s.requirePermission(w, r, perms.DeleteUsers)
		if !ok {
			return
		}
		if caller.ID == id {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "cannot delete own account")
			return
		}
		a, exists := s.accounts[id]
		if !exists {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "user not found")
			return
		}
		delete(s.accounts, id)
		delete(s.byEmail, strings.ToLower(a.Email))
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (s *server) updateUser(w http.ResponseWriter, r *http.Request, id string) {
	a, ok := s.accounts[id]
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "user not found")
		return
	}
	var upd struct {
		Email     *string `json:"email"`
		FirstName *string `json:"firstName"`
		LastName  *string `json:"lastName"`
		Status    *string `json:"status"`
	}
	if err := decodeJSON(r, &upd); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}
	if upd.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*upd.Email))
		if other, exists := s.byEmail[email]; exists && other != id {
			writeError(w, http.StatusConflict, "EMAIL_EXISTS", "an account with this email already exists")
			return
		}
		delete(s.byEmail, strings.ToLower(a.Email))
		a.Email = email
		s.byEmail[email] = id
	}
	if upd.FirstName != nil {
		a.FirstName = strings.TrimSpace(*upd.FirstName)
	}
	if upd.LastName != nil {
		a.LastName = strings.TrimSpace(*upd.LastName)
	}
	if upd.Status != nil {
		a.Status = *upd.Status
	}
	writeJSON(w, http.StatusOK, a.wire())
}

func (s *server) setRole(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, http.MethodPut)
		return
	}
	if _, ok := s.requirePermission(w, r, perms.ManageRoles); !ok {
		return
	}
	a, ok := s.accounts[id]
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "user not found")
		return
	}
	var req struct {
		Role string `json:"role"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}
	role := perms.ParseRole(req.Role)
	if len(perms.Resolve(role)) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown role")
		return
	}
	a.Role = role
	writeJSON(w, http.StatusOK, a.wire())
}

// --- helpers -------------------------------------------------------------

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"message": msg,
		"code":    code,
		"status":  status,
	})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "HTTP_ERROR_405", "method not allowed")
}

func parsePositive(raw string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, err
	}
	return n, nil
}

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	secret := flag.String("secret", "", "HS256 signing secret (default: random)")
	flag.Parse()

	log := obs.NewLogger(os.Getenv("USERDECK_ENVIRONMENT"))

	key := []byte(*secret)
	if len(key) == 0 {
		key = []byte(ids.New())
	}
	s := newServer(key)

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", s.handleLogin)
	mux.HandleFunc("/auth/register", s.handleRegister)
	mux.HandleFunc("/auth/refresh", s.handleRefresh)
	mux.HandleFunc("/auth/logout", s.handleLogout)
	mux.HandleFunc("/users", s.handleUsers)
	mux.HandleFunc("/users/", s.handleUser)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", *addr).Msg("authmock listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info().Msg("stopped")
}
