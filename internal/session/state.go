package session

import (
	"time"

	"userdeck.org/internal/perms"
)

// Error codes surfaced through AuthError. Codes originating at the API
// boundary (UNAUTHORIZED, NETWORK_ERROR, ...) pass through unchanged.
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeRateLimited       = "RATE_LIMITED"
	CodeSecurityViolation = "SECURITY_VIOLATION"
	CodeSessionExpired    = "SESSION_EXPIRED"
	CodeSessionTimeout    = "SESSION_TIMEOUT"
	CodeDuplicateSubmit   = "DUPLICATE_SUBMIT"
)

// User is the authenticated account as the dashboard sees it. Immutable;
// replaced wholesale when a refresh reports changes.
type User struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	Role      perms.Role
}

// AuthError is the transient failure shown to the dashboard. Cleared by
// ClearError or by the next successful transition.
type AuthError struct {
	Code    string
	Message string
	At      time.Time
}

// State is the reactive snapshot handed to subscribers. Authenticated is
// true exactly when User is non-nil; Loading is true only while a
// transition is in flight.
type State struct {
	Authenticated bool
	User          *User
	Loading       bool
	Err           *AuthError
	Permissions   perms.Set
}

// clone returns an independent copy safe to hand outside the manager.
func (s State) clone() State {
	out := s
	if s.User != nil {
		u := *s.User
		out.User = &u
	}
	if s.Err != nil {
		e := *s.Err
		out.Err = &e
	}
	if s.Permissions != nil {
		set := make(perms.Set, len(s.Permissions))
		for p := range s.Permissions {
			set[p] = struct{}{}
		}
		out.Permissions = set
	}
	return out
}
