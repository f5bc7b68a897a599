package session

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"userdeck.org/internal/perms"
)

// accessClaims is what the client reads out of its own access token. The
// parse is unverified: the client holds no signing key, and the server
// re-validates the token on every call. Claims only seed local state.
type accessClaims struct {
	Email     string `json:"email"`
	Role      string `json:"role"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	jwt.RegisteredClaims
}

var claimsParser = jwt.NewParser()

// userFromAccessToken resolves the account identity embedded in an access
// token. Reports ok=false when the token is not a decodable JWT or misses
// the identity claims.
func userFromAccessToken(token string) (User, bool) {
	claims := &accessClaims{}
	if _, _, err := claimsParser.ParseUnverified(token, claims); err != nil {
		return User{}, false
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.Email) == "" {
		return User{}, false
	}
	return User{
		ID:        claims.Subject,
		Email:     claims.Email,
		FirstName: claims.FirstName,
		LastName:  claims.LastName,
		Role:      perms.ParseRole(claims.Role),
	}, true
}

// tokenExpiry reads the exp claim if present.
func tokenExpiry(token string) (time.Time, bool) {
	claims := &accessClaims{}
	if _, _, err := claimsParser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
