package session

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

const minPasswordLength = 8

// validateRegistration checks the registration form locally so obviously
// bad submissions never reach the network.
func validateRegistration(email, password, firstName, lastName string) error {
	if strings.TrimSpace(email) == "" || password == "" ||
		strings.TrimSpace(firstName) == "" || strings.TrimSpace(lastName) == "" {
		return fmt.Errorf("%w: all fields are required", ErrValidation)
	}
	if !emailPattern.MatchString(strings.TrimSpace(email)) {
		return fmt.Errorf("%w: invalid email address", ErrValidation)
	}
	return validatePasswordStrength(password)
}

// validatePasswordStrength enforces the dashboard's minimum password
// policy: length, upper, lower, digit and a special character.
func validatePasswordStrength(password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrValidation, minPasswordLength)
	}
	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSpecial = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit || !hasSpecial {
		return fmt.Errorf("%w: password needs upper and lower case letters, a digit and a special character", ErrValidation)
	}
	return nil
}
