package identity

import (
	"net/mail"
	"regexp"
	"strings"
)

var usernameRegex = regexp.MustCompile(`^[A-Za-z0-9_]{3,20}$`)

// ValidateUsername checks that a username is 3-20 characters and only contains letters, digits, and underscores.
func ValidateUsername(username string) error {
	if !usernameRegex.MatchString(username) {
		return ErrUsernameInvalidChars
	}
	return nil
}

// ValidatePassword checks that a password is at least 6 characters and at most 128.
func ValidatePassword(password string) error {
	if len(password) < 6 {
		return ErrPasswordTooShort
	}
	if len(password) > 128 {
		return ErrPasswordTooLong
	}
	return nil
}

// ValidateEmail parses and normalizes an optional email address. An empty string is valid (email is optional on
// an account) and normalizes to itself.
func ValidateEmail(email string) (string, error) {
	if email == "" {
		return "", nil
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return "", ErrInvalidEmailFormat
	}
	return strings.ToLower(addr.Address), nil
}
