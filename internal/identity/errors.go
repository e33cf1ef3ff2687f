package identity

import "errors"

// Sentinel errors for the identity package.
var (
	ErrUsernameLength       = errors.New("username must be between 3 and 20 characters")
	ErrInvalidEmailFormat   = errors.New("invalid email format")
	ErrUsernameInvalidChars = errors.New("username may only contain letters, digits, and underscores")
	ErrPasswordTooShort     = errors.New("password must be at least 6 characters")
	ErrPasswordTooLong      = errors.New("password must be at most 128 characters")
	ErrInvalidCredentials   = errors.New("invalid username or password")
	ErrUsernameTaken        = errors.New("username already taken")
	ErrInvalidToken         = errors.New("invalid or expired token")
	ErrInvalidMFACode       = errors.New("invalid MFA code")
	ErrMFANotEnabled        = errors.New("MFA is not enabled on this account")
	ErrMFAAlreadyEnabled    = errors.New("MFA is already enabled on this account")
	ErrMFANotConfigured     = errors.New("MFA is not configured on this server")
)
