// Package identity implements the Identity Service: account registration, password login, JWT session tokens,
// and optional TOTP-based multi-factor authentication.
package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"

	"github.com/roleplay-hub/hub/internal/apperr"
	"github.com/roleplay-hub/hub/internal/config"
)

// Service implements account registration, login, and session-token verification, keeping the gateway's frame
// handlers thin and focused on dispatch.
type Service struct {
	users  Repository
	config *config.Config
	log    zerolog.Logger
	// dummyHash is a precomputed Argon2id hash used to keep login timing constant when a username is not found,
	// preventing account enumeration via response-time analysis.
	dummyHash string
}

// NewService creates a new identity service. It returns an error if the configured Argon2id parameters are
// themselves broken, since password hashing underlies every account operation.
func NewService(users Repository, cfg *config.Config, logger zerolog.Logger) (*Service, error) {
	dummy, err := HashPassword("hub-dummy-password", cfg.Argon2Memory, cfg.Argon2Iterations, cfg.Argon2Parallelism, cfg.Argon2SaltLength, cfg.Argon2KeyLength)
	if err != nil {
		return nil, fmt.Errorf("generate dummy hash: %w", err)
	}
	return &Service{users: users, config: cfg, log: logger, dummyHash: dummy}, nil
}

// AuthResult is returned by Register and by a Login that did not require MFA.
type AuthResult struct {
	User  *User
	Token string
}

// Register creates a new account and returns a signed session token for it.
func (s *Service) Register(ctx context.Context, username, email, password string) (*AuthResult, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalid, err.Error(), err)
	}
	normalizedEmail, err := ValidateEmail(email)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalid, err.Error(), err)
	}
	if err := ValidatePassword(password); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalid, err.Error(), err)
	}

	hash, err := HashPassword(password, s.config.Argon2Memory, s.config.Argon2Iterations, s.config.Argon2Parallelism, s.config.Argon2SaltLength, s.config.Argon2KeyLength)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.users.Create(ctx, username, normalizedEmail, hash)
	if err != nil {
		return nil, err
	}

	token, err := s.issueToken(user.ID)
	if err != nil {
		return nil, err
	}
	return &AuthResult{User: user, Token: token}, nil
}

// LoginResult is the outcome of Login. If MFARequired is true, Token is empty and the caller must call VerifyMFA
// with the same account ID and a valid TOTP code to obtain a session token.
type LoginResult struct {
	User        *User
	Token       string
	MFARequired bool
}

// Login verifies a username/password pair and, when MFA is not enabled, returns a signed session token. When MFA
// is enabled the caller receives MFARequired=true and must complete VerifyMFA.
func (s *Service) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		// Run the comparison against the dummy hash so a missing account takes the same time as a wrong password.
		_, _ = VerifyPassword(password, s.dummyHash)
		return nil, apperr.New(apperr.KindAuthRejected, "invalid username or password")
	}

	match, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !match {
		return nil, apperr.New(apperr.KindAuthRejected, "invalid username or password")
	}

	if NeedsRehash(user.PasswordHash, s.config.Argon2Memory, s.config.Argon2Iterations, s.config.Argon2Parallelism, s.config.Argon2SaltLength, s.config.Argon2KeyLength) {
		if newHash, err := HashPassword(password, s.config.Argon2Memory, s.config.Argon2Iterations, s.config.Argon2Parallelism, s.config.Argon2SaltLength, s.config.Argon2KeyLength); err == nil {
			if err := s.users.UpdatePasswordHash(ctx, user.ID, newHash); err != nil {
				s.log.Warn().Err(err).Str("account_id", user.ID.String()).Msg("rehash password failed")
			}
		}
	}

	if user.MFASecretEncrypted != nil {
		return &LoginResult{User: user, MFARequired: true}, nil
	}

	if err := s.users.UpdateLastLogin(ctx, user.ID, time.Now()); err != nil {
		s.log.Warn().Err(err).Str("account_id", user.ID.String()).Msg("update last login failed")
	}

	token, err := s.issueToken(user.ID)
	if err != nil {
		return nil, err
	}
	return &LoginResult{User: user, Token: token}, nil
}

// VerifyMFA completes a login that reported MFARequired by checking a TOTP code against the account's stored
// secret.
func (s *Service) VerifyMFA(ctx context.Context, accountID uuid.UUID, code string) (*AuthResult, error) {
	if !s.config.MFAConfigured() {
		return nil, apperr.New(apperr.KindInvalid, "MFA is not configured on this server")
	}

	user, err := s.users.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if user.MFASecretEncrypted == nil {
		return nil, apperr.New(apperr.KindInvalid, "MFA is not enabled on this account")
	}

	secret, err := DecryptTOTPSecret(*user.MFASecretEncrypted, s.config.MFAEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt mfa secret: %w", err)
	}
	if !totp.Validate(code, secret) {
		return nil, apperr.New(apperr.KindAuthRejected, "invalid MFA code")
	}

	if err := s.users.UpdateLastLogin(ctx, user.ID, time.Now()); err != nil {
		s.log.Warn().Err(err).Str("account_id", user.ID.String()).Msg("update last login failed")
	}

	token, err := s.issueToken(user.ID)
	if err != nil {
		return nil, err
	}
	return &AuthResult{User: user, Token: token}, nil
}

// EnableMFAResult carries the freshly generated TOTP secret (for QR provisioning) and one-time recovery codes.
type EnableMFAResult struct {
	Secret         string
	RecoveryCodes  []string
	ProvisioningURL string
}

// EnableMFA generates a new TOTP secret for the account, encrypts it at rest, and returns the secret plus a set of
// recovery codes. The secret is stored immediately, so the next Login for the account reports MFARequired; there is
// no separate confirmation step. The recovery codes are returned only and are not stored.
func (s *Service) EnableMFA(ctx context.Context, accountID uuid.UUID, accountName string) (*EnableMFAResult, error) {
	if !s.config.MFAConfigured() {
		return nil, apperr.New(apperr.KindInvalid, "MFA is not configured on this server")
	}

	user, err := s.users.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if user.MFASecretEncrypted != nil {
		return nil, apperr.New(apperr.KindConflict, "MFA is already enabled on this account")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.config.TokenIssuer,
		AccountName: accountName,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}

	encrypted, err := EncryptTOTPSecret(key.Secret(), s.config.MFAEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt totp secret: %w", err)
	}
	if err := s.users.SetMFASecret(ctx, accountID, &encrypted); err != nil {
		return nil, err
	}

	return &EnableMFAResult{
		Secret:          key.Secret(),
		RecoveryCodes:   GenerateRecoveryCodes(),
		ProvisioningURL: key.URL(),
	}, nil
}

// DisableMFA removes the account's TOTP secret, turning MFA off.
func (s *Service) DisableMFA(ctx context.Context, accountID uuid.UUID) error {
	return s.users.SetMFASecret(ctx, accountID, nil)
}

// Authenticate verifies a session token and returns the account it was issued for. This backs the gateway's
// "authenticate" frame handler: a valid token here is what binds a fresh connection to an existing account and
// triggers the Presence Registry to bring that account online.
func (s *Service) Authenticate(ctx context.Context, token string) (*User, error) {
	claims, err := ValidateAccessToken(token, s.config.JWTSecret, s.config.TokenIssuer)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindAuthRejected, "invalid or expired token", err)
	}

	accountID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, apperr.New(apperr.KindAuthRejected, "invalid token subject")
	}

	user, err := s.users.GetByID(ctx, accountID)
	if err != nil {
		return nil, apperr.New(apperr.KindAuthRejected, "account no longer exists")
	}
	return user, nil
}

func (s *Service) issueToken(accountID uuid.UUID) (string, error) {
	token, err := NewAccessToken(accountID, s.config.JWTSecret, s.config.JWTTokenTTL, s.config.TokenIssuer)
	if err != nil {
		return "", fmt.Errorf("issue session token: %w", err)
	}
	return token, nil
}
