package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds application configuration populated from environment variables.
type Config struct {
	// Core
	ServerPort int
	ServerEnv  string // "development" or "production"

	// Database
	DatabaseURL     string
	DatabaseMaxConn int
	DatabaseMinConn int

	// Valkey — backs group typing indicators and the optional redpacket claim lock. Presence itself stays
	// in-process; see internal/presence.
	ValkeyURL         string
	ValkeyDialTimeout time.Duration

	// Argon2 password hashing
	Argon2Memory      uint32
	Argon2Iterations  uint32
	Argon2Parallelism uint8
	Argon2SaltLength  uint32
	Argon2KeyLength   uint32

	// JWT
	JWTSecret   string
	JWTTokenTTL time.Duration
	TokenIssuer string

	// Gateway / Connection Manager
	HeartbeatInterval time.Duration
	IdentifyTimeout   time.Duration
	MaxConnections    int

	// Avatar / persona admission control
	CharacterAvatarMaxChars int
	PersonaAvatarMaxBytes   int

	// MFA (optional supplement; not required by the base identity flow)
	MFAEncryptionKey string

	// Message content limits
	MaxDirectMessageLength int
	MaxGroupMessageLength  int

	// Redpacket claim serialization — false (default) uses an in-process mutex per redpacket, sufficient for a
	// single-node deployment; true switches to a Valkey SET NX PX lock that survives a process restart mid-claim.
	RedpacketDistributedLock bool
}

// Load reads configuration from environment variables. It returns an error if any variable is set but cannot be
// parsed, or if a required security value is missing — database connection parameters and the JWT signing secret
// are fatal at startup if absent.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		ServerPort: p.int("SERVER_PORT", 3000),
		ServerEnv:  envStr("SERVER_ENV", "production"),

		DatabaseURL:     envStr("DATABASE_URL", ""),
		DatabaseMaxConn: p.int("DATABASE_MAX_CONNS", 10),
		DatabaseMinConn: p.int("DATABASE_MIN_CONNS", 2),

		ValkeyURL:         envStr("VALKEY_URL", "redis://localhost:6379/0"),
		ValkeyDialTimeout: p.duration("VALKEY_DIAL_TIMEOUT", 5*time.Second),

		Argon2Memory:      p.uint32("ARGON2_MEMORY", 65536),
		Argon2Iterations:  p.uint32("ARGON2_ITERATIONS", 3),
		Argon2Parallelism: p.uint8("ARGON2_PARALLELISM", 2),
		Argon2SaltLength:  p.uint32("ARGON2_SALT_LENGTH", 16),
		Argon2KeyLength:   p.uint32("ARGON2_KEY_LENGTH", 32),

		JWTSecret:   envStr("JWT_SECRET", ""),
		JWTTokenTTL: p.duration("JWT_TOKEN_TTL", 30*24*time.Hour),
		TokenIssuer: envStr("TOKEN_ISSUER", "roleplay-hub"),

		HeartbeatInterval: p.duration("GATEWAY_HEARTBEAT_INTERVAL", 30*time.Second),
		IdentifyTimeout:   p.duration("GATEWAY_IDENTIFY_TIMEOUT", 30*time.Second),
		MaxConnections:    p.int("GATEWAY_MAX_CONNECTIONS", 10000),

		CharacterAvatarMaxChars: p.int("CHARACTER_AVATAR_MAX_CHARS", 10000),
		PersonaAvatarMaxBytes:   p.int("PERSONA_AVATAR_MAX_BYTES", 65000),

		MFAEncryptionKey: envStr("MFA_ENCRYPTION_KEY", ""),

		MaxDirectMessageLength: p.int("MAX_DIRECT_MESSAGE_LENGTH", 4000),
		MaxGroupMessageLength:  p.int("MAX_GROUP_MESSAGE_LENGTH", 4000),

		RedpacketDistributedLock: p.boolean("REDPACKET_DISTRIBUTED_LOCK", false),
	}

	if parseErr := errors.Join(p.errs...); parseErr != nil {
		return nil, parseErr
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDevelopment returns true when running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.ServerEnv == "development"
}

// MFAConfigured returns true when the MFA encryption key is set, indicating that TOTP-based MFA is available.
func (c *Config) MFAConfigured() bool {
	return c.MFAEncryptionKey != ""
}

func (c *Config) validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	if c.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	} else if len(c.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least 32 characters"))
	}

	if c.ServerPort < 1 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("SERVER_PORT must be between 1 and 65535"))
	}

	if c.DatabaseMaxConn < 1 {
		errs = append(errs, fmt.Errorf("DATABASE_MAX_CONNS must be at least 1"))
	}
	if c.DatabaseMinConn < 0 {
		errs = append(errs, fmt.Errorf("DATABASE_MIN_CONNS must not be negative"))
	}
	if c.DatabaseMinConn > c.DatabaseMaxConn {
		errs = append(errs, fmt.Errorf("DATABASE_MIN_CONNS (%d) must not exceed DATABASE_MAX_CONNS (%d)", c.DatabaseMinConn, c.DatabaseMaxConn))
	}

	if c.JWTTokenTTL < time.Second {
		errs = append(errs, fmt.Errorf("JWT_TOKEN_TTL must be at least 1s"))
	}

	if c.Argon2Memory == 0 {
		errs = append(errs, fmt.Errorf("ARGON2_MEMORY must be greater than 0"))
	}
	if c.Argon2Iterations == 0 {
		errs = append(errs, fmt.Errorf("ARGON2_ITERATIONS must be greater than 0"))
	}
	if c.Argon2Parallelism == 0 {
		errs = append(errs, fmt.Errorf("ARGON2_PARALLELISM must be greater than 0"))
	}

	if c.HeartbeatInterval < time.Second {
		errs = append(errs, fmt.Errorf("GATEWAY_HEARTBEAT_INTERVAL must be at least 1s"))
	}
	if c.MaxConnections < 1 {
		errs = append(errs, fmt.Errorf("GATEWAY_MAX_CONNECTIONS must be at least 1"))
	}

	if c.CharacterAvatarMaxChars < 1 {
		errs = append(errs, fmt.Errorf("CHARACTER_AVATAR_MAX_CHARS must be at least 1"))
	}
	if c.PersonaAvatarMaxBytes < 1 {
		errs = append(errs, fmt.Errorf("PERSONA_AVATAR_MAX_BYTES must be at least 1"))
	}

	if c.MFAEncryptionKey != "" && len(c.MFAEncryptionKey) != 64 {
		errs = append(errs, fmt.Errorf("MFA_ENCRYPTION_KEY must be exactly 64 hex characters (32 bytes)"))
	}

	return errors.Join(errs...)
}

// parser collects parse errors so Load can report all invalid values at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected integer)", key, v))
		return fallback
	}
	return n
}

func (p *parser) uint32(key string, fallback uint32) uint32 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected unsigned 32-bit integer)", key, v))
		return fallback
	}
	return uint32(n)
}

func (p *parser) uint8(key string, fallback uint8) uint8 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 8)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected unsigned 8-bit integer)", key, v))
		return fallback
	}
	return uint8(n)
}

func (p *parser) boolean(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected boolean)", key, v))
		return fallback
	}
	return b
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected duration like \"30s\" or \"720h\")", key, v))
		return fallback
	}
	return d
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
