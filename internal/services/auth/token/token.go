// Package token mints short-lived session-exchange tokens.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// secretSize yields a 64-character base64url secret.
const secretSize = 48

// defaultTTL mirrors the short exchange window the callers expect: the token
// is meant to be traded for a durable session immediately after a ceremony.
const defaultTTL = 60 * time.Second

// SessionToken is a single-purpose credential minted only after a ceremony
// fully succeeds. It is never persisted by this core.
type SessionToken struct {
	Secret    string
	UserID    string
	ExpiresAt time.Time
}

// Config controls session token issuance.
type Config struct {
	TTL time.Duration `env:"KEYFOLD_SESSION_TOKEN_TTL" envDefault:"60s"`
}

// LoadConfigFromEnv returns token issuer configuration with defaults. A
// malformed TTL is an error rather than a silent fallback.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse session token env: %w", err)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	return cfg, nil
}

// Issuer mints session-exchange tokens bound to an identity.
type Issuer struct {
	ttl   time.Duration
	clock func() time.Time
}

// NewIssuer builds an issuer from configuration.
func NewIssuer(cfg Config) *Issuer {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Issuer{ttl: ttl, clock: time.Now}
}

// WithClock overrides the issuer clock. Intended for tests.
func (i *Issuer) WithClock(clock func() time.Time) *Issuer {
	i.clock = clock
	return i
}

// Issue mints a high-entropy token bound to identityID.
func (i *Issuer) Issue(identityID string) (SessionToken, error) {
	if identityID == "" {
		return SessionToken{}, fmt.Errorf("identity id is required")
	}
	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return SessionToken{}, fmt.Errorf("generate token secret: %w", err)
	}
	return SessionToken{
		Secret:    base64.RawURLEncoding.EncodeToString(secret),
		UserID:    identityID,
		ExpiresAt: i.clock().UTC().Add(i.ttl),
	}, nil
}
