// Package challenge issues and verifies self-contained signed challenge tokens.
//
// A challenge never lives server-side: the random value, ceremony binding,
// and validity window travel inside an HMAC-signed compact JWT that the
// caller round-trips back at verify time. That keeps options and verify
// entrypoints free of shared state, so they can run as isolated invocations.
package challenge

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/avelyne/keyfold.id/internal/platform/errors"
)

// Ceremony binds a challenge to the entrypoint that may consume it.
type Ceremony string

const (
	CeremonyRegistration   Ceremony = "registration"
	CeremonyAuthentication Ceremony = "authentication"
)

// challengeSize is the raw challenge length in bytes.
const challengeSize = 32

var (
	// ErrExpired indicates the token was presented outside its validity window.
	ErrExpired = apperrors.New(apperrors.CodeChallengeExpired, "challenge token expired")
	// ErrInvalidSignature indicates a token that fails HMAC verification or cannot be parsed.
	ErrInvalidSignature = apperrors.New(apperrors.CodeChallengeInvalidSignature, "challenge token signature is invalid")
	// ErrWrongCeremony indicates a token bound to the other ceremony type.
	ErrWrongCeremony = apperrors.New(apperrors.CodeChallengeWrongCeremony, "challenge token bound to a different ceremony")
)

// Issued is a freshly minted challenge and its signed carrier token.
type Issued struct {
	Challenge []byte
	Token     string
	ExpiresAt time.Time
}

// Verified is a decoded challenge extracted from a valid token.
type Verified struct {
	Challenge []byte
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Challenge string `json:"chal"`
	Ceremony  string `json:"crm"`
}

// Codec signs and verifies challenge tokens with a shared HMAC key.
type Codec struct {
	key   []byte
	ttl   time.Duration
	clock func() time.Time
}

// NewCodec builds a codec from validated configuration.
func NewCodec(cfg Config) (*Codec, error) {
	if len(cfg.Key) < minKeySize {
		return nil, fmt.Errorf("challenge key must be at least %d bytes", minKeySize)
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("challenge ttl must be positive")
	}
	return &Codec{key: cfg.Key, ttl: cfg.TTL, clock: time.Now}, nil
}

// WithClock overrides the codec clock. Intended for tests.
func (c *Codec) WithClock(clock func() time.Time) *Codec {
	c.clock = clock
	return c
}

// TTL returns the configured token lifetime.
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// Issue generates a random challenge and wraps it in a signed token bound to
// ceremony and the configured validity window.
func (c *Codec) Issue(ceremony Ceremony) (Issued, error) {
	raw := make([]byte, challengeSize)
	if _, err := rand.Read(raw); err != nil {
		return Issued{}, fmt.Errorf("generate challenge: %w", err)
	}

	now := c.clock().UTC()
	expiresAt := now.Add(c.ttl)
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Challenge: base64.RawURLEncoding.EncodeToString(raw),
		Ceremony:  string(ceremony),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return Issued{}, fmt.Errorf("sign challenge token: %w", err)
	}
	return Issued{Challenge: raw, Token: token, ExpiresAt: expiresAt}, nil
}

// Verify checks the token signature, validity window, and ceremony binding,
// returning the embedded raw challenge on success.
func (c *Codec) Verify(token string, expected Ceremony) (Verified, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return c.key, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(c.clock),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return Verified{}, mapJWTError(err)
	}
	if claims.Ceremony != string(expected) {
		return Verified{}, ErrWrongCeremony
	}
	raw, err := base64.RawURLEncoding.DecodeString(claims.Challenge)
	if err != nil || len(raw) == 0 {
		return Verified{}, ErrInvalidSignature
	}
	return Verified{
		Challenge: raw,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Digest returns the burn-record key for a raw challenge.
func Digest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued), errors.Is(err, jwt.ErrTokenNotValidYet):
		return ErrExpired
	default:
		return apperrors.Wrap(apperrors.CodeChallengeInvalidSignature, "challenge token signature is invalid", err)
	}
}
