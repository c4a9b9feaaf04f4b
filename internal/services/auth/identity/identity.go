// Package identity provides find-or-create resolution of user identities by email.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	apperrors "github.com/avelyne/keyfold.id/internal/platform/errors"
	"github.com/avelyne/keyfold.id/internal/platform/id"
)

// ErrInvalidEmail indicates an email address that cannot act as a lookup key.
var ErrInvalidEmail = apperrors.New(apperrors.CodeEmailInvalid, "email address is invalid")

// Identity is a durable user identity keyed by email.
//
// Preferences carries unrelated per-user data that credential writes must
// never clobber; the store keeps it in its own column for that reason.
type Identity struct {
	ID          string
	Email       string
	Preferences map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store is the narrow persistence surface the resolver needs.
type Store interface {
	GetIdentityByEmail(ctx context.Context, email string) (Identity, error)
	CreateIdentity(ctx context.Context, ident Identity) error
}

// ErrNotFound mirrors the storage sentinel so the resolver can branch on it
// without importing the storage package.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// Resolver finds or creates identities by normalized email.
type Resolver struct {
	store       Store
	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewResolver builds a resolver with production defaults.
func NewResolver(store Store) *Resolver {
	return &Resolver{
		store:       store,
		clock:       time.Now,
		idGenerator: id.NewID,
	}
}

// WithClock overrides the resolver clock. Intended for tests.
func (r *Resolver) WithClock(clock func() time.Time) *Resolver {
	r.clock = clock
	return r
}

// WithIDGenerator overrides identity ID generation. Intended for tests.
func (r *Resolver) WithIDGenerator(generate func() (string, error)) *Resolver {
	r.idGenerator = generate
	return r
}

// NormalizeEmail lowercases and validates an email lookup key.
func NormalizeEmail(email string) (string, error) {
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return "", ErrInvalidEmail
	}
	parsed, err := mail.ParseAddress(trimmed)
	if err != nil {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(parsed.Address), nil
}

// Resolve returns the identity for email, creating one with an empty
// credential set when the email has never been seen. Resolution is
// idempotent: two concurrent first-time calls converge on a single identity
// because the store enforces email uniqueness and the loser re-reads.
func (r *Resolver) Resolve(ctx context.Context, email string) (Identity, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return Identity{}, err
	}

	found, err := r.store.GetIdentityByEmail(ctx, normalized)
	if err == nil {
		return found, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Identity{}, apperrors.Wrap(apperrors.CodeIdentityStoreUnavailable, "get identity by email", err)
	}

	identityID, err := r.idGenerator()
	if err != nil {
		return Identity{}, fmt.Errorf("generate identity id: %w", err)
	}
	now := r.clock().UTC()
	created := Identity{
		ID:        identityID,
		Email:     normalized,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateIdentity(ctx, created); err != nil {
		// Lost the creation race: someone else registered the email first.
		if existing, getErr := r.store.GetIdentityByEmail(ctx, normalized); getErr == nil {
			return existing, nil
		}
		return Identity{}, apperrors.Wrap(apperrors.CodeIdentityStoreUnavailable, "create identity", err)
	}
	return created, nil
}

// Lookup returns the identity for email without creating one.
func (r *Resolver) Lookup(ctx context.Context, email string) (Identity, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return Identity{}, err
	}
	found, err := r.store.GetIdentityByEmail(ctx, normalized)
	if err == nil {
		return found, nil
	}
	if errors.Is(err, ErrNotFound) {
		return Identity{}, err
	}
	return Identity{}, apperrors.Wrap(apperrors.CodeIdentityStoreUnavailable, "get identity by email", err)
}
