// Package storage defines the persistence contracts for the auth core.
package storage

import (
	"context"
	"time"

	apperrors "github.com/avelyne/keyfold.id/internal/platform/errors"
	"github.com/avelyne/keyfold.id/internal/services/auth/identity"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrDuplicateCredential indicates a credential ID already registered to some
// identity anywhere in the system.
var ErrDuplicateCredential = apperrors.New(apperrors.CodeDuplicateCredential, "credential id already registered")

// ErrEmailTaken indicates an identity insert lost a race on the email key.
var ErrEmailTaken = apperrors.New(apperrors.CodeIdentityStoreUnavailable, "email already resolved to an identity")

// ErrChallengeUsed indicates a challenge was already consumed by a verify call.
var ErrChallengeUsed = apperrors.New(apperrors.CodeChallengeUsed, "challenge already used")

// ErrCounterRegressed indicates a counter write that would not increase the
// stored value; the stored counter is left untouched.
var ErrCounterRegressed = apperrors.New(apperrors.CodeCounterRegression, "credential counter would not increase")

// Credential is a stored public-key record bound to one identity.
//
// Counter is the only field mutated after creation, and only upward.
type Credential struct {
	CredentialID    string // base64url-encoded credential ID
	IdentityID      string
	PublicKey       []byte // COSE-encoded verification key
	AttestationType string
	AAGUID          []byte
	Counter         uint32
	Transports      []string
	Flags           CredentialFlags
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastUsedAt      *time.Time
}

// CredentialFlags captures the authenticator-data flags recorded at
// registration; assertion verification checks them for consistency.
type CredentialFlags struct {
	UserPresent    bool
	UserVerified   bool
	BackupEligible bool
	BackupState    bool
}

// IdentityStore persists user identities keyed by email.
//
// CreateIdentity must enforce email uniqueness so concurrent first-time
// resolutions converge on one identity; the loser receives ErrEmailTaken.
// Credential writes never touch the identity's preference data.
type IdentityStore interface {
	CreateIdentity(ctx context.Context, ident identity.Identity) error
	GetIdentity(ctx context.Context, identityID string) (identity.Identity, error)
	GetIdentityByEmail(ctx context.Context, email string) (identity.Identity, error)
	MergePreferences(ctx context.Context, identityID string, partial map[string]string) error
}

// CredentialStore persists public-key records with system-wide credential ID
// uniqueness.
type CredentialStore interface {
	// PutCredential inserts a new credential; ErrDuplicateCredential when the
	// credential ID exists for any identity.
	PutCredential(ctx context.Context, credential Credential) error
	GetCredential(ctx context.Context, credentialID string) (Credential, error)
	ListCredentialsByIdentity(ctx context.Context, identityID string) ([]Credential, error)
	// UpdateCredentialCounter persists a strictly larger counter value.
	// Zero on a stored zero is accepted for authenticators without counter
	// support and only refreshes last use.
	UpdateCredentialCounter(ctx context.Context, credentialID string, counter uint32, usedAt time.Time) error
}

// ChallengeStore records consumed challenges so a verified response cannot be
// replayed within its token's validity window.
type ChallengeStore interface {
	// BurnChallenge marks digest as consumed until expiresAt; ErrChallengeUsed
	// when the digest was already burned.
	BurnChallenge(ctx context.Context, digest string, expiresAt time.Time) error
	DeleteExpiredChallenges(ctx context.Context, now time.Time) error
}

// Store is the full persistence surface the auth service wires at startup.
type Store interface {
	IdentityStore
	CredentialStore
	ChallengeStore
}
