// Package memory implements auth persistence in process memory.
//
// It backs tests and local development; the guarantees match the SQLite
// store: unique emails, system-wide credential IDs, merge-only preference
// writes, and single-use challenge burns.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/avelyne/keyfold.id/internal/services/auth/identity"
	"github.com/avelyne/keyfold.id/internal/services/auth/storage"
)

// Store keeps all auth records behind one mutex.
type Store struct {
	mu          sync.Mutex
	identities  map[string]identity.Identity // keyed by identity ID
	emails      map[string]string            // email -> identity ID
	credentials map[string]storage.Credential
	challenges  map[string]time.Time // digest -> expiry
	clock       func() time.Time
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		identities:  make(map[string]identity.Identity),
		emails:      make(map[string]string),
		credentials: make(map[string]storage.Credential),
		challenges:  make(map[string]time.Time),
		clock:       time.Now,
	}
}

// WithClock overrides the time source used for burn-record eviction.
// Intended for tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

func (s *Store) CreateIdentity(ctx context.Context, ident identity.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.emails[ident.Email]; taken {
		return storage.ErrEmailTaken
	}
	s.identities[ident.ID] = cloneIdentity(ident)
	s.emails[ident.Email] = ident.ID
	return nil
}

func (s *Store) GetIdentity(ctx context.Context, identityID string) (identity.Identity, error) {
	if err := ctx.Err(); err != nil {
		return identity.Identity{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	found, ok := s.identities[identityID]
	if !ok {
		return identity.Identity{}, storage.ErrNotFound
	}
	return cloneIdentity(found), nil
}

func (s *Store) GetIdentityByEmail(ctx context.Context, email string) (identity.Identity, error) {
	if err := ctx.Err(); err != nil {
		return identity.Identity{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	identityID, ok := s.emails[email]
	if !ok {
		return identity.Identity{}, storage.ErrNotFound
	}
	return cloneIdentity(s.identities[identityID]), nil
}

// MergePreferences overlays partial onto the stored preference map. Existing
// keys not named in partial survive; credential writes never reach here.
func (s *Store) MergePreferences(ctx context.Context, identityID string, partial map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	found, ok := s.identities[identityID]
	if !ok {
		return storage.ErrNotFound
	}
	if found.Preferences == nil {
		found.Preferences = make(map[string]string, len(partial))
	}
	for key, value := range partial {
		found.Preferences[key] = value
	}
	s.identities[identityID] = found
	return nil
}

func (s *Store) PutCredential(ctx context.Context, credential storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.credentials[credential.CredentialID]; exists {
		return storage.ErrDuplicateCredential
	}
	s.credentials[credential.CredentialID] = cloneCredential(credential)
	return nil
}

func (s *Store) GetCredential(ctx context.Context, credentialID string) (storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return storage.Credential{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	found, ok := s.credentials[credentialID]
	if !ok {
		return storage.Credential{}, storage.ErrNotFound
	}
	return cloneCredential(found), nil
}

func (s *Store) ListCredentialsByIdentity(ctx context.Context, identityID string) ([]storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var credentials []storage.Credential
	for _, credential := range s.credentials {
		if credential.IdentityID == identityID {
			credentials = append(credentials, cloneCredential(credential))
		}
	}
	sort.Slice(credentials, func(i, j int) bool {
		return credentials[i].CredentialID < credentials[j].CredentialID
	})
	return credentials, nil
}

func (s *Store) UpdateCredentialCounter(ctx context.Context, credentialID string, counter uint32, usedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	found, ok := s.credentials[credentialID]
	if !ok {
		return storage.ErrNotFound
	}
	// A zero-to-zero write comes from an authenticator without counter
	// support and only refreshes last use.
	if counter <= found.Counter && !(counter == 0 && found.Counter == 0) {
		return storage.ErrCounterRegressed
	}
	found.Counter = counter
	found.UpdatedAt = usedAt
	used := usedAt
	found.LastUsedAt = &used
	s.credentials[credentialID] = found
	return nil
}

func (s *Store) BurnChallenge(ctx context.Context, digest string, expiresAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock().UTC()
	for key, expiry := range s.challenges {
		if expiry.Before(now) {
			delete(s.challenges, key)
		}
	}
	if _, burned := s.challenges[digest]; burned {
		return storage.ErrChallengeUsed
	}
	s.challenges[digest] = expiresAt
	return nil
}

func (s *Store) DeleteExpiredChallenges(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, expiry := range s.challenges {
		if expiry.Before(now) {
			delete(s.challenges, key)
		}
	}
	return nil
}

func cloneIdentity(ident identity.Identity) identity.Identity {
	out := ident
	if ident.Preferences != nil {
		out.Preferences = make(map[string]string, len(ident.Preferences))
		for key, value := range ident.Preferences {
			out.Preferences[key] = value
		}
	}
	return out
}

func cloneCredential(credential storage.Credential) storage.Credential {
	out := credential
	out.PublicKey = append([]byte(nil), credential.PublicKey...)
	out.AAGUID = append([]byte(nil), credential.AAGUID...)
	out.Transports = append([]string(nil), credential.Transports...)
	if credential.LastUsedAt != nil {
		used := *credential.LastUsedAt
		out.LastUsedAt = &used
	}
	return out
}
