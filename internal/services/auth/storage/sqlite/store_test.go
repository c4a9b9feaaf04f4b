package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/avelyne/keyfold.id/internal/services/auth/identity"
	"github.com/avelyne/keyfold.id/internal/services/auth/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func putTestIdentity(t *testing.T, store *Store, id, email string) {
	t.Helper()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	err := store.CreateIdentity(context.Background(), identity.Identity{
		ID:        id,
		Email:     email,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	putTestIdentity(t, store, "id-1", "a@example.com")

	byID, err := store.GetIdentity(ctx, "id-1")
	if err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if byID.Email != "a@example.com" {
		t.Fatalf("email = %q, want %q", byID.Email, "a@example.com")
	}

	byEmail, err := store.GetIdentityByEmail(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("get identity by email: %v", err)
	}
	if byEmail.ID != "id-1" {
		t.Fatalf("id = %q, want %q", byEmail.ID, "id-1")
	}

	if _, err := store.GetIdentityByEmail(ctx, "ghost@example.com"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateIdentityUniqueEmail(t *testing.T) {
	store := openTestStore(t)
	putTestIdentity(t, store, "id-1", "a@example.com")

	err := store.CreateIdentity(context.Background(), identity.Identity{ID: "id-2", Email: "a@example.com"})
	if !errors.Is(err, storage.ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestMergePreferencesPreservesUnrelatedKeys(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	putTestIdentity(t, store, "id-1", "a@example.com")

	if err := store.MergePreferences(ctx, "id-1", map[string]string{"theme": "dark", "locale": "en-US"}); err != nil {
		t.Fatalf("merge preferences: %v", err)
	}
	if err := store.MergePreferences(ctx, "id-1", map[string]string{"locale": "pt-BR"}); err != nil {
		t.Fatalf("merge preferences: %v", err)
	}

	found, err := store.GetIdentity(ctx, "id-1")
	if err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if found.Preferences["theme"] != "dark" || found.Preferences["locale"] != "pt-BR" {
		t.Fatalf("unexpected preferences: %v", found.Preferences)
	}

	if err := store.MergePreferences(ctx, "ghost", map[string]string{"k": "v"}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing identity, got %v", err)
	}
}

func testCredential(id, identityID string, counter uint32) storage.Credential {
	now := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	return storage.Credential{
		CredentialID:    id,
		IdentityID:      identityID,
		PublicKey:       []byte{0xa5, 0x01, 0x02},
		AttestationType: "none",
		Counter:         counter,
		Transports:      []string{"internal", "hybrid"},
		Flags:           storage.CredentialFlags{UserPresent: true, BackupEligible: true},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	putTestIdentity(t, store, "id-1", "a@example.com")

	if err := store.PutCredential(ctx, testCredential("cred-1", "id-1", 3)); err != nil {
		t.Fatalf("put credential: %v", err)
	}

	stored, err := store.GetCredential(ctx, "cred-1")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if stored.IdentityID != "id-1" {
		t.Fatalf("identity id = %q, want %q", stored.IdentityID, "id-1")
	}
	if stored.Counter != 3 {
		t.Fatalf("counter = %d, want 3", stored.Counter)
	}
	if len(stored.Transports) != 2 || stored.Transports[0] != "internal" {
		t.Fatalf("transports = %v", stored.Transports)
	}
	if !stored.Flags.UserPresent || !stored.Flags.BackupEligible {
		t.Fatalf("flags = %+v", stored.Flags)
	}
	if stored.LastUsedAt != nil {
		t.Fatalf("expected nil last used at registration, got %v", stored.LastUsedAt)
	}
}

func TestPutCredentialGlobalUniqueness(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	putTestIdentity(t, store, "id-1", "a@example.com")
	putTestIdentity(t, store, "id-2", "b@example.com")

	if err := store.PutCredential(ctx, testCredential("cred-1", "id-1", 0)); err != nil {
		t.Fatalf("put credential: %v", err)
	}
	err := store.PutCredential(ctx, testCredential("cred-1", "id-2", 0))
	if !errors.Is(err, storage.ErrDuplicateCredential) {
		t.Fatalf("expected ErrDuplicateCredential, got %v", err)
	}

	stored, err := store.GetCredential(ctx, "cred-1")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if stored.IdentityID != "id-1" {
		t.Fatal("duplicate insert mutated the stored record")
	}
}

func TestUpdateCredentialCounterMonotonic(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	putTestIdentity(t, store, "id-1", "a@example.com")
	if err := store.PutCredential(ctx, testCredential("cred-1", "id-1", 5)); err != nil {
		t.Fatalf("put credential: %v", err)
	}

	usedAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := store.UpdateCredentialCounter(ctx, "cred-1", 8, usedAt); err != nil {
		t.Fatalf("update counter: %v", err)
	}
	stored, err := store.GetCredential(ctx, "cred-1")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if stored.Counter != 8 {
		t.Fatalf("counter = %d, want 8", stored.Counter)
	}
	if stored.LastUsedAt == nil || !stored.LastUsedAt.Equal(usedAt) {
		t.Fatalf("last used at = %v, want %v", stored.LastUsedAt, usedAt)
	}

	if err := store.UpdateCredentialCounter(ctx, "cred-1", 8, usedAt); !errors.Is(err, storage.ErrCounterRegressed) {
		t.Fatalf("expected ErrCounterRegressed for equal counter, got %v", err)
	}
	if err := store.UpdateCredentialCounter(ctx, "cred-1", 2, usedAt); !errors.Is(err, storage.ErrCounterRegressed) {
		t.Fatalf("expected ErrCounterRegressed for smaller counter, got %v", err)
	}
	if err := store.UpdateCredentialCounter(ctx, "ghost", 10, usedAt); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing credential, got %v", err)
	}

	stored, _ = store.GetCredential(ctx, "cred-1")
	if stored.Counter != 8 {
		t.Fatalf("regressed write mutated counter to %d", stored.Counter)
	}
}

func TestUpdateCredentialCounterZeroToZero(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	putTestIdentity(t, store, "id-1", "a@example.com")
	if err := store.PutCredential(ctx, testCredential("cred-1", "id-1", 0)); err != nil {
		t.Fatalf("put credential: %v", err)
	}

	usedAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := store.UpdateCredentialCounter(ctx, "cred-1", 0, usedAt); err != nil {
		t.Fatalf("zero counter on zero stored should pass: %v", err)
	}
	stored, err := store.GetCredential(ctx, "cred-1")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if stored.Counter != 0 {
		t.Fatalf("counter = %d, want 0", stored.Counter)
	}
	if stored.LastUsedAt == nil || !stored.LastUsedAt.Equal(usedAt) {
		t.Fatalf("last used at = %v, want %v", stored.LastUsedAt, usedAt)
	}
}

func TestListCredentialsByIdentity(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	putTestIdentity(t, store, "id-1", "a@example.com")
	putTestIdentity(t, store, "id-2", "b@example.com")

	for _, credential := range []storage.Credential{
		testCredential("cred-1", "id-1", 0),
		testCredential("cred-2", "id-1", 0),
		testCredential("cred-3", "id-2", 0),
	} {
		if err := store.PutCredential(ctx, credential); err != nil {
			t.Fatalf("put credential: %v", err)
		}
	}

	credentials, err := store.ListCredentialsByIdentity(ctx, "id-1")
	if err != nil {
		t.Fatalf("list credentials: %v", err)
	}
	if len(credentials) != 2 {
		t.Fatalf("listed %d credentials, want 2", len(credentials))
	}
}

func TestBurnChallengeSingleUse(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	expiry := time.Now().Add(2 * time.Minute)

	if err := store.BurnChallenge(ctx, "digest-1", expiry); err != nil {
		t.Fatalf("burn challenge: %v", err)
	}
	if err := store.BurnChallenge(ctx, "digest-1", expiry); !errors.Is(err, storage.ErrChallengeUsed) {
		t.Fatalf("expected ErrChallengeUsed, got %v", err)
	}
}

func TestBurnChallengeEvictsExpired(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.BurnChallenge(ctx, "digest-1", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("burn challenge: %v", err)
	}
	if err := store.BurnChallenge(ctx, "digest-1", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("expected stale record to be evicted, got %v", err)
	}
}

func TestBurnChallengeEvictionFollowsInjectedClock(t *testing.T) {
	// A pinned clock far in the wall-clock past must still see its own burn
	// records as live; eviction may not consult the real time.
	now := time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)
	store := openTestStore(t).WithClock(func() time.Time { return now })
	ctx := context.Background()

	if err := store.BurnChallenge(ctx, "digest-1", now.Add(2*time.Minute)); err != nil {
		t.Fatalf("burn challenge: %v", err)
	}
	if err := store.BurnChallenge(ctx, "digest-1", now.Add(2*time.Minute)); !errors.Is(err, storage.ErrChallengeUsed) {
		t.Fatalf("expected ErrChallengeUsed on replay, got %v", err)
	}

	now = now.Add(3 * time.Minute)
	if err := store.BurnChallenge(ctx, "digest-1", now.Add(2*time.Minute)); err != nil {
		t.Fatalf("record should age out once the injected clock passes expiry: %v", err)
	}
}

func TestDeleteExpiredChallenges(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.BurnChallenge(ctx, "old", now.Add(-time.Minute)); err != nil {
		t.Fatalf("burn challenge: %v", err)
	}
	if err := store.BurnChallenge(ctx, "fresh", now.Add(time.Minute)); err != nil {
		t.Fatalf("burn challenge: %v", err)
	}
	if err := store.DeleteExpiredChallenges(ctx, now); err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if err := store.BurnChallenge(ctx, "fresh", now.Add(time.Minute)); !errors.Is(err, storage.ErrChallengeUsed) {
		t.Fatalf("fresh digest should remain burned, got %v", err)
	}
}
