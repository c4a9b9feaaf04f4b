package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/avelyne/keyfold.id/internal/services/auth/identity"
	"github.com/avelyne/keyfold.id/internal/services/auth/storage"
)

func (s *Store) CreateIdentity(ctx context.Context, ident identity.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(ident.ID) == "" {
		return fmt.Errorf("identity id is required")
	}
	if strings.TrimSpace(ident.Email) == "" {
		return fmt.Errorf("email is required")
	}

	preferences, err := encodePreferences(ident.Preferences)
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO identities (id, email, preferences, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)`,
		ident.ID, ident.Email, preferences, toMillis(ident.CreatedAt), toMillis(ident.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrEmailTaken
		}
		return fmt.Errorf("create identity: %w", err)
	}
	return nil
}

// GetIdentity fetches an identity record by ID.
func (s *Store) GetIdentity(ctx context.Context, identityID string) (identity.Identity, error) {
	if err := ctx.Err(); err != nil {
		return identity.Identity{}, err
	}
	if s == nil || s.sqlDB == nil {
		return identity.Identity{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(identityID) == "" {
		return identity.Identity{}, fmt.Errorf("identity id is required")
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, email, preferences, created_at, updated_at
FROM identities WHERE id = ?`, identityID)
	return scanIdentity(row)
}

// GetIdentityByEmail fetches an identity record by its email lookup key.
func (s *Store) GetIdentityByEmail(ctx context.Context, email string) (identity.Identity, error) {
	if err := ctx.Err(); err != nil {
		return identity.Identity{}, err
	}
	if s == nil || s.sqlDB == nil {
		return identity.Identity{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(email) == "" {
		return identity.Identity{}, fmt.Errorf("email is required")
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, email, preferences, created_at, updated_at
FROM identities WHERE email = ?`, email)
	return scanIdentity(row)
}

// MergePreferences overlays partial onto the stored preference blob inside a
// transaction, so concurrent merges cannot lose each other's keys.
func (s *Store) MergePreferences(ctx context.Context, identityID string, partial map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(identityID) == "" {
		return fmt.Errorf("identity id is required")
	}
	if len(partial) == 0 {
		return nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var encoded string
	row := tx.QueryRowContext(ctx, `SELECT preferences FROM identities WHERE id = ?`, identityID)
	if err := row.Scan(&encoded); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("read preferences: %w", err)
	}
	preferences, err := decodePreferences(encoded)
	if err != nil {
		return err
	}
	if preferences == nil {
		preferences = make(map[string]string, len(partial))
	}
	for key, value := range partial {
		preferences[key] = value
	}
	merged, err := encodePreferences(preferences)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE identities SET preferences = ? WHERE id = ?`, merged, identityID); err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit preferences: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (identity.Identity, error) {
	var (
		ident       identity.Identity
		preferences string
		createdAt   int64
		updatedAt   int64
	)
	if err := row.Scan(&ident.ID, &ident.Email, &preferences, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.Identity{}, storage.ErrNotFound
		}
		return identity.Identity{}, fmt.Errorf("scan identity: %w", err)
	}
	decoded, err := decodePreferences(preferences)
	if err != nil {
		return identity.Identity{}, err
	}
	ident.Preferences = decoded
	ident.CreatedAt = fromMillis(createdAt)
	ident.UpdatedAt = fromMillis(updatedAt)
	return ident, nil
}

func encodePreferences(preferences map[string]string) (string, error) {
	if len(preferences) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(preferences)
	if err != nil {
		return "", fmt.Errorf("encode preferences: %w", err)
	}
	return string(encoded), nil
}

func decodePreferences(encoded string) (map[string]string, error) {
	if strings.TrimSpace(encoded) == "" || encoded == "{}" {
		return nil, nil
	}
	var preferences map[string]string
	if err := json.Unmarshal([]byte(encoded), &preferences); err != nil {
		return nil, fmt.Errorf("decode preferences: %w", err)
	}
	return preferences, nil
}
