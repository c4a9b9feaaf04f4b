package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avelyne/keyfold.id/internal/services/auth/storage"
)

const credentialColumns = `credential_id, identity_id, public_key, attestation_type, aaguid,
counter, transports, flags, created_at, updated_at, last_used_at`

func (s *Store) PutCredential(ctx context.Context, credential storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credential.CredentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(credential.IdentityID) == "" {
		return fmt.Errorf("identity id is required")
	}
	if len(credential.PublicKey) == 0 {
		return fmt.Errorf("public key is required")
	}

	transports, err := json.Marshal(credential.Transports)
	if err != nil {
		return fmt.Errorf("encode transports: %w", err)
	}
	flags, err := json.Marshal(credential.Flags)
	if err != nil {
		return fmt.Errorf("encode flags: %w", err)
	}
	lastUsed := sql.NullInt64{}
	if credential.LastUsedAt != nil {
		lastUsed = sql.NullInt64{Int64: toMillis(*credential.LastUsedAt), Valid: true}
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO credentials (`+credentialColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		credential.CredentialID,
		credential.IdentityID,
		credential.PublicKey,
		credential.AttestationType,
		credential.AAGUID,
		int64(credential.Counter),
		string(transports),
		string(flags),
		toMillis(credential.CreatedAt),
		toMillis(credential.UpdatedAt),
		lastUsed,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateCredential
		}
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

// GetCredential fetches a stored public-key record by credential ID.
func (s *Store) GetCredential(ctx context.Context, credentialID string) (storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return storage.Credential{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Credential{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return storage.Credential{}, fmt.Errorf("credential id is required")
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+credentialColumns+` FROM credentials WHERE credential_id = ?`, credentialID)
	return scanCredential(row)
}

// ListCredentialsByIdentity returns the identity's credentials in creation order.
func (s *Store) ListCredentialsByIdentity(ctx context.Context, identityID string) ([]storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(identityID) == "" {
		return nil, fmt.Errorf("identity id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+credentialColumns+` FROM credentials
WHERE identity_id = ? ORDER BY created_at, credential_id`, identityID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var credentials []storage.Credential
	for rows.Next() {
		credential, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		credentials = append(credentials, credential)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return credentials, nil
}

// UpdateCredentialCounter persists a strictly larger counter value; the
// stored counter never decreases. Authenticators without counter support
// report zero forever, so a zero-to-zero write only refreshes last_used_at.
func (s *Store) UpdateCredentialCounter(ctx context.Context, credentialID string, counter uint32, usedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE credentials SET counter = ?, updated_at = ?, last_used_at = ?
WHERE credential_id = ? AND (counter < ? OR (counter = 0 AND ? = 0))`,
		int64(counter), toMillis(usedAt), toMillis(usedAt), credentialID, int64(counter), int64(counter),
	)
	if err != nil {
		return fmt.Errorf("update counter: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update counter: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetCredential(ctx, credentialID); err != nil {
			return err
		}
		return storage.ErrCounterRegressed
	}
	return nil
}

func scanCredential(row rowScanner) (storage.Credential, error) {
	var (
		credential storage.Credential
		counter    int64
		transports string
		flags      string
		createdAt  int64
		updatedAt  int64
		lastUsed   sql.NullInt64
	)
	err := row.Scan(
		&credential.CredentialID,
		&credential.IdentityID,
		&credential.PublicKey,
		&credential.AttestationType,
		&credential.AAGUID,
		&counter,
		&transports,
		&flags,
		&createdAt,
		&updatedAt,
		&lastUsed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Credential{}, storage.ErrNotFound
		}
		return storage.Credential{}, fmt.Errorf("scan credential: %w", err)
	}
	credential.Counter = uint32(counter)
	if transports != "" && transports != "null" {
		if err := json.Unmarshal([]byte(transports), &credential.Transports); err != nil {
			return storage.Credential{}, fmt.Errorf("decode transports: %w", err)
		}
	}
	if flags != "" {
		if err := json.Unmarshal([]byte(flags), &credential.Flags); err != nil {
			return storage.Credential{}, fmt.Errorf("decode flags: %w", err)
		}
	}
	credential.CreatedAt = fromMillis(createdAt)
	credential.UpdatedAt = fromMillis(updatedAt)
	if lastUsed.Valid {
		used := fromMillis(lastUsed.Int64)
		credential.LastUsedAt = &used
	}
	return credential, nil
}
