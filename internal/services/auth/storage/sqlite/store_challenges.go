package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/avelyne/keyfold.id/internal/services/auth/storage"
)

// BurnChallenge records a consumed challenge digest until expiresAt. Stale
// records are evicted in the same transaction, so a digest whose token has
// lapsed does not block a later ceremony that happens to reuse it.
func (s *Store) BurnChallenge(ctx context.Context, digest string, expiresAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(digest) == "" {
		return fmt.Errorf("digest is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := toMillis(s.now())
	if _, err := tx.ExecContext(ctx, `DELETE FROM used_challenges WHERE expires_at < ?`, now); err != nil {
		return fmt.Errorf("evict expired challenges: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO used_challenges (digest, expires_at) VALUES (?, ?)`, digest, toMillis(expiresAt)); err != nil {
		if isUniqueViolation(err) {
			return storage.ErrChallengeUsed
		}
		return fmt.Errorf("burn challenge: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit challenge burn: %w", err)
	}
	return nil
}

// DeleteExpiredChallenges removes burn records whose tokens can no longer verify.
func (s *Store) DeleteExpiredChallenges(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM used_challenges WHERE expires_at < ?`, toMillis(now)); err != nil {
		return fmt.Errorf("delete expired challenges: %w", err)
	}
	return nil
}
