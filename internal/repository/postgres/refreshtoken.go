package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nkiryanov/authkeeper/internal/apperrors"
	"github.com/nkiryanov/authkeeper/internal/models"
)

type RefreshTokenRepo struct {
	DB DBTX
}

const tokenColumns = `id, user_id, family_id, token_hash, created_at, expires_at, absolute_expires_at, revoked_at, revoked_reason, used_at, replaced_by, device_info, remember_me`

const saveToken = `-- name: SaveRefreshToken
INSERT INTO refresh_tokens (` + tokenColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING ` + tokenColumns

func (r *RefreshTokenRepo) Save(ctx context.Context, token models.RefreshToken) (models.RefreshToken, error) {
	var reason *string
	if token.RevokedReason != "" {
		s := token.RevokedReason.String()
		reason = &s
	}

	rows, _ := r.DB.Query(ctx, saveToken,
		token.ID, token.UserID, token.FamilyID, token.TokenHash,
		token.CreatedAt, token.ExpiresAt, token.AbsoluteExpiresAt,
		token.RevokedAt, reason, token.UsedAt, token.ReplacedBy,
		token.DeviceInfo, token.RememberMe,
	)
	saved, err := pgx.CollectOneRow(rows, rowToToken)
	if err != nil {
		return saved, fmt.Errorf("db error: %w", err)
	}

	return saved, nil
}

const getTokenByHash = `-- name: GetTokenByHash
SELECT ` + tokenColumns + `
FROM refresh_tokens
WHERE token_hash = $1
`

// Get token by secret hash
// It should return result even if token is used, revoked or expired
func (r *RefreshTokenRepo) GetByHash(ctx context.Context, tokenHash string) (models.RefreshToken, error) {
	rows, _ := r.DB.Query(ctx, getTokenByHash, tokenHash)
	token, err := pgx.CollectOneRow(rows, rowToToken)

	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, pgx.ErrNoRows):
		return token, fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenNotFound)
	default:
		return token, fmt.Errorf("db error: %w", err)
	}
}

const markTokenUsed = `-- name: MarkTokenUsed if it not used yet
UPDATE refresh_tokens
SET used_at = COALESCE(used_at, $2),
    replaced_by = COALESCE(replaced_by, $3)
WHERE token_hash = $1 AND revoked_at IS NULL
RETURNING ` + tokenColumns

// Mark token as used and link its successor id
// Must not rewrite 'used_at' of already used token: the single UPDATE with
// COALESCE is the optimistic guard, concurrent rotations lose deterministically
func (r *RefreshTokenRepo) MarkUsed(ctx context.Context, tokenHash string, replacedBy uuid.UUID) (models.RefreshToken, error) {
	now := time.Now().Truncate(time.Microsecond) // postgres keeps microseconds only

	rows, _ := r.DB.Query(ctx, markTokenUsed, tokenHash, now, replacedBy)
	token, err := pgx.CollectOneRow(rows, rowToToken)

	switch {
	case err == nil && token.UsedAt != nil && token.UsedAt.Equal(now):
		return token, nil
	case err == nil: // used_at kept an older value == someone used the token before us
		return token, fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenIsUsed)
	case errors.Is(err, pgx.ErrNoRows):
		// Row is either missing or already revoked, look it up to tell apart
		existing, getErr := r.GetByHash(ctx, tokenHash)
		if getErr == nil && existing.RevokedAt != nil {
			return existing, fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenRevoked)
		}
		return token, fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenNotFound)
	default:
		return token, fmt.Errorf("db error: %w", err)
	}
}

const revokeByHash = `-- name: RevokeTokenByHash
UPDATE refresh_tokens
SET revoked_at = $2, revoked_reason = $3
WHERE token_hash = $1 AND revoked_at IS NULL
`

// Revoke single token
// Idempotent: second revoke (or unknown hash) changes nothing and is not an error
func (r *RefreshTokenRepo) RevokeByHash(ctx context.Context, tokenHash string, reason models.RevokeReason) error {
	_, err := r.DB.Exec(ctx, revokeByHash, tokenHash, time.Now(), reason.String())
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	return nil
}

const revokeFamily = `-- name: RevokeFamily
UPDATE refresh_tokens
SET revoked_at = $2, revoked_reason = $3
WHERE family_id = $1 AND revoked_at IS NULL
`

// Revoke every non-revoked token of the family in one batch UPDATE
// Already revoked rows keep their original reason
func (r *RefreshTokenRepo) RevokeFamily(ctx context.Context, familyID uuid.UUID, reason models.RevokeReason) (int64, error) {
	tag, err := r.DB.Exec(ctx, revokeFamily, familyID, time.Now(), reason.String())
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}

	return tag.RowsAffected(), nil
}

const revokeUserFamily = `-- name: RevokeUserFamily
UPDATE refresh_tokens
SET revoked_at = $3, revoked_reason = $4
WHERE user_id = $1 AND family_id = $2 AND revoked_at IS NULL
`

func (r *RefreshTokenRepo) RevokeUserFamily(ctx context.Context, userID uuid.UUID, familyID uuid.UUID, reason models.RevokeReason) (int64, error) {
	tag, err := r.DB.Exec(ctx, revokeUserFamily, userID, familyID, time.Now(), reason.String())
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}

	return tag.RowsAffected(), nil
}

const revokeAllForUser = `-- name: RevokeAllForUser
UPDATE refresh_tokens
SET revoked_at = $2, revoked_reason = $3
WHERE user_id = $1 AND revoked_at IS NULL
`

func (r *RefreshTokenRepo) RevokeAllForUser(ctx context.Context, userID uuid.UUID, reason models.RevokeReason) (int64, error) {
	tag, err := r.DB.Exec(ctx, revokeAllForUser, userID, time.Now(), reason.String())
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}

	return tag.RowsAffected(), nil
}

const listActiveByUser = `-- name: ListActiveTokensByUser
SELECT ` + tokenColumns + `
FROM refresh_tokens
WHERE user_id = $1
  AND revoked_at IS NULL
  AND used_at IS NULL
  AND expires_at > $2
  AND absolute_expires_at > $2
ORDER BY created_at
`

func (r *RefreshTokenRepo) ListActiveByUser(ctx context.Context, userID uuid.UUID, now time.Time) ([]models.RefreshToken, error) {
	rows, _ := r.DB.Query(ctx, listActiveByUser, userID, now)
	tokens, err := pgx.CollectRows(rows, rowToToken)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return tokens, nil
}

func rowToToken(row pgx.CollectableRow) (models.RefreshToken, error) {
	var t models.RefreshToken
	var reason *string

	err := row.Scan(
		&t.ID, &t.UserID, &t.FamilyID, &t.TokenHash,
		&t.CreatedAt, &t.ExpiresAt, &t.AbsoluteExpiresAt,
		&t.RevokedAt, &reason, &t.UsedAt, &t.ReplacedBy,
		&t.DeviceInfo, &t.RememberMe,
	)
	if reason != nil {
		t.RevokedReason = models.RevokeReason(*reason)
	}

	return t, err
}
