package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/authkeeper/internal/models"
)

type CreateUserParams struct {
	Email        string
	PasswordHash string
}

// User repository interface
type UserRepo interface {
	// Create user
	// If user with same email exists already has to return apperrors.ErrUserAlreadyExists
	CreateUser(ctx context.Context, arg CreateUserParams) (models.User, error)

	// Get user by id or email (email match is case-insensitive)
	// If user not found must return apperrors.ErrUserNotFound
	GetUserByID(ctx context.Context, id uuid.UUID) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)

	// Replace stored password hash
	UpdatePassword(ctx context.Context, userID uuid.UUID, passwordHash string) error
}

// RefreshToken repository interface
type RefreshTokenRepo interface {
	// Create token in repository and return it as stored
	Save(ctx context.Context, token models.RefreshToken) (models.RefreshToken, error)

	// Return the token by its secret hash even if it is used, revoked or expired
	// If no token matches must return apperrors.ErrRefreshTokenNotFound
	GetByHash(ctx context.Context, tokenHash string) (models.RefreshToken, error)

	// Mark token as used and link its successor
	// Must not overwrite 'used_at' of an already used token: in that case it
	// has to return the token as is with apperrors.ErrRefreshTokenIsUsed.
	// Must not touch revoked tokens (apperrors.ErrRefreshTokenRevoked)
	MarkUsed(ctx context.Context, tokenHash string, replacedBy uuid.UUID) (models.RefreshToken, error)

	// Revoke single token by its secret hash
	// Idempotent: revoking an already revoked token keeps the first reason and returns no error
	RevokeByHash(ctx context.Context, tokenHash string, reason models.RevokeReason) error

	// Revoke every non-revoked token of the family, returns how many rows were touched
	// Idempotent the same way as RevokeByHash
	RevokeFamily(ctx context.Context, familyID uuid.UUID, reason models.RevokeReason) (int64, error)

	// Same as RevokeFamily but scoped to the owner, so one user can not
	// revoke another user's session by guessing family ids
	RevokeUserFamily(ctx context.Context, userID uuid.UUID, familyID uuid.UUID, reason models.RevokeReason) (int64, error)

	// Revoke every non-revoked token the user owns
	RevokeAllForUser(ctx context.Context, userID uuid.UUID, reason models.RevokeReason) (int64, error)

	// List tokens of the user that are active at the given moment
	ListActiveByUser(ctx context.Context, userID uuid.UUID, now time.Time) ([]models.RefreshToken, error)
}

// Storage combines repositories sharing one underlying connection
type Storage interface {
	User() UserRepo
	Refresh() RefreshTokenRepo

	// Run fn within db transaction
	// Rotation relies on it: mark-old-used and insert-successor must commit as one unit
	InTx(ctx context.Context, fn func(Storage) error) error
}
