package apperrors

import (
	"errors"
)

var (
	ErrUserAlreadyExists = errors.New("user already exists")
	ErrUserNotFound      = errors.New("user not found")

	// Login with unknown email and login with wrong password are the same
	// error on purpose: responses must not allow user enumeration
	ErrInvalidCredentials = errors.New("invalid credentials")

	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrRefreshTokenIsUsed   = errors.New("refresh token is used")
	ErrRefreshTokenExpired  = errors.New("refresh token is expired")
	ErrRefreshTokenRevoked  = errors.New("refresh token is revoked")

	// Presented token exists but belongs to another user
	ErrTokenOwnerMismatch = errors.New("refresh token owner mismatch")

	ErrSessionNotFound = errors.New("session not found")
)
