package models

import (
	"time"

	"github.com/google/uuid"
)

// Why the token became non-active
// Stored as plain string in 'revoked_reason' column
type RevokeReason string

const (
	RevokeReasonUserLogout         RevokeReason = "user_logout"
	RevokeReasonTokenReuse         RevokeReason = "token_reuse"
	RevokeReasonExpired            RevokeReason = "expired"
	RevokeReasonManualRevocation   RevokeReason = "manual_revocation"
	RevokeReasonCompromiseDetected RevokeReason = "compromise_detected"
	RevokeReasonDeviceRemoved      RevokeReason = "device_removed"
	RevokeReasonPasswordChanged    RevokeReason = "password_changed"
)

func (r RevokeReason) String() string {
	return string(r)
}

// Derived token state, never stored
type TokenState string

const (
	TokenStateActive  TokenState = "active"
	TokenStateUsed    TokenState = "used"
	TokenStateRevoked TokenState = "revoked"
	TokenStateExpired TokenState = "expired"
)

type RefreshToken struct {
	ID     uuid.UUID
	UserID uuid.UUID

	// All tokens descended from one login share the family
	// Rotation keeps it, revocation may target the whole family at once
	FamilyID uuid.UUID

	// sha256 hex digest of the opaque secret given to the client
	// The raw secret itself is never persisted
	TokenHash string

	CreatedAt time.Time
	ExpiresAt time.Time

	// Hard ceiling for the whole family, rotation never extends it
	AbsoluteExpiresAt time.Time

	RevokedAt     *time.Time   // nil if token not revoked
	RevokedReason RevokeReason // empty if token not revoked

	UsedAt *time.Time // nil if token not rotated yet

	// Successor token id, set on rotation together with UsedAt
	// Kept so the rotation lineage is reconstructable
	ReplacedBy *uuid.UUID

	// Opaque client supplied label (user agent)
	DeviceInfo string

	RememberMe bool
}

// State derives the token state from stored fields at the given moment.
// Precedence: revoked > used > expired > active, so exactly one state holds.
// A used token that also expired still reports Used: replaying it must trip
// reuse detection, not fall through to a harmless expiry error.
func (t *RefreshToken) State(now time.Time) TokenState {
	switch {
	case t.RevokedAt != nil:
		return TokenStateRevoked
	case t.UsedAt != nil:
		return TokenStateUsed
	case !now.Before(t.ExpiresAt) || !now.Before(t.AbsoluteExpiresAt):
		return TokenStateExpired
	default:
		return TokenStateActive
	}
}

// IsActive reports if the token may be redeemed at the given moment
func (t *RefreshToken) IsActive(now time.Time) bool {
	return t.State(now) == TokenStateActive
}
