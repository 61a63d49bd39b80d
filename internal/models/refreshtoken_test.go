package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func mustParseTime(value string) time.Time {
	dt, err := time.Parse("2006-01-02 15:04:05Z07:00", value)
	if err != nil {
		panic(err)
	}
	return dt
}

func Test_RefreshTokenState(t *testing.T) {
	t.Parallel()

	now := mustParseTime("2024-06-01 12:00:00Z")
	past := mustParseTime("2024-05-01 12:00:00Z")
	future := mustParseTime("2200-01-01 12:00:00Z")

	freshToken := func() RefreshToken {
		return RefreshToken{
			ID:                uuid.New(),
			UserID:            uuid.New(),
			FamilyID:          uuid.New(),
			TokenHash:         "hash",
			CreatedAt:         past,
			ExpiresAt:         future,
			AbsoluteExpiresAt: future,
		}
	}

	tests := []struct {
		name     string
		mutate   func(t *RefreshToken)
		expected TokenState
	}{
		{
			name:     "untouched token is active",
			mutate:   func(t *RefreshToken) {},
			expected: TokenStateActive,
		},
		{
			name:     "used token is used",
			mutate:   func(t *RefreshToken) { t.UsedAt = &past },
			expected: TokenStateUsed,
		},
		{
			name:     "revoked token is revoked",
			mutate:   func(t *RefreshToken) { t.RevokedAt = &past },
			expected: TokenStateRevoked,
		},
		{
			name:     "token past expires_at is expired",
			mutate:   func(t *RefreshToken) { t.ExpiresAt = past },
			expected: TokenStateExpired,
		},
		{
			name:     "token past absolute ceiling is expired even with sliding window left",
			mutate:   func(t *RefreshToken) { t.AbsoluteExpiresAt = past },
			expected: TokenStateExpired,
		},
		{
			name:     "token expiring exactly now is expired",
			mutate:   func(t *RefreshToken) { t.ExpiresAt = now },
			expected: TokenStateExpired,
		},
		{
			name: "used wins over expired",
			mutate: func(t *RefreshToken) {
				t.UsedAt = &past
				t.ExpiresAt = past
			},
			expected: TokenStateUsed,
		},
		{
			name: "revoked wins over used and expired",
			mutate: func(t *RefreshToken) {
				t.RevokedAt = &past
				t.RevokedReason = RevokeReasonTokenReuse
				t.UsedAt = &past
				t.ExpiresAt = past
			},
			expected: TokenStateRevoked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := freshToken()
			tt.mutate(&token)

			got := token.State(now)

			require.Equal(t, tt.expected, got)
			require.Equal(t, tt.expected == TokenStateActive, token.IsActive(now), "IsActive must agree with State")

			// Exactly one state should hold, never zero or several
			states := []TokenState{TokenStateActive, TokenStateUsed, TokenStateRevoked, TokenStateExpired}
			matched := 0
			for _, s := range states {
				if token.State(now) == s {
					matched++
				}
			}
			require.Equal(t, 1, matched, "exactly one state must hold at any instant")
		})
	}
}
