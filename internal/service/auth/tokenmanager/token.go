package tokenmanager

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nkiryanov/authkeeper/internal/apperrors"
	"github.com/nkiryanov/authkeeper/internal/models"
	"github.com/nkiryanov/authkeeper/internal/repository"
)

const (
	defaultAccessTokenTTL = 15 * time.Minute
	defaultSigningMethod  = "HS256"

	// Sliding refresh window: full month if user asked to be remembered, week otherwise
	defaultRefreshTokenTTL = 7 * 24 * time.Hour
	defaultRememberMeTTL   = 30 * 24 * time.Hour

	// Hard ceiling for the whole family, refreshing never pushes a session past it
	defaultAbsoluteTTL = 90 * 24 * time.Hour

	// 256 bits of entropy for the opaque refresh secret
	refreshSecretLen = 32
)

type AccessTokenClaims struct {
	jwt.RegisteredClaims
	UserID uuid.UUID `json:"uid"`
}

// Token manager config with sensible defaults
type Config struct {
	// Secret key to sign access token
	// Required to be set
	SecretKey string

	// JWT MAC (Message Authentication Code) algorithm
	// If not set than default is used
	Alg string

	// Token lifetimes
	// If not set than default is used
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	RememberMeTTL time.Duration
	AbsoluteTTL   time.Duration
}

type TokenManager struct {
	// Secret key to sign access token
	key string

	// JWT MAC (Message Authentication Code) algorithm
	alg jwt.SigningMethod

	accessTTL     time.Duration
	refreshTTL    time.Duration
	rememberMeTTL time.Duration
	absoluteTTL   time.Duration

	// Storage to persist refresh tokens
	// Rotation needs InTx, so the whole storage is required, not a single repo
	storage repository.Storage
}

func New(cfg Config, storage repository.Storage) (*TokenManager, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("secret key must not be empty")
	}

	if cfg.Alg == "" {
		cfg.Alg = defaultSigningMethod
	}

	setDefaultDuration := func(field *time.Duration, def time.Duration) {
		if *field == 0 {
			*field = def
		}
	}
	setDefaultDuration(&cfg.AccessTTL, defaultAccessTokenTTL)
	setDefaultDuration(&cfg.RefreshTTL, defaultRefreshTokenTTL)
	setDefaultDuration(&cfg.RememberMeTTL, defaultRememberMeTTL)
	setDefaultDuration(&cfg.AbsoluteTTL, defaultAbsoluteTTL)

	return &TokenManager{
		key:           cfg.SecretKey,
		alg:           jwt.GetSigningMethod(cfg.Alg),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		rememberMeTTL: cfg.RememberMeTTL,
		absoluteTTL:   cfg.AbsoluteTTL,
		storage:       storage,
	}, nil
}

// HashSecret returns the digest the opaque secret is stored and looked up by
// Raw secrets never hit the database
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// GeneratePair starts a fresh token family for the user: used on login
func (m *TokenManager) GeneratePair(ctx context.Context, user models.User, rememberMe bool, deviceInfo string) (models.TokenPair, error) {
	now := time.Now().Truncate(time.Second)

	return m.mint(ctx, m.storage.Refresh(), mintParams{
		id:                uuid.New(),
		userID:            user.ID,
		familyID:          uuid.New(),
		now:               now,
		absoluteExpiresAt: now.Add(m.absoluteTTL),
		rememberMe:        rememberMe,
		deviceInfo:        deviceInfo,
	})
}

// Rotate redeems the presented refresh secret for a fresh pair.
// The old token and its successor change in one transaction: the reader never
// observes a used token without replacement or a replacement without its
// predecessor marked used.
//
// If the token turns out already used, returns it with
// apperrors.ErrRefreshTokenIsUsed so the caller can revoke the family.
// expectedUserID guards against cross-user confusion, pass uuid.Nil to skip.
func (m *TokenManager) Rotate(ctx context.Context, refreshSecret string, expectedUserID uuid.UUID) (models.TokenPair, models.RefreshToken, error) {
	hash := HashSecret(refreshSecret)

	var pair models.TokenPair
	var old models.RefreshToken

	err := m.storage.InTx(ctx, func(s repository.Storage) error {
		repo := s.Refresh()

		var err error
		old, err = repo.GetByHash(ctx, hash)
		if err != nil {
			return fmt.Errorf("error while looking up refresh token. Err: %w", err)
		}

		switch old.State(time.Now()) {
		case models.TokenStateRevoked:
			return fmt.Errorf("token state error: %w", apperrors.ErrRefreshTokenRevoked)
		case models.TokenStateExpired:
			return fmt.Errorf("token state error: %w", apperrors.ErrRefreshTokenExpired)
		case models.TokenStateUsed:
			return fmt.Errorf("token state error: %w", apperrors.ErrRefreshTokenIsUsed)
		}

		if expectedUserID != uuid.Nil && expectedUserID != old.UserID {
			return fmt.Errorf("token state error: %w", apperrors.ErrTokenOwnerMismatch)
		}

		successorID := uuid.New()

		// May still fail with ErrRefreshTokenIsUsed if a concurrent rotation
		// got here first: the UPDATE itself decides the winner
		old, err = repo.MarkUsed(ctx, hash, successorID)
		if err != nil {
			return fmt.Errorf("error while marking token used. Err: %w", err)
		}

		now := time.Now().Truncate(time.Second)
		pair, err = m.mint(ctx, repo, mintParams{
			id:                successorID,
			userID:            old.UserID,
			familyID:          old.FamilyID,
			now:               now,
			absoluteExpiresAt: old.AbsoluteExpiresAt, // ceiling is inherited, never extended
			rememberMe:        old.RememberMe,
			deviceInfo:        old.DeviceInfo,
		})
		return err
	})

	if err != nil {
		return models.TokenPair{}, old, err
	}

	return pair, old, nil
}

// Parse and validate access token
func (m *TokenManager) ParseAccess(ctx context.Context, access string) (userID uuid.UUID, err error) {
	claims := &AccessTokenClaims{}

	_, err = jwt.ParseWithClaims(
		access,
		claims,
		func(t *jwt.Token) (any, error) {
			return []byte(m.key), nil
		},
		jwt.WithValidMethods([]string{m.alg.Alg()}),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("error while parsing or validating token. Err: %w", err)
	}

	return claims.UserID, nil
}

type mintParams struct {
	id                uuid.UUID
	userID            uuid.UUID
	familyID          uuid.UUID
	now               time.Time
	absoluteExpiresAt time.Time
	rememberMe        bool
	deviceInfo        string
}

// mint signs an access token and persists one refresh token record
func (m *TokenManager) mint(ctx context.Context, repo repository.RefreshTokenRepo, p mintParams) (models.TokenPair, error) {
	var pair models.TokenPair

	accessExpiresAt := p.now.Add(m.accessTTL)

	window := m.refreshTTL
	if p.rememberMe {
		window = m.rememberMeTTL
	}
	refreshExpiresAt := p.now.Add(window)
	if refreshExpiresAt.After(p.absoluteExpiresAt) {
		refreshExpiresAt = p.absoluteExpiresAt
	}

	// Generate JWT access token decoded as string
	accessToken := jwt.NewWithClaims(
		m.alg,
		AccessTokenClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				ID:        uuid.NewString(),
				Subject:   p.userID.String(),
				IssuedAt:  jwt.NewNumericDate(p.now),
				ExpiresAt: jwt.NewNumericDate(accessExpiresAt),
			},
			UserID: p.userID,
		},
	)
	access, err := accessToken.SignedString([]byte(m.key))
	if err != nil {
		return pair, fmt.Errorf("error while signing access token. Err: %w", err)
	}

	// Generate random opaque refresh secret
	b := make([]byte, refreshSecretLen)
	_, err = rand.Read(b)
	if err != nil {
		return pair, fmt.Errorf("error while generate refresh token. Err: %w", err)
	}
	refresh := hex.EncodeToString(b)

	_, err = repo.Save(ctx, models.RefreshToken{
		ID:                p.id,
		UserID:            p.userID,
		FamilyID:          p.familyID,
		TokenHash:         HashSecret(refresh),
		CreatedAt:         p.now,
		ExpiresAt:         refreshExpiresAt,
		AbsoluteExpiresAt: p.absoluteExpiresAt,
		DeviceInfo:        p.deviceInfo,
		RememberMe:        p.rememberMe,
	})
	if err != nil {
		return pair, fmt.Errorf("error while saving refresh token. Err: %w", err)
	}

	return models.TokenPair{
		Access:  models.IssuedToken{Value: access, ExpiresAt: accessExpiresAt},
		Refresh: models.IssuedToken{Value: refresh, ExpiresAt: refreshExpiresAt},
	}, nil
}
