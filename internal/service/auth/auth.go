package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/authkeeper/internal/apperrors"
	"github.com/nkiryanov/authkeeper/internal/models"
	"github.com/nkiryanov/authkeeper/internal/repository"
	"github.com/nkiryanov/authkeeper/internal/service/auth/tokenmanager"
)

const (
	defaultAccessHeaderName  = "Authorization"
	defaultAccessAuthScheme  = "Bearer"
	defaultRefreshCookieName = "refreshtoken"
)

// Interface to create or compare user password hashes
type PasswordHasher interface {
	// Generate Hash from password
	Hash(password string) (string, error)

	// Compare known hashedPassword and user provided password
	// Must be protected against timing attacks
	Compare(hashedPassword string, password string) error
}

type Config struct {
	// Hasher to use during registration or login
	// BcryptHasher is used if not set
	Hasher PasswordHasher

	// Transport details for issued tokens
	// Defaults are used if not set
	AccessHeaderName  string
	AccessAuthScheme  string
	RefreshCookieName string
}

type AuthService struct {
	// Manager to issue and rotate token pairs
	token *tokenmanager.TokenManager

	// hasher to hash or compare user passwords
	hasher PasswordHasher

	// Hash compared on login for unknown emails, so both failure branches
	// spend the same time and don't leak whether the email exists
	dummyHash string

	// Repositories to access long term data
	storage repository.Storage

	accessHeaderName  string
	accessAuthScheme  string
	refreshCookieName string
}

func NewService(cfg Config, tokenManager *tokenmanager.TokenManager, storage repository.Storage) (*AuthService, error) {
	hasher := cfg.Hasher
	if hasher == nil {
		hasher = BcryptHasher{}
	}

	setDefaultString := func(field *string, def string) {
		if *field == "" {
			*field = def
		}
	}
	setDefaultString(&cfg.AccessHeaderName, defaultAccessHeaderName)
	setDefaultString(&cfg.AccessAuthScheme, defaultAccessAuthScheme)
	setDefaultString(&cfg.RefreshCookieName, defaultRefreshCookieName)

	dummyHash, err := hasher.Hash("authkeeper-login-timing-decoy")
	if err != nil {
		return nil, fmt.Errorf("error while preparing hasher. Err: %w", err)
	}

	return &AuthService{
		token:             tokenManager,
		hasher:            hasher,
		dummyHash:         dummyHash,
		storage:           storage,
		accessHeaderName:  cfg.AccessHeaderName,
		accessAuthScheme:  cfg.AccessAuthScheme,
		refreshCookieName: cfg.RefreshCookieName,
	}, nil
}

// Register creates the user and logs it in right away
// Has to return apperrors.ErrUserAlreadyExists if email is taken
func (s *AuthService) Register(ctx context.Context, email string, password string, deviceInfo string) (models.TokenPair, error) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("can't use this as password, error=%w", err)
	}

	user, err := s.storage.User().CreateUser(ctx, repository.CreateUserParams{
		Email:        strings.TrimSpace(email),
		PasswordHash: hash,
	})
	if err != nil {
		return models.TokenPair{}, err
	}

	pair, err := s.token.GeneratePair(ctx, user, false, deviceInfo)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("token could not generated, sorry. %w", err)
	}

	return pair, nil
}

// Login verifies credentials and starts a fresh token family
// Unknown email and wrong password are indistinguishable on purpose:
// both return apperrors.ErrInvalidCredentials
func (s *AuthService) Login(ctx context.Context, email string, password string, rememberMe bool, deviceInfo string) (models.TokenPair, error) {
	user, err := s.storage.User().GetUserByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, apperrors.ErrUserNotFound) {
			// Still burn a compare so timing doesn't reveal the email is unknown
			_ = s.hasher.Compare(s.dummyHash, password)
			return models.TokenPair{}, fmt.Errorf("login failed: %w", apperrors.ErrInvalidCredentials)
		}
		return models.TokenPair{}, err
	}

	if err := s.hasher.Compare(user.HashedPassword, password); err != nil {
		return models.TokenPair{}, fmt.Errorf("login failed: %w", apperrors.ErrInvalidCredentials)
	}

	pair, err := s.token.GeneratePair(ctx, user, rememberMe, deviceInfo)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("token could not generated, sorry. %w", err)
	}

	return pair, nil
}

// RefreshPair rotates the presented refresh token.
//
// Redeeming an already used token means the secret leaked (replay by an
// attacker, or by the real client after a half-failed rotation): the whole
// family gets revoked and the caller still sees only a generic token error.
func (s *AuthService) RefreshPair(ctx context.Context, refresh string) (models.TokenPair, error) {
	pair, old, err := s.token.Rotate(ctx, refresh, uuid.Nil)
	if err == nil {
		return pair, nil
	}

	if errors.Is(err, apperrors.ErrRefreshTokenIsUsed) {
		_, revokeErr := s.storage.Refresh().RevokeFamily(ctx, old.FamilyID, models.RevokeReasonTokenReuse)
		if revokeErr != nil {
			return models.TokenPair{}, fmt.Errorf("error while revoking compromised family. Err: %w", revokeErr)
		}
	}

	return models.TokenPair{}, err
}

// Logout revokes the presented refresh token
// Idempotent: unknown or already revoked token is not an error
func (s *AuthService) Logout(ctx context.Context, refresh string) error {
	return s.storage.Refresh().RevokeByHash(ctx, tokenmanager.HashSecret(refresh), models.RevokeReasonUserLogout)
}

// LogoutAll revokes every active token the user owns (logout everywhere)
func (s *AuthService) LogoutAll(ctx context.Context, userID uuid.UUID) error {
	_, err := s.storage.Refresh().RevokeAllForUser(ctx, userID, models.RevokeReasonUserLogout)
	return err
}

// RevokeSession kills one device session: the family and all its descendants
// Scoped to the owner, so foreign family ids revoke nothing
func (s *AuthService) RevokeSession(ctx context.Context, userID uuid.UUID, familyID uuid.UUID) error {
	_, err := s.storage.Refresh().RevokeUserFamily(ctx, userID, familyID, models.RevokeReasonDeviceRemoved)
	return err
}

// Sessions lists the user's currently active refresh tokens
// Families are single-use chains, so active tokens map onto live sessions
func (s *AuthService) Sessions(ctx context.Context, userID uuid.UUID) ([]models.RefreshToken, error) {
	return s.storage.Refresh().ListActiveByUser(ctx, userID, time.Now())
}

// ChangePassword replaces the password and revokes every session
// Password update and revocation commit as one unit
func (s *AuthService) ChangePassword(ctx context.Context, userID uuid.UUID, current string, replacement string) error {
	hash, err := s.hasher.Hash(replacement)
	if err != nil {
		return fmt.Errorf("can't use this as password, error=%w", err)
	}

	return s.storage.InTx(ctx, func(st repository.Storage) error {
		user, err := st.User().GetUserByID(ctx, userID)
		if err != nil {
			return err
		}

		if err := s.hasher.Compare(user.HashedPassword, current); err != nil {
			return fmt.Errorf("password change failed: %w", apperrors.ErrInvalidCredentials)
		}

		if err := st.User().UpdatePassword(ctx, userID, hash); err != nil {
			return err
		}

		_, err = st.Refresh().RevokeAllForUser(ctx, userID, models.RevokeReasonPasswordChanged)
		return err
	})
}

// Auth resolves the user from request access token
func (s *AuthService) Auth(ctx context.Context, r *http.Request) (models.User, error) {
	header := r.Header.Get(s.accessHeaderName)

	access, found := strings.CutPrefix(header, s.accessAuthScheme+" ")
	if !found || access == "" {
		return models.User{}, fmt.Errorf("auth failed: %w", apperrors.ErrInvalidCredentials)
	}

	userID, err := s.token.ParseAccess(ctx, access)
	if err != nil {
		return models.User{}, fmt.Errorf("auth failed: %w", apperrors.ErrInvalidCredentials)
	}

	return s.storage.User().GetUserByID(ctx, userID)
}

// SetAuth writes the pair to the response: access token in the auth header,
// refresh secret in a HttpOnly cookie
func (s *AuthService) SetAuth(ctx context.Context, w http.ResponseWriter, pair models.TokenPair) {
	w.Header().Set(s.accessHeaderName, s.accessAuthScheme+" "+pair.Access.Value)

	http.SetCookie(w, &http.Cookie{
		Name:     s.refreshCookieName,
		Value:    pair.Refresh.Value,
		Path:     "/",
		MaxAge:   int(time.Until(pair.Refresh.ExpiresAt).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

// ClearAuth drops the refresh cookie so the client stops presenting a dead token
func (s *AuthService) ClearAuth(ctx context.Context, w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.refreshCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

// ReadRefreshToken extracts refresh token from request cookie
func (s *AuthService) ReadRefreshToken(r *http.Request) (string, error) {
	cookie, err := r.Cookie(s.refreshCookieName)
	if err != nil {
		return "", fmt.Errorf("refresh cookie not found: %w", apperrors.ErrRefreshTokenNotFound)
	}

	return cookie.Value, nil
}
