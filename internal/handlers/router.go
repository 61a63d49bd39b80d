package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/nkiryanov/authkeeper/internal/handlers/middleware"
	"github.com/nkiryanov/authkeeper/internal/logger"
	"github.com/nkiryanov/authkeeper/internal/models"
)

// chain applies middlewares in the given order: m1(m2(...(h)))
func chain(h http.Handler, mds ...func(next http.Handler) http.Handler) http.Handler {
	for i := len(mds) - 1; i >= 0; i-- {
		h = mds[i](h)
	}
	return h
}

func NewRouter(auth authService, l logger.Logger) http.Handler {
	authMiddleware := middleware.AuthMiddleware(auth)
	withAuth := func(h http.Handler) http.Handler {
		return authMiddleware(h)
	}

	ah := NewAuth(auth, l)
	uh := NewUser(auth, l)

	apiauth := http.NewServeMux()
	apiauth.HandleFunc("POST /register", ah.register)
	apiauth.HandleFunc("POST /login", ah.login)
	apiauth.HandleFunc("POST /refresh", ah.refresh)
	apiauth.HandleFunc("POST /logout", ah.logout)
	apiauth.Handle("POST /logout-all", withAuth(http.HandlerFunc(ah.logoutAll)))

	apiuser := http.NewServeMux()
	apiuser.HandleFunc("GET /me", uh.me)
	apiuser.HandleFunc("GET /sessions", uh.listSessions)
	apiuser.HandleFunc("DELETE /sessions/{familyID}", uh.revokeSession)
	apiuser.HandleFunc("POST /password", uh.changePassword)

	root := http.NewServeMux()
	root.Handle("/api/auth/", http.StripPrefix("/api/auth", apiauth))
	root.Handle("/api/user/", http.StripPrefix("/api/user", withAuth(apiuser)))

	handler := chain(root,
		middleware.LoggerMiddleware(l),
	)

	return handler
}

type authService interface {
	// Register user with email and password and start the first session
	// Has to return apperrors.ErrUserAlreadyExists if email is taken
	Register(ctx context.Context, email string, password string, deviceInfo string) (models.TokenPair, error)

	// Login user with email and password
	// Has to return apperrors.ErrInvalidCredentials on any credential problem
	Login(ctx context.Context, email string, password string, rememberMe bool, deviceInfo string) (models.TokenPair, error)

	// Rotate refresh token for a fresh pair
	// Replayed, expired, revoked and unknown tokens return typed errors
	RefreshPair(ctx context.Context, refresh string) (models.TokenPair, error)

	// Revoke the presented refresh token, idempotent
	Logout(ctx context.Context, refresh string) error

	// Revoke every token the user owns
	LogoutAll(ctx context.Context, userID uuid.UUID) error

	// Revoke one token family owned by the user
	RevokeSession(ctx context.Context, userID uuid.UUID, familyID uuid.UUID) error

	// List active refresh tokens (live sessions) of the user
	Sessions(ctx context.Context, userID uuid.UUID) ([]models.RefreshToken, error)

	// Replace the password and revoke every session
	ChangePassword(ctx context.Context, userID uuid.UUID, current string, replacement string) error

	// Get request and return user if it authenticated or error
	Auth(ctx context.Context, r *http.Request) (models.User, error)

	// Set auth tokens (access, refresh) to response
	SetAuth(ctx context.Context, w http.ResponseWriter, pair models.TokenPair)

	// Drop the refresh cookie from response
	ClearAuth(ctx context.Context, w http.ResponseWriter)

	// Get refresh token from request
	ReadRefreshToken(r *http.Request) (string, error)
}
