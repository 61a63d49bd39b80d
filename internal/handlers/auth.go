package handlers

import (
	"errors"
	"net/http"

	"github.com/nkiryanov/authkeeper/internal/apperrors"
	"github.com/nkiryanov/authkeeper/internal/handlers/render"
	"github.com/nkiryanov/authkeeper/internal/handlers/userctx"
	"github.com/nkiryanov/authkeeper/internal/logger"
)

type AuthHandler struct {
	auth   authService
	logger logger.Logger
}

func NewAuth(auth authService, l logger.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, logger: l}
}

func (h *AuthHandler) register(w http.ResponseWriter, r *http.Request) {
	type RegisterRequest struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required,min=8"`
	}
	type RegisterSuccessResponse struct {
		Message string `json:"message"`
	}

	data, err := render.BindAndValidate[RegisterRequest](w, r)
	if err != nil {
		return
	}

	pair, err := h.auth.Register(r.Context(), data.Email, data.Password, r.UserAgent())
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrUserAlreadyExists):
			render.ServiceError(w, "User already exists", http.StatusConflict)
		default:
			h.logger.Error("register failed", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	h.auth.SetAuth(r.Context(), w, pair)
	render.JSON(w, RegisterSuccessResponse{Message: "User registered successfully"})
}

func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request) {
	type LoginRequest struct {
		Email      string `json:"email" validate:"required,email"`
		Password   string `json:"password" validate:"required"`
		RememberMe bool   `json:"rememberMe"`
	}
	type LoginSuccessResponse struct {
		Message string `json:"message"`
	}

	data, err := render.BindAndValidate[LoginRequest](w, r)
	if err != nil {
		return
	}

	pair, err := h.auth.Login(r.Context(), data.Email, data.Password, data.RememberMe, r.UserAgent())
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrInvalidCredentials):
			render.ServiceError(w, "Invalid email or password", http.StatusUnauthorized)
		default:
			h.logger.Error("login failed", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	h.auth.SetAuth(r.Context(), w, pair)
	render.JSON(w, LoginSuccessResponse{Message: "User logged in successfully"})
}

func (h *AuthHandler) refresh(w http.ResponseWriter, r *http.Request) {
	type RefreshSuccessResponse struct {
		Message string `json:"message"`
	}

	refresh, err := h.auth.ReadRefreshToken(r)
	if err != nil {
		render.ServiceError(w, "Invalid refresh token", http.StatusUnauthorized)
		return
	}

	pair, err := h.auth.RefreshPair(r.Context(), refresh)
	if err != nil {
		// The exact reason stays server side: replayed, revoked and unknown
		// tokens must all look the same to whoever holds the secret
		switch {
		case isTokenError(err):
			h.logger.Info("refresh token rejected", "error", err)
			render.ServiceError(w, "Invalid refresh token", http.StatusUnauthorized)
		default:
			h.logger.Error("refresh failed", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	h.auth.SetAuth(r.Context(), w, pair)
	render.JSON(w, RefreshSuccessResponse{Message: "Tokens refreshed successfully"})
}

func (h *AuthHandler) logout(w http.ResponseWriter, r *http.Request) {
	type LogoutSuccessResponse struct {
		Message string `json:"message"`
	}

	// Missing or unknown cookie is fine, logout must be idempotent
	if refresh, err := h.auth.ReadRefreshToken(r); err == nil {
		if err := h.auth.Logout(r.Context(), refresh); err != nil {
			h.logger.Error("logout failed", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			return
		}
	}

	h.auth.ClearAuth(r.Context(), w)
	render.JSON(w, LogoutSuccessResponse{Message: "User logged out successfully"})
}

func (h *AuthHandler) logoutAll(w http.ResponseWriter, r *http.Request) {
	type LogoutAllSuccessResponse struct {
		Message string `json:"message"`
	}

	user, ok := userctx.FromContext(r.Context())
	if !ok {
		render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.auth.LogoutAll(r.Context(), user.ID); err != nil {
		h.logger.Error("logout everywhere failed", "error", err)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.auth.ClearAuth(r.Context(), w)
	render.JSON(w, LogoutAllSuccessResponse{Message: "User logged out everywhere"})
}

// isTokenError reports whether err is one of the refresh token rejections
func isTokenError(err error) bool {
	for _, target := range []error{
		apperrors.ErrRefreshTokenNotFound,
		apperrors.ErrRefreshTokenIsUsed,
		apperrors.ErrRefreshTokenExpired,
		apperrors.ErrRefreshTokenRevoked,
		apperrors.ErrTokenOwnerMismatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
