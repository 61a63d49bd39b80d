package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/authkeeper/internal/apperrors"
	"github.com/nkiryanov/authkeeper/internal/handlers/render"
	"github.com/nkiryanov/authkeeper/internal/handlers/userctx"
	"github.com/nkiryanov/authkeeper/internal/logger"
)

type UserHandler struct {
	auth   authService
	logger logger.Logger
}

func NewUser(auth authService, l logger.Logger) *UserHandler {
	return &UserHandler{auth: auth, logger: l}
}

func (h *UserHandler) me(w http.ResponseWriter, r *http.Request) {
	type MeResponse struct {
		ID        uuid.UUID `json:"id"`
		Email     string    `json:"email"`
		CreatedAt time.Time `json:"createdAt"`
	}

	user, _ := userctx.FromContext(r.Context())
	render.JSON(w, MeResponse{ID: user.ID, Email: user.Email, CreatedAt: user.CreatedAt})
}

func (h *UserHandler) listSessions(w http.ResponseWriter, r *http.Request) {
	type SessionResponse struct {
		FamilyID   uuid.UUID `json:"familyId"`
		DeviceInfo string    `json:"deviceInfo"`
		CreatedAt  time.Time `json:"createdAt"`
		ExpiresAt  time.Time `json:"expiresAt"`
		RememberMe bool      `json:"rememberMe"`
	}
	type SessionsResponse struct {
		Sessions []SessionResponse `json:"sessions"`
	}

	user, _ := userctx.FromContext(r.Context())

	tokens, err := h.auth.Sessions(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("sessions listing failed", "error", err)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	sessions := make([]SessionResponse, 0, len(tokens))
	for _, t := range tokens {
		sessions = append(sessions, SessionResponse{
			FamilyID:   t.FamilyID,
			DeviceInfo: t.DeviceInfo,
			CreatedAt:  t.CreatedAt,
			ExpiresAt:  t.ExpiresAt,
			RememberMe: t.RememberMe,
		})
	}

	render.JSON(w, SessionsResponse{Sessions: sessions})
}

func (h *UserHandler) revokeSession(w http.ResponseWriter, r *http.Request) {
	type RevokeSuccessResponse struct {
		Message string `json:"message"`
	}

	user, _ := userctx.FromContext(r.Context())

	familyID, err := uuid.Parse(r.PathValue("familyID"))
	if err != nil {
		render.ServiceError(w, "Invalid session id", http.StatusBadRequest)
		return
	}

	if err := h.auth.RevokeSession(r.Context(), user.ID, familyID); err != nil {
		h.logger.Error("session revoke failed", "error", err)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	render.JSON(w, RevokeSuccessResponse{Message: "Session revoked"})
}

func (h *UserHandler) changePassword(w http.ResponseWriter, r *http.Request) {
	type PasswordChangeRequest struct {
		CurrentPassword string `json:"currentPassword" validate:"required"`
		NewPassword     string `json:"newPassword" validate:"required,min=8"`
	}
	type PasswordChangeSuccessResponse struct {
		Message string `json:"message"`
	}

	user, _ := userctx.FromContext(r.Context())

	data, err := render.BindAndValidate[PasswordChangeRequest](w, r)
	if err != nil {
		return
	}

	err = h.auth.ChangePassword(r.Context(), user.ID, data.CurrentPassword, data.NewPassword)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrInvalidCredentials):
			render.ServiceError(w, "Current password is incorrect", http.StatusBadRequest)
		default:
			h.logger.Error("password change failed", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	// Every session is revoked now, the cookie in this request is dead too
	h.auth.ClearAuth(r.Context(), w)
	render.JSON(w, PasswordChangeSuccessResponse{Message: "Password changed, please log in again"})
}
