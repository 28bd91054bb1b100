package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dom/credential-service/internal/api/middleware"
	"github.com/dom/credential-service/internal/domain"
	"github.com/dom/credential-service/internal/service"
	"github.com/go-chi/chi/v5"
)

type AuthHandler struct {
	authService *service.AuthService
	cookies     SessionCookies
}

func NewAuthHandler(authService *service.AuthService, cookies SessionCookies) *AuthHandler {
	return &AuthHandler{authService: authService, cookies: cookies}
}

type RegisterRequest struct {
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Password    string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type AuthResponse struct {
	User             UserResponse `json:"user"`
	AccessToken      string       `json:"accessToken"`
	SessionID        string       `json:"sessionId"`
	SessionExpiresAt time.Time    `json:"sessionExpiresAt"`
}

type UserResponse struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email"`
	CreatedAt   time.Time `json:"createdAt"`
}

type SessionResponse struct {
	ID        string     `json:"id"`
	UserAgent string     `json:"userAgent,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
	Active    bool       `json:"active"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.authService.Register(r.Context(), service.RegisterInput{
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Password:    req.Password,
		UserAgent:   r.UserAgent(),
	})
	if err != nil {
		writeServiceError(w, "register", err)
		return
	}

	h.writeAuthResult(w, http.StatusCreated, result)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, "Email and password are required", http.StatusBadRequest)
		return
	}

	result, err := h.authService.Login(r.Context(), service.LoginInput{
		Email:     req.Email,
		Password:  req.Password,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeServiceError(w, "login", err)
		return
	}

	h.writeAuthResult(w, http.StatusOK, result)
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	result, err := h.authService.Refresh(r.Context(), h.sessionSecret(r))
	if err != nil {
		if errors.Is(err, domain.ErrAuth) {
			h.cookies.Clear(w)
		}
		writeServiceError(w, "refresh", err)
		return
	}

	h.writeAuthResult(w, http.StatusOK, result)
}

// Logout always clears the cookie; revoking an unknown session is not an error.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	err := h.authService.Revoke(r.Context(), h.sessionSecret(r))
	h.cookies.Clear(w)
	if err != nil {
		writeServiceError(w, "logout", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.authService.RevokeAll(r.Context(), accountID); err != nil {
		writeServiceError(w, "logout_all", err)
		return
	}

	h.cookies.Clear(w)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	account, err := h.authService.GetAccount(r.Context(), accountID)
	if err != nil {
		writeServiceError(w, "me", err)
		return
	}

	writeJSON(w, http.StatusOK, userResponse(*account))
}

func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	sessions, err := h.authService.ListSessions(r.Context(), accountID)
	if err != nil {
		writeServiceError(w, "list_sessions", err)
		return
	}

	resp := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, SessionResponse{
			ID:        s.ID,
			UserAgent: s.UserAgent,
			CreatedAt: s.CreatedAt,
			ExpiresAt: s.ExpiresAt,
			RevokedAt: s.RevokedAt,
			Active:    s.Active,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AuthHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.authService.RevokeSession(r.Context(), accountID, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, "revoke_session", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// sessionSecret reads the cookie first; non-browser clients may send the
// secret in the JSON body instead.
func (h *AuthHandler) sessionSecret(r *http.Request) string {
	if secret := h.cookies.Read(r); secret != "" {
		return secret
	}

	var req RefreshRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		return ""
	}
	return req.RefreshToken
}

func (h *AuthHandler) writeAuthResult(w http.ResponseWriter, status int, result *service.AuthResult) {
	h.cookies.Set(w, result.SessionSecret, result.SessionExpiresAt)
	writeJSON(w, status, AuthResponse{
		User:             userResponse(result.Account),
		AccessToken:      result.AccessToken,
		SessionID:        result.SessionID,
		SessionExpiresAt: result.SessionExpiresAt,
	})
}

func userResponse(a service.AccountView) UserResponse {
	return UserResponse{
		ID:          a.ID.String(),
		DisplayName: a.DisplayName,
		Email:       a.Email,
		CreatedAt:   a.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}

// writeServiceError maps the engine's error classes onto HTTP statuses.
// Every authentication failure gets the same body.
func writeServiceError(w http.ResponseWriter, op string, err error) {
	var validation *domain.ValidationError
	switch {
	case errors.As(err, &validation):
		http.Error(w, validation.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrConflict):
		http.Error(w, "Email already registered", http.StatusConflict)
	case errors.Is(err, domain.ErrAuth):
		slog.Debug("authentication failed", "operation", op, "err", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	case errors.Is(err, service.ErrAccountNotFound), errors.Is(err, service.ErrSessionNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrStore):
		slog.Error("account store failure", "operation", op, "err", err)
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
	default:
		slog.Error("request failed", "operation", op, "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
