package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dom/credential-service/internal/service"
	"github.com/google/uuid"
)

type contextKey string

const (
	AccountIDKey contextKey = "accountID"
)

func Auth(authService *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				slog.Debug("missing authorization header", "component", "middleware.Auth")
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				slog.Debug("invalid authorization header format", "component", "middleware.Auth")
				http.Error(w, "Invalid authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := authService.ValidateAccessToken(parts[1])
			if err != nil {
				slog.Debug("token validation failed", "component", "middleware.Auth", "err", err)
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			accountID, err := claims.AccountID()
			if err != nil {
				slog.Warn("failed to parse account id", "component", "middleware.Auth", "err", err)
				http.Error(w, "Invalid token claims", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), AccountIDKey, accountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetAccountID(ctx context.Context) (uuid.UUID, bool) {
	accountID, ok := ctx.Value(AccountIDKey).(uuid.UUID)
	return accountID, ok
}
