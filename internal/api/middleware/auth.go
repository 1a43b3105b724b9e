package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/gerychhh/germify/internal/models"
)

type contextKey string

const UserContextKey contextKey = "user"

// Authenticator resolves the user behind a request.
type Authenticator interface {
	Authenticate(r *http.Request) (models.User, error)
}

// UserRecorder keeps the labels of authenticated users current.
type UserRecorder interface {
	EnsureUser(ctx context.Context, user models.User) error
}

// AuthMiddleware verifies bearer tokens for authenticated endpoints.
type AuthMiddleware struct {
	auth   Authenticator
	users  UserRecorder
	logger zerolog.Logger
}

// NewAuthMiddleware creates a new auth middleware. users may be nil.
func NewAuthMiddleware(auth Authenticator, users UserRecorder, logger zerolog.Logger) *AuthMiddleware {
	return &AuthMiddleware{auth: auth, users: users, logger: logger}
}

// RequireAuth rejects requests without a valid token and stores the user in
// the request context.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := m.auth.Authenticate(r)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, err.Error())
			return
		}

		if m.users != nil {
			if err := m.users.EnsureUser(r.Context(), user); err != nil {
				m.logger.Warn().Err(err).Int64("user_id", user.ID).Msg("failed to record user")
			}
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GetUserFromContext retrieves the authenticated user from the request context.
func GetUserFromContext(ctx context.Context) (models.User, bool) {
	user, ok := ctx.Value(UserContextKey).(models.User)
	return user, ok
}

// WithUser returns ctx carrying user. Used by tests that bypass RequireAuth.
func WithUser(ctx context.Context, user models.User) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}
