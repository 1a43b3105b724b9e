package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gerychhh/germify/internal/models"
)

type staticAuth struct {
	user models.User
	err  error
}

func (a staticAuth) Authenticate(*http.Request) (models.User, error) { return a.user, a.err }

type recordingUsers struct{ seen []models.User }

func (r *recordingUsers) EnsureUser(_ context.Context, u models.User) error {
	r.seen = append(r.seen, u)
	return nil
}

func okHandler(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"/api/chats":                   "/api/chats",
		"/api/chats/42/messages":       "/api/chats/:id/messages",
		"/api/chats/42/members/7/role": "/api/chats/:id/members/:id/role",
		"/api/chats/dm/9":              "/api/chats/dm/:id",
		"/ws/notifications":            "/ws/notifications",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizePath(in), in)
	}
}

func TestRequireAuth(t *testing.T) {
	users := &recordingUsers{}
	alice := models.User{ID: 1, Username: "alice"}
	mw := NewAuthMiddleware(staticAuth{user: alice}, users, zerolog.Nop())

	var got models.User
	h := mw.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = GetUserFromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/chats", nil))
	assert.Equal(t, alice, got)
	assert.Equal(t, []models.User{alice}, users.seen)

	denied := NewAuthMiddleware(staticAuth{err: errors.New("invalid or expired token")}, nil, zerolog.Nop())
	rec := httptest.NewRecorder()
	denied.RequireAuth(http.HandlerFunc(okHandler)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chats", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"invalid or expired token"}`, rec.Body.String())
}

func TestFindLimitPrefersLongestPattern(t *testing.T) {
	rl := NewRateLimiter(nil, zerolog.Nop(), RateLimiterConfig{})

	limit := rl.findLimit(httptest.NewRequest(http.MethodPost, "/api/chats/groups", nil))
	require.NotNil(t, limit)
	assert.Equal(t, 20, limit.Requests)

	limit = rl.findLimit(httptest.NewRequest(http.MethodPost, "/api/chats/5/messages", nil))
	require.NotNil(t, limit)
	assert.Equal(t, 120, limit.Requests)

	assert.Nil(t, rl.findLimit(httptest.NewRequest(http.MethodGet, "/health", nil)))
}

func TestRateLimiterWithoutRedisIsDisabled(t *testing.T) {
	rl := NewRateLimiter(nil, zerolog.Nop(), RateLimiterConfig{})
	h := rl.Middleware(http.HandlerFunc(okHandler))
	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/notifications", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func newLimiter(t *testing.T, cfg RateLimiterConfig) *RateLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRateLimiter(client, zerolog.Nop(), cfg)
}

func TestRateLimiterRejectsOverLimit(t *testing.T) {
	rl := newLimiter(t, RateLimiterConfig{})
	h := rl.Middleware(http.HandlerFunc(okHandler))

	send := func(userID int64) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/chats/groups", nil)
		req = req.WithContext(WithUser(req.Context(), models.User{ID: userID}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 20; i++ {
		require.Equal(t, http.StatusOK, send(1).Code, "request %d", i)
	}
	rec := send(1)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "20", rec.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Limits are per user.
	assert.Equal(t, http.StatusOK, send(2).Code)
}

func TestRateLimiterWhitelist(t *testing.T) {
	rl := newLimiter(t, RateLimiterConfig{Whitelist: []string{"10.0.0.0/8"}})
	h := rl.Middleware(http.HandlerFunc(okHandler))
	for i := 0; i < 40; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ws/notifications", nil)
		req.RemoteAddr = "10.1.2.3:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(http.HandlerFunc(okHandler))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chats", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Empty(t, rec.Header().Get("Cache-Control"))
}

func TestValidateRequest(t *testing.T) {
	h := ValidateRequest(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodPost, "/api/chats/groups", nil)
	req.ContentLength = 10
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chats?q=<script>", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
