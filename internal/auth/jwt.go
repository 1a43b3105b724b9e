// Package auth verifies the bearer tokens issued by the identity provider.
package auth

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"

	"github.com/gerychhh/germify/internal/apperr"
	"github.com/gerychhh/germify/internal/models"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = apperr.Unauthorized("invalid or expired token")

// Claims carried by a session token. UserID falls back to the numeric
// subject when absent.
type Claims struct {
	UserID      int64  `json:"user_id,omitempty"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies and mints HS256 tokens.
type Authenticator struct {
	secret []byte
}

// New creates an authenticator for the shared secret.
func New(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Verify parses token and returns the user it identifies.
func (a *Authenticator) Verify(token string) (models.User, error) {
	if token == "" {
		return models.User{}, apperr.Unauthorized("authentication required")
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return models.User{}, ErrInvalidToken
	}

	id := claims.UserID
	if id == 0 && claims.Subject != "" {
		id, err = strconv.ParseInt(claims.Subject, 10, 64)
		if err != nil {
			return models.User{}, ErrInvalidToken
		}
	}
	if id <= 0 {
		return models.User{}, ErrInvalidToken
	}
	return models.User{ID: id, Username: claims.Username, DisplayName: claims.DisplayName}, nil
}

// Issue mints a token for user valid for ttl.
func (a *Authenticator) Issue(user models.User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:      user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	return signed, errors.Wrap(err, "auth.Issue")
}

// TokenFromRequest extracts the bearer token from the Authorization header,
// the token query parameter or the token cookie, in that order.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}

// Authenticate verifies the token carried by r.
func (a *Authenticator) Authenticate(r *http.Request) (models.User, error) {
	return a.Verify(TokenFromRequest(r))
}
