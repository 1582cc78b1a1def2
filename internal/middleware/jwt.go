package myMiddleware

import (
	"context"
	"net/http"
	"strings"

	"chatsync/internal/respond"
)

type contextKey string

const (
	UserKey     contextKey = "user_id"
	FullNameKey contextKey = "full_name"
)

// CookieName carries the session token.
const CookieName = "jwt"

// TokenValidator decouples the middleware from the user package.
type TokenValidator interface {
	ValidateToken(tokenString string) (string, string, error)
}

// AuthFailures is told about every rejected request.
type AuthFailures interface {
	AuthFailed(reason string)
}

type AuthMiddleware struct {
	validator TokenValidator
	failures  AuthFailures
}

func NewAuthMiddleware(v TokenValidator, failures AuthFailures) *AuthMiddleware {
	return &AuthMiddleware{validator: v, failures: failures}
}

// TokenFrom finds the token in the jwt cookie, a Bearer header or the token
// query parameter, in that order.
func TokenFrom(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		scheme, token, ok := strings.Cut(authHeader, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := TokenFrom(r)
		if tokenString == "" {
			am.fail("missing")
			respond.Error(w, http.StatusUnauthorized, "Unauthorized - No Token Provided")
			return
		}

		userID, fullName, err := am.validator.ValidateToken(tokenString)
		if err != nil {
			am.fail("invalid")
			respond.Error(w, http.StatusUnauthorized, "Unauthorized - Invalid Token")
			return
		}

		ctx := context.WithValue(r.Context(), UserKey, userID)
		ctx = context.WithValue(ctx, FullNameKey, fullName)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (am *AuthMiddleware) fail(reason string) {
	if am.failures != nil {
		am.failures.AuthFailed(reason)
	}
}

// UserID returns the authenticated user's ID placed by Handle.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(UserKey).(string)
	return id, ok && id != ""
}
