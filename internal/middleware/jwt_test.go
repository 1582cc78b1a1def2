package myMiddleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubValidator map[string]string

func (s stubValidator) ValidateToken(token string) (string, string, error) {
	id, ok := s[token]
	if !ok {
		return "", "", errors.New("bad token")
	}
	return id, "Name " + id, nil
}

type failureLog []string

func (f *failureLog) AuthFailed(reason string) { *f = append(*f, reason) }

func TestTokenFrom(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *http.Request)
		want  string
	}{
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: CookieName, Value: "c"}) }, "c"},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer h") }, "h"},
		{"bearer case-insensitive", func(r *http.Request) { r.Header.Set("Authorization", "bearer h") }, "h"},
		{"other scheme ignored", func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") }, ""},
		{"query", func(r *http.Request) { r.URL.RawQuery = "token=q" }, "q"},
		{"cookie wins", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: CookieName, Value: "c"})
			r.Header.Set("Authorization", "Bearer h")
		}, "c"},
		{"none", func(*http.Request) {}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tt.setup(r)
			assert.Equal(t, tt.want, TokenFrom(r))
		})
	}
}

func TestHandle(t *testing.T) {
	var failures failureLog
	am := NewAuthMiddleware(stubValidator{"good": "u1"}, &failures)

	var seen string
	h := am.Handle(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x?token=good", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "u1", seen)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"message":"Unauthorized - No Token Provided"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x?token=forged", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"message":"Unauthorized - Invalid Token"}`, rec.Body.String())

	assert.Equal(t, failureLog{"missing", "invalid"}, failures)
}
