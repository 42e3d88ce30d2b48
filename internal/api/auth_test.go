// ABOUTME: End-to-end tests for the auth surface: register, login, me,
// ABOUTME: first-user superuser bootstrap, and the CSRF header check.
package api_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuthFlow_RegisterLoginMe(t *testing.T) {
	t.Parallel()
	_, h := newTestServer(t)

	creds := map[string]any{
		"email":    "first@example.com",
		"password": "a long enough password",
	}

	// First account on an empty server becomes the platform superuser.
	rec := doJSON(t, h, http.MethodPost, "/api/v1/auth/register", "", creds)
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	reg := decodeBody[struct {
		UserID    string `json:"user_id"`
		Superuser bool   `json:"superuser"`
	}](t, rec)
	require.True(t, reg.Superuser)

	// The second is a regular user.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/auth/register", "", map[string]any{
		"email":    "second@example.com",
		"password": "another good password",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.False(t, decodeBody[struct {
		Superuser bool `json:"superuser"`
	}](t, rec).Superuser)

	// Duplicate email conflicts.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/auth/register", "", creds)
	require.Equal(t, http.StatusConflict, rec.Code)

	// Wrong password is a 401 with no detail.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/auth/login", "", map[string]any{
		"email":    "first@example.com",
		"password": "not the password",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/auth/login", "", creds)
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	login := decodeBody[struct {
		AccessToken string `json:"access_token"`
	}](t, rec)
	require.NotEmpty(t, login.AccessToken)
	require.Contains(t, rec.Header().Get("Set-Cookie"), "access_token=")
	require.Contains(t, rec.Header().Get("Set-Cookie"), "HttpOnly")

	rec = doJSON(t, h, http.MethodGet, "/api/v1/auth/me", login.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	me := decodeBody[struct {
		Email     string `json:"email"`
		Superuser bool   `json:"superuser"`
	}](t, rec)
	require.Equal(t, "first@example.com", me.Email)
	require.True(t, me.Superuser)
}

func TestLogin_UnknownEmailIs401(t *testing.T) {
	t.Parallel()
	_, h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/auth/login", "", map[string]any{
		"email":    "nobody@example.com",
		"password": "irrelevant password",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCSRF_CookieAuthNeedsHeader(t *testing.T) {
	t.Parallel()
	s, h := newTestServer(t)

	user := newUser(t, s, false)
	token := tokenFor(t, user)

	// Cookie-authenticated POST without the header is rejected.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects",
		strings.NewReader(`{"name":"csrf target"}`))
	req.AddCookie(&http.Cookie{Name: "access_token", Value: token})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, rec.Body.String(), "CSRF")

	// With X-Requested-By it goes through.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/projects",
		strings.NewReader(`{"name":"csrf target"}`))
	req.AddCookie(&http.Cookie{Name: "access_token", Value: token})
	req.Header.Set("X-Requested-By", "Flowdeck")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	// Bearer-authenticated requests are exempt: no cookie, no CSRF surface.
	rec2 := doJSON(t, h, http.MethodPost, "/api/v1/projects", token,
		map[string]any{"name": "bearer target"})
	require.Equal(t, http.StatusCreated, rec2.Code)
}

func TestAuthEndpoints_RateLimited(t *testing.T) {
	t.Parallel()
	_, h := newTestServer(t)

	// Invalid bodies fail fast in validation but still count against the
	// limiter, which allows 10 per minute per IP.
	var last int
	for i := 0; i < 11; i++ {
		rec := doJSON(t, h, http.MethodPost, "/api/v1/auth/login", "", map[string]any{
			"email":    "not-an-email",
			"password": "x",
		})
		last = rec.Code
	}
	require.Equal(t, http.StatusTooManyRequests, last)
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	_, h := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"ok"`)
}
