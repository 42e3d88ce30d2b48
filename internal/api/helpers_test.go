// ABOUTME: Shared fixtures for HTTP handler tests: a real store-backed server,
// ABOUTME: users created directly in the store, and tokens minted off-band.
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/flowdeck/flowdeck/internal/api"
	"github.com/flowdeck/flowdeck/internal/auth"
	"github.com/flowdeck/flowdeck/internal/config"
	"github.com/flowdeck/flowdeck/internal/permission"
	"github.com/flowdeck/flowdeck/internal/store"
	"github.com/flowdeck/flowdeck/internal/testutil"
)

const testJWTSecret = "test-jwt-secret-at-least-32-bytes!!"

// newTestServer spins up a postgres-backed server with a fixed test config.
func newTestServer(t *testing.T) (*store.Store, http.Handler) {
	t.Helper()
	s := testutil.NewTestDB(t)
	cfg := &config.Config{
		JWTSecret:           testJWTSecret,
		AccessTokenTTL:      time.Hour,
		RegistrationMode:    "open",
		Argon2MaxConcurrent: 2,
		RateLimitEvictTTL:   15 * time.Minute,
		GrantSyncEnabled:    true,
	}
	srv := api.NewServer(s, cfg)
	return s, srv.Handler()
}

// newUser creates a user directly in the store, bypassing the register
// endpoint so tests do not pay for argon2 or burn the auth rate limit.
func newUser(t *testing.T, s *store.Store, superuser bool) *store.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(),
		uuid.NewString()+"@example.com", "Test User", "", superuser)
	require.NoError(t, err)
	return u
}

func tokenFor(t *testing.T, u *store.User) string {
	t.Helper()
	token, err := auth.IssueAccessToken([]byte(testJWTSecret), u.ID, u.Level, u.IsSuperuser, time.Hour)
	require.NoError(t, err)
	return token
}

// doJSON performs a request with a Bearer token and optional JSON body.
func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

// createFlowViaAPI creates a flow through the HTTP surface and returns its id.
func createFlowViaAPI(t *testing.T, h http.Handler, token, name, projectID, visibility string) uuid.UUID {
	t.Helper()
	body := map[string]any{"name": name}
	if projectID != "" {
		body["project_id"] = projectID
	}
	if visibility != "" {
		body["visibility"] = visibility
	}
	rec := doJSON(t, h, http.MethodPost, "/api/v1/flows", token, body)
	require.Equal(t, http.StatusCreated, rec.Code, "create flow: %s", rec.Body.String())
	resp := decodeBody[map[string]any](t, rec)
	id, err := uuid.Parse(resp["id"].(string))
	require.NoError(t, err)
	return id
}

func createProjectViaAPI(t *testing.T, h http.Handler, token, name string) uuid.UUID {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/api/v1/projects", token, map[string]any{"name": name})
	require.Equal(t, http.StatusCreated, rec.Code, "create project: %s", rec.Body.String())
	resp := decodeBody[map[string]any](t, rec)
	id, err := uuid.Parse(resp["id"].(string))
	require.NoError(t, err)
	return id
}

// grantParams builds project-grant upsert params for direct store writes.
func grantParams(projectID, grantor, grantee uuid.UUID, read, run, edit bool) store.UpsertGrantParams {
	return store.UpsertGrantParams{
		ResourceID:   projectID,
		GrantorID:    grantor,
		GranteeID:    grantee,
		ResourceType: permission.ResourceProject,
		CanRead:      read,
		CanRun:       run,
		CanEdit:      edit,
	}
}

// grantFlow writes a flow grant directly; handler tests that need a specific
// bit pattern should not depend on the cascade.
func grantFlow(t *testing.T, s *store.Store, flowID, grantor, grantee uuid.UUID, read, run, edit bool) {
	t.Helper()
	_, err := s.UpsertGrant(context.Background(), store.UpsertGrantParams{
		ResourceID:   flowID,
		GrantorID:    grantor,
		GranteeID:    grantee,
		ResourceType: permission.ResourceFlow,
		CanRead:      read,
		CanRun:       run,
		CanEdit:      edit,
	})
	require.NoError(t, err)
}
