// ABOUTME: End-to-end tests for the authorization gate's outcome mapping:
// ABOUTME: 401/400/404/403/200 plus the superuser bypass and public-flow access.
package api_test

import (
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGate_OutcomeMapping(t *testing.T) {
	t.Parallel()
	s, h := newTestServer(t)

	owner := newUser(t, s, false)
	stranger := newUser(t, s, false)
	admin := newUser(t, s, true)
	ownerTok := tokenFor(t, owner)
	strangerTok := tokenFor(t, stranger)
	adminTok := tokenFor(t, admin)

	flowID := createFlowViaAPI(t, h, ownerTok, "private flow", "", "")

	tests := []struct {
		name   string
		path   string
		token  string
		status int
	}{
		{"no token", "/api/v1/flows/" + flowID.String(), "", http.StatusUnauthorized},
		{"garbage token", "/api/v1/flows/" + flowID.String(), "not.a.jwt", http.StatusUnauthorized},
		{"malformed uuid", "/api/v1/flows/not-a-uuid", ownerTok, http.StatusBadRequest},
		{"missing flow reads as 404", "/api/v1/flows/" + uuid.NewString(), ownerTok, http.StatusNotFound},
		// A stranger denied on an existing flow gets 403, not 404: the flow id
		// is not secret, only its contents are.
		{"stranger denied", "/api/v1/flows/" + flowID.String(), strangerTok, http.StatusForbidden},
		{"owner allowed", "/api/v1/flows/" + flowID.String(), ownerTok, http.StatusOK},
		{"superuser bypass", "/api/v1/flows/" + flowID.String(), adminTok, http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodGet, tc.path, tc.token, nil)
			require.Equal(t, tc.status, rec.Code, "body: %s", rec.Body.String())
		})
	}
}

func TestGate_MissingResourceLooksLike404EvenWhenDenied(t *testing.T) {
	t.Parallel()
	s, h := newTestServer(t)

	user := newUser(t, s, false)
	tok := tokenFor(t, user)

	// Projects behave the same as flows at the gate.
	rec := doJSON(t, h, http.MethodGet, "/api/v1/projects/"+uuid.NewString(), tok, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGate_PublicFlowReadableNotEditable(t *testing.T) {
	t.Parallel()
	s, h := newTestServer(t)

	owner := newUser(t, s, false)
	stranger := newUser(t, s, false)
	strangerTok := tokenFor(t, stranger)

	flowID := createFlowViaAPI(t, h, tokenFor(t, owner), "shared widget", "", "PUBLIC")

	// READ is open to any authenticated user.
	rec := doJSON(t, h, http.MethodGet, "/api/v1/flows/"+flowID.String(), strangerTok, nil)
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	// EDIT is not: public visibility never grants writes.
	rec = doJSON(t, h, http.MethodPatch, "/api/v1/flows/"+flowID.String(), strangerTok,
		map[string]any{"name": "hijacked"})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGate_GrantBitsAreIndependent(t *testing.T) {
	t.Parallel()
	s, h := newTestServer(t)

	owner := newUser(t, s, false)
	reader := newUser(t, s, false)
	editor := newUser(t, s, false)
	flowID := createFlowViaAPI(t, h, tokenFor(t, owner), "gated", "", "")

	grantFlow(t, s, flowID, owner.ID, reader.ID, true, false, false)
	grantFlow(t, s, flowID, owner.ID, editor.ID, true, false, true)

	readerTok := tokenFor(t, reader)
	editorTok := tokenFor(t, editor)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/flows/"+flowID.String(), readerTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// READ does not imply EDIT.
	rec = doJSON(t, h, http.MethodPatch, "/api/v1/flows/"+flowID.String(), readerTok,
		map[string]any{"description": "nope"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, http.MethodPatch, "/api/v1/flows/"+flowID.String(), editorTok,
		map[string]any{"description": "updated"})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
}
