// ABOUTME: Shared fixtures for store integration tests.
// ABOUTME: Each test gets its own container via testutil.NewTestDB.
package store_test

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/flowdeck/flowdeck/internal/permission"
	"github.com/flowdeck/flowdeck/internal/store"
)

func createTestUser(t *testing.T, s *store.Store) *store.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(),
		uuid.NewString()+"@example.com", "Test User", "", false)
	if err != nil {
		t.Fatalf("createTestUser: %v", err)
	}
	return u
}

func createTestProject(t *testing.T, s *store.Store, owner uuid.UUID) *store.Project {
	t.Helper()
	p, err := s.CreateProject(context.Background(), owner, "Project "+uuid.NewString()[:8], "")
	if err != nil {
		t.Fatalf("createTestProject: %v", err)
	}
	return p
}

func createTestFlow(t *testing.T, s *store.Store, owner uuid.UUID, projectID uuid.NullUUID) *store.Flow {
	t.Helper()
	f, err := s.CreateFlow(context.Background(), store.CreateFlowParams{
		OwnerID:   owner,
		ProjectID: projectID,
		Name:      "Flow " + uuid.NewString()[:8],
	})
	if err != nil {
		t.Fatalf("createTestFlow: %v", err)
	}
	return f
}

func grantProject(t *testing.T, s *store.Store, projectID, grantor, grantee uuid.UUID, read, run, edit bool) *permission.Grant {
	t.Helper()
	g, err := s.UpsertGrant(context.Background(), store.UpsertGrantParams{
		ResourceID:   projectID,
		GrantorID:    grantor,
		GranteeID:    grantee,
		ResourceType: permission.ResourceProject,
		CanRead:      read,
		CanRun:       run,
		CanEdit:      edit,
	})
	if err != nil {
		t.Fatalf("grantProject: %v", err)
	}
	return g
}
