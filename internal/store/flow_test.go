// ABOUTME: Integration tests for store/flow.go — CRUD, the create-time grant
// ABOUTME: cascade, and the atomic edit-lock transitions (including a concurrency race).
package store_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/flowdeck/flowdeck/internal/permission"
	"github.com/flowdeck/flowdeck/internal/store"
	"github.com/flowdeck/flowdeck/internal/testutil"
)

func TestCreateFlow_CascadesProjectGrants(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	owner := createTestUser(t, s)
	member := createTestUser(t, s)
	other := createTestUser(t, s)
	project := createTestProject(t, s, owner.ID)

	grantProject(t, s, project.ID, owner.ID, member.ID, true, true, false)
	grantProject(t, s, project.ID, owner.ID, other.ID, true, false, false)

	flow := createTestFlow(t, s, owner.ID, uuid.NullUUID{UUID: project.ID, Valid: true})

	// Member's project bits copied verbatim onto the flow, level USER.
	g, err := s.GetGrant(ctx, flow.ID, permission.ResourceFlow, member.ID)
	if err != nil {
		t.Fatalf("GetGrant: %v", err)
	}
	if g == nil {
		t.Fatal("expected cascaded flow grant for member")
	}
	if !g.CanRead || !g.CanRun || g.CanEdit {
		t.Errorf("member bits = %v/%v/%v, want true/true/false", g.CanRead, g.CanRun, g.CanEdit)
	}
	if g.Level != permission.LevelUser {
		t.Errorf("cascaded level = %s, want USER", g.Level)
	}

	// The creator gets no self-grant: ownership covers it.
	selfGrant, err := s.GetGrant(ctx, flow.ID, permission.ResourceFlow, owner.ID)
	if err != nil {
		t.Fatalf("GetGrant(owner): %v", err)
	}
	if selfGrant != nil {
		t.Error("creator must not receive a cascaded grant")
	}
}

func TestCreateFlow_NoProjectNoCascade(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	owner := createTestUser(t, s)
	flow := createTestFlow(t, s, owner.ID, uuid.NullUUID{})

	grants, err := s.ListGrantsForResource(ctx, flow.ID, permission.ResourceFlow)
	if err != nil {
		t.Fatalf("ListGrantsForResource: %v", err)
	}
	if len(grants) != 0 {
		t.Errorf("standalone flow has %d grants, want 0", len(grants))
	}
}

func TestListFlowsForUser(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	alice := createTestUser(t, s)
	bob := createTestUser(t, s)

	owned := createTestFlow(t, s, alice.ID, uuid.NullUUID{})
	shared := createTestFlow(t, s, bob.ID, uuid.NullUUID{})
	_ = createTestFlow(t, s, bob.ID, uuid.NullUUID{}) // not shared

	if _, err := s.UpsertGrant(ctx, store.UpsertGrantParams{
		ResourceID:   shared.ID,
		GrantorID:    bob.ID,
		GranteeID:    alice.ID,
		ResourceType: permission.ResourceFlow,
		CanRead:      true,
	}); err != nil {
		t.Fatalf("UpsertGrant: %v", err)
	}

	flows, err := s.ListFlowsForUser(ctx, alice.ID, uuid.NullUUID{})
	if err != nil {
		t.Fatalf("ListFlowsForUser: %v", err)
	}
	if len(flows) != 2 {
		t.Fatalf("got %d flows, want 2 (owned + shared)", len(flows))
	}
	ids := map[uuid.UUID]bool{flows[0].ID: true, flows[1].ID: true}
	if !ids[owned.ID] || !ids[shared.ID] {
		t.Errorf("listed flows %v, want {%s, %s}", ids, owned.ID, shared.ID)
	}
}

func TestDeleteFlow_RemovesGrants(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	owner := createTestUser(t, s)
	member := createTestUser(t, s)
	project := createTestProject(t, s, owner.ID)
	grantProject(t, s, project.ID, owner.ID, member.ID, true, false, false)
	flow := createTestFlow(t, s, owner.ID, uuid.NullUUID{UUID: project.ID, Valid: true})

	deleted, err := s.DeleteFlow(ctx, flow.ID)
	if err != nil {
		t.Fatalf("DeleteFlow: %v", err)
	}
	if !deleted {
		t.Fatal("DeleteFlow reported nothing deleted")
	}

	g, err := s.GetGrant(ctx, flow.ID, permission.ResourceFlow, member.ID)
	if err != nil {
		t.Fatalf("GetGrant: %v", err)
	}
	if g != nil {
		t.Error("flow grant should be deleted with the flow")
	}
}

// ─── Lock transitions ───────────────────────────────────────────────────────

func TestFlowLock_AcquireRelease(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	owner := createTestUser(t, s)
	other := createTestUser(t, s)
	flow := createTestFlow(t, s, owner.ID, uuid.NullUUID{})

	f, acquired, err := s.AcquireFlowLock(ctx, flow.ID, owner.ID)
	if err != nil {
		t.Fatalf("AcquireFlowLock: %v", err)
	}
	if !acquired {
		t.Fatal("first acquire should succeed")
	}
	if !f.Locked || !f.LockedBy.Valid || f.LockedBy.UUID != owner.ID {
		t.Errorf("lock state = %v/%v", f.Locked, f.LockedBy)
	}
	if !f.LockUpdatedAt.Valid {
		t.Error("lock_updated_at should be set on acquire")
	}

	// Second acquire fails, even by the holder.
	if _, acquired, _ := s.AcquireFlowLock(ctx, flow.ID, other.ID); acquired {
		t.Fatal("acquire on a locked flow must fail")
	}
	if _, acquired, _ := s.AcquireFlowLock(ctx, flow.ID, owner.ID); acquired {
		t.Fatal("re-acquire by holder must fail (transition is from unlocked only)")
	}

	// Non-holder cannot release without override.
	if _, released, _ := s.ReleaseFlowLock(ctx, flow.ID, other.ID, false); released {
		t.Fatal("non-holder release must fail")
	}

	// Holder releases; both holder and timestamp clear.
	f, released, err := s.ReleaseFlowLock(ctx, flow.ID, owner.ID, false)
	if err != nil {
		t.Fatalf("ReleaseFlowLock: %v", err)
	}
	if !released {
		t.Fatal("holder release should succeed")
	}
	if f.Locked || f.LockedBy.Valid || f.LockUpdatedAt.Valid {
		t.Errorf("post-release state = %v/%v/%v, want all clear", f.Locked, f.LockedBy.Valid, f.LockUpdatedAt.Valid)
	}

	// Releasing an unlocked flow fails.
	if _, released, _ := s.ReleaseFlowLock(ctx, flow.ID, owner.ID, false); released {
		t.Fatal("release on unlocked flow must fail")
	}
}

func TestFlowLock_OverrideRelease(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	owner := createTestUser(t, s)
	admin := createTestUser(t, s)
	flow := createTestFlow(t, s, owner.ID, uuid.NullUUID{})

	if _, acquired, _ := s.AcquireFlowLock(ctx, flow.ID, owner.ID); !acquired {
		t.Fatal("acquire failed")
	}

	// Override breaks a lock held by someone else.
	_, released, err := s.ReleaseFlowLock(ctx, flow.ID, admin.ID, true)
	if err != nil {
		t.Fatalf("ReleaseFlowLock(override): %v", err)
	}
	if !released {
		t.Fatal("override release should succeed")
	}
}

func TestUpdateFlow_RespectsLock(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	owner := createTestUser(t, s)
	holder := createTestUser(t, s)
	flow := createTestFlow(t, s, owner.ID, uuid.NullUUID{})
	name := "renamed"

	if _, acquired, _ := s.AcquireFlowLock(ctx, flow.ID, holder.ID); !acquired {
		t.Fatal("acquire failed")
	}

	// The holder check is part of the UPDATE's WHERE clause, so even a write
	// racing a fresh lock cannot slip past: not the holder, no row updated.
	f, err := s.UpdateFlow(ctx, flow.ID, owner.ID, false, store.UpdateFlowParams{Name: &name})
	if err != nil {
		t.Fatalf("UpdateFlow: %v", err)
	}
	if f != nil {
		t.Fatal("update by non-holder must not touch a locked flow")
	}

	// The holder writes freely.
	f, err = s.UpdateFlow(ctx, flow.ID, holder.ID, false, store.UpdateFlowParams{Name: &name})
	if err != nil {
		t.Fatalf("UpdateFlow(holder): %v", err)
	}
	if f == nil || f.Name != name {
		t.Fatalf("holder update = %+v", f)
	}

	// Override writes through any holder.
	desc := "admin note"
	f, err = s.UpdateFlow(ctx, flow.ID, owner.ID, true, store.UpdateFlowParams{Description: &desc})
	if err != nil {
		t.Fatalf("UpdateFlow(override): %v", err)
	}
	if f == nil || f.Description != desc {
		t.Fatalf("override update = %+v", f)
	}

	// Missing flow is still (nil, nil).
	f, err = s.UpdateFlow(ctx, uuid.New(), owner.ID, false, store.UpdateFlowParams{Name: &name})
	if err != nil || f != nil {
		t.Fatalf("missing flow = %+v, err %v", f, err)
	}
}

func TestFlowLock_ConcurrentAcquireExactlyOne(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	owner := createTestUser(t, s)
	flow := createTestFlow(t, s, owner.ID, uuid.NullUUID{})

	const contenders = 16
	users := make([]uuid.UUID, contenders)
	for i := range users {
		users[i] = createTestUser(t, s).ID
	}

	var wg sync.WaitGroup
	wins := make(chan uuid.UUID, contenders)
	start := make(chan struct{})
	for _, uid := range users {
		wg.Add(1)
		go func(uid uuid.UUID) {
			defer wg.Done()
			<-start
			_, acquired, err := s.AcquireFlowLock(ctx, flow.ID, uid)
			if err != nil {
				t.Errorf("AcquireFlowLock: %v", err)
				return
			}
			if acquired {
				wins <- uid
			}
		}(uid)
	}
	close(start)
	wg.Wait()
	close(wins)

	var winners []uuid.UUID
	for uid := range wins {
		winners = append(winners, uid)
	}
	if len(winners) != 1 {
		t.Fatalf("%d contenders acquired the lock, want exactly 1", len(winners))
	}

	f, err := s.GetFlow(ctx, flow.ID)
	if err != nil {
		t.Fatalf("GetFlow: %v", err)
	}
	if !f.Locked || f.LockedBy.UUID != winners[0] {
		t.Errorf("lock holder = %v, want %v", f.LockedBy.UUID, winners[0])
	}
}
