// ABOUTME: Permission evaluator — the single allow/deny decision procedure.
// ABOUTME: Precedence: superuser > owner > explicit grant bit > public flow > deny.
package permission

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Store is the narrow data-access surface the evaluator needs. Implemented
// by *store.Store; tests substitute fakes.
type Store interface {
	// GetGrant returns the single grant for (resource, type, grantee), or
	// (nil, nil) when no grant exists.
	GetGrant(ctx context.Context, resourceID uuid.UUID, rt ResourceType, granteeID uuid.UUID) (*Grant, error)
	// ResourceOwner returns the owner of the resource. found is false when
	// the resource does not exist.
	ResourceOwner(ctx context.Context, resourceID uuid.UUID, rt ResourceType) (ownerID uuid.UUID, found bool, err error)
	// FlowVisibility returns the visibility of the flow. found is false when
	// the flow does not exist.
	FlowVisibility(ctx context.Context, flowID uuid.UUID) (v Visibility, found bool, err error)
}

// Evaluator decides whether a user may exercise a capability on a resource.
// It owns an explicit grant cache with eviction hooks; callers that mutate
// grants must call Evict or EvictGrantee afterwards.
//
// Authorize never returns an error for a denial — a denial is (false, nil).
// An error always means the store failed; callers must surface it as an
// infrastructure failure, never fold it into "permission denied".
type Evaluator struct {
	store Store
	cache *grantCache
}

// NewEvaluator returns an Evaluator backed by s with an empty grant cache.
func NewEvaluator(s Store) *Evaluator {
	return &Evaluator{store: s, cache: newGrantCache()}
}

// Authorize reports whether user may exercise capability c on the resource.
// Rules are consulted in order and the first match wins:
//
//  1. superusers are allowed everything
//  2. the owner is allowed everything on their own resource
//  3. an explicit grant allows c iff its matching bit is set
//  4. public flows allow READ and RUN (never EDIT) to anyone
//  5. otherwise deny
//
// A resource that does not exist denies (fail closed); the gate layer is
// responsible for turning that into NotFound where appropriate.
func (e *Evaluator) Authorize(ctx context.Context, user Identity, resourceID uuid.UUID, rt ResourceType, c Capability) (bool, error) {
	if user.Superuser {
		return true, nil
	}

	ownerID, found, err := e.store.ResourceOwner(ctx, resourceID, rt)
	if err != nil {
		return false, fmt.Errorf("resolve owner: %w", err)
	}
	if found && ownerID == user.ID {
		return true, nil
	}

	grant, err := e.lookupGrant(ctx, resourceID, rt, user.ID)
	if err != nil {
		return false, fmt.Errorf("lookup grant: %w", err)
	}
	if grant != nil && grant.Allows(c) {
		return true, nil
	}

	if rt == ResourceFlow && (c == CapabilityRead || c == CapabilityRun) {
		vis, found, err := e.store.FlowVisibility(ctx, resourceID)
		if err != nil {
			return false, fmt.Errorf("resolve visibility: %w", err)
		}
		if found && vis == VisibilityPublic {
			return true, nil
		}
	}

	slog.DebugContext(ctx, "authorization denied",
		"user_id", user.ID,
		"resource_id", resourceID,
		"resource_type", rt,
		"capability", c,
	)
	return false, nil
}

// CapabilitiesFor returns the caller's effective capability bits on a
// resource: the owner gets all three, a grantee gets the grant's bits, and
// everyone else gets none. Public visibility is deliberately excluded — the
// permissions endpoints report persisted grants, not ambient access.
func (e *Evaluator) CapabilitiesFor(ctx context.Context, user Identity, resourceID uuid.UUID, rt ResourceType) (canRead, canRun, canEdit bool, level Level, err error) {
	ownerID, found, err := e.store.ResourceOwner(ctx, resourceID, rt)
	if err != nil {
		return false, false, false, LevelUser, fmt.Errorf("resolve owner: %w", err)
	}
	if found && ownerID == user.ID {
		return true, true, true, LevelProjectAdmin, nil
	}
	grant, err := e.lookupGrant(ctx, resourceID, rt, user.ID)
	if err != nil {
		return false, false, false, LevelUser, fmt.Errorf("lookup grant: %w", err)
	}
	if grant == nil {
		return false, false, false, LevelUser, nil
	}
	return grant.CanRead, grant.CanRun, grant.CanEdit, grant.Level, nil
}

// lookupGrant consults the cache first, then the store. Both hits and misses
// are cached; eviction on grant mutation keeps entries honest.
func (e *Evaluator) lookupGrant(ctx context.Context, resourceID uuid.UUID, rt ResourceType, granteeID uuid.UUID) (*Grant, error) {
	if g, ok := e.cache.get(granteeID, resourceID, rt); ok {
		return g, nil
	}
	g, err := e.store.GetGrant(ctx, resourceID, rt, granteeID)
	if err != nil {
		return nil, err
	}
	e.cache.set(granteeID, resourceID, rt, g)
	return g, nil
}

// Evict removes the cached grant for one (grantee, resource, type) key.
// Call after upserting or deleting a single grant.
func (e *Evaluator) Evict(granteeID, resourceID uuid.UUID, rt ResourceType) {
	e.cache.evict(granteeID, resourceID, rt)
}

// EvictGrantee removes all cached grants for a grantee. Call after cascade
// or promotion writes that touch an unknown set of resources.
func (e *Evaluator) EvictGrantee(granteeID uuid.UUID) {
	e.cache.evictGrantee(granteeID)
}
