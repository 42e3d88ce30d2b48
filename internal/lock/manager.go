// ABOUTME: Resource lock manager: advisory edit locks on flows.
// ABOUTME: A lock is a two-state machine; transitions are atomic conditional updates in the store.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/flowdeck/flowdeck/internal/permission"
	"github.com/flowdeck/flowdeck/internal/store"
)

// Sentinel errors for the lock state machine. The API layer maps ErrNotFound
// to 404 and the rest to 409.
var (
	ErrNotFound      = errors.New("flow not found")
	ErrAlreadyLocked = errors.New("flow is already locked")
	ErrNotLocked     = errors.New("flow is not locked")
	ErrNotHolder     = errors.New("lock held by another user")
)

// State describes a flow's lock after a transition or query.
type State struct {
	Locked   bool
	HolderID uuid.NullUUID
}

// Manager owns the lock state machine. It does not check edit permission:
// callers reach it only through the authorization gate on the lock routes.
// Locks have no expiry; a crashed client's lock stays held until the holder
// or a platform administrator releases it.
type Manager struct {
	store *store.Store
}

func NewManager(s *store.Store) *Manager {
	return &Manager{store: s}
}

// Acquire attempts the unlocked→locked transition for user. On conflict the
// current state is re-read so the caller can report the holder.
func (m *Manager) Acquire(ctx context.Context, flowID uuid.UUID, user permission.Identity) (State, error) {
	flow, acquired, err := m.store.AcquireFlowLock(ctx, flowID, user.ID)
	if err != nil {
		return State{}, fmt.Errorf("acquire lock: %w", err)
	}
	if acquired {
		slog.InfoContext(ctx, "flow lock acquired", "flow_id", flowID, "user_id", user.ID)
		return State{Locked: true, HolderID: flow.LockedBy}, nil
	}

	// Not acquired: either the flow is gone or someone holds the lock.
	flow, err = m.store.GetFlow(ctx, flowID)
	if err != nil {
		return State{}, fmt.Errorf("acquire lock: %w", err)
	}
	if flow == nil {
		return State{}, ErrNotFound
	}
	// A release racing between our update and this read still reports a
	// conflict; the client retries.
	return State{Locked: flow.Locked, HolderID: flow.LockedBy}, ErrAlreadyLocked
}

// Release attempts the locked→unlocked transition. Only the holder may
// release, except platform administrators (the superuser flag or a
// SUPER_ADMIN account level), who may break any lock.
func (m *Manager) Release(ctx context.Context, flowID uuid.UUID, user permission.Identity) (State, error) {
	_, released, err := m.store.ReleaseFlowLock(ctx, flowID, user.ID, user.IsPlatformAdmin())
	if err != nil {
		return State{}, fmt.Errorf("release lock: %w", err)
	}
	if released {
		slog.InfoContext(ctx, "flow lock released", "flow_id", flowID, "user_id", user.ID)
		return State{Locked: false}, nil
	}

	flow, err := m.store.GetFlow(ctx, flowID)
	if err != nil {
		return State{}, fmt.Errorf("release lock: %w", err)
	}
	if flow == nil {
		return State{}, ErrNotFound
	}
	if !flow.Locked {
		return State{Locked: false}, ErrNotLocked
	}
	return State{Locked: true, HolderID: flow.LockedBy}, ErrNotHolder
}

// Get returns the current lock state without transitioning it.
func (m *Manager) Get(ctx context.Context, flowID uuid.UUID) (State, error) {
	flow, err := m.store.GetFlow(ctx, flowID)
	if err != nil {
		return State{}, fmt.Errorf("get lock: %w", err)
	}
	if flow == nil {
		return State{}, ErrNotFound
	}
	return State{Locked: flow.Locked, HolderID: flow.LockedBy}, nil
}
