// ABOUTME: Core permission domain types: capabilities, resource types, levels, grants.
// ABOUTME: The Grant record mirrors the resource_permissions table exactly.
package permission

import (
	"time"

	"github.com/google/uuid"
)

// Capability is one independent permission bit a grant can carry.
// There is no OWNER or MANAGE capability: ownership and management rights
// are inferred from owner identity or permission level, never from a bit.
type Capability string

const (
	CapabilityRead Capability = "READ"
	CapabilityRun  Capability = "RUN"
	CapabilityEdit Capability = "EDIT"
)

// ResourceType identifies which kind of resource a grant or check targets.
type ResourceType string

const (
	ResourceFlow    ResourceType = "flow"
	ResourceProject ResourceType = "project"
)

// Level is the semantic level attached to a grant or a user account.
type Level string

const (
	LevelUser         Level = "USER"
	LevelProjectAdmin Level = "PROJECT_ADMIN"
	LevelSuperAdmin   Level = "SUPER_ADMIN"
)

// ParseLevel converts a level string from the database to a Level.
// Unknown or empty values map to LevelUser (least privilege).
func ParseLevel(s string) Level {
	switch s {
	case string(LevelSuperAdmin):
		return LevelSuperAdmin
	case string(LevelProjectAdmin):
		return LevelProjectAdmin
	default:
		return LevelUser
	}
}

// Visibility is a flow's access mode. Public flows are readable and runnable
// by any authenticated user; editing always requires a grant or ownership.
type Visibility string

const (
	VisibilityPrivate Visibility = "PRIVATE"
	VisibilityPublic  Visibility = "PUBLIC"
)

// Identity is the authenticated caller as supplied by the identity layer.
// The evaluator trusts it as already authenticated.
type Identity struct {
	ID        uuid.UUID
	Level     Level
	Superuser bool
}

// IsPlatformAdmin reports whether the identity may take platform-wide
// administrative actions, such as breaking another user's edit lock. The
// superuser flag and a SUPER_ADMIN account level each qualify on their own:
// the two are stored independently and may diverge.
func (i Identity) IsPlatformAdmin() bool {
	return i.Superuser || i.Level == LevelSuperAdmin
}

// Grant is one persisted permission row: grantor authorized grantee to act on
// a resource with the given capability bits. At most one grant exists per
// (grantee, resource, type) — the store upserts, never appends.
type Grant struct {
	ID           uuid.UUID
	ResourceID   uuid.UUID
	GrantorID    uuid.UUID
	GranteeID    uuid.UUID
	ResourceType ResourceType
	Level        Level
	CanRead      bool
	CanRun       bool
	CanEdit      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Allows reports whether the grant's bit for c is set.
func (g *Grant) Allows(c Capability) bool {
	switch c {
	case CapabilityRead:
		return g.CanRead
	case CapabilityRun:
		return g.CanRun
	case CapabilityEdit:
		return g.CanEdit
	default:
		return false
	}
}
