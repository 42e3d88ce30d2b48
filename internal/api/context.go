// ABOUTME: Request context key types and constants for the api package.
// ABOUTME: Used by middleware to inject auth state and by handlers to read it.
package api

import (
	"context"

	"github.com/google/uuid"

	"github.com/flowdeck/flowdeck/internal/permission"
)

type contextKey int

const (
	ctxIdentity   contextKey = iota // permission.Identity — authenticated caller
	ctxResourceID                   // uuid.UUID — resource id the gate authorized
)

// identityFrom returns the authenticated identity injected by
// RequireAuthenticated.
func identityFrom(ctx context.Context) (permission.Identity, bool) {
	id, ok := ctx.Value(ctxIdentity).(permission.Identity)
	return id, ok
}

// resourceIDFrom returns the resource id the authorization gate resolved and
// checked for this request.
func resourceIDFrom(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ctxResourceID).(uuid.UUID)
	return id, ok
}
