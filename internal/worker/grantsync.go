// ABOUTME: grant_sync job handler — reconciles flow grants from project grants.
// ABOUTME: Repair pass behind the in-transaction cascade, which stays authoritative.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/flowdeck/flowdeck/internal/permission"
	"github.com/flowdeck/flowdeck/internal/store"
)

// grantSyncPayload is the jobs.payload shape for the grant_sync queue.
type grantSyncPayload struct {
	ProjectID uuid.UUID `json:"project_id"`
	GranteeID uuid.UUID `json:"grantee_id"`
}

// NewGrantSyncHandler returns the handler for the grant_sync queue. It
// re-derives every flow grant in the payload's project from the project's
// current grant set, then evicts the evaluator's cached entries for the
// grantee so the next check sees the repaired rows.
func NewGrantSyncHandler(s *store.Store, eval *permission.Evaluator) Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var p grantSyncPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("grant_sync: decode payload: %w", err)
		}
		if p.ProjectID == uuid.Nil {
			return fmt.Errorf("grant_sync: missing project_id")
		}

		var written int64
		err := pgx.BeginFunc(ctx, s.Pool(), func(tx pgx.Tx) error {
			var err error
			written, err = permission.ReconcileProjectFlows(ctx, tx, p.ProjectID)
			return err
		})
		if err != nil {
			return fmt.Errorf("grant_sync: reconcile project %s: %w", p.ProjectID, err)
		}

		if p.GranteeID != uuid.Nil {
			eval.EvictGrantee(p.GranteeID)
		}
		slog.InfoContext(ctx, "grant sync reconciled",
			"project_id", p.ProjectID, "grants_written", written)
		return nil
	}
}
