// ABOUTME: Write-time grant synchronization: project→flow cascade, admin promotion,
// ABOUTME: and the reconciliation pass run by the grant_sync job queue.
package permission

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Flow capability is not derived from project membership at read time: the
// evaluator never walks up to the parent project. Instead, every write that
// changes what project members should see on a flow runs one of these
// set-based statements inside the same transaction as the triggering write.
// The ON CONFLICT targets the store's (grantee, resource, type) uniqueness
// constraint, so concurrent synchronization for the same grantee collapses
// into an update instead of a duplicate row.

// CascadeFlowGrants copies every project-level grant onto a newly created
// flow, bits verbatim, level USER. The flow creator is excluded: ownership
// never requires a grant record. Returns the number of grants written.
func CascadeFlowGrants(ctx context.Context, tx pgx.Tx, flowID, projectID, creatorID uuid.UUID) (int64, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO resource_permissions
			(resource_id, grantor_id, grantee_id, resource_type, permission_level,
			 can_read, can_run, can_edit)
		SELECT $1, $3, p.grantee_id, 'flow', 'USER',
		       p.can_read, p.can_run, p.can_edit
		FROM resource_permissions p
		WHERE p.resource_id = $2
		  AND p.resource_type = 'project'
		  AND p.grantee_id <> $3
		ON CONFLICT (grantee_id, resource_id, resource_type) DO UPDATE SET
			can_read   = EXCLUDED.can_read,
			can_run    = EXCLUDED.can_run,
			can_edit   = EXCLUDED.can_edit,
			updated_at = now()`,
		flowID, projectID, creatorID)
	if err != nil {
		return 0, fmt.Errorf("cascade flow grants: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PromoteProjectAdmin writes an all-true PROJECT_ADMIN grant for granteeID
// on every flow currently in the project. Flows the grantee owns are
// skipped. Returns the number of grants written.
func PromoteProjectAdmin(ctx context.Context, tx pgx.Tx, projectID, granteeID, grantorID uuid.UUID) (int64, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO resource_permissions
			(resource_id, grantor_id, grantee_id, resource_type, permission_level,
			 can_read, can_run, can_edit)
		SELECT f.id, $3, $2, 'flow', 'PROJECT_ADMIN', true, true, true
		FROM flows f
		WHERE f.project_id = $1
		  AND f.owner_id <> $2
		ON CONFLICT (grantee_id, resource_id, resource_type) DO UPDATE SET
			permission_level = 'PROJECT_ADMIN',
			can_read         = true,
			can_run          = true,
			can_edit         = true,
			updated_at       = now()`,
		projectID, granteeID, grantorID)
	if err != nil {
		return 0, fmt.Errorf("promote project admin: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReconcileProjectFlows re-derives flow grants from the project's current
// grant set: USER-level grantees get their project bits copied, PROJECT_ADMIN
// grantees get all-true. It only adds and updates — grants for users no
// longer in the project are deliberately left in place, matching the
// retention behavior of explicit member removal. Used by the grant_sync job
// as a repair pass; the in-transaction cascade remains authoritative.
func ReconcileProjectFlows(ctx context.Context, tx pgx.Tx, projectID uuid.UUID) (int64, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO resource_permissions
			(resource_id, grantor_id, grantee_id, resource_type, permission_level,
			 can_read, can_run, can_edit)
		SELECT f.id, p.grantor_id, p.grantee_id, 'flow',
		       CASE WHEN p.permission_level = 'PROJECT_ADMIN'
		            THEN 'PROJECT_ADMIN' ELSE 'USER' END,
		       p.can_read OR p.permission_level = 'PROJECT_ADMIN',
		       p.can_run  OR p.permission_level = 'PROJECT_ADMIN',
		       p.can_edit OR p.permission_level = 'PROJECT_ADMIN'
		FROM resource_permissions p
		JOIN flows f ON f.project_id = p.resource_id
		WHERE p.resource_id = $1
		  AND p.resource_type = 'project'
		  AND p.grantee_id <> f.owner_id
		ON CONFLICT (grantee_id, resource_id, resource_type) DO UPDATE SET
			permission_level = EXCLUDED.permission_level,
			can_read         = EXCLUDED.can_read,
			can_run          = EXCLUDED.can_run,
			can_edit         = EXCLUDED.can_edit,
			updated_at       = now()`,
		projectID)
	if err != nil {
		return 0, fmt.Errorf("reconcile project flows: %w", err)
	}
	return tag.RowsAffected(), nil
}
