// ABOUTME: Store methods for flows: CRUD with in-transaction grant cascade,
// ABOUTME: listing by ownership or grant, and the atomic edit-lock transitions.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/flowdeck/flowdeck/internal/permission"
)

// ErrDuplicateFlowName is returned when an owner already has a flow with the
// requested name.
var ErrDuplicateFlowName = errors.New("flow name already in use")

// Flow is one flow row including its lock state. Locked and LockedBy move
// together: the ck_flow_lock_holder constraint rejects one without the other.
type Flow struct {
	ID            uuid.UUID
	OwnerID       uuid.UUID
	ProjectID     uuid.NullUUID
	Name          string
	Description   string
	Data          json.RawMessage
	Visibility    permission.Visibility
	Locked        bool
	LockedBy      uuid.NullUUID
	LockUpdatedAt sql.NullTime
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const flowColumns = "id, owner_id, project_id, name, description, data, visibility, locked, locked_by, lock_updated_at, created_at, updated_at"

func scanFlow(row sq.RowScanner) (*Flow, error) {
	var f Flow
	var vis string
	err := row.Scan(&f.ID, &f.OwnerID, &f.ProjectID, &f.Name, &f.Description,
		&f.Data, &vis, &f.Locked, &f.LockedBy, &f.LockUpdatedAt,
		&f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f.Visibility = permission.Visibility(vis)
	return &f, nil
}

// CreateFlowParams holds the fields for creating a flow.
type CreateFlowParams struct {
	OwnerID     uuid.UUID
	ProjectID   uuid.NullUUID
	Name        string
	Description string
	Data        json.RawMessage
	Visibility  permission.Visibility
}

// CreateFlow inserts a flow and, when it lands in a project, copies the
// project's grants onto it in the same transaction. Members with project
// access can see the new flow immediately or not at all — never a flow
// without its grants.
func (s *Store) CreateFlow(ctx context.Context, p CreateFlowParams) (*Flow, error) {
	if p.Visibility == "" {
		p.Visibility = permission.VisibilityPrivate
	}
	if p.Data == nil {
		p.Data = json.RawMessage(`{}`)
	}
	var flow *Flow
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO flows (owner_id, project_id, name, description, data, visibility)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+flowColumns,
			p.OwnerID, p.ProjectID, p.Name, p.Description, p.Data, string(p.Visibility))
		var err error
		flow, err = scanFlow(row)
		if err != nil {
			return fmt.Errorf("insert flow: %w", err)
		}
		if p.ProjectID.Valid {
			if _, err := permission.CascadeFlowGrants(ctx, tx, flow.ID, p.ProjectID.UUID, p.OwnerID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateFlowName
		}
		return nil, fmt.Errorf("create flow: %w", err)
	}
	return flow, nil
}

// GetFlow returns the flow with the given id, or (nil, nil) if not found.
func (s *Store) GetFlow(ctx context.Context, id uuid.UUID) (*Flow, error) {
	query, args, err := psql.
		Select(flowColumns).
		From("flows").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("get flow: build query: %w", err)
	}
	f, err := scanFlow(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("get flow: %w", err)
	}
	return f, nil
}

// ListFlowsForUser returns flows the user owns plus flows shared with them
// through a readable grant. Public flows they have no relationship with are
// excluded: discovery goes through explicit sharing, not the list endpoint.
func (s *Store) ListFlowsForUser(ctx context.Context, userID uuid.UUID, projectID uuid.NullUUID) ([]Flow, error) {
	cols := make([]string, 0, 12)
	for _, c := range []string{"id", "owner_id", "project_id", "name", "description", "data", "visibility", "locked", "locked_by", "lock_updated_at", "created_at", "updated_at"} {
		cols = append(cols, "f."+c)
	}
	sb := psql.
		Select(cols...).
		From("flows f").
		LeftJoin(`resource_permissions rp ON rp.resource_id = f.id
			AND rp.resource_type = 'flow' AND rp.grantee_id = ?`, userID).
		Where(sq.Or{
			sq.Eq{"f.owner_id": userID},
			sq.Eq{"rp.can_read": true},
		}).
		OrderBy("f.created_at ASC, f.id ASC")
	if projectID.Valid {
		sb = sb.Where(sq.Eq{"f.project_id": projectID.UUID})
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list flows: build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var result []Flow
	for rows.Next() {
		var f Flow
		var vis string
		if err := rows.Scan(&f.ID, &f.OwnerID, &f.ProjectID, &f.Name, &f.Description,
			&f.Data, &vis, &f.Locked, &f.LockedBy, &f.LockUpdatedAt,
			&f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list flows: scan: %w", err)
		}
		f.Visibility = permission.Visibility(vis)
		result = append(result, f)
	}
	return result, rows.Err()
}

// ListProjectFlows returns every flow in the project, unfiltered by caller.
// Used by admin views; authorization happens at the gate.
func (s *Store) ListProjectFlows(ctx context.Context, projectID uuid.UUID) ([]Flow, error) {
	query, args, err := psql.
		Select(flowColumns).
		From("flows").
		Where(sq.Eq{"project_id": projectID}).
		OrderBy("created_at ASC, id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("list project flows: build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list project flows: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var result []Flow
	for rows.Next() {
		var f Flow
		var vis string
		if err := rows.Scan(&f.ID, &f.OwnerID, &f.ProjectID, &f.Name, &f.Description,
			&f.Data, &vis, &f.Locked, &f.LockedBy, &f.LockUpdatedAt,
			&f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list project flows: scan: %w", err)
		}
		f.Visibility = permission.Visibility(vis)
		result = append(result, f)
	}
	return result, rows.Err()
}

// UpdateFlowParams holds the mutable flow fields. Nil means unchanged.
type UpdateFlowParams struct {
	Name        *string
	Description *string
	Data        json.RawMessage
	Visibility  *permission.Visibility
}

// UpdateFlow applies the non-nil fields. Returns (nil, nil) if the flow does
// not exist or is locked by someone other than actorID. The lock condition
// lives in the WHERE clause so a lock acquired between the caller's read and
// this write still blocks it; override skips the holder check for platform
// administrators. Lock state itself is never touched here; that goes through
// the lock transitions below.
func (s *Store) UpdateFlow(ctx context.Context, id uuid.UUID, actorID uuid.UUID, override bool, p UpdateFlowParams) (*Flow, error) {
	sb := psql.Update("flows").
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING " + flowColumns)
	if !override {
		sb = sb.Where(sq.Or{
			sq.Eq{"locked": false},
			sq.Eq{"locked_by": actorID},
		})
	}
	if p.Name != nil {
		sb = sb.Set("name", *p.Name)
	}
	if p.Description != nil {
		sb = sb.Set("description", *p.Description)
	}
	if p.Data != nil {
		sb = sb.Set("data", p.Data)
	}
	if p.Visibility != nil {
		sb = sb.Set("visibility", string(*p.Visibility))
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("update flow: build query: %w", err)
	}
	f, err := scanFlow(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateFlowName
		}
		return nil, fmt.Errorf("update flow: %w", err)
	}
	return f, nil
}

// DeleteFlow removes the flow and its grants. Returns false if the flow did
// not exist.
func (s *Store) DeleteFlow(ctx context.Context, id uuid.UUID) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			DELETE FROM resource_permissions
			WHERE resource_type = 'flow' AND resource_id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete flow grants: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM flows WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete flow: %w", err)
		}
		deleted = tag.RowsAffected() > 0
		return nil
	})
	return deleted, err
}

// ─── Edit lock transitions ──────────────────────────────────────────────────

// AcquireFlowLock attempts the unlocked→locked transition for userID. The
// WHERE clause makes the check-and-set a single atomic statement: under
// concurrent attempts exactly one caller sees acquired=true. Acquiring a
// lock already held by userID also reports false — the transition is from
// unlocked only.
func (s *Store) AcquireFlowLock(ctx context.Context, flowID, userID uuid.UUID) (*Flow, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE flows
		SET locked = true, locked_by = $2, lock_updated_at = now()
		WHERE id = $1 AND locked = false
		RETURNING `+flowColumns,
		flowID, userID)
	f, err := scanFlow(row)
	if err != nil {
		return nil, false, fmt.Errorf("acquire flow lock: %w", err)
	}
	if f == nil {
		return nil, false, nil
	}
	return f, true, nil
}

// ReleaseFlowLock attempts the locked→unlocked transition. Only the current
// holder releases, unless override is set (platform administrators may break
// any lock). Releasing clears the holder and the lock timestamp together.
func (s *Store) ReleaseFlowLock(ctx context.Context, flowID, userID uuid.UUID, override bool) (*Flow, bool, error) {
	query := `
		UPDATE flows
		SET locked = false, locked_by = NULL, lock_updated_at = NULL
		WHERE id = $1 AND locked = true AND locked_by = $2
		RETURNING ` + flowColumns
	args := []any{flowID, userID}
	if override {
		query = `
			UPDATE flows
			SET locked = false, locked_by = NULL, lock_updated_at = NULL
			WHERE id = $1 AND locked = true
			RETURNING ` + flowColumns
		args = []any{flowID}
	}
	f, err := scanFlow(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, false, fmt.Errorf("release flow lock: %w", err)
	}
	if f == nil {
		return nil, false, nil
	}
	return f, true, nil
}
