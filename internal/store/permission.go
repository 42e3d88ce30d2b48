// ABOUTME: Store methods for permission grants: evaluator lookups, upserts,
// ABOUTME: and the transactional project-grant application with admin promotion.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/flowdeck/flowdeck/internal/permission"
)

const grantColumns = "id, resource_id, grantor_id, grantee_id, resource_type, permission_level, can_read, can_run, can_edit, created_at, updated_at"

func scanGrant(row sq.RowScanner) (*permission.Grant, error) {
	var g permission.Grant
	var rt, level string
	err := row.Scan(&g.ID, &g.ResourceID, &g.GrantorID, &g.GranteeID,
		&rt, &level, &g.CanRead, &g.CanRun, &g.CanEdit, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	g.ResourceType = permission.ResourceType(rt)
	g.Level = permission.ParseLevel(level)
	return &g, nil
}

// GetGrant returns the single grant for (resource, type, grantee), or
// (nil, nil) when none exists. This is the evaluator's hot path.
func (s *Store) GetGrant(ctx context.Context, resourceID uuid.UUID, rt permission.ResourceType, granteeID uuid.UUID) (*permission.Grant, error) {
	query, args, err := psql.
		Select(grantColumns).
		From("resource_permissions").
		Where(sq.Eq{
			"resource_id":   resourceID,
			"resource_type": string(rt),
			"grantee_id":    granteeID,
		}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("get grant: build query: %w", err)
	}
	g, err := scanGrant(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("get grant: %w", err)
	}
	return g, nil
}

// ResourceOwner returns the owner of a flow or project. found is false when
// the resource does not exist.
func (s *Store) ResourceOwner(ctx context.Context, resourceID uuid.UUID, rt permission.ResourceType) (uuid.UUID, bool, error) {
	table := "flows"
	if rt == permission.ResourceProject {
		table = "projects"
	}
	var ownerID uuid.UUID
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT owner_id FROM %s WHERE id = $1", table), resourceID,
	).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("resource owner: %w", err)
	}
	return ownerID, true, nil
}

// FlowVisibility returns the flow's visibility. found is false when the flow
// does not exist.
func (s *Store) FlowVisibility(ctx context.Context, flowID uuid.UUID) (permission.Visibility, bool, error) {
	var vis string
	err := s.db.QueryRowContext(ctx,
		"SELECT visibility FROM flows WHERE id = $1", flowID,
	).Scan(&vis)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("flow visibility: %w", err)
	}
	return permission.Visibility(vis), true, nil
}

// UpsertGrantParams holds the full desired state of one grant.
type UpsertGrantParams struct {
	ResourceID   uuid.UUID
	GrantorID    uuid.UUID
	GranteeID    uuid.UUID
	ResourceType permission.ResourceType
	Level        permission.Level
	CanRead      bool
	CanRun       bool
	CanEdit      bool
}

// UpsertGrant writes the grant, replacing any existing row for the same
// (grantee, resource, type). The uniqueness constraint is the conflict
// target, so concurrent writers converge on the last write.
func (s *Store) UpsertGrant(ctx context.Context, p UpsertGrantParams) (*permission.Grant, error) {
	if p.Level == "" {
		p.Level = permission.LevelUser
	}
	g, err := scanGrant(s.pool.QueryRow(ctx, `
		INSERT INTO resource_permissions
			(resource_id, grantor_id, grantee_id, resource_type, permission_level,
			 can_read, can_run, can_edit)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (grantee_id, resource_id, resource_type) DO UPDATE SET
			grantor_id       = EXCLUDED.grantor_id,
			permission_level = EXCLUDED.permission_level,
			can_read         = EXCLUDED.can_read,
			can_run          = EXCLUDED.can_run,
			can_edit         = EXCLUDED.can_edit,
			updated_at       = now()
		RETURNING `+grantColumns,
		p.ResourceID, p.GrantorID, p.GranteeID, string(p.ResourceType),
		string(p.Level), p.CanRead, p.CanRun, p.CanEdit))
	if err != nil {
		return nil, fmt.Errorf("upsert grant: %w", err)
	}
	return g, nil
}

// DeleteGrant removes the grant for (resource, type, grantee). Returns false
// when no grant existed. Flow grants derived from an earlier cascade are not
// touched — removing project access deliberately leaves flow access behind.
func (s *Store) DeleteGrant(ctx context.Context, resourceID uuid.UUID, rt permission.ResourceType, granteeID uuid.UUID) (bool, error) {
	query, args, err := psql.
		Delete("resource_permissions").
		Where(sq.Eq{
			"resource_id":   resourceID,
			"resource_type": string(rt),
			"grantee_id":    granteeID,
		}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("delete grant: build query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("delete grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete grant: %w", err)
	}
	return n > 0, nil
}

// ListGrantsForResource returns every grant on a resource, oldest first.
func (s *Store) ListGrantsForResource(ctx context.Context, resourceID uuid.UUID, rt permission.ResourceType) ([]permission.Grant, error) {
	query, args, err := psql.
		Select(grantColumns).
		From("resource_permissions").
		Where(sq.Eq{"resource_id": resourceID, "resource_type": string(rt)}).
		OrderBy("created_at ASC, id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("list resource grants: build query: %w", err)
	}
	return s.queryGrants(ctx, query, args)
}

// ListGrantsForGrantee returns every grant held by a user on resources of
// the given type.
func (s *Store) ListGrantsForGrantee(ctx context.Context, granteeID uuid.UUID, rt permission.ResourceType) ([]permission.Grant, error) {
	query, args, err := psql.
		Select(grantColumns).
		From("resource_permissions").
		Where(sq.Eq{"grantee_id": granteeID, "resource_type": string(rt)}).
		OrderBy("created_at ASC, id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("list grantee grants: build query: %w", err)
	}
	return s.queryGrants(ctx, query, args)
}

func (s *Store) queryGrants(ctx context.Context, query string, args []any) ([]permission.Grant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query grants: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var result []permission.Grant
	for rows.Next() {
		var g permission.Grant
		var rt, level string
		if err := rows.Scan(&g.ID, &g.ResourceID, &g.GrantorID, &g.GranteeID,
			&rt, &level, &g.CanRead, &g.CanRun, &g.CanEdit, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("query grants: scan: %w", err)
		}
		g.ResourceType = permission.ResourceType(rt)
		g.Level = permission.ParseLevel(level)
		result = append(result, g)
	}
	return result, rows.Err()
}

// GrantUpdate is a partial update to a project grant. Nil fields keep the
// existing value; absent grants start from all-false USER.
type GrantUpdate struct {
	CanRead        *bool
	CanRun         *bool
	CanEdit        *bool
	IsProjectAdmin *bool
}

// ApplyProjectGrant merges upd into the grantee's project grant and, when the
// result is PROJECT_ADMIN, promotes the grantee with all-true grants on every
// flow in the project — all in one transaction. This is the only path that
// changes a grant's level.
func (s *Store) ApplyProjectGrant(ctx context.Context, projectID, grantorID, granteeID uuid.UUID, upd GrantUpdate) (*permission.Grant, error) {
	var result *permission.Grant
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		existing, err := scanGrant(tx.QueryRow(ctx, `
			SELECT `+grantColumns+`
			FROM resource_permissions
			WHERE resource_id = $1 AND resource_type = 'project' AND grantee_id = $2
			FOR UPDATE`, projectID, granteeID))
		if err != nil {
			return fmt.Errorf("load project grant: %w", err)
		}

		canRead, canRun, canEdit := false, false, false
		level := permission.LevelUser
		if existing != nil {
			canRead, canRun, canEdit = existing.CanRead, existing.CanRun, existing.CanEdit
			level = existing.Level
		}
		if upd.CanRead != nil {
			canRead = *upd.CanRead
		}
		if upd.CanRun != nil {
			canRun = *upd.CanRun
		}
		if upd.CanEdit != nil {
			canEdit = *upd.CanEdit
		}
		if upd.IsProjectAdmin != nil {
			if *upd.IsProjectAdmin {
				level = permission.LevelProjectAdmin
				canRead, canRun, canEdit = true, true, true
			} else if level == permission.LevelProjectAdmin {
				level = permission.LevelUser
			}
		}

		result, err = scanGrant(tx.QueryRow(ctx, `
			INSERT INTO resource_permissions
				(resource_id, grantor_id, grantee_id, resource_type, permission_level,
				 can_read, can_run, can_edit)
			VALUES ($1, $2, $3, 'project', $4, $5, $6, $7)
			ON CONFLICT (grantee_id, resource_id, resource_type) DO UPDATE SET
				grantor_id       = EXCLUDED.grantor_id,
				permission_level = EXCLUDED.permission_level,
				can_read         = EXCLUDED.can_read,
				can_run          = EXCLUDED.can_run,
				can_edit         = EXCLUDED.can_edit,
				updated_at       = now()
			RETURNING `+grantColumns,
			projectID, grantorID, granteeID, string(level), canRead, canRun, canEdit))
		if err != nil {
			return fmt.Errorf("write project grant: %w", err)
		}

		if level == permission.LevelProjectAdmin {
			if _, err := permission.PromoteProjectAdmin(ctx, tx, projectID, granteeID, grantorID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply project grant: %w", err)
	}
	return result, nil
}
