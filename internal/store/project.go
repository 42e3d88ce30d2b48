// ABOUTME: Store methods for projects: CRUD, listing by ownership or grant,
// ABOUTME: and owner resolution for the permission evaluator.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateProjectName is returned when an owner already has a project
// with the requested name.
var ErrDuplicateProjectName = errors.New("project name already in use")

// Project is one project row. Flows reference projects optionally; deleting
// a project cascades to its flows.
type Project struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const projectColumns = "id, owner_id, name, description, created_at, updated_at"

func scanProject(row sq.RowScanner) (*Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateProject inserts a project owned by ownerID.
func (s *Store) CreateProject(ctx context.Context, ownerID uuid.UUID, name, description string) (*Project, error) {
	query, args, err := psql.
		Insert("projects").
		Columns("owner_id", "name", "description").
		Values(ownerID, name, description).
		Suffix("RETURNING " + projectColumns).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("create project: build query: %w", err)
	}
	p, err := scanProject(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateProjectName
		}
		return nil, fmt.Errorf("create project: %w", err)
	}
	return p, nil
}

// GetProject returns the project with the given id, or (nil, nil) if not found.
func (s *Store) GetProject(ctx context.Context, id uuid.UUID) (*Project, error) {
	query, args, err := psql.
		Select(projectColumns).
		From("projects").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("get project: build query: %w", err)
	}
	p, err := scanProject(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// ListProjectsForUser returns projects the user owns plus projects shared
// with them through a readable grant, ordered by creation time.
func (s *Store) ListProjectsForUser(ctx context.Context, userID uuid.UUID) ([]Project, error) {
	query, args, err := psql.
		Select("p." + projectColumns).
		From("projects p").
		LeftJoin(`resource_permissions rp ON rp.resource_id = p.id
			AND rp.resource_type = 'project' AND rp.grantee_id = ?`, userID).
		Where(sq.Or{
			sq.Eq{"p.owner_id": userID},
			sq.Eq{"rp.can_read": true},
		}).
		OrderBy("p.created_at ASC, p.id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("list projects: build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var result []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list projects: scan: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// UpdateProjectParams holds the mutable project fields. Nil means unchanged.
type UpdateProjectParams struct {
	Name        *string
	Description *string
}

// UpdateProject applies the non-nil fields. Returns (nil, nil) if the project
// does not exist.
func (s *Store) UpdateProject(ctx context.Context, id uuid.UUID, p UpdateProjectParams) (*Project, error) {
	sb := psql.Update("projects").
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING " + projectColumns)
	if p.Name != nil {
		sb = sb.Set("name", *p.Name)
	}
	if p.Description != nil {
		sb = sb.Set("description", *p.Description)
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("update project: build query: %w", err)
	}
	proj, err := scanProject(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateProjectName
		}
		return nil, fmt.Errorf("update project: %w", err)
	}
	return proj, nil
}

// DeleteProject removes the project, its grants, and the grants of the flows
// it contains. The flows themselves go via the FK cascade. Returns false if
// the project did not exist.
func (s *Store) DeleteProject(ctx context.Context, id uuid.UUID) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			DELETE FROM resource_permissions
			WHERE resource_type = 'flow'
			  AND resource_id IN (SELECT id FROM flows WHERE project_id = $1)`, id)
		if err != nil {
			return fmt.Errorf("delete flow grants: %w", err)
		}
		_, err = tx.Exec(ctx, `
			DELETE FROM resource_permissions
			WHERE resource_type = 'project' AND resource_id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete project grants: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete project: %w", err)
		}
		deleted = tag.RowsAffected() > 0
		return nil
	})
	return deleted, err
}
