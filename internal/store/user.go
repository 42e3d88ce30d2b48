// ABOUTME: Store methods for user accounts: creation, lookup, and level changes.
// ABOUTME: User level and the superuser flag feed directly into authorization identities.
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

	"github.com/flowdeck/flowdeck/internal/permission"
)

// ErrDuplicateEmail is returned by CreateUser when the email is already taken.
var ErrDuplicateEmail = errors.New("email already registered")

// User is one account row. PasswordHash is the PHC-encoded argon2id string.
type User struct {
	ID           uuid.UUID
	Email        string
	DisplayName  string
	PasswordHash string
	Level        permission.Level
	IsSuperuser  bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastLoginAt  sql.NullTime
}

// Identity converts the user row to the identity the evaluator consumes.
func (u *User) Identity() permission.Identity {
	return permission.Identity{ID: u.ID, Level: u.Level, Superuser: u.IsSuperuser}
}

const userColumns = "id, email, display_name, password_hash, user_level, is_superuser, created_at, updated_at, last_login_at"

func scanUser(row sq.RowScanner) (*User, error) {
	var u User
	var level string
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash,
		&level, &u.IsSuperuser, &u.CreatedAt, &u.UpdatedAt, &u.LastLoginAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Level = permission.ParseLevel(level)
	return &u, nil
}

// CreateUser inserts an account with an explicit superuser flag. Self-service
// signups go through RegisterUser, which decides the flag itself.
func (s *Store) CreateUser(ctx context.Context, email, displayName, passwordHash string, superuser bool) (*User, error) {
	level := permission.LevelUser
	if superuser {
		level = permission.LevelSuperAdmin
	}
	query, args, err := psql.
		Insert("users").
		Columns("email", "display_name", "password_hash", "user_level", "is_superuser").
		Values(email, displayName, passwordHash, string(level), superuser).
		Suffix("RETURNING " + userColumns).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("create user: build query: %w", err)
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// GetUserByID returns the user with the given id, or (nil, nil) if not found.
func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	query, args, err := psql.
		Select(userColumns).
		From("users").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("get user: build query: %w", err)
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// GetUserByEmail returns the user with the given email, or (nil, nil) if not found.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	query, args, err := psql.
		Select(userColumns).
		From("users").
		Where(sq.Eq{"email": email}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("get user by email: build query: %w", err)
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

// bootstrapLockID keys the advisory lock that serializes first-user
// registration. Only taken while the users table looks empty.
const bootstrapLockID = 0x464c4f57 // "FLOW"

// RegisterUser creates an account through self-service registration. The
// first account in an empty users table becomes the platform superuser; the
// emptiness check and the insert share one transaction, with an advisory lock
// around the bootstrap path so concurrent first registrations cannot both
// claim it.
func (s *Store) RegisterUser(ctx context.Context, email, displayName, passwordHash string) (*User, error) {
	var u *User
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var n int64
		if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM users").Scan(&n); err != nil {
			return fmt.Errorf("count users: %w", err)
		}
		if n == 0 {
			// Serialize with any other would-be first user, then re-check:
			// whoever held the lock before us may have inserted already.
			if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", int64(bootstrapLockID)); err != nil {
				return fmt.Errorf("bootstrap lock: %w", err)
			}
			if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM users").Scan(&n); err != nil {
				return fmt.Errorf("recount users: %w", err)
			}
		}
		level := permission.LevelUser
		if n == 0 {
			level = permission.LevelSuperAdmin
		}
		row := tx.QueryRow(ctx, `
			INSERT INTO users (email, display_name, password_hash, user_level, is_superuser)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING `+userColumns,
			email, displayName, passwordHash, string(level), n == 0)
		var err error
		u, err = scanUser(row)
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("register user: %w", err)
	}
	return u, nil
}

// UpdateLastLogin stamps last_login_at on successful authentication.
func (s *Store) UpdateLastLogin(ctx context.Context, id uuid.UUID) error {
	query, args, err := psql.
		Update("users").
		Set("last_login_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("update last login: build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

// SetUserLevel changes an account's level and superuser flag. Callers must
// gate on SUPER_ADMIN; existing sessions keep their old claims until the
// token is reissued.
func (s *Store) SetUserLevel(ctx context.Context, id uuid.UUID, level permission.Level, superuser bool) (*User, error) {
	query, args, err := psql.
		Update("users").
		Set("user_level", string(level)).
		Set("is_superuser", superuser).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING " + userColumns).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("set user level: build query: %w", err)
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("set user level: %w", err)
	}
	return u, nil
}
