package users

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-rbac/internal/rbac"
	"github.com/odyssey-erp/odyssey-rbac/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ rbac.Directory = (*Repository)(nil)

// ListUsers returns all users.
func (r *Repository) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, email, name, is_active, created_at, updated_at FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.IsActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// GetUser fetches one user.
func (r *Repository) GetUser(ctx context.Context, id int64) (User, error) {
	var u User
	err := r.pool.QueryRow(ctx, `SELECT id, email, name, is_active, created_at, updated_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.Name, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, shared.ErrNotFound
	}
	return u, err
}

// UserExists reports whether an active user with id exists.
func (r *Repository) UserExists(ctx context.Context, userID int64) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND is_active)`, userID).Scan(&ok)
	return ok, err
}

// ScopeExists reports whether every id of the scope exists and nests inside
// the one above it.
func (r *Repository) ScopeExists(ctx context.Context, scope rbac.Scope) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT
	($1 = 0 OR EXISTS (SELECT 1 FROM organizations WHERE id = $1))
	AND ($2 = 0 OR EXISTS (SELECT 1 FROM departments WHERE id = $2 AND organization_id = $1))
	AND ($3 = 0 OR EXISTS (SELECT 1 FROM projects WHERE id = $3 AND organization_id = $1
		AND ($2 = 0 OR department_id = $2)))`,
		scope.OrganizationID, scope.DepartmentID, scope.ProjectID).Scan(&ok)
	return ok, err
}
