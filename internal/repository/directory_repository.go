package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/directory"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// DirectoryRepository reads users, departments and role assignments from the
// org_* tables.
type DirectoryRepository struct {
	db DBTX
}

// NewDirectoryRepository creates a new DirectoryRepository.
func NewDirectoryRepository(db DBTX) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

const userSelect = `
	SELECT u.id, u.display_name, u.email, COALESCE(u.department_id, ''), u.is_active,
	       COALESCE(array_agg(r.role_code ORDER BY r.role_code) FILTER (WHERE r.role_code IS NOT NULL), '{}')
	FROM org_users u
	LEFT JOIN org_user_roles r ON r.user_id = u.id
`

func (r *DirectoryRepository) GetUser(ctx context.Context, id string) (*directory.User, error) {
	query := userSelect + ` WHERE u.id = $1 GROUP BY u.id`

	u, err := scanUser(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("user", id)
	}
	return u, err
}

func (r *DirectoryRepository) ListUsersByRole(ctx context.Context, roleCode string) ([]*directory.User, error) {
	query := userSelect + `
		WHERE u.id IN (SELECT user_id FROM org_user_roles WHERE role_code = $1)
		GROUP BY u.id
		ORDER BY u.id
	`
	return r.queryUsers(ctx, query, roleCode)
}

func (r *DirectoryRepository) ListUsersInDepartments(ctx context.Context, departmentIDs []string) ([]*directory.User, error) {
	query := userSelect + `
		WHERE u.department_id = ANY($1::text[])
		GROUP BY u.id
		ORDER BY u.id
	`
	return r.queryUsers(ctx, query, departmentIDs)
}

func (r *DirectoryRepository) GetDepartment(ctx context.Context, id string) (*directory.Department, error) {
	query := `
		SELECT id, name, COALESCE(parent_id, ''), COALESCE(leader_id, '')
		FROM org_departments
		WHERE id = $1
	`

	d := &directory.Department{}
	err := r.db.QueryRow(ctx, query, id).Scan(&d.ID, &d.Name, &d.ParentID, &d.LeaderID)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("department", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get department")
	}
	return d, nil
}

func (r *DirectoryRepository) GetDepartmentLeader(ctx context.Context, departmentID string) (string, error) {
	d, err := r.GetDepartment(ctx, departmentID)
	if err != nil {
		return "", err
	}
	return d.LeaderID, nil
}

func (r *DirectoryRepository) UserIsActive(ctx context.Context, id string) (bool, error) {
	var active bool
	err := r.db.QueryRow(ctx, `SELECT is_active FROM org_users WHERE id = $1`, id).Scan(&active)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check user status")
	}
	return active, nil
}

func (r *DirectoryRepository) queryUsers(ctx context.Context, query string, args ...any) ([]*directory.User, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list users")
	}
	defer rows.Close()

	var out []*directory.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate users")
	}
	return out, nil
}

func scanUser(row pgx.Row) (*directory.User, error) {
	u := &directory.User{}
	err := row.Scan(&u.ID, &u.DisplayName, &u.Email, &u.DepartmentID, &u.Active, &u.Roles)
	if err == pgx.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan user")
	}
	return u, nil
}
