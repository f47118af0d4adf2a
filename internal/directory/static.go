// Package directory holds the organisation model the approval engine resolves
// approvers against, plus an in-memory implementation loaded from YAML.
package directory

import (
	"context"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// User is a directory entry.
type User struct {
	ID           string   `yaml:"id" json:"id"`
	DisplayName  string   `yaml:"display_name" json:"display_name"`
	Email        string   `yaml:"email" json:"email"`
	DepartmentID string   `yaml:"department_id" json:"department_id"`
	Roles        []string `yaml:"roles" json:"roles"`
	Active       bool     `yaml:"-" json:"active"`
}

// HasRole reports whether u holds any of the given role codes.
func (u *User) HasRole(codes ...string) bool {
	for _, have := range u.Roles {
		for _, want := range codes {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Department is an organisational unit. ParentID and LeaderID may be empty.
type Department struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	ParentID string `yaml:"parent_id" json:"parent_id"`
	LeaderID string `yaml:"leader_id" json:"leader_id"`
}

// Static is a mutable in-memory directory. Users are returned in insertion
// order.
type Static struct {
	mu          sync.RWMutex
	users       []*User
	departments map[string]*Department
}

// NewStatic creates an empty directory.
func NewStatic() *Static {
	return &Static{departments: make(map[string]*Department)}
}

type fileUser struct {
	User   `yaml:",inline"`
	Active *bool `yaml:"active"`
}

type file struct {
	Departments []*Department `yaml:"departments"`
	Users       []fileUser    `yaml:"users"`
}

// LoadFile reads a YAML directory file. Users are active unless
// `active: false` is given.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to read directory file")
	}
	return Parse(data)
}

// Parse decodes the YAML directory format.
func Parse(data []byte) (*Static, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to parse directory file")
	}

	d := NewStatic()
	for _, dept := range f.Departments {
		if dept.ID == "" {
			return nil, errors.InvalidInput("departments.id", "is required")
		}
		d.PutDepartment(*dept)
	}
	for _, fu := range f.Users {
		if fu.ID == "" {
			return nil, errors.InvalidInput("users.id", "is required")
		}
		u := fu.User
		u.Active = fu.Active == nil || *fu.Active
		d.PutUser(u)
	}
	return d, nil
}

// PutUser inserts or replaces a user.
func (d *Static) PutUser(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cp := u
	cp.Roles = append([]string(nil), u.Roles...)
	for i, existing := range d.users {
		if existing.ID == u.ID {
			d.users[i] = &cp
			return
		}
	}
	d.users = append(d.users, &cp)
}

// PutDepartment inserts or replaces a department.
func (d *Static) PutDepartment(dept Department) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := dept
	d.departments[dept.ID] = &cp
}

func (d *Static) GetUser(ctx context.Context, id string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, u := range d.users {
		if u.ID == id {
			return copyUser(u), nil
		}
	}
	return nil, errors.NotFound("user", id)
}

func (d *Static) ListUsersByRole(ctx context.Context, roleCode string) ([]*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*User
	for _, u := range d.users {
		if u.HasRole(roleCode) {
			out = append(out, copyUser(u))
		}
	}
	return out, nil
}

func (d *Static) ListUsersInDepartments(ctx context.Context, departmentIDs []string) ([]*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	want := make(map[string]bool, len(departmentIDs))
	for _, id := range departmentIDs {
		want[id] = true
	}
	var out []*User
	for _, u := range d.users {
		if u.DepartmentID != "" && want[u.DepartmentID] {
			out = append(out, copyUser(u))
		}
	}
	return out, nil
}

func (d *Static) GetDepartment(ctx context.Context, id string) (*Department, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dept, ok := d.departments[id]
	if !ok {
		return nil, errors.NotFound("department", id)
	}
	cp := *dept
	return &cp, nil
}

// GetDepartmentLeader returns the declared leader, or "" when none is set.
func (d *Static) GetDepartmentLeader(ctx context.Context, departmentID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dept, ok := d.departments[departmentID]
	if !ok {
		return "", errors.NotFound("department", departmentID)
	}
	return dept.LeaderID, nil
}

// UserIsActive reports false for unknown users.
func (d *Static) UserIsActive(ctx context.Context, id string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, u := range d.users {
		if u.ID == id {
			return u.Active, nil
		}
	}
	return false, nil
}

func copyUser(u *User) *User {
	cp := *u
	cp.Roles = append([]string(nil), u.Roles...)
	return &cp
}
