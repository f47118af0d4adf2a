package service

import (
	"context"

	"github.com/pesio-ai/be-plt-approvals/internal/directory"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// RoleDepartmentManager is the role code used when a department has no
// declared leader.
const RoleDepartmentManager = "department_manager"

// ResolveApprovers returns the ordered, distinct users who must decide on
// node for inst. An empty result is not an error. The resolver only reads
// from dir.
func ResolveApprovers(ctx context.Context, node *repository.ApprovalNode, inst *repository.ApprovalInstance, dir Directory) ([]string, error) {
	switch src := node.Approvers.(type) {
	case repository.UserApprovers:
		return distinct(src.UserIDs), nil

	case repository.RoleApprovers:
		var ids []string
		for _, role := range src.RoleCodes {
			users, err := dir.ListUsersByRole(ctx, role)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list users by role")
			}
			ids = append(ids, activeIDs(users)...)
		}
		return distinct(ids), nil

	case repository.DepartmentApprovers:
		if len(src.DepartmentIDs) == 0 {
			return nil, nil
		}
		users, err := dir.ListUsersInDepartments(ctx, src.DepartmentIDs)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list users in departments")
		}
		return distinct(activeIDs(users)), nil

	case repository.CreatorApprover:
		return []string{inst.Applicant}, nil

	case repository.DepartmentManagerApprover:
		return resolveDepartmentManager(ctx, inst.Applicant, dir)

	case nil:
		return nil, nil
	}
	return nil, errors.Newf(errors.ErrCodeWorkflowMisconfigured, "unsupported approver type %q", node.Approvers.Type())
}

func resolveDepartmentManager(ctx context.Context, applicant string, dir Directory) ([]string, error) {
	user, err := dir.GetUser(ctx, applicant)
	if errors.HasCode(err, errors.ErrCodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load applicant")
	}
	if user.DepartmentID == "" {
		return nil, nil
	}

	leader, err := dir.GetDepartmentLeader(ctx, user.DepartmentID)
	if errors.HasCode(err, errors.ErrCodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load department leader")
	}
	if leader != "" {
		return []string{leader}, nil
	}

	members, err := dir.ListUsersInDepartments(ctx, []string{user.DepartmentID})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list department members")
	}
	var ids []string
	for _, m := range members {
		if m.HasRole(RoleDepartmentManager) {
			ids = append(ids, m.ID)
		}
	}
	return distinct(ids), nil
}

// escalationTarget picks the leader of the parent of the applicant's
// department, falling back to the applicant's own department leader.
func escalationTarget(ctx context.Context, applicant string, dir Directory) (string, error) {
	user, err := dir.GetUser(ctx, applicant)
	if errors.HasCode(err, errors.ErrCodeNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if user.DepartmentID == "" {
		return "", nil
	}

	dept, err := dir.GetDepartment(ctx, user.DepartmentID)
	if errors.HasCode(err, errors.ErrCodeNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if dept.ParentID != "" {
		leader, err := dir.GetDepartmentLeader(ctx, dept.ParentID)
		if err != nil && !errors.HasCode(err, errors.ErrCodeNotFound) {
			return "", err
		}
		if leader != "" {
			return leader, nil
		}
	}
	return dept.LeaderID, nil
}

func activeIDs(users []*directory.User) []string {
	ids := make([]string, 0, len(users))
	for _, u := range users {
		if u.Active {
			ids = append(ids, u.ID)
		}
	}
	return ids
}

func distinct(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
