package repository

import (
	"encoding/json"
	"fmt"
)

// ApproverType names an approver source variant.
type ApproverType string

const (
	ApproverUser              ApproverType = "user"
	ApproverRole              ApproverType = "role"
	ApproverDepartment        ApproverType = "department"
	ApproverCreator           ApproverType = "creator"
	ApproverDepartmentManager ApproverType = "department_manager"
)

// ApproverSource is the abstract approver definition of a node. The concrete
// variants are UserApprovers, RoleApprovers, DepartmentApprovers,
// CreatorApprover and DepartmentManagerApprover.
type ApproverSource interface {
	Type() ApproverType
	isApproverSource()
}

// UserApprovers lists approvers explicitly, in order.
type UserApprovers struct {
	UserIDs []string
}

// RoleApprovers selects active users holding any of the roles.
type RoleApprovers struct {
	RoleCodes []string
}

// DepartmentApprovers selects active users belonging to any of the departments.
type DepartmentApprovers struct {
	DepartmentIDs []string
}

// CreatorApprover routes the node back to the applicant.
type CreatorApprover struct{}

// DepartmentManagerApprover routes to the applicant's department leader.
type DepartmentManagerApprover struct{}

func (UserApprovers) Type() ApproverType             { return ApproverUser }
func (RoleApprovers) Type() ApproverType             { return ApproverRole }
func (DepartmentApprovers) Type() ApproverType       { return ApproverDepartment }
func (CreatorApprover) Type() ApproverType           { return ApproverCreator }
func (DepartmentManagerApprover) Type() ApproverType { return ApproverDepartmentManager }

func (UserApprovers) isApproverSource()             {}
func (RoleApprovers) isApproverSource()             {}
func (DepartmentApprovers) isApproverSource()       {}
func (CreatorApprover) isApproverSource()           {}
func (DepartmentManagerApprover) isApproverSource() {}

// ApproverColumns is the flattened storage form of an ApproverSource, matching
// the approval_node columns.
type ApproverColumns struct {
	Type        ApproverType `json:"approver_type"`
	Users       []string     `json:"approver_users,omitempty"`
	Roles       []string     `json:"approver_roles,omitempty"`
	Departments []string     `json:"approver_departments,omitempty"`
}

// ColumnsOf flattens src. A nil source yields an empty type.
func ColumnsOf(src ApproverSource) ApproverColumns {
	switch s := src.(type) {
	case UserApprovers:
		return ApproverColumns{Type: ApproverUser, Users: s.UserIDs}
	case RoleApprovers:
		return ApproverColumns{Type: ApproverRole, Roles: s.RoleCodes}
	case DepartmentApprovers:
		return ApproverColumns{Type: ApproverDepartment, Departments: s.DepartmentIDs}
	case CreatorApprover:
		return ApproverColumns{Type: ApproverCreator}
	case DepartmentManagerApprover:
		return ApproverColumns{Type: ApproverDepartmentManager}
	}
	return ApproverColumns{}
}

// Source rebuilds the typed variant. An empty type yields a nil source, which
// is valid for start and end nodes.
func (c ApproverColumns) Source() (ApproverSource, error) {
	switch c.Type {
	case "":
		return nil, nil
	case ApproverUser:
		return UserApprovers{UserIDs: c.Users}, nil
	case ApproverRole:
		return RoleApprovers{RoleCodes: c.Roles}, nil
	case ApproverDepartment:
		return DepartmentApprovers{DepartmentIDs: c.Departments}, nil
	case ApproverCreator:
		return CreatorApprover{}, nil
	case ApproverDepartmentManager:
		return DepartmentManagerApprover{}, nil
	}
	return nil, fmt.Errorf("unknown approver type %q", c.Type)
}

type nodeJSON struct {
	ApprovalNodeAlias
	ApproverColumns
}

// ApprovalNodeAlias strips ApprovalNode's methods for JSON round-tripping.
type ApprovalNodeAlias ApprovalNode

// MarshalJSON encodes the node with its approver source flattened.
func (n ApprovalNode) MarshalJSON() ([]byte, error) {
	return json.Marshal(nodeJSON{
		ApprovalNodeAlias: ApprovalNodeAlias(n),
		ApproverColumns:   ColumnsOf(n.Approvers),
	})
}

// UnmarshalJSON decodes the flattened form.
func (n *ApprovalNode) UnmarshalJSON(data []byte) error {
	var raw nodeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	src, err := raw.ApproverColumns.Source()
	if err != nil {
		return err
	}
	*n = ApprovalNode(raw.ApprovalNodeAlias)
	n.Approvers = src
	return nil
}
