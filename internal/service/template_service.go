package service

import (
	"context"
	"reflect"
	"regexp"
	"strconv"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

var templateCodePattern = regexp.MustCompile(`^[A-Z_0-9]+$`)

// NodeConfig declares one node of a template. Nodes are sequenced in the
// order they are listed.
type NodeConfig struct {
	Name                string                  `yaml:"name" json:"name"`
	NodeType            repository.NodeType     `yaml:"node_type" json:"node_type"`
	ApproverType        repository.ApproverType `yaml:"approver_type" json:"approver_type"`
	ApproverUsers       []string                `yaml:"approver_users" json:"approver_users"`
	ApproverRoles       []string                `yaml:"approver_roles" json:"approver_roles"`
	ApproverDepartments []string                `yaml:"approver_departments" json:"approver_departments"`
	ApprovalMode        repository.ApprovalMode `yaml:"approval_mode" json:"approval_mode"`
	IsRequired          *bool                   `yaml:"is_required" json:"is_required"`
	CanReject           *bool                   `yaml:"can_reject" json:"can_reject"`
	CanTransfer         *bool                   `yaml:"can_transfer" json:"can_transfer"`
	TimeoutHours        *int                    `yaml:"timeout_hours" json:"timeout_hours"`
	ConditionExpression string                  `yaml:"condition_expression" json:"condition_expression"`
}

// TemplateConfig is the declarative form of a workflow template. Unset flags
// default to true and an unset timeout action to notify.
type TemplateConfig struct {
	Code          string                   `yaml:"code" json:"code"`
	Name          string                   `yaml:"name" json:"name"`
	Description   string                   `yaml:"description" json:"description"`
	Category      string                   `yaml:"category" json:"category"`
	AllowWithdraw *bool                    `yaml:"allow_withdraw" json:"allow_withdraw"`
	AllowReject   *bool                    `yaml:"allow_reject" json:"allow_reject"`
	AllowTransfer *bool                    `yaml:"allow_transfer" json:"allow_transfer"`
	TimeoutHours  *int                     `yaml:"timeout_hours" json:"timeout_hours"`
	TimeoutAction repository.TimeoutAction `yaml:"timeout_action" json:"timeout_action"`
	Nodes         []NodeConfig             `yaml:"nodes" json:"nodes"`
}

// TemplateService installs and manages workflow templates.
type TemplateService struct {
	store      repository.Store
	conditions *Conditions
	clock      Clock
	log        *logger.Logger
}

// NewTemplateService creates a new TemplateService.
func NewTemplateService(store repository.Store, conditions *Conditions, clock Clock, log *logger.Logger) *TemplateService {
	if conditions == nil {
		conditions = NewConditions()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &TemplateService{store: store, conditions: conditions, clock: clock, log: log.Component("template_service")}
}

// UpsertTemplate creates or updates the template keyed by cfg.Code. The node
// set is replaced wholesale unless it is identical to the stored one, so
// applying the same config twice only touches updated_at. Running instances
// are unaffected because each holds its own snapshot.
func (s *TemplateService) UpsertTemplate(ctx context.Context, cfg TemplateConfig, creator string) (*repository.WorkflowTemplate, error) {
	nodes, err := s.buildNodes(cfg)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	tpl := &repository.WorkflowTemplate{
		ID:            uuid.NewString(),
		Code:          cfg.Code,
		Name:          cfg.Name,
		Description:   cfg.Description,
		Category:      cfg.Category,
		Status:        repository.TemplateActive,
		AllowWithdraw: boolOr(cfg.AllowWithdraw, true),
		AllowReject:   boolOr(cfg.AllowReject, true),
		AllowTransfer: boolOr(cfg.AllowTransfer, true),
		TimeoutHours:  cfg.TimeoutHours,
		TimeoutAction: cfg.TimeoutAction,
		CreatedBy:     creator,
		Nodes:         nodes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if tpl.TimeoutAction == "" {
		tpl.TimeoutAction = repository.TimeoutNotify
	}

	replaced := true
	err = s.store.InTransaction(ctx, func(tx repository.Tx) error {
		existing, err := tx.GetTemplateByCode(ctx, cfg.Code)
		if err != nil && !errors.HasCode(err, errors.ErrCodeNotFound) {
			return err
		}
		if existing != nil {
			tpl.ID = existing.ID
			tpl.Status = existing.Status
			tpl.CreatedBy = existing.CreatedBy
			tpl.CreatedAt = existing.CreatedAt
			if sameNodes(existing.Nodes, nodes) {
				replaced = false
				tpl.Nodes = existing.Nodes
			}
		}
		for _, n := range tpl.Nodes {
			n.WorkflowID = tpl.ID
		}
		return tx.SaveTemplate(ctx, tpl, replaced)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("workflow_code", tpl.Code).
		Int("nodes", len(tpl.Nodes)).
		Bool("nodes_replaced", replaced).
		Msg("workflow template saved")
	return tpl, nil
}

// SetTemplateStatus activates or deactivates a template. Setting the current
// status again is a no-op.
func (s *TemplateService) SetTemplateStatus(ctx context.Context, code string, status repository.TemplateStatus) (*repository.WorkflowTemplate, error) {
	if status != repository.TemplateActive && status != repository.TemplateInactive {
		return nil, errors.InvalidInput("status", "must be active or inactive")
	}

	var tpl *repository.WorkflowTemplate
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		var err error
		tpl, err = tx.GetTemplateByCode(ctx, code)
		if err != nil {
			return err
		}
		if tpl.Status == status {
			return nil
		}
		now := s.clock.Now()
		if err := tx.SetTemplateStatus(ctx, code, status, now); err != nil {
			return err
		}
		tpl.Status = status
		tpl.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("workflow_code", code).Str("status", string(status)).Msg("workflow template status set")
	return tpl, nil
}

// GetTemplate returns a template with its nodes.
func (s *TemplateService) GetTemplate(ctx context.Context, code string) (*repository.WorkflowTemplate, error) {
	return s.store.GetTemplateByCode(ctx, code)
}

// ── validation ───────────────────────────────────────────────────────────────

func (s *TemplateService) buildNodes(cfg TemplateConfig) ([]*repository.ApprovalNode, error) {
	if !templateCodePattern.MatchString(cfg.Code) {
		return nil, errors.InvalidInput("code", "must match ^[A-Z_0-9]+$")
	}
	if cfg.Name == "" {
		return nil, errors.InvalidInput("name", "is required")
	}
	if cfg.TimeoutAction != "" && !cfg.TimeoutAction.Valid() {
		return nil, errors.InvalidInput("timeout_action", "unknown action "+string(cfg.TimeoutAction))
	}
	if cfg.TimeoutHours != nil && *cfg.TimeoutHours <= 0 {
		return nil, errors.InvalidInput("timeout_hours", "must be positive")
	}
	if len(cfg.Nodes) == 0 {
		return nil, errors.InvalidInput("nodes", "at least one node is required")
	}

	nodes := make([]*repository.ApprovalNode, 0, len(cfg.Nodes))
	approvals := 0
	for i, nc := range cfg.Nodes {
		field := "nodes[" + strconv.Itoa(i) + "]"
		if nc.Name == "" {
			return nil, errors.InvalidInput(field+".name", "is required")
		}
		if !nc.NodeType.Valid() {
			return nil, errors.InvalidInput(field+".node_type", "unknown node type "+string(nc.NodeType))
		}
		if nc.TimeoutHours != nil && *nc.TimeoutHours <= 0 {
			return nil, errors.InvalidInput(field+".timeout_hours", "must be positive")
		}

		mode := nc.ApprovalMode
		if mode == "" {
			mode = repository.ModeSingle
		}
		if !mode.Valid() {
			return nil, errors.InvalidInput(field+".approval_mode", "unknown mode "+string(mode))
		}

		src, err := repository.ApproverColumns{
			Type:        nc.ApproverType,
			Users:       nc.ApproverUsers,
			Roles:       nc.ApproverRoles,
			Departments: nc.ApproverDepartments,
		}.Source()
		if err != nil {
			return nil, errors.InvalidInput(field+".approver_type", err.Error())
		}
		if nc.NodeType == repository.NodeApproval {
			approvals++
			if err := checkApproverSource(src); err != nil {
				return nil, errors.InvalidInput(field+".approver_type", err.Error())
			}
		}

		if nc.ConditionExpression != "" {
			if _, err := s.conditions.Compile(nc.ConditionExpression); err != nil {
				return nil, errors.InvalidInput(field+".condition_expression", err.Error())
			}
		}

		nodes = append(nodes, &repository.ApprovalNode{
			ID:                  uuid.NewString(),
			Name:                nc.Name,
			Sequence:            i + 1,
			NodeType:            nc.NodeType,
			Approvers:           src,
			ApprovalMode:        mode,
			IsRequired:          boolOr(nc.IsRequired, true),
			CanReject:           boolOr(nc.CanReject, true),
			CanTransfer:         boolOr(nc.CanTransfer, true),
			TimeoutHours:        nc.TimeoutHours,
			ConditionExpression: nc.ConditionExpression,
		})
	}
	if approvals == 0 {
		return nil, errors.InvalidInput("nodes", "at least one approval node is required")
	}
	return nodes, nil
}

func checkApproverSource(src repository.ApproverSource) error {
	switch s := src.(type) {
	case nil:
		return errors.New(errors.ErrCodeInvalidInput, "approval nodes need an approver type")
	case repository.UserApprovers:
		if len(s.UserIDs) == 0 {
			return errors.New(errors.ErrCodeInvalidInput, "approver_users must not be empty")
		}
	case repository.RoleApprovers:
		if len(s.RoleCodes) == 0 {
			return errors.New(errors.ErrCodeInvalidInput, "approver_roles must not be empty")
		}
	case repository.DepartmentApprovers:
		if len(s.DepartmentIDs) == 0 {
			return errors.New(errors.ErrCodeInvalidInput, "approver_departments must not be empty")
		}
	}
	return nil
}

// sameNodes compares node sets ignoring ids.
func sameNodes(a, b []*repository.ApprovalNode) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := *a[i], *b[i]
		x.ID, y.ID = "", ""
		x.WorkflowID, y.WorkflowID = "", ""
		cx, cy := repository.ColumnsOf(x.Approvers), repository.ColumnsOf(y.Approvers)
		x.Approvers, y.Approvers = nil, nil
		if !reflect.DeepEqual(x, y) || !sameColumns(cx, cy) {
			return false
		}
	}
	return true
}

func sameColumns(a, b repository.ApproverColumns) bool {
	return a.Type == b.Type &&
		sameStrings(a.Users, b.Users) &&
		sameStrings(a.Roles, b.Roles) &&
		sameStrings(a.Departments, b.Departments)
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
