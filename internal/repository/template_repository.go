package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// TemplateRepository persists workflow templates and their nodes.
type TemplateRepository struct {
	db DBTX
}

// NewTemplateRepository creates a new TemplateRepository.
func NewTemplateRepository(db DBTX) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// GetTemplateByCode loads a template with its nodes ordered by sequence.
func (r *TemplateRepository) GetTemplateByCode(ctx context.Context, code string) (*WorkflowTemplate, error) {
	query := `
		SELECT id, code, name, description, category, status,
		       allow_withdraw, allow_reject, allow_transfer,
		       timeout_hours, timeout_action, created_by,
		       created_at, updated_at
		FROM workflow_template
		WHERE code = $1
	`

	tpl := &WorkflowTemplate{}
	err := r.db.QueryRow(ctx, query, code).Scan(
		&tpl.ID, &tpl.Code, &tpl.Name, &tpl.Description, &tpl.Category, &tpl.Status,
		&tpl.AllowWithdraw, &tpl.AllowReject, &tpl.AllowTransfer,
		&tpl.TimeoutHours, &tpl.TimeoutAction, &tpl.CreatedBy,
		&tpl.CreatedAt, &tpl.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_template", code)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow template")
	}

	nodes, err := r.listNodes(ctx, tpl.ID)
	if err != nil {
		return nil, err
	}
	tpl.Nodes = nodes
	return tpl, nil
}

func (r *TemplateRepository) listNodes(ctx context.Context, workflowID string) ([]*ApprovalNode, error) {
	query := `
		SELECT id, workflow_id, name, sequence, node_type,
		       approver_type, approver_users, approver_roles, approver_departments,
		       approval_mode, is_required, can_reject, can_transfer,
		       timeout_hours, condition_expression
		FROM approval_node
		WHERE workflow_id = $1
		ORDER BY sequence ASC
	`

	rows, err := r.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval nodes")
	}
	defer rows.Close()

	var nodes []*ApprovalNode
	for rows.Next() {
		n := &ApprovalNode{}
		var cols ApproverColumns
		var users, roles, depts []byte
		if err := rows.Scan(
			&n.ID, &n.WorkflowID, &n.Name, &n.Sequence, &n.NodeType,
			&cols.Type, &users, &roles, &depts,
			&n.ApprovalMode, &n.IsRequired, &n.CanReject, &n.CanTransfer,
			&n.TimeoutHours, &n.ConditionExpression,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval node")
		}
		if err := unmarshalIDs(users, &cols.Users); err != nil {
			return nil, err
		}
		if err := unmarshalIDs(roles, &cols.Roles); err != nil {
			return nil, err
		}
		if err := unmarshalIDs(depts, &cols.Departments); err != nil {
			return nil, err
		}
		src, err := cols.Source()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "invalid approver definition")
		}
		n.Approvers = src
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate approval nodes")
	}
	return nodes, nil
}

// SaveTemplate upserts the template row keyed by code. When replaceNodes is
// set the existing nodes are deleted and tpl.Nodes inserted in their place.
func (r *TemplateRepository) SaveTemplate(ctx context.Context, tpl *WorkflowTemplate, replaceNodes bool) error {
	query := `
		INSERT INTO workflow_template
		    (id, code, name, description, category, status,
		     allow_withdraw, allow_reject, allow_transfer,
		     timeout_hours, timeout_action, created_by,
		     created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9,
		        $10, $11, $12,
		        $13, $14)
		ON CONFLICT (code) DO UPDATE SET
		    name           = EXCLUDED.name,
		    description    = EXCLUDED.description,
		    category       = EXCLUDED.category,
		    allow_withdraw = EXCLUDED.allow_withdraw,
		    allow_reject   = EXCLUDED.allow_reject,
		    allow_transfer = EXCLUDED.allow_transfer,
		    timeout_hours  = EXCLUDED.timeout_hours,
		    timeout_action = EXCLUDED.timeout_action,
		    updated_at     = EXCLUDED.updated_at
		RETURNING id
	`

	err := r.db.QueryRow(ctx, query,
		tpl.ID, tpl.Code, tpl.Name, tpl.Description, tpl.Category, tpl.Status,
		tpl.AllowWithdraw, tpl.AllowReject, tpl.AllowTransfer,
		tpl.TimeoutHours, tpl.TimeoutAction, tpl.CreatedBy,
		tpl.CreatedAt, tpl.UpdatedAt,
	).Scan(&tpl.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save workflow template")
	}

	if !replaceNodes {
		return nil
	}

	if _, err := r.db.Exec(ctx, `DELETE FROM approval_node WHERE workflow_id = $1`, tpl.ID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete approval nodes")
	}

	nodeQuery := `
		INSERT INTO approval_node
		    (id, workflow_id, name, sequence, node_type,
		     approver_type, approver_users, approver_roles, approver_departments,
		     approval_mode, is_required, can_reject, can_transfer,
		     timeout_hours, condition_expression)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9,
		        $10, $11, $12, $13,
		        $14, $15)
	`
	for _, n := range tpl.Nodes {
		n.WorkflowID = tpl.ID
		cols := ColumnsOf(n.Approvers)
		users, roles, depts := marshalIDs(cols.Users), marshalIDs(cols.Roles), marshalIDs(cols.Departments)
		if _, err := r.db.Exec(ctx, nodeQuery,
			n.ID, n.WorkflowID, n.Name, n.Sequence, n.NodeType,
			cols.Type, users, roles, depts,
			n.ApprovalMode, n.IsRequired, n.CanReject, n.CanTransfer,
			n.TimeoutHours, n.ConditionExpression,
		); err != nil {
			if isUniqueViolation(err, "") {
				return errors.Newf(errors.ErrCodeInvalidInput, "duplicate node sequence %d", n.Sequence)
			}
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert approval node")
		}
	}
	return nil
}

// SetTemplateStatus updates the lifecycle status of a template.
func (r *TemplateRepository) SetTemplateStatus(ctx context.Context, code string, status TemplateStatus, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE workflow_template SET status = $2, updated_at = $3 WHERE code = $1`,
		code, status, at,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update workflow template status")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("workflow_template", code)
	}
	return nil
}

func marshalIDs(ids []string) []byte {
	if ids == nil {
		ids = []string{}
	}
	b, _ := json.Marshal(ids)
	return b
}

func unmarshalIDs(data []byte, dst *[]string) error {
	if len(data) == 0 {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to decode approver ids")
	}
	if len(ids) > 0 {
		*dst = ids
	}
	return nil
}
