package repository

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// InstanceRepository persists approval instances and the instance number
// counter.
type InstanceRepository struct {
	db DBTX
}

// NewInstanceRepository creates a new InstanceRepository.
func NewInstanceRepository(db DBTX) *InstanceRepository {
	return &InstanceRepository{db: db}
}

const instanceColumns = `
	id, instance_number, workflow_id, workflow_code, definition,
	current_node_id, status, content_type, object_id, object_summary,
	applicant, apply_time, apply_comment,
	completed_time, final_comment,
	node_approvers, node_activated_at, timeout_handled_at,
	created_at, updated_at
`

// GetInstance retrieves an instance by id.
func (r *InstanceRepository) GetInstance(ctx context.Context, id string) (*ApprovalInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM approval_instance WHERE id = $1`

	inst, err := scanInstance(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_instance", id)
	}
	return inst, err
}

// LockInstance retrieves an instance and holds a row lock on it until the
// transaction ends.
func (r *InstanceRepository) LockInstance(ctx context.Context, id string) (*ApprovalInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM approval_instance WHERE id = $1 FOR UPDATE`

	inst, err := scanInstance(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_instance", id)
	}
	return inst, err
}

// FindActiveInstance returns the pending instance for the object under the
// given workflow, or nil.
func (r *InstanceRepository) FindActiveInstance(ctx context.Context, ref ObjectRef, workflowCode string) (*ApprovalInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM approval_instance
		WHERE content_type = $1 AND object_id = $2 AND workflow_code = $3
		  AND status = 'pending'
		LIMIT 1
	`

	inst, err := scanInstance(r.db.QueryRow(ctx, query, ref.ContentType, ref.ObjectID, workflowCode))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return inst, err
}

// LatestInstanceForObject returns the most recent instance for the object.
// An empty workflowCode matches any workflow.
func (r *InstanceRepository) LatestInstanceForObject(ctx context.Context, ref ObjectRef, workflowCode string) (*ApprovalInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM approval_instance
		WHERE content_type = $1 AND object_id = $2
		  AND ($3 = '' OR workflow_code = $3)
		ORDER BY apply_time DESC, instance_number DESC
		LIMIT 1
	`

	inst, err := scanInstance(r.db.QueryRow(ctx, query, ref.ContentType, ref.ObjectID, workflowCode))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return inst, err
}

// ListApplications returns the instances submitted by a user, newest first.
func (r *InstanceRepository) ListApplications(ctx context.Context, userID string) ([]*ApprovalInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM approval_instance
		WHERE applicant = $1
		ORDER BY apply_time DESC, instance_number DESC
	`
	return r.queryInstances(ctx, query, userID)
}

// ListTimeoutCandidates returns pending instances whose current activation
// has not been handled by the sweeper, oldest activation first.
func (r *InstanceRepository) ListTimeoutCandidates(ctx context.Context) ([]*ApprovalInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM approval_instance
		WHERE status = 'pending'
		  AND node_activated_at IS NOT NULL
		  AND timeout_handled_at IS NULL
		ORDER BY node_activated_at ASC
	`
	return r.queryInstances(ctx, query)
}

// InsertInstance stores a new instance, registering its content type on first
// use. A concurrent pending instance for the same object and workflow is
// reported as DUPLICATE_IN_FLIGHT.
func (r *InstanceRepository) InsertInstance(ctx context.Context, inst *ApprovalInstance) error {
	if _, err := r.db.Exec(ctx,
		`INSERT INTO content_type (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
		inst.Object.ContentType,
	); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to register content type")
	}

	def, err := json.Marshal(inst.Definition)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal workflow definition")
	}

	query := `
		INSERT INTO approval_instance
		    (id, instance_number, workflow_id, workflow_code, definition,
		     current_node_id, status, content_type, object_id, object_summary,
		     applicant, apply_time, apply_comment,
		     completed_time, final_comment,
		     node_approvers, node_activated_at, timeout_handled_at,
		     created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9, $10,
		        $11, $12, $13,
		        $14, $15,
		        $16, $17, $18,
		        $19, $20)
		ON CONFLICT (content_type, object_id, workflow_code) WHERE status = 'pending'
		DO NOTHING
		RETURNING id
	`

	var id string
	err = r.db.QueryRow(ctx, query,
		inst.ID, inst.InstanceNumber, inst.WorkflowID, inst.WorkflowCode, def,
		inst.CurrentNodeID, inst.Status, inst.Object.ContentType, inst.Object.ObjectID, inst.ObjectSummary,
		inst.Applicant, inst.ApplyTime, inst.ApplyComment,
		inst.CompletedTime, inst.FinalComment,
		inst.NodeApprovers, inst.NodeActivatedAt, inst.TimeoutHandledAt,
		inst.CreatedAt, inst.UpdatedAt,
	).Scan(&id)
	if err == pgx.ErrNoRows {
		existing, ferr := r.FindActiveInstance(ctx, inst.Object, inst.WorkflowCode)
		if ferr != nil {
			return ferr
		}
		dup := errors.New(errors.ErrCodeDuplicateInFlight, "an approval is already in flight for this object")
		if existing != nil {
			dup.WithDetail("instance_number", existing.InstanceNumber)
		}
		return dup
	}
	if err != nil {
		if isUniqueViolation(err, "approval_instance_instance_number_key") {
			return errors.Newf(errors.ErrCodeConflict, "instance number %s already allocated", inst.InstanceNumber)
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert approval instance")
	}
	return nil
}

// UpdateInstance writes the mutable state of an instance.
func (r *InstanceRepository) UpdateInstance(ctx context.Context, inst *ApprovalInstance) error {
	query := `
		UPDATE approval_instance
		SET current_node_id    = $2,
		    status             = $3,
		    completed_time     = $4,
		    final_comment      = $5,
		    node_approvers     = $6,
		    node_activated_at  = $7,
		    timeout_handled_at = $8,
		    updated_at         = $9
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query,
		inst.ID,
		inst.CurrentNodeID,
		inst.Status,
		inst.CompletedTime,
		inst.FinalComment,
		inst.NodeApprovers,
		inst.NodeActivatedAt,
		inst.TimeoutHandledAt,
		inst.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval instance")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_instance", inst.ID)
	}
	return nil
}

// NextInstanceSequence increments and returns the counter for (workflow, day).
func (r *InstanceRepository) NextInstanceSequence(ctx context.Context, workflowCode, day string) (int, error) {
	query := `
		INSERT INTO approval_number_counter (workflow_code, day, last_value)
		VALUES ($1, $2, 1)
		ON CONFLICT (workflow_code, day)
		DO UPDATE SET last_value = approval_number_counter.last_value + 1
		RETURNING last_value
	`

	var n int
	if err := r.db.QueryRow(ctx, query, workflowCode, day).Scan(&n); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to allocate instance number")
	}
	return n, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

func (r *InstanceRepository) queryInstances(ctx context.Context, query string, args ...any) ([]*ApprovalInstance, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval instances")
	}
	defer rows.Close()

	var out []*ApprovalInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate approval instances")
	}
	return out, nil
}

func scanInstance(row pgx.Row) (*ApprovalInstance, error) {
	inst := &ApprovalInstance{}
	var def []byte
	err := row.Scan(
		&inst.ID, &inst.InstanceNumber, &inst.WorkflowID, &inst.WorkflowCode, &def,
		&inst.CurrentNodeID, &inst.Status, &inst.Object.ContentType, &inst.Object.ObjectID, &inst.ObjectSummary,
		&inst.Applicant, &inst.ApplyTime, &inst.ApplyComment,
		&inst.CompletedTime, &inst.FinalComment,
		&inst.NodeApprovers, &inst.NodeActivatedAt, &inst.TimeoutHandledAt,
		&inst.CreatedAt, &inst.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval instance")
	}

	if err := decodeDefinition(def, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

func decodeDefinition(data []byte, inst *ApprovalInstance) error {
	inst.Definition = &Definition{}
	if err := json.Unmarshal(data, inst.Definition); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to decode workflow definition")
	}
	return nil
}

// prefixed qualifies a comma-separated column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
