package repository

import (
	"context"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// RecordRepository persists approval records, the per-approver decisions on
// each node of an instance.
type RecordRepository struct {
	db DBTX
}

// NewRecordRepository creates a new RecordRepository.
func NewRecordRepository(db DBTX) *RecordRepository {
	return &RecordRepository{db: db}
}

const recordColumns = `
	id, instance_id, node_id, approver, result, comment,
	transferred_to, approval_time, created_at, escalated
`

// ListRecords returns the full decision history of an instance in creation
// order.
func (r *RecordRepository) ListRecords(ctx context.Context, instanceID string) ([]*ApprovalRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM approval_record WHERE instance_id = $1 ORDER BY seq ASC`
	return r.queryRecords(ctx, query, instanceID)
}

// ListNodeRecords returns the records of one node of an instance.
func (r *RecordRepository) ListNodeRecords(ctx context.Context, instanceID, nodeID string) ([]*ApprovalRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM approval_record
		WHERE instance_id = $1 AND node_id = $2
		ORDER BY seq ASC
	`
	return r.queryRecords(ctx, query, instanceID, nodeID)
}

// ListPendingFor returns the records a user can act on right now.
func (r *RecordRepository) ListPendingFor(ctx context.Context, userID string) ([]*PendingItem, error) {
	query := `
		SELECT r.id, r.instance_id, r.node_id, r.approver, r.result, r.comment,
		       r.transferred_to, r.approval_time, r.created_at, r.escalated,
		       ` + prefixed("i", instanceColumns) + `
		FROM approval_record r
		JOIN approval_instance i ON i.id = r.instance_id
		WHERE r.approver = $1
		  AND r.result = 'pending'
		  AND i.status = 'pending'
		  AND i.current_node_id = r.node_id
		ORDER BY i.apply_time ASC, r.seq ASC
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	var out []*PendingItem
	for rows.Next() {
		rec := &ApprovalRecord{}
		inst := &ApprovalInstance{}
		var def []byte
		if err := rows.Scan(
			&rec.ID, &rec.InstanceID, &rec.NodeID, &rec.Approver, &rec.Result, &rec.Comment,
			&rec.TransferredTo, &rec.ApprovalTime, &rec.CreatedAt, &rec.Escalated,
			&inst.ID, &inst.InstanceNumber, &inst.WorkflowID, &inst.WorkflowCode, &def,
			&inst.CurrentNodeID, &inst.Status, &inst.Object.ContentType, &inst.Object.ObjectID, &inst.ObjectSummary,
			&inst.Applicant, &inst.ApplyTime, &inst.ApplyComment,
			&inst.CompletedTime, &inst.FinalComment,
			&inst.NodeApprovers, &inst.NodeActivatedAt, &inst.TimeoutHandledAt,
			&inst.CreatedAt, &inst.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan pending approval")
		}
		if err := decodeDefinition(def, inst); err != nil {
			return nil, err
		}
		item := &PendingItem{Instance: inst, Record: rec}
		if n := inst.CurrentNode(); n != nil {
			item.NodeName = n.Name
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate pending approvals")
	}
	return out, nil
}

// InsertRecord appends a record.
func (r *RecordRepository) InsertRecord(ctx context.Context, rec *ApprovalRecord) error {
	query := `
		INSERT INTO approval_record
		    (id, instance_id, node_id, approver, result, comment,
		     transferred_to, approval_time, created_at, escalated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.Exec(ctx, query,
		rec.ID, rec.InstanceID, rec.NodeID, rec.Approver, rec.Result, rec.Comment,
		rec.TransferredTo, rec.ApprovalTime, rec.CreatedAt, rec.Escalated,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert approval record")
	}
	return nil
}

// UpdateRecord stores a decision on an existing record.
func (r *RecordRepository) UpdateRecord(ctx context.Context, rec *ApprovalRecord) error {
	query := `
		UPDATE approval_record
		SET result = $2, comment = $3, transferred_to = $4, approval_time = $5, escalated = $6
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query, rec.ID, rec.Result, rec.Comment, rec.TransferredTo, rec.ApprovalTime, rec.Escalated)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval record")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_record", rec.ID)
	}
	return nil
}

func (r *RecordRepository) queryRecords(ctx context.Context, query string, args ...any) ([]*ApprovalRecord, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval records")
	}
	defer rows.Close()

	var out []*ApprovalRecord
	for rows.Next() {
		rec := &ApprovalRecord{}
		if err := rows.Scan(
			&rec.ID, &rec.InstanceID, &rec.NodeID, &rec.Approver, &rec.Result, &rec.Comment,
			&rec.TransferredTo, &rec.ApprovalTime, &rec.CreatedAt, &rec.Escalated,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval record")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate approval records")
	}
	return out, nil
}
