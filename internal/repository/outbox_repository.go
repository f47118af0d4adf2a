package repository

import (
	"context"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// OutboxRepository stores side effects committed alongside state transitions
// until the dispatcher delivers them.
type OutboxRepository struct {
	db DBTX
}

// NewOutboxRepository creates a new OutboxRepository.
func NewOutboxRepository(db DBTX) *OutboxRepository {
	return &OutboxRepository{db: db}
}

const outboxColumns = `
	id, instance_id, kind, payload, status, attempts, last_error,
	next_attempt_at, created_at, dispatched_at
`

// EnqueueOutbox appends a message.
func (r *OutboxRepository) EnqueueOutbox(ctx context.Context, msg *OutboxMessage) error {
	query := `
		INSERT INTO approval_outbox
		    (id, instance_id, kind, payload, status, attempts, last_error,
		     next_attempt_at, created_at, dispatched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.Exec(ctx, query,
		msg.ID, msg.InstanceID, msg.Kind, msg.Payload, msg.Status, msg.Attempts, msg.LastError,
		msg.NextAttemptAt, msg.CreatedAt, msg.DispatchedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to enqueue outbox message")
	}
	return nil
}

// ClaimOutbox leases due messages. Rows locked by another dispatcher are
// skipped, and the lease pushes next_attempt_at forward so a crashed worker's
// claims become due again later.
func (r *OutboxRepository) ClaimOutbox(ctx context.Context, claim OutboxClaim) ([]*OutboxMessage, error) {
	limit := claim.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		UPDATE approval_outbox
		SET next_attempt_at = $2
		WHERE id IN (
		    SELECT id FROM approval_outbox
		    WHERE status = 'pending'
		      AND next_attempt_at <= $1
		      AND (cardinality($4::text[]) = 0 OR id = ANY($4::text[]))
		    ORDER BY seq ASC
		    LIMIT $3
		    FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + outboxColumns

	ids := claim.IDs
	if ids == nil {
		ids = []string{}
	}

	rows, err := r.db.Query(ctx, query, claim.Now, claim.Now.Add(claim.Lease), limit, ids)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to claim outbox messages")
	}
	defer rows.Close()

	var out []*OutboxMessage
	for rows.Next() {
		m := &OutboxMessage{}
		if err := rows.Scan(
			&m.ID, &m.InstanceID, &m.Kind, &m.Payload, &m.Status, &m.Attempts, &m.LastError,
			&m.NextAttemptAt, &m.CreatedAt, &m.DispatchedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan outbox message")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate outbox messages")
	}
	return out, nil
}

// MarkDispatched records a successful delivery.
func (r *OutboxRepository) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, id, `
		UPDATE approval_outbox
		SET status = 'dispatched', attempts = attempts + 1, last_error = NULL, dispatched_at = $2
		WHERE id = $1
	`, at)
}

// MarkRetry records a failed attempt and schedules the next one.
func (r *OutboxRepository) MarkRetry(ctx context.Context, id string, attempts int, lastErr string, next time.Time) error {
	return r.exec(ctx, id, `
		UPDATE approval_outbox
		SET attempts = $2, last_error = $3, next_attempt_at = $4
		WHERE id = $1
	`, attempts, lastErr, next)
}

// MarkFailed gives up on a message.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	return r.exec(ctx, id, `
		UPDATE approval_outbox
		SET status = 'failed', attempts = $2, last_error = $3
		WHERE id = $1
	`, attempts, lastErr)
}

// ListOutbox returns the messages of an instance, or all messages when
// instanceID is empty.
func (r *OutboxRepository) ListOutbox(ctx context.Context, instanceID string) ([]*OutboxMessage, error) {
	query := `
		SELECT ` + outboxColumns + `
		FROM approval_outbox
		WHERE ($1 = '' OR instance_id = $1)
		ORDER BY seq ASC
	`

	rows, err := r.db.Query(ctx, query, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list outbox messages")
	}
	defer rows.Close()

	var out []*OutboxMessage
	for rows.Next() {
		m := &OutboxMessage{}
		if err := rows.Scan(
			&m.ID, &m.InstanceID, &m.Kind, &m.Payload, &m.Status, &m.Attempts, &m.LastError,
			&m.NextAttemptAt, &m.CreatedAt, &m.DispatchedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan outbox message")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate outbox messages")
	}
	return out, nil
}

func (r *OutboxRepository) exec(ctx context.Context, id, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update outbox message")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("outbox_message", id)
	}
	return nil
}
