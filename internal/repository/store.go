package repository

import (
	"context"
	"time"
)

// Queries are the read operations available both on a Store and inside a Tx.
type Queries interface {
	// GetTemplateByCode returns the template with its nodes ordered by
	// sequence, or a NOT_FOUND error.
	GetTemplateByCode(ctx context.Context, code string) (*WorkflowTemplate, error)
	// GetInstance returns an instance or a NOT_FOUND error.
	GetInstance(ctx context.Context, id string) (*ApprovalInstance, error)
	// FindActiveInstance returns the pending instance for (object, workflow),
	// or nil when there is none.
	FindActiveInstance(ctx context.Context, ref ObjectRef, workflowCode string) (*ApprovalInstance, error)
	// LatestInstanceForObject returns the most recently applied instance for
	// the object, optionally restricted to one workflow code. Nil when none.
	LatestInstanceForObject(ctx context.Context, ref ObjectRef, workflowCode string) (*ApprovalInstance, error)
	// ListApplications returns instances submitted by userID, newest first.
	ListApplications(ctx context.Context, userID string) ([]*ApprovalInstance, error)
	// ListTimeoutCandidates returns pending instances whose current node
	// activation has not yet been handled by the timeout sweep.
	ListTimeoutCandidates(ctx context.Context) ([]*ApprovalInstance, error)
	// ListRecords returns all records of an instance in creation order.
	ListRecords(ctx context.Context, instanceID string) ([]*ApprovalRecord, error)
	// ListNodeRecords returns the records of one node of an instance.
	ListNodeRecords(ctx context.Context, instanceID, nodeID string) ([]*ApprovalRecord, error)
	// ListPendingFor returns the actionable records of userID: pending records
	// on the current node of pending instances.
	ListPendingFor(ctx context.Context, userID string) ([]*PendingItem, error)
}

// Tx is a unit of work. Mutations become visible only when the enclosing
// InTransaction call returns nil.
type Tx interface {
	Queries

	// LockInstance loads an instance and holds an exclusive lock on it until
	// the transaction ends.
	LockInstance(ctx context.Context, id string) (*ApprovalInstance, error)
	// InsertInstance stores a new instance. A second pending instance for the
	// same (object, workflow) fails with DUPLICATE_IN_FLIGHT.
	InsertInstance(ctx context.Context, inst *ApprovalInstance) error
	UpdateInstance(ctx context.Context, inst *ApprovalInstance) error
	InsertRecord(ctx context.Context, rec *ApprovalRecord) error
	UpdateRecord(ctx context.Context, rec *ApprovalRecord) error
	// NextInstanceSequence atomically increments and returns the per-workflow
	// per-day counter, starting at 1.
	NextInstanceSequence(ctx context.Context, workflowCode, day string) (int, error)

	// SaveTemplate inserts or updates a template keyed by code. When
	// replaceNodes is true its node set is deleted and re-inserted.
	SaveTemplate(ctx context.Context, tpl *WorkflowTemplate, replaceNodes bool) error
	SetTemplateStatus(ctx context.Context, code string, status TemplateStatus, at time.Time) error

	EnqueueOutbox(ctx context.Context, msg *OutboxMessage) error
}

// OutboxClaim selects outbox messages due for delivery.
type OutboxClaim struct {
	Now   time.Time
	Lease time.Duration
	Limit int
	// IDs restricts the claim to specific messages when non-empty.
	IDs []string
}

// OutboxStore is used by the dispatcher worker.
type OutboxStore interface {
	// ClaimOutbox returns due pending messages and pushes their
	// next_attempt_at forward by the lease so concurrent workers skip them.
	ClaimOutbox(ctx context.Context, claim OutboxClaim) ([]*OutboxMessage, error)
	MarkDispatched(ctx context.Context, id string, at time.Time) error
	MarkRetry(ctx context.Context, id string, attempts int, lastErr string, next time.Time) error
	MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error
	ListOutbox(ctx context.Context, instanceID string) ([]*OutboxMessage, error)
}

// Store is the persistence boundary of the approval engine.
type Store interface {
	Queries
	OutboxStore
	InTransaction(ctx context.Context, fn func(tx Tx) error) error
}
