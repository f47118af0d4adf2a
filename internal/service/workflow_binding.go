package service

import (
	"context"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// WorkflowBinding ties a business type to its workflow so business modules do
// not repeat the workflow code and content type on every call.
type WorkflowBinding struct {
	engine       *Engine
	workflowCode string
	contentType  string
	validate     Validator
}

// Bind creates a binding. validate may be nil.
func (e *Engine) Bind(workflowCode, contentType string, validate Validator) *WorkflowBinding {
	return &WorkflowBinding{
		engine:       e,
		workflowCode: workflowCode,
		contentType:  contentType,
		validate:     validate,
	}
}

// WorkflowCode returns the bound workflow.
func (b *WorkflowBinding) WorkflowCode() string { return b.workflowCode }

// ContentType returns the bound business type.
func (b *WorkflowBinding) ContentType() string { return b.contentType }

func (b *WorkflowBinding) ref(objectID int64) repository.ObjectRef {
	return repository.ObjectRef{ContentType: b.contentType, ObjectID: objectID}
}

// Submit starts an approval for a business object, running the binding's
// validator first.
func (b *WorkflowBinding) Submit(ctx context.Context, objectID int64, applicant, comment string) (*repository.ApprovalInstance, error) {
	return b.engine.Submit(ctx, SubmitRequest{
		WorkflowCode: b.workflowCode,
		Object:       b.ref(objectID),
		Applicant:    applicant,
		Comment:      comment,
		Validate:     b.validate,
	})
}

// Status returns the latest instance for a business object under this
// workflow.
func (b *WorkflowBinding) Status(ctx context.Context, objectID int64) (*repository.ApprovalInstance, error) {
	return b.engine.GetStatus(ctx, b.ref(objectID), b.workflowCode)
}

// InFlight reports whether the object has a pending instance.
func (b *WorkflowBinding) InFlight(ctx context.Context, objectID int64) (bool, error) {
	inst, err := b.engine.store.FindActiveInstance(ctx, b.ref(objectID), b.workflowCode)
	if err != nil {
		return false, err
	}
	return inst != nil, nil
}
