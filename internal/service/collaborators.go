package service

import (
	"context"
	"sync"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/directory"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// Directory is the organisation lookup used for approver resolution and
// transfer validation.
type Directory interface {
	GetUser(ctx context.Context, id string) (*directory.User, error)
	ListUsersByRole(ctx context.Context, roleCode string) ([]*directory.User, error)
	ListUsersInDepartments(ctx context.Context, departmentIDs []string) ([]*directory.User, error)
	GetDepartment(ctx context.Context, id string) (*directory.Department, error)
	// GetDepartmentLeader returns "" when the department has no leader.
	GetDepartmentLeader(ctx context.Context, departmentID string) (string, error)
	UserIsActive(ctx context.Context, id string) (bool, error)
}

// ObjectHandler is implemented by each business module for its content type.
type ObjectHandler interface {
	GetObject(ctx context.Context, id int64) (*repository.BusinessObject, error)
	UpdateStatus(ctx context.Context, id int64, update repository.StatusUpdate) error
}

// SubmitValidator is implemented by object handlers that can veto a
// submission. Errors without a code are reported as VALIDATION_FAILED.
type SubmitValidator interface {
	ValidateSubmit(ctx context.Context, obj *repository.BusinessObject, workflowCode string) error
}

// ObjectRegistry dispatches business-object calls by content type.
type ObjectRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ObjectHandler
}

// NewObjectRegistry creates an empty registry.
func NewObjectRegistry() *ObjectRegistry {
	return &ObjectRegistry{handlers: make(map[string]ObjectHandler)}
}

// Register installs the handler for a content type, replacing any previous one.
func (r *ObjectRegistry) Register(contentType string, h ObjectHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[contentType] = h
}

// ContentTypes lists the registered content types.
func (r *ObjectRegistry) ContentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for ct := range r.handlers {
		out = append(out, ct)
	}
	return out
}

func (r *ObjectRegistry) handler(contentType string) (ObjectHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[contentType]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeInvalidInput, "no handler registered for content type %q", contentType).
			WithDetail("content_type", contentType)
	}
	return h, nil
}

// GetObject loads a business object through its handler.
func (r *ObjectRegistry) GetObject(ctx context.Context, ref repository.ObjectRef) (*repository.BusinessObject, error) {
	h, err := r.handler(ref.ContentType)
	if err != nil {
		return nil, err
	}
	obj, err := h.GetObject(ctx, ref.ObjectID)
	if err != nil {
		return nil, err
	}
	obj.Ref = ref
	return obj, nil
}

// ValidateSubmit runs the handler's submit check. Handlers without one accept
// every object.
func (r *ObjectRegistry) ValidateSubmit(ctx context.Context, obj *repository.BusinessObject, workflowCode string) error {
	h, err := r.handler(obj.Ref.ContentType)
	if err != nil {
		return err
	}
	v, ok := h.(SubmitValidator)
	if !ok {
		return nil
	}
	return v.ValidateSubmit(ctx, obj, workflowCode)
}

// UpdateStatus invokes the status callback of a business object.
func (r *ObjectRegistry) UpdateStatus(ctx context.Context, ref repository.ObjectRef, update repository.StatusUpdate) error {
	h, err := r.handler(ref.ContentType)
	if err != nil {
		return err
	}
	return h.UpdateStatus(ctx, ref.ObjectID, update)
}

// NotificationKind classifies a notification.
type NotificationKind string

const (
	NotifyPendingApproval NotificationKind = "pending_approval"
	NotifyApprovalResult  NotificationKind = "approval_result"
	NotifyEscalation      NotificationKind = "escalation"
	NotifyReminder        NotificationKind = "reminder"
)

// NotificationPayload is the typed body of every notification.
type NotificationPayload struct {
	WorkflowCode   string `json:"workflow_code"`
	InstanceID     string `json:"instance_id"`
	InstanceNumber string `json:"instance_number"`
	ObjectSummary  string `json:"object_summary"`
	NodeName       string `json:"node_name,omitempty"`
	Actor          string `json:"actor,omitempty"`
	Comment        string `json:"comment,omitempty"`
	Result         string `json:"result,omitempty"`
	ActionURL      string `json:"action_url,omitempty"`
}

// Notifier delivers notifications to a recipient.
type Notifier interface {
	Notify(ctx context.Context, recipient string, kind NotificationKind, payload NotificationPayload) error
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
