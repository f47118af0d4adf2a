package repository

import (
	"time"
)

// ── Enumerations ─────────────────────────────────────────────────────────────

// TemplateStatus is the lifecycle state of a workflow template.
type TemplateStatus string

const (
	TemplateActive   TemplateStatus = "active"
	TemplateInactive TemplateStatus = "inactive"
)

// TimeoutAction is applied when a node activation outlives its timeout.
type TimeoutAction string

const (
	TimeoutAutoApprove TimeoutAction = "auto_approve"
	TimeoutAutoReject  TimeoutAction = "auto_reject"
	TimeoutEscalate    TimeoutAction = "escalate"
	TimeoutNotify      TimeoutAction = "notify"
)

// Valid reports whether a is a known timeout action.
func (a TimeoutAction) Valid() bool {
	switch a {
	case TimeoutAutoApprove, TimeoutAutoReject, TimeoutEscalate, TimeoutNotify:
		return true
	}
	return false
}

// NodeType classifies a node within a template.
type NodeType string

const (
	NodeStart     NodeType = "start"
	NodeApproval  NodeType = "approval"
	NodeCondition NodeType = "condition"
	NodeEnd       NodeType = "end"
)

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	switch t {
	case NodeStart, NodeApproval, NodeCondition, NodeEnd:
		return true
	}
	return false
}

// ApprovalMode is the consensus rule of an approval node.
type ApprovalMode string

const (
	ModeSingle   ApprovalMode = "single"
	ModeAny      ApprovalMode = "any"
	ModeAll      ApprovalMode = "all"
	ModeMajority ApprovalMode = "majority"
)

// Valid reports whether m is a known approval mode.
func (m ApprovalMode) Valid() bool {
	switch m {
	case ModeSingle, ModeAny, ModeAll, ModeMajority:
		return true
	}
	return false
}

// InstanceStatus is the state of an approval instance.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "pending"
	InstanceApproved  InstanceStatus = "approved"
	InstanceRejected  InstanceStatus = "rejected"
	InstanceWithdrawn InstanceStatus = "withdrawn"
)

// Terminal reports whether no further transitions are possible.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceApproved || s == InstanceRejected || s == InstanceWithdrawn
}

// RecordResult is one approver's decision on one node.
type RecordResult string

const (
	ResultPending     RecordResult = "pending"
	ResultApproved    RecordResult = "approved"
	ResultRejected    RecordResult = "rejected"
	ResultTransferred RecordResult = "transferred"
	ResultWithdrawn   RecordResult = "withdrawn"
)

// ── Business object reference ────────────────────────────────────────────────

// ObjectRef is a weak, type-tagged pointer to a business record owned by
// another module.
type ObjectRef struct {
	ContentType string `json:"content_type"`
	ObjectID    int64  `json:"object_id"`
}

// ── Templates ────────────────────────────────────────────────────────────────

// WorkflowTemplate is a named recipe of ordered approval nodes.
type WorkflowTemplate struct {
	ID            string
	Code          string
	Name          string
	Description   string
	Category      string
	Status        TemplateStatus
	AllowWithdraw bool
	AllowReject   bool
	AllowTransfer bool
	TimeoutHours  *int
	TimeoutAction TimeoutAction
	CreatedBy     string
	Nodes         []*ApprovalNode
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ApprovalNode is one stage of a template.
type ApprovalNode struct {
	ID                  string         `json:"id"`
	WorkflowID          string         `json:"workflow_id"`
	Name                string         `json:"name"`
	Sequence            int            `json:"sequence"`
	NodeType            NodeType       `json:"node_type"`
	Approvers           ApproverSource `json:"-"`
	ApprovalMode        ApprovalMode   `json:"approval_mode"`
	IsRequired          bool           `json:"is_required"`
	CanReject           bool           `json:"can_reject"`
	CanTransfer         bool           `json:"can_transfer"`
	TimeoutHours        *int           `json:"timeout_hours,omitempty"`
	ConditionExpression string         `json:"condition_expression,omitempty"`
}

// Definition is the immutable copy of a template that an instance runs
// against. It is captured at submit time.
type Definition struct {
	TemplateID    string          `json:"template_id"`
	Code          string          `json:"code"`
	Name          string          `json:"name"`
	AllowWithdraw bool            `json:"allow_withdraw"`
	AllowReject   bool            `json:"allow_reject"`
	AllowTransfer bool            `json:"allow_transfer"`
	TimeoutHours  *int            `json:"timeout_hours,omitempty"`
	TimeoutAction TimeoutAction   `json:"timeout_action"`
	Nodes         []*ApprovalNode `json:"nodes"`
}

// Snapshot captures t as a Definition.
func (t *WorkflowTemplate) Snapshot() *Definition {
	nodes := make([]*ApprovalNode, len(t.Nodes))
	for i, n := range t.Nodes {
		cp := *n
		nodes[i] = &cp
	}
	return &Definition{
		TemplateID:    t.ID,
		Code:          t.Code,
		Name:          t.Name,
		AllowWithdraw: t.AllowWithdraw,
		AllowReject:   t.AllowReject,
		AllowTransfer: t.AllowTransfer,
		TimeoutHours:  t.TimeoutHours,
		TimeoutAction: t.TimeoutAction,
		Nodes:         nodes,
	}
}

// Node returns the node with the given id, or nil.
func (d *Definition) Node(id string) *ApprovalNode {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// ── Instances and records ────────────────────────────────────────────────────

// ApprovalInstance is one execution of a template against one business object.
type ApprovalInstance struct {
	ID             string
	InstanceNumber string
	WorkflowID     string
	WorkflowCode   string
	Definition     *Definition
	CurrentNodeID  *string
	Status         InstanceStatus
	Object         ObjectRef
	ObjectSummary  string
	Applicant      string
	ApplyTime      time.Time
	ApplyComment   string
	CompletedTime  *time.Time
	FinalComment   *string
	// NodeApprovers is the number of distinct approvers resolved when the
	// current node was activated.
	NodeApprovers    int
	NodeActivatedAt  *time.Time
	TimeoutHandledAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CurrentNode returns the snapshotted definition of the current node, or nil.
func (i *ApprovalInstance) CurrentNode() *ApprovalNode {
	if i.CurrentNodeID == nil || i.Definition == nil {
		return nil
	}
	return i.Definition.Node(*i.CurrentNodeID)
}

// Clone returns a deep copy of the mutable instance fields. The definition is
// shared because it is never mutated after submit.
func (i *ApprovalInstance) Clone() *ApprovalInstance {
	cp := *i
	cp.CurrentNodeID = clonePtr(i.CurrentNodeID)
	cp.CompletedTime = clonePtr(i.CompletedTime)
	cp.FinalComment = clonePtr(i.FinalComment)
	cp.NodeActivatedAt = clonePtr(i.NodeActivatedAt)
	cp.TimeoutHandledAt = clonePtr(i.TimeoutHandledAt)
	return &cp
}

// ApprovalRecord is one approver's pending or final decision on one node.
type ApprovalRecord struct {
	ID            string
	InstanceID    string
	NodeID        string
	Approver      string
	Result        RecordResult
	Comment       string
	TransferredTo *string
	ApprovalTime  *time.Time
	CreatedAt     time.Time
	// Escalated marks the record of a timeout escalation target. Its approval
	// completes the node in every mode.
	Escalated bool
}

// Clone returns a copy safe to mutate.
func (r *ApprovalRecord) Clone() *ApprovalRecord {
	cp := *r
	cp.TransferredTo = clonePtr(r.TransferredTo)
	cp.ApprovalTime = clonePtr(r.ApprovalTime)
	return &cp
}

// PendingItem is one actionable record together with its instance.
type PendingItem struct {
	Instance *ApprovalInstance
	Record   *ApprovalRecord
	NodeName string
}

// ── Outbox ───────────────────────────────────────────────────────────────────

// OutboxKind distinguishes side effects queued by the engine.
type OutboxKind string

const (
	OutboxNotification   OutboxKind = "notification"
	OutboxStatusCallback OutboxKind = "status_callback"
)

// OutboxStatus is the delivery state of an outbox message.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxDispatched OutboxStatus = "dispatched"
	OutboxFailed     OutboxStatus = "failed"
)

// OutboxMessage is a side effect committed with the transition that caused it.
type OutboxMessage struct {
	ID            string
	InstanceID    string
	Kind          OutboxKind
	Payload       []byte
	Status        OutboxStatus
	Attempts      int
	LastError     *string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	DispatchedAt  *time.Time
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
