package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/metrics"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// SystemActor is recorded as the actor of engine-initiated transitions.
const SystemActor = "system"

// Decision is an approver's action on a pending record.
type Decision string

const (
	DecisionApprove  Decision = "approved"
	DecisionReject   Decision = "rejected"
	DecisionTransfer Decision = "transferred"
)

// EngineConfig tunes engine behaviour.
type EngineConfig struct {
	// Location is the time zone used for the date part of instance numbers.
	Location *time.Location
	// ActionURLBase prefixes the instance link placed in notifications.
	ActionURLBase string
	// DispatchInline delivers outbox messages right after commit. Failures are
	// left for the dispatcher worker.
	DispatchInline bool
	// CallbackOnWithdraw also reports withdrawals to the business object.
	// Approve and reject are always reported.
	CallbackOnWithdraw bool
	Outbox             DispatcherConfig
}

// Dependencies are the collaborators of the engine.
type Dependencies struct {
	Store     repository.Store
	Directory Directory
	Objects   *ObjectRegistry
	Notifier  Notifier
	Clock     Clock
	Logger    *logger.Logger
	Metrics   *metrics.Recorder
}

// Engine owns every state transition of approval instances.
type Engine struct {
	store      repository.Store
	dir        Directory
	objects    *ObjectRegistry
	clock      Clock
	conditions *Conditions
	dispatcher *OutboxDispatcher
	metrics    *metrics.Recorder
	log        *logger.Logger
	cfg        EngineConfig
}

// NewEngine wires an engine. Clock and Logger default to the system clock and
// a no-op logger.
func NewEngine(deps Dependencies, cfg EngineConfig) *Engine {
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Objects == nil {
		deps.Objects = NewObjectRegistry()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	e := &Engine{
		store:      deps.Store,
		dir:        deps.Directory,
		objects:    deps.Objects,
		clock:      deps.Clock,
		conditions: NewConditions(),
		metrics:    deps.Metrics,
		log:        deps.Logger.Component("approval_engine"),
		cfg:        cfg,
	}
	e.dispatcher = NewOutboxDispatcher(deps.Store, deps.Notifier, deps.Objects, deps.Clock, deps.Logger, deps.Metrics, cfg.Outbox)
	return e
}

// Dispatcher returns the outbox dispatcher bound to the engine's store.
func (e *Engine) Dispatcher() *OutboxDispatcher { return e.dispatcher }

// Conditions returns the engine's expression cache.
func (e *Engine) Conditions() *Conditions { return e.conditions }

// ── Submit ───────────────────────────────────────────────────────────────────

// Validator is a business-specific pre-submit check.
type Validator func(ctx context.Context, obj *repository.BusinessObject) error

// SubmitRequest starts an approval.
type SubmitRequest struct {
	WorkflowCode string
	Object       repository.ObjectRef
	Applicant    string
	Comment      string
	Validate     Validator
}

// handlerValidationError keeps coded errors from an object handler, such as
// a transport failure, and reports the rest as a failed business check.
func handlerValidationError(err error) error {
	var coded *errors.Error
	if errors.As(err, &coded) {
		return err
	}
	return &errors.Error{Code: errors.ErrCodeValidationFailed, Message: err.Error(), Err: err}
}

// Submit creates a pending instance for the object and activates its first
// approval node.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*repository.ApprovalInstance, error) {
	if req.WorkflowCode == "" {
		return nil, errors.InvalidInput("workflow_code", "is required")
	}
	if req.Applicant == "" {
		return nil, errors.InvalidInput("applicant", "is required")
	}
	if req.Object.ContentType == "" {
		return nil, errors.InvalidInput("content_type", "is required")
	}

	tpl, err := e.store.GetTemplateByCode(ctx, req.WorkflowCode)
	if errors.HasCode(err, errors.ErrCodeNotFound) {
		return nil, errors.Newf(errors.ErrCodeWorkflowNotFound, "workflow %s not found", req.WorkflowCode)
	}
	if err != nil {
		return nil, err
	}
	if tpl.Status != repository.TemplateActive {
		return nil, errors.Newf(errors.ErrCodeWorkflowInactive, "workflow %s is inactive", req.WorkflowCode)
	}

	obj, err := e.objects.GetObject(ctx, req.Object)
	if err != nil {
		return nil, err
	}
	if req.Validate != nil {
		if verr := req.Validate(ctx, obj); verr != nil {
			return nil, &errors.Error{Code: errors.ErrCodeValidationFailed, Message: verr.Error(), Err: verr}
		}
	} else if verr := e.objects.ValidateSubmit(ctx, obj, req.WorkflowCode); verr != nil {
		return nil, handlerValidationError(verr)
	}

	def := tpl.Snapshot()
	if !hasApprovalNode(def) {
		e.misconfigured("no_approval_nodes", "workflow has no approval nodes", req.WorkflowCode, "")
		return nil, errors.Newf(errors.ErrCodeWorkflowMisconfigured, "workflow %s has no approval nodes", req.WorkflowCode)
	}

	var inst *repository.ApprovalInstance
	err = e.run(ctx, func(w *work) error {
		existing, err := w.tx.FindActiveInstance(ctx, req.Object, req.WorkflowCode)
		if err != nil {
			return err
		}
		if existing != nil {
			return errors.New(errors.ErrCodeDuplicateInFlight, "an approval is already in flight for this object").
				WithDetail("instance_number", existing.InstanceNumber).
				WithDetail("instance_id", existing.ID)
		}

		number, err := e.allocateNumber(ctx, w.tx, req.WorkflowCode, w.now)
		if err != nil {
			return err
		}

		inst = &repository.ApprovalInstance{
			ID:             uuid.NewString(),
			InstanceNumber: number,
			WorkflowID:     tpl.ID,
			WorkflowCode:   tpl.Code,
			Definition:     def,
			Status:         repository.InstancePending,
			Object:         req.Object,
			ObjectSummary:  obj.Summary,
			Applicant:      req.Applicant,
			ApplyTime:      w.now,
			ApplyComment:   req.Comment,
			CreatedAt:      w.now,
			UpdatedAt:      w.now,
		}

		objects := func() *repository.BusinessObject { return obj }
		first := e.nextNode(inst, nil, req.Applicant, objects)

		var approvers []string
		if first == nil || first.NodeType == repository.NodeEnd {
			if err := e.terminate(ctx, w, inst, repository.InstanceApproved, SystemActor, req.Comment); err != nil {
				return err
			}
		} else {
			approvers, err = e.activate(ctx, w, inst, first)
			if err != nil {
				return err
			}
		}

		if err := w.tx.InsertInstance(ctx, inst); err != nil {
			return err
		}
		if first != nil && first.NodeType == repository.NodeApproval {
			if err := e.openRecords(ctx, w, inst, first, approvers); err != nil {
				return err
			}
		}
		w.transition(inst.WorkflowCode, "submitted")
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("instance_id", inst.ID).
		Str("instance_number", inst.InstanceNumber).
		Str("workflow_code", inst.WorkflowCode).
		Str("applicant", inst.Applicant).
		Msg("approval submitted")
	return inst, nil
}

// maxDailyInstances is the largest sequence the four-digit suffix holds.
const maxDailyInstances = 9999

// allocateNumber formats {code}-{YYYYMMDD}-{NNNN} from the per-day counter.
func (e *Engine) allocateNumber(ctx context.Context, tx repository.Tx, code string, at time.Time) (string, error) {
	day := at.In(e.cfg.Location).Format("20060102")
	n, err := tx.NextInstanceSequence(ctx, code, day)
	if err != nil {
		return "", err
	}
	if n > maxDailyInstances {
		return "", errors.Newf(errors.ErrCodeConflict, "workflow %s reached %d instances on %s", code, maxDailyInstances, day).
			WithDetail("day", day)
	}
	return fmt.Sprintf("%s-%s-%04d", code, day, n), nil
}

// ── Act ──────────────────────────────────────────────────────────────────────

// ActRequest is an approver's decision.
type ActRequest struct {
	InstanceID string
	Actor      string
	Decision   Decision
	Comment    string
	TransferTo string
}

// Act records a decision on the current node and advances the instance when
// the node completes.
func (e *Engine) Act(ctx context.Context, req ActRequest) (*repository.ApprovalInstance, error) {
	var inst *repository.ApprovalInstance
	err := e.run(ctx, func(w *work) error {
		var err error
		inst, err = w.tx.LockInstance(ctx, req.InstanceID)
		if err != nil {
			return err
		}
		node, err := e.currentNode(inst)
		if err != nil {
			return err
		}

		records, err := w.tx.ListNodeRecords(ctx, inst.ID, node.ID)
		if err != nil {
			return err
		}
		rec := pendingRecordOf(records, req.Actor)
		if rec == nil {
			return errors.Newf(errors.ErrCodeNotAuthorized, "%s has no pending approval on this node", req.Actor)
		}

		canReject := inst.Definition.AllowReject && node.CanReject
		canTransfer := inst.Definition.AllowTransfer && node.CanTransfer

		switch req.Decision {
		case DecisionApprove:
			rec.Result = repository.ResultApproved

		case DecisionReject:
			if !canReject {
				return errors.New(errors.ErrCodeIllegalDecision, "rejection is not allowed on this node")
			}
			rec.Result = repository.ResultRejected

		case DecisionTransfer:
			if err := e.checkTransfer(ctx, records, req, canTransfer); err != nil {
				return err
			}
			to := req.TransferTo
			rec.Result = repository.ResultTransferred
			rec.TransferredTo = &to

		default:
			return errors.Newf(errors.ErrCodeIllegalDecision, "unknown decision %q", req.Decision)
		}

		rec.Comment = req.Comment
		rec.ApprovalTime = &w.now
		if err := w.tx.UpdateRecord(ctx, rec); err != nil {
			return err
		}

		if req.Decision == DecisionTransfer {
			if err := e.openRecords(ctx, w, inst, node, []string{req.TransferTo}); err != nil {
				return err
			}
			inst.UpdatedAt = w.now
			w.transition(inst.WorkflowCode, "transferred")
			return w.tx.UpdateInstance(ctx, inst)
		}

		w.transition(inst.WorkflowCode, string(req.Decision))
		if err := e.settle(ctx, w, inst, node, records, canReject, req.Actor, req.Comment); err != nil {
			return err
		}
		return w.tx.UpdateInstance(ctx, inst)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("instance_id", inst.ID).
		Str("actor", req.Actor).
		Str("decision", string(req.Decision)).
		Str("status", string(inst.Status)).
		Msg("approval decision recorded")
	return inst, nil
}

func (e *Engine) checkTransfer(ctx context.Context, records []*repository.ApprovalRecord, req ActRequest, allowed bool) error {
	if !allowed {
		return errors.New(errors.ErrCodeIllegalDecision, "transfer is not allowed on this node")
	}
	if req.TransferTo == "" {
		return errors.New(errors.ErrCodeIllegalDecision, "transfer target is required")
	}
	if req.TransferTo == req.Actor {
		return errors.New(errors.ErrCodeIllegalDecision, "cannot transfer to yourself")
	}
	if pendingRecordOf(records, req.TransferTo) != nil {
		return errors.Newf(errors.ErrCodeIllegalDecision, "%s already has a pending approval on this node", req.TransferTo)
	}
	if e.dir != nil {
		active, err := e.dir.UserIsActive(ctx, req.TransferTo)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to check transfer target")
		}
		if !active {
			return errors.Newf(errors.ErrCodeIllegalDecision, "transfer target %s is not an active user", req.TransferTo)
		}
	}
	return nil
}

// ── Withdraw ─────────────────────────────────────────────────────────────────

// Withdraw lets the applicant cancel a pending instance.
func (e *Engine) Withdraw(ctx context.Context, instanceID, actor, comment string) (*repository.ApprovalInstance, error) {
	var inst *repository.ApprovalInstance
	err := e.run(ctx, func(w *work) error {
		var err error
		inst, err = w.tx.LockInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		node, err := e.currentNode(inst)
		if err != nil {
			return err
		}
		if actor != inst.Applicant {
			return errors.New(errors.ErrCodeNotAuthorized, "only the applicant can withdraw")
		}
		if !inst.Definition.AllowWithdraw {
			return errors.New(errors.ErrCodeIllegalDecision, "this workflow does not allow withdrawal")
		}

		if err := w.tx.InsertRecord(ctx, &repository.ApprovalRecord{
			ID:           uuid.NewString(),
			InstanceID:   inst.ID,
			NodeID:       node.ID,
			Approver:     actor,
			Result:       repository.ResultWithdrawn,
			Comment:      comment,
			ApprovalTime: &w.now,
			CreatedAt:    w.now,
		}); err != nil {
			return err
		}

		if err := e.terminate(ctx, w, inst, repository.InstanceWithdrawn, actor, comment); err != nil {
			return err
		}
		return w.tx.UpdateInstance(ctx, inst)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().Str("instance_id", inst.ID).Str("actor", actor).Msg("approval withdrawn")
	return inst, nil
}

// ── Re-resolve ───────────────────────────────────────────────────────────────

// ReResolve re-runs approver resolution for a pending instance whose current
// node has no pending approvers, typically after the directory or template
// was fixed.
func (e *Engine) ReResolve(ctx context.Context, instanceID, operator string) (*repository.ApprovalInstance, error) {
	var inst *repository.ApprovalInstance
	err := e.run(ctx, func(w *work) error {
		var err error
		inst, err = w.tx.LockInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		node, err := e.currentNode(inst)
		if err != nil {
			return err
		}
		records, err := w.tx.ListNodeRecords(ctx, inst.ID, node.ID)
		if err != nil {
			return err
		}
		for _, r := range records {
			if r.Result == repository.ResultPending {
				return errors.New(errors.ErrCodeInvalidState, "current node already has pending approvers")
			}
		}

		approvers, err := e.activate(ctx, w, inst, node)
		if err != nil {
			return err
		}
		if len(approvers) == 0 {
			return errors.Newf(errors.ErrCodeWorkflowMisconfigured, "node %s still has no resolvable approvers", node.Name)
		}
		if err := e.openRecords(ctx, w, inst, node, approvers); err != nil {
			return err
		}
		w.transition(inst.WorkflowCode, "re_resolved")
		return w.tx.UpdateInstance(ctx, inst)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("instance_id", inst.ID).
		Str("operator", operator).
		Int("approvers", inst.NodeApprovers).
		Msg("approvers re-resolved")
	return inst, nil
}

// ── Queries ──────────────────────────────────────────────────────────────────

// InstanceDetail is an instance with its decision history.
type InstanceDetail struct {
	Instance *repository.ApprovalInstance
	Records  []*repository.ApprovalRecord
}

// GetInstance returns an instance and all of its records.
func (e *Engine) GetInstance(ctx context.Context, id string) (*InstanceDetail, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	records, err := e.store.ListRecords(ctx, id)
	if err != nil {
		return nil, err
	}
	return &InstanceDetail{Instance: inst, Records: records}, nil
}

// GetStatus returns the most recent instance for a business object. An empty
// workflowCode matches any workflow.
func (e *Engine) GetStatus(ctx context.Context, ref repository.ObjectRef, workflowCode string) (*repository.ApprovalInstance, error) {
	inst, err := e.store.LatestInstanceForObject(ctx, ref, workflowCode)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, errors.NotFound("approval_instance", fmt.Sprintf("%s/%d", ref.ContentType, ref.ObjectID))
	}
	return inst, nil
}

// ListPendingFor returns the approvals a user can act on now.
func (e *Engine) ListPendingFor(ctx context.Context, userID string) ([]*repository.PendingItem, error) {
	return e.store.ListPendingFor(ctx, userID)
}

// ListMyApplications returns the instances a user submitted, newest first.
func (e *Engine) ListMyApplications(ctx context.Context, userID string) ([]*repository.ApprovalInstance, error) {
	return e.store.ListApplications(ctx, userID)
}

// ── helpers ──────────────────────────────────────────────────────────────────

func (e *Engine) currentNode(inst *repository.ApprovalInstance) (*repository.ApprovalNode, error) {
	if inst.Status.Terminal() || inst.CurrentNodeID == nil {
		return nil, errors.Newf(errors.ErrCodeInvalidState, "instance %s is %s", inst.InstanceNumber, inst.Status)
	}
	node := inst.CurrentNode()
	if node == nil {
		return nil, errors.Newf(errors.ErrCodeWorkflowMisconfigured, "current node %s missing from definition", *inst.CurrentNodeID)
	}
	return node, nil
}

func pendingRecordOf(records []*repository.ApprovalRecord, user string) *repository.ApprovalRecord {
	for _, r := range records {
		if r.Approver == user && r.Result == repository.ResultPending {
			return r
		}
	}
	return nil
}

func hasApprovalNode(def *repository.Definition) bool {
	for _, n := range def.Nodes {
		if n.NodeType == repository.NodeApproval {
			return true
		}
	}
	return false
}
