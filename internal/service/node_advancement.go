package service

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// work is the state of one engine transaction: the transaction itself, the
// instant it runs at, and what to report once it commits.
type work struct {
	tx          repository.Tx
	now         time.Time
	outbox      []string
	transitions [][2]string
}

func (w *work) transition(workflow, name string) {
	w.transitions = append(w.transitions, [2]string{workflow, name})
}

// run executes fn in a transaction, then records metrics and optionally
// dispatches the messages it enqueued.
func (e *Engine) run(ctx context.Context, fn func(w *work) error) error {
	w := &work{}
	err := e.store.InTransaction(ctx, func(tx repository.Tx) error {
		*w = work{tx: tx, now: e.clock.Now()}
		return fn(w)
	})
	if err != nil {
		return err
	}

	for _, t := range w.transitions {
		e.metrics.Transition(t[0], t[1])
	}
	if e.cfg.DispatchInline && len(w.outbox) > 0 {
		if err := e.dispatcher.DispatchIDs(ctx, w.outbox); err != nil {
			e.log.Warn().Err(err).Int("messages", len(w.outbox)).Msg("inline outbox dispatch failed")
		}
	}
	return nil
}

// ── Node selection ───────────────────────────────────────────────────────────

// nextNode returns the first node after `after` (or from the beginning when
// after is nil) whose type is approval or end and whose condition holds.
// object is called at most once, and only when a condition needs it.
func (e *Engine) nextNode(inst *repository.ApprovalInstance, after *repository.ApprovalNode, actor string, object func() *repository.BusinessObject) *repository.ApprovalNode {
	nodes := append([]*repository.ApprovalNode(nil), inst.Definition.Nodes...)
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Sequence < nodes[j].Sequence })

	var (
		env    ConditionEnv
		hasEnv bool
	)
	for _, n := range nodes {
		if after != nil && n.Sequence <= after.Sequence {
			continue
		}
		if n.NodeType != repository.NodeApproval && n.NodeType != repository.NodeEnd {
			continue
		}
		if n.ConditionExpression == "" {
			return n
		}
		if !hasEnv {
			env = NewConditionEnv(inst, object(), actor)
			hasEnv = true
		}
		ok, err := e.conditions.Eval(n.ConditionExpression, env)
		if err != nil {
			e.log.Warn().Err(err).
				Str("instance_id", inst.ID).
				Str("node_id", n.ID).
				Str("expression", n.ConditionExpression).
				Msg("condition could not be evaluated, skipping node")
			e.metrics.Misconfigured("condition_error")
			continue
		}
		if ok {
			return n
		}
	}
	return nil
}

// lazyObject loads the business object on first use. Load failures yield nil
// so that conditions referencing it fail and the node is skipped.
func (e *Engine) lazyObject(ctx context.Context, inst *repository.ApprovalInstance) func() *repository.BusinessObject {
	var (
		obj    *repository.BusinessObject
		loaded bool
	)
	return func() *repository.BusinessObject {
		if loaded {
			return obj
		}
		loaded = true
		o, err := e.objects.GetObject(ctx, inst.Object)
		if err != nil {
			e.log.Warn().Err(err).Str("instance_id", inst.ID).Msg("failed to load business object for conditions")
			return nil
		}
		obj = o
		return obj
	}
}

// ── Activation ───────────────────────────────────────────────────────────────

// activate makes node the current node of inst and resolves its approvers.
// The caller persists inst and then calls openRecords.
func (e *Engine) activate(ctx context.Context, w *work, inst *repository.ApprovalInstance, node *repository.ApprovalNode) ([]string, error) {
	approvers, err := ResolveApprovers(ctx, node, inst, e.dir)
	if err != nil {
		return nil, err
	}
	if node.ApprovalMode == repository.ModeSingle && len(approvers) > 1 {
		approvers = approvers[:1]
	}

	nodeID := node.ID
	activated := w.now
	inst.CurrentNodeID = &nodeID
	inst.NodeApprovers = len(approvers)
	inst.NodeActivatedAt = &activated
	inst.TimeoutHandledAt = nil
	inst.UpdatedAt = w.now

	if len(approvers) == 0 {
		e.misconfigured("no_approvers", "node has no resolvable approvers", inst.WorkflowCode, inst.ID)
	}
	return approvers, nil
}

// openRecords creates pending records for approvers on node and queues a
// pending-approval notification for each.
func (e *Engine) openRecords(ctx context.Context, w *work, inst *repository.ApprovalInstance, node *repository.ApprovalNode, approvers []string) error {
	for _, approver := range approvers {
		if err := w.tx.InsertRecord(ctx, &repository.ApprovalRecord{
			ID:         uuid.NewString(),
			InstanceID: inst.ID,
			NodeID:     node.ID,
			Approver:   approver,
			Result:     repository.ResultPending,
			CreatedAt:  w.now,
		}); err != nil {
			return err
		}
		if err := e.notify(ctx, w, inst, approver, NotifyPendingApproval, e.payload(inst, node.Name, "", "")); err != nil {
			return err
		}
	}
	return nil
}

// settle evaluates node after a decision and moves inst accordingly. The
// caller persists inst.
func (e *Engine) settle(ctx context.Context, w *work, inst *repository.ApprovalInstance, node *repository.ApprovalNode, records []*repository.ApprovalRecord, canReject bool, actor, comment string) error {
	switch EvaluateNode(node.ApprovalMode, records, inst.NodeApprovers, canReject) {
	case CompletedReject:
		return e.terminate(ctx, w, inst, repository.InstanceRejected, actor, comment)

	case CompletedAdvance:
		return e.advance(ctx, w, inst, node, actor, comment)
	}

	inst.UpdatedAt = w.now
	return nil
}

// advance leaves node for the next applicable node, approving inst when none
// remains. The caller persists inst.
func (e *Engine) advance(ctx context.Context, w *work, inst *repository.ApprovalInstance, node *repository.ApprovalNode, actor, comment string) error {
	next := e.nextNode(inst, node, actor, e.lazyObject(ctx, inst))
	if next == nil || next.NodeType == repository.NodeEnd {
		return e.terminate(ctx, w, inst, repository.InstanceApproved, actor, comment)
	}
	approvers, err := e.activate(ctx, w, inst, next)
	if err != nil {
		return err
	}
	w.transition(inst.WorkflowCode, "advanced")
	return e.openRecords(ctx, w, inst, next, approvers)
}

// ── Termination ──────────────────────────────────────────────────────────────

// terminate moves inst into a terminal status and queues the status callback
// and the applicant's result notification. Withdrawals skip the callback
// unless CallbackOnWithdraw is set. The caller persists inst.
func (e *Engine) terminate(ctx context.Context, w *work, inst *repository.ApprovalInstance, status repository.InstanceStatus, actor, comment string) error {
	completed := w.now
	final := comment
	inst.Status = status
	inst.CompletedTime = &completed
	inst.CurrentNodeID = nil
	inst.FinalComment = &final
	inst.UpdatedAt = w.now

	w.transition(inst.WorkflowCode, string(status))

	// Withdrawals reach the business object only when configured to.
	if status != repository.InstanceWithdrawn || e.cfg.CallbackOnWithdraw {
		if err := e.enqueue(ctx, w, inst.ID, repository.OutboxStatusCallback, callbackEnvelope{
			Object: inst.Object,
			Update: repository.StatusUpdate{
				Status:         string(status),
				FinalApprover:  actor,
				CompletedAt:    completed,
				FinalComment:   comment,
				InstanceNumber: inst.InstanceNumber,
				WorkflowCode:   inst.WorkflowCode,
			},
		}); err != nil {
			return err
		}
	}

	payload := e.payload(inst, "", actor, comment)
	payload.Result = string(status)
	return e.notify(ctx, w, inst, inst.Applicant, NotifyApprovalResult, payload)
}

// ── Side effects ─────────────────────────────────────────────────────────────

func (e *Engine) payload(inst *repository.ApprovalInstance, nodeName, actor, comment string) NotificationPayload {
	p := NotificationPayload{
		WorkflowCode:   inst.WorkflowCode,
		InstanceID:     inst.ID,
		InstanceNumber: inst.InstanceNumber,
		ObjectSummary:  inst.ObjectSummary,
		NodeName:       nodeName,
		Actor:          actor,
		Comment:        comment,
	}
	if e.cfg.ActionURLBase != "" {
		p.ActionURL = e.cfg.ActionURLBase + "/instances/" + inst.ID
	}
	return p
}

func (e *Engine) notify(ctx context.Context, w *work, inst *repository.ApprovalInstance, recipient string, kind NotificationKind, payload NotificationPayload) error {
	return e.enqueue(ctx, w, inst.ID, repository.OutboxNotification, notificationEnvelope{
		Recipient: recipient,
		Kind:      kind,
		Payload:   payload,
	})
}

func (e *Engine) enqueue(ctx context.Context, w *work, instanceID string, kind repository.OutboxKind, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal outbox payload")
	}
	msg := &repository.OutboxMessage{
		ID:            uuid.NewString(),
		InstanceID:    instanceID,
		Kind:          kind,
		Payload:       data,
		Status:        repository.OutboxPending,
		NextAttemptAt: w.now,
		CreatedAt:     w.now,
	}
	if err := w.tx.EnqueueOutbox(ctx, msg); err != nil {
		return err
	}
	w.outbox = append(w.outbox, msg.ID)
	return nil
}

func (e *Engine) misconfigured(reason, msg, workflowCode, instanceID string) {
	e.log.Warn().
		Str("code", string(errors.ErrCodeWorkflowMisconfigured)).
		Str("reason", reason).
		Str("workflow_code", workflowCode).
		Str("instance_id", instanceID).
		Msg(msg)
	e.metrics.Misconfigured(reason)
}
