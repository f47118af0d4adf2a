package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// MemoryStore is an in-process Store. Transactions are serialized by a single
// mutex and applied copy-on-write, so a failed transaction leaves no trace.
// It backs tests and the `store.driver: memory` development mode.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	templates map[string]*WorkflowTemplate
	instances map[string]*ApprovalInstance
	records   []*ApprovalRecord
	counters  map[string]int
	outbox    []*OutboxMessage
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		templates: make(map[string]*WorkflowTemplate),
		instances: make(map[string]*ApprovalInstance),
		counters:  make(map[string]int),
	}}
}

// InTransaction runs fn against a private copy of the state and publishes the
// copy only when fn succeeds.
func (s *MemoryStore) InTransaction(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *MemoryStore) view() *memTx {
	return &memTx{st: s.state}
}

func (s *MemoryStore) GetTemplateByCode(ctx context.Context, code string) (*WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetTemplateByCode(ctx, code)
}

func (s *MemoryStore) GetInstance(ctx context.Context, id string) (*ApprovalInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetInstance(ctx, id)
}

func (s *MemoryStore) FindActiveInstance(ctx context.Context, ref ObjectRef, workflowCode string) (*ApprovalInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().FindActiveInstance(ctx, ref, workflowCode)
}

func (s *MemoryStore) LatestInstanceForObject(ctx context.Context, ref ObjectRef, workflowCode string) (*ApprovalInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().LatestInstanceForObject(ctx, ref, workflowCode)
}

func (s *MemoryStore) ListApplications(ctx context.Context, userID string) ([]*ApprovalInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ListApplications(ctx, userID)
}

func (s *MemoryStore) ListTimeoutCandidates(ctx context.Context) ([]*ApprovalInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ListTimeoutCandidates(ctx)
}

func (s *MemoryStore) ListRecords(ctx context.Context, instanceID string) ([]*ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ListRecords(ctx, instanceID)
}

func (s *MemoryStore) ListNodeRecords(ctx context.Context, instanceID, nodeID string) ([]*ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ListNodeRecords(ctx, instanceID, nodeID)
}

func (s *MemoryStore) ListPendingFor(ctx context.Context, userID string) ([]*PendingItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ListPendingFor(ctx, userID)
}

// ── Outbox ───────────────────────────────────────────────────────────────────

func (s *MemoryStore) ClaimOutbox(ctx context.Context, claim OutboxClaim) ([]*OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(claim.IDs))
	for _, id := range claim.IDs {
		wanted[id] = true
	}

	var out []*OutboxMessage
	for _, m := range s.state.outbox {
		if claim.Limit > 0 && len(out) >= claim.Limit {
			break
		}
		if m.Status != OutboxPending || m.NextAttemptAt.After(claim.Now) {
			continue
		}
		if len(wanted) > 0 && !wanted[m.ID] {
			continue
		}
		m.NextAttemptAt = claim.Now.Add(claim.Lease)
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxDispatched
		m.Attempts++
		m.DispatchedAt = &at
		m.LastError = nil
	})
}

func (s *MemoryStore) MarkRetry(ctx context.Context, id string, attempts int, lastErr string, next time.Time) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Attempts = attempts
		m.LastError = &lastErr
		m.NextAttemptAt = next
	})
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxFailed
		m.Attempts = attempts
		m.LastError = &lastErr
	})
}

func (s *MemoryStore) ListOutbox(ctx context.Context, instanceID string) ([]*OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*OutboxMessage
	for _, m := range s.state.outbox {
		if instanceID == "" || m.InstanceID == instanceID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) updateOutbox(id string, fn func(m *OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.state.outbox {
		if m.ID == id {
			fn(m)
			return nil
		}
	}
	return errors.NotFound("outbox_message", id)
}

// ── Transaction view ─────────────────────────────────────────────────────────

type memTx struct {
	st *memState
}

func (t *memTx) GetTemplateByCode(ctx context.Context, code string) (*WorkflowTemplate, error) {
	tpl, ok := t.st.templates[code]
	if !ok {
		return nil, errors.NotFound("workflow_template", code)
	}
	return cloneTemplate(tpl), nil
}

func (t *memTx) GetInstance(ctx context.Context, id string) (*ApprovalInstance, error) {
	inst, ok := t.st.instances[id]
	if !ok {
		return nil, errors.NotFound("approval_instance", id)
	}
	return inst.Clone(), nil
}

func (t *memTx) LockInstance(ctx context.Context, id string) (*ApprovalInstance, error) {
	// The store-wide mutex already serializes transactions.
	return t.GetInstance(ctx, id)
}

func (t *memTx) FindActiveInstance(ctx context.Context, ref ObjectRef, workflowCode string) (*ApprovalInstance, error) {
	for _, inst := range t.st.instances {
		if inst.Object == ref && inst.WorkflowCode == workflowCode && inst.Status == InstancePending {
			return inst.Clone(), nil
		}
	}
	return nil, nil
}

func (t *memTx) LatestInstanceForObject(ctx context.Context, ref ObjectRef, workflowCode string) (*ApprovalInstance, error) {
	var latest *ApprovalInstance
	for _, inst := range t.st.instances {
		if inst.Object != ref || (workflowCode != "" && inst.WorkflowCode != workflowCode) {
			continue
		}
		if latest == nil || inst.ApplyTime.After(latest.ApplyTime) ||
			(inst.ApplyTime.Equal(latest.ApplyTime) && inst.InstanceNumber > latest.InstanceNumber) {
			latest = inst
		}
	}
	if latest == nil {
		return nil, nil
	}
	return latest.Clone(), nil
}

func (t *memTx) ListApplications(ctx context.Context, userID string) ([]*ApprovalInstance, error) {
	var out []*ApprovalInstance
	for _, inst := range t.st.instances {
		if inst.Applicant == userID {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ApplyTime.Equal(out[j].ApplyTime) {
			return out[i].InstanceNumber > out[j].InstanceNumber
		}
		return out[i].ApplyTime.After(out[j].ApplyTime)
	})
	return out, nil
}

func (t *memTx) ListTimeoutCandidates(ctx context.Context) ([]*ApprovalInstance, error) {
	var out []*ApprovalInstance
	for _, inst := range t.st.instances {
		if inst.Status == InstancePending && inst.NodeActivatedAt != nil && inst.TimeoutHandledAt == nil {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeActivatedAt.Before(*out[j].NodeActivatedAt) })
	return out, nil
}

func (t *memTx) ListRecords(ctx context.Context, instanceID string) ([]*ApprovalRecord, error) {
	var out []*ApprovalRecord
	for _, r := range t.st.records {
		if r.InstanceID == instanceID {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (t *memTx) ListNodeRecords(ctx context.Context, instanceID, nodeID string) ([]*ApprovalRecord, error) {
	var out []*ApprovalRecord
	for _, r := range t.st.records {
		if r.InstanceID == instanceID && r.NodeID == nodeID {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (t *memTx) ListPendingFor(ctx context.Context, userID string) ([]*PendingItem, error) {
	var out []*PendingItem
	for _, r := range t.st.records {
		if r.Approver != userID || r.Result != ResultPending {
			continue
		}
		inst := t.st.instances[r.InstanceID]
		if inst == nil || inst.Status != InstancePending || inst.CurrentNodeID == nil || *inst.CurrentNodeID != r.NodeID {
			continue
		}
		item := &PendingItem{Instance: inst.Clone(), Record: r.Clone()}
		if n := inst.CurrentNode(); n != nil {
			item.NodeName = n.Name
		}
		out = append(out, item)
	}
	return out, nil
}

func (t *memTx) InsertInstance(ctx context.Context, inst *ApprovalInstance) error {
	for _, existing := range t.st.instances {
		if existing.InstanceNumber == inst.InstanceNumber {
			return errors.Newf(errors.ErrCodeConflict, "instance number %s already allocated", inst.InstanceNumber)
		}
		if existing.Status == InstancePending && existing.Object == inst.Object && existing.WorkflowCode == inst.WorkflowCode {
			return errors.New(errors.ErrCodeDuplicateInFlight, "an approval is already in flight for this object").
				WithDetail("instance_number", existing.InstanceNumber)
		}
	}
	t.st.instances[inst.ID] = inst.Clone()
	return nil
}

func (t *memTx) UpdateInstance(ctx context.Context, inst *ApprovalInstance) error {
	if _, ok := t.st.instances[inst.ID]; !ok {
		return errors.NotFound("approval_instance", inst.ID)
	}
	t.st.instances[inst.ID] = inst.Clone()
	return nil
}

func (t *memTx) InsertRecord(ctx context.Context, rec *ApprovalRecord) error {
	t.st.records = append(t.st.records, rec.Clone())
	return nil
}

func (t *memTx) UpdateRecord(ctx context.Context, rec *ApprovalRecord) error {
	for i, r := range t.st.records {
		if r.ID == rec.ID {
			t.st.records[i] = rec.Clone()
			return nil
		}
	}
	return errors.NotFound("approval_record", rec.ID)
}

func (t *memTx) NextInstanceSequence(ctx context.Context, workflowCode, day string) (int, error) {
	key := fmt.Sprintf("%s/%s", workflowCode, day)
	t.st.counters[key]++
	return t.st.counters[key], nil
}

func (t *memTx) SaveTemplate(ctx context.Context, tpl *WorkflowTemplate, replaceNodes bool) error {
	existing, ok := t.st.templates[tpl.Code]
	stored := cloneTemplate(tpl)
	if ok && !replaceNodes {
		stored.Nodes = cloneTemplate(existing).Nodes
	}
	t.st.templates[tpl.Code] = stored
	return nil
}

func (t *memTx) SetTemplateStatus(ctx context.Context, code string, status TemplateStatus, at time.Time) error {
	tpl, ok := t.st.templates[code]
	if !ok {
		return errors.NotFound("workflow_template", code)
	}
	cp := cloneTemplate(tpl)
	cp.Status = status
	cp.UpdatedAt = at
	t.st.templates[code] = cp
	return nil
}

func (t *memTx) EnqueueOutbox(ctx context.Context, msg *OutboxMessage) error {
	cp := *msg
	t.st.outbox = append(t.st.outbox, &cp)
	return nil
}

// ── copying ──────────────────────────────────────────────────────────────────

func (st *memState) clone() *memState {
	cp := &memState{
		templates: make(map[string]*WorkflowTemplate, len(st.templates)),
		instances: make(map[string]*ApprovalInstance, len(st.instances)),
		records:   make([]*ApprovalRecord, len(st.records)),
		counters:  make(map[string]int, len(st.counters)),
		outbox:    make([]*OutboxMessage, len(st.outbox)),
	}
	for k, v := range st.templates {
		cp.templates[k] = v
	}
	for k, v := range st.instances {
		cp.instances[k] = v
	}
	// Stored values are replaced, never mutated in place, so sharing the
	// pointers between generations is safe.
	copy(cp.records, st.records)
	for k, v := range st.counters {
		cp.counters[k] = v
	}
	for i, m := range st.outbox {
		mc := *m
		cp.outbox[i] = &mc
	}
	return cp
}

func cloneTemplate(t *WorkflowTemplate) *WorkflowTemplate {
	cp := *t
	cp.Nodes = make([]*ApprovalNode, len(t.Nodes))
	for i, n := range t.Nodes {
		nc := *n
		cp.Nodes[i] = &nc
	}
	return &cp
}
