package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/directory"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/metrics"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

const contentContract = "contract"

var (
	testStart             = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	instanceNumberPattern = regexp.MustCompile(`^[A-Z_0-9]+-\d{8}-\d{4}$`)
)

// ── Clock ────────────────────────────────────────────────────────────────────

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: testStart} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ── Notifier ─────────────────────────────────────────────────────────────────

type sentNotification struct {
	Recipient string
	Kind      NotificationKind
	Payload   NotificationPayload
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	fail error
}

func (n *recordingNotifier) Notify(ctx context.Context, recipient string, kind NotificationKind, payload NotificationPayload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.sent = append(n.sent, sentNotification{Recipient: recipient, Kind: kind, Payload: payload})
	return nil
}

func (n *recordingNotifier) setFail(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fail = err
}

// to returns the kinds sent to recipient, in order.
func (n *recordingNotifier) to(recipient string) []NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []NotificationKind
	for _, s := range n.sent {
		if s.Recipient == recipient {
			out = append(out, s.Kind)
		}
	}
	return out
}

func (n *recordingNotifier) count(kind NotificationKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.Kind == kind {
			c++
		}
	}
	return c
}

// ── Business objects ─────────────────────────────────────────────────────────

type statusCall struct {
	ObjectID int64
	Update   repository.StatusUpdate
}

type recordingObjects struct {
	mu      sync.Mutex
	objects map[int64]*repository.BusinessObject
	calls   []statusCall
	fail    error
}

func newRecordingObjects() *recordingObjects {
	return &recordingObjects{objects: make(map[int64]*repository.BusinessObject)}
}

func (o *recordingObjects) put(id int64, amount int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[id] = &repository.BusinessObject{
		Summary: fmt.Sprintf("Contract #%d", id),
		Status:  "draft",
		Fields:  map[string]any{"amount": amount},
	}
}

func (o *recordingObjects) setFail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fail = err
}

func (o *recordingObjects) GetObject(ctx context.Context, id int64) (*repository.BusinessObject, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	obj, ok := o.objects[id]
	if !ok {
		return nil, errors.NotFound(contentContract, fmt.Sprint(id))
	}
	cp := *obj
	return &cp, nil
}

func (o *recordingObjects) UpdateStatus(ctx context.Context, id int64, update repository.StatusUpdate) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail != nil {
		return o.fail
	}
	o.calls = append(o.calls, statusCall{ObjectID: id, Update: update})
	if obj, ok := o.objects[id]; ok {
		obj.Status = update.Status
	}
	return nil
}

func (o *recordingObjects) updates(id int64) []repository.StatusUpdate {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []repository.StatusUpdate
	for _, c := range o.calls {
		if c.ObjectID == id {
			out = append(out, c.Update)
		}
	}
	return out
}

// ── Directory ────────────────────────────────────────────────────────────────

// testDirectory builds a small organisation:
//
//	corp (leader ceo)
//	├── eng (leader lead): u1..u5, lead, alice
//	└── ops (no leader):   opsmgr (department_manager), oscar
//
// plus nodept (no department) and gone (inactive reviewer).
func testDirectory() *directory.Static {
	d := directory.NewStatic()
	d.PutDepartment(directory.Department{ID: "corp", Name: "Corporate", LeaderID: "ceo"})
	d.PutDepartment(directory.Department{ID: "eng", Name: "Engineering", ParentID: "corp", LeaderID: "lead"})
	d.PutDepartment(directory.Department{ID: "ops", Name: "Operations", ParentID: "corp"})

	for i := 1; i <= 5; i++ {
		d.PutUser(directory.User{ID: fmt.Sprintf("u%d", i), DepartmentID: "eng", Roles: []string{"reviewer"}, Active: true})
	}
	d.PutUser(directory.User{ID: "lead", DepartmentID: "eng", Active: true})
	d.PutUser(directory.User{ID: "alice", DepartmentID: "eng", Roles: []string{"finance"}, Active: true})
	d.PutUser(directory.User{ID: "ceo", DepartmentID: "corp", Roles: []string{"finance"}, Active: true})
	d.PutUser(directory.User{ID: "opsmgr", DepartmentID: "ops", Roles: []string{RoleDepartmentManager}, Active: true})
	d.PutUser(directory.User{ID: "oscar", DepartmentID: "ops", Active: true})
	d.PutUser(directory.User{ID: "nodept", Active: true})
	d.PutUser(directory.User{ID: "gone", DepartmentID: "eng", Roles: []string{"reviewer", "finance"}, Active: false})
	return d
}

// ── Harness ──────────────────────────────────────────────────────────────────

type harness struct {
	ctx       context.Context
	store     *repository.MemoryStore
	dir       *directory.Static
	clock     *fakeClock
	notifier  *recordingNotifier
	objects   *recordingObjects
	registry  *prometheus.Registry
	engine    *Engine
	templates *TemplateService
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, EngineConfig{DispatchInline: true, ActionURLBase: "https://approvals.test"})
}

func newHarnessWith(t *testing.T, cfg EngineConfig) *harness {
	t.Helper()
	h := &harness{
		ctx:      context.Background(),
		store:    repository.NewMemoryStore(),
		dir:      testDirectory(),
		clock:    newFakeClock(),
		notifier: &recordingNotifier{},
		objects:  newRecordingObjects(),
		registry: prometheus.NewRegistry(),
	}
	for i := int64(1); i <= 20; i++ {
		h.objects.put(i, int(i)*1000)
	}

	objects := NewObjectRegistry()
	objects.Register(contentContract, h.objects)

	h.engine = NewEngine(Dependencies{
		Store:     h.store,
		Directory: h.dir,
		Objects:   objects,
		Notifier:  h.notifier,
		Clock:     h.clock,
		Metrics:   metrics.New(h.registry),
	}, cfg)
	h.templates = NewTemplateService(h.store, h.engine.Conditions(), h.clock, nil)
	return h
}

func userNode(name string, mode repository.ApprovalMode, users ...string) NodeConfig {
	return NodeConfig{
		Name:          name,
		NodeType:      repository.NodeApproval,
		ApproverType:  repository.ApproverUser,
		ApproverUsers: users,
		ApprovalMode:  mode,
	}
}

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

func (h *harness) install(t *testing.T, cfg TemplateConfig) *repository.WorkflowTemplate {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = cfg.Code
	}
	tpl, err := h.templates.UpsertTemplate(h.ctx, cfg, "admin")
	require.NoError(t, err)
	return tpl
}

func (h *harness) submit(t *testing.T, code string, objectID int64, applicant string) *repository.ApprovalInstance {
	t.Helper()
	inst, err := h.engine.Submit(h.ctx, SubmitRequest{
		WorkflowCode: code,
		Object:       repository.ObjectRef{ContentType: contentContract, ObjectID: objectID},
		Applicant:    applicant,
	})
	require.NoError(t, err)
	return inst
}

func (h *harness) act(id, actor string, decision Decision, comment string) (*repository.ApprovalInstance, error) {
	return h.engine.Act(h.ctx, ActRequest{InstanceID: id, Actor: actor, Decision: decision, Comment: comment})
}

func (h *harness) mustAct(t *testing.T, id, actor string, decision Decision, comment string) *repository.ApprovalInstance {
	t.Helper()
	inst, err := h.act(id, actor, decision, comment)
	require.NoError(t, err)
	return inst
}

func (h *harness) instance(t *testing.T, id string) *repository.ApprovalInstance {
	t.Helper()
	inst, err := h.store.GetInstance(h.ctx, id)
	require.NoError(t, err)
	return inst
}

// pendingApprovers lists who can act on the instance's current node.
func (h *harness) pendingApprovers(t *testing.T, id string) []string {
	t.Helper()
	inst := h.instance(t, id)
	if inst.CurrentNodeID == nil {
		return nil
	}
	records, err := h.store.ListNodeRecords(h.ctx, id, *inst.CurrentNodeID)
	require.NoError(t, err)
	var out []string
	for _, r := range records {
		if r.Result == repository.ResultPending {
			out = append(out, r.Approver)
		}
	}
	return out
}

func currentNodeName(inst *repository.ApprovalInstance) string {
	if n := inst.CurrentNode(); n != nil {
		return n.Name
	}
	return ""
}

// checkInvariants asserts the structural invariants every instance must hold.
func (h *harness) checkInvariants(t *testing.T, id string) {
	t.Helper()
	inst := h.instance(t, id)

	assert.Equal(t, inst.Status.Terminal(), inst.CurrentNodeID == nil, "current node is null exactly when terminal")
	assert.Regexp(t, instanceNumberPattern, inst.InstanceNumber)

	if inst.Status == repository.InstancePending && inst.NodeApprovers > 0 {
		assert.NotEmpty(t, h.pendingApprovers(t, id), "pending instance has an actionable record")
	}
	if inst.CompletedTime != nil {
		assert.False(t, inst.CompletedTime.Before(inst.ApplyTime))
	}
	records, err := h.store.ListRecords(h.ctx, id)
	require.NoError(t, err)
	for _, r := range records {
		if r.ApprovalTime != nil {
			assert.False(t, r.ApprovalTime.Before(inst.ApplyTime))
		}
	}
}

func (h *harness) assertCounter(t *testing.T, name, help, series string) {
	t.Helper()
	expected := fmt.Sprintf("# HELP %s %s\n# TYPE %s counter\n%s\n", name, help, name, series)
	assert.NoError(t, testutil.GatherAndCompare(h.registry, strings.NewReader(expected), name))
}
