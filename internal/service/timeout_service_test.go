package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

func timedNode(name string, hours int, mode repository.ApprovalMode, users ...string) NodeConfig {
	n := userNode(name, mode, users...)
	n.TimeoutHours = intPtr(hours)
	return n
}

func TestRunTimeouts_AutoReject(t *testing.T) {
	h := newHarness(t)
	h.install(t, TemplateConfig{
		Code:          "TEST7",
		TimeoutAction: repository.TimeoutAutoReject,
		Nodes:         []NodeConfig{timedNode("A", 1, repository.ModeSingle, "u1")},
	})
	inst := h.submit(t, "TEST7", 1, "u3")

	h.clock.Advance(2 * time.Hour)
	affected, err := h.engine.RunTimeouts(h.ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{inst.ID}, affected)

	inst = h.instance(t, inst.ID)
	assert.Equal(t, repository.InstanceRejected, inst.Status)
	assert.Nil(t, inst.CurrentNodeID)
	h.checkInvariants(t, inst.ID)

	records, err := h.store.ListRecords(h.ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, repository.ResultRejected, records[0].Result)
	assert.Equal(t, autoRejectComment, records[0].Comment)

	updates := h.objects.updates(1)
	require.Len(t, updates, 1)
	assert.Equal(t, "rejected", updates[0].Status)
	assert.Equal(t, SystemActor, updates[0].FinalApprover)

	h.assertCounter(t, "approval_timeouts_applied_total", "Timeout actions applied by the sweeper.",
		`approval_timeouts_applied_total{action="auto_reject"} 1`)
}

func TestRunTimeouts_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.install(t, TemplateConfig{
		Code:          "IDEM",
		TimeoutAction: repository.TimeoutNotify,
		Nodes:         []NodeConfig{timedNode("A", 1, repository.ModeSingle, "u1")},
	})
	inst := h.submit(t, "IDEM", 1, "u3")
	h.clock.Advance(2 * time.Hour)
	now := h.clock.Now()

	affected, err := h.engine.RunTimeouts(h.ctx, now)
	require.NoError(t, err)
	assert.Len(t, affected, 1)

	before := h.instance(t, inst.ID)
	outboxBefore, err := h.store.ListOutbox(h.ctx, "")
	require.NoError(t, err)

	affected, err = h.engine.RunTimeouts(h.ctx, now)
	require.NoError(t, err)
	assert.Empty(t, affected)

	assert.Equal(t, before, h.instance(t, inst.ID))
	outboxAfter, err := h.store.ListOutbox(h.ctx, "")
	require.NoError(t, err)
	assert.Len(t, outboxAfter, len(outboxBefore))

	// Even much later, the same activation is not handled twice.
	h.clock.Advance(48 * time.Hour)
	affected, err = h.engine.RunTimeouts(h.ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, affected)
}

func TestRunTimeouts_Notify(t *testing.T) {
	h := newHarness(t)
	h.install(t, TemplateConfig{
		Code:  "REMIND",
		Nodes: []NodeConfig{timedNode("A", 4, repository.ModeAll, "u1", "u2")},
	})
	inst := h.submit(t, "REMIND", 1, "u3")
	h.mustAct(t, inst.ID, "u1", DecisionApprove, "")

	h.clock.Advance(3 * time.Hour)
	affected, err := h.engine.RunTimeouts(h.ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, affected, "not yet due")

	h.clock.Advance(2 * time.Hour)
	affected, err = h.engine.RunTimeouts(h.ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Len(t, affected, 1)

	assert.Equal(t, []NotificationKind{NotifyPendingApproval, NotifyReminder}, h.notifier.to("u2"))
	assert.Equal(t, []NotificationKind{NotifyPendingApproval}, h.notifier.to("u1"))

	got := h.instance(t, inst.ID)
	assert.Equal(t, repository.InstancePending, got.Status)
	assert.Equal(t, []string{"u2"}, h.pendingApprovers(t, inst.ID))
	require.NotNil(t, got.TimeoutHandledAt)
}

func TestRunTimeouts_AutoApproveAdvances(t *testing.T) {
	h := newHarness(t)
	h.install(t, TemplateConfig{
		Code:          "AUTO",
		TimeoutAction: repository.TimeoutAutoApprove,
		Nodes: []NodeConfig{
			timedNode("A", 1, repository.ModeAll, "u1", "u2"),
			timedNode("B", 1, repository.ModeSingle, "u4"),
		},
	})
	inst := h.submit(t, "AUTO", 1, "u3")
	h.mustAct(t, inst.ID, "u1", DecisionApprove, "")

	h.clock.Advance(2 * time.Hour)
	now := h.clock.Now()
	_, err := h.engine.RunTimeouts(h.ctx, now)
	require.NoError(t, err)

	got := h.instance(t, inst.ID)
	assert.Equal(t, "B", currentNodeName(got))
	require.NotNil(t, got.NodeActivatedAt)
	assert.True(t, got.NodeActivatedAt.Equal(now))
	assert.Nil(t, got.TimeoutHandledAt, "new activation has its own timeout")
	assert.Equal(t, []string{"u4"}, h.pendingApprovers(t, inst.ID))

	// The new node only times out an hour after its own activation.
	affected, err := h.engine.RunTimeouts(h.ctx, now)
	require.NoError(t, err)
	assert.Empty(t, affected)

	h.clock.Advance(2 * time.Hour)
	_, err = h.engine.RunTimeouts(h.ctx, h.clock.Now())
	require.NoError(t, err)
	got = h.instance(t, inst.ID)
	assert.Equal(t, repository.InstanceApproved, got.Status)
	h.checkInvariants(t, inst.ID)
}

func TestRunTimeouts_AutoApproveWithoutApproversAdvances(t *testing.T) {
	h := newHarness(t)
	h.install(t, TemplateConfig{
		Code:          "AUTO0",
		TimeoutHours:  intPtr(1),
		TimeoutAction: repository.TimeoutAutoApprove,
		Nodes: []NodeConfig{
			{
				Name:         "Manager",
				NodeType:     repository.NodeApproval,
				ApproverType: repository.ApproverDepartmentManager,
			},
			userNode("Finance", repository.ModeSingle, "alice"),
		},
	})
	inst := h.submit(t, "AUTO0", 1, "nodept")
	assert.Equal(t, 0, inst.NodeApprovers)

	h.clock.Advance(2 * time.Hour)
	affected, err := h.engine.RunTimeouts(h.ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{inst.ID}, affected)

	got := h.instance(t, inst.ID)
	assert.Equal(t, repository.InstancePending, got.Status)
	assert.Equal(t, "Finance", currentNodeName(got))
	assert.Equal(t, []string{"alice"}, h.pendingApprovers(t, inst.ID))
	h.checkInvariants(t, inst.ID)
	h.assertCounter(t, "approval_misconfigured_total", "Workflow misconfiguration events by reason.",
		`approval_misconfigured_total{reason="no_approvers"} 1
approval_misconfigured_total{reason="timeout_no_approvers"} 1`)
}

func TestRunTimeouts_Escalate(t *testing.T) {
	h := newHarness(t)
	h.install(t, TemplateConfig{
		Code:          "ESC",
		TimeoutAction: repository.TimeoutEscalate,
		Nodes: []NodeConfig{
			timedNode("A", 8, repository.ModeSingle, "u1"),
			userNode("B", repository.ModeSingle, "u4"),
		},
	})
	inst := h.submit(t, "ESC", 1, "u3")

	h.clock.Advance(9 * time.Hour)
	affected, err := h.engine.RunTimeouts(h.ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{inst.ID}, affected)

	got := h.instance(t, inst.ID)
	assert.Equal(t, "A", currentNodeName(got))
	assert.Equal(t, 1, got.NodeApprovers)
	assert.Equal(t, []string{"u1", "ceo"}, h.pendingApprovers(t, inst.ID))
	assert.Equal(t, []NotificationKind{NotifyEscalation}, h.notifier.to("ceo"))

	affected, err = h.engine.RunTimeouts(h.ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, affected)

	got = h.mustAct(t, inst.ID, "ceo", DecisionApprove, "escalated approval")
	assert.Equal(t, "B", currentNodeName(got))
}

func TestRunTimeouts_EscalationCompletesAllModeNode(t *testing.T) {
	h := newHarness(t)
	h.install(t, TemplateConfig{
		Code:          "ESCALL",
		TimeoutAction: repository.TimeoutEscalate,
		Nodes: []NodeConfig{
			timedNode("Review", 8, repository.ModeAll, "u1", "u2"),
			userNode("Finance", repository.ModeSingle, "alice"),
		},
	})
	inst := h.submit(t, "ESCALL", 1, "u3")
	h.mustAct(t, inst.ID, "u1", DecisionApprove, "")

	h.clock.Advance(9 * time.Hour)
	_, err := h.engine.RunTimeouts(h.ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, h.instance(t, inst.ID).NodeApprovers)
	assert.Equal(t, []string{"u2", "ceo"}, h.pendingApprovers(t, inst.ID))

	got := h.mustAct(t, inst.ID, "ceo", DecisionApprove, "unblocking")
	assert.Equal(t, "Finance", currentNodeName(got))
	h.checkInvariants(t, inst.ID)

	records, err := h.store.ListRecords(h.ctx, inst.ID)
	require.NoError(t, err)
	var escalated []string
	for _, r := range records {
		if r.Escalated {
			escalated = append(escalated, r.Approver)
		}
	}
	assert.Equal(t, []string{"ceo"}, escalated)
}

func TestRunTimeouts_WorkflowFallbackAndUnset(t *testing.T) {
	h := newHarness(t)
	h.install(t, TemplateConfig{
		Code:          "FALLBACK",
		TimeoutHours:  intPtr(2),
		TimeoutAction: repository.TimeoutAutoReject,
		Nodes:         []NodeConfig{userNode("A", repository.ModeSingle, "u1")},
	})
	h.install(t, TemplateConfig{
		Code:          "NEVER",
		TimeoutAction: repository.TimeoutAutoReject,
		Nodes:         []NodeConfig{userNode("A", repository.ModeSingle, "u1")},
	})
	fallback := h.submit(t, "FALLBACK", 1, "u3")
	never := h.submit(t, "NEVER", 2, "u3")

	h.clock.Advance(time.Hour)
	affected, err := h.engine.RunTimeouts(h.ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, affected)

	h.clock.Advance(2 * time.Hour)
	affected, err = h.engine.RunTimeouts(h.ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{fallback.ID}, affected)
	assert.Equal(t, repository.InstancePending, h.instance(t, never.ID).Status)
}

func TestRunTimeouts_SkipsInstancesDecidedMeanwhile(t *testing.T) {
	h := newHarness(t)
	h.install(t, TemplateConfig{
		Code:          "RACE",
		TimeoutAction: repository.TimeoutAutoReject,
		Nodes:         []NodeConfig{timedNode("A", 1, repository.ModeSingle, "u1")},
	})
	inst := h.submit(t, "RACE", 1, "u3")
	h.clock.Advance(2 * time.Hour)

	cand := h.instance(t, inst.ID)
	h.mustAct(t, inst.ID, "u1", DecisionApprove, "just in time")

	applied, err := h.engine.applyTimeout(h.ctx, cand, h.clock.Now())
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, repository.InstanceApproved, h.instance(t, inst.ID).Status)
}

func TestTimeoutSweeper_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.install(t, TemplateConfig{
		Code:          "SWEEP",
		TimeoutAction: repository.TimeoutAutoReject,
		Nodes:         []NodeConfig{timedNode("A", 1, repository.ModeSingle, "u1")},
	})
	inst := h.submit(t, "SWEEP", 1, "u3")
	h.clock.Advance(2 * time.Hour)

	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan error, 1)
	go func() { done <- NewTimeoutSweeper(h.engine, time.Hour).Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := h.store.GetInstance(h.ctx, inst.ID)
		return err == nil && got.Status == repository.InstanceRejected
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

type fakeLock struct {
	held     bool
	attempts int
	released bool
}

func (l *fakeLock) TryLock(ctx context.Context, ttl time.Duration) (bool, error) {
	l.attempts++
	return l.held, nil
}

func (l *fakeLock) Unlock(ctx context.Context) error {
	l.released = true
	return nil
}

func TestTimeoutSweeper_SkipsTickWithoutLock(t *testing.T) {
	h := newHarness(t)
	h.install(t, TemplateConfig{
		Code:          "LOCKED",
		TimeoutAction: repository.TimeoutAutoReject,
		Nodes:         []NodeConfig{timedNode("A", 1, repository.ModeSingle, "u1")},
	})
	inst := h.submit(t, "LOCKED", 1, "u3")
	h.clock.Advance(2 * time.Hour)

	lock := &fakeLock{}
	sweeper := NewTimeoutSweeper(h.engine, time.Hour).WithLock(lock)

	sweeper.tick(h.ctx)
	assert.Equal(t, 1, lock.attempts)
	assert.Equal(t, repository.InstancePending, h.instance(t, inst.ID).Status)

	lock.held = true
	sweeper.tick(h.ctx)
	assert.Equal(t, repository.InstanceRejected, h.instance(t, inst.ID).Status)
}
