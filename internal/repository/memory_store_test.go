package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

func newPendingInstance(id string, ref ObjectRef, code string, at time.Time) *ApprovalInstance {
	node := "n1"
	return &ApprovalInstance{
		ID:             id,
		InstanceNumber: fmt.Sprintf("%s-%s-%s", code, at.Format("20060102"), id),
		WorkflowCode:   code,
		Definition:     &Definition{Code: code, Nodes: []*ApprovalNode{{ID: node, Name: "Review", NodeType: NodeApproval}}},
		CurrentNodeID:  &node,
		Status:         InstancePending,
		Object:         ref,
		Applicant:      "u3",
		ApplyTime:      at,
	}
}

func TestMemoryStore_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)

	boom := errors.New(errors.ErrCodeInternal, "boom")
	err := s.InTransaction(ctx, func(tx Tx) error {
		require.NoError(t, tx.InsertInstance(ctx, newPendingInstance("i1", ObjectRef{"contract", 1}, "TEST", now)))
		_, err := tx.NextInstanceSequence(ctx, "TEST", "20260102")
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetInstance(ctx, "i1")
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))

	err = s.InTransaction(ctx, func(tx Tx) error {
		n, err := tx.NextInstanceSequence(ctx, "TEST", "20260102")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStore_DuplicateInFlight(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	ref := ObjectRef{ContentType: "contract", ObjectID: 7}

	require.NoError(t, s.InTransaction(ctx, func(tx Tx) error {
		return tx.InsertInstance(ctx, newPendingInstance("i1", ref, "TEST", now))
	}))

	err := s.InTransaction(ctx, func(tx Tx) error {
		return tx.InsertInstance(ctx, newPendingInstance("i2", ref, "TEST", now))
	})
	assert.Equal(t, errors.ErrCodeDuplicateInFlight, errors.CodeOf(err))
	assert.Contains(t, errors.DetailOf(err, "instance_number"), "TEST-")

	// A different workflow on the same object is allowed.
	require.NoError(t, s.InTransaction(ctx, func(tx Tx) error {
		return tx.InsertInstance(ctx, newPendingInstance("i3", ref, "OTHER", now))
	}))

	active, err := s.FindActiveInstance(ctx, ref, "TEST")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "i1", active.ID)
}

func TestMemoryStore_ReadsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.InTransaction(ctx, func(tx Tx) error {
		return tx.InsertInstance(ctx, newPendingInstance("i1", ObjectRef{"contract", 1}, "TEST", time.Now()))
	}))

	inst, err := s.GetInstance(ctx, "i1")
	require.NoError(t, err)
	inst.Status = InstanceApproved

	again, err := s.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, InstancePending, again.Status)
}

func TestMemoryStore_ListPendingForOnlyCurrentNode(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	require.NoError(t, s.InTransaction(ctx, func(tx Tx) error {
		require.NoError(t, tx.InsertInstance(ctx, newPendingInstance("i1", ObjectRef{"contract", 1}, "TEST", now)))
		require.NoError(t, tx.InsertRecord(ctx, &ApprovalRecord{ID: "r1", InstanceID: "i1", NodeID: "n1", Approver: "u1", Result: ResultPending}))
		require.NoError(t, tx.InsertRecord(ctx, &ApprovalRecord{ID: "r2", InstanceID: "i1", NodeID: "old", Approver: "u1", Result: ResultPending}))
		return tx.InsertRecord(ctx, &ApprovalRecord{ID: "r3", InstanceID: "i1", NodeID: "n1", Approver: "u2", Result: ResultApproved})
	}))

	items, err := s.ListPendingFor(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "r1", items[0].Record.ID)
	assert.Equal(t, "Review", items[0].NodeName)
}

func TestMemoryStore_OutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.InTransaction(ctx, func(tx Tx) error {
		for _, id := range []string{"m1", "m2"} {
			if err := tx.EnqueueOutbox(ctx, &OutboxMessage{
				ID: id, InstanceID: "i1", Kind: OutboxNotification,
				Payload: []byte(`{}`), Status: OutboxPending, NextAttemptAt: now,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	claimed, err := s.ClaimOutbox(ctx, OutboxClaim{Now: now, Lease: time.Minute, IDs: []string{"m2"}})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "m2", claimed[0].ID)

	// Leased messages are not claimable again until the lease expires.
	claimed, err = s.ClaimOutbox(ctx, OutboxClaim{Now: now, Lease: time.Minute})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "m1", claimed[0].ID)

	require.NoError(t, s.MarkDispatched(ctx, "m1", now))
	require.NoError(t, s.MarkFailed(ctx, "m2", 5, "unreachable"))

	msgs, err := s.ListOutbox(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, OutboxDispatched, msgs[0].Status)
	assert.Equal(t, 1, msgs[0].Attempts)
	assert.Equal(t, OutboxFailed, msgs[1].Status)
	require.NotNil(t, msgs[1].LastError)
	assert.Equal(t, "unreachable", *msgs[1].LastError)

	err = s.MarkDispatched(ctx, "missing", now)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}

func TestMemoryStore_SaveTemplateKeepsNodes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tpl := &WorkflowTemplate{ID: "t1", Code: "TEST", Name: "v1", Status: TemplateActive,
		Nodes: []*ApprovalNode{{ID: "a", Name: "A", Sequence: 1, NodeType: NodeApproval}}}
	require.NoError(t, s.InTransaction(ctx, func(tx Tx) error { return tx.SaveTemplate(ctx, tpl, true) }))

	renamed := &WorkflowTemplate{ID: "t1", Code: "TEST", Name: "v2", Status: TemplateActive}
	require.NoError(t, s.InTransaction(ctx, func(tx Tx) error { return tx.SaveTemplate(ctx, renamed, false) }))

	got, err := s.GetTemplateByCode(ctx, "TEST")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Name)
	require.Len(t, got.Nodes, 1)
	assert.Equal(t, "a", got.Nodes[0].ID)
}
