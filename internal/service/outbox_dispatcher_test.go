package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

type dispatcherFixture struct {
	ctx        context.Context
	store      *repository.MemoryStore
	clock      *fakeClock
	notifier   *recordingNotifier
	objects    *recordingObjects
	dispatcher *OutboxDispatcher
}

func newDispatcherFixture(t *testing.T, cfg DispatcherConfig) *dispatcherFixture {
	t.Helper()
	f := &dispatcherFixture{
		ctx:      context.Background(),
		store:    repository.NewMemoryStore(),
		clock:    newFakeClock(),
		notifier: &recordingNotifier{},
		objects:  newRecordingObjects(),
	}
	f.objects.put(1, 1000)
	registry := NewObjectRegistry()
	registry.Register(contentContract, f.objects)
	f.dispatcher = NewOutboxDispatcher(f.store, f.notifier, registry, f.clock, nil, nil, cfg)
	return f
}

func (f *dispatcherFixture) enqueue(t *testing.T, id string, kind repository.OutboxKind, body any) {
	t.Helper()
	var payload []byte
	switch b := body.(type) {
	case []byte:
		payload = b
	default:
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	require.NoError(t, f.store.InTransaction(f.ctx, func(tx repository.Tx) error {
		return tx.EnqueueOutbox(f.ctx, &repository.OutboxMessage{
			ID:            id,
			InstanceID:    "i1",
			Kind:          kind,
			Payload:       payload,
			Status:        repository.OutboxPending,
			NextAttemptAt: f.clock.Now(),
			CreatedAt:     f.clock.Now(),
		})
	}))
}

func (f *dispatcherFixture) message(t *testing.T, id string) *repository.OutboxMessage {
	t.Helper()
	msgs, err := f.store.ListOutbox(f.ctx, "")
	require.NoError(t, err)
	for _, m := range msgs {
		if m.ID == id {
			return m
		}
	}
	t.Fatalf("outbox message %s not found", id)
	return nil
}

func notification(recipient string) notificationEnvelope {
	return notificationEnvelope{
		Recipient: recipient,
		Kind:      NotifyPendingApproval,
		Payload:   NotificationPayload{WorkflowCode: "TEST", InstanceNumber: "TEST-20260310-0001"},
	}
}

func TestOutboxDispatcher_DeliversBothKinds(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	f.enqueue(t, "m1", repository.OutboxNotification, notification("u1"))
	f.enqueue(t, "m2", repository.OutboxStatusCallback, callbackEnvelope{
		Object: repository.ObjectRef{ContentType: contentContract, ObjectID: 1},
		Update: repository.StatusUpdate{Status: "approved", FinalApprover: "u1"},
	})

	delivered, err := f.dispatcher.DispatchPending(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)

	assert.Equal(t, []NotificationKind{NotifyPendingApproval}, f.notifier.to("u1"))
	assert.Equal(t, "approved", f.objects.updates(1)[0].Status)
	for _, id := range []string{"m1", "m2"} {
		m := f.message(t, id)
		assert.Equal(t, repository.OutboxDispatched, m.Status)
		assert.Equal(t, 1, m.Attempts)
		assert.NotNil(t, m.DispatchedAt)
	}

	delivered, err = f.dispatcher.DispatchPending(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, delivered)
}

func TestOutboxDispatcher_RetryThenFail(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{MaxAttempts: 3, BaseBackoff: time.Minute, BreakerFailures: 10})
	f.enqueue(t, "m1", repository.OutboxNotification, notification("u1"))
	f.notifier.setFail(fmt.Errorf("smtp down"))

	_, err := f.dispatcher.DispatchPending(f.ctx)
	require.NoError(t, err)
	m := f.message(t, "m1")
	assert.Equal(t, repository.OutboxPending, m.Status)
	assert.Equal(t, 1, m.Attempts)
	assert.Equal(t, f.clock.Now().Add(time.Minute), m.NextAttemptAt)
	require.NotNil(t, m.LastError)
	assert.Contains(t, *m.LastError, "smtp down")

	// Not due before the backoff elapses.
	delivered, err := f.dispatcher.DispatchPending(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, delivered)
	assert.Equal(t, 1, f.message(t, "m1").Attempts)

	f.clock.Advance(time.Minute)
	_, err = f.dispatcher.DispatchPending(f.ctx)
	require.NoError(t, err)
	m = f.message(t, "m1")
	assert.Equal(t, 2, m.Attempts)
	assert.Equal(t, f.clock.Now().Add(2*time.Minute), m.NextAttemptAt)

	f.clock.Advance(2 * time.Minute)
	_, err = f.dispatcher.DispatchPending(f.ctx)
	require.NoError(t, err)
	m = f.message(t, "m1")
	assert.Equal(t, repository.OutboxFailed, m.Status)
	assert.Equal(t, 3, m.Attempts)
}

func TestOutboxDispatcher_PermanentErrorsFailImmediately(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	f.enqueue(t, "garbled", repository.OutboxNotification, []byte(`{not json`))
	f.enqueue(t, "unknown-type", repository.OutboxStatusCallback, callbackEnvelope{
		Object: repository.ObjectRef{ContentType: "invoice", ObjectID: 1},
		Update: repository.StatusUpdate{Status: "approved"},
	})

	_, err := f.dispatcher.DispatchPending(f.ctx)
	require.NoError(t, err)

	for _, id := range []string{"garbled", "unknown-type"} {
		m := f.message(t, id)
		assert.Equal(t, repository.OutboxFailed, m.Status, id)
		assert.Equal(t, 1, m.Attempts, id)
	}
}

func TestOutboxDispatcher_BreakerIsolatesKinds(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{BreakerFailures: 2, BreakerTimeout: time.Hour})
	f.enqueue(t, "n1", repository.OutboxNotification, notification("u1"))
	f.enqueue(t, "n2", repository.OutboxNotification, notification("u2"))
	f.enqueue(t, "n3", repository.OutboxNotification, notification("u3"))
	f.enqueue(t, "c1", repository.OutboxStatusCallback, callbackEnvelope{
		Object: repository.ObjectRef{ContentType: contentContract, ObjectID: 1},
		Update: repository.StatusUpdate{Status: "rejected"},
	})
	f.notifier.setFail(fmt.Errorf("smtp down"))

	delivered, err := f.dispatcher.DispatchPending(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered, "callbacks keep flowing")

	assert.Equal(t, 1, f.message(t, "n1").Attempts)
	assert.Equal(t, 1, f.message(t, "n2").Attempts)

	// The open breaker short-circuits without spending an attempt.
	n3 := f.message(t, "n3")
	assert.Equal(t, repository.OutboxPending, n3.Status)
	assert.Zero(t, n3.Attempts)
	require.NotNil(t, n3.LastError)
	assert.Contains(t, *n3.LastError, "circuit breaker is open")

	assert.Equal(t, repository.OutboxDispatched, f.message(t, "c1").Status)
}

func TestOutboxDispatcher_NilNotifierDrops(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	f.dispatcher.notifier = nil
	f.enqueue(t, "m1", repository.OutboxNotification, notification("u1"))

	delivered, err := f.dispatcher.DispatchPending(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, repository.OutboxDispatched, f.message(t, "m1").Status)
}

func TestOutboxDispatcher_DispatchIDs(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	f.enqueue(t, "m1", repository.OutboxNotification, notification("u1"))
	f.enqueue(t, "m2", repository.OutboxNotification, notification("u2"))

	require.NoError(t, f.dispatcher.DispatchIDs(f.ctx, []string{"m2"}))
	assert.Equal(t, repository.OutboxPending, f.message(t, "m1").Status)
	assert.Equal(t, repository.OutboxDispatched, f.message(t, "m2").Status)
}

func TestOutboxDispatcher_Backoff(t *testing.T) {
	d := &OutboxDispatcher{cfg: DispatcherConfig{BaseBackoff: 10 * time.Second, MaxBackoff: time.Minute}}
	assert.Equal(t, 10*time.Second, d.backoff(1))
	assert.Equal(t, 20*time.Second, d.backoff(2))
	assert.Equal(t, 40*time.Second, d.backoff(3))
	assert.Equal(t, time.Minute, d.backoff(4))
	assert.Equal(t, time.Minute, d.backoff(20))
}
