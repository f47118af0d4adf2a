package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/metrics"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

type notificationEnvelope struct {
	Recipient string              `json:"recipient"`
	Kind      NotificationKind    `json:"kind"`
	Payload   NotificationPayload `json:"payload"`
}

type callbackEnvelope struct {
	Object repository.ObjectRef    `json:"object"`
	Update repository.StatusUpdate `json:"update"`
}

// DispatcherConfig controls outbox delivery.
type DispatcherConfig struct {
	BatchSize   int
	Interval    time.Duration
	Lease       time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// BreakerFailures consecutive failures open a kind's circuit for
	// BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

func (c *DispatcherConfig) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 10 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Hour
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
}

// OutboxDispatcher delivers queued notifications and status callbacks. Each
// kind has its own circuit breaker so a failing notifier does not hold back
// business-object callbacks.
type OutboxDispatcher struct {
	store    repository.OutboxStore
	notifier Notifier
	objects  *ObjectRegistry
	clock    Clock
	log      *logger.Logger
	metrics  *metrics.Recorder
	breakers map[repository.OutboxKind]*gobreaker.CircuitBreaker
	cfg      DispatcherConfig
}

// NewOutboxDispatcher creates a dispatcher. A nil notifier drops
// notifications after logging them.
func NewOutboxDispatcher(store repository.OutboxStore, notifier Notifier, objects *ObjectRegistry, clock Clock, log *logger.Logger, m *metrics.Recorder, cfg DispatcherConfig) *OutboxDispatcher {
	cfg.setDefaults()
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	d := &OutboxDispatcher{
		store:    store,
		notifier: notifier,
		objects:  objects,
		clock:    clock,
		log:      log.Component("outbox_dispatcher"),
		metrics:  m,
		breakers: make(map[repository.OutboxKind]*gobreaker.CircuitBreaker),
		cfg:      cfg,
	}
	for _, kind := range []repository.OutboxKind{repository.OutboxNotification, repository.OutboxStatusCallback} {
		d.breakers[kind] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "outbox-" + string(kind),
			MaxRequests: 1,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				d.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			},
		})
	}
	return d
}

// Run dispatches due messages every interval until ctx is cancelled.
func (d *OutboxDispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.log.Info().Dur("interval", d.cfg.Interval).Msg("outbox dispatcher started")
	for {
		if _, err := d.DispatchPending(ctx); err != nil {
			d.log.Error().Err(err).Msg("outbox dispatch pass failed")
		}
		select {
		case <-ctx.Done():
			d.log.Info().Msg("outbox dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchPending delivers one batch of due messages and returns how many
// were delivered.
func (d *OutboxDispatcher) DispatchPending(ctx context.Context) (int, error) {
	return d.dispatch(ctx, repository.OutboxClaim{
		Now:   d.clock.Now(),
		Lease: d.cfg.Lease,
		Limit: d.cfg.BatchSize,
	})
}

// DispatchIDs delivers specific messages if they are still due.
func (d *OutboxDispatcher) DispatchIDs(ctx context.Context, ids []string) error {
	_, err := d.dispatch(ctx, repository.OutboxClaim{
		Now:   d.clock.Now(),
		Lease: d.cfg.Lease,
		Limit: len(ids),
		IDs:   ids,
	})
	return err
}

func (d *OutboxDispatcher) dispatch(ctx context.Context, claim repository.OutboxClaim) (int, error) {
	msgs, err := d.store.ClaimOutbox(ctx, claim)
	if err != nil {
		return 0, err
	}

	delivered := 0
	var failed error
	for _, m := range msgs {
		if err := d.deliver(ctx, m); err != nil {
			failed = errors.Join(failed, fmt.Errorf("%s: %w", m.ID, err))
			continue
		}
		delivered++
	}
	return delivered, failed
}

// deliver sends one message and records the outcome. Delivery failures are
// recorded on the message; only bookkeeping failures are returned.
func (d *OutboxDispatcher) deliver(ctx context.Context, m *repository.OutboxMessage) error {
	var sendErr error
	if breaker, ok := d.breakers[m.Kind]; ok {
		_, sendErr = breaker.Execute(func() (interface{}, error) {
			return nil, d.send(ctx, m)
		})
	} else {
		sendErr = d.send(ctx, m)
	}

	now := d.clock.Now()
	if sendErr == nil {
		d.metrics.OutboxDispatch(string(m.Kind), "delivered")
		return d.store.MarkDispatched(ctx, m.ID, now)
	}

	attempts := m.Attempts
	if sendErr != gobreaker.ErrOpenState && sendErr != gobreaker.ErrTooManyRequests {
		attempts++
	}

	logEvt := d.log.Warn().Err(sendErr).
		Str("message_id", m.ID).
		Str("instance_id", m.InstanceID).
		Str("kind", string(m.Kind)).
		Int("attempts", attempts)

	if attempts >= d.cfg.MaxAttempts || errors.HasCode(sendErr, errors.ErrCodeInvalidInput) {
		logEvt.Msg("outbox message failed permanently")
		d.metrics.OutboxDispatch(string(m.Kind), "failed")
		return d.store.MarkFailed(ctx, m.ID, attempts, sendErr.Error())
	}

	logEvt.Msg("outbox delivery failed, will retry")
	d.metrics.OutboxDispatch(string(m.Kind), "retry")
	return d.store.MarkRetry(ctx, m.ID, attempts, sendErr.Error(), now.Add(d.backoff(attempts)))
}

func (d *OutboxDispatcher) send(ctx context.Context, m *repository.OutboxMessage) error {
	switch m.Kind {
	case repository.OutboxNotification:
		var env notificationEnvelope
		if err := json.Unmarshal(m.Payload, &env); err != nil {
			return errors.Wrap(err, errors.ErrCodeInvalidInput, "malformed notification payload")
		}
		if d.notifier == nil {
			d.log.Debug().Str("recipient", env.Recipient).Str("kind", string(env.Kind)).Msg("no notifier configured, dropping notification")
			return nil
		}
		return d.notifier.Notify(ctx, env.Recipient, env.Kind, env.Payload)

	case repository.OutboxStatusCallback:
		var env callbackEnvelope
		if err := json.Unmarshal(m.Payload, &env); err != nil {
			return errors.Wrap(err, errors.ErrCodeInvalidInput, "malformed status callback payload")
		}
		return d.objects.UpdateStatus(ctx, env.Object, env.Update)
	}
	return errors.Newf(errors.ErrCodeInvalidInput, "unknown outbox kind %q", m.Kind)
}

// backoff doubles from BaseBackoff per attempt, capped at MaxBackoff.
func (d *OutboxDispatcher) backoff(attempts int) time.Duration {
	delay := d.cfg.BaseBackoff
	for i := 1; i < attempts && delay < d.cfg.MaxBackoff; i++ {
		delay *= 2
	}
	if delay > d.cfg.MaxBackoff {
		delay = d.cfg.MaxBackoff
	}
	return delay
}
