package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

const (
	autoApproveComment = "approved automatically after timeout"
	autoRejectComment  = "rejected automatically after timeout"
)

// timeoutDue reports whether the current activation of inst has outlived its
// timeout. The node's timeout_hours takes precedence over the workflow's.
func timeoutDue(inst *repository.ApprovalInstance, now time.Time) bool {
	if inst.NodeActivatedAt == nil || inst.TimeoutHandledAt != nil {
		return false
	}
	node := inst.CurrentNode()
	if node == nil {
		return false
	}
	hours := node.TimeoutHours
	if hours == nil {
		hours = inst.Definition.TimeoutHours
	}
	if hours == nil {
		return false
	}
	return inst.NodeActivatedAt.Add(time.Duration(*hours) * time.Hour).Before(now)
}

// RunTimeouts applies the workflow's timeout action to every pending instance
// whose current node activation is overdue. Each activation is handled at
// most once, so repeated runs with the same clock are no-ops. It returns the
// ids of the instances it acted on.
func (e *Engine) RunTimeouts(ctx context.Context, now time.Time) ([]string, error) {
	started := time.Now()
	defer func() { e.metrics.ObserveSweep(time.Since(started).Seconds()) }()

	candidates, err := e.store.ListTimeoutCandidates(ctx)
	if err != nil {
		return nil, err
	}

	var affected []string
	for _, cand := range candidates {
		if ctx.Err() != nil {
			return affected, ctx.Err()
		}
		if !timeoutDue(cand, now) {
			continue
		}
		applied, err := e.applyTimeout(ctx, cand, now)
		if err != nil {
			e.log.Error().Err(err).Str("instance_id", cand.ID).Msg("failed to apply timeout")
			continue
		}
		if applied {
			affected = append(affected, cand.ID)
		}
	}
	return affected, nil
}

func (e *Engine) applyTimeout(ctx context.Context, cand *repository.ApprovalInstance, now time.Time) (bool, error) {
	applied := false
	var action repository.TimeoutAction

	err := e.run(ctx, func(w *work) error {
		w.now = now

		inst, err := w.tx.LockInstance(ctx, cand.ID)
		if err != nil {
			return err
		}
		// Another worker or a decision may have moved the instance since the
		// candidate list was read.
		if inst.Status != repository.InstancePending || !sameTime(inst.NodeActivatedAt, cand.NodeActivatedAt) || !timeoutDue(inst, now) {
			return nil
		}
		node := inst.CurrentNode()
		handled := now
		inst.TimeoutHandledAt = &handled
		inst.UpdatedAt = now

		records, err := w.tx.ListNodeRecords(ctx, inst.ID, node.ID)
		if err != nil {
			return err
		}

		action = inst.Definition.TimeoutAction
		switch action {
		case repository.TimeoutAutoApprove:
			if err := e.closePending(ctx, w, records, repository.ResultApproved, autoApproveComment); err != nil {
				return err
			}
			if inst.NodeApprovers == 0 {
				e.misconfigured("timeout_no_approvers", "auto-approve passed a node without approvers", inst.WorkflowCode, inst.ID)
			}
			// Every open vote is now an approval, so the node completes in any mode.
			if err := e.advance(ctx, w, inst, node, SystemActor, autoApproveComment); err != nil {
				return err
			}

		case repository.TimeoutAutoReject:
			if err := e.closePending(ctx, w, records, repository.ResultRejected, autoRejectComment); err != nil {
				return err
			}
			if err := e.terminate(ctx, w, inst, repository.InstanceRejected, SystemActor, autoRejectComment); err != nil {
				return err
			}

		case repository.TimeoutEscalate:
			if err := e.escalate(ctx, w, inst, node, records); err != nil {
				return err
			}

		default:
			for _, r := range records {
				if r.Result != repository.ResultPending {
					continue
				}
				if err := e.notify(ctx, w, inst, r.Approver, NotifyReminder, e.payload(inst, node.Name, "", "")); err != nil {
					return err
				}
			}
		}

		if err := w.tx.UpdateInstance(ctx, inst); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil || !applied {
		return false, err
	}

	e.metrics.TimeoutApplied(string(action))
	e.log.Info().Str("instance_id", cand.ID).Str("action", string(action)).Msg("timeout applied")
	return true, nil
}

// closePending stamps every pending record with result. The records slice is
// updated in place so the caller can evaluate the node afterwards.
func (e *Engine) closePending(ctx context.Context, w *work, records []*repository.ApprovalRecord, result repository.RecordResult, comment string) error {
	for _, r := range records {
		if r.Result != repository.ResultPending {
			continue
		}
		at := w.now
		r.Result = result
		r.Comment = comment
		r.ApprovalTime = &at
		if err := w.tx.UpdateRecord(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// escalate adds the escalation target as an approver of the current node.
// The target's record is marked escalated so that their approval alone
// completes the node; the node's approver count is left unchanged.
func (e *Engine) escalate(ctx context.Context, w *work, inst *repository.ApprovalInstance, node *repository.ApprovalNode, records []*repository.ApprovalRecord) error {
	target, err := escalationTarget(ctx, inst.Applicant, e.dir)
	if err != nil {
		return err
	}
	if target == "" {
		e.misconfigured("no_escalation_target", "no escalation target for applicant", inst.WorkflowCode, inst.ID)
		return nil
	}

	payload := e.payload(inst, node.Name, SystemActor, "")
	if rec := pendingRecordOf(records, target); rec != nil {
		rec.Escalated = true
		if err := w.tx.UpdateRecord(ctx, rec); err != nil {
			return err
		}
	} else if err := w.tx.InsertRecord(ctx, &repository.ApprovalRecord{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		NodeID:     node.ID,
		Approver:   target,
		Result:     repository.ResultPending,
		CreatedAt:  w.now,
		Escalated:  true,
	}); err != nil {
		return err
	}
	return e.notify(ctx, w, inst, target, NotifyEscalation, payload)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// SweepLock keeps the sweep on one replica at a time.
type SweepLock interface {
	TryLock(ctx context.Context, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context) error
}

// TimeoutSweeper runs RunTimeouts on a fixed interval.
type TimeoutSweeper struct {
	engine   *Engine
	interval time.Duration
	lock     SweepLock
}

// NewTimeoutSweeper creates a sweeper. A non-positive interval defaults to
// one minute.
func NewTimeoutSweeper(engine *Engine, interval time.Duration) *TimeoutSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &TimeoutSweeper{engine: engine, interval: interval}
}

// WithLock makes every tick take lock first. Ticks that lose the lock are
// skipped.
func (s *TimeoutSweeper) WithLock(lock SweepLock) *TimeoutSweeper {
	s.lock = lock
	return s
}

// Run sweeps until ctx is cancelled.
func (s *TimeoutSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log := s.engine.log
	log.Info().Dur("interval", s.interval).Msg("timeout sweeper started")
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			if s.lock != nil {
				_ = s.lock.Unlock(context.Background())
			}
			log.Info().Msg("timeout sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *TimeoutSweeper) tick(ctx context.Context) {
	log := s.engine.log
	if s.lock != nil {
		held, err := s.lock.TryLock(ctx, 2*s.interval)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("sweep lock unavailable")
			}
			return
		}
		if !held {
			log.Debug().Msg("sweep lock held elsewhere")
			return
		}
	}

	affected, err := s.engine.RunTimeouts(ctx, s.engine.clock.Now())
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("timeout sweep failed")
	} else if len(affected) > 0 {
		log.Info().Int("instances", len(affected)).Msg("timeout sweep applied actions")
	}
}
