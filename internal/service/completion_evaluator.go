package service

import "github.com/pesio-ai/be-plt-approvals/internal/repository"

// NodeOutcome is the result of evaluating a node's records.
type NodeOutcome string

const (
	StillPending     NodeOutcome = "still_pending"
	CompletedAdvance NodeOutcome = "completed_advance"
	CompletedReject  NodeOutcome = "completed_reject"
)

// EvaluateNode decides whether a node is complete. n is the number of
// distinct approvers resolved at activation; a node with n == 0 never
// completes on approvals. Transferred records count toward neither side.
// An approved escalation record completes the node whatever the mode.
func EvaluateNode(mode repository.ApprovalMode, records []*repository.ApprovalRecord, n int, canReject bool) NodeOutcome {
	approved := 0
	escalated := false
	for _, r := range records {
		switch r.Result {
		case repository.ResultRejected:
			if canReject {
				return CompletedReject
			}
		case repository.ResultApproved:
			approved++
			escalated = escalated || r.Escalated
		}
	}

	if escalated {
		return CompletedAdvance
	}
	if n <= 0 {
		return StillPending
	}

	var done bool
	switch mode {
	case repository.ModeSingle, repository.ModeAny:
		done = approved >= 1
	case repository.ModeAll:
		done = approved >= n
	case repository.ModeMajority:
		done = approved*2 > n
	}
	if done {
		return CompletedAdvance
	}
	return StillPending
}
