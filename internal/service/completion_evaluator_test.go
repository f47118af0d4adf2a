package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

func records(results ...repository.RecordResult) []*repository.ApprovalRecord {
	out := make([]*repository.ApprovalRecord, len(results))
	for i, r := range results {
		out[i] = &repository.ApprovalRecord{Result: r}
	}
	return out
}

func TestEvaluateNode(t *testing.T) {
	const (
		P = repository.ResultPending
		A = repository.ResultApproved
		R = repository.ResultRejected
		T = repository.ResultTransferred
	)

	tests := []struct {
		name      string
		mode      repository.ApprovalMode
		results   []repository.RecordResult
		n         int
		canReject bool
		want      NodeOutcome
	}{
		{"single waits", repository.ModeSingle, []repository.RecordResult{P}, 1, true, StillPending},
		{"single approves", repository.ModeSingle, []repository.RecordResult{A}, 1, true, CompletedAdvance},
		{"any first approval wins", repository.ModeAny, []repository.RecordResult{P, A, P}, 3, true, CompletedAdvance},
		{"all partial", repository.ModeAll, []repository.RecordResult{A, A, P}, 3, true, StillPending},
		{"all complete", repository.ModeAll, []repository.RecordResult{A, A, A}, 3, true, CompletedAdvance},
		{"reject wins over approvals", repository.ModeAll, []repository.RecordResult{A, A, R}, 3, true, CompletedReject},
		{"reject ignored when not allowed", repository.ModeAny, []repository.RecordResult{R, P}, 2, false, StillPending},
		{"majority two of five", repository.ModeMajority, []repository.RecordResult{A, A, P, P, P}, 5, true, StillPending},
		{"majority three of five", repository.ModeMajority, []repository.RecordResult{A, A, A, P, P}, 5, true, CompletedAdvance},
		{"majority one of one", repository.ModeMajority, []repository.RecordResult{A}, 1, true, CompletedAdvance},
		{"majority tie does not advance", repository.ModeMajority, []repository.RecordResult{A, P}, 2, true, StillPending},
		{"majority two of two", repository.ModeMajority, []repository.RecordResult{A, A}, 2, true, CompletedAdvance},
		{"majority two of four", repository.ModeMajority, []repository.RecordResult{A, A, P, P}, 4, true, StillPending},
		{"transferred does not count", repository.ModeAll, []repository.RecordResult{T, A, A}, 3, true, StillPending},
		{"transferee completes all", repository.ModeAll, []repository.RecordResult{T, A, A, A}, 3, true, CompletedAdvance},
		{"no approvers never advances", repository.ModeSingle, []repository.RecordResult{A}, 0, true, StillPending},
		{"no approvers can still reject", repository.ModeSingle, []repository.RecordResult{R}, 0, true, CompletedReject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvaluateNode(tt.mode, records(tt.results...), tt.n, tt.canReject))
		})
	}
}

func TestEvaluateNode_AllNeverBelowN(t *testing.T) {
	for n := 1; n <= 6; n++ {
		for approved := 0; approved < n; approved++ {
			results := make([]repository.RecordResult, n)
			for i := range results {
				results[i] = repository.ResultPending
				if i < approved {
					results[i] = repository.ResultApproved
				}
			}
			assert.Equal(t, StillPending, EvaluateNode(repository.ModeAll, records(results...), n, true), "n=%d approved=%d", n, approved)
			if approved*2 <= n {
				assert.Equal(t, StillPending, EvaluateNode(repository.ModeMajority, records(results...), n, true), "n=%d approved=%d", n, approved)
			}
		}
	}
}

func TestEvaluateNode_EscalatedApproval(t *testing.T) {
	recs := records(repository.ResultApproved, repository.ResultPending, repository.ResultPending)
	escalation := &repository.ApprovalRecord{Approver: "ceo", Result: repository.ResultPending, Escalated: true}
	recs = append(recs, escalation)

	assert.Equal(t, StillPending, EvaluateNode(repository.ModeAll, recs, 3, true))

	escalation.Result = repository.ResultApproved
	assert.Equal(t, CompletedAdvance, EvaluateNode(repository.ModeAll, recs, 3, true))
	assert.Equal(t, CompletedAdvance, EvaluateNode(repository.ModeMajority, recs, 3, true))
	assert.Equal(t, CompletedAdvance, EvaluateNode(repository.ModeSingle, recs, 0, true), "escalation unblocks a node without approvers")

	recs[1].Result = repository.ResultRejected
	assert.Equal(t, CompletedReject, EvaluateNode(repository.ModeAll, recs, 3, true))
}
