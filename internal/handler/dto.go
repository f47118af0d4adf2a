package handler

import (
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// SubmitRequest is the body of a submission.
type SubmitRequest struct {
	ContentType string `json:"content_type"`
	ObjectID    int64  `json:"object_id"`
	Comment     string `json:"comment"`
}

// ActRequest is the body of a decision.
type ActRequest struct {
	Decision   string `json:"decision"`
	Comment    string `json:"comment"`
	TransferTo string `json:"transfer_to"`
}

// CommentRequest carries an optional comment.
type CommentRequest struct {
	Comment string `json:"comment"`
}

// TemplateStatusRequest changes a template's status.
type TemplateStatusRequest struct {
	Status string `json:"status"`
}

// InstanceResponse is the wire form of an approval instance.
type InstanceResponse struct {
	ID             string     `json:"id"`
	InstanceNumber string     `json:"instance_number"`
	WorkflowCode   string     `json:"workflow_code"`
	Status         string     `json:"status"`
	CurrentNode    string     `json:"current_node,omitempty"`
	ContentType    string     `json:"content_type"`
	ObjectID       int64      `json:"object_id"`
	ObjectSummary  string     `json:"object_summary"`
	Applicant      string     `json:"applicant"`
	ApplyTime      time.Time  `json:"apply_time"`
	ApplyComment   string     `json:"apply_comment,omitempty"`
	CompletedTime  *time.Time `json:"completed_time,omitempty"`
	FinalComment   *string    `json:"final_comment,omitempty"`
}

// RecordResponse is the wire form of one approval record.
type RecordResponse struct {
	ID            string     `json:"id"`
	NodeID        string     `json:"node_id"`
	NodeName      string     `json:"node_name"`
	Approver      string     `json:"approver"`
	Result        string     `json:"result"`
	Comment       string     `json:"comment,omitempty"`
	TransferredTo *string    `json:"transferred_to,omitempty"`
	ApprovalTime  *time.Time `json:"approval_time,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	Escalated     bool       `json:"escalated,omitempty"`
}

// InstanceDetailResponse is an instance with its history.
type InstanceDetailResponse struct {
	InstanceResponse
	Records []RecordResponse `json:"records"`
}

// PendingResponse is one item of an approver's inbox.
type PendingResponse struct {
	Instance InstanceResponse `json:"instance"`
	RecordID string           `json:"record_id"`
	NodeName string           `json:"node_name"`
	Since    time.Time        `json:"since"`
}

// TemplateResponse is the wire form of a workflow template.
type TemplateResponse struct {
	ID            string               `json:"id"`
	Code          string               `json:"code"`
	Name          string               `json:"name"`
	Description   string               `json:"description,omitempty"`
	Category      string               `json:"category,omitempty"`
	Status        string               `json:"status"`
	AllowWithdraw bool                 `json:"allow_withdraw"`
	AllowReject   bool                 `json:"allow_reject"`
	AllowTransfer bool                 `json:"allow_transfer"`
	TimeoutHours  *int                 `json:"timeout_hours,omitempty"`
	TimeoutAction string               `json:"timeout_action"`
	CreatedBy     string               `json:"created_by"`
	Nodes         []TemplateNodeOutput `json:"nodes"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// TemplateNodeOutput is one node of a template response.
type TemplateNodeOutput struct {
	*repository.ApprovalNode
	repository.ApproverColumns
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func toInstance(inst *repository.ApprovalInstance) InstanceResponse {
	resp := InstanceResponse{
		ID:             inst.ID,
		InstanceNumber: inst.InstanceNumber,
		WorkflowCode:   inst.WorkflowCode,
		Status:         string(inst.Status),
		ContentType:    inst.Object.ContentType,
		ObjectID:       inst.Object.ObjectID,
		ObjectSummary:  inst.ObjectSummary,
		Applicant:      inst.Applicant,
		ApplyTime:      inst.ApplyTime,
		ApplyComment:   inst.ApplyComment,
		CompletedTime:  inst.CompletedTime,
		FinalComment:   inst.FinalComment,
	}
	if node := inst.CurrentNode(); node != nil {
		resp.CurrentNode = node.Name
	}
	return resp
}

func toInstances(list []*repository.ApprovalInstance) []InstanceResponse {
	out := make([]InstanceResponse, 0, len(list))
	for _, inst := range list {
		out = append(out, toInstance(inst))
	}
	return out
}

func toDetail(d *service.InstanceDetail) InstanceDetailResponse {
	names := map[string]string{}
	if d.Instance.Definition != nil {
		for _, n := range d.Instance.Definition.Nodes {
			names[n.ID] = n.Name
		}
	}
	records := make([]RecordResponse, 0, len(d.Records))
	for _, r := range d.Records {
		records = append(records, RecordResponse{
			ID:            r.ID,
			NodeID:        r.NodeID,
			NodeName:      names[r.NodeID],
			Approver:      r.Approver,
			Result:        string(r.Result),
			Comment:       r.Comment,
			TransferredTo: r.TransferredTo,
			ApprovalTime:  r.ApprovalTime,
			CreatedAt:     r.CreatedAt,
			Escalated:     r.Escalated,
		})
	}
	return InstanceDetailResponse{InstanceResponse: toInstance(d.Instance), Records: records}
}

func toPending(items []*repository.PendingItem) []PendingResponse {
	out := make([]PendingResponse, 0, len(items))
	for _, it := range items {
		out = append(out, PendingResponse{
			Instance: toInstance(it.Instance),
			RecordID: it.Record.ID,
			NodeName: it.NodeName,
			Since:    it.Record.CreatedAt,
		})
	}
	return out
}

func toTemplate(t *repository.WorkflowTemplate) TemplateResponse {
	nodes := make([]TemplateNodeOutput, 0, len(t.Nodes))
	for _, n := range t.Nodes {
		nodes = append(nodes, TemplateNodeOutput{
			ApprovalNode:    n,
			ApproverColumns: repository.ColumnsOf(n.Approvers),
		})
	}
	return TemplateResponse{
		ID:            t.ID,
		Code:          t.Code,
		Name:          t.Name,
		Description:   t.Description,
		Category:      t.Category,
		Status:        string(t.Status),
		AllowWithdraw: t.AllowWithdraw,
		AllowReject:   t.AllowReject,
		AllowTransfer: t.AllowTransfer,
		TimeoutHours:  t.TimeoutHours,
		TimeoutAction: string(t.TimeoutAction),
		CreatedBy:     t.CreatedBy,
		Nodes:         nodes,
		UpdatedAt:     t.UpdatedAt,
	}
}
