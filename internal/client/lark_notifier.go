package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// LarkConfig configures direct IM delivery through a Feishu/Lark app.
type LarkConfig struct {
	AppID     string
	AppSecret string
	// ReceiveIDType says how recipients are addressed: user_id, open_id or
	// email. Defaults to user_id.
	ReceiveIDType string
}

// LarkNotifier sends approval notifications as Lark text messages.
type LarkNotifier struct {
	client        *lark.Client
	receiveIDType string
	log           *logger.Logger
}

// NewLarkNotifier creates a notifier for the configured app.
func NewLarkNotifier(cfg LarkConfig, log *logger.Logger) *LarkNotifier {
	idType := cfg.ReceiveIDType
	if idType == "" {
		idType = larkim.ReceiveIdTypeUserId
	}
	return &LarkNotifier{
		client:        lark.NewClient(cfg.AppID, cfg.AppSecret),
		receiveIDType: idType,
		log:           log.Component("lark_notifier"),
	}
}

func (n *LarkNotifier) Notify(ctx context.Context, recipient string, kind service.NotificationKind, payload service.NotificationPayload) error {
	content, err := json.Marshal(map[string]string{"text": renderText(kind, payload)})
	if err != nil {
		return err
	}

	resp, err := n.client.Im.Message.Create(ctx, larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(n.receiveIDType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(recipient).
			MsgType(larkim.MsgTypeText).
			Content(string(content)).
			Build()).
		Build())
	if err != nil {
		return fmt.Errorf("failed to send lark message: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("lark rejected message: code=%d msg=%s", resp.Code, resp.Msg)
	}

	n.log.Debug().Str("recipient", recipient).Str("kind", string(kind)).Msg("lark message sent")
	return nil
}

// renderText formats the plain-text body of a notification.
func renderText(kind service.NotificationKind, p service.NotificationPayload) string {
	var b strings.Builder
	switch kind {
	case service.NotifyPendingApproval:
		fmt.Fprintf(&b, "Approval required: %s", p.InstanceNumber)
	case service.NotifyApprovalResult:
		fmt.Fprintf(&b, "Approval %s: %s", p.Result, p.InstanceNumber)
	case service.NotifyEscalation:
		fmt.Fprintf(&b, "Escalated to you: %s", p.InstanceNumber)
	case service.NotifyReminder:
		fmt.Fprintf(&b, "Reminder, still waiting for you: %s", p.InstanceNumber)
	default:
		fmt.Fprintf(&b, "%s: %s", kind, p.InstanceNumber)
	}
	if p.ObjectSummary != "" {
		fmt.Fprintf(&b, "\n%s", p.ObjectSummary)
	}
	if p.NodeName != "" {
		fmt.Fprintf(&b, "\nStep: %s", p.NodeName)
	}
	if p.Actor != "" && p.Actor != service.SystemActor {
		fmt.Fprintf(&b, "\nBy: %s", p.Actor)
	}
	if p.Comment != "" {
		fmt.Fprintf(&b, "\nComment: %s", p.Comment)
	}
	if p.ActionURL != "" {
		fmt.Fprintf(&b, "\n%s", p.ActionURL)
	}
	return b.String()
}
