package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// NotificationPublisher publishes approval notifications to NATS JetStream
// for consumption by the be-plt-notifications service.
//
// Subject convention: notifications.approvals.<kind>
// Kinds: pending_approval, approval_result, escalation, reminder
//
// Publish errors are returned so the outbox dispatcher can retry them.
type NotificationPublisher struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	prefix  string
	timeout time.Duration
	log     *logger.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string                      `json:"event_type"`
	Recipients   []string                    `json:"recipients"`
	ResourceType string                      `json:"resource_type"`
	ResourceID   string                      `json:"resource_id"`
	IsActionable bool                        `json:"is_actionable"`
	ActionURL    string                      `json:"action_url,omitempty"`
	Severity     string                      `json:"severity"`
	Category     string                      `json:"category"`
	Payload      service.NotificationPayload `json:"payload"`
	OccurredAt   time.Time                   `json:"occurred_at"`
}

// NATSConfig configures the publisher.
type NATSConfig struct {
	URL           string
	Stream        string
	SubjectPrefix string
	Timeout       time.Duration
}

// NewNotificationPublisher connects to NATS and, when cfg.Stream is set,
// makes sure the stream captures the notification subjects.
func NewNotificationPublisher(ctx context.Context, cfg NATSConfig, log *logger.Logger) (*NotificationPublisher, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "notifications.approvals"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	conn, err := nats.Connect(cfg.URL, nats.Name("be-plt-approvals"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if cfg.Stream != "" {
		if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     cfg.Stream,
			Subjects: []string{cfg.SubjectPrefix + ".>"},
		}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to ensure stream %s: %w", cfg.Stream, err)
		}
	}

	return &NotificationPublisher{
		conn:    conn,
		js:      js,
		prefix:  cfg.SubjectPrefix,
		timeout: cfg.Timeout,
		log:     log.Component("notification_publisher"),
	}, nil
}

// Close drains the connection.
func (p *NotificationPublisher) Close() error {
	return p.conn.Drain()
}

// Notify publishes one notification.
// Subject: notifications.approvals.<kind>
func (p *NotificationPublisher) Notify(ctx context.Context, recipient string, kind service.NotificationKind, payload service.NotificationPayload) error {
	data, err := json.Marshal(newNotificationEvent(recipient, kind, payload, time.Now()))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to marshal notification")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	subject := p.subject(kind)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("instance_id", payload.InstanceID).
		Str("recipient", recipient).
		Msg("notification published")
	return nil
}

func (p *NotificationPublisher) subject(kind service.NotificationKind) string {
	return p.prefix + "." + string(kind)
}

func newNotificationEvent(recipient string, kind service.NotificationKind, payload service.NotificationPayload, at time.Time) *NotificationEvent {
	severity := "info"
	if kind == service.NotifyEscalation || kind == service.NotifyReminder {
		severity = "warning"
	}
	return &NotificationEvent{
		EventType:    string(kind),
		Recipients:   []string{recipient},
		ResourceType: "approval_instance",
		ResourceID:   payload.InstanceID,
		IsActionable: kind != service.NotifyApprovalResult,
		ActionURL:    payload.ActionURL,
		Severity:     severity,
		Category:     "approval",
		Payload:      payload,
		OccurredAt:   at,
	}
}

// LogNotifier writes notifications to the log. It is the development
// fallback when no transport is configured.
type LogNotifier struct {
	log *logger.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log.Component("log_notifier")}
}

func (n *LogNotifier) Notify(ctx context.Context, recipient string, kind service.NotificationKind, payload service.NotificationPayload) error {
	n.log.Info().
		Str("recipient", recipient).
		Str("kind", string(kind)).
		Str("instance_number", payload.InstanceNumber).
		Str("node", payload.NodeName).
		Str("result", payload.Result).
		Msg("notification")
	return nil
}
