package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/peptidehub/be-workflows/internal/repository"
)

// NotificationPublisher publishes workflow events to NATS for consumption
// by the platform notifications service.
//
// Subject convention: notifications.workflows.<event_type>
// Event types: approval_requested, approval_approved, approval_rejected,
//              approval_cancelled, approval_expired, rule_notification
//
// All publish operations are non-fatal: errors are logged but never
// propagated, so notification failures never interrupt an evaluation or a
// response.
type NotificationPublisher struct {
	nc       *nats.Conn
	identity RecipientResolver
	log      zerolog.Logger
}

// RecipientResolver expands an assigned role into concrete recipients.
type RecipientResolver interface {
	GetUsersWithRole(ctx context.Context, role string) ([]string, error)
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	Recipients   []string       `json:"recipients,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// connection. nc may be nil, in which case publishing is a no-op.
func NewNotificationPublisher(nc *nats.Conn, identity RecipientResolver, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{nc: nc, identity: identity, log: log}
}

// NotifyRequestEvent publishes an approval request lifecycle event.
func (p *NotificationPublisher) NotifyRequestEvent(ctx context.Context, event string, req *repository.ApprovalRequest) {
	payload := map[string]any{
		"request_id": req.ID,
		"summary":    req.EntitySummary,
		"status":     string(req.Status),
	}
	if req.Amount != nil {
		payload["amount"] = *req.Amount
	}

	p.publish(&NotificationEvent{
		EventType:    event,
		EntityType:   string(req.EntityType),
		EntityID:     req.EntityID,
		Recipients:   p.resolveRecipients(ctx, req),
		ResourceType: "approval_request",
		ResourceID:   req.ID,
		IsActionable: req.Status == repository.StatusPending,
		Severity:     "info",
		Category:     "workflow_approval",
		Payload:      payload,
	})
}

// NotifyRuleMessage publishes a SEND_NOTIFICATION action's message.
func (p *NotificationPublisher) NotifyRuleMessage(ctx context.Context, rule *repository.WorkflowRule, entityType repository.EntityType, entityID, message string) {
	p.publish(&NotificationEvent{
		EventType:  "rule_notification",
		EntityType: string(entityType),
		EntityID:   entityID,
		Severity:   "info",
		Category:   "workflow_rule",
		Payload: map[string]any{
			"rule_id":   rule.ID,
			"rule_name": rule.Name,
			"message":   message,
		},
	})
}

// resolveRecipients picks the direct assignee, or expands the assigned role
// through the identity service. Resolution failures degrade to an empty
// recipient list; the notifications service can still fan out by role.
func (p *NotificationPublisher) resolveRecipients(ctx context.Context, req *repository.ApprovalRequest) []string {
	if req.AssignedTo != nil {
		return []string{*req.AssignedTo}
	}
	if req.AssignedRole != nil && p.identity != nil {
		users, err := p.identity.GetUsersWithRole(ctx, *req.AssignedRole)
		if err != nil {
			p.log.Warn().Err(err).Str("role", *req.AssignedRole).Msg("notification: could not resolve role recipients")
			return nil
		}
		return users
	}
	return nil
}

func (p *NotificationPublisher) publish(event *NotificationEvent) {
	if p.nc == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", event.EventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.workflows.%s", event.EventType)
	if err := p.nc.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("entity_id", event.EntityID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("entity_id", event.EntityID).
		Int("recipients", len(event.Recipients)).
		Msg("notification: event published")
}
