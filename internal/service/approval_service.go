package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/peptidehub/be-workflows/internal/errors"
	"github.com/peptidehub/be-workflows/internal/logger"
	"github.com/peptidehub/be-workflows/internal/repository"
)

// RequestStore is the approval request persistence surface. Implementations
// must make every Mark* call a single atomic conditional update so that
// concurrent transitions on one request have exactly one winner.
type RequestStore interface {
	Create(ctx context.Context, req *repository.ApprovalRequest) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalRequest, error)
	FindOpenByEntity(ctx context.Context, entityType repository.EntityType, entityID string) (*repository.ApprovalRequest, error)
	MarkResponded(ctx context.Context, id string, status repository.RequestStatus, respondedBy, note string) (*repository.ApprovalRequest, error)
	MarkCancelled(ctx context.Context, id, reason string) (*repository.ApprovalRequest, error)
	MarkExpired(ctx context.Context, id string, now time.Time) (*repository.ApprovalRequest, error)
	ListDueForExpiry(ctx context.Context, now time.Time, limit int) ([]*repository.ApprovalRequest, error)
	ListPendingForUser(ctx context.Context, userID string, roles []string) ([]*repository.ApprovalRequest, error)
	ListHistory(ctx context.Context, filter repository.HistoryFilter) ([]*repository.ApprovalRequest, error)
	CountOpenByRule(ctx context.Context, ruleID string) (int, error)
}

// AuditStore appends and reads immutable audit entries.
type AuditStore interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
	ListByEntity(ctx context.Context, entityType repository.EntityType, entityID string) ([]*repository.AuditEntry, error)
	ListByRequest(ctx context.Context, requestID string) ([]*repository.AuditEntry, error)
}

// Notifier delivers best-effort notifications. Implementations never block
// on delivery and never return errors to callers.
type Notifier interface {
	NotifyRequestEvent(ctx context.Context, event string, req *repository.ApprovalRequest)
	NotifyRuleMessage(ctx context.Context, rule *repository.WorkflowRule, entityType repository.EntityType, entityID, message string)
}

// ManualRequestInput raises an approval request without a rule.
type ManualRequestInput struct {
	EntityType    repository.EntityType
	EntityID      string
	EntitySummary string
	Amount        *float64
	RequestedBy   string
	AssignedTo    string
	AssignedRole  string
	ExpiresAt     *time.Time
}

// ApprovalService owns the approval request lifecycle: PENDING at creation,
// exactly one transition to APPROVED, REJECTED, EXPIRED or CANCELLED.
type ApprovalService struct {
	requests RequestStore
	audit    AuditStore
	notifier Notifier
	log      *logger.Logger
	now      func() time.Time
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(requests RequestStore, audit AuditStore, notifier Notifier, log *logger.Logger) *ApprovalService {
	return &ApprovalService{
		requests: requests,
		audit:    audit,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
}

// ── Creation ──────────────────────────────────────────────────────────────────

// CreateFromRule creates a PENDING request for an entity, freezing the
// rule's assignment, expiry and summary into the request. When an open
// request already exists for the entity it is returned instead; creation
// is idempotent by entity identity, not by rule.
func (s *ApprovalService) CreateFromRule(
	ctx context.Context,
	rule *repository.WorkflowRule,
	params repository.ActionParams,
	entityType repository.EntityType,
	entityID string,
	snapshot Snapshot,
	requestedBy string,
) (*repository.ApprovalRequest, error) {
	existing, err := s.requests.FindOpenByEntity(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.log.Debug().
			Str("request_id", existing.ID).
			Str("entity_id", entityID).
			Msg("Open approval request exists; reusing")
		return existing, nil
	}

	now := s.now()
	req := &repository.ApprovalRequest{
		WorkflowRuleID: &rule.ID,
		EntityType:     entityType,
		EntityID:       entityID,
		EntitySummary:  buildSummary(entityType, entityID, snapshot, params.Message),
		Amount:         snapshotAmount(snapshot),
		Status:         repository.StatusPending,
		RequestedBy:    requestedBy,
		RequestedAt:    now,
	}
	if params.UserID != "" {
		req.AssignedTo = &params.UserID
	} else if params.Role != "" {
		req.AssignedRole = &params.Role
	}
	if params.ExpiresInDays > 0 {
		expiresAt := now.Add(time.Duration(params.ExpiresInDays) * 24 * time.Hour)
		req.ExpiresAt = &expiresAt
	}

	if err := s.requests.Create(ctx, req); err != nil {
		if errors.IsConflict(err) {
			// Lost a concurrent creation race; the winner's request is the
			// open one for this entity.
			winner, ferr := s.requests.FindOpenByEntity(ctx, entityType, entityID)
			if ferr == nil && winner != nil {
				return winner, nil
			}
		}
		return nil, err
	}

	s.appendAudit(ctx, req, "requested", requestedBy, map[string]any{
		"rule_id":   rule.ID,
		"rule_name": rule.Name,
	})
	s.notifier.NotifyRequestEvent(ctx, "approval_requested", req)

	s.log.Info().
		Str("request_id", req.ID).
		Str("entity_type", string(entityType)).
		Str("entity_id", entityID).
		Str("rule_id", rule.ID).
		Msg("Approval request created")

	return req, nil
}

// CreateManual raises a request without a rule, e.g. by an operator from
// the admin screen. Unlike CreateFromRule, an existing open request is a
// conflict surfaced to the caller, carrying the existing id.
func (s *ApprovalService) CreateManual(ctx context.Context, input ManualRequestInput) (*repository.ApprovalRequest, error) {
	if !input.EntityType.Valid() {
		return nil, errors.InvalidInput("entityType", fmt.Sprintf("unknown entity type %q", input.EntityType))
	}
	if input.EntityID == "" {
		return nil, errors.InvalidInput("entityId", "entity id is required")
	}
	if input.AssignedTo != "" && input.AssignedRole != "" {
		return nil, errors.InvalidInput("assignedTo", "at most one of assignedTo and assignedRole may be set")
	}

	now := s.now()
	if input.ExpiresAt != nil && input.ExpiresAt.Before(now) {
		return nil, errors.InvalidInput("expiresAt", "expiry must not be in the past")
	}

	existing, err := s.requests.FindOpenByEntity(ctx, input.EntityType, input.EntityID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.Newf(errors.ErrCodeConflict,
			"an open approval request already exists for this entity: %s", existing.ID)
	}

	req := &repository.ApprovalRequest{
		EntityType:    input.EntityType,
		EntityID:      input.EntityID,
		EntitySummary: input.EntitySummary,
		Amount:        input.Amount,
		Status:        repository.StatusPending,
		RequestedBy:   input.RequestedBy,
		RequestedAt:   now,
		ExpiresAt:     input.ExpiresAt,
	}
	if input.AssignedTo != "" {
		req.AssignedTo = &input.AssignedTo
	}
	if input.AssignedRole != "" {
		req.AssignedRole = &input.AssignedRole
	}

	if err := s.requests.Create(ctx, req); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, req, "requested", input.RequestedBy, map[string]any{"manual": true})
	s.notifier.NotifyRequestEvent(ctx, "approval_requested", req)

	return req, nil
}

// ── Transitions ───────────────────────────────────────────────────────────────

// Respond records a human decision. Rejecting requires a non-empty note;
// approving accepts an optional one. A request that is no longer PENDING
// (already resolved, expired or cancelled) yields an invalid-state error
// naming the current status.
func (s *ApprovalService) Respond(ctx context.Context, requestID, action, responderID, note string) (*repository.ApprovalRequest, error) {
	var status repository.RequestStatus
	switch action {
	case "approve":
		status = repository.StatusApproved
	case "reject":
		status = repository.StatusRejected
	default:
		return nil, errors.InvalidInput("action", fmt.Sprintf("must be approve or reject, got %q", action))
	}

	if status == repository.StatusRejected && strings.TrimSpace(note) == "" {
		return nil, errors.InvalidInput("note", "a note is required when rejecting")
	}
	if responderID == "" {
		return nil, errors.InvalidInput("responderId", "responder id is required")
	}

	req, err := s.requests.MarkResponded(ctx, requestID, status, responderID, note)
	if err != nil {
		return nil, err
	}

	event := "approval_approved"
	auditAction := "approved"
	if status == repository.StatusRejected {
		event = "approval_rejected"
		auditAction = "rejected"
	}
	s.appendAudit(ctx, req, auditAction, responderID, map[string]any{"note": note})
	s.notifier.NotifyRequestEvent(ctx, event, req)

	s.log.Info().
		Str("request_id", req.ID).
		Str("status", string(req.Status)).
		Str("responded_by", responderID).
		Msg("Approval request resolved")

	return req, nil
}

// Cancel withdraws a PENDING request, typically because the gated entity
// was deleted or the triggering change was reverted.
func (s *ApprovalService) Cancel(ctx context.Context, requestID, reason, performedBy string) (*repository.ApprovalRequest, error) {
	req, err := s.requests.MarkCancelled(ctx, requestID, reason)
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, req, "cancelled", performedBy, map[string]any{"reason": reason})
	s.notifier.NotifyRequestEvent(ctx, "approval_cancelled", req)

	return req, nil
}

// Expire transitions a timed-out PENDING request to EXPIRED. Only the
// sweeper calls this; the store rejects requests that are not yet due or
// carry no deadline.
func (s *ApprovalService) Expire(ctx context.Context, requestID string) (*repository.ApprovalRequest, error) {
	req, err := s.requests.MarkExpired(ctx, requestID, s.now())
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, req, "expired", "system", nil)
	s.notifier.NotifyRequestEvent(ctx, "approval_expired", req)

	return req, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetRequest returns a request by id.
func (s *ApprovalService) GetRequest(ctx context.Context, requestID string) (*repository.ApprovalRequest, error) {
	return s.requests.GetByID(ctx, requestID)
}

// DueForExpiry lists PENDING requests whose deadline has passed.
func (s *ApprovalService) DueForExpiry(ctx context.Context, now time.Time, limit int) ([]*repository.ApprovalRequest, error) {
	return s.requests.ListDueForExpiry(ctx, now, limit)
}

// PendingForUser returns the reviewer's queue.
func (s *ApprovalService) PendingForUser(ctx context.Context, userID string, roles []string) ([]*repository.ApprovalRequest, error) {
	return s.requests.ListPendingForUser(ctx, userID, roles)
}

// History returns resolved requests for the audit view.
func (s *ApprovalService) History(ctx context.Context, filter repository.HistoryFilter) ([]*repository.ApprovalRequest, error) {
	return s.requests.ListHistory(ctx, filter)
}

// AuditTrail returns the audit entries for one request, oldest first. The
// request is fetched first so unknown ids yield not-found rather than an
// empty trail.
func (s *ApprovalService) AuditTrail(ctx context.Context, requestID string) ([]*repository.AuditEntry, error) {
	if _, err := s.requests.GetByID(ctx, requestID); err != nil {
		return nil, err
	}
	return s.audit.ListByRequest(ctx, requestID)
}

// EntityAuditTrail returns every audit entry recorded for a business entity,
// across all of its requests.
func (s *ApprovalService) EntityAuditTrail(ctx context.Context, entityType repository.EntityType, entityID string) ([]*repository.AuditEntry, error) {
	if !entityType.Valid() {
		return nil, errors.InvalidInput("entityType", fmt.Sprintf("unknown entity type %q", entityType))
	}
	return s.audit.ListByEntity(ctx, entityType, entityID)
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// appendAudit writes an audit entry and logs a warning on failure; audit
// problems never fail the operation they describe.
func (s *ApprovalService) appendAudit(ctx context.Context, req *repository.ApprovalRequest, action, performedBy string, metadata map[string]any) {
	entry := &repository.AuditEntry{
		RequestID:   &req.ID,
		RuleID:      req.WorkflowRuleID,
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		Action:      action,
		PerformedBy: performedBy,
		Metadata:    metadata,
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("request_id", req.ID).
			Str("action", action).
			Msg("Failed to write audit log entry")
	}
}

// buildSummary produces the human-readable text frozen into the request.
// The rule's message takes precedence; otherwise a compact rendition of the
// snapshot is generated.
func buildSummary(entityType repository.EntityType, entityID string, snapshot Snapshot, message string) string {
	if message != "" {
		return message
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", entityType, entityID)

	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, snapshot[k])
	}
	return b.String()
}

// snapshotAmount extracts the display amount, when present and numeric.
func snapshotAmount(snapshot Snapshot) *float64 {
	if v, ok := snapshot["amount"]; ok {
		if f, ok := toFloat(v); ok {
			return &f
		}
	}
	return nil
}
