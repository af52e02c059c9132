package service

import (
	"context"
	"fmt"

	"github.com/peptidehub/be-workflows/internal/errors"
	"github.com/peptidehub/be-workflows/internal/logger"
	"github.com/peptidehub/be-workflows/internal/repository"
)

// overridePermission lets administrators respond to or cancel any request.
const overridePermission = "workflows:override"

// IdentityClient resolves user information from the platform identity
// service.
type IdentityClient interface {
	// GetUserRoles returns the role names a user holds.
	GetUserRoles(ctx context.Context, userID string) ([]string, error)
	// GetUsersWithRole returns user IDs holding the given role.
	GetUsersWithRole(ctx context.Context, role string) ([]string, error)
	// HasPermission checks a single permission for a user.
	HasPermission(ctx context.Context, userID, permission string) (bool, error)
}

// WorkflowEngineService is the facade external collaborators call. Entity
// handlers call Evaluate before committing their own state transition;
// the admin approvals UI calls Respond and Cancel.
type WorkflowEngineService struct {
	resolver   *RuleResolver
	dispatcher *ActionDispatcher
	approvals  *ApprovalService
	identity   IdentityClient
	log        *logger.Logger
}

// NewWorkflowEngineService creates a new WorkflowEngineService.
func NewWorkflowEngineService(
	resolver *RuleResolver,
	dispatcher *ActionDispatcher,
	approvals *ApprovalService,
	identity IdentityClient,
	log *logger.Logger,
) *WorkflowEngineService {
	return &WorkflowEngineService{
		resolver:   resolver,
		dispatcher: dispatcher,
		approvals:  approvals,
		identity:   identity,
		log:        log,
	}
}

// Evaluate runs resolution and dispatch for one event and returns the
// decision. Any engine failure propagates as a hard error: callers must not
// fall back to PROCEED, since that would silently bypass approval gating.
func (s *WorkflowEngineService) Evaluate(
	ctx context.Context,
	entityType repository.EntityType,
	trigger repository.TriggerEvent,
	snapshot Snapshot,
	requestedBy string,
) (*Decision, error) {
	if !entityType.Valid() {
		return nil, errors.InvalidInput("entityType", fmt.Sprintf("unknown entity type %q", entityType))
	}
	if !trigger.Valid() {
		return nil, errors.InvalidInput("triggerEvent", fmt.Sprintf("unknown trigger event %q", trigger))
	}

	rules, err := s.resolver.Resolve(ctx, entityType, trigger, snapshot)
	if err != nil {
		return nil, err
	}

	decision, err := s.dispatcher.Dispatch(ctx, rules, entityType, snapshotEntityID(snapshot), snapshot, requestedBy)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("entity_type", string(entityType)).
		Str("trigger", string(trigger)).
		Str("outcome", string(decision.Outcome)).
		Int("rules_matched", len(rules)).
		Msg("Workflow evaluation completed")

	return decision, nil
}

// EvaluateEntity is Evaluate with an explicit entity id, for callers whose
// snapshot does not carry one.
func (s *WorkflowEngineService) EvaluateEntity(
	ctx context.Context,
	entityType repository.EntityType,
	entityID string,
	trigger repository.TriggerEvent,
	snapshot Snapshot,
	requestedBy string,
) (*Decision, error) {
	if entityID == "" {
		return nil, errors.InvalidInput("entityId", "entity id is required")
	}
	if snapshot == nil {
		snapshot = Snapshot{}
	}
	snapshot["entityId"] = entityID
	return s.Evaluate(ctx, entityType, trigger, snapshot, requestedBy)
}

// Respond applies a human decision after checking that the responder is the
// assignee, holds the assigned role, or carries the override permission.
func (s *WorkflowEngineService) Respond(ctx context.Context, requestID, action, responderID, note string) (*repository.ApprovalRequest, error) {
	req, err := s.approvals.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeResponder(ctx, responderID, req); err != nil {
		return nil, err
	}
	return s.approvals.Respond(ctx, requestID, action, responderID, note)
}

// Cancel withdraws a pending request. Only the original requester or an
// override holder may cancel.
func (s *WorkflowEngineService) Cancel(ctx context.Context, requestID, reason, performedBy string) (*repository.ApprovalRequest, error) {
	req, err := s.approvals.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.RequestedBy != performedBy {
		ok, err := s.hasOverride(ctx, performedBy)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Unauthorized("only the requester or an administrator can cancel an approval request")
		}
	}
	return s.approvals.Cancel(ctx, requestID, reason, performedBy)
}

// CreateManualRequest passes through to the approval service.
func (s *WorkflowEngineService) CreateManualRequest(ctx context.Context, input ManualRequestInput) (*repository.ApprovalRequest, error) {
	return s.approvals.CreateManual(ctx, input)
}

// GetRequest returns one approval request.
func (s *WorkflowEngineService) GetRequest(ctx context.Context, requestID string) (*repository.ApprovalRequest, error) {
	return s.approvals.GetRequest(ctx, requestID)
}

// PendingForUser returns a reviewer's queue, resolving their roles first.
// An identity outage degrades to direct assignments only rather than
// failing the queue.
func (s *WorkflowEngineService) PendingForUser(ctx context.Context, userID string) ([]*repository.ApprovalRequest, error) {
	roles, err := s.identity.GetUserRoles(ctx, userID)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("Could not resolve user roles; listing direct assignments only")
		roles = nil
	}
	return s.approvals.PendingForUser(ctx, userID, roles)
}

// History returns resolved requests for the history view.
func (s *WorkflowEngineService) History(ctx context.Context, filter repository.HistoryFilter) ([]*repository.ApprovalRequest, error) {
	return s.approvals.History(ctx, filter)
}

// AuditTrail returns the audit entries for one request.
func (s *WorkflowEngineService) AuditTrail(ctx context.Context, requestID string) ([]*repository.AuditEntry, error) {
	return s.approvals.AuditTrail(ctx, requestID)
}

// EntityAuditTrail returns the audit entries for one business entity.
func (s *WorkflowEngineService) EntityAuditTrail(ctx context.Context, entityType repository.EntityType, entityID string) ([]*repository.AuditEntry, error) {
	return s.approvals.EntityAuditTrail(ctx, entityType, entityID)
}

// ── Authorization helpers ─────────────────────────────────────────────────────

func (s *WorkflowEngineService) authorizeResponder(ctx context.Context, userID string, req *repository.ApprovalRequest) error {
	if req.AssignedTo != nil {
		if *req.AssignedTo == userID {
			return nil
		}
		return s.requireOverride(ctx, userID, "this request is assigned to another user")
	}

	if req.AssignedRole != nil {
		roles, err := s.identity.GetUserRoles(ctx, userID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve responder roles")
		}
		for _, role := range roles {
			if role == *req.AssignedRole {
				return nil
			}
		}
		return s.requireOverride(ctx, userID,
			fmt.Sprintf("responder does not hold the assigned role %s", *req.AssignedRole))
	}

	// Unassigned requests can be acted on by anyone.
	return nil
}

func (s *WorkflowEngineService) requireOverride(ctx context.Context, userID, reason string) error {
	ok, err := s.hasOverride(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Unauthorized(reason)
	}
	return nil
}

func (s *WorkflowEngineService) hasOverride(ctx context.Context, userID string) (bool, error) {
	ok, err := s.identity.HasPermission(ctx, userID, overridePermission)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check override permission")
	}
	return ok, nil
}

// snapshotEntityID extracts the entity id from the snapshot. Collaborators
// include it as "entityId"; evaluation without one still works but cannot
// create an approval gate.
func snapshotEntityID(snapshot Snapshot) string {
	if v, ok := snapshot["entityId"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
