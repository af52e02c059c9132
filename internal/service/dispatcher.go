package service

import (
	"context"

	"github.com/peptidehub/be-workflows/internal/errors"
	"github.com/peptidehub/be-workflows/internal/logger"
	"github.com/peptidehub/be-workflows/internal/repository"
)

// Outcome is the three-valued decision returned to calling subsystems.
type Outcome string

const (
	OutcomeProceed         Outcome = "PROCEED"
	OutcomeBlocked         Outcome = "BLOCKED"
	OutcomePendingApproval Outcome = "PENDING_APPROVAL"
)

// Decision is what the engine hands back to the collaborator that asked
// "may this proceed?". RequestID is set only for PENDING_APPROVAL.
type Decision struct {
	Outcome   Outcome `json:"outcome"`
	RequestID string  `json:"requestId,omitempty"`
}

// ActionDispatcher executes the actions of matched rules in priority order.
type ActionDispatcher struct {
	approvals *ApprovalService
	notifier  Notifier
	log       *logger.Logger
}

// NewActionDispatcher creates a new ActionDispatcher.
func NewActionDispatcher(approvals *ApprovalService, notifier Notifier, log *logger.Logger) *ActionDispatcher {
	return &ActionDispatcher{approvals: approvals, notifier: notifier, log: log}
}

// Dispatch walks the resolved rules in order and produces the decision.
//
//   - BLOCK stops immediately: a blocking control must never be overridden
//     by a lower-priority rule, so later rules are not evaluated.
//   - AUTO_APPROVE waives the human gate for that rule's concern only;
//     scanning continues and a later REQUIRE_APPROVAL still creates one.
//   - REQUIRE_APPROVAL creates at most one open request per entity; further
//     REQUIRE_APPROVAL actions reuse it.
//   - SEND_NOTIFICATION is fire-and-forget; delivery failures never affect
//     the decision.
//
// The final ordering BLOCKED > PENDING_APPROVAL > PROCEED is deterministic
// for a given rule set and snapshot.
func (d *ActionDispatcher) Dispatch(
	ctx context.Context,
	rules []*repository.WorkflowRule,
	entityType repository.EntityType,
	entityID string,
	snapshot Snapshot,
	requestedBy string,
) (*Decision, error) {
	var pending *repository.ApprovalRequest
	autoApproved := false

	for _, rule := range rules {
		for _, action := range rule.Actions {
			switch action.Type {
			case repository.ActionBlock:
				d.log.Info().
					Str("rule_id", rule.ID).
					Str("entity_type", string(entityType)).
					Str("entity_id", entityID).
					Msg("Entity blocked by workflow rule")
				return &Decision{Outcome: OutcomeBlocked}, nil

			case repository.ActionAutoApprove:
				autoApproved = true

			case repository.ActionRequireApproval:
				if pending != nil {
					continue
				}
				if entityID == "" {
					// Fail closed: without an entity identity no gate can be
					// recorded, and silently proceeding would bypass it.
					return nil, errors.InvalidInput("snapshot", "entityId is required to create an approval request")
				}
				req, err := d.approvals.CreateFromRule(ctx, rule, action.Params, entityType, entityID, snapshot, requestedBy)
				if err != nil {
					return nil, err
				}
				pending = req

			case repository.ActionSendNotification:
				d.notifier.NotifyRuleMessage(ctx, rule, entityType, entityID, action.Params.Message)
			}
		}
	}

	if pending != nil {
		return &Decision{Outcome: OutcomePendingApproval, RequestID: pending.ID}, nil
	}

	if autoApproved {
		d.log.Debug().
			Str("entity_type", string(entityType)).
			Str("entity_id", entityID).
			Msg("Entity auto-approved by workflow rule")
	}
	return &Decision{Outcome: OutcomeProceed}, nil
}
