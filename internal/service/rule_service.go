package service

import (
	"context"
	"fmt"
	"reflect"

	"github.com/peptidehub/be-workflows/internal/errors"
	"github.com/peptidehub/be-workflows/internal/logger"
	"github.com/peptidehub/be-workflows/internal/repository"
)

// RuleAdminStore is the rule persistence surface for the management API.
type RuleAdminStore interface {
	Create(ctx context.Context, rule *repository.WorkflowRule) error
	GetByID(ctx context.Context, id string) (*repository.WorkflowRule, error)
	List(ctx context.Context, activeOnly bool) ([]*repository.WorkflowRule, error)
	Update(ctx context.Context, rule *repository.WorkflowRule) error
	Deactivate(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// OpenRequestCounter reports how many PENDING requests reference a rule.
type OpenRequestCounter interface {
	CountOpenByRule(ctx context.Context, ruleID string) (int, error)
}

// RuleService manages rule definitions. Malformed rules are rejected at
// save time, never silently accepted; rules referenced by open requests are
// versioned rather than mutated in place, so an open request's meaning
// cannot change retroactively.
type RuleService struct {
	rules    RuleAdminStore
	requests OpenRequestCounter
	log      *logger.Logger
}

// NewRuleService creates a new RuleService.
func NewRuleService(rules RuleAdminStore, requests OpenRequestCounter, log *logger.Logger) *RuleService {
	return &RuleService{rules: rules, requests: requests, log: log}
}

// CreateRule validates and stores a new rule.
func (s *RuleService) CreateRule(ctx context.Context, rule *repository.WorkflowRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	rule.Version = 1
	return s.rules.Create(ctx, rule)
}

// UpdateRule persists an edit. When the rule has open approval requests and
// the edit changes its conditions or actions, the current row is
// deactivated and a new version row is inserted; the returned rule is then
// the new version. Metadata-only edits (name, priority, active flag) are
// applied in place.
func (s *RuleService) UpdateRule(ctx context.Context, rule *repository.WorkflowRule) (*repository.WorkflowRule, error) {
	if err := validateRule(rule); err != nil {
		return nil, err
	}

	existing, err := s.rules.GetByID(ctx, rule.ID)
	if err != nil {
		return nil, err
	}

	if definitionChanged(existing, rule) {
		open, err := s.requests.CountOpenByRule(ctx, rule.ID)
		if err != nil {
			return nil, err
		}
		if open > 0 {
			return s.supersede(ctx, existing, rule)
		}
	}

	rule.Version = existing.Version
	if err := s.rules.Update(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// DeleteRule removes a rule with no open requests; rules with open requests
// can only be deactivated.
func (s *RuleService) DeleteRule(ctx context.Context, id string) error {
	open, err := s.requests.CountOpenByRule(ctx, id)
	if err != nil {
		return err
	}
	if open > 0 {
		return errors.Conflict("rule has open approval requests; deactivate it instead of deleting")
	}
	return s.rules.Delete(ctx, id)
}

// GetRule returns a rule by id.
func (s *RuleService) GetRule(ctx context.Context, id string) (*repository.WorkflowRule, error) {
	return s.rules.GetByID(ctx, id)
}

// ListRules returns all rules, optionally active only.
func (s *RuleService) ListRules(ctx context.Context, activeOnly bool) ([]*repository.WorkflowRule, error) {
	return s.rules.List(ctx, activeOnly)
}

// supersede retires the old version and inserts the edit as a new one.
func (s *RuleService) supersede(ctx context.Context, existing, edit *repository.WorkflowRule) (*repository.WorkflowRule, error) {
	if err := s.rules.Deactivate(ctx, existing.ID); err != nil {
		return nil, err
	}

	next := *edit
	next.ID = ""
	next.Version = existing.Version + 1
	next.IsActive = true
	if err := s.rules.Create(ctx, &next); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("old_rule_id", existing.ID).
		Str("new_rule_id", next.ID).
		Int("version", next.Version).
		Msg("Rule with open requests superseded by new version")

	return &next, nil
}

// definitionChanged compares the parts of a rule that give open requests
// their meaning.
func definitionChanged(a, b *repository.WorkflowRule) bool {
	return !reflect.DeepEqual(a.Conditions, b.Conditions) ||
		!reflect.DeepEqual(a.Actions, b.Actions)
}

// validateRule enforces the save-time checks: closed enumerations only, and
// AMOUNT_THRESHOLD rules must actually gate on a number.
func validateRule(rule *repository.WorkflowRule) error {
	if rule.Name == "" {
		return errors.InvalidInput("name", "rule name is required")
	}
	if !rule.EntityType.Valid() {
		return errors.InvalidInput("entityType", fmt.Sprintf("unknown entity type %q", rule.EntityType))
	}
	if !rule.TriggerEvent.Valid() {
		return errors.InvalidInput("triggerEvent", fmt.Sprintf("unknown trigger event %q", rule.TriggerEvent))
	}

	for i, c := range rule.Conditions {
		if c.Field == "" {
			return errors.InvalidInput("conditions", fmt.Sprintf("condition %d has no field", i))
		}
		if !c.Operator.Valid() {
			return errors.InvalidInput("conditions", fmt.Sprintf("condition %d has unknown operator %q", i, c.Operator))
		}
		if c.Operator == repository.OpIn {
			if _, ok := asCollection(c.Value); !ok {
				return errors.InvalidInput("conditions", fmt.Sprintf("condition %d: operator in requires a collection value", i))
			}
		}
	}

	if len(rule.Actions) == 0 {
		return errors.InvalidInput("actions", "at least one action is required")
	}
	for i, a := range rule.Actions {
		if !a.Type.Valid() {
			return errors.InvalidInput("actions", fmt.Sprintf("action %d has unknown type %q", i, a.Type))
		}
		if a.Type == repository.ActionRequireApproval {
			if a.Params.Role != "" && a.Params.UserID != "" {
				return errors.InvalidInput("actions", fmt.Sprintf("action %d: at most one of role and userId may be set", i))
			}
			if a.Params.ExpiresInDays < 0 {
				return errors.InvalidInput("actions", fmt.Sprintf("action %d: expiresInDays must not be negative", i))
			}
		}
	}

	if rule.TriggerEvent == repository.TriggerAmountThreshold && !hasNumericCondition(rule) {
		return errors.InvalidInput("conditions",
			"AMOUNT_THRESHOLD rules require at least one numeric comparison condition")
	}

	return nil
}
