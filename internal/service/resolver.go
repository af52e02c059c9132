package service

import (
	"context"
	"sort"

	"github.com/peptidehub/be-workflows/internal/errors"
	"github.com/peptidehub/be-workflows/internal/logger"
	"github.com/peptidehub/be-workflows/internal/repository"
)

// RuleStore is the rule persistence surface the resolver needs.
type RuleStore interface {
	ListForTrigger(ctx context.Context, entityType repository.EntityType, trigger repository.TriggerEvent) ([]*repository.WorkflowRule, error)
}

// RuleResolver selects the ordered set of active rules that apply to an
// event. It never raises for a malformed rule: misconfigured rules are
// skipped with a warning so they cannot block unrelated operations.
type RuleResolver struct {
	rules RuleStore
	log   *logger.Logger
}

// NewRuleResolver creates a new RuleResolver.
func NewRuleResolver(rules RuleStore, log *logger.Logger) *RuleResolver {
	return &RuleResolver{rules: rules, log: log}
}

// Resolve returns the matching rules ordered by priority ascending with
// creation time as the stable tie-break. A store failure propagates: the
// caller must not treat "could not load rules" as "no rules matched".
func (r *RuleResolver) Resolve(
	ctx context.Context,
	entityType repository.EntityType,
	trigger repository.TriggerEvent,
	snapshot Snapshot,
) ([]*repository.WorkflowRule, error) {
	candidates, err := r.rules.ListForTrigger(ctx, entityType, trigger)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load candidate rules")
	}

	matched := make([]*repository.WorkflowRule, 0, len(candidates))
	for _, rule := range candidates {
		if trigger == repository.TriggerAmountThreshold && !hasNumericCondition(rule) {
			r.log.Warn().
				Str("rule_id", rule.ID).
				Str("rule_name", rule.Name).
				Msg("AMOUNT_THRESHOLD rule has no numeric condition; skipping")
			continue
		}
		if MatchesConditions(rule.Conditions, snapshot) {
			matched = append(matched, rule)
		}
	}

	// The store already orders candidates, but the contract belongs to the
	// resolver, so the sort is applied here too (stable by construction).
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority < matched[j].Priority
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	return matched, nil
}

// hasNumericCondition reports whether a rule carries at least one numeric
// comparison. AMOUNT_THRESHOLD rules without one can never meaningfully
// gate on an amount.
func hasNumericCondition(rule *repository.WorkflowRule) bool {
	for _, c := range rule.Conditions {
		if c.Operator.Numeric() {
			return true
		}
	}
	return false
}
