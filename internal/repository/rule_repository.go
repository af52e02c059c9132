package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/peptidehub/be-workflows/internal/database"
	"github.com/peptidehub/be-workflows/internal/errors"
)

// RuleRepository handles CRUD for workflow_rules.
type RuleRepository struct {
	db *database.DB
}

// NewRuleRepository creates a new RuleRepository.
func NewRuleRepository(db *database.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

// Create inserts a new rule. The id is generated here when not supplied.
func (r *RuleRepository) Create(ctx context.Context, rule *WorkflowRule) error {
	condJSON, actJSON, err := marshalRuleDefs(rule)
	if err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.Version == 0 {
		rule.Version = 1
	}

	query := `
		INSERT INTO workflow_rules
		    (id, name, description, entity_type, trigger_event,
		     conditions, actions, priority, version, is_active, created_by)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		rule.ID,
		rule.Name,
		rule.Description,
		rule.EntityType,
		rule.TriggerEvent,
		condJSON,
		actJSON,
		rule.Priority,
		rule.Version,
		rule.IsActive,
		rule.CreatedBy,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
}

// GetByID retrieves a rule by primary key.
func (r *RuleRepository) GetByID(ctx context.Context, id string) (*WorkflowRule, error) {
	query := ruleSelect + ` WHERE id = $1`

	rule, err := r.scanRule(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_rule", id)
	}
	return rule, err
}

// List returns all rules, optionally filtered to active only.
func (r *RuleRepository) List(ctx context.Context, activeOnly bool) ([]*WorkflowRule, error) {
	query := ruleSelect
	if activeOnly {
		query += " WHERE is_active = TRUE"
	}
	query += " ORDER BY priority ASC, created_at ASC"

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow rules")
	}
	defer rows.Close()

	return r.scanRules(rows)
}

// ListForTrigger returns active rules for an entity type and trigger,
// ordered by priority then creation time. This is the resolver's candidate
// set; condition evaluation happens in Go.
func (r *RuleRepository) ListForTrigger(ctx context.Context, entityType EntityType, trigger TriggerEvent) ([]*WorkflowRule, error) {
	query := ruleSelect + `
		WHERE is_active = TRUE
		  AND entity_type = $1
		  AND trigger_event = $2
		ORDER BY priority ASC, created_at ASC
	`

	rows, err := r.db.Query(ctx, query, entityType, trigger)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load rules for trigger")
	}
	defer rows.Close()

	return r.scanRules(rows)
}

// Update persists changes to an existing rule in place.
func (r *RuleRepository) Update(ctx context.Context, rule *WorkflowRule) error {
	condJSON, actJSON, err := marshalRuleDefs(rule)
	if err != nil {
		return err
	}

	query := `
		UPDATE workflow_rules
		SET name          = $2,
		    description   = $3,
		    conditions    = $4,
		    actions       = $5,
		    priority      = $6,
		    is_active     = $7,
		    updated_at    = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		rule.ID,
		rule.Name,
		rule.Description,
		condJSON,
		actJSON,
		rule.Priority,
		rule.IsActive,
	).Scan(&rule.UpdatedAt)

	if err == pgx.ErrNoRows {
		return errors.NotFound("workflow_rule", rule.ID)
	}
	return err
}

// Deactivate marks a rule inactive without touching its definition. Used
// when an edit supersedes a rule that still has open requests.
func (r *RuleRepository) Deactivate(ctx context.Context, id string) error {
	query := `
		UPDATE workflow_rules
		SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("workflow_rule", id)
	}
	return err
}

// Delete removes a rule outright.
func (r *RuleRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM workflow_rules WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete workflow rule")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("workflow_rule", id)
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

const ruleSelect = `
	SELECT id, name, description, entity_type, trigger_event,
	       conditions, actions, priority, version, is_active,
	       created_by, created_at, updated_at
	FROM workflow_rules`

func marshalRuleDefs(rule *WorkflowRule) (condJSON, actJSON []byte, err error) {
	condJSON, err = json.Marshal(rule.Conditions)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal rule conditions")
	}
	actJSON, err = json.Marshal(rule.Actions)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal rule actions")
	}
	return condJSON, actJSON, nil
}

type ruleScanner interface {
	Scan(dest ...any) error
}

func (r *RuleRepository) scanRule(row ruleScanner) (*WorkflowRule, error) {
	rule := &WorkflowRule{}
	var condJSON, actJSON []byte

	err := row.Scan(
		&rule.ID,
		&rule.Name,
		&rule.Description,
		&rule.EntityType,
		&rule.TriggerEvent,
		&condJSON,
		&actJSON,
		&rule.Priority,
		&rule.Version,
		&rule.IsActive,
		&rule.CreatedBy,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(condJSON, &rule.Conditions); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal rule conditions")
	}
	if err := json.Unmarshal(actJSON, &rule.Actions); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal rule actions")
	}
	return rule, nil
}

func (r *RuleRepository) scanRules(rows pgx.Rows) ([]*WorkflowRule, error) {
	var rules []*WorkflowRule
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow rule")
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}
