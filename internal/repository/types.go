package repository

import "time"

// ── Rule definition types ─────────────────────────────────────────────────────

// EntityType enumerates the business entities the engine evaluates.
type EntityType string

const (
	EntityJournalEntry  EntityType = "JOURNAL_ENTRY"
	EntityExpense       EntityType = "EXPENSE"
	EntityPurchaseOrder EntityType = "PURCHASE_ORDER"
	EntityInvoice       EntityType = "INVOICE"
	EntityCreditNote    EntityType = "CREDIT_NOTE"
	EntityPayrollRun    EntityType = "PAYROLL_RUN"
	EntityTimeEntry     EntityType = "TIME_ENTRY"
)

// KnownEntityTypes lists every valid entity type.
var KnownEntityTypes = []EntityType{
	EntityJournalEntry,
	EntityExpense,
	EntityPurchaseOrder,
	EntityInvoice,
	EntityCreditNote,
	EntityPayrollRun,
	EntityTimeEntry,
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	for _, k := range KnownEntityTypes {
		if t == k {
			return true
		}
	}
	return false
}

// TriggerEvent is the lifecycle moment that causes rule evaluation.
type TriggerEvent string

const (
	TriggerCreate          TriggerEvent = "CREATE"
	TriggerUpdate          TriggerEvent = "UPDATE"
	TriggerStatusChange    TriggerEvent = "STATUS_CHANGE"
	TriggerAmountThreshold TriggerEvent = "AMOUNT_THRESHOLD"
)

// KnownTriggerEvents lists every valid trigger.
var KnownTriggerEvents = []TriggerEvent{
	TriggerCreate,
	TriggerUpdate,
	TriggerStatusChange,
	TriggerAmountThreshold,
}

// Valid reports whether t is a known trigger event.
func (t TriggerEvent) Valid() bool {
	for _, k := range KnownTriggerEvents {
		if t == k {
			return true
		}
	}
	return false
}

// Operator is a condition comparison operator.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpContains Operator = "contains"
)

// KnownOperators lists every valid operator.
var KnownOperators = []Operator{OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpContains}

// Valid reports whether o is a known operator.
func (o Operator) Valid() bool {
	for _, k := range KnownOperators {
		if o == k {
			return true
		}
	}
	return false
}

// Numeric reports whether o compares numerically.
func (o Operator) Numeric() bool {
	switch o {
	case OpGt, OpGte, OpLt, OpLte:
		return true
	}
	return false
}

// Condition is one entry in a rule's conditions JSONB array. Conditions are
// ANDed; an empty list matches unconditionally.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

// ActionType enumerates what a matched rule can do.
type ActionType string

const (
	ActionRequireApproval  ActionType = "REQUIRE_APPROVAL"
	ActionSendNotification ActionType = "SEND_NOTIFICATION"
	ActionAutoApprove      ActionType = "AUTO_APPROVE"
	ActionBlock            ActionType = "BLOCK"
)

// KnownActionTypes lists every valid action type.
var KnownActionTypes = []ActionType{
	ActionRequireApproval,
	ActionSendNotification,
	ActionAutoApprove,
	ActionBlock,
}

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	for _, k := range KnownActionTypes {
		if t == k {
			return true
		}
	}
	return false
}

// ActionParams carries the per-action configuration.
type ActionParams struct {
	Role          string `json:"role,omitempty"`
	UserID        string `json:"userId,omitempty"`
	Message       string `json:"message,omitempty"`
	ExpiresInDays int    `json:"expiresInDays,omitempty"`
}

// Action is one entry in a rule's actions JSONB array, applied in order.
type Action struct {
	Type   ActionType   `json:"type"`
	Params ActionParams `json:"params"`
}

// WorkflowRule is a stored, versioned policy. Condition/action edits to a
// rule with open approval requests produce a new version row instead of
// mutating this one.
type WorkflowRule struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	EntityType   EntityType   `json:"entityType"`
	TriggerEvent TriggerEvent `json:"triggerEvent"`
	Conditions   []Condition  `json:"conditions"`
	Actions      []Action     `json:"actions"`
	Priority     int          `json:"priority"`
	Version      int          `json:"version"`
	IsActive     bool         `json:"isActive"`
	CreatedBy    string       `json:"createdBy,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// ── Approval request types ────────────────────────────────────────────────────

// RequestStatus is the lifecycle state of an approval request.
type RequestStatus string

const (
	StatusPending   RequestStatus = "PENDING"
	StatusApproved  RequestStatus = "APPROVED"
	StatusRejected  RequestStatus = "REJECTED"
	StatusExpired   RequestStatus = "EXPIRED"
	StatusCancelled RequestStatus = "CANCELLED"
)

// Terminal reports whether s permits no further transitions.
func (s RequestStatus) Terminal() bool {
	return s != StatusPending
}

// ApprovalRequest is a single entity-scoped approval gate. Assignment,
// expiry and summary are frozen from the rule at creation time; later rule
// edits never change an open request.
type ApprovalRequest struct {
	ID             string        `json:"id"`
	WorkflowRuleID *string       `json:"workflowRuleId,omitempty"` // nil for manually raised requests
	EntityType     EntityType    `json:"entityType"`
	EntityID       string        `json:"entityId"`
	EntitySummary  string        `json:"entitySummary"`
	Amount         *float64      `json:"amount,omitempty"`
	Status         RequestStatus `json:"status"`
	RequestedBy    string        `json:"requestedBy"`
	RequestedAt    time.Time     `json:"requestedAt"`
	AssignedTo     *string       `json:"assignedTo,omitempty"`
	AssignedRole   *string       `json:"assignedRole,omitempty"`
	RespondedBy    *string       `json:"respondedBy,omitempty"`
	RespondedAt    *time.Time    `json:"respondedAt,omitempty"`
	ResponseNote   *string       `json:"responseNote,omitempty"`
	ExpiresAt      *time.Time    `json:"expiresAt,omitempty"` // nil = never expires
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// HistoryFilter narrows history queries over resolved requests.
type HistoryFilter struct {
	EntityType *EntityType
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// AuditEntry is one immutable record in the workflow audit log.
type AuditEntry struct {
	ID          string         `json:"id"`
	RequestID   *string        `json:"requestId,omitempty"`
	RuleID      *string        `json:"ruleId,omitempty"`
	EntityType  EntityType     `json:"entityType"`
	EntityID    string         `json:"entityId"`
	Action      string         `json:"action"` // requested | approved | rejected | cancelled | expired
	PerformedBy string         `json:"performedBy"`
	PerformedAt time.Time      `json:"performedAt"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
