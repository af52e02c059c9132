package service

import (
	"encoding/json"
	"strings"

	"github.com/peptidehub/be-workflows/internal/repository"
)

// Snapshot is a flattened view of a business entity at evaluation time.
// Values are scalars ([]any / []string for collections); callers supplying
// the AMOUNT_THRESHOLD trigger must include an "amount" field.
type Snapshot map[string]any

// MatchesConditions reports whether a snapshot satisfies every condition.
// An empty condition list matches unconditionally. The function is pure:
// no side effects, no errors. A condition that cannot be evaluated
// (missing field, wrong value kind, unknown operator) is simply false, so
// a misconfigured rule never fires rather than failing the caller.
func MatchesConditions(conditions []repository.Condition, snapshot Snapshot) bool {
	for _, c := range conditions {
		if !matchesCondition(c, snapshot) {
			return false
		}
	}
	return true
}

func matchesCondition(c repository.Condition, snapshot Snapshot) bool {
	fieldValue, ok := snapshot[c.Field]
	if !ok {
		return false
	}

	switch c.Operator {
	case repository.OpEq:
		return valuesEqual(fieldValue, c.Value)
	case repository.OpNe:
		return !valuesEqual(fieldValue, c.Value)
	case repository.OpGt, repository.OpGte, repository.OpLt, repository.OpLte:
		return compareNumeric(c.Operator, fieldValue, c.Value)
	case repository.OpIn:
		// value must be a collection; field is matched by membership.
		coll, ok := asCollection(c.Value)
		if !ok {
			return false
		}
		return collectionContains(coll, fieldValue)
	case repository.OpContains:
		return containsDispatch(fieldValue, c.Value)
	}
	return false
}

// compareNumeric coerces both operands to float64. Non-numeric operands
// make the condition false.
func compareNumeric(op repository.Operator, a, b any) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if !okA || !okB {
		return false
	}
	switch op {
	case repository.OpGt:
		return fa > fb
	case repository.OpGte:
		return fa >= fb
	case repository.OpLt:
		return fa < fb
	case repository.OpLte:
		return fa <= fb
	}
	return false
}

// containsDispatch implements the dual meaning of "contains": substring for
// string fields, membership for collection fields. Dispatch is by the
// runtime kind of the snapshot value.
func containsDispatch(fieldValue, condValue any) bool {
	if s, ok := fieldValue.(string); ok {
		sub, ok := condValue.(string)
		if !ok {
			return false
		}
		return strings.Contains(s, sub)
	}
	if coll, ok := asCollection(fieldValue); ok {
		return collectionContains(coll, condValue)
	}
	return false
}

// valuesEqual compares two scalars. Numbers are compared as float64 so that
// an int snapshot value equals a JSON-decoded float64 rule value; strings
// and bools compare directly; mixed kinds are never equal.
func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		return ok && sa == sb
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ba == bb
	}
	return false
}

func collectionContains(coll []any, v any) bool {
	for _, item := range coll {
		if valuesEqual(item, v) {
			return true
		}
	}
	return false
}

// toFloat enumerates every numeric kind a snapshot or a JSON-decoded rule
// value can carry.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// asCollection normalizes the slice kinds a snapshot or rule value can
// carry into []any.
func asCollection(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	case []int:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	case []float64:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	}
	return nil, false
}
