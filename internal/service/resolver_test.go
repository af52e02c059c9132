package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peptidehub/be-workflows/internal/errors"
	"github.com/peptidehub/be-workflows/internal/repository"
)

func TestResolve_FiltersByConditions(t *testing.T) {
	store := &memRuleStore{rules: []*repository.WorkflowRule{
		approvalRule(repository.EntityInvoice, repository.TriggerCreate, 10,
			[]repository.Condition{cond("amount", repository.OpGt, 1000)},
			requireApproval(repository.ActionParams{Role: "finance_manager"})),
		approvalRule(repository.EntityInvoice, repository.TriggerCreate, 20,
			[]repository.Condition{cond("amount", repository.OpGt, 100000)},
			requireApproval(repository.ActionParams{Role: "cfo"})),
	}}
	resolver := NewRuleResolver(store, newTestLogger())

	matched, err := resolver.Resolve(context.Background(), repository.EntityInvoice, repository.TriggerCreate, Snapshot{"amount": 5000.0})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "finance_manager", matched[0].Actions[0].Params.Role)
}

func TestResolve_OrdersByPriorityThenCreation(t *testing.T) {
	base := time.Now()
	mkRule := func(priority int, createdAt time.Time) *repository.WorkflowRule {
		r := approvalRule(repository.EntityExpense, repository.TriggerCreate, priority, nil,
			requireApproval(repository.ActionParams{Role: "manager"}))
		r.Name = fmt.Sprintf("p%d-%s", priority, createdAt.Format("150405.000"))
		r.CreatedAt = createdAt
		return r
	}

	older := mkRule(20, base.Add(-time.Hour))
	newer := mkRule(20, base)
	first := mkRule(5, base)

	store := &memRuleStore{rules: []*repository.WorkflowRule{newer, older, first}}
	resolver := NewRuleResolver(store, newTestLogger())

	matched, err := resolver.Resolve(context.Background(), repository.EntityExpense, repository.TriggerCreate, Snapshot{})
	require.NoError(t, err)
	require.Len(t, matched, 3)
	assert.Equal(t, first.ID, matched[0].ID)
	assert.Equal(t, older.ID, matched[1].ID)
	assert.Equal(t, newer.ID, matched[2].ID)
}

func TestResolve_SkipsAmountThresholdRuleWithoutNumericCondition(t *testing.T) {
	misconfigured := approvalRule(repository.EntityPurchaseOrder, repository.TriggerAmountThreshold, 10,
		[]repository.Condition{cond("status", repository.OpEq, "DRAFT")},
		requireApproval(repository.ActionParams{Role: "cfo"}))
	wellFormed := approvalRule(repository.EntityPurchaseOrder, repository.TriggerAmountThreshold, 20,
		[]repository.Condition{cond("amount", repository.OpGte, 10000)},
		requireApproval(repository.ActionParams{Role: "cfo"}))

	store := &memRuleStore{rules: []*repository.WorkflowRule{misconfigured, wellFormed}}
	resolver := NewRuleResolver(store, newTestLogger())

	matched, err := resolver.Resolve(context.Background(), repository.EntityPurchaseOrder, repository.TriggerAmountThreshold,
		Snapshot{"status": "DRAFT", "amount": 20000.0})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, wellFormed.ID, matched[0].ID)
}

func TestResolve_StoreFailurePropagates(t *testing.T) {
	store := &memRuleStore{err: fmt.Errorf("connection refused")}
	resolver := NewRuleResolver(store, newTestLogger())

	matched, err := resolver.Resolve(context.Background(), repository.EntityInvoice, repository.TriggerCreate, Snapshot{})
	require.Error(t, err)
	assert.Nil(t, matched)
	assert.Equal(t, errors.ErrCodeInternal, errors.CodeOf(err))
}
