package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peptidehub/be-workflows/internal/errors"
	"github.com/peptidehub/be-workflows/internal/repository"
)

func TestEvaluateEntity_EndToEnd(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.rules.rules = []*repository.WorkflowRule{
		approvalRule(repository.EntityInvoice, repository.TriggerCreate, 10,
			[]repository.Condition{cond("amount", repository.OpGt, 10000)},
			requireApproval(repository.ActionParams{Role: "cfo"})),
	}

	// Below the threshold: no gate.
	decision, err := f.engine.EvaluateEntity(ctx, repository.EntityInvoice, "inv-1",
		repository.TriggerCreate, Snapshot{"amount": 500.0}, "alice")
	require.NoError(t, err)
	assert.Equal(t, OutcomeProceed, decision.Outcome)

	// Above it: a request gates the entity.
	decision, err = f.engine.EvaluateEntity(ctx, repository.EntityInvoice, "inv-2",
		repository.TriggerCreate, Snapshot{"amount": 25000.0}, "alice")
	require.NoError(t, err)
	assert.Equal(t, OutcomePendingApproval, decision.Outcome)

	req, err := f.engine.GetRequest(ctx, decision.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "inv-2", req.EntityID)
}

func TestEvaluate_RejectsUnknownEnums(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.engine.Evaluate(ctx, "WIDGET", repository.TriggerCreate, Snapshot{}, "alice")
	assert.True(t, errors.IsValidation(err))

	_, err = f.engine.Evaluate(ctx, repository.EntityInvoice, "DELETE", Snapshot{}, "alice")
	assert.True(t, errors.IsValidation(err))

	_, err = f.engine.EvaluateEntity(ctx, repository.EntityInvoice, "", repository.TriggerCreate, Snapshot{}, "alice")
	assert.True(t, errors.IsValidation(err))
}

func TestEvaluate_RuleLoadFailureIsHardError(t *testing.T) {
	f := newFixture()
	f.rules.err = fmt.Errorf("connection refused")

	decision, err := f.engine.Evaluate(context.Background(), repository.EntityInvoice,
		repository.TriggerCreate, Snapshot{}, "alice")
	require.Error(t, err)
	assert.Nil(t, decision)
}

func TestRespond_Authorization(t *testing.T) {
	ctx := context.Background()

	newAssigned := func(f *fixture, assignedTo, assignedRole string) *repository.ApprovalRequest {
		req, err := f.approvals.CreateManual(ctx, ManualRequestInput{
			EntityType:   repository.EntityInvoice,
			EntityID:     "inv-1",
			RequestedBy:  "alice",
			AssignedTo:   assignedTo,
			AssignedRole: assignedRole,
		})
		require.NoError(t, err)
		return req
	}

	t.Run("assignee can respond", func(t *testing.T) {
		f := newFixture()
		req := newAssigned(f, "bob", "")
		resolved, err := f.engine.Respond(ctx, req.ID, "approve", "bob", "")
		require.NoError(t, err)
		assert.Equal(t, repository.StatusApproved, resolved.Status)
	})

	t.Run("non-assignee is rejected", func(t *testing.T) {
		f := newFixture()
		req := newAssigned(f, "bob", "")
		_, err := f.engine.Respond(ctx, req.ID, "approve", "mallory", "")
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))
	})

	t.Run("role holder can respond", func(t *testing.T) {
		f := newFixture()
		f.identity.roles["carol"] = []string{"finance_manager"}
		req := newAssigned(f, "", "finance_manager")
		_, err := f.engine.Respond(ctx, req.ID, "approve", "carol", "")
		require.NoError(t, err)
	})

	t.Run("non-holder of role is rejected", func(t *testing.T) {
		f := newFixture()
		f.identity.roles["mallory"] = []string{"intern"}
		req := newAssigned(f, "", "finance_manager")
		_, err := f.engine.Respond(ctx, req.ID, "approve", "mallory", "")
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))
	})

	t.Run("override permission bypasses assignment", func(t *testing.T) {
		f := newFixture()
		f.identity.permissions["admin:workflows:override"] = true
		req := newAssigned(f, "bob", "")
		_, err := f.engine.Respond(ctx, req.ID, "approve", "admin", "")
		require.NoError(t, err)
	})

	t.Run("unassigned request accepts any responder", func(t *testing.T) {
		f := newFixture()
		req := newAssigned(f, "", "")
		_, err := f.engine.Respond(ctx, req.ID, "approve", "anyone", "")
		require.NoError(t, err)
	})
}

func TestCancel_RequesterOrOverrideOnly(t *testing.T) {
	ctx := context.Background()

	t.Run("requester can cancel", func(t *testing.T) {
		f := newFixture()
		req := pendingRequest(t, f, "inv-1")
		cancelled, err := f.engine.Cancel(ctx, req.ID, "obsolete", "alice")
		require.NoError(t, err)
		assert.Equal(t, repository.StatusCancelled, cancelled.Status)
	})

	t.Run("other users are rejected", func(t *testing.T) {
		f := newFixture()
		req := pendingRequest(t, f, "inv-1")
		_, err := f.engine.Cancel(ctx, req.ID, "obsolete", "mallory")
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))
	})

	t.Run("override permission can cancel", func(t *testing.T) {
		f := newFixture()
		f.identity.permissions["admin:workflows:override"] = true
		req := pendingRequest(t, f, "inv-1")
		_, err := f.engine.Cancel(ctx, req.ID, "cleanup", "admin")
		require.NoError(t, err)
	})
}

func TestPendingForUser_ResolvesRoles(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.identity.roles["carol"] = []string{"finance_manager"}

	direct, err := f.approvals.CreateManual(ctx, ManualRequestInput{
		EntityType: repository.EntityInvoice, EntityID: "inv-1", AssignedTo: "carol",
	})
	require.NoError(t, err)
	viaRole, err := f.approvals.CreateManual(ctx, ManualRequestInput{
		EntityType: repository.EntityInvoice, EntityID: "inv-2", AssignedRole: "finance_manager",
	})
	require.NoError(t, err)
	_, err = f.approvals.CreateManual(ctx, ManualRequestInput{
		EntityType: repository.EntityInvoice, EntityID: "inv-3", AssignedTo: "someone-else",
	})
	require.NoError(t, err)

	queue, err := f.engine.PendingForUser(ctx, "carol")
	require.NoError(t, err)

	ids := make([]string, 0, len(queue))
	for _, r := range queue {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{direct.ID, viaRole.ID}, ids)
}

func TestPendingForUser_IdentityOutageDegradesToDirect(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	direct, err := f.approvals.CreateManual(ctx, ManualRequestInput{
		EntityType: repository.EntityInvoice, EntityID: "inv-1", AssignedTo: "carol",
	})
	require.NoError(t, err)
	_, err = f.approvals.CreateManual(ctx, ManualRequestInput{
		EntityType: repository.EntityInvoice, EntityID: "inv-2", AssignedRole: "finance_manager",
	})
	require.NoError(t, err)

	f.identity.err = fmt.Errorf("identity service unavailable")
	queue, err := f.engine.PendingForUser(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, direct.ID, queue[0].ID)
}
