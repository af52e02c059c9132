package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/peptidehub/be-workflows/internal/errors"
	"github.com/peptidehub/be-workflows/internal/logger"
	"github.com/peptidehub/be-workflows/internal/repository"
)

func newTestLogger() *logger.Logger {
	return &logger.Logger{Logger: zerolog.Nop()}
}

// ── Request store ─────────────────────────────────────────────────────────────

// memRequestStore mirrors the repository's conditional-update semantics in
// memory: every transition checks the current status under one lock, so
// concurrent transitions on a request have exactly one winner.
type memRequestStore struct {
	mu           sync.Mutex
	requests     map[string]*repository.ApprovalRequest
	failNext     error
	hideOpenOnce bool
	staleDue     []*repository.ApprovalRequest
}

func newMemRequestStore() *memRequestStore {
	return &memRequestStore{requests: make(map[string]*repository.ApprovalRequest)}
}

func (s *memRequestStore) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *memRequestStore) Create(ctx context.Context, req *repository.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}

	for _, existing := range s.requests {
		if existing.Status == repository.StatusPending &&
			existing.EntityType == req.EntityType && existing.EntityID == req.EntityID {
			return errors.Conflict("an open approval request already exists for this entity")
		}
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := time.Now()
	req.CreatedAt = now
	req.UpdatedAt = now

	cp := *req
	s.requests[req.ID] = &cp
	return nil
}

func (s *memRequestStore) GetByID(ctx context.Context, id string) (*repository.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, errors.NotFound("approval request", id)
	}
	cp := *req
	return &cp, nil
}

func (s *memRequestStore) FindOpenByEntity(ctx context.Context, entityType repository.EntityType, entityID string) (*repository.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hideOpenOnce {
		// Simulates the window where another writer's insert has not yet
		// been observed, forcing callers onto the conflict path.
		s.hideOpenOnce = false
		return nil, nil
	}
	for _, req := range s.requests {
		if req.Status == repository.StatusPending && req.EntityType == entityType && req.EntityID == entityID {
			cp := *req
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memRequestStore) MarkResponded(ctx context.Context, id string, status repository.RequestStatus, respondedBy, note string) (*repository.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, err := s.pending(id)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	req.Status = status
	req.RespondedBy = &respondedBy
	req.RespondedAt = &now
	if note != "" {
		req.ResponseNote = &note
	}
	req.UpdatedAt = now
	cp := *req
	return &cp, nil
}

func (s *memRequestStore) MarkCancelled(ctx context.Context, id, reason string) (*repository.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, err := s.pending(id)
	if err != nil {
		return nil, err
	}

	req.Status = repository.StatusCancelled
	if reason != "" {
		req.ResponseNote = &reason
	}
	req.UpdatedAt = time.Now()
	cp := *req
	return &cp, nil
}

func (s *memRequestStore) MarkExpired(ctx context.Context, id string, now time.Time) (*repository.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, err := s.pending(id)
	if err != nil {
		return nil, err
	}
	if req.ExpiresAt == nil || req.ExpiresAt.After(now) {
		return nil, errors.InvalidState(fmt.Sprintf("approval request %s is not due for expiry", id))
	}

	req.Status = repository.StatusExpired
	req.UpdatedAt = now
	cp := *req
	return &cp, nil
}

func (s *memRequestStore) ListDueForExpiry(ctx context.Context, now time.Time, limit int) ([]*repository.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	if s.staleDue != nil {
		// One stale listing, as when a request resolves between the
		// sweeper's query and its transitions.
		due := s.staleDue
		s.staleDue = nil
		return due, nil
	}

	var due []*repository.ApprovalRequest
	for _, req := range s.requests {
		if req.Status == repository.StatusPending && req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
			cp := *req
			due = append(due, &cp)
			if len(due) == limit {
				break
			}
		}
	}
	return due, nil
}

func (s *memRequestStore) ListPendingForUser(ctx context.Context, userID string, roles []string) ([]*repository.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	holds := func(role string) bool {
		for _, r := range roles {
			if r == role {
				return true
			}
		}
		return false
	}

	var out []*repository.ApprovalRequest
	for _, req := range s.requests {
		if req.Status != repository.StatusPending {
			continue
		}
		switch {
		case req.AssignedTo != nil && *req.AssignedTo == userID,
			req.AssignedRole != nil && holds(*req.AssignedRole),
			req.AssignedTo == nil && req.AssignedRole == nil:
			cp := *req
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memRequestStore) ListHistory(ctx context.Context, filter repository.HistoryFilter) ([]*repository.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*repository.ApprovalRequest
	for _, req := range s.requests {
		if req.Status == repository.StatusPending {
			continue
		}
		if filter.EntityType != nil && req.EntityType != *filter.EntityType {
			continue
		}
		cp := *req
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memRequestStore) CountOpenByRule(ctx context.Context, ruleID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, req := range s.requests {
		if req.Status == repository.StatusPending && req.WorkflowRuleID != nil && *req.WorkflowRuleID == ruleID {
			count++
		}
	}
	return count, nil
}

// pending returns the live stored request when it is PENDING; callers hold
// the lock.
func (s *memRequestStore) pending(id string) (*repository.ApprovalRequest, error) {
	req, ok := s.requests[id]
	if !ok {
		return nil, errors.NotFound("approval request", id)
	}
	if req.Status != repository.StatusPending {
		return nil, errors.InvalidState(fmt.Sprintf("approval request %s is %s, not PENDING", id, req.Status))
	}
	return req, nil
}

// ── Rule stores ───────────────────────────────────────────────────────────────

type memRuleStore struct {
	mu    sync.Mutex
	rules []*repository.WorkflowRule
	err   error
}

func (s *memRuleStore) ListForTrigger(ctx context.Context, entityType repository.EntityType, trigger repository.TriggerEvent) ([]*repository.WorkflowRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []*repository.WorkflowRule
	for _, rule := range s.rules {
		if rule.IsActive && rule.EntityType == entityType && rule.TriggerEvent == trigger {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (s *memRuleStore) Create(ctx context.Context, rule *repository.WorkflowRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	rule.CreatedAt = time.Now()
	cp := *rule
	s.rules = append(s.rules, &cp)
	return nil
}

func (s *memRuleStore) GetByID(ctx context.Context, id string) (*repository.WorkflowRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rule := range s.rules {
		if rule.ID == id {
			cp := *rule
			return &cp, nil
		}
	}
	return nil, errors.NotFound("workflow rule", id)
}

func (s *memRuleStore) List(ctx context.Context, activeOnly bool) ([]*repository.WorkflowRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.WorkflowRule
	for _, rule := range s.rules {
		if activeOnly && !rule.IsActive {
			continue
		}
		cp := *rule
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memRuleStore) Update(ctx context.Context, rule *repository.WorkflowRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.rules {
		if existing.ID == rule.ID {
			cp := *rule
			cp.CreatedAt = existing.CreatedAt
			s.rules[i] = &cp
			return nil
		}
	}
	return errors.NotFound("workflow rule", rule.ID)
}

func (s *memRuleStore) Deactivate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rule := range s.rules {
		if rule.ID == id {
			rule.IsActive = false
			return nil
		}
	}
	return errors.NotFound("workflow rule", id)
}

func (s *memRuleStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, rule := range s.rules {
		if rule.ID == id {
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			return nil
		}
	}
	return errors.NotFound("workflow rule", id)
}

// ── Audit, notifier, identity ─────────────────────────────────────────────────

type memAuditStore struct {
	mu      sync.Mutex
	entries []*repository.AuditEntry
	err     error
}

func (s *memAuditStore) Append(ctx context.Context, entry *repository.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	cp := *entry
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *memAuditStore) ListByEntity(ctx context.Context, entityType repository.EntityType, entityID string) ([]*repository.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.AuditEntry
	for _, e := range s.entries {
		if e.EntityType == entityType && e.EntityID == entityID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memAuditStore) ListByRequest(ctx context.Context, requestID string) ([]*repository.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.AuditEntry
	for _, e := range s.entries {
		if e.RequestID != nil && *e.RequestID == requestID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memAuditStore) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Action
	}
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) NotifyRequestEvent(ctx context.Context, event string, req *repository.ApprovalRequest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) NotifyRuleMessage(ctx context.Context, rule *repository.WorkflowRule, entityType repository.EntityType, entityID, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, "rule_message:"+message)
}

func (n *recordingNotifier) recorded() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

type fakeIdentity struct {
	roles       map[string][]string
	permissions map[string]bool
	err         error
}

func (f *fakeIdentity) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.roles[userID], nil
}

func (f *fakeIdentity) GetUsersWithRole(ctx context.Context, role string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []string
	for user, roles := range f.roles {
		for _, r := range roles {
			if r == role {
				out = append(out, user)
			}
		}
	}
	return out, nil
}

func (f *fakeIdentity) HasPermission(ctx context.Context, userID, permission string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.permissions[userID+":"+permission], nil
}

// ── Fixture helpers ───────────────────────────────────────────────────────────

type fixture struct {
	requests  *memRequestStore
	rules     *memRuleStore
	audit     *memAuditStore
	notifier  *recordingNotifier
	identity  *fakeIdentity
	approvals *ApprovalService
	engine    *WorkflowEngineService
}

func newFixture() *fixture {
	log := newTestLogger()
	f := &fixture{
		requests: newMemRequestStore(),
		rules:    &memRuleStore{},
		audit:    &memAuditStore{},
		notifier: &recordingNotifier{},
		identity: &fakeIdentity{roles: map[string][]string{}, permissions: map[string]bool{}},
	}
	f.approvals = NewApprovalService(f.requests, f.audit, f.notifier, log)
	resolver := NewRuleResolver(f.rules, log)
	dispatcher := NewActionDispatcher(f.approvals, f.notifier, log)
	f.engine = NewWorkflowEngineService(resolver, dispatcher, f.approvals, f.identity, log)
	return f
}

func approvalRule(entityType repository.EntityType, trigger repository.TriggerEvent, priority int, conditions []repository.Condition, actions ...repository.Action) *repository.WorkflowRule {
	return &repository.WorkflowRule{
		ID:           uuid.NewString(),
		Name:         "test rule",
		EntityType:   entityType,
		TriggerEvent: trigger,
		Conditions:   conditions,
		Actions:      actions,
		Priority:     priority,
		Version:      1,
		IsActive:     true,
		CreatedAt:    time.Now(),
	}
}

func requireApproval(params repository.ActionParams) repository.Action {
	return repository.Action{Type: repository.ActionRequireApproval, Params: params}
}
