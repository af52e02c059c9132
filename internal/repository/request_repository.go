package repository

import (
	"context"
	stderrors "errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/peptidehub/be-workflows/internal/database"
	"github.com/peptidehub/be-workflows/internal/errors"
)

// uniqueViolation is the postgres SQLSTATE raised by the partial unique
// index on (entity_type, entity_id) WHERE status = 'PENDING'.
const uniqueViolation = "23505"

// RequestRepository owns approval_requests. Every state transition is a
// single conditional UPDATE guarded by status = 'PENDING', so concurrent
// respond/cancel/expire calls on the same request have exactly one winner.
type RequestRepository struct {
	db *database.DB
}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository(db *database.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// Create inserts a PENDING request. A second open request for the same
// entity trips the partial unique index and surfaces as a conflict error.
func (r *RequestRepository) Create(ctx context.Context, req *ApprovalRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Status = StatusPending

	query := `
		INSERT INTO approval_requests
		    (id, workflow_rule_id, entity_type, entity_id, entity_summary,
		     amount, status, requested_by, requested_at,
		     assigned_to, assigned_role, expires_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9,
		        $10, $11, $12)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		req.ID,
		req.WorkflowRuleID,
		req.EntityType,
		req.EntityID,
		req.EntitySummary,
		req.Amount,
		req.Status,
		req.RequestedBy,
		req.RequestedAt,
		req.AssignedTo,
		req.AssignedRole,
		req.ExpiresAt,
	).Scan(&req.CreatedAt, &req.UpdatedAt)

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return errors.Newf(errors.ErrCodeConflict,
			"an open approval request already exists for %s %s", req.EntityType, req.EntityID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
	}
	return nil
}

// GetByID retrieves a request by primary key.
func (r *RequestRepository) GetByID(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := requestSelect + ` WHERE id = $1`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_request", id)
	}
	return req, err
}

// FindOpenByEntity returns the PENDING request for an entity, or nil when
// none exists.
func (r *RequestRepository) FindOpenByEntity(ctx context.Context, entityType EntityType, entityID string) (*ApprovalRequest, error) {
	query := requestSelect + `
		WHERE entity_type = $1 AND entity_id = $2 AND status = 'PENDING'
	`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, entityType, entityID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return req, err
}

// MarkResponded atomically moves a PENDING request to APPROVED or REJECTED,
// stamping responder, time and note together. The loser of a race with
// expire or cancel observes an invalid-state error.
func (r *RequestRepository) MarkResponded(ctx context.Context, id string, status RequestStatus, respondedBy, note string) (*ApprovalRequest, error) {
	query := `
		UPDATE approval_requests
		SET status        = $2,
		    responded_by  = $3,
		    responded_at  = NOW(),
		    response_note = NULLIF($4, ''),
		    updated_at    = NOW()
		WHERE id = $1 AND status = 'PENDING'
		RETURNING ` + requestColumns

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id, status, respondedBy, note))
	if err == pgx.ErrNoRows {
		return nil, r.notPendingError(ctx, id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to record response")
	}
	return req, nil
}

// MarkCancelled moves a PENDING request to CANCELLED. The reason is kept in
// response_note; responded_by/responded_at stay null since no human decision
// was recorded.
func (r *RequestRepository) MarkCancelled(ctx context.Context, id, reason string) (*ApprovalRequest, error) {
	query := `
		UPDATE approval_requests
		SET status        = 'CANCELLED',
		    response_note = NULLIF($2, ''),
		    updated_at    = NOW()
		WHERE id = $1 AND status = 'PENDING'
		RETURNING ` + requestColumns

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id, reason))
	if err == pgx.ErrNoRows {
		return nil, r.notPendingError(ctx, id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to cancel approval request")
	}
	return req, nil
}

// MarkExpired moves a PENDING request to EXPIRED, but only when its
// deadline has actually passed. Requests without a deadline never match.
func (r *RequestRepository) MarkExpired(ctx context.Context, id string, now time.Time) (*ApprovalRequest, error) {
	query := `
		UPDATE approval_requests
		SET status     = 'EXPIRED',
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'PENDING'
		  AND expires_at IS NOT NULL
		  AND expires_at <= $2
		RETURNING ` + requestColumns

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id, now))
	if err == pgx.ErrNoRows {
		return nil, r.notExpirableError(ctx, id, now)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to expire approval request")
	}
	return req, nil
}

// ListDueForExpiry returns PENDING requests whose deadline has passed,
// oldest deadline first.
func (r *RequestRepository) ListDueForExpiry(ctx context.Context, now time.Time, limit int) ([]*ApprovalRequest, error) {
	query := requestSelect + `
		WHERE status = 'PENDING'
		  AND expires_at IS NOT NULL
		  AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list due requests")
	}
	defer rows.Close()

	return r.scanRequests(rows)
}

// ListPendingForUser returns the pending queue for a reviewer: requests
// assigned to them directly, to one of their roles, or left unassigned.
func (r *RequestRepository) ListPendingForUser(ctx context.Context, userID string, roles []string) ([]*ApprovalRequest, error) {
	query := requestSelect + `
		WHERE status = 'PENDING'
		  AND (assigned_to = $1
		       OR assigned_role = ANY($2)
		       OR (assigned_to IS NULL AND assigned_role IS NULL))
		ORDER BY expires_at ASC NULLS LAST, requested_at ASC
	`

	rows, err := r.db.Query(ctx, query, userID, roles)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending requests")
	}
	defer rows.Close()

	return r.scanRequests(rows)
}

// ListHistory returns resolved (non-PENDING) requests for the audit view.
func (r *RequestRepository) ListHistory(ctx context.Context, filter HistoryFilter) ([]*ApprovalRequest, error) {
	query := requestSelect + ` WHERE status <> 'PENDING'`
	args := []any{}
	n := 0

	next := func() string {
		n++
		return "$" + strconv.Itoa(n)
	}

	if filter.EntityType != nil {
		query += " AND entity_type = " + next()
		args = append(args, *filter.EntityType)
	}
	if filter.From != nil {
		query += " AND requested_at >= " + next()
		args = append(args, *filter.From)
	}
	if filter.To != nil {
		query += " AND requested_at < " + next()
		args = append(args, *filter.To)
	}

	query += " ORDER BY updated_at DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query += " LIMIT " + next()
	args = append(args, limit)

	if filter.Offset > 0 {
		query += " OFFSET " + next()
		args = append(args, filter.Offset)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list request history")
	}
	defer rows.Close()

	return r.scanRequests(rows)
}

// CountOpenByRule returns how many PENDING requests reference a rule. Rules
// with open requests must not be edited in place.
func (r *RequestRepository) CountOpenByRule(ctx context.Context, ruleID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM approval_requests WHERE workflow_rule_id = $1 AND status = 'PENDING'`,
		ruleID,
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count open requests for rule")
	}
	return count, nil
}

// ── error helpers ────────────────────────────────────────────────────────────

// notPendingError distinguishes "unknown id" from "already resolved" after a
// conditional update matched zero rows.
func (r *RequestRepository) notPendingError(ctx context.Context, id string) error {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return errors.Newf(errors.ErrCodeInvalidState,
		"approval request %s is not pending (status: %s)", id, current.Status)
}

func (r *RequestRepository) notExpirableError(ctx context.Context, id string, now time.Time) error {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if current.Status != StatusPending {
		return errors.Newf(errors.ErrCodeInvalidState,
			"approval request %s is not pending (status: %s)", id, current.Status)
	}
	if current.ExpiresAt == nil {
		return errors.Newf(errors.ErrCodeInvalidState,
			"approval request %s has no expiry deadline", id)
	}
	return errors.Newf(errors.ErrCodeInvalidState,
		"approval request %s is not due for expiry until %s", id, current.ExpiresAt.Format(time.RFC3339))
}

// ── scan helpers ─────────────────────────────────────────────────────────────

const requestColumns = `
	id, workflow_rule_id, entity_type, entity_id, entity_summary,
	amount, status, requested_by, requested_at,
	assigned_to, assigned_role,
	responded_by, responded_at, response_note,
	expires_at, created_at, updated_at`

const requestSelect = `SELECT ` + requestColumns + ` FROM approval_requests`

type requestScanner interface {
	Scan(dest ...any) error
}

func (r *RequestRepository) scanRequest(row requestScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	err := row.Scan(
		&req.ID,
		&req.WorkflowRuleID,
		&req.EntityType,
		&req.EntityID,
		&req.EntitySummary,
		&req.Amount,
		&req.Status,
		&req.RequestedBy,
		&req.RequestedAt,
		&req.AssignedTo,
		&req.AssignedRole,
		&req.RespondedBy,
		&req.RespondedAt,
		&req.ResponseNote,
		&req.ExpiresAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (r *RequestRepository) scanRequests(rows pgx.Rows) ([]*ApprovalRequest, error) {
	var reqs []*ApprovalRequest
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}
