package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/peptidehub/be-workflows/internal/database"
	"github.com/peptidehub/be-workflows/internal/errors"
)

// AuditRepository appends and reads immutable workflow audit log entries.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit entry. The table has a delete-prevention trigger
// so this is the only mutation exposed.
func (r *AuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	query := `
		INSERT INTO workflow_audit_log
		    (id, request_id, rule_id, entity_type, entity_id,
		     action, performed_by, metadata)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8)
		RETURNING performed_at
	`

	return r.db.QueryRow(ctx, query,
		entry.ID,
		entry.RequestID,
		entry.RuleID,
		entry.EntityType,
		entry.EntityID,
		entry.Action,
		entry.PerformedBy,
		metadataJSON,
	).Scan(&entry.PerformedAt)
}

// ListByEntity returns the audit trail for one business entity, oldest first.
func (r *AuditRepository) ListByEntity(ctx context.Context, entityType EntityType, entityID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, request_id, rule_id, entity_type, entity_id,
		       action, performed_by, performed_at, metadata
		FROM workflow_audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY performed_at ASC
	`

	rows, err := r.db.Query(ctx, query, entityType, entityID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListByRequest returns all audit entries for one approval request.
func (r *AuditRepository) ListByRequest(ctx context.Context, requestID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, request_id, rule_id, entity_type, entity_id,
		       action, performed_by, performed_at, metadata
		FROM workflow_audit_log
		WHERE request_id = $1
		ORDER BY performed_at ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get request audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *AuditRepository) scanRows(rows pgx.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		var metadataJSON []byte

		err := rows.Scan(
			&entry.ID,
			&entry.RequestID,
			&entry.RuleID,
			&entry.EntityType,
			&entry.EntityID,
			&entry.Action,
			&entry.PerformedBy,
			&entry.PerformedAt,
			&metadataJSON,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
		}

		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
