package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/lms-enrollment-api/internal/models"
)

// AuditRepository appends audit events.
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository constructs an AuditRepository.
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create inserts an audit log entry.
func (r *AuditRepository) Create(ctx context.Context, entry *models.AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if len(entry.Properties) == 0 {
		entry.Properties = []byte("{}")
	}
	const query = `INSERT INTO audit_logs (id, actor_id, event, subject, subject_id, properties, created_at)
        VALUES (:id, :actor_id, :event, :subject, :subject_id, :properties, :created_at)`
	if _, err := conn(ctx, r.db).NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("create audit log: %w", err)
	}
	return nil
}

// ListBySubject returns the audit trail of one subject, newest first.
func (r *AuditRepository) ListBySubject(ctx context.Context, subject, subjectID string, limit int) ([]models.AuditLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	const query = `SELECT id, actor_id, event, subject, subject_id, properties, created_at FROM audit_logs
        WHERE subject = $1 AND subject_id = $2 ORDER BY created_at DESC LIMIT $3`
	var entries []models.AuditLog
	if err := conn(ctx, r.db).SelectContext(ctx, &entries, query, subject, subjectID, limit); err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	return entries, nil
}
