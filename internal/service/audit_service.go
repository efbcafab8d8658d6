package service

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/noah-isme/lms-enrollment-api/internal/models"
	"github.com/noah-isme/lms-enrollment-api/pkg/middleware/requestid"
)

type auditWriter interface {
	Create(ctx context.Context, entry *models.AuditLog) error
}

// AuditService appends audit events. Write failures are logged and never
// propagate to the operation being audited.
type AuditService struct {
	repo   auditWriter
	logger *zap.Logger
}

// NewAuditService constructs an AuditService.
func NewAuditService(repo auditWriter, logger *zap.Logger) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditService{repo: repo, logger: logger}
}

// Record appends one entry.
func (s *AuditService) Record(ctx context.Context, entry models.AuditLog) {
	if s == nil || s.repo == nil {
		return
	}
	if err := s.repo.Create(ctx, &entry); err != nil {
		s.logger.Warn("audit write failed",
			zap.String("event", entry.Event),
			zap.String("subject", entry.Subject),
			zap.String("subject_id", entry.SubjectID),
			zap.String("request_id", requestid.FromContext(ctx)),
			zap.Error(err),
		)
	}
}

func newAuditEntry(actor models.Actor, event, subject, subjectID string, props map[string]interface{}) models.AuditLog {
	entry := models.AuditLog{Event: event, Subject: subject, SubjectID: subjectID, ActorID: actorRef(actor.ID)}
	if len(props) > 0 {
		if raw, err := json.Marshal(props); err == nil {
			entry.Properties = raw
		}
	}
	return entry
}
