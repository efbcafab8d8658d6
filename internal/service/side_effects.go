package service

import (
	"context"

	"github.com/noah-isme/lms-enrollment-api/internal/dto"
	"github.com/noah-isme/lms-enrollment-api/internal/models"
	"github.com/noah-isme/lms-enrollment-api/pkg/notify"
)

// sideEffects collects audit entries and notifications produced inside a
// transaction. They are emitted only once it has committed.
type sideEffects struct {
	audits        []models.AuditLog
	notifications []pendingNotification
}

func (fx *sideEffects) audit(actor models.Actor, event, subject, subjectID string, props map[string]interface{}) {
	fx.audits = append(fx.audits, newAuditEntry(actor, event, subject, subjectID, props))
}

func (fx *sideEffects) notify(studentID string, kind notify.TemplateKind, payload map[string]string) {
	fx.notifications = append(fx.notifications, pendingNotification{studentID: studentID, kind: kind, payload: payload})
}

func (fx *sideEffects) merge(other *sideEffects) {
	if other == nil {
		return
	}
	fx.audits = append(fx.audits, other.audits...)
	fx.notifications = append(fx.notifications, other.notifications...)
}

// effectEmitter flushes collected side effects after commit.
type effectEmitter struct {
	audit      *AuditService
	dispatcher *NotificationDispatcher
}

func (e effectEmitter) emit(ctx context.Context, fx *sideEffects) []dto.Warning {
	if fx == nil {
		return nil
	}
	for _, entry := range fx.audits {
		e.audit.Record(ctx, entry)
	}
	return e.dispatcher.Dispatch(ctx, fx.notifications)
}
