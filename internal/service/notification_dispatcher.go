package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/lms-enrollment-api/internal/dto"
	"github.com/noah-isme/lms-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/lms-enrollment-api/pkg/errors"
	"github.com/noah-isme/lms-enrollment-api/pkg/middleware/requestid"
	"github.com/noah-isme/lms-enrollment-api/pkg/notify"
)

type studentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

type pendingNotification struct {
	studentID string
	kind      notify.TemplateKind
	payload   map[string]string
}

// NotificationDispatcher delivers notifications synchronously. Failures become
// warnings on the caller's result.
type NotificationDispatcher struct {
	notifier notify.Notifier
	students studentReader
	metrics  *MetricsService
	logger   *zap.Logger
}

// NewNotificationDispatcher constructs a NotificationDispatcher.
func NewNotificationDispatcher(notifier notify.Notifier, students studentReader, metrics *MetricsService, logger *zap.Logger) *NotificationDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationDispatcher{notifier: notifier, students: students, metrics: metrics, logger: logger}
}

// Dispatch sends every pending notification and returns one warning per failure.
func (d *NotificationDispatcher) Dispatch(ctx context.Context, batch []pendingNotification) []dto.Warning {
	if d == nil || d.notifier == nil || len(batch) == 0 {
		return nil
	}
	var warnings []dto.Warning
	for _, n := range batch {
		if err := d.send(ctx, n); err != nil {
			d.metrics.RecordNotificationFailure(string(n.kind))
			d.logger.Warn("notification delivery failed",
				zap.String("template", string(n.kind)),
				zap.String("student_id", n.studentID),
				zap.String("request_id", requestid.FromContext(ctx)),
				zap.Error(err),
			)
			warnings = append(warnings, dto.Warning{
				Code:    appErrors.ErrNotificationDelivery.Code,
				Message: fmt.Sprintf("%s notification not delivered: %v", n.kind, err),
			})
		}
	}
	return warnings
}

func (d *NotificationDispatcher) send(ctx context.Context, n pendingNotification) error {
	student, err := d.students.FindByID(ctx, n.studentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("student %s not found", n.studentID)
		}
		return fmt.Errorf("load recipient: %w", err)
	}
	if student.Email == "" {
		return fmt.Errorf("student %s has no email address", n.studentID)
	}
	payload := make(map[string]string, len(n.payload)+1)
	for k, v := range n.payload {
		payload[k] = v
	}
	payload["name"] = student.FullName
	to := notify.Recipient{ID: student.ID, Name: student.FullName, Email: student.Email}
	return d.notifier.Send(ctx, to, n.kind, payload)
}
