package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/lms-enrollment-api/internal/dto"
	"github.com/noah-isme/lms-enrollment-api/internal/models"
	"github.com/noah-isme/lms-enrollment-api/pkg/notify"
	appErrors "github.com/noah-isme/lms-enrollment-api/pkg/errors"
)

type onboardingRepository interface {
	FindActive(ctx context.Context, studentID string) (*models.OnboardingRecord, error)
	FindRenewalDraft(ctx context.Context, studentID string) (*models.OnboardingRecord, error)
	FindByKey(ctx context.Context, studentID, key string) (*models.OnboardingRecord, error)
	ListKeys(ctx context.Context, studentID string) ([]string, error)
	Create(ctx context.Context, record *models.OnboardingRecord) error
	UpdateValue(ctx context.Context, record *models.OnboardingRecord) error
	Archive(ctx context.Context, id string, at time.Time) error
	ArchiveOtherActive(ctx context.Context, studentID, keepID string, at time.Time) (int64, error)
	Activate(ctx context.Context, id string) error
}

type studentRepository interface {
	studentReader
	SetOnboardedAt(ctx context.Context, id string, at *time.Time) error
}

type enrollmentLister interface {
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, error)
}

// Renewal metric outcomes.
const (
	renewalTriggered    = "triggered"
	renewalCompleted    = "completed"
	renewalInvalidState = "invalid_state"
)

// renewalOutcome is the result of a renewal check made inside a transaction.
type renewalOutcome struct {
	triggered bool
	activeKey string
	effects   sideEffects
}

// completionOutcome is the result of completing an onboarding record.
type completionOutcome struct {
	renewal bool
	diff    OnboardingDiff
	effects sideEffects
}

// ReEnrollmentService versions a student's onboarding record when the signed
// agreement has aged out.
type ReEnrollmentService struct {
	tx          txRunner
	records     onboardingRepository
	students    studentRepository
	enrollments enrollmentLister
	catalog     catalogReader
	emitter     effectEmitter
	renewAfter  int
	calendar    Calendar
	metrics     *MetricsService
	logger      *zap.Logger
}

// NewReEnrollmentService constructs a ReEnrollmentService. renewAfterMonths is
// the age of a signed agreement that triggers renewal.
func NewReEnrollmentService(tx txRunner, records onboardingRepository, students studentRepository, enrollments enrollmentLister, catalog catalogReader, audit *AuditService, dispatcher *NotificationDispatcher, renewAfterMonths int, calendar Calendar, metrics *MetricsService, logger *zap.Logger) *ReEnrollmentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if renewAfterMonths <= 0 {
		renewAfterMonths = 12
	}
	return &ReEnrollmentService{
		tx:          tx,
		records:     records,
		students:    students,
		enrollments: enrollments,
		catalog:     catalog,
		emitter:     effectEmitter{audit: audit, dispatcher: dispatcher},
		renewAfter:  renewAfterMonths,
		calendar:    calendar,
		metrics:     metrics,
		logger:      logger,
	}
}

// keyOrdinal returns the version number of an enrollment key: onboard is 1,
// onboardN is N.
func keyOrdinal(key string) (int, bool) {
	if key == models.BaseEnrollmentKey {
		return 1, true
	}
	suffix := strings.TrimPrefix(key, models.BaseEnrollmentKey)
	if suffix == key || suffix == "" {
		return 0, false
	}
	n, err := strconv.Atoi(suffix)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// NextEnrollmentKey returns the first key after the highest one in use.
func NextEnrollmentKey(existing []string) string {
	highest := 0
	for _, key := range existing {
		if n, ok := keyOrdinal(key); ok && n > highest {
			highest = n
		}
	}
	if highest == 0 {
		return models.BaseEnrollmentKey
	}
	return models.BaseEnrollmentKey + strconv.Itoa(highest+1)
}

// TriggerOrCheckReEnrollment evaluates whether adding incomingCourseID requires the
// student to renew their agreement and starts the renewal if so.
func (s *ReEnrollmentService) TriggerOrCheckReEnrollment(ctx context.Context, actor models.Actor, studentID, incomingCourseID string) (*dto.ReEnrollmentResult, error) {
	course, err := s.catalog.Get(ctx, incomingCourseID)
	if err != nil {
		return nil, err
	}
	var outcome *renewalOutcome
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		others, err := s.enrollments.List(ctx, models.EnrollmentFilter{StudentID: studentID, ExcludeCourses: []string{course.ID}})
		if err != nil {
			return appErrors.Internal(err, "failed to list enrollments")
		}
		outcome, err = s.checkAndTrigger(ctx, actor, studentID, course, len(others) > 0)
		return err
	})
	if err != nil {
		return nil, err
	}
	result := &dto.ReEnrollmentResult{Triggered: outcome.triggered, ActiveKey: outcome.activeKey}
	result.Warnings = s.emitter.emit(ctx, &outcome.effects)
	return result, nil
}

// checkAndTrigger runs inside the caller's transaction. hasOthers must say
// whether the student held another non-delisted enrollment before the caller
// wrote anything, since a swap delists the course being replaced. Renewal also
// needs a non-semester-2 incoming course and a complete active record signed
// before the renewal period.
func (s *ReEnrollmentService) checkAndTrigger(ctx context.Context, actor models.Actor, studentID string, incoming *models.Course, hasOthers bool) (*renewalOutcome, error) {
	outcome := &renewalOutcome{}

	key, draft, err := s.activeKey(ctx, studentID)
	if err != nil {
		return nil, err
	}
	outcome.activeKey = key
	if draft || incoming.IsSemester2 {
		return outcome, nil
	}

	if !hasOthers {
		return outcome, nil
	}

	active, err := s.records.FindActive(ctx, studentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return outcome, nil
		}
		return nil, appErrors.Internal(err, "failed to load onboarding record")
	}
	if active.State() != models.OnboardingStateActiveComplete {
		return outcome, nil
	}
	signedOn := active.SignedOn()
	cutoff := s.calendar.Now().AddDate(0, -s.renewAfter, 0)
	if signedOn == nil || signedOn.After(cutoff) {
		return outcome, nil
	}

	keys, err := s.records.ListKeys(ctx, studentID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to list onboarding keys")
	}
	renewsKey := active.EnrollmentKey
	next := &models.OnboardingRecord{
		StudentID:     studentID,
		EnrollmentKey: NextEnrollmentKey(keys),
		IsActive:      false,
		RenewsKey:     &renewsKey,
	}
	if active.Value.Step3 != nil {
		ptr := *active.Value.Step3
		ptr.Qualifications = append([]models.PriorQualification(nil), active.Value.Step3.Qualifications...)
		next.Value.Step3 = &ptr
	}
	if err := s.records.Create(ctx, next); err != nil {
		return nil, err
	}
	if err := s.students.SetOnboardedAt(ctx, studentID, nil); err != nil {
		return nil, appErrors.Internal(err, "failed to reset student onboarding")
	}

	s.metrics.RecordRenewal(renewalTriggered)
	s.logger.Info("onboarding renewal triggered",
		zap.String("student_id", studentID),
		zap.String("renews_key", renewsKey),
		zap.String("enrollment_key", next.EnrollmentKey),
		zap.String("course_id", incoming.ID),
	)
	outcome.triggered = true
	outcome.activeKey = next.EnrollmentKey
	outcome.effects.audit(actor, models.AuditReEnrollmentTriggered, models.AuditSubjectOnboarding, next.ID, map[string]interface{}{
		"student_id":     studentID,
		"enrollment_key": next.EnrollmentKey,
		"renews_key":     renewsKey,
		"signed_on":      signedOn,
		"course_id":      incoming.ID,
	})
	outcome.effects.notify(studentID, notify.TemplateReEnrollmentRequired, map[string]string{
		"course_title":   incoming.Title,
		"enrollment_key": next.EnrollmentKey,
	})
	return outcome, nil
}

// activeKey returns the key the step flow writes to and whether it is a renewal draft.
func (s *ReEnrollmentService) activeKey(ctx context.Context, studentID string) (string, bool, error) {
	draft, err := s.records.FindRenewalDraft(ctx, studentID)
	if err == nil {
		return draft.EnrollmentKey, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, appErrors.Internal(err, "failed to load renewal draft")
	}
	active, err := s.records.FindActive(ctx, studentID)
	if err == nil {
		return active.EnrollmentKey, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, appErrors.Internal(err, "failed to load onboarding record")
	}
	keys, err := s.records.ListKeys(ctx, studentID)
	if err != nil {
		return "", false, appErrors.Internal(err, "failed to list onboarding keys")
	}
	return NextEnrollmentKey(keys), false, nil
}

// GetActiveEnrollmentKey returns the key of the record the student's onboarding
// flow currently writes to.
func (s *ReEnrollmentService) GetActiveEnrollmentKey(ctx context.Context, studentID string) (string, error) {
	key, _, err := s.activeKey(ctx, studentID)
	return key, err
}

// GetOnboardingRecord returns the record under key, or the one the flow writes
// to when key is empty.
func (s *ReEnrollmentService) GetOnboardingRecord(ctx context.Context, studentID, key string) (*dto.OnboardingRecordView, error) {
	if key == "" {
		var err error
		if key, err = s.GetActiveEnrollmentKey(ctx, studentID); err != nil {
			return nil, err
		}
	}
	record, err := s.records.FindByKey(ctx, studentID, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("onboarding record %s not found", key))
		}
		return nil, appErrors.Internal(err, "failed to load onboarding record")
	}
	return &dto.OnboardingRecordView{Record: record, State: record.State()}, nil
}

// complete finalises a record whose agreement was just signed. A renewal draft
// supersedes the record it renews: that record is archived untouched and the
// draft becomes the single active record.
func (s *ReEnrollmentService) complete(ctx context.Context, actor models.Actor, record *models.OnboardingRecord) (*completionOutcome, error) {
	now := s.calendar.Now()
	outcome := &completionOutcome{}

	if record.IsRenewalDraft() {
		previous, err := s.superseded(ctx, record)
		if err != nil {
			return nil, err
		}
		if previous != nil {
			diff, err := DiffOnboarding(previous.EnrollmentKey, previous.Value, record.EnrollmentKey, record.Value)
			if err != nil {
				return nil, appErrors.Internal(err, "failed to compare onboarding records")
			}
			outcome.renewal = true
			outcome.diff = diff
			if err := s.records.Archive(ctx, previous.ID, now); err != nil {
				return nil, appErrors.Internal(err, "failed to archive onboarding record")
			}
		}
	}

	stray, err := s.records.ArchiveOtherActive(ctx, record.StudentID, record.ID, now)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to archive stray onboarding records")
	}
	if stray > 0 && !outcome.renewal {
		s.logger.Warn("archived stray active onboarding records",
			zap.String("student_id", record.StudentID), zap.Int64("count", stray))
	}
	if !record.IsActive {
		if err := s.records.Activate(ctx, record.ID); err != nil {
			return nil, appErrors.Internal(err, "failed to activate onboarding record")
		}
		record.IsActive = true
		record.ArchivedAt = nil
	}
	if err := s.students.SetOnboardedAt(ctx, record.StudentID, &now); err != nil {
		return nil, appErrors.Internal(err, "failed to stamp student onboarding")
	}

	if outcome.renewal {
		s.metrics.RecordRenewal(renewalCompleted)
		outcome.effects.audit(actor, models.AuditReEnrollmentCompleted, models.AuditSubjectOnboarding, record.ID, map[string]interface{}{
			"student_id":     record.StudentID,
			"enrollment_key": record.EnrollmentKey,
			"renews_key":     derefString(record.RenewsKey),
			"changed_fields": outcome.diff.Changed,
			"note":           outcome.diff.Note,
		})
	}
	return outcome, nil
}

// superseded loads the record a draft renews. It returns nil, logging
// ErrInvalidRenewalState, when that record is not active and complete; the
// draft is then promoted as a fresh record.
func (s *ReEnrollmentService) superseded(ctx context.Context, draft *models.OnboardingRecord) (*models.OnboardingRecord, error) {
	var previous *models.OnboardingRecord
	if draft.RenewsKey != nil {
		found, err := s.records.FindByKey(ctx, draft.StudentID, *draft.RenewsKey)
		switch {
		case err == nil:
			previous = found
		case !errors.Is(err, sql.ErrNoRows):
			return nil, appErrors.Internal(err, "failed to load renewed onboarding record")
		}
	}
	if previous != nil && previous.State() == models.OnboardingStateActiveComplete {
		return previous, nil
	}
	s.metrics.RecordRenewal(renewalInvalidState)
	s.logger.Warn("renewal has no completed record to supersede, promoting as fresh",
		zap.String("student_id", draft.StudentID),
		zap.String("enrollment_key", draft.EnrollmentKey),
		zap.String("renews_key", derefString(draft.RenewsKey)),
		zap.Error(appErrors.ErrInvalidRenewalState),
	)
	return nil, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
