package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-enrollment-api/internal/dto"
	"github.com/noah-isme/lms-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/lms-enrollment-api/pkg/errors"
	"github.com/noah-isme/lms-enrollment-api/pkg/notify"
)

// EnrollmentServiceParams groups constructor dependencies.
type EnrollmentServiceParams struct {
	Tx          txRunner
	Enrollments enrollmentRepository
	Students    studentReader
	Catalog     catalogReader
	Store       *EnrollmentStore
	Cascade     *SemesterCascadeEngine
	Coordinator *BulkAssignmentCoordinator
	Renewals    *ReEnrollmentService
	Progress    *ProgressSyncService
	Audit       *AuditService
	Dispatcher  *NotificationDispatcher
	Validator   *validator.Validate
	Calendar    Calendar
	Metrics     *MetricsService
	Logger      *zap.Logger
}

// EnrollmentService is the entry point for enrollment mutations. Each operation
// runs in one transaction; audit entries and notifications follow the commit.
type EnrollmentService struct {
	tx          txRunner
	repo        enrollmentRepository
	students    studentReader
	catalog     catalogReader
	store       *EnrollmentStore
	cascade     *SemesterCascadeEngine
	coordinator *BulkAssignmentCoordinator
	renewals    *ReEnrollmentService
	progress    *ProgressSyncService
	emitter     effectEmitter
	validator   *validator.Validate
	calendar    Calendar
	metrics     *MetricsService
	logger      *zap.Logger
}

// NewEnrollmentService constructs an EnrollmentService.
func NewEnrollmentService(params EnrollmentServiceParams) *EnrollmentService {
	validate := params.Validator
	if validate == nil {
		validate = validator.New()
	}
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrollmentService{
		tx:          params.Tx,
		repo:        params.Enrollments,
		students:    params.Students,
		catalog:     params.Catalog,
		store:       params.Store,
		cascade:     params.Cascade,
		coordinator: params.Coordinator,
		renewals:    params.Renewals,
		progress:    params.Progress,
		emitter:     effectEmitter{audit: params.Audit, dispatcher: params.Dispatcher},
		validator:   validate,
		calendar:    params.Calendar,
		metrics:     params.Metrics,
		logger:      logger,
	}
}

// EnrollSingleCourse creates or updates the student's enrollment on one course,
// scheduling its semester-2 course when the program has one.
func (s *EnrollmentService) EnrollSingleCourse(ctx context.Context, actor models.Actor, studentID string, req dto.EnrollCourseRequest) (*dto.EnrollmentResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}
	if err := s.ensureStudent(ctx, studentID); err != nil {
		return nil, err
	}
	course, err := s.catalog.Get(ctx, req.CourseID)
	if err != nil {
		return nil, err
	}

	var (
		result dto.EnrollmentResult
		fx     sideEffects
	)
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		activeBefore, err := s.repo.CountActiveByStudent(ctx, studentID)
		if err != nil {
			return appErrors.Internal(err, "failed to count student enrollments")
		}
		upserted, err := s.store.Upsert(ctx, UpsertParams{
			Actor:     actor,
			StudentID: studentID,
			CourseID:  req.CourseID,
			Attrs:     req.Attributes,
			Course:    course,
		})
		if err != nil {
			return err
		}
		recordUpsertEffects(&fx, actor, upserted)
		s.metrics.RecordEnrollmentMutation(mutationKind(upserted), upserted.Decision.Rule)
		touched := []*models.Enrollment{upserted.Enrollment}

		if swapped := upserted.SwappedFrom; swapped != nil && swapped.ID != upserted.Enrollment.ID && !swapped.IsDelisted() {
			if err := s.store.Delist(ctx, swapped); err != nil {
				return err
			}
			s.metrics.RecordDelist(1)
			touched = append(touched, swapped)
			fx.audit(actor, models.AuditEnrollmentDelisted, models.AuditSubjectEnrollment, swapped.ID, map[string]interface{}{
				"student_id":  studentID,
				"course_id":   swapped.CourseID,
				"replaced_by": upserted.Enrollment.CourseID,
			})
		}

		sibling, err := s.cascade.Apply(ctx, actor, upserted.Enrollment, course)
		if err != nil {
			return err
		}
		if sibling != nil {
			cascaded := sibling.asUpsert()
			recordUpsertEffects(&fx, actor, cascaded)
			s.metrics.RecordEnrollmentMutation(mutationKind(cascaded), cascaded.Decision.Rule)
			touched = append(touched, sibling.Sibling)
			result.Sibling = sibling.Sibling
		}

		if upserted.Created && !course.IsSemester2 {
			// A created row was not counted, so any active row belongs to another course.
			renewal, err := s.renewals.checkAndTrigger(ctx, actor, studentID, course, activeBefore > 0)
			if err != nil {
				return err
			}
			result.RenewalTriggered = renewal.triggered
			result.ActiveKey = renewal.activeKey
			fx.merge(&renewal.effects)
		}

		for _, e := range touched {
			if err := s.progress.Propagate(ctx, e); err != nil {
				return err
			}
		}
		result.Enrollment = upserted.Enrollment
		result.Created = upserted.Created
		result.RegistrationRule = upserted.Decision.Rule.String()
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Warnings = s.emitter.emit(ctx, &fx)
	return &result, nil
}

// ReconcileCourseSet makes the student's course set equal to req.Courses.
func (s *EnrollmentService) ReconcileCourseSet(ctx context.Context, actor models.Actor, studentID string, req dto.ReconcileCourseSetRequest) (*dto.ReconcileResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid course set payload")
	}
	if err := s.ensureStudent(ctx, studentID); err != nil {
		return nil, err
	}
	var outcome *reconcileOutcome
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		outcome, err = s.coordinator.reconcile(ctx, actor, studentID, req.Courses)
		return err
	})
	if err != nil {
		return nil, err
	}
	result := outcome.result
	result.Warnings = s.emitter.emit(ctx, &outcome.effects)
	return &result, nil
}

// IssueCertificate completes the listed enrollments and marks their
// certificates issued. Certificates already issued are reported and left as is.
func (s *EnrollmentService) IssueCertificate(ctx context.Context, actor models.Actor, studentID string, req dto.IssueCertificateRequest) (*dto.CertificateResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid certificate payload")
	}
	result := dto.CertificateResult{Issued: []string{}, AlreadyIssued: []string{}}
	var fx sideEffects
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		now := s.calendar.Now()
		seen := make(map[string]struct{}, len(req.CourseIDs))
		for _, courseID := range req.CourseIDs {
			if _, dup := seen[courseID]; dup {
				continue
			}
			seen[courseID] = struct{}{}

			e, err := s.repo.FindByStudentAndCourse(ctx, studentID, courseID)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("student %s is not enrolled on course %s", studentID, courseID))
				}
				return appErrors.Internal(err, "failed to load enrollment")
			}
			if e.IsDelisted() {
				return appErrors.Clone(appErrors.ErrPreconditionFailed, fmt.Sprintf("enrollment on course %s is delisted", courseID))
			}
			if e.CertIssued {
				result.AlreadyIssued = append(result.AlreadyIssued, courseID)
				continue
			}
			course, err := s.catalog.Get(ctx, courseID)
			if err != nil {
				return err
			}

			e.Status = models.EnrollmentStatusCompleted
			e.CertIssued = true
			issuedAt := now
			e.CertIssuedAt = &issuedAt
			e.CertIssuedBy = actorRef(actor.ID)
			if err := s.repo.Update(ctx, e); err != nil {
				return appErrors.Internal(err, "failed to issue certificate")
			}
			if err := s.progress.Propagate(ctx, e); err != nil {
				return err
			}
			s.metrics.RecordEnrollmentMutation("certified", RuleNone)
			fx.audit(actor, models.AuditCertificateIssued, models.AuditSubjectEnrollment, e.ID, map[string]interface{}{
				"student_id": studentID,
				"course_id":  courseID,
			})
			fx.notify(studentID, notify.TemplateCertificateIssued, map[string]string{"course_title": course.Title})
			result.Issued = append(result.Issued, courseID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Warnings = s.emitter.emit(ctx, &fx)
	return &result, nil
}

// GetEnrollment returns the enrollment with its derived rows, healing any that are missing.
func (s *EnrollmentService) GetEnrollment(ctx context.Context, studentID, courseID string) (*dto.EnrollmentView, error) {
	return s.progress.GetEnrollment(ctx, studentID, courseID)
}

func (s *EnrollmentService) ensureStudent(ctx context.Context, studentID string) error {
	if studentID == "" {
		return appErrors.Clone(appErrors.ErrValidation, "student id is required")
	}
	if _, err := s.students.FindByID(ctx, studentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return appErrors.Internal(err, "failed to load student")
	}
	return nil
}

func mutationKind(o *UpsertOutcome) string {
	if o.Created {
		return "created"
	}
	return "updated"
}

// recordUpsertEffects queues the audit entries and notification of one enrollment write.
func recordUpsertEffects(fx *sideEffects, actor models.Actor, o *UpsertOutcome) {
	e := o.Enrollment
	props := map[string]interface{}{
		"student_id":        e.StudentID,
		"course_id":         e.CourseID,
		"registration_rule": o.Decision.Rule.String(),
		"registration_date": e.RegistrationDate,
		"is_semester_2":     e.IsSemester2,
	}
	if o.SwappedFrom != nil {
		props["replaces_course_id"] = o.SwappedFrom.CourseID
	}
	if o.Created {
		fx.audit(actor, models.AuditEnrollmentCreated, models.AuditSubjectEnrollment, e.ID, props)
		payload := map[string]string{"start_date": e.CourseStartAt.Format("02 Jan 2006")}
		if o.Course != nil {
			payload["course_title"] = o.Course.Title
		}
		fx.notify(e.StudentID, notify.TemplateCourseAssigned, payload)
	} else {
		props["reactivated"] = o.Reactivated
		fx.audit(actor, models.AuditEnrollmentUpdated, models.AuditSubjectEnrollment, e.ID, props)
	}
	if o.ChargeableActivated {
		fx.audit(actor, models.AuditEnrollmentChargeableActivated, models.AuditSubjectEnrollment, e.ID, map[string]interface{}{
			"student_id": e.StudentID,
			"course_id":  e.CourseID,
		})
	}
	if o.LockChanged {
		event := models.AuditEnrollmentUnlocked
		if e.IsLocked {
			event = models.AuditEnrollmentLocked
		}
		fx.audit(actor, event, models.AuditSubjectEnrollment, e.ID, map[string]interface{}{
			"student_id": e.StudentID,
			"course_id":  e.CourseID,
		})
	}
}
