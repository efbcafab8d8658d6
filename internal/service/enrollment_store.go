package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/lms-enrollment-api/internal/dto"
	"github.com/noah-isme/lms-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/lms-enrollment-api/pkg/errors"
)

type enrollmentRepository interface {
	FindByStudentAndCourse(ctx context.Context, studentID, courseID string) (*models.Enrollment, error)
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, error)
	CountOtherCourses(ctx context.Context, studentID, courseID string) (int, error)
	CountActiveByStudent(ctx context.Context, studentID string) (int, error)
	Insert(ctx context.Context, enrollment *models.Enrollment) error
	Update(ctx context.Context, enrollment *models.Enrollment) error
	UpdateStatus(ctx context.Context, id string, status models.EnrollmentStatus) error
	SetDerivedPointer(ctx context.Context, id, column, value string) (bool, error)
}

type catalogReader interface {
	Get(ctx context.Context, courseID string) (*models.Course, error)
}

type txRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// UpsertParams describes one enrollment write.
type UpsertParams struct {
	Actor     models.Actor
	StudentID string
	CourseID  string
	Attrs     dto.EnrollmentAttributes
	Course    *models.Course

	// Prior is the student's enrollment set before a reconciliation started and
	// Desired the course ids being reconciled to. Both are nil on the single
	// course path, where only an explicit ReplacesCourseID marks a swap.
	Prior   []models.Enrollment
	Desired map[string]struct{}
	// Claimed holds prior enrollment ids already paired with a swapped-in course.
	Claimed map[string]struct{}
}

// UpsertOutcome reports what an upsert did.
type UpsertOutcome struct {
	Enrollment          *models.Enrollment
	Course              *models.Course
	Created             bool
	Reactivated         bool
	ChargeableActivated bool
	LockChanged         bool
	Decision            RegistrationDecision
	SwappedFrom         *models.Enrollment
}

// EnrollmentStore creates and updates the single enrollment row of a student and course.
type EnrollmentStore struct {
	repo     enrollmentRepository
	catalog  catalogReader
	calendar Calendar
	logger   *zap.Logger
}

// NewEnrollmentStore constructs an EnrollmentStore.
func NewEnrollmentStore(repo enrollmentRepository, catalog catalogReader, calendar Calendar, logger *zap.Logger) *EnrollmentStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrollmentStore{repo: repo, catalog: catalog, calendar: calendar, logger: logger}
}

// Upsert writes the enrollment for (StudentID, CourseID). A concurrent insert of
// the same pairing is recovered by updating the row that won.
func (s *EnrollmentStore) Upsert(ctx context.Context, p UpsertParams) (*UpsertOutcome, error) {
	if p.StudentID == "" || p.CourseID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "student and course are required")
	}
	if err := validateAttributeDates(p.Attrs); err != nil {
		return nil, err
	}
	course := p.Course
	if course == nil {
		var err error
		if course, err = s.catalog.Get(ctx, p.CourseID); err != nil {
			return nil, err
		}
	}

	existing, err := s.repo.FindByStudentAndCourse(ctx, p.StudentID, p.CourseID)
	switch {
	case err == nil:
		return s.update(ctx, p, course, existing)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, appErrors.Internal(err, "failed to load enrollment")
	}

	outcome, err := s.create(ctx, p, course)
	if err == nil {
		return outcome, nil
	}
	if !errors.Is(err, appErrors.ErrDuplicateEnrollment) {
		return nil, err
	}
	s.logger.Debug("enrollment created concurrently, updating instead",
		zap.String("student_id", p.StudentID), zap.String("course_id", p.CourseID))
	existing, err = s.repo.FindByStudentAndCourse(ctx, p.StudentID, p.CourseID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to reload enrollment")
	}
	return s.update(ctx, p, course, existing)
}

func (s *EnrollmentStore) create(ctx context.Context, p UpsertParams, course *models.Course) (*UpsertOutcome, error) {
	today := s.calendar.Today()
	start := today
	if p.Attrs.CourseStartAt != nil {
		start = *p.Attrs.CourseStartAt
	}
	end := start.AddDate(0, 0, course.LengthDays)
	if p.Attrs.CourseEndsAt != nil {
		end = *p.Attrs.CourseEndsAt
	}

	enrollment := &models.Enrollment{
		StudentID:    p.StudentID,
		CourseID:     p.CourseID,
		Status:       models.EnrollmentStatusEnrolled,
		IsChargeable: boolValue(p.Attrs.IsChargeable, false),
		IsLocked:     boolValue(p.Attrs.IsLocked, false),
		Deferred:     boolValue(p.Attrs.Deferred, false),
		IsSemester2:  course.IsSemester2,
	}
	enrollment.SetCourseDates(start, end)

	others, err := s.repo.CountOtherCourses(ctx, p.StudentID, p.CourseID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to count student enrollments")
	}

	outcome := &UpsertOutcome{Enrollment: enrollment, Course: course, Created: true}
	if others == 0 {
		enrollment.RegisteredOnCreate = true
		enrollment.RegisteredBy = actorRef(p.Actor.ID)
		outcome.Decision = RegistrationDecision{Rule: RuleFirstCourse}
	} else {
		swap, err := s.detectSwap(ctx, p, course)
		if err != nil {
			return nil, err
		}
		in := RegistrationInput{
			IsChargeableNow: enrollment.IsChargeable,
			IsSemester2:     enrollment.IsSemester2,
			NewStart:        start,
			Today:           today,
			ActorID:         p.Actor.ID,
			Changes:         FieldChanges{CreatedToday: true},
		}
		if swap != nil {
			in.Existing = registrationStateOf(swap)
			in.Changes = FieldChanges{CourseChanged: true, WasChargeable: swap.IsChargeable}
			outcome.SwappedFrom = swap
		}
		outcome.Decision = ResolveRegistration(in)
		applyRegistration(enrollment, outcome.Decision)
	}

	if err := s.repo.Insert(ctx, enrollment); err != nil {
		if errors.Is(err, appErrors.ErrDuplicateEnrollment) {
			return nil, err
		}
		return nil, appErrors.Internal(err, "failed to create enrollment")
	}
	outcome.ChargeableActivated = enrollment.IsChargeable
	outcome.LockChanged = enrollment.IsLocked
	return outcome, nil
}

func (s *EnrollmentStore) update(ctx context.Context, p UpsertParams, course *models.Course, enrollment *models.Enrollment) (*UpsertOutcome, error) {
	previous := *enrollment
	outcome := &UpsertOutcome{Enrollment: enrollment, Course: course}

	if enrollment.IsDelisted() {
		enrollment.Status = models.EnrollmentStatusEnrolled
		outcome.Reactivated = true
	}

	newStart := enrollment.CourseStartAt
	if p.Attrs.CourseStartAt != nil {
		newStart = *p.Attrs.CourseStartAt
	}
	newEnd := enrollment.CourseEndsAt
	if p.Attrs.CourseEndsAt != nil {
		newEnd = *p.Attrs.CourseEndsAt
	}
	enrollment.IsChargeable = boolValue(p.Attrs.IsChargeable, enrollment.IsChargeable)
	enrollment.IsLocked = boolValue(p.Attrs.IsLocked, enrollment.IsLocked)
	enrollment.Deferred = boolValue(p.Attrs.Deferred, enrollment.Deferred)
	enrollment.IsSemester2 = enrollment.IsSemester2 || course.IsSemester2

	changes := FieldChanges{
		StartChanged:  !newStart.Equal(previous.CourseStartAt),
		EndChanged:    !newEnd.Equal(previous.CourseEndsAt),
		CreatedToday:  !previous.RegisteredOnCreate && s.calendar.SameDay(previous.CreatedAt, s.calendar.Now()),
		WasChargeable: previous.IsChargeable,
	}
	applyCourseDates(enrollment, newStart, newEnd, p.Actor, s.calendar.Now())

	outcome.Decision = ResolveRegistration(RegistrationInput{
		Existing:        registrationStateOf(&previous),
		IsChargeableNow: enrollment.IsChargeable,
		IsSemester2:     enrollment.IsSemester2,
		NewStart:        newStart,
		Changes:         changes,
		Today:           s.calendar.Today(),
		ActorID:         p.Actor.ID,
	})
	applyRegistration(enrollment, outcome.Decision)

	if err := s.repo.Update(ctx, enrollment); err != nil {
		return nil, appErrors.Internal(err, "failed to update enrollment")
	}
	outcome.ChargeableActivated = !previous.IsChargeable && enrollment.IsChargeable
	outcome.LockChanged = previous.IsLocked != enrollment.IsLocked
	return outcome, nil
}

// detectSwap finds the prior enrollment a newly created course replaces: the
// explicit ReplacesCourseID, else the first prior course of the same catalog
// category that is leaving the course set.
func (s *EnrollmentStore) detectSwap(ctx context.Context, p UpsertParams, course *models.Course) (*models.Enrollment, error) {
	if p.Attrs.ReplacesCourseID != "" {
		if p.Attrs.ReplacesCourseID == p.CourseID {
			return nil, nil
		}
		for i := range p.Prior {
			if p.Prior[i].CourseID == p.Attrs.ReplacesCourseID {
				return s.claim(p, &p.Prior[i]), nil
			}
		}
		replaced, err := s.repo.FindByStudentAndCourse(ctx, p.StudentID, p.Attrs.ReplacesCourseID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("replaced course %s is not enrolled", p.Attrs.ReplacesCourseID))
			}
			return nil, appErrors.Internal(err, "failed to load replaced enrollment")
		}
		return replaced, nil
	}

	if p.Prior == nil || course.Category == "" {
		return nil, nil
	}
	for i := range p.Prior {
		prior := &p.Prior[i]
		if prior.IsDelisted() || prior.IsSemester2 || prior.CourseID == p.CourseID {
			continue
		}
		if _, stays := p.Desired[prior.CourseID]; stays {
			continue
		}
		if _, taken := p.Claimed[prior.ID]; taken {
			continue
		}
		priorCourse, err := s.catalog.Get(ctx, prior.CourseID)
		if err != nil {
			if errors.Is(err, appErrors.ErrUnknownCourse) {
				continue
			}
			return nil, err
		}
		if priorCourse.Category == course.Category {
			return s.claim(p, prior), nil
		}
	}
	return nil, nil
}

func (s *EnrollmentStore) claim(p UpsertParams, prior *models.Enrollment) *models.Enrollment {
	if p.Claimed != nil {
		p.Claimed[prior.ID] = struct{}{}
	}
	return prior
}

// Delist removes an enrollment from the student's course set. Rows are never deleted.
func (s *EnrollmentStore) Delist(ctx context.Context, enrollment *models.Enrollment) error {
	if enrollment.IsDelisted() {
		return nil
	}
	if err := s.repo.UpdateStatus(ctx, enrollment.ID, models.EnrollmentStatusDelist); err != nil {
		return appErrors.Internal(err, "failed to delist enrollment")
	}
	enrollment.Status = models.EnrollmentStatusDelist
	return nil
}

func validateAttributeDates(attrs dto.EnrollmentAttributes) error {
	if attrs.CourseStartAt != nil && attrs.CourseEndsAt != nil && attrs.CourseEndsAt.Before(*attrs.CourseStartAt) {
		return appErrors.Clone(appErrors.ErrValidation, "course_ends_at must not be before course_start_at")
	}
	return nil
}

// applyCourseDates moves the enrollment's dates, recording the previous span in
// the deferral history when a deferred enrollment is rescheduled.
func applyCourseDates(e *models.Enrollment, start, end time.Time, actor models.Actor, now time.Time) {
	moved := !start.Equal(e.CourseStartAt) || !end.Equal(e.CourseEndsAt)
	if moved && e.Deferred && !e.CourseStartAt.IsZero() {
		e.DeferredDetails = append(e.DeferredDetails, models.DeferredSnapshot{
			CourseStartAt: e.CourseStartAt,
			CourseEndsAt:  e.CourseEndsAt,
			CourseExpiry:  e.CourseExpiry,
			RecordedAt:    now,
			RecordedBy:    actor.ID,
		})
	}
	e.SetCourseDates(start, end)
}

func registrationStateOf(e *models.Enrollment) RegistrationState {
	return RegistrationState{
		RegistrationDate:     e.RegistrationDate,
		RegisteredBy:         e.RegisteredBy,
		ShowRegistrationDate: e.ShowRegistrationDate,
		ShowOnWidget:         e.ShowOnWidget,
	}
}

func applyRegistration(e *models.Enrollment, d RegistrationDecision) {
	e.RegistrationDate = d.RegistrationDate
	e.RegisteredBy = d.RegisteredBy
	e.ShowRegistrationDate = d.ShowRegistrationDate
	e.ShowOnWidget = d.ShowOnWidget
}

func boolValue(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
