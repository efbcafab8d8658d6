package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/lms-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/lms-enrollment-api/pkg/errors"
)

// CascadeOutcome reports the semester-2 enrollment derived from a main course.
type CascadeOutcome struct {
	Sibling             *models.Enrollment
	Course              *models.Course
	Created             bool
	Reactivated         bool
	ChargeableActivated bool
	Decision            RegistrationDecision
}

// SemesterCascadeEngine keeps the second-semester enrollment of a two-part
// program in step with its main course.
type SemesterCascadeEngine struct {
	repo     enrollmentRepository
	catalog  catalogReader
	calendar Calendar
	logger   *zap.Logger
}

// NewSemesterCascadeEngine constructs a SemesterCascadeEngine.
func NewSemesterCascadeEngine(repo enrollmentRepository, catalog catalogReader, calendar Calendar, logger *zap.Logger) *SemesterCascadeEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SemesterCascadeEngine{repo: repo, catalog: catalog, calendar: calendar, logger: logger}
}

// NextSemesterDates schedules the second course relative to the end of the first.
func NextSemesterDates(mainEnd time.Time, afterDays, lengthDays int) (time.Time, time.Time) {
	start := mainEnd.AddDate(0, 0, afterDays)
	return start, start.AddDate(0, 0, lengthDays)
}

// NextCourseID returns the course a main course cascades into, or "" when it
// does not require a cascade.
func NextCourseID(course *models.Course) string {
	if course == nil || !course.RequiresSemesterCascade() {
		return ""
	}
	return *course.NextCourseID
}

// Apply creates or updates the semester-2 enrollment of main. It returns nil when
// mainCourse is not the first half of a two-part program.
func (c *SemesterCascadeEngine) Apply(ctx context.Context, actor models.Actor, main *models.Enrollment, mainCourse *models.Course) (*CascadeOutcome, error) {
	nextID := NextCourseID(mainCourse)
	if nextID == "" || main.IsDelisted() {
		return nil, nil
	}
	next, err := c.catalog.Get(ctx, nextID)
	if err != nil {
		return nil, err
	}
	start, end := NextSemesterDates(main.CourseEndsAt, mainCourse.NextCourseAfterDays, next.LengthDays)

	if !main.IsMainCourse {
		main.IsMainCourse = true
		if err := c.repo.Update(ctx, main); err != nil {
			return nil, appErrors.Internal(err, "failed to mark main course")
		}
	}

	sibling, err := c.repo.FindByStudentAndCourse(ctx, main.StudentID, next.ID)
	switch {
	case err == nil:
		return c.updateSibling(ctx, actor, main, next, sibling, start, end)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, appErrors.Internal(err, "failed to load semester 2 enrollment")
	}

	sibling = &models.Enrollment{
		StudentID:            main.StudentID,
		CourseID:             next.ID,
		Status:               models.EnrollmentStatusEnrolled,
		IsChargeable:         main.IsChargeable,
		IsLocked:             main.IsLocked,
		IsSemester2:          true,
		RegistrationDate:     copyTime(main.RegistrationDate),
		RegisteredBy:         copyString(main.RegisteredBy),
		ShowRegistrationDate: main.ShowRegistrationDate,
		ShowOnWidget:         main.ShowOnWidget,
		RegisteredOnCreate:   main.RegisteredOnCreate,
		CreatedAt:            main.CreatedAt,
	}
	sibling.SetCourseDates(start, end)
	if err := c.repo.Insert(ctx, sibling); err != nil {
		if !errors.Is(err, appErrors.ErrDuplicateEnrollment) {
			return nil, appErrors.Internal(err, "failed to create semester 2 enrollment")
		}
		existing, findErr := c.repo.FindByStudentAndCourse(ctx, main.StudentID, next.ID)
		if findErr != nil {
			return nil, appErrors.Internal(findErr, "failed to reload semester 2 enrollment")
		}
		return c.updateSibling(ctx, actor, main, next, existing, start, end)
	}

	c.logger.Debug("semester 2 enrollment created",
		zap.String("student_id", main.StudentID),
		zap.String("main_course_id", main.CourseID),
		zap.String("course_id", next.ID),
	)
	return &CascadeOutcome{
		Sibling:             sibling,
		Course:              next,
		Created:             true,
		ChargeableActivated: sibling.IsChargeable,
		Decision:            RegistrationDecision{RegistrationState: registrationStateOf(sibling), Rule: RuleInherited},
	}, nil
}

func (c *SemesterCascadeEngine) updateSibling(ctx context.Context, actor models.Actor, main *models.Enrollment, next *models.Course, sibling *models.Enrollment, start, end time.Time) (*CascadeOutcome, error) {
	previous := *sibling
	outcome := &CascadeOutcome{Sibling: sibling, Course: next}
	if sibling.IsDelisted() {
		sibling.Status = models.EnrollmentStatusEnrolled
		outcome.Reactivated = true
	}
	sibling.IsSemester2 = true
	sibling.IsChargeable = main.IsChargeable

	changes := FieldChanges{
		StartChanged:  !start.Equal(previous.CourseStartAt),
		EndChanged:    !end.Equal(previous.CourseEndsAt),
		CreatedToday:  !previous.RegisteredOnCreate && c.calendar.SameDay(previous.CreatedAt, c.calendar.Now()),
		WasChargeable: previous.IsChargeable,
	}
	applyCourseDates(sibling, start, end, actor, c.calendar.Now())

	outcome.Decision = ResolveRegistration(RegistrationInput{
		Existing:        registrationStateOf(&previous),
		IsChargeableNow: sibling.IsChargeable,
		IsSemester2:     true,
		NewStart:        start,
		Changes:         changes,
		Today:           c.calendar.Today(),
		ActorID:         actor.ID,
	})
	applyRegistration(sibling, outcome.Decision)

	if err := c.repo.Update(ctx, sibling); err != nil {
		return nil, appErrors.Internal(err, "failed to update semester 2 enrollment")
	}
	outcome.ChargeableActivated = !previous.IsChargeable && sibling.IsChargeable
	return outcome, nil
}
