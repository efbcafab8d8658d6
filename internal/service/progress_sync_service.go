package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/noah-isme/lms-enrollment-api/internal/dto"
	"github.com/noah-isme/lms-enrollment-api/internal/models"
	"github.com/noah-isme/lms-enrollment-api/internal/repository"
	appErrors "github.com/noah-isme/lms-enrollment-api/pkg/errors"
)

type progressRepository interface {
	FindProgress(ctx context.Context, studentID, courseID string) (*models.CourseProgress, error)
	CreateProgressIfAbsent(ctx context.Context, progress *models.CourseProgress) error
	UpdateProgress(ctx context.Context, progress *models.CourseProgress) error
	FindStats(ctx context.Context, studentID, courseID string) (*models.StudentCourseStats, error)
	CreateStatsIfAbsent(ctx context.Context, stats *models.StudentCourseStats) error
	UpdateStats(ctx context.Context, stats *models.StudentCourseStats) error
}

type adminReportRepository interface {
	Find(ctx context.Context, studentID, courseID string) (*models.AdminReport, error)
	Upsert(ctx context.Context, report *models.AdminReport) error
}

// DerivedRows are the rows hanging off one enrollment.
type DerivedRows struct {
	Progress *models.CourseProgress
	Stats    *models.StudentCourseStats
	Report   *models.AdminReport
	Healed   []string
}

// ProgressSyncService keeps progress, statistics and the reporting projection
// consistent with enrollment state.
type ProgressSyncService struct {
	tx          txRunner
	enrollments enrollmentRepository
	progress    progressRepository
	reports     adminReportRepository
	catalog     catalogReader
	calendar    Calendar
	metrics     *MetricsService
	logger      *zap.Logger
}

// NewProgressSyncService constructs a ProgressSyncService.
func NewProgressSyncService(tx txRunner, enrollments enrollmentRepository, progress progressRepository, reports adminReportRepository, catalog catalogReader, calendar Calendar, metrics *MetricsService, logger *zap.Logger) *ProgressSyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressSyncService{
		tx:          tx,
		enrollments: enrollments,
		progress:    progress,
		reports:     reports,
		catalog:     catalog,
		calendar:    calendar,
		metrics:     metrics,
		logger:      logger,
	}
}

// ComputePercentage returns the completion percentage of an enrollment.
func ComputePercentage(status models.EnrollmentStatus, details models.ProgressDetails, lessonCount int) float64 {
	if status == models.EnrollmentStatusCompleted {
		return 100
	}
	total := details.TotalLessons
	if total <= 0 {
		total = lessonCount
	}
	if total <= 0 {
		return 0
	}
	pct := float64(details.PassedLessons()) / float64(total) * 100
	if pct > 100 {
		pct = 100
	}
	return math.Round(pct*100) / 100
}

// BuildAdminReport derives the reporting projection of an enrollment.
func BuildAdminReport(e *models.Enrollment, progress *models.CourseProgress, course *models.Course) models.AdminReport {
	report := models.AdminReport{
		StudentID:            e.StudentID,
		CourseID:             e.CourseID,
		Status:               e.Status,
		IsChargeable:         e.IsChargeable,
		IsSemester2:          e.IsSemester2,
		RegistrationDate:     e.RegistrationDate,
		ShowRegistrationDate: e.ShowRegistrationDate,
		CourseStartAt:        e.CourseStartAt,
		CourseEndsAt:         e.CourseEndsAt,
		CourseExpiry:         models.CourseExpiry(e.CourseStartAt, e.CourseEndsAt),
		CertIssued:           e.CertIssued,
		Deferred:             e.Deferred,
	}
	if e.AdminReportID != nil {
		report.ID = *e.AdminReportID
	}
	lessonCount := 0
	if course != nil {
		report.CourseTitle = course.Title
		report.CourseCategory = course.Category
		lessonCount = course.LessonCount
	}
	var details models.ProgressDetails
	if progress != nil {
		details = progress.Details
	}
	report.Percentage = ComputePercentage(e.Status, details, lessonCount)
	return report
}

// Heal makes sure every derived row of the enrollment exists and is pointed to.
// Rows are looked up before being created, so concurrent heals converge on one
// row per pairing.
func (s *ProgressSyncService) Heal(ctx context.Context, e *models.Enrollment) (*DerivedRows, error) {
	course, err := s.catalog.Get(ctx, e.CourseID)
	if err != nil {
		return nil, err
	}
	rows := &DerivedRows{}

	if rows.Progress, err = s.ensureProgress(ctx, e, course); err != nil {
		return nil, err
	}
	if err := s.point(ctx, e, repository.PointerCourseProgress, &e.CourseProgressID, rows.Progress.ID, rows); err != nil {
		return nil, err
	}

	if rows.Stats, err = s.ensureStats(ctx, e, rows.Progress, course); err != nil {
		return nil, err
	}
	if err := s.point(ctx, e, repository.PointerStudentCourseStats, &e.StudentCourseStatsID, rows.Stats.ID, rows); err != nil {
		return nil, err
	}

	if rows.Report, err = s.ensureReport(ctx, e, rows.Progress, course); err != nil {
		return nil, err
	}
	if err := s.point(ctx, e, repository.PointerAdminReport, &e.AdminReportID, rows.Report.ID, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *ProgressSyncService) ensureProgress(ctx context.Context, e *models.Enrollment, course *models.Course) (*models.CourseProgress, error) {
	progress, err := s.progress.FindProgress(ctx, e.StudentID, e.CourseID)
	if err == nil {
		return progress, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Internal(err, "failed to load course progress")
	}
	fresh := &models.CourseProgress{
		StudentID: e.StudentID,
		CourseID:  e.CourseID,
		Details:   models.ProgressDetails{TotalLessons: course.LessonCount, Lessons: []models.LessonProgress{}},
	}
	fresh.Percentage = ComputePercentage(e.Status, fresh.Details, course.LessonCount)
	if err := s.progress.CreateProgressIfAbsent(ctx, fresh); err != nil {
		return nil, appErrors.Internal(err, "failed to create course progress")
	}
	progress, err = s.progress.FindProgress(ctx, e.StudentID, e.CourseID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to reload course progress")
	}
	return progress, nil
}

func (s *ProgressSyncService) ensureStats(ctx context.Context, e *models.Enrollment, progress *models.CourseProgress, course *models.Course) (*models.StudentCourseStats, error) {
	stats, err := s.progress.FindStats(ctx, e.StudentID, e.CourseID)
	if err == nil {
		return stats, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Internal(err, "failed to load course statistics")
	}
	fresh := statsFor(e, progress, course)
	if err := s.progress.CreateStatsIfAbsent(ctx, &fresh); err != nil {
		return nil, appErrors.Internal(err, "failed to create course statistics")
	}
	stats, err = s.progress.FindStats(ctx, e.StudentID, e.CourseID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to reload course statistics")
	}
	return stats, nil
}

func (s *ProgressSyncService) ensureReport(ctx context.Context, e *models.Enrollment, progress *models.CourseProgress, course *models.Course) (*models.AdminReport, error) {
	report, err := s.reports.Find(ctx, e.StudentID, e.CourseID)
	if err == nil {
		return report, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Internal(err, "failed to load admin report")
	}
	fresh := BuildAdminReport(e, progress, course)
	fresh.ID = ""
	fresh.RefreshedAt = s.calendar.Now()
	if err := s.reports.Upsert(ctx, &fresh); err != nil {
		return nil, appErrors.Internal(err, "failed to create admin report")
	}
	return &fresh, nil
}

// point stores id on the enrollment when the pointer is missing.
func (s *ProgressSyncService) point(ctx context.Context, e *models.Enrollment, column string, field **string, id string, rows *DerivedRows) error {
	if *field != nil {
		return nil
	}
	written, err := s.enrollments.SetDerivedPointer(ctx, e.ID, column, id)
	if err != nil {
		return appErrors.Internal(err, "failed to heal enrollment pointer")
	}
	if written {
		s.metrics.RecordPointerHeal(column)
		s.logger.Debug("healed enrollment pointer",
			zap.String("enrollment_id", e.ID), zap.String("pointer", column), zap.String("value", id))
		rows.Healed = append(rows.Healed, column)
	}
	v := id
	*field = &v
	return nil
}

func statsFor(e *models.Enrollment, progress *models.CourseProgress, course *models.Course) models.StudentCourseStats {
	stats := models.StudentCourseStats{StudentID: e.StudentID, CourseID: e.CourseID, Status: e.Status}
	lessonCount := 0
	if course != nil {
		lessonCount = course.LessonCount
	}
	var details models.ProgressDetails
	if progress != nil {
		details = progress.Details
	}
	stats.PassedLessons = details.PassedLessons()
	stats.TotalLessons = details.TotalLessons
	if stats.TotalLessons <= 0 {
		stats.TotalLessons = lessonCount
	}
	stats.Percentage = ComputePercentage(e.Status, details, lessonCount)
	return stats
}

// Propagate recomputes progress and refreshes statistics and the reporting
// projection after an enrollment mutation.
func (s *ProgressSyncService) Propagate(ctx context.Context, e *models.Enrollment) error {
	rows, err := s.Heal(ctx, e)
	if err != nil {
		return err
	}
	course, err := s.catalog.Get(ctx, e.CourseID)
	if err != nil {
		return err
	}

	pct := ComputePercentage(e.Status, rows.Progress.Details, course.LessonCount)
	if rows.Progress.Percentage != pct {
		rows.Progress.Percentage = pct
		if err := s.progress.UpdateProgress(ctx, rows.Progress); err != nil {
			return appErrors.Internal(err, "failed to update course progress")
		}
	}

	fresh := statsFor(e, rows.Progress, course)
	fresh.ID = rows.Stats.ID
	if err := s.progress.UpdateStats(ctx, &fresh); err != nil {
		return appErrors.Internal(err, "failed to update course statistics")
	}

	report := BuildAdminReport(e, rows.Progress, course)
	report.RefreshedAt = s.calendar.Now()
	if err := s.reports.Upsert(ctx, &report); err != nil {
		return appErrors.Internal(err, "failed to refresh admin report")
	}
	return nil
}

// GetEnrollment returns an enrollment with its derived rows, healing missing pointers.
func (s *ProgressSyncService) GetEnrollment(ctx context.Context, studentID, courseID string) (*dto.EnrollmentView, error) {
	var view *dto.EnrollmentView
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		e, err := s.loadEnrollment(ctx, studentID, courseID)
		if err != nil {
			return err
		}
		rows, err := s.Heal(ctx, e)
		if err != nil {
			return err
		}
		view = &dto.EnrollmentView{Enrollment: e, Progress: rows.Progress, Report: rows.Report, Healed: rows.Healed}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// RecordLessonResult applies a lesson or quiz outcome to the progress tree.
// A passed lesson stays passed.
func (s *ProgressSyncService) RecordLessonResult(ctx context.Context, actor models.Actor, studentID, courseID, lessonID string, req dto.LessonResultRequest) (*dto.EnrollmentView, error) {
	if lessonID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "lesson id is required")
	}
	if req.Score < 0 || req.Score > 100 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "score must be between 0 and 100")
	}
	var view *dto.EnrollmentView
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		e, err := s.loadEnrollment(ctx, studentID, courseID)
		if err != nil {
			return err
		}
		if e.IsDelisted() {
			return appErrors.Clone(appErrors.ErrPreconditionFailed, "enrollment is delisted")
		}
		rows, err := s.Heal(ctx, e)
		if err != nil {
			return err
		}

		now := s.calendar.Now()
		details := &rows.Progress.Details
		idx := -1
		for i := range details.Lessons {
			if details.Lessons[i].LessonID == lessonID {
				idx = i
				break
			}
		}
		if idx < 0 {
			details.Lessons = append(details.Lessons, models.LessonProgress{LessonID: lessonID})
			idx = len(details.Lessons) - 1
		}
		lesson := &details.Lessons[idx]
		lesson.Attempts++
		if req.Score > lesson.BestScore {
			lesson.BestScore = req.Score
		}
		if req.Passed && !lesson.Passed {
			lesson.Passed = true
			lesson.CompletedAt = &now
		}
		if err := s.progress.UpdateProgress(ctx, rows.Progress); err != nil {
			return appErrors.Internal(err, "failed to update course progress")
		}
		if err := s.Propagate(ctx, e); err != nil {
			return err
		}
		s.logger.Debug("lesson result recorded",
			zap.String("actor_id", actor.ID),
			zap.String("enrollment_id", e.ID),
			zap.String("lesson_id", lessonID),
			zap.Bool("passed", req.Passed),
		)

		refreshed, err := s.Heal(ctx, e)
		if err != nil {
			return err
		}
		view = &dto.EnrollmentView{Enrollment: e, Progress: refreshed.Progress, Report: refreshed.Report}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// RebuildReport discards the reporting projection of an enrollment and derives it again.
func (s *ProgressSyncService) RebuildReport(ctx context.Context, studentID, courseID string) (*models.AdminReport, error) {
	var report *models.AdminReport
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		e, err := s.loadEnrollment(ctx, studentID, courseID)
		if err != nil {
			return err
		}
		if err := s.Propagate(ctx, e); err != nil {
			return err
		}
		report, err = s.reports.Find(ctx, studentID, courseID)
		if err != nil {
			return appErrors.Internal(err, "failed to reload admin report")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (s *ProgressSyncService) loadEnrollment(ctx context.Context, studentID, courseID string) (*models.Enrollment, error) {
	e, err := s.enrollments.FindByStudentAndCourse(ctx, studentID, courseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("student %s is not enrolled on course %s", studentID, courseID))
		}
		return nil, appErrors.Internal(err, "failed to load enrollment")
	}
	return e, nil
}
