package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/lms-enrollment-api/internal/models"
	"github.com/noah-isme/lms-enrollment-api/pkg/database"
	appErrors "github.com/noah-isme/lms-enrollment-api/pkg/errors"
)

const enrollmentColumns = `id, student_id, course_id, status, is_chargeable, is_locked, is_main_course, is_semester_2,
course_start_at, course_ends_at, course_expiry, registration_date, show_registration_date, show_on_widget,
registered_on_create, registered_by, deferred, deferred_details, cert_issued, cert_issued_at, cert_issued_by,
course_progress_id, admin_reports_id, student_course_stats_id, created_at, updated_at`

// Derived pointer columns that may be healed in place.
const (
	PointerCourseProgress     = "course_progress_id"
	PointerAdminReport        = "admin_reports_id"
	PointerStudentCourseStats = "student_course_stats_id"
)

var healablePointers = map[string]struct{}{
	PointerCourseProgress:     {},
	PointerAdminReport:        {},
	PointerStudentCourseStats: {},
}

// EnrollmentRepository handles persistence of enrollments.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// FindByStudentAndCourse returns the single row for the pairing, locking it when
// called inside a transaction.
func (r *EnrollmentRepository) FindByStudentAndCourse(ctx context.Context, studentID, courseID string) (*models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE student_id = $1 AND course_id = $2`
	if _, inTx := ctx.Value(txKey{}).(*sqlx.Tx); inTx {
		query += ` FOR UPDATE`
	}
	var enrollment models.Enrollment
	if err := conn(ctx, r.db).GetContext(ctx, &enrollment, query, studentID, courseID); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// List returns enrollments matching the filter ordered by creation.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, error) {
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		args = append(args, filter.StudentID)
		conditions = append(conditions, fmt.Sprintf("student_id = $%d", len(args)))
	}
	if filter.CourseID != "" {
		args = append(args, filter.CourseID)
		conditions = append(conditions, fmt.Sprintf("course_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	} else if !filter.IncludeDelist {
		args = append(args, models.EnrollmentStatusDelist)
		conditions = append(conditions, fmt.Sprintf("status <> $%d", len(args)))
	}
	if len(filter.ExcludeCourses) > 0 {
		placeholders := make([]string, len(filter.ExcludeCourses))
		for i, id := range filter.ExcludeCourses {
			args = append(args, id)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("course_id NOT IN (%s)", strings.Join(placeholders, ",")))
	}

	query := `SELECT ` + enrollmentColumns + ` FROM enrollments`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	var enrollments []models.Enrollment
	if err := conn(ctx, r.db).SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	return enrollments, nil
}

// CountOtherCourses counts the student's rows for any course other than courseID, regardless of status.
func (r *EnrollmentRepository) CountOtherCourses(ctx context.Context, studentID, courseID string) (int, error) {
	const query = `SELECT COUNT(*) FROM enrollments WHERE student_id = $1 AND course_id <> $2`
	var total int
	if err := conn(ctx, r.db).GetContext(ctx, &total, query, studentID, courseID); err != nil {
		return 0, fmt.Errorf("count student enrollments: %w", err)
	}
	return total, nil
}

// CountActiveByStudent counts the student's non-delisted enrollments.
func (r *EnrollmentRepository) CountActiveByStudent(ctx context.Context, studentID string) (int, error) {
	const query = `SELECT COUNT(*) FROM enrollments WHERE student_id = $1 AND status <> $2`
	var total int
	if err := conn(ctx, r.db).GetContext(ctx, &total, query, studentID, models.EnrollmentStatusDelist); err != nil {
		return 0, fmt.Errorf("count active enrollments: %w", err)
	}
	return total, nil
}

// Insert persists a new enrollment. A row already present for the pairing
// yields ErrDuplicateEnrollment so callers can reload and update instead.
func (r *EnrollmentRepository) Insert(ctx context.Context, enrollment *models.Enrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if enrollment.CreatedAt.IsZero() {
		enrollment.CreatedAt = now
	}
	enrollment.UpdatedAt = now
	if enrollment.Status == "" {
		enrollment.Status = models.EnrollmentStatusEnrolled
	}
	enrollment.CourseExpiry = models.CourseExpiry(enrollment.CourseStartAt, enrollment.CourseEndsAt)

	const query = `INSERT INTO enrollments (` + enrollmentInsertColumns + `)
        VALUES (` + enrollmentInsertValues + `)
        ON CONFLICT (student_id, course_id) DO NOTHING`
	res, err := conn(ctx, r.db).NamedExecContext(ctx, query, enrollment)
	if err != nil {
		if database.IsUniqueViolation(err, "") {
			return appErrors.Wrap(err, appErrors.ErrDuplicateEnrollment.Code, appErrors.ErrDuplicateEnrollment.Status, appErrors.ErrDuplicateEnrollment.Message)
		}
		return fmt.Errorf("create enrollment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	if affected == 0 {
		return appErrors.ErrDuplicateEnrollment
	}
	return nil
}

const enrollmentInsertColumns = `id, student_id, course_id, status, is_chargeable, is_locked, is_main_course, is_semester_2,
course_start_at, course_ends_at, course_expiry, registration_date, show_registration_date, show_on_widget,
registered_on_create, registered_by, deferred, deferred_details, cert_issued, cert_issued_at, cert_issued_by,
course_progress_id, admin_reports_id, student_course_stats_id, created_at, updated_at`

const enrollmentInsertValues = `:id, :student_id, :course_id, :status, :is_chargeable, :is_locked, :is_main_course, :is_semester_2,
:course_start_at, :course_ends_at, :course_expiry, :registration_date, :show_registration_date, :show_on_widget,
:registered_on_create, :registered_by, :deferred, :deferred_details, :cert_issued, :cert_issued_at, :cert_issued_by,
:course_progress_id, :admin_reports_id, :student_course_stats_id, :created_at, :updated_at`

// Update writes every mutable column of the enrollment. Derived pointers are
// left to SetDerivedPointer so a concurrent heal is never overwritten.
func (r *EnrollmentRepository) Update(ctx context.Context, enrollment *models.Enrollment) error {
	enrollment.UpdatedAt = time.Now().UTC()
	enrollment.CourseExpiry = models.CourseExpiry(enrollment.CourseStartAt, enrollment.CourseEndsAt)
	const query = `UPDATE enrollments SET
        status = :status, is_chargeable = :is_chargeable, is_locked = :is_locked,
        is_main_course = :is_main_course, is_semester_2 = :is_semester_2,
        course_start_at = :course_start_at, course_ends_at = :course_ends_at, course_expiry = :course_expiry,
        registration_date = :registration_date, show_registration_date = :show_registration_date,
        show_on_widget = :show_on_widget, registered_on_create = :registered_on_create, registered_by = :registered_by,
        deferred = :deferred, deferred_details = :deferred_details,
        cert_issued = :cert_issued, cert_issued_at = :cert_issued_at, cert_issued_by = :cert_issued_by,
        updated_at = :updated_at
        WHERE id = :id`
	if _, err := conn(ctx, r.db).NamedExecContext(ctx, query, enrollment); err != nil {
		return fmt.Errorf("update enrollment: %w", err)
	}
	return nil
}

// UpdateStatus transitions an enrollment's status.
func (r *EnrollmentRepository) UpdateStatus(ctx context.Context, id string, status models.EnrollmentStatus) error {
	const query = `UPDATE enrollments SET status = $2, updated_at = $3 WHERE id = $1`
	if _, err := conn(ctx, r.db).ExecContext(ctx, query, id, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("update enrollment status: %w", err)
	}
	return nil
}

// SetDerivedPointer stores a derived row id on the enrollment unless one is already set.
// It reports whether the pointer was written.
func (r *EnrollmentRepository) SetDerivedPointer(ctx context.Context, id, column, value string) (bool, error) {
	if _, ok := healablePointers[column]; !ok {
		return false, fmt.Errorf("unknown derived pointer column %q", column)
	}
	query := fmt.Sprintf(`UPDATE enrollments SET %[1]s = $2 WHERE id = $1 AND %[1]s IS NULL`, column)
	res, err := conn(ctx, r.db).ExecContext(ctx, query, id, value)
	if err != nil {
		return false, fmt.Errorf("set %s: %w", column, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set %s: %w", column, err)
	}
	return affected > 0, nil
}
