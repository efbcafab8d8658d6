package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/lms-enrollment-api/internal/models"
)

const adminReportColumns = `id, student_id, course_id, course_title, course_category, status, is_chargeable, is_semester_2,
registration_date, show_registration_date, course_start_at, course_ends_at, course_expiry, percentage, cert_issued, deferred, refreshed_at`

// AdminReportRepository persists the admin reporting projection.
type AdminReportRepository struct {
	db *sqlx.DB
}

// NewAdminReportRepository constructs an AdminReportRepository.
func NewAdminReportRepository(db *sqlx.DB) *AdminReportRepository {
	return &AdminReportRepository{db: db}
}

// Find returns the projection row for the pairing.
func (r *AdminReportRepository) Find(ctx context.Context, studentID, courseID string) (*models.AdminReport, error) {
	query := `SELECT ` + adminReportColumns + ` FROM admin_reports WHERE student_id = $1 AND course_id = $2`
	var report models.AdminReport
	if err := conn(ctx, r.db).GetContext(ctx, &report, query, studentID, courseID); err != nil {
		return nil, err
	}
	return &report, nil
}

// Upsert writes the projection, replacing any existing row for the pairing, and
// sets report.ID to the id of the stored row.
func (r *AdminReportRepository) Upsert(ctx context.Context, report *models.AdminReport) error {
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	const query = `INSERT INTO admin_reports (` + adminReportColumns + `)
        VALUES (:id, :student_id, :course_id, :course_title, :course_category, :status, :is_chargeable, :is_semester_2,
        :registration_date, :show_registration_date, :course_start_at, :course_ends_at, :course_expiry, :percentage, :cert_issued, :deferred, :refreshed_at)
        ON CONFLICT (student_id, course_id) DO UPDATE SET
        course_title = EXCLUDED.course_title, course_category = EXCLUDED.course_category, status = EXCLUDED.status,
        is_chargeable = EXCLUDED.is_chargeable, is_semester_2 = EXCLUDED.is_semester_2,
        registration_date = EXCLUDED.registration_date, show_registration_date = EXCLUDED.show_registration_date,
        course_start_at = EXCLUDED.course_start_at, course_ends_at = EXCLUDED.course_ends_at, course_expiry = EXCLUDED.course_expiry,
        percentage = EXCLUDED.percentage, cert_issued = EXCLUDED.cert_issued, deferred = EXCLUDED.deferred,
        refreshed_at = EXCLUDED.refreshed_at
        RETURNING id`
	q := conn(ctx, r.db)
	named, args, err := sqlx.Named(query, report)
	if err != nil {
		return fmt.Errorf("upsert admin report: %w", err)
	}
	var id string
	if err := q.GetContext(ctx, &id, q.Rebind(named), args...); err != nil {
		return fmt.Errorf("upsert admin report: %w", err)
	}
	report.ID = id
	return nil
}
