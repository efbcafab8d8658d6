package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lms-enrollment-api/internal/models"
)

func TestProgressRepositoryCreateIfAbsentThenFind(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewProgressRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO course_progress")).WillReturnResult(sqlmock.NewResult(0, 0))
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FROM course_progress WHERE student_id = $1 AND course_id = $2")).
		WithArgs("s1", "c1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "student_id", "course_id", "percentage", "details", "created_at", "updated_at"}).
			AddRow("existing", "s1", "c1", 50.0, []byte(`{"total_lessons":2,"lessons":[{"lesson_id":"l1","passed":true}]}`), now, now))

	ctx := context.Background()
	require.NoError(t, repo.CreateProgressIfAbsent(ctx, &models.CourseProgress{StudentID: "s1", CourseID: "c1"}))
	progress, err := repo.FindProgress(ctx, "s1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "existing", progress.ID)
	assert.Equal(t, 1, progress.Details.PassedLessons())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProgressRepositoryUpdateStats(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewProgressRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE student_course_stats SET status = ?")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateStats(context.Background(), &models.StudentCourseStats{ID: "st1", Status: models.EnrollmentStatusCompleted, Percentage: 100})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdminReportRepositoryUpsertReturnsStoredID(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAdminReportRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (student_id, course_id) DO UPDATE SET")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("stored"))

	report := &models.AdminReport{StudentID: "s1", CourseID: "c1", Status: models.EnrollmentStatusEnrolled}
	require.NoError(t, repo.Upsert(context.Background(), report))
	assert.Equal(t, "stored", report.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepositoryCreateDefaultsProperties(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAuditRepository(db)

	mock.ExpectExec("INSERT INTO audit_logs").
		WithArgs(sqlmock.AnyArg(), nil, models.AuditEnrollmentCreated, models.AuditSubjectEnrollment, "e1", []byte("{}"), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	entry := &models.AuditLog{Event: models.AuditEnrollmentCreated, Subject: models.AuditSubjectEnrollment, SubjectID: "e1"}
	require.NoError(t, repo.Create(context.Background(), entry))
	assert.NotEmpty(t, entry.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheRepositoryWithoutClientMisses(t *testing.T) {
	repo := NewCacheRepository(nil, "catalog", nil)
	var dest models.Course
	err := repo.Get(context.Background(), "course:c1", &dest)
	assert.Error(t, err)
	assert.NoError(t, repo.Set(context.Background(), "course:c1", models.Course{ID: "c1"}, time.Minute))
	assert.NoError(t, repo.Delete(context.Background(), "course:c1"))
	assert.Equal(t, "catalog:course:c1", repo.key("course:c1"))
}
