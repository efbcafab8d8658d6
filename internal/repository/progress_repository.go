package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/lms-enrollment-api/internal/models"
)

// ProgressRepository persists course progress trees and per-enrollment statistics.
type ProgressRepository struct {
	db *sqlx.DB
}

// NewProgressRepository constructs a ProgressRepository.
func NewProgressRepository(db *sqlx.DB) *ProgressRepository {
	return &ProgressRepository{db: db}
}

// FindProgress returns the progress row for the pairing.
func (r *ProgressRepository) FindProgress(ctx context.Context, studentID, courseID string) (*models.CourseProgress, error) {
	const query = `SELECT id, student_id, course_id, percentage, details, created_at, updated_at
        FROM course_progress WHERE student_id = $1 AND course_id = $2`
	var progress models.CourseProgress
	if err := conn(ctx, r.db).GetContext(ctx, &progress, query, studentID, courseID); err != nil {
		return nil, err
	}
	return &progress, nil
}

// CreateProgressIfAbsent inserts a progress row unless the pairing already has one.
// Callers re-read the row afterwards to obtain the surviving id.
func (r *ProgressRepository) CreateProgressIfAbsent(ctx context.Context, progress *models.CourseProgress) error {
	if progress.ID == "" {
		progress.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	progress.CreatedAt = now
	progress.UpdatedAt = now
	const query = `INSERT INTO course_progress (id, student_id, course_id, percentage, details, created_at, updated_at)
        VALUES (:id, :student_id, :course_id, :percentage, :details, :created_at, :updated_at)
        ON CONFLICT (student_id, course_id) DO NOTHING`
	if _, err := conn(ctx, r.db).NamedExecContext(ctx, query, progress); err != nil {
		return fmt.Errorf("create course progress: %w", err)
	}
	return nil
}

// UpdateProgress writes percentage and details.
func (r *ProgressRepository) UpdateProgress(ctx context.Context, progress *models.CourseProgress) error {
	progress.UpdatedAt = time.Now().UTC()
	const query = `UPDATE course_progress SET percentage = :percentage, details = :details, updated_at = :updated_at WHERE id = :id`
	if _, err := conn(ctx, r.db).NamedExecContext(ctx, query, progress); err != nil {
		return fmt.Errorf("update course progress: %w", err)
	}
	return nil
}

// FindStats returns the statistics row for the pairing.
func (r *ProgressRepository) FindStats(ctx context.Context, studentID, courseID string) (*models.StudentCourseStats, error) {
	const query = `SELECT id, student_id, course_id, status, percentage, passed_lessons, total_lessons, created_at, updated_at
        FROM student_course_stats WHERE student_id = $1 AND course_id = $2`
	var stats models.StudentCourseStats
	if err := conn(ctx, r.db).GetContext(ctx, &stats, query, studentID, courseID); err != nil {
		return nil, err
	}
	return &stats, nil
}

// CreateStatsIfAbsent inserts a statistics row unless the pairing already has one.
func (r *ProgressRepository) CreateStatsIfAbsent(ctx context.Context, stats *models.StudentCourseStats) error {
	if stats.ID == "" {
		stats.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	stats.CreatedAt = now
	stats.UpdatedAt = now
	const query = `INSERT INTO student_course_stats (id, student_id, course_id, status, percentage, passed_lessons, total_lessons, created_at, updated_at)
        VALUES (:id, :student_id, :course_id, :status, :percentage, :passed_lessons, :total_lessons, :created_at, :updated_at)
        ON CONFLICT (student_id, course_id) DO NOTHING`
	if _, err := conn(ctx, r.db).NamedExecContext(ctx, query, stats); err != nil {
		return fmt.Errorf("create student course stats: %w", err)
	}
	return nil
}

// UpdateStats writes the mirrored status and counters.
func (r *ProgressRepository) UpdateStats(ctx context.Context, stats *models.StudentCourseStats) error {
	stats.UpdatedAt = time.Now().UTC()
	const query = `UPDATE student_course_stats SET status = :status, percentage = :percentage,
        passed_lessons = :passed_lessons, total_lessons = :total_lessons, updated_at = :updated_at WHERE id = :id`
	if _, err := conn(ctx, r.db).NamedExecContext(ctx, query, stats); err != nil {
		return fmt.Errorf("update student course stats: %w", err)
	}
	return nil
}
