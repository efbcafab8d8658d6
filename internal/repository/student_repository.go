package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/lms-enrollment-api/internal/models"
)

// StudentRepository manages persistence for student records.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs a StudentRepository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

// FindByID returns a student by ID.
func (r *StudentRepository) FindByID(ctx context.Context, id string) (*models.Student, error) {
	const query = `SELECT id, email, full_name, active, onboarded_at, created_at, updated_at FROM students WHERE id = $1`
	var student models.Student
	if err := conn(ctx, r.db).GetContext(ctx, &student, query, id); err != nil {
		return nil, err
	}
	return &student, nil
}

// SetOnboardedAt stamps or clears (nil) the student's onboarding timestamp.
func (r *StudentRepository) SetOnboardedAt(ctx context.Context, id string, at *time.Time) error {
	const query = `UPDATE students SET onboarded_at = $2, updated_at = $3 WHERE id = $1`
	res, err := conn(ctx, r.db).ExecContext(ctx, query, id, at, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update student onboarded_at: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update student onboarded_at: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("update student onboarded_at: student %s not found", id)
	}
	return nil
}
