package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/lms-enrollment-api/internal/models"
)

// CourseRepository reads the course catalog.
type CourseRepository struct {
	db *sqlx.DB
}

// NewCourseRepository constructs a CourseRepository.
func NewCourseRepository(db *sqlx.DB) *CourseRepository {
	return &CourseRepository{db: db}
}

// FindByID returns a catalog course by ID.
func (r *CourseRepository) FindByID(ctx context.Context, id string) (*models.Course, error) {
	const query = `SELECT id, title, category, length_days, next_course_id, next_course_after_days,
        allowed_to_next_course, is_semester_2, lesson_count, created_at FROM courses WHERE id = $1`
	var course models.Course
	if err := conn(ctx, r.db).GetContext(ctx, &course, query, id); err != nil {
		return nil, err
	}
	return &course, nil
}
