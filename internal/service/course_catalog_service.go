package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/lms-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/lms-enrollment-api/pkg/errors"
)

type courseRepository interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
}

type courseCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// CourseCatalogService is a read-through cache over the course catalog.
type CourseCatalogService struct {
	courses courseRepository
	cache   courseCache
	ttl     time.Duration
	metrics *MetricsService
	logger  *zap.Logger
}

// NewCourseCatalogService constructs the catalog. cache may be nil.
func NewCourseCatalogService(courses courseRepository, cache courseCache, ttl time.Duration, metrics *MetricsService, logger *zap.Logger) *CourseCatalogService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CourseCatalogService{courses: courses, cache: cache, ttl: ttl, metrics: metrics, logger: logger}
}

func courseCacheKey(id string) string {
	return "course:" + id
}

// Get returns a catalog course. A missing course is ErrUnknownCourse.
func (s *CourseCatalogService) Get(ctx context.Context, courseID string) (*models.Course, error) {
	if courseID == "" {
		return nil, appErrors.Clone(appErrors.ErrUnknownCourse, "course id is required")
	}
	if s.cache != nil {
		start := time.Now()
		var cached models.Course
		err := s.cache.Get(ctx, courseCacheKey(courseID), &cached)
		hit := err == nil
		s.metrics.RecordCacheOperation(hit, time.Since(start))
		if hit {
			return &cached, nil
		}
		if !errors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("catalog cache read failed", zap.String("course_id", courseID), zap.Error(err))
		}
	}

	course, err := s.courses.FindByID(ctx, courseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnknownCourse, fmt.Sprintf("course %s not found", courseID))
		}
		return nil, appErrors.Internal(err, "failed to load course")
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, courseCacheKey(courseID), course, s.ttl); err != nil {
			s.logger.Warn("catalog cache write failed", zap.String("course_id", courseID), zap.Error(err))
		}
	}
	return course, nil
}

// Invalidate drops cached entries for the given courses.
func (s *CourseCatalogService) Invalidate(ctx context.Context, courseIDs ...string) error {
	if s.cache == nil || len(courseIDs) == 0 {
		return nil
	}
	keys := make([]string, len(courseIDs))
	for i, id := range courseIDs {
		keys[i] = courseCacheKey(id)
	}
	return s.cache.Delete(ctx, keys...)
}
