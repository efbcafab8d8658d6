package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/lms-enrollment-api/internal/models"
	"github.com/noah-isme/lms-enrollment-api/pkg/database"
	appErrors "github.com/noah-isme/lms-enrollment-api/pkg/errors"
)

const onboardingColumns = `id, student_id, enrollment_key, is_active, renews_key, value, archived_at, created_at, updated_at`

// OnboardingRepository persists versioned onboarding records.
type OnboardingRepository struct {
	db *sqlx.DB
}

// NewOnboardingRepository constructs an OnboardingRepository.
func NewOnboardingRepository(db *sqlx.DB) *OnboardingRepository {
	return &OnboardingRepository{db: db}
}

// FindActive returns the student's single active record.
func (r *OnboardingRepository) FindActive(ctx context.Context, studentID string) (*models.OnboardingRecord, error) {
	query := `SELECT ` + onboardingColumns + ` FROM onboarding_records WHERE student_id = $1 AND is_active = TRUE`
	var record models.OnboardingRecord
	if err := conn(ctx, r.db).GetContext(ctx, &record, query, studentID); err != nil {
		return nil, err
	}
	return &record, nil
}

// FindRenewalDraft returns the newest inactive, non-archived record of the student.
func (r *OnboardingRepository) FindRenewalDraft(ctx context.Context, studentID string) (*models.OnboardingRecord, error) {
	query := `SELECT ` + onboardingColumns + ` FROM onboarding_records
        WHERE student_id = $1 AND is_active = FALSE AND archived_at IS NULL
        ORDER BY created_at DESC LIMIT 1`
	var record models.OnboardingRecord
	if err := conn(ctx, r.db).GetContext(ctx, &record, query, studentID); err != nil {
		return nil, err
	}
	return &record, nil
}

// FindByKey returns a record by its enrollment key.
func (r *OnboardingRepository) FindByKey(ctx context.Context, studentID, key string) (*models.OnboardingRecord, error) {
	query := `SELECT ` + onboardingColumns + ` FROM onboarding_records WHERE student_id = $1 AND enrollment_key = $2`
	var record models.OnboardingRecord
	if err := conn(ctx, r.db).GetContext(ctx, &record, query, studentID, key); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListKeys returns every enrollment key the student has used.
func (r *OnboardingRepository) ListKeys(ctx context.Context, studentID string) ([]string, error) {
	const query = `SELECT enrollment_key FROM onboarding_records WHERE student_id = $1 ORDER BY created_at ASC`
	var keys []string
	if err := conn(ctx, r.db).SelectContext(ctx, &keys, query, studentID); err != nil {
		return nil, fmt.Errorf("list onboarding keys: %w", err)
	}
	return keys, nil
}

// Create inserts a new record. A clash on the key or on the active slot is a conflict.
func (r *OnboardingRepository) Create(ctx context.Context, record *models.OnboardingRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	record.CreatedAt = now
	record.UpdatedAt = now

	const query = `INSERT INTO onboarding_records (id, student_id, enrollment_key, is_active, renews_key, value, archived_at, created_at, updated_at)
        VALUES (:id, :student_id, :enrollment_key, :is_active, :renews_key, :value, :archived_at, :created_at, :updated_at)`
	if _, err := conn(ctx, r.db).NamedExecContext(ctx, query, record); err != nil {
		if database.IsUniqueViolation(err, "") {
			return appErrors.Wrap(err, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status, "onboarding record already exists")
		}
		return fmt.Errorf("create onboarding record: %w", err)
	}
	return nil
}

// UpdateValue overwrites the step payload of a record.
func (r *OnboardingRepository) UpdateValue(ctx context.Context, record *models.OnboardingRecord) error {
	record.UpdatedAt = time.Now().UTC()
	const query = `UPDATE onboarding_records SET value = :value, updated_at = :updated_at WHERE id = :id`
	if _, err := conn(ctx, r.db).NamedExecContext(ctx, query, record); err != nil {
		return fmt.Errorf("update onboarding record: %w", err)
	}
	return nil
}

// Archive deactivates a record and stamps archived_at. Its value is left untouched.
func (r *OnboardingRepository) Archive(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE onboarding_records SET is_active = FALSE, archived_at = $2, updated_at = $2 WHERE id = $1`
	if _, err := conn(ctx, r.db).ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("archive onboarding record: %w", err)
	}
	return nil
}

// ArchiveOtherActive archives every active record of the student except keepID
// and returns how many rows it touched.
func (r *OnboardingRepository) ArchiveOtherActive(ctx context.Context, studentID, keepID string, at time.Time) (int64, error) {
	const query = `UPDATE onboarding_records SET is_active = FALSE, archived_at = COALESCE(archived_at, $3), updated_at = $3
        WHERE student_id = $1 AND id <> $2 AND is_active = TRUE`
	res, err := conn(ctx, r.db).ExecContext(ctx, query, studentID, keepID, at)
	if err != nil {
		return 0, fmt.Errorf("archive stray onboarding records: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("archive stray onboarding records: %w", err)
	}
	return affected, nil
}

// Activate marks a record as the student's active one.
func (r *OnboardingRepository) Activate(ctx context.Context, id string) error {
	const query = `UPDATE onboarding_records SET is_active = TRUE, archived_at = NULL, updated_at = $2 WHERE id = $1`
	if _, err := conn(ctx, r.db).ExecContext(ctx, query, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("activate onboarding record: %w", err)
	}
	return nil
}
