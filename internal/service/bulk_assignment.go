package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/lms-enrollment-api/internal/dto"
	"github.com/noah-isme/lms-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/lms-enrollment-api/pkg/errors"
)

// reconcileOutcome is the result of a reconciliation made inside a transaction.
type reconcileOutcome struct {
	result  dto.ReconcileResult
	effects sideEffects
}

// BulkAssignmentCoordinator replaces a student's whole course set. Courses
// missing from the desired set are delisted.
type BulkAssignmentCoordinator struct {
	repo     enrollmentRepository
	catalog  catalogReader
	store    *EnrollmentStore
	cascade  *SemesterCascadeEngine
	renewals *ReEnrollmentService
	progress *ProgressSyncService
	metrics  *MetricsService
	logger   *zap.Logger
}

// NewBulkAssignmentCoordinator constructs a BulkAssignmentCoordinator.
func NewBulkAssignmentCoordinator(repo enrollmentRepository, catalog catalogReader, store *EnrollmentStore, cascade *SemesterCascadeEngine, renewals *ReEnrollmentService, progress *ProgressSyncService, metrics *MetricsService, logger *zap.Logger) *BulkAssignmentCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BulkAssignmentCoordinator{
		repo:     repo,
		catalog:  catalog,
		store:    store,
		cascade:  cascade,
		renewals: renewals,
		progress: progress,
		metrics:  metrics,
		logger:   logger,
	}
}

// reconcile runs inside the caller's transaction.
func (c *BulkAssignmentCoordinator) reconcile(ctx context.Context, actor models.Actor, studentID string, desired []dto.DesiredCourse) (*reconcileOutcome, error) {
	courses := make(map[string]*models.Course, len(desired))
	desiredSet := make(map[string]struct{}, len(desired))
	cascadeTargets := make(map[string]struct{})
	for _, d := range desired {
		if d.CourseID == "" {
			return nil, appErrors.Clone(appErrors.ErrValidation, "course_id is required")
		}
		if _, dup := desiredSet[d.CourseID]; dup {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("course %s listed more than once", d.CourseID))
		}
		if err := validateAttributeDates(d.Attributes); err != nil {
			return nil, err
		}
		course, err := c.catalog.Get(ctx, d.CourseID)
		if err != nil {
			return nil, err
		}
		courses[d.CourseID] = course
		desiredSet[d.CourseID] = struct{}{}
		if next := NextCourseID(course); next != "" {
			cascadeTargets[next] = struct{}{}
		}
	}

	prior, err := c.repo.List(ctx, models.EnrollmentFilter{StudentID: studentID, IncludeDelist: true})
	if err != nil {
		return nil, appErrors.Internal(err, "failed to load student enrollments")
	}
	enrolledBefore := make(map[string]struct{}, len(prior))
	for _, p := range prior {
		if !p.IsDelisted() {
			enrolledBefore[p.CourseID] = struct{}{}
		}
	}

	var (
		out     = &reconcileOutcome{result: dto.ReconcileResult{Added: []string{}, Removed: []string{}}}
		claimed = make(map[string]struct{})
		kept    = make(map[string]struct{})
		touched []*models.Enrollment
		records []*models.Enrollment
	)
	keep := func(e *models.Enrollment) {
		if _, seen := kept[e.ID]; seen {
			return
		}
		kept[e.ID] = struct{}{}
		touched = append(touched, e)
		records = append(records, e)
	}

	var firstAdded *models.Course
	for _, d := range desired {
		if _, derived := cascadeTargets[d.CourseID]; derived {
			c.logger.Debug("semester 2 course is produced by its main course",
				zap.String("student_id", studentID), zap.String("course_id", d.CourseID))
			continue
		}
		upserted, err := c.store.Upsert(ctx, UpsertParams{
			Actor:     actor,
			StudentID: studentID,
			CourseID:  d.CourseID,
			Attrs:     d.Attributes,
			Course:    courses[d.CourseID],
			Prior:     prior,
			Desired:   desiredSet,
			Claimed:   claimed,
		})
		if err != nil {
			return nil, err
		}
		keep(upserted.Enrollment)
		recordUpsertEffects(&out.effects, actor, upserted)
		c.metrics.RecordEnrollmentMutation(mutationKind(upserted), upserted.Decision.Rule)
		if upserted.Created {
			out.result.Added = append(out.result.Added, d.CourseID)
			if firstAdded == nil && !upserted.Course.IsSemester2 {
				firstAdded = upserted.Course
			}
		}

		sibling, err := c.cascade.Apply(ctx, actor, upserted.Enrollment, upserted.Course)
		if err != nil {
			return nil, err
		}
		if sibling != nil {
			keep(sibling.Sibling)
			cascaded := sibling.asUpsert()
			recordUpsertEffects(&out.effects, actor, cascaded)
			c.metrics.RecordEnrollmentMutation(mutationKind(cascaded), cascaded.Decision.Rule)
			if sibling.Created {
				out.result.Added = append(out.result.Added, sibling.Course.ID)
			}
		}
	}

	for i := range prior {
		p := &prior[i]
		if p.IsDelisted() {
			continue
		}
		if _, ok := kept[p.ID]; ok {
			continue
		}
		if err := c.store.Delist(ctx, p); err != nil {
			return nil, err
		}
		touched = append(touched, p)
		out.result.Removed = append(out.result.Removed, p.CourseID)
		out.effects.audit(actor, models.AuditEnrollmentDelisted, models.AuditSubjectEnrollment, p.ID, map[string]interface{}{
			"student_id": studentID,
			"course_id":  p.CourseID,
		})
	}
	c.metrics.RecordDelist(len(out.result.Removed))

	if firstAdded != nil {
		renewal, err := c.renewals.checkAndTrigger(ctx, actor, studentID, firstAdded, enrolledElsewhere(enrolledBefore, firstAdded.ID))
		if err != nil {
			return nil, err
		}
		out.result.RenewalTriggered = renewal.triggered
		out.result.ActiveKey = renewal.activeKey
		out.effects.merge(&renewal.effects)
	}

	for _, e := range touched {
		if err := c.progress.Propagate(ctx, e); err != nil {
			return nil, err
		}
	}

	out.result.Records = make([]models.Enrollment, 0, len(records))
	for _, e := range records {
		out.result.Records = append(out.result.Records, *e)
	}
	c.logger.Info("course set reconciled",
		zap.String("student_id", studentID),
		zap.Strings("added", out.result.Added),
		zap.Strings("removed", out.result.Removed),
		zap.Int("records", len(records)),
	)
	return out, nil
}

// enrolledElsewhere reports whether the set holds a course other than courseID.
func enrolledElsewhere(courses map[string]struct{}, courseID string) bool {
	for id := range courses {
		if id != courseID {
			return true
		}
	}
	return false
}

func (o *CascadeOutcome) asUpsert() *UpsertOutcome {
	return &UpsertOutcome{
		Enrollment:          o.Sibling,
		Course:              o.Course,
		Created:             o.Created,
		Reactivated:         o.Reactivated,
		ChargeableActivated: o.ChargeableActivated,
		Decision:            o.Decision,
	}
}
