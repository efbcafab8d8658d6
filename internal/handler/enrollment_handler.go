package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lms-enrollment-api/internal/dto"
	"github.com/noah-isme/lms-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/lms-enrollment-api/pkg/errors"
	"github.com/noah-isme/lms-enrollment-api/pkg/response"
)

type enrollmentService interface {
	EnrollSingleCourse(ctx context.Context, actor models.Actor, studentID string, req dto.EnrollCourseRequest) (*dto.EnrollmentResult, error)
	ReconcileCourseSet(ctx context.Context, actor models.Actor, studentID string, req dto.ReconcileCourseSetRequest) (*dto.ReconcileResult, error)
	IssueCertificate(ctx context.Context, actor models.Actor, studentID string, req dto.IssueCertificateRequest) (*dto.CertificateResult, error)
	GetEnrollment(ctx context.Context, studentID, courseID string) (*dto.EnrollmentView, error)
}

type progressService interface {
	RecordLessonResult(ctx context.Context, actor models.Actor, studentID, courseID, lessonID string, req dto.LessonResultRequest) (*dto.EnrollmentView, error)
	RebuildReport(ctx context.Context, studentID, courseID string) (*models.AdminReport, error)
}

// EnrollmentHandler exposes enrollment endpoints.
type EnrollmentHandler struct {
	enrollments enrollmentService
	progress    progressService
}

// NewEnrollmentHandler constructs EnrollmentHandler.
func NewEnrollmentHandler(enrollments enrollmentService, progress progressService) *EnrollmentHandler {
	return &EnrollmentHandler{enrollments: enrollments, progress: progress}
}

// Enroll godoc
// @Summary Enroll a student on one course
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param studentId path string true "Student ID"
// @Param payload body dto.EnrollCourseRequest true "Enrollment payload"
// @Success 201 {object} response.Envelope
// @Success 200 {object} response.Envelope
// @Router /students/{studentId}/enrollments [post]
func (h *EnrollmentHandler) Enroll(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req dto.EnrollCourseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.enrollments.EnrollSingleCourse(c.Request.Context(), actor, c.Param("studentId"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	if result.Created {
		response.Created(c, result)
		return
	}
	response.OK(c, result)
}

// Reconcile godoc
// @Summary Replace a student's course set
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param studentId path string true "Student ID"
// @Param payload body dto.ReconcileCourseSetRequest true "Desired course set"
// @Success 200 {object} response.Envelope
// @Router /students/{studentId}/enrollments [put]
func (h *EnrollmentHandler) Reconcile(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req dto.ReconcileCourseSetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.enrollments.ReconcileCourseSet(c.Request.Context(), actor, c.Param("studentId"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, result)
}

// Get godoc
// @Summary Get an enrollment with its progress and report
// @Tags Enrollments
// @Produce json
// @Param studentId path string true "Student ID"
// @Param courseId path string true "Course ID"
// @Success 200 {object} response.Envelope
// @Router /students/{studentId}/enrollments/{courseId} [get]
func (h *EnrollmentHandler) Get(c *gin.Context) {
	view, err := h.enrollments.GetEnrollment(c.Request.Context(), c.Param("studentId"), c.Param("courseId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	var meta map[string]interface{}
	if len(view.Healed) > 0 {
		meta = map[string]interface{}{"healed": view.Healed}
	}
	response.JSON(c, http.StatusOK, view, meta)
}

// RebuildReport godoc
// @Summary Regenerate the reporting row of an enrollment
// @Tags Enrollments
// @Produce json
// @Param studentId path string true "Student ID"
// @Param courseId path string true "Course ID"
// @Success 200 {object} response.Envelope
// @Router /students/{studentId}/enrollments/{courseId}/report/rebuild [post]
func (h *EnrollmentHandler) RebuildReport(c *gin.Context) {
	report, err := h.progress.RebuildReport(c.Request.Context(), c.Param("studentId"), c.Param("courseId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, report)
}

// IssueCertificate godoc
// @Summary Issue course certificates
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param studentId path string true "Student ID"
// @Param payload body dto.IssueCertificateRequest true "Courses to certify"
// @Success 200 {object} response.Envelope
// @Router /students/{studentId}/certificates [post]
func (h *EnrollmentHandler) IssueCertificate(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req dto.IssueCertificateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.enrollments.IssueCertificate(c.Request.Context(), actor, c.Param("studentId"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, result)
}

// RecordLessonResult godoc
// @Summary Record a lesson or quiz attempt
// @Tags Progress
// @Accept json
// @Produce json
// @Param studentId path string true "Student ID"
// @Param courseId path string true "Course ID"
// @Param lessonId path string true "Lesson ID"
// @Param payload body dto.LessonResultRequest true "Attempt outcome"
// @Success 200 {object} response.Envelope
// @Router /students/{studentId}/courses/{courseId}/lessons/{lessonId}/result [post]
func (h *EnrollmentHandler) RecordLessonResult(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req dto.LessonResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	view, err := h.progress.RecordLessonResult(c.Request.Context(), actor, c.Param("studentId"), c.Param("courseId"), c.Param("lessonId"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, view)
}
