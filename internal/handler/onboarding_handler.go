package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lms-enrollment-api/internal/dto"
	"github.com/noah-isme/lms-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/lms-enrollment-api/pkg/errors"
	"github.com/noah-isme/lms-enrollment-api/pkg/response"
)

type onboardingService interface {
	CreateOnboarding(ctx context.Context, actor models.Actor, studentID string, step int, payload json.RawMessage) (*dto.OnboardingStepResult, error)
	EditOnboarding(ctx context.Context, actor models.Actor, studentID, key string, step int, payload json.RawMessage) (*dto.OnboardingStepResult, error)
}

type renewalService interface {
	TriggerOrCheckReEnrollment(ctx context.Context, actor models.Actor, studentID, incomingCourseID string) (*dto.ReEnrollmentResult, error)
	GetActiveEnrollmentKey(ctx context.Context, studentID string) (string, error)
	GetOnboardingRecord(ctx context.Context, studentID, key string) (*dto.OnboardingRecordView, error)
}

// OnboardingHandler exposes the onboarding step flow and renewal endpoints.
type OnboardingHandler struct {
	onboarding onboardingService
	renewals   renewalService
}

// NewOnboardingHandler constructs OnboardingHandler.
func NewOnboardingHandler(onboarding onboardingService, renewals renewalService) *OnboardingHandler {
	return &OnboardingHandler{onboarding: onboarding, renewals: renewals}
}

// CheckReEnrollment godoc
// @Summary Check whether a new course requires agreement renewal
// @Tags Onboarding
// @Accept json
// @Produce json
// @Param studentId path string true "Student ID"
// @Param payload body dto.ReEnrollmentCheckRequest true "Incoming course"
// @Success 200 {object} response.Envelope
// @Router /students/{studentId}/reenrollment/check [post]
func (h *OnboardingHandler) CheckReEnrollment(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req dto.ReEnrollmentCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CourseID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "course_id is required"))
		return
	}
	result, err := h.renewals.TriggerOrCheckReEnrollment(c.Request.Context(), actor, c.Param("studentId"), req.CourseID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, result)
}

// ActiveKey godoc
// @Summary Key of the onboarding record the student is working on
// @Tags Onboarding
// @Produce json
// @Param studentId path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Router /students/{studentId}/onboarding/active-key [get]
func (h *OnboardingHandler) ActiveKey(c *gin.Context) {
	key, err := h.renewals.GetActiveEnrollmentKey(c.Request.Context(), c.Param("studentId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"enrollment_key": key})
}

// GetRecord godoc
// @Summary Get an onboarding record
// @Tags Onboarding
// @Produce json
// @Param studentId path string true "Student ID"
// @Param key query string false "Enrollment key, defaults to the active one"
// @Success 200 {object} response.Envelope
// @Router /students/{studentId}/onboarding [get]
func (h *OnboardingHandler) GetRecord(c *gin.Context) {
	view, err := h.renewals.GetOnboardingRecord(c.Request.Context(), c.Param("studentId"), c.Query("key"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, view)
}

// SaveStep godoc
// @Summary Save a step of the onboarding flow
// @Tags Onboarding
// @Accept json
// @Produce json
// @Param studentId path string true "Student ID"
// @Param step path int true "Step number (1-6)"
// @Success 200 {object} response.Envelope
// @Router /students/{studentId}/onboarding/steps/{step} [post]
func (h *OnboardingHandler) SaveStep(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	step, err := stepParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	payload, err := c.GetRawData()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.onboarding.CreateOnboarding(c.Request.Context(), actor, c.Param("studentId"), step, payload)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, result)
}

// EditStep godoc
// @Summary Amend a step of an existing onboarding record
// @Tags Onboarding
// @Accept json
// @Produce json
// @Param studentId path string true "Student ID"
// @Param key path string true "Enrollment key"
// @Param step path int true "Step number (1-6)"
// @Success 200 {object} response.Envelope
// @Router /students/{studentId}/onboarding/{key}/steps/{step} [put]
func (h *OnboardingHandler) EditStep(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	step, err := stepParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	payload, err := c.GetRawData()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.onboarding.EditOnboarding(c.Request.Context(), actor, c.Param("studentId"), c.Param("key"), step, payload)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, result)
}
