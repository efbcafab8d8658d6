package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lms-enrollment-api/internal/middleware"
	"github.com/noah-isme/lms-enrollment-api/internal/models"
	"github.com/noah-isme/lms-enrollment-api/internal/service"
)

// Handlers groups the HTTP handlers mounted by RegisterRoutes.
type Handlers struct {
	Enrollments *EnrollmentHandler
	Onboarding  *OnboardingHandler
	Metrics     *MetricsHandler
}

// RegisterRoutes mounts the ops endpoints at the root and the enrollment API under prefix.
func RegisterRoutes(r *gin.Engine, prefix string, auth *service.AuthService, h Handlers) {
	r.GET("/health", h.Metrics.Health)
	r.GET("/ready", h.Metrics.Ready)
	r.GET("/metrics", h.Metrics.Prometheus)

	staff := []string{string(models.RoleSuperAdmin), string(models.RoleAdmin)}
	staffOrSelf := append([]string{middleware.Self, string(models.RoleTrainer)}, staff...)
	trainers := append([]string{string(models.RoleTrainer)}, staff...)

	students := r.Group(prefix + "/students/:studentId")
	students.Use(middleware.JWT(auth))
	{
		students.POST("/enrollments", middleware.RBAC(staff...), h.Enrollments.Enroll)
		students.PUT("/enrollments", middleware.RBAC(staff...), h.Enrollments.Reconcile)
		students.GET("/enrollments/:courseId", middleware.RBAC(staffOrSelf...), h.Enrollments.Get)
		students.POST("/enrollments/:courseId/report/rebuild", middleware.RBAC(staff...), h.Enrollments.RebuildReport)
		students.POST("/certificates", middleware.RBAC(trainers...), h.Enrollments.IssueCertificate)
		students.POST("/courses/:courseId/lessons/:lessonId/result", middleware.RBAC(trainers...), h.Enrollments.RecordLessonResult)

		students.POST("/reenrollment/check", middleware.RBAC(staff...), h.Onboarding.CheckReEnrollment)
		students.GET("/onboarding/active-key", middleware.RBAC(staffOrSelf...), h.Onboarding.ActiveKey)
		students.GET("/onboarding", middleware.RBAC(staffOrSelf...), h.Onboarding.GetRecord)
		students.POST("/onboarding/steps/:step", middleware.RBAC(staffOrSelf...), h.Onboarding.SaveStep)
		students.PUT("/onboarding/:key/steps/:step", middleware.RBAC(staff...), h.Onboarding.EditStep)
	}
}
