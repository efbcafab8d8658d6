package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lms-enrollment-api/internal/dto"
	"github.com/noah-isme/lms-enrollment-api/internal/middleware"
	"github.com/noah-isme/lms-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/lms-enrollment-api/pkg/errors"
)

type responseEnvelope struct {
	Data  map[string]interface{} `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Meta map[string]interface{} `json:"meta"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) responseEnvelope {
	t.Helper()
	var envelope responseEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope
}

// newTestContext builds a gin context authenticated as the given user.
func newTestContext(method, target, body string, userID string, role models.UserRole, params gin.Params) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(method, target, strings.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")
	c.Params = params
	if userID != "" {
		c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: userID, Role: role})
	}
	return c, rec
}

type fakeEnrollmentSrv struct {
	lastActor   models.Actor
	lastStudent string
	enrollReq   dto.EnrollCourseRequest
	enrollRes   *dto.EnrollmentResult
	reconcile   dto.ReconcileCourseSetRequest
	certs       dto.IssueCertificateRequest
	view        *dto.EnrollmentView
	err         error
}

func (f *fakeEnrollmentSrv) EnrollSingleCourse(_ context.Context, actor models.Actor, studentID string, req dto.EnrollCourseRequest) (*dto.EnrollmentResult, error) {
	f.lastActor, f.lastStudent, f.enrollReq = actor, studentID, req
	return f.enrollRes, f.err
}

func (f *fakeEnrollmentSrv) ReconcileCourseSet(_ context.Context, actor models.Actor, studentID string, req dto.ReconcileCourseSetRequest) (*dto.ReconcileResult, error) {
	f.lastActor, f.lastStudent, f.reconcile = actor, studentID, req
	if f.err != nil {
		return nil, f.err
	}
	return &dto.ReconcileResult{Added: []string{"c-2"}, Removed: []string{"c-1"}}, nil
}

func (f *fakeEnrollmentSrv) IssueCertificate(_ context.Context, actor models.Actor, studentID string, req dto.IssueCertificateRequest) (*dto.CertificateResult, error) {
	f.lastActor, f.lastStudent, f.certs = actor, studentID, req
	if f.err != nil {
		return nil, f.err
	}
	return &dto.CertificateResult{Issued: req.CourseIDs, AlreadyIssued: []string{}}, nil
}

func (f *fakeEnrollmentSrv) GetEnrollment(_ context.Context, studentID, courseID string) (*dto.EnrollmentView, error) {
	f.lastStudent = studentID
	return f.view, f.err
}

type fakeProgressSrv struct {
	lesson string
	req    dto.LessonResultRequest
	err    error
}

func (f *fakeProgressSrv) RecordLessonResult(_ context.Context, _ models.Actor, studentID, courseID, lessonID string, req dto.LessonResultRequest) (*dto.EnrollmentView, error) {
	f.lesson, f.req = lessonID, req
	if f.err != nil {
		return nil, f.err
	}
	return &dto.EnrollmentView{Enrollment: &models.Enrollment{StudentID: studentID, CourseID: courseID}}, nil
}

func (f *fakeProgressSrv) RebuildReport(_ context.Context, studentID, courseID string) (*models.AdminReport, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.AdminReport{ID: "report-1", StudentID: studentID, CourseID: courseID}, nil
}

var studentParams = gin.Params{{Key: "studentId", Value: "s-1"}}

func TestEnrollmentHandlerEnrollCreated(t *testing.T) {
	srv := &fakeEnrollmentSrv{enrollRes: &dto.EnrollmentResult{
		Enrollment:       &models.Enrollment{ID: "enr-1", CourseID: "c-1"},
		Created:          true,
		RegistrationRule: "first_course",
		Warnings:         []dto.Warning{{Code: appErrors.ErrNotificationDelivery.Code, Message: "course_assigned"}},
	}}
	h := NewEnrollmentHandler(srv, &fakeProgressSrv{})
	c, rec := newTestContext(http.MethodPost, "/students/s-1/enrollments",
		`{"course_id":"c-1","attributes":{"is_chargeable":true,"course_start_at":"2024-05-10T00:00:00Z"}}`, "admin-1", models.RoleAdmin, studentParams)

	h.Enroll(c)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, models.Actor{ID: "admin-1", Role: models.RoleAdmin}, srv.lastActor)
	assert.Equal(t, "s-1", srv.lastStudent)
	assert.Equal(t, "c-1", srv.enrollReq.CourseID)
	require.NotNil(t, srv.enrollReq.Attributes.IsChargeable)
	assert.True(t, *srv.enrollReq.Attributes.IsChargeable)
	envelope := decodeEnvelope(t, rec)
	assert.Equal(t, "first_course", envelope.Data["registration_rule"])
	assert.Len(t, envelope.Data["warnings"], 1)
}

func TestEnrollmentHandlerEnrollUpdatedReturnsOK(t *testing.T) {
	srv := &fakeEnrollmentSrv{enrollRes: &dto.EnrollmentResult{Enrollment: &models.Enrollment{ID: "enr-1"}}}
	h := NewEnrollmentHandler(srv, &fakeProgressSrv{})
	c, rec := newTestContext(http.MethodPost, "/students/s-1/enrollments", `{"course_id":"c-1"}`, "admin-1", models.RoleAdmin, studentParams)

	h.Enroll(c)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEnrollmentHandlerEnrollRejects(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		userID string
		err    error
		status int
	}{
		{name: "malformed body", body: `{"course_id":`, userID: "admin-1", status: http.StatusBadRequest},
		{name: "no actor", body: `{"course_id":"c-1"}`, status: http.StatusUnauthorized},
		{name: "unknown course", body: `{"course_id":"c-9"}`, userID: "admin-1", err: appErrors.ErrUnknownCourse, status: http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewEnrollmentHandler(&fakeEnrollmentSrv{err: tc.err}, &fakeProgressSrv{})
			c, rec := newTestContext(http.MethodPost, "/students/s-1/enrollments", tc.body, tc.userID, models.RoleAdmin, studentParams)

			h.Enroll(c)

			assert.Equal(t, tc.status, rec.Code)
			assert.NotNil(t, decodeEnvelope(t, rec).Error)
		})
	}
}

func TestEnrollmentHandlerReconcile(t *testing.T) {
	srv := &fakeEnrollmentSrv{}
	h := NewEnrollmentHandler(srv, &fakeProgressSrv{})
	c, rec := newTestContext(http.MethodPut, "/students/s-1/enrollments",
		`{"courses":[{"course_id":"c-2"},{"course_id":"c-3","attributes":{"is_locked":true}}]}`, "admin-1", models.RoleAdmin, studentParams)

	h.Reconcile(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, srv.reconcile.Courses, 2)
	assert.Equal(t, "c-3", srv.reconcile.Courses[1].CourseID)
	envelope := decodeEnvelope(t, rec)
	assert.Equal(t, []interface{}{"c-1"}, envelope.Data["removed"])
}

func TestEnrollmentHandlerGetReportsHealing(t *testing.T) {
	srv := &fakeEnrollmentSrv{view: &dto.EnrollmentView{
		Enrollment: &models.Enrollment{ID: "enr-1"},
		Healed:     []string{"admin_report_id"},
	}}
	h := NewEnrollmentHandler(srv, &fakeProgressSrv{})
	params := append(gin.Params{{Key: "courseId", Value: "c-1"}}, studentParams...)
	c, rec := newTestContext(http.MethodGet, "/students/s-1/enrollments/c-1", "", "s-1", models.RoleStudent, params)

	h.Get(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{"admin_report_id"}, decodeEnvelope(t, rec).Meta["healed"])
}

func TestEnrollmentHandlerGetNotFound(t *testing.T) {
	h := NewEnrollmentHandler(&fakeEnrollmentSrv{err: appErrors.ErrNotFound}, &fakeProgressSrv{})
	c, rec := newTestContext(http.MethodGet, "/students/s-1/enrollments/c-1", "", "admin-1", models.RoleAdmin, studentParams)

	h.Get(c)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnrollmentHandlerIssueCertificate(t *testing.T) {
	srv := &fakeEnrollmentSrv{}
	h := NewEnrollmentHandler(srv, &fakeProgressSrv{})
	c, rec := newTestContext(http.MethodPost, "/students/s-1/certificates", `{"course_ids":["c-1"]}`, "trainer-1", models.RoleTrainer, studentParams)

	h.IssueCertificate(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"c-1"}, srv.certs.CourseIDs)
	assert.Equal(t, models.RoleTrainer, srv.lastActor.Role)
}

func TestEnrollmentHandlerRecordLessonResult(t *testing.T) {
	progress := &fakeProgressSrv{}
	h := NewEnrollmentHandler(&fakeEnrollmentSrv{}, progress)
	params := gin.Params{{Key: "studentId", Value: "s-1"}, {Key: "courseId", Value: "c-1"}, {Key: "lessonId", Value: "l-3"}}
	c, rec := newTestContext(http.MethodPost, "/students/s-1/courses/c-1/lessons/l-3/result", `{"passed":true,"score":88.5}`, "trainer-1", models.RoleTrainer, params)

	h.RecordLessonResult(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "l-3", progress.lesson)
	assert.Equal(t, dto.LessonResultRequest{Passed: true, Score: 88.5}, progress.req)
}

func TestEnrollmentHandlerRebuildReport(t *testing.T) {
	h := NewEnrollmentHandler(&fakeEnrollmentSrv{}, &fakeProgressSrv{})
	params := gin.Params{{Key: "studentId", Value: "s-1"}, {Key: "courseId", Value: "c-1"}}
	c, rec := newTestContext(http.MethodPost, "/students/s-1/enrollments/c-1/report/rebuild", "", "admin-1", models.RoleAdmin, params)

	h.RebuildReport(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "report-1", decodeEnvelope(t, rec).Data["id"])
}
