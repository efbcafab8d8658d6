package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "LMS Enrollment API",
        "description": "Course enrollment lifecycle, onboarding agreements and progress reporting",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "security": [{"BearerAuth": []}],
    "tags": [
        {"name": "Enrollments", "description": "Course enrollment lifecycle"},
        {"name": "Progress", "description": "Lesson results and reporting rows"},
        {"name": "Onboarding", "description": "Onboarding steps and agreement renewal"}
    ],
    "paths": {
        "/students/{studentId}/enrollments": {
            "post": {
                "tags": ["Enrollments"],
                "summary": "Enroll a student on one course",
                "parameters": [
                    {"name": "studentId", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/EnrollCourseRequest"}}
                ],
                "responses": {
                    "200": {"description": "Existing enrollment updated", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "201": {"description": "Enrollment created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "422": {"description": "Unknown course", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "put": {
                "tags": ["Enrollments"],
                "summary": "Replace a student's course set",
                "parameters": [
                    {"name": "studentId", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ReconcileCourseSetRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/students/{studentId}/enrollments/{courseId}": {
            "get": {
                "tags": ["Enrollments"],
                "summary": "Get an enrollment with its progress and report",
                "parameters": [
                    {"name": "studentId", "in": "path", "required": true, "type": "string"},
                    {"name": "courseId", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not enrolled", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/students/{studentId}/enrollments/{courseId}/report/rebuild": {
            "post": {
                "tags": ["Progress"],
                "summary": "Regenerate the reporting row of an enrollment",
                "parameters": [
                    {"name": "studentId", "in": "path", "required": true, "type": "string"},
                    {"name": "courseId", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/students/{studentId}/certificates": {
            "post": {
                "tags": ["Enrollments"],
                "summary": "Issue course certificates",
                "parameters": [
                    {"name": "studentId", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/IssueCertificateRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/students/{studentId}/courses/{courseId}/lessons/{lessonId}/result": {
            "post": {
                "tags": ["Progress"],
                "summary": "Record a lesson or quiz attempt",
                "parameters": [
                    {"name": "studentId", "in": "path", "required": true, "type": "string"},
                    {"name": "courseId", "in": "path", "required": true, "type": "string"},
                    {"name": "lessonId", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/LessonResultRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/students/{studentId}/reenrollment/check": {
            "post": {
                "tags": ["Onboarding"],
                "summary": "Check whether a new course requires agreement renewal",
                "parameters": [
                    {"name": "studentId", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ReEnrollmentCheckRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/students/{studentId}/onboarding": {
            "get": {
                "tags": ["Onboarding"],
                "summary": "Get an onboarding record",
                "parameters": [
                    {"name": "studentId", "in": "path", "required": true, "type": "string"},
                    {"name": "key", "in": "query", "required": false, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/students/{studentId}/onboarding/active-key": {
            "get": {
                "tags": ["Onboarding"],
                "summary": "Key of the onboarding record the student is working on",
                "parameters": [
                    {"name": "studentId", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/students/{studentId}/onboarding/steps/{step}": {
            "post": {
                "tags": ["Onboarding"],
                "summary": "Save a step of the onboarding flow",
                "parameters": [
                    {"name": "studentId", "in": "path", "required": true, "type": "string"},
                    {"name": "step", "in": "path", "required": true, "type": "integer", "minimum": 1, "maximum": 6},
                    {"name": "payload", "in": "body", "required": true, "schema": {"type": "object"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "412": {"description": "Record is complete", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/students/{studentId}/onboarding/{key}/steps/{step}": {
            "put": {
                "tags": ["Onboarding"],
                "summary": "Amend a step of an existing onboarding record",
                "parameters": [
                    {"name": "studentId", "in": "path", "required": true, "type": "string"},
                    {"name": "key", "in": "path", "required": true, "type": "string"},
                    {"name": "step", "in": "path", "required": true, "type": "integer", "minimum": 1, "maximum": 6},
                    {"name": "payload", "in": "body", "required": true, "schema": {"type": "object"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "EnrollmentAttributes": {
            "type": "object",
            "properties": {
                "course_start_at": {"type": "string", "format": "date-time"},
                "course_ends_at": {"type": "string", "format": "date-time"},
                "is_chargeable": {"type": "boolean"},
                "is_locked": {"type": "boolean"},
                "deferred": {"type": "boolean"},
                "replaces_course_id": {"type": "string"}
            }
        },
        "EnrollCourseRequest": {
            "type": "object",
            "required": ["course_id"],
            "properties": {
                "course_id": {"type": "string"},
                "attributes": {"$ref": "#/definitions/EnrollmentAttributes"}
            }
        },
        "ReconcileCourseSetRequest": {
            "type": "object",
            "properties": {
                "courses": {
                    "type": "array",
                    "items": {"$ref": "#/definitions/EnrollCourseRequest"}
                }
            }
        },
        "IssueCertificateRequest": {
            "type": "object",
            "required": ["course_ids"],
            "properties": {
                "course_ids": {"type": "array", "items": {"type": "string"}}
            }
        },
        "LessonResultRequest": {
            "type": "object",
            "properties": {
                "passed": {"type": "boolean"},
                "score": {"type": "number", "minimum": 0, "maximum": 100}
            }
        },
        "ReEnrollmentCheckRequest": {
            "type": "object",
            "required": ["course_id"],
            "properties": {
                "course_id": {"type": "string"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
