package service

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-enrollment-api/internal/dto"
	"github.com/noah-isme/lms-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/lms-enrollment-api/pkg/errors"
	"github.com/noah-isme/lms-enrollment-api/pkg/export"
	"github.com/noah-isme/lms-enrollment-api/pkg/notify"
	"github.com/noah-isme/lms-enrollment-api/pkg/storage"
)

type agreementRenderer interface {
	Render(doc export.AgreementDocument) ([]byte, error)
}

type documentStore interface {
	Put(relPath string, data []byte) (string, error)
}

type documentSigner interface {
	Sign(subject, relPath string) (string, storage.DocumentToken, error)
}

// OnboardingService saves onboarding steps. Creation follows the step flow of
// the student's building record; editing amends an existing record in place.
type OnboardingService struct {
	tx        txRunner
	records   onboardingRepository
	students  studentRepository
	renewals  *ReEnrollmentService
	renderer  agreementRenderer
	documents documentStore
	signer    documentSigner
	emitter   effectEmitter
	validator *validator.Validate
	calendar  Calendar
	logger    *zap.Logger
}

// NewOnboardingService constructs an OnboardingService.
func NewOnboardingService(tx txRunner, records onboardingRepository, students studentRepository, renewals *ReEnrollmentService, renderer agreementRenderer, documents documentStore, signer documentSigner, audit *AuditService, dispatcher *NotificationDispatcher, validate *validator.Validate, calendar Calendar, logger *zap.Logger) *OnboardingService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OnboardingService{
		tx:        tx,
		records:   records,
		students:  students,
		renewals:  renewals,
		renderer:  renderer,
		documents: documents,
		signer:    signer,
		emitter:   effectEmitter{audit: audit, dispatcher: dispatcher},
		validator: validate,
		calendar:  calendar,
		logger:    logger,
	}
}

// CreateOnboarding saves a step on the record the student's flow is building,
// creating the first record when none exists. Saving a signed step 6 completes
// the record.
func (s *OnboardingService) CreateOnboarding(ctx context.Context, actor models.Actor, studentID string, step int, payload json.RawMessage) (*dto.OnboardingStepResult, error) {
	apply, err := s.decodeStep(step, payload)
	if err != nil {
		return nil, err
	}
	student, err := s.loadStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}

	var (
		result dto.OnboardingStepResult
		fx     sideEffects
	)
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		record, err := s.buildingRecord(ctx, studentID)
		if err != nil {
			return err
		}
		apply(&record.Value)
		if step == 6 && record.Value.Step6.SignedOn == nil {
			signedOn := s.calendar.Now()
			record.Value.Step6.SignedOn = &signedOn
		}
		if err := s.records.UpdateValue(ctx, record); err != nil {
			return appErrors.Internal(err, "failed to save onboarding step")
		}
		fx.audit(actor, models.AuditOnboardingStepSaved, models.AuditSubjectOnboarding, record.ID, map[string]interface{}{
			"student_id":     studentID,
			"enrollment_key": record.EnrollmentKey,
			"step":           step,
			"mode":           "create",
		})

		if step == 6 && record.IsComplete() {
			link, err := s.storeAgreement(ctx, student, record)
			if err != nil {
				return err
			}
			completion, err := s.renewals.complete(ctx, actor, record)
			if err != nil {
				return err
			}
			fx.merge(&completion.effects)
			fx.notify(studentID, notify.TemplateAgreementSigned, map[string]string{
				"enrollment_key": record.EnrollmentKey,
				"signed_on":      record.Value.Step6.SignedOn.Format("02 Jan 2006"),
			})
			result.Completed = true
			result.Agreement = link
			result.ChangedFields = completion.diff.Changed
			result.AuditNote = completion.diff.Note
		}
		result.EnrollmentKey = record.EnrollmentKey
		result.Step = step
		result.State = record.State()
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Warnings = s.emitter.emit(ctx, &fx)
	return &result, nil
}

// EditOnboarding amends a step of an existing record in place. Archived records
// are read only, and an agreement can only be signed through CreateOnboarding.
func (s *OnboardingService) EditOnboarding(ctx context.Context, actor models.Actor, studentID, key string, step int, payload json.RawMessage) (*dto.OnboardingStepResult, error) {
	apply, err := s.decodeStep(step, payload)
	if err != nil {
		return nil, err
	}

	var (
		result dto.OnboardingStepResult
		fx     sideEffects
	)
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		record, err := s.records.FindByKey(ctx, studentID, key)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("onboarding record %s not found", key))
			}
			return appErrors.Internal(err, "failed to load onboarding record")
		}
		if record.State() == models.OnboardingStateArchived {
			return appErrors.Clone(appErrors.ErrPreconditionFailed, "archived onboarding records cannot be edited")
		}
		if step == 6 && !record.IsComplete() {
			return appErrors.Clone(appErrors.ErrPreconditionFailed, "the agreement must be signed through the onboarding flow")
		}

		var signed *models.Step6Agreement
		if record.Value.Step6 != nil {
			kept := *record.Value.Step6
			signed = &kept
		}
		apply(&record.Value)
		if step == 6 {
			record.Value.Step6.SignedOn = signed.SignedOn
			record.Value.Step6.AgreementDocumentPath = signed.AgreementDocumentPath
		}
		if err := s.records.UpdateValue(ctx, record); err != nil {
			return appErrors.Internal(err, "failed to save onboarding step")
		}
		fx.audit(actor, models.AuditOnboardingStepSaved, models.AuditSubjectOnboarding, record.ID, map[string]interface{}{
			"student_id":     studentID,
			"enrollment_key": record.EnrollmentKey,
			"step":           step,
			"mode":           "edit",
		})
		result = dto.OnboardingStepResult{EnrollmentKey: record.EnrollmentKey, Step: step, State: record.State()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Warnings = s.emitter.emit(ctx, &fx)
	return &result, nil
}

// buildingRecord returns the record the step flow writes to: the renewal draft,
// else the incomplete active record, else a new active record.
func (s *OnboardingService) buildingRecord(ctx context.Context, studentID string) (*models.OnboardingRecord, error) {
	draft, err := s.records.FindRenewalDraft(ctx, studentID)
	if err == nil {
		return draft, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Internal(err, "failed to load renewal draft")
	}

	active, err := s.records.FindActive(ctx, studentID)
	if err == nil {
		if active.IsComplete() {
			return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "onboarding is already complete")
		}
		return active, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Internal(err, "failed to load onboarding record")
	}

	keys, err := s.records.ListKeys(ctx, studentID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to list onboarding keys")
	}
	record := &models.OnboardingRecord{StudentID: studentID, EnrollmentKey: NextEnrollmentKey(keys), IsActive: true}
	if err := s.records.Create(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *OnboardingService) loadStudent(ctx context.Context, studentID string) (*models.Student, error) {
	student, err := s.students.FindByID(ctx, studentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Internal(err, "failed to load student")
	}
	return student, nil
}

// decodeStep parses and validates a step payload and returns a function that
// stores it on a questionnaire.
func (s *OnboardingService) decodeStep(step int, payload json.RawMessage) (func(*models.OnboardingSteps), error) {
	var (
		target interface{}
		apply  func(*models.OnboardingSteps)
	)
	switch step {
	case 1:
		v := &models.Step1PersonalDetails{}
		target, apply = v, func(st *models.OnboardingSteps) { st.Step1 = v }
	case 2:
		v := &models.Step2EmploymentDetails{}
		target, apply = v, func(st *models.OnboardingSteps) { st.Step2 = v }
	case 3:
		v := &models.Step3PriorLearning{}
		target, apply = v, func(st *models.OnboardingSteps) { st.Step3 = v }
	case 4:
		v := &models.Step4InitialAssessment{}
		target, apply = v, func(st *models.OnboardingSteps) { st.Step4 = v }
	case 5:
		v := &models.Step5Documents{}
		target, apply = v, func(st *models.OnboardingSteps) { st.Step5 = v }
	case 6:
		v := &models.Step6Agreement{}
		target, apply = v, func(st *models.OnboardingSteps) { st.Step6 = v }
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown onboarding step %d", step))
	}

	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("step %d payload is required", step))
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, fmt.Sprintf("invalid step %d payload", step))
	}
	if err := s.validator.Struct(target); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, fmt.Sprintf("invalid step %d payload", step))
	}
	return apply, nil
}

func (s *OnboardingService) storeAgreement(ctx context.Context, student *models.Student, record *models.OnboardingRecord) (*dto.AgreementDocumentLink, error) {
	if s.renderer == nil || s.documents == nil {
		return nil, nil
	}
	pdf, err := s.renderer.Render(agreementDocument(student, record))
	if err != nil {
		return nil, appErrors.Internal(err, "failed to render agreement")
	}
	path, err := s.documents.Put(fmt.Sprintf("agreements/%s/%s.pdf", record.StudentID, record.EnrollmentKey), pdf)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to store agreement")
	}
	record.Value.Step6.AgreementDocumentPath = path
	if err := s.records.UpdateValue(ctx, record); err != nil {
		return nil, appErrors.Internal(err, "failed to save agreement path")
	}

	link := &dto.AgreementDocumentLink{Path: path}
	if s.signer != nil {
		token, claims, err := s.signer.Sign(record.StudentID, path)
		if err != nil {
			s.logger.Warn("agreement link signing failed", zap.String("student_id", record.StudentID), zap.Error(err))
			return link, nil
		}
		link.Token = token
		link.ExpiresAt = claims.ExpiresAt
	}
	return link, nil
}

func agreementDocument(student *models.Student, record *models.OnboardingRecord) export.AgreementDocument {
	steps := record.Value
	doc := export.AgreementDocument{
		StudentName:   student.FullName,
		StudentID:     student.ID,
		EnrollmentKey: record.EnrollmentKey,
	}
	if signed := record.SignedOn(); signed != nil {
		doc.SignedOn = *signed
	}
	if p := steps.Step1; p != nil {
		doc.Sections = append(doc.Sections, export.AgreementSection{Title: "Personal details", Fields: []export.AgreementField{
			{Label: "Name", Value: strings.TrimSpace(p.FirstName + " " + p.LastName)},
			{Label: "Date of birth", Value: p.DateOfBirth},
			{Label: "Email", Value: p.Email},
			{Label: "Address", Value: strings.Join(nonEmpty(p.AddressLine1, p.AddressLine2, p.City, p.Postcode), ", ")},
		}})
	}
	if e := steps.Step2; e != nil {
		doc.Sections = append(doc.Sections, export.AgreementSection{Title: "Employment", Fields: []export.AgreementField{
			{Label: "Employer", Value: e.EmployerName},
			{Label: "Job title", Value: e.JobTitle},
			{Label: "Start date", Value: e.EmploymentStartDate},
			{Label: "Weekly hours", Value: strconv.Itoa(e.WeeklyHours)},
		}})
	}
	if ptr := steps.Step3; ptr != nil {
		fields := make([]export.AgreementField, 0, len(ptr.Qualifications)+1)
		for _, q := range ptr.Qualifications {
			fields = append(fields, export.AgreementField{Label: q.Title, Value: q.Level})
		}
		fields = append(fields, export.AgreementField{Label: "Reduced hours", Value: strconv.Itoa(ptr.ReducedHours)})
		doc.Sections = append(doc.Sections, export.AgreementSection{Title: "Prior learning", Fields: fields})
	}
	if a := steps.Step4; a != nil {
		doc.Sections = append(doc.Sections, export.AgreementSection{Title: "Initial assessment", Fields: []export.AgreementField{
			{Label: "English", Value: a.EnglishLevel},
			{Label: "Maths", Value: a.MathsLevel},
			{Label: "Digital", Value: a.DigitalLevel},
		}})
	}
	if sig := steps.Step6; sig != nil {
		doc.Signatories = []export.AgreementField{
			{Label: "Student", Value: sig.StudentSignature},
			{Label: "Employer", Value: sig.EmployerSignature},
			{Label: "Trainer", Value: sig.TrainerSignature},
		}
	}
	return doc
}

func nonEmpty(values ...string) []string {
	out := values[:0:0]
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}
