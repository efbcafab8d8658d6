package service

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lms-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/lms-enrollment-api/pkg/errors"
	"github.com/noah-isme/lms-enrollment-api/pkg/notify"
)

func TestCreateOnboardingStartsFirstRecord(t *testing.T) {
	e := newEnrollmentFixture(t)

	res, err := e.onboarding.CreateOnboarding(context.Background(), testAdmin, "s-1", 1, []byte(step1Payload))

	require.NoError(t, err)
	assert.Equal(t, "onboard", res.EnrollmentKey)
	assert.Equal(t, models.OnboardingStateBuilding, res.State)
	assert.False(t, res.Completed)
	stored := e.world.record("s-1", "onboard")
	require.NotNil(t, stored)
	assert.True(t, stored.IsActive)
	assert.Equal(t, "Leeds", stored.Value.Step1.City)
	assert.Equal(t, []string{models.AuditOnboardingStepSaved}, e.world.auditEvents())
}

func TestCreateOnboardingAllocatesKeyAfterArchivedRecords(t *testing.T) {
	e := newEnrollmentFixture(t)
	old := date(2021, time.March, 1)
	seedRecord(e.world, "s-1", "onboard", false, &old)
	seedRecord(e.world, "s-1", "onboard2", false, &old)

	res, err := e.onboarding.CreateOnboarding(context.Background(), testAdmin, "s-1", 1, []byte(step1Payload))

	require.NoError(t, err)
	assert.Equal(t, "onboard3", res.EnrollmentKey)
	assert.Equal(t, old, *e.world.record("s-1", "onboard").SignedOn())
}

func TestCreateOnboardingRejectsInvalidPayload(t *testing.T) {
	cases := []struct {
		name    string
		step    int
		payload string
	}{
		{name: "unknown step", step: 7, payload: `{}`},
		{name: "empty payload", step: 1, payload: ``},
		{name: "unknown field", step: 6, payload: `{"agreed_to_terms":true,"student_signature":"Ada","witness":"Bob"}`},
		{name: "invalid email", step: 1, payload: `{"first_name":"Ada","last_name":"L","date_of_birth":"1990-12-10","email":"nope","address_line_1":"x","city":"y","postcode":"z"}`},
		{name: "terms not agreed", step: 6, payload: `{"agreed_to_terms":false,"student_signature":"Ada"}`},
		{name: "level out of range", step: 4, payload: `{"english_level":"L9","maths_level":"E1"}`},
		{name: "malformed json", step: 2, payload: `{"employer_name":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnrollmentFixture(t)

			_, err := e.onboarding.CreateOnboarding(context.Background(), testAdmin, "s-1", tc.step, []byte(tc.payload))

			require.Error(t, err)
			assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
			assert.Empty(t, e.world.records)
		})
	}
}

func TestCreateOnboardingUnknownStudent(t *testing.T) {
	e := newEnrollmentFixture(t)

	_, err := e.onboarding.CreateOnboarding(context.Background(), testAdmin, "ghost", 1, []byte(step1Payload))

	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestCreateOnboardingSignsAgreement(t *testing.T) {
	e := newEnrollmentFixture(t)
	ctx := context.Background()
	_, err := e.onboarding.CreateOnboarding(ctx, testAdmin, "s-1", 1, []byte(step1Payload))
	require.NoError(t, err)

	res, err := e.onboarding.CreateOnboarding(ctx, testAdmin, "s-1", 6, []byte(step6Payload))

	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, models.OnboardingStateActiveComplete, res.State)
	require.NotNil(t, res.Agreement)
	assert.Equal(t, "agreements/s-1/onboard.pdf", res.Agreement.Path)
	assert.NotEmpty(t, res.Agreement.Token)
	assert.True(t, res.Agreement.ExpiresAt.After(time.Now()))

	pdf := e.world.documents["agreements/s-1/onboard.pdf"]
	assert.True(t, bytes.HasPrefix(pdf, []byte("%PDF")))

	stored := e.world.record("s-1", "onboard")
	require.NotNil(t, stored.SignedOn())
	assert.Equal(t, e.world.clock(), *stored.SignedOn())
	assert.Equal(t, "agreements/s-1/onboard.pdf", stored.Value.Step6.AgreementDocumentPath)
	assert.NotNil(t, e.world.students["s-1"].OnboardedAt)
	assert.Equal(t, []notify.TemplateKind{notify.TemplateAgreementSigned}, e.world.sentKinds())

	_, err = e.onboarding.CreateOnboarding(ctx, testAdmin, "s-1", 2,
		[]byte(`{"employer_name":"Acme","job_title":"Carer","employment_start_date":"2023-01-01","weekly_hours":30}`))
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrPreconditionFailed.Code, appErrors.FromError(err).Code)
}

func TestEditOnboarding(t *testing.T) {
	signed := date(2023, time.October, 1)

	t.Run("amends a complete record in place", func(t *testing.T) {
		e := newEnrollmentFixture(t)
		seedRecord(e.world, "s-1", "onboard", true, &signed)

		res, err := e.onboarding.EditOnboarding(context.Background(), testAdmin, "s-1", "onboard", 1, []byte(step1Payload))

		require.NoError(t, err)
		assert.Equal(t, models.OnboardingStateActiveComplete, res.State)
		stored := e.world.record("s-1", "onboard")
		assert.Equal(t, "Leeds", stored.Value.Step1.City)
		assert.Equal(t, signed, *stored.SignedOn())
	})

	t.Run("step 6 keeps the signature date", func(t *testing.T) {
		e := newEnrollmentFixture(t)
		seedRecord(e.world, "s-1", "onboard", true, &signed)

		_, err := e.onboarding.EditOnboarding(context.Background(), testAdmin, "s-1", "onboard", 6,
			[]byte(`{"agreed_to_terms":true,"student_signature":"Ada L.","trainer_signature":"T. Rainer"}`))

		require.NoError(t, err)
		stored := e.world.record("s-1", "onboard")
		assert.Equal(t, signed, *stored.SignedOn())
		assert.Equal(t, "T. Rainer", stored.Value.Step6.TrainerSignature)
		assert.Empty(t, e.world.sentKinds())
	})

	t.Run("archived records are read only", func(t *testing.T) {
		e := newEnrollmentFixture(t)
		seedRecord(e.world, "s-1", "onboard", false, &signed)

		_, err := e.onboarding.EditOnboarding(context.Background(), testAdmin, "s-1", "onboard", 1, []byte(step1Payload))

		require.Error(t, err)
		assert.Equal(t, appErrors.ErrPreconditionFailed.Code, appErrors.FromError(err).Code)
	})

	t.Run("agreement cannot be signed by editing", func(t *testing.T) {
		e := newEnrollmentFixture(t)
		seedRecord(e.world, "s-1", "onboard", true, nil)

		_, err := e.onboarding.EditOnboarding(context.Background(), testAdmin, "s-1", "onboard", 6, []byte(step6Payload))

		require.Error(t, err)
		assert.Equal(t, appErrors.ErrPreconditionFailed.Code, appErrors.FromError(err).Code)
		assert.Nil(t, e.world.record("s-1", "onboard").SignedOn())
	})

	t.Run("unknown key", func(t *testing.T) {
		e := newEnrollmentFixture(t)

		_, err := e.onboarding.EditOnboarding(context.Background(), testAdmin, "s-1", "onboard4", 1, []byte(step1Payload))

		require.Error(t, err)
		assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
	})
}
