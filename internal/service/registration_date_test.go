package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveRegistrationRules(t *testing.T) {
	today := date(2024, time.May, 10)
	earlier := date(2024, time.January, 3)
	existing := RegistrationState{
		RegistrationDate:     timePtr(earlier),
		RegisteredBy:         strPtr("first-admin"),
		ShowRegistrationDate: true,
		ShowOnWidget:         true,
	}

	cases := []struct {
		name      string
		in        RegistrationInput
		rule      RegistrationRule
		wantDate  *time.Time
		wantBy    *string
		wantShown bool
	}{
		{
			name:      "end date only keeps existing",
			in:        RegistrationInput{Existing: existing, IsChargeableNow: true, Changes: FieldChanges{EndChanged: true}},
			rule:      RuleEndOnly,
			wantDate:  timePtr(earlier),
			wantBy:    strPtr("first-admin"),
			wantShown: true,
		},
		{
			name:      "created today and chargeable",
			in:        RegistrationInput{IsChargeableNow: true, Changes: FieldChanges{CreatedToday: true}},
			rule:      RuleCreatedTodayChargeable,
			wantDate:  timePtr(today),
			wantBy:    strPtr("admin-1"),
			wantShown: true,
		},
		{
			name:      "course swapped into chargeable",
			in:        RegistrationInput{Existing: existing, IsChargeableNow: true, Changes: FieldChanges{CourseChanged: true}},
			rule:      RuleCourseChangedNowChargeable,
			wantDate:  timePtr(today),
			wantBy:    strPtr("admin-1"),
			wantShown: true,
		},
		{
			name:      "start moved and now chargeable",
			in:        RegistrationInput{IsChargeableNow: true, Changes: FieldChanges{StartChanged: true}},
			rule:      RuleStartChangedNowChargeable,
			wantDate:  timePtr(today),
			wantBy:    strPtr("admin-1"),
			wantShown: true,
		},
		{
			name:      "semester 2 starting in the future",
			in:        RegistrationInput{Existing: existing, IsChargeableNow: true, IsSemester2: true, NewStart: today.AddDate(0, 1, 0), Changes: FieldChanges{WasChargeable: true}},
			rule:      RuleSemester2FutureStart,
			wantDate:  timePtr(today),
			wantBy:    strPtr("admin-1"),
			wantShown: true,
		},
		{
			name:   "changed and not chargeable clears date",
			in:     RegistrationInput{Existing: existing, Changes: FieldChanges{StartChanged: true, WasChargeable: true}},
			rule:   RuleChangedNotChargeable,
			wantBy: strPtr("admin-1"),
		},
		{
			name:      "changed and already chargeable keeps date",
			in:        RegistrationInput{Existing: existing, IsChargeableNow: true, Changes: FieldChanges{CourseChanged: true, WasChargeable: true}},
			rule:      RuleChangedAlreadyChargeable,
			wantDate:  timePtr(earlier),
			wantBy:    strPtr("first-admin"),
			wantShown: true,
		},
		{
			name:      "became chargeable",
			in:        RegistrationInput{IsChargeableNow: true},
			rule:      RuleBecameChargeable,
			wantDate:  timePtr(today),
			wantBy:    strPtr("admin-1"),
			wantShown: true,
		},
		{
			name:      "nothing relevant changed",
			in:        RegistrationInput{Existing: existing, IsChargeableNow: true, Changes: FieldChanges{WasChargeable: true}},
			rule:      RuleFallback,
			wantDate:  timePtr(earlier),
			wantBy:    strPtr("first-admin"),
			wantShown: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.in.Today = today
			tc.in.ActorID = "admin-1"
			got := ResolveRegistration(tc.in)
			assert.Equal(t, tc.rule, got.Rule)
			assert.Equal(t, tc.wantDate, got.RegistrationDate)
			assert.Equal(t, tc.wantBy, got.RegisteredBy)
			assert.Equal(t, tc.wantShown, got.ShowRegistrationDate)
			assert.Equal(t, tc.wantShown, got.ShowOnWidget)
		})
	}
}

func TestResolveRegistrationEndOnlyPreemptsBecameChargeable(t *testing.T) {
	prior := timePtr(date(2023, time.November, 1))
	got := ResolveRegistration(RegistrationInput{
		Existing:        RegistrationState{RegistrationDate: prior, RegisteredBy: strPtr("u-0"), ShowRegistrationDate: true},
		IsChargeableNow: true,
		Changes:         FieldChanges{EndChanged: true, WasChargeable: false},
		Today:           date(2024, time.May, 10),
		ActorID:         "u-1",
	})
	assert.Equal(t, RuleEndOnly, got.Rule)
	assert.Equal(t, prior, got.RegistrationDate)
	assert.Equal(t, "u-0", *got.RegisteredBy)
}

func TestResolveRegistrationRuleOrderForChargeableOverlap(t *testing.T) {
	// Chargeable before and after a start change: rule 7 applies, rule 8 never does.
	prior := timePtr(date(2023, time.November, 1))
	got := ResolveRegistration(RegistrationInput{
		Existing:        RegistrationState{RegistrationDate: prior, ShowRegistrationDate: true},
		IsChargeableNow: true,
		Changes:         FieldChanges{StartChanged: true, WasChargeable: true},
		Today:           date(2024, time.May, 10),
	})
	assert.Equal(t, RuleChangedAlreadyChargeable, got.Rule)
	assert.Equal(t, prior, got.RegistrationDate)
}

func TestResolveRegistrationSemester2PastStartFallsThrough(t *testing.T) {
	today := date(2024, time.May, 10)
	got := ResolveRegistration(RegistrationInput{
		IsChargeableNow: true,
		IsSemester2:     true,
		NewStart:        today,
		Changes:         FieldChanges{WasChargeable: true},
		Today:           today,
	})
	assert.Equal(t, RuleFallback, got.Rule)
}

func TestResolveRegistrationHiddenNeverCarriesDate(t *testing.T) {
	got := ResolveRegistration(RegistrationInput{
		Existing: RegistrationState{RegistrationDate: timePtr(date(2024, time.January, 1)), ShowRegistrationDate: false},
		Today:    date(2024, time.May, 10),
	})
	assert.Equal(t, RuleFallback, got.Rule)
	assert.Nil(t, got.RegistrationDate)
	assert.False(t, got.ShowRegistrationDate)
}

func TestResolveRegistrationIsDeterministic(t *testing.T) {
	in := RegistrationInput{
		Existing:        RegistrationState{RegistrationDate: timePtr(date(2024, time.January, 1)), ShowRegistrationDate: true},
		IsChargeableNow: true,
		NewStart:        date(2024, time.June, 1),
		Changes:         FieldChanges{StartChanged: true},
		Today:           date(2024, time.May, 10),
		ActorID:         "u-1",
	}
	first := ResolveRegistration(in)
	second := ResolveRegistration(in)
	require.Equal(t, first, second)
}

func TestRegistrationRuleString(t *testing.T) {
	assert.Equal(t, "end_only", RuleEndOnly.String())
	assert.Equal(t, "first_course", RuleFirstCourse.String())
	assert.Equal(t, "unknown", RegistrationRule(99).String())
}

func TestResolveRegistrationDoesNotAliasExisting(t *testing.T) {
	cases := []struct {
		name    string
		changes FieldChanges
		rule    RegistrationRule
	}{
		{name: "changed while already chargeable", changes: FieldChanges{CourseChanged: true, WasChargeable: true}, rule: RuleChangedAlreadyChargeable},
		{name: "end date only", changes: FieldChanges{EndChanged: true}, rule: RuleEndOnly},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			existing := RegistrationState{
				RegistrationDate:     timePtr(date(2023, time.November, 1)),
				RegisteredBy:         strPtr("first-admin"),
				ShowRegistrationDate: true,
				ShowOnWidget:         true,
			}
			got := ResolveRegistration(RegistrationInput{
				Existing:        existing,
				IsChargeableNow: true,
				Changes:         tc.changes,
				Today:           date(2024, time.May, 10),
			})
			require.Equal(t, tc.rule, got.Rule)
			require.NotNil(t, got.RegistrationDate)
			require.NotNil(t, got.RegisteredBy)

			*got.RegistrationDate = date(2030, time.January, 1)
			*got.RegisteredBy = "someone-else"

			assert.Equal(t, date(2023, time.November, 1), *existing.RegistrationDate)
			assert.Equal(t, "first-admin", *existing.RegisteredBy)
		})
	}
}
