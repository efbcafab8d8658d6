package service

import "time"

// RegistrationRule identifies the branch of the registration decision table that fired.
type RegistrationRule int

// Registration rules in priority order. RuleFirstCourse is not part of the table:
// it marks a student's first, self-registered course, which never carries a date.
const (
	RuleNone RegistrationRule = iota
	RuleEndOnly
	RuleCreatedTodayChargeable
	RuleCourseChangedNowChargeable
	RuleStartChangedNowChargeable
	RuleSemester2FutureStart
	RuleChangedNotChargeable
	RuleChangedAlreadyChargeable
	RuleBecameChargeable
	RuleFallback
	RuleFirstCourse
	RuleInherited
)

var ruleNames = map[RegistrationRule]string{
	RuleNone:                       "none",
	RuleEndOnly:                    "end_only",
	RuleCreatedTodayChargeable:     "created_today_chargeable",
	RuleCourseChangedNowChargeable: "course_changed_now_chargeable",
	RuleStartChangedNowChargeable:  "start_changed_now_chargeable",
	RuleSemester2FutureStart:       "semester2_future_start",
	RuleChangedNotChargeable:       "changed_not_chargeable",
	RuleChangedAlreadyChargeable:   "changed_already_chargeable",
	RuleBecameChargeable:           "became_chargeable",
	RuleFallback:                   "fallback",
	RuleFirstCourse:                "first_course",
	RuleInherited:                  "inherited",
}

func (r RegistrationRule) String() string {
	if name, ok := ruleNames[r]; ok {
		return name
	}
	return "unknown"
}

// FieldChanges describes what an enrollment write changes.
type FieldChanges struct {
	StartChanged  bool
	EndChanged    bool
	CourseChanged bool
	CreatedToday  bool
	WasChargeable bool
}

// RegistrationState is the set of fields the resolver owns on an enrollment.
type RegistrationState struct {
	RegistrationDate     *time.Time
	RegisteredBy         *string
	ShowRegistrationDate bool
	ShowOnWidget         bool
}

// RegistrationInput carries everything the resolver needs. Today must already be
// truncated to the business day.
type RegistrationInput struct {
	Existing        RegistrationState
	IsChargeableNow bool
	IsSemester2     bool
	NewStart        time.Time
	Changes         FieldChanges
	Today           time.Time
	ActorID         string
}

// RegistrationDecision is the resolved registration state and the rule that produced it.
type RegistrationDecision struct {
	RegistrationState
	Rule RegistrationRule
}

type registrationRule struct {
	rule    RegistrationRule
	matches func(in RegistrationInput) bool
	apply   func(in RegistrationInput) RegistrationState
}

// registrationRules is evaluated top to bottom; the first match wins. Rules 7 and 8
// overlap when chargeability is true before and after, and their order decides it.
var registrationRules = []registrationRule{
	{
		rule: RuleEndOnly,
		matches: func(in RegistrationInput) bool {
			c := in.Changes
			return c.EndChanged && !c.StartChanged && !c.CourseChanged
		},
		apply: keepExisting,
	},
	{
		rule: RuleCreatedTodayChargeable,
		matches: func(in RegistrationInput) bool {
			return in.Changes.CreatedToday && in.IsChargeableNow
		},
		apply: registerToday,
	},
	{
		rule: RuleCourseChangedNowChargeable,
		matches: func(in RegistrationInput) bool {
			return in.Changes.CourseChanged && in.IsChargeableNow && !in.Changes.WasChargeable
		},
		apply: registerToday,
	},
	{
		rule: RuleStartChangedNowChargeable,
		matches: func(in RegistrationInput) bool {
			return in.Changes.StartChanged && in.IsChargeableNow && !in.Changes.WasChargeable
		},
		apply: registerToday,
	},
	{
		rule: RuleSemester2FutureStart,
		matches: func(in RegistrationInput) bool {
			return in.IsSemester2 && in.IsChargeableNow && dateAfter(in.NewStart, in.Today)
		},
		apply: registerToday,
	},
	{
		rule: RuleChangedNotChargeable,
		matches: func(in RegistrationInput) bool {
			return (in.Changes.CourseChanged || in.Changes.StartChanged) && !in.IsChargeableNow
		},
		apply: func(in RegistrationInput) RegistrationState {
			return RegistrationState{RegisteredBy: actorRef(in.ActorID)}
		},
	},
	{
		rule: RuleChangedAlreadyChargeable,
		matches: func(in RegistrationInput) bool {
			return (in.Changes.CourseChanged || in.Changes.StartChanged) && in.Changes.WasChargeable
		},
		apply: func(in RegistrationInput) RegistrationState {
			return RegistrationState{
				RegistrationDate:     copyTime(in.Existing.RegistrationDate),
				RegisteredBy:         copyString(in.Existing.RegisteredBy),
				ShowRegistrationDate: true,
				ShowOnWidget:         true,
			}
		},
	},
	{
		rule: RuleBecameChargeable,
		matches: func(in RegistrationInput) bool {
			return in.IsChargeableNow && !in.Changes.WasChargeable
		},
		apply: registerToday,
	},
}

// ResolveRegistration decides registration date, actor and visibility for one
// enrollment write. It performs no I/O and reads no clock.
func ResolveRegistration(in RegistrationInput) RegistrationDecision {
	decision := RegistrationDecision{RegistrationState: keepExisting(in), Rule: RuleFallback}
	for _, r := range registrationRules {
		if r.matches(in) {
			decision = RegistrationDecision{RegistrationState: r.apply(in), Rule: r.rule}
			break
		}
	}
	if !decision.ShowRegistrationDate {
		decision.RegistrationDate = nil
	}
	return decision
}

func keepExisting(in RegistrationInput) RegistrationState {
	return RegistrationState{
		RegistrationDate:     copyTime(in.Existing.RegistrationDate),
		RegisteredBy:         copyString(in.Existing.RegisteredBy),
		ShowRegistrationDate: in.Existing.ShowRegistrationDate,
		ShowOnWidget:         in.Existing.ShowOnWidget,
	}
}

func registerToday(in RegistrationInput) RegistrationState {
	today := in.Today
	return RegistrationState{
		RegistrationDate:     &today,
		RegisteredBy:         actorRef(in.ActorID),
		ShowRegistrationDate: true,
		ShowOnWidget:         true,
	}
}

func dateAfter(a, b time.Time) bool {
	ay, am, ad := a.In(b.Location()).Date()
	by, bm, bd := b.Date()
	return time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC).After(time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC))
}

func actorRef(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
