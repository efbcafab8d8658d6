package service

import "time"

// Calendar supplies the current instant and the day boundary used for
// registration dates.
type Calendar struct {
	now func() time.Time
	loc *time.Location
}

// NewCalendar constructs a Calendar. nil arguments default to time.Now and UTC.
func NewCalendar(now func() time.Time, loc *time.Location) Calendar {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.UTC
	}
	return Calendar{now: now, loc: loc}
}

// Now returns the current instant in the calendar's location.
func (c Calendar) Now() time.Time {
	if c.now == nil {
		return time.Now().UTC()
	}
	return c.now().In(c.location())
}

// Today returns midnight of the current day.
func (c Calendar) Today() time.Time {
	return c.DateOf(c.Now())
}

// DateOf truncates t to midnight of its day in the calendar's location.
func (c Calendar) DateOf(t time.Time) time.Time {
	y, m, d := t.In(c.location()).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.location())
}

// SameDay reports whether a and b fall on the same calendar day.
func (c Calendar) SameDay(a, b time.Time) bool {
	return c.DateOf(a).Equal(c.DateOf(b))
}

func (c Calendar) location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}
