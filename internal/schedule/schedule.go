// Package schedule resolves stored send rules: whether a rule is currently
// due and, for recurring rules, its next occurrence.
package schedule

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Frequency of a schedule entry.
type Frequency string

const (
	OneTime   Frequency = "one_time"
	Recurring Frequency = "recurring"
)

// Unit of a recurring entry's repeat interval.
type Unit string

const (
	Days   Unit = "days"
	Weeks  Unit = "weeks"
	Months Unit = "months"
)

// GraceWindow is how long past its instant a schedule stays due. The
// dispatch loop ticks once per minute; the window tolerates short
// scheduler downtime, but an outage longer than the window skips that
// occurrence entirely.
const GraceWindow = 5 * time.Minute

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// Entry is one pending newsletter send rule.
type Entry struct {
	ID             uuid.UUID
	NewsletterID   uuid.UUID
	UserID         uuid.UUID
	SendDate       string // YYYY-MM-DD, in the entry's timezone
	SendTime       string // HH:MM, 24-hour
	Timezone       string // IANA name
	Segment        string
	Frequency      Frequency
	RepeatInterval int
	RepeatUnit     Unit
}

// ComputationError reports unusable schedule data (bad timezone, bad
// time, unknown repeat unit). It aborts processing of that entry only.
type ComputationError struct {
	ScheduleID uuid.UUID
	Field      string
	Value      string
	Err        error
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("schedule %s: bad %s %q: %v", e.ScheduleID, e.Field, e.Value, e.Err)
}

func (e *ComputationError) Unwrap() error { return e.Err }

// OccursAt converts the entry's date, time and timezone into an absolute
// instant.
func (e *Entry) OccursAt() (time.Time, error) {
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return time.Time{}, &ComputationError{ScheduleID: e.ID, Field: "timezone", Value: e.Timezone, Err: err}
	}
	d, err := time.Parse(dateLayout, e.SendDate)
	if err != nil {
		return time.Time{}, &ComputationError{ScheduleID: e.ID, Field: "send date", Value: e.SendDate, Err: err}
	}
	t, err := time.Parse(timeLayout, e.SendTime)
	if err != nil {
		return time.Time{}, &ComputationError{ScheduleID: e.ID, Field: "send time", Value: e.SendTime, Err: err}
	}
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour(), t.Minute(), 0, 0, loc), nil
}

// DueAt reports whether the entry is due at now: the scheduled instant has
// arrived and now is still inside the grace window.
func DueAt(e *Entry, now time.Time) (bool, error) {
	at, err := e.OccursAt()
	if err != nil {
		return false, err
	}
	return !now.Before(at) && now.Before(at.Add(GraceWindow)), nil
}

// Advance returns a copy of a recurring entry moved to its next
// occurrence. The next send date is computed from the current send date,
// not from "now"; time and timezone are unchanged.
func Advance(e *Entry) (Entry, error) {
	d, err := time.Parse(dateLayout, e.SendDate)
	if err != nil {
		return Entry{}, &ComputationError{ScheduleID: e.ID, Field: "send date", Value: e.SendDate, Err: err}
	}

	interval := e.RepeatInterval
	if interval <= 0 {
		interval = 1
	}

	var next time.Time
	switch e.RepeatUnit {
	case Days:
		next = d.AddDate(0, 0, interval)
	case Weeks:
		next = d.AddDate(0, 0, 7*interval)
	case Months:
		next = d.AddDate(0, interval, 0)
	default:
		return Entry{}, &ComputationError{
			ScheduleID: e.ID, Field: "repeat unit", Value: string(e.RepeatUnit),
			Err: fmt.Errorf("must be one of days, weeks, months"),
		}
	}

	advanced := *e
	advanced.SendDate = next.Format(dateLayout)
	return advanced, nil
}
