// Package schedule defines the calendar-records domain shared by the
// scheduling engine: time intervals, per-day provider schedules, and the
// downstream client contract used to fetch schedules and create bookings.
package schedule

import (
	"context"
	"time"
)

// SlotStatus mirrors the FHIR R4 slot statuses the engine cares about.
type SlotStatus string

const (
	// SlotFree marks an open interval in a provider's day.
	SlotFree SlotStatus = "free"
	// SlotBusy marks an interval held by an existing booking.
	SlotBusy SlotStatus = "busy"
)

// TimeInterval is a half-open [Start, End) time range. Invariant: Start
// precedes End; use NewInterval to construct validated values.
type TimeInterval struct {
	Start time.Time
	End   time.Time
}

// NewInterval returns a validated interval. ok is false when the range is
// degenerate or inverted.
func NewInterval(start, end time.Time) (TimeInterval, bool) {
	if !start.Before(end) {
		return TimeInterval{}, false
	}
	return TimeInterval{Start: start, End: end}, true
}

// Overlaps reports whether two half-open intervals intersect. The test is
// symmetric and a non-degenerate interval always overlaps itself.
func (i TimeInterval) Overlaps(o TimeInterval) bool {
	return i.Start.Before(o.End) && i.End.After(o.Start)
}

// Contains reports whether o lies entirely inside i.
func (i TimeInterval) Contains(o TimeInterval) bool {
	return !o.Start.Before(i.Start) && !o.End.After(i.End)
}

// Duration returns End - Start.
func (i TimeInterval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

// ScheduleSlot is one interval in a provider's day. The engine holds a
// read-only copy; the calendar records system owns the data.
type ScheduleSlot struct {
	Interval  TimeInterval
	Status    SlotStatus
	BookingID string // set when Status is busy and the remote exposes it
}

// DaySchedule is the ordered set of slots for one provider on one date.
// Date carries only the calendar day; its clock fields are zero.
type DaySchedule struct {
	ProviderID string
	Date       time.Time
	Slots      []ScheduleSlot
}

// DateKey formats a date as the engine's canonical day key.
func DateKey(date time.Time) string {
	return date.Format("2006-01-02")
}

// DateOf truncates t to its calendar day in t's location.
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// CreateBookingRequest is the mapped request handed to the downstream
// create call. The committer owns validation and mapping; the client only
// transports it.
type CreateBookingRequest struct {
	PatientID       string
	ProviderID      string
	Start           time.Time
	End             time.Time
	DurationMinutes int
	AppointmentType string
	Reason          string
	Notes           string
	FacilityID      string
}

// BookingRecord is the downstream acknowledgement of a created booking.
type BookingRecord struct {
	RecordID     string
	Confirmation string
	CreatedAt    time.Time
}

// Client is the downstream calendar records system contract. Both
// operations are network calls bounded by the client's timeout; errors
// carry an ErrorCategory so the resilience layer can decide retries.
type Client interface {
	// FetchDaySchedule retrieves the busy/free partition of one
	// provider's day.
	FetchDaySchedule(ctx context.Context, providerID string, date time.Time) (*DaySchedule, error)

	// CreateBooking writes one appointment and returns its record id.
	CreateBooking(ctx context.Context, req CreateBookingRequest) (*BookingRecord, error)
}
