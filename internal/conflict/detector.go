// Package conflict checks a proposed appointment against everything
// that could collide with it: existing bookings, buffer requirements,
// operational hours, breaks and holidays, and provider scheduling
// rules. Each check degrades independently so one failing data source
// never blocks the whole evaluation.
package conflict

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/veridianhealth/scheduling-engine/internal/availability"
	"github.com/veridianhealth/scheduling-engine/internal/rules"
	"github.com/veridianhealth/scheduling-engine/internal/schedule"
	"github.com/veridianhealth/scheduling-engine/pkg/logging"
)

// Severity splits conflicts into ones that forbid booking and ones the
// caller may override.
type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityWarning  Severity = "warning"
)

// Kind names the check that produced a conflict.
type Kind string

const (
	KindExistingBooking Kind = "existing_booking"
	KindBuffer          Kind = "buffer"
	KindHours           Kind = "hours"
	KindBreak           Kind = "break"
	KindHoliday         Kind = "holiday"
	KindRules           Kind = "rules"
)

// Conflict is one finding against a candidate interval.
type Conflict struct {
	Kind        Kind                  `json:"kind"`
	Severity    Severity              `json:"severity"`
	Interval    schedule.TimeInterval `json:"interval"`
	Description string                `json:"description"`
}

// Request describes the appointment being evaluated.
type Request struct {
	ProviderID      string
	Interval        schedule.TimeInterval
	AppointmentType string
}

// Report is the aggregated result of all checks.
type Report struct {
	Conflicts []Conflict `json:"conflicts"`

	// Degraded is set when at least one check could not run and was
	// skipped. A degraded clear report is weaker than a full one.
	Degraded bool `json:"degraded"`
}

// HasConflicts reports whether any check found something.
func (r *Report) HasConflicts() bool { return len(r.Conflicts) > 0 }

// HasBlocking reports whether any conflict forbids booking outright.
func (r *Report) HasBlocking() bool {
	for _, c := range r.Conflicts {
		if c.Severity == SeverityBlocking {
			return true
		}
	}
	return false
}

// CanBook is the single answer callers act on: true unless a blocking
// conflict exists. Warnings alone do not stop a booking.
func (r *Report) CanBook() bool { return !r.HasBlocking() }

// Observer receives the outcome of each completed evaluation.
type Observer interface {
	ObserveConflictCheck(outcome string)
}

// Detector runs the conflict checks against the rules store and the
// availability cache.
type Detector struct {
	rules        *rules.Store
	availability *availability.Cache
	logger       *logging.Logger
	observer     Observer
}

// DetectorOption configures optional detector collaborators.
type DetectorOption func(*Detector)

// WithObserver wires outcome metrics into the detector.
func WithObserver(o Observer) DetectorOption {
	return func(d *Detector) { d.observer = o }
}

// NewDetector builds a detector over the given stores.
func NewDetector(ruleStore *rules.Store, cache *availability.Cache, logger *logging.Logger, opts ...DetectorOption) *Detector {
	if logger == nil {
		logger = logging.Default()
	}
	d := &Detector{
		rules:        ruleStore,
		availability: cache,
		logger:       logger.WithComponent("conflict"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Check evaluates every conflict rule for the candidate. Checks run in
// a fixed order and each failure is logged and skipped, so the report
// always reflects whatever checks could complete.
func (d *Detector) Check(ctx context.Context, req Request) (*Report, error) {
	if req.ProviderID == "" {
		return nil, fmt.Errorf("conflict: provider id is required")
	}
	if req.Interval.Duration() <= 0 {
		return nil, fmt.Errorf("conflict: interval must have positive duration")
	}

	report := &Report{}
	day, degraded := d.loadDaySchedule(ctx, req)
	report.Degraded = degraded

	checks := []struct {
		name string
		run  func() ([]Conflict, error)
	}{
		{"existing_booking", func() ([]Conflict, error) { return d.checkExistingBookings(day, req) }},
		{"buffer", func() ([]Conflict, error) { return d.checkBuffer(day, req) }},
		{"hours", func() ([]Conflict, error) { return d.checkOperationalHours(req) }},
		{"breaks", func() ([]Conflict, error) { return d.checkBreaksAndHolidays(req) }},
		{"rules", func() ([]Conflict, error) { return d.checkProviderRules(req) }},
	}

	for _, check := range checks {
		found, err := check.run()
		if err != nil {
			d.logger.Error("conflict check failed, skipping",
				"check", check.name,
				"provider", req.ProviderID,
				"error", err)
			report.Degraded = true
			continue
		}
		report.Conflicts = append(report.Conflicts, found...)
	}

	d.observeOutcome(report)
	return report, nil
}

// loadDaySchedule fetches the candidate's day once for the checks that
// need it. A fetch failure degrades the report instead of aborting.
func (d *Detector) loadDaySchedule(ctx context.Context, req Request) (*schedule.DaySchedule, bool) {
	res, err := d.availability.GetDaySchedule(ctx, req.ProviderID, req.Interval.Start)
	if err != nil {
		d.logger.Error("day schedule unavailable for conflict checks",
			"provider", req.ProviderID,
			"date", schedule.DateKey(req.Interval.Start),
			"error", err)
		return nil, true
	}
	return res.Schedule, res.Degraded
}

func (d *Detector) checkExistingBookings(day *schedule.DaySchedule, req Request) ([]Conflict, error) {
	if day == nil {
		return nil, nil
	}
	var found []Conflict
	for _, slot := range day.Slots {
		if slot.Status == schedule.SlotFree {
			continue
		}
		if slot.Interval.Overlaps(req.Interval) {
			found = append(found, Conflict{
				Kind:     KindExistingBooking,
				Severity: SeverityBlocking,
				Interval: slot.Interval,
				Description: fmt.Sprintf("overlaps an existing appointment from %s to %s",
					slot.Interval.Start.Format("15:04"), slot.Interval.End.Format("15:04")),
			})
		}
	}
	return found, nil
}

// checkBuffer flags bookings that sit closer to a neighbour than the
// required buffer. The buffer edge is exclusive: an appointment ending
// exactly buffer minutes before the candidate starts is fine.
func (d *Detector) checkBuffer(day *schedule.DaySchedule, req Request) ([]Conflict, error) {
	if day == nil {
		return nil, nil
	}
	buffer := time.Duration(d.rules.BufferMinutes(req.ProviderID, req.AppointmentType)) * time.Minute
	if buffer <= 0 {
		return nil, nil
	}

	expanded := schedule.TimeInterval{
		Start: req.Interval.Start.Add(-buffer),
		End:   req.Interval.End.Add(buffer),
	}

	var found []Conflict
	for _, slot := range day.Slots {
		if slot.Status == schedule.SlotFree {
			continue
		}
		// direct overlaps belong to the existing-booking check
		if slot.Interval.Overlaps(req.Interval) {
			continue
		}
		if !slot.Interval.Overlaps(expanded) {
			continue
		}

		side := "after"
		if slot.Interval.End.Before(req.Interval.Start) || slot.Interval.End.Equal(req.Interval.Start) {
			side = "before"
		}
		found = append(found, Conflict{
			Kind:     KindBuffer,
			Severity: SeverityWarning,
			Interval: slot.Interval,
			Description: fmt.Sprintf("less than %d minutes of buffer %s the appointment at %s",
				int(buffer.Minutes()), side, slot.Interval.Start.Format("15:04")),
		})
	}
	return found, nil
}

func (d *Detector) checkOperationalHours(req Request) ([]Conflict, error) {
	date := req.Interval.Start
	hours, open := d.rules.OperationalHours(date)
	if !open {
		weekday := strings.ToLower(date.Weekday().String())
		desc := fmt.Sprintf("the practice is closed on %s", weekday)
		if d.rules.IsHoliday(date) {
			desc = fmt.Sprintf("the practice is closed on %s (holiday)", schedule.DateKey(date))
		}
		return []Conflict{{
			Kind:        KindHours,
			Severity:    SeverityBlocking,
			Interval:    req.Interval,
			Description: desc,
		}}, nil
	}

	dayOpen, err := clockOnDate(date, hours.Open)
	if err != nil {
		return nil, fmt.Errorf("parse opening time: %w", err)
	}
	dayClose, err := clockOnDate(date, hours.Close)
	if err != nil {
		return nil, fmt.Errorf("parse closing time: %w", err)
	}

	if req.Interval.Start.Before(dayOpen) || req.Interval.End.After(dayClose) {
		return []Conflict{{
			Kind:     KindHours,
			Severity: SeverityBlocking,
			Interval: req.Interval,
			Description: fmt.Sprintf("outside operational hours (%s to %s)",
				hours.Open, hours.Close),
		}}, nil
	}
	return nil, nil
}

func (d *Detector) checkBreaksAndHolidays(req Request) ([]Conflict, error) {
	date := req.Interval.Start
	var found []Conflict

	if d.rules.IsHoliday(date) {
		found = append(found, Conflict{
			Kind:        KindHoliday,
			Severity:    SeverityBlocking,
			Interval:    req.Interval,
			Description: fmt.Sprintf("%s is a practice holiday", schedule.DateKey(date)),
		})
	}

	for _, window := range d.rules.Breaks(req.ProviderID, date) {
		if window.Overlaps(req.Interval) {
			found = append(found, Conflict{
				Kind:     KindBreak,
				Severity: SeverityBlocking,
				Interval: window,
				Description: fmt.Sprintf("falls within a scheduled break from %s to %s",
					window.Start.Format("15:04"), window.End.Format("15:04")),
			})
		}
	}
	return found, nil
}

func (d *Detector) checkProviderRules(req Request) ([]Conflict, error) {
	var found []Conflict

	if req.AppointmentType != "" && !d.rules.IsTypeAllowed(req.ProviderID, req.AppointmentType) {
		found = append(found, Conflict{
			Kind:     KindRules,
			Severity: SeverityBlocking,
			Interval: req.Interval,
			Description: fmt.Sprintf("provider does not accept %s appointments",
				req.AppointmentType),
		})
	}

	limits := d.rules.GetDurationLimits(req.ProviderID, req.AppointmentType)
	minutes := int(req.Interval.Duration().Minutes())
	if limits.MinMinutes > 0 && minutes < limits.MinMinutes {
		found = append(found, Conflict{
			Kind:     KindRules,
			Severity: SeverityWarning,
			Interval: req.Interval,
			Description: fmt.Sprintf("duration %d minutes is shorter than the %d minute minimum",
				minutes, limits.MinMinutes),
		})
	}
	if limits.MaxMinutes > 0 && minutes > limits.MaxMinutes {
		found = append(found, Conflict{
			Kind:     KindRules,
			Severity: SeverityWarning,
			Interval: req.Interval,
			Description: fmt.Sprintf("duration %d minutes exceeds the %d minute maximum",
				minutes, limits.MaxMinutes),
		})
	}
	return found, nil
}

func (d *Detector) observeOutcome(report *Report) {
	if d.observer == nil {
		return
	}
	switch {
	case report.HasBlocking():
		d.observer.ObserveConflictCheck("blocked")
	case report.HasConflicts():
		d.observer.ObserveConflictCheck("warning")
	default:
		d.observer.ObserveConflictCheck("clear")
	}
}

// clockOnDate places an HH:MM wall clock value onto a calendar date.
func clockOnDate(date time.Time, clock string) (time.Time, error) {
	parsed, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(date.Year(), date.Month(), date.Day(),
		parsed.Hour(), parsed.Minute(), 0, 0, date.Location()), nil
}
