// Package rules holds practice scheduling rules: operational hours,
// holidays, and per-provider preferences. Pure data plus validation; the
// configuration collaborator supplies initial contents and persists
// updates.
package rules

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/veridianhealth/scheduling-engine/internal/schedule"
)

// DayHours is one weekday's open/close window in "HH:MM" form.
type DayHours struct {
	Open  string `json:"open"`
	Close string `json:"close"`
}

// BreakWindow is a recurring or date-specific break in "HH:MM" form.
type BreakWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// DurationLimits bounds appointment length. Zero means unset.
type DurationLimits struct {
	MinMinutes int `json:"min_minutes"`
	MaxMinutes int `json:"max_minutes"`
}

// ProviderRuleSet holds one provider's scheduling preferences. Lookups
// resolve per-type override, then provider default, then system default.
type ProviderRuleSet struct {
	DefaultBufferMinutes *int                      `json:"default_buffer_minutes,omitempty"`
	BufferByType         map[string]int            `json:"buffer_times,omitempty"`
	AllowedTypes         []string                  `json:"allowed_appointment_types,omitempty"` // nil allows all
	MinMinutes           int                       `json:"min_appointment_minutes,omitempty"`
	MaxMinutes           int                       `json:"max_appointment_minutes,omitempty"`
	DurationsByType      map[string]DurationLimits `json:"appointment_durations,omitempty"`
	Breaks               []BreakWindow             `json:"breaks,omitempty"`
	DateSpecificBreaks   map[string][]BreakWindow  `json:"date_specific_breaks,omitempty"` // keyed by "2006-01-02"
}

// Settings is the "scheduling_rules" section of the configuration
// collaborator.
type Settings struct {
	DefaultBufferMinutes   int                        `json:"default_buffer_minutes"`
	DefaultDurationMinutes int                        `json:"default_appointment_duration"`
	OperationalHours       map[string]*DayHours       `json:"operational_hours"` // keyed by lowercase weekday; nil value means closed
	PracticeHolidays       []string                   `json:"practice_holidays"` // "2006-01-02" dates
	Providers              map[string]ProviderRuleSet `json:"provider_preferences"`
}

// DefaultSettings returns the system defaults applied when the
// configuration collaborator supplies nothing.
func DefaultSettings() Settings {
	return Settings{
		DefaultBufferMinutes:   15,
		DefaultDurationMinutes: 30,
		OperationalHours: map[string]*DayHours{
			"monday":    {Open: "08:00", Close: "17:00"},
			"tuesday":   {Open: "08:00", Close: "17:00"},
			"wednesday": {Open: "08:00", Close: "17:00"},
			"thursday":  {Open: "08:00", Close: "17:00"},
			"friday":    {Open: "08:00", Close: "17:00"},
			"saturday":  {Open: "09:00", Close: "12:00"},
			"sunday":    nil,
		},
		PracticeHolidays: nil,
		Providers:        map[string]ProviderRuleSet{},
	}
}

// Persister stores updated provider rules outside the engine. Updates
// are rare and serialized by the store.
type Persister interface {
	PersistProviderRules(ctx context.Context, providerID string, rules ProviderRuleSet) error
}

// NopPersister discards updates; used when no configuration
// collaborator is attached.
type NopPersister struct{}

func (NopPersister) PersistProviderRules(context.Context, string, ProviderRuleSet) error {
	return nil
}

// Store is the validated, read-mostly rules container. All reads go
// through an RWMutex; updates swap a provider's whole rule set so
// concurrent readers never observe a partial update.
type Store struct {
	mu        sync.RWMutex
	settings  Settings
	holidays  map[string]struct{}
	persister Persister
}

// NewStore builds a store from settings, backfilling system defaults for
// anything the settings omit.
func NewStore(settings Settings, persister Persister) *Store {
	defaults := DefaultSettings()
	if settings.DefaultBufferMinutes <= 0 {
		settings.DefaultBufferMinutes = defaults.DefaultBufferMinutes
	}
	if settings.DefaultDurationMinutes <= 0 {
		settings.DefaultDurationMinutes = defaults.DefaultDurationMinutes
	}
	if settings.OperationalHours == nil {
		settings.OperationalHours = defaults.OperationalHours
	}
	if settings.Providers == nil {
		settings.Providers = map[string]ProviderRuleSet{}
	}
	if persister == nil {
		persister = NopPersister{}
	}

	holidays := make(map[string]struct{}, len(settings.PracticeHolidays))
	for _, h := range settings.PracticeHolidays {
		holidays[h] = struct{}{}
	}

	return &Store{settings: settings, holidays: holidays, persister: persister}
}

// BufferMinutes resolves the buffer for a provider and appointment type:
// per-type override, provider default, system default. Unknown providers
// get system defaults.
func (s *Store) BufferMinutes(providerID, appointmentType string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefs, ok := s.settings.Providers[providerID]
	if ok {
		if buf, ok := prefs.BufferByType[appointmentType]; ok {
			return buf
		}
		if prefs.DefaultBufferMinutes != nil {
			return *prefs.DefaultBufferMinutes
		}
	}
	return s.settings.DefaultBufferMinutes
}

// GetDurationLimits resolves min/max appointment length for a provider
// and type. Zero fields mean no bound.
func (s *Store) GetDurationLimits(providerID, appointmentType string) DurationLimits {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefs, ok := s.settings.Providers[providerID]
	if !ok {
		return DurationLimits{}
	}
	if limits, ok := prefs.DurationsByType[appointmentType]; ok {
		return limits
	}
	return DurationLimits{MinMinutes: prefs.MinMinutes, MaxMinutes: prefs.MaxMinutes}
}

// OperationalHours returns the open/close window for a date, or ok=false
// when the practice is closed: no hours for that weekday, or a practice
// holiday.
func (s *Store) OperationalHours(date time.Time) (DayHours, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, holiday := s.holidays[schedule.DateKey(date)]; holiday {
		return DayHours{}, false
	}
	hours := s.settings.OperationalHours[weekdayKey(date)]
	if hours == nil {
		return DayHours{}, false
	}
	return *hours, true
}

// IsHoliday reports whether date is an explicit practice holiday.
func (s *Store) IsHoliday(date time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.holidays[schedule.DateKey(date)]
	return ok
}

// Breaks returns the provider's break intervals materialized onto a
// date: recurring breaks plus any date-specific ones. Windows that fail
// to parse are skipped.
func (s *Store) Breaks(providerID string, date time.Time) []schedule.TimeInterval {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefs, ok := s.settings.Providers[providerID]
	if !ok {
		return nil
	}

	windows := make([]BreakWindow, 0, len(prefs.Breaks))
	windows = append(windows, prefs.Breaks...)
	windows = append(windows, prefs.DateSpecificBreaks[schedule.DateKey(date)]...)

	var intervals []schedule.TimeInterval
	for _, w := range windows {
		if iv, ok := windowOnDate(w, date); ok {
			intervals = append(intervals, iv)
		}
	}
	return intervals
}

// IsTypeAllowed reports whether the provider accepts the appointment
// type. No allow-list means all types are accepted.
func (s *Store) IsTypeAllowed(providerID, appointmentType string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefs, ok := s.settings.Providers[providerID]
	if !ok || prefs.AllowedTypes == nil {
		return true
	}
	for _, t := range prefs.AllowedTypes {
		if t == appointmentType {
			return true
		}
	}
	return false
}

// DefaultDurationMinutes returns the practice-wide default appointment
// length.
func (s *Store) DefaultDurationMinutes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.DefaultDurationMinutes
}

// ProviderRules returns a deep copy of one provider's rule set.
func (s *Store) ProviderRules(providerID string) (ProviderRuleSet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefs, ok := s.settings.Providers[providerID]
	if !ok {
		return ProviderRuleSet{}, false
	}
	return copyRuleSet(prefs), true
}

// UpdateProviderRules validates and applies a patch to one provider's
// rules, then persists the merged set. The patch is a key/value map as
// supplied by the configuration collaborator; invalid patches are
// rejected naming the first offending field and nothing is applied.
func (s *Store) UpdateProviderRules(ctx context.Context, providerID string, patch map[string]any) error {
	if strings.TrimSpace(providerID) == "" {
		return &ValidationError{Field: "provider_id", Reason: "must not be empty"}
	}
	if err := validatePatch(patch); err != nil {
		return err
	}

	s.mu.Lock()
	current := copyRuleSet(s.settings.Providers[providerID])
	merged := applyPatch(current, patch)
	s.settings.Providers[providerID] = merged
	s.mu.Unlock()

	if err := s.persister.PersistProviderRules(ctx, providerID, merged); err != nil {
		return fmt.Errorf("rules: persist provider rules: %w", err)
	}
	return nil
}

func weekdayKey(date time.Time) string {
	return strings.ToLower(date.Weekday().String())
}

// windowOnDate materializes an "HH:MM" window onto a calendar date in
// the date's location.
func windowOnDate(w BreakWindow, date time.Time) (schedule.TimeInterval, bool) {
	start, err := clockOnDate(w.Start, date)
	if err != nil {
		return schedule.TimeInterval{}, false
	}
	end, err := clockOnDate(w.End, date)
	if err != nil {
		return schedule.TimeInterval{}, false
	}
	return schedule.NewInterval(start, end)
}

func clockOnDate(clock string, date time.Time) (time.Time, error) {
	parsed, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(date.Year(), date.Month(), date.Day(),
		parsed.Hour(), parsed.Minute(), 0, 0, date.Location()), nil
}

func copyRuleSet(r ProviderRuleSet) ProviderRuleSet {
	out := r
	if r.DefaultBufferMinutes != nil {
		v := *r.DefaultBufferMinutes
		out.DefaultBufferMinutes = &v
	}
	if r.BufferByType != nil {
		out.BufferByType = make(map[string]int, len(r.BufferByType))
		for k, v := range r.BufferByType {
			out.BufferByType[k] = v
		}
	}
	if r.AllowedTypes != nil {
		out.AllowedTypes = append([]string(nil), r.AllowedTypes...)
	}
	if r.DurationsByType != nil {
		out.DurationsByType = make(map[string]DurationLimits, len(r.DurationsByType))
		for k, v := range r.DurationsByType {
			out.DurationsByType[k] = v
		}
	}
	if r.Breaks != nil {
		out.Breaks = append([]BreakWindow(nil), r.Breaks...)
	}
	if r.DateSpecificBreaks != nil {
		out.DateSpecificBreaks = make(map[string][]BreakWindow, len(r.DateSpecificBreaks))
		for k, v := range r.DateSpecificBreaks {
			out.DateSpecificBreaks[k] = append([]BreakWindow(nil), v...)
		}
	}
	return out
}
