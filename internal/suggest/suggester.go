// Package suggest generates ranked alternative appointment times when
// a requested slot cannot be booked. Four search strategies run in
// sequence, every candidate is re-validated through the conflict
// detector, and results are deduplicated, scored, and formatted for
// voice and display surfaces.
package suggest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/veridianhealth/scheduling-engine/internal/availability"
	"github.com/veridianhealth/scheduling-engine/internal/conflict"
	"github.com/veridianhealth/scheduling-engine/internal/rules"
	"github.com/veridianhealth/scheduling-engine/internal/schedule"
	"github.com/veridianhealth/scheduling-engine/pkg/logging"
)

// Strategy tags which search produced a suggestion.
type Strategy string

const (
	StrategySameDay       Strategy = "same_day"
	StrategySameTime      Strategy = "same_time"
	StrategyNearby        Strategy = "nearby"
	StrategyNextAvailable Strategy = "next_available"
)

const (
	DefaultMaxSuggestions = 5
	DefaultSearchDays     = 14

	// nearby-time candidates stay within these wall-clock bounds
	nearbyEarliestHour = 7
	nearbyLatestHour   = 19
)

// Suggestion is one ranked alternative time.
type Suggestion struct {
	Interval     schedule.TimeInterval `json:"interval"`
	RankingScore float64               `json:"ranking_score"`
	Strategy     Strategy              `json:"strategy"`
	Reason       string                `json:"reason"`

	// presentation fields, filled after ranking
	VoiceFriendlyTime string `json:"voice_friendly_time"`
	DisplayTime       string `json:"display_time"`
	TimeCategory      string `json:"time_category"`
	Rank              int    `json:"rank"`
}

// Request describes the slot that could not be booked.
type Request struct {
	ProviderID      string
	Interval        schedule.TimeInterval
	AppointmentType string

	// MaxSuggestions and SearchDays fall back to the package defaults
	// when zero.
	MaxSuggestions int
	SearchDays     int
}

// Observer receives the size of each generated suggestion list.
type Observer interface {
	ObserveSuggestions(count int)
}

// Suggester searches for alternative times around a rejected slot.
type Suggester struct {
	detector     *conflict.Detector
	availability *availability.Cache
	rules        *rules.Store
	logger       *logging.Logger
	observer     Observer
	now          func() time.Time
}

// SuggesterOption configures optional collaborators.
type SuggesterOption func(*Suggester)

// WithObserver wires suggestion metrics into the suggester.
func WithObserver(o Observer) SuggesterOption {
	return func(s *Suggester) { s.observer = o }
}

// WithClock overrides the wall clock used for relative phrasing like
// "today" and "tomorrow".
func WithClock(now func() time.Time) SuggesterOption {
	return func(s *Suggester) { s.now = now }
}

// NewSuggester builds a suggester over the detector and the stores it
// searches with.
func NewSuggester(detector *conflict.Detector, cache *availability.Cache, ruleStore *rules.Store, logger *logging.Logger, opts ...SuggesterOption) *Suggester {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Suggester{
		detector:     detector,
		availability: cache,
		rules:        ruleStore,
		logger:       logger.WithComponent("suggest"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Suggest runs the four strategies in order, stopping early once
// enough candidates are collected. Same-day search always runs; the
// later strategies only fill remaining capacity. Every returned entry
// has passed a fresh conflict check.
func (s *Suggester) Suggest(ctx context.Context, req Request) ([]Suggestion, error) {
	if req.ProviderID == "" {
		return nil, fmt.Errorf("suggest: provider id is required")
	}
	if req.Interval.Duration() <= 0 {
		return nil, fmt.Errorf("suggest: interval must have positive duration")
	}
	if req.MaxSuggestions <= 0 {
		req.MaxSuggestions = DefaultMaxSuggestions
	}
	if req.SearchDays <= 0 {
		req.SearchDays = DefaultSearchDays
	}

	var candidates []Suggestion
	candidates = append(candidates, s.sameDayTimes(ctx, req)...)
	if len(candidates) < req.MaxSuggestions {
		candidates = append(candidates, s.sameTimeDifferentDays(ctx, req)...)
	}
	if len(candidates) < req.MaxSuggestions {
		candidates = append(candidates, s.nearbyTimesAndDays(ctx, req)...)
	}
	if len(candidates) < req.MaxSuggestions {
		candidates = append(candidates, s.nextAvailableSlot(ctx, req)...)
	}

	unique := dedupeByStart(candidates)
	sort.SliceStable(unique, func(i, j int) bool {
		return unique[i].RankingScore > unique[j].RankingScore
	})
	if len(unique) > req.MaxSuggestions {
		unique = unique[:req.MaxSuggestions]
	}

	s.addPresentation(unique)
	if s.observer != nil {
		s.observer.ObserveSuggestions(len(unique))
	}
	return unique, nil
}

// sameDayTimes enumerates free gaps on the requested date and scores
// them by proximity to the requested time.
func (s *Suggester) sameDayTimes(ctx context.Context, req Request) []Suggestion {
	duration := req.Interval.Duration()

	res, err := s.availability.GetDaySchedule(ctx, req.ProviderID, req.Interval.Start)
	if err != nil {
		s.logger.Warn("same-day search skipped", "provider", req.ProviderID, "error", err)
		return nil
	}

	window, ok := s.operationalWindow(req.Interval.Start)
	if !ok {
		return nil
	}

	var found []Suggestion
	for _, gap := range availability.FreeGaps(res.Schedule, window, duration, time.Time{}) {
		if gap.Start.Equal(req.Interval.Start) {
			continue
		}
		if !s.passesFreshCheck(ctx, req, gap) {
			continue
		}

		diff := gap.Start.Sub(req.Interval.Start)
		if diff < 0 {
			diff = -diff
		}
		proximity := 1.0 - diff.Hours()/8.0
		if proximity < 0 {
			proximity = 0
		}
		score := 0.8 + proximity*0.15 + timePreferenceBonus(gap.Start)

		found = append(found, Suggestion{
			Interval:     gap,
			RankingScore: score,
			Strategy:     StrategySameDay,
			Reason:       fmt.Sprintf("Same day, %s from requested time", formatTimeDifference(diff)),
		})
	}
	return found
}

// sameTimeDifferentDays walks the search window forward keeping the
// identical wall-clock time.
func (s *Suggester) sameTimeDifferentDays(ctx context.Context, req Request) []Suggestion {
	duration := req.Interval.Duration()
	var found []Suggestion

	for daysAhead := 1; daysAhead <= req.SearchDays; daysAhead++ {
		start := req.Interval.Start.AddDate(0, 0, daysAhead)
		candidate, ok := schedule.NewInterval(start, start.Add(duration))
		if !ok {
			continue
		}
		if !s.passesFreshCheck(ctx, req, candidate) {
			continue
		}

		score := 0.9 - 0.05*float64(daysAhead)
		if score < 0.1 {
			score = 0.1
		}
		score += weekdayBonus(start)

		found = append(found, Suggestion{
			Interval:     candidate,
			RankingScore: score,
			Strategy:     StrategySameTime,
			Reason:       fmt.Sprintf("Same time on %s", start.Format("Monday, January 02")),
		})
	}
	return found
}

// nearbyTimesAndDays tries small hour offsets over the next week.
func (s *Suggester) nearbyTimesAndDays(ctx context.Context, req Request) []Suggestion {
	duration := req.Interval.Duration()
	offsets := []int{-2, -1, 1, 2}

	maxDays := req.SearchDays
	if maxDays > 7 {
		maxDays = 7
	}

	var found []Suggestion
	for daysAhead := 1; daysAhead <= maxDays; daysAhead++ {
		base := req.Interval.Start.AddDate(0, 0, daysAhead)

		for _, hourOffset := range offsets {
			start := base.Add(time.Duration(hourOffset) * time.Hour)
			end := start.Add(duration)
			if start.Hour() < nearbyEarliestHour || end.After(clockHour(end, nearbyLatestHour)) {
				continue
			}

			candidate, ok := schedule.NewInterval(start, end)
			if !ok {
				continue
			}
			if !s.passesFreshCheck(ctx, req, candidate) {
				continue
			}

			offset := hourOffset
			if offset < 0 {
				offset = -offset
			}
			score := 0.7 - 0.05*float64(daysAhead) - 0.03*float64(offset)
			if score < 0.1 {
				score = 0.1
			}

			found = append(found, Suggestion{
				Interval:     candidate,
				RankingScore: score,
				Strategy:     StrategyNearby,
				Reason:       start.Format("Monday, January 02 at 03:04 PM"),
			})
		}
	}
	return found
}

// nextAvailableSlot is the fallback: the first bookable gap anywhere
// in the search window.
func (s *Suggester) nextAvailableSlot(ctx context.Context, req Request) []Suggestion {
	duration := req.Interval.Duration()

	for daysAhead := 0; daysAhead <= req.SearchDays; daysAhead++ {
		date := req.Interval.Start.AddDate(0, 0, daysAhead)
		window, ok := s.operationalWindow(date)
		if !ok {
			continue
		}

		var earliest time.Time
		if daysAhead == 0 {
			earliest = req.Interval.Start
		}

		res, err := s.availability.GetDaySchedule(ctx, req.ProviderID, date)
		if err != nil {
			s.logger.Warn("next-available search skipped a day",
				"provider", req.ProviderID,
				"date", schedule.DateKey(date),
				"error", err)
			continue
		}

		for _, gap := range availability.FreeGaps(res.Schedule, window, duration, earliest) {
			if gap.Start.Equal(req.Interval.Start) {
				continue
			}
			if !s.passesFreshCheck(ctx, req, gap) {
				continue
			}

			score := 0.5 - 0.02*float64(daysAhead)
			if score < 0.1 {
				score = 0.1
			}
			return []Suggestion{{
				Interval:     gap,
				RankingScore: score,
				Strategy:     StrategyNextAvailable,
				Reason: fmt.Sprintf("Next available appointment on %s",
					gap.Start.Format("Monday, January 02 at 03:04 PM")),
			}}
		}
	}
	return nil
}

// passesFreshCheck re-validates a candidate through the conflict
// detector. A free gap in the schedule partition does not by itself
// clear buffers, breaks, or provider rules.
func (s *Suggester) passesFreshCheck(ctx context.Context, req Request, candidate schedule.TimeInterval) bool {
	report, err := s.detector.Check(ctx, conflict.Request{
		ProviderID:      req.ProviderID,
		Interval:        candidate,
		AppointmentType: req.AppointmentType,
	})
	if err != nil {
		s.logger.Warn("candidate validation failed",
			"provider", req.ProviderID,
			"start", candidate.Start.Format(time.RFC3339),
			"error", err)
		return false
	}
	return report.CanBook()
}

func (s *Suggester) operationalWindow(date time.Time) (schedule.TimeInterval, bool) {
	hours, open := s.rules.OperationalHours(date)
	if !open {
		return schedule.TimeInterval{}, false
	}
	start, err := clockOnDate(date, hours.Open)
	if err != nil {
		return schedule.TimeInterval{}, false
	}
	end, err := clockOnDate(date, hours.Close)
	if err != nil {
		return schedule.TimeInterval{}, false
	}
	return schedule.NewInterval(start, end)
}

func (s *Suggester) addPresentation(suggestions []Suggestion) {
	for i := range suggestions {
		start := suggestions[i].Interval.Start
		suggestions[i].VoiceFriendlyTime = s.formatForVoice(start)
		suggestions[i].DisplayTime = start.Format("Monday, January 02 at 03:04 PM")
		suggestions[i].TimeCategory = timeCategory(start)
		suggestions[i].Rank = i + 1
	}
}

// formatForVoice renders a start time the way a voice assistant would
// say it: "today", "tomorrow", a bare weekday inside a week, or the
// full date beyond that.
func (s *Suggester) formatForVoice(start time.Time) string {
	today := schedule.DateOf(s.now())
	day := schedule.DateOf(start)
	clock := start.Format("03:04 PM")

	switch {
	case day.Equal(today):
		return "today at " + clock
	case day.Equal(today.AddDate(0, 0, 1)):
		return "tomorrow at " + clock
	case day.Sub(today) <= 7*24*time.Hour:
		return start.Format("Monday") + " at " + clock
	default:
		return start.Format("Monday, January 02") + " at " + clock
	}
}

func dedupeByStart(suggestions []Suggestion) []Suggestion {
	seen := make(map[int64]struct{}, len(suggestions))
	unique := suggestions[:0:0]
	for _, sg := range suggestions {
		key := sg.Interval.Start.UnixNano()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, sg)
	}
	return unique
}

// timePreferenceBonus rewards mid-morning and mid-afternoon starts.
func timePreferenceBonus(start time.Time) float64 {
	hour := start.Hour()
	switch {
	case (hour >= 9 && hour <= 11) || (hour >= 14 && hour <= 16):
		return 0.05
	case (hour >= 8 && hour <= 12) || (hour >= 13 && hour <= 17):
		return 0.02
	default:
		return 0
	}
}

// weekdayBonus nudges weekday suggestions above weekend ones.
func weekdayBonus(start time.Time) float64 {
	switch start.Weekday() {
	case time.Saturday, time.Sunday:
		return 0
	default:
		return 0.03
	}
}

func timeCategory(start time.Time) string {
	hour := start.Hour()
	switch {
	case hour >= 6 && hour < 12:
		return "morning"
	case hour >= 12 && hour < 17:
		return "afternoon"
	case hour >= 17 && hour < 21:
		return "evening"
	default:
		return "other"
	}
}

func formatTimeDifference(diff time.Duration) string {
	hours := int(diff.Hours())
	minutes := int(diff.Minutes()) % 60

	plural := func(n int, unit string) string {
		if n == 1 {
			return fmt.Sprintf("%d %s", n, unit)
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}

	switch {
	case hours > 0 && minutes > 0:
		return plural(hours, "hour") + " and " + plural(minutes, "minute")
	case hours > 0:
		return plural(hours, "hour")
	default:
		return plural(minutes, "minute")
	}
}

// clockHour pins a wall-clock hour onto t's date.
func clockHour(t time.Time, hour int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), hour, 0, 0, 0, t.Location())
}

// clockOnDate places an HH:MM value onto a calendar date.
func clockOnDate(date time.Time, clock string) (time.Time, error) {
	parsed, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(date.Year(), date.Month(), date.Day(),
		parsed.Hour(), parsed.Minute(), 0, 0, date.Location()), nil
}
