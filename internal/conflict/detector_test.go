package conflict

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridianhealth/scheduling-engine/internal/availability"
	"github.com/veridianhealth/scheduling-engine/internal/rules"
	"github.com/veridianhealth/scheduling-engine/internal/schedule"
)

// monday is an ordinary working day in the test fixtures.
var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

type fixedFetcher struct {
	err  error
	busy []schedule.TimeInterval
}

func (f *fixedFetcher) FetchDaySchedule(_ context.Context, providerID string, date time.Time) (*schedule.DaySchedule, error) {
	if f.err != nil {
		return nil, f.err
	}
	ds := &schedule.DaySchedule{ProviderID: providerID, Date: schedule.DateOf(date)}
	for i, interval := range f.busy {
		ds.Slots = append(ds.Slots, schedule.ScheduleSlot{
			Interval:  interval,
			Status:    schedule.SlotBusy,
			BookingID: "apt-" + string(rune('a'+i)),
		})
	}
	return ds, nil
}

func testRules(t *testing.T) *rules.Store {
	t.Helper()
	settings := rules.DefaultSettings()
	settings.PracticeHolidays = []string{"2026-12-25"}
	settings.Providers = map[string]rules.ProviderRuleSet{
		"prov-1": {
			AllowedTypes: []string{"follow_up", "consultation", "procedure"},
			MinMinutes:   15,
			MaxMinutes:   120,
			Breaks:       []rules.BreakWindow{{Start: "12:00", End: "13:00"}},
		},
	}
	return rules.NewStore(settings, nil)
}

func newDetector(t *testing.T, fetcher *fixedFetcher, opts ...DetectorOption) *Detector {
	t.Helper()
	cache := availability.NewCache(availability.NewMemoryStore(), fetcher, 5*time.Minute, time.Hour, nil)
	return NewDetector(testRules(t), cache, nil, opts...)
}

func interval(t *testing.T, start, end time.Time) schedule.TimeInterval {
	t.Helper()
	iv, ok := schedule.NewInterval(start, end)
	require.True(t, ok)
	return iv
}

func at(day time.Time, hour, min int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(min)*time.Minute)
}

func kinds(report *Report) []Kind {
	var out []Kind
	for _, c := range report.Conflicts {
		out = append(out, c.Kind)
	}
	return out
}

func TestCheckClearSlot(t *testing.T) {
	d := newDetector(t, &fixedFetcher{busy: []schedule.TimeInterval{
		interval(t, at(monday, 9, 0), at(monday, 9, 30)),
	}})

	report, err := d.Check(context.Background(), Request{
		ProviderID:      "prov-1",
		Interval:        interval(t, at(monday, 10, 0), at(monday, 10, 30)),
		AppointmentType: "follow_up",
	})
	require.NoError(t, err)
	assert.False(t, report.HasConflicts())
	assert.True(t, report.CanBook())
	assert.False(t, report.Degraded)
}

func TestCheckOverlapBlocks(t *testing.T) {
	d := newDetector(t, &fixedFetcher{busy: []schedule.TimeInterval{
		interval(t, at(monday, 10, 0), at(monday, 10, 30)),
	}})

	report, err := d.Check(context.Background(), Request{
		ProviderID:      "prov-1",
		Interval:        interval(t, at(monday, 10, 15), at(monday, 10, 45)),
		AppointmentType: "follow_up",
	})
	require.NoError(t, err)
	assert.True(t, report.HasBlocking())
	assert.False(t, report.CanBook())
	assert.Contains(t, kinds(report), KindExistingBooking)
}

func TestCheckBufferWarningDoesNotBlock(t *testing.T) {
	// existing appointment ends 10 minutes before the candidate starts,
	// inside the default 15 minute buffer
	d := newDetector(t, &fixedFetcher{busy: []schedule.TimeInterval{
		interval(t, at(monday, 9, 0), at(monday, 9, 50)),
	}})

	report, err := d.Check(context.Background(), Request{
		ProviderID:      "prov-1",
		Interval:        interval(t, at(monday, 10, 0), at(monday, 10, 30)),
		AppointmentType: "follow_up",
	})
	require.NoError(t, err)
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, KindBuffer, report.Conflicts[0].Kind)
	assert.Equal(t, SeverityWarning, report.Conflicts[0].Severity)
	assert.Contains(t, report.Conflicts[0].Description, "before")
	assert.True(t, report.CanBook(), "warnings alone must not block")
}

func TestCheckBufferEdgeIsExclusive(t *testing.T) {
	// exactly 15 minutes of gap satisfies a 15 minute buffer
	d := newDetector(t, &fixedFetcher{busy: []schedule.TimeInterval{
		interval(t, at(monday, 9, 0), at(monday, 9, 45)),
	}})

	report, err := d.Check(context.Background(), Request{
		ProviderID:      "prov-1",
		Interval:        interval(t, at(monday, 10, 0), at(monday, 10, 30)),
		AppointmentType: "follow_up",
	})
	require.NoError(t, err)
	assert.False(t, report.HasConflicts())
}

func TestCheckOutsideOperationalHours(t *testing.T) {
	d := newDetector(t, &fixedFetcher{})

	report, err := d.Check(context.Background(), Request{
		ProviderID:      "prov-1",
		Interval:        interval(t, at(monday, 17, 30), at(monday, 18, 0)),
		AppointmentType: "follow_up",
	})
	require.NoError(t, err)
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, KindHours, report.Conflicts[0].Kind)
	assert.Equal(t, SeverityBlocking, report.Conflicts[0].Severity)
	assert.Contains(t, report.Conflicts[0].Description, "outside operational hours")
}

func TestCheckClosedDay(t *testing.T) {
	sunday := monday.AddDate(0, 0, -1)
	d := newDetector(t, &fixedFetcher{})

	report, err := d.Check(context.Background(), Request{
		ProviderID:      "prov-1",
		Interval:        interval(t, at(sunday, 10, 0), at(sunday, 10, 30)),
		AppointmentType: "follow_up",
	})
	require.NoError(t, err)
	assert.False(t, report.CanBook())
	assert.Contains(t, report.Conflicts[0].Description, "closed on sunday")
}

func TestCheckHoliday(t *testing.T) {
	// 2026-12-25 is a Friday, so only the holiday rules make it closed
	holiday := time.Date(2026, 12, 25, 0, 0, 0, 0, time.UTC)
	d := newDetector(t, &fixedFetcher{})

	report, err := d.Check(context.Background(), Request{
		ProviderID:      "prov-1",
		Interval:        interval(t, at(holiday, 10, 0), at(holiday, 10, 30)),
		AppointmentType: "follow_up",
	})
	require.NoError(t, err)
	assert.False(t, report.CanBook())
	assert.Contains(t, kinds(report), KindHours)
	assert.Contains(t, kinds(report), KindHoliday)
}

func TestCheckBreakOverlap(t *testing.T) {
	d := newDetector(t, &fixedFetcher{})

	report, err := d.Check(context.Background(), Request{
		ProviderID:      "prov-1",
		Interval:        interval(t, at(monday, 12, 30), at(monday, 13, 0)),
		AppointmentType: "follow_up",
	})
	require.NoError(t, err)
	assert.False(t, report.CanBook())
	assert.Contains(t, kinds(report), KindBreak)
}

func TestCheckDisallowedType(t *testing.T) {
	d := newDetector(t, &fixedFetcher{})

	report, err := d.Check(context.Background(), Request{
		ProviderID:      "prov-1",
		Interval:        interval(t, at(monday, 10, 0), at(monday, 10, 30)),
		AppointmentType: "telehealth",
	})
	require.NoError(t, err)
	assert.False(t, report.CanBook())
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, KindRules, report.Conflicts[0].Kind)
}

func TestCheckDurationWarnings(t *testing.T) {
	d := newDetector(t, &fixedFetcher{})

	tooShort, err := d.Check(context.Background(), Request{
		ProviderID:      "prov-1",
		Interval:        interval(t, at(monday, 10, 0), at(monday, 10, 10)),
		AppointmentType: "follow_up",
	})
	require.NoError(t, err)
	require.Len(t, tooShort.Conflicts, 1)
	assert.Equal(t, SeverityWarning, tooShort.Conflicts[0].Severity)
	assert.True(t, tooShort.CanBook())

	tooLong, err := d.Check(context.Background(), Request{
		ProviderID:      "prov-1",
		Interval:        interval(t, at(monday, 10, 0), at(monday, 12, 30)), // crosses lunch too
		AppointmentType: "follow_up",
	})
	require.NoError(t, err)
	assert.Contains(t, kinds(tooLong), KindRules)
	assert.Contains(t, kinds(tooLong), KindBreak)
}

func TestCheckDegradesWhenScheduleUnavailable(t *testing.T) {
	d := newDetector(t, &fixedFetcher{err: errors.New("connection refused")})

	report, err := d.Check(context.Background(), Request{
		ProviderID:      "prov-1",
		Interval:        interval(t, at(monday, 18, 0), at(monday, 18, 30)),
		AppointmentType: "follow_up",
	})
	require.NoError(t, err)
	assert.True(t, report.Degraded)
	// rule-based checks still ran
	assert.Contains(t, kinds(report), KindHours)
}

func TestCheckIsIdempotent(t *testing.T) {
	d := newDetector(t, &fixedFetcher{busy: []schedule.TimeInterval{
		interval(t, at(monday, 10, 0), at(monday, 10, 30)),
	}})
	req := Request{
		ProviderID:      "prov-1",
		Interval:        interval(t, at(monday, 10, 15), at(monday, 10, 45)),
		AppointmentType: "follow_up",
	}

	first, err := d.Check(context.Background(), req)
	require.NoError(t, err)
	second, err := d.Check(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Conflicts, second.Conflicts)
}

func TestCheckRejectsBadRequest(t *testing.T) {
	d := newDetector(t, &fixedFetcher{})

	_, err := d.Check(context.Background(), Request{
		Interval: interval(t, at(monday, 10, 0), at(monday, 10, 30)),
	})
	require.Error(t, err)

	_, err = d.Check(context.Background(), Request{
		ProviderID: "prov-1",
		Interval:   schedule.TimeInterval{Start: at(monday, 10, 0), End: at(monday, 10, 0)},
	})
	require.Error(t, err)
}

type recordingObserver struct {
	outcomes []string
}

func (o *recordingObserver) ObserveConflictCheck(outcome string) {
	o.outcomes = append(o.outcomes, outcome)
}

func TestCheckReportsOutcomes(t *testing.T) {
	obs := &recordingObserver{}
	d := newDetector(t, &fixedFetcher{busy: []schedule.TimeInterval{
		interval(t, at(monday, 10, 0), at(monday, 10, 30)),
	}}, WithObserver(obs))

	_, err := d.Check(context.Background(), Request{
		ProviderID:      "prov-1",
		Interval:        interval(t, at(monday, 14, 0), at(monday, 14, 30)),
		AppointmentType: "follow_up",
	})
	require.NoError(t, err)

	_, err = d.Check(context.Background(), Request{
		ProviderID:      "prov-1",
		Interval:        interval(t, at(monday, 10, 15), at(monday, 10, 45)),
		AppointmentType: "follow_up",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"clear", "blocked"}, obs.outcomes)
}
