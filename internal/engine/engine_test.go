package engine

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridianhealth/scheduling-engine/internal/audit"
	"github.com/veridianhealth/scheduling-engine/internal/commit"
	"github.com/veridianhealth/scheduling-engine/internal/config"
	"github.com/veridianhealth/scheduling-engine/internal/schedule"
	"github.com/veridianhealth/scheduling-engine/internal/suggest"
)

var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

type fakeCalendar struct {
	fetches int
	busy    map[string][]schedule.TimeInterval
	failAll bool
}

func (f *fakeCalendar) FetchDaySchedule(_ context.Context, providerID string, date time.Time) (*schedule.DaySchedule, error) {
	f.fetches++
	ds := &schedule.DaySchedule{ProviderID: providerID, Date: schedule.DateOf(date)}
	for _, interval := range f.busy[schedule.DateKey(date)] {
		ds.Slots = append(ds.Slots, schedule.ScheduleSlot{Interval: interval, Status: schedule.SlotBusy})
	}
	return ds, nil
}

func (f *fakeCalendar) CreateBooking(_ context.Context, req schedule.CreateBookingRequest) (*schedule.BookingRecord, error) {
	if f.failAll {
		return nil, &schedule.RemoteError{Category: schedule.CategoryUnavailable, Status: 503, Message: "down"}
	}
	return &schedule.BookingRecord{RecordID: "apt-99", Confirmation: "CONF-99"}, nil
}

type memoryRecorder struct{ events []audit.Event }

func (r *memoryRecorder) Record(_ context.Context, event audit.Event) error {
	r.events = append(r.events, event)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		LogLevel:                "error",
		CacheTTL:                5 * time.Minute,
		CacheMaxAge:             time.Hour,
		RetryMaxAttempts:        3,
		RetryInitialDelay:       time.Millisecond,
		RetryBackoff:            2.0,
		RetryMaxDelay:           10 * time.Millisecond,
		BreakerFailureThreshold: 5,
		BreakerRecoveryTimeout:  60 * time.Second,
		BreakerHalfOpenMaxCalls: 3,
	}
}

func newEngine(t *testing.T, calendar *fakeCalendar, recorder *memoryRecorder) *Engine {
	t.Helper()
	e, err := New(testConfig(), calendar, WithRecorder(recorder))
	require.NoError(t, err)
	return e
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

func TestNewRequiresConfigAndClient(t *testing.T) {
	_, err := New(nil, &fakeCalendar{})
	require.Error(t, err)

	_, err = New(testConfig(), nil)
	require.Error(t, err)
}

func TestCheckConflictsAuditsOutcome(t *testing.T) {
	calendar := &fakeCalendar{busy: map[string][]schedule.TimeInterval{
		schedule.DateKey(monday): {interval(t, at(monday, 10, 0), at(monday, 10, 30))},
	}}
	recorder := &memoryRecorder{}
	e := newEngine(t, calendar, recorder)

	report, err := e.CheckConflicts(context.Background(), "prov-1",
		interval(t, at(monday, 10, 15), at(monday, 10, 45)), "follow_up")
	require.NoError(t, err)
	assert.False(t, report.CanBook())

	require.Len(t, recorder.events, 1)
	event := recorder.events[0]
	assert.Equal(t, audit.EventConflictCheck, event.EventType)
	assert.Equal(t, "blocked", event.Outcome)
	assert.Equal(t, audit.HashIdentifier("prov-1"), event.ProviderHash)
	assert.NotContains(t, string(event.Details), "prov-1")
}

func TestSuggestAlternativesAudits(t *testing.T) {
	calendar := &fakeCalendar{}
	recorder := &memoryRecorder{}
	e := newEngine(t, calendar, recorder)

	suggestions, err := e.SuggestAlternatives(context.Background(), suggest.Request{
		ProviderID:      "prov-1",
		Interval:        interval(t, at(monday, 10, 0), at(monday, 10, 30)),
		AppointmentType: "follow_up",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, suggestions)

	require.NotEmpty(t, recorder.events)
	last := recorder.events[len(recorder.events)-1]
	assert.Equal(t, audit.EventSuggestionsGenerated, last.EventType)
}

func TestCommitBookingInvalidatesCache(t *testing.T) {
	calendar := &fakeCalendar{}
	e := newEngine(t, calendar, &memoryRecorder{})
	ctx := context.Background()
	slot := interval(t, at(monday, 10, 0), at(monday, 10, 30))

	_, err := e.CheckConflicts(ctx, "prov-1", slot, "follow_up")
	require.NoError(t, err)
	fetchesBefore := calendar.fetches

	// a second check is served from cache
	_, err = e.CheckConflicts(ctx, "prov-1", slot, "follow_up")
	require.NoError(t, err)
	assert.Equal(t, fetchesBefore, calendar.fetches)

	outcome := e.CommitBooking(ctx, schedule.CreateBookingRequest{
		PatientID:       "patient-1",
		ProviderID:      "prov-1",
		Start:           slot.Start,
		AppointmentType: "follow_up",
		DurationMinutes: 30,
	}, "sess-1")
	require.Equal(t, commit.StatusCreated, outcome.Status)

	// the booked day was invalidated, so the next check refetches
	_, err = e.CheckConflicts(ctx, "prov-1", slot, "follow_up")
	require.NoError(t, err)
	assert.Equal(t, fetchesBefore+1, calendar.fetches)
}

func TestCommitBookingSurfacesFailure(t *testing.T) {
	calendar := &fakeCalendar{failAll: true}
	e := newEngine(t, calendar, &memoryRecorder{})

	outcome := e.CommitBooking(context.Background(), schedule.CreateBookingRequest{
		PatientID:       "patient-1",
		ProviderID:      "prov-1",
		Start:           at(monday, 10, 0),
		AppointmentType: "follow_up",
		DurationMinutes: 30,
	}, "")
	assert.Equal(t, commit.StatusFailed, outcome.Status)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, 3, e.Breaker().FailureCount())
}

func TestUpdateProviderRules(t *testing.T) {
	recorder := &memoryRecorder{}
	e := newEngine(t, &fakeCalendar{}, recorder)
	ctx := context.Background()

	err := e.UpdateProviderRules(ctx, "prov-1", map[string]any{
		"default_buffer_minutes": 25,
	})
	require.NoError(t, err)
	assert.Equal(t, 25, e.Rules().BufferMinutes("prov-1", "follow_up"))

	require.Len(t, recorder.events, 1)
	assert.Equal(t, audit.EventRulesUpdated, recorder.events[0].EventType)

	// invalid patches are rejected and not audited
	err = e.UpdateProviderRules(ctx, "prov-1", map[string]any{
		"default_buffer_minutes": 500,
	})
	require.Error(t, err)
	assert.Len(t, recorder.events, 1)
}

func TestRedisOptionsHonorsTLS(t *testing.T) {
	cfg := testConfig()
	cfg.RedisAddr = "cache.internal:6379"
	cfg.RedisPassword = "secret"

	options := redisOptions(cfg)
	assert.Equal(t, "cache.internal:6379", options.Addr)
	assert.Equal(t, "secret", options.Password)
	assert.Nil(t, options.TLSConfig)

	cfg.RedisTLS = true
	options = redisOptions(cfg)
	require.NotNil(t, options.TLSConfig)
	assert.Equal(t, uint16(tls.VersionTLS12), options.TLSConfig.MinVersion)
}

func TestSuggestAlternativesUsesConfiguredLimits(t *testing.T) {
	cfg := testConfig()
	cfg.SuggestMaxResults = 2
	cfg.SuggestSearchDays = 3
	e, err := New(cfg, &fakeCalendar{}, WithRecorder(&memoryRecorder{}))
	require.NoError(t, err)

	req := suggest.Request{
		ProviderID:      "prov-1",
		Interval:        interval(t, at(monday, 10, 0), at(monday, 10, 30)),
		AppointmentType: "follow_up",
	}
	suggestions, err := e.SuggestAlternatives(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, suggestions, 2)
	for _, s := range suggestions {
		assert.True(t, s.Interval.Start.Before(monday.AddDate(0, 0, 4)),
			"start %v beyond the configured search horizon", s.Interval.Start)
	}

	// explicit request values still win over the configured defaults
	req.MaxSuggestions = 1
	suggestions, err = e.SuggestAlternatives(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, suggestions, 1)
}
