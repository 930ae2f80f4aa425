package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridianhealth/scheduling-engine/internal/schedule"
)

type fakeFetcher struct {
	calls     int
	err       error
	schedules map[string]*schedule.DaySchedule
}

func (f *fakeFetcher) FetchDaySchedule(_ context.Context, providerID string, date time.Time) (*schedule.DaySchedule, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	key := providerID + "|" + schedule.DateKey(date)
	if ds, ok := f.schedules[key]; ok {
		return ds, nil
	}
	return &schedule.DaySchedule{ProviderID: providerID, Date: schedule.DateOf(date)}, nil
}

func daySchedule(providerID string, date time.Time, busy ...schedule.TimeInterval) *schedule.DaySchedule {
	ds := &schedule.DaySchedule{ProviderID: providerID, Date: schedule.DateOf(date)}
	for _, iv := range busy {
		ds.Slots = append(ds.Slots, schedule.ScheduleSlot{Interval: iv, Status: schedule.SlotBusy})
	}
	return ds
}

func TestGetDayScheduleCachesWithinTTL(t *testing.T) {
	fetcher := &fakeFetcher{}
	cache := NewCache(NewMemoryStore(), fetcher, 5*time.Minute, time.Hour, nil)
	ctx := context.Background()
	date := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	first, err := cache.GetDaySchedule(ctx, "prov-1", date)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := cache.GetDaySchedule(ctx, "prov-1", date)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.False(t, second.Degraded)
	assert.Equal(t, 1, fetcher.calls)
}

func TestGetDayScheduleRefetchesAfterTTL(t *testing.T) {
	fetcher := &fakeFetcher{}
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	cache := NewCache(NewMemoryStore(), fetcher, 5*time.Minute, time.Hour, nil,
		WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := cache.GetDaySchedule(ctx, "prov-1", now)
	require.NoError(t, err)

	now = now.Add(6 * time.Minute)
	res, err := cache.GetDaySchedule(ctx, "prov-1", now)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, 2, fetcher.calls)
}

func TestGetDayScheduleStaleFallback(t *testing.T) {
	fetcher := &fakeFetcher{}
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	cache := NewCache(NewMemoryStore(), fetcher, 5*time.Minute, time.Hour, nil,
		WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := cache.GetDaySchedule(ctx, "prov-1", now)
	require.NoError(t, err)

	// expire the entry, then break the downstream
	now = now.Add(10 * time.Minute)
	fetcher.err = &schedule.RemoteError{Category: schedule.CategoryUnavailable, Message: "down"}

	res, err := cache.GetDaySchedule(ctx, "prov-1", now)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.True(t, res.FromCache)
	require.NotNil(t, res.Schedule)
}

func TestGetDayScheduleFailsWithoutFallback(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	cache := NewCache(NewMemoryStore(), fetcher, 5*time.Minute, time.Hour, nil)

	_, err := cache.GetDaySchedule(context.Background(), "prov-1", time.Now())
	require.Error(t, err)
}

func TestInvalidate(t *testing.T) {
	fetcher := &fakeFetcher{}
	cache := NewCache(NewMemoryStore(), fetcher, 5*time.Minute, time.Hour, nil)
	ctx := context.Background()
	day1 := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	_, err := cache.GetDaySchedule(ctx, "prov-1", day1)
	require.NoError(t, err)
	_, err = cache.GetDaySchedule(ctx, "prov-1", day2)
	require.NoError(t, err)
	require.Equal(t, 2, fetcher.calls)

	// single-day invalidation refetches only that day
	require.NoError(t, cache.Invalidate(ctx, "prov-1", day1))
	_, err = cache.GetDaySchedule(ctx, "prov-1", day1)
	require.NoError(t, err)
	_, err = cache.GetDaySchedule(ctx, "prov-1", day2)
	require.NoError(t, err)
	assert.Equal(t, 3, fetcher.calls)

	// provider-wide invalidation clears everything
	require.NoError(t, cache.Invalidate(ctx, "prov-1", time.Time{}))
	_, err = cache.GetDaySchedule(ctx, "prov-1", day1)
	require.NoError(t, err)
	_, err = cache.GetDaySchedule(ctx, "prov-1", day2)
	require.NoError(t, err)
	assert.Equal(t, 5, fetcher.calls)
}

func TestSweepRemovesAgedEntries(t *testing.T) {
	fetcher := &fakeFetcher{}
	store := NewMemoryStore()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	cache := NewCache(store, fetcher, 5*time.Minute, time.Hour, nil,
		WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := cache.GetDaySchedule(ctx, "prov-1", now)
	require.NoError(t, err)

	now = now.Add(30 * time.Minute)
	_, err = cache.GetDaySchedule(ctx, "prov-2", now)
	require.NoError(t, err)

	// the first entry is now past the hard age bound, the second is not
	now = now.Add(45 * time.Minute)
	removed, err := cache.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, store.Len())
}

type countingObserver struct {
	outcomes map[string]int
}

func (o *countingObserver) ObserveCacheLookup(outcome string) {
	o.outcomes[outcome]++
}

func TestObserverOutcomes(t *testing.T) {
	fetcher := &fakeFetcher{}
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	obs := &countingObserver{outcomes: map[string]int{}}
	cache := NewCache(NewMemoryStore(), fetcher, 5*time.Minute, time.Hour, nil,
		WithClock(func() time.Time { return now }), WithObserver(obs))
	ctx := context.Background()

	_, _ = cache.GetDaySchedule(ctx, "prov-1", now) // miss
	_, _ = cache.GetDaySchedule(ctx, "prov-1", now) // hit

	now = now.Add(10 * time.Minute)
	fetcher.err = errors.New("down")
	_, _ = cache.GetDaySchedule(ctx, "prov-1", now) // stale

	assert.Equal(t, map[string]int{"miss": 1, "hit": 1, "stale": 1}, obs.outcomes)
}

func TestCheckBulkGroupsByDate(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	busy, _ := schedule.NewInterval(day.Add(9*time.Hour), day.Add(9*time.Hour+30*time.Minute))

	fetcher := &fakeFetcher{schedules: map[string]*schedule.DaySchedule{
		"prov-1|2026-03-02": daySchedule("prov-1", day, busy),
	}}
	cache := NewCache(NewMemoryStore(), fetcher, 5*time.Minute, time.Hour, nil)

	overlapping, _ := schedule.NewInterval(day.Add(9*time.Hour+15*time.Minute), day.Add(9*time.Hour+45*time.Minute))
	clear1, _ := schedule.NewInterval(day.Add(11*time.Hour), day.Add(11*time.Hour+30*time.Minute))
	clear2, _ := schedule.NewInterval(day.Add(14*time.Hour), day.Add(14*time.Hour+30*time.Minute))

	results, err := cache.CheckBulk(context.Background(), "prov-1", []schedule.TimeInterval{overlapping, clear1, clear2})
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{0: false, 1: true, 2: true}, results)
	// all three candidates share one day, so one fetch suffices
	assert.Equal(t, 1, fetcher.calls)
}
