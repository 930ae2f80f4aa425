package availability

import (
	"sort"
	"time"

	"github.com/veridianhealth/scheduling-engine/internal/schedule"
)

// IsIntervalFree reports whether the candidate overlaps no busy slot in
// the day schedule.
func IsIntervalFree(ds *schedule.DaySchedule, candidate schedule.TimeInterval) bool {
	if ds == nil {
		return true
	}
	for _, slot := range ds.Slots {
		if slot.Status == schedule.SlotFree {
			continue
		}
		if slot.Interval.Overlaps(candidate) {
			return false
		}
	}
	return true
}

// FreeGaps partitions a day into busy periods and returns one candidate
// interval of the requested duration at the start of every gap that can
// hold it, constrained to the working window. earliestStart trims the
// window's front when later than its open edge; pass the zero time to
// search the whole window.
func FreeGaps(ds *schedule.DaySchedule, window schedule.TimeInterval, duration time.Duration, earliestStart time.Time) []schedule.TimeInterval {
	if duration <= 0 {
		return nil
	}

	start := window.Start
	if !earliestStart.IsZero() && earliestStart.After(start) {
		start = earliestStart
	}

	busy := busyPeriods(ds)
	var gaps []schedule.TimeInterval

	cursor := start
	for _, b := range busy {
		if b.End.Before(cursor) || b.End.Equal(cursor) {
			continue
		}
		if gapEnd := b.Start; !cursor.Add(duration).After(gapEnd) {
			if iv, ok := schedule.NewInterval(cursor, cursor.Add(duration)); ok && window.Contains(iv) {
				gaps = append(gaps, iv)
			}
		}
		if b.End.After(cursor) {
			cursor = b.End
		}
	}

	// trailing gap after the last busy period
	if !cursor.Add(duration).After(window.End) {
		if iv, ok := schedule.NewInterval(cursor, cursor.Add(duration)); ok && window.Contains(iv) {
			gaps = append(gaps, iv)
		}
	}

	return gaps
}

func busyPeriods(ds *schedule.DaySchedule) []schedule.TimeInterval {
	if ds == nil {
		return nil
	}
	var busy []schedule.TimeInterval
	for _, slot := range ds.Slots {
		if slot.Status == schedule.SlotFree {
			continue
		}
		busy = append(busy, slot.Interval)
	}
	sort.Slice(busy, func(i, j int) bool {
		return busy[i].Start.Before(busy[j].Start)
	})
	return busy
}
