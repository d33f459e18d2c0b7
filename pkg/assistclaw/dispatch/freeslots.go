package dispatch

import (
	"fmt"
	"sort"
	"time"
)

// WorkingWindow returns the working-hours interval of day, given "15:04"
// bounds, in the day's location.
func WorkingWindow(day time.Time, start, end string) (Interval, error) {
	s, err := clockOn(day, start)
	if err != nil {
		return Interval{}, fmt.Errorf("workday start: %w", err)
	}
	e, err := clockOn(day, end)
	if err != nil {
		return Interval{}, fmt.Errorf("workday end: %w", err)
	}
	if !e.After(s) {
		return Interval{}, fmt.Errorf("workday end %s is not after start %s", end, start)
	}
	return Interval{Start: s, End: e}, nil
}

func clockOn(day time.Time, clock string) (time.Time, error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, day.Location()), nil
}

// FreeSlots returns the candidate slots of length dur inside window, stepping
// by step, that overlap no busy interval and start no earlier than notBefore.
func FreeSlots(window Interval, dur, step time.Duration, busy []Interval, notBefore time.Time) []Interval {
	if dur <= 0 || step <= 0 {
		return nil
	}
	var out []Interval
	for t := window.Start; !t.Add(dur).After(window.End); t = t.Add(step) {
		if t.Before(notBefore) {
			continue
		}
		cand := Interval{Start: t, End: t.Add(dur)}
		free := true
		for _, b := range busy {
			if cand.Overlaps(b) {
				free = false
				break
			}
		}
		if free {
			out = append(out, cand)
		}
	}
	return out
}

// FreeWindows subtracts busy from window and returns the remaining gaps
// that can hold at least dur, ignoring time before notBefore.
func FreeWindows(window Interval, busy []Interval, dur time.Duration, notBefore time.Time) []Interval {
	if window.Start.Before(notBefore) {
		window.Start = notBefore
	}
	if !window.Start.Before(window.End) {
		return nil
	}

	sorted := make([]Interval, len(busy))
	copy(sorted, busy)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	var out []Interval
	cursor := window.Start
	for _, b := range sorted {
		if !b.End.After(cursor) {
			continue
		}
		if !b.Start.Before(window.End) {
			break
		}
		if b.Start.After(cursor) && b.Start.Sub(cursor) >= dur {
			out = append(out, Interval{Start: cursor, End: b.Start})
		}
		if b.End.After(cursor) {
			cursor = b.End
		}
	}
	if window.End.Sub(cursor) >= dur {
		out = append(out, Interval{Start: cursor, End: window.End})
	}
	return out
}
