package validator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

var (
	inDaysPattern    = regexp.MustCompile(`^in\s+(\d{1,3})\s+days?$`)
	weekdayPattern   = regexp.MustCompile(`^(?:(next|this|coming)\s+)?(mon|tues|wednes|thurs|fri|satur|sun)day$`)
	monthDayPattern  = regexp.MustCompile(`^([a-z]{3,9})\.?\s+(\d{1,2})(?:,?\s+(\d{4}))?$`)
	dayMonthPattern  = regexp.MustCompile(`^(\d{1,2})\s+(?:of\s+)?([a-z]{3,9})\.?(?:,?\s+(\d{4}))?$`)
	shortSlashDate   = regexp.MustCompile(`^\d{1,2}/\d{1,2}$`)
	ordinalPattern   = regexp.MustCompile(`(\d)(?:st|nd|rd|th)\b`)
	clockTimePattern = regexp.MustCompile(`^(\d{1,2})(?:[:.h](\d{2}))?\s*(am|pm|a\.m\.|p\.m\.)?$`)
)

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tues": time.Tuesday, "wednes": time.Wednesday,
	"thurs": time.Thursday, "fri": time.Friday, "satur": time.Saturday,
}

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "sept": time.September, "oct": time.October,
	"nov": time.November, "dec": time.December,
}

func lookupMonth(s string) (time.Month, bool) {
	if m, ok := months[s]; ok {
		return m, true
	}
	if len(s) >= 3 {
		if m, ok := months[s[:3]]; ok && strings.HasPrefix(strings.ToLower(m.String()), s) {
			return m, true
		}
	}
	return 0, false
}

// Date resolves relative and absolute dates to DateLayout. Dates before
// today are rejected with ReasonPast.
func (v *Validator) Date(raw string) Outcome {
	d, err := v.ParseDate(raw)
	if err != nil {
		return invalid(ReasonUnparseable)
	}
	if d.Before(v.today()) {
		return Outcome{Reason: ReasonPast, Normalized: d.Format(DateLayout)}
	}
	return valid(d.Format(DateLayout))
}

// ParseDate resolves raw to midnight of the day it names, in the configured
// location. Past dates are returned without error.
func (v *Validator) ParseDate(raw string) (time.Time, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimRight(s, ".,;:!?")
	s = strings.TrimPrefix(s, "on ")
	s = strings.TrimPrefix(s, "the ")
	s = ordinalPattern.ReplaceAllString(s, "$1")
	today := v.today()

	switch s {
	case "":
		return time.Time{}, fmt.Errorf("empty date")
	case "today", "tonight":
		return today, nil
	case "tomorrow", "tmrw", "tmr":
		return today.AddDate(0, 0, 1), nil
	case "day after tomorrow":
		return today.AddDate(0, 0, 2), nil
	}

	if m := inDaysPattern.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		return today.AddDate(0, 0, n), nil
	}

	if m := weekdayPattern.FindStringSubmatch(s); m != nil {
		target := weekdays[m[2]]
		ahead := int(target - today.Weekday())
		if ahead <= 0 {
			ahead += 7
		}
		d := today.AddDate(0, 0, ahead)
		// "next friday" is the friday of next week (weeks start on monday).
		if m[1] == "next" && weekStart(d).Equal(weekStart(today)) {
			d = d.AddDate(0, 0, 7)
		}
		return d, nil
	}

	if m := monthDayPattern.FindStringSubmatch(s); m != nil {
		if month, ok := lookupMonth(m[1]); ok {
			return v.calendarDate(m[3], month, m[2])
		}
	}
	if m := dayMonthPattern.FindStringSubmatch(s); m != nil {
		if month, ok := lookupMonth(m[2]); ok {
			return v.calendarDate(m[3], month, m[1])
		}
	}

	if shortSlashDate.MatchString(s) {
		s = fmt.Sprintf("%s/%d", s, today.Year())
	}

	t, err := dateparse.ParseIn(s, v.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing date %q: %w", raw, err)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, v.loc), nil
}

// calendarDate builds a date from month-name input. Without an explicit year
// a date already past this year rolls over to next year.
func (v *Validator) calendarDate(year string, month time.Month, day string) (time.Time, error) {
	d, err := strconv.Atoi(day)
	if err != nil || d < 1 || d > 31 {
		return time.Time{}, fmt.Errorf("invalid day %q", day)
	}
	today := v.today()
	y := today.Year()
	explicit := year != ""
	if explicit {
		y, _ = strconv.Atoi(year)
	}
	t := time.Date(y, month, d, 0, 0, 0, 0, v.loc)
	if t.Day() != d {
		return time.Time{}, fmt.Errorf("%s has no day %d", month, d)
	}
	if !explicit && t.Before(today) {
		t = t.AddDate(1, 0, 0)
	}
	return t, nil
}

// Time normalizes clock times to TimeLayout. A bare hour between 1 and 7
// without am/pm is read as afternoon.
func (v *Validator) Time(raw string) Outcome {
	t, err := ParseClock(raw)
	if err != nil {
		return invalid(ReasonUnparseable)
	}
	return valid(t)
}

// ParseClock parses a clock time and returns it as "15:04".
func ParseClock(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimRight(s, ",;:!?")
	s = strings.TrimPrefix(s, "at ")
	s = strings.TrimSuffix(s, " o'clock")

	switch s {
	case "noon", "midday":
		return "12:00", nil
	case "midnight":
		return "00:00", nil
	}
	s = strings.TrimSpace(strings.TrimSuffix(s, "h"))

	m := clockTimePattern.FindStringSubmatch(s)
	if m == nil {
		return "", fmt.Errorf("unrecognized time %q", raw)
	}
	hour, _ := strconv.Atoi(m[1])
	minute := 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	if minute > 59 {
		return "", fmt.Errorf("invalid minute in %q", raw)
	}

	switch suffix := strings.ReplaceAll(m[3], ".", ""); suffix {
	case "am", "pm":
		if hour < 1 || hour > 12 {
			return "", fmt.Errorf("invalid 12-hour time %q", raw)
		}
		if hour == 12 {
			hour = 0
		}
		if suffix == "pm" {
			hour += 12
		}
	default:
		if hour > 23 {
			return "", fmt.Errorf("invalid hour in %q", raw)
		}
		if m[2] == "" && hour >= 1 && hour <= 7 {
			hour += 12
		}
	}
	return fmt.Sprintf("%02d:%02d", hour, minute), nil
}

// CheckFuture rejects a normalized date and time whose combined moment has
// already passed.
func (v *Validator) CheckFuture(date, clock string) Outcome {
	at, err := v.Combine(date, clock)
	if err != nil {
		return invalid(ReasonUnparseable)
	}
	if !at.After(v.Now()) {
		return Outcome{Reason: ReasonPast, Normalized: at.Format(time.RFC3339)}
	}
	return valid(at.Format(time.RFC3339))
}

// Combine joins a normalized date and time in the configured location.
func (v *Validator) Combine(date, clock string) (time.Time, error) {
	return time.ParseInLocation(DateLayout+" "+TimeLayout, date+" "+clock, v.loc)
}

// today is midnight of the current day in the configured location.
func (v *Validator) today() time.Time {
	now := v.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, v.loc)
}

func weekStart(t time.Time) time.Time {
	return t.AddDate(0, 0, -((int(t.Weekday())+6)%7))
}
