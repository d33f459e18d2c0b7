package validator

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var durationTextPattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*(h|hrs?|hours?|m|mins?|minutes?)?$`)

// Duration normalizes a meeting length to whole minutes within
// [MinDurationMinutes, MaxDurationMinutes].
func (v *Validator) Duration(raw string) Outcome {
	minutes, ok := parseMinutes(raw)
	if !ok {
		return invalid(ReasonUnparseable)
	}
	if minutes < MinDurationMinutes || minutes > MaxDurationMinutes {
		return Outcome{Reason: ReasonOutOfRange, Normalized: strconv.Itoa(minutes)}
	}
	return valid(strconv.Itoa(minutes))
}

func parseMinutes(raw string) (int, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "for ")

	switch s {
	case "half an hour", "half hour":
		return 30, true
	case "an hour", "one hour", "1 hour":
		return 60, true
	case "quarter of an hour", "a quarter hour":
		return 15, true
	}

	if m := durationTextPattern.FindStringSubmatch(s); m != nil {
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, false
		}
		if strings.HasPrefix(m[2], "h") {
			n *= 60
		}
		return int(n + 0.5), true
	}

	// Compound forms such as "1h30m".
	if d, err := time.ParseDuration(strings.ReplaceAll(s, " ", "")); err == nil {
		return int(d.Round(time.Minute) / time.Minute), true
	}
	return 0, false
}
