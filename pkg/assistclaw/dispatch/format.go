package dispatch

import (
	"fmt"
	"strings"
	"time"
)

// formatMoment renders "Tuesday, Oct 20 at 3:00 PM".
func formatMoment(t time.Time) string {
	return t.Format("Monday, Jan 2 at 3:04 PM")
}

// formatDay renders "today", "tomorrow" or "on Tuesday, Oct 20" relative
// to now.
func formatDay(day, now time.Time) string {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, day.Location())
	switch {
	case day.Equal(today):
		return "today"
	case day.Equal(today.AddDate(0, 0, 1)):
		return "tomorrow"
	default:
		return "on " + day.Format("Monday, Jan 2")
	}
}

// formatDuration renders "30 min", "1 h" or "1 h 30 min".
func formatDuration(d time.Duration) string {
	mins := int(d / time.Minute)
	h, m := mins/60, mins%60
	switch {
	case h == 0:
		return fmt.Sprintf("%d min", m)
	case m == 0:
		return fmt.Sprintf("%d h", h)
	default:
		return fmt.Sprintf("%d h %d min", h, m)
	}
}

func eventTitle(ev Event) string {
	if strings.TrimSpace(ev.Summary) == "" {
		return "(no title)"
	}
	return ev.Summary
}

func formatContact(c Contact) string {
	var b strings.Builder
	fmt.Fprintf(&b, "👤 *%s*", c.Name)
	if c.Email != "" {
		fmt.Fprintf(&b, "\n📧 %s", c.Email)
	}
	if c.Phone != "" {
		fmt.Fprintf(&b, "\n📞 %s", c.Phone)
	}
	if c.Organization != "" {
		fmt.Fprintf(&b, "\n🏢 %s", c.Organization)
	}
	return b.String()
}
