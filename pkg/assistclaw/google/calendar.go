package google

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/dispatch"
)

// Calendar implements dispatch.Calendar on Google Calendar.
type Calendar struct {
	svc         *calendar.Service
	calendarID  string
	sendUpdates string
	loc         *time.Location
}

// NewCalendar creates the calendar adapter. Pass option.WithHTTPClient with
// an authorized client.
func NewCalendar(ctx context.Context, cfg Config, loc *time.Location, opts ...option.ClientOption) (*Calendar, error) {
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("calendar service: %w", err)
	}
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	if cfg.SendUpdates == "" {
		cfg.SendUpdates = "all"
	}
	if loc == nil {
		loc = time.Local
	}
	return &Calendar{svc: svc, calendarID: cfg.CalendarID, sendUpdates: cfg.SendUpdates, loc: loc}, nil
}

// CreateEvent implements dispatch.Calendar.
func (c *Calendar) CreateEvent(ctx context.Context, req dispatch.EventRequest) (*dispatch.Event, error) {
	tz := req.TimeZone
	if tz == "" {
		tz = c.loc.String()
	}
	ev := &calendar.Event{
		Summary:     req.Summary,
		Description: req.Description,
		Location:    req.Location,
		Start:       &calendar.EventDateTime{DateTime: req.Start.Format(time.RFC3339), TimeZone: tz},
		End:         &calendar.EventDateTime{DateTime: req.End.Format(time.RFC3339), TimeZone: tz},
	}
	for _, email := range req.Attendees {
		ev.Attendees = append(ev.Attendees, &calendar.EventAttendee{Email: email})
	}

	created, err := c.svc.Events.Insert(c.calendarID, ev).
		SendUpdates(c.sendUpdates).
		Context(ctx).
		Do()
	if err != nil {
		return nil, wrap(dispatch.ServiceCalendar, err)
	}
	out := c.convert(created)
	return &out, nil
}

// ListEvents implements dispatch.Calendar. Recurring events are expanded.
func (c *Calendar) ListEvents(ctx context.Context, from, to time.Time, limit int) ([]dispatch.Event, error) {
	call := c.svc.Events.List(c.calendarID).
		TimeMin(from.Format(time.RFC3339)).
		TimeMax(to.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		ShowDeleted(false)
	if limit > 0 {
		call = call.MaxResults(int64(limit))
	}
	res, err := call.Context(ctx).Do()
	if err != nil {
		return nil, wrap(dispatch.ServiceCalendar, err)
	}

	out := make([]dispatch.Event, 0, len(res.Items))
	for _, item := range res.Items {
		if item.Status == "cancelled" {
			continue
		}
		out = append(out, c.convert(item))
	}
	return out, nil
}

// Busy implements dispatch.Calendar with a free/busy query.
func (c *Calendar) Busy(ctx context.Context, from, to time.Time) ([]dispatch.Interval, error) {
	res, err := c.svc.Freebusy.Query(&calendar.FreeBusyRequest{
		TimeMin:  from.Format(time.RFC3339),
		TimeMax:  to.Format(time.RFC3339),
		TimeZone: c.loc.String(),
		Items:    []*calendar.FreeBusyRequestItem{{Id: c.calendarID}},
	}).Context(ctx).Do()
	if err != nil {
		return nil, wrap(dispatch.ServiceCalendar, err)
	}

	cal, ok := res.Calendars[c.calendarID]
	if !ok {
		return nil, nil
	}
	if len(cal.Errors) > 0 {
		reason := cal.Errors[0].Reason
		kind := dispatch.KindUnknown
		if reason == "notFound" {
			kind = dispatch.KindNotFound
		}
		return nil, dispatch.NewError(dispatch.ServiceCalendar, kind, fmt.Errorf("freebusy: %s", reason))
	}

	out := make([]dispatch.Interval, 0, len(cal.Busy))
	for _, p := range cal.Busy {
		start, err1 := time.Parse(time.RFC3339, p.Start)
		end, err2 := time.Parse(time.RFC3339, p.End)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, dispatch.Interval{Start: start.In(c.loc), End: end.In(c.loc)})
	}
	return out, nil
}

func (c *Calendar) convert(ev *calendar.Event) dispatch.Event {
	out := dispatch.Event{
		ID:       ev.Id,
		Summary:  ev.Summary,
		Location: ev.Location,
		Link:     ev.HtmlLink,
	}
	out.Start, out.AllDay = c.eventTime(ev.Start)
	out.End, _ = c.eventTime(ev.End)
	for _, a := range ev.Attendees {
		if a.Email != "" {
			out.Attendees = append(out.Attendees, a.Email)
		}
	}
	return out
}

// eventTime reads a timed or all-day boundary.
func (c *Calendar) eventTime(dt *calendar.EventDateTime) (time.Time, bool) {
	if dt == nil {
		return time.Time{}, false
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err == nil {
			return t.In(c.loc), false
		}
	}
	if dt.Date != "" {
		t, err := time.ParseInLocation("2006-01-02", dt.Date, c.loc)
		if err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

var _ dispatch.Calendar = (*Calendar)(nil)
