// Package dispatch executes a completed intent against the user's Google
// services and turns the outcome into reply text. Collaborator failures come
// back as *Error with a Kind; problems with a slot value (unknown recipient,
// conflicting meeting time) come back as *SlotError so the dialogue can ask
// again.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/classifier"
)

// ErrNotConfigured is wrapped when a collaborator has not been set up.
var ErrNotConfigured = errors.New("service not configured")

// Config configures the dispatcher.
type Config struct {
	// WorkdayStart and WorkdayEnd bound free-slot searches ("15:04").
	WorkdayStart string `yaml:"workday_start"`
	WorkdayEnd   string `yaml:"workday_end"`

	// DefaultDuration applies to meetings and slot searches without one.
	DefaultDuration time.Duration `yaml:"default_duration"`

	// SlotStep is the granularity of suggested start times.
	SlotStep time.Duration `yaml:"slot_step"`

	// MaxSuggestions caps the alternatives offered on a conflict.
	MaxSuggestions int `yaml:"max_suggestions"`

	// Timeout bounds one dispatch, collaborator calls included.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		WorkdayStart:    "09:00",
		WorkdayEnd:      "17:00",
		DefaultDuration: 30 * time.Minute,
		SlotStep:        30 * time.Minute,
		MaxSuggestions:  5,
		Timeout:         5 * time.Second,
	}
}

// Services groups the collaborators. Nil members make the matching intents
// fail with ErrNotConfigured.
type Services struct {
	Calendar Calendar
	Mailer   Mailer
	Contacts ContactDirectory
}

// Action is a completed intent with validated slots.
type Action struct {
	UserID string
	Intent classifier.Intent
	Slots  map[classifier.EntityType]string
}

// Result is the outcome of a successful dispatch.
type Result struct {
	Text      string
	Event     *Event
	Events    []Event
	Contacts  []Contact
	MessageID string
}

// Dispatcher routes actions to collaborators.
type Dispatcher struct {
	svc    Services
	cfg    Config
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLocation sets the timezone slots are interpreted in.
func WithLocation(loc *time.Location) DispatcherOption {
	return func(d *Dispatcher) {
		if loc != nil {
			d.loc = loc
		}
	}
}

// WithClock replaces the reference clock, mainly for tests.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// New creates a Dispatcher.
func New(svc Services, cfg Config, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.WorkdayStart == "" {
		cfg.WorkdayStart = def.WorkdayStart
	}
	if cfg.WorkdayEnd == "" {
		cfg.WorkdayEnd = def.WorkdayEnd
	}
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = def.DefaultDuration
	}
	if cfg.SlotStep <= 0 {
		cfg.SlotStep = def.SlotStep
	}
	if cfg.MaxSuggestions <= 0 {
		cfg.MaxSuggestions = def.MaxSuggestions
	}
	d := &Dispatcher{
		svc:    svc,
		cfg:    cfg,
		loc:    time.Local,
		now:    time.Now,
		logger: logger.With("component", "dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch executes the action.
func (d *Dispatcher) Dispatch(ctx context.Context, a Action) (*Result, error) {
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	var (
		res *Result
		err error
	)
	switch a.Intent {
	case classifier.IntentScheduleMeeting:
		res, err = d.scheduleMeeting(ctx, a)
	case classifier.IntentSendEmail:
		res, err = d.sendEmail(ctx, a)
	case classifier.IntentCheckCalendar:
		res, err = d.checkCalendar(ctx, a)
	case classifier.IntentCheckFreeSlots:
		res, err = d.checkFreeSlots(ctx, a)
	case classifier.IntentLookupContact:
		res, err = d.findContact(ctx, a)
	default:
		return nil, NewError("dispatch", KindInvalid, fmt.Errorf("unsupported intent %q", a.Intent))
	}

	if err != nil {
		var se *SlotError
		if !errors.As(err, &se) {
			d.logger.Warn("dispatch failed",
				"user", a.UserID, "intent", a.Intent,
				"kind", KindOf(err).String(), "elapsed", time.Since(start), "error", err)
		}
		return nil, err
	}
	d.logger.Info("action dispatched", "user", a.UserID, "intent", a.Intent, "elapsed", time.Since(start))
	return res, nil
}

// wrap turns a collaborator error into *Error unless it already is one.
func wrap(service string, err error) error {
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return NewError(service, KindOf(err), err)
}

func (d *Dispatcher) scheduleMeeting(ctx context.Context, a Action) (*Result, error) {
	if d.svc.Calendar == nil {
		return nil, NewError(ServiceCalendar, KindAuth, ErrNotConfigured)
	}

	email, person, err := d.resolveEmail(ctx, classifier.EntityAttendee, a.Slots[classifier.EntityAttendee])
	if err != nil {
		return nil, err
	}

	start, err := time.ParseInLocation("2006-01-02 15:04",
		a.Slots[classifier.EntityDate]+" "+a.Slots[classifier.EntityTime], d.loc)
	if err != nil {
		return nil, &SlotError{Slot: classifier.EntityDate, Message: "I couldn't read that date."}
	}
	now := d.now().In(d.loc)
	if !start.After(now) {
		return nil, &SlotError{
			Slot:    classifier.EntityTime,
			Message: fmt.Sprintf("%s has already passed.", formatMoment(start)),
		}
	}
	dur := d.duration(a.Slots)
	requested := Interval{Start: start, End: start.Add(dur)}

	window, err := WorkingWindow(start, d.cfg.WorkdayStart, d.cfg.WorkdayEnd)
	if err != nil {
		return nil, NewError(ServiceCalendar, KindInvalid, err)
	}
	from, to := window.Start, window.End
	if requested.Start.Before(from) {
		from = requested.Start
	}
	if requested.End.After(to) {
		to = requested.End
	}
	busy, err := d.svc.Calendar.Busy(ctx, from, to)
	if err != nil {
		return nil, wrap(ServiceCalendar, err)
	}
	for _, b := range busy {
		if requested.Overlaps(b) {
			return nil, d.conflict(requested, window, dur, busy, now)
		}
	}

	summary := a.Slots[classifier.EntitySubject]
	if summary == "" {
		summary = "Meeting with " + person
	}
	ev, err := d.svc.Calendar.CreateEvent(ctx, EventRequest{
		Summary:     summary,
		Description: "Scheduled via AssistClaw",
		Location:    a.Slots[classifier.EntityLocation],
		Start:       requested.Start,
		End:         requested.End,
		TimeZone:    d.loc.String(),
		Attendees:   []string{email},
	})
	if err != nil {
		return nil, wrap(ServiceCalendar, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "✅ Meeting with %s scheduled for %s (%s).", person, formatMoment(requested.Start), formatDuration(dur))
	if ev.Link != "" {
		fmt.Fprintf(&b, "\n🔗 %s", ev.Link)
	}
	return &Result{Text: b.String(), Event: ev}, nil
}

// conflict builds the SlotError offering free alternatives on the same day.
func (d *Dispatcher) conflict(requested, window Interval, dur time.Duration, busy []Interval, now time.Time) error {
	free := FreeSlots(window, dur, d.cfg.SlotStep, busy, now)
	if len(free) > d.cfg.MaxSuggestions {
		free = free[:d.cfg.MaxSuggestions]
	}

	msg := fmt.Sprintf("You already have something at %s.", formatMoment(requested.Start))
	if len(free) == 0 {
		msg += fmt.Sprintf(" There's no free %s slot left that day.", formatDuration(dur))
		return &SlotError{Slot: classifier.EntityDate, Message: msg}
	}

	choices := make([]Choice, len(free))
	for i, f := range free {
		choices[i] = Choice{
			Label: f.Start.Format("15:04") + "–" + f.End.Format("15:04"),
			Values: map[classifier.EntityType]string{
				classifier.EntityTime: f.Start.Format("15:04"),
			},
		}
	}
	return &SlotError{Slot: classifier.EntityTime, Message: msg, Choices: choices}
}

func (d *Dispatcher) sendEmail(ctx context.Context, a Action) (*Result, error) {
	if d.svc.Mailer == nil {
		return nil, NewError(ServiceGmail, KindAuth, ErrNotConfigured)
	}

	email, _, err := d.resolveEmail(ctx, classifier.EntityRecipientEmail, a.Slots[classifier.EntityRecipientEmail])
	if err != nil {
		return nil, err
	}
	subject := a.Slots[classifier.EntitySubject]

	id, err := d.svc.Mailer.Send(ctx, Email{
		To:      email,
		Subject: subject,
		Body:    a.Slots[classifier.EntityBody],
	})
	if err != nil {
		return nil, wrap(ServiceGmail, err)
	}
	return &Result{
		Text:      fmt.Sprintf("📧 Email sent to %s with subject %q.", email, subject),
		MessageID: id,
	}, nil
}

func (d *Dispatcher) checkCalendar(ctx context.Context, a Action) (*Result, error) {
	if d.svc.Calendar == nil {
		return nil, NewError(ServiceCalendar, KindAuth, ErrNotConfigured)
	}

	date := a.Slots[classifier.EntityDate]
	if date == "" {
		now := d.now().In(d.loc)
		events, err := d.svc.Calendar.ListEvents(ctx, now, now.AddDate(0, 0, 30), 1)
		if err != nil {
			return nil, wrap(ServiceCalendar, err)
		}
		if len(events) == 0 {
			return &Result{Text: "📅 You have no upcoming events in the next 30 days."}, nil
		}
		ev := events[0]
		text := fmt.Sprintf("📅 Your next event is *%s* on %s.", eventTitle(ev), formatMoment(ev.Start.In(d.loc)))
		if ev.AllDay {
			text = fmt.Sprintf("📅 Your next event is *%s* on %s (all day).", eventTitle(ev), ev.Start.Format("Monday, Jan 2"))
		}
		return &Result{Text: text, Events: events}, nil
	}

	day, err := time.ParseInLocation("2006-01-02", date, d.loc)
	if err != nil {
		return nil, &SlotError{Slot: classifier.EntityDate, Message: "I couldn't read that date."}
	}
	events, err := d.svc.Calendar.ListEvents(ctx, day, day.AddDate(0, 0, 1), 50)
	if err != nil {
		return nil, wrap(ServiceCalendar, err)
	}
	label := formatDay(day, d.now().In(d.loc))
	if len(events) == 0 {
		return &Result{Text: fmt.Sprintf("📅 You have no events %s.", label)}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📅 Your events %s:", label)
	for _, ev := range events {
		if ev.AllDay {
			fmt.Fprintf(&b, "\n• All day: %s", eventTitle(ev))
			continue
		}
		fmt.Fprintf(&b, "\n• %s–%s %s", ev.Start.In(d.loc).Format("15:04"), ev.End.In(d.loc).Format("15:04"), eventTitle(ev))
		if ev.Location != "" {
			fmt.Fprintf(&b, " (%s)", ev.Location)
		}
	}
	return &Result{Text: b.String(), Events: events}, nil
}

func (d *Dispatcher) checkFreeSlots(ctx context.Context, a Action) (*Result, error) {
	if d.svc.Calendar == nil {
		return nil, NewError(ServiceCalendar, KindAuth, ErrNotConfigured)
	}

	now := d.now().In(d.loc)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, d.loc)
	if date := a.Slots[classifier.EntityDate]; date != "" {
		parsed, err := time.ParseInLocation("2006-01-02", date, d.loc)
		if err != nil {
			return nil, &SlotError{Slot: classifier.EntityDate, Message: "I couldn't read that date."}
		}
		day = parsed
	}
	dur := d.duration(a.Slots)

	window, err := WorkingWindow(day, d.cfg.WorkdayStart, d.cfg.WorkdayEnd)
	if err != nil {
		return nil, NewError(ServiceCalendar, KindInvalid, err)
	}
	busy, err := d.svc.Calendar.Busy(ctx, window.Start, window.End)
	if err != nil {
		return nil, wrap(ServiceCalendar, err)
	}

	free := FreeWindows(window, busy, dur, now)
	label := formatDay(day, now)
	if len(free) == 0 {
		return &Result{Text: fmt.Sprintf("🗓️ No free %s slots %s between %s and %s.",
			formatDuration(dur), label, d.cfg.WorkdayStart, d.cfg.WorkdayEnd)}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🗓️ You're free %s (%s or longer):", label, formatDuration(dur))
	for _, f := range free {
		fmt.Fprintf(&b, "\n• %s–%s", f.Start.Format("15:04"), f.End.Format("15:04"))
	}
	return &Result{Text: b.String()}, nil
}

func (d *Dispatcher) findContact(ctx context.Context, a Action) (*Result, error) {
	if d.svc.Contacts == nil {
		return nil, NewError(ServiceContacts, KindAuth, ErrNotConfigured)
	}

	query := a.Slots[classifier.EntityContactName]
	found, err := d.svc.Contacts.Search(ctx, query, 10)
	if err != nil {
		return nil, wrap(ServiceContacts, err)
	}

	switch len(found) {
	case 0:
		return &Result{Text: fmt.Sprintf("🔍 I couldn't find any contact matching %q.", query)}, nil
	case 1:
		return &Result{Text: formatContact(found[0]), Contacts: found}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🔍 I found %d contacts matching %q:", len(found), query)
	for i, c := range found {
		fmt.Fprintf(&b, "\n%d. %s", i+1, c.Name)
		if c.Email != "" {
			fmt.Fprintf(&b, " · %s", c.Email)
		}
		if c.Phone != "" {
			fmt.Fprintf(&b, " · %s", c.Phone)
		}
	}
	return &Result{Text: b.String(), Contacts: found}, nil
}

// resolveEmail turns a person slot into an address. Names are looked up in
// the contacts directory; the returned display name is used in replies.
func (d *Dispatcher) resolveEmail(ctx context.Context, slot classifier.EntityType, raw string) (email, name string, err error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "@") {
		return raw, raw, nil
	}
	ask := &SlotError{
		Slot:    slot,
		Message: fmt.Sprintf("I couldn't find an email address for %s in your contacts.", raw),
	}
	if d.svc.Contacts == nil {
		return "", "", ask
	}

	found, err := d.svc.Contacts.Search(ctx, raw, 5)
	if err != nil {
		return "", "", wrap(ServiceContacts, err)
	}

	var withEmail []Contact
	for _, c := range found {
		if c.Email != "" {
			withEmail = append(withEmail, c)
		}
	}

	switch len(withEmail) {
	case 0:
		return "", "", ask
	case 1:
		return withEmail[0].Email, withEmail[0].Name, nil
	}

	var exact []Contact
	for _, c := range withEmail {
		if strings.EqualFold(c.Name, raw) {
			exact = append(exact, c)
		}
	}
	if len(exact) == 1 {
		return exact[0].Email, exact[0].Name, nil
	}

	choices := make([]Choice, len(withEmail))
	for i, c := range withEmail {
		choices[i] = Choice{
			Label:  fmt.Sprintf("%s <%s>", c.Name, c.Email),
			Values: map[classifier.EntityType]string{slot: c.Email},
		}
	}
	return "", "", &SlotError{
		Slot:    slot,
		Message: fmt.Sprintf("I found several contacts matching %s.", raw),
		Choices: choices,
	}
}

func (d *Dispatcher) duration(slots map[classifier.EntityType]string) time.Duration {
	if v := slots[classifier.EntityDuration]; v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Minute
		}
	}
	return d.cfg.DefaultDuration
}
