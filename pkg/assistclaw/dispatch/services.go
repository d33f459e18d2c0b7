package dispatch

import (
	"context"
	"time"
)

// Service names used in errors and metrics.
const (
	ServiceCalendar = "calendar"
	ServiceGmail    = "gmail"
	ServiceContacts = "contacts"
)

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether i and o share any instant.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

// Event is a calendar entry.
type Event struct {
	ID        string
	Summary   string
	Location  string
	Link      string
	Start     time.Time
	End       time.Time
	AllDay    bool
	Attendees []string
}

// EventRequest describes an event to create.
type EventRequest struct {
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	TimeZone    string
	Attendees   []string
}

// Calendar is the calendar collaborator.
type Calendar interface {
	CreateEvent(ctx context.Context, req EventRequest) (*Event, error)
	ListEvents(ctx context.Context, from, to time.Time, limit int) ([]Event, error)
	Busy(ctx context.Context, from, to time.Time) ([]Interval, error)
}

// Email is an outgoing message.
type Email struct {
	To      string
	Subject string
	Body    string
}

// Mailer is the email collaborator.
type Mailer interface {
	Send(ctx context.Context, msg Email) (id string, err error)
}

// Contact is an address book entry.
type Contact struct {
	ResourceName string
	Name         string
	Email        string
	Phone        string
	Organization string
}

// ContactDirectory is the contacts collaborator.
type ContactDirectory interface {
	Search(ctx context.Context, query string, limit int) ([]Contact, error)
}
