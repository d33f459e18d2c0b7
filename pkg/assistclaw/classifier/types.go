// Package classifier resolves the intent behind an inbound message and
// extracts the entities needed to act on it. Classification runs through a
// Chain of tiers (remote LLM, local model, rules) tried in strict order; a
// failing tier degrades to the next one and only exhaustion of every tier
// yields IntentUnknown.
package classifier

import (
	"strings"
	"time"
)

// Intent is the high-level goal behind a message.
type Intent string

const (
	IntentScheduleMeeting Intent = "schedule_meeting"
	IntentSendEmail       Intent = "send_email"
	IntentCheckCalendar   Intent = "check_calendar"
	IntentLookupContact   Intent = "find_contact"
	IntentCheckFreeSlots  Intent = "check_free_slots"
	IntentUnknown         Intent = "unknown"
)

// Intents lists every actionable intent (IntentUnknown excluded).
var Intents = []Intent{
	IntentScheduleMeeting,
	IntentSendEmail,
	IntentCheckCalendar,
	IntentLookupContact,
	IntentCheckFreeSlots,
}

// ParseIntent maps a label (including common aliases produced by models) to
// an Intent. Unrecognized labels map to IntentUnknown.
func ParseIntent(s string) Intent {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, " ", "_")
	switch s {
	case "schedule_meeting", "schedulemeeting", "meeting", "book_meeting":
		return IntentScheduleMeeting
	case "send_email", "sendemail", "email":
		return IntentSendEmail
	case "check_calendar", "checkcalendar", "calendar":
		return IntentCheckCalendar
	case "find_contact", "lookup_contact", "lookupcontact", "contact":
		return IntentLookupContact
	case "check_free_slots", "free_slots", "availability", "check_availability":
		return IntentCheckFreeSlots
	default:
		return IntentUnknown
	}
}

// Describe returns a short gerund phrase for the intent, used in prompts
// ("You're in the middle of scheduling a meeting").
func (i Intent) Describe() string {
	switch i {
	case IntentScheduleMeeting:
		return "scheduling a meeting"
	case IntentSendEmail:
		return "sending an email"
	case IntentCheckCalendar:
		return "checking your calendar"
	case IntentLookupContact:
		return "looking up a contact"
	case IntentCheckFreeSlots:
		return "checking your availability"
	default:
		return "something else"
	}
}

// Source identifies which tier produced a Result.
type Source string

const (
	SourceLLM   Source = "llm"
	SourceLocal Source = "local-model"
	SourceRules Source = "rule-based"
)

// EntityType names a piece of structured information extracted from text.
// Slot names in the dialogue use the same values.
type EntityType string

const (
	EntityAttendee       EntityType = "attendee"
	EntityDate           EntityType = "date"
	EntityTime           EntityType = "time"
	EntityDuration       EntityType = "duration"
	EntitySubject        EntityType = "subject"
	EntityBody           EntityType = "body"
	EntityRecipientEmail EntityType = "recipientEmail"
	EntityContactName    EntityType = "contactName"
	EntityLocation       EntityType = "location"
)

// Entities maps entity types to the raw strings extracted for them.
type Entities map[EntityType]string

// Get returns the value for t, or "" when absent.
func (e Entities) Get(t EntityType) string {
	if e == nil {
		return ""
	}
	return e[t]
}

// Set stores v under t. Blank values are ignored.
func (e Entities) Set(t EntityType, v string) {
	v = strings.TrimSpace(v)
	if v == "" {
		return
	}
	e[t] = v
}

// Fill copies entries from other that are missing in e.
func (e Entities) Fill(other Entities) {
	for k, v := range other {
		if _, ok := e[k]; !ok && v != "" {
			e[k] = v
		}
	}
}

// Clone returns a copy of e.
func (e Entities) Clone() Entities {
	out := make(Entities, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Result is the outcome of classifying one message.
type Result struct {
	Intent     Intent
	Confidence float64
	Source     Source
	Entities   Entities
}

// Context carries conversation hints into classification: which intent is
// active and which slot the assistant is waiting for. It also carries the
// reference clock used to resolve relative dates.
type Context struct {
	ActiveIntent Intent
	AwaitedSlot  EntityType
	Now          time.Time
	Location     *time.Location
}

// now returns the reference time in the configured location.
func (c Context) now() time.Time {
	now := c.Now
	if now.IsZero() {
		now = time.Now()
	}
	if c.Location != nil {
		now = now.In(c.Location)
	}
	return now
}

// Request is what a Tier receives.
type Request struct {
	Text    string
	Context Context
}

// personSlot returns the slot that a bare person reference (name or email)
// fills for the given intent.
func personSlot(intent Intent) EntityType {
	switch intent {
	case IntentScheduleMeeting:
		return EntityAttendee
	case IntentSendEmail:
		return EntityRecipientEmail
	case IntentLookupContact:
		return EntityContactName
	default:
		return ""
	}
}

// isPersonSlot reports whether t holds a person reference.
func isPersonSlot(t EntityType) bool {
	return t == EntityAttendee || t == EntityRecipientEmail || t == EntityContactName
}
