// Package validator checks extracted entities against field rules and
// normalizes them into the canonical forms the dispatcher expects. It never
// touches conversation state: every check is a pure function of its input,
// the reference clock and the configured location.
package validator

import (
	"strings"
	"time"
	"unicode"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/classifier"
)

// Reason explains why a value was rejected.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonInvalidFormat Reason = "invalid_format"
	ReasonUnparseable   Reason = "unparseable"
	ReasonPast          Reason = "past"
	ReasonTypoDomain    Reason = "typo_domain"
	ReasonOutOfRange    Reason = "out_of_range"
)

// Canonical layouts of normalized values.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// Duration bounds in minutes.
const (
	MinDurationMinutes = 5
	MaxDurationMinutes = 480
)

// Outcome is the result of validating one raw value.
type Outcome struct {
	Valid      bool
	Normalized string
	Suggestion string
	Reason     Reason
}

func valid(normalized string) Outcome {
	return Outcome{Valid: true, Normalized: normalized}
}

func invalid(reason Reason) Outcome {
	return Outcome{Reason: reason}
}

// Validator validates entity values relative to a clock and a location.
type Validator struct {
	loc *time.Location
	now func() time.Time
}

// Option customizes a Validator.
type Option func(*Validator)

// WithLocation sets the timezone that relative dates and times resolve in.
func WithLocation(loc *time.Location) Option {
	return func(v *Validator) {
		if loc != nil {
			v.loc = loc
		}
	}
}

// WithClock replaces the reference clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		if now != nil {
			v.now = now
		}
	}
}

// New creates a Validator. The default location is time.Local.
func New(opts ...Option) *Validator {
	v := &Validator{loc: time.Local, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Location returns the configured timezone.
func (v *Validator) Location() *time.Location { return v.loc }

// Now returns the reference time in the configured timezone.
func (v *Validator) Now() time.Time { return v.now().In(v.loc) }

// Validate checks raw as a value for the given entity type.
func (v *Validator) Validate(t classifier.EntityType, raw string) Outcome {
	switch t {
	case classifier.EntityAttendee, classifier.EntityRecipientEmail:
		if strings.Contains(raw, "@") {
			return v.Email(raw)
		}
		return v.Name(raw)
	case classifier.EntityContactName:
		return v.Name(raw)
	case classifier.EntityDate:
		return v.Date(raw)
	case classifier.EntityTime:
		return v.Time(raw)
	case classifier.EntityDuration:
		return v.Duration(raw)
	default:
		return v.Text(raw)
	}
}

// ValidateAsTyped is Validate with the email typo check skipped.
func (v *Validator) ValidateAsTyped(t classifier.EntityType, raw string) Outcome {
	if strings.Contains(raw, "@") && (t == classifier.EntityAttendee || t == classifier.EntityRecipientEmail) {
		return v.EmailAsTyped(raw)
	}
	return v.Validate(t, raw)
}

// Name accepts any trimmed value that contains a letter.
func (v *Validator) Name(raw string) Outcome {
	s := strings.Join(strings.Fields(raw), " ")
	s = strings.Trim(s, ".,;:!?\"'")
	if s == "" || len(s) > 100 || !strings.ContainsFunc(s, unicode.IsLetter) {
		return invalid(ReasonInvalidFormat)
	}
	return valid(s)
}

// Text accepts any value that is not blank.
func (v *Validator) Text(raw string) Outcome {
	s := strings.TrimSpace(raw)
	if s == "" {
		return invalid(ReasonInvalidFormat)
	}
	return valid(s)
}
