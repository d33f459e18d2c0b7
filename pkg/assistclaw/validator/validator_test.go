package validator

import (
	"testing"
	"time"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/classifier"
)

// Monday, 19 October 2026, 10:00 UTC.
var refNow = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

func newTestValidator() *Validator {
	return New(WithLocation(time.UTC), WithClock(func() time.Time { return refNow }))
}

func TestEmail(t *testing.T) {
	t.Parallel()
	v := newTestValidator()

	tests := []struct {
		raw        string
		valid      bool
		normalized string
		reason     Reason
		suggestion string
	}{
		{raw: "jane@example.com", valid: true, normalized: "jane@example.com"},
		{raw: " Jane.Doe@Example.COM ", valid: true, normalized: "jane.doe@example.com"},
		{raw: "john@acme.io.", valid: true, normalized: "john@acme.io"},
		{raw: "user@gmial.com", reason: ReasonTypoDomain, suggestion: "user@gmail.com"},
		{raw: "bob@gmailcom", reason: ReasonTypoDomain, suggestion: "bob@gmail.com"},
		{raw: "ana@company.con", reason: ReasonTypoDomain, suggestion: "ana@company.com"},
		{raw: "li@gmaik.com", reason: ReasonTypoDomain, suggestion: "li@gmail.com"},
		{raw: "jane@", reason: ReasonInvalidFormat},
		{raw: "@example.com", reason: ReasonInvalidFormat},
		{raw: "a@b@c.com", reason: ReasonInvalidFormat},
		{raw: "jane@localhost", reason: ReasonInvalidFormat},
	}

	for _, tt := range tests {
		got := v.Email(tt.raw)
		if got.Valid != tt.valid {
			t.Errorf("Email(%q).Valid = %v, want %v", tt.raw, got.Valid, tt.valid)
		}
		if tt.valid && got.Normalized != tt.normalized {
			t.Errorf("Email(%q).Normalized = %q, want %q", tt.raw, got.Normalized, tt.normalized)
		}
		if got.Reason != tt.reason {
			t.Errorf("Email(%q).Reason = %q, want %q", tt.raw, got.Reason, tt.reason)
		}
		if got.Suggestion != tt.suggestion {
			t.Errorf("Email(%q).Suggestion = %q, want %q", tt.raw, got.Suggestion, tt.suggestion)
		}
	}
}

func TestValidateAsTyped(t *testing.T) {
	t.Parallel()
	v := newTestValidator()

	tests := []struct {
		slot       classifier.EntityType
		raw        string
		valid      bool
		normalized string
		reason     Reason
	}{
		{classifier.EntityRecipientEmail, "User@Gmial.com", true, "user@gmial.com", ReasonNone},
		{classifier.EntityAttendee, "li@gmaik.com", true, "li@gmaik.com", ReasonNone},
		{classifier.EntityRecipientEmail, "bob@gmailcom", false, "", ReasonInvalidFormat},
		{classifier.EntityAttendee, "Maria", true, "Maria", ReasonNone},
		{classifier.EntityDate, "next friday", true, "2026-10-30", ReasonNone},
	}

	for _, tt := range tests {
		got := v.ValidateAsTyped(tt.slot, tt.raw)
		if got.Valid != tt.valid || got.Normalized != tt.normalized || got.Reason != tt.reason {
			t.Errorf("ValidateAsTyped(%s, %q) = %+v, want valid=%v normalized=%q reason=%q",
				tt.slot, tt.raw, got, tt.valid, tt.normalized, tt.reason)
		}
	}
}

func TestDate(t *testing.T) {
	t.Parallel()
	v := newTestValidator()

	tests := []struct {
		raw    string
		want   string
		reason Reason
	}{
		{"today", "2026-10-19", ReasonNone},
		{"Tomorrow", "2026-10-20", ReasonNone},
		{"day after tomorrow", "2026-10-21", ReasonNone},
		{"in 3 days", "2026-10-22", ReasonNone},
		{"friday", "2026-10-23", ReasonNone},
		{"monday", "2026-10-26", ReasonNone},
		{"next tuesday", "2026-10-27", ReasonNone},
		{"next friday", "2026-10-30", ReasonNone},
		{"this friday", "2026-10-23", ReasonNone},
		{"next monday", "2026-10-26", ReasonNone},
		{"on Friday", "2026-10-23", ReasonNone},
		{"2026-12-01", "2026-12-01", ReasonNone},
		{"oct 25", "2026-10-25", ReasonNone},
		{"October 25th, 2026", "2026-10-25", ReasonNone},
		{"20th of november", "2026-11-20", ReasonNone},
		{"1 jan", "2027-01-01", ReasonNone},
		{"2020-01-01", "2020-01-01", ReasonPast},
		{"blorp", "", ReasonUnparseable},
		{"feb 30", "", ReasonUnparseable},
	}

	for _, tt := range tests {
		got := v.Date(tt.raw)
		if got.Reason != tt.reason {
			t.Errorf("Date(%q).Reason = %q, want %q", tt.raw, got.Reason, tt.reason)
			continue
		}
		if tt.want != "" && got.Normalized != tt.want {
			t.Errorf("Date(%q).Normalized = %q, want %q", tt.raw, got.Normalized, tt.want)
		}
		if got.Valid != (tt.reason == ReasonNone) {
			t.Errorf("Date(%q).Valid = %v", tt.raw, got.Valid)
		}
	}
}

func TestTime(t *testing.T) {
	t.Parallel()
	v := newTestValidator()

	tests := []struct {
		raw  string
		want string
	}{
		{"3pm", "15:00"},
		{"3:30 pm", "15:30"},
		{"at 9 a.m.", "09:00"},
		{"15:00", "15:00"},
		{"noon", "12:00"},
		{"midnight", "00:00"},
		{"12am", "00:00"},
		{"12pm", "12:00"},
		{"9", "09:00"},
		{"3", "15:00"},
		{"25:00", ""},
		{"13pm", ""},
		{"banana", ""},
	}

	for _, tt := range tests {
		got := v.Time(tt.raw)
		if tt.want == "" {
			if got.Valid || got.Reason != ReasonUnparseable {
				t.Errorf("Time(%q) = %+v, want unparseable", tt.raw, got)
			}
			continue
		}
		if !got.Valid || got.Normalized != tt.want {
			t.Errorf("Time(%q) = %+v, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestCheckFuture(t *testing.T) {
	t.Parallel()
	v := newTestValidator()

	if got := v.CheckFuture("2026-10-19", "09:00"); got.Valid || got.Reason != ReasonPast {
		t.Errorf("CheckFuture(earlier today) = %+v, want past", got)
	}
	if got := v.CheckFuture("2026-10-19", "11:00"); !got.Valid {
		t.Errorf("CheckFuture(later today) = %+v, want valid", got)
	}
	if got := v.CheckFuture("not-a-date", "11:00"); got.Reason != ReasonUnparseable {
		t.Errorf("CheckFuture(garbage) = %+v, want unparseable", got)
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()
	v := newTestValidator()

	tests := []struct {
		raw    string
		want   string
		reason Reason
	}{
		{"45", "45", ReasonNone},
		{"1 hour", "60", ReasonNone},
		{"1.5 hours", "90", ReasonNone},
		{"90m", "90", ReasonNone},
		{"1h30m", "90", ReasonNone},
		{"half an hour", "30", ReasonNone},
		{"2", "2", ReasonOutOfRange},
		{"600", "600", ReasonOutOfRange},
		{"soon", "", ReasonUnparseable},
	}

	for _, tt := range tests {
		got := v.Duration(tt.raw)
		if got.Reason != tt.reason || got.Normalized != tt.want {
			t.Errorf("Duration(%q) = %+v, want %q (%q)", tt.raw, got, tt.want, tt.reason)
		}
	}
}

func TestValidateRoutesByEntityType(t *testing.T) {
	t.Parallel()
	v := newTestValidator()

	tests := []struct {
		entity classifier.EntityType
		raw    string
		valid  bool
		reason Reason
	}{
		{classifier.EntityAttendee, "John Smith", true, ReasonNone},
		{classifier.EntityAttendee, "jane@", false, ReasonInvalidFormat},
		{classifier.EntityRecipientEmail, "user@gmial.com", false, ReasonTypoDomain},
		{classifier.EntityContactName, "   ", false, ReasonInvalidFormat},
		{classifier.EntityContactName, "42", false, ReasonInvalidFormat},
		{classifier.EntitySubject, "Quarterly review", true, ReasonNone},
		{classifier.EntityTime, "3pm", true, ReasonNone},
	}

	for _, tt := range tests {
		got := v.Validate(tt.entity, tt.raw)
		if got.Valid != tt.valid || got.Reason != tt.reason {
			t.Errorf("Validate(%s, %q) = %+v, want valid=%v reason=%q", tt.entity, tt.raw, got, tt.valid, tt.reason)
		}
	}
}

func TestEditDistance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want int
	}{
		{"gmail.com", "gmail.com", 0},
		{"gmaik.com", "gmail.com", 1},
		{"gmal.com", "gmail.com", 1},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
	}
	for _, tt := range tests {
		if got := editDistance(tt.a, tt.b); got != tt.want {
			t.Errorf("editDistance(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
