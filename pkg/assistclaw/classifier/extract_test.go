package classifier

import "testing"

func TestExtract(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		text   string
		intent Intent
		cctx   Context
		want   Entities
	}{
		{
			name:   "meeting with name, date and time",
			text:   "Schedule a meeting with John tomorrow at 3pm",
			intent: IntentScheduleMeeting,
			want:   Entities{EntityAttendee: "John", EntityDate: "tomorrow", EntityTime: "3pm"},
		},
		{
			name:   "email with address and subject",
			text:   "Send an email to jane@example.com about the budget",
			intent: IntentSendEmail,
			want:   Entities{EntityRecipientEmail: "jane@example.com", EntitySubject: "the budget"},
		},
		{
			name:   "incomplete address keeps the raw token",
			text:   "jane@",
			intent: IntentUnknown,
			cctx:   Context{ActiveIntent: IntentScheduleMeeting, AwaitedSlot: EntityAttendee},
			want:   Entities{EntityAttendee: "jane@"},
		},
		{
			name:   "duration in minutes",
			text:   "for 45 minutes",
			intent: IntentCheckFreeSlots,
			want:   Entities{EntityDuration: "45"},
		},
		{
			name:   "duration in hours",
			text:   "free slots for 2 hours on friday",
			intent: IntentCheckFreeSlots,
			want:   Entities{EntityDuration: "120", EntityDate: "friday"},
		},
		{
			name:   "half an hour",
			text:   "book half an hour",
			intent: IntentCheckFreeSlots,
			want:   Entities{EntityDuration: "30"},
		},
		{
			name:   "lowercase lookup name",
			text:   "find john",
			intent: IntentLookupContact,
			want:   Entities{EntityContactName: "john"},
		},
		{
			name:   "possessive lookup",
			text:   "What's Sarah's email?",
			intent: IntentLookupContact,
			want:   Entities{EntityContactName: "Sarah"},
		},
		{
			name:   "verb before possessive is not part of the name",
			text:   "Find Maria's email",
			intent: IntentLookupContact,
			want:   Entities{EntityContactName: "Maria"},
		},
		{
			name:   "capitalized lead word",
			text:   "Email Bob about the budget",
			intent: IntentSendEmail,
			want:   Entities{EntityRecipientEmail: "Bob", EntitySubject: "the budget"},
		},
		{
			name:   "awaited time slot",
			text:   "15:30",
			intent: IntentUnknown,
			cctx:   Context{ActiveIntent: IntentScheduleMeeting, AwaitedSlot: EntityTime},
			want:   Entities{EntityTime: "15:30"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Extract(tt.text, tt.intent, tt.cctx)
			for k, want := range tt.want {
				if got.Get(k) != want {
					t.Errorf("Extract(%q)[%s] = %q, want %q", tt.text, k, got.Get(k), want)
				}
			}
			for k, v := range got {
				if _, ok := tt.want[k]; !ok {
					t.Errorf("Extract(%q) produced unexpected %s = %q", tt.text, k, v)
				}
			}
		})
	}
}

func TestEntitiesFill(t *testing.T) {
	t.Parallel()

	e := Entities{EntityDate: "2026-10-20"}
	e.Fill(Entities{EntityDate: "tomorrow", EntityTime: "3pm"})

	if e.Get(EntityDate) != "2026-10-20" {
		t.Errorf("date = %q, want existing value kept", e.Get(EntityDate))
	}
	if e.Get(EntityTime) != "3pm" {
		t.Errorf("time = %q, want %q", e.Get(EntityTime), "3pm")
	}
}

func TestParseIntent(t *testing.T) {
	t.Parallel()

	tests := map[string]Intent{
		"schedule_meeting": IntentScheduleMeeting,
		"Schedule Meeting": IntentScheduleMeeting,
		"lookup-contact":   IntentLookupContact,
		"email":            IntentSendEmail,
		"free_slots":       IntentCheckFreeSlots,
		"dance":            IntentUnknown,
	}
	for in, want := range tests {
		if got := ParseIntent(in); got != want {
			t.Errorf("ParseIntent(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExtractJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"```json\n{\"intent\": \"unknown\"}\n```", `{"intent": "unknown"}`},
		{`Sure! {"intent": "send_email",}`, `{"intent": "send_email"}`},
		{"no json here", ""},
	}
	for _, tt := range tests {
		if got := extractJSON(tt.in); got != tt.want {
			t.Errorf("extractJSON(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
