package dialogue

import (
	"github.com/jholhewres/assistclaw/pkg/assistclaw/classifier"
)

// slotPlan lists the slots an intent collects. Required slots are asked for
// in order; optional ones are only taken when the user volunteers them.
type slotPlan struct {
	required []classifier.EntityType
	optional []classifier.EntityType
}

var plans = map[classifier.Intent]slotPlan{
	classifier.IntentScheduleMeeting: {
		required: []classifier.EntityType{classifier.EntityAttendee, classifier.EntityDate, classifier.EntityTime},
		optional: []classifier.EntityType{classifier.EntityDuration, classifier.EntitySubject, classifier.EntityLocation},
	},
	classifier.IntentSendEmail: {
		required: []classifier.EntityType{classifier.EntityRecipientEmail, classifier.EntitySubject, classifier.EntityBody},
	},
	classifier.IntentCheckCalendar: {
		optional: []classifier.EntityType{classifier.EntityDate},
	},
	classifier.IntentLookupContact: {
		required: []classifier.EntityType{classifier.EntityContactName},
	},
	classifier.IntentCheckFreeSlots: {
		optional: []classifier.EntityType{classifier.EntityDate, classifier.EntityDuration},
	},
}

// slots returns required followed by optional slots.
func (p slotPlan) slots() []classifier.EntityType {
	out := make([]classifier.EntityType, 0, len(p.required)+len(p.optional))
	out = append(out, p.required...)
	return append(out, p.optional...)
}

func (p slotPlan) has(slot classifier.EntityType) bool {
	for _, s := range p.slots() {
		if s == slot {
			return true
		}
	}
	return false
}

// carries reports whether e holds a value for any slot of the plan.
func (p slotPlan) carries(e classifier.Entities) bool {
	for _, s := range p.slots() {
		if e.Get(s) != "" {
			return true
		}
	}
	return false
}

// step returns the index of slot in the required sequence, or the number of
// required slots when slot is optional or unknown.
func (p slotPlan) step(slot classifier.EntityType) int {
	for i, s := range p.required {
		if s == slot {
			return i
		}
	}
	return len(p.required)
}

// freeText reports whether a slot takes the user's reply verbatim.
func freeText(slot classifier.EntityType) bool {
	switch slot {
	case classifier.EntitySubject, classifier.EntityBody, classifier.EntityLocation:
		return true
	}
	return false
}

func isPerson(slot classifier.EntityType) bool {
	switch slot {
	case classifier.EntityAttendee, classifier.EntityRecipientEmail, classifier.EntityContactName:
		return true
	}
	return false
}

// prompt is the question asked for a slot of an intent.
func prompt(intent classifier.Intent, slot classifier.EntityType) string {
	switch slot {
	case classifier.EntityAttendee:
		return "Who would you like to meet with? (name or email)"
	case classifier.EntityRecipientEmail:
		return "Who should I send the email to? (name or email)"
	case classifier.EntityContactName:
		return "Whose contact details are you looking for?"
	case classifier.EntityDate:
		if intent == classifier.IntentScheduleMeeting {
			return "What day should the meeting be? (e.g. tomorrow, Friday, Oct 24)"
		}
		return "Which day? (e.g. today, tomorrow, Friday)"
	case classifier.EntityTime:
		return "What time? (e.g. 3pm, 15:30)"
	case classifier.EntityDuration:
		return "How long should it be? (e.g. 30 min, 1 hour)"
	case classifier.EntitySubject:
		if intent == classifier.IntentScheduleMeeting {
			return "What's the meeting about?"
		}
		return "What's the subject of the email?"
	case classifier.EntityBody:
		return "What should the email say?"
	case classifier.EntityLocation:
		return "Where will it take place?"
	default:
		return "Could you tell me more?"
	}
}

// intro is said once when a new intent starts collecting slots.
func intro(intent classifier.Intent) string {
	switch intent {
	case classifier.IntentScheduleMeeting:
		return "Sure, let's schedule a meeting."
	case classifier.IntentSendEmail:
		return "Sure, let's write that email."
	case classifier.IntentLookupContact:
		return "Sure, I'll look that up."
	default:
		return "Sure."
	}
}

// label names an intent's goal in the infinitive ("schedule a meeting").
func label(intent classifier.Intent) string {
	switch intent {
	case classifier.IntentScheduleMeeting:
		return "schedule a meeting"
	case classifier.IntentSendEmail:
		return "send an email"
	case classifier.IntentCheckCalendar:
		return "check your calendar"
	case classifier.IntentLookupContact:
		return "look up a contact"
	case classifier.IntentCheckFreeSlots:
		return "check your availability"
	default:
		return "do something else"
	}
}
