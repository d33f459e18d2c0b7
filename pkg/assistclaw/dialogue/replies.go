package dialogue

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/classifier"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/conversation"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/dispatch"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/validator"
)

var (
	cancelWords = map[string]bool{
		"cancel": true, "stop": true, "abort": true, "nevermind": true,
		"never mind": true, "forget it": true,
	}
	yesWords = map[string]bool{
		"yes": true, "y": true, "yeah": true, "yep": true, "yup": true, "sure": true,
		"ok": true, "okay": true, "correct": true, "right": true, "confirm": true,
		"yes please": true, "do it": true,
	}
	noWords = map[string]bool{
		"no": true, "n": true, "nope": true, "nah": true, "wrong": true, "no thanks": true,
	}
	retryWords = map[string]bool{
		"retry": true, "try again": true, "again": true, "yes": true, "y": true,
		"ok": true, "okay": true, "sure": true, "please retry": true,
	}
	helpWords = map[string]bool{
		"help": true, "?": true, "what can you do": true, "commands": true, "menu": true,
	}
	syncWords = map[string]bool{
		"sync contacts": true, "sync": true, "refresh contacts": true,
	}
)

// normalize lowercases text and drops surrounding punctuation so command
// words match regardless of how they were typed ("Cancel!", " yes.").
func normalize(text string) string {
	s := strings.ToLower(strings.Join(strings.Fields(text), " "))
	return strings.Trim(s, ".,;:!¡¿ ")
}

// optionNumber parses "2", "#2", "option 2" or "2." into a 1-based index.
func optionNumber(norm string) (int, bool) {
	s := strings.TrimPrefix(norm, "option ")
	s = strings.TrimPrefix(s, "#")
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return n, true
}

const helpText = `👋 I can help you with:
• *Schedule a meeting*: "Meet with jane@example.com tomorrow at 3pm"
• *Send an email*: "Email Bob about the budget"
• *Check your calendar*: "What's on my calendar tomorrow?"
• *Find free time*: "When am I free on Friday?"
• *Look up a contact*: "Find Maria's email"

Say *cancel* at any time to drop what we're doing.`

const notUnderstood = "🤔 Sorry, I didn't understand that."

// invalidText explains why value was rejected for slot.
func invalidText(slot classifier.EntityType, raw string, out validator.Outcome) string {
	switch out.Reason {
	case validator.ReasonTypoDomain:
		domain := raw
		if at := strings.LastIndex(raw, "@"); at >= 0 {
			domain = raw[at+1:]
		}
		return fmt.Sprintf("Hmm, *%s* looks like a typo. Did you mean *%s*? (yes/no)", domain, out.Suggestion)
	case validator.ReasonPast:
		if slot == classifier.EntityDate {
			return "That date is in the past."
		}
		return "That time has already passed."
	case validator.ReasonUnparseable:
		switch slot {
		case classifier.EntityDate:
			return fmt.Sprintf("I couldn't understand %q as a date.", raw)
		case classifier.EntityTime:
			return fmt.Sprintf("I couldn't understand %q as a time.", raw)
		case classifier.EntityDuration:
			return fmt.Sprintf("I couldn't understand %q as a duration.", raw)
		}
	case validator.ReasonOutOfRange:
		return "Meetings must last between 5 minutes and 8 hours."
	case validator.ReasonInvalidFormat:
		if isPerson(slot) && strings.Contains(raw, "@") {
			return fmt.Sprintf("%q isn't a valid email address.", raw)
		}
		if isPerson(slot) {
			return "I need a name or an email address."
		}
	}
	return "That doesn't look right."
}

// failureText is the kind-specific apology for a collaborator failure.
func failureText(kind dispatch.ErrorKind) string {
	switch kind {
	case dispatch.KindRateLimit:
		return "⏳ Google is limiting requests right now. Reply *retry* in a minute and I'll try again, or *cancel* to drop it."
	case dispatch.KindAuth:
		return "🔑 I can't access your Google account. Ask the operator to run `assistclaw google login`, then reply *retry*."
	case dispatch.KindTimeout:
		return "⌛ Google took too long to answer. Reply *retry* to try again, or *cancel* to drop it."
	case dispatch.KindNotFound:
		return "🔎 Google couldn't find what I asked for. Reply *retry* to try again, or *cancel* to drop it."
	case dispatch.KindInvalid:
		return "⚠️ Google rejected the request. Reply *cancel* and try again with different details."
	default:
		return "⚠️ I couldn't reach Google just now. Reply *retry* to try again, or *cancel* to drop it."
	}
}

// optionsText lists numbered options under message.
func optionsText(message string, opts []conversation.Option, intent classifier.Intent, slot classifier.EntityType) string {
	var b strings.Builder
	b.WriteString(message)
	b.WriteString("\n")
	for i, o := range opts {
		fmt.Fprintf(&b, "\n%d. %s", i+1, o.Label)
	}
	b.WriteString("\n\nReply with a number, or answer: ")
	b.WriteString(prompt(intent, slot))
	return b.String()
}

func toOptions(choices []dispatch.Choice) []conversation.Option {
	if len(choices) == 0 {
		return nil
	}
	out := make([]conversation.Option, len(choices))
	for i, c := range choices {
		vals := make(map[classifier.EntityType]string, len(c.Values))
		for k, v := range c.Values {
			vals[k] = v
		}
		out[i] = conversation.Option{Label: c.Label, Values: vals}
	}
	return out
}
