package classifier

import (
	"regexp"
	"strconv"
	"strings"
)

// Pre-compiled patterns for entity extraction.
var (
	emailPattern   = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	atTokenPattern = regexp.MustCompile(`[^\s,;<>()"']*@[^\s,;<>()"']*`)

	// timePattern matches "3pm", "3:30 pm", "15:00", "noon" and "midnight".
	timePattern = regexp.MustCompile(`(?i)\b\d{1,2}(?::[0-5]\d)?\s*(?:(?:am|pm)\b|a\.m\.|p\.m\.)|\b(?:[01]?\d|2[0-3]):[0-5]\d\b|\b(?:noon|midnight)\b`)

	datePattern = regexp.MustCompile(`(?i)\b(?:` +
		`day\s+after\s+tomorrow|today|tonight|tomorrow|` +
		`in\s+\d{1,2}\s+days?|` +
		`(?:next|this|coming)\s+(?:mon|tues|wednes|thurs|fri|satur|sun)day|` +
		`(?:mon|tues|wednes|thurs|fri|satur|sun)day|` +
		`\d{4}-\d{2}-\d{2}|` +
		`\d{1,2}/\d{1,2}(?:/\d{2,4})?|` +
		`(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+\d{1,2}(?:st|nd|rd|th)?(?:,?\s+\d{4})?|` +
		`\d{1,2}(?:st|nd|rd|th)?\s+(?:of\s+)?(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*(?:,?\s+\d{4})?` +
		`)\b`)

	durationPattern     = regexp.MustCompile(`(?i)\b(\d{1,3})\s*(hours?|hrs?|minutes?|mins?)\b`)
	durationWordPattern = regexp.MustCompile(`(?i)\b(half\s+an\s+hour|an\s+hour|one\s+hour)\b`)

	subjectPattern = regexp.MustCompile(`(?i)\b(?:subject|title)\s*(?:is|:|=)\s*["“']?([^"”'\n,;]+?)["”']?\s*(?:$|[,;\n]|\b(?:and|with)\s+(?:the\s+)?(?:body|message|content)\b)`)
	aboutPattern   = regexp.MustCompile(`(?i)\b(?:about|regarding|re:)\s+["“']?([^"”'\n,;]+?)["”']?\s*(?:$|[,;.\n]|\b(?:tomorrow|today|on|at|with|saying|body)\b)`)
	bodyPattern    = regexp.MustCompile(`(?i)\b(?:body|content|message)\s*(?:is|:|=)\s*["“']?(.+?)["”']?\s*$|\b(?:saying|that says|telling (?:him|her|them))\s+["“']?(.+?)["”']?\s*$`)

	locationPattern   = regexp.MustCompile(`(?i)\b(?:location|place|venue)\s*(?:is|:|=)\s*([^,;\n]+?)\s*(?:$|[,;\n])`)
	inLocationPattern = regexp.MustCompile(`\bin\s+(?:the\s+)?([A-Z][\w'-]*(?:\s+[A-Z][\w'-]*){0,3})`)

	nameAfterPattern  = regexp.MustCompile(`\b(?i:with|for|to|contact|about|of|is|call|email|mail)\s+([A-Z][a-zA-Z'-]+(?:\s+[A-Z][a-zA-Z'-]+){0,2})`)
	possessivePattern = regexp.MustCompile(`\b([A-Z][a-zA-Z-]+(?:\s+[A-Z][a-zA-Z-]+)?)'s\s+(?:email|phone|number|contact|address|details)`)
	lookupNamePattern = regexp.MustCompile(`(?i)\b(?:find|look\s*up|search(?:\s+for)?|get|show|who\s+is)\s+(?:the\s+)?(?:contact\s+)?(?:(?:info(?:rmation)?|details|email(?:\s+address)?|phone(?:\s+number)?|number)\s+(?:for|of)\s+)?([a-z][a-z'-]+(?:\s+[a-z][a-z'-]+)?)\s*\??$`)
)

// nameStopwords are capitalized words that look like names but are not.
var nameStopwords = map[string]bool{
	"i": true, "me": true, "my": true, "the": true, "a": true, "an": true,
	"today": true, "tomorrow": true, "tonight": true, "next": true, "this": true,
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
	"january": true, "february": true, "march": true, "april": true, "may": true,
	"june": true, "july": true, "august": true, "september": true, "october": true,
	"november": true, "december": true,
	"contact": true, "contacts": true, "info": true, "information": true,
	"details": true, "email": true, "phone": true, "number": true, "someone": true,
	"calendar": true, "meeting": true, "subject": true, "body": true,
	"find": true, "get": true, "show": true, "search": true, "look": true,
	"lookup": true, "what": true, "what's": true, "whats": true, "who": true,
	"where": true, "send": true, "ask": true, "tell": true, "meet": true,
	"schedule": true, "book": true, "please": true,
}

// Extract pulls entities out of text with regular expressions. It backs the
// rule-based tier and fills gaps left by the other tiers. Person references
// (emails and names) are mapped to the slot the intent uses for them; with
// no actionable intent the awaited slot from the context is used instead.
func Extract(text string, intent Intent, cctx Context) Entities {
	e := Entities{}
	text = strings.TrimSpace(text)
	if text == "" {
		return e
	}

	if intent == "" || intent == IntentUnknown {
		intent = cctx.ActiveIntent
	}

	e.Set(EntityDate, datePattern.FindString(text))
	e.Set(EntityTime, timePattern.FindString(text))
	e.Set(EntityDuration, extractDuration(text))

	slot := personSlot(intent)
	if slot == "" && isPersonSlot(cctx.AwaitedSlot) {
		slot = cctx.AwaitedSlot
	}
	if slot != "" {
		e.Set(slot, extractPerson(text, slot))
	}

	switch intent {
	case IntentSendEmail:
		e.Set(EntitySubject, extractSubject(text))
		e.Set(EntityBody, extractBody(text))
	case IntentScheduleMeeting:
		e.Set(EntitySubject, extractSubject(text))
		e.Set(EntityLocation, extractLocation(text))
	}

	return e
}

// extractPerson finds the best person reference for slot.
func extractPerson(text string, slot EntityType) string {
	emails := emailPattern.FindAllString(text, -1)
	name := extractName(text)

	if slot == EntityContactName {
		if name != "" {
			return name
		}
		if len(emails) > 0 {
			return emails[0]
		}
		if m := lookupNamePattern.FindStringSubmatch(text); len(m) > 1 && !isStopword(m[1]) {
			return m[1]
		}
		return ""
	}

	if len(emails) > 0 {
		return emails[0]
	}
	// A token with "@" that is not a valid address still goes to the slot so
	// the validator can explain what is wrong with it.
	if tok := atTokenPattern.FindString(text); tok != "" {
		return strings.TrimRight(tok, ".!?")
	}
	return name
}

// extractName returns the first capitalized name run that follows a
// preposition or precedes a possessive.
func extractName(text string) string {
	if m := possessivePattern.FindStringSubmatch(text); len(m) > 1 {
		if name := trimLeadingStopwords(m[1]); name != "" {
			return name
		}
	}
	for _, m := range nameAfterPattern.FindAllStringSubmatch(text, -1) {
		if len(m) < 2 {
			continue
		}
		if name := trimStopwords(m[1]); name != "" {
			return name
		}
	}
	return ""
}

// trimStopwords drops trailing stopwords ("John Tomorrow" → "John") and
// rejects runs that start with one.
func trimStopwords(run string) string {
	words := strings.Fields(run)
	var kept []string
	for _, w := range words {
		if isStopword(w) {
			break
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}

// trimLeadingStopwords drops verbs and articles in front of a name
// ("Find Maria" → "Maria").
func trimLeadingStopwords(run string) string {
	words := strings.Fields(run)
	for len(words) > 0 && isStopword(words[0]) {
		words = words[1:]
	}
	return trimStopwords(strings.Join(words, " "))
}

func isStopword(s string) bool {
	first := strings.Fields(strings.ToLower(s))
	if len(first) == 0 {
		return true
	}
	return nameStopwords[first[0]]
}

// extractDuration returns the duration in minutes as a decimal string.
func extractDuration(text string) string {
	if m := durationPattern.FindStringSubmatch(text); len(m) > 2 {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return ""
		}
		if strings.HasPrefix(strings.ToLower(m[2]), "h") {
			n *= 60
		}
		return strconv.Itoa(n)
	}
	if m := durationWordPattern.FindString(text); m != "" {
		if strings.HasPrefix(strings.ToLower(m), "half") {
			return "30"
		}
		return "60"
	}
	return ""
}

func extractSubject(text string) string {
	if m := subjectPattern.FindStringSubmatch(text); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	if m := aboutPattern.FindStringSubmatch(text); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func extractBody(text string) string {
	m := bodyPattern.FindStringSubmatch(text)
	if len(m) < 3 {
		return ""
	}
	if m[1] != "" {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(m[2])
}

func extractLocation(text string) string {
	if m := locationPattern.FindStringSubmatch(text); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	for _, m := range inLocationPattern.FindAllStringSubmatch(text, -1) {
		if loc := trimStopwords(m[1]); loc != "" {
			return loc
		}
	}
	return ""
}
