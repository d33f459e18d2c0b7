package classifier

import (
	"context"
	"regexp"
	"strings"
)

// rulePhrase groups the phrase patterns that identify one intent.
type rulePhrase struct {
	intent   Intent
	patterns []*regexp.Regexp
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// phraseRules are checked in order; calendar phrases come first because
// "my schedule" and "meetings today" would otherwise look like scheduling.
var phraseRules = []rulePhrase{
	{IntentCheckCalendar, compileAll(
		`what'?s\s+on\s+(?:my\s+)?calendar`,
		`what\s+is\s+on\s+(?:my\s+)?calendar`,
		`check\s+(?:my\s+)?calendar`,
		`show\s+(?:my\s+)?calendar`,
		`what\s+do\s+i\s+have\s+(?:on|for|scheduled)`,
		`calendar\s+for\s+today`,
		`today'?s\s+(?:events|calendar|schedule)`,
		`my\s+events`,
		`my\s+schedule`,
		`my\s+agenda`,
		`what\s+events`,
		`any\s+events`,
		`next\s+(?:event|meeting|appointment)`,
		`appointments\s+(?:today|tomorrow|this week)`,
		`meetings\s+(?:today|tomorrow|this week)`,
	)},
	{IntentSendEmail, compileAll(
		`send\s+(?:an\s+)?e-?mail`,
		`write\s+(?:an\s+)?e-?mail`,
		`e-?mail\s+to`,
		`compose\s+(?:an\s+)?e-?mail`,
		`send\s+(?:a\s+)?message\s+to`,
	)},
	{IntentScheduleMeeting, compileAll(
		`schedule\s+(?:a\s+)?meeting`,
		`set\s+up\s+(?:a\s+)?meeting`,
		`book\s+(?:a\s+)?meeting`,
		`arrange\s+(?:a\s+)?meeting`,
		`plan\s+(?:a\s+)?meeting`,
		`set\s+(?:an?\s+)?appointment`,
		`schedule\s+(?:a\s+)?call`,
		`\bmeet(?:ing)?\s+with\b`,
	)},
	{IntentLookupContact, compileAll(
		`find\s+contact`,
		`find\s+(?:the\s+)?email\s+(?:address\s+)?(?:for|of)`,
		`get\s+contact\s+(?:info|information)`,
		`look\s*up\s+contact`,
		`search\s+(?:for\s+)?contact`,
		`who\s+is`,
		`contact\s+information`,
		`contact\s+details`,
		`phone\s+number\s+(?:for|of)`,
		`\b[a-z][a-z-]*'s\s+(?:email|phone|number|contact|address|details)\b`,
	)},
	{IntentCheckFreeSlots, compileAll(
		`find\s+(?:a\s+)?free\s+(?:slot|time)`,
		`check\s+(?:my\s+)?availability`,
		`when\s+am\s+i\s+free`,
		`available\s+(?:slots?|times?)`,
		`open\s+(?:slots?|times?)`,
		`free\s+(?:time|slots?)`,
	)},
}

// keywordRules is the last resort when no phrase matched.
var keywordRules = []struct {
	keyword string
	intent  Intent
}{
	{"email", IntentSendEmail},
	{"mail", IntentSendEmail},
	{"message", IntentSendEmail},
	{"meeting", IntentScheduleMeeting},
	{"schedule", IntentScheduleMeeting},
	{"appointment", IntentScheduleMeeting},
	{"calendar", IntentCheckCalendar},
	{"events", IntentCheckCalendar},
	{"agenda", IntentCheckCalendar},
	{"contact", IntentLookupContact},
	{"find", IntentLookupContact},
	{"who is", IntentLookupContact},
	{"availability", IntentCheckFreeSlots},
	{"free time", IntentCheckFreeSlots},
	{"when am i free", IntentCheckFreeSlots},
}

const (
	phraseConfidence  = 0.9
	keywordConfidence = 0.7
)

// RulesTier classifies with phrase patterns and keywords. It never fails and
// is meant to be the last tier of a Chain.
type RulesTier struct{}

// NewRulesTier creates the rule-based tier.
func NewRulesTier() *RulesTier { return &RulesTier{} }

// Source returns SourceRules.
func (t *RulesTier) Source() Source { return SourceRules }

// Classify matches req.Text against the phrase rules, then keywords.
func (t *RulesTier) Classify(_ context.Context, req Request) (*Result, error) {
	intent, confidence := MatchRules(req.Text)
	return &Result{
		Intent:     intent,
		Confidence: confidence,
		Source:     SourceRules,
		Entities:   Extract(req.Text, intent, req.Context),
	}, nil
}

// MatchRules returns the intent that the rules assign to text along with
// its confidence.
func MatchRules(text string) (Intent, float64) {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return IntentUnknown, 0
	}

	for _, rule := range phraseRules {
		for _, p := range rule.patterns {
			if p.MatchString(lower) {
				return rule.intent, phraseConfidence
			}
		}
	}

	for _, kw := range keywordRules {
		if strings.Contains(lower, kw.keyword) {
			return kw.intent, keywordConfidence
		}
	}

	return IntentUnknown, 0
}
