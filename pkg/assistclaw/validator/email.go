package validator

import (
	"net/mail"
	"regexp"
	"strings"
)

var emailPattern = regexp.MustCompile(`^[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}$`)

// domainTypos maps frequent misspellings of popular providers.
var domainTypos = map[string]string{
	"gmial.com":     "gmail.com",
	"gmai.com":      "gmail.com",
	"gmal.com":      "gmail.com",
	"gmaill.com":    "gmail.com",
	"gamil.com":     "gmail.com",
	"gnail.com":     "gmail.com",
	"gmail.co":      "gmail.com",
	"gmail.cm":      "gmail.com",
	"googlemail.co": "googlemail.com",
	"yaho.com":      "yahoo.com",
	"yahooo.com":    "yahoo.com",
	"yahoo.co":      "yahoo.com",
	"hotmial.com":   "hotmail.com",
	"hotmal.com":    "hotmail.com",
	"hotmail.co":    "hotmail.com",
	"outlok.com":    "outlook.com",
	"outllok.com":   "outlook.com",
	"iclod.com":     "icloud.com",
	"icoud.com":     "icloud.com",
}

// tldTypos maps misspelled top-level domains.
var tldTypos = map[string]string{
	"con":  "com",
	"cmo":  "com",
	"ocm":  "com",
	"vom":  "com",
	"xom":  "com",
	"comm": "com",
	"nte":  "net",
	"ner":  "net",
	"ogr":  "org",
	"orgg": "org",
}

// popularDomains are the targets of edit-distance suggestions. Short
// domains are left out so that legitimate lookalikes are not rewritten.
var popularDomains = []string{
	"gmail.com",
	"yahoo.com",
	"hotmail.com",
	"outlook.com",
	"icloud.com",
	"protonmail.com",
	"googlemail.com",
}

// Email validates an address and suggests a correction for near-miss
// domains.
func (v *Validator) Email(raw string) Outcome {
	return v.email(raw, true)
}

// EmailAsTyped validates an address without the domain typo check, for
// when the user has turned the suggested correction down.
func (v *Validator) EmailAsTyped(raw string) Outcome {
	return v.email(raw, false)
}

func (v *Validator) email(raw string, suggest bool) Outcome {
	addr := strings.ToLower(strings.TrimSpace(raw))
	addr = strings.TrimPrefix(addr, "mailto:")
	addr = strings.Trim(addr, "<>.,;:!?\"'")

	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 || strings.Count(addr, "@") != 1 {
		return invalid(ReasonInvalidFormat)
	}
	local, domain := addr[:at], addr[at+1:]

	if fixed := suggestDomain(domain); suggest && fixed != "" {
		return Outcome{Reason: ReasonTypoDomain, Suggestion: local + "@" + fixed}
	}

	if !emailPattern.MatchString(addr) {
		return invalid(ReasonInvalidFormat)
	}
	if _, err := mail.ParseAddress(addr); err != nil {
		return invalid(ReasonInvalidFormat)
	}
	return valid(addr)
}

// suggestDomain returns the corrected domain, or "" when domain looks fine.
func suggestDomain(domain string) string {
	if fixed, ok := domainTypos[domain]; ok {
		return fixed
	}

	// Missing dot: "gmailcom".
	if !strings.Contains(domain, ".") {
		for _, suffix := range []string{"com", "net", "org"} {
			if len(domain) > len(suffix)+1 && strings.HasSuffix(domain, suffix) {
				return domain[:len(domain)-len(suffix)] + "." + suffix
			}
		}
		return ""
	}

	dot := strings.LastIndex(domain, ".")
	if tld, ok := tldTypos[domain[dot+1:]]; ok && dot > 0 {
		return domain[:dot+1] + tld
	}

	for _, known := range popularDomains {
		if domain != known && editDistance(domain, known) == 1 {
			return known
		}
	}
	return ""
}

// editDistance is the Levenshtein distance between a and b.
func editDistance(a, b string) int {
	if a == b {
		return 0
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
