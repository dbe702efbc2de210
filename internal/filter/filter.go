// Package filter implements the content-safety filter that screens chat
// messages for attempts to exchange off-platform contact information: phone
// numbers, email addresses, links, and social media handles, including
// deliberately obfuscated variants. A blocked message is never persisted or
// delivered; the verdict carries a redacted preview and scoring metadata
// used to build the denial shown to the sender.
package filter

import (
	"regexp"
	"sort"
	"strings"
)

// RedactionMarker replaces each violating span in the redacted body.
const RedactionMarker = "[masqué]"

// Weights added to the confidence score by the secondary and tertiary
// passes. Span-level categories carry their own weight.
const (
	keywordWeight = 40
	phraseWeight  = 60
)

// Severity is the coarse danger ranking of a blocked message. It drives the
// user-facing denial text, never the block decision itself.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
)

// String returns the storage representation used in incident records.
func (s Severity) String() string {
	switch s {
	case SeverityHigh:
		return "high"
	case SeverityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Verdict is the filter's structured decision about one message body.
type Verdict struct {
	Allowed      bool
	RedactedBody string   // body with violating spans replaced by RedactionMarker
	Violations   []string // human-readable, in detection order
	Severity     Severity // max severity among triggered categories
	Confidence   int      // accumulated rule weights, capped at 100
}

// spanPattern pairs a compiled regexp with the capture group holding the
// violating span (0 = whole match) and an optional verifier that can reject
// a raw textual candidate. Separating matching from verification keeps the
// false-positive exceptions testable on their own.
type spanPattern struct {
	re     *regexp.Regexp
	group  int
	verify func(candidate string) bool
}

// matches returns the byte spans of all verified candidates in text.
func (p spanPattern) matches(text string) [][2]int {
	var spans [][2]int
	for _, m := range p.re.FindAllStringSubmatchIndex(text, -1) {
		i := 2 * p.group
		if i+1 >= len(m) || m[i] < 0 {
			continue
		}
		candidate := text[m[i]:m[i+1]]
		if p.verify != nil && !p.verify(candidate) {
			continue
		}
		spans = append(spans, [2]int{m[i], m[i+1]})
	}
	return spans
}

// category is one span-level detection family with its scoring weight and
// severity floor. A category contributes at most once per message.
type category struct {
	name        string
	description string
	severity    Severity
	weight      int
	patterns    []spanPattern
}

// Filter screens message text against the pattern library. It holds only
// compiled patterns, so a single instance is safe for concurrent use;
// construct once and pass by reference.
type Filter struct {
	categories []category
	keywords   []string
	phrases    []*regexp.Regexp
}

// New returns a Filter loaded with the default pattern library.
func New() *Filter {
	return &Filter{
		categories: defaultCategories(),
		keywords:   defaultKeywords,
		phrases:    defaultPhrases,
	}
}

// Check runs the three detection passes over text and composes the verdict.
// It is pure: no I/O, no hidden state, identical input yields an identical
// verdict.
//
// Pass one matches span-level categories (phones, emails, URLs, social
// handles) and redacts every confirmed span. Pass two is a case-insensitive
// keyword blacklist and pass three a set of contact-soliciting sentence
// patterns; both are evidentiary only and never alter the text.
func (f *Filter) Check(text string) Verdict {
	v := Verdict{Allowed: true, RedactedBody: text, Severity: SeverityLow}

	var spans [][2]int
	for _, cat := range f.categories {
		var hit bool
		for _, p := range cat.patterns {
			if s := p.matches(text); len(s) > 0 {
				hit = true
				spans = append(spans, s...)
			}
		}
		if hit {
			v.Allowed = false
			v.Violations = append(v.Violations, cat.description)
			v.Confidence += cat.weight
			if cat.severity > v.Severity {
				v.Severity = cat.severity
			}
		}
	}
	if len(spans) > 0 {
		v.RedactedBody = redact(text, spans)
	}

	lower := strings.ToLower(text)
	var matched []string
	for _, kw := range f.keywords {
		if strings.Contains(lower, kw) {
			matched = append(matched, kw)
		}
	}
	if len(matched) > 0 {
		v.Allowed = false
		v.Violations = append(v.Violations, "terme suspect: "+strings.Join(matched, ", "))
		v.Confidence += keywordWeight
		if v.Severity < SeverityMedium {
			v.Severity = SeverityMedium
		}
	}

	for _, re := range f.phrases {
		if re.MatchString(text) {
			v.Allowed = false
			v.Violations = append(v.Violations, "formulation de mise en contact")
			v.Confidence += phraseWeight
			if v.Severity < SeverityMedium {
				v.Severity = SeverityMedium
			}
			break
		}
	}

	if v.Confidence > 100 {
		v.Confidence = 100
	}
	return v
}

// redact replaces every span with RedactionMarker, merging overlapping
// spans so adjacent category hits collapse into a single marker.
func redact(text string, spans [][2]int) string {
	sort.Slice(spans, func(i, j int) bool {
		if spans[i][0] != spans[j][0] {
			return spans[i][0] < spans[j][0]
		}
		return spans[i][1] > spans[j][1]
	})

	var b strings.Builder
	end := 0
	for _, sp := range spans {
		if sp[0] < end {
			if sp[1] > end {
				end = sp[1] // extend the previous marker's covered region
			}
			continue
		}
		b.WriteString(text[end:sp[0]])
		b.WriteString(RedactionMarker)
		end = sp[1]
	}
	b.WriteString(text[end:])
	return b.String()
}
