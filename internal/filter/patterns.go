package filter

import "regexp"

// Compiled pattern library. Everything is compiled once at package init and
// reused for every call, which keeps Check allocation-light and safe for
// concurrent use.
var (
	// phoneSeparated matches national and international formats with
	// separators: "06 12 34 56 78", "+33 6 12 34 56 78", "555.123.4567",
	// "(555) 123-4567". Group separators are mandatory so that bare digit
	// runs are left to phoneBare; every candidate still goes through
	// looksLikePhoneNumber, which is what keeps dates ("15.06.2025") and
	// spaced prices ("25 000 000") out.
	phoneSeparated = regexp.MustCompile(`(?:^|[^0-9A-Za-z+(])((?:\+?\d{1,3}[\s.\-]?)?\(?\d{1,4}\)?(?:[\s.\-]\d{2,4}){2,5})`)

	// phoneBare matches unformatted 10-14 digit runs ("0612345678").
	phoneBare = regexp.MustCompile(`(?:^|[^\d])(\d{10,14})(?:[^\d]|$)`)

	// phoneSpelled matches spelled-out digit sequences in French or
	// English: seven or more consecutive digit words is not prose.
	phoneSpelled = regexp.MustCompile(`(?i)(?:\b(?:z[ée]ro|un|deux|trois|quatre|cinq|six|sept|huit|neuf|zero|one|two|three|four|five|six|seven|eight|nine)\b[\s.,\-]*){7,}`)

	// emailStandard matches well-formed addresses.
	emailStandard = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

	// emailObfuscated matches written-out or bracketed forms of "@" and
	// ".": "jean [at] gmail [dot] com", "jean (arobase) gmail (point) fr",
	// "jean @ gmail . com". The TLD allow-list keeps sentences like
	// "five point two" from matching.
	emailObfuscated = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+\s*[\[(]?\s*(?:@|at|arobase)\s*[\])]?\s*[a-z0-9\-]+\s*[\[(]?\s*(?:\.|dot|point)\s*[\])]?\s*(?:com|net|org|fr|io|co|be|ch|ca|de|eu)\b`)

	// urlScheme matches scheme-qualified links and www-prefixed hosts.
	urlScheme = regexp.MustCompile(`(?i)https?://[^\s]+|\bwww\.[^\s]+`)

	// urlBareDomain matches bare domains against a fixed TLD allow-list.
	urlBareDomain = regexp.MustCompile(`(?i)(?:^|[\s:(])([a-z0-9\-]+(?:\.[a-z0-9\-]+)*\.(?:com|net|org|fr|io|co|be|ch|app|site|shop|info|biz|xyz)(?:/[^\s]*)?)`)

	// urlShortener matches known link shorteners regardless of TLD list.
	urlShortener = regexp.MustCompile(`(?i)\b(?:bit\.ly|tinyurl\.com|t\.co|goo\.gl|ow\.ly|is\.gd|rb\.gy|cutt\.ly)/[^\s]*`)

	// socialHandle matches free-standing @handle tokens. The boundary class
	// keeps the domain part of email addresses from matching twice.
	socialHandle = regexp.MustCompile(`(?:^|[\s:(])(@[A-Za-z0-9_.]{3,})`)

	// socialPlatform matches a platform name followed by an explicit
	// separator and a handle: "instagram: jean.dupont". The separator is
	// mandatory; a platform name alone is caught by the keyword pass.
	socialPlatform = regexp.MustCompile(`(?i)\b(?:insta(?:gram)?|facebook|fb|snap(?:chat)?|whatsapp|telegram|tiktok|twitter|linkedin|signal|messenger|discord|skype)\s*[:@]\s*[A-Za-z0-9_.\-]{2,}`)
)

// defaultCategories returns the span-level detection families in reporting
// order. Weights and severity floors per family:
// phones high/90, emails high/95, URLs medium/70, social medium/80.
func defaultCategories() []category {
	return []category{
		{
			name:        "phone",
			description: "numéro de téléphone",
			severity:    SeverityHigh,
			weight:      90,
			patterns: []spanPattern{
				{re: phoneSeparated, group: 1, verify: looksLikePhoneNumber},
				{re: phoneBare, group: 1, verify: looksLikePhoneNumber},
				{re: phoneSpelled},
			},
		},
		{
			name:        "email",
			description: "adresse email",
			severity:    SeverityHigh,
			weight:      95,
			patterns: []spanPattern{
				{re: emailStandard},
				{re: emailObfuscated},
			},
		},
		{
			name:        "url",
			description: "lien ou adresse web",
			severity:    SeverityMedium,
			weight:      70,
			patterns: []spanPattern{
				{re: urlScheme},
				{re: urlBareDomain, group: 1},
				{re: urlShortener},
			},
		},
		{
			name:        "social",
			description: "référence à un réseau social",
			severity:    SeverityMedium,
			weight:      80,
			patterns: []spanPattern{
				{re: socialHandle, group: 1},
				{re: socialPlatform},
			},
		},
	}
}

// defaultKeywords is the contact-solicitation blacklist searched as
// case-insensitive substrings. Hits are evidentiary only: they block the
// message and raise severity to at least medium, but are never redacted.
// Short or ambiguous terms ("mail", "insta", "appel") are deliberately
// absent; they shadow ordinary order-related chat ("demain", "installer",
// "s'appelle") and their dangerous uses are covered by the pattern and
// phrase passes.
var defaultKeywords = []string{
	"whatsapp", "telegram", "instagram", "snapchat", "facebook",
	"messenger", "tiktok", "linkedin", "skype", "discord",
	"gmail", "hotmail", "outlook", "yahoo",
	"téléphone", "telephone",
	"email", "e-mail", "courriel",
	"sms", "texto",
	"appelle-moi", "appelez-moi", "call me", "text me",
	"mon numéro", "mon numero", "my number",
	"hors plateforme", "hors de la plateforme", "off platform",
	"en personne", "in person", "urgent",
}

// defaultPhrases are sentence patterns that solicit off-platform contact.
// Like keywords they add evidence without redacting text.
var defaultPhrases = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:appelle[sz]?|appelez|rappelle[sz]?|rappelez|contact(?:e[sz]?|ez)?|joins|joignez|ajoute[sz]?|ajoutez)[- ]moi\b`),
	regexp.MustCompile(`(?i)\b(?:call|text|contact|reach|add|dm)\s+me\b`),
	regexp.MustCompile(`(?i)\b(?:mon|my)\s+(?:num(?:é|e)ro|number|phone|t(?:é|e)l(?:é|e)phone|mail|email|courriel|insta(?:gram)?|snap(?:chat)?|profil|profile|compte|account)\b`),
	regexp.MustCompile(`(?i)\b(?:retrouve[sz]?[- ]moi|trouve[sz]?[- ]moi|find me|add me|follow me|suis[- ]moi)\s+(?:sur|on)\b`),
	regexp.MustCompile(`(?i)\b(?:joignable|disponible)\s+(?:au|sur|par)\b`),
}
