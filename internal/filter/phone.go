package filter

import "strings"

// phoneException is one false-positive rule applied to a phone candidate's
// digit string. The chain is ordered and the first rejection wins, which
// keeps each exception testable in isolation.
type phoneException struct {
	name   string
	reject func(digits string) bool
}

// phoneExceptions rejects the numeric strings that routinely appear in
// order-related chat and must never be classified as phone numbers:
// prices ("25 000 000"), date-like 6/8-digit runs ("15062025"), postal
// codes ("75001"), bare years ("2025"), and keyboard-mashing repeats.
var phoneExceptions = []phoneException{
	{name: "price", reject: func(d string) bool {
		return strings.HasSuffix(d, "000")
	}},
	{name: "date", reject: func(d string) bool {
		return len(d) == 6 || len(d) == 8
	}},
	{name: "postal_code", reject: func(d string) bool {
		return len(d) == 5
	}},
	{name: "year", reject: func(d string) bool {
		return len(d) == 4
	}},
	{name: "repeated_digits", reject: hasRepeatedDigitRun},
}

// looksLikePhoneNumber is the disambiguation step behind the phone
// patterns. The patterns are deliberately broad; this predicate decides
// whether a raw candidate plausibly is a dialable number.
func looksLikePhoneNumber(candidate string) bool {
	digits := digitsOf(candidate)
	for _, ex := range phoneExceptions {
		if ex.reject(digits) {
			return false
		}
	}

	// Dialable numbers carry 9 to 15 digits (E.164 upper bound).
	n := len(digits)
	return n >= 9 && n <= 15
}

// digitsOf strips everything but ASCII digits.
func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// hasRepeatedDigitRun reports whether the digit string contains a run of
// four or more identical digits.
func hasRepeatedDigitRun(digits string) bool {
	const threshold = 4

	count := 1
	prev := byte(0)
	for i := 0; i < len(digits); i++ {
		if digits[i] == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = digits[i]
		}
	}
	return false
}
