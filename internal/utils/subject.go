package utils

import (
	"regexp"
	"strings"
)

// A prefix token only counts when its colon follows; "Report" keeps its
// leading "Re".
var subjectPrefixRe = regexp.MustCompile(`(?i)^(?:(?:re|fwd|fw|aw|ant|sv|vs|r)(?:\s*\[\d+\])?\s*:\s*)+`)

// Subjects too common to be trusted as conversation identity on their own.
var genericSubjects = map[string]struct{}{
	"":             {},
	"re":           {},
	"hi":           {},
	"hello":        {},
	"hey":          {},
	"test":         {},
	"meeting":      {},
	"update":       {},
	"question":     {},
	"invoice":      {},
	"reminder":     {},
	"thanks":       {},
	"thank you":    {},
	"(no subject)": {},
	"no subject":   {},
}

// NormalizeSubject strips reply/forward prefixes and surrounding space.
func NormalizeSubject(subject string) string {
	normalized := subjectPrefixRe.ReplaceAllString(subject, "")
	return strings.TrimSpace(normalized)
}

// HasReplyPrefix reports whether the raw subject carries a reply or
// forward marker.
func HasReplyPrefix(subject string) bool {
	trimmed := strings.TrimSpace(subject)
	return trimmed != "" && NormalizeSubject(trimmed) != trimmed
}

// IsGenericSubject reports whether a normalized subject is too generic to
// drive subject-based thread matching.
func IsGenericSubject(normalized string) bool {
	lowered := strings.ToLower(strings.TrimSpace(normalized))
	if len(lowered) < 4 {
		return true
	}
	_, generic := genericSubjects[lowered]
	return generic
}
