package utils

import (
	"net/mail"
	"strings"
	"time"
)

func Now() time.Time {
	return time.Now().UTC()
}

func TimePtr(t time.Time) *time.Time {
	return &t
}

func StringPtr(s string) *string {
	return &s
}

func UniqueEmails(emails []string) []string {
	seen := make(map[string]struct{}, len(emails))
	unique := make([]string, 0, len(emails))

	for _, email := range emails {
		normalized := strings.ToLower(strings.TrimSpace(email))
		if normalized == "" {
			continue
		}
		if _, exists := seen[normalized]; !exists {
			seen[normalized] = struct{}{}
			unique = append(unique, normalized)
		}
	}

	return unique
}

func IsStringInSlice(needle string, haystack []string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// NormalizeMessageID strips the RFC 5322 angle brackets so lookups match
// regardless of how the header was written.
func NormalizeMessageID(messageID string) string {
	return strings.Trim(strings.TrimSpace(messageID), "<>")
}

// SplitMessageIDs parses a References header value into normalized ids.
func SplitMessageIDs(header string) []string {
	fields := strings.Fields(header)
	ids := make([]string, 0, len(fields))
	for _, field := range fields {
		if id := NormalizeMessageID(field); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// ParseAddressHeader parses a single From-style header into display name
// and address, tolerating malformed input.
func ParseAddressHeader(header string) (name, address string) {
	addr, err := mail.ParseAddress(header)
	if err != nil {
		return "", strings.TrimSpace(header)
	}
	return addr.Name, addr.Address
}

// ParseAddressListHeader parses a To/Cc header into plain addresses.
func ParseAddressListHeader(header string) []string {
	addrs, err := mail.ParseAddressList(header)
	if err != nil {
		if trimmed := strings.TrimSpace(header); trimmed != "" {
			return []string{trimmed}
		}
		return nil
	}

	result := make([]string, 0, len(addrs))
	for _, a := range addrs {
		result = append(result, a.Address)
	}
	return result
}
