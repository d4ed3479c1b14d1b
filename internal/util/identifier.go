package util

import (
	"net"
	"net/mail"
	"regexp"
	"strings"
)

// Identifiers are phone numbers (E.164), email addresses, or IPs. Malformed
// identifiers are rejected before any store access.

var phonePattern = regexp.MustCompile(`^\+?[1-9][0-9]{7,14}$`)

// NormalizeIdentifier strips formatting noise and lowercases emails so the
// same principal always maps to the same store key.
func NormalizeIdentifier(identifier string) string {
	s := strings.TrimSpace(identifier)
	if strings.Contains(s, "@") {
		return strings.ToLower(s)
	}
	for _, r := range []string{" ", "-", "(", ")"} {
		s = strings.ReplaceAll(s, r, "")
	}
	return s
}

// IsValidIdentifier reports whether the normalized identifier is a plausible
// phone number, email address, or IP address.
func IsValidIdentifier(identifier string) bool {
	s := NormalizeIdentifier(identifier)
	if s == "" || len(s) > 254 {
		return false
	}
	if strings.Contains(s, "@") {
		_, err := mail.ParseAddress(s)
		return err == nil
	}
	if ip := net.ParseIP(s); ip != nil {
		return true
	}
	return phonePattern.MatchString(s)
}
