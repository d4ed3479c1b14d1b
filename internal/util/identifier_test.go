package util

import "testing"

func TestNormalizeIdentifier(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"email lowercased", "User@Example.COM", "user@example.com"},
		{"email trimmed", "  admin@school.edu ", "admin@school.edu"},
		{"phone formatting stripped", "+1 (555) 123-4567", "+15551234567"},
		{"phone already clean", "+919876543210", "+919876543210"},
		{"ip untouched", "203.0.113.7", "203.0.113.7"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeIdentifier(tc.input); got != tc.want {
				t.Errorf("NormalizeIdentifier(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestIsValidIdentifier(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  bool
	}{
		{"e164 phone", "+15551234567", true},
		{"formatted phone", "+1 (555) 123-4567", true},
		{"national phone", "9876543210", true},
		{"email", "student@school.edu", true},
		{"ipv4", "198.51.100.23", true},
		{"ipv6", "2001:db8::1", true},
		{"empty", "", false},
		{"whitespace only", "   ", false},
		{"leading zero phone", "0551234567", false},
		{"too short phone", "+1234", false},
		{"bare at sign", "@", false},
		{"missing domain", "user@", false},
		{"random text", "not an identifier", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsValidIdentifier(tc.input); got != tc.want {
				t.Errorf("IsValidIdentifier(%q) = %v, want %v", tc.input, got, tc.want)
			}
		})
	}
}
