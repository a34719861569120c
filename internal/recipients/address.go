// Package recipients imports recipient lists from CSV files and validates
// the addresses they contain.
package recipients

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	anglePattern = regexp.MustCompile(`<([^>]+)>`)
)

// ExtractEmail pulls the bare address out of a display-name form like
// "Jane Doe <jane@example.com>". A bare address is returned unchanged.
func ExtractEmail(addr string) string {
	if m := anglePattern.FindStringSubmatch(addr); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(addr)
}

// NormalizeEmail lowercases and trims an address for dedup and storage.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsValidEmail reports whether s looks like a deliverable address.
func IsValidEmail(s string) bool {
	return emailPattern.MatchString(s)
}

// IsGmailAddress reports whether the sender address belongs to Gmail, which
// determines the default relay host.
func IsGmailAddress(addr string) bool {
	email := NormalizeEmail(ExtractEmail(addr))
	return strings.HasSuffix(email, "@gmail.com") || strings.HasSuffix(email, "@googlemail.com")
}
