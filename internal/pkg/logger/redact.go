// Package logger holds small logging helpers shared across components.
package logger

import "strings"

// RedactEmail masks the local part of an address so log lines never carry
// a full recipient. Two leading characters survive when the local part is
// long enough; anything that does not look like an address is masked whole.
//
//	alice.smith@example.com -> al***@example.com
//	ab@example.com          -> ***@example.com
func RedactEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return "***@***"
	}
	if len(local) <= 2 {
		return "***@" + domain
	}
	return local[:2] + "***@" + domain
}
