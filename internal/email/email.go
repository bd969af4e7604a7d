// Package email holds address helpers shared by import, dispatch and throttling.
package email

import (
	"net/mail"
	"strings"
)

// Normalize parses an address, dropping any display name, and lowercases it.
// Reports false when the address is not a usable mailbox.
func Normalize(address string) (string, bool) {
	addr, err := mail.ParseAddress(strings.TrimSpace(address))
	if err != nil {
		return "", false
	}
	normalized := strings.ToLower(addr.Address)
	at := strings.LastIndex(normalized, "@")
	if at <= 0 || at == len(normalized)-1 {
		return "", false
	}
	return normalized, true
}

// ExtractDomain returns the lowercased domain of an address, or an empty
// string when it has none
func ExtractDomain(address string) string {
	if normalized, ok := Normalize(address); ok {
		return normalized[strings.LastIndex(normalized, "@")+1:]
	}

	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(address[at+1:]))
}
