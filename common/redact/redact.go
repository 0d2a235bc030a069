// Package redact provides helpers for keeping participant identities and
// credentials out of log output.
//
// The relay's whole purpose is to hide who is talking, so log lines must not
// undo that work: full Matrix user IDs, display names, and message bodies
// never appear in logs. Callers log redact.ShortID(userID) instead of the
// user ID, and never log bodies at all.
package redact

import (
	"strings"
)

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED].  Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// ShortID returns a truncated form of an identifier suitable for log
// correlation without exposing the full value, e.g.
// "@alice:example.com" -> "@alice:e…".  Identifiers of 8 characters or
// fewer are returned unchanged.
func ShortID(id string) string {
	const keep = 8
	if len(id) <= keep {
		return id
	}
	return id[:keep] + "…"
}
