package dispatch

import (
	"net/http"
	"strings"

	"github.com/mixaill76/solver_relay/internal/rotation"
)

// IsCredentialError reports whether a well-formed failure is attributable to
// the credential used: auth/quota status codes, or message text indicating an
// invalid/expired key, missing permission, or quota exhaustion. Anything else
// is a request rejection and leaves the credential unmarked.
func IsCredentialError(status int, message string) bool {
	if status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusTooManyRequests {
		return true
	}

	text := normalizeMessage(message)
	if strings.Contains(text, "api key") || strings.Contains(text, "apikey") {
		return true
	}
	if strings.Contains(text, "key") && (strings.Contains(text, "invalid") || strings.Contains(text, "expired")) {
		return true
	}
	if strings.Contains(text, "quota") || strings.Contains(text, "resource exhausted") {
		return true
	}
	if strings.Contains(text, "permission") || strings.Contains(text, "unauthorized") {
		return true
	}
	return false
}

// ReasonFor derives the invalid-credential category from a failure.
// Message text is more specific than the status code, so it wins.
func ReasonFor(status int, message string) rotation.Reason {
	text := normalizeMessage(message)
	switch {
	case strings.Contains(text, "quota") || strings.Contains(text, "resource exhausted"):
		return rotation.ReasonQuota
	case strings.Contains(text, "expired"):
		return rotation.ReasonExpired
	case strings.Contains(text, "not valid") || strings.Contains(text, "invalid"):
		return rotation.ReasonInvalid
	case strings.Contains(text, "permission") || strings.Contains(text, "unauthorized"):
		return rotation.ReasonNoPermission
	case status == http.StatusTooManyRequests:
		return rotation.ReasonQuota
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return rotation.ReasonInvalid
	default:
		return rotation.ReasonUnavailable
	}
}

// normalizeMessage lowercases and flattens underscores so enum-style status
// strings like RESOURCE_EXHAUSTED match the same phrases as prose messages.
func normalizeMessage(message string) string {
	return strings.ReplaceAll(strings.ToLower(message), "_", " ")
}
