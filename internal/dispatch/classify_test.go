package dispatch

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mixaill76/solver_relay/internal/rotation"
)

func TestIsCredentialError(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		message string
		want    bool
	}{
		{"unauthorized status", http.StatusUnauthorized, "whatever", true},
		{"forbidden status", http.StatusForbidden, "", true},
		{"rate limited status", http.StatusTooManyRequests, "", true},
		{"api key message", http.StatusBadRequest, "API key not valid. Please pass a valid API key.", true},
		{"apikey message", http.StatusBadRequest, "invalid apiKey supplied", true},
		{"expired key message", http.StatusBadRequest, "The provided key has expired", true},
		{"quota message", http.StatusInternalServerError, "Quota exceeded for requests", true},
		{"resource exhausted message", http.StatusBadRequest, "RESOURCE EXHAUSTED", true},
		{"resource exhausted enum form", http.StatusBadRequest, "RESOURCE_EXHAUSTED", true},
		{"permission message", http.StatusBadRequest, "The caller does not have permission", true},
		{"malformed request", http.StatusBadRequest, "Invalid JSON payload received", false},
		{"upstream overload", http.StatusServiceUnavailable, "The model is overloaded", false},
		{"plain server error", http.StatusInternalServerError, "Internal error", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsCredentialError(tt.status, tt.message))
		})
	}
}

func TestReasonFor(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		message string
		want    rotation.Reason
	}{
		{"quota by message", http.StatusTooManyRequests, "RESOURCE_EXHAUSTED: Quota exceeded", rotation.ReasonQuota},
		{"quota by status", http.StatusTooManyRequests, "slow down", rotation.ReasonQuota},
		{"quota enum without status", http.StatusServiceUnavailable, "RESOURCE_EXHAUSTED", rotation.ReasonQuota},
		{"expired", http.StatusBadRequest, "API key expired. Please renew the API key.", rotation.ReasonExpired},
		{"invalid by message", http.StatusBadRequest, "API key not valid", rotation.ReasonInvalid},
		{"invalid by status", http.StatusUnauthorized, "", rotation.ReasonInvalid},
		{"forbidden by status", http.StatusForbidden, "", rotation.ReasonInvalid},
		{"no permission", http.StatusForbidden, "Permission denied on resource", rotation.ReasonNoPermission},
		{"fallthrough", http.StatusBadRequest, "something else", rotation.ReasonUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReasonFor(tt.status, tt.message))
		})
	}
}

func TestReasonForMessageWinsOverStatus(t *testing.T) {
	// A 429 whose body names quota exhaustion categorizes as quota even
	// though 429 alone would too; a 401 naming expiry categorizes as expired.
	assert.Equal(t, rotation.ReasonQuota, ReasonFor(http.StatusTooManyRequests, "RESOURCE_EXHAUSTED"))
	assert.Equal(t, rotation.ReasonExpired, ReasonFor(http.StatusUnauthorized, "token expired"))
}
