package llms

import (
	"fmt"
	"strings"
)

// ProviderError is a failure reported by a provider API payload, as
// opposed to a transport or HTTP-level failure.
type ProviderError struct {
	Provider string
	Kind     string
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s API error %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s API error: %s", e.Provider, e.Message)
}

var retryableMarkers = []string{
	"HTTP 429",
	"HTTP 500",
	"HTTP 502",
	"HTTP 503",
	"HTTP 504",
	"rate_limit_error",
	"rate_limit_exceeded",
	"overloaded_error",
	"server_error",
	"RESOURCE_EXHAUSTED",
	"INTERNAL",
	"UNAVAILABLE",
	":econnrefused",
	":closed",
	":timeout",
}

// Retryable reports whether an error is transient. Classification is by
// substring over the error text, so it works uniformly across HTTP
// status prefixes, vendor error-type names, and transport tags.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range retryableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
