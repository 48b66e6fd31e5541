package httpclient

import (
	"fmt"
	"strings"
)

// StatusError is a non-2xx response. Its Error string is prefixed with
// "HTTP <code>" so the turn loop's classifier can match it.
type StatusError struct {
	StatusCode int
	Body       string
	RateLimit  RateLimitInfo
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, body)
}

// TransportError is a failure before any response arrived (connection
// refused, closed, timed out). Its Error string keeps the transport
// detail so substring classification keeps working.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	msg := e.Err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return fmt.Sprintf("transport failure :econnrefused: %v", e.Err)
	case strings.Contains(msg, "closed"):
		return fmt.Sprintf("transport failure :closed: %v", e.Err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return fmt.Sprintf("transport failure :timeout: %v", e.Err)
	}
	return fmt.Sprintf("transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
