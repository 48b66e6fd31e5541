// Package sse extracts server-sent events from a chunked byte stream.
// It is a pure transport utility: callers keep the returned remainder and
// pass it back with the next chunk.
package sse

import "strings"

// Event is one parsed server-sent event. Data of "[DONE]" is a valid
// sentinel and is surfaced to the caller, never filtered here.
type Event struct {
	Type string
	Data string
}

// Extract parses all complete events from buffer+chunk. The last, possibly
// partial event is returned as the new buffer and is re-processed on the
// next chunk.
func Extract(buffer string, chunk []byte) ([]Event, string) {
	stream := strings.ReplaceAll(buffer+string(chunk), "\r\n", "\n")

	segments := strings.Split(stream, "\n\n")
	rest := segments[len(segments)-1]

	var events []Event
	for _, segment := range segments[:len(segments)-1] {
		if event, ok := parseEvent(segment); ok {
			events = append(events, event)
		}
	}
	return events, rest
}

// parseEvent parses a single blank-line-delimited segment. Events without
// any data line are skipped.
func parseEvent(segment string) (Event, bool) {
	var event Event
	var data []string

	for _, line := range strings.Split(segment, "\n") {
		switch {
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			event.Type = trimFieldValue(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			data = append(data, trimFieldValue(line[len("data:"):]))
		}
	}

	if len(data) == 0 {
		return Event{}, false
	}
	event.Data = strings.Join(data, "\n")
	return event, true
}

// trimFieldValue strips the single optional space after the field colon.
func trimFieldValue(v string) string {
	return strings.TrimPrefix(v, " ")
}
