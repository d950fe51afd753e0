package sse

import (
	"bufio"
	"io"
	"strings"
)

// Done is the sentinel payload some providers send as the last data frame.
const Done = "[DONE]"

// Event is a single server-sent event: an optional event name and the joined
// data payload. Multi-line data fields are joined with newlines per the SSE
// specification.
type Event struct {
	Name string
	Data string
}

// IsDone reports whether the event carries the [DONE] sentinel.
func (e Event) IsDone() bool {
	return strings.TrimSpace(e.Data) == Done
}

// Scanner reads server-sent events from a stream body. It skips comment lines
// (keep-alive pings) and empty events, and accumulates multi-line data fields
// until the blank-line event terminator.
type Scanner struct {
	r *bufio.Reader
}

// NewScanner wraps the given reader, typically an HTTP response body.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReader(r)}
}

// Next returns the next event in the stream. It returns io.EOF once the
// underlying reader is exhausted. A partial event at EOF (data without a
// terminating blank line) is returned before the EOF.
func (s *Scanner) Next() (Event, error) {
	var (
		name string
		data []string
	)
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && len(data) > 0 {
				return Event{Name: name, Data: strings.Join(data, "\n")}, nil
			}
			return Event{}, err
		}

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if len(data) == 0 && name == "" {
				continue // spurious separator
			}
			return Event{Name: name, Data: strings.Join(data, "\n")}, nil
		case strings.HasPrefix(line, ":"):
			continue // comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// id: and retry: fields are not used by any supported dialect
		}
	}
}
