package httpx

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// maxSSELineSize is the per-line scanner limit (1 MB). The bufio default
// of 64 KiB is too small for large tool-call argument frames.
const maxSSELineSize = 1 << 20

// SSEEvent is one server-sent event: the event name (empty when the
// server sent none) and the joined data payload.
type SSEEvent struct {
	Name string
	Data string
}

// SSEScanner reads server-sent events from a response body. It handles
// multi-line data fields, skips comments and blank lines, and treats the
// OpenAI-style [DONE] sentinel as end of stream.
type SSEScanner struct {
	scanner *bufio.Scanner
}

// NewSSEScanner creates a scanner over the given reader.
func NewSSEScanner(r io.Reader) *SSEScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxSSELineSize)
	return &SSEScanner{scanner: sc}
}

// Next returns the next event. It returns io.EOF when the stream ends or
// the [DONE] sentinel arrives.
func (s *SSEScanner) Next() (SSEEvent, error) {
	var name string
	var dataLines []string

	for s.scanner.Scan() {
		line := s.scanner.Text()

		// A blank line terminates the current event.
		if line == "" {
			if len(dataLines) > 0 {
				return SSEEvent{Name: name, Data: strings.Join(dataLines, "\n")}, nil
			}
			name = ""
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		if value, ok := strings.CutPrefix(line, "event:"); ok {
			name = strings.TrimSpace(value)
			continue
		}

		if value, ok := strings.CutPrefix(line, "data:"); ok {
			data := strings.TrimSpace(value)
			if data == "[DONE]" {
				return SSEEvent{}, io.EOF
			}
			dataLines = append(dataLines, data)
			continue
		}

		// Other SSE fields (id:, retry:) are ignored.
	}

	if err := s.scanner.Err(); err != nil {
		return SSEEvent{}, fmt.Errorf("sse scanner: %w", err)
	}
	if len(dataLines) > 0 {
		return SSEEvent{Name: name, Data: strings.Join(dataLines, "\n")}, nil
	}
	return SSEEvent{}, io.EOF
}
