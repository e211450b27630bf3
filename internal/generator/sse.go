package generator

import (
	"bufio"
	"io"
	"strings"
)

// event is one server-sent event. Multiple data lines are joined with "\n".
type event struct {
	Type string
	Data string
}

// eventReader parses a text/event-stream body.
type eventReader struct {
	scanner *bufio.Scanner
	current event
	hasData bool
}

func newEventReader(r io.Reader) *eventReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &eventReader{scanner: scanner}
}

// Next returns the next event, or nil, nil at the end of the stream. A trailing event
// without its blank line is still returned.
func (r *eventReader) Next() (*event, error) {
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if r.hasData {
				return r.take(), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			r.current.Type = value
		case "data":
			if r.hasData {
				r.current.Data += "\n"
			}
			r.current.Data += value
			r.hasData = true
		}
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	if r.hasData {
		return r.take(), nil
	}
	return nil, nil
}

func (r *eventReader) take() *event {
	ev := r.current
	r.current = event{}
	r.hasData = false
	return &ev
}
