// Package sse decodes a text/event-stream body into events.
package sse

import (
	"bufio"
	"bytes"
	"io"
)

// maxLine bounds a single stream line. Sync pages can be large.
const maxLine = 4 << 20

// Event is one dispatched server-sent event.
type Event struct {
	ID   string
	Name string
	Data []byte
}

// Decoder reads events from a stream. Comment lines (":" prefix) are
// skipped; they only serve as keep-alives.
type Decoder struct {
	sc *bufio.Scanner
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &Decoder{sc: sc}
}

// Next blocks until a complete event is available. It returns io.EOF when
// the stream ends cleanly, after dispatching any trailing event.
func (d *Decoder) Next() (Event, error) {
	var (
		ev      Event
		data    [][]byte
		hasData bool
	)
	for d.sc.Scan() {
		line := d.sc.Bytes()
		if len(line) == 0 {
			if hasData {
				ev.Data = bytes.Join(data, []byte("\n"))
				return ev, nil
			}
			ev = Event{}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value := line, []byte(nil)
		if i := bytes.IndexByte(line, ':'); i >= 0 {
			field, value = line[:i], line[i+1:]
			value = bytes.TrimPrefix(value, []byte(" "))
		}
		switch string(field) {
		case "data":
			data = append(data, bytes.Clone(value))
			hasData = true
		case "event":
			ev.Name = string(value)
		case "id":
			ev.ID = string(value)
		}
	}
	if err := d.sc.Err(); err != nil {
		return Event{}, err
	}
	if hasData {
		ev.Data = bytes.Join(data, []byte("\n"))
		return ev, nil
	}
	return Event{}, io.EOF
}
