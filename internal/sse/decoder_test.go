package sse

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestDecoderEvents(t *testing.T) {
	stream := ": keep-alive\n" +
		"data: {\"type\":\"authenticated\"}\n\n" +
		"event: sync\nid: 7\ndata: line one\ndata: line two\n\n" +
		":ping\n\n" +
		"data:{\"tight\":true}\n\n"

	dec := NewDecoder(strings.NewReader(stream))

	tests := []struct {
		name string
		id   string
		data string
	}{
		{"", "", `{"type":"authenticated"}`},
		{"sync", "7", "line one\nline two"},
		{"", "", `{"tight":true}`},
	}
	for i, tt := range tests {
		ev, err := dec.Next()
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if ev.Name != tt.name || ev.ID != tt.id || string(ev.Data) != tt.data {
			t.Errorf("event %d = {%q %q %q}, want {%q %q %q}", i, ev.Name, ev.ID, ev.Data, tt.name, tt.id, tt.data)
		}
	}
	if _, err := dec.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("final Next error = %v, want io.EOF", err)
	}
}

func TestDecoderTrailingEventWithoutBlankLine(t *testing.T) {
	dec := NewDecoder(strings.NewReader("data: last"))
	ev, err := dec.Next()
	if err != nil {
		t.Fatal(err)
	}
	if string(ev.Data) != "last" {
		t.Errorf("data = %q, want last", ev.Data)
	}
	if _, err := dec.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("error = %v, want io.EOF", err)
	}
}

func TestDecoderCommentsOnly(t *testing.T) {
	dec := NewDecoder(strings.NewReader(": a\n: b\n\n"))
	if _, err := dec.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("error = %v, want io.EOF", err)
	}
}

func TestMonitorTracksReads(t *testing.T) {
	m := NewMonitor(strings.NewReader("data: x\n\n"))
	time.Sleep(20 * time.Millisecond)
	if idle := m.Idle(); idle < 20*time.Millisecond {
		t.Errorf("idle before read = %v, want >= 20ms", idle)
	}
	if _, err := NewDecoder(m).Next(); err != nil {
		t.Fatal(err)
	}
	if idle := m.Idle(); idle > 10*time.Millisecond {
		t.Errorf("idle after read = %v, want ~0", idle)
	}
}
