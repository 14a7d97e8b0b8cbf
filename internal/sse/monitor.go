package sse

import (
	"io"
	"sync/atomic"
	"time"
)

// Monitor wraps a stream and records when bytes last arrived, comments
// included, so a watchdog can detect a silent connection.
type Monitor struct {
	r    io.Reader
	last atomic.Int64
}

// NewMonitor wraps r. The idle clock starts now.
func NewMonitor(r io.Reader) *Monitor {
	m := &Monitor{r: r}
	m.last.Store(time.Now().UnixNano())
	return m
}

func (m *Monitor) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	if n > 0 {
		m.last.Store(time.Now().UnixNano())
	}
	return n, err
}

// Idle returns the time since the last successful read.
func (m *Monitor) Idle() time.Duration {
	return time.Since(time.Unix(0, m.last.Load()))
}
