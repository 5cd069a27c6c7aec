// Package stream holds the host log fan-out: a bounded ring buffer backing
// the read endpoint, and a broadcaster that pushes live lines to SSE and
// WebSocket subscribers with per-subscriber failure isolation.
package stream

import (
	"strings"
	"time"
)

// Line is one host log event.
type Line struct {
	Time  time.Time
	Level string
	Text  string
}

// String renders the line in the on-the-wire form used by both the ring
// dump and the live feeds.
func (l Line) String() string {
	return l.Time.Format("2006-01-02 15:04:05.000") + " [" + l.Level + "] " + l.Text
}

// escape flattens a line onto a single SSE data line.
func escape(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", "\\n")
}
