package stream

import "sync"

// DefaultRingCapacity is the default number of retained log lines.
const DefaultRingCapacity = 2048

// Ring is a fixed-capacity circular buffer of log lines. Once full, each
// append evicts the oldest line. It backs the plain-text log dump; live
// subscribers are served by the Broadcaster instead and never replay.
//
// All methods are safe for concurrent use.
type Ring struct {
	mu    sync.Mutex
	lines []Line
	start int
	count int
}

// NewRing creates a ring retaining at most capacity lines.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Ring{lines: make([]Line, capacity)}
}

// Append stores a line, evicting the oldest one when full.
func (r *Ring) Append(line Line) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count < len(r.lines) {
		r.lines[(r.start+r.count)%len(r.lines)] = line
		r.count++
		return
	}
	r.lines[r.start] = line
	r.start = (r.start + 1) % len(r.lines)
}

// Len returns the number of retained lines.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Snapshot returns the retained lines, oldest first.
func (r *Ring) Snapshot() []Line {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Line, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.lines[(r.start+i)%len(r.lines)]
	}
	return out
}

// Dump renders the retained lines as plain text, one line each.
func (r *Ring) Dump() string {
	snapshot := r.Snapshot()
	var sb []byte
	for _, line := range snapshot {
		sb = append(sb, line.String()...)
		sb = append(sb, '\n')
	}
	return string(sb)
}
