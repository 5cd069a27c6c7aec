package stream

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLine(text string) Line {
	return Line{Time: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC), Level: "INFO", Text: text}
}

func TestRingRetainsInOrder(t *testing.T) {
	r := NewRing(4)
	for i := 0; i < 3; i++ {
		r.Append(testLine(fmt.Sprintf("line %d", i)))
	}

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 3)
	assert.Equal(t, "line 0", snapshot[0].Text)
	assert.Equal(t, "line 2", snapshot[2].Text)
}

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.Append(testLine(fmt.Sprintf("line %d", i)))
	}

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 3)
	assert.Equal(t, "line 2", snapshot[0].Text)
	assert.Equal(t, "line 4", snapshot[2].Text)
	assert.Equal(t, 3, r.Len())
}

func TestRingDump(t *testing.T) {
	r := NewRing(8)
	r.Append(testLine("first"))
	r.Append(testLine("second"))

	dump := r.Dump()
	lines := strings.Split(strings.TrimRight(dump, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "[INFO] first")
	assert.Contains(t, lines[1], "[INFO] second")
}
