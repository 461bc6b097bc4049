package mgmt

import (
	"bytes"
	"sync"
)

// LogBuffer is an io.Writer keeping the most recent log lines in a ring.
// Wire it into zerolog with MultiLevelWriter so the management API can
// serve recent logs without touching files.
type LogBuffer struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewLogBuffer creates a buffer holding up to capacity lines.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &LogBuffer{lines: make([]string, capacity)}
}

// Write splits p into lines and appends them, overwriting the oldest
// entries once full. Always reports success.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		b.lines[b.next] = string(line)
		b.next = (b.next + 1) % len(b.lines)
		if b.next == 0 {
			b.full = true
		}
	}
	return len(p), nil
}

// Recent returns up to n of the most recent lines, oldest first.
func (b *LogBuffer) Recent(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := b.next
	if b.full {
		size = len(b.lines)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]string, 0, n)
	start := b.next - n
	if start < 0 {
		start += len(b.lines)
	}
	for i := 0; i < n; i++ {
		out = append(out, b.lines[(start+i)%len(b.lines)])
	}
	return out
}
