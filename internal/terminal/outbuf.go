package terminal

import (
	"strings"
	"sync"
)

// DefaultOutputLimit is how many output chunks a session keeps for insight
// capture.
const DefaultOutputLimit = 10000

// outputBuffer is a fixed-capacity circular buffer of output chunks. Once
// full, each append evicts the oldest chunk.
type outputBuffer struct {
	mu       sync.RWMutex
	buf      []string
	capacity int
	pos      int // next write position
	full     bool
}

func newOutputBuffer(capacity int) *outputBuffer {
	if capacity <= 0 {
		capacity = DefaultOutputLimit
	}
	return &outputBuffer{
		buf:      make([]string, capacity),
		capacity: capacity,
	}
}

func (b *outputBuffer) Append(chunk string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf[b.pos] = chunk
	b.pos = (b.pos + 1) % b.capacity
	if b.pos == 0 {
		b.full = true
	}
}

func (b *outputBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.full {
		return b.capacity
	}
	return b.pos
}

// Chunks returns the retained chunks oldest first.
func (b *outputBuffer) Chunks() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.full {
		out := make([]string, b.pos)
		copy(out, b.buf[:b.pos])
		return out
	}

	out := make([]string, b.capacity)
	copy(out, b.buf[b.pos:])
	copy(out[b.capacity-b.pos:], b.buf[:b.pos])
	return out
}

func (b *outputBuffer) Joined() string {
	return strings.Join(b.Chunks(), "")
}
