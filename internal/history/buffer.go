// Package history provides a bounded, rotating byte log for PTY scrollback.
//
// A Buffer keeps the most recent N bytes written to it, discarding the
// oldest data once capacity is exceeded. Append is amortized O(1) per
// chunk: chunks are kept in a list, and while the running size exceeds
// capacity the front chunk is dropped whole if the overflow covers it,
// or else only the overflow is trimmed off its start. A single appended
// chunk of capacity bytes or more replaces the contents with its last
// capacity bytes.
package history

import "sync"

// Buffer is a fixed-capacity rotating byte log. Safe for concurrent use.
type Buffer struct {
	mu       sync.Mutex
	chunks   [][]byte
	size     int
	capacity int
}

// New creates a Buffer that retains at most capacity bytes. A non-positive
// capacity means the buffer accepts writes but never retains anything.
func New(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{capacity: capacity}
}

// Append adds bytes to the buffer, trimming the oldest data so that the
// buffer never exceeds its capacity. Empty input is a no-op.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.capacity == 0 {
		return
	}

	// A single chunk larger than capacity is truncated to its last
	// capacity bytes, and it alone becomes the buffer's contents.
	if len(p) >= b.capacity {
		tail := make([]byte, b.capacity)
		copy(tail, p[len(p)-b.capacity:])
		b.chunks = [][]byte{tail}
		b.size = b.capacity
		return
	}

	cp := make([]byte, len(p))
	copy(cp, p)
	b.chunks = append(b.chunks, cp)
	b.size += len(cp)

	for b.size > b.capacity && len(b.chunks) > 0 {
		head := b.chunks[0]
		over := b.size - b.capacity
		if over >= len(head) {
			// Drop the whole chunk.
			b.size -= len(head)
			b.chunks = b.chunks[1:]
			continue
		}
		// Trim the head chunk's own prefix.
		b.chunks[0] = head[over:]
		b.size -= over
	}
}

// Snapshot returns a copy of the buffer's contents. If limit is positive,
// only the last limit bytes are returned.
func (b *Buffer) Snapshot(limit int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.size = 0
}

// Size returns the current number of retained bytes.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Capacity returns the buffer's maximum retained size.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Empty reports whether the buffer currently holds no bytes.
func (b *Buffer) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size == 0
}
