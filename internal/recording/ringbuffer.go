package recording

import (
	"sync"

	"github.com/Spatial-NVR/opensec/internal/source"
)

// FrameRing is a fixed-capacity ring of frames. Once full, each write
// replaces the oldest frame.
type FrameRing struct {
	mu       sync.RWMutex
	frames   []*source.Frame
	head     int
	tail     int
	count    int
	capacity int
	closed   bool
}

// NewFrameRing creates a ring holding at most capacity frames
func NewFrameRing(capacity int) *FrameRing {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameRing{
		frames:   make([]*source.Frame, capacity),
		capacity: capacity,
	}
}

// Write appends a frame and reports whether an older frame was overwritten
func (b *FrameRing) Write(frame *source.Frame) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false, ErrBufferClosed
	}

	b.frames[b.head] = frame
	b.head = (b.head + 1) % b.capacity

	if b.count < b.capacity {
		b.count++
		return false, nil
	}
	// Overwrite oldest - move tail forward
	b.tail = (b.tail + 1) % b.capacity
	return true, nil
}

// Frames returns the stored frames oldest first
func (b *FrameRing) Frames() []*source.Frame {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*source.Frame, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.frames[(b.tail+i)%b.capacity]
	}
	return out
}

// Count returns the number of stored frames
func (b *FrameRing) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Capacity returns the maximum number of frames
func (b *FrameRing) Capacity() int {
	return b.capacity
}

// Clear drops every frame
func (b *FrameRing) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.frames {
		b.frames[i] = nil
	}
	b.head, b.tail, b.count = 0, 0, 0
}

// Close clears the ring and rejects further writes
func (b *FrameRing) Close() error {
	b.Clear()

	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// BufferError represents a ring buffer error
type BufferError string

func (e BufferError) Error() string { return string(e) }

// ErrBufferClosed is returned when writing to a closed buffer
const ErrBufferClosed = BufferError("ring buffer is closed")
