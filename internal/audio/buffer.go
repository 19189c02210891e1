package audio

import (
	"sync"
)

// RingBuffer is a thread-safe fixed-capacity byte FIFO
type RingBuffer struct {
	buffer []byte
	read   int
	count  int
	mu     sync.Mutex
}

// NewRingBuffer creates a ring buffer holding up to size bytes
func NewRingBuffer(size int) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{buffer: make([]byte, size)}
}

// Write copies as much of data as fits and returns the number of bytes written
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	size := len(rb.buffer)
	n := min(len(data), size-rb.count)
	if n == 0 {
		return 0
	}

	start := (rb.read + rb.count) % size
	first := copy(rb.buffer[start:], data[:n])
	if first < n {
		copy(rb.buffer, data[first:n])
	}
	rb.count += n
	return n
}

// Read moves up to len(data) bytes out of the buffer and returns how many were read
func (rb *RingBuffer) Read(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	size := len(rb.buffer)
	n := min(len(data), rb.count)
	if n == 0 {
		return 0
	}

	first := copy(data[:n], rb.buffer[rb.read:])
	if first < n {
		copy(data[first:n], rb.buffer)
	}
	rb.read = (rb.read + n) % size
	rb.count -= n
	return n
}

// Available returns the number of bytes available to read
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Space returns the number of bytes that can still be written
func (rb *RingBuffer) Space() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.buffer) - rb.count
}

// Cap returns the buffer capacity
func (rb *RingBuffer) Cap() int {
	return len(rb.buffer)
}

// Clear drops all buffered bytes
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.read = 0
	rb.count = 0
}

// IsEmpty returns true if the buffer is empty
func (rb *RingBuffer) IsEmpty() bool {
	return rb.Available() == 0
}

// IsFull returns true if no more bytes can be written
func (rb *RingBuffer) IsFull() bool {
	return rb.Space() == 0
}
