package kfmt

import "io"

// ringBufferSize defines size of the ring buffer that buffers early Printf
// output. The ring buffer size must always be a power of 2.
const ringBufferSize = 4096

// ringBuffer models a ring buffer of size ringBufferSize. This buffer is used
// for capturing the output of Printf before an output sink is attached. Once
// full, new writes overwrite the oldest buffered bytes.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.rIndex == rb.wIndex {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Read reads up to len(p) bytes into p. It returns the number of bytes read (0
// <= n <= len(p)) and any error encountered.
func (rb *ringBuffer) Read(p []byte) (n int, err error) {
	switch {
	case rb.rIndex < rb.wIndex:
		n = copy(p, rb.buffer[rb.rIndex:rb.wIndex])
		rb.rIndex += n
		return n, nil
	case rb.rIndex > rb.wIndex:
		n = copy(p, rb.buffer[rb.rIndex:])
		rb.rIndex = (rb.rIndex + n) & (ringBufferSize - 1)
		return n, nil
	default: // rIndex == wIndex
		return 0, io.EOF
	}
}
