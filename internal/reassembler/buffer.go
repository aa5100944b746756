package reassembler

// boundedBuffer accumulates text up to a byte limit. When the limit is
// exceeded the oldest bytes are dropped, so the tail of the output (where
// the shell reports the last rows and errors) is what survives.
type boundedBuffer struct {
	limit   int
	data    []byte
	dropped int
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

// WriteString appends s, discarding from the front if the limit is passed.
func (b *boundedBuffer) WriteString(s string) {
	if b.limit <= 0 {
		b.data = append(b.data, s...)
		return
	}

	if len(s) >= b.limit {
		b.dropped += len(b.data) + len(s) - b.limit
		b.data = append(b.data[:0], s[len(s)-b.limit:]...)
		return
	}

	if over := len(b.data) + len(s) - b.limit; over > 0 {
		n := copy(b.data, b.data[over:])
		b.data = b.data[:n]
		b.dropped += over
	}
	b.data = append(b.data, s...)
}

// Len returns the number of retained bytes.
func (b *boundedBuffer) Len() int {
	return len(b.data)
}

// Dropped returns how many bytes were discarded since the last Reset.
func (b *boundedBuffer) Dropped() int {
	return b.dropped
}

func (b *boundedBuffer) String() string {
	return string(b.data)
}

// Reset empties the buffer. Oversized backing arrays are released.
func (b *boundedBuffer) Reset() {
	if cap(b.data) > retainCap {
		b.data = nil
	} else {
		b.data = b.data[:0]
	}
	b.dropped = 0
}

// retainCap is the largest backing array kept between results.
const retainCap = 64 << 10
