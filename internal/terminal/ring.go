package terminal

import "unicode/utf8"

// ring is a fixed-capacity byte buffer that keeps the most recent output.
// It is not safe for concurrent use; Manager guards it.
type ring struct {
	buf  []byte
	pos  int // next write position
	full bool
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{buf: make([]byte, capacity)}
}

func (r *ring) Write(p []byte) {
	n := len(r.buf)
	if len(p) >= n {
		copy(r.buf, p[len(p)-n:])
		r.pos = 0
		r.full = true
		return
	}

	copied := copy(r.buf[r.pos:], p)
	if copied < len(p) {
		copy(r.buf, p[copied:])
	}
	next := r.pos + len(p)
	if next >= n {
		r.full = true
	}
	r.pos = next % n
}

func (r *ring) Len() int {
	if r.full {
		return len(r.buf)
	}
	return r.pos
}

func (r *ring) Reset() {
	r.pos = 0
	r.full = false
}

// Bytes returns the contents oldest first.
func (r *ring) Bytes() []byte {
	if !r.full {
		return append([]byte(nil), r.buf[:r.pos]...)
	}
	out := make([]byte, 0, len(r.buf))
	out = append(out, r.buf[r.pos:]...)
	return append(out, r.buf[:r.pos]...)
}

// String returns the contents as text, skipping a rune that eviction cut in
// half at the front.
func (r *ring) String() string {
	b := r.Bytes()
	if r.full {
		i := 0
		for i < len(b) && i < utf8.UTFMax && !utf8.RuneStart(b[i]) {
			i++
		}
		b = b[i:]
	}
	return string(b)
}
