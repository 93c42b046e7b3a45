package terminal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingEmpty(t *testing.T) {
	r := newRing(8)
	assert.Equal(t, "", r.String())
	assert.Equal(t, 0, r.Len())
}

func TestRingPartialFill(t *testing.T) {
	r := newRing(8)
	r.Write([]byte("abc"))
	r.Write([]byte("de"))
	assert.Equal(t, "abcde", r.String())
	assert.Equal(t, 5, r.Len())
}

func TestRingOverflowKeepsNewest(t *testing.T) {
	r := newRing(5)
	r.Write([]byte("abcd"))
	r.Write([]byte("efg"))
	assert.Equal(t, "cdefg", r.String())
	assert.Equal(t, 5, r.Len())

	r.Write([]byte("h"))
	assert.Equal(t, "defgh", r.String())
}

func TestRingExactFill(t *testing.T) {
	r := newRing(4)
	r.Write([]byte("ab"))
	r.Write([]byte("cd"))
	assert.Equal(t, "abcd", r.String())
}

func TestRingWriteLargerThanCapacity(t *testing.T) {
	r := newRing(4)
	r.Write([]byte("x"))
	r.Write([]byte("0123456789"))
	assert.Equal(t, "6789", r.String())

	r.Write([]byte("ab"))
	assert.Equal(t, "89ab", r.String())
}

func TestRingSkipsSplitRune(t *testing.T) {
	r := newRing(3)
	r.Write([]byte("a€b")) // 5 bytes; the lead byte of € is evicted
	assert.Equal(t, "b", r.String())
}

func TestRingReset(t *testing.T) {
	r := newRing(4)
	r.Write([]byte("abcdef"))
	r.Reset()
	assert.Equal(t, "", r.String())
	r.Write([]byte("z"))
	assert.Equal(t, "z", r.String())
}
