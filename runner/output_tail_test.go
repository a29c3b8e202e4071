package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(8)
	_, _ = b.Write([]byte("abc"))
	assert.Equal(t, "abc", b.String())
	assert.False(t, b.Truncated())

	_, _ = b.Write([]byte("defgh"))
	assert.Equal(t, "abcdefgh", b.String())

	_, _ = b.Write([]byte("ij"))
	assert.Equal(t, "cdefghij", b.String())
	assert.True(t, b.Truncated())

	_, _ = b.Write([]byte("0123456789"))
	assert.Equal(t, "23456789", b.String())
	assert.Equal(t, int64(20), b.TotalBytes())

	assert.Equal(t, defaultOutputTailBytes, newTailBuffer(0).maxBytes)
}

func TestTailBufferSnapshot(t *testing.T) {
	b := newTailBuffer(4)
	_, _ = b.Write([]byte("ab"))
	assert.Equal(t, "ab", b.Snapshot())

	_, _ = b.Write([]byte("cdef"))
	assert.Equal(t, "[... 2 earlier bytes omitted]\ncdef", b.Snapshot())
}
