package runner

import (
	"fmt"
	"sync"
)

const defaultOutputTailBytes = 64 * 1024

// tailBuffer keeps only the last N bytes of AUT output so a failing
// invocation can carry a snippet of what the application printed last.
type tailBuffer struct {
	maxBytes int

	mu       sync.Mutex
	total    int64
	contents []byte
}

func newTailBuffer(maxBytes int) *tailBuffer {
	if maxBytes <= 0 {
		maxBytes = defaultOutputTailBytes
	}
	return &tailBuffer{
		maxBytes: maxBytes,
		contents: make([]byte, 0, maxBytes),
	}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total += int64(len(p))
	if len(p) >= b.maxBytes {
		b.contents = append(b.contents[:0], p[len(p)-b.maxBytes:]...)
		return len(p), nil
	}
	if over := len(b.contents) + len(p) - b.maxBytes; over > 0 {
		b.contents = append(b.contents[:0], b.contents[over:]...)
	}
	b.contents = append(b.contents, p...)
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.contents)
}

func (b *tailBuffer) TotalBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

func (b *tailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.contents)) < b.total
}

// Snapshot returns the kept output. When earlier output was dropped the
// result starts with a marker naming how much.
func (b *tailBuffer) Snapshot() string {
	out := b.String()
	if !b.Truncated() {
		return out
	}
	omitted := b.TotalBytes() - int64(len(out))
	return fmt.Sprintf("[... %d earlier bytes omitted]\n%s", omitted, out)
}
