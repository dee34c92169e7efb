// ring.go
//
// Bounded byte ring with a drop-oldest overflow policy.  Producers (log
// formatters, serial stream readers, real-time modules) never block and
// never fail: a write that does not fit evicts the oldest buffered bytes.
// A single consumer drains everything with Get, or peeks with Get(true).
//
// Layout
// ------
//   • buf       fixed backing store, len(buf) == capacity
//   • w         next byte to be written
//   • r         oldest unread byte
//   • full      disambiguates w == r (empty vs completely full)
//
// Every mutation happens under mu; the critical sections are a couple of
// copy() calls so the lock is never held long enough to hurt a cyclic
// producer.  Evicted bytes are counted, never reported as errors.

package ring

import (
	"errors"
	"sync"
)

// ErrInvalidSize is returned by SetSize for a zero capacity.
var ErrInvalidSize = errors.New("ring: size must be > 0")

// ByteRing is a fixed-capacity circular byte buffer.
type ByteRing struct {
	mu      sync.Mutex
	buf     []byte
	w       int
	r       int
	full    bool
	evicted uint64
	onEvict func(n int)
}

// New allocates a ring holding at most size bytes.  It panics when size is
// not positive so the modulo arithmetic stays valid.
func New(size int) *ByteRing {
	if size <= 0 {
		panic("ring: size must be > 0")
	}
	return &ByteRing{buf: make([]byte, size)}
}

// OnEvict installs a hook called (under the ring lock) with the number of
// bytes dropped by each overflowing Write or shrinking SetSize.
func (b *ByteRing) OnEvict(fn func(n int)) {
	b.mu.Lock()
	b.onEvict = fn
	b.mu.Unlock()
}

// Write appends p, evicting the oldest bytes when p does not fit.  It always
// consumes the whole of p and never returns an error, so a ByteRing can be
// handed to anything expecting an io.Writer.
func (b *ByteRing) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	size := len(b.buf)
	used := b.lenLocked()

	// Only the tail of an oversized write can survive.
	if n >= size {
		b.evict(used + n - size)
		copy(b.buf, p[n-size:])
		b.w, b.r, b.full = 0, 0, true
		return n, nil
	}

	if free := size - used; n > free {
		drop := n - free
		b.r = (b.r + drop) % size
		b.full = false
		b.evict(drop)
	}

	first := copy(b.buf[b.w:], p)
	copy(b.buf, p[first:])
	b.w = (b.w + n) % size
	b.full = b.w == b.r
	return n, nil
}

// WriteString is Write for string payloads.
func (b *ByteRing) WriteString(s string) (int, error) {
	return b.Write([]byte(s))
}

// Get returns every buffered byte, oldest first, as a fresh slice.  Unless
// keep is set the ring is drained.
func (b *ByteRing) Get(keep bool) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.snapshotLocked()
	if !keep {
		b.r = b.w
		b.full = false
	}
	return out
}

// HasData reports whether at least one unread byte is buffered.
func (b *ByteRing) HasData() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.full || b.r != b.w
}

// DataLen returns the number of unread bytes.
func (b *ByteRing) DataLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lenLocked()
}

// Size returns the current capacity.
func (b *ByteRing) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Evicted returns the total number of bytes dropped since construction.
func (b *ByteRing) Evicted() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}

// SetSize changes the capacity.  Unread content is preserved newest-first;
// whatever no longer fits is dropped oldest-first, exactly like an
// overflowing Write.
func (b *ByteRing) SetSize(size int) error {
	if size <= 0 {
		return ErrInvalidSize
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	data := b.snapshotLocked()
	if len(data) > size {
		b.evict(len(data) - size)
		data = data[len(data)-size:]
	}

	b.buf = make([]byte, size)
	copy(b.buf, data)
	b.r = 0
	b.w = len(data) % size
	b.full = len(data) == size
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// lock-held helpers
// ─────────────────────────────────────────────────────────────────────────────

func (b *ByteRing) lenLocked() int {
	if b.full {
		return len(b.buf)
	}
	return (b.w - b.r + len(b.buf)) % len(b.buf)
}

func (b *ByteRing) snapshotLocked() []byte {
	n := b.lenLocked()
	out := make([]byte, n)
	if n == 0 {
		return out
	}
	first := copy(out, b.buf[b.r:])
	if first < n {
		copy(out[first:], b.buf[:n-first])
	}
	return out
}

func (b *ByteRing) evict(n int) {
	if n <= 0 {
		return
	}
	b.evicted += uint64(n)
	if b.onEvict != nil {
		b.onEvict(n)
	}
}
