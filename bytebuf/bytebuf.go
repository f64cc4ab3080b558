// Package bytebuf provides a growable byte buffer whose backing array is
// rented from a shared, size-classed pool instead of allocated fresh for
// every frame. It is the scratch space frame encoding, decoding and
// decompression write into.
package bytebuf

import "sync"

// minClass is the smallest backing array size rented from the pool.
const minClass = 256

// maxClass is the largest size class the pool keeps a dedicated pool for.
// Buffers that would grow past this are allocated directly and not pooled
// on return, which keeps the steady-state pool bounded.
const maxClass = 1 << 20 // 1 MiB

// classes holds one sync.Pool per power-of-two size from minClass to maxClass.
var classes []*sync.Pool

func init() {
	for sz := minClass; sz <= maxClass; sz <<= 1 {
		sz := sz
		classes = append(classes, &sync.Pool{
			New: func() any { return make([]byte, sz) },
		})
	}
}

// classFor returns the pool whose backing size is the smallest power of two
// at least n, or nil if n exceeds maxClass.
func classFor(n int) (*sync.Pool, int) {
	sz := minClass
	for _, p := range classes {
		if sz >= n {
			return p, sz
		}
		sz <<= 1
	}
	return nil, n
}

func rent(n int) []byte {
	if n <= 0 {
		n = minClass
	}
	pool, sz := classFor(n)
	if pool == nil {
		return make([]byte, n)
	}
	b := pool.Get().([]byte)
	if cap(b) < sz {
		b = make([]byte, sz)
	}
	return b[:sz]
}

func release(b []byte) {
	n := cap(b)
	pool, sz := classFor(n)
	if pool == nil || sz != n {
		// Not a size this pool hands out (e.g. an oversized one-off
		// allocation); let the GC reclaim it.
		return
	}
	pool.Put(b[:n]) //nolint:staticcheck // reset length, keep capacity
}

// Buffer is a pool-backed growable byte buffer with a single owner. It is
// not safe for concurrent use; the pool it rents from is.
type Buffer struct {
	backing  []byte
	position int // number of committed bytes
}

// New returns an empty Buffer whose initial backing array holds at least
// hint bytes.
func New(hint int) *Buffer {
	return &Buffer{backing: rent(hint)}
}

// Write appends p to the committed region, growing the backing array if
// necessary, and returns len(p), nil (it never fails to grow).
func (b *Buffer) Write(p []byte) (int, error) {
	dst := b.Reserve(len(p))
	copy(dst, p)
	b.Consume(len(p))
	return len(p), nil
}

// WriteByte appends a single byte.
func (b *Buffer) WriteByte(c byte) error {
	_, err := b.Write([]byte{c})
	return err
}

// Reserve ensures at least minFree bytes are available past the committed
// region and returns a slice over that free space. The caller writes into
// the returned slice and then calls Consume with however many bytes it
// actually used.
func (b *Buffer) Reserve(minFree int) []byte {
	needed := b.position + minFree
	if needed > len(b.backing) {
		b.grow(needed)
	}
	return b.backing[b.position:len(b.backing)]
}

// grow rents a larger backing array (geometric growth, next power of two up
// to maxClass, then exact-fit beyond that) and copies the committed bytes
// into it. Shrinking is never performed.
func (b *Buffer) grow(needed int) {
	next := rent(needed)
	copy(next, b.backing[:b.position])
	old := b.backing
	b.backing = next
	release(old)
}

// Consume marks n additional bytes (written directly into the slice
// returned by Reserve) as committed.
func (b *Buffer) Consume(n int) {
	b.position += n
}

// SetLength truncates or marks the committed region as exactly n bytes,
// growing the backing array first if n exceeds it.
func (b *Buffer) SetLength(n int) {
	if n > len(b.backing) {
		b.grow(n)
	}
	b.position = n
}

// Position returns the number of committed bytes.
func (b *Buffer) Position() int {
	return b.position
}

// CommittedSlice returns the committed bytes. The slice aliases the
// buffer's backing array and is invalidated by the next Reserve/grow.
func (b *Buffer) CommittedSlice() []byte {
	return b.backing[:b.position]
}

// Reset empties the buffer without releasing its backing array, so it can
// be reused for the next frame.
func (b *Buffer) Reset() {
	b.position = 0
}

// Release returns the backing array to the pool. The Buffer must not be
// used afterward.
func (b *Buffer) Release() {
	release(b.backing)
	b.backing = nil
	b.position = 0
}
