package cellcache

import "sync/atomic"

// ArenaChunkSize is the allocation unit for cache payloads. Entries larger
// than a chunk get a dedicated arena.
const ArenaChunkSize = 64 << 10

// arena is a reference counted chunk of payload bytes. Every cache holding
// entries in the arena holds one reference.
type arena struct {
	refs atomic.Int32
	buf  []byte
	off  int
}

func newArena(size int) *arena {
	a := &arena{buf: make([]byte, size)}
	a.refs.Store(1)
	return a
}

func (a *arena) retain() { a.refs.Add(1) }

// release drops one reference and reports whether it was the last.
func (a *arena) release() bool {
	if a.refs.Add(-1) == 0 {
		a.buf = nil
		return true
	}
	return false
}

// allocator hands out payload slices from the arenas owned by one cache.
// Access is serialized by the cache lock.
type allocator struct {
	current *arena
}

func (p *allocator) alloc(n int) (*arena, []byte, bool) {
	if n > ArenaChunkSize {
		a := newArena(n)
		a.off = n
		return a, a.buf, true
	}
	fresh := false
	if p.current == nil || len(p.current.buf)-p.current.off < n {
		p.current = newArena(ArenaChunkSize)
		fresh = true
	}
	a := p.current
	b := a.buf[a.off : a.off+n : a.off+n]
	a.off += n
	return a, b, fresh
}

// unalloc returns the most recent allocation of n bytes from a.
func (p *allocator) unalloc(a *arena, n int) {
	if a == p.current && a.off >= n {
		a.off -= n
	}
}
