// Package arena implements the single bump-allocated byte region every
// runtime structure is carved out of (§9 of the spec: "no runtime heap
// allocation on the hot path"), plus the string interner built on top of it.
//
// No example repo or ecosystem library implements this precise scheme — a
// pre-sized bump arena with interned (offset, length) string handles — so it
// is hand-written, grounded in the design notes of modbus_client.cpp's
// simple_arena.hpp / string_storage_v2.hpp.
package arena

import "fmt"

// Arena is a fixed-capacity, growable-on-demand bump allocator. Allocation
// only happens at config-load/reload time; after Freeze, Alloc panics, which
// catches any accidental hot-path allocation during development/testing.
type Arena struct {
	buf    []byte
	offset int
	frozen bool
}

// New allocates an arena with the given initial capacity.
func New(capacityBytes int) *Arena {
	if capacityBytes < 0 {
		capacityBytes = 0
	}
	return &Arena{buf: make([]byte, 0, capacityBytes)}
}

// Alloc reserves n zeroed bytes and returns them as a stable-addressed slice.
func (a *Arena) Alloc(n int) []byte {
	if a.frozen {
		panic("arena: Alloc after Freeze")
	}
	start := len(a.buf)
	if cap(a.buf)-start < n {
		grown := make([]byte, start, (start+n)*2+64)
		copy(grown, a.buf)
		a.buf = grown
	}
	a.buf = a.buf[:start+n]
	return a.buf[start : start+n : start+n]
}

// Freeze marks the arena read-only, matching "the arena and string storage
// are read-only after startup; no lock" (§5).
func (a *Arena) Freeze() { a.frozen = true }

// Len reports bytes committed so far.
func (a *Arena) Len() int { return len(a.buf) }

// Handle is an (offset, length) reference into a StringTable's backing
// arena. Handles are cheap to copy and compare and are what Component,
// Decode, and bit-string labels are stored as.
type Handle struct {
	offset uint32
	length uint32
}

// IsZero reports whether the handle was never assigned (zero-length handles
// at offset zero are indistinguishable from "unset", which is intentional:
// no entity in this config model has a legitimately empty name).
func (h Handle) IsZero() bool { return h.length == 0 && h.offset == 0 }

// StringTable interns strings once into an Arena and hands back Handles.
// Duplicate detection is a map keyed on the string content, per §9.
type StringTable struct {
	arena  *Arena
	lookup map[string]Handle
}

// NewStringTable creates a string table backed by a fresh arena sized from
// the given byte budget (computed by the config loader before any strings
// are known to be interned).
func NewStringTable(byteBudget int) *StringTable {
	return &StringTable{
		arena:  New(byteBudget),
		lookup: make(map[string]Handle, 64),
	}
}

// Intern stores s once and returns a handle to it. Repeated interning of an
// equal string returns the same handle without allocating again.
func (t *StringTable) Intern(s string) Handle {
	if h, ok := t.lookup[s]; ok {
		return h
	}
	dst := t.arena.Alloc(len(s))
	copy(dst, s)
	h := Handle{offset: uint32(len(t.arena.buf) - len(s)), length: uint32(len(s))}
	t.lookup[s] = h
	return h
}

// String resolves a handle back to its string content.
func (t *StringTable) String(h Handle) string {
	if h.length == 0 {
		return ""
	}
	end := int(h.offset) + int(h.length)
	if end > len(t.arena.buf) {
		panic(fmt.Sprintf("arena: handle out of range: offset=%d length=%d table_len=%d", h.offset, h.length, len(t.arena.buf)))
	}
	return string(t.arena.buf[h.offset:end])
}

// Freeze freezes the backing arena; called once config load/expansion
// finishes interning every name.
func (t *StringTable) Freeze() { t.arena.Freeze() }

// Len reports how many bytes of strings have been interned.
func (t *StringTable) Len() int { return t.arena.Len() }
