// Package rangealloc is a generic numeric-range allocator, backing the
// MmioAllocator, IntAllocator, and PortAllocator kernel objects (spec.md
// §2/§6, SPEC_FULL.md's supplemented-features section).
//
// Grounded on original_source's mmio_allocator.rs: a first-fit
// free-list over a bounded numeric space (physical MMIO range,
// interrupt vector, or I/O port number), the same alloc/free shape as
// internal/pagemem but without a per-CPU fast path, since these
// resources are allocated far less frequently than pages.
package rangealloc

import (
	"sync"

	"github.com/Athryx/aurora-os/internal/aerr"
)

type freeRange struct {
	start, length uint64
}

// Allocator hands out non-overlapping sub-ranges of [0, limit).
type Allocator struct {
	mu    sync.Mutex
	free  []freeRange
	limit uint64
}

// New builds an allocator over [0, limit).
func New(limit uint64) *Allocator {
	return &Allocator{free: []freeRange{{start: 0, length: limit}}, limit: limit}
}

// Alloc reserves n contiguous units, first-fit.
func (a *Allocator) Alloc(n uint64) (uint64, aerr.Code) {
	if n == 0 {
		return 0, aerr.InvlArgs
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, r := range a.free {
		if r.length >= n {
			start := r.start
			if r.length == n {
				a.free = append(a.free[:i], a.free[i+1:]...)
			} else {
				a.free[i] = freeRange{start: r.start + n, length: r.length - n}
			}
			return start, aerr.Ok
		}
	}
	return 0, aerr.OutOfMem
}

// AllocAt reserves exactly [start, start+n), failing with InvlArgs if
// any part of that range is not free.
func (a *Allocator) AllocAt(start, n uint64) aerr.Code {
	if n == 0 || start+n > a.limit {
		return aerr.InvlArgs
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, r := range a.free {
		if start >= r.start && start+n <= r.start+r.length {
			before := freeRange{start: r.start, length: start - r.start}
			after := freeRange{start: start + n, length: r.start + r.length - start - n}
			repl := make([]freeRange, 0, 2)
			if before.length > 0 {
				repl = append(repl, before)
			}
			if after.length > 0 {
				repl = append(repl, after)
			}
			a.free = append(a.free[:i], append(repl, a.free[i+1:]...)...)
			return aerr.Ok
		}
	}
	return aerr.InvlArgs
}

// Free releases a previously allocated [start, start+n) back to the
// pool, merging with adjacent free ranges.
func (a *Allocator) Free(start, n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	merged := freeRange{start: start, length: n}
	out := make([]freeRange, 0, len(a.free)+1)
	inserted := false
	for _, r := range a.free {
		if r.start+r.length == merged.start {
			merged.start = r.start
			merged.length += r.length
			continue
		}
		if merged.start+merged.length == r.start {
			merged.length += r.length
			continue
		}
		if !inserted && r.start > merged.start {
			out = append(out, merged)
			inserted = true
		}
		out = append(out, r)
	}
	if !inserted {
		out = append(out, merged)
	}
	a.free = out
}
