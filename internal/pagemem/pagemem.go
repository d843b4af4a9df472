// Package pagemem is Aurora's physical page-frame supply (spec.md
// §4.A, Module A).
//
// Grounded on mem.Physmem_t / mem/dmap.go: a flat metadata slice
// (Physpg_t per frame) plus a per-CPU freelist array so the fast path
// never takes a global lock. Aurora's hosted simulation has no real
// physical address space, so a "frame" is an index into a fixed-size
// arena; the shape of the allocator (global metadata array, per-CPU
// freelists under a per-CPU mutex, global freelist under one mutex as
// fallback) is kept exactly as in mem.Physmem_t._pcpu_new/_pcpu_put.
package pagemem

import (
	"sync"

	"github.com/Athryx/aurora-os/internal/aerr"
	"github.com/Athryx/aurora-os/internal/kconfig"
)

// PhysRange names a contiguous run of page frames (Frame is the index
// of the first page, NPages the run length).
type PhysRange struct {
	Frame  uint64
	NPages uint64
}

type frame struct {
	refcnt int32
	next   uint32 // index of next free frame, or sentinel
}

const sentinel = ^uint32(0)

type cpuFreelist struct {
	sync.Mutex
	head  uint32
	count uint32
}

const perCPUCap = 64

// Allocator is a lock-minimised page-frame supply over a fixed-size
// arena of frames. The zero value is not usable; use New.
type Allocator struct {
	frames []frame

	mu       sync.Mutex
	freeHead uint32
	freeLen  uint32

	percpu []cpuFreelist
}

// New builds an allocator over nframes frames, all initially free.
func New(nframes int) *Allocator {
	a := &Allocator{
		frames: make([]frame, nframes),
		percpu: make([]cpuFreelist, kconfig.Default.NumCPUs),
	}
	for i := range a.frames {
		nxt := sentinel
		if i+1 < nframes {
			nxt = uint32(i + 1)
		}
		a.frames[i] = frame{next: nxt}
	}
	if nframes > 0 {
		a.freeHead = 0
		a.freeLen = uint32(nframes)
	} else {
		a.freeHead = sentinel
	}
	return a
}

// Alloc reserves n contiguous pages aligned to align pages (align must
// be a power of two; 1 means no alignment constraint beyond page
// granularity). Never blocks: on failure it returns aerr.OutOfMem
// immediately rather than waiting for memory to free up (§4.A).
func (a *Allocator) Alloc(cpu int, n uint64, align uint64) (PhysRange, aerr.Code) {
	if n == 0 {
		return PhysRange{}, aerr.InvlArgs
	}
	if align == 0 {
		align = 1
	}
	if n == 1 && align == 1 {
		if f, ok := a.allocOneFast(cpu); ok {
			return PhysRange{Frame: uint64(f), NPages: 1}, aerr.Ok
		}
	}
	// Multi-page or aligned requests always go through the global
	// freelist: the per-CPU lists only ever hold single singleton
	// frames, same as mem.Physmem_t's pcpu lists.
	return a.allocRunGlobal(n, align)
}

func (a *Allocator) allocOneFast(cpu int) (uint32, bool) {
	if cpu >= 0 && cpu < len(a.percpu) {
		pc := &a.percpu[cpu]
		pc.Lock()
		if pc.count > 0 {
			f := pc.head
			pc.head = a.frames[f].next
			pc.count--
			pc.Unlock()
			a.frames[f].refcnt = 1
			return f, true
		}
		pc.Unlock()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.freeLen == 0 {
		return 0, false
	}
	f := a.freeHead
	a.freeHead = a.frames[f].next
	a.freeLen--
	a.frames[f].refcnt = 1
	return f, true
}

// allocRunGlobal walks the global freelist looking for n contiguous
// free frames satisfying align; O(nframes) worst case, acceptable for
// the hosted simulation (real hardware would track runs in a buddy
// structure, out of scope per spec.md §1).
func (a *Allocator) allocRunGlobal(n, align uint64) (PhysRange, aerr.Code) {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := uint64(len(a.frames))
	for start := uint64(0); start+n <= total; start++ {
		if start%align != 0 {
			continue
		}
		if a.runIsFree(start, n) {
			a.removeRunFromFreelist(start, n)
			for i := start; i < start+n; i++ {
				a.frames[i].refcnt = 1
			}
			return PhysRange{Frame: start, NPages: n}, aerr.Ok
		}
	}
	return PhysRange{}, aerr.OutOfMem
}

func (a *Allocator) runIsFree(start, n uint64) bool {
	for i := start; i < start+n; i++ {
		if a.frames[i].refcnt != 0 {
			return false
		}
	}
	return true
}

// removeRunFromFreelist splices [start, start+n) out of the singly
// linked freelist. The freelist is small relative to typical run sizes
// in the hosted simulation, so a linear splice is acceptable.
func (a *Allocator) removeRunFromFreelist(start, n uint64) {
	inRun := func(idx uint32) bool {
		return uint64(idx) >= start && uint64(idx) < start+n
	}
	var prev uint32 = sentinel
	cur := a.freeHead
	for cur != sentinel {
		nxt := a.frames[cur].next
		if inRun(cur) {
			if prev == sentinel {
				a.freeHead = nxt
			} else {
				a.frames[prev].next = nxt
			}
			a.freeLen--
		} else {
			prev = cur
		}
		cur = nxt
	}
}

// Free releases a previously allocated range back to the allocator.
func (a *Allocator) Free(r PhysRange) {
	if r.NPages == 0 {
		return
	}
	if r.NPages == 1 {
		a.freeOneFast(r.Frame)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := r.Frame; i < r.Frame+r.NPages; i++ {
		a.frames[i].refcnt = 0
		a.frames[i].next = a.freeHead
		a.freeHead = uint32(i)
		a.freeLen++
	}
}

func (a *Allocator) freeOneFast(f uint64) {
	a.frames[f].refcnt = 0
	// route back to CPU 0's list; a real per-CPU-affine free would use
	// runtime.CPUHint()'s equivalent, unavailable in the hosted model.
	pc := &a.percpu[0]
	pc.Lock()
	if pc.count < perCPUCap {
		a.frames[f].next = pc.head
		pc.head = uint32(f)
		pc.count++
		pc.Unlock()
		return
	}
	pc.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.frames[f].next = a.freeHead
	a.freeHead = uint32(f)
	a.freeLen++
}

// NumFrames reports the arena size.
func (a *Allocator) NumFrames() int {
	return len(a.frames)
}
