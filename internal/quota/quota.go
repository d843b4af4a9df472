// Package quota is Aurora's hierarchical, capability-scoped page quota
// allocator (spec.md §4.B, Module B).
//
// Grounded on limits.Sysatomic_t.Taken/.Given: a CAS-retry loop against
// a single atomic counter enforcing "spent - given >= 0", generalized
// from one flat system-wide counter to a tree of per-Allocator counters.
// Each node's max_pages is a hard ceiling: a shortfall drains only the
// node's own prealloc, then escalates an OOM notification and fails;
// it never draws on a parent's counter.
// Root-exhaustion escalation (wake the listener, populate a paging
// table) is grounded on proc/oom.go's oom_t.reign goroutine-plus-channel
// pattern, adapted from "pick a victim process" to "hand the shortfall
// to whichever ancestor has an OOM sink bound, or the root listener".
package quota

import (
	"sync"
	"sync/atomic"

	"github.com/Athryx/aurora-os/internal/aerr"
	"github.com/Athryx/aurora-os/internal/kbytes"
	"github.com/Athryx/aurora-os/internal/pagemem"
)

// OomNotifier receives an escalation when an allocator cannot satisfy a
// request within its own ceiling (spec.md §4.B step 2).
type OomNotifier interface {
	NotifyOOM(need uint64)
}

// Allocator is one node of the quota tree. The root node additionally
// owns the real pagemem.Allocator backing every descendant's requests.
type Allocator struct {
	maxPages atomic.Uint64
	used     atomic.Uint64
	prealloc atomic.Uint64
	regrow   atomic.Uint64 // target prealloc level to refill toward, 0 disables

	parent *Allocator

	mu       sync.Mutex
	children map[*Allocator]struct{}
	oomSink  OomNotifier

	// only set on the root allocator (parent == nil)
	frames  *pagemem.Allocator
	rootOom OomNotifier
}

// NewRoot builds the root of a quota tree, backed by frames for actual
// physical page supply, with maxPages as its ceiling.
func NewRoot(frames *pagemem.Allocator, maxPages uint64) *Allocator {
	a := &Allocator{frames: frames, children: map[*Allocator]struct{}{}}
	a.maxPages.Store(maxPages)
	return a
}

// BindRootOom attaches the listener woken when the root allocator
// itself is exhausted and no ancestor has a bound OOM sink (spec.md
// §4.B step 2, §6's RootOom bootstrap capability).
func (a *Allocator) BindRootOom(n OomNotifier) {
	a.root().rootOom = n
}

// NewChild creates a child quota node with its own ceiling. The child's
// ceiling is independent bookkeeping, not pre-debited against the
// parent: actual physical backing is only consumed (and escalated) when
// AllocPages climbs the tree, per spec.md §4.B.
func (a *Allocator) NewChild(maxPages uint64) *Allocator {
	c := &Allocator{parent: a, children: map[*Allocator]struct{}{}}
	c.maxPages.Store(maxPages)
	a.mu.Lock()
	a.children[c] = struct{}{}
	a.mu.Unlock()
	return c
}

func (a *Allocator) root() *Allocator {
	cur := a
	for cur.parent != nil {
		cur = cur.parent
	}
	return cur
}

// BindOom attaches (or clears, if n is nil) the OOM escalation sink
// checked before this allocator forwards an unsatisfiable request to
// its parent (spec.md §4.B step 2).
func (a *Allocator) BindOom(n OomNotifier) {
	a.mu.Lock()
	a.oomSink = n
	a.mu.Unlock()
}

// Capacity reports (used, prealloc, free) at a single observable
// instant (spec.md §4.B operations list).
func (a *Allocator) Capacity() (used, prealloc, free uint64) {
	u := a.used.Load()
	p := a.prealloc.Load()
	m := a.maxPages.Load()
	f := uint64(0)
	if m > u+p {
		f = m - u - p
	}
	return u, p, f
}

// AllocPages reserves n pages of this node's quota (failing with
// OutOfMem on shortfall, see reserve), then draws the actual frames
// from the root's pagemem.Allocator. On
// OOM, no partial state is left mutated: the spec.md §7 requirement
// that a composite operation roll back to its pre-call state is met by
// reserving quota before touching pagemem and releasing the quota
// reservation again if the physical allocation itself fails.
func (a *Allocator) AllocPages(cpu int, n uint64) (pagemem.PhysRange, aerr.Code) {
	if n == 0 {
		return pagemem.PhysRange{}, aerr.InvlArgs
	}
	if !a.reserve(&a.used, n) {
		return pagemem.PhysRange{}, aerr.OutOfMem
	}
	r, code := a.root().frames.Alloc(cpu, n, 1)
	if code != aerr.Ok {
		a.release(&a.used, n)
		return pagemem.PhysRange{}, code
	}
	return r, aerr.Ok
}

// FreePages releases quota and the underlying frames.
func (a *Allocator) FreePages(r pagemem.PhysRange) {
	a.release(&a.used, r.NPages)
	a.root().frames.Free(r)
	a.maybeRegrow()
}

// Prealloc grows or shrinks the soft prealloc buffer. If n is larger
// than the current level, the delta is reserved through the same
// reserve path as AllocPages; if smaller, truncate controls whether
// the excess is released (spec.md §4.B operations list, §9 open
// question 3: shrinking prealloc never touches used).
func (a *Allocator) Prealloc(n uint64, truncate bool, setRegrow bool) aerr.Code {
	cur := a.prealloc.Load()
	if n <= cur {
		if truncate {
			a.release(&a.prealloc, cur-n)
		}
	} else if !a.reserve(&a.prealloc, n-cur) {
		return aerr.OutOfMem
	}
	if setRegrow {
		a.regrow.Store(n)
	}
	return aerr.Ok
}

// maybeRegrow tops the prealloc buffer back up toward its regrow target
// after a free, best-effort (failure is silently ignored: regrow is a
// convenience, not a guarantee).
func (a *Allocator) maybeRegrow() {
	target := a.regrow.Load()
	if target == 0 {
		return
	}
	cur := a.prealloc.Load()
	if cur < target {
		a.reserve(&a.prealloc, target-cur)
	}
}

// SetMaxPages sets the ceiling to an absolute value (delta=false) or
// adjusts it by a signed delta (delta=true). Fails with InvlArgs if the
// result would fall below the currently committed `used` (spec.md
// §4.B, §9 open question 3); a result between used and used+prealloc is
// accepted and truncates prealloc downward to fit.
func (a *Allocator) SetMaxPages(val int64, delta bool) aerr.Code {
	for {
		oldMax := a.maxPages.Load()
		var newMax uint64
		if delta {
			signed := int64(oldMax) + val
			if signed < 0 {
				return aerr.InvlArgs
			}
			newMax = uint64(signed)
		} else {
			if val < 0 {
				return aerr.InvlArgs
			}
			newMax = uint64(val)
		}
		used := a.used.Load()
		if newMax < used {
			return aerr.InvlArgs
		}
		prealloc := a.prealloc.Load()
		if newMax < used+prealloc {
			if !a.prealloc.CompareAndSwap(prealloc, newMax-used) {
				continue
			}
		}
		if a.maxPages.CompareAndSwap(oldMax, newMax) {
			return aerr.Ok
		}
	}
}

// Destroy tears down a child allocator, reparenting its live
// allocations (used+prealloc) onto the parent. If that reparenting
// would overflow the parent's own ceiling, destruction still succeeds
// and the overflow is surfaced as an OOM on the parent's own sink
// (spec.md §4.B: "destruction still succeeds but the parent's overflow
// is surfaced as an OOM on its own sink").
func (a *Allocator) Destroy(child *Allocator) {
	a.mu.Lock()
	delete(a.children, child)
	a.mu.Unlock()

	total := child.used.Load() + child.prealloc.Load()
	if total == 0 {
		return
	}
	a.used.Add(total)
	u, p, _ := a.Capacity()
	if u+p > a.maxPages.Load() {
		a.mu.Lock()
		sink := a.oomSink
		a.mu.Unlock()
		if sink != nil {
			sink.NotifyOOM(u + p - a.maxPages.Load())
		}
	}
}

// reserve drains a's own prealloc buffer to cover a shortfall, but never
// grows a.maxPages to do so: max_pages is a hard per-node ceiling
// (spec.md §8 scenario 2 — a child's own max must OOM once exhausted,
// even though its parent has room to spare), grounded on
// original_source's cap_allocator.rs prealloc_inner, which fails with
// OutOfMem as soon as used_size+prealloc_size+bytes exceeds
// max_capacity rather than consulting the parent for more. Returns
// false, after escalating the OOM notification, once n exceeds this
// node's own headroom even after draining its own prealloc.
func (a *Allocator) reserve(dest *atomic.Uint64, n uint64) bool {
	for {
		used := a.used.Load()
		prealloc := a.prealloc.Load()
		max := a.maxPages.Load()
		committed := used + prealloc
		var free uint64
		if max > committed {
			free = max - committed
		}
		if free >= n {
			old := dest.Load()
			if dest.CompareAndSwap(old, old+n) {
				return true
			}
			continue
		}

		need := n - free
		if prealloc > 0 && dest != &a.prealloc {
			drain := prealloc
			if drain > need {
				drain = need
			}
			if !a.prealloc.CompareAndSwap(prealloc, prealloc-drain) {
				continue
			}
			need -= drain
			if need == 0 {
				continue // recompute free and commit to dest
			}
		}

		a.escalateOOM(n)
		return false
	}
}

func (a *Allocator) release(dest *atomic.Uint64, n uint64) {
	for {
		old := dest.Load()
		sub := n
		if sub > old {
			sub = old
		}
		if dest.CompareAndSwap(old, old-sub) {
			return
		}
	}
}

// escalateOOM walks from a up to the root looking for the nearest bound
// sink; if none is bound anywhere in the ancestry, it falls through to
// the root's RootOom listener (spec.md §4.B step 2).
func (a *Allocator) escalateOOM(need uint64) {
	for cur := a; cur != nil; cur = cur.parent {
		cur.mu.Lock()
		sink := cur.oomSink
		cur.mu.Unlock()
		if sink != nil {
			sink.NotifyOOM(need)
			return
		}
	}
	if root := a.root().rootOom; root != nil {
		root.NotifyOOM(need)
	}
}

// RootOomEntry is one paging directive in the root OOM table (spec.md
// §6): a disk-sector-or-id, a page-aligned physical address, and a
// page count.
type RootOomEntry struct {
	SectorOrID uint64
	PhysAddr   uint64
	SizePages  uint64
}

// RootOomTable is the word-0-count-plus-fixed-triples layout described
// in spec.md §6, marshaled over a user-visible memory object the same
// way util.Readn/util.Writen pack raw kernel structs into byte slices.
type RootOomTable struct {
	Entries []RootOomEntry
}

const rootOomEntryWords = 3

// MarshalTo packs t into buf (a Memory object's backing bytes),
// returning InvlArgs if it cannot fit.
func (t *RootOomTable) MarshalTo(buf []byte) aerr.Code {
	need := kbytes.Bytes(1 + len(t.Entries)*rootOomEntryWords)
	if len(buf) < need {
		return aerr.InvlArgs
	}
	kbytes.WriteWord(buf, 0, uint64(len(t.Entries)))
	for i, e := range t.Entries {
		base := 1 + i*rootOomEntryWords
		kbytes.WriteWord(buf, base+0, e.SectorOrID)
		kbytes.WriteWord(buf, base+1, e.PhysAddr)
		kbytes.WriteWord(buf, base+2, e.SizePages)
	}
	return aerr.Ok
}

// UnmarshalFrom reads a table back out of buf.
func UnmarshalFrom(buf []byte) (*RootOomTable, aerr.Code) {
	if len(buf) < kbytes.Bytes(1) {
		return nil, aerr.InvlArgs
	}
	count := kbytes.ReadWord(buf, 0)
	need := kbytes.Bytes(1 + int(count)*rootOomEntryWords)
	if len(buf) < need {
		return nil, aerr.InvlArgs
	}
	t := &RootOomTable{Entries: make([]RootOomEntry, count)}
	for i := range t.Entries {
		base := 1 + i*rootOomEntryWords
		t.Entries[i] = RootOomEntry{
			SectorOrID: kbytes.ReadWord(buf, base+0),
			PhysAddr:   kbytes.ReadWord(buf, base+1),
			SizePages:  kbytes.ReadWord(buf, base+2),
		}
	}
	return t, aerr.Ok
}
