package kobj

import (
	"sync"

	"github.com/Athryx/aurora-os/internal/quota"
	"github.com/Athryx/aurora-os/internal/rangealloc"
)

// AllocatorObject is the capability-facing wrapper around a
// quota.Allocator (spec.md §2/§4.B, Module D's kernel-object-set entry
// for Allocator).
type AllocatorObject struct {
	*quota.Allocator
}

func NewAllocatorObject(a *quota.Allocator) *AllocatorObject {
	return &AllocatorObject{Allocator: a}
}

func (*AllocatorObject) Type() Tag { return TagAllocator }

// RootOomObject is the escalation endpoint for root-allocator
// exhaustion (spec.md §2/§6's glossary entry for RootOom). Exactly one
// thread may be blocked in root_oom_listen at a time (spec.md §6: "the
// sole thread blocked on the RootOom object"); NotifyOOM wakes it and
// hands over the populated paging table.
type RootOomObject struct {
	mu      sync.Mutex
	waiting chan *quota.RootOomTable
	pending *quota.RootOomTable
}

func NewRootOomObject() *RootOomObject {
	return &RootOomObject{}
}

func (*RootOomObject) Type() Tag { return TagRootOom }

// Listen blocks until the root allocator escalates an OOM, a cancel
// signal arrives (process exit), or the call fails because another
// thread is already listening (spec.md §6: only one listener at a
// time).
func (r *RootOomObject) Listen(cancel <-chan struct{}) (*quota.RootOomTable, WaitResult, bool) {
	r.mu.Lock()
	if r.waiting != nil {
		r.mu.Unlock()
		return nil, WaitOk, false
	}
	ch := make(chan *quota.RootOomTable, 1)
	r.waiting = ch
	r.mu.Unlock()

	select {
	case t := <-ch:
		return t, WaitOk, true
	case <-cancel:
		r.mu.Lock()
		if r.waiting == ch {
			r.waiting = nil
		}
		r.mu.Unlock()
		return nil, WaitCancelled, true
	}
}

// NotifyOOM implements quota.OomNotifier: the waiting userspace thread
// completes paging using the entries selected for eviction and must
// never allocate from the kernel while handling them (spec.md §6).
// Aurora's hosted simulation has no real paging backend, so the table
// handed to the listener is built from whatever the caller supplies via
// SetNextTable; a kernel that actually paged to disk would populate
// this from its eviction policy instead.
func (r *RootOomObject) NotifyOOM(need uint64) {
	_ = need
	r.mu.Lock()
	ch := r.waiting
	r.waiting = nil
	r.mu.Unlock()
	if ch != nil {
		ch <- r.nextTable()
	}
}

var _ quota.OomNotifier = (*RootOomObject)(nil)

func (r *RootOomObject) nextTable() *quota.RootOomTable {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return &quota.RootOomTable{}
	}
	t := r.pending
	r.pending = nil
	return t
}

// SetNextTable queues the table to be delivered to the next listener,
// allowing the boot-time eviction policy (outside this package) to
// decide what to page out before NotifyOOM fires.
func (r *RootOomObject) SetNextTable(t *quota.RootOomTable) {
	r.mu.Lock()
	r.pending = t
	r.mu.Unlock()
}

// RangeObject is the shared shape behind MmioAllocator, IntAllocator,
// and PortAllocator (spec.md §2/§6, named but never detailed;
// SPEC_FULL.md's supplemented-features section grounds all three on the
// same rangealloc.Allocator, distinguished only by their Tag).
type RangeObject struct {
	*rangealloc.Allocator
	tag Tag
}

func NewMmioAllocatorObject(a *rangealloc.Allocator) *RangeObject {
	return &RangeObject{Allocator: a, tag: TagMmioAllocator}
}

func NewIntAllocatorObject(a *rangealloc.Allocator) *RangeObject {
	return &RangeObject{Allocator: a, tag: TagIntAllocator}
}

func NewPortAllocatorObject(a *rangealloc.Allocator) *RangeObject {
	return &RangeObject{Allocator: a, tag: TagPortAllocator}
}

func (r *RangeObject) Type() Tag { return r.tag }
