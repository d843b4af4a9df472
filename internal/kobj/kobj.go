// Package kobj is Aurora's closed kernel-object union and the
// reference-counted handle machinery that backs strong/weak capability
// semantics (spec.md §3/§4.D, Module D).
//
// Grounded on original_source's cap/mod.rs CapType enum for the closed
// tag set, and on biscuit's Page_i/Unpin_i-style small-interface idiom
// for representing a fixed set of kernel-object behaviors without open
// polymorphism (spec.md §9: "closed tagged variant, not open
// polymorphism, because the set of kernel-object types is fixed").
// Object lifetime (strong keeps alive, weak does not, teardown runs
// once on last-strong-drop) is grounded on original_source's
// cap/drop_check.rs, implemented here with sync/atomic rather than a
// borrow-checked Drop impl, since Go has no destructors.
package kobj

import (
	"sync"
	"sync/atomic"
)

// Tag is the closed kernel-object type enumeration, laid out in the
// exact order spec.md §3 assigns to cid bits 5-8 (4 bits, 16 values).
type Tag uint8

const (
	TagNull Tag = iota
	TagProcess
	TagMemory
	TagLock
	TagEventPool
	TagChannel
	TagRecvPool
	TagKey
	TagInterrupt
	TagPort
	TagSpawner
	TagAllocator
	TagRootOom
	TagMmioAllocator
	TagIntAllocator
	TagPortAllocator

	NumTags
)

func (t Tag) String() string {
	names := [...]string{
		"Null", "Process", "Memory", "Lock", "EventPool", "Channel",
		"RecvPool", "Key", "Interrupt", "Port", "Spawner", "Allocator",
		"RootOom", "MmioAllocator", "IntAllocator", "PortAllocator",
	}
	if int(t) < len(names) {
		return names[t]
	}
	return "InvlTag"
}

// Object is implemented by every concrete kernel-object type. It is
// intentionally minimal: the closed set of per-type operations lives on
// each concrete type, reached after a capspace lookup has already
// narrowed the type via the cid's tag (spec.md §4.C/§4.D).
type Object interface {
	Type() Tag
}

// Emitter is satisfied by anything that can be the target of a fired
// broadcast event (spec.md §4.G) — notably internal/event's broadcast
// emitters. Defined here, rather than imported from internal/event, so
// that Interrupt (owned by this package) can hold a target without
// this package depending on internal/event.
type Emitter interface {
	Fire(sourceCid, arg1, arg2, arg3 uint64)
}

// Handle is the reference-counted container every capability in
// internal/capspace ultimately points at. A strong capability holds one
// unit of the strong count; a weak capability holds none. When the
// strong count reaches zero the object is torn down exactly once and
// Alive() becomes permanently false for every outstanding weak
// reference (spec.md §3 Lifetime).
type Handle struct {
	obj       Object
	strong    atomic.Int64
	alive     atomic.Bool
	destroyed atomic.Bool
	onZero    func()
}

// NewHandle wraps obj with one initial strong reference. onZero, if
// non-nil, runs exactly once when the strong count reaches zero.
func NewHandle(obj Object, onZero func()) *Handle {
	h := &Handle{obj: obj, onZero: onZero}
	h.strong.Store(1)
	h.alive.Store(true)
	return h
}

// Object returns the wrapped kernel object. Valid even after teardown:
// a dead weak reference can still inspect a destroyed object's Type(),
// it just cannot use it for anything stateful (capspace's lookup
// rejects dead weaks at the permission-check layer).
func (h *Handle) Object() Object { return h.obj }

// AddStrong takes one more strong reference, failing if the object is
// already dead (strong count at zero). Used by weak→strong upgrade and
// by cap_clone of an already-strong cid.
func (h *Handle) AddStrong() bool {
	for {
		old := h.strong.Load()
		if old <= 0 {
			return false
		}
		if h.strong.CompareAndSwap(old, old+1) {
			return true
		}
	}
}

// DropStrong releases one strong reference. If this was the last one,
// the object is torn down exactly once.
func (h *Handle) DropStrong() {
	n := h.strong.Add(-1)
	if n < 0 {
		panic("kobj: strong refcount underflow")
	}
	if n == 0 {
		h.tryDestroy()
	}
}

func (h *Handle) tryDestroy() {
	if h.destroyed.CompareAndSwap(false, true) {
		h.alive.Store(false)
		if h.onZero != nil {
			h.onZero()
		}
	}
}

// IsAlive reports whether the underlying object still has at least one
// strong reference. A weak reference consults this before every use
// (spec.md §3/§4.C, §8 invariant 6).
func (h *Handle) IsAlive() bool {
	return h.alive.Load()
}

// Key is an opaque authorization token, checked bitwise-equal by a
// Spawner (spec.md §6's spawn_key bootstrap capability; SPEC_FULL.md's
// supplemented-features section, grounded on original_source's
// cap/key.rs).
type Key struct {
	ID [16]byte
}

func (*Key) Type() Tag { return TagKey }

// Lock is a kernel-arbitrated mutex a thread can block on (spec.md §2's
// component table lists Lock undetailed; SPEC_FULL.md's Module D
// supplement grounds it on original_source's sync/dmutex.rs). Waiting
// and waking are implemented directly with channels rather than through
// internal/sched, so kobj stays independent of the scheduler package;
// internal/syscall is responsible for flipping the calling thread's
// visible status to Suspended/Ready around a Wait call.
type Lock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

func NewLock() *Lock { return &Lock{} }

func (*Lock) Type() Tag { return TagLock }

// Wait blocks until the lock is free and acquires it, or returns early
// if cancel is closed (process exit, spec.md §5) or timeout fires.
func (l *Lock) Wait(cancel <-chan struct{}, timeout <-chan struct{}) WaitResult {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.mu.Unlock()
		return WaitOk
	}
	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return WaitOk
	case <-cancel:
		return WaitCancelled
	case <-timeout:
		return WaitTimedOut
	}
}

// Unlock releases the lock, waking the oldest waiter (if any), which
// then owns the lock without needing to recheck `held`.
func (l *Lock) Unlock() {
	l.mu.Lock()
	if len(l.waiters) == 0 {
		l.held = false
		l.mu.Unlock()
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	l.mu.Unlock()
	close(next)
}

// WaitResult reports why a blocking kobj primitive returned.
type WaitResult int

const (
	WaitOk WaitResult = iota
	WaitTimedOut
	WaitCancelled
)

// Interrupt represents a bound hardware interrupt vector (spec.md §2's
// component table; §4.G "interrupt arrival enqueues a broadcast
// event"). BindEvent routes a simulated IRQ into the broadcast-event
// path of internal/event without this package importing it.
type Interrupt struct {
	mu     sync.Mutex
	Vector uint32
	bound  Emitter
}

func NewInterrupt(vector uint32) *Interrupt {
	return &Interrupt{Vector: vector}
}

func (*Interrupt) Type() Tag { return TagInterrupt }

func (i *Interrupt) BindEvent(e Emitter) {
	i.mu.Lock()
	i.bound = e
	i.mu.Unlock()
}

// Fire simulates IRQ arrival: the interrupt controller (outside this
// package, in the hosted simulation) calls this when it wants to
// deliver vector i.Vector.
func (i *Interrupt) Fire(sourceCid, arg1, arg2, arg3 uint64) {
	i.mu.Lock()
	e := i.bound
	i.mu.Unlock()
	if e != nil {
		e.Fire(sourceCid, arg1, arg2, arg3)
	}
}

// Port is a capability over an I/O port range, gated read/write like
// any other capability via its cid's permission bits (spec.md §3, and
// SPEC_FULL.md's supplemented-features section).
type Port struct {
	Base, Length uint64
}

func (*Port) Type() Tag { return TagPort }
