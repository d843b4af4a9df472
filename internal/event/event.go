// Package event is Aurora's broadcast/queue event dispatch and
// event-pool ring buffers (spec.md §4.G, Module G).
//
// Grounded on original_source's event/broadcast_event_emitter.rs for
// the one-shot/persistent registration and dispatch shape, and on
// biscuit's oom.go goroutine-plus-buffered-channel pattern for waking a
// listener without holding kernel locks across a blocking send. Event
// pools lay fixed 4-word records directly over a vm.Memory object's
// backing bytes, grounded on mem.Pg2bytes/Bytepg2pg's raw-byte-over-
// typed-page reinterpretation idiom (mem/mem.go), adapted here to plain
// []byte slicing since internal/vm models frames as []byte rather than
// pointers into a hardware-mapped page.
package event

import (
	"sync"

	"github.com/Athryx/aurora-os/internal/aerr"
	"github.com/Athryx/aurora-os/internal/kbytes"
	"github.com/Athryx/aurora-os/internal/kobj"
	"github.com/Athryx/aurora-os/internal/vm"
)

// Record is one fixed-shape event (spec.md §3: "fixed 4-word records:
// (source_cid, arg1, arg2, arg3)").
type Record struct {
	SourceCid, Arg1, Arg2, Arg3 uint64
}

const recordWords = 4

// Pool is the ring-buffer event-pool kernel object (spec.md §3/§4.G).
type Pool struct {
	mu          sync.Mutex
	mem         *vm.Memory
	startOffset uint64 // in records
	count       uint64
	waiters     []waiter
	retryHooks  []func()
}

type waiter struct {
	n  uint64
	ch chan struct{}
}

func (*Pool) Type() kobj.Tag { return kobj.TagEventPool }

// NewPool creates an event pool backed by mem.
func NewPool(mem *vm.Memory) *Pool {
	return &Pool{mem: mem}
}

func (p *Pool) capacityRecords() uint64 {
	if p.mem == nil {
		return 0
	}
	return uint64(len(p.mem.Bytes())) / uint64(kbytes.Bytes(recordWords))
}

// Data returns the ring's (start_offset, count) in records, matching
// the user-visible layout spec.md §3/§4.G expose.
func (p *Pool) Data() (uint64, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startOffset, p.count
}

// Consume advances the ring start by min(n, count) records.
func (p *Pool) Consume(n uint64) {
	p.mu.Lock()
	if n > p.count {
		n = p.count
	}
	cap := p.capacityRecords()
	if cap > 0 {
		p.startOffset = (p.startOffset + n) % cap
	}
	p.count -= n
	hooks := append([]func(){}, p.retryHooks...)
	p.mu.Unlock()
	for _, h := range hooks {
		h()
	}
}

// trySend appends rec without blocking, failing if the ring is full
// (spec.md §4.G: "if the buffer is full, the sender's side-effect fails
// with OutOfMem").
func (p *Pool) trySend(rec Record) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sendLocked(rec)
}

func (p *Pool) sendLocked(rec Record) bool {
	cap := p.capacityRecords()
	if cap == 0 || p.count >= cap {
		return false
	}
	slot := (p.startOffset + p.count) % cap
	buf := p.mem.Bytes()
	base := int(slot) * recordWords
	kbytes.WriteWord(buf, base+0, rec.SourceCid)
	kbytes.WriteWord(buf, base+1, rec.Arg1)
	kbytes.WriteWord(buf, base+2, rec.Arg2)
	kbytes.WriteWord(buf, base+3, rec.Arg3)
	p.count++
	p.wakeLocked()
	return true
}

// Send is the user-facing event_pool_send syscall's kernel action
// (spec.md §4.G).
func (p *Pool) Send(rec Record) aerr.Code {
	if p.trySend(rec) {
		return aerr.Ok
	}
	return aerr.OutOfMem
}

func (p *Pool) wakeLocked() {
	remaining := p.waiters[:0]
	for _, w := range p.waiters {
		if p.count >= w.n {
			close(w.ch)
		} else {
			remaining = append(remaining, w)
		}
	}
	p.waiters = remaining
}

// Wait blocks until at least n records are available, cancel fires, or
// timeout fires (spec.md §4.G/§5).
func (p *Pool) Wait(n uint64, cancel, timeout <-chan struct{}) kobj.WaitResult {
	p.mu.Lock()
	if p.count >= n {
		p.mu.Unlock()
		return kobj.WaitOk
	}
	ch := make(chan struct{})
	p.waiters = append(p.waiters, waiter{n: n, ch: ch})
	p.mu.Unlock()

	select {
	case <-ch:
		return kobj.WaitOk
	case <-cancel:
		return kobj.WaitCancelled
	case <-timeout:
		return kobj.WaitTimedOut
	}
}

// ConsumeWait implements spec.md §8's law
// "event_pool_consume_wait(k, n) ≡ event_pool_consume(k); event_pool_wait(n)".
func (p *Pool) ConsumeWait(k, n uint64, cancel, timeout <-chan struct{}) kobj.WaitResult {
	p.Consume(k)
	return p.Wait(n, cancel, timeout)
}

// SetBuffer swaps the backing memory and resets count/offset (spec.md
// §4.G).
func (p *Pool) SetBuffer(mem *vm.Memory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mem = mem
	p.startOffset = 0
	p.count = 0
}

func (p *Pool) addRetryHook(h func()) {
	p.mu.Lock()
	p.retryHooks = append(p.retryHooks, h)
	p.mu.Unlock()
}

// ThreadTarget is satisfied by whatever the syscall layer uses to
// represent a thread blocked waiting on an emitter: delivery writes
// the event into the thread's syscall return slots and wakes it.
// Defined as an interface here (rather than depending on
// internal/sched) to keep this package decoupled from scheduler
// bookkeeping.
type ThreadTarget interface {
	DeliverEvent(rec Record)
}

// Mode is a listener's registration lifetime (spec.md §4.G: "one-shot
// or persistent per listener").
type Mode int

const (
	OneShot Mode = iota
	Persistent
)

type registration struct {
	mode   Mode
	thread ThreadTarget
	pool   *Pool
}

// BroadcastEmitter delivers every event to every registered listener
// (spec.md §4.G Broadcast shape).
type BroadcastEmitter struct {
	mu        sync.Mutex
	listeners []*registration
	fallback  map[*Pool][]Record
}

func NewBroadcastEmitter() *BroadcastEmitter {
	return &BroadcastEmitter{fallback: map[*Pool][]Record{}}
}

// RegisterThread adds a thread listener.
func (e *BroadcastEmitter) RegisterThread(t ThreadTarget, mode Mode) {
	e.mu.Lock()
	e.listeners = append(e.listeners, &registration{mode: mode, thread: t})
	e.mu.Unlock()
}

// RegisterPool adds an event-pool listener.
func (e *BroadcastEmitter) RegisterPool(p *Pool, mode Mode) {
	e.mu.Lock()
	e.listeners = append(e.listeners, &registration{mode: mode, pool: p})
	e.mu.Unlock()
	p.addRetryHook(func() { e.retryFallback(p) })
}

// Unregister removes every registration for t/p (whichever is
// non-nil), used when a thread unregisters while waiting (spec.md §5
// cancellation: "returns Interrupted").
func (e *BroadcastEmitter) Unregister(t ThreadTarget, p *Pool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.listeners[:0]
	for _, r := range e.listeners {
		if (t != nil && r.thread == t) || (p != nil && r.pool == p) {
			continue
		}
		out = append(out, r)
	}
	e.listeners = out
}

// Fire delivers rec to every registered listener, dropping one-shot
// registrations afterward (spec.md §4.G).
func (e *BroadcastEmitter) Fire(sourceCid, arg1, arg2, arg3 uint64) {
	rec := Record{SourceCid: sourceCid, Arg1: arg1, Arg2: arg2, Arg3: arg3}
	e.mu.Lock()
	listeners := e.listeners
	kept := listeners[:0]
	for _, r := range listeners {
		e.deliverLocked(r, rec)
		if r.mode == Persistent {
			kept = append(kept, r)
		}
	}
	e.listeners = kept
	e.mu.Unlock()
}

func (e *BroadcastEmitter) deliverLocked(r *registration, rec Record) {
	if r.thread != nil {
		r.thread.DeliverEvent(rec)
		return
	}
	if !r.pool.trySend(rec) {
		e.fallback[r.pool] = append(e.fallback[r.pool], rec)
	}
}

// retryFallback drains e's fallback queue for p, in order, stopping at
// the first record that still doesn't fit (spec.md §4.G's "internal
// backpressure path for kernel-originated events that must not be
// dropped": the fallback queue lives inside the emitter, not the pool,
// and is drained opportunistically once the pool frees space).
func (e *BroadcastEmitter) retryFallback(p *Pool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.fallback[p]
	i := 0
	for i < len(q) {
		if !p.trySend(q[i]) {
			break
		}
		i++
	}
	e.fallback[p] = q[i:]
}

var _ kobj.Emitter = (*BroadcastEmitter)(nil)

// QueueEmitter delivers each event to exactly one listener popped from
// the head of a FIFO (spec.md §4.G Queue shape). An event-pool listener
// configured with autoReenter is pushed back onto the tail after
// delivery.
type QueueEmitter struct {
	mu       sync.Mutex
	fifo     []*registration
	reenter  map[*Pool]bool
	fallback map[*Pool][]Record
}

func NewQueueEmitter() *QueueEmitter {
	return &QueueEmitter{reenter: map[*Pool]bool{}, fallback: map[*Pool][]Record{}}
}

func (q *QueueEmitter) RegisterThread(t ThreadTarget) {
	q.mu.Lock()
	q.fifo = append(q.fifo, &registration{thread: t})
	q.mu.Unlock()
}

func (q *QueueEmitter) RegisterPool(p *Pool, autoReenter bool) {
	q.mu.Lock()
	q.fifo = append(q.fifo, &registration{pool: p})
	q.reenter[p] = autoReenter
	q.mu.Unlock()
	p.addRetryHook(func() { q.retryFallback(p) })
}

func (q *QueueEmitter) Fire(sourceCid, arg1, arg2, arg3 uint64) {
	rec := Record{SourceCid: sourceCid, Arg1: arg1, Arg2: arg2, Arg3: arg3}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.fifo) == 0 {
		return
	}
	r := q.fifo[0]
	q.fifo = q.fifo[1:]

	if r.thread != nil {
		r.thread.DeliverEvent(rec)
		return
	}
	if !r.pool.trySend(rec) {
		q.fallback[r.pool] = append(q.fallback[r.pool], rec)
	}
	if q.reenter[r.pool] {
		q.fifo = append(q.fifo, r)
	}
}

func (q *QueueEmitter) retryFallback(p *Pool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rs := q.fallback[p]
	i := 0
	for i < len(rs) {
		if !p.trySend(rs[i]) {
			break
		}
		i++
	}
	q.fallback[p] = rs[i:]
}

var _ kobj.Emitter = (*QueueEmitter)(nil)
