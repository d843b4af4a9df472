// Package process is Aurora's Process kernel object and the global
// PROCESS_MAP (spec.md §3 Process, §4.F process exit, §9 global state).
//
// Grounded on proc.Proc_t (Threadi note map, Fdl-style locking
// generalized to capspace.Space) and proc.Ptable's Get/Set/Del/Iter
// shape for PROCESS_MAP, rebuilt here over internal/hashtable's
// generic table instead of biscuit's int32-keyed bespoke one. Doomall
// (spec.md's mass "doomed" transition) and the exit-completion wait are
// grounded on proc.Proc_t.Doomall and proc/wait.go's Wait_t,
// respectively. Spawner/spawn_key are SPEC_FULL.md's supplemented
// features, grounded on original_source's process/spawner.rs and
// cap/key.rs, and on biscuit's vic.Doomall()/Ptable.Iter mass-kill
// idiom (oom.go) for Spawner's group-kill operation.
package process

import (
	"sync"
	"sync/atomic"

	"github.com/Athryx/aurora-os/internal/capspace"
	"github.com/Athryx/aurora-os/internal/hashtable"
	"github.com/Athryx/aurora-os/internal/kobj"
	"github.com/Athryx/aurora-os/internal/quota"
	"github.com/Athryx/aurora-os/internal/sched"
	"github.com/Athryx/aurora-os/internal/vm"
)

// Map is PROCESS_MAP (spec.md §9): process-wide state, initialized once
// at boot, never torn down, accessed through a read-mostly concurrent
// map (internal/hashtable, the same structure backing each process's
// own capability space).
var Map = hashtable.New[uint64, *Process](256, hashtable.HashUint64)

// Process owns an address space, a cid table, a thread set, and the
// alive boolean whose first false-CAS is the sole teardown trigger
// (spec.md §3 Process).
type Process struct {
	Pid uint64

	AddrSpace *vm.AddressSpace
	Caps      *capspace.Space
	Quota     *quota.Allocator

	alive atomic.Bool

	mu      sync.Mutex
	threads map[uint64]*sched.Thread
	nextTid atomic.Uint64

	terminateOnce sync.Once
	doneCh        chan struct{}

	selfHandle *kobj.Handle
}

func (*Process) Type() kobj.Tag { return kobj.TagProcess }

var nextPid atomic.Uint64

// New creates a process with its own address space, capability space,
// and per-process quota allocator child of parentQuota. If parentQuota
// is nil the process gets no quota allocator (Quota stays nil).
// New returns the sole strong handle, kept only in PROCESS_MAP — every
// cid handed out for this process elsewhere must be inserted weak
// (spec.md §9: "Processes must not keep strong cids to themselves").
func New(s *sched.Scheduler, parentQuota *quota.Allocator, quotaMaxPages uint64) *Process {
	p := &Process{
		Pid:       nextPid.Add(1),
		AddrSpace: vm.NewAddressSpace(),
		Caps:      capspace.New(),
		threads:   make(map[uint64]*sched.Thread),
		doneCh:    make(chan struct{}),
	}
	if parentQuota != nil {
		p.Quota = parentQuota.NewChild(quotaMaxPages)
	}
	p.alive.Store(true)
	p.selfHandle = kobj.NewHandle(p, p.onZero)
	Map.Put(p.Pid, p)
	return p
}

// Handle returns the process's own kobj.Handle, for capspace.Insert
// calls made by whatever created this process (always with weak
// flags, per spec.md §9).
func (p *Process) Handle() *kobj.Handle { return p.selfHandle }

// Alive reports the process's alive boolean (spec.md §3).
func (p *Process) Alive() bool { return p.alive.Load() }

// SpawnThread creates a new kernel-managed thread in this process at
// the given scheduler priority, registers it in the thread set, and
// enqueues it Ready (spec.md §3 Thread, §4.F).
func (p *Process) SpawnThread(s *sched.Scheduler, priority int) *sched.Thread {
	tid := p.nextTid.Add(1)
	t := sched.NewThread(p.Pid, tid, priority)
	p.mu.Lock()
	p.threads[tid] = t
	p.mu.Unlock()
	s.Enqueue(t)
	return t
}

// Threads returns a snapshot of this process's live threads.
func (p *Process) Threads() []*sched.Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*sched.Thread, 0, len(p.threads))
	for _, t := range p.threads {
		out = append(out, t)
	}
	return out
}

// NumThreadsRunning is spec.md §4.F's exit-completion counter.
func (p *Process) NumThreadsRunning() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.threads)
}

// ThreadDone removes tid from the thread set; once the set is empty the
// process is torn down (terminate, spec.md §4.F: "the process's strong
// self-reference is dropped, causing all threads, mappings, and owned
// capabilities to be destroyed").
func (p *Process) ThreadDone(tid uint64) {
	p.mu.Lock()
	if _, ok := p.threads[tid]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.threads, tid)
	remaining := len(p.threads)
	p.mu.Unlock()
	if remaining == 0 {
		p.selfHandle.DropStrong()
	}
}

// Exit is the process-exit syscall's kernel-side action (spec.md
// §4.F). Only the first caller's CAS on alive succeeds; it then
// broadcasts the IPI-equivalent kill signal to every thread. Aurora's
// hosted simulation has no preemptible real CPU to interrupt
// mid-instruction, so unlike real hardware the kill is delivered and
// its bookkeeping (ThreadDone) applied synchronously here rather than
// on each CPU's own next IPI check; a thread genuinely blocked in a
// suspension point still observes cancellation through Thread.Cancel()
// exactly as spec.md §5 describes.
func (p *Process) Exit() bool {
	if !p.alive.CompareAndSwap(true, false) {
		return false
	}
	threads := p.Threads()
	for _, t := range threads {
		t.Kill()
		p.ThreadDone(t.Tid)
	}
	// With no threads to remove, ThreadDone never drops the self
	// reference, so drop it here: the running-thread count is already zero.
	if len(threads) == 0 && p.selfHandle.IsAlive() {
		p.selfHandle.DropStrong()
	}
	return true
}

// WaitExit blocks until the process has fully terminated, or cancel
// fires (spec.md §4.F: "the exit initiator waits (Suspended on an
// internal completion event) until num_threads_running... reaches
// zero").
func (p *Process) WaitExit(cancel <-chan struct{}) bool {
	select {
	case <-p.doneCh:
		return true
	case <-cancel:
		return false
	}
}

func (p *Process) onZero() {
	p.terminateOnce.Do(func() {
		p.AddrSpace.UnmapAll()
		p.Caps.DestroyAll()
		Map.Del(p.Pid)
		close(p.doneCh)
	})
}

// Lookup fetches a process by pid from PROCESS_MAP.
func Lookup(pid uint64) (*Process, bool) {
	return Map.Get(pid)
}
