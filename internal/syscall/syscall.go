// Package syscall is Aurora's single syscall entry point: register
// decode, up-front permission checks, dense handler dispatch, and
// register-based return (spec.md §4.I, Module I).
//
// Grounded on kernel/syscall.go's Syscall method: a doomed-process
// short-circuit before doing any work, register decode into plain
// locals, and a big dense switch over the syscall number calling one
// sys_* function per case. Handlers here call straight into
// internal/capspace for permission checks (§4.C) and into
// internal/kobj, internal/vm, internal/event, internal/channel,
// internal/process and internal/quota for the actual operation,
// exactly the way kernel/syscall.go's sys_* functions call into proc/fs/vm.
package syscall

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/Athryx/aurora-os/internal/aerr"
	"github.com/Athryx/aurora-os/internal/asys"
	"github.com/Athryx/aurora-os/internal/capspace"
	"github.com/Athryx/aurora-os/internal/channel"
	"github.com/Athryx/aurora-os/internal/event"
	"github.com/Athryx/aurora-os/internal/kconfig"
	"github.com/Athryx/aurora-os/internal/kobj"
	"github.com/Athryx/aurora-os/internal/pagemem"
	"github.com/Athryx/aurora-os/internal/process"
	"github.com/Athryx/aurora-os/internal/sched"
	"github.com/Athryx/aurora-os/internal/vm"
)

// Context carries the calling process/thread through one syscall
// (spec.md §4.I).
type Context struct {
	Proc   *process.Process
	Thread *sched.Thread
}

// Dispatcher owns cross-syscall bookkeeping the pure kernel-object
// packages deliberately don't: the scheduler, thread_suspend/
// thread_resume's rendezvous channels, and interrupt-vector-to-emitter
// bindings (kobj.Interrupt holds only an opaque kobj.Emitter, per its
// own doc comment, so the concrete internal/event object it's bound to
// lives here instead).
type Dispatcher struct {
	Sched *sched.Scheduler

	resumeMu    sync.Mutex
	resumeChans map[uint64]chan struct{}

	emitterMu sync.Mutex
	emitters  map[*kobj.Interrupt]*event.BroadcastEmitter
}

// NewDispatcher builds a dispatcher driving sched.
func NewDispatcher(s *sched.Scheduler) *Dispatcher {
	return &Dispatcher{
		Sched:       s,
		resumeChans: map[uint64]chan struct{}{},
		emitters:    map[*kobj.Interrupt]*event.BroadcastEmitter{},
	}
}

// Dispatch decodes regs.Num, performs no further permission checks of
// its own (each case resolves and checks its own cid arguments through
// capspace.Space.Lookup, per spec.md §4.C), and writes the resulting
// aerr.Code into Rets[0].
func (d *Dispatcher) Dispatch(ctx *Context, regs *asys.Regs) {
	if !ctx.Proc.Alive() {
		regs.Rets[0] = uint64(aerr.Interrupted)
		return
	}

	var code aerr.Code
	switch regs.Num {
	case asys.ThreadYield:
		code = sysThreadYield(d, ctx, regs)
	case asys.ThreadSuspend:
		code = sysThreadSuspend(d, ctx, regs)
	case asys.ThreadResume:
		code = sysThreadResume(d, ctx, regs)
	case asys.ThreadSelfDestroy:
		code = sysThreadSelfDestroy(d, ctx, regs)

	case asys.ProcessNew:
		code = sysProcessNew(d, ctx, regs)
	case asys.ProcessExit:
		code = sysProcessExit(d, ctx, regs)

	case asys.CapClone:
		code = sysCapClone(d, ctx, regs)
	case asys.CapMove:
		code = sysCapMove(d, ctx, regs)
	case asys.CapDestroy:
		code = sysCapDestroy(d, ctx, regs)
	case asys.WeakIsAlive:
		code = sysWeakIsAlive(d, ctx, regs)

	case asys.AllocatorAllocPages:
		code = sysAllocatorAllocPages(d, ctx, regs)
	case asys.AllocatorFreePages:
		code = sysAllocatorFreePages(d, ctx, regs)
	case asys.AllocatorPrealloc:
		code = sysAllocatorPrealloc(d, ctx, regs)
	case asys.AllocatorCapacity:
		code = sysAllocatorCapacity(d, ctx, regs)
	case asys.AllocatorSetMaxPages:
		code = sysAllocatorSetMaxPages(d, ctx, regs)
	case asys.AllocatorNewChild:
		code = sysAllocatorNewChild(d, ctx, regs)
	case asys.AllocatorDestroy:
		code = sysAllocatorDestroy(d, ctx, regs)
	case asys.AllocatorBindOom:
		code = sysAllocatorBindOom(d, ctx, regs)

	case asys.MemoryNew:
		code = sysMemoryNew(d, ctx, regs)
	case asys.MemoryMap:
		code = sysMemoryMap(d, ctx, regs)
	case asys.MemoryUnmap:
		code = sysMemoryUnmap(d, ctx, regs)

	case asys.LockWait:
		code = sysLockWait(d, ctx, regs)
	case asys.LockUnlock:
		code = sysLockUnlock(d, ctx, regs)

	case asys.EventPoolNew:
		code = sysEventPoolNew(d, ctx, regs)
	case asys.EventPoolData:
		code = sysEventPoolData(d, ctx, regs)
	case asys.EventPoolConsume:
		code = sysEventPoolConsume(d, ctx, regs)
	case asys.EventPoolWait:
		code = sysEventPoolWait(d, ctx, regs)
	case asys.EventPoolConsumeWait:
		code = sysEventPoolConsumeWait(d, ctx, regs)
	case asys.EventPoolSend:
		code = sysEventPoolSend(d, ctx, regs)
	case asys.EventPoolSetBuffer:
		code = sysEventPoolSetBuffer(d, ctx, regs)
	case asys.EventPoolRegister:
		code = sysEventPoolRegister(d, ctx, regs)
	case asys.EventPoolUnregister:
		code = sysEventPoolUnregister(d, ctx, regs)

	case asys.ChannelNew:
		code = sysChannelNew(d, ctx, regs)
	case asys.ChannelSend:
		code = sysChannelSend(d, ctx, regs)
	case asys.ChannelRecv:
		code = sysChannelRecv(d, ctx, regs)
	case asys.ChannelNbsend:
		code = sysChannelNbsend(d, ctx, regs)
	case asys.ChannelNbrecv:
		code = sysChannelNbrecv(d, ctx, regs)
	case asys.ChannelCall:
		code = sysChannelCall(d, ctx, regs)
	case asys.ChannelReplyRecv:
		code = sysChannelReplyRecv(d, ctx, regs)

	case asys.KeyNew:
		code = sysKeyNew(d, ctx, regs)
	case asys.SpawnerNew:
		code = sysSpawnerNew(d, ctx, regs)
	case asys.SpawnerSpawnProcess:
		code = sysSpawnerSpawnProcess(d, ctx, regs)
	case asys.SpawnerDoomAll:
		code = sysSpawnerDoomAll(d, ctx, regs)

	case asys.InterruptNew:
		code = sysInterruptNew(d, ctx, regs)
	case asys.InterruptBindEvent:
		code = sysInterruptBindEvent(d, ctx, regs)

	case asys.MmioAllocatorAlloc:
		code = sysMmioAllocatorAlloc(d, ctx, regs)
	case asys.MmioAllocatorFree:
		code = sysMmioAllocatorFree(d, ctx, regs)
	case asys.IntAllocatorAlloc:
		code = sysIntAllocatorAlloc(d, ctx, regs)
	case asys.IntAllocatorFree:
		code = sysIntAllocatorFree(d, ctx, regs)
	case asys.PortAllocatorAlloc:
		code = sysPortAllocatorAlloc(d, ctx, regs)
	case asys.PortAllocatorFree:
		code = sysPortAllocatorFree(d, ctx, regs)

	case asys.RootOomListen:
		code = sysRootOomListen(d, ctx, regs)

	default:
		code = aerr.InvlSyscall
	}
	regs.Rets[0] = uint64(code)
}

func fullPerms() kobj.CapFlags {
	return kobj.PermRead | kobj.PermWrite | kobj.PermProd | kobj.PermUpgrade
}

func lookupAs[T any](space *capspace.Space, cidv uint64, perm kobj.CapFlags, wad bool) (*kobj.Handle, T, aerr.Code) {
	var zero T
	h, _, code := space.Lookup(capspace.Cid(cidv), perm, wad)
	if code != aerr.Ok {
		return nil, zero, code
	}
	obj, ok := h.Object().(T)
	if !ok {
		return nil, zero, aerr.InvlId
	}
	return h, obj, aerr.Ok
}

func insert(space *capspace.Space, obj kobj.Object, perms kobj.CapFlags, weak bool) (capspace.Cid, aerr.Code) {
	return insertOnZero(space, obj, perms, weak, nil)
}

// insertOnZero is insert with an explicit teardown callback, for kernel
// objects (vm.Memory's Free, in particular) whose last-strong-drop must
// release resources back to an allocator.
func insertOnZero(space *capspace.Space, obj kobj.Object, perms kobj.CapFlags, weak bool, onZero func()) (capspace.Cid, aerr.Code) {
	h := kobj.NewHandle(obj, onZero)
	return space.Insert(h, kobj.MakeFlags(perms, weak, obj.Type()))
}

func timeoutChan(opts asys.Options, nanos uint64) <-chan struct{} {
	if !opts.HasTimeout() {
		return make(chan struct{})
	}
	ch := make(chan struct{})
	time.AfterFunc(time.Duration(nanos), func() { close(ch) })
	return ch
}

// -- thread --

func sysThreadYield(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	ctx.Thread.Yield()
	d.Sched.Enqueue(ctx.Thread)
	return aerr.Ok
}

// selfSuspendCid is the sentinel wait_cid thread_suspend/thread_resume
// use: there is no waited-on kernel object, so any nonzero constant
// suffices to drive the Suspended→Ready CAS race (spec.md §4.F).
const selfSuspendCid = ^uint64(0)

func sysThreadSuspend(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	ch := make(chan struct{})
	d.resumeMu.Lock()
	d.resumeChans[ctx.Thread.Tid] = ch
	d.resumeMu.Unlock()

	ctx.Thread.Suspend(selfSuspendCid, int64(regs.Args[0]))
	timeout := timeoutChan(regs.Options, regs.Args[0])

	select {
	case <-ch:
		return aerr.Ok
	case <-ctx.Thread.Cancel():
		return aerr.Interrupted
	case <-timeout:
		ctx.Thread.TryWake()
		d.clearResume(ctx.Thread.Tid)
		return aerr.OkTimeout
	}
}

func (d *Dispatcher) clearResume(tid uint64) chan struct{} {
	d.resumeMu.Lock()
	defer d.resumeMu.Unlock()
	ch := d.resumeChans[tid]
	delete(d.resumeChans, tid)
	return ch
}

func sysThreadResume(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	tid := regs.Args[0]
	var target *sched.Thread
	for _, t := range ctx.Proc.Threads() {
		if t.Tid == tid {
			target = t
			break
		}
	}
	if target == nil {
		return aerr.InvlId
	}
	if target.TryWake() {
		if ch := d.clearResume(target.Tid); ch != nil {
			close(ch)
		}
		d.Sched.Enqueue(target)
	}
	return aerr.Ok
}

func sysThreadSelfDestroy(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	ctx.Thread.Kill()
	ctx.Proc.ThreadDone(ctx.Thread.Tid)
	return aerr.Ok
}

// -- process --

func sysProcessNew(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	p := process.New(d.Sched, ctx.Proc.Quota, regs.Args[0])
	cid, code := ctx.Proc.Caps.Insert(p.Handle(), kobj.MakeFlags(fullPerms(), true, kobj.TagProcess))
	regs.Rets[1] = uint64(cid)
	return code
}

func sysProcessExit(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, target, code := lookupAs[*process.Process](ctx.Proc.Caps, regs.Args[0], kobj.PermWrite, regs.Options.WeakAutoDestroy())
	if code != aerr.Ok {
		return code
	}
	target.Exit()
	target.WaitExit(ctx.Thread.Cancel())
	return aerr.Ok
}

// -- capability space --

func sysCapClone(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, dst, code := lookupAs[*process.Process](ctx.Proc.Caps, regs.Args[1], kobj.PermWrite, false)
	if code != aerr.Ok {
		return code
	}
	newCid, code := ctx.Proc.Caps.Clone(capspace.Cid(regs.Args[0]), dst.Caps, kobj.CapFlags(regs.Args[2]))
	regs.Rets[1] = uint64(newCid)
	return code
}

func sysCapMove(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, dst, code := lookupAs[*process.Process](ctx.Proc.Caps, regs.Args[1], kobj.PermWrite, false)
	if code != aerr.Ok {
		return code
	}
	newCid, code := ctx.Proc.Caps.Move(capspace.Cid(regs.Args[0]), dst.Caps, kobj.CapFlags(regs.Args[2]))
	regs.Rets[1] = uint64(newCid)
	return code
}

func sysCapDestroy(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	return ctx.Proc.Caps.Destroy(capspace.Cid(regs.Args[0]))
}

func sysWeakIsAlive(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	return ctx.Proc.Caps.WeakIsAlive(capspace.Cid(regs.Args[0]))
}

// -- allocator --

func sysAllocatorAllocPages(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, a, code := lookupAs[*kobj.AllocatorObject](ctx.Proc.Caps, regs.Args[0], kobj.PermProd, false)
	if code != aerr.Ok {
		return code
	}
	r, code := a.AllocPages(0, regs.Args[1])
	regs.Rets[1] = r.Frame
	regs.Rets[2] = r.NPages
	return code
}

func sysAllocatorFreePages(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, a, code := lookupAs[*kobj.AllocatorObject](ctx.Proc.Caps, regs.Args[0], kobj.PermProd, false)
	if code != aerr.Ok {
		return code
	}
	a.FreePages(pagemem.PhysRange{Frame: regs.Args[1], NPages: regs.Args[2]})
	return aerr.Ok
}

func sysAllocatorPrealloc(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, a, code := lookupAs[*kobj.AllocatorObject](ctx.Proc.Caps, regs.Args[0], kobj.PermProd, false)
	if code != aerr.Ok {
		return code
	}
	return a.Prealloc(regs.Args[1], regs.Args[2] != 0, regs.Args[3] != 0)
}

func sysAllocatorCapacity(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, a, code := lookupAs[*kobj.AllocatorObject](ctx.Proc.Caps, regs.Args[0], kobj.PermRead, false)
	if code != aerr.Ok {
		return code
	}
	used, prealloc, free := a.Capacity()
	regs.Rets[1] = used
	regs.Rets[2] = prealloc
	regs.Rets[3] = free
	return aerr.Ok
}

func sysAllocatorSetMaxPages(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, a, code := lookupAs[*kobj.AllocatorObject](ctx.Proc.Caps, regs.Args[0], kobj.PermUpgrade, false)
	if code != aerr.Ok {
		return code
	}
	return a.SetMaxPages(int64(regs.Args[1]), regs.Args[2] != 0)
}

func sysAllocatorNewChild(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, a, code := lookupAs[*kobj.AllocatorObject](ctx.Proc.Caps, regs.Args[0], kobj.PermProd, false)
	if code != aerr.Ok {
		return code
	}
	child := a.NewChild(regs.Args[1])
	cid, code := insert(ctx.Proc.Caps, kobj.NewAllocatorObject(child), fullPerms(), false)
	regs.Rets[1] = uint64(cid)
	return code
}

func sysAllocatorDestroy(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, parent, code := lookupAs[*kobj.AllocatorObject](ctx.Proc.Caps, regs.Args[0], kobj.PermWrite, false)
	if code != aerr.Ok {
		return code
	}
	_, child, code := lookupAs[*kobj.AllocatorObject](ctx.Proc.Caps, regs.Args[1], kobj.PermWrite, false)
	if code != aerr.Ok {
		return code
	}
	parent.Destroy(child.Allocator)
	return ctx.Proc.Caps.Destroy(capspace.Cid(regs.Args[1]))
}

// poolOomSink adapts an event.Pool to quota.OomNotifier, the concrete
// shape spec.md §4.B's "OOM escalation channel" takes in this
// implementation (spec.md §4.G is the only enqueue mechanism the kernel
// actually has).
type poolOomSink struct {
	pool      *event.Pool
	sourceCid uint64
}

func (s *poolOomSink) NotifyOOM(need uint64) {
	s.pool.Send(event.Record{SourceCid: s.sourceCid, Arg1: need})
}

func sysAllocatorBindOom(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, a, code := lookupAs[*kobj.AllocatorObject](ctx.Proc.Caps, regs.Args[0], kobj.PermUpgrade, false)
	if code != aerr.Ok {
		return code
	}
	_, pool, code := lookupAs[*event.Pool](ctx.Proc.Caps, regs.Args[1], kobj.PermProd, false)
	if code != aerr.Ok {
		return code
	}
	a.BindOom(&poolOomSink{pool: pool, sourceCid: regs.Args[0]})
	return aerr.Ok
}

// -- memory --

func sysMemoryNew(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, a, code := lookupAs[*kobj.AllocatorObject](ctx.Proc.Caps, regs.Args[0], kobj.PermProd, false)
	if code != aerr.Ok {
		return code
	}
	mem, code := vm.NewMemory(a.Allocator, 0, regs.Args[1])
	if code != aerr.Ok {
		return code
	}
	cid, code := insertOnZero(ctx.Proc.Caps, mem, fullPerms(), false, mem.Free)
	regs.Rets[1] = uint64(cid)
	return code
}

func sysMemoryMap(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	h, flags, code := ctx.Proc.Caps.Lookup(capspace.Cid(regs.Args[0]), kobj.PermRead, false)
	if code != aerr.Ok {
		return code
	}
	// spec.md §3/§4.E: memory_map requires a strong cid; mapping a weak
	// one fails with InvlWeak rather than silently succeeding.
	if flags.IsWeak() {
		return aerr.InvlWeak
	}
	mem, ok := h.Object().(*vm.Memory)
	if !ok {
		return aerr.InvlId
	}
	perm := vm.PermFromCapFlags(kobj.CapFlags(regs.Args[2]))
	return ctx.Proc.AddrSpace.Map(mem, regs.Args[1], perm)
}

func sysMemoryUnmap(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	return ctx.Proc.AddrSpace.Unmap(regs.Args[0])
}

// -- lock --

func sysLockWait(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, l, code := lookupAs[*kobj.Lock](ctx.Proc.Caps, regs.Args[0], kobj.PermWrite, regs.Options.WeakAutoDestroy())
	if code != aerr.Ok {
		return code
	}
	ctx.Thread.Suspend(regs.Args[0], 0)
	res := l.Wait(ctx.Thread.Cancel(), timeoutChan(regs.Options, regs.Args[1]))
	ctx.Thread.TryWake()
	switch res {
	case kobj.WaitOk:
		return aerr.Ok
	case kobj.WaitTimedOut:
		return aerr.OkTimeout
	default:
		return aerr.Interrupted
	}
}

func sysLockUnlock(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, l, code := lookupAs[*kobj.Lock](ctx.Proc.Caps, regs.Args[0], kobj.PermWrite, false)
	if code != aerr.Ok {
		return code
	}
	l.Unlock()
	return aerr.Ok
}

// -- event pool --

func sysEventPoolNew(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, mem, code := lookupAs[*vm.Memory](ctx.Proc.Caps, regs.Args[0], kobj.PermWrite, false)
	if code != aerr.Ok {
		return code
	}
	cid, code := insert(ctx.Proc.Caps, event.NewPool(mem), fullPerms(), false)
	regs.Rets[1] = uint64(cid)
	return code
}

func sysEventPoolData(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, p, code := lookupAs[*event.Pool](ctx.Proc.Caps, regs.Args[0], kobj.PermRead, false)
	if code != aerr.Ok {
		return code
	}
	start, count := p.Data()
	regs.Rets[1] = start
	regs.Rets[2] = count
	return aerr.Ok
}

func sysEventPoolConsume(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, p, code := lookupAs[*event.Pool](ctx.Proc.Caps, regs.Args[0], kobj.PermWrite, false)
	if code != aerr.Ok {
		return code
	}
	p.Consume(regs.Args[1])
	return aerr.Ok
}

func sysEventPoolWait(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, p, code := lookupAs[*event.Pool](ctx.Proc.Caps, regs.Args[0], kobj.PermWrite, false)
	if code != aerr.Ok {
		return code
	}
	ctx.Thread.Suspend(regs.Args[0], 0)
	res := p.Wait(regs.Args[1], ctx.Thread.Cancel(), timeoutChan(regs.Options, regs.Args[2]))
	ctx.Thread.TryWake()
	return waitResultCode(res)
}

func sysEventPoolConsumeWait(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, p, code := lookupAs[*event.Pool](ctx.Proc.Caps, regs.Args[0], kobj.PermWrite, false)
	if code != aerr.Ok {
		return code
	}
	ctx.Thread.Suspend(regs.Args[0], 0)
	res := p.ConsumeWait(regs.Args[1], regs.Args[2], ctx.Thread.Cancel(), timeoutChan(regs.Options, regs.Args[3]))
	ctx.Thread.TryWake()
	return waitResultCode(res)
}

func sysEventPoolSend(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, p, code := lookupAs[*event.Pool](ctx.Proc.Caps, regs.Args[0], kobj.PermProd, false)
	if code != aerr.Ok {
		return code
	}
	return p.Send(event.Record{SourceCid: regs.Args[0], Arg1: regs.Args[1], Arg2: regs.Args[2], Arg3: regs.Args[3]})
}

func sysEventPoolSetBuffer(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, p, code := lookupAs[*event.Pool](ctx.Proc.Caps, regs.Args[0], kobj.PermWrite, false)
	if code != aerr.Ok {
		return code
	}
	_, mem, code := lookupAs[*vm.Memory](ctx.Proc.Caps, regs.Args[1], kobj.PermWrite, false)
	if code != aerr.Ok {
		return code
	}
	p.SetBuffer(mem)
	return aerr.Ok
}

// sysEventPoolRegister registers a pool as a listener on an interrupt's
// broadcast emitter (spec.md §4.G's listener-registration operation,
// narrowed here to the one emitter-owning object this rewrite wires:
// kobj.Interrupt. A general emitter capability isn't part of spec.md
// §3's closed cid tag set, so callers reach an emitter only through the
// object that owns one).
func sysEventPoolRegister(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, intr, code := lookupAs[*kobj.Interrupt](ctx.Proc.Caps, regs.Args[0], kobj.PermWrite, false)
	if code != aerr.Ok {
		return code
	}
	_, pool, code := lookupAs[*event.Pool](ctx.Proc.Caps, regs.Args[1], kobj.PermProd, false)
	if code != aerr.Ok {
		return code
	}
	mode := event.OneShot
	if regs.Args[2] != 0 {
		mode = event.Persistent
	}
	d.emitterFor(intr).RegisterPool(pool, mode)
	return aerr.Ok
}

func sysEventPoolUnregister(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, intr, code := lookupAs[*kobj.Interrupt](ctx.Proc.Caps, regs.Args[0], kobj.PermWrite, false)
	if code != aerr.Ok {
		return code
	}
	_, pool, code := lookupAs[*event.Pool](ctx.Proc.Caps, regs.Args[1], kobj.PermProd, false)
	if code != aerr.Ok {
		return code
	}
	d.emitterFor(intr).Unregister(nil, pool)
	return aerr.Ok
}

func (d *Dispatcher) emitterFor(intr *kobj.Interrupt) *event.BroadcastEmitter {
	d.emitterMu.Lock()
	defer d.emitterMu.Unlock()
	e, ok := d.emitters[intr]
	if !ok {
		e = event.NewBroadcastEmitter()
		d.emitters[intr] = e
		intr.BindEvent(e)
	}
	return e
}

func waitResultCode(res kobj.WaitResult) aerr.Code {
	switch res {
	case kobj.WaitOk:
		return aerr.Ok
	case kobj.WaitTimedOut:
		return aerr.OkTimeout
	default:
		return aerr.Interrupted
	}
}

// -- channel --

func sysChannelNew(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	// spec.md §3: msg_size is 0 or in [3, max]; max_caps is bounded too.
	msgSize, maxCaps := regs.Args[0], regs.Args[1]
	if (msgSize != 0 && (msgSize < 3 || msgSize > kconfig.Default.MaxChannelMsgWords)) || maxCaps > kconfig.Default.MaxChannelCaps {
		return aerr.InvlArgs
	}
	ch := channel.New(msgSize, maxCaps, regs.Args[2] != 0)
	// ch.Destroy releases any blocked sender/receiver with Interrupted;
	// without wiring it here a channel's last strong cid dropping (a
	// process exit destroying its cap space, for instance) would leave
	// the other side of a pending rendezvous blocked forever.
	cid, code := insertOnZero(ctx.Proc.Caps, ch, fullPerms(), false, ch.Destroy)
	regs.Rets[1] = uint64(cid)
	return code
}

func sysChannelSend(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, ch, code := lookupAs[*channel.Channel](ctx.Proc.Caps, regs.Args[0], kobj.PermProd, false)
	if code != aerr.Ok {
		return code
	}
	_, buf, code := lookupAs[*vm.Memory](ctx.Proc.Caps, regs.Args[1], kobj.PermRead, false)
	if code != aerr.Ok {
		return code
	}
	pool := optionalPool(ctx, regs.Args[2])
	ctx.Thread.Suspend(regs.Args[0], 0)
	code = ch.Send(ctx.Thread.Cancel(), timeoutChan(regs.Options, regs.Args[3]), ctx.Proc.Caps, buf, pool)
	ctx.Thread.TryWake()
	return code
}

func sysChannelRecv(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, ch, code := lookupAs[*channel.Channel](ctx.Proc.Caps, regs.Args[0], kobj.PermWrite, false)
	if code != aerr.Ok {
		return code
	}
	_, buf, code := lookupAs[*vm.Memory](ctx.Proc.Caps, regs.Args[1], kobj.PermWrite, false)
	if code != aerr.Ok {
		return code
	}
	pool := optionalPool(ctx, regs.Args[2])
	ctx.Thread.Suspend(regs.Args[0], 0)
	code = ch.Recv(ctx.Thread.Cancel(), timeoutChan(regs.Options, regs.Args[3]), ctx.Proc.Caps, buf, pool)
	ctx.Thread.TryWake()
	return code
}

func sysChannelNbsend(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, ch, code := lookupAs[*channel.Channel](ctx.Proc.Caps, regs.Args[0], kobj.PermProd, false)
	if code != aerr.Ok {
		return code
	}
	_, buf, code := lookupAs[*vm.Memory](ctx.Proc.Caps, regs.Args[1], kobj.PermRead, false)
	if code != aerr.Ok {
		return code
	}
	return ch.NbSend(ctx.Proc.Caps, buf)
}

func sysChannelNbrecv(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, ch, code := lookupAs[*channel.Channel](ctx.Proc.Caps, regs.Args[0], kobj.PermWrite, false)
	if code != aerr.Ok {
		return code
	}
	_, buf, code := lookupAs[*vm.Memory](ctx.Proc.Caps, regs.Args[1], kobj.PermWrite, false)
	if code != aerr.Ok {
		return code
	}
	return ch.NbRecv(ctx.Proc.Caps, buf)
}

func sysChannelCall(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, ch, code := lookupAs[*channel.Channel](ctx.Proc.Caps, regs.Args[0], kobj.PermProd, false)
	if code != aerr.Ok {
		return code
	}
	_, buf, code := lookupAs[*vm.Memory](ctx.Proc.Caps, regs.Args[1], kobj.PermRead|kobj.PermWrite, false)
	if code != aerr.Ok {
		return code
	}
	pool := optionalPool(ctx, regs.Args[2])
	ctx.Thread.Suspend(regs.Args[0], 0)
	code = channel.Call(ch, ctx.Thread.Cancel(), timeoutChan(regs.Options, regs.Args[3]), ctx.Proc.Caps, buf, pool)
	ctx.Thread.TryWake()
	return code
}

func sysChannelReplyRecv(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, reply, code := lookupAs[*channel.Channel](ctx.Proc.Caps, regs.Args[0], kobj.PermProd, false)
	if code != aerr.Ok {
		return code
	}
	_, recv, code := lookupAs[*channel.Channel](ctx.Proc.Caps, regs.Args[1], kobj.PermWrite, false)
	if code != aerr.Ok {
		return code
	}
	_, buf, code := lookupAs[*vm.Memory](ctx.Proc.Caps, regs.Args[2], kobj.PermRead|kobj.PermWrite, false)
	if code != aerr.Ok {
		return code
	}
	pool := optionalPool(ctx, regs.Args[3])
	ctx.Proc.Caps.Destroy(capspace.Cid(regs.Args[0]))
	ctx.Thread.Suspend(regs.Args[1], 0)
	code = channel.ReplyRecv(reply, recv, ctx.Thread.Cancel(), timeoutChan(regs.Options, regs.Args[4]), ctx.Proc.Caps, buf, pool)
	ctx.Thread.TryWake()
	return code
}

func optionalPool(ctx *Context, cidv uint64) *event.Pool {
	if cidv == 0 {
		return nil
	}
	_, p, code := lookupAs[*event.Pool](ctx.Proc.Caps, cidv, kobj.PermProd, false)
	if code != aerr.Ok {
		return nil
	}
	return p
}

// -- key / spawner --

func sysKeyNew(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	k := &kobj.Key{}
	if _, err := rand.Read(k.ID[:]); err != nil {
		return aerr.Unknown
	}
	cid, code := insert(ctx.Proc.Caps, k, fullPerms(), false)
	regs.Rets[1] = uint64(cid)
	return code
}

func sysSpawnerNew(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, key, code := lookupAs[*kobj.Key](ctx.Proc.Caps, regs.Args[0], kobj.PermRead, false)
	if code != aerr.Ok {
		return code
	}
	sp := process.NewSpawner(key.ID)
	cid, code := insert(ctx.Proc.Caps, sp, fullPerms(), false)
	regs.Rets[1] = uint64(cid)
	return code
}

func sysSpawnerSpawnProcess(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, sp, code := lookupAs[*process.Spawner](ctx.Proc.Caps, regs.Args[0], kobj.PermProd, false)
	if code != aerr.Ok {
		return code
	}
	_, key, code := lookupAs[*kobj.Key](ctx.Proc.Caps, regs.Args[1], kobj.PermRead, false)
	if code != aerr.Ok {
		return code
	}
	p, code := sp.SpawnProcess(key, d.Sched, ctx.Proc.Quota, regs.Args[2])
	if code != aerr.Ok {
		return code
	}
	cid, code := ctx.Proc.Caps.Insert(p.Handle(), kobj.MakeFlags(fullPerms(), true, kobj.TagProcess))
	regs.Rets[1] = uint64(cid)
	return code
}

func sysSpawnerDoomAll(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, sp, code := lookupAs[*process.Spawner](ctx.Proc.Caps, regs.Args[0], kobj.PermWrite, false)
	if code != aerr.Ok {
		return code
	}
	sp.DoomAll()
	return aerr.Ok
}

// -- interrupt --

func sysInterruptNew(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	i := kobj.NewInterrupt(uint32(regs.Args[0]))
	cid, code := insert(ctx.Proc.Caps, i, fullPerms(), false)
	regs.Rets[1] = uint64(cid)
	return code
}

func sysInterruptBindEvent(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, intr, code := lookupAs[*kobj.Interrupt](ctx.Proc.Caps, regs.Args[0], kobj.PermWrite, false)
	if code != aerr.Ok {
		return code
	}
	d.emitterFor(intr)
	return aerr.Ok
}

// -- mmio / interrupt / port allocators --

func sysMmioAllocatorAlloc(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, a, code := lookupAs[*kobj.RangeObject](ctx.Proc.Caps, regs.Args[0], kobj.PermProd, false)
	if code != aerr.Ok {
		return code
	}
	start, code := a.Alloc(regs.Args[1])
	regs.Rets[1] = start
	return code
}

func sysMmioAllocatorFree(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, a, code := lookupAs[*kobj.RangeObject](ctx.Proc.Caps, regs.Args[0], kobj.PermProd, false)
	if code != aerr.Ok {
		return code
	}
	a.Free(regs.Args[1], regs.Args[2])
	return aerr.Ok
}

func sysIntAllocatorAlloc(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, a, code := lookupAs[*kobj.RangeObject](ctx.Proc.Caps, regs.Args[0], kobj.PermProd, false)
	if code != aerr.Ok {
		return code
	}
	v, code := a.Alloc(1)
	regs.Rets[1] = v
	return code
}

func sysIntAllocatorFree(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, a, code := lookupAs[*kobj.RangeObject](ctx.Proc.Caps, regs.Args[0], kobj.PermProd, false)
	if code != aerr.Ok {
		return code
	}
	a.Free(regs.Args[1], 1)
	return aerr.Ok
}

func sysPortAllocatorAlloc(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, a, code := lookupAs[*kobj.RangeObject](ctx.Proc.Caps, regs.Args[0], kobj.PermProd, false)
	if code != aerr.Ok {
		return code
	}
	start, code := a.Alloc(regs.Args[1])
	if code != aerr.Ok {
		return code
	}
	cid, code := insert(ctx.Proc.Caps, &kobj.Port{Base: start, Length: regs.Args[1]}, fullPerms(), false)
	regs.Rets[1] = uint64(cid)
	return code
}

func sysPortAllocatorFree(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, a, code := lookupAs[*kobj.RangeObject](ctx.Proc.Caps, regs.Args[0], kobj.PermProd, false)
	if code != aerr.Ok {
		return code
	}
	_, port, code := lookupAs[*kobj.Port](ctx.Proc.Caps, regs.Args[1], kobj.PermWrite, false)
	if code != aerr.Ok {
		return code
	}
	a.Free(port.Base, port.Length)
	return ctx.Proc.Caps.Destroy(capspace.Cid(regs.Args[1]))
}

// -- root oom --

func sysRootOomListen(d *Dispatcher, ctx *Context, regs *asys.Regs) aerr.Code {
	_, root, code := lookupAs[*kobj.RootOomObject](ctx.Proc.Caps, regs.Args[0], kobj.PermRead, false)
	if code != aerr.Ok {
		return code
	}
	_, buf, code := lookupAs[*vm.Memory](ctx.Proc.Caps, regs.Args[1], kobj.PermWrite, false)
	if code != aerr.Ok {
		return code
	}
	ctx.Thread.Suspend(regs.Args[0], 0)
	table, res, accepted := root.Listen(ctx.Thread.Cancel())
	ctx.Thread.TryWake()
	if !accepted {
		return aerr.InvlOp
	}
	if res == kobj.WaitCancelled {
		return aerr.Interrupted
	}
	return table.MarshalTo(buf.Bytes())
}
