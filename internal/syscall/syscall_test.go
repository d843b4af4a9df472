package syscall

import (
	"testing"
	"time"

	"github.com/Athryx/aurora-os/internal/aerr"
	"github.com/Athryx/aurora-os/internal/asys"
	"github.com/Athryx/aurora-os/internal/capspace"
	"github.com/Athryx/aurora-os/internal/kobj"
	"github.com/Athryx/aurora-os/internal/pagemem"
	"github.com/Athryx/aurora-os/internal/process"
	"github.com/Athryx/aurora-os/internal/quota"
	"github.com/Athryx/aurora-os/internal/rangealloc"
	"github.com/Athryx/aurora-os/internal/sched"
)

func newTestSystem(t *testing.T) (*Dispatcher, *process.Process, *sched.Thread) {
	t.Helper()
	s := sched.New(2)
	root := quota.NewRoot(pagemem.New(4096), 4096)
	p := process.New(s, root, 4096)
	th := p.SpawnThread(s, sched.DefaultPriority)
	th.SetRunning()
	return NewDispatcher(s), p, th
}

func call(d *Dispatcher, p *process.Process, th *sched.Thread, num asys.Num, args ...uint64) *asys.Regs {
	regs := &asys.Regs{Num: num}
	copy(regs.Args[:], args)
	d.Dispatch(&Context{Proc: p, Thread: th}, regs)
	return regs
}

func mustOk(t *testing.T, regs *asys.Regs, label string) {
	t.Helper()
	if aerr.Code(regs.Rets[0]) != aerr.Ok {
		t.Fatalf("%s: %v", label, aerr.Code(regs.Rets[0]))
	}
}

func TestThreadYield(t *testing.T) {
	d, p, th := newTestSystem(t)
	regs := call(d, p, th, asys.ThreadYield)
	mustOk(t, regs, "thread_yield")
	if th.Status() != sched.StatusReady {
		t.Fatalf("status = %v, want Ready", th.Status())
	}
}

func TestThreadSuspendResume(t *testing.T) {
	d, p, th := newTestSystem(t)
	other := p.SpawnThread(d.Sched, sched.DefaultPriority)
	other.SetRunning()

	done := make(chan *asys.Regs, 1)
	go func() {
		done <- call(d, p, th, asys.ThreadSuspend)
	}()
	time.Sleep(10 * time.Millisecond)

	regs := call(d, p, other, asys.ThreadResume, th.Tid)
	mustOk(t, regs, "thread_resume")

	select {
	case r := <-done:
		mustOk(t, r, "thread_suspend")
	case <-time.After(time.Second):
		t.Fatal("thread_suspend never woke")
	}
}

func TestProcessNewAndExit(t *testing.T) {
	d, p, th := newTestSystem(t)
	regs := call(d, p, th, asys.ProcessNew, 1024)
	mustOk(t, regs, "process_new")
	childCid := regs.Rets[1]

	regs = call(d, p, th, asys.ProcessExit, childCid, 1<<asys.WeakAutoDestroyBit)
	mustOk(t, regs, "process_exit")
}

func TestCapCloneAndDestroy(t *testing.T) {
	d, p, th := newTestSystem(t)
	regs := call(d, p, th, asys.InterruptNew, 32)
	mustOk(t, regs, "interrupt_new")
	srcCid := regs.Rets[1]

	regs = call(d, p, th, asys.ProcessNew, 1024)
	mustOk(t, regs, "process_new")
	dstProcCid := regs.Rets[1]

	regs = call(d, p, th, asys.CapClone, srcCid, dstProcCid, uint64(kobj.PermRead))
	mustOk(t, regs, "cap_clone")

	regs = call(d, p, th, asys.CapDestroy, srcCid)
	mustOk(t, regs, "cap_destroy")

	regs = call(d, p, th, asys.CapDestroy, srcCid)
	if aerr.Code(regs.Rets[0]) != aerr.InvlId {
		t.Fatalf("double destroy = %v, want InvlId", aerr.Code(regs.Rets[0]))
	}
}

func TestAllocatorAllocFreeAndChild(t *testing.T) {
	d, p, th := newTestSystem(t)
	rootCid := findAllocatorCid(t, p)

	regs := call(d, p, th, asys.AllocatorAllocPages, rootCid, 4)
	mustOk(t, regs, "allocator_alloc_pages")
	frame, npages := regs.Rets[1], regs.Rets[2]
	if npages != 4 {
		t.Fatalf("npages = %d, want 4", npages)
	}

	regs = call(d, p, th, asys.AllocatorFreePages, rootCid, frame, npages)
	mustOk(t, regs, "allocator_free_pages")

	regs = call(d, p, th, asys.AllocatorNewChild, rootCid, 16)
	mustOk(t, regs, "allocator_new_child")
	childCid := regs.Rets[1]

	regs = call(d, p, th, asys.AllocatorDestroy, rootCid, childCid)
	mustOk(t, regs, "allocator_destroy")
}

// findAllocatorCid inserts the process's own quota into its own cap
// space so tests can exercise Allocator* syscalls without a bespoke
// bootstrap path (mirrors how a real boot sequence would insert the
// root allocator cid, spec.md §6).
func findAllocatorCid(t *testing.T, p *process.Process) uint64 {
	t.Helper()
	h := kobj.NewHandle(kobj.NewAllocatorObject(p.Quota), nil)
	cid, code := p.Caps.Insert(h, kobj.MakeFlags(fullPerms(), false, kobj.TagAllocator))
	if code != aerr.Ok {
		t.Fatalf("insert allocator: %v", code)
	}
	return uint64(cid)
}

func TestMemoryNewMapUnmap(t *testing.T) {
	d, p, th := newTestSystem(t)
	allocCid := findAllocatorCid(t, p)

	regs := call(d, p, th, asys.MemoryNew, allocCid, 1)
	mustOk(t, regs, "memory_new")
	memCid := regs.Rets[1]

	regs = call(d, p, th, asys.MemoryMap, memCid, 0x1000, uint64(kobj.PermRead|kobj.PermWrite))
	mustOk(t, regs, "memory_map")

	regs = call(d, p, th, asys.MemoryUnmap, 0x1000)
	mustOk(t, regs, "memory_unmap")
}

// TestMemoryMapRejectsWeakCid verifies spec.md §3/§4.E: mapping a weak
// memory cid must fail with InvlWeak rather than succeeding.
func TestMemoryMapRejectsWeakCid(t *testing.T) {
	d, p, th := newTestSystem(t)
	allocCid := findAllocatorCid(t, p)

	regs := call(d, p, th, asys.MemoryNew, allocCid, 1)
	mustOk(t, regs, "memory_new")
	strongCid := regs.Rets[1]

	h, flags, code := p.Caps.Lookup(capspace.Cid(strongCid), kobj.PermRead, false)
	if code != aerr.Ok {
		t.Fatalf("lookup: %v", code)
	}
	weakCid, code := p.Caps.Insert(h, kobj.MakeFlags(flags.Perms(), true, flags.Tag()))
	if code != aerr.Ok {
		t.Fatalf("insert weak cid: %v", code)
	}

	regs = call(d, p, th, asys.MemoryMap, uint64(weakCid), 0x2000, uint64(kobj.PermRead|kobj.PermWrite))
	if aerr.Code(regs.Rets[0]) != aerr.InvlWeak {
		t.Fatalf("memory_map on weak cid = %v, want InvlWeak", aerr.Code(regs.Rets[0]))
	}
}

func TestLockWaitUnlock(t *testing.T) {
	d, p, th := newTestSystem(t)
	h := kobj.NewHandle(kobj.NewLock(), nil)
	cid, code := p.Caps.Insert(h, kobj.MakeFlags(fullPerms(), false, kobj.TagLock))
	if code != aerr.Ok {
		t.Fatalf("insert lock: %v", code)
	}

	regs := call(d, p, th, asys.LockWait, uint64(cid), 0)
	mustOk(t, regs, "lock_wait first acquire")

	other := p.SpawnThread(d.Sched, sched.DefaultPriority)
	other.SetRunning()
	waitDone := make(chan *asys.Regs, 1)
	go func() {
		waitDone <- call(d, p, other, asys.LockWait, uint64(cid), 0)
	}()
	time.Sleep(10 * time.Millisecond)

	regs = call(d, p, th, asys.LockUnlock, uint64(cid))
	mustOk(t, regs, "lock_unlock")

	select {
	case r := <-waitDone:
		mustOk(t, r, "lock_wait second acquire")
	case <-time.After(time.Second):
		t.Fatal("second lock_wait never acquired")
	}
}

func TestEventPoolSendWait(t *testing.T) {
	d, p, th := newTestSystem(t)
	allocCid := findAllocatorCid(t, p)

	regs := call(d, p, th, asys.MemoryNew, allocCid, 1)
	mustOk(t, regs, "memory_new")
	memCid := regs.Rets[1]

	regs = call(d, p, th, asys.EventPoolNew, memCid)
	mustOk(t, regs, "event_pool_new")
	poolCid := regs.Rets[1]

	other := p.SpawnThread(d.Sched, sched.DefaultPriority)
	other.SetRunning()
	waitDone := make(chan *asys.Regs, 1)
	go func() {
		waitDone <- call(d, p, other, asys.EventPoolWait, poolCid, 1, 0)
	}()
	time.Sleep(10 * time.Millisecond)

	regs = call(d, p, th, asys.EventPoolSend, poolCid, 7, 8, 9)
	mustOk(t, regs, "event_pool_send")

	select {
	case r := <-waitDone:
		mustOk(t, r, "event_pool_wait")
	case <-time.After(time.Second):
		t.Fatal("event_pool_wait never woke")
	}

	regs = call(d, p, th, asys.EventPoolData, poolCid)
	mustOk(t, regs, "event_pool_data")
	if regs.Rets[2] != 1 {
		t.Fatalf("count = %d, want 1", regs.Rets[2])
	}
}

func TestChannelSendRecv(t *testing.T) {
	d, p, th := newTestSystem(t)
	allocCid := findAllocatorCid(t, p)

	regs := call(d, p, th, asys.ChannelNew, 4, 0, 0)
	mustOk(t, regs, "channel_new")
	chCid := regs.Rets[1]

	regs = call(d, p, th, asys.MemoryNew, allocCid, 1)
	mustOk(t, regs, "memory_new send buf")
	sendBufCid := regs.Rets[1]
	regs = call(d, p, th, asys.MemoryNew, allocCid, 1)
	mustOk(t, regs, "memory_new recv buf")
	recvBufCid := regs.Rets[1]

	other := p.SpawnThread(d.Sched, sched.DefaultPriority)
	other.SetRunning()
	sendDone := make(chan *asys.Regs, 1)
	go func() {
		sendDone <- call(d, p, other, asys.ChannelSend, chCid, sendBufCid, 0, 0)
	}()
	time.Sleep(10 * time.Millisecond)

	regs = call(d, p, th, asys.ChannelRecv, chCid, recvBufCid, 0, 0)
	mustOk(t, regs, "channel_recv")

	select {
	case r := <-sendDone:
		mustOk(t, r, "channel_send")
	case <-time.After(time.Second):
		t.Fatal("channel_send never unblocked")
	}
}

func TestKeySpawnerSpawnProcess(t *testing.T) {
	d, p, th := newTestSystem(t)
	regs := call(d, p, th, asys.KeyNew)
	mustOk(t, regs, "key_new")
	keyCid := regs.Rets[1]

	regs = call(d, p, th, asys.SpawnerNew, keyCid)
	mustOk(t, regs, "spawner_new")
	spawnerCid := regs.Rets[1]

	regs = call(d, p, th, asys.SpawnerSpawnProcess, spawnerCid, keyCid, 256)
	mustOk(t, regs, "spawner_spawn_process")

	regs = call(d, p, th, asys.SpawnerDoomAll, spawnerCid)
	mustOk(t, regs, "spawner_doom_all")
}

func TestInterruptBindEventDeliversToPool(t *testing.T) {
	d, p, th := newTestSystem(t)
	allocCid := findAllocatorCid(t, p)

	regs := call(d, p, th, asys.InterruptNew, 33)
	mustOk(t, regs, "interrupt_new")
	intrCid := regs.Rets[1]

	regs = call(d, p, th, asys.MemoryNew, allocCid, 1)
	mustOk(t, regs, "memory_new")
	memCid := regs.Rets[1]

	regs = call(d, p, th, asys.EventPoolNew, memCid)
	mustOk(t, regs, "event_pool_new")
	poolCid := regs.Rets[1]

	regs = call(d, p, th, asys.EventPoolRegister, intrCid, poolCid, 1)
	mustOk(t, regs, "event_pool_register")

	h, _, code := p.Caps.Lookup(capspace.Cid(intrCid), kobj.PermWrite, false)
	if code != aerr.Ok {
		t.Fatalf("lookup interrupt: %v", code)
	}
	h.Object().(*kobj.Interrupt).Fire(1, 2, 3, 4)

	regs = call(d, p, th, asys.EventPoolData, poolCid)
	mustOk(t, regs, "event_pool_data")
	if regs.Rets[2] != 1 {
		t.Fatalf("count = %d, want 1 after interrupt fire", regs.Rets[2])
	}
}

func TestPortAllocatorAllocFree(t *testing.T) {
	d, p, th := newTestSystem(t)
	h := kobj.NewHandle(kobj.NewPortAllocatorObject(rangealloc.New(1024)), nil)
	cid, code := p.Caps.Insert(h, kobj.MakeFlags(fullPerms(), false, kobj.TagPortAllocator))
	if code != aerr.Ok {
		t.Fatalf("insert port allocator: %v", code)
	}

	regs := call(d, p, th, asys.PortAllocatorAlloc, uint64(cid), 4)
	mustOk(t, regs, "port_allocator_alloc")
	portCid := regs.Rets[1]

	regs = call(d, p, th, asys.PortAllocatorFree, uint64(cid), portCid)
	mustOk(t, regs, "port_allocator_free")
}
