package event

import (
	"testing"
	"time"

	"github.com/Athryx/aurora-os/internal/aerr"
	"github.com/Athryx/aurora-os/internal/pagemem"
	"github.com/Athryx/aurora-os/internal/quota"
	"github.com/Athryx/aurora-os/internal/vm"
)

func newTestPool(t *testing.T, npages uint64) *Pool {
	t.Helper()
	root := quota.NewRoot(pagemem.New(64), 64)
	mem, code := vm.NewMemory(root, 0, npages)
	if code != aerr.Ok {
		t.Fatalf("NewMemory: %v", code)
	}
	return NewPool(mem)
}

func TestPoolSendConsume(t *testing.T) {
	p := newTestPool(t, 1)
	for i := 0; i < 4; i++ {
		if code := p.Send(Record{SourceCid: uint64(i), Arg1: 1}); code != aerr.Ok {
			t.Fatalf("send %d: %v", i, code)
		}
	}
	_, count := p.Data()
	if count != 4 {
		t.Fatalf("count = %d, want 4", count)
	}
	p.Consume(2)
	_, count = p.Data()
	if count != 2 {
		t.Fatalf("count after consume = %d, want 2", count)
	}
}

func TestPoolFullOutOfMem(t *testing.T) {
	p := newTestPool(t, 1)
	cap := p.capacityRecords()
	for i := uint64(0); i < cap; i++ {
		if code := p.Send(Record{SourceCid: i}); code != aerr.Ok {
			t.Fatalf("send %d: %v", i, code)
		}
	}
	if code := p.Send(Record{SourceCid: cap}); code != aerr.OutOfMem {
		t.Fatalf("send on full pool = %v, want OutOfMem", code)
	}
}

func TestPoolWait(t *testing.T) {
	p := newTestPool(t, 1)
	done := make(chan struct{})
	go func() {
		res := p.Wait(1, make(chan struct{}), make(chan struct{}))
		if res != 0 {
			t.Errorf("wait result = %v, want WaitOk", res)
		}
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	p.Send(Record{SourceCid: 1})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait never woke")
	}
}

func TestPoolWaitCancel(t *testing.T) {
	p := newTestPool(t, 1)
	cancel := make(chan struct{})
	close(cancel)
	if res := p.Wait(1, cancel, make(chan struct{})); res != 2 {
		t.Fatalf("wait result = %v, want WaitCancelled", res)
	}
}

type fakeThread struct {
	got chan Record
}

func newFakeThread() *fakeThread {
	return &fakeThread{got: make(chan Record, 4)}
}

func (f *fakeThread) DeliverEvent(rec Record) {
	f.got <- rec
}

func TestBroadcastEmitterOneShot(t *testing.T) {
	e := NewBroadcastEmitter()
	th := newFakeThread()
	e.RegisterThread(th, OneShot)
	e.Fire(1, 2, 3, 4)
	e.Fire(5, 6, 7, 8)
	select {
	case rec := <-th.got:
		if rec.SourceCid != 1 {
			t.Fatalf("got %+v, want SourceCid=1", rec)
		}
	default:
		t.Fatal("one-shot listener never delivered")
	}
	select {
	case rec := <-th.got:
		t.Fatalf("one-shot listener delivered twice: %+v", rec)
	default:
	}
}

func TestBroadcastEmitterPersistent(t *testing.T) {
	e := NewBroadcastEmitter()
	th := newFakeThread()
	e.RegisterThread(th, Persistent)
	e.Fire(1, 0, 0, 0)
	e.Fire(2, 0, 0, 0)
	if r := <-th.got; r.SourceCid != 1 {
		t.Fatalf("first = %+v", r)
	}
	if r := <-th.got; r.SourceCid != 2 {
		t.Fatalf("second = %+v", r)
	}
}

func TestBroadcastEmitterPoolFallback(t *testing.T) {
	e := NewBroadcastEmitter()
	p := newTestPool(t, 1)
	e.RegisterPool(p, Persistent)

	cap := p.capacityRecords()
	for i := uint64(0); i < cap; i++ {
		e.Fire(i, 0, 0, 0)
	}
	_, count := p.Data()
	if count != cap {
		t.Fatalf("count = %d, want %d", count, cap)
	}
	// One more event overflows into the emitter's fallback queue rather
	// than being dropped.
	e.Fire(999, 0, 0, 0)
	if len(e.fallback[p]) != 1 {
		t.Fatalf("fallback len = %d, want 1", len(e.fallback[p]))
	}
	p.Consume(1)
	if len(e.fallback[p]) != 0 {
		t.Fatalf("fallback not drained after Consume: %d", len(e.fallback[p]))
	}
	_, count = p.Data()
	if count != cap {
		t.Fatalf("count after drain = %d, want %d", count, cap)
	}
}

func TestQueueEmitterRoundRobin(t *testing.T) {
	q := NewQueueEmitter()
	a := newFakeThread()
	b := newFakeThread()
	q.RegisterThread(a)
	q.RegisterThread(b)
	q.Fire(1, 0, 0, 0)
	q.Fire(2, 0, 0, 0)

	select {
	case r := <-a.got:
		if r.SourceCid != 1 {
			t.Fatalf("a got %+v", r)
		}
	default:
		t.Fatal("a never delivered")
	}
	select {
	case r := <-b.got:
		if r.SourceCid != 2 {
			t.Fatalf("b got %+v", r)
		}
	default:
		t.Fatal("b never delivered")
	}
}

func TestQueueEmitterPoolAutoReenter(t *testing.T) {
	q := NewQueueEmitter()
	p := newTestPool(t, 1)
	q.RegisterPool(p, true)
	q.Fire(1, 0, 0, 0)
	q.Fire(2, 0, 0, 0)
	_, count := p.Data()
	if count != 2 {
		t.Fatalf("count = %d, want 2 (pool re-entered fifo each time)", count)
	}
}
