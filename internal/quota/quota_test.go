package quota

import (
	"testing"

	"github.com/Athryx/aurora-os/internal/aerr"
	"github.com/Athryx/aurora-os/internal/pagemem"
)

type fakeNotifier struct {
	notified bool
	need     uint64
}

func (f *fakeNotifier) NotifyOOM(need uint64) {
	f.notified = true
	f.need = need
}

// TestChildMaxIsHardCeiling reproduces spec.md §8 scenario 2: a root
// allocator with plenty of headroom must not let a child borrow past
// its own max_pages. Consuming exactly max_pages on the child, then
// requesting one more page, must OOM on the child's own bound sink
// rather than silently succeed by drawing on the root's spare capacity.
func TestChildMaxIsHardCeiling(t *testing.T) {
	root := NewRoot(pagemem.New(1024), 1024)
	child := root.NewChild(64)

	sink := &fakeNotifier{}
	child.BindOom(sink)

	for i := 0; i < 64; i++ {
		if _, code := child.AllocPages(0, 1); code != aerr.Ok {
			t.Fatalf("alloc %d: %v", i, code)
		}
	}

	used, prealloc, free := child.Capacity()
	if used != 64 || prealloc != 0 || free != 0 {
		t.Fatalf("capacity = (%d, %d, %d), want (64, 0, 0)", used, prealloc, free)
	}

	if _, code := child.AllocPages(0, 1); code != aerr.OutOfMem {
		t.Fatalf("alloc past child max = %v, want OutOfMem", code)
	}
	if !sink.notified {
		t.Fatal("child's bound OOM sink was never notified")
	}

	// the root has ample free capacity: 960 pages remain untouched even
	// though the child was refused.
	rUsed, rPrealloc, rFree := root.Capacity()
	if rUsed != 64 || rPrealloc != 0 || rFree != 960 {
		t.Fatalf("root capacity = (%d, %d, %d), want (64, 0, 960)", rUsed, rPrealloc, rFree)
	}

	// crucially, the child's own ceiling must not have been silently
	// raised by the failed request.
	if child.maxPages.Load() != 64 {
		t.Fatalf("child.maxPages = %d, want unchanged 64", child.maxPages.Load())
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	root := NewRoot(pagemem.New(64), 64)
	r, code := root.AllocPages(0, 8)
	if code != aerr.Ok {
		t.Fatalf("alloc: %v", code)
	}
	used, _, free := root.Capacity()
	if used != 8 || free != 56 {
		t.Fatalf("capacity after alloc = (%d, _, %d), want (8, _, 56)", used, free)
	}
	root.FreePages(r)
	used, _, free = root.Capacity()
	if used != 0 || free != 64 {
		t.Fatalf("capacity after free = (%d, _, %d), want (0, _, 64)", used, free)
	}
}

func TestPrealloc(t *testing.T) {
	root := NewRoot(pagemem.New(64), 64)
	if code := root.Prealloc(10, false, false); code != aerr.Ok {
		t.Fatalf("prealloc: %v", code)
	}
	_, prealloc, free := root.Capacity()
	if prealloc != 10 || free != 54 {
		t.Fatalf("capacity = (_, %d, %d), want (_, 10, 54)", prealloc, free)
	}
	if code := root.Prealloc(4, true, false); code != aerr.Ok {
		t.Fatalf("shrink prealloc: %v", code)
	}
	_, prealloc, free = root.Capacity()
	if prealloc != 4 || free != 60 {
		t.Fatalf("capacity after shrink = (_, %d, %d), want (_, 4, 60)", prealloc, free)
	}
}

func TestSetMaxPagesBelowUsedFails(t *testing.T) {
	root := NewRoot(pagemem.New(64), 64)
	if _, code := root.AllocPages(0, 10); code != aerr.Ok {
		t.Fatalf("alloc: %v", code)
	}
	if code := root.SetMaxPages(5, false); code != aerr.InvlArgs {
		t.Fatalf("set_max_pages below used = %v, want InvlArgs", code)
	}
}

func TestDestroyReparentsOverflowToSink(t *testing.T) {
	root := NewRoot(pagemem.New(128), 100)
	sink := &fakeNotifier{}
	root.BindOom(sink)

	child := root.NewChild(64)
	if _, code := child.AllocPages(0, 64); code != aerr.Ok {
		t.Fatalf("child alloc: %v", code)
	}
	if _, code := root.AllocPages(0, 40); code != aerr.Ok {
		t.Fatalf("root alloc: %v", code)
	}

	root.Destroy(child)
	if !sink.notified {
		t.Fatal("root's own sink should see the reparented overflow")
	}
}
