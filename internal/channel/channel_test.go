package channel

import (
	"testing"
	"time"

	"github.com/Athryx/aurora-os/internal/aerr"
	"github.com/Athryx/aurora-os/internal/capspace"
	"github.com/Athryx/aurora-os/internal/kbytes"
	"github.com/Athryx/aurora-os/internal/kobj"
	"github.com/Athryx/aurora-os/internal/pagemem"
	"github.com/Athryx/aurora-os/internal/quota"
	"github.com/Athryx/aurora-os/internal/vm"
)

func newBuf(t *testing.T) *vm.Memory {
	t.Helper()
	root := quota.NewRoot(pagemem.New(64), 64)
	mem, code := vm.NewMemory(root, 0, 1)
	if code != aerr.Ok {
		t.Fatalf("NewMemory: %v", code)
	}
	return mem
}

func writeHeader(buf *vm.Memory, length, flags, reply uint64) {
	b := buf.Bytes()
	kbytes.WriteWord(b, 0, length)
	kbytes.WriteWord(b, 1, flags)
	kbytes.WriteWord(b, 2, reply)
}

func TestSendRecvRoundTrip(t *testing.T) {
	c := New(8, 1, false)
	srcSpace := capspace.New()
	dstSpace := capspace.New()

	lockHandle := kobj.NewHandle(kobj.NewLock(), nil)
	lockCid, code := srcSpace.Insert(lockHandle, kobj.MakeFlags(kobj.PermRead|kobj.PermWrite, false, kobj.TagLock))
	if code != aerr.Ok {
		t.Fatalf("insert: %v", code)
	}

	sendBuf := newBuf(t)
	recvBuf := newBuf(t)

	b := sendBuf.Bytes()
	kbytes.WriteWord(b, 0, 5) // length: header(3) + 1 cap + 1 data word
	kbytes.WriteWord(b, 1, 1<<32)
	kbytes.WriteWord(b, 2, 0)
	kbytes.WriteWord(b, 3, uint64(lockCid))
	kbytes.WriteWord(b, 4, 42)

	done := make(chan aerr.Code, 1)
	go func() {
		done <- c.Send(make(chan struct{}), make(chan struct{}), srcSpace, sendBuf, nil)
	}()

	time.Sleep(10 * time.Millisecond)
	code = c.Recv(make(chan struct{}), make(chan struct{}), dstSpace, recvBuf, nil)
	if code != aerr.Ok {
		t.Fatalf("recv: %v", code)
	}
	if sc := <-done; sc != aerr.Ok {
		t.Fatalf("send: %v", sc)
	}

	rb := recvBuf.Bytes()
	if kbytes.ReadWord(rb, 4) != 42 {
		t.Fatalf("data word not transferred: %d", kbytes.ReadWord(rb, 4))
	}
	newCid := capspace.Cid(kbytes.ReadWord(rb, 3))
	if _, _, code := dstSpace.Lookup(newCid, kobj.PermRead, false); code != aerr.Ok {
		t.Fatalf("transferred cid not resolvable: %v", code)
	}
}

func TestNbSendUnreach(t *testing.T) {
	c := New(0, 0, false)
	space := capspace.New()
	buf := newBuf(t)
	if code := c.NbSend(space, buf); code != aerr.OkUnreach {
		t.Fatalf("nbsend with no receiver = %v, want OkUnreach", code)
	}
}

func TestNbSendObscured(t *testing.T) {
	c := New(0, 0, true)
	space := capspace.New()
	buf := newBuf(t)
	if code := c.NbSend(space, buf); code != aerr.Obscured {
		t.Fatalf("nbsend on sc_resist channel = %v, want Obscured", code)
	}
}

func TestDestroyUnblocksWaiters(t *testing.T) {
	c := New(0, 0, false)
	space := capspace.New()
	buf := newBuf(t)

	done := make(chan aerr.Code, 1)
	go func() {
		done <- c.Recv(make(chan struct{}), make(chan struct{}), space, buf, nil)
	}()
	time.Sleep(10 * time.Millisecond)
	c.Destroy()

	select {
	case code := <-done:
		if code != aerr.Interrupted {
			t.Fatalf("code = %v, want Interrupted", code)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked recv never unblocked on destroy")
	}
}

func TestCallReplyRecv(t *testing.T) {
	c := New(4, 0, false)
	callerSpace := capspace.New()
	serverSpace := capspace.New()

	callerBuf := newBuf(t)
	writeHeader(callerBuf, 4, 0, 0)
	kbytes.WriteWord(callerBuf.Bytes(), 3, 10)

	serverBuf := newBuf(t)

	callDone := make(chan aerr.Code, 1)
	go func() {
		callDone <- Call(c, make(chan struct{}), make(chan struct{}), callerSpace, callerBuf, nil)
	}()

	time.Sleep(10 * time.Millisecond)
	if code := c.Recv(make(chan struct{}), make(chan struct{}), serverSpace, serverBuf, nil); code != aerr.Ok {
		t.Fatalf("server recv: %v", code)
	}
	if got := kbytes.ReadWord(serverBuf.Bytes(), 3); got != 10 {
		t.Fatalf("server got %d, want 10", got)
	}

	replyFlags := kbytes.ReadWord(serverBuf.Bytes(), 1)
	if replyFlags&1 == 0 {
		t.Fatal("reply bit not set on delivered message")
	}
	replyCid := capspace.Cid(kbytes.ReadWord(serverBuf.Bytes(), 2))

	replyHandle, _, code := serverSpace.Lookup(replyCid, kobj.PermProd, false)
	if code != aerr.Ok {
		t.Fatalf("reply cid lookup: %v", code)
	}
	replyChan, ok := replyHandle.Object().(*Channel)
	if !ok {
		t.Fatalf("reply object is %T, not *Channel", replyHandle.Object())
	}

	writeHeader(serverBuf, 4, 0, 0)
	kbytes.WriteWord(serverBuf.Bytes(), 3, 99)
	if code := replyChan.Send(make(chan struct{}), make(chan struct{}), serverSpace, serverBuf, nil); code != aerr.Ok {
		t.Fatalf("reply send: %v", code)
	}

	if code := <-callDone; code != aerr.Ok {
		t.Fatalf("call: %v", code)
	}
	if got := kbytes.ReadWord(callerBuf.Bytes(), 3); got != 99 {
		t.Fatalf("caller got %d, want 99", got)
	}
}

// TestSendPreservesWeakCap makes sure a weak cid transferred through a
// channel arrives weak on the other side, rather than being treated as
// a weak->strong upgrade attempt (which would fail without PermUpgrade
// on the sender's own cid).
func TestSendPreservesWeakCap(t *testing.T) {
	c := New(8, 1, false)
	srcSpace := capspace.New()
	dstSpace := capspace.New()

	lockHandle := kobj.NewHandle(kobj.NewLock(), nil)
	weakCid, code := srcSpace.Insert(lockHandle, kobj.MakeFlags(kobj.PermRead|kobj.PermWrite, true, kobj.TagLock))
	if code != aerr.Ok {
		t.Fatalf("insert weak cid: %v", code)
	}

	sendBuf := newBuf(t)
	recvBuf := newBuf(t)
	writeHeader(sendBuf, 4, 1<<32, 0)
	kbytes.WriteWord(sendBuf.Bytes(), 3, uint64(weakCid))

	done := make(chan aerr.Code, 1)
	go func() {
		done <- c.Send(make(chan struct{}), make(chan struct{}), srcSpace, sendBuf, nil)
	}()

	time.Sleep(10 * time.Millisecond)
	if code := c.Recv(make(chan struct{}), make(chan struct{}), dstSpace, recvBuf, nil); code != aerr.Ok {
		t.Fatalf("recv: %v", code)
	}
	if sc := <-done; sc != aerr.Ok {
		t.Fatalf("send: %v", sc)
	}

	newCid := capspace.Cid(kbytes.ReadWord(recvBuf.Bytes(), 3))
	_, newFlags, code := dstSpace.Lookup(newCid, kobj.PermRead, false)
	if code != aerr.Ok {
		t.Fatalf("transferred cid lookup: %v", code)
	}
	if !newFlags.IsWeak() {
		t.Fatal("weak cid sent through a channel arrived strong")
	}
}
