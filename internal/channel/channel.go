// Package channel is Aurora's rendezvous IPC primitive: send/recv/
// nbsend/nbrecv/call/reply_recv over fixed-shape message buffers,
// including capability transfer on delivery (spec.md §4.H, Module H).
//
// Grounded on original_source's ipc/channel.rs for the FIFO-of-waiting-
// parties rendezvous shape and the word-layout parsing rules, and on
// biscuit's proc/wait.go Wait_t (a result delivered through a
// per-waiter channel while the waiter selects on a cancel channel) for
// how a blocked sender/receiver is released either by a match, by
// process-exit cancellation, or by timeout. Message words are packed
// with internal/kbytes the same way internal/event lays out its ring
// records.
package channel

import (
	"sync"

	"github.com/Athryx/aurora-os/internal/aerr"
	"github.com/Athryx/aurora-os/internal/capspace"
	"github.com/Athryx/aurora-os/internal/event"
	"github.com/Athryx/aurora-os/internal/kbytes"
	"github.com/Athryx/aurora-os/internal/kobj"
	"github.com/Athryx/aurora-os/internal/vm"
)

const headerWords = 3

// Channel is a rendezvous point with a fixed message shape (spec.md §3
// Channel).
type Channel struct {
	tag      kobj.Tag
	msgSize  uint64
	maxCaps  uint64
	scResist bool

	mu        sync.Mutex
	senders   []*endpoint
	receivers []*endpoint
	destroyed bool
}

func (c *Channel) Type() kobj.Tag { return c.tag }

// New builds a regular channel. msgSize must be 0 or in [3, max]
// (spec.md §3); callers are expected to have already validated this at
// the syscall boundary.
func New(msgSize, maxCaps uint64, scResist bool) *Channel {
	return &Channel{tag: kobj.TagChannel, msgSize: msgSize, maxCaps: maxCaps, scResist: scResist}
}

// newReply builds the short-lived reply-channel object channel_call
// creates internally (spec.md §4.H), tagged distinctly (RecvPool) per
// the cid tag enumeration in spec.md §3.
func newReply(msgSize, maxCaps uint64) *Channel {
	return &Channel{tag: kobj.TagRecvPool, msgSize: msgSize, maxCaps: maxCaps}
}

// MsgSize and MaxCaps report the channel's fixed shape, needed by
// channel_call/reply_recv to build a matching reply channel.
func (c *Channel) MsgSize() uint64 { return c.msgSize }
func (c *Channel) MaxCaps() uint64 { return c.maxCaps }

type endpoint struct {
	space *capspace.Space
	mem   *vm.Memory
	pool  *event.Pool
	done  chan aerr.Code
}

func newEndpoint(space *capspace.Space, mem *vm.Memory, pool *event.Pool) *endpoint {
	return &endpoint{space: space, mem: mem, pool: pool, done: make(chan aerr.Code, 1)}
}

// complete delivers code to e: synchronously to a blocked caller, or as
// a posted event if e registered a completion pool instead of blocking
// (spec.md §4.H: "posts async event on completion").
func complete(e *endpoint, code aerr.Code) {
	if e.pool != nil {
		e.pool.Send(event.Record{Arg1: uint64(code)})
		return
	}
	e.done <- code
}

// Send is the blocking/async channel_send action (spec.md §4.H).
func (c *Channel) Send(cancel, timeout <-chan struct{}, src *capspace.Space, buf *vm.Memory, pool *event.Pool) aerr.Code {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return aerr.Interrupted
	}
	if len(c.receivers) > 0 {
		r := c.receivers[0]
		c.receivers = c.receivers[1:]
		c.mu.Unlock()
		code := transfer(buf, r.mem, src, r.space, c.maxCaps, c.msgSize)
		complete(r, code)
		if pool != nil {
			pool.Send(event.Record{Arg1: uint64(code)})
			return aerr.Ok
		}
		return code
	}
	e := newEndpoint(src, buf, pool)
	c.senders = append(c.senders, e)
	c.mu.Unlock()
	if pool != nil {
		return aerr.Ok
	}
	select {
	case code := <-e.done:
		return code
	case <-cancel:
		c.removeSender(e)
		return aerr.Interrupted
	case <-timeout:
		c.removeSender(e)
		return aerr.OkTimeout
	}
}

// Recv is the blocking/async channel_recv action (spec.md §4.H).
func (c *Channel) Recv(cancel, timeout <-chan struct{}, dst *capspace.Space, buf *vm.Memory, pool *event.Pool) aerr.Code {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return aerr.Interrupted
	}
	if len(c.senders) > 0 {
		s := c.senders[0]
		c.senders = c.senders[1:]
		c.mu.Unlock()
		code := transfer(s.mem, buf, s.space, dst, c.maxCaps, c.msgSize)
		complete(s, code)
		if pool != nil {
			pool.Send(event.Record{Arg1: uint64(code)})
			return aerr.Ok
		}
		return code
	}
	e := newEndpoint(dst, buf, pool)
	c.receivers = append(c.receivers, e)
	c.mu.Unlock()
	if pool != nil {
		return aerr.Ok
	}
	select {
	case code := <-e.done:
		return code
	case <-cancel:
		c.removeReceiver(e)
		return aerr.Interrupted
	case <-timeout:
		c.removeReceiver(e)
		return aerr.OkTimeout
	}
}

// unreachCode is what a non-blocking op returns when there is no
// counterpart (spec.md §4.H: OkUnreach normally, Obscured when the
// channel resists timing side channels).
func (c *Channel) unreachCode() aerr.Code {
	if c.scResist {
		return aerr.Obscured
	}
	return aerr.OkUnreach
}

// NbSend is channel_nbsend (spec.md §4.H).
func (c *Channel) NbSend(src *capspace.Space, buf *vm.Memory) aerr.Code {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return aerr.Interrupted
	}
	if len(c.receivers) == 0 {
		code := c.unreachCode()
		c.mu.Unlock()
		return code
	}
	r := c.receivers[0]
	c.receivers = c.receivers[1:]
	c.mu.Unlock()
	code := transfer(buf, r.mem, src, r.space, c.maxCaps, c.msgSize)
	complete(r, code)
	return code
}

// NbRecv is channel_nbrecv (spec.md §4.H).
func (c *Channel) NbRecv(dst *capspace.Space, buf *vm.Memory) aerr.Code {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return aerr.Interrupted
	}
	if len(c.senders) == 0 {
		code := c.unreachCode()
		c.mu.Unlock()
		return code
	}
	s := c.senders[0]
	c.senders = c.senders[1:]
	c.mu.Unlock()
	code := transfer(s.mem, buf, s.space, dst, c.maxCaps, c.msgSize)
	complete(s, code)
	return code
}

// Call atomically creates a reply channel with the same shape, embeds
// its cid (with prod) into buf's reply slot, sends, then blocks
// receiving on the reply channel, destroying the reply cid afterward
// (spec.md §4.H channel_call).
func Call(c *Channel, cancel, timeout <-chan struct{}, src *capspace.Space, buf *vm.Memory, pool *event.Pool) aerr.Code {
	reply := newReply(c.msgSize, c.maxCaps)
	handle := kobj.NewHandle(reply, nil)
	replyCid, code := src.Insert(handle, kobj.MakeFlags(kobj.PermProd, false, kobj.TagRecvPool))
	if code != aerr.Ok {
		return code
	}

	b := buf.Bytes()
	if len(b) < kbytes.Bytes(headerWords) {
		src.Destroy(replyCid)
		return aerr.InvlArgs
	}
	flags := kbytes.ReadWord(b, 1) | 1
	kbytes.WriteWord(b, 1, flags)
	kbytes.WriteWord(b, 2, uint64(replyCid))

	if code := c.Send(cancel, timeout, src, buf, pool); code != aerr.Ok {
		src.Destroy(replyCid)
		return code
	}

	code = reply.Recv(cancel, timeout, src, buf, pool)
	src.Destroy(replyCid)
	return code
}

// ReplyRecv non-blocking-sends buf on reply (ignoring the result, per
// spec.md §4.H: "proceeds even if recv or buf cids are destroyed after
// blocking has begun"), then blocking-recvs on recv. Destroying the
// reply cid itself is the syscall layer's job, since only it holds the
// cid rather than the object.
func ReplyRecv(reply, recv *Channel, cancel, timeout <-chan struct{}, space *capspace.Space, buf *vm.Memory, pool *event.Pool) aerr.Code {
	reply.NbSend(space, buf)
	return recv.Recv(cancel, timeout, space, buf, pool)
}

// Destroy releases every blocked sender/receiver with Interrupted, the
// only early-unblock path for a rendezvous other than a match (spec.md
// §4.H Survivorship).
func (c *Channel) Destroy() {
	c.mu.Lock()
	senders := c.senders
	receivers := c.receivers
	c.senders = nil
	c.receivers = nil
	c.destroyed = true
	c.mu.Unlock()
	for _, e := range senders {
		complete(e, aerr.Interrupted)
	}
	for _, e := range receivers {
		complete(e, aerr.Interrupted)
	}
}

func (c *Channel) removeSender(target *endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.senders[:0]
	for _, e := range c.senders {
		if e != target {
			out = append(out, e)
		}
	}
	c.senders = out
}

func (c *Channel) removeReceiver(target *endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.receivers[:0]
	for _, e := range c.receivers {
		if e != target {
			out = append(out, e)
		}
	}
	c.receivers = out
}

// transfer copies senderMem's message into receiverMem, cloning
// embedded capabilities (and the reply cid, if present) from src into
// dst's cid table with same-or-lesser privileges (spec.md §4.H message
// layout). Cloning uses CloneKeepWeak, not Clone: a transferred cid
// keeps the sender's own weak/strong status (original_source's
// CapCloneWeakness::KeepSame) rather than being coerced to strong,
// which would demand PermUpgrade on every weak cid ever sent through a
// channel. The buffers are checked here, at the point of actual
// transfer, rather than at send/recv call time (spec.md §4.H
// Survivorship): a missing buffer, or one too small for the header or
// the message length, yields InvlArgs. A buffer need not be mapped.
func transfer(senderMem, receiverMem *vm.Memory, src, dst *capspace.Space, maxCaps, msgSize uint64) aerr.Code {
	if senderMem == nil || receiverMem == nil {
		return aerr.InvlArgs
	}
	senderBuf := senderMem.Bytes()
	receiverBuf := receiverMem.Bytes()
	if len(senderBuf) < kbytes.Bytes(headerWords) || len(receiverBuf) < kbytes.Bytes(headerWords) {
		return aerr.InvlArgs
	}

	length := kbytes.ReadWord(senderBuf, 0)
	if msgSize == 0 {
		length = headerWords
	} else if length > msgSize {
		length = msgSize
	}

	flags := kbytes.ReadWord(senderBuf, 1)
	hasReply := flags&1 != 0
	capCount := flags >> 32
	if capCount > maxCaps {
		capCount = maxCaps
	}
	if length < headerWords+capCount {
		length = headerWords + capCount
	}
	if length > uint64(kbytes.Words(len(senderBuf))) {
		return aerr.InvlArgs
	}

	newReplyCid := uint64(0)
	replyDelivered := false
	if hasReply {
		srcReplyCid := kbytes.ReadWord(senderBuf, 2)
		cid, code := src.CloneKeepWeak(capspace.Cid(srcReplyCid), dst, kobj.PermProd|kobj.PermRead|kobj.PermWrite|kobj.PermUpgrade)
		if code == aerr.Ok {
			newReplyCid = uint64(cid)
			replyDelivered = true
		}
	}

	transferred := uint64(0)
	for i := uint64(0); i < capCount; i++ {
		srcCidRaw := kbytes.ReadWord(senderBuf, int(headerWords+i))
		cid, code := src.CloneKeepWeak(capspace.Cid(srcCidRaw), dst, kobj.PermRead|kobj.PermWrite|kobj.PermProd|kobj.PermUpgrade)
		if code != aerr.Ok {
			continue
		}
		kbytes.WriteWord(receiverBuf, int(headerWords+transferred), uint64(cid))
		transferred++
	}

	dataStart := headerWords + capCount
	dataCount := length - dataStart
	for i := uint64(0); i < dataCount; i++ {
		w := kbytes.ReadWord(senderBuf, int(dataStart+i))
		kbytes.WriteWord(receiverBuf, int(headerWords+transferred+i), w)
	}

	newFlags := transferred << 32
	if replyDelivered {
		newFlags |= 1
	}
	kbytes.WriteWord(receiverBuf, 0, headerWords+transferred+dataCount)
	kbytes.WriteWord(receiverBuf, 1, newFlags)
	kbytes.WriteWord(receiverBuf, 2, newReplyCid)

	return aerr.Ok
}
