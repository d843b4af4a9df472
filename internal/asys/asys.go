// Package asys defines Aurora's syscall ABI: the dense syscall number
// enumeration, the register argument/return layout, and option bits.
//
// Grounded on defs/syscall.go's SYS_* dense-constant-block idiom and
// spec.md §6's register list (rbx, rdx, rsi, rdi, r8, r9, r12, r13,
// r14, r15 for arguments; rbx, rdx, rsi, rdi reused for up to four
// return values; rax carries the packed number+options on entry).
package asys

// Num is a syscall number, the low 32 bits of rax on entry.
type Num uint32

const (
	ThreadYield Num = iota
	ThreadSuspend
	ThreadResume
	ThreadSelfDestroy

	ProcessNew
	ProcessExit

	CapClone
	CapMove
	CapDestroy
	WeakIsAlive

	AllocatorAllocPages
	AllocatorFreePages
	AllocatorPrealloc
	AllocatorCapacity
	AllocatorSetMaxPages
	AllocatorNewChild
	AllocatorDestroy
	AllocatorBindOom

	MemoryNew
	MemoryMap
	MemoryUnmap

	LockWait
	LockUnlock

	EventPoolNew
	EventPoolData
	EventPoolConsume
	EventPoolWait
	EventPoolConsumeWait
	EventPoolSend
	EventPoolSetBuffer
	EventPoolRegister
	EventPoolUnregister

	ChannelNew
	ChannelSend
	ChannelRecv
	ChannelNbsend
	ChannelNbrecv
	ChannelCall
	ChannelReplyRecv

	KeyNew
	SpawnerNew
	SpawnerSpawnProcess
	SpawnerDoomAll

	InterruptNew
	InterruptBindEvent

	MmioAllocatorAlloc
	MmioAllocatorFree
	IntAllocatorAlloc
	IntAllocatorFree
	PortAllocatorAlloc
	PortAllocatorFree

	RootOomListen

	numSyscalls
)

// NumSyscalls is the size of the dense handler table (§4.I).
const NumSyscalls = int(numSyscalls)

// Valid reports whether n is a dispatchable syscall number.
func (n Num) Valid() bool {
	return n < numSyscalls
}

// Options are the high 32 bits of rax: per-call behavior bits.
type Options uint32

// WeakAutoDestroy is option bit 31, honored uniformly by §4.C lookups
// across every syscall (spec.md §4.C, §4.I).
const WeakAutoDestroyBit = 31

func (o Options) WeakAutoDestroy() bool {
	return o&(1<<WeakAutoDestroyBit) != 0
}

// Timeout is a per-syscall option bit requesting OkTimeout semantics on
// suspension points that accept a deadline (§5).
const TimeoutBit = 0

func (o Options) HasTimeout() bool {
	return o&(1<<TimeoutBit) != 0
}

// Regs is the decoded argument/return register file for one syscall,
// mirroring defs.TF_RAX-style trap-frame field access adapted to
// spec.md §6's register list. Args holds up to 10 argument registers in
// ABI order (rbx, rdx, rsi, rdi, r8, r9, r12, r13, r14, r15); Rets holds
// up to 4 return values written back into rbx, rdx, rsi, rdi.
type Regs struct {
	Num     Num
	Options Options
	Args    [10]uint64
	Rets    [4]uint64
}

func DecodeRax(rax uint64) (Num, Options) {
	return Num(uint32(rax)), Options(uint32(rax >> 32))
}

func EncodeRax(n Num, o Options) uint64 {
	return uint64(uint32(n)) | uint64(uint32(o))<<32
}
