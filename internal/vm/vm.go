// Package vm is Aurora's per-process address space and the Memory
// kernel object (spec.md §4.E, Module E).
//
// Grounded on vm.Vmregion_t's mapping table for overlap detection and
// on vm.Vm_t's Lock()/Lock_pmap() pattern for the per-process
// address-space lock. vm.Vmregion_t is backed by an interval-keyed
// red-black tree (vm/rb.go) for O(log n) overlap queries; Aurora uses an
// unsorted slice, scanned linearly under one mutex, instead, since
// a process's live mapping count is small in the hosted simulation and
// a hand-rolled RB tree that cannot be exercised by `go test` is a
// correctness risk this rewrite declines to take on. The "top-level
// paging hierarchy" is represented abstractly, per SPEC_FULL.md: actual
// PML4 walking is boot/arch-assembly territory spec.md §1 rules out of
// scope, grounded loosely on mem.Pmap_t's typed-array abstraction over
// a hardware page table.
package vm

import (
	"sync"

	"github.com/Athryx/aurora-os/internal/aerr"
	"github.com/Athryx/aurora-os/internal/kconfig"
	"github.com/Athryx/aurora-os/internal/kobj"
	"github.com/Athryx/aurora-os/internal/pagemem"
	"github.com/Athryx/aurora-os/internal/quota"
)

// Perm is the page-permission bits derived from a cid's flags at
// memory_map time (spec.md §4.E: read→R, write→W, prod→X).
type Perm uint8

const (
	PermR Perm = 1 << 0
	PermW Perm = 1 << 1
	PermX Perm = 1 << 2
)

// PermFromCapFlags derives mapping permissions the way spec.md §4.E
// specifies: read maps to R, write to W, prod to X.
func PermFromCapFlags(f kobj.CapFlags) Perm {
	var p Perm
	if f.Has(kobj.PermRead) {
		p |= PermR
	}
	if f.Has(kobj.PermWrite) {
		p |= PermW
	}
	if f.Has(kobj.PermProd) {
		p |= PermX
	}
	return p
}

// Memory is the page-granular backing kernel object (spec.md §3/§4.D).
type Memory struct {
	mu      sync.Mutex
	npages  uint64
	alloc   *quota.Allocator
	phys    pagemem.PhysRange
	data    []byte
	mapping *mapping // nil unless currently mapped somewhere (§3: at most one address space)
}

type mapping struct {
	space *AddressSpace
	vaddr uint64
	perm  Perm
}

func (*Memory) Type() kobj.Tag { return kobj.TagMemory }

// NewMemory allocates npages pages of physical backing from alloc and
// wraps them as a Memory object.
func NewMemory(alloc *quota.Allocator, cpu int, npages uint64) (*Memory, aerr.Code) {
	r, code := alloc.AllocPages(cpu, npages)
	if code != aerr.Ok {
		return nil, code
	}
	return &Memory{
		npages: npages,
		alloc:  alloc,
		phys:   r,
		data:   make([]byte, npages*kconfig.PageSize),
	}, aerr.Ok
}

// Bytes exposes the object's backing storage, standing in for a
// hardware Dmap of the physical frames (mem.Pg2bytes's raw-byte
// reinterpretation idiom, grounded in SPEC_FULL.md's Module G entry).
func (m *Memory) Bytes() []byte {
	return m.data
}

// NumPages reports the object's page count.
func (m *Memory) NumPages() uint64 { return m.npages }

// Free releases the backing frames back to the owning allocator. Called
// once, from the handle's onZero teardown callback.
func (m *Memory) Free() {
	m.alloc.FreePages(m.phys)
}

// IsMapped reports whether the object currently has a mapping anywhere.
func (m *Memory) IsMapped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mapping != nil
}

// AddressSpace is a process's virtual memory layout (spec.md §4.E).
type AddressSpace struct {
	mu       sync.Mutex
	mappings []vmapping
}

type vmapping struct {
	vaddr, length uint64
	perm          Perm
	mem           *Memory
}

func NewAddressSpace() *AddressSpace {
	return &AddressSpace{}
}

// canonical64 reports whether addr is a canonical x86_64 virtual
// address: bits 63:47 must equal bit 47's sign extension.
func canonical64(addr uint64) bool {
	const signBit = uint64(1) << 47
	top := addr >> 47
	if addr&signBit == 0 {
		return top == 0
	}
	return top == (^uint64(0) >> 47)
}

func pageAligned(addr uint64) bool {
	return addr%kconfig.PageSize == 0
}

// Map attaches mem's frames at vaddr with the given permissions
// (spec.md §4.E). mem must not already be mapped anywhere (InvlOp);
// vaddr must be canonical and page-aligned and must not overlap any
// existing mapping in this address space (InvlMemZone).
func (as *AddressSpace) Map(mem *Memory, vaddr uint64, perm Perm) aerr.Code {
	if !canonical64(vaddr) {
		return aerr.InvlVirtAddr
	}
	if !pageAligned(vaddr) {
		return aerr.InvlAlign
	}

	length := mem.npages * kconfig.PageSize

	mem.mu.Lock()
	if mem.mapping != nil {
		mem.mu.Unlock()
		return aerr.InvlOp
	}
	mem.mu.Unlock()

	as.mu.Lock()
	for _, m := range as.mappings {
		if rangesOverlap(vaddr, length, m.vaddr, m.length) {
			as.mu.Unlock()
			return aerr.InvlMemZone
		}
	}
	as.mappings = append(as.mappings, vmapping{vaddr: vaddr, length: length, perm: perm, mem: mem})
	as.mu.Unlock()

	mem.mu.Lock()
	mem.mapping = &mapping{space: as, vaddr: vaddr, perm: perm}
	mem.mu.Unlock()
	return aerr.Ok
}

// Unmap removes the mapping at vaddr, if any (spec.md §4.E). The
// Memory object remains allocated until its last strong cid is
// destroyed.
func (as *AddressSpace) Unmap(vaddr uint64) aerr.Code {
	as.mu.Lock()
	idx := -1
	for i, m := range as.mappings {
		if m.vaddr == vaddr {
			idx = i
			break
		}
	}
	if idx < 0 {
		as.mu.Unlock()
		return aerr.InvlOp
	}
	mem := as.mappings[idx].mem
	as.mappings = append(as.mappings[:idx], as.mappings[idx+1:]...)
	as.mu.Unlock()

	mem.mu.Lock()
	mem.mapping = nil
	mem.mu.Unlock()
	return aerr.Ok
}

// UnmapAll tears down every mapping in as, used during process exit
// (spec.md §4.F: "dropping the process's strong self-reference causes
// all threads, mappings, and owned capabilities to be destroyed").
func (as *AddressSpace) UnmapAll() {
	as.mu.Lock()
	ms := as.mappings
	as.mappings = nil
	as.mu.Unlock()
	for _, m := range ms {
		m.mem.mu.Lock()
		m.mem.mapping = nil
		m.mem.mu.Unlock()
	}
}

func rangesOverlap(a0, alen, b0, blen uint64) bool {
	a1 := a0 + alen
	b1 := b0 + blen
	return a0 < b1 && b0 < a1
}
