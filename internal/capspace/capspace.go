// Package capspace is Aurora's per-process capability space: the
// cid → (object reference, flags) table every syscall's argument cids
// are resolved through (spec.md §4.C, Module C).
//
// Grounded on biscuit's per-process Fds []*fd.Fd_t + Fdl sync.Mutex
// table, generalized from a flat fd-slot array to a cid → entry map
// using the pack's hashtable package (the same structure that backs
// internal/process's PROCESS_MAP), and on original_source's
// cap/capability_space.rs for the exact insert/clone/move semantics: a
// monotonic per-space id counter, flags encoded into the low bits at
// insert time, and the weak-upgrade-on-clone decision table.
package capspace

import (
	"sync/atomic"

	"github.com/Athryx/aurora-os/internal/aerr"
	"github.com/Athryx/aurora-os/internal/hashtable"
	"github.com/Athryx/aurora-os/internal/kobj"
)

// Cid is an opaque per-process capability identifier (spec.md §3).
type Cid uint64

type entry struct {
	handle *kobj.Handle
	flags  kobj.CapFlags
}

// Space is one process's cid table.
type Space struct {
	next  atomic.Uint64
	table *hashtable.Table[uint64, entry]
}

// New builds an empty capability space.
func New() *Space {
	return &Space{table: hashtable.New[uint64, entry](64, hashtable.HashUint64)}
}

func (s *Space) allocID() uint64 {
	return (s.next.Add(1)) << kobj.LowBits
}

// Insert places handle into the table with the given flags, taking a
// strong reference unless flags.IsWeak(). Returns the new cid, whose
// low bits per spec.md §3 are exactly flags' low bits.
func (s *Space) Insert(handle *kobj.Handle, flags kobj.CapFlags) (Cid, aerr.Code) {
	if !flags.IsWeak() {
		if !handle.AddStrong() {
			return 0, aerr.InvlWeak
		}
	}
	id := s.allocID() | uint64(flags)
	s.table.Put(id, entry{handle: handle, flags: flags})
	return Cid(id), aerr.Ok
}

// checkEncoding enforces spec.md §3's invariant: "the low-bit encoding
// in a cid must equal the flags stored in the owning process's cid
// table entry".
func checkEncoding(cid Cid, e entry) bool {
	return uint64(e.flags) == uint64(cid)&((1<<kobj.LowBits)-1)
}

// Lookup resolves cid, requiring every bit in requiredPerms and
// rejecting a cid whose encoded type tag disagrees with the live
// entry's tag (indistinguishable from absent, per spec.md §4.C).
// weakAutoDestroy, when true, deletes a discovered-dead weak entry as a
// side effect (the syscall option bit 31 honored uniformly at lookup
// time, spec.md §4.C/§4.I).
func (s *Space) Lookup(cid Cid, requiredPerms kobj.CapFlags, weakAutoDestroy bool) (*kobj.Handle, kobj.CapFlags, aerr.Code) {
	e, ok := s.table.Get(uint64(cid))
	if !ok {
		return nil, 0, aerr.InvlId
	}
	if !checkEncoding(cid, e) {
		return nil, 0, aerr.InvlId
	}
	if e.flags.Tag() != e.handle.Object().Type() {
		return nil, 0, aerr.InvlId
	}
	if !e.flags.Has(requiredPerms.Perms()) {
		return nil, 0, aerr.InvlPerm
	}
	if e.flags.IsWeak() && !e.handle.IsAlive() {
		if weakAutoDestroy {
			s.table.Del(uint64(cid))
		}
		return nil, 0, aerr.InvlWeak
	}
	return e.handle, e.flags, aerr.Ok
}

// Clone creates a new cid in dst pointing at the same object as src,
// with new_flags.perms = src_flags.perms & requested_perms (spec.md
// §3/§4.C). Promoting a weak src to a strong dst requires PermUpgrade
// on src and that the object still be alive.
func (s *Space) Clone(src Cid, dst *Space, requested kobj.CapFlags) (Cid, aerr.Code) {
	return s.cloneWith(src, dst, requested, requested.IsWeak())
}

// CloneKeepWeak clones src into dst the same way Clone does, except the
// new cid's weak/strong status always matches src's own rather than
// requested's (original_source's CapCloneWeakness::KeepSame). Used
// where a capability rides along with something else — a channel
// message's embedded cids and reply cid (spec.md §4.H) — and must not
// have its weak status silently changed by the transfer.
func (s *Space) CloneKeepWeak(src Cid, dst *Space, requested kobj.CapFlags) (Cid, aerr.Code) {
	e, ok := s.table.Get(uint64(src))
	if !ok || !checkEncoding(src, e) {
		return 0, aerr.InvlId
	}
	return s.cloneWith(src, dst, requested, e.flags.IsWeak())
}

func (s *Space) cloneWith(src Cid, dst *Space, requested kobj.CapFlags, wantWeak bool) (Cid, aerr.Code) {
	e, ok := s.table.Get(uint64(src))
	if !ok || !checkEncoding(src, e) {
		return 0, aerr.InvlId
	}

	newPerms := e.flags.Perms() & requested.Perms()

	if e.flags.IsWeak() && !wantWeak {
		if !e.flags.Has(kobj.PermUpgrade) {
			return 0, aerr.InvlPerm
		}
		if !e.handle.IsAlive() {
			return 0, aerr.InvlWeak
		}
	}

	newFlags := kobj.MakeFlags(newPerms, wantWeak, e.flags.Tag())
	return dst.Insert(e.handle, newFlags)
}

// Move clones src into dst then destroys it in s, with the same
// permission-intersection and weak-upgrade rules as Clone (spec.md
// §4.C). The clone and the destroy are two separate table operations,
// not one atomic step.
func (s *Space) Move(src Cid, dst *Space, requested kobj.CapFlags) (Cid, aerr.Code) {
	newCid, code := s.Clone(src, dst, requested)
	if code != aerr.Ok {
		return 0, code
	}
	s.Destroy(src)
	return newCid, aerr.Ok
}

// Destroy removes cid's entry. If it held the last strong reference,
// the object's teardown begins (spec.md §4.C).
func (s *Space) Destroy(cid Cid) aerr.Code {
	e, ok := s.table.Get(uint64(cid))
	if !ok || !checkEncoding(cid, e) {
		return aerr.InvlId
	}
	s.table.Del(uint64(cid))
	if !e.flags.IsWeak() {
		e.handle.DropStrong()
	}
	return aerr.Ok
}

// DestroyAll drops every entry in the space, releasing a strong
// reference for each non-weak one. Used when a process terminates and
// spec.md §4.F requires "all threads, mappings, and owned capabilities
// to be destroyed".
func (s *Space) DestroyAll() {
	var ids []uint64
	s.table.Range(func(k uint64, _ entry) bool {
		ids = append(ids, k)
		return true
	})
	for _, id := range ids {
		e, ok := s.table.Get(id)
		if !ok {
			continue
		}
		s.table.Del(id)
		if !e.flags.IsWeak() {
			e.handle.DropStrong()
		}
	}
}

// WeakIsAlive implements spec.md §8 scenario 5: a live weak cid
// succeeds, a dangling one fails with InvlWeak regardless of
// weakAutoDestroy (which only fires through Lookup's general path).
func (s *Space) WeakIsAlive(cid Cid) aerr.Code {
	e, ok := s.table.Get(uint64(cid))
	if !ok || !checkEncoding(cid, e) {
		return aerr.InvlId
	}
	if !e.flags.IsWeak() {
		return aerr.Ok
	}
	if e.handle.IsAlive() {
		return aerr.Ok
	}
	return aerr.InvlWeak
}
