// Command aurora-kernel boots the Aurora kernel core: it brings up the
// physical memory allocator, the scheduler, and the root process, then
// assembles the bootstrap capability array spec.md §6 hands to
// early-init and starts the init thread.
//
// Grounded on kernel/main.go's main(): a banner print, an ordered
// subsystem bring-up (physical memory, then higher layers), a single
// initial process spawned from a fixed program name, then an idle wait
// since the kernel never exits (spec.md §4.I "Global state" note).
// Loading the early-init ELF itself, and the trap/trampoline plumbing
// that would actually enter usermode on real hardware, are out of
// scope (spec.md's Non-goals: "the boot/trampoline assembly ... the
// initrd format"); this file builds the capability set that handoff
// would carry and stops at the boundary syscall.Dispatcher.Dispatch
// defines for whatever trap path a target platform supplies.
package main

import (
	"flag"

	"github.com/Athryx/aurora-os/internal/aerr"
	"github.com/Athryx/aurora-os/internal/capspace"
	"github.com/Athryx/aurora-os/internal/event"
	"github.com/Athryx/aurora-os/internal/kobj"
	"github.com/Athryx/aurora-os/internal/klog"
	"github.com/Athryx/aurora-os/internal/pagemem"
	"github.com/Athryx/aurora-os/internal/process"
	"github.com/Athryx/aurora-os/internal/quota"
	"github.com/Athryx/aurora-os/internal/rangealloc"
	"github.com/Athryx/aurora-os/internal/sched"
	"github.com/Athryx/aurora-os/internal/syscall"
	"github.com/Athryx/aurora-os/internal/vm"
)

const (
	// mmioSpaceLimit, intVectorLimit and portSpaceLimit bound the three
	// range allocators an x86_64 host actually offers: MMIO occupies a
	// slice of the 64-bit physical address space, interrupt vectors are
	// a byte, and I/O ports are 16 bits (spec.md §6 glossary).
	mmioSpaceLimit = uint64(1) << 40
	intVectorLimit = uint64(256)
	portSpaceLimit = uint64(1) << 16

	initrdPages     = 1
	globalInfoPages = 1
	kcontrolPages   = 1
	rootOomBufPages = 1
)

func main() {
	nframes := flag.Int("phys-frames", 1<<20, "number of physical page frames to simulate")
	ncpus := flag.Int("cpus", 4, "number of scheduler CPUs")
	initQuotaPages := flag.Uint64("init-quota-pages", 1<<16, "page quota granted to the init process")
	flag.Parse()

	klog.Println("                Aurora")
	klog.Printf("  %d simulated physical page frames\n", *nframes)
	klog.Printf("  %d scheduler CPUs\n", *ncpus)

	frames := pagemem.New(*nframes)
	rootQuota := quota.NewRoot(frames, uint64(*nframes))
	rootOom := kobj.NewRootOomObject()
	rootQuota.BindRootOom(rootOom)

	s := sched.New(*ncpus)
	dispatcher := syscall.NewDispatcher(s)
	_ = dispatcher // the trap path a target platform supplies calls Dispatch here

	initProc := process.New(s, rootQuota, *initQuotaPages)
	klog.Printf("start [init pid=%d]\n", initProc.Pid)

	installBootstrapCaps(initProc, rootQuota, rootOom)

	initThread := initProc.SpawnThread(s, sched.DefaultPriority)
	initThread.SetRunning()
	klog.Printf("init running as tid=%d\n", initThread.Tid)

	klog.Println("[boot complete, idling: the kernel never exits]")
	select {}
}

// installBootstrapCaps builds the exact capability set spec.md §6
// describes for early-init: a weak cid to itself, strong cids to
// initrd, a global-info region, a kcontrol event, the initial Spawner,
// a spawn_key, the root Allocator, the RootOom, the root OOM table
// memory, and the three range allocators.
func installBootstrapCaps(p *process.Process, rootQuota *quota.Allocator, rootOom *kobj.RootOomObject) {
	caps := p.Caps
	full := kobj.PermRead | kobj.PermWrite | kobj.PermProd | kobj.PermUpgrade

	if _, code := caps.Insert(p.Handle(), kobj.MakeFlags(full, true, kobj.TagProcess)); code != aerr.Ok {
		klog.Printf("bootstrap: insert self weak cid: %v\n", code)
	}

	// initrd: loading and parsing its contents is out of scope (spec.md
	// Non-goals); the kernel still owns and hands over the backing
	// region early-init would read it from.
	insertMemory(caps, rootQuota, initrdPages, full, "initrd")
	insertMemory(caps, rootQuota, globalInfoPages, full, "global-info region")

	kcontrolMem, code := vm.NewMemory(rootQuota, 0, kcontrolPages)
	if code != aerr.Ok {
		klog.Printf("bootstrap: kcontrol backing region: %v\n", code)
	} else {
		insertStrong(caps, event.NewPool(kcontrolMem), full, "kcontrol event")
	}

	insertMemory(caps, rootQuota, rootOomBufPages, full, "root OOM table region")

	spawnKey := &kobj.Key{}
	insertStrong(caps, spawnKey, full, "spawn_key")
	insertStrong(caps, process.NewSpawner(spawnKey.ID), full, "initial Spawner")

	insertStrong(caps, kobj.NewAllocatorObject(rootQuota), full, "root Allocator")
	insertStrong(caps, rootOom, full, "RootOom")

	insertStrong(caps, kobj.NewMmioAllocatorObject(rangealloc.New(mmioSpaceLimit)), full, "MmioAllocator")
	insertStrong(caps, kobj.NewIntAllocatorObject(rangealloc.New(intVectorLimit)), full, "IntAllocator")
	insertStrong(caps, kobj.NewPortAllocatorObject(rangealloc.New(portSpaceLimit)), full, "PortAllocator")
}

func insertStrong(caps *capspace.Space, obj kobj.Object, perms kobj.CapFlags, label string) {
	h := kobj.NewHandle(obj, nil)
	if _, code := caps.Insert(h, kobj.MakeFlags(perms, false, obj.Type())); code != aerr.Ok {
		klog.Printf("bootstrap: insert %s: %v\n", label, code)
	}
}

// insertMemory allocates a fresh region from rootQuota and inserts it
// with mem.Free wired as the handle's teardown, matching how
// internal/syscall's memory_new wires the same object (vm.Memory.Free's
// own doc comment requires this or its frames leak).
func insertMemory(caps *capspace.Space, rootQuota *quota.Allocator, npages uint64, perms kobj.CapFlags, label string) {
	mem, code := vm.NewMemory(rootQuota, 0, npages)
	if code != aerr.Ok {
		klog.Printf("bootstrap: %s: %v\n", label, code)
		return
	}
	h := kobj.NewHandle(mem, mem.Free)
	if _, code := caps.Insert(h, kobj.MakeFlags(perms, false, mem.Type())); code != aerr.Ok {
		klog.Printf("bootstrap: insert %s: %v\n", label, code)
	}
}
