package process

import (
	"bytes"
	"sync"

	"github.com/Athryx/aurora-os/internal/aerr"
	"github.com/Athryx/aurora-os/internal/kobj"
	"github.com/Athryx/aurora-os/internal/quota"
	"github.com/Athryx/aurora-os/internal/sched"
)

// Spawner is the authority to create, and later mass-kill, processes
// (spec.md §2/§6, named but undetailed there; SPEC_FULL.md's
// supplemented-features section grounds its operations on
// original_source's process/spawner.rs).
type Spawner struct {
	key [16]byte

	mu      sync.Mutex
	spawned []*Process
}

func (*Spawner) Type() kobj.Tag { return kobj.TagSpawner }

// NewSpawner creates a spawner authorized by requiredKey: every
// SpawnProcess call must present a kobj.Key whose ID matches
// bitwise-equal (original_source's cap/key.rs authorization model).
func NewSpawner(requiredKey [16]byte) *Spawner {
	return &Spawner{key: requiredKey}
}

// SpawnProcess checks key against the spawner's required key, then
// creates a new child process under parentQuota with the given ceiling
// (spec.md §6's spawn_key bootstrap capability; original_source's
// spawner_new/spawner_spawn_process).
func (sp *Spawner) SpawnProcess(key *kobj.Key, s *sched.Scheduler, parentQuota *quota.Allocator, quotaMaxPages uint64) (*Process, aerr.Code) {
	if key == nil || !bytes.Equal(key.ID[:], sp.key[:]) {
		return nil, aerr.InvlPerm
	}
	p := New(s, parentQuota, quotaMaxPages)
	sp.mu.Lock()
	sp.spawned = append(sp.spawned, p)
	sp.mu.Unlock()
	return p, aerr.Ok
}

// DoomAll kills every process this spawner has created, grounded on
// biscuit's vic.Doomall()/Ptable.Iter mass-kill idiom (proc/oom.go).
func (sp *Spawner) DoomAll() {
	sp.mu.Lock()
	procs := make([]*Process, len(sp.spawned))
	copy(procs, sp.spawned)
	sp.mu.Unlock()
	for _, p := range procs {
		p.Exit()
	}
}
