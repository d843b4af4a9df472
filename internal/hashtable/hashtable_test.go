package hashtable

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const sz = 10

func TestSimple(t *testing.T) {
	ht := New[uint64, int](sz, HashUint64)
	for i := 0; i < 3*sz; i++ {
		ht.Put(uint64(i), i)
	}
	for i := 1; i < 3*sz; i++ {
		ht.Del(uint64(i))
		v, ok := ht.Get(0)
		if !ok || v != 0 {
			t.Fatalf("key 0 corrupted after deleting %d", i)
		}
		if _, ok := ht.Get(uint64(i)); ok {
			t.Fatalf("key %d still present after Del", i)
		}
	}
}

const nproc = 4
const nsec = 1

func TestManyReaderOneWriter(t *testing.T) {
	ht := New[uint64, int](sz, HashUint64)
	for i := 0; i < sz; i++ {
		ht.Put(uint64(i), i)
	}

	var wg sync.WaitGroup
	var done int32
	for p := 0; p < nproc; p++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for atomic.LoadInt32(&done) == 0 {
				if id == 0 {
					k := uint64(rand.Intn(sz))
					ht.Put(k, int(k))
					ht.Del(k)
					ht.Put(k, int(k))
				} else {
					k := uint64(rand.Intn(sz))
					if v, ok := ht.Get(k); ok && v != int(k) {
						t.Errorf("got %d for key %d", v, k)
					}
				}
			}
		}(p)
	}
	time.Sleep(nsec * time.Second)
	atomic.StoreInt32(&done, 1)
	wg.Wait()
}

func TestRange(t *testing.T) {
	ht := New[uint64, int](sz, HashUint64)
	for i := 0; i < 3*sz; i++ {
		ht.Put(uint64(i), i)
	}
	seen := 0
	ht.Range(func(k uint64, v int) bool {
		if int(k) != v {
			t.Fatalf("key %d has value %d", k, v)
		}
		seen++
		return true
	})
	if seen != 3*sz {
		t.Fatalf("ranged over %d entries, want %d", seen, 3*sz)
	}
	if ht.Len() != 3*sz {
		t.Fatalf("Len() = %d, want %d", ht.Len(), 3*sz)
	}
}
