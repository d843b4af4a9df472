// Package hashtable is Aurora's lock-striped concurrent map.
//
// Grounded on the pack's hashtable.hashtable_t: a fixed-size bucket
// array, one sync.Mutex per bucket, and atomic pointer chaining inside a
// bucket so that Get never blocks on a concurrent Put/Del in another
// bucket (or even the same bucket, for readers racing a writer that
// hasn't taken the lock yet). The teacher keyed on interface{} with a
// hand-rolled FNV hash; Aurora generalizes to comparable keys via Go
// generics (not available to biscuit's Go version) and Go's builtin
// hash/maphash-free comparable constraint, keeping the same bucket/
// chaining shape. This backs both internal/process's PROCESS_MAP and
// internal/capspace's per-process cid table.
package hashtable

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

type elem[K comparable, V any] struct {
	key  K
	val  V
	next unsafe.Pointer // *elem[K, V]
}

type bucket[K comparable, V any] struct {
	sync.Mutex
	first unsafe.Pointer // *elem[K, V]
}

// Table is a fixed-bucket-count concurrent map. The zero value is not
// usable; construct with New.
type Table[K comparable, V any] struct {
	buckets []*bucket[K, V]
	hash    func(K) uint64
	count   atomic.Int64
}

// New builds a table with nbuckets buckets, hashed by hash.
func New[K comparable, V any](nbuckets int, hash func(K) uint64) *Table[K, V] {
	if nbuckets <= 0 {
		nbuckets = 16
	}
	t := &Table[K, V]{
		buckets: make([]*bucket[K, V], nbuckets),
		hash:    hash,
	}
	for i := range t.buckets {
		t.buckets[i] = &bucket[K, V]{}
	}
	return t
}

func (t *Table[K, V]) bucketFor(key K) *bucket[K, V] {
	h := t.hash(key) % uint64(len(t.buckets))
	return t.buckets[h]
}

func loadElem[K comparable, V any](p *unsafe.Pointer) *elem[K, V] {
	return (*elem[K, V])(atomic.LoadPointer(p))
}

func storeElem[K comparable, V any](p *unsafe.Pointer, e *elem[K, V]) {
	atomic.StorePointer(p, unsafe.Pointer(e))
}

// Get looks up key without taking any bucket lock.
func (t *Table[K, V]) Get(key K) (V, bool) {
	b := t.bucketFor(key)
	for e := loadElem[K, V](&b.first); e != nil; e = loadElem[K, V](&e.next) {
		if e.key == key {
			return e.val, true
		}
	}
	var zero V
	return zero, false
}

// Put inserts or overwrites key's value.
func (t *Table[K, V]) Put(key K, val V) {
	b := t.bucketFor(key)
	b.Lock()
	defer b.Unlock()
	for e := loadElem[K, V](&b.first); e != nil; e = loadElem[K, V](&e.next) {
		if e.key == key {
			e.val = val
			return
		}
	}
	n := &elem[K, V]{key: key, val: val, next: b.first}
	storeElem[K, V](&b.first, n)
	t.count.Add(1)
}

// Del removes key, if present. Reports whether it was present.
func (t *Table[K, V]) Del(key K) bool {
	b := t.bucketFor(key)
	b.Lock()
	defer b.Unlock()
	var prev *elem[K, V]
	for e := loadElem[K, V](&b.first); e != nil; e = loadElem[K, V](&e.next) {
		if e.key == key {
			if prev == nil {
				storeElem[K, V](&b.first, loadElem[K, V](&e.next))
			} else {
				storeElem[K, V](&prev.next, loadElem[K, V](&e.next))
			}
			t.count.Add(-1)
			return true
		}
		prev = e
	}
	return false
}

// Len reports the approximate number of entries (no global lock).
func (t *Table[K, V]) Len() int {
	return int(t.count.Load())
}

// Range calls f for every entry in an unspecified order. If f returns
// false, iteration stops. Range takes each bucket's lock in turn, so f
// must not call back into the table for the bucket currently held.
func (t *Table[K, V]) Range(f func(K, V) bool) {
	for _, b := range t.buckets {
		b.Lock()
		for e := loadElem[K, V](&b.first); e != nil; e = loadElem[K, V](&e.next) {
			if !f(e.key, e.val) {
				b.Unlock()
				return
			}
		}
		b.Unlock()
	}
}

// HashUint64 is the default hash for integer-ish keys (cids, pids).
func HashUint64(k uint64) uint64 {
	// splitmix64 finalizer; avalanches well enough for a bucket index.
	k ^= k >> 30
	k *= 0xbf58476d1ce4e5b9
	k ^= k >> 27
	k *= 0x94d049bb133111eb
	k ^= k >> 31
	return k
}
