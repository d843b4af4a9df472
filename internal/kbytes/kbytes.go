// Package kbytes packs and unpacks the raw machine-word records Aurora
// lays directly over user-visible memory: channel message buffers,
// event-pool ring records, and the root OOM table (spec.md §3/§4.G/§6).
//
// Grounded on util.Readn/util.Writen's raw byte-packing idiom, adapted
// from unsafe-pointer reinterpretation (valid only on the kernel's own
// address space) to explicit little-endian encoding, since Aurora's
// memory objects are plain []byte slices rather than pointers into a
// hardware-mapped page (see internal/pagemem).
package kbytes

import "encoding/binary"

// WordSize is the width of one machine word as laid out in user memory.
const WordSize = 8

// ReadWord reads the 64-bit word at word index idx in buf.
func ReadWord(buf []byte, idx int) uint64 {
	off := idx * WordSize
	return binary.LittleEndian.Uint64(buf[off : off+WordSize])
}

// WriteWord writes the 64-bit word at word index idx in buf.
func WriteWord(buf []byte, idx int, v uint64) {
	off := idx * WordSize
	binary.LittleEndian.PutUint64(buf[off:off+WordSize], v)
}

// Words returns how many whole words fit in n bytes.
func Words(n int) int {
	return n / WordSize
}

// Bytes returns how many bytes n words occupy.
func Bytes(n int) int {
	return n * WordSize
}
