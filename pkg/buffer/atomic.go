package buffer

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// Atomic wraps a byte slice, typically memory-mapped and shared across
// processes, with plain and ordered accessors. Ordered accessors require
// 8-byte aligned offsets.
type Atomic struct {
	buf []byte
}

// NewAtomic wraps the given slice
func NewAtomic(buf []byte) *Atomic {
	return &Atomic{buf: buf}
}

// Capacity returns the length of the underlying slice
func (b *Atomic) Capacity() int {
	return len(b.buf)
}

// Bytes returns the underlying slice
func (b *Atomic) Bytes() []byte {
	return b.buf
}

// GetInt32 reads a little-endian int32 without ordering
func (b *Atomic) GetInt32(offset int) int32 {
	return int32(binary.LittleEndian.Uint32(b.buf[offset:]))
}

// PutInt32 writes a little-endian int32 without ordering
func (b *Atomic) PutInt32(offset int, value int32) {
	binary.LittleEndian.PutUint32(b.buf[offset:], uint32(value))
}

// GetInt64 reads a little-endian int64 without ordering
func (b *Atomic) GetInt64(offset int) int64 {
	return int64(binary.LittleEndian.Uint64(b.buf[offset:]))
}

// PutInt64 writes a little-endian int64 without ordering
func (b *Atomic) PutInt64(offset int, value int64) {
	binary.LittleEndian.PutUint64(b.buf[offset:], uint64(value))
}

// GetInt32Volatile reads an int32 with acquire ordering
func (b *Atomic) GetInt32Volatile(offset int) int32 {
	return atomic.LoadInt32((*int32)(unsafe.Pointer(&b.buf[offset])))
}

// PutInt32Ordered writes an int32 with release ordering
func (b *Atomic) PutInt32Ordered(offset int, value int32) {
	atomic.StoreInt32((*int32)(unsafe.Pointer(&b.buf[offset])), value)
}

// GetInt64Volatile reads an int64 with acquire ordering
func (b *Atomic) GetInt64Volatile(offset int) int64 {
	return atomic.LoadInt64((*int64)(unsafe.Pointer(&b.buf[offset])))
}

// PutInt64Ordered writes an int64 with release ordering
func (b *Atomic) PutInt64Ordered(offset int, value int64) {
	atomic.StoreInt64((*int64)(unsafe.Pointer(&b.buf[offset])), value)
}

// CompareAndSetInt64 atomically swaps the value at offset if it equals expected
func (b *Atomic) CompareAndSetInt64(offset int, expected, updated int64) bool {
	return atomic.CompareAndSwapInt64((*int64)(unsafe.Pointer(&b.buf[offset])), expected, updated)
}

// AddInt64Ordered atomically adds delta to the value at offset
func (b *Atomic) AddInt64Ordered(offset int, delta int64) int64 {
	return atomic.AddInt64((*int64)(unsafe.Pointer(&b.buf[offset])), delta)
}

// PutBytes copies src into the buffer at offset
func (b *Atomic) PutBytes(offset int, src []byte) {
	copy(b.buf[offset:], src)
}

// GetBytes copies length bytes from offset into a new slice
func (b *Atomic) GetBytes(offset, length int) []byte {
	out := make([]byte, length)
	copy(out, b.buf[offset:offset+length])
	return out
}

// SetMemory fills the region with the given byte
func (b *Atomic) SetMemory(offset, length int, value byte) {
	region := b.buf[offset : offset+length]
	for i := range region {
		region[i] = value
	}
}
