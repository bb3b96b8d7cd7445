/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package buffer provides a bounds-checked, atomic view over a region of
// memory shared with other processes. Offsets are relative to the start of
// the view; every access is validated against its length.
//
// Multi-byte values are read and written in host byte order, which for all
// supported platforms (amd64, arm64) is little-endian as the driver expects.
package buffer

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// AtomicBuffer wraps a byte slice, typically a mapped file, and offers plain,
// ordered and volatile accessors. Ordered stores and volatile loads use
// sync/atomic, which gives at least release/acquire semantics.
type AtomicBuffer struct {
	mem []byte
}

// New wraps mem. mem should be 8-byte aligned for 64-bit atomic access;
// mapped regions and heap slices of 8 bytes or more always are.
func New(mem []byte) *AtomicBuffer {
	return &AtomicBuffer{mem: mem}
}

// Wrap points the buffer at mem.
func (b *AtomicBuffer) Wrap(mem []byte) {
	b.mem = mem
}

// Capacity returns the length of the view in bytes.
func (b *AtomicBuffer) Capacity() int32 {
	return int32(len(b.mem))
}

// Bytes returns the underlying slice.
func (b *AtomicBuffer) Bytes() []byte {
	return b.mem
}

// Slice returns a view of length bytes starting at offset.
func (b *AtomicBuffer) Slice(offset, length int32) *AtomicBuffer {
	b.boundsCheck(offset, length)
	return &AtomicBuffer{mem: b.mem[offset : offset+length : offset+length]}
}

// BytesAt returns the bytes [offset, offset+length) without copying.
func (b *AtomicBuffer) BytesAt(offset, length int32) []byte {
	b.boundsCheck(offset, length)
	return b.mem[offset : offset+length]
}

func (b *AtomicBuffer) boundsCheck(offset, length int32) {
	if offset < 0 || length < 0 || int64(offset)+int64(length) > int64(len(b.mem)) {
		panic(fmt.Sprintf("buffer: index out of bounds: offset=%d length=%d capacity=%d", offset, length, len(b.mem)))
	}
}

func (b *AtomicBuffer) ptr(offset, length int32) unsafe.Pointer {
	b.boundsCheck(offset, length)
	return unsafe.Pointer(&b.mem[offset])
}

// GetUint8 reads a byte.
func (b *AtomicBuffer) GetUint8(offset int32) uint8 {
	b.boundsCheck(offset, 1)
	return b.mem[offset]
}

// PutUint8 writes a byte.
func (b *AtomicBuffer) PutUint8(offset int32, v uint8) {
	b.boundsCheck(offset, 1)
	b.mem[offset] = v
}

// GetUint16 reads a uint16.
func (b *AtomicBuffer) GetUint16(offset int32) uint16 {
	return *(*uint16)(b.ptr(offset, 2))
}

// PutUint16 writes a uint16.
func (b *AtomicBuffer) PutUint16(offset int32, v uint16) {
	*(*uint16)(b.ptr(offset, 2)) = v
}

// GetInt32 reads an int32 without ordering.
func (b *AtomicBuffer) GetInt32(offset int32) int32 {
	return *(*int32)(b.ptr(offset, 4))
}

// PutInt32 writes an int32 without ordering.
func (b *AtomicBuffer) PutInt32(offset int32, v int32) {
	*(*int32)(b.ptr(offset, 4)) = v
}

// GetInt32Volatile reads an int32 with acquire semantics.
func (b *AtomicBuffer) GetInt32Volatile(offset int32) int32 {
	return atomic.LoadInt32((*int32)(b.ptr(offset, 4)))
}

// PutInt32Ordered writes an int32 with release semantics.
func (b *AtomicBuffer) PutInt32Ordered(offset int32, v int32) {
	atomic.StoreInt32((*int32)(b.ptr(offset, 4)), v)
}

// CompareAndSetInt32 atomically replaces expected with update.
func (b *AtomicBuffer) CompareAndSetInt32(offset int32, expected, update int32) bool {
	return atomic.CompareAndSwapInt32((*int32)(b.ptr(offset, 4)), expected, update)
}

// GetInt64 reads an int64 without ordering.
func (b *AtomicBuffer) GetInt64(offset int32) int64 {
	return *(*int64)(b.ptr(offset, 8))
}

// PutInt64 writes an int64 without ordering.
func (b *AtomicBuffer) PutInt64(offset int32, v int64) {
	*(*int64)(b.ptr(offset, 8)) = v
}

// GetInt64Volatile reads an int64 with acquire semantics.
func (b *AtomicBuffer) GetInt64Volatile(offset int32) int64 {
	return atomic.LoadInt64((*int64)(b.ptr(offset, 8)))
}

// PutInt64Ordered writes an int64 with release semantics.
func (b *AtomicBuffer) PutInt64Ordered(offset int32, v int64) {
	atomic.StoreInt64((*int64)(b.ptr(offset, 8)), v)
}

// CompareAndSetInt64 atomically replaces expected with update.
func (b *AtomicBuffer) CompareAndSetInt64(offset int32, expected, update int64) bool {
	return atomic.CompareAndSwapInt64((*int64)(b.ptr(offset, 8)), expected, update)
}

// GetAndAddInt64 atomically adds delta and returns the previous value.
func (b *AtomicBuffer) GetAndAddInt64(offset int32, delta int64) int64 {
	return atomic.AddInt64((*int64)(b.ptr(offset, 8)), delta) - delta
}

// GetBytes copies len(dst) bytes at offset into dst.
func (b *AtomicBuffer) GetBytes(offset int32, dst []byte) {
	b.boundsCheck(offset, int32(len(dst)))
	copy(dst, b.mem[offset:])
}

// PutBytes copies src to offset.
func (b *AtomicBuffer) PutBytes(offset int32, src []byte) {
	b.boundsCheck(offset, int32(len(src)))
	copy(b.mem[offset:], src)
}

// SetMemory fills length bytes at offset with v.
func (b *AtomicBuffer) SetMemory(offset, length int32, v byte) {
	b.boundsCheck(offset, length)
	region := b.mem[offset : offset+length]
	if v == 0 {
		clear(region)
		return
	}
	for i := range region {
		region[i] = v
	}
}
