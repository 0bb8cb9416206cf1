// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Memory mapped register read/write.
package hw

import (
	"sync/atomic"
	"unsafe"
)

// Register loads and stores must be word-sized single accesses; the
// compiler is free to tear or coalesce ordinary slice writes.  Going
// through sync/atomic pins each access to one instruction.
func LoadUint32(b []byte, o uint) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[o])))
}

func StoreUint32(b []byte, o uint, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b[o])), v)
}

func LoadUint64(b []byte, o uint) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&b[o])))
}

func StoreUint64(b []byte, o uint, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&b[o])), v)
}

// MemoryBarrier orders device-visible stores relative to later loads.
func MemoryBarrier() {
	var x uint32
	atomic.StoreUint32(&x, 0)
	_ = atomic.LoadUint32(&x)
}

// MemcpyToDevice copies src to a device mapping starting at dest[o],
// using aligned 32-bit stores with read-modify-write on the partial
// leading and trailing words.  Sub-word stores fault on some register
// apertures.
func MemcpyToDevice(dest []byte, o uint, src []byte) {
	n := uint(len(src))
	if n == 0 {
		return
	}
	si := uint(0)
	if m := o % 4; m != 0 {
		wo := o - m
		lead := 4 - m
		if lead > n {
			lead = n
		}
		w := LoadUint32(dest, wo)
		var tmp [4]byte
		putUint32(tmp[:], w)
		copy(tmp[m:m+lead], src[:lead])
		StoreUint32(dest, wo, getUint32(tmp[:]))
		o += lead
		si += lead
		n -= lead
	}
	for n >= 4 {
		StoreUint32(dest, o, getUint32(src[si:]))
		o += 4
		si += 4
		n -= 4
	}
	if n > 0 {
		w := LoadUint32(dest, o)
		var tmp [4]byte
		putUint32(tmp[:], w)
		copy(tmp[:n], src[si:si+n])
		StoreUint32(dest, o, getUint32(tmp[:]))
	}
}

// MemcpyFromDevice is the read-side mirror of MemcpyToDevice.
func MemcpyFromDevice(dest []byte, src []byte, o uint) {
	n := uint(len(dest))
	if n == 0 {
		return
	}
	di := uint(0)
	if m := o % 4; m != 0 {
		wo := o - m
		lead := 4 - m
		if lead > n {
			lead = n
		}
		w := LoadUint32(src, wo)
		var tmp [4]byte
		putUint32(tmp[:], w)
		copy(dest[:lead], tmp[m:m+lead])
		o += lead
		di += lead
		n -= lead
	}
	for n >= 4 {
		putUint32(dest[di:], LoadUint32(src, o))
		o += 4
		di += 4
		n -= 4
	}
	if n > 0 {
		w := LoadUint32(src, o)
		var tmp [4]byte
		putUint32(tmp[:], w)
		copy(dest[di:di+n], tmp[:n])
	}
}

// Scalars are little-endian on the wire and in the register file.
func getUint32(b []byte) (v uint32) {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
