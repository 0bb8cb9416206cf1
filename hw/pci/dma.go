// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pci

import (
	"fmt"
	"syscall"
	"unsafe"
)

type allocDmaBuf struct {
	// in
	requestedSize uint32
	bufIndex      uint8
	_             [3]uint8
	_             [2]uint64
	// out
	physicalAddress uint64
	mappingOffset   uint64
	size            uint32
	_               uint32
	_               uint64
}

// DmaBuffer is a host-pinned region with a stable physical address.
// The device addresses it by PhysAddr; the process by Data.  It stays
// valid until Release.
type DmaBuffer struct {
	Data     []byte
	PhysAddr uint64
	Size     uint64

	free func() error
}

func (b *DmaBuffer) Release() error {
	if b == nil || b.free == nil {
		return nil
	}
	f := b.free
	b.free = nil
	b.Data = nil
	return f()
}

// AllocateDmaBuffer reserves and maps exactly size bytes of pinned
// memory (rounded up to the page size).
func (d *Device) AllocateDmaBuffer(size uint32) (*DmaBuffer, error) {
	return d.AllocateDmaBufferRange(size, size)
}

// AllocateDmaBufferRange asks for maxSize bytes of pinned memory but
// settles for as little as minSize, halving the request on each
// failure.  Pinned allocations fail under fragmentation long before
// the system is out of memory, so large callers should degrade
// instead of giving up.
func (d *Device) AllocateDmaBufferRange(minSize, maxSize uint32) (*DmaBuffer, error) {
	page := uint32(syscall.Getpagesize())
	alignUp := func(n uint32) uint32 { return (n + page - 1) &^ (page - 1) }

	want := alignUp(maxSize)
	floor := alignUp(minSize)
	if max := uint32(1) << d.maxDmaBufSizeLog2; d.maxDmaBufSizeLog2 > 0 && want > max {
		want = max
	}

	for {
		buf, err := d.allocateDmaBuffer(want)
		if err == nil {
			return buf, nil
		}
		if want <= floor {
			return nil, err
		}
		if want /= 2; want < floor {
			want = floor
		}
	}
}

func (d *Device) allocateDmaBuffer(size uint32) (*DmaBuffer, error) {
	var req allocDmaBuf
	req.requestedSize = size
	req.bufIndex = d.nextDmaBuf

	if err := d.ioctl(ioctlAllocDmaBuf, unsafe.Pointer(&req)); err != nil {
		return nil, fmt.Errorf("device %d dma buffer alloc (%d bytes): %w", d.ID, size, err)
	}

	data, err := syscall.Mmap(int(d.fd.Fd()), int64(req.mappingOffset), int(req.size),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("device %d dma buffer map: %w", d.ID, err)
	}
	d.nextDmaBuf++

	return &DmaBuffer{
		Data:     data,
		PhysAddr: req.physicalAddress,
		Size:     uint64(req.size),
		free:     func() error { return syscall.Munmap(data) },
	}, nil
}
