// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pci

import (
	"fmt"

	"github.com/gridlink/gridlink/axi"
	"github.com/gridlink/gridlink/hw"
)

const errorValue = 0xffffffff

// mappingFor picks the mapping covering addr and returns it with the
// offset adjusted into that mapping.  System registers sit above the
// BAR0 data region on parts that have them; below that, traffic goes
// write-combined when a WC mapping exists and the address is inside
// it, uncached otherwise.
func (d *Device) mappingFor(addr uint64) ([]byte, uint64) {
	if d.sysReg != nil && addr >= uint64(d.sysRegStartOffset) {
		return d.sysReg, addr - uint64(d.sysRegOffsetAdjust)
	}
	if d.bar0WC != nil && addr < uint64(len(d.bar0WC)) {
		return d.bar0WC, addr
	}
	return d.bar0UC, addr - d.bar0UCOffset
}

func (d *Device) checkRange(op string, addr uint64, n int) ([]byte, uint64, error) {
	m, o := d.mappingFor(addr)
	if m == nil || o+uint64(n) > uint64(len(m)) {
		return nil, 0, &axi.IoError{Op: op, Addr: addr,
			Err: fmt.Errorf("outside mapped register space")}
	}
	return m, o, nil
}

// detectBrokenConnection cross-checks an all-ones data read against a
// register known to hold live state.  All-ones in both places means
// the device is gone, not that the data happened to be all ones.
func (d *Device) detectBrokenConnection(op string, addr uint64, v uint32) error {
	if !d.readCheckEnabled || v != errorValue {
		return nil
	}
	m, o := d.mappingFor(uint64(d.readCheckAddr))
	if m == nil || o+4 > uint64(len(m)) {
		return nil
	}
	if hw.LoadUint32(m, uint(o)) == errorValue {
		return &axi.IoError{Op: op, Addr: addr, Err: axi.ErrBrokenConnection}
	}
	return nil
}

func (d *Device) Read32(addr uint64) (uint32, error) {
	m, o, err := d.checkRange("read32", addr, 4)
	if err != nil {
		return 0, err
	}
	v := hw.LoadUint32(m, uint(o))
	if err = d.detectBrokenConnection("read32", addr, v); err != nil {
		return 0, err
	}
	return v, nil
}

func (d *Device) Write32(addr uint64, v uint32) error {
	m, o, err := d.checkRange("write32", addr, 4)
	if err != nil {
		return err
	}
	hw.StoreUint32(m, uint(o), v)
	// A write has no data to check; probe the scratch register
	// directly so a dead device is caught here and not megabytes
	// later.
	return d.detectBrokenConnection("write32", addr, errorValue)
}

func (d *Device) Read(addr uint64, data []byte) error {
	m, o, err := d.checkRange("read", addr, len(data))
	if err != nil {
		return err
	}
	hw.MemcpyFromDevice(data, m, uint(o))
	if len(data) >= 4 {
		v := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
		return d.detectBrokenConnection("read", addr, v)
	}
	return nil
}

func (d *Device) Write(addr uint64, data []byte) error {
	m, o, err := d.checkRange("write", addr, len(data))
	if err != nil {
		return err
	}
	hw.MemcpyToDevice(m, uint(o), data)
	return nil
}
