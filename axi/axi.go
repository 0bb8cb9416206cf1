// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Byte level read/write of the chip's BAR-mapped control register space.
package axi

import (
	"errors"
	"fmt"
)

// ReadWriter is the raw register transport.  Implementations are
// synchronous and byte exact; they never block beyond the underlying
// I/O call.  Multi-byte transfers are little-endian on the wire.
type ReadWriter interface {
	Read(addr uint64, data []byte) error
	Write(addr uint64, data []byte) error
	Read32(addr uint64) (uint32, error)
	Write32(addr uint64, data uint32) error
}

// ErrBrokenConnection reports a confirmed all-ones readback: the value
// at the probed address and at a scratch register which is known to
// hold firmware state both read 0xffffffff, which only happens when
// the device has fallen off the bus or the mapping was invalidated.
var ErrBrokenConnection = errors.New("all-ones readback; device unreachable")

// IoError is a transport level I/O failure, generally fatal to the
// current chip handle.
type IoError struct {
	Op   string
	Addr uint64
	Err  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("axi %s 0x%x: %v", e.Op, e.Addr, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// Remapper claims a temporary translation window covering at least
// part of [addr, addr+size) and returns the BAR offset and span of the
// mapped region.
type Remapper func(addr, size uint64) (bar, span uint64, err error)

// Transport layers window remapping on top of a raw bus.  Operations
// below Limit are direct loads/stores against the in-process mapping;
// operations at or above it go through a temporary window sized to the
// transfer.
type Transport struct {
	Bus   ReadWriter
	Limit uint64
	Remap Remapper
}

func (t *Transport) direct(addr uint64, n int) bool {
	return t.Remap == nil || t.Limit == 0 || addr+uint64(n) <= t.Limit
}

func (t *Transport) Read(addr uint64, data []byte) error {
	if t.direct(addr, len(data)) {
		return t.Bus.Read(addr, data)
	}
	for done := uint64(0); done < uint64(len(data)); {
		left := uint64(len(data)) - done
		bar, span, err := t.Remap(addr+done, left)
		if err != nil {
			return err
		}
		if span > left {
			span = left
		}
		if err = t.Bus.Read(bar, data[done:done+span]); err != nil {
			return err
		}
		done += span
	}
	return nil
}

func (t *Transport) Write(addr uint64, data []byte) error {
	if t.direct(addr, len(data)) {
		return t.Bus.Write(addr, data)
	}
	for done := uint64(0); done < uint64(len(data)); {
		left := uint64(len(data)) - done
		bar, span, err := t.Remap(addr+done, left)
		if err != nil {
			return err
		}
		if span > left {
			span = left
		}
		if err = t.Bus.Write(bar, data[done:done+span]); err != nil {
			return err
		}
		done += span
	}
	return nil
}

func (t *Transport) Read32(addr uint64) (uint32, error) {
	if t.direct(addr, 4) {
		return t.Bus.Read32(addr)
	}
	bar, _, err := t.Remap(addr, 4)
	if err != nil {
		return 0, err
	}
	return t.Bus.Read32(bar)
}

func (t *Transport) Write32(addr uint64, data uint32) error {
	if t.direct(addr, 4) {
		return t.Bus.Write32(addr, data)
	}
	bar, _, err := t.Remap(addr, 4)
	if err != nil {
		return err
	}
	return t.Bus.Write32(bar, data)
}
