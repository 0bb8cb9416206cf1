// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package noc moves data across the on-chip network.  Targets are
// addressed by fabric (chips carry two independent NOCs), node
// coordinate and node-local address; the transport maps windows onto
// the target as it goes, so transfers of any size work through a
// fixed-size BAR.
package noc

import (
	"encoding/binary"
	"fmt"

	"github.com/gridlink/gridlink/axi"
	"github.com/gridlink/gridlink/tlb"
)

// Coord is a node position on the NOC grid.
type Coord struct{ X, Y uint8 }

func (c Coord) String() string { return fmt.Sprintf("(%d,%d)", c.X, c.Y) }

// ErrBadRectangle refines tlb.ErrUnsupportedRouting: broadcast
// targets must form a non-empty axis-aligned rectangle.
var ErrBadRectangle = fmt.Errorf("broadcast rectangle is empty: %w", tlb.ErrUnsupportedRouting)

// ReadWriter is the NOC access surface.  Remote chips reached over
// ethernet satisfy it too.
type ReadWriter interface {
	Read(nocID uint8, c Coord, addr uint64, data []byte) error
	Write(nocID uint8, c Coord, addr uint64, data []byte) error
	Broadcast(nocID uint8, start, end Coord, addr uint64, data []byte) error
	Read32(nocID uint8, c Coord, addr uint64) (uint32, error)
	Write32(nocID uint8, c Coord, addr uint64, data uint32) error
}

// Transport reaches the local chip's NOC through mapped windows.
type Transport struct {
	Bus axi.ReadWriter
	Tlb *tlb.Manager
}

// Read copies len(data) bytes from addr on node c, re-pointing a
// window each time the transfer runs off the mapped span.
func (t *Transport) Read(nocID uint8, c Coord, addr uint64, data []byte) error {
	for done := uint64(0); done < uint64(len(data)); {
		r, err := t.Tlb.Translate(nocID, c.X, c.Y, addr+done)
		if err != nil {
			return err
		}
		n := uint64(len(data)) - done
		if n > r.Size {
			n = r.Size
		}
		if err = t.Bus.Read(r.Addr, data[done:done+n]); err != nil {
			return err
		}
		done += n
	}
	return nil
}

// Write copies data to addr on node c.
func (t *Transport) Write(nocID uint8, c Coord, addr uint64, data []byte) error {
	for done := uint64(0); done < uint64(len(data)); {
		r, err := t.Tlb.Translate(nocID, c.X, c.Y, addr+done)
		if err != nil {
			return err
		}
		n := uint64(len(data)) - done
		if n > r.Size {
			n = r.Size
		}
		if err = t.Bus.Write(r.Addr, data[done:done+n]); err != nil {
			return err
		}
		done += n
	}
	return nil
}

// Broadcast writes data to addr on every node in the rectangle
// spanned by start and end, inclusive.
func (t *Transport) Broadcast(nocID uint8, start, end Coord, addr uint64, data []byte) error {
	if start.X > end.X || start.Y > end.Y {
		return fmt.Errorf("%v..%v: %w", start, end, ErrBadRectangle)
	}
	for done := uint64(0); done < uint64(len(data)); {
		r, err := t.Tlb.Map(tlb.Window{
			LocalOffset: addr + done,
			XStart:      start.X,
			YStart:      start.Y,
			XEnd:        end.X,
			YEnd:        end.Y,
			NocSel:      nocID,
			Mcast:       true,
		})
		if err != nil {
			return err
		}
		n := uint64(len(data)) - done
		if n > r.Size {
			n = r.Size
		}
		if err = t.Bus.Write(r.Addr, data[done:done+n]); err != nil {
			return err
		}
		done += n
	}
	return nil
}

func (t *Transport) Read32(nocID uint8, c Coord, addr uint64) (uint32, error) {
	var b [4]byte
	if err := t.Read(nocID, c, addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (t *Transport) Write32(nocID uint8, c Coord, addr uint64, data uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], data)
	return t.Write(nocID, c, addr, b[:])
}

// Broadcast32 writes one register on every node in the rectangle.
func (t *Transport) Broadcast32(nocID uint8, start, end Coord, addr uint64, data uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], data)
	return t.Broadcast(nocID, start, end, addr, b[:])
}
