// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package eth

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"github.com/gridlink/gridlink/noc"
)

// Command queue layout inside the ethernet core's scratch memory.
// The queue base is published at cmdQAddrPtr; requests and responses
// each get a ring of four 32-byte entries with free-running 3-bit
// write/read pointers.
const (
	qSize      = 192
	entryBytes = 32
	bufSize    = 4

	reqQ  = 0x80
	respQ = reqQ + 2*qSize

	wrPtrOff = 4 * 8
	rdPtrOff = 4 * 12
	entryOff = 4 * 16

	// 32-bit words within an entry.
	addrLoOff = 0
	addrHiOff = 4
	dataOff   = 8
	flagsOff  = 12
	rackOff   = 16
	dmaOff    = 28
)

// Request/response flag bits.
const (
	cmdWrReq     = 1 << 0
	cmdRdReq     = 1 << 2
	cmdRdData    = 1 << 3
	cmdBlockDram = 1 << 4
	cmdBlock     = 1 << 6
	nocIDShift   = 9

	cmdBlockUnavailable = 1 << 30
	cmdUnreachable      = 1 << 31
)

var (
	// ErrDestUnreachable means routing gave up before reaching the
	// target chip.
	ErrDestUnreachable = errors.New("destination unreachable")

	// ErrBlockUnavailable means no staging block could be reserved
	// along the route for a bulk transfer.
	ErrBlockUnavailable = errors.New("no data block available on route")
)

// TimeoutError reports a tunneled operation the fabric never
// answered.
type TimeoutError struct {
	Op      string
	Addr    Addr
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("remote %v: %s: no response after %v", e.Addr, e.Op, e.Timeout)
}

// Buffer is host memory the fabric can address physically, used to
// stage bulk transfers.  Without one a Remote falls back to word at
// a time transfers.
type Buffer struct {
	Data     []byte
	PhysAddr uint64
}

// Remote is a tunnel to one fabric chip.  It implements
// noc.ReadWriter, so anything that drives a local chip drives a
// remote one unchanged, including opening a further Remote through
// it.
type Remote struct {
	Link noc.ReadWriter
	Core noc.Coord
	Dest Addr

	// Staging holds the bulk-transfer window, when available.
	Staging *Buffer

	cmdQ    uint64
	timeout time.Duration
}

func (r *Remote) sysAddr(c noc.Coord, offset uint64) uint64 {
	a := uint64(r.Dest.ShelfY)
	a = a<<6 | uint64(r.Dest.ShelfX)
	a = a<<6 | uint64(c.Y)
	a = a<<6 | uint64(c.X)
	return a<<36 | offset
}

func (r *Remote) rackAddr() uint32 {
	return uint32(r.Dest.RackY)<<8 | uint32(r.Dest.RackX)
}

func (r *Remote) poll(op string, done func() (bool, error)) error {
	wait := backoff.Backoff{
		Min:    50 * time.Microsecond,
		Max:    time.Millisecond,
		Factor: 2,
	}
	deadline := time.Now().Add(r.timeout)
	for {
		ok, err := done()
		if err != nil || ok {
			return err
		}
		if time.Now().After(deadline) {
			return &TimeoutError{Op: op, Addr: r.Dest, Timeout: r.timeout}
		}
		time.Sleep(wait.Duration())
	}
}

// waitSpace waits until the request ring has a free entry and
// returns the current write pointer.
func (r *Remote) waitSpace() (wptr uint32, err error) {
	err = r.poll("request queue space", func() (bool, error) {
		wptr, err = r.Link.Read32(0, r.Core, r.cmdQ+reqQ+wrPtrOff)
		if err != nil {
			return false, err
		}
		rptr, err := r.Link.Read32(0, r.Core, r.cmdQ+reqQ+rdPtrOff)
		if err != nil {
			return false, err
		}
		full := wptr != rptr && wptr%bufSize == rptr%bufSize
		return !full, nil
	})
	return
}

// post fills the request entry at wptr and publishes it.  data and
// dma are request words; block requests carry the transfer length in
// data and the staging address in dma.
func (r *Remote) post(wptr uint32, nocID uint8, c noc.Coord, offset uint64, flags, data, dma uint32) error {
	entry := r.cmdQ + reqQ + entryOff + uint64(wptr%bufSize)*entryBytes
	sys := r.sysAddr(c, offset)

	type wr struct {
		off uint64
		v   uint32
	}
	for _, w := range []wr{
		{addrLoOff, uint32(sys)},
		{addrHiOff, uint32(sys >> 32)},
		{rackOff, r.rackAddr() & 0xffff},
		{dataOff, data},
		{dmaOff, dma},
		{flagsOff, flags | uint32(nocID&1)<<nocIDShift},
	} {
		if err := r.Link.Write32(0, r.Core, entry+w.off, w.v); err != nil {
			return err
		}
	}
	return r.Link.Write32(0, r.Core, r.cmdQ+reqQ+wrPtrOff, (wptr+1)%(2*bufSize))
}

// response waits for the next response entry, validates it and
// consumes it.  wantBlock says whether a staged block response is
// expected.  Returns the response data word.
func (r *Remote) response(op string, wantBlock bool) (data uint32, err error) {
	rptr, err := r.Link.Read32(0, r.Core, r.cmdQ+respQ+rdPtrOff)
	if err != nil {
		return 0, err
	}
	err = r.poll(op, func() (bool, error) {
		wptr, err := r.Link.Read32(0, r.Core, r.cmdQ+respQ+wrPtrOff)
		return wptr != rptr, err
	})
	if err != nil {
		return 0, err
	}

	entry := r.cmdQ + respQ + entryOff + uint64(rptr%bufSize)*entryBytes

	// The entry becomes visible before its flags word does.
	var flags uint32
	err = r.poll(op, func() (bool, error) {
		flags, err = r.Link.Read32(0, r.Core, entry+flagsOff)
		return flags != 0, err
	})
	if err != nil {
		return 0, err
	}
	if data, err = r.Link.Read32(0, r.Core, entry+dataOff); err != nil {
		return 0, err
	}

	if err = r.Link.Write32(0, r.Core, r.cmdQ+respQ+rdPtrOff, (rptr+1)%(2*bufSize)); err != nil {
		return 0, err
	}

	switch {
	case flags&cmdUnreachable != 0:
		return 0, fmt.Errorf("remote %v: %s: %w", r.Dest, op, ErrDestUnreachable)
	case flags&cmdBlockUnavailable != 0:
		return 0, fmt.Errorf("remote %v: %s: %w", r.Dest, op, ErrBlockUnavailable)
	}
	if gotBlock := flags&cmdBlock != 0 && flags&cmdRdData != 0; gotBlock != wantBlock {
		return 0, fmt.Errorf("remote %v: %s: block flag mismatch in response %#x", r.Dest, op, flags)
	}
	return data, nil
}

// Read32 reads one register on the remote chip.
func (r *Remote) Read32(nocID uint8, c noc.Coord, addr uint64) (uint32, error) {
	wptr, err := r.waitSpace()
	if err != nil {
		return 0, err
	}
	if err := r.post(wptr, nocID, c, addr, cmdRdReq, 0, 0); err != nil {
		return 0, err
	}
	return r.response("read32", false)
}

// Write32 writes one register on the remote chip.  The fabric
// acknowledges writes only by consuming the request.
func (r *Remote) Write32(nocID uint8, c noc.Coord, addr uint64, data uint32) error {
	wptr, err := r.waitSpace()
	if err != nil {
		return err
	}
	return r.post(wptr, nocID, c, addr, cmdWrReq, data, 0)
}

// Read copies len(data) bytes from the remote chip.  With a staging
// buffer the transfer moves in DRAM-staged blocks; without one it
// degrades to a word loop.
func (r *Remote) Read(nocID uint8, c noc.Coord, addr uint64, data []byte) error {
	if r.Staging == nil || len(data) < 4 || len(data)%4 != 0 {
		return r.slowRead(nocID, c, addr, data)
	}

	sliceLen := uint64(len(r.Staging.Data)) / 4
	for pos := uint64(0); pos < uint64(len(data)); {
		wptr, err := r.waitSpace()
		if err != nil {
			return err
		}
		stageOff := sliceLen * uint64(wptr%4)
		n := uint64(len(data)) - pos
		if n > sliceLen {
			n = sliceLen
		}
		err = r.post(wptr, nocID, c, addr+pos,
			cmdRdReq|cmdBlock|cmdBlockDram,
			uint32(n), uint32(r.Staging.PhysAddr+stageOff))
		if err != nil {
			return err
		}
		if _, err = r.response("block read", true); err != nil {
			return err
		}
		copy(data[pos:pos+n], r.Staging.Data[stageOff:stageOff+n])
		pos += n
	}
	return nil
}

// Write copies data to the remote chip.
func (r *Remote) Write(nocID uint8, c noc.Coord, addr uint64, data []byte) error {
	if r.Staging == nil || len(data) < 4 || len(data)%4 != 0 {
		return r.slowWrite(nocID, c, addr, data)
	}

	sliceLen := uint64(len(r.Staging.Data)) / 4
	for pos := uint64(0); pos < uint64(len(data)); {
		wptr, err := r.waitSpace()
		if err != nil {
			return err
		}
		stageOff := sliceLen * uint64(wptr%4)
		n := uint64(len(data)) - pos
		if n > sliceLen {
			n = sliceLen
		}
		copy(r.Staging.Data[stageOff:stageOff+n], data[pos:pos+n])
		err = r.post(wptr, nocID, c, addr+pos,
			cmdWrReq|cmdBlock|cmdBlockDram,
			uint32(n), uint32(r.Staging.PhysAddr+stageOff))
		if err != nil {
			return err
		}
		pos += n
	}
	return nil
}

func (r *Remote) slowRead(nocID uint8, c noc.Coord, addr uint64, data []byte) error {
	for len(data) >= 4 {
		v, err := r.Read32(nocID, c, addr)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(data, v)
		addr += 4
		data = data[4:]
	}
	if len(data) > 0 {
		v, err := r.Read32(nocID, c, addr)
		if err != nil {
			return err
		}
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		copy(data, b[:])
	}
	return nil
}

func (r *Remote) slowWrite(nocID uint8, c noc.Coord, addr uint64, data []byte) error {
	for len(data) >= 4 {
		if err := r.Write32(nocID, c, addr, binary.LittleEndian.Uint32(data)); err != nil {
			return err
		}
		addr += 4
		data = data[4:]
	}
	if len(data) > 0 {
		// Preserve the bytes beyond the tail with a read-modify-write.
		v, err := r.Read32(nocID, c, addr)
		if err != nil {
			return err
		}
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		copy(b[:], data)
		if err := r.Write32(nocID, c, addr, binary.LittleEndian.Uint32(b[:])); err != nil {
			return err
		}
	}
	return nil
}

// Broadcast is not routable over the fabric; emulate it by unicast
// to every node in the rectangle.
func (r *Remote) Broadcast(nocID uint8, start, end noc.Coord, addr uint64, data []byte) error {
	if start.X > end.X || start.Y > end.Y {
		return fmt.Errorf("%v..%v: %w", start, end, noc.ErrBadRectangle)
	}
	for y := int(start.Y); y <= int(end.Y); y++ {
		for x := int(start.X); x <= int(end.X); x++ {
			if err := r.Write(nocID, noc.Coord{X: uint8(x), Y: uint8(y)}, addr, data); err != nil {
				return err
			}
		}
	}
	return nil
}
