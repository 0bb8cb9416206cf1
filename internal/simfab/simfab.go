// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package simfab is an in-memory stand-in for a PCI-attached chip:
// a sparse register space with live translation-window decode, a
// scriptable firmware mailbox, ethernet command-queue forwarding to
// neighbor devices and a loopback DMA engine.  It exists so package
// tests can exercise real transfer paths without hardware.
package simfab

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/gridlink/gridlink/eth"
)

// Wormhole register file layout mirrored by the simulator.
const (
	windowConfigBase = 0x1fc00000
	scratchBase      = 0x1ff30060
	miscCntl         = 0x1ff30100

	dmaRequestAddr = 0x1fef84c8
)

// sparse is byte-addressed memory that exists only where written.
type sparse map[uint64]byte

func (s sparse) read(addr uint64, b []byte) {
	for i := range b {
		b[i] = s[addr+uint64(i)]
	}
}

func (s sparse) write(addr uint64, b []byte) {
	for i := range b {
		s[addr+uint64(i)] = b[i]
	}
}

func (s sparse) read32(addr uint64) uint32 {
	var b [4]byte
	s.read(addr, b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (s sparse) write32(addr uint64, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	s.write(addr, b[:])
}

type node struct{ X, Y uint8 }

// Reply scripts one firmware answer.
type Reply struct {
	RC     uint16
	Values [3]uint32
	Delay  time.Duration
	Drop   bool // never answer; lets callers hit their deadline
}

// Handler computes the firmware's reply to one message.
type Handler func(arg0, arg1 uint16) Reply

type pendingReply struct {
	commitAt time.Time
	msgReg   uint64
	status   uint32
	retReg   uint64
	values   [3]uint32
}

// Device simulates one chip.  It implements axi.ReadWriter; wire it
// wherever a *pci.Device would go.
type Device struct {
	// Addr is the chip's fabric position, read back through the
	// ethernet core coordinate registers.
	Addr eth.Addr

	// Handlers scripts the firmware, by opcode.  A message with no
	// handler is answered with the error reply.
	Handlers map[uint8]Handler

	axi   sparse
	nodes map[node]sparse

	host      map[uint64][]byte
	neighbors map[eth.Addr]*Device
	links     map[int]eth.Addr

	pending []pendingReply
}

func New() *Device {
	d := &Device{
		Handlers: make(map[uint8]Handler),
		axi:      make(sparse),
		nodes:    make(map[node]sparse),
		host:     make(map[uint64][]byte),
	}
	return d
}

func (d *Device) node(x, y uint8) sparse {
	n := node{x, y}
	if d.nodes[n] == nil {
		d.nodes[n] = make(sparse)
	}
	return d.nodes[n]
}

// NodeMem gives tests direct access to a node's memory.
func (d *Device) NodeMem(x, y uint8) map[uint64]byte { return d.node(x, y) }

// SetAxi32 seeds a register outside the window region.
func (d *Device) SetAxi32(addr uint64, v uint32) { d.axi.write32(addr, v) }

// Axi32 reads a register back without side effects.
func (d *Device) Axi32(addr uint64) uint32 { return d.axi.read32(addr) }

// RegisterHostMemory makes b reachable by fake physical address, for
// the DMA engine and ethernet block staging.
func (d *Device) RegisterHostMemory(phys uint64, b []byte) {
	d.host[phys] = b
}

func (d *Device) hostAt(phys uint64, n int) ([]byte, error) {
	for base, b := range d.host {
		if phys >= base && phys+uint64(n) <= base+uint64(len(b)) {
			return b[phys-base : phys-base+uint64(n)], nil
		}
	}
	return nil, fmt.Errorf("no host memory at %#x+%d", phys, n)
}

// Wormhole window geometry.
func bankOf(addr uint64) (index uint16, base, size uint64) {
	const (
		m1  = 1 << 20
		m2  = 2 << 20
		m16 = 16 << 20
	)
	switch {
	case addr < 156*m1:
		i := addr / m1
		return uint16(i), i * m1, m1
	case addr < 156*m1+10*m2:
		i := (addr - 156*m1) / m2
		return uint16(156 + i), 156*m1 + i*m2, m2
	default:
		i := (addr - 156*m1 - 10*m2) / m16
		return uint16(166 + i), 156*m1 + 10*m2 + i*m16, m16
	}
}

func offsetBits(size uint64) uint {
	switch size {
	case 1 << 20:
		return 16
	case 2 << 20:
		return 15
	default:
		return 12
	}
}

type window struct {
	localOffset    uint64
	xEnd, yEnd     uint8
	xStart, yStart uint8
	nocSel         uint8
	mcast          bool
}

func (d *Device) decodeWindow(index uint16, size uint64) window {
	v := d.axi.read32(windowConfigBase + uint64(index)*8)
	hi := d.axi.read32(windowConfigBase + uint64(index)*8 + 4)
	raw := uint64(v) | uint64(hi)<<32

	bits := offsetBits(size)
	take := func(n uint) uint64 {
		f := raw & (1<<n - 1)
		raw >>= n
		return f
	}
	var w window
	w.localOffset = take(bits)
	w.xEnd = uint8(take(6))
	w.yEnd = uint8(take(6))
	w.xStart = uint8(take(6))
	w.yStart = uint8(take(6))
	w.nocSel = uint8(take(1))
	w.mcast = take(1) != 0
	return w
}

// access routes one window-region transfer to node memory, splitting
// at bank boundaries.
func (d *Device) access(addr uint64, data []byte, write bool) error {
	for len(data) > 0 {
		index, base, size := bankOf(addr)
		w := d.decodeWindow(index, size)
		local := w.localOffset*size + (addr - base)

		n := base + size - addr
		if n > uint64(len(data)) {
			n = uint64(len(data))
		}
		if write {
			if w.mcast {
				for y := int(w.yStart); y <= int(w.yEnd); y++ {
					for x := int(w.xStart); x <= int(w.xEnd); x++ {
						d.nodeWrite(uint8(x), uint8(y), local, data[:n])
					}
				}
			} else {
				d.nodeWrite(w.xEnd, w.yEnd, local, data[:n])
			}
		} else {
			d.node(w.xEnd, w.yEnd).read(local, data[:n])
		}
		addr += n
		data = data[n:]
	}
	return nil
}

func (d *Device) Read(addr uint64, data []byte) error {
	if addr < windowConfigBase && addr+uint64(len(data)) <= windowConfigBase {
		return d.access(addr, data, false)
	}
	d.commitPending()
	d.axi.read(addr, data)
	return nil
}

func (d *Device) Write(addr uint64, data []byte) error {
	if addr < windowConfigBase && addr+uint64(len(data)) <= windowConfigBase {
		return d.access(addr, data, true)
	}
	d.axi.write(addr, data)
	if addr == miscCntl && len(data) >= 4 &&
		binary.LittleEndian.Uint32(data)&(1<<16) != 0 {
		d.doorbell()
		// Firmware acknowledges the interrupt once serviced.
		d.axi.write32(miscCntl, d.axi.read32(miscCntl)&^(1<<16))
	}
	return nil
}

func (d *Device) Read32(addr uint64) (uint32, error) {
	var b [4]byte
	err := d.Read(addr, b[:])
	return binary.LittleEndian.Uint32(b[:]), err
}

func (d *Device) Write32(addr uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return d.Write(addr, b[:])
}
