// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package simfab

import (
	"github.com/gridlink/gridlink/eth"
)

// Ethernet command queue layout, as the tunnel firmware lays it out.
const (
	ethCmdQPtr     = 0x170
	ethPortStatus  = 0x1200
	ethLocalCoord  = 0x1108
	ethRemoteCoord = 0x1100 + 4*9
	ethRemoteRack  = 0x1100 + 4*10

	qReq        = 0x80
	qResp       = qReq + 2*192
	qWrPtr      = 4 * 8
	qRdPtr      = 4 * 12
	qEntry      = 4 * 16
	qEntryBytes = 32

	fWrReq       = 1 << 0
	fRdReq       = 1 << 2
	fRdData      = 1 << 3
	fBlock       = 1 << 6
	fUnreachable = 1 << 31
)

// defaultCmdQ is where Connect places the command queue in each
// ethernet core's scratch memory.
const defaultCmdQ = 0x20000

// SetAddr assigns the device its fabric position and publishes it in
// the coordinate register the way link training firmware does.
func (d *Device) SetAddr(a eth.Addr) {
	d.Addr = a
	v := uint32(a.RackX) | uint32(a.RackY)<<8 | uint32(a.ShelfX)<<16 | uint32(a.ShelfY)<<24
	for _, core := range eth.CoreLocations {
		d.node(core.X, core.Y).write32(ethLocalCoord, v)
	}
}

// Connect brings up a trained link from d's numbered port to peer,
// seeding the port status, peer identity and command queue registers
// that discovery and tunneling read.
func (d *Device) Connect(port int, peer *Device) {
	core := eth.CoreLocations[port]
	peerCore := eth.CoreLocations[port] // symmetric cabling

	d.node(eth.CoreLocations[0].X, eth.CoreLocations[0].Y).
		write32(ethPortStatus+4*uint64(port), 2)

	mem := d.node(core.X, core.Y)
	mem.write32(ethRemoteRack, uint32(peer.Addr.RackX)|uint32(peer.Addr.RackY)<<8)
	mem.write32(ethRemoteCoord,
		uint32(peerCore.X)<<4|uint32(peerCore.Y)<<10|
			uint32(peer.Addr.ShelfX)<<16|uint32(peer.Addr.ShelfY)<<22)
	mem.write32(ethCmdQPtr, defaultCmdQ)

	if d.neighbors == nil {
		d.neighbors = make(map[eth.Addr]*Device)
		d.links = make(map[int]eth.Addr)
	}
	d.neighbors[peer.Addr] = peer
	d.links[port] = peer.Addr
}

// Disconnect drops the link on the numbered port.
func (d *Device) Disconnect(port int) {
	core := eth.CoreLocations[port]
	d.node(eth.CoreLocations[0].X, eth.CoreLocations[0].Y).
		write32(ethPortStatus+4*uint64(port), 1)
	d.node(core.X, core.Y).write32(ethCmdQPtr, 0)
	if a, ok := d.links[port]; ok {
		delete(d.neighbors, a)
		delete(d.links, port)
	}
}

// nodeWrite stores into node memory and runs the ethernet firmware
// when the store publishes a new request-queue write pointer.
func (d *Device) nodeWrite(x, y uint8, addr uint64, data []byte) {
	d.node(x, y).write(addr, data)

	for _, core := range eth.CoreLocations {
		if core.X != x || core.Y != y {
			continue
		}
		q := uint64(d.node(x, y).read32(ethCmdQPtr))
		if q != 0 && addr == q+qReq+qWrPtr {
			d.serviceEthQueue(x, y, q)
		}
		return
	}
}

// serviceEthQueue drains the request ring, forwarding each entry to
// the neighbor device it addresses.
func (d *Device) serviceEthQueue(x, y uint8, q uint64) {
	mem := d.node(x, y)
	for {
		wptr := mem.read32(q + qReq + qWrPtr)
		rptr := mem.read32(q + qReq + qRdPtr)
		if wptr == rptr {
			return
		}
		entry := q + qReq + qEntry + uint64(rptr%4)*qEntryBytes
		d.serviceEthEntry(mem, q, entry)
		mem.write32(q+qReq+qRdPtr, (rptr+1)%8)
	}
}

func (d *Device) serviceEthEntry(mem sparse, q, entry uint64) {
	sys := uint64(mem.read32(entry)) | uint64(mem.read32(entry+4))<<32
	data := mem.read32(entry + 8)
	flags := mem.read32(entry + 12)
	rack := mem.read32(entry + 16)
	dmaPtr := uint64(mem.read32(entry + 28))

	offset := sys & (1<<36 - 1)
	nocX := uint8(sys >> 36 & 0x3f)
	nocY := uint8(sys >> 42 & 0x3f)
	dest := eth.Addr{
		RackX:  uint8(rack),
		RackY:  uint8(rack >> 8),
		ShelfX: uint8(sys >> 48 & 0x3f),
		ShelfY: uint8(sys >> 54 & 0x3f),
	}

	target := d.neighbors[dest]
	if dest == d.Addr {
		target = d
	}

	switch {
	case target == nil:
		if flags&fRdReq != 0 {
			d.respondEth(mem, q, 0, fUnreachable)
		}
	case flags&fWrReq != 0:
		if flags&fBlock != 0 {
			if src, err := d.hostAt(dmaPtr, int(data)); err == nil {
				target.nodeWrite(nocX, nocY, offset, src)
			}
		} else {
			var b [4]byte
			b[0], b[1], b[2], b[3] = byte(data), byte(data>>8), byte(data>>16), byte(data>>24)
			target.nodeWrite(nocX, nocY, offset, b[:])
		}
	case flags&fRdReq != 0:
		if flags&fBlock != 0 {
			dst, err := d.hostAt(dmaPtr, int(data))
			if err != nil {
				d.respondEth(mem, q, 0, fUnreachable)
				return
			}
			target.node(nocX, nocY).read(offset, dst)
			d.respondEth(mem, q, data, fBlock|fRdData)
		} else {
			v := target.node(nocX, nocY).read32(offset)
			d.respondEth(mem, q, v, fRdData)
		}
	}
}

func (d *Device) respondEth(mem sparse, q uint64, data, flags uint32) {
	wptr := mem.read32(q + qResp + qWrPtr)
	entry := q + qResp + qEntry + uint64(wptr%4)*qEntryBytes
	mem.write32(entry+8, data)
	mem.write32(entry+12, flags)
	mem.write32(q+qResp+qWrPtr, (wptr+1)%8)
}
