// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package simfab

import (
	"encoding/binary"
	"time"
)

const (
	msgQueued  = 0xaa00
	errorReply = 0xffffffff
)

var mailboxes = []struct{ msg, ret uint32 }{{5, 3}, {2, 4}}

func scratch(i uint32) uint64 { return scratchBase + uint64(i)*4 }

// doorbell is the IRQ0 edge: service a triggered DMA request if one
// is posted, then any queued mailbox message.
func (d *Device) doorbell() {
	d.serviceDma()
	for _, mb := range mailboxes {
		code := d.axi.read32(scratch(mb.msg))
		if code&0xff00 != msgQueued {
			continue
		}
		d.serviceMsg(mb.msg, mb.ret, code)
	}
}

func (d *Device) serviceMsg(msgReg, retReg, code uint32) {
	h, ok := d.Handlers[uint8(code)]
	if !ok {
		d.axi.write32(scratch(msgReg), errorReply)
		return
	}
	args := d.axi.read32(scratch(retReg))
	rep := h(uint16(args), uint16(args>>16))
	if rep.Drop {
		return
	}
	p := pendingReply{
		commitAt: time.Now().Add(rep.Delay),
		msgReg:   scratch(msgReg),
		status:   uint32(rep.RC)<<16 | code&0xff,
		retReg:   scratch(retReg),
		values:   rep.Values,
	}
	if rep.Delay == 0 {
		d.commit(p)
		return
	}
	d.pending = append(d.pending, p)
}

func (d *Device) commit(p pendingReply) {
	d.axi.write32(p.retReg, p.values[0])
	d.axi.write32(scratch(6), p.values[1])
	d.axi.write32(scratch(7), p.values[2])
	d.axi.write32(p.msgReg, p.status)
}

func (d *Device) commitPending() {
	now := time.Now()
	kept := d.pending[:0]
	for _, p := range d.pending {
		if now.Before(p.commitAt) {
			kept = append(kept, p)
			continue
		}
		d.commit(p)
	}
	d.pending = kept
}

// serviceDma runs one firmware-assisted transfer if the posted
// request has its trigger bit up, then reports completion through
// the host flag word.
func (d *Device) serviceDma() {
	var req [20]byte
	d.axi.read(dmaRequestAddr, req[:])
	pack := binary.LittleEndian.Uint32(req[12:])
	if pack&(1<<31) == 0 {
		return
	}

	chipAddr := uint64(binary.LittleEndian.Uint32(req[0:]))
	hostAddr := uint64(binary.LittleEndian.Uint32(req[4:]))
	flagAddr := uint64(binary.LittleEndian.Uint32(req[8:]))
	size := int(pack & (1<<28 - 1))
	toDevice := pack&(1<<28) != 0

	buf, err := d.hostAt(hostAddr, size)
	if err != nil {
		// Leave the trigger up and never complete; the host
		// sees a device fault at its deadline.
		return
	}
	// Route through the normal access path so window-region
	// addresses land in node memory.
	if toDevice {
		d.Write(chipAddr, buf)
	} else {
		d.Read(chipAddr, buf)
	}

	d.axi.write32(dmaRequestAddr+12, pack&^(1<<31))
	if flag, err := d.hostAt(flagAddr, 4); err == nil {
		binary.LittleEndian.PutUint32(flag, 0xfaca)
	}
}
