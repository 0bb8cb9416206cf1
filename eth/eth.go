// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package eth reaches chips that have no PCI link of their own.
// Chips in a galaxy are wired into a fabric by their ethernet cores;
// any chip can forward register traffic for any other.  A Remote
// tunnels NOC operations through a local ethernet core's command
// queue and looks like a directly attached chip to callers.
package eth

import (
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/platinasystems/log"

	"github.com/gridlink/gridlink/noc"
)

// Addr places a chip in the fabric: position of the shelf in the
// rack, position of the chip on the shelf.  The zero Addr means the
// local chip.
type Addr struct {
	RackX, RackY   uint8
	ShelfX, ShelfY uint8
}

func (a Addr) IsZero() bool { return a == Addr{} }

func (a Addr) String() string {
	return fmt.Sprintf("[%d, %d, %d, %d]", a.RackX, a.RackY, a.ShelfX, a.ShelfY)
}

var ErrRouteNotFound = errors.New("no trained link leads to chip")

// Ethernet core grid positions, in port-id order.
var CoreLocations = [16]noc.Coord{
	{X: 9, Y: 0}, {X: 1, Y: 0}, {X: 8, Y: 0}, {X: 2, Y: 0}, {X: 7, Y: 0}, {X: 3, Y: 0}, {X: 6, Y: 0}, {X: 4, Y: 0},
	{X: 9, Y: 6}, {X: 1, Y: 6}, {X: 8, Y: 6}, {X: 2, Y: 6}, {X: 7, Y: 6}, {X: 3, Y: 6}, {X: 6, Y: 6}, {X: 4, Y: 6},
}

// Per-core registers.
const (
	heartbeatAddr  = 0x1c
	cmdQAddrPtr    = 0x170
	localCoordAddr = 0x1108
	remoteCoordReg = 0x1100 + 4*9  // peer shelf + noc position
	remoteRackReg  = 0x1100 + 4*10 // peer rack position
	portStatusBase = 0x1200
)

// LocalAddr reads the chip's own fabric position.  Any ethernet core
// knows it; the first serves.
func LocalAddr(link noc.ReadWriter) (Addr, error) {
	v, err := link.Read32(0, CoreLocations[0], localCoordAddr)
	if err != nil {
		return Addr{}, err
	}
	return Addr{
		RackX:  uint8(v),
		RackY:  uint8(v >> 8),
		ShelfX: uint8(v >> 16),
		ShelfY: uint8(v >> 24),
	}, nil
}

// Neighbor is one trained link out of the chip.
type Neighbor struct {
	Port int
	Core noc.Coord // local tunnel endpoint

	Addr       Addr      // peer chip
	RemoteCore noc.Coord // peer endpoint
}

// Discover walks the ethernet ports and reports where each trained
// link goes.  Port status 0 is still training, 1 is unconnected;
// both are skipped.
func Discover(link noc.ReadWriter) ([]Neighbor, error) {
	var ns []Neighbor
	for port, core := range CoreLocations {
		status, err := link.Read32(0, CoreLocations[0], portStatusBase+4*uint64(port))
		if err != nil {
			return nil, err
		}
		if status == 0 || status == 1 {
			continue
		}

		rack, err := link.Read32(0, core, remoteRackReg)
		if err != nil {
			return nil, err
		}
		id, err := link.Read32(0, core, remoteCoordReg)
		if err != nil {
			return nil, err
		}
		ns = append(ns, Neighbor{
			Port: port,
			Core: core,
			Addr: Addr{
				RackX:  uint8(rack),
				RackY:  uint8(rack >> 8),
				ShelfX: uint8(id >> 16 & 0x3f),
				ShelfY: uint8(id >> 22 & 0x3f),
			},
			RemoteCore: noc.Coord{
				X: uint8(id >> 4 & 0x3f),
				Y: uint8(id >> 10 & 0x3f),
			},
		})
	}
	return ns, nil
}

// WaitTrained blocks until every ethernet heartbeat has advanced
// past its value at entry, meaning link training is done.
func WaitTrained(link noc.ReadWriter, timeout time.Duration) error {
	initial, err := readHeartbeats(link)
	if err != nil {
		return err
	}

	wait := backoff.Backoff{
		Min:    10 * time.Millisecond,
		Max:    100 * time.Millisecond,
		Factor: 2,
	}
	deadline := time.Now().Add(timeout)
	logged := false
	for {
		hb, err := readHeartbeats(link)
		if err != nil {
			return err
		}
		alive := true
		for i := range hb {
			if hb[i] == initial[i] {
				alive = false
				break
			}
		}
		if alive {
			return nil
		}
		if !logged {
			log.Print("waiting for ethernet ports to train")
			logged = true
		}
		if time.Now().After(deadline) {
			return &TimeoutError{Op: "link training", Timeout: timeout}
		}
		time.Sleep(wait.Duration())
	}
}

func readHeartbeats(link noc.ReadWriter) (hb [16]uint32, err error) {
	for i, core := range CoreLocations {
		if hb[i], err = link.Read32(0, core, heartbeatAddr); err != nil {
			return
		}
	}
	return
}

// OpenRemote opens a tunnel to the chip at addr through one of the
// local ethernet cores.  A zero addr picks the first neighbor.  A
// non-neighbor address tunnels through any trained core and lets the
// fabric route the hops; operations answer ErrDestUnreachable when
// routing gives up.  A Remote is itself a noc.ReadWriter, so a
// further Remote can also be opened through it explicitly.
func OpenRemote(link noc.ReadWriter, addr Addr, timeout time.Duration) (*Remote, error) {
	ns, err := Discover(link)
	if err != nil {
		return nil, err
	}
	if len(ns) == 0 {
		return nil, fmt.Errorf("chip %v: %w", addr, ErrRouteNotFound)
	}
	hop := &ns[0]
	dest := hop.Addr
	for i := range ns {
		if !addr.IsZero() && ns[i].Addr == addr {
			hop = &ns[i]
			break
		}
	}
	if !addr.IsZero() {
		dest = addr
	}

	cmdQ, err := link.Read32(0, hop.Core, cmdQAddrPtr)
	if err != nil {
		return nil, err
	}
	if timeout == 0 {
		timeout = time.Second
	}
	return &Remote{
		Link:    link,
		Core:    hop.Core,
		Dest:    dest,
		cmdQ:    uint64(cmdQ),
		timeout: timeout,
	}, nil
}
