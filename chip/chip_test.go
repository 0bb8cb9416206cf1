// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package chip_test

import (
	"errors"
	"testing"

	"github.com/gridlink/gridlink/arc"
	"github.com/gridlink/gridlink/arch"
	"github.com/gridlink/gridlink/chip"
	"github.com/gridlink/gridlink/eth"
	"github.com/gridlink/gridlink/internal/simfab"
	"github.com/gridlink/gridlink/noc"
)

func newChip(t *testing.T) (*chip.Chip, *simfab.Device) {
	t.Helper()
	sim := simfab.New()
	c, err := chip.NewFromBus(sim, arch.Wormhole)
	if err != nil {
		t.Fatal(err)
	}
	return c, sim
}

func TestCapabilities(t *testing.T) {
	c, _ := newChip(t)
	for _, name := range []string{chip.CapNoc, chip.CapArc, chip.CapPciDma} {
		if err := c.Capability(name); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
	err := c.Capability("JTAG")
	if !errors.Is(err, chip.ErrUnsupportedCapability) {
		t.Errorf("got %v want ErrUnsupportedCapability", err)
	}
}

func TestCloseWithoutBuffers(t *testing.T) {
	// A chip that never allocated pinned memory still closes
	// cleanly; the DMA engine has nothing to release.
	c, _ := newChip(t)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestVariants(t *testing.T) {
	c, _ := newChip(t)
	if _, err := c.AsWormhole(); err != nil {
		t.Error(err)
	}
	_, err := c.AsGrayskull()
	var ae *chip.ArchError
	if !errors.As(err, &ae) {
		t.Errorf("got %v want ArchError", err)
	}
}

func TestAIClk(t *testing.T) {
	c, sim := newChip(t)
	sim.Handlers[arc.OpGetAiclk] = func(arg0, arg1 uint16) simfab.Reply {
		return simfab.Reply{RC: 800}
	}
	mhz, err := c.AIClk()
	if err != nil {
		t.Fatal(err)
	}
	if mhz != 800 {
		t.Errorf("got %d want 800", mhz)
	}
}

func TestFwVersion(t *testing.T) {
	c, sim := newChip(t)
	sim.Handlers[arc.OpFwVersion] = func(arg0, arg1 uint16) simfab.Reply {
		return simfab.Reply{Values: [3]uint32{0x01080000}}
	}
	v, err := c.FwVersion()
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x01080000 {
		t.Errorf("got %#x want 0x01080000", v)
	}
}

func TestBoardID(t *testing.T) {
	c, sim := newChip(t)
	const info = 0x1fe80000 + 0x78828 + 0x108
	sim.SetAxi32(info, 0x44556677)
	sim.SetAxi32(info+4, 0x00112233)

	id, err := c.BoardID()
	if err != nil {
		t.Fatal(err)
	}
	if want := uint64(0x0011223344556677); id != want {
		t.Errorf("got %#x want %#x", id, want)
	}
}

func TestTelemetry(t *testing.T) {
	c, sim := newChip(t)

	// Table lives at ARC-internal 0x10060000, which the host sees
	// at csm + 0x60000.
	sim.Handlers[arc.OpGetSmbusTelemetryAddr] = func(arg0, arg1 uint16) simfab.Reply {
		return simfab.Reply{Values: [3]uint32{0x10060000}}
	}
	const table = 0x1fe80000 + 0x60000
	seed := map[int]uint32{
		1:  0x401e,      // DeviceID
		4:  0x0100,      // BoardIDHigh
		5:  0x14028011,  // BoardIDLow
		6:  0x00020d07,  // Arc0FwVersion 2.13.7
		24: 0x03e80320,  // AIClk: current 800, max 1000
		28: 850,         // VCore mV
		36: 0x681e_0000, // FwDate 2026-08-30
	}
	for i, v := range seed {
		sim.SetAxi32(table+4*uint64(i), v)
	}

	tel, err := c.Telemetry()
	if err != nil {
		t.Fatal(err)
	}
	if tel.DeviceID != 0x401e {
		t.Errorf("DeviceID: got %#x want 0x401e", tel.DeviceID)
	}
	if got, want := tel.BoardSerial(), uint64(0x0100_14028011); got != want {
		t.Errorf("BoardSerial: got %#x want %#x", got, want)
	}
	if got := tel.AIClkMHz(); got != 800 {
		t.Errorf("AIClkMHz: got %d want 800", got)
	}
	if got := tel.ArcFwVersionString(); got != "2.13.7" {
		t.Errorf("ArcFwVersionString: got %q want 2.13.7", got)
	}
	if got := tel.FirmwareDate(); got != "2026-08-30" {
		t.Errorf("FirmwareDate: got %q want 2026-08-30", got)
	}
	if got := tel.Voltage(); got != 0.85 {
		t.Errorf("Voltage: got %v want 0.85", got)
	}
}

func TestTelemetryBadAddr(t *testing.T) {
	c, sim := newChip(t)
	sim.Handlers[arc.OpGetSmbusTelemetryAddr] = func(arg0, arg1 uint16) simfab.Reply {
		return simfab.Reply{Values: [3]uint32{0x1234}}
	}
	if _, err := c.Telemetry(); err == nil {
		t.Error("out-of-range table address accepted")
	}
}

func TestRemote(t *testing.T) {
	c, sim := newChip(t)
	peer := simfab.New()
	peer.SetAddr(eth.Addr{ShelfX: 1})
	sim.SetAddr(eth.Addr{})
	sim.Connect(0, peer)

	r, err := c.Remote(peer.Addr)
	if err != nil {
		t.Fatal(err)
	}
	if r.Addr != peer.Addr {
		t.Errorf("addr: got %v want %v", r.Addr, peer.Addr)
	}

	fab, err := r.NOC()
	if err != nil {
		t.Fatal(err)
	}
	target := noc.Coord{X: 2, Y: 2}
	if err := fab.Write32(0, target, 0x100, 0xcafef00d); err != nil {
		t.Fatal(err)
	}
	if peer.NodeMem(target.X, target.Y)[0x100] != 0x0d {
		t.Error("remote write did not land on the peer")
	}

	if _, err := r.ARC(); !errors.Is(err, chip.ErrUnsupportedCapability) {
		t.Errorf("remote ARC: got %v want ErrUnsupportedCapability", err)
	}
	if _, err := r.AXI(); !errors.Is(err, chip.ErrUnsupportedCapability) {
		t.Errorf("remote AXI: got %v want ErrUnsupportedCapability", err)
	}

	again, err := c.Remote(peer.Addr)
	if err != nil {
		t.Fatal(err)
	}
	if again != r {
		t.Error("second open did not reuse the cached handle")
	}
}

func TestRemoteNoRoute(t *testing.T) {
	c, _ := newChip(t)
	_, err := c.Remote(eth.Addr{ShelfX: 5})
	if !errors.Is(err, eth.ErrRouteNotFound) {
		t.Errorf("got %v want ErrRouteNotFound", err)
	}
}

func TestNeighbors(t *testing.T) {
	c, sim := newChip(t)
	peer := simfab.New()
	peer.SetAddr(eth.Addr{ShelfY: 1})
	sim.Connect(2, peer)

	ns, err := c.Neighbors()
	if err != nil {
		t.Fatal(err)
	}
	if len(ns) != 1 || ns[0].Addr != peer.Addr {
		t.Fatalf("got %v want one neighbor at %v", ns, peer.Addr)
	}
}
