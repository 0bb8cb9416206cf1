// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package eth_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/gridlink/gridlink/arch"
	"github.com/gridlink/gridlink/eth"
	"github.com/gridlink/gridlink/internal/simfab"
	"github.com/gridlink/gridlink/noc"
	"github.com/gridlink/gridlink/tlb"
)

func newDevice(t *testing.T, a eth.Addr) (*simfab.Device, *noc.Transport) {
	t.Helper()
	sim := simfab.New()
	sim.SetAddr(a)
	win, err := tlb.New(sim, arch.Wormhole)
	if err != nil {
		t.Fatal(err)
	}
	return sim, &noc.Transport{Bus: sim, Tlb: win}
}

func TestLocalAddr(t *testing.T) {
	want := eth.Addr{RackX: 1, RackY: 2, ShelfX: 3, ShelfY: 4}
	_, link := newDevice(t, want)

	got, err := eth.LocalAddr(link)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("got %v want %v", got, want)
	}
}

func TestDiscover(t *testing.T) {
	a, link := newDevice(t, eth.Addr{ShelfX: 1})
	b, _ := newDevice(t, eth.Addr{RackX: 2, ShelfX: 1, ShelfY: 1})
	a.Connect(3, b)

	ns, err := eth.Discover(link)
	if err != nil {
		t.Fatal(err)
	}
	if len(ns) != 1 {
		t.Fatalf("got %d neighbors want 1", len(ns))
	}
	n := ns[0]
	if n.Port != 3 {
		t.Errorf("port: got %d want 3", n.Port)
	}
	if n.Core != eth.CoreLocations[3] {
		t.Errorf("core: got %v want %v", n.Core, eth.CoreLocations[3])
	}
	if n.Addr != b.Addr {
		t.Errorf("addr: got %v want %v", n.Addr, b.Addr)
	}
}

func TestOpenRemoteNoRoute(t *testing.T) {
	a, link := newDevice(t, eth.Addr{})
	b, _ := newDevice(t, eth.Addr{ShelfX: 1})

	_, err := eth.OpenRemote(link, b.Addr, time.Second)
	if !errors.Is(err, eth.ErrRouteNotFound) {
		t.Fatalf("got %v want ErrRouteNotFound", err)
	}

	// Cable it up and try again.
	a.Connect(0, b)
	if _, err = eth.OpenRemote(link, b.Addr, time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestRemoteWord(t *testing.T) {
	a, link := newDevice(t, eth.Addr{})
	b, _ := newDevice(t, eth.Addr{ShelfX: 1})
	a.Connect(0, b)

	r, err := eth.OpenRemote(link, eth.Addr{}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if r.Dest != b.Addr {
		t.Fatalf("zero addr resolved to %v want %v", r.Dest, b.Addr)
	}

	target := noc.Coord{X: 2, Y: 3}
	if err := r.Write32(0, target, 0x100, 0xdeadbeef); err != nil {
		t.Fatal(err)
	}
	v, err := r.Read32(0, target, 0x100)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0xdeadbeef {
		t.Errorf("got %#x want 0xdeadbeef", v)
	}
	mem := b.NodeMem(target.X, target.Y)
	if mem[0x100] != 0xef || mem[0x103] != 0xde {
		t.Error("write did not land in remote node memory")
	}
}

func TestRemoteBlock(t *testing.T) {
	a, link := newDevice(t, eth.Addr{})
	b, _ := newDevice(t, eth.Addr{ShelfX: 1})
	a.Connect(0, b)

	r, err := eth.OpenRemote(link, b.Addr, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	staging := make([]byte, 64)
	a.RegisterHostMemory(0x8000, staging)
	r.Staging = &eth.Buffer{Data: staging, PhysAddr: 0x8000}

	data := make([]byte, 256) // several staging slices
	for i := range data {
		data[i] = byte(i ^ 0x5a)
	}
	target := noc.Coord{X: 1, Y: 1}
	if err := r.Write(0, target, 0x2000, data); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(data))
	if err := r.Read(0, target, 0x2000, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("staged block round trip mismatched")
	}
}

func TestRemoteSlowPath(t *testing.T) {
	a, link := newDevice(t, eth.Addr{})
	b, _ := newDevice(t, eth.Addr{ShelfX: 1})
	a.Connect(0, b)

	r, err := eth.OpenRemote(link, b.Addr, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	// No staging buffer, and an odd length to force the tail
	// read-modify-write.
	data := []byte{1, 2, 3, 4, 5, 6, 7}
	target := noc.Coord{X: 4, Y: 4}
	if err := r.Write(0, target, 0x40, data); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(data))
	if err := r.Read(0, target, 0x40, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("word loop round trip mismatched")
	}
}

func TestNestedRemote(t *testing.T) {
	a, link := newDevice(t, eth.Addr{})
	b, _ := newDevice(t, eth.Addr{ShelfX: 1})
	c, _ := newDevice(t, eth.Addr{ShelfX: 2})
	a.Connect(0, b)
	b.Connect(1, c)

	rb, err := eth.OpenRemote(link, b.Addr, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	rc, err := eth.OpenRemote(rb, c.Addr, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	target := noc.Coord{X: 3, Y: 2}
	if err := rc.Write32(0, target, 0x80, 0x12345678); err != nil {
		t.Fatal(err)
	}
	v, err := rc.Read32(0, target, 0x80)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x12345678 {
		t.Errorf("got %#x want 0x12345678", v)
	}
	if c.NodeMem(target.X, target.Y)[0x80] != 0x78 {
		t.Error("write did not reach the two-hop chip")
	}
}

func TestRemoteBroadcast(t *testing.T) {
	a, link := newDevice(t, eth.Addr{})
	b, _ := newDevice(t, eth.Addr{ShelfX: 1})
	a.Connect(0, b)

	r, err := eth.OpenRemote(link, b.Addr, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Broadcast(0, noc.Coord{X: 1, Y: 1}, noc.Coord{X: 2, Y: 2}, 0x10, []byte{0xaa, 0xbb, 0xcc, 0xdd}); err != nil {
		t.Fatal(err)
	}
	for _, pos := range [][2]uint8{{1, 1}, {1, 2}, {2, 1}, {2, 2}} {
		if b.NodeMem(pos[0], pos[1])[0x10] != 0xaa {
			t.Errorf("node %v missed the broadcast", pos)
		}
	}

	err = r.Broadcast(0, noc.Coord{X: 2, Y: 2}, noc.Coord{X: 1, Y: 1}, 0, []byte{1})
	if !errors.Is(err, noc.ErrBadRectangle) {
		t.Errorf("got %v want ErrBadRectangle", err)
	}
	if !errors.Is(err, tlb.ErrUnsupportedRouting) {
		t.Errorf("got %v want ErrUnsupportedRouting", err)
	}
}

func TestQueueControlLayout(t *testing.T) {
	a, link := newDevice(t, eth.Addr{})
	b, _ := newDevice(t, eth.Addr{ShelfX: 1})
	a.Connect(0, b)

	r, err := eth.OpenRemote(link, b.Addr, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Write32(0, noc.Coord{X: 1, Y: 1}, 0x40, 1); err != nil {
		t.Fatal(err)
	}

	// The tunnel firmware fixes the control words of the request
	// ring: write pointer at word 8, read pointer at word 12, first
	// entry at word 16.
	q, err := link.Read32(0, eth.CoreLocations[0], 0x170)
	if err != nil {
		t.Fatal(err)
	}
	mem := a.NodeMem(eth.CoreLocations[0].X, eth.CoreLocations[0].Y)
	word := func(off uint64) uint32 {
		addr := uint64(q) + 0x80 + off
		return uint32(mem[addr]) | uint32(mem[addr+1])<<8 |
			uint32(mem[addr+2])<<16 | uint32(mem[addr+3])<<24
	}
	if got := word(4 * 8); got != 1 {
		t.Errorf("write pointer at word 8: got %d want 1", got)
	}
	if got := word(4 * 12); got != 1 {
		t.Errorf("read pointer at word 12: got %d want 1", got)
	}
	if flags := word(4*16 + 12); flags&1 == 0 {
		t.Errorf("entry zero flags at word 16: got %#x want write request", flags)
	}
}

func TestRemoteFabricRouting(t *testing.T) {
	a, link := newDevice(t, eth.Addr{})
	b, _ := newDevice(t, eth.Addr{ShelfX: 1})
	a.Connect(0, b)

	// Not a neighbor: the request still tunnels through the live
	// core and the fabric answers for the missing chip.
	far := eth.Addr{RackX: 3, ShelfX: 2}
	r, err := eth.OpenRemote(link, far, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if r.Dest != far {
		t.Errorf("dest: got %v want %v", r.Dest, far)
	}
	_, err = r.Read32(0, noc.Coord{X: 1, Y: 1}, 0)
	if !errors.Is(err, eth.ErrDestUnreachable) {
		t.Errorf("got %v want ErrDestUnreachable", err)
	}
}

func TestBroadcastGridEdge(t *testing.T) {
	a, link := newDevice(t, eth.Addr{})
	b, _ := newDevice(t, eth.Addr{ShelfX: 1})
	a.Connect(0, b)

	r, err := eth.OpenRemote(link, b.Addr, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	// Rectangle reaching the last row of the coordinate space.
	err = r.Broadcast(0, noc.Coord{X: 1, Y: 254}, noc.Coord{X: 1, Y: 255}, 0x10, []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatal(err)
	}
	for _, y := range []uint8{254, 255} {
		if b.NodeMem(1, y)[0x10] != 1 {
			t.Errorf("node (1,%d) missed the broadcast", y)
		}
	}
}

func TestRemoteTimeout(t *testing.T) {
	a, link := newDevice(t, eth.Addr{})
	b, _ := newDevice(t, eth.Addr{ShelfX: 1})
	a.Connect(0, b)

	r, err := eth.OpenRemote(link, b.Addr, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	a.Disconnect(0)

	_, err = r.Read32(0, noc.Coord{X: 1, Y: 1}, 0)
	var te *eth.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("got %v want TimeoutError", err)
	}
	if te.Addr != b.Addr {
		t.Errorf("timeout names %v want %v", te.Addr, b.Addr)
	}
}

func TestWaitTrainedTimeout(t *testing.T) {
	_, link := newDevice(t, eth.Addr{})
	err := eth.WaitTrained(link, 30*time.Millisecond)
	var te *eth.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("got %v want TimeoutError", err)
	}
}
