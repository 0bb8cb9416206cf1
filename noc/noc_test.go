// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package noc_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gridlink/gridlink/arch"
	"github.com/gridlink/gridlink/internal/simfab"
	"github.com/gridlink/gridlink/noc"
	"github.com/gridlink/gridlink/tlb"
)

func newTransport(t *testing.T) (*noc.Transport, *simfab.Device) {
	t.Helper()
	sim := simfab.New()
	win, err := tlb.New(sim, arch.Wormhole)
	if err != nil {
		t.Fatal(err)
	}
	return &noc.Transport{Bus: sim, Tlb: win}, sim
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func TestWrite32ReadBack(t *testing.T) {
	tr, sim := newTransport(t)
	target := noc.Coord{X: 1, Y: 1}

	if err := tr.Write32(0, target, 0x100, 0xdeadbeef); err != nil {
		t.Fatal(err)
	}
	v, err := tr.Read32(0, target, 0x100)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0xdeadbeef {
		t.Errorf("got %#x want 0xdeadbeef", v)
	}

	mem := sim.NodeMem(1, 1)
	got := []byte{mem[0x100], mem[0x101], mem[0x102], mem[0x103]}
	if want := []byte{0xef, 0xbe, 0xad, 0xde}; !bytes.Equal(got, want) {
		t.Errorf("node memory: got %x want %x", got, want)
	}
}

func TestBlockAcrossWindows(t *testing.T) {
	tr, _ := newTransport(t)
	target := noc.Coord{X: 3, Y: 5}

	// Start close enough to a window boundary that the transfer has
	// to re-point the window mid-copy.
	const addr = 1<<20 - 0x8000
	data := pattern(0x10000)

	if err := tr.Write(0, target, addr, data); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(data))
	if err := tr.Read(0, target, addr, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("round trip across window boundary mismatched")
	}
}

func TestSecondFabric(t *testing.T) {
	tr, _ := newTransport(t)
	target := noc.Coord{X: 2, Y: 2}

	if err := tr.Write32(1, target, 0x40, 0x11111111); err != nil {
		t.Fatal(err)
	}
	v, err := tr.Read32(1, target, 0x40)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x11111111 {
		t.Errorf("got %#x want 0x11111111", v)
	}
}

func TestBroadcast(t *testing.T) {
	tr, sim := newTransport(t)
	data := pattern(8)

	if err := tr.Broadcast(0, noc.Coord{X: 1, Y: 1}, noc.Coord{X: 2, Y: 2}, 0x40, data); err != nil {
		t.Fatal(err)
	}
	for _, c := range []noc.Coord{{1, 1}, {1, 2}, {2, 1}, {2, 2}} {
		mem := sim.NodeMem(c.X, c.Y)
		got := make([]byte, len(data))
		for i := range got {
			got[i] = mem[0x40+uint64(i)]
		}
		if !bytes.Equal(got, data) {
			t.Errorf("node %v: got %x want %x", c, got, data)
		}
	}
}

func TestBroadcastBadRectangle(t *testing.T) {
	tr, _ := newTransport(t)
	err := tr.Broadcast(0, noc.Coord{X: 3, Y: 1}, noc.Coord{X: 1, Y: 2}, 0, []byte{1})
	if !errors.Is(err, noc.ErrBadRectangle) {
		t.Errorf("got %v want ErrBadRectangle", err)
	}
	if !errors.Is(err, tlb.ErrUnsupportedRouting) {
		t.Errorf("got %v want ErrUnsupportedRouting", err)
	}
}

func TestBroadcast32(t *testing.T) {
	tr, sim := newTransport(t)
	if err := tr.Broadcast32(0, noc.Coord{X: 1, Y: 1}, noc.Coord{X: 1, Y: 2}, 0x80, 0xcafef00d); err != nil {
		t.Fatal(err)
	}
	for _, c := range [][2]uint8{{1, 1}, {1, 2}} {
		mem := sim.NodeMem(c[0], c[1])
		if mem[0x80] != 0x0d || mem[0x83] != 0xca {
			t.Errorf("node %v missing broadcast value", c)
		}
	}
}
