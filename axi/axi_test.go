// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package axi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// memBus is a flat in-memory register file.
type memBus map[uint64]byte

func (m memBus) Read(addr uint64, data []byte) error {
	for i := range data {
		data[i] = m[addr+uint64(i)]
	}
	return nil
}

func (m memBus) Write(addr uint64, data []byte) error {
	for i := range data {
		m[addr+uint64(i)] = data[i]
	}
	return nil
}

func (m memBus) Read32(addr uint64) (uint32, error) {
	var b [4]byte
	m.Read(addr, b[:])
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (m memBus) Write32(addr uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.Write(addr, b[:])
}

func TestTransportDirect(t *testing.T) {
	bus := make(memBus)
	tr := &Transport{Bus: bus, Limit: 0x1000}

	if err := tr.Write32(0x10, 0xdeadbeef); err != nil {
		t.Fatal(err)
	}
	v, err := tr.Read32(0x10)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0xdeadbeef {
		t.Errorf("got %#x want 0xdeadbeef", v)
	}
}

func TestTransportRemapChunks(t *testing.T) {
	bus := make(memBus)
	// Remap in fixed 8-byte spans: address A lands at BAR offset
	// A-0x1000+0x100, at most 8 bytes at a time.
	var calls int
	tr := &Transport{
		Bus:   bus,
		Limit: 0x1000,
		Remap: func(addr, size uint64) (uint64, uint64, error) {
			calls++
			return addr - 0x1000 + 0x100, 8, nil
		},
	}

	data := []byte("sliding across windows")
	if err := tr.Write(0x1004, data); err != nil {
		t.Fatal(err)
	}
	if want := (len(data) + 7) / 8; calls != want {
		t.Errorf("write remap calls: got %d want %d", calls, want)
	}

	got := make([]byte, len(data))
	if err := tr.Read(0x1004, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("got %q want %q", got, data)
	}

	// The bytes really live at the remapped offset.
	direct := make([]byte, len(data))
	bus.Read(0x104, direct)
	if !bytes.Equal(direct, data) {
		t.Errorf("remapped bytes: got %q want %q", direct, data)
	}
}

func TestTransportRemapError(t *testing.T) {
	boom := errors.New("boom")
	tr := &Transport{
		Bus:   make(memBus),
		Limit: 0x1000,
		Remap: func(addr, size uint64) (uint64, uint64, error) {
			return 0, 0, boom
		},
	}
	if err := tr.Write32(0x2000, 1); !errors.Is(err, boom) {
		t.Errorf("got %v want remap error", err)
	}
}

func TestIoErrorUnwrap(t *testing.T) {
	e := &IoError{Op: "read", Addr: 0x40, Err: ErrBrokenConnection}
	if !errors.Is(e, ErrBrokenConnection) {
		t.Error("IoError does not unwrap to ErrBrokenConnection")
	}
}
