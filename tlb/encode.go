// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tlb

import "github.com/gridlink/gridlink/arch"

const tlbConfigBase = 0x1FC00000

// Grayskull and Wormhole carry three window banks behind one config
// array of 64-bit entries; Blackhole has two banks with 96-bit
// entries.
var (
	grayskullGeometry = geometry{
		configBase:   tlbConfigBase,
		configStride: 8,
		banks: []bank{
			{count: 156, size: 1 << 20, base: 0},
			{count: 10, size: 1 << 21, base: 156 << 20},
			{count: 20, size: 1 << 24, base: (156 << 20) + (10 << 21)},
		},
	}
	wormholeGeometry = geometry{
		configBase:   tlbConfigBase,
		configStride: 8,
		banks: []bank{
			{count: 156, size: 1 << 20, base: 0},
			{count: 10, size: 1 << 21, base: 156 << 20},
			{count: 20, size: 1 << 24, base: (156 << 20) + (10 << 21)},
		},
	}
	blackholeGeometry = geometry{
		configBase:   tlbConfigBase,
		configStride: 12,
		banks: []bank{
			{count: 202, size: 1 << 21, base: 0},
			{count: 8, size: 1 << 32, base: 202 << 21},
		},
	}
)

// Window encodings store the local offset in window-sized units, so
// the offset field width shrinks as the window size grows.
func offsetBits(a arch.Arch, size uint64) uint {
	if a == arch.Blackhole {
		if size == 1<<32 {
			return 32
		}
		return 43
	}
	switch size {
	case 1 << 20:
		return 16
	case 1 << 21:
		return 15
	default:
		return 12
	}
}

type bitpack struct {
	w  [4]uint32
	sh uint
}

func (p *bitpack) put(v uint64, n uint) {
	v &= 1<<n - 1
	i, o := p.sh/32, p.sh%32
	p.w[i] |= uint32(v << o)
	if o+n > 32 {
		p.w[i+1] |= uint32(v >> (32 - o))
	}
	if o+n > 64 {
		p.w[i+2] |= uint32(v >> (64 - o))
	}
	p.sh += n
}

func (p *bitpack) get(n uint) uint64 {
	i, o := p.sh/32, p.sh%32
	v := uint64(p.w[i]) >> o
	for got := 32 - o; got < n; got += 32 {
		i++
		v |= uint64(p.w[i]) << got
	}
	p.sh += n
	return v & (1<<n - 1)
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (m *Manager) pack(w Window, index uint16) []uint32 {
	b, _ := m.geo.bankOf(index)
	var p bitpack
	p.put(w.LocalOffset, offsetBits(m.arch, b.size))
	p.put(uint64(w.XEnd), 6)
	p.put(uint64(w.YEnd), 6)
	p.put(uint64(w.XStart), 6)
	p.put(uint64(w.YStart), 6)
	if m.arch == arch.Blackhole {
		p.put(uint64(w.NocSel), 2)
	} else {
		p.put(uint64(w.NocSel), 1)
	}
	p.put(b2u(w.Mcast), 1)
	p.put(uint64(w.Ordering), 2)
	p.put(b2u(w.Linked), 1)
	n := int(m.geo.configStride / 4)
	return p.w[:n]
}

func (m *Manager) unpack(words []uint32, index uint16) Window {
	b, _ := m.geo.bankOf(index)
	var p bitpack
	copy(p.w[:], words)
	var w Window
	w.LocalOffset = p.get(offsetBits(m.arch, b.size))
	w.XEnd = uint8(p.get(6))
	w.YEnd = uint8(p.get(6))
	w.XStart = uint8(p.get(6))
	w.YStart = uint8(p.get(6))
	if m.arch == arch.Blackhole {
		w.NocSel = uint8(p.get(2))
	} else {
		w.NocSel = uint8(p.get(1))
	}
	w.Mcast = p.get(1) != 0
	w.Ordering = Ordering(p.get(2))
	w.Linked = p.get(1) != 0
	return w
}
