// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Hardware address-translation window management.  A window maps a
// range of NOC coordinates and a local address range to an offset in
// the PCI BAR; the set of windows is small and hardware-fixed, so the
// manager hands out scratch windows by reusing the least-recently
// configured non-pinned index.
package tlb

import (
	"errors"
	"fmt"

	"github.com/gridlink/gridlink/arch"
	"github.com/gridlink/gridlink/axi"
)

var (
	ErrInvalidIndex       = errors.New("tlb index out of range")
	ErrUnsupportedRouting = errors.New("routing not representable by tlb encoding")
	ErrNoWindow           = errors.New("no tlb window available")
)

// Ordering of traffic through a window relative to other traffic.
type Ordering uint8

const (
	Relaxed Ordering = iota
	Strict
	Posted
	PostedStrict
)

// Window is one translation window.  For unicast traffic the target
// node is (XEnd, YEnd); for multicast the targets are the axis-aligned
// rectangle (XStart, YStart)-(XEnd, YEnd).
type Window struct {
	LocalOffset uint64
	XEnd, YEnd  uint8
	XStart      uint8
	YStart      uint8
	NocSel      uint8
	Mcast       bool
	Ordering    Ordering
	Linked      bool
}

// Region is a translated span of the BAR.
type Region struct {
	Addr uint64
	Size uint64
}

type bank struct {
	count uint16
	size  uint64
	base  uint64
}

type geometry struct {
	configBase   uint64
	configStride uint64
	banks        []bank
}

func (g *geometry) total() (n uint16) {
	for _, b := range g.banks {
		n += b.count
	}
	return
}

// bankOf returns the bank holding index and the index within it.
func (g *geometry) bankOf(index uint16) (bank, uint16) {
	i := index
	for _, b := range g.banks {
		if i < b.count {
			return b, i
		}
		i -= b.count
	}
	panic(fmt.Errorf("tlb index %d out of geometry", index))
}

type Manager struct {
	Bus axi.ReadWriter

	arch arch.Arch
	geo  geometry

	defaultIndex uint16

	// Shadow of the last configuration written through this manager:
	// used only to find a live window on Translate.  Hardware state is
	// written immediately on Configure; there is no staging.
	live   []Window
	valid  []bool
	pinned []bool
	stamp  []uint64
	clock  uint64
}

func New(bus axi.ReadWriter, a arch.Arch) (*Manager, error) {
	geo, err := geometryOf(a)
	if err != nil {
		return nil, err
	}
	n := geo.total()
	m := &Manager{
		Bus:          bus,
		arch:         a,
		geo:          geo,
		defaultIndex: n - 1,
		live:         make([]Window, n),
		valid:        make([]bool, n),
		pinned:       make([]bool, n),
		stamp:        make([]uint64, n),
	}
	return m, nil
}

func geometryOf(a arch.Arch) (geometry, error) {
	switch a {
	case arch.Grayskull:
		return grayskullGeometry, nil
	case arch.Wormhole:
		return wormholeGeometry, nil
	case arch.Blackhole:
		return blackholeGeometry, nil
	}
	return geometry{}, fmt.Errorf("no tlb geometry for %v", a)
}

// MaxIndex is the hardware window count; valid indices are
// [0, MaxIndex).
func (m *Manager) MaxIndex() uint16 { return m.geo.total() }

func (m *Manager) checkWindow(w Window) error {
	if w.Mcast {
		if w.XStart > w.XEnd || w.YStart > w.YEnd {
			return fmt.Errorf("%w: multicast (%d,%d)-(%d,%d) is not an axis-aligned rectangle",
				ErrUnsupportedRouting, w.XStart, w.YStart, w.XEnd, w.YEnd)
		}
	}
	if w.Ordering == PostedStrict && m.arch != arch.Blackhole {
		return fmt.Errorf("%w: posted-strict ordering", ErrUnsupportedRouting)
	}
	return nil
}

// Configure programs window index and returns the BAR region that now
// reaches w.LocalOffset at the window's target.  Hardware state is
// overwritten immediately; concurrent reconfiguration of one index is
// the caller's to serialize.
func (m *Manager) Configure(index uint16, w Window) (Region, error) {
	if index >= m.geo.total() {
		return Region{}, fmt.Errorf("%w: %d >= %d", ErrInvalidIndex, index, m.geo.total())
	}
	if err := m.checkWindow(w); err != nil {
		return Region{}, err
	}

	b, bi := m.geo.bankOf(index)
	aligned := w.LocalOffset / b.size
	off := w.LocalOffset % b.size

	enc := w
	enc.LocalOffset = aligned
	words := m.pack(enc, index)

	cfg := m.geo.configBase + uint64(index)*m.geo.configStride
	for i, v := range words {
		if err := m.Bus.Write32(cfg+uint64(4*i), v); err != nil {
			return Region{}, err
		}
	}

	m.clock++
	m.live[index] = w
	m.valid[index] = true
	m.stamp[index] = m.clock

	return Region{Addr: b.base + b.size*uint64(bi) + off, Size: b.size - off}, nil
}

// Get reads back and decodes the current configuration of index from
// hardware.
func (m *Manager) Get(index uint16) (Window, error) {
	if index >= m.geo.total() {
		return Window{}, fmt.Errorf("%w: %d >= %d", ErrInvalidIndex, index, m.geo.total())
	}
	cfg := m.geo.configBase + uint64(index)*m.geo.configStride
	nwords := int(m.geo.configStride / 4)
	words := make([]uint32, nwords)
	for i := range words {
		v, err := m.Bus.Read32(cfg + uint64(4*i))
		if err != nil {
			return Window{}, err
		}
		words[i] = v
	}
	w := m.unpack(words, index)
	b, _ := m.geo.bankOf(index)
	w.LocalOffset *= b.size
	return w, nil
}

// SelectDefault picks the window Translate claims first when nothing
// covers a target.
func (m *Manager) SelectDefault(index uint16) error {
	if index >= m.geo.total() {
		return fmt.Errorf("%w: %d >= %d", ErrInvalidIndex, index, m.geo.total())
	}
	m.defaultIndex = index
	return nil
}

// Pin excludes index from scratch-window reclamation.
func (m *Manager) Pin(index uint16) error {
	if index >= m.geo.total() {
		return fmt.Errorf("%w: %d >= %d", ErrInvalidIndex, index, m.geo.total())
	}
	m.pinned[index] = true
	return nil
}

func (m *Manager) Unpin(index uint16) error {
	if index >= m.geo.total() {
		return fmt.Errorf("%w: %d >= %d", ErrInvalidIndex, index, m.geo.total())
	}
	m.pinned[index] = false
	return nil
}

// covers reports whether live window i reaches unicast target
// (nocSel, x, y) at local address addr, and the BAR offset if so.
func (m *Manager) covers(i uint16, nocSel, x, y uint8, addr uint64) (uint64, bool) {
	if !m.valid[i] {
		return 0, false
	}
	w := m.live[i]
	if w.Mcast || w.NocSel != nocSel || w.XEnd != x || w.YEnd != y {
		return 0, false
	}
	b, bi := m.geo.bankOf(i)
	aligned := (w.LocalOffset / b.size) * b.size
	if addr < aligned || addr >= aligned+b.size {
		return 0, false
	}
	return b.base + b.size*uint64(bi) + (addr - aligned), true
}

// Translate resolves a unicast (coordinate, address) pair to a BAR
// region.  If no live window covers the target it claims a scratch
// window, preferring the selected default, then the least-recently
// configured non-pinned index.
func (m *Manager) Translate(nocSel, x, y uint8, addr uint64) (Region, error) {
	for i := uint16(0); i < m.geo.total(); i++ {
		if off, ok := m.covers(i, nocSel, x, y, addr); ok {
			b, _ := m.geo.bankOf(i)
			aligned := (m.live[i].LocalOffset / b.size) * b.size
			return Region{Addr: off, Size: b.size - (addr - aligned)}, nil
		}
	}

	return m.Map(Window{
		LocalOffset: addr,
		XEnd:        x,
		YEnd:        y,
		NocSel:      nocSel,
	})
}

// Map claims a scratch window, programs it with w and returns the
// mapped BAR region.  Use it for routings Translate cannot express,
// multicast in particular.
func (m *Manager) Map(w Window) (Region, error) {
	claim, err := m.claim()
	if err != nil {
		return Region{}, err
	}
	return m.Configure(claim, w)
}

func (m *Manager) claim() (uint16, error) {
	if !m.pinned[m.defaultIndex] && !m.valid[m.defaultIndex] {
		return m.defaultIndex, nil
	}
	best := -1
	for i := uint16(0); i < m.geo.total(); i++ {
		if m.pinned[i] {
			continue
		}
		if best < 0 || m.stamp[i] < m.stamp[best] {
			best = int(i)
		}
	}
	if best < 0 {
		return 0, ErrNoWindow
	}
	return uint16(best), nil
}
