// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package chip ties the register transport, window manager, firmware
// mailbox, NOC and DMA engine together into one handle per chip.
// Remote chips reached over the ethernet fabric get the same handle
// with a reduced capability set.
package chip

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gridlink/gridlink/arc"
	"github.com/gridlink/gridlink/arch"
	"github.com/gridlink/gridlink/axi"
	"github.com/gridlink/gridlink/dma"
	"github.com/gridlink/gridlink/eth"
	"github.com/gridlink/gridlink/hw/pci"
	"github.com/gridlink/gridlink/noc"
	"github.com/gridlink/gridlink/tlb"
)

const (
	// ARC_CSM as the host sees it, and the CSM-resident DMA request
	// block inside it.
	csmBase        = 0x1fe80000
	dmaRequestAddr = 0x1fef84c8

	// The ARC core's private address space starts here when reached
	// over the NOC; the CSM sits 256M in.
	arcNocBase  = 0x8_0000_0000
	arcInternal = 0x1000_0000

	// board_info words in the CSM-resident SPI table.
	boardInfoAddr = csmBase + 0x78828 + 0x108

	// AXI aperture visible through the BAR mappings.
	axiAperture = 1 << 29
)

// arcNode is the grid position of the management core, which exposes
// its private address space to the NOC.
func arcNode(a arch.Arch) noc.Coord {
	switch a {
	case arch.Grayskull:
		return noc.Coord{X: 0, Y: 2}
	case arch.Blackhole:
		return noc.Coord{X: 8, Y: 0}
	default:
		return noc.Coord{X: 0, Y: 10}
	}
}

// Capabilities a transport may carry.  A handle reached over a
// reduced link (ethernet tunnel, debug probe) refuses the missing
// ones at lookup time rather than on first use.
const (
	CapNoc    = "NOC"
	CapArc    = "ARC"
	CapPciDma = "PciDma"
)

var ErrUnsupportedCapability = errors.New("capability not supported by transport")

// ArchError reports a variant accessor applied to the wrong silicon.
type ArchError struct {
	Want, Got arch.Arch
}

func (e *ArchError) Error() string {
	return fmt.Sprintf("chip is %v, not %v", e.Got, e.Want)
}

// Chip is one device, local or remote.
type Chip struct {
	Arch arch.Arch

	// Addr is the chip's fabric position; meaningful once the
	// ethernet side has been brought up.
	Addr eth.Addr

	dev *pci.Device
	bus *axi.Transport
	win *tlb.Manager
	fab noc.ReadWriter
	fw  *arc.Client
	eng *dma.Engine

	remotes map[eth.Addr]*Chip
}

// Scan lists device ids with a driver node present.
func Scan() []int { return pci.Scan() }

// Open builds a full-capability handle on a PCI-attached device.
func Open(id int) (*Chip, error) {
	dev, err := pci.Open(id)
	if err != nil {
		return nil, err
	}
	c, err := newLocal(dev)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return c, nil
}

func newLocal(dev *pci.Device) (*Chip, error) {
	c, err := NewFromBus(dev, dev.Arch)
	if err != nil {
		return nil, err
	}
	c.dev = dev
	return c, nil
}

// NewFromBus builds a handle over an already-open register
// transport: Open for PCI devices, a simulated bus in tests.
func NewFromBus(raw axi.ReadWriter, a arch.Arch) (*Chip, error) {
	win, err := tlb.New(raw, a)
	if err != nil {
		return nil, err
	}
	node := arcNode(a)
	bus := &axi.Transport{
		Bus:   raw,
		Limit: axiAperture,
		// Addresses beyond the aperture are ARC-relative NOC
		// addresses; reach them through a window on the ARC node.
		Remap: func(addr, size uint64) (bar, span uint64, err error) {
			r, err := win.Translate(0, node.X, node.Y, addr)
			return r.Addr, r.Size, err
		},
	}

	c := &Chip{
		Arch: a,
		bus:  bus,
		win:  win,
		fab:  &noc.Transport{Bus: bus, Tlb: win},
		fw:   &arc.Client{Bus: bus},
	}
	if a != arch.Blackhole {
		c.eng = dma.New(bus, dma.Config{
			RequestAddr:    dmaRequestAddr,
			CntlAddr:       arc.MiscCntl,
			ReadThreshold:  32,
			WriteThreshold: 4096,
		})
	}
	return c, nil
}

// Close releases the device node and pinned memory.  Remote handles
// opened through this chip die with it.
func (c *Chip) Close() error {
	if c.eng != nil {
		c.eng.Release()
	}
	if c.dev != nil {
		return c.dev.Close()
	}
	return nil
}

// Capability reports whether the chip's transport carries the named
// capability.
func (c *Chip) Capability(name string) error {
	switch name {
	case CapNoc:
		if c.fab != nil {
			return nil
		}
	case CapArc:
		if c.fw != nil {
			return nil
		}
	case CapPciDma:
		if c.eng != nil {
			return nil
		}
	default:
		return fmt.Errorf("%q: %w", name, ErrUnsupportedCapability)
	}
	return fmt.Errorf("%q on %v chip: %w", name, c.Arch, ErrUnsupportedCapability)
}

// NOC returns the chip's network transport.
func (c *Chip) NOC() (noc.ReadWriter, error) {
	if err := c.Capability(CapNoc); err != nil {
		return nil, err
	}
	return c.fab, nil
}

// ARC returns the firmware mailbox client.
func (c *Chip) ARC() (*arc.Client, error) {
	if err := c.Capability(CapArc); err != nil {
		return nil, err
	}
	return c.fw, nil
}

// PciDma returns the DMA engine.
func (c *Chip) PciDma() (*dma.Engine, error) {
	if err := c.Capability(CapPciDma); err != nil {
		return nil, err
	}
	return c.eng, nil
}

// AXI returns the raw register transport, local handles only.
func (c *Chip) AXI() (axi.ReadWriter, error) {
	if c.bus == nil {
		return nil, fmt.Errorf("AXI on remote chip: %w", ErrUnsupportedCapability)
	}
	return c.bus, nil
}

// Windows returns the translation window manager, local handles
// only.
func (c *Chip) Windows() (*tlb.Manager, error) {
	if c.win == nil {
		return nil, fmt.Errorf("windows on remote chip: %w", ErrUnsupportedCapability)
	}
	return c.win, nil
}

// BoardID reads the 64-bit board serial from the SPI table.
func (c *Chip) BoardID() (uint64, error) {
	var lo, hi uint32
	var err error
	if c.bus != nil {
		if lo, err = c.bus.Read32(boardInfoAddr); err != nil {
			return 0, err
		}
		hi, err = c.bus.Read32(boardInfoAddr + 4)
	} else {
		// Over the fabric the SPI table is reachable through the
		// ARC node's NOC aperture.
		node := arcNode(c.Arch)
		nocAddr := arcNocBase + arcInternal + uint64(boardInfoAddr-csmBase)
		if lo, err = c.fab.Read32(0, node, nocAddr); err != nil {
			return 0, err
		}
		hi, err = c.fab.Read32(0, node, nocAddr+4)
	}
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

// Neighbors lists the trained ethernet links out of this chip.
func (c *Chip) Neighbors() ([]eth.Neighbor, error) {
	if err := c.Capability(CapNoc); err != nil {
		return nil, err
	}
	return eth.Discover(c.fab)
}

// Remote opens (or returns a cached) handle on the fabric chip at
// addr, tunneled through this chip.  A zero addr picks the first
// neighbor.  Remote handles carry the NOC capability only.
func (c *Chip) Remote(addr eth.Addr) (*Chip, error) {
	if err := c.Capability(CapNoc); err != nil {
		return nil, err
	}
	if r, ok := c.remotes[addr]; ok {
		return r, nil
	}
	tun, err := eth.OpenRemote(c.fab, addr, time.Second)
	if err != nil {
		return nil, err
	}
	r := &Chip{
		Arch: c.Arch,
		Addr: tun.Dest,
		fab:  tun,
	}
	if c.remotes == nil {
		c.remotes = make(map[eth.Addr]*Chip)
	}
	c.remotes[tun.Dest] = r
	return r, nil
}

// DetectChips opens every device node in parallel.  One bad device
// fails the whole detection; callers wanting partial results scan
// and open individually.
func DetectChips() ([]*Chip, error) {
	ids := Scan()
	chips := make([]*Chip, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			c, err := Open(id)
			if err != nil {
				return fmt.Errorf("device %d: %w", id, err)
			}
			chips[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, c := range chips {
			if c != nil {
				c.Close()
			}
		}
		return nil, err
	}
	return chips, nil
}
