// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package chip

import (
	"github.com/gridlink/gridlink/arc"
	"github.com/gridlink/gridlink/arch"
)

// Variant accessors.  Each returns a thin wrapper carrying the
// operations specific to that silicon, or an ArchError when the
// handle is for something else.

type Grayskull struct{ *Chip }
type Wormhole struct{ *Chip }
type Blackhole struct{ *Chip }

func (c *Chip) AsGrayskull() (*Grayskull, error) {
	if c.Arch != arch.Grayskull {
		return nil, &ArchError{Want: arch.Grayskull, Got: c.Arch}
	}
	return &Grayskull{c}, nil
}

func (c *Chip) AsWormhole() (*Wormhole, error) {
	if c.Arch != arch.Wormhole {
		return nil, &ArchError{Want: arch.Wormhole, Got: c.Arch}
	}
	return &Wormhole{c}, nil
}

func (c *Chip) AsBlackhole() (*Blackhole, error) {
	if c.Arch != arch.Blackhole {
		return nil, &ArchError{Want: arch.Blackhole, Got: c.Arch}
	}
	return &Blackhole{c}, nil
}

// AIClk reads the current AI clock in MHz from the firmware.
func (c *Chip) AIClk() (uint32, error) {
	fw, err := c.ARC()
	if err != nil {
		return 0, err
	}
	r, err := fw.Msg(arc.GetAiclk())
	if err != nil {
		return 0, err
	}
	return uint32(r.ReturnCode), nil
}

// Harvesting reports the factory harvesting mask: rows of the
// compute grid fused off during binning.
func (g *Grayskull) Harvesting() (uint32, error) {
	fw, err := g.ARC()
	if err != nil {
		return 0, err
	}
	r, err := fw.Msg(arc.GetHarvesting())
	if err != nil {
		return 0, err
	}
	return r.Values[0], nil
}

// FwVersion reads the management firmware version word.
func (c *Chip) FwVersion() (uint32, error) {
	fw, err := c.ARC()
	if err != nil {
		return 0, err
	}
	r, err := fw.Msg(arc.FwVersion())
	if err != nil {
		return 0, err
	}
	return r.Values[0], nil
}
