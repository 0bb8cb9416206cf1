// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Chip architecture identification.
package arch

import "fmt"

type Arch int

const (
	Unknown Arch = iota
	Grayskull
	Wormhole
	Blackhole
)

// PCI device IDs as reported by the kernel driver.
const (
	grayskull_dev_id = 0xfaca
	wormhole_dev_id  = 0x401e
	blackhole_dev_id = 0xb140
)

func FromDeviceID(id uint16) Arch {
	switch id {
	case grayskull_dev_id:
		return Grayskull
	case wormhole_dev_id:
		return Wormhole
	case blackhole_dev_id:
		return Blackhole
	}
	return Unknown
}

func (a Arch) String() string {
	switch a {
	case Grayskull:
		return "grayskull"
	case Wormhole:
		return "wormhole"
	case Blackhole:
		return "blackhole"
	}
	return fmt.Sprintf("unknown arch %d", int(a))
}
