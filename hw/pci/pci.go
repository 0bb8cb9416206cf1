// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Accelerator devices exposed by the kernel-mode driver as character
// nodes.  The driver owns PCI enumeration; this package opens a node,
// queries its BAR mappings over ioctl and mmaps them into the process.
package pci

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
	"unsafe"

	"github.com/platinasystems/log"

	"github.com/gridlink/gridlink/arch"
)

var devDir = "/dev/gridlink"

const ioctlMagic = 0xFA

// _IO(ioctlMagic, n)
const (
	ioctlGetDeviceInfo = ioctlMagic<<8 | 0
	ioctlQueryMappings = ioctlMagic<<8 | 2
	ioctlAllocDmaBuf   = ioctlMagic<<8 | 3
	ioctlFreeDmaBuf    = ioctlMagic<<8 | 4
)

const (
	mappingUnused = iota
	mappingResource0Uc
	mappingResource0Wc
	mappingResource1Uc
	mappingResource1Wc
	mappingResource2Uc
	mappingResource2Wc
)

const (
	gsWcMappingSize = (156 << 20) + (10 << 21) + (18 << 24)
	bhWcMappingSize = 188 << 21

	gsWhScratch6Addr = 0x1ff30078
	bhNocNodeIdAddr  = 0x1FD04044
)

// MaxDmaBytes bounds a single staged transfer.
const MaxDmaBytes = 4 << 20

type deviceInfo struct {
	outputSizeBytes    uint32
	vendorID           uint16
	deviceID           uint16
	subsystemVendorID  uint16
	subsystemID        uint16
	busDevFn           uint16 // [0:2] function, [3:7] device, [8:15] bus
	maxDmaBufSizeLog2  uint16
	pciDomain          uint16
	_                  uint16
}

type mapping struct {
	id   uint32
	_    uint32
	base uint64
	size uint64
}

type queryMappings struct {
	outputMappingCount uint32
	_                  uint32
	mappings           [8]mapping
}

// PhysicalDevice is the PCI identity of an opened device.
type PhysicalDevice struct {
	VendorID          uint16
	DeviceID          uint16
	SubsystemVendorID uint16
	SubsystemID       uint16

	Bus, Slot, Fn, Domain uint16
}

func (p PhysicalDevice) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%01x", p.Domain, p.Bus, p.Slot, p.Fn)
}

type Device struct {
	ID       int
	Arch     arch.Arch
	Physical PhysicalDevice

	fd     *os.File
	config *os.File

	bar0UC       []byte
	bar0UCOffset uint64
	bar0WC       []byte

	bar1UC []byte

	sysReg             []byte
	sysRegStartOffset  uint32
	sysRegOffsetAdjust uint32

	maxDmaBufSizeLog2 uint16
	nextDmaBuf        uint8

	// Registers at this address are known to hold live firmware
	// state; used to tell an all-ones data value from a dead link.
	readCheckAddr    uint32
	readCheckEnabled bool
}

func (d *Device) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, e := syscall.RawSyscall(syscall.SYS_IOCTL, d.fd.Fd(), req, uintptr(arg))
	if e != 0 {
		return e
	}
	return nil
}

// Scan lists the device ids present under the driver's device
// directory, in increasing order.
func Scan() []int {
	fis, err := os.ReadDir(devDir)
	if err != nil {
		return nil
	}
	var ids []int
	for _, fi := range fis {
		if id, err := strconv.Atoi(fi.Name()); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

func Open(id int) (d *Device, err error) {
	fd, err := os.OpenFile(filepath.Join(devDir, strconv.Itoa(id)), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open device %d: %w", id, err)
	}
	defer func() {
		if err != nil {
			fd.Close()
		}
	}()

	d = &Device{ID: id, fd: fd}

	var info deviceInfo
	info.outputSizeBytes = uint32(unsafe.Sizeof(info))
	if err = d.ioctl(ioctlGetDeviceInfo, unsafe.Pointer(&info)); err != nil {
		return nil, fmt.Errorf("device %d get_device_info: %w", id, err)
	}
	d.Arch = arch.FromDeviceID(info.deviceID)
	d.maxDmaBufSizeLog2 = info.maxDmaBufSizeLog2
	d.Physical = PhysicalDevice{
		VendorID:          info.vendorID,
		DeviceID:          info.deviceID,
		SubsystemVendorID: info.subsystemVendorID,
		SubsystemID:       info.subsystemID,
		Bus:               info.busDevFn >> 8,
		Slot:              (info.busDevFn >> 3) & 0x1f,
		Fn:                info.busDevFn & 0x7,
		Domain:            info.pciDomain,
	}

	var q queryMappings
	q.outputMappingCount = uint32(len(q.mappings))
	if err = d.ioctl(ioctlQueryMappings, unsafe.Pointer(&q)); err != nil {
		return nil, fmt.Errorf("device %d query_mappings: %w", id, err)
	}

	var bar0UC, bar0WC, bar1UC, bar2UC mapping
	for i := uint32(0); i < q.outputMappingCount && i < uint32(len(q.mappings)); i++ {
		m := q.mappings[i]
		switch m.id {
		case mappingResource0Uc:
			bar0UC = m
		case mappingResource0Wc:
			bar0WC = m
		case mappingResource1Uc:
			bar1UC = m
		case mappingResource2Uc:
			bar2UC = m
		case mappingUnused, mappingResource1Wc, mappingResource2Wc:
		default:
			log.Print("warning: device ", id, " unknown mapping id ", m.id)
		}
	}
	if bar0UC.id != mappingResource0Uc {
		return nil, fmt.Errorf("device %d has no BAR0 mapping", id)
	}

	wcSize := uint64(gsWcMappingSize)
	if d.Arch == arch.Blackhole {
		wcSize = bhWcMappingSize
	}
	if bar0WC.id == mappingResource0Wc {
		n := bar0WC.size
		if n > wcSize {
			n = wcSize
		}
		d.bar0WC, err = syscall.Mmap(int(fd.Fd()), int64(bar0WC.base), int(n),
			syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
		if err != nil {
			log.Print("warning: device ", id, " write-combined BAR0 map failed: ", err)
			d.bar0WC = nil
			err = nil
		}
	}

	ucSize := bar0UC.size
	if d.bar0WC != nil {
		if ucSize > wcSize {
			ucSize -= wcSize
		} else {
			ucSize = 0
		}
		d.bar0UCOffset = wcSize
	}
	d.bar0UC, err = syscall.Mmap(int(fd.Fd()), int64(bar0UC.base+d.bar0UCOffset), int(ucSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("device %d BAR0 map: %w", id, err)
	}

	if d.Arch == arch.Wormhole {
		if bar2UC.id != mappingResource2Uc {
			return nil, fmt.Errorf("device %d has no system register mapping", id)
		}
		d.sysReg, err = syscall.Mmap(int(fd.Fd()), int64(bar2UC.base), int(bar2UC.size),
			syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("device %d system register map: %w", id, err)
		}
		d.sysRegStartOffset = (512 - 16) << 20
		d.sysRegOffsetAdjust = (512 - 32) << 20
	}

	if d.Arch == arch.Blackhole {
		if bar1UC.id != mappingResource1Uc {
			return nil, fmt.Errorf("device %d has no BAR1 mapping", id)
		}
		d.bar1UC, err = syscall.Mmap(int(fd.Fd()), int64(bar1UC.base), int(bar1UC.size),
			syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("device %d BAR1 map: %w", id, err)
		}
	}

	d.readCheckEnabled = true
	d.readCheckAddr = gsWhScratch6Addr
	if d.Arch == arch.Blackhole {
		d.readCheckAddr = bhNocNodeIdAddr
	}

	d.config, err = os.OpenFile(fmt.Sprintf("/sys/bus/pci/devices/%s/config", d.Physical), os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("device %d config space: %w", id, err)
	}

	return d, nil
}

func (d *Device) Close() error {
	for _, b := range [][]byte{d.bar0UC, d.bar0WC, d.bar1UC, d.sysReg} {
		if b != nil {
			syscall.Munmap(b)
		}
	}
	d.bar0UC, d.bar0WC, d.bar1UC, d.sysReg = nil, nil, nil, nil
	if d.config != nil {
		d.config.Close()
	}
	return d.fd.Close()
}

// ReadConfig reads the PCI config space at the given byte offset.
func (d *Device) ReadConfig(offset uint32, data []byte) error {
	n, err := d.config.ReadAt(data, int64(offset))
	if err != nil {
		return fmt.Errorf("device %d config read at 0x%x: %w", d.ID, offset, err)
	}
	if n != len(data) {
		return fmt.Errorf("device %d config short read at 0x%x: %d != %d", d.ID, offset, n, len(data))
	}
	return nil
}

// Bar0Base returns the physical base address of BAR0 from config
// space.
func (d *Device) Bar0Base() (uint64, error) {
	var b [8]byte
	if err := d.ReadConfig(0x10, b[:]); err != nil {
		return 0, err
	}
	v := uint64(0)
	for i := range b {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return v &^ 0xf, nil
}
