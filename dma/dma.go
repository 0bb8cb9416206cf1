// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dma drives the firmware-assisted PCIe DMA engine.  Large
// register-space transfers go much faster staged through pinned host
// memory; the firmware moves each chunk and reports completion by
// writing a cookie into a host flag word.
package dma

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"github.com/gridlink/gridlink/axi"
	"github.com/gridlink/gridlink/hw"
	"github.com/gridlink/gridlink/hw/pci"
)

// completionCookie is what the firmware writes to the host flag word
// when a transfer finishes.
const completionCookie = 0xfaca

// maxTransfer bounds one request; the size field in the request
// struct is 28 bits wide.
const maxTransfer = 1<<28 - 1

type ErrorKind int

const (
	OutOfMemory ErrorKind = iota
	DeviceFault
	TooLarge
	NotConfigured
)

func (k ErrorKind) String() string {
	switch k {
	case OutOfMemory:
		return "out of memory"
	case DeviceFault:
		return "device fault"
	case TooLarge:
		return "transfer too large"
	case NotConfigured:
		return "engine not configured"
	}
	return "unknown"
}

type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dma %s: %v: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("dma %s: %v", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Direction of a transfer, from the host's point of view.
type Direction bool

const (
	FromDevice Direction = false
	ToDevice   Direction = true
)

// Config locates the engine on a particular firmware build and sets
// transfer policy.  Thresholds of zero disable the staged path for
// that direction.
type Config struct {
	// RequestAddr is where the firmware expects the request struct.
	RequestAddr uint64
	// CntlAddr is the interrupt doorbell that wakes the firmware.
	CntlAddr uint64
	// HostAddrHighReg holds the upper host address word, on parts
	// with 64-bit DMA.
	HostAddrHighReg uint64

	Support64Bit bool
	UseMSI       bool

	ReadThreshold  uint32
	WriteThreshold uint32

	// CompletionTimeout bounds the wait per chunk; zero means one
	// second.
	CompletionTimeout time.Duration
}

// Engine is one chip's DMA engine.  Configure buffers with
// AllocateBuffers before the first transfer; an unconfigured engine
// silently degrades to register-level copies.
type Engine struct {
	Bus  axi.ReadWriter
	Conf Config

	completion *pci.DmaBuffer
	staging    *pci.DmaBuffer
}

func New(bus axi.ReadWriter, conf Config) *Engine {
	return &Engine{Bus: bus, Conf: conf}
}

// AllocateBuffers pins the completion flag and the staging window.
// The staging request degrades from maxSize toward one page before
// failing with OutOfMemory.
func (e *Engine) AllocateBuffers(dev *pci.Device, maxSize uint32) error {
	if e.completion == nil {
		b, err := dev.AllocateDmaBuffer(4)
		if err != nil {
			return &Error{Kind: OutOfMemory, Op: "completion flag", Err: err}
		}
		e.completion = b
	}
	if e.staging == nil {
		b, err := dev.AllocateDmaBufferRange(1, maxSize)
		if err != nil {
			return &Error{Kind: OutOfMemory, Op: "staging buffer", Err: err}
		}
		e.staging = b
	}
	return nil
}

// SetBuffers installs externally managed pinned memory instead of
// allocating through a device node.
func (e *Engine) SetBuffers(completion, staging *pci.DmaBuffer) {
	e.completion = completion
	e.staging = staging
}

// Release frees the pinned buffers.
func (e *Engine) Release() error {
	var first error
	for _, b := range []*pci.DmaBuffer{e.completion, e.staging} {
		if err := b.Release(); err != nil && first == nil {
			first = err
		}
	}
	e.completion, e.staging = nil, nil
	return first
}

func (e *Engine) configured() bool {
	return e.completion != nil && e.staging != nil && e.Conf.RequestAddr != 0
}

// Read copies n = len(data) bytes from chip address addr.  Above the
// read threshold and with buffers allocated it runs chunked turbo
// transfers; otherwise it is a plain register copy.
func (e *Engine) Read(addr uint64, data []byte) error {
	if !e.useTurbo(uint32(len(data)), e.Conf.ReadThreshold) {
		return e.Bus.Read(addr, data)
	}
	for pos := 0; pos < len(data); {
		n := len(data) - pos
		if n > len(e.staging.Data) {
			n = len(e.staging.Data)
		}
		if err := e.transfer(addr+uint64(pos), uint32(n), FromDevice); err != nil {
			return err
		}
		copy(data[pos:pos+n], e.staging.Data[:n])
		pos += n
	}
	return nil
}

// Write copies data to chip address addr.
func (e *Engine) Write(addr uint64, data []byte) error {
	if !e.useTurbo(uint32(len(data)), e.Conf.WriteThreshold) {
		return e.Bus.Write(addr, data)
	}
	for pos := 0; pos < len(data); {
		n := len(data) - pos
		if n > len(e.staging.Data) {
			n = len(e.staging.Data)
		}
		copy(e.staging.Data[:n], data[pos:pos+n])
		if err := e.transfer(addr+uint64(pos), uint32(n), ToDevice); err != nil {
			return err
		}
		pos += n
	}
	return nil
}

func (e *Engine) useTurbo(n, threshold uint32) bool {
	return e.configured() && threshold > 0 && n > threshold
}

// transfer runs one turbo request: clear the flag, post the request
// struct, ring the doorbell, await the completion cookie.
func (e *Engine) transfer(chipAddr uint64, size uint32, dir Direction) error {
	if size > maxTransfer {
		return &Error{Kind: TooLarge, Op: "transfer"}
	}
	hostAddr := e.staging.PhysAddr
	if hostAddr>>32 != 0 && !e.Conf.Support64Bit {
		return &Error{Kind: NotConfigured, Op: "transfer",
			Err: fmt.Errorf("host buffer above 4G without 64-bit support")}
	}

	pack := size & maxTransfer
	if dir == ToDevice {
		pack |= 1 << 28
	}
	if e.Conf.UseMSI {
		pack |= 1 << 29
	} else {
		pack |= 1 << 30
	}
	pack |= 1 << 31 // trigger

	repeat := uint32(1)
	if hostAddr>>32 != 0 {
		repeat |= 1 << 31
	}

	hw.StoreUint32(e.completion.Data, 0, 0)

	if e.Conf.Support64Bit {
		if err := e.Bus.Write32(e.Conf.HostAddrHighReg, uint32(hostAddr>>32)); err != nil {
			return err
		}
	}

	var req [20]byte
	binary.LittleEndian.PutUint32(req[0:], uint32(chipAddr))
	binary.LittleEndian.PutUint32(req[4:], uint32(hostAddr))
	binary.LittleEndian.PutUint32(req[8:], uint32(e.completion.PhysAddr))
	binary.LittleEndian.PutUint32(req[12:], pack)
	binary.LittleEndian.PutUint32(req[16:], repeat)
	if err := e.Bus.Write(e.Conf.RequestAddr, req[:]); err != nil {
		return err
	}

	// Ring IRQ0 on the firmware core.  No read-modify-write:
	// register reads are slow and the other cntl bits are
	// don't-care for this doorbell.
	if err := e.Bus.Write32(e.Conf.CntlAddr, 1<<16); err != nil {
		return err
	}

	timeout := e.Conf.CompletionTimeout
	if timeout == 0 {
		timeout = time.Second
	}
	wait := backoff.Backoff{
		Min:    10 * time.Microsecond,
		Max:    time.Millisecond,
		Factor: 2,
	}
	deadline := time.Now().Add(timeout)
	for hw.LoadUint32(e.completion.Data, 0) != completionCookie {
		if time.Now().After(deadline) {
			return &Error{Kind: DeviceFault, Op: "transfer",
				Err: fmt.Errorf("no completion after %v", timeout)}
		}
		time.Sleep(wait.Duration())
	}
	return nil
}
