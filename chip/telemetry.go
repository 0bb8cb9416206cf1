// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package chip

import (
	"encoding/binary"
	"fmt"

	"github.com/gridlink/gridlink/arc"
)

// Telemetry is one snapshot of the table the firmware keeps current
// in shared memory.  Values are raw register words; accessors below
// decode the common ones.
type Telemetry struct {
	EnumVersion uint32
	DeviceID    uint32
	AsicRO      uint32
	AsicIDD     uint32

	BoardIDHigh uint32
	BoardIDLow  uint32

	Arc0FwVersion       uint32
	Arc1FwVersion       uint32
	Arc2FwVersion       uint32
	Arc3FwVersion       uint32
	SpiBootromFwVersion uint32
	EthFwVersion        uint32
	M3BlFwVersion       uint32
	M3AppFwVersion      uint32

	DdrStatus  uint32
	EthStatus0 uint32
	EthStatus1 uint32
	PcieStatus uint32
	Faults     uint32

	Arc0Health uint32
	Arc1Health uint32
	Arc2Health uint32
	Arc3Health uint32

	FanSpeed  uint32
	AIClk     uint32
	AxiClk    uint32
	ArcClk    uint32
	Throttler uint32

	VCore            uint32
	AsicTemperature  uint32
	VregTemperature  uint32
	BoardTemperature uint32
	TDP              uint32
	TDC              uint32
	VddLimits        uint32
	ThmLimits        uint32

	FwDate    uint32
	AsicTmon0 uint32
	AsicTmon1 uint32

	MvddqPower     uint32
	GddrTrainTemp0 uint32
	GddrTrainTemp1 uint32

	BootDate  uint32
	RtSeconds uint32

	EthDebugStatus0 uint32
	EthDebugStatus1 uint32
	TTFlashVersion  uint32
}

const telemetryWords = 47

// Telemetry fetches the table in one block read.  The firmware
// publishes the table's location in its own address space; the CSM
// portion of that space is what the host sees at csmBase.
func (c *Chip) Telemetry() (Telemetry, error) {
	var t Telemetry
	fw, err := c.ARC()
	if err != nil {
		return t, err
	}
	bus, err := c.AXI()
	if err != nil {
		return t, err
	}

	r, err := fw.Msg(arc.GetSmbusTelemetryAddr())
	if err != nil {
		return t, err
	}
	loc := uint64(r.Values[0])
	if loc < arcInternal {
		return t, fmt.Errorf("telemetry table at %#x: outside shared memory", loc)
	}
	addr := csmBase + (loc - arcInternal)

	var raw [telemetryWords * 4]byte
	if err := bus.Read(addr, raw[:]); err != nil {
		return t, err
	}

	w := func(i int) uint32 { return binary.LittleEndian.Uint32(raw[4*i:]) }
	t = Telemetry{
		EnumVersion:         w(0),
		DeviceID:            w(1),
		AsicRO:              w(2),
		AsicIDD:             w(3),
		BoardIDHigh:         w(4),
		BoardIDLow:          w(5),
		Arc0FwVersion:       w(6),
		Arc1FwVersion:       w(7),
		Arc2FwVersion:       w(8),
		Arc3FwVersion:       w(9),
		SpiBootromFwVersion: w(10),
		EthFwVersion:        w(11),
		M3BlFwVersion:       w(12),
		M3AppFwVersion:      w(13),
		DdrStatus:           w(14),
		EthStatus0:          w(15),
		EthStatus1:          w(16),
		PcieStatus:          w(17),
		Faults:              w(18),
		Arc0Health:          w(19),
		Arc1Health:          w(20),
		Arc2Health:          w(21),
		Arc3Health:          w(22),
		FanSpeed:            w(23),
		AIClk:               w(24),
		AxiClk:              w(25),
		ArcClk:              w(26),
		Throttler:           w(27),
		VCore:               w(28),
		AsicTemperature:     w(29),
		VregTemperature:     w(30),
		BoardTemperature:    w(31),
		TDP:                 w(32),
		TDC:                 w(33),
		VddLimits:           w(34),
		ThmLimits:           w(35),
		FwDate:              w(36),
		AsicTmon0:           w(37),
		AsicTmon1:           w(38),
		MvddqPower:          w(39),
		GddrTrainTemp0:      w(40),
		GddrTrainTemp1:      w(41),
		BootDate:            w(42),
		RtSeconds:           w(43),
		EthDebugStatus0:     w(44),
		EthDebugStatus1:     w(45),
		TTFlashVersion:      w(46),
	}
	return t, nil
}

// BoardSerial is the 64-bit board serial number.
func (t Telemetry) BoardSerial() uint64 {
	return uint64(t.BoardIDHigh)<<32 | uint64(t.BoardIDLow)
}

// FirmwareDate renders the firmware build date as YYYY-MM-DD.
func (t Telemetry) FirmwareDate() string {
	year := (t.FwDate>>28)&0xf + 2020
	month := t.FwDate >> 24 & 0xf
	day := t.FwDate >> 16 & 0xff
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
}

// ArcFwVersionString renders the management firmware version as
// MAJOR.MINOR.PATCH.
func (t Telemetry) ArcFwVersionString() string {
	return fmt.Sprintf("%d.%d.%d",
		t.Arc0FwVersion>>16&0xff, t.Arc0FwVersion>>8&0xff, t.Arc0FwVersion&0xff)
}

// AIClkMHz is the current AI clock.
func (t Telemetry) AIClkMHz() uint32 { return t.AIClk & 0xffff }

// Voltage is the core voltage in volts.
func (t Telemetry) Voltage() float64 { return float64(t.VCore) / 1000 }

// AsicTemp is the die temperature in degrees celsius.
func (t Telemetry) AsicTemp() float64 {
	return float64(t.AsicTemperature & 0xffff >> 4)
}

// Power is the package power draw in watts.
func (t Telemetry) Power() float64 { return float64(t.TDP & 0xffff) }

// Current is the package current draw in amperes.
func (t Telemetry) Current() float64 { return float64(t.TDC & 0xffff) }
