// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package arc

import "time"

// Firmware opcodes.
const (
	OpNop                   = 0x11
	OpGetSmbusTelemetryAddr = 0x2c
	OpGetAiclk              = 0x34
	OpSetPowerStateBusy     = 0x52
	OpSetPowerStateShort    = 0x53
	OpSetPowerStateLong     = 0x54
	OpGetHarvesting         = 0x57
	OpTest                  = 0x90
	OpFwVersion             = 0xb9
)

func Nop() Message { return Message{Opcode: OpNop} }

// Test echoes arg+1; useful as a liveness probe.
func Test(arg uint16) Message { return Message{Opcode: OpTest, Arg0: arg} }

func GetAiclk() Message { return Message{Opcode: OpGetAiclk} }

func GetHarvesting() Message { return Message{Opcode: OpGetHarvesting} }

func FwVersion() Message { return Message{Opcode: OpFwVersion} }

// GetSmbusTelemetryAddr returns the chip address of the telemetry
// structure the firmware keeps current.
func GetSmbusTelemetryAddr() Message {
	return Message{Opcode: OpGetSmbusTelemetryAddr}
}

// PowerState selects a firmware power governor.
type PowerState uint8

const (
	PowerBusy PowerState = iota
	PowerShortIdle
	PowerLongIdle
)

// SetPowerState requests a governor change.  The long-idle transition
// takes the firmware longer to act on, so it gets a wider deadline.
func SetPowerState(s PowerState) Message {
	switch s {
	case PowerShortIdle:
		return Message{Opcode: OpSetPowerStateShort}
	case PowerLongIdle:
		return Message{Opcode: OpSetPowerStateLong, Timeout: 5 * time.Second}
	default:
		return Message{Opcode: OpSetPowerStateBusy}
	}
}
