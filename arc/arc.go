// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package arc talks to the management firmware through scratch
// register mailboxes.  A message is an opcode plus two arguments
// posted to a scratch register; the firmware answers in a second
// scratch register and the caller polls until the low half of the
// status echoes the posted code.
package arc

import (
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"github.com/gridlink/gridlink/axi"
)

const (
	// Scratch register file and the doorbell that wakes firmware.
	ScratchBase    = 0x1FF30060
	MiscCntl       = 0x1FF30100
	miscCntlIrq0   = 1 << 16
	messageQueued  = 0xaa00
	errorReply     = 0xffffffff
	firmwareAsleep = 0x55
)

// Register indices into the scratch file for each mailbox.  A second
// mailbox exists so long-running commands do not block routine ones.
var (
	mailbox1 = mailbox{message: 5, status: 3}
	mailbox2 = mailbox{message: 2, status: 4}
)

type mailbox struct{ message, status uint32 }

// Message is one firmware request.
type Message struct {
	Opcode     uint8
	Arg0, Arg1 uint16

	// Timeout bounds the wait for a reply; zero means one second.
	Timeout time.Duration

	UseSecondMailbox bool
}

// Result is the firmware's reply.  ReturnCode is opcode specific;
// Values carries the return register and the two spillover registers
// as the firmware left them.
type Result struct {
	ReturnCode uint16
	Values     [3]uint32
}

var (
	// ErrFirmwareAsleep means the firmware answered with its
	// low-power cookie instead of accepting the message.
	ErrFirmwareAsleep = errors.New("firmware is in low power state")

	// ErrMessageError is the firmware's generic failure reply.
	ErrMessageError = errors.New("firmware rejected message")

	// ErrDoorbellBusy means the firmware interrupt was still raised
	// from an earlier message when a new one was about to post.
	ErrDoorbellBusy = errors.New("firmware interrupt still pending")
)

// TimeoutError reports a message the firmware never answered.
type TimeoutError struct {
	Opcode  uint8
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("firmware message %#02x: no reply after %v", e.Opcode, e.Timeout)
}

// Client posts messages to one chip's firmware.  Bus must reach the
// chip's register space; Base and Cntl default to the standard
// scratch file and doorbell when zero.
type Client struct {
	Bus  axi.ReadWriter
	Base uint64
	Cntl uint64
}

func (c *Client) scratch(i uint32) uint64 {
	b := c.Base
	if b == 0 {
		b = ScratchBase
	}
	return b + uint64(i)*4
}

func (c *Client) cntl() uint64 {
	if c.Cntl != 0 {
		return c.Cntl
	}
	return MiscCntl
}

// Msg posts m and waits for the reply.
func (c *Client) Msg(m Message) (r Result, err error) {
	box := mailbox1
	if m.UseSecondMailbox {
		box = mailbox2
	}
	timeout := m.Timeout
	if timeout == 0 {
		timeout = time.Second
	}
	code := uint32(messageQueued) | uint32(m.Opcode)

	// A sleeping firmware parks its cookie in the message register
	// and will not see the doorbell.
	if v, err := c.Bus.Read32(c.scratch(box.message)); err != nil {
		return r, err
	} else if v == firmwareAsleep {
		return r, ErrFirmwareAsleep
	}

	if err = c.Bus.Write32(c.scratch(box.status), uint32(m.Arg0)|uint32(m.Arg1)<<16); err != nil {
		return
	}
	if err = c.Bus.Write32(c.scratch(box.message), code); err != nil {
		return
	}
	cntl, err := c.Bus.Read32(c.cntl())
	if err != nil {
		return
	}
	if cntl&miscCntlIrq0 != 0 {
		// Firmware has not acknowledged the previous interrupt;
		// raising it again would lose this message.
		return r, fmt.Errorf("message %#02x: %w", m.Opcode, ErrDoorbellBusy)
	}
	if err = c.Bus.Write32(c.cntl(), cntl|miscCntlIrq0); err != nil {
		return
	}

	wait := backoff.Backoff{
		Min:    100 * time.Microsecond,
		Max:    time.Millisecond,
		Factor: 2,
	}
	deadline := time.Now().Add(timeout)
	for {
		status, err := c.Bus.Read32(c.scratch(box.message))
		if err != nil {
			return r, err
		}
		switch {
		case status&0xFFFF == code&0xFF:
			r.ReturnCode = uint16(status >> 16)
			// The reply value lands in the return register; two
			// more words follow in the spillover registers.
			for i, reg := range []uint32{box.status, 6, 7} {
				v, err := c.Bus.Read32(c.scratch(reg))
				if err != nil {
					return r, err
				}
				r.Values[i] = v
			}
			return r, nil
		case status == errorReply:
			return r, fmt.Errorf("message %#02x: %w", m.Opcode, ErrMessageError)
		}
		if time.Now().After(deadline) {
			return r, &TimeoutError{Opcode: m.Opcode, Timeout: timeout}
		}
		time.Sleep(wait.Duration())
	}
}
