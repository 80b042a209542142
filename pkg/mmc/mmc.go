// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mmc holds the eMMC (JEDEC JESD84-B51) protocol definitions:
// command indices, command and response types, and the layouts of the
// OCR, CID, CSD, EXT_CSD and device status registers.
package mmc

import "fmt"

// Command indices.
const (
	GoIdleState        = 0
	SendOpCond         = 1
	AllSendCid         = 2
	SetRelativeAddr    = 3
	SetDsr             = 4
	SleepAwake         = 5
	Switch             = 6
	SelectDeselectCard = 7
	SendExtCsd         = 8
	SendCsd            = 9
	SendCid            = 10
	StopTransmission   = 12
	SendStatus         = 13
	GoInactiveState    = 15
	SetBlockLen        = 16
	ReadSingleBlock    = 17
	ReadMultipleBlock  = 18
	SendTuningBlock    = 21
	SetBlockCount      = 23
	WriteBlock         = 24
	WriteMultipleBlock = 25
	EraseGroupStart    = 35
	EraseGroupEnd      = 36
	Erase              = 38
)

// CommandType is the class of a command on the bus.
type CommandType uint8

const (
	// Bc is a broadcast command without response.
	Bc CommandType = iota
	// Bcr is a broadcast command with response.
	Bcr
	// Ac is an addressed command without data transfer.
	Ac
	// Adtc is an addressed command with data transfer.
	Adtc
)

func (t CommandType) String() string {
	switch t {
	case Bc:
		return "bc"
	case Bcr:
		return "bcr"
	case Ac:
		return "ac"
	case Adtc:
		return "adtc"
	}
	return fmt.Sprintf("CommandType(%d)", uint8(t))
}

// ResponseType is the format of the response to a command.
type ResponseType uint8

// Response types.
const (
	R1 ResponseType = iota + 1
	R1b
	R2
	R3
	R4
	R5
	R5b
	R6
	R7
)

func (r ResponseType) String() string {
	switch r {
	case R1:
		return "R1"
	case R1b:
		return "R1b"
	case R2:
		return "R2"
	case R3:
		return "R3"
	case R4:
		return "R4"
	case R5:
		return "R5"
	case R5b:
		return "R5b"
	case R6:
		return "R6"
	case R7:
		return "R7"
	}
	return fmt.Sprintf("ResponseType(%d)", uint8(r))
}

// Busy returns true for the response types which signal busy on DAT0.
func (r ResponseType) Busy() bool {
	return r == R1b || r == R5b
}

// OCR register bits.
const (
	OcrBusy       = 1 << 31 // power up routine finished
	OcrSectorMode = 2 << 29
	OcrAccessMask = 3 << 29
	OcrVdd1v8     = 1 << 7
	OcrVddWindow  = 0x00FF8000
)

// Device status (R1) bits.
const (
	StatusAppCmd       = 1 << 5
	StatusSwitchError  = 1 << 7
	StatusReadyForData = 1 << 8
	StatusStateShift   = 9
	StatusStateMask    = 0xF << StatusStateShift
	StatusIllegalCmd   = 1 << 22
	StatusComCrcError  = 1 << 23
	StatusAddressError = 1 << 30
	StatusOutOfRange   = 1 << 31
)

// DeviceState is the current state field of the device status.
type DeviceState uint8

// Device states.
const (
	StateIdle DeviceState = iota
	StateReady
	StateIdent
	StateStby
	StateTran
	StateData
	StateRcv
	StatePrg
	StateDis
	StateBtst
	StateSlp
)

var deviceStateNames = []string{"idle", "ready", "ident", "stby", "tran", "data", "rcv", "prg", "dis", "btst", "slp"}

func (s DeviceState) String() string {
	if int(s) < len(deviceStateNames) {
		return deviceStateNames[s]
	}
	return fmt.Sprintf("DeviceState(%d)", uint8(s))
}

// StateFromStatus extracts the current state from an R1 device status.
func StateFromStatus(status uint32) DeviceState {
	return DeviceState((status & StatusStateMask) >> StatusStateShift)
}

// Switch command access modes.
const (
	SwitchCmdSet    = 0
	SwitchSetBits   = 1
	SwitchClrBits   = 2
	SwitchWriteByte = 3
)

// SwitchArgument packs the argument of the SWITCH command.
func SwitchArgument(access, index, value, cmdSet uint8) uint32 {
	return uint32(access)<<24 | uint32(index)<<16 | uint32(value)<<8 | uint32(cmdSet)
}

// RcaArgument places a relative card address in the upper half of an
// argument.
func RcaArgument(rca uint16) uint32 {
	return uint32(rca) << 16
}

// DefaultBlockSize is the only block size used for data transfers.
const DefaultBlockSize = 512

// MaxBlocksPerCommand is the largest block count a SET_BLOCK_COUNT can
// announce.
const MaxBlocksPerCommand = 0xFFFF

// TuningBlockSize returns the size of the tuning pattern for a bus width.
func TuningBlockSize(busWidth int) int {
	if busWidth == 8 {
		return 128
	}
	return 64
}
