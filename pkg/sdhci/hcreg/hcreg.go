// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hcreg describes the register file of an SD Host Controller
// (SD Host Controller Simplified Specification 3.00, chapter 2).
//
// All offsets are relative to the slot base address (BAR).
package hcreg

// Register offsets.
const (
	SdmaAddr      = 0x00 // SDMA System Address / Argument 2 (32-bit)
	Arg2          = 0x00
	BlkSize       = 0x04 // Block Size (16-bit)
	BlkCount      = 0x06 // 16-bit Block Count (16-bit)
	Arg1          = 0x08 // Argument 1 (32-bit)
	TransMode     = 0x0C // Transfer Mode (16-bit)
	Command       = 0x0E // Command (16-bit)
	Response      = 0x10 // Response 0..3 (4 x 32-bit)
	BufDatPort    = 0x20 // Buffer Data Port (32-bit)
	PresentState  = 0x24 // Present State (32-bit)
	HostCtrl1     = 0x28 // Host Control 1 (8-bit)
	PowerCtrl     = 0x29 // Power Control (8-bit)
	BlkGapCtrl    = 0x2A // Block Gap Control (8-bit)
	WakeupCtrl    = 0x2B // Wakeup Control (8-bit)
	ClockCtrl     = 0x2C // Clock Control (16-bit)
	TimeoutCtrl   = 0x2E // Timeout Control (8-bit)
	SwReset       = 0x2F // Software Reset (8-bit)
	NorIntSts     = 0x30 // Normal Interrupt Status (16-bit)
	ErrIntSts     = 0x32 // Error Interrupt Status (16-bit)
	NorIntStsEn   = 0x34 // Normal Interrupt Status Enable (16-bit)
	ErrIntStsEn   = 0x36 // Error Interrupt Status Enable (16-bit)
	NorIntSigEn   = 0x38 // Normal Interrupt Signal Enable (16-bit)
	ErrIntSigEn   = 0x3A // Error Interrupt Signal Enable (16-bit)
	AutoCmdErrSts = 0x3C // Auto CMD Error Status (16-bit)
	HostCtrl2     = 0x3E // Host Control 2 (16-bit)
	Cap           = 0x40 // Capabilities (64-bit)
	MaxCurrentCap = 0x48 // Maximum Current Capabilities (64-bit)
	AdmaErrSts    = 0x54 // ADMA Error Status (8-bit)
	AdmaSysAddr   = 0x58 // ADMA System Address (64-bit)
	SlotIntSts    = 0xFC // Slot Interrupt Status (16-bit)
	CtrlVer       = 0xFE // Host Controller Version (16-bit)

	// Size is the size of the standard register file.
	Size = 0x100
)

// Present State register bits.
const (
	PresentCmdInhibit   = 1 << 0
	PresentDatInhibit   = 1 << 1
	PresentDatActive    = 1 << 2
	PresentWriteActive  = 1 << 8
	PresentReadActive   = 1 << 9
	PresentBufWriteEn   = 1 << 10
	PresentBufReadEn    = 1 << 11
	PresentCardInserted = 1 << 16
	PresentCardStable   = 1 << 17
)

// Host Control 1 register bits.
const (
	HostCtrl1Led       = 1 << 0
	HostCtrl1Width4    = 1 << 1
	HostCtrl1HighSpeed = 1 << 2
	// DMA Select field (bits 4:3); 10b selects 32-bit ADMA2.
	HostCtrl1DmaMask  = 3 << 3
	HostCtrl1Adma2    = 1 << 4
	HostCtrl1Width8   = 1 << 5
	HostCtrl1CardDet  = 1 << 6
	HostCtrl1CardDetS = 1 << 7
)

// Host Control 2 register bits.
const (
	HostCtrl2UhsMask     = 0x7
	HostCtrl2Signal18V   = 1 << 3
	HostCtrl2ExecTuning  = 1 << 6
	HostCtrl2SampleClock = 1 << 7
)

// UHS mode values of the Host Control 2 UHS Mode Select field. HS400 uses
// the common vendor encoding 101b.
const (
	UhsSdr12  = 0
	UhsSdr25  = 1
	UhsSdr50  = 2
	UhsSdr104 = 3
	UhsDdr50  = 4
	UhsHs400  = 5
)

// Power Control register bits.
const (
	PowerOn   = 1 << 0
	Power18V  = 5 << 1
	Power30V  = 6 << 1
	Power33V  = 7 << 1
	PowerMask = 7 << 1
)

// Clock Control register bits.
const (
	ClockInternalEn     = 1 << 0
	ClockInternalStable = 1 << 1
	ClockSdEn           = 1 << 2
)

// Software Reset register bits.
const (
	ResetAll = 1 << 0
	ResetCmd = 1 << 1
	ResetDat = 1 << 2
)

// Normal Interrupt Status register bits.
const (
	IntCmdComplete   = 1 << 0
	IntTransComplete = 1 << 1
	IntBlockGap      = 1 << 2
	IntDma           = 1 << 3
	IntBufWriteRdy   = 1 << 4
	IntBufReadRdy    = 1 << 5
	IntCardInsert    = 1 << 6
	IntCardRemoval   = 1 << 7
	IntCard          = 1 << 8
	IntError         = 1 << 15
)

// Error Interrupt Status register bits.
const (
	ErrCmdTimeout  = 1 << 0
	ErrCmdCrc      = 1 << 1
	ErrCmdEndBit   = 1 << 2
	ErrCmdIndex    = 1 << 3
	ErrDataTimeout = 1 << 4
	ErrDataCrc     = 1 << 5
	ErrDataEndBit  = 1 << 6
	ErrCurrentLim  = 1 << 7
	ErrAutoCmd     = 1 << 8
	ErrAdma        = 1 << 9
	ErrTuning      = 1 << 10

	// ErrCmdLine and ErrDataLine are the error nibbles that decide which
	// part of the controller gets a software reset.
	ErrCmdLine  = 0x0F
	ErrDataLine = 0xF0
)

// Transfer Mode register bits.
const (
	TransDmaEn      = 1 << 0
	TransBlkCountEn = 1 << 1
	TransAutoCmd12  = 1 << 2
	TransRead       = 1 << 4
	TransMultiBlock = 1 << 5
)

// Command register bits. The command index lives in bits 13:8.
const (
	CmdRespNone    = 0
	CmdResp136     = 1
	CmdResp48      = 2
	CmdResp48Busy  = 3
	CmdRespMask    = 3
	CmdCrcCheck    = 1 << 3
	CmdIndexCheck  = 1 << 4
	CmdDataPresent = 1 << 5
	CmdIndexShift  = 8
	CmdIndexMask   = 0x3F << CmdIndexShift
)

// SdmaBoundary is the SDMA buffer boundary programmed into the Block Size
// register, and SdmaBoundaryBits its encoding (bits 14:12 = 111b).
const (
	SdmaBoundary     = 512 * 1024
	SdmaBoundaryBits = 0x7000
	BlkSizeMask      = 0x0FFF
)

// CommandIndex extracts the command index from a Command register value.
func CommandIndex(cmd uint16) uint8 {
	return uint8((cmd & CmdIndexMask) >> CmdIndexShift)
}
