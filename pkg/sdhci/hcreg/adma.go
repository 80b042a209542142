// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hcreg

import "fmt"

// ADMA2 32-bit descriptor constants.
const (
	AdmaDescLineSize   = 8
	AdmaMaxDataPerLine = 0x10000

	AdmaActNop  = 0
	AdmaActTran = 2
	AdmaActLink = 3
)

// AdmaDescLine is one line of a 32-bit ADMA2 descriptor table:
//
//	bit 0      Valid
//	bit 1      End
//	bit 2      Int
//	bits 5:4   Act
//	bits 31:16 Length (0 means 65536 bytes)
//	bits 63:32 Address
type AdmaDescLine struct {
	Valid   bool
	End     bool
	Int     bool
	Act     uint8
	Length  uint16
	Address uint32
}

// Encode returns the 64-bit value of the line, to be stored little endian.
func (l AdmaDescLine) Encode() uint64 {
	var v uint64
	if l.Valid {
		v |= 1 << 0
	}
	if l.End {
		v |= 1 << 1
	}
	if l.Int {
		v |= 1 << 2
	}
	v |= uint64(l.Act&3) << 4
	v |= uint64(l.Length) << 16
	v |= uint64(l.Address) << 32
	return v
}

// DecodeAdmaDescLine decodes a 64-bit descriptor line.
func DecodeAdmaDescLine(v uint64) AdmaDescLine {
	return AdmaDescLine{
		Valid:   v&(1<<0) != 0,
		End:     v&(1<<1) != 0,
		Int:     v&(1<<2) != 0,
		Act:     uint8(v>>4) & 3,
		Length:  uint16(v >> 16),
		Address: uint32(v >> 32),
	}
}

// DataLength returns the number of bytes the line transfers.
func (l AdmaDescLine) DataLength() int {
	if l.Length == 0 {
		return AdmaMaxDataPerLine
	}
	return int(l.Length)
}

func (l AdmaDescLine) String() string {
	return fmt.Sprintf("{Valid:%t End:%t Act:%d Length:%#x Address:%#x}",
		l.Valid, l.End, l.Act, l.DataLength(), l.Address)
}
