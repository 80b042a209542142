// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mmc

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// R2Size is the size of a CID or CSD register image.
const R2Size = 16

// FromR2 rebuilds a 128-bit register image from the four response words of
// an R2 response. The host controller strips the CRC byte, so byte 0 of
// the image (CRC7 and the end bit) is always zero.
func FromR2(resp [4]uint32) [R2Size]byte {
	var raw [R2Size]byte
	var words [R2Size]byte
	for i, w := range resp {
		binary.LittleEndian.PutUint32(words[i*4:], w)
	}
	copy(raw[1:], words[:R2Size-1])
	return raw
}

// ToR2 is the inverse of FromR2, as a host controller would present the
// register in its response words.
func ToR2(raw [R2Size]byte) [4]uint32 {
	var words [R2Size]byte
	copy(words[:], raw[1:])
	var resp [4]uint32
	for i := range resp {
		resp[i] = binary.LittleEndian.Uint32(words[i*4:])
	}
	return resp
}

// bits returns width bits starting at bit lo of a little endian image.
func bits(raw []byte, lo, width uint) uint64 {
	var v uint64
	for i := uint(0); i < width; i++ {
		bit := lo + i
		if raw[bit/8]&(1<<(bit%8)) != 0 {
			v |= 1 << i
		}
	}
	return v
}

func setBits(raw []byte, lo, width uint, v uint64) {
	for i := uint(0); i < width; i++ {
		bit := lo + i
		mask := byte(1 << (bit % 8))
		if v&(1<<i) != 0 {
			raw[bit/8] |= mask
		} else {
			raw[bit/8] &^= mask
		}
	}
}

// CSD is the Card Specific Data register.
type CSD [R2Size]byte

// CSD field positions.
const (
	csdStructure = 126
	csdSpecVers  = 122
	csdTaac      = 112
	csdNsac      = 104
	csdTranSpeed = 96
	csdCcc       = 84
	csdReadBlLen = 80
	csdCSize     = 62
	csdCSizeMult = 47
)

// CSizeSectorMode is the C_SIZE value of devices larger than 2 GiB, which
// use sector addressing and report their size in EXT_CSD.SEC_COUNT.
const CSizeSectorMode = 0xFFF

// Structure returns CSD_STRUCTURE.
func (c CSD) Structure() uint8 { return uint8(bits(c[:], csdStructure, 2)) }

// SpecVers returns SPEC_VERS.
func (c CSD) SpecVers() uint8 { return uint8(bits(c[:], csdSpecVers, 4)) }

// TranSpeed returns TRAN_SPEED.
func (c CSD) TranSpeed() uint8 { return uint8(bits(c[:], csdTranSpeed, 8)) }

// Ccc returns the card command classes.
func (c CSD) Ccc() uint16 { return uint16(bits(c[:], csdCcc, 12)) }

// ReadBlLen returns READ_BL_LEN.
func (c CSD) ReadBlLen() uint8 { return uint8(bits(c[:], csdReadBlLen, 4)) }

// CSize returns C_SIZE.
func (c CSD) CSize() uint16 { return uint16(bits(c[:], csdCSize, 12)) }

// CSizeMult returns C_SIZE_MULT.
func (c CSD) CSizeMult() uint8 { return uint8(bits(c[:], csdCSizeMult, 3)) }

// SectorAddressing returns true if C_SIZE holds the sector mode sentinel.
func (c CSD) SectorAddressing() bool { return c.CSize() == CSizeSectorMode }

// ByteCapacity returns the device size computed from the CSD. It is only
// meaningful for byte addressed devices.
func (c CSD) ByteCapacity() uint64 {
	return (uint64(c.CSize()) + 1) << (c.CSizeMult() + 2) << c.ReadBlLen()
}

// CSDFields builds a CSD image. Fields not listed are zero.
type CSDFields struct {
	Structure uint8
	SpecVers  uint8
	TranSpeed uint8
	Ccc       uint16
	ReadBlLen uint8
	CSize     uint16
	CSizeMult uint8
}

// Encode returns the CSD image of the fields.
func (f CSDFields) Encode() CSD {
	var c CSD
	setBits(c[:], csdStructure, 2, uint64(f.Structure))
	setBits(c[:], csdSpecVers, 4, uint64(f.SpecVers))
	setBits(c[:], csdTranSpeed, 8, uint64(f.TranSpeed))
	setBits(c[:], csdCcc, 12, uint64(f.Ccc))
	setBits(c[:], csdReadBlLen, 4, uint64(f.ReadBlLen))
	setBits(c[:], csdCSize, 12, uint64(f.CSize))
	setBits(c[:], csdCSizeMult, 3, uint64(f.CSizeMult))
	return c
}

// CID is the Card IDentification register.
type CID [R2Size]byte

// CID field positions.
const (
	cidMid = 120
	cidCbx = 112
	cidOid = 104
	cidPnm = 56
	cidPrv = 48
	cidPsn = 16
	cidMdt = 8
)

// ManufacturerID returns MID.
func (c CID) ManufacturerID() uint8 { return uint8(bits(c[:], cidMid, 8)) }

// DeviceType returns CBX (0 removable, 1 BGA, 2 POP).
func (c CID) DeviceType() uint8 { return uint8(bits(c[:], cidCbx, 2)) }

// OEMID returns OID.
func (c CID) OEMID() uint8 { return uint8(bits(c[:], cidOid, 8)) }

// ProductName returns the six character PNM.
func (c CID) ProductName() string {
	name := make([]byte, 6)
	for i := range name {
		name[i] = byte(bits(c[:], cidPnm+uint(5-i)*8, 8))
	}
	return strings.TrimRight(string(name), " \x00")
}

// Revision returns PRV as "major.minor".
func (c CID) Revision() string {
	prv := bits(c[:], cidPrv, 8)
	return fmt.Sprintf("%d.%d", prv>>4, prv&0xf)
}

// SerialNumber returns PSN.
func (c CID) SerialNumber() uint32 { return uint32(bits(c[:], cidPsn, 32)) }

// ManufacturingDate returns MDT as month and the year offset nibble.
func (c CID) ManufacturingDate() (month, year uint8) {
	mdt := bits(c[:], cidMdt, 8)
	return uint8(mdt >> 4), uint8(mdt & 0xf)
}

// CIDFields builds a CID image.
type CIDFields struct {
	ManufacturerID uint8
	DeviceType     uint8
	OEMID          uint8
	ProductName    string
	Revision       uint8
	SerialNumber   uint32
	Date           uint8
}

// Encode returns the CID image of the fields.
func (f CIDFields) Encode() CID {
	var c CID
	setBits(c[:], cidMid, 8, uint64(f.ManufacturerID))
	setBits(c[:], cidCbx, 2, uint64(f.DeviceType))
	setBits(c[:], cidOid, 8, uint64(f.OEMID))
	name := []byte(fmt.Sprintf("%-6.6s", f.ProductName))
	for i, ch := range name {
		setBits(c[:], cidPnm+uint(5-i)*8, 8, uint64(ch))
	}
	setBits(c[:], cidPrv, 8, uint64(f.Revision))
	setBits(c[:], cidPsn, 32, uint64(f.SerialNumber))
	setBits(c[:], cidMdt, 8, uint64(f.Date))
	return c
}
