// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sdhcisim

import (
	"errors"
	"fmt"
	"io"

	"github.com/xaionaro-go/bytesextra"

	"github.com/linuxboot/emmchc/pkg/mmc"
)

var (
	errNoResponse = errors.New("no response")
	errOutOfRange = errors.New("address out of range")
)

// Card models the eMMC device behind the controller: its registers, its
// state machine and the contents of its hardware partitions.
type Card struct {
	CID    mmc.CID
	CSD    mmc.CSD
	ExtCSD mmc.ExtCSD
	OCR    uint32

	// OCRBusyPolls is the number of SEND_OP_COND commands answered with
	// the busy bit clear before the device reports ready.
	OCRBusyPolls int

	state      mmc.DeviceState
	rca        uint16
	status     uint32
	blockCount uint32
	ocrPolls   int

	partitions [mmc.PartitionCount][]byte
}

// CardOption configures a Card.
type CardOption func(*Card)

// WithDeviceType overrides EXT_CSD.DEVICE_TYPE.
func WithDeviceType(deviceType uint8) CardOption {
	return func(c *Card) {
		c.ExtCSD[mmc.ExtCsdDeviceType] = deviceType
	}
}

// WithBootSize sets the size of both boot partitions in 128 KiB units.
func WithBootSize(mult uint8) CardOption {
	return func(c *Card) {
		c.ExtCSD[mmc.ExtCsdBootSizeMult] = mult
	}
}

// WithGP sets the size of general purpose partition n (0..3) in units of
// 512 KiB.
func WithGP(n int, mult uint32) CardOption {
	return func(c *Card) {
		c.ExtCSD.SetGpSizeMult(n, mult)
	}
}

// ByteAddressed makes the device a byte addressed one, the CSD reporting
// its capacity.
func ByteAddressed() CardOption {
	return func(c *Card) {
		sectors := c.ExtCSD.SecCount()
		// (C_SIZE + 1) * 2^(C_SIZE_MULT + 2) * 512
		c.CSD = mmc.CSDFields{
			Structure: 2,
			SpecVers:  4,
			TranSpeed: 0x32,
			Ccc:       0x8f5,
			ReadBlLen: 9,
			CSize:     uint16(sectors/512 - 1),
			CSizeMult: 7,
		}.Encode()
		c.OCR &^= mmc.OcrAccessMask
	}
}

// NewCard returns a sector addressed device with a user area of the given
// number of sectors, 1 MiB boot partitions and a 128 KiB RPMB partition.
// Every speed mode is advertised.
func NewCard(sectors uint32, opts ...CardOption) *Card {
	c := &Card{
		CID: mmc.CIDFields{
			ManufacturerID: 0x15,
			DeviceType:     1,
			OEMID:          0x01,
			ProductName:    "SIMMC1",
			Revision:       0x10,
			SerialNumber:   0x5eed1e55,
			Date:           0x1a,
		}.Encode(),
		CSD: mmc.CSDFields{
			Structure: 3,
			SpecVers:  4,
			TranSpeed: 0x32,
			Ccc:       0x8f5,
			ReadBlLen: 9,
			CSize:     mmc.CSizeSectorMode,
			CSizeMult: 7,
		}.Encode(),
		OCR: mmc.OcrSectorMode | mmc.OcrVddWindow | mmc.OcrVdd1v8,
	}
	ext := &c.ExtCSD
	ext[mmc.ExtCsdRev] = 8
	ext[mmc.ExtCsdStructure] = 2
	ext[mmc.ExtCsdDeviceType] = 0xFF
	ext[mmc.ExtCsdPartitioningSupport] = 0x07
	ext[mmc.ExtCsdBootSizeMult] = 8
	ext[mmc.ExtCsdRpmbSizeMult] = 1
	ext[mmc.ExtCsdHcWpGrpSize] = 1
	ext[mmc.ExtCsdHcEraseGrpSize] = 1
	ext.SetSecCount(sectors)

	for _, opt := range opts {
		opt(c)
	}
	for p := range c.partitions {
		c.partitions[p] = make([]byte, c.ExtCSD.PartitionSize(mmc.PartitionType(p)))
	}
	return c
}

// RCA returns the relative card address assigned by SET_RELATIVE_ADDR.
func (c *Card) RCA() uint16 { return c.rca }

// State returns the current state of the device.
func (c *Card) State() mmc.DeviceState { return c.state }

// OCRPolls returns how many SEND_OP_COND commands the device received.
func (c *Card) OCRPolls() int { return c.ocrPolls }

// Partition returns the backing storage of a hardware partition.
func (c *Card) Partition(p mmc.PartitionType) []byte {
	return c.partitions[p]
}

// WritePartition stores data at offset of a hardware partition.
func (c *Card) WritePartition(p mmc.PartitionType, offset int64, data []byte) error {
	return c.rw(p, offset, data, false)
}

// ReadPartition fills data from offset of a hardware partition.
func (c *Card) ReadPartition(p mmc.PartitionType, offset int64, data []byte) error {
	return c.rw(p, offset, data, true)
}

func (c *Card) rw(p mmc.PartitionType, offset int64, data []byte, read bool) error {
	if p >= mmc.PartitionCount {
		return fmt.Errorf("%w: partition %d", errOutOfRange, p)
	}
	storage := c.partitions[p]
	if offset < 0 || offset+int64(len(data)) > int64(len(storage)) {
		return fmt.Errorf("%w: %d bytes at %#x of %s (%d bytes)", errOutOfRange, len(data), offset, p, len(storage))
	}
	rws := bytesextra.NewReadWriteSeeker(storage)
	if _, err := rws.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	if read {
		_, err := io.ReadFull(rws, data)
		return err
	}
	_, err := rws.Write(data)
	return err
}

func (c *Card) currentPartition() mmc.PartitionType {
	return mmc.PartitionType(c.ExtCSD.PartitionConfig() & mmc.PartitionAccessMask)
}

func (c *Card) r1() [4]uint32 {
	status := uint32(c.state)<<mmc.StatusStateShift | c.status
	if c.state == mmc.StateTran {
		status |= mmc.StatusReadyForData
	}
	return [4]uint32{status}
}

// command runs a command without data phase, or the command phase of a
// data command, and returns the response.
func (c *Card) command(index uint8, arg uint32) ([4]uint32, error) {
	switch index {
	case mmc.GoIdleState:
		c.state = mmc.StateIdle
		c.rca = 0
		c.blockCount = 0
		c.ExtCSD[mmc.ExtCsdPartitionConfig] &^= mmc.PartitionAccessMask
		return [4]uint32{}, nil
	case mmc.SendOpCond:
		c.ocrPolls++
		if c.state != mmc.StateIdle && c.state != mmc.StateReady {
			return [4]uint32{}, errNoResponse
		}
		if c.OCRBusyPolls > 0 {
			c.OCRBusyPolls--
			return [4]uint32{c.OCR &^ mmc.OcrBusy}, nil
		}
		c.state = mmc.StateReady
		return [4]uint32{c.OCR | mmc.OcrBusy}, nil
	case mmc.AllSendCid:
		if c.state != mmc.StateReady {
			return [4]uint32{}, errNoResponse
		}
		c.state = mmc.StateIdent
		return mmc.ToR2(c.CID), nil
	case mmc.SetRelativeAddr:
		if c.state != mmc.StateIdent {
			return [4]uint32{}, errNoResponse
		}
		resp := c.r1()
		c.rca = uint16(arg >> 16)
		c.state = mmc.StateStby
		return resp, nil
	case mmc.SendCsd, mmc.SendCid:
		if c.state != mmc.StateStby || uint16(arg>>16) != c.rca {
			return [4]uint32{}, errNoResponse
		}
		if index == mmc.SendCid {
			return mmc.ToR2(c.CID), nil
		}
		return mmc.ToR2(c.CSD), nil
	case mmc.SelectDeselectCard:
		resp := c.r1()
		switch {
		case uint16(arg>>16) == c.rca && c.rca != 0:
			c.state = mmc.StateTran
		case c.state == mmc.StateTran:
			c.state = mmc.StateStby
			return [4]uint32{}, errNoResponse
		default:
			return [4]uint32{}, errNoResponse
		}
		return resp, nil
	case mmc.SendStatus:
		if uint16(arg>>16) != c.rca {
			return [4]uint32{}, errNoResponse
		}
		resp := c.r1()
		// error bits are cleared once reported
		c.status = 0
		return resp, nil
	case mmc.Switch:
		if c.state != mmc.StateTran {
			return [4]uint32{}, errNoResponse
		}
		resp := c.r1()
		c.doSwitch(arg)
		return resp, nil
	case mmc.SetBlockCount:
		c.blockCount = arg & 0xFFFF
		return c.r1(), nil
	case mmc.StopTransmission:
		c.blockCount = 0
		return c.r1(), nil
	case mmc.SendExtCsd, mmc.ReadSingleBlock, mmc.ReadMultipleBlock,
		mmc.WriteBlock, mmc.WriteMultipleBlock, mmc.SendTuningBlock:
		if c.state != mmc.StateTran {
			return [4]uint32{}, errNoResponse
		}
		return c.r1(), nil
	}
	return [4]uint32{}, errNoResponse
}

func (c *Card) doSwitch(arg uint32) {
	access := uint8(arg >> 24)
	index := uint8(arg >> 16)
	value := uint8(arg >> 8)
	if access != mmc.SwitchWriteByte {
		c.status |= mmc.StatusSwitchError
		return
	}
	ok := false
	switch index {
	case mmc.ExtCsdBusWidth:
		ok = value <= mmc.BusWidth8 || value == mmc.BusWidth4+mmc.BusWidthDdr || value == mmc.BusWidth8+mmc.BusWidthDdr
	case mmc.ExtCsdHsTiming:
		deviceType := c.ExtCSD.DeviceType()
		switch value & 0xF {
		case mmc.HsTimingCompat:
			ok = true
		case mmc.HsTimingHigh:
			ok = deviceType&(mmc.DeviceTypeHs26|mmc.DeviceTypeHs52|mmc.DeviceTypeDdr52Mask) != 0
		case mmc.HsTimingHs200:
			ok = deviceType&mmc.DeviceTypeHs200Mask != 0
		case mmc.HsTimingHs400:
			ok = deviceType&mmc.DeviceTypeHs400Mask != 0
		}
	case mmc.ExtCsdPartitionConfig:
		p := mmc.PartitionType(value & mmc.PartitionAccessMask)
		ok = p == mmc.PartitionUserData || len(c.partitions[p]) > 0
	}
	if !ok {
		c.status |= mmc.StatusSwitchError
		return
	}
	c.ExtCSD[index] = value
}

// address converts a data command argument to a byte offset.
func (c *Card) address(arg uint32) int64 {
	if c.CSD.SectorAddressing() {
		return int64(arg) * mmc.SectorSize
	}
	return int64(arg)
}

var tuningPattern4 = []byte{
	0xff, 0x0f, 0xff, 0x00, 0xff, 0xcc, 0xc3, 0xcc, 0xc3, 0x3c, 0xcc, 0xff, 0xfe, 0xff, 0xfe, 0xef,
	0xff, 0xdf, 0xff, 0xdd, 0xff, 0xfb, 0xff, 0xfb, 0xbf, 0xff, 0x7f, 0xff, 0x77, 0xf7, 0xbd, 0xef,
	0xff, 0xf0, 0xff, 0xf0, 0x0f, 0xfc, 0xcc, 0x3c, 0xcc, 0x33, 0xcc, 0xcf, 0xff, 0xef, 0xff, 0xee,
	0xff, 0xfd, 0xff, 0xfd, 0xdf, 0xff, 0xbf, 0xff, 0xbb, 0xff, 0xf7, 0xff, 0xf7, 0x7f, 0x7b, 0xde,
}

// TuningPattern returns the tuning block the device sends for a bus width.
func TuningPattern(busWidth int) []byte {
	if busWidth != 8 {
		return append([]byte(nil), tuningPattern4...)
	}
	// the 8-bit pattern doubles every byte of the 4-bit one
	pattern := make([]byte, 0, 2*len(tuningPattern4))
	for _, b := range tuningPattern4 {
		pattern = append(pattern, b, b)
	}
	return pattern
}

// checkBlockCount verifies a pending SET_BLOCK_COUNT matches the transfer.
func (c *Card) checkBlockCount(n int) error {
	if c.blockCount != 0 && int(c.blockCount)*mmc.SectorSize != n {
		count := c.blockCount
		c.blockCount = 0
		return fmt.Errorf("SET_BLOCK_COUNT announced %d blocks, got %d bytes", count, n)
	}
	return nil
}

// readData returns the n bytes a read command transfers.
func (c *Card) readData(index uint8, arg uint32, n int) ([]byte, error) {
	switch index {
	case mmc.SendExtCsd:
		data := make([]byte, mmc.ExtCSDSize)
		copy(data, c.ExtCSD[:])
		return data[:n], nil
	case mmc.SendTuningBlock:
		pattern := TuningPattern(8)
		if n > len(pattern) {
			return nil, fmt.Errorf("%w: %d bytes tuning block", errOutOfRange, n)
		}
		if n <= len(tuningPattern4) {
			pattern = TuningPattern(4)
		}
		return pattern[:n], nil
	case mmc.ReadSingleBlock, mmc.ReadMultipleBlock:
		p := c.currentPartition()
		if p == mmc.PartitionRPMB {
			return nil, fmt.Errorf("%w: rpmb needs authenticated access", errOutOfRange)
		}
		if err := c.checkBlockCount(n); err != nil {
			return nil, err
		}
		data := make([]byte, n)
		if err := c.ReadPartition(p, c.address(arg), data); err != nil {
			return nil, err
		}
		c.blockCount = 0
		return data, nil
	}
	return nil, fmt.Errorf("CMD%d has no read data", index)
}

// writeData stores the data of a write command.
func (c *Card) writeData(index uint8, arg uint32, data []byte) error {
	switch index {
	case mmc.WriteBlock, mmc.WriteMultipleBlock:
		p := c.currentPartition()
		if p == mmc.PartitionRPMB {
			return fmt.Errorf("%w: rpmb needs authenticated access", errOutOfRange)
		}
		if err := c.checkBlockCount(len(data)); err != nil {
			return err
		}
		c.blockCount = 0
		return c.WritePartition(p, c.address(arg), data)
	}
	return fmt.Errorf("CMD%d has no write data", index)
}
