// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sdhci

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/u-root/u-root/pkg/uio"

	"github.com/linuxboot/emmchc/pkg/bytes"
	"github.com/linuxboot/emmchc/pkg/dma"
	"github.com/linuxboot/emmchc/pkg/mmc"
	"github.com/linuxboot/emmchc/pkg/mmio"
	"github.com/linuxboot/emmchc/pkg/sdhci/hcreg"
)

// TransferMode is the way the data phase of a command moves.
type TransferMode uint8

// Transfer modes.
const (
	ModeNoData TransferMode = iota
	ModePIO
	ModeSDMA
	ModeADMA2
)

func (m TransferMode) String() string {
	switch m {
	case ModeNoData:
		return "no-data"
	case ModePIO:
		return "PIO"
	case ModeSDMA:
		return "SDMA"
	case ModeADMA2:
		return "ADMA2"
	}
	return fmt.Sprintf("TransferMode(%d)", uint8(m))
}

// dma32Limit is the first bus address an ADMA2 line or the SDMA address
// register cannot hold.
const dma32Limit = 1 << 32

// trb is the live context of one command.
type trb struct {
	c         *Controller
	packet    *Packet
	blockSize int
	mode      TransferMode

	data []byte
	read bool
	// pio is the number of data bytes moved through the buffer data port.
	pio int

	dataPhys uint64
	mapping  dma.Mapping
	mapped   bool

	// adma is the descriptor table, only set in ModeADMA2.
	adma *dma.Chunk
}

func selectMode(capability hcreg.Capability, index uint8, dataLen int) TransferMode {
	switch {
	case index == mmc.SendTuningBlock:
		return ModePIO
	case dataLen == 0:
		return ModeNoData
	case capability.Adma2:
		return ModeADMA2
	case capability.Sdma:
		return ModeSDMA
	}
	return ModePIO
}

func (c *Controller) createTrb(p *Packet) (*trb, error) {
	t := &trb{
		c:         c,
		packet:    p,
		blockSize: mmc.DefaultBlockSize,
	}
	switch {
	case len(p.In) > 0 && len(p.Out) > 0:
		return nil, fmt.Errorf("%w: both input and output buffers are set", ErrInvalidParameter)
	case len(p.In) > 0:
		t.data, t.read = p.In, true
	case len(p.Out) > 0:
		t.data = p.Out
	}
	if n := len(t.data); n > 0 && n < t.blockSize {
		t.blockSize = n
	}
	t.mode = selectMode(c.capability, p.Index, len(t.data))

	if t.mode == ModeSDMA || t.mode == ModeADMA2 {
		op := dma.BusMasterRead
		if t.read {
			op = dma.BusMasterWrite
		}
		phys, n, mapping, err := c.iommu.Map(op, t.data)
		if err != nil {
			return nil, fmt.Errorf("unable to map %d bytes for %s: %w", len(t.data), op, err)
		}
		t.dataPhys, t.mapping, t.mapped = phys, mapping, true
		if n != len(t.data) {
			return nil, t.abort(fmt.Errorf("%w: mapped %d of %d bytes", ErrOutOfResources, n, len(t.data)))
		}
		// the SDMA address register and ADMA2 lines are 32 bits wide
		if data := t.dataRange(); data.Exceeds(dma32Limit) {
			return nil, t.abort(fmt.Errorf("%w: %s buffer %s is not below 4 GiB", ErrInvalidParameter, t.mode, data))
		}
		if t.mode == ModeADMA2 {
			if err := t.buildAdmaDescTable(); err != nil {
				return nil, t.abort(err)
			}
		}
	}
	Debug("sdhci: %s as %s, block size %d", p, t.mode, t.blockSize)
	return t, nil
}

// dataRange returns the bus address range of the mapped data buffer.
func (t *trb) dataRange() bytes.Range {
	return bytes.Range{Offset: t.dataPhys, Length: uint64(len(t.data))}
}

// buildAdmaDescTable describes the mapped data buffer with 32-bit ADMA2
// lines of at most 64 KiB each.
func (t *trb) buildAdmaDescTable() error {
	lines := t.dataRange().Split(hcreg.AdmaMaxDataPerLine)

	table, err := t.c.pool.Allocate(len(lines) * hcreg.AdmaDescLineSize)
	if err != nil {
		return err
	}
	buf := uio.NewLittleEndianBuffer(nil)
	for i, r := range lines {
		line := hcreg.AdmaDescLine{
			Valid: true,
			End:   i == len(lines)-1,
			Act:   hcreg.AdmaActTran,
			// 64 KiB wraps to 0, which the controller reads as 64 KiB.
			Length:  uint16(r.Length),
			Address: uint32(r.Offset),
		}
		buf.Write64(line.Encode())
	}
	copy(table.Data, buf.Data())
	t.adma = &table
	return nil
}

// free releases the descriptor table and the data mapping.
func (t *trb) free() error {
	var result *multierror.Error
	if t.adma != nil {
		if err := t.c.pool.Free(*t.adma); err != nil {
			result = multierror.Append(result, err)
		}
		t.adma = nil
	}
	if t.mapped {
		if err := t.c.iommu.Unmap(t.mapping); err != nil {
			result = multierror.Append(result, fmt.Errorf("unable to unmap the data buffer: %w", err))
		}
		t.mapped = false
	}
	return result.ErrorOrNil()
}

// abort releases what a failed createTrb acquired and returns err.
func (t *trb) abort(err error) error {
	if freeErr := t.free(); freeErr != nil {
		return multierror.Append(err, freeErr)
	}
	return err
}

func (t *trb) timeout() time.Duration {
	return t.packet.Timeout
}

// checkEnv returns mmio.ErrNotReady while the command or data lines the
// command needs are inhibited.
func (t *trb) checkEnv() error {
	mask := uint64(hcreg.PresentCmdInhibit)
	if t.packet.Type == mmc.Adtc || t.packet.Response.Busy() {
		mask |= hcreg.PresentDatInhibit
	}
	return mmio.CheckSet(t.c.bus, t.c.bar+hcreg.PresentState, mmio.Width32, mask, 0)
}

func (t *trb) waitEnv() error {
	return mmio.Poll(t.c.clock, t.timeout(), t.checkEnv)
}

// commandRegister returns the Command register value of the packet.
func (t *trb) commandRegister() uint16 {
	cmd := uint16(t.packet.Index) << hcreg.CmdIndexShift
	if t.packet.Type == mmc.Adtc {
		cmd |= hcreg.CmdDataPresent
	}
	if t.packet.Type == mmc.Bc {
		return cmd
	}
	switch t.packet.Response {
	case mmc.R1, mmc.R5, mmc.R6, mmc.R7:
		cmd |= hcreg.CmdResp48 | hcreg.CmdCrcCheck | hcreg.CmdIndexCheck
	case mmc.R2:
		cmd |= hcreg.CmdResp136 | hcreg.CmdCrcCheck
	case mmc.R3, mmc.R4:
		cmd |= hcreg.CmdResp48
	case mmc.R1b, mmc.R5b:
		cmd |= hcreg.CmdResp48Busy | hcreg.CmdCrcCheck | hcreg.CmdIndexCheck
	}
	return cmd
}

func (t *trb) blockCount() int {
	if t.mode == ModeNoData {
		return 0
	}
	return len(t.data) / t.blockSize
}

// transferModeRegister returns the Transfer Mode register value.
func (t *trb) transferModeRegister() uint16 {
	if t.mode == ModeNoData {
		return 0
	}
	var mode uint16
	if t.mode != ModePIO {
		mode |= hcreg.TransDmaEn
	}
	if t.read {
		mode |= hcreg.TransRead
	}
	if t.blockCount() > 1 {
		mode |= hcreg.TransMultiBlock | hcreg.TransBlkCountEn | hcreg.TransAutoCmd12
	}
	return mode
}

// exec programs the registers of the command and triggers it by writing
// the Command register.
func (t *trb) exec() error {
	c := t.c
	if err := c.write(hcreg.NorIntSts, mmio.Width16, 0xFFFF); err != nil {
		return err
	}
	if err := c.write(hcreg.ErrIntSts, mmio.Width16, 0xFFFF); err != nil {
		return err
	}
	if t.mode == ModeADMA2 {
		if err := c.OrReg(hcreg.HostCtrl1, mmio.Width8, hcreg.HostCtrl1Adma2); err != nil {
			return err
		}
	}
	if err := c.LED(true); err != nil {
		return err
	}

	switch t.mode {
	case ModeSDMA:
		if err := c.write(hcreg.SdmaAddr, mmio.Width32, t.dataPhys); err != nil {
			return err
		}
	case ModeADMA2:
		if err := c.write(hcreg.AdmaSysAddr, mmio.Width64, t.adma.Phys); err != nil {
			return err
		}
	}

	blkSize := uint64(t.blockSize)
	if t.mode == ModeSDMA {
		blkSize |= hcreg.SdmaBoundaryBits
	}
	if err := c.write(hcreg.BlkSize, mmio.Width16, blkSize); err != nil {
		return err
	}
	if err := c.write(hcreg.BlkCount, mmio.Width16, uint64(t.blockCount())); err != nil {
		return err
	}
	if err := c.write(hcreg.Arg1, mmio.Width32, uint64(t.packet.Argument)); err != nil {
		return err
	}
	if err := c.write(hcreg.TransMode, mmio.Width16, uint64(t.transferModeRegister())); err != nil {
		return err
	}
	return c.write(hcreg.Command, mmio.Width16, uint64(t.commandRegister()))
}

// checkResult inspects the interrupt status once. It returns
// mmio.ErrNotReady while the command is still running.
func (t *trb) checkResult() error {
	err := t.result()
	if errors.Is(err, mmio.ErrNotReady) {
		return err
	}
	if ledErr := t.c.LED(false); ledErr != nil && err == nil {
		err = ledErr
	}
	if err == nil && t.packet.Type != mmc.Bc {
		err = t.readResponse()
	}
	return err
}

func (t *trb) result() error {
	c := t.c
	v, err := c.read(hcreg.NorIntSts, mmio.Width16)
	if err != nil {
		return err
	}
	intStatus := uint16(v)

	if intStatus&hcreg.IntTransComplete != 0 {
		if intStatus&hcreg.IntError == 0 {
			return nil
		}
		v, err := c.read(hcreg.ErrIntSts, mmio.Width16)
		if err != nil {
			return err
		}
		// Transfer Complete takes priority over a Data Timeout Error.
		if uint16(v) == hcreg.ErrDataTimeout {
			Debug("sdhci: CMD%d completed with a data timeout, ignored", t.packet.Index)
			return nil
		}
		return &DeviceError{Index: t.packet.Index, Normal: intStatus, ErrStatus: uint16(v)}
	}

	if intStatus&hcreg.IntError != 0 {
		return t.recover(intStatus)
	}

	if t.mode == ModeSDMA && intStatus&hcreg.IntDma != 0 {
		if err := c.write(hcreg.NorIntSts, mmio.Width16, hcreg.IntDma); err != nil {
			return err
		}
		next := (t.dataPhys + hcreg.SdmaBoundary) &^ (hcreg.SdmaBoundary - 1)
		if err := c.write(hcreg.SdmaAddr, mmio.Width32, next); err != nil {
			return err
		}
		t.dataPhys = next
	}

	if t.packet.Type != mmc.Adtc && !t.packet.Response.Busy() {
		if intStatus&hcreg.IntCmdComplete != 0 {
			return nil
		}
	}

	if t.mode == ModePIO {
		switch {
		case intStatus&hcreg.IntBufReadRdy != 0:
			if err := c.write(hcreg.NorIntSts, mmio.Width16, hcreg.IntBufReadRdy); err != nil {
				return err
			}
			if err := t.drainBlock(); err != nil {
				return err
			}
			if t.packet.Index == mmc.SendTuningBlock {
				return nil
			}
		case intStatus&hcreg.IntBufWriteRdy != 0:
			if err := c.write(hcreg.NorIntSts, mmio.Width16, hcreg.IntBufWriteRdy); err != nil {
				return err
			}
			if err := t.fillBlock(); err != nil {
				return err
			}
		}
	}
	return mmio.ErrNotReady
}

// recover resets the command and/or data circuits which reported an error
// and turns the error into a *DeviceError.
func (t *trb) recover(intStatus uint16) error {
	c := t.c
	v, err := c.read(hcreg.ErrIntSts, mmio.Width16)
	if err != nil {
		return err
	}
	errStatus := uint16(v)
	var reset uint64
	if errStatus&hcreg.ErrCmdLine != 0 {
		reset |= hcreg.ResetCmd
	}
	if errStatus&hcreg.ErrDataLine != 0 {
		reset |= hcreg.ResetDat
	}
	c.log.Debugf("sdhci: CMD%d error status %#04x, reset %#x", t.packet.Index, errStatus, reset)
	if reset != 0 {
		if err := c.write(hcreg.SwReset, mmio.Width8, reset); err != nil {
			return err
		}
		if err := c.WaitReg(hcreg.SwReset, mmio.Width8, 0xFF, 0, ResetTimeout); err != nil {
			return fmt.Errorf("software reset %#x after CMD%d: %w", reset, t.packet.Index, err)
		}
	}
	return &DeviceError{Index: t.packet.Index, Normal: intStatus, ErrStatus: errStatus}
}

// drainBlock reads one block from the buffer data port, 32 bits at a time.
func (t *trb) drainBlock() error {
	end := t.pio + t.blockSize
	if end > len(t.data) {
		end = len(t.data)
	}
	block := uio.NewLittleEndianBuffer(make([]byte, 0, end-t.pio+3))
	for off := t.pio; off < end; off += 4 {
		v, err := t.c.read(hcreg.BufDatPort, mmio.Width32)
		if err != nil {
			return err
		}
		block.Write32(uint32(v))
	}
	t.pio += copy(t.data[t.pio:end], block.Data())
	return nil
}

// fillBlock writes one block to the buffer data port, 32 bits at a time.
func (t *trb) fillBlock() error {
	end := t.pio + t.blockSize
	if end > len(t.data) {
		end = len(t.data)
	}
	for t.pio < end {
		var word [4]byte
		n := copy(word[:], t.data[t.pio:end])
		v := uio.NewLittleEndianBuffer(word[:]).Read32()
		if err := t.c.write(hcreg.BufDatPort, mmio.Width32, uint64(v)); err != nil {
			return err
		}
		t.pio += n
	}
	return nil
}

func (t *trb) readResponse() error {
	for i := range t.packet.Status {
		v, err := t.c.read(hcreg.Response+uint64(i)*4, mmio.Width32)
		if err != nil {
			return err
		}
		t.packet.Status[i] = uint32(v)
	}
	return nil
}

func (t *trb) waitResult() error {
	return mmio.Poll(t.c.clock, t.timeout(), t.checkResult)
}

// ExecCmd runs a command to completion. On success p.Status holds the
// response. Every resource taken for the command is released on return.
func (c *Controller) ExecCmd(p *Packet) (err error) {
	if p == nil {
		return fmt.Errorf("%w: nil packet", ErrInvalidParameter)
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidParameter, p, err)
	}
	if c.pool == nil {
		return fmt.Errorf("%w: controller is closed", ErrInvalidParameter)
	}

	t, err := c.createTrb(p)
	if err != nil {
		return err
	}
	defer func() {
		if freeErr := t.free(); freeErr != nil {
			err = multierror.Append(err, freeErr)
		}
	}()

	if err := t.waitEnv(); err != nil {
		return fmt.Errorf("CMD%d: waiting for the command lines: %w", p.Index, err)
	}
	if err := t.exec(); err != nil {
		return fmt.Errorf("CMD%d: %w", p.Index, err)
	}
	if err := t.waitResult(); err != nil {
		return fmt.Errorf("CMD%d: %w", p.Index, err)
	}
	return nil
}
