// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package emmc implements the eMMC command set on top of an SD host
// controller: device identification, bus speed negotiation and block
// transfers.
package emmc

import (
	"fmt"
	"math"
	"time"

	"github.com/linuxboot/emmchc/pkg/log"
	"github.com/linuxboot/emmchc/pkg/mmc"
	"github.com/linuxboot/emmchc/pkg/sdhci"
)

const (
	// CommandTimeout bounds every command except block transfers.
	CommandTimeout = 3 * time.Second

	// DefaultRCA is the relative address given to the device. A slot
	// carries a single device.
	DefaultRCA = 1

	// minTransferRate is the slowest transfer rate an eMMC device must
	// sustain, in bytes per second.
	minTransferRate = 2 << 20
)

// Debug prints command level traces. Tests set it to t.Logf.
var Debug = func(format string, v ...interface{}) {}

// Errors wrapping sdhci.ErrDevice for failures the device reports in its
// status rather than through the controller.
var (
	ErrSwitch     = fmt.Errorf("%w: SWITCH_ERROR in device status", sdhci.ErrDevice)
	ErrTuning     = fmt.Errorf("%w: sampling clock tuning failed", sdhci.ErrDevice)
	ErrDeviceBusy = fmt.Errorf("%w: device did not finish power up", sdhci.ErrDevice)
)

// Slot is an eMMC device behind one host controller slot.
type Slot struct {
	hc  *sdhci.Controller
	log log.Logger

	CID    mmc.CID
	CSD    mmc.CSD
	ExtCSD mmc.ExtCSD
	RCA    uint16
	// SectorAddressing is true for devices above 2 GiB, which take
	// block numbers instead of byte offsets as data addresses.
	SectorAddressing bool
	// Mode is the negotiated bus mode.
	Mode BusMode
}

// NewSlot returns the Slot of the device attached to hc.
func NewSlot(hc *sdhci.Controller) *Slot {
	return &Slot{
		hc:   hc,
		log:  hc.Logger(),
		Mode: BusMode{BusWidth: 1},
	}
}

// Controller returns the host controller of the slot.
func (s *Slot) Controller() *sdhci.Controller {
	return s.hc
}

func (s *Slot) exec(p *sdhci.Packet) error {
	if p.Timeout == 0 {
		p.Timeout = CommandTimeout
	}
	Debug("emmc: %s", p)
	return s.hc.ExecCmd(p)
}

// Reset sends GO_IDLE_STATE.
func (s *Slot) Reset() error {
	return s.exec(&sdhci.Packet{Index: mmc.GoIdleState, Type: mmc.Bc})
}

// GetOcr sends SEND_OP_COND with the host OCR and returns the device one.
func (s *Slot) GetOcr(ocr uint32) (uint32, error) {
	p := &sdhci.Packet{Index: mmc.SendOpCond, Type: mmc.Bcr, Response: mmc.R3, Argument: ocr}
	if err := s.exec(p); err != nil {
		return 0, err
	}
	return p.Status[0], nil
}

// GetAllCid sends ALL_SEND_CID.
func (s *Slot) GetAllCid() (mmc.CID, error) {
	p := &sdhci.Packet{Index: mmc.AllSendCid, Type: mmc.Bcr, Response: mmc.R2}
	if err := s.exec(p); err != nil {
		return mmc.CID{}, err
	}
	return mmc.FromR2(p.Status), nil
}

// SetRca assigns the relative address of the device.
func (s *Slot) SetRca(rca uint16) error {
	return s.exec(&sdhci.Packet{Index: mmc.SetRelativeAddr, Type: mmc.Ac, Response: mmc.R1, Argument: mmc.RcaArgument(rca)})
}

// GetCsd reads the CSD register of a device in stand-by state.
func (s *Slot) GetCsd(rca uint16) (mmc.CSD, error) {
	p := &sdhci.Packet{Index: mmc.SendCsd, Type: mmc.Ac, Response: mmc.R2, Argument: mmc.RcaArgument(rca)}
	if err := s.exec(p); err != nil {
		return mmc.CSD{}, err
	}
	return mmc.FromR2(p.Status), nil
}

// Select moves the device to the transfer state.
func (s *Slot) Select(rca uint16) error {
	return s.exec(&sdhci.Packet{Index: mmc.SelectDeselectCard, Type: mmc.Ac, Response: mmc.R1b, Argument: mmc.RcaArgument(rca)})
}

// GetExtCsd reads the EXT_CSD register.
func (s *Slot) GetExtCsd() (mmc.ExtCSD, error) {
	var ext mmc.ExtCSD
	p := &sdhci.Packet{Index: mmc.SendExtCsd, Type: mmc.Adtc, Response: mmc.R1, In: ext[:]}
	if err := s.exec(p); err != nil {
		return mmc.ExtCSD{}, err
	}
	return ext, nil
}

// Switch sends SWITCH. The outcome has to be checked with SendStatus.
func (s *Slot) Switch(access, index, value, cmdSet uint8) error {
	return s.exec(&sdhci.Packet{
		Index:    mmc.Switch,
		Type:     mmc.Ac,
		Response: mmc.R1b,
		Argument: mmc.SwitchArgument(access, index, value, cmdSet),
	})
}

// SendStatus returns the device status register.
func (s *Slot) SendStatus(rca uint16) (uint32, error) {
	p := &sdhci.Packet{Index: mmc.SendStatus, Type: mmc.Ac, Response: mmc.R1, Argument: mmc.RcaArgument(rca)}
	if err := s.exec(p); err != nil {
		return 0, err
	}
	return p.Status[0], nil
}

// SetBlkCount announces the number of blocks of the next multiple block
// transfer.
func (s *Slot) SetBlkCount(blocks uint16) error {
	return s.exec(&sdhci.Packet{Index: mmc.SetBlockCount, Type: mmc.Ac, Response: mmc.R1, Argument: uint32(blocks)})
}

// address returns the data address argument of block lba.
func (s *Slot) address(lba uint64) (uint32, error) {
	limit := uint64(math.MaxUint32)
	if !s.SectorAddressing {
		limit /= mmc.DefaultBlockSize
	}
	if lba > limit {
		return 0, fmt.Errorf("%w: block %d is not addressable", sdhci.ErrInvalidParameter, lba)
	}
	if !s.SectorAddressing {
		lba *= mmc.DefaultBlockSize
	}
	return uint32(lba), nil
}

// transferTimeout returns the time the device may take to move n bytes.
func transferTimeout(n int) time.Duration {
	return time.Duration(n/minTransferRate)*time.Second + time.Second
}

// RwMultiBlocks reads or writes buf starting at block lba with a single
// READ_MULTIPLE_BLOCK or WRITE_MULTIPLE_BLOCK command.
func (s *Slot) RwMultiBlocks(lba uint64, blockSize int, buf []byte, read bool) error {
	if blockSize != mmc.DefaultBlockSize || len(buf) == 0 || len(buf)%blockSize != 0 {
		return fmt.Errorf("%w: %d bytes in %d byte blocks", sdhci.ErrInvalidParameter, len(buf), blockSize)
	}
	arg, err := s.address(lba)
	if err != nil {
		return err
	}
	p := &sdhci.Packet{
		Index:    mmc.WriteMultipleBlock,
		Type:     mmc.Adtc,
		Response: mmc.R1,
		Argument: arg,
		Out:      buf,
		Timeout:  transferTimeout(len(buf)),
	}
	if read {
		p.Index, p.In, p.Out = mmc.ReadMultipleBlock, buf, nil
	}
	return s.exec(p)
}

// SendTuningBlk reads one tuning block for the bus width.
func (s *Slot) SendTuningBlk(busWidth int) error {
	buf := make([]byte, mmc.TuningBlockSize(busWidth))
	return s.exec(&sdhci.Packet{
		Index:    mmc.SendTuningBlock,
		Type:     mmc.Adtc,
		Response: mmc.R1,
		In:       buf,
		Timeout:  sdhci.GenericTimeout,
	})
}
