// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sdhcisim simulates an SD Host Controller 3.00 slot with an eMMC
// device attached. The register file is reached through mmio.Bus and data
// moves through a dma.Memory, so the driver code runs unmodified against
// it.
package sdhcisim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/u-root/u-root/pkg/uio"

	"github.com/linuxboot/emmchc/pkg/dma"
	"github.com/linuxboot/emmchc/pkg/mmc"
	"github.com/linuxboot/emmchc/pkg/mmio"
	"github.com/linuxboot/emmchc/pkg/sdhci/hcreg"
)

// Debug is called for every command the controller issues.
var Debug = func(format string, v ...interface{}) {}

// DefaultCapability is the capability register of the simulated slot:
// 200 MHz base clock, 8-bit bus, ADMA2, SDMA, high speed, 3.3V and 1.8V,
// SDR104, DDR50 and HS400.
const DefaultCapability = 0x80000007_25ECC8B2

// Command is one entry of the command log.
type Command struct {
	Index      uint8
	Argument   uint32
	Command    uint16
	TransMode  uint16
	BlockSize  uint16
	BlockCount uint16
	// UhsMode is the Host Control 2 UHS mode the command was issued in.
	UhsMode uint16
}

// Fault makes the controller fail a command index.
type Fault struct {
	// Error is or'ed into the Error Interrupt Status register.
	Error uint16
	// Complete also raises Command Complete and Transfer Complete.
	Complete bool
	// Count limits the number of commands affected, 0 meaning all.
	Count int
}

type transferMode uint8

const (
	xferPIO transferMode = iota
	xferSDMA
	xferADMA2
)

type transfer struct {
	index     uint8
	arg       uint32
	mode      transferMode
	read      bool
	blockSize int
	data      []byte
	pos       int
}

// Controller is the simulated slot. It implements mmio.Bus for the
// addresses [bar, bar+hcreg.Size).
type Controller struct {
	mu   sync.Mutex
	bar  uint64
	regs [hcreg.Size]byte
	mem  *dma.Memory
	card *Card

	capability uint64
	version    uint16

	commands []Command
	resets   []uint8
	faults   map[uint8]*Fault
	xfer     *transfer

	// InhibitPolls is the number of Present State reads reporting both
	// inhibit bits set. A negative value keeps them set forever.
	InhibitPolls int

	// TuningPasses is the number of tuning blocks after which the
	// controller completes tuning. A negative value never completes.
	TuningPasses int
	// TuningAbort makes tuning stop with the sampling clock unselected.
	TuningAbort bool
	tuning      int
}

var _ mmio.Bus = (*Controller)(nil)

// Option configures a Controller.
type Option func(*Controller)

// WithCapability overrides the capability register.
func WithCapability(capability hcreg.Capability) Option {
	return func(c *Controller) {
		c.capability = capability.Encode()
	}
}

// WithVersion sets the specification version of the controller (0 for
// 1.00, 1 for 2.00, 2 for 3.00).
func WithVersion(version uint8) Option {
	return func(c *Controller) {
		c.version = uint16(version)
	}
}

// WithCard attaches a device. By default a 64 MiB device is attached.
func WithCard(card *Card) Option {
	return func(c *Controller) {
		c.card = card
	}
}

// New returns a slot at bar whose DMA engine accesses mem.
func New(bar uint64, mem *dma.Memory, opts ...Option) *Controller {
	c := &Controller{
		bar:          bar,
		mem:          mem,
		capability:   DefaultCapability,
		version:      2,
		faults:       map[uint8]*Fault{},
		TuningPasses: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.card == nil {
		c.card = NewCard(64 << 11)
	}
	c.resetAll()
	return c
}

// Card returns the attached device.
func (c *Controller) Card() *Card { return c.card }

// Commands returns a copy of the command log.
func (c *Controller) Commands() []Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Command(nil), c.commands...)
}

// ClearCommands empties the command log.
func (c *Controller) ClearCommands() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = nil
}

// Resets returns the values written to the Software Reset register.
func (c *Controller) Resets() []uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint8(nil), c.resets...)
}

// InjectFault makes the next commands with index fail as described by f.
func (c *Controller) InjectFault(index uint8, f Fault) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[index] = &f
}

// Raise sets bits of the interrupt status registers as the hardware would.
func (c *Controller) Raise(normal, errStatus uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raise(normal, errStatus)
}

func (c *Controller) offset(addr uint64, width mmio.Width) (uint64, error) {
	if addr < c.bar || addr+uint64(width) > c.bar+hcreg.Size {
		return 0, fmt.Errorf("sdhcisim: %s access at %#x outside of [%#x, %#x)", width, addr, c.bar, c.bar+hcreg.Size)
	}
	return addr - c.bar, nil
}

func (c *Controller) get(off uint64, width mmio.Width) uint64 {
	r := uio.NewLittleEndianBuffer(c.regs[off : off+uint64(width)])
	switch width {
	case mmio.Width8:
		return uint64(r.Read8())
	case mmio.Width16:
		return uint64(r.Read16())
	case mmio.Width32:
		return uint64(r.Read32())
	}
	return r.Read64()
}

func (c *Controller) set(off uint64, width mmio.Width, value uint64) {
	w := uio.NewLittleEndianBuffer(nil)
	switch width {
	case mmio.Width8:
		w.Write8(uint8(value))
	case mmio.Width16:
		w.Write16(uint16(value))
	case mmio.Width32:
		w.Write32(uint32(value))
	default:
		w.Write64(value)
	}
	copy(c.regs[off:], w.Data())
}

func (c *Controller) resetAll() {
	c.regs = [hcreg.Size]byte{}
	c.set(hcreg.Cap, mmio.Width64, c.capability)
	c.set(hcreg.CtrlVer, mmio.Width16, uint64(c.version))
	c.xfer = nil
	c.tuning = 0
}

func (c *Controller) raise(normal, errStatus uint16) {
	c.set(hcreg.NorIntSts, mmio.Width16, c.get(hcreg.NorIntSts, mmio.Width16)|uint64(normal))
	c.set(hcreg.ErrIntSts, mmio.Width16, c.get(hcreg.ErrIntSts, mmio.Width16)|uint64(errStatus))
}

// refresh computes the status bits derived from the controller state.
func (c *Controller) refresh(off uint64) {
	nor := c.get(hcreg.NorIntSts, mmio.Width16) &^ hcreg.IntError
	if c.get(hcreg.ErrIntSts, mmio.Width16) != 0 {
		nor |= hcreg.IntError
	}
	c.set(hcreg.NorIntSts, mmio.Width16, nor)

	present := uint64(hcreg.PresentCardInserted | hcreg.PresentCardStable)
	if c.xfer != nil {
		present |= hcreg.PresentDatInhibit | hcreg.PresentDatActive
		if c.xfer.mode == xferPIO {
			if c.xfer.read {
				present |= hcreg.PresentBufReadEn | hcreg.PresentReadActive
			} else {
				present |= hcreg.PresentBufWriteEn | hcreg.PresentWriteActive
			}
		}
	}
	if off == hcreg.PresentState && c.InhibitPolls != 0 {
		present |= hcreg.PresentCmdInhibit | hcreg.PresentDatInhibit
		if c.InhibitPolls > 0 {
			c.InhibitPolls--
		}
	}
	c.set(hcreg.PresentState, mmio.Width32, present)
}

// Read implements mmio.Bus.
func (c *Controller) Read(addr uint64, width mmio.Width) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, err := c.offset(addr, width)
	if err != nil {
		return 0, err
	}
	if off == hcreg.BufDatPort {
		return uint64(c.readPort()), nil
	}
	c.refresh(off)
	return c.get(off, width), nil
}

// Write implements mmio.Bus.
func (c *Controller) Write(addr uint64, width mmio.Width, value uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, err := c.offset(addr, width)
	if err != nil {
		return err
	}
	prevCtrl2 := c.get(hcreg.HostCtrl2, mmio.Width16)

	for i := uint64(0); i < uint64(width); i++ {
		b := byte(value >> (8 * i))
		switch reg := off + i; {
		case reg >= hcreg.NorIntSts && reg < hcreg.NorIntStsEn:
			// write 1 to clear
			c.regs[reg] &^= b
		case reg >= hcreg.Response && reg < hcreg.BufDatPort,
			reg >= hcreg.PresentState && reg < hcreg.HostCtrl1,
			reg >= hcreg.Cap && reg < hcreg.AdmaErrSts,
			reg >= hcreg.CtrlVer:
			// read only
		case reg >= hcreg.BufDatPort && reg < hcreg.PresentState:
			// handled below
		default:
			c.regs[reg] = b
		}
	}

	switch off {
	case hcreg.SwReset:
		c.softwareReset(uint8(value))
	case hcreg.ClockCtrl:
		clock := c.get(hcreg.ClockCtrl, mmio.Width16) &^ hcreg.ClockInternalStable
		if clock&hcreg.ClockInternalEn != 0 {
			clock |= hcreg.ClockInternalStable
		}
		c.set(hcreg.ClockCtrl, mmio.Width16, clock)
	case hcreg.SdmaAddr:
		if c.xfer != nil && c.xfer.mode == xferSDMA {
			c.runSDMA()
		}
	case hcreg.BufDatPort:
		c.writePort(uint32(value))
	case hcreg.HostCtrl2:
		if value&hcreg.HostCtrl2ExecTuning != 0 && prevCtrl2&hcreg.HostCtrl2ExecTuning == 0 {
			c.tuning = 0
		}
	}
	if off <= hcreg.Command && off+uint64(width) > hcreg.Command {
		c.issue()
	}
	return nil
}

func (c *Controller) softwareReset(mask uint8) {
	c.resets = append(c.resets, mask)
	switch {
	case mask&hcreg.ResetAll != 0:
		c.resetAll()
		return
	case mask&hcreg.ResetCmd != 0:
		c.set(hcreg.NorIntSts, mmio.Width16, c.get(hcreg.NorIntSts, mmio.Width16)&^hcreg.IntCmdComplete)
		c.set(hcreg.ErrIntSts, mmio.Width16, c.get(hcreg.ErrIntSts, mmio.Width16)&^hcreg.ErrCmdLine)
	}
	if mask&hcreg.ResetDat != 0 {
		c.xfer = nil
		c.set(hcreg.NorIntSts, mmio.Width16, c.get(hcreg.NorIntSts, mmio.Width16)&^
			(hcreg.IntTransComplete|hcreg.IntDma|hcreg.IntBufReadRdy|hcreg.IntBufWriteRdy))
		c.set(hcreg.ErrIntSts, mmio.Width16, c.get(hcreg.ErrIntSts, mmio.Width16)&^hcreg.ErrDataLine)
	}
	// the reset completes immediately
	c.regs[hcreg.SwReset] = 0
}

// fail ends the current command with error interrupt bits.
func (c *Controller) fail(errStatus uint16) {
	c.xfer = nil
	c.raise(0, errStatus)
}

func (c *Controller) issue() {
	cmd := uint16(c.get(hcreg.Command, mmio.Width16))
	entry := Command{
		Index:      hcreg.CommandIndex(cmd),
		Argument:   uint32(c.get(hcreg.Arg1, mmio.Width32)),
		Command:    cmd,
		TransMode:  uint16(c.get(hcreg.TransMode, mmio.Width16)),
		BlockSize:  uint16(c.get(hcreg.BlkSize, mmio.Width16) & hcreg.BlkSizeMask),
		BlockCount: uint16(c.get(hcreg.BlkCount, mmio.Width16)),
		UhsMode:    uint16(c.get(hcreg.HostCtrl2, mmio.Width16) & hcreg.HostCtrl2UhsMask),
	}
	c.commands = append(c.commands, entry)
	Debug("sdhcisim: CMD%d arg %#08x cmd %#04x mode %#04x %d x %d bytes",
		entry.Index, entry.Argument, cmd, entry.TransMode, entry.BlockCount, entry.BlockSize)

	if f := c.faults[entry.Index]; f != nil {
		if f.Count > 0 {
			f.Count--
			if f.Count == 0 {
				delete(c.faults, entry.Index)
			}
		}
		var normal uint16
		if f.Complete {
			normal = hcreg.IntCmdComplete | hcreg.IntTransComplete
		}
		c.xfer = nil
		c.raise(normal, f.Error)
		return
	}

	resp, err := c.card.command(entry.Index, entry.Argument)
	if err != nil {
		c.fail(hcreg.ErrCmdTimeout)
		return
	}
	for i, w := range resp {
		c.set(hcreg.Response+uint64(i)*4, mmio.Width32, uint64(w))
	}

	if entry.Index == mmc.SendTuningBlock {
		c.tune()
	}

	if cmd&hcreg.CmdDataPresent == 0 {
		normal := uint16(hcreg.IntCmdComplete)
		if cmd&hcreg.CmdRespMask == hcreg.CmdResp48Busy {
			normal |= hcreg.IntTransComplete
		}
		c.raise(normal, 0)
		return
	}
	c.raise(hcreg.IntCmdComplete, 0)
	c.startTransfer(entry)
}

// tune advances the tuning state machine on every tuning block.
func (c *Controller) tune() {
	ctrl2 := c.get(hcreg.HostCtrl2, mmio.Width16)
	if ctrl2&hcreg.HostCtrl2ExecTuning == 0 {
		return
	}
	if c.TuningAbort {
		c.set(hcreg.HostCtrl2, mmio.Width16, ctrl2&^(hcreg.HostCtrl2ExecTuning|hcreg.HostCtrl2SampleClock))
		return
	}
	c.tuning++
	if c.TuningPasses < 0 || c.tuning < c.TuningPasses {
		return
	}
	c.set(hcreg.HostCtrl2, mmio.Width16, ctrl2&^hcreg.HostCtrl2ExecTuning|hcreg.HostCtrl2SampleClock)
}

func (c *Controller) startTransfer(entry Command) {
	blocks := int(entry.BlockCount)
	if entry.TransMode&hcreg.TransBlkCountEn == 0 {
		blocks = 1
	}
	x := &transfer{
		index:     entry.Index,
		arg:       entry.Argument,
		read:      entry.TransMode&hcreg.TransRead != 0,
		blockSize: int(entry.BlockSize),
	}
	n := blocks * x.blockSize
	if n == 0 {
		c.fail(hcreg.ErrDataEndBit)
		return
	}
	switch {
	case entry.TransMode&hcreg.TransDmaEn == 0:
		x.mode = xferPIO
	case c.get(hcreg.HostCtrl1, mmio.Width8)&hcreg.HostCtrl1DmaMask == hcreg.HostCtrl1Adma2:
		x.mode = xferADMA2
	default:
		x.mode = xferSDMA
	}

	if x.read {
		data, err := c.card.readData(x.index, x.arg, n)
		if err != nil {
			Debug("sdhcisim: CMD%d: %v", x.index, err)
			c.fail(hcreg.ErrDataCrc)
			return
		}
		x.data = data
	} else {
		x.data = make([]byte, n)
	}
	c.xfer = x

	switch x.mode {
	case xferPIO:
		if x.read {
			c.raise(hcreg.IntBufReadRdy, 0)
		} else {
			c.raise(hcreg.IntBufWriteRdy, 0)
		}
	case xferSDMA:
		c.runSDMA()
	case xferADMA2:
		c.runADMA2()
	}
}

// move copies n bytes between the transfer buffer and bus memory at phys.
func (c *Controller) move(phys uint64, n int) error {
	mem, err := c.mem.Access(phys, n)
	if err != nil {
		return err
	}
	x := c.xfer
	if x.read {
		copy(mem, x.data[x.pos:x.pos+n])
	} else {
		copy(x.data[x.pos:x.pos+n], mem)
	}
	x.pos += n
	return nil
}

func (c *Controller) sdmaBoundary() uint64 {
	bits := (c.get(hcreg.BlkSize, mmio.Width16) >> 12) & 7
	return 4096 << bits
}

// runSDMA transfers up to the next buffer boundary and either completes
// or stops with a DMA interrupt until the driver writes the next address.
func (c *Controller) runSDMA() {
	x := c.xfer
	addr := c.get(hcreg.SdmaAddr, mmio.Width32)
	boundary := c.sdmaBoundary()
	n := int(boundary - addr%boundary)
	if remaining := len(x.data) - x.pos; n > remaining {
		n = remaining
	}
	if err := c.move(addr, n); err != nil {
		Debug("sdhcisim: SDMA: %v", err)
		c.fail(hcreg.ErrDataEndBit)
		return
	}
	if x.pos < len(x.data) {
		c.raise(hcreg.IntDma, 0)
		return
	}
	c.finish()
}

// runADMA2 walks the descriptor table.
func (c *Controller) runADMA2() {
	x := c.xfer
	addr := c.get(hcreg.AdmaSysAddr, mmio.Width64)
	for lines := 0; ; lines++ {
		raw, err := c.mem.Access(addr, hcreg.AdmaDescLineSize)
		if err != nil || lines > 1<<16 {
			c.set(hcreg.AdmaErrSts, mmio.Width8, 1)
			c.fail(hcreg.ErrAdma)
			return
		}
		line := hcreg.DecodeAdmaDescLine(uio.NewLittleEndianBuffer(raw).Read64())
		if !line.Valid {
			c.fail(hcreg.ErrAdma)
			return
		}
		switch line.Act {
		case hcreg.AdmaActTran:
			n := line.DataLength()
			if x.pos+n > len(x.data) {
				c.fail(hcreg.ErrAdma)
				return
			}
			if err := c.move(uint64(line.Address), n); err != nil {
				c.fail(hcreg.ErrAdma)
				return
			}
		case hcreg.AdmaActLink:
			addr = uint64(line.Address)
			continue
		}
		if line.End {
			break
		}
		addr += hcreg.AdmaDescLineSize
	}
	if x.pos != len(x.data) {
		c.fail(hcreg.ErrAdma)
		return
	}
	c.finish()
}

func (c *Controller) readPort() uint32 {
	x := c.xfer
	if x == nil || x.mode != xferPIO || !x.read {
		return 0
	}
	var word [4]byte
	n := copy(word[:], x.data[x.pos:])
	x.pos += n
	c.pioAdvance()
	return uio.NewLittleEndianBuffer(word[:]).Read32()
}

func (c *Controller) writePort(v uint32) {
	x := c.xfer
	if x == nil || x.mode != xferPIO || x.read {
		return
	}
	w := uio.NewLittleEndianBuffer(nil)
	w.Write32(v)
	x.pos += copy(x.data[x.pos:], w.Data())
	c.pioAdvance()
}

// pioAdvance raises the next buffer ready interrupt at block boundaries.
func (c *Controller) pioAdvance() {
	x := c.xfer
	switch {
	case x.pos >= len(x.data):
		c.finish()
	case x.pos%x.blockSize == 0 && x.read:
		c.raise(hcreg.IntBufReadRdy, 0)
	case x.pos%x.blockSize == 0:
		c.raise(hcreg.IntBufWriteRdy, 0)
	}
}

func (c *Controller) finish() {
	x := c.xfer
	c.xfer = nil
	if !x.read {
		if err := c.card.writeData(x.index, x.arg, x.data); err != nil {
			Debug("sdhcisim: CMD%d: %v", x.index, err)
			c.raise(0, hcreg.ErrDataCrc)
			return
		}
	}
	c.raise(hcreg.IntTransComplete, 0)
}

// ErrNotAttached is returned by LoadImage for partitions the device does
// not have.
var ErrNotAttached = errors.New("sdhcisim: partition not present")
