// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sdhci drives one slot of an SD Host Controller 3.0 compatible
// eMMC controller: it turns command packets into transfer requests,
// programs the registers, and polls them to completion.
package sdhci

import (
	"fmt"
	"time"

	"github.com/linuxboot/emmchc/pkg/dma"
	"github.com/linuxboot/emmchc/pkg/log"
	"github.com/linuxboot/emmchc/pkg/mmio"
	"github.com/linuxboot/emmchc/pkg/sdhci/hcreg"
)

// Timeouts of controller level operations.
const (
	// ResetTimeout bounds software resets and the clock stabilization.
	ResetTimeout = 3 * time.Second

	// GenericTimeout is the default timeout of a command without a large
	// data phase.
	GenericTimeout = 2500 * time.Millisecond
)

// Debug is called with every register level event; tests set it to t.Logf.
var Debug = func(format string, v ...interface{}) {}

// Controller is one host controller slot at a fixed MMIO base. It is not
// safe for concurrent use: a slot runs one command at a time.
type Controller struct {
	bus   mmio.Bus
	bar   uint64
	iommu dma.IOMMU
	pool  *dma.Pool
	clock mmio.Clock
	log   log.Logger

	capability hcreg.Capability
	version    uint16
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the system clock used by every poll loop.
func WithClock(clk mmio.Clock) Option {
	return func(c *Controller) {
		c.clock = clk
	}
}

// WithLogger replaces log.DefaultLogger.
func WithLogger(l log.Logger) Option {
	return func(c *Controller) {
		c.log = l
	}
}

// New returns the controller whose register block starts at bar. It
// creates the DMA pool of the slot and caches the capability and version
// registers.
func New(bus mmio.Bus, bar uint64, iommu dma.IOMMU, opts ...Option) (*Controller, error) {
	if bus == nil || iommu == nil || bar == 0 {
		return nil, fmt.Errorf("%w: bus %v, bar %#x, iommu %v", ErrInvalidParameter, bus, bar, iommu)
	}
	c := &Controller{
		bus:   bus,
		bar:   bar,
		iommu: iommu,
		clock: mmio.SystemClock{},
		log:   log.DefaultLogger,
	}
	for _, opt := range opts {
		opt(c)
	}

	capability, err := c.GetCapability()
	if err != nil {
		return nil, fmt.Errorf("unable to read the capability register: %w", err)
	}
	version, err := c.read(hcreg.CtrlVer, mmio.Width16)
	if err != nil {
		return nil, fmt.Errorf("unable to read the controller version: %w", err)
	}
	c.capability = capability
	c.version = uint16(version)

	c.pool, err = dma.NewPool(iommu)
	if err != nil {
		return nil, err
	}
	c.log.Debugf("sdhci: slot at %#x, spec version %d, capability %#016x",
		bar, c.SpecVersion(), capability.Encode())
	return c, nil
}

// Close releases the DMA pool of the slot.
func (c *Controller) Close() error {
	if c.pool == nil {
		return nil
	}
	err := c.pool.Close()
	c.pool = nil
	return err
}

// Bar returns the MMIO base address of the slot.
func (c *Controller) Bar() uint64 { return c.bar }

// Capability returns the capability register read at creation.
func (c *Controller) Capability() hcreg.Capability { return c.capability }

// SpecVersion returns the specification version field of the Host
// Controller Version register: 0 for 1.00, 1 for 2.00, 2 for 3.00.
func (c *Controller) SpecVersion() uint8 { return uint8(c.version) }

// Pool returns the DMA pool of the slot.
func (c *Controller) Pool() *dma.Pool { return c.pool }

// Clock returns the clock used for polling.
func (c *Controller) Clock() mmio.Clock { return c.clock }

// Logger returns the logger of the slot.
func (c *Controller) Logger() log.Logger { return c.log }

func (c *Controller) read(off uint64, width mmio.Width) (uint64, error) {
	return mmio.Read(c.bus, c.bar+off, width)
}

func (c *Controller) write(off uint64, width mmio.Width, value uint64) error {
	return mmio.Write(c.bus, c.bar+off, width, value)
}

// ReadReg reads the register at offset off of the slot.
func (c *Controller) ReadReg(off uint64, width mmio.Width) (uint64, error) {
	return c.read(off, width)
}

// WriteReg writes the register at offset off of the slot.
func (c *Controller) WriteReg(off uint64, width mmio.Width, value uint64) error {
	return c.write(off, width, value)
}

// OrReg sets the bits of mask in the register at offset off.
func (c *Controller) OrReg(off uint64, width mmio.Width, mask uint64) error {
	return mmio.Or(c.bus, c.bar+off, width, mask)
}

// AndReg keeps only the bits of mask in the register at offset off.
func (c *Controller) AndReg(off uint64, width mmio.Width, mask uint64) error {
	return mmio.And(c.bus, c.bar+off, width, mask)
}

// WaitReg polls the register at offset off until (value & mask) == want.
// A zero timeout waits forever.
func (c *Controller) WaitReg(off uint64, width mmio.Width, mask, want uint64, timeout time.Duration) error {
	return mmio.WaitSet(c.bus, c.clock, c.bar+off, width, mask, want, timeout)
}
