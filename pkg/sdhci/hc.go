// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sdhci

import (
	"fmt"
	"math/bits"
	"time"

	"github.com/linuxboot/emmchc/pkg/mmio"
	"github.com/linuxboot/emmchc/pkg/sdhci/hcreg"
)

// InitClockKHz is the identification mode clock.
const InitClockKHz = 400

// GetCapability reads the Capabilities register.
func (c *Controller) GetCapability() (hcreg.Capability, error) {
	v, err := c.read(hcreg.Cap, mmio.Width64)
	if err != nil {
		return hcreg.Capability{}, err
	}
	return hcreg.DecodeCapability(v), nil
}

// Reset performs a full software reset and enables the interrupt status
// bits afterwards.
func (c *Controller) Reset() error {
	if err := c.write(hcreg.SwReset, mmio.Width8, 0xFF); err != nil {
		return err
	}
	if err := c.WaitReg(hcreg.SwReset, mmio.Width8, 0xFF, 0, ResetTimeout); err != nil {
		return fmt.Errorf("software reset did not complete: %w", err)
	}
	return c.EnableInterrupts()
}

// EnableInterrupts enables every normal and error interrupt status bit.
// Signals stay disabled: completion is always polled.
func (c *Controller) EnableInterrupts() error {
	if err := c.write(hcreg.NorIntStsEn, mmio.Width16, 0xFFFF); err != nil {
		return err
	}
	return c.write(hcreg.ErrIntStsEn, mmio.Width16, 0xFFFF)
}

// StopClock waits for the command and data lines to go idle and gates the
// SD clock.
func (c *Controller) StopClock() error {
	err := c.WaitReg(hcreg.PresentState, mmio.Width32,
		hcreg.PresentCmdInhibit|hcreg.PresentDatInhibit, 0, 0)
	if err != nil {
		return err
	}
	return c.AndReg(hcreg.ClockCtrl, mmio.Width16, ^uint64(hcreg.ClockSdEn))
}

// clockDivisor returns the 10-bit divided clock mode divisor for the
// fastest frequency not above kHz. The SD clock is base / (2 * divisor),
// divisor 0 meaning base.
func clockDivisor(baseKHz, kHz uint32) uint32 {
	if baseKHz <= kHz {
		return 0
	}
	divisor := uint32(1)
	for ; divisor < 0x3FF; divisor++ {
		if baseKHz/(2*divisor) <= kHz {
			break
		}
	}
	return divisor
}

// clockControl encodes the divisor for the controller version.
func clockControl(version uint8, divisor uint32) (uint16, error) {
	if version >= 2 {
		return uint16((divisor&0xFF)<<8 | (divisor&0x300)>>2), nil
	}
	// 8-bit divisor, powers of two only
	if divisor&(divisor-1) != 0 {
		divisor = 1 << bits.Len32(divisor)
	}
	if divisor > 0x80 {
		return 0, fmt.Errorf("%w: divisor %#x needs a version 3 controller", ErrUnsupported, divisor)
	}
	return uint16(divisor << 8), nil
}

// ClockSupply programs the SD clock to the fastest frequency not above
// kHz, waits for the internal clock to stabilize and enables the clock to
// the card.
func (c *Controller) ClockSupply(kHz uint32) error {
	if kHz == 0 {
		return fmt.Errorf("%w: zero clock frequency", ErrInvalidParameter)
	}
	if c.capability.BaseClkFreq == 0 {
		return fmt.Errorf("%w: base clock frequency is not reported", ErrUnsupported)
	}
	baseKHz := uint32(c.capability.BaseClkFreq) * 1000
	divisor := clockDivisor(baseKHz, kHz)
	ctrl, err := clockControl(c.SpecVersion(), divisor)
	if err != nil {
		return err
	}
	c.log.Debugf("sdhci: clock %d kHz from %d kHz, divisor %#x", kHz, baseKHz, divisor)

	if err := c.StopClock(); err != nil {
		return err
	}
	if err := c.write(hcreg.ClockCtrl, mmio.Width16, uint64(ctrl)|hcreg.ClockInternalEn); err != nil {
		return err
	}
	err = c.WaitReg(hcreg.ClockCtrl, mmio.Width16, hcreg.ClockInternalStable, hcreg.ClockInternalStable, ResetTimeout)
	if err != nil {
		return fmt.Errorf("internal clock did not stabilize: %w", err)
	}
	return c.OrReg(hcreg.ClockCtrl, mmio.Width16, hcreg.ClockSdEn)
}

// InitClockFreq supplies the 400 kHz identification clock.
func (c *Controller) InitClockFreq() error {
	return c.ClockSupply(InitClockKHz)
}

// InitPowerVoltage powers the bus at the highest voltage supported by the
// controller.
func (c *Controller) InitPowerVoltage() error {
	var voltage uint64
	switch {
	case c.capability.Voltage33:
		voltage = hcreg.Power33V
	case c.capability.Voltage30:
		voltage = hcreg.Power30V
	case c.capability.Voltage18:
		voltage = hcreg.Power18V
		if err := c.OrReg(hcreg.HostCtrl2, mmio.Width16, hcreg.HostCtrl2Signal18V); err != nil {
			return err
		}
		c.clock.Stall(5 * time.Millisecond)
	default:
		return fmt.Errorf("%w: no bus voltage in the capability register", ErrUnsupported)
	}
	if err := c.write(hcreg.PowerCtrl, mmio.Width8, voltage); err != nil {
		return err
	}
	return c.write(hcreg.PowerCtrl, mmio.Width8, voltage|hcreg.PowerOn)
}

// InitTimeoutCtrl sets the data timeout counter to its maximum, TMCLK * 2^27.
func (c *Controller) InitTimeoutCtrl() error {
	return c.write(hcreg.TimeoutCtrl, mmio.Width8, 0x0E)
}

// InitHost brings the slot to identification mode: 400 kHz clock, bus
// power and data timeout.
func (c *Controller) InitHost() error {
	if err := c.InitClockFreq(); err != nil {
		return fmt.Errorf("clock: %w", err)
	}
	if err := c.InitPowerVoltage(); err != nil {
		return fmt.Errorf("power: %w", err)
	}
	if err := c.InitTimeoutCtrl(); err != nil {
		return fmt.Errorf("timeout control: %w", err)
	}
	return nil
}

// SetBusWidth sets the data bus width of the host side, 1, 4 or 8 bits.
func (c *Controller) SetBusWidth(width int) error {
	v, err := c.read(hcreg.HostCtrl1, mmio.Width8)
	if err != nil {
		return err
	}
	switch width {
	case 1:
		v &^= hcreg.HostCtrl1Width4 | hcreg.HostCtrl1Width8
	case 4:
		v = v&^hcreg.HostCtrl1Width8 | hcreg.HostCtrl1Width4
	case 8:
		v = v&^hcreg.HostCtrl1Width4 | hcreg.HostCtrl1Width8
	default:
		return fmt.Errorf("%w: bus width %d", ErrInvalidParameter, width)
	}
	return c.write(hcreg.HostCtrl1, mmio.Width8, v)
}

// SetHighSpeed switches the high speed enable bit of Host Control 1.
func (c *Controller) SetHighSpeed(enable bool) error {
	if enable {
		return c.OrReg(hcreg.HostCtrl1, mmio.Width8, hcreg.HostCtrl1HighSpeed)
	}
	return c.AndReg(hcreg.HostCtrl1, mmio.Width8, ^uint64(hcreg.HostCtrl1HighSpeed))
}

// SetUhsMode selects the timing of the bus in Host Control 2 (one of the
// hcreg.Uhs* values).
func (c *Controller) SetUhsMode(mode uint16) error {
	if mode > hcreg.HostCtrl2UhsMask {
		return fmt.Errorf("%w: UHS mode %d", ErrInvalidParameter, mode)
	}
	if err := c.AndReg(hcreg.HostCtrl2, mmio.Width16, ^uint64(hcreg.HostCtrl2UhsMask)); err != nil {
		return err
	}
	return c.OrReg(hcreg.HostCtrl2, mmio.Width16, uint64(mode))
}

// LED switches the activity LED.
func (c *Controller) LED(on bool) error {
	if on {
		return c.OrReg(hcreg.HostCtrl1, mmio.Width8, hcreg.HostCtrl1Led)
	}
	return c.AndReg(hcreg.HostCtrl1, mmio.Width8, ^uint64(hcreg.HostCtrl1Led))
}
