// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package emmc

import (
	"fmt"

	"github.com/linuxboot/emmchc/pkg/mmc"
	"github.com/linuxboot/emmchc/pkg/mmio"
	"github.com/linuxboot/emmchc/pkg/sdhci"
	"github.com/linuxboot/emmchc/pkg/sdhci/hcreg"
)

// TuningAttempts is the number of tuning blocks sent before HS200 tuning
// is given up.
const TuningAttempts = 40

// BusMode describes the timing, width and clock of the bus.
type BusMode struct {
	// Timing is the EXT_CSD HS_TIMING value.
	Timing   uint8
	Ddr      bool
	ClockMHz uint32
	BusWidth int
}

func (m BusMode) String() string {
	name := "legacy"
	switch m.Timing {
	case mmc.HsTimingHigh:
		name = "high speed"
		if m.Ddr {
			name = "DDR52"
		}
	case mmc.HsTimingHs200:
		name = "HS200"
	case mmc.HsTimingHs400:
		name = "HS400"
	}
	if m.ClockMHz == 0 {
		return fmt.Sprintf("%s %d-bit", name, m.BusWidth)
	}
	return fmt.Sprintf("%s %d-bit %d MHz", name, m.BusWidth, m.ClockMHz)
}

// selectBusMode picks the fastest mode both sides support. A zero
// ClockMHz means the default mode is kept.
func selectBusMode(capability hcreg.Capability, deviceType uint8) BusMode {
	width := 4
	if capability.BusWidth8 {
		width = 8
	}
	var m BusMode
	switch {
	case deviceType&mmc.DeviceTypeHs400Mask != 0 && capability.Hs400 && width == 8:
		m = BusMode{Timing: mmc.HsTimingHs400, Ddr: true, ClockMHz: 200}
	case deviceType&mmc.DeviceTypeHs200Mask != 0 && capability.Sdr104:
		m = BusMode{Timing: mmc.HsTimingHs200, ClockMHz: 200}
	case deviceType&mmc.DeviceTypeDdr52Mask != 0 && capability.Ddr50:
		m = BusMode{Timing: mmc.HsTimingHigh, Ddr: true, ClockMHz: 52}
	case deviceType&mmc.DeviceTypeHs52 != 0 && capability.HighSpeed:
		m = BusMode{Timing: mmc.HsTimingHigh, ClockMHz: 52}
	case deviceType&mmc.DeviceTypeHs26 != 0 && capability.HighSpeed:
		m = BusMode{Timing: mmc.HsTimingHigh, ClockMHz: 26}
	}
	m.BusWidth = width
	return m
}

// SetBusMode reads the CSD, selects the device and switches the bus to
// the fastest mode supported by both the controller and the device.
func (s *Slot) SetBusMode(rca uint16) error {
	csd, err := s.GetCsd(rca)
	if err != nil {
		return fmt.Errorf("SEND_CSD: %w", err)
	}
	s.CSD = csd
	s.SectorAddressing = csd.SectorAddressing()

	if err := s.Select(rca); err != nil {
		return fmt.Errorf("SELECT_CARD: %w", err)
	}
	capability, err := s.hc.GetCapability()
	if err != nil {
		return err
	}
	ext, err := s.GetExtCsd()
	if err != nil {
		return fmt.Errorf("SEND_EXT_CSD: %w", err)
	}
	s.ExtCSD = ext

	m := selectBusMode(capability, ext.DeviceType())
	if m.ClockMHz == 0 {
		s.log.Debugf("emmc: device type %#x, keeping the default bus mode", ext.DeviceType())
		return nil
	}
	s.log.Debugf("emmc: switching to %s", m)
	switch m.Timing {
	case mmc.HsTimingHs400:
		err = s.SwitchToHS400(m.ClockMHz)
	case mmc.HsTimingHs200:
		err = s.SwitchToHS200(m.ClockMHz, m.BusWidth)
	default:
		err = s.SwitchToHighSpeed(m.ClockMHz, m.Ddr, m.BusWidth)
	}
	if err != nil {
		return fmt.Errorf("switching to %s: %w", m, err)
	}
	s.Mode = m
	return nil
}

// switchByte writes one EXT_CSD byte and checks the device accepted it.
func (s *Slot) switchByte(index, value uint8) error {
	if err := s.Switch(mmc.SwitchWriteByte, index, value, 0); err != nil {
		return err
	}
	status, err := s.SendStatus(s.RCA)
	if err != nil {
		return err
	}
	if status&mmc.StatusSwitchError != 0 {
		return fmt.Errorf("%w: EXT_CSD[%d] = %#x, status %#08x", ErrSwitch, index, value, status)
	}
	return nil
}

// SwitchBusWidth switches the device and the host to a 4 or 8 bit bus.
func (s *Slot) SwitchBusWidth(ddr bool, width int) error {
	var value uint8
	switch width {
	case 4:
		value = mmc.BusWidth4
	case 8:
		value = mmc.BusWidth8
	default:
		return fmt.Errorf("%w: bus width %d", sdhci.ErrInvalidParameter, width)
	}
	if ddr {
		value += mmc.BusWidthDdr
	}
	if err := s.switchByte(mmc.ExtCsdBusWidth, value); err != nil {
		return err
	}
	s.ExtCSD[mmc.ExtCsdBusWidth] = value
	return s.hc.SetBusWidth(width)
}

// SwitchClockFreq switches the device timing and then the host clock.
func (s *Slot) SwitchClockFreq(timing uint8, clockMHz uint32) error {
	if err := s.switchByte(mmc.ExtCsdHsTiming, timing); err != nil {
		return err
	}
	s.ExtCSD[mmc.ExtCsdHsTiming] = timing
	return s.hc.ClockSupply(clockMHz * 1000)
}

// SwitchToHighSpeed switches to high speed SDR or DDR timing at 26 or
// 52 MHz.
func (s *Slot) SwitchToHighSpeed(clockMHz uint32, ddr bool, width int) error {
	if err := s.SwitchBusWidth(ddr, width); err != nil {
		return err
	}
	if err := s.hc.SetHighSpeed(true); err != nil {
		return err
	}
	uhs := uint16(hcreg.UhsSdr12)
	switch {
	case ddr:
		uhs = hcreg.UhsDdr50
	case clockMHz == 52:
		uhs = hcreg.UhsSdr25
	}
	if err := s.hc.SetUhsMode(uhs); err != nil {
		return err
	}
	return s.SwitchClockFreq(mmc.HsTimingHigh, clockMHz)
}

// setHostTiming reprograms the UHS mode with the SD clock gated.
func (s *Slot) setHostTiming(uhs uint16) error {
	if err := s.hc.StopClock(); err != nil {
		return err
	}
	if err := s.hc.SetUhsMode(uhs); err != nil {
		return err
	}
	err := s.hc.WaitReg(hcreg.ClockCtrl, mmio.Width16, hcreg.ClockInternalStable, hcreg.ClockInternalStable, sdhci.GenericTimeout)
	if err != nil {
		return fmt.Errorf("internal clock did not stabilize: %w", err)
	}
	return s.hc.OrReg(hcreg.ClockCtrl, mmio.Width16, hcreg.ClockSdEn)
}

// SwitchToHS200 switches to HS200 timing and tunes the sampling clock.
func (s *Slot) SwitchToHS200(clockMHz uint32, width int) error {
	if width != 4 && width != 8 {
		return fmt.Errorf("%w: HS200 on a %d-bit bus", sdhci.ErrInvalidParameter, width)
	}
	if err := s.SwitchBusWidth(false, width); err != nil {
		return err
	}
	if err := s.setHostTiming(hcreg.UhsSdr104); err != nil {
		return err
	}
	if err := s.SwitchClockFreq(mmc.HsTimingHs200, clockMHz); err != nil {
		return err
	}
	return s.TuningClkForHs200(width)
}

// SwitchToHS400 goes through HS200 and its tuning, then falls back to
// high speed timing to enable the 8-bit DDR bus and ends in HS400.
func (s *Slot) SwitchToHS400(clockMHz uint32) error {
	if err := s.SwitchToHS200(clockMHz, 8); err != nil {
		return err
	}
	// high speed SDR at 52 MHz, as programmed by SwitchToHighSpeed
	if err := s.setHostTiming(hcreg.UhsSdr25); err != nil {
		return err
	}
	if err := s.SwitchClockFreq(mmc.HsTimingHigh, 52); err != nil {
		return err
	}
	if err := s.SwitchBusWidth(true, 8); err != nil {
		return err
	}
	if err := s.setHostTiming(hcreg.UhsHs400); err != nil {
		return err
	}
	return s.SwitchClockFreq(mmc.HsTimingHs400, clockMHz)
}

// TuningClkForHs200 runs the controller's sampling clock tuning.
func (s *Slot) TuningClkForHs200(width int) error {
	const tuning = hcreg.HostCtrl2ExecTuning | hcreg.HostCtrl2SampleClock
	if err := s.hc.OrReg(hcreg.HostCtrl2, mmio.Width16, hcreg.HostCtrl2ExecTuning); err != nil {
		return err
	}
	blocks := 0
	for blocks < TuningAttempts {
		if err := s.SendTuningBlk(width); err != nil {
			return fmt.Errorf("tuning block %d: %w", blocks, err)
		}
		blocks++
		ctrl2, err := s.hc.ReadReg(hcreg.HostCtrl2, mmio.Width16)
		if err != nil {
			return err
		}
		if ctrl2&tuning == hcreg.HostCtrl2SampleClock {
			Debug("emmc: tuned after %d blocks", blocks)
			return nil
		}
		if ctrl2&tuning == 0 {
			// the controller gave up
			break
		}
	}
	if err := s.hc.AndReg(hcreg.HostCtrl2, mmio.Width16, ^uint64(tuning)); err != nil {
		return err
	}
	return fmt.Errorf("%w after %d tuning blocks", ErrTuning, blocks)
}
