// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hcreg

// Capability is the decoded 64-bit Capabilities register (SDHC 3.00
// §2.2.26). Hs400 is the vendor extension kept in bit 63.
type Capability struct {
	TimeoutFreq    uint8 // bits 5:0, in TimeoutUnit
	TimeoutUnitMHz bool  // bit 7, false means kHz
	BaseClkFreq    uint8 // bits 15:8, MHz
	MaxBlkLen      uint8 // bits 17:16, 512 << MaxBlkLen
	BusWidth8      bool  // bit 18
	Adma2          bool  // bit 19
	HighSpeed      bool  // bit 21
	Sdma           bool  // bit 22
	SuspRes        bool  // bit 23
	Voltage33      bool  // bit 24
	Voltage30      bool  // bit 25
	Voltage18      bool  // bit 26
	SysBus64       bool  // bit 28
	AsyncInt       bool  // bit 29
	SlotType       uint8 // bits 31:30
	Sdr50          bool  // bit 32
	Sdr104         bool  // bit 33
	Ddr50          bool  // bit 34
	DriverTypeA    bool  // bit 36
	DriverTypeC    bool  // bit 37
	DriverTypeD    bool  // bit 38
	DriverType4    bool  // bit 39
	TimerCount     uint8 // bits 43:40
	TuningSdr50    bool  // bit 45
	RetuningMod    uint8 // bits 47:46
	ClkMultiplier  uint8 // bits 55:48
	Hs400          bool  // bit 63
}

type capField struct {
	shift uint
	width uint
}

var (
	capTimeoutFreq   = capField{0, 6}
	capTimeoutUnit   = capField{7, 1}
	capBaseClkFreq   = capField{8, 8}
	capMaxBlkLen     = capField{16, 2}
	capBusWidth8     = capField{18, 1}
	capAdma2         = capField{19, 1}
	capHighSpeed     = capField{21, 1}
	capSdma          = capField{22, 1}
	capSuspRes       = capField{23, 1}
	capVoltage33     = capField{24, 1}
	capVoltage30     = capField{25, 1}
	capVoltage18     = capField{26, 1}
	capSysBus64      = capField{28, 1}
	capAsyncInt      = capField{29, 1}
	capSlotType      = capField{30, 2}
	capSdr50         = capField{32, 1}
	capSdr104        = capField{33, 1}
	capDdr50         = capField{34, 1}
	capDriverTypeA   = capField{36, 1}
	capDriverTypeC   = capField{37, 1}
	capDriverTypeD   = capField{38, 1}
	capDriverType4   = capField{39, 1}
	capTimerCount    = capField{40, 4}
	capTuningSdr50   = capField{45, 1}
	capRetuningMod   = capField{46, 2}
	capClkMultiplier = capField{48, 8}
	capHs400         = capField{63, 1}
)

func (f capField) get(v uint64) uint8 {
	return uint8((v >> f.shift) & (1<<f.width - 1))
}

func (f capField) flag(v uint64) bool {
	return f.get(v) != 0
}

func (f capField) put(v *uint64, x uint8) {
	*v |= (uint64(x) & (1<<f.width - 1)) << f.shift
}

func (f capField) putFlag(v *uint64, b bool) {
	if b {
		f.put(v, 1)
	}
}

// DecodeCapability decodes a raw Capabilities register value.
func DecodeCapability(v uint64) Capability {
	return Capability{
		TimeoutFreq:    capTimeoutFreq.get(v),
		TimeoutUnitMHz: capTimeoutUnit.flag(v),
		BaseClkFreq:    capBaseClkFreq.get(v),
		MaxBlkLen:      capMaxBlkLen.get(v),
		BusWidth8:      capBusWidth8.flag(v),
		Adma2:          capAdma2.flag(v),
		HighSpeed:      capHighSpeed.flag(v),
		Sdma:           capSdma.flag(v),
		SuspRes:        capSuspRes.flag(v),
		Voltage33:      capVoltage33.flag(v),
		Voltage30:      capVoltage30.flag(v),
		Voltage18:      capVoltage18.flag(v),
		SysBus64:       capSysBus64.flag(v),
		AsyncInt:       capAsyncInt.flag(v),
		SlotType:       capSlotType.get(v),
		Sdr50:          capSdr50.flag(v),
		Sdr104:         capSdr104.flag(v),
		Ddr50:          capDdr50.flag(v),
		DriverTypeA:    capDriverTypeA.flag(v),
		DriverTypeC:    capDriverTypeC.flag(v),
		DriverTypeD:    capDriverTypeD.flag(v),
		DriverType4:    capDriverType4.flag(v),
		TimerCount:     capTimerCount.get(v),
		TuningSdr50:    capTuningSdr50.flag(v),
		RetuningMod:    capRetuningMod.get(v),
		ClkMultiplier:  capClkMultiplier.get(v),
		Hs400:          capHs400.flag(v),
	}
}

// Encode returns the raw register value of the capability.
func (c Capability) Encode() uint64 {
	var v uint64
	capTimeoutFreq.put(&v, c.TimeoutFreq)
	capTimeoutUnit.putFlag(&v, c.TimeoutUnitMHz)
	capBaseClkFreq.put(&v, c.BaseClkFreq)
	capMaxBlkLen.put(&v, c.MaxBlkLen)
	capBusWidth8.putFlag(&v, c.BusWidth8)
	capAdma2.putFlag(&v, c.Adma2)
	capHighSpeed.putFlag(&v, c.HighSpeed)
	capSdma.putFlag(&v, c.Sdma)
	capSuspRes.putFlag(&v, c.SuspRes)
	capVoltage33.putFlag(&v, c.Voltage33)
	capVoltage30.putFlag(&v, c.Voltage30)
	capVoltage18.putFlag(&v, c.Voltage18)
	capSysBus64.putFlag(&v, c.SysBus64)
	capAsyncInt.putFlag(&v, c.AsyncInt)
	capSlotType.put(&v, c.SlotType)
	capSdr50.putFlag(&v, c.Sdr50)
	capSdr104.putFlag(&v, c.Sdr104)
	capDdr50.putFlag(&v, c.Ddr50)
	capDriverTypeA.putFlag(&v, c.DriverTypeA)
	capDriverTypeC.putFlag(&v, c.DriverTypeC)
	capDriverTypeD.putFlag(&v, c.DriverTypeD)
	capDriverType4.putFlag(&v, c.DriverType4)
	capTimerCount.put(&v, c.TimerCount)
	capTuningSdr50.putFlag(&v, c.TuningSdr50)
	capRetuningMod.put(&v, c.RetuningMod)
	capClkMultiplier.put(&v, c.ClkMultiplier)
	capHs400.putFlag(&v, c.Hs400)
	return v
}

// MaxBlockLength returns the maximum block length in bytes.
func (c Capability) MaxBlockLength() int {
	return 512 << c.MaxBlkLen
}
