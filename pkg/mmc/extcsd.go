// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mmc

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/u-root/u-root/pkg/uio"
)

// ExtCSDSize is the size of the EXT_CSD register.
const ExtCSDSize = 512

// EXT_CSD byte offsets.
const (
	ExtCsdGpSizeMult          = 143 // 12 bytes, 3 per general purpose partition
	ExtCsdPartitionSetting    = 155
	ExtCsdPartitionsAttribute = 156
	ExtCsdPartitioningSupport = 160
	ExtCsdRpmbSizeMult        = 168
	ExtCsdPartitionConfig     = 179
	ExtCsdBusWidth            = 183
	ExtCsdHsTiming            = 185
	ExtCsdRev                 = 192
	ExtCsdStructure           = 194
	ExtCsdDeviceType          = 196
	ExtCsdSecCount            = 212 // 4 bytes
	ExtCsdHcWpGrpSize         = 221
	ExtCsdHcEraseGrpSize      = 224
	ExtCsdBootSizeMult        = 226
)

// DEVICE_TYPE bits.
const (
	DeviceTypeHs26      = 1 << 0
	DeviceTypeHs52      = 1 << 1
	DeviceTypeDdr52V18  = 1 << 2
	DeviceTypeDdr52V12  = 1 << 3
	DeviceTypeHs200V18  = 1 << 4
	DeviceTypeHs200V12  = 1 << 5
	DeviceTypeHs400V18  = 1 << 6
	DeviceTypeHs400V12  = 1 << 7
	DeviceTypeDdr52Mask = DeviceTypeDdr52V18 | DeviceTypeDdr52V12
	DeviceTypeHs200Mask = DeviceTypeHs200V18 | DeviceTypeHs200V12
	DeviceTypeHs400Mask = DeviceTypeHs400V18 | DeviceTypeHs400V12
)

// HS_TIMING values.
const (
	HsTimingCompat = 0
	HsTimingHigh   = 1
	HsTimingHs200  = 2
	HsTimingHs400  = 3
)

// BUS_WIDTH values.
const (
	BusWidth1    = 0
	BusWidth4    = 1
	BusWidth8    = 2
	BusWidthDdr  = 4 // added to BusWidth4 or BusWidth8
	busWidthLast = BusWidth8 + BusWidthDdr
)

// PartitionAccessMask selects the PARTITION_ACCESS bits of PARTITION_CONFIG.
const PartitionAccessMask = 0x7

// Size units of the EXT_CSD size multipliers.
const (
	BootSizeUnit = 128 << 10
	RpmbSizeUnit = 128 << 10
	GpSizeUnit   = 512 << 10
	SectorSize   = 512
)

// PartitionType identifies a hardware partition by its PARTITION_ACCESS
// value.
type PartitionType uint8

// Hardware partitions.
const (
	PartitionUserData PartitionType = iota
	PartitionBoot1
	PartitionBoot2
	PartitionRPMB
	PartitionGP1
	PartitionGP2
	PartitionGP3
	PartitionGP4
)

// PartitionCount is the number of hardware partitions an eMMC device may
// expose.
const PartitionCount = 8

var partitionNames = [PartitionCount]string{"user", "boot1", "boot2", "rpmb", "gp1", "gp2", "gp3", "gp4"}

func (p PartitionType) String() string {
	if p < PartitionCount {
		return partitionNames[p]
	}
	return fmt.Sprintf("PartitionType(%d)", uint8(p))
}

// ParsePartitionType is the inverse of PartitionType.String.
func ParsePartitionType(s string) (PartitionType, error) {
	for i, name := range partitionNames {
		if name == s {
			return PartitionType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown partition %q", s)
}

// ExtCSD is the Extended CSD register image.
type ExtCSD [ExtCSDSize]byte

// DeviceType returns DEVICE_TYPE.
func (e *ExtCSD) DeviceType() uint8 { return e[ExtCsdDeviceType] }

// HsTiming returns HS_TIMING.
func (e *ExtCSD) HsTiming() uint8 { return e[ExtCsdHsTiming] }

// BusWidth returns BUS_WIDTH.
func (e *ExtCSD) BusWidth() uint8 { return e[ExtCsdBusWidth] }

// PartitionConfig returns PARTITION_CONFIG.
func (e *ExtCSD) PartitionConfig() uint8 { return e[ExtCsdPartitionConfig] }

// Rev returns EXT_CSD_REV.
func (e *ExtCSD) Rev() uint8 { return e[ExtCsdRev] }

// PartitioningSupport returns PARTITIONING_SUPPORT.
func (e *ExtCSD) PartitioningSupport() uint8 { return e[ExtCsdPartitioningSupport] }

// SecCount returns SEC_COUNT, the user area size in sectors.
func (e *ExtCSD) SecCount() uint32 {
	return uio.NewLittleEndianBuffer(e[ExtCsdSecCount : ExtCsdSecCount+4]).Read32()
}

// SetSecCount stores SEC_COUNT.
func (e *ExtCSD) SetSecCount(sectors uint32) {
	buf := uio.NewLittleEndianBuffer(nil)
	buf.Write32(sectors)
	copy(e[ExtCsdSecCount:], buf.Data())
}

// GpSizeMult returns the 24-bit size multiplier of general purpose
// partition n (0..3).
func (e *ExtCSD) GpSizeMult(n int) uint32 {
	off := ExtCsdGpSizeMult + 3*n
	return uint32(e[off]) | uint32(e[off+1])<<8 | uint32(e[off+2])<<16
}

// SetGpSizeMult stores the size multiplier of general purpose partition n.
func (e *ExtCSD) SetGpSizeMult(n int, mult uint32) {
	off := ExtCsdGpSizeMult + 3*n
	e[off] = byte(mult)
	e[off+1] = byte(mult >> 8)
	e[off+2] = byte(mult >> 16)
}

// PartitionSize returns the capacity in bytes of a hardware partition.
// Partitions the device does not implement have size 0.
func (e *ExtCSD) PartitionSize(p PartitionType) uint64 {
	switch p {
	case PartitionUserData:
		return uint64(e.SecCount()) * SectorSize
	case PartitionBoot1, PartitionBoot2:
		return uint64(e[ExtCsdBootSizeMult]) * BootSizeUnit
	case PartitionRPMB:
		return uint64(e[ExtCsdRpmbSizeMult]) * RpmbSizeUnit
	case PartitionGP1, PartitionGP2, PartitionGP3, PartitionGP4:
		return uint64(e.GpSizeMult(int(p-PartitionGP1))) *
			uint64(e[ExtCsdHcWpGrpSize]) * uint64(e[ExtCsdHcEraseGrpSize]) * GpSizeUnit
	}
	return 0
}

// Validate checks the fields the host relies on and reports every
// inconsistency found.
func (e *ExtCSD) Validate() error {
	var result *multierror.Error
	if e.Rev() > 8 {
		result = multierror.Append(result, fmt.Errorf("unknown EXT_CSD_REV %d", e.Rev()))
	}
	if e[ExtCsdStructure] > 2 {
		result = multierror.Append(result, fmt.Errorf("invalid CSD_STRUCTURE %d", e[ExtCsdStructure]))
	}
	if w := e.BusWidth(); w > busWidthLast || w == 3 || w == 4 {
		result = multierror.Append(result, fmt.Errorf("invalid BUS_WIDTH %d", w))
	}
	if t := e.HsTiming() & 0xf; t > HsTimingHs400 {
		result = multierror.Append(result, fmt.Errorf("invalid HS_TIMING %d", t))
	}
	if boot := (e.PartitionConfig() >> 3) & 7; boot > 2 && boot != 7 {
		result = multierror.Append(result, fmt.Errorf("reserved BOOT_PARTITION_ENABLE %d", boot))
	}
	if e.DeviceType() == 0 {
		result = multierror.Append(result, fmt.Errorf("DEVICE_TYPE advertises no timing"))
	}
	for n := 0; n < 4; n++ {
		if e.GpSizeMult(n) != 0 && (e[ExtCsdHcWpGrpSize] == 0 || e[ExtCsdHcEraseGrpSize] == 0) {
			result = multierror.Append(result, fmt.Errorf("gp%d has a size but HC_WP_GRP_SIZE or HC_ERASE_GRP_SIZE is 0", n+1))
		}
	}
	return result.ErrorOrNil()
}
