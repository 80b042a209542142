// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sdhcisim

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/linuxboot/emmchc/pkg/compression"
	"github.com/linuxboot/emmchc/pkg/mmc"
)

func identify(t *testing.T, c *Card, rca uint16) {
	for _, cmd := range []struct {
		index uint8
		arg   uint32
	}{
		{mmc.GoIdleState, 0},
		{mmc.SendOpCond, mmc.OcrSectorMode | mmc.OcrVddWindow},
		{mmc.AllSendCid, 0},
		{mmc.SetRelativeAddr, mmc.RcaArgument(rca)},
	} {
		_, err := c.command(cmd.index, cmd.arg)
		require.NoError(t, err, "CMD%d", cmd.index)
	}
	require.Equal(t, mmc.StateStby, c.State())
}

func TestCardIdentification(t *testing.T) {
	c := NewCard(1 << 16)
	c.OCRBusyPolls = 2

	_, err := c.command(mmc.AllSendCid, 0)
	require.Error(t, err, "CID before the device is ready")

	for i := 0; i < 2; i++ {
		resp, err := c.command(mmc.SendOpCond, 0)
		require.NoError(t, err)
		require.Zero(t, resp[0]&mmc.OcrBusy)
	}
	resp, err := c.command(mmc.SendOpCond, 0)
	require.NoError(t, err)
	require.NotZero(t, resp[0]&mmc.OcrBusy)
	require.Equal(t, uint32(mmc.OcrSectorMode), resp[0]&mmc.OcrAccessMask)
	require.Equal(t, 3, c.OCRPolls())

	resp, err = c.command(mmc.AllSendCid, 0)
	require.NoError(t, err)
	require.Equal(t, c.CID, mmc.CID(mmc.FromR2(resp)))
	require.Equal(t, "SIMMC1", c.CID.ProductName())

	_, err = c.command(mmc.SetRelativeAddr, mmc.RcaArgument(7))
	require.NoError(t, err)
	require.Equal(t, uint16(7), c.RCA())

	_, err = c.command(mmc.SendCsd, mmc.RcaArgument(6))
	require.Error(t, err, "CSD of another device")
	resp, err = c.command(mmc.SendCsd, mmc.RcaArgument(7))
	require.NoError(t, err)
	require.True(t, mmc.CSD(mmc.FromR2(resp)).SectorAddressing())

	_, err = c.command(mmc.SelectDeselectCard, mmc.RcaArgument(7))
	require.NoError(t, err)
	require.Equal(t, mmc.StateTran, c.State())

	resp, err = c.command(mmc.SendStatus, mmc.RcaArgument(7))
	require.NoError(t, err)
	require.Equal(t, mmc.StateTran, mmc.StateFromStatus(resp[0]))
	require.NotZero(t, resp[0]&mmc.StatusReadyForData)

	_, err = c.command(mmc.GoIdleState, 0)
	require.NoError(t, err)
	require.Equal(t, mmc.StateIdle, c.State())
	require.Zero(t, c.RCA())
}

func TestCardSwitch(t *testing.T) {
	for name, tc := range map[string]struct {
		deviceType uint8
		index      uint8
		value      uint8
		access     uint8
		ok         bool
	}{
		"bus_width_8":       {0xFF, mmc.ExtCsdBusWidth, mmc.BusWidth8, mmc.SwitchWriteByte, true},
		"bus_width_ddr8":    {0xFF, mmc.ExtCsdBusWidth, mmc.BusWidth8 + mmc.BusWidthDdr, mmc.SwitchWriteByte, true},
		"bus_width_bad":     {0xFF, mmc.ExtCsdBusWidth, 3, mmc.SwitchWriteByte, false},
		"hs200":             {0xFF, mmc.ExtCsdHsTiming, mmc.HsTimingHs200, mmc.SwitchWriteByte, true},
		"hs200_unsupported": {mmc.DeviceTypeHs52, mmc.ExtCsdHsTiming, mmc.HsTimingHs200, mmc.SwitchWriteByte, false},
		"hs400_unsupported": {mmc.DeviceTypeHs200Mask, mmc.ExtCsdHsTiming, mmc.HsTimingHs400, mmc.SwitchWriteByte, false},
		"high_speed":        {mmc.DeviceTypeHs52, mmc.ExtCsdHsTiming, mmc.HsTimingHigh, mmc.SwitchWriteByte, true},
		"boot1":             {0xFF, mmc.ExtCsdPartitionConfig, uint8(mmc.PartitionBoot1), mmc.SwitchWriteByte, true},
		"missing_gp":        {0xFF, mmc.ExtCsdPartitionConfig, uint8(mmc.PartitionGP1), mmc.SwitchWriteByte, false},
		"set_bits":          {0xFF, mmc.ExtCsdBusWidth, mmc.BusWidth8, mmc.SwitchSetBits, false},
	} {
		t.Run(name, func(t *testing.T) {
			c := NewCard(1<<16, WithDeviceType(tc.deviceType))
			identify(t, c, 1)
			_, err := c.command(mmc.Switch, 0)
			require.Error(t, err, "SWITCH outside of the transfer state")
			_, err = c.command(mmc.SelectDeselectCard, mmc.RcaArgument(1))
			require.NoError(t, err)

			_, err = c.command(mmc.Switch, mmc.SwitchArgument(tc.access, tc.index, tc.value, 0))
			require.NoError(t, err)
			resp, err := c.command(mmc.SendStatus, mmc.RcaArgument(1))
			require.NoError(t, err)
			require.Equal(t, !tc.ok, resp[0]&mmc.StatusSwitchError != 0)
			if tc.ok {
				require.Equal(t, tc.value, c.ExtCSD[tc.index])
			}

			// the error is reported once
			resp, err = c.command(mmc.SendStatus, mmc.RcaArgument(1))
			require.NoError(t, err)
			require.Zero(t, resp[0]&mmc.StatusSwitchError)
		})
	}
}

func TestCardPartitions(t *testing.T) {
	c := NewCard(1<<16, WithBootSize(2), WithGP(1, 3))
	for p, want := range map[mmc.PartitionType]int{
		mmc.PartitionUserData: 1 << 16 * mmc.SectorSize,
		mmc.PartitionBoot1:    2 * mmc.BootSizeUnit,
		mmc.PartitionBoot2:    2 * mmc.BootSizeUnit,
		mmc.PartitionRPMB:     mmc.RpmbSizeUnit,
		mmc.PartitionGP1:      0,
		mmc.PartitionGP2:      3 * mmc.GpSizeUnit,
	} {
		require.Len(t, c.Partition(p), want, p.String())
	}

	require.NoError(t, c.WritePartition(mmc.PartitionBoot2, 512, []byte("boot")))
	got := make([]byte, 4)
	require.NoError(t, c.ReadPartition(mmc.PartitionBoot2, 512, got))
	require.Equal(t, "boot", string(got))
	require.ErrorIs(t, c.WritePartition(mmc.PartitionGP1, 0, got), errOutOfRange)
	require.ErrorIs(t, c.ReadPartition(mmc.PartitionBoot1, 2*mmc.BootSizeUnit-2, got), errOutOfRange)
}

func TestCardData(t *testing.T) {
	c := NewCard(1 << 16)
	identify(t, c, 1)
	_, err := c.readData(mmc.ReadMultipleBlock, 0, 512)
	require.NoError(t, err)

	data := bytes.Repeat([]byte{0xA5}, 1024)
	require.NoError(t, c.writeData(mmc.WriteMultipleBlock, 3, data))
	require.Equal(t, data, c.Partition(mmc.PartitionUserData)[3*512:5*512])

	t.Run("set_block_count", func(t *testing.T) {
		c.blockCount = 4
		_, err := c.readData(mmc.ReadMultipleBlock, 0, 1024)
		require.Error(t, err)
		require.Zero(t, c.blockCount)

		c.blockCount = 2
		got, err := c.readData(mmc.ReadMultipleBlock, 3, 1024)
		require.NoError(t, err)
		require.Equal(t, data, got)
		require.Zero(t, c.blockCount)
	})
	t.Run("rpmb", func(t *testing.T) {
		c.ExtCSD[mmc.ExtCsdPartitionConfig] = uint8(mmc.PartitionRPMB)
		defer func() { c.ExtCSD[mmc.ExtCsdPartitionConfig] = 0 }()
		_, err := c.readData(mmc.ReadMultipleBlock, 0, 512)
		require.ErrorIs(t, err, errOutOfRange)
		require.ErrorIs(t, c.writeData(mmc.WriteBlock, 0, data[:512]), errOutOfRange)
	})
	t.Run("ext_csd", func(t *testing.T) {
		got, err := c.readData(mmc.SendExtCsd, 0, mmc.ExtCSDSize)
		require.NoError(t, err)
		require.Equal(t, c.ExtCSD[:], got)
	})
	t.Run("tuning", func(t *testing.T) {
		got, err := c.readData(mmc.SendTuningBlock, 0, 64)
		require.NoError(t, err)
		require.Equal(t, TuningPattern(4), got)
		got, err = c.readData(mmc.SendTuningBlock, 0, 128)
		require.NoError(t, err)
		require.Equal(t, TuningPattern(8), got)
		require.Equal(t, got[0], got[1])
	})
}

func TestCardByteAddressed(t *testing.T) {
	c := NewCard(1<<16, ByteAddressed())
	require.False(t, c.CSD.SectorAddressing())
	require.Zero(t, c.OCR&mmc.OcrAccessMask)
	require.Equal(t, uint64(1<<16*mmc.SectorSize), c.CSD.ByteCapacity())
	require.Equal(t, int64(0x1000), c.address(0x1000))
}

func TestLoadImage(t *testing.T) {
	image := bytes.Repeat([]byte("linuxboot"), 1000)
	for _, comp := range []compression.Compressor{
		&compression.Identity{},
		&compression.XZ{},
		&compression.LZ4{},
		&compression.Zstd{},
	} {
		t.Run(comp.Name(), func(t *testing.T) {
			encoded, err := comp.Encode(image)
			require.NoError(t, err)

			c := NewCard(1 << 16)
			n, err := c.LoadImage(mmc.PartitionBoot1, comp, bytes.NewReader(encoded))
			require.NoError(t, err)
			require.Equal(t, len(image), n)
			require.Equal(t, image, c.Partition(mmc.PartitionBoot1)[:n])
		})
	}

	t.Run("not_attached", func(t *testing.T) {
		c := NewCard(1 << 16)
		_, err := c.LoadImage(mmc.PartitionGP3, &compression.Identity{}, bytes.NewReader(image))
		require.ErrorIs(t, err, ErrNotAttached)
	})
	t.Run("too_large", func(t *testing.T) {
		c := NewCard(1<<16, WithBootSize(1))
		big := make([]byte, 2*mmc.BootSizeUnit)
		_, err := c.LoadImage(mmc.PartitionBoot1, &compression.Identity{}, bytes.NewReader(big))
		require.ErrorIs(t, err, errOutOfRange)
	})
}

func TestLoadImageFile(t *testing.T) {
	image := bytes.Repeat([]byte{0xEF, 0xBE}, 4096)
	encoded, err := (&compression.Zstd{}).Encode(image)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "user.img.zst")
	require.NoError(t, os.WriteFile(path, encoded, 0o644))

	c := NewCard(1 << 16)
	n, err := c.LoadImageFile(mmc.PartitionUserData, path)
	require.NoError(t, err)
	require.Equal(t, len(image), n)
	require.Equal(t, image, c.Partition(mmc.PartitionUserData)[:n])

	_, err = c.LoadImageFile(mmc.PartitionUserData, filepath.Join(t.TempDir(), "missing.img"))
	require.Error(t, err)
}
