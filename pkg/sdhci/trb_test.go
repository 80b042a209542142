// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sdhci

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/u-root/u-root/pkg/uio"

	"github.com/linuxboot/emmchc/pkg/dma"
	"github.com/linuxboot/emmchc/pkg/mmc"
	"github.com/linuxboot/emmchc/pkg/mmio"
	"github.com/linuxboot/emmchc/pkg/sdhci/hcreg"
	"github.com/linuxboot/emmchc/pkg/sdhci/sdhcisim"
)

func TestSelectMode(t *testing.T) {
	adma := hcreg.Capability{Adma2: true, Sdma: true}
	sdma := hcreg.Capability{Sdma: true}
	none := hcreg.Capability{}
	for name, tc := range map[string]struct {
		c     hcreg.Capability
		index uint8
		n     int
		want  TransferMode
	}{
		"tuning_with_adma":  {adma, mmc.SendTuningBlock, 128, ModePIO},
		"tuning_without":    {none, mmc.SendTuningBlock, 64, ModePIO},
		"no_data":           {adma, mmc.SendStatus, 0, ModeNoData},
		"no_data_pio_only":  {none, mmc.SelectDeselectCard, 0, ModeNoData},
		"adma_preferred":    {adma, mmc.ReadMultipleBlock, 4096, ModeADMA2},
		"sdma_without_adma": {sdma, mmc.ReadMultipleBlock, 4096, ModeSDMA},
		"pio_fallback":      {none, mmc.SendExtCsd, 512, ModePIO},
	} {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, selectMode(tc.c, tc.index, tc.n))
		})
	}
}

func TestCreateTrbModes(t *testing.T) {
	for name, tc := range map[string]struct {
		mutate func(*hcreg.Capability)
		want   TransferMode
	}{
		"adma2": {func(c *hcreg.Capability) {}, ModeADMA2},
		"sdma":  {func(c *hcreg.Capability) { c.Adma2 = false }, ModeSDMA},
		"pio":   {func(c *hcreg.Capability) { c.Adma2, c.Sdma = false, false }, ModePIO},
	} {
		t.Run(name, func(t *testing.T) {
			s := newTestSlot(t, withCapability(tc.mutate))
			buf := make([]byte, 3*mmc.DefaultBlockSize)
			trb, err := s.createTrb(readPacket(0, buf))
			require.NoError(t, err)
			require.Equal(t, tc.want, trb.mode)
			require.Equal(t, mmc.DefaultBlockSize, trb.blockSize)
			require.Equal(t, 3, trb.blockCount())
			require.Equal(t, tc.want == ModeADMA2, trb.adma != nil)
			require.Equal(t, tc.want != ModePIO, trb.mapped)
			require.NoError(t, trb.free())
		})
	}
}

func TestCreateTrbSmallBlock(t *testing.T) {
	s := newTestSlot(t)
	p := &Packet{Index: mmc.SendTuningBlock, Type: mmc.Adtc, Response: mmc.R1, In: make([]byte, 64)}
	trb, err := s.createTrb(p)
	require.NoError(t, err)
	require.Equal(t, ModePIO, trb.mode)
	require.Equal(t, 64, trb.blockSize)
	require.Equal(t, 1, trb.blockCount())
	require.True(t, trb.read)
	require.NoError(t, trb.free())
}

func decodeTable(t *testing.T, trb *trb) []hcreg.AdmaDescLine {
	require.NotNil(t, trb.adma)
	r := uio.NewLittleEndianBuffer(trb.adma.Data)
	var lines []hcreg.AdmaDescLine
	for r.Len() >= hcreg.AdmaDescLineSize {
		line := hcreg.DecodeAdmaDescLine(r.Read64())
		if !line.Valid {
			break
		}
		lines = append(lines, line)
	}
	require.NoError(t, r.Error())
	return lines
}

func TestBuildAdmaDescTable(t *testing.T) {
	for _, n := range []int{
		mmc.DefaultBlockSize,
		hcreg.AdmaMaxDataPerLine - mmc.DefaultBlockSize,
		hcreg.AdmaMaxDataPerLine,
		hcreg.AdmaMaxDataPerLine + mmc.DefaultBlockSize,
		3 * hcreg.AdmaMaxDataPerLine,
		mmc.MaxBlocksPerCommand * mmc.DefaultBlockSize,
	} {
		s := newTestSlot(t)
		buf := make([]byte, n)
		trb, err := s.createTrb(readPacket(0, buf))
		require.NoError(t, err)
		require.Equal(t, ModeADMA2, trb.mode)

		lines := decodeTable(t, trb)
		want := (n + hcreg.AdmaMaxDataPerLine - 1) / hcreg.AdmaMaxDataPerLine
		require.Len(t, lines, want, "%d bytes", n)
		total := 0
		addr := trb.dataPhys
		for i, line := range lines {
			require.Equal(t, uint8(hcreg.AdmaActTran), line.Act)
			require.Equal(t, i == len(lines)-1, line.End, "line %d of %d", i, len(lines))
			require.Equal(t, uint32(addr), line.Address)
			total += line.DataLength()
			addr += uint64(line.DataLength())
		}
		require.Equal(t, n, total)
		require.NoError(t, trb.free())
	}
}

func TestBuildAdmaDescTableFullLineEncoding(t *testing.T) {
	s := newTestSlot(t)
	trb, err := s.createTrb(readPacket(0, make([]byte, 2*hcreg.AdmaMaxDataPerLine)))
	require.NoError(t, err)
	defer func() { require.NoError(t, trb.free()) }()

	raw := uio.NewLittleEndianBuffer(trb.adma.Data).Read64()
	// a 64 KiB line stores length 0
	require.Equal(t, uint64(0), (raw>>16)&0xFFFF)
	require.Equal(t, uint64(0x21), raw&0xFFFF)
}

func TestBuildAdmaDescTableAbove4GiB(t *testing.T) {
	for name, base := range map[string]uint64{
		"at_4gib":       1 << 32,
		"above_4gib":    5 << 30,
		"crossing_4gib": 1<<32 - dma.PageSize,
	} {
		t.Run(name, func(t *testing.T) {
			s := newTestSlot(t)
			s.mem.SetBase(base)
			_, err := s.createTrb(readPacket(0, make([]byte, 4*dma.PageSize)))
			require.ErrorIs(t, err, ErrInvalidParameter)

			mappings, _ := s.mem.Outstanding()
			require.Zero(t, mappings)
			require.Zero(t, s.Pool().Stats().UsedUnits)
		})
	}
}

func TestBuildAdmaDescTableBelow4GiB(t *testing.T) {
	s := newTestSlot(t)
	s.mem.SetBase(1<<32 - 4*dma.PageSize)
	trb, err := s.createTrb(readPacket(0, make([]byte, 4*dma.PageSize)))
	require.NoError(t, err)
	require.Len(t, decodeTable(t, trb), 1)
	require.NoError(t, trb.free())
}

func TestCreateTrbMapFailures(t *testing.T) {
	t.Run("map_error", func(t *testing.T) {
		s := newTestSlot(t)
		s.mem.MapErr = errors.New("iommu fault")
		err := s.ExecCmd(readPacket(0, make([]byte, 1024)))
		require.Error(t, err)
		require.Empty(t, s.sim.Commands())
	})
	t.Run("short_mapping", func(t *testing.T) {
		s := newTestSlot(t)
		s.mem.MapShort = dma.PageSize
		err := s.ExecCmd(readPacket(0, make([]byte, 2*dma.PageSize)))
		require.ErrorIs(t, err, ErrOutOfResources)
		mappings, _ := s.mem.Outstanding()
		require.Zero(t, mappings)
		require.Empty(t, s.sim.Commands())
	})
}

func TestCommandRegister(t *testing.T) {
	for name, tc := range map[string]struct {
		p    Packet
		want uint16
	}{
		"go_idle":     {Packet{Index: mmc.GoIdleState, Type: mmc.Bc}, 0x0000},
		"send_op_r3":  {Packet{Index: mmc.SendOpCond, Type: mmc.Bcr, Response: mmc.R3}, 0x0102},
		"all_cid_r2":  {Packet{Index: mmc.AllSendCid, Type: mmc.Bcr, Response: mmc.R2}, 0x0209},
		"set_rca_r1":  {Packet{Index: mmc.SetRelativeAddr, Type: mmc.Ac, Response: mmc.R1}, 0x031A},
		"switch_r1b":  {Packet{Index: mmc.Switch, Type: mmc.Ac, Response: mmc.R1b}, 0x061B},
		"ext_csd":     {Packet{Index: mmc.SendExtCsd, Type: mmc.Adtc, Response: mmc.R1}, 0x083A},
		"read_blocks": {Packet{Index: mmc.ReadMultipleBlock, Type: mmc.Adtc, Response: mmc.R1}, 0x123A},
	} {
		t.Run(name, func(t *testing.T) {
			trb := &trb{packet: &tc.p}
			require.Equal(t, tc.want, trb.commandRegister())
		})
	}
}

func TestTransferModeRegister(t *testing.T) {
	for name, tc := range map[string]struct {
		mode TransferMode
		read bool
		n    int
		want uint16
	}{
		"no_data":         {ModeNoData, false, 0, 0},
		"pio_read_single": {ModePIO, true, 512, hcreg.TransRead},
		"sdma_write_one":  {ModeSDMA, false, 512, hcreg.TransDmaEn},
		"adma_read_multi": {ModeADMA2, true, 4096, hcreg.TransDmaEn | hcreg.TransRead | hcreg.TransMultiBlock | hcreg.TransBlkCountEn | hcreg.TransAutoCmd12},
		"pio_write_multi": {ModePIO, false, 1024, hcreg.TransMultiBlock | hcreg.TransBlkCountEn | hcreg.TransAutoCmd12},
	} {
		t.Run(name, func(t *testing.T) {
			trb := &trb{mode: tc.mode, read: tc.read, data: make([]byte, tc.n), blockSize: mmc.DefaultBlockSize}
			require.Equal(t, tc.want, trb.transferModeRegister())
		})
	}
}

func TestExecCmdRegisterProgramming(t *testing.T) {
	s := newTestSlot(t, withCapability(func(c *hcreg.Capability) { c.Adma2 = false }))
	s.selectCard(t)

	buf := make([]byte, 4*mmc.DefaultBlockSize)
	require.NoError(t, s.ExecCmd(readPacket(0x80, buf)))

	cmds := s.sim.Commands()
	require.Len(t, cmds, 1)
	require.Equal(t, sdhcisim.Command{
		Index:      mmc.ReadMultipleBlock,
		Argument:   0x80,
		Command:    0x123A,
		TransMode:  hcreg.TransDmaEn | hcreg.TransRead | hcreg.TransMultiBlock | hcreg.TransBlkCountEn | hcreg.TransAutoCmd12,
		BlockSize:  mmc.DefaultBlockSize,
		BlockCount: 4,
	}, cmds[0])

	blkSize, err := s.ReadReg(hcreg.BlkSize, mmio.Width16)
	require.NoError(t, err)
	require.Equal(t, uint64(hcreg.SdmaBoundaryBits|mmc.DefaultBlockSize), blkSize)

	// the LED is off once the command is over
	ctrl1, err := s.ReadReg(hcreg.HostCtrl1, mmio.Width8)
	require.NoError(t, err)
	require.Zero(t, ctrl1&hcreg.HostCtrl1Led)
}

func TestExecCmdResponse(t *testing.T) {
	s := newTestSlot(t)
	s.selectCard(t)
	p := &Packet{Index: mmc.SendCsd, Type: mmc.Ac, Response: mmc.R2, Argument: mmc.RcaArgument(1), Timeout: GenericTimeout}
	// CSD is only answered in stand-by
	require.ErrorIs(t, s.ExecCmd(p), ErrDevice)

	p = &Packet{Index: mmc.SendStatus, Type: mmc.Ac, Response: mmc.R1, Argument: mmc.RcaArgument(1), Timeout: GenericTimeout}
	require.NoError(t, s.ExecCmd(p))
	require.Equal(t, mmc.StateTran, mmc.StateFromStatus(p.Status[0]))
	require.NotZero(t, p.Status[0]&mmc.StatusReadyForData)
}

func TestExecCmdDataModes(t *testing.T) {
	for name, tc := range map[string]struct {
		mutate func(*hcreg.Capability)
		blocks int
	}{
		"adma2_single":     {func(c *hcreg.Capability) {}, 1},
		"adma2_multi_line": {func(c *hcreg.Capability) {}, 300},
		"sdma_single":      {func(c *hcreg.Capability) { c.Adma2 = false }, 1},
		"sdma_boundaries":  {func(c *hcreg.Capability) { c.Adma2 = false }, 2500},
		"pio_single":       {func(c *hcreg.Capability) { c.Adma2, c.Sdma = false, false }, 1},
		"pio_multi":        {func(c *hcreg.Capability) { c.Adma2, c.Sdma = false, false }, 17},
	} {
		t.Run(name, func(t *testing.T) {
			s := newTestSlot(t, withCapability(tc.mutate))
			s.selectCard(t)

			n := tc.blocks * mmc.DefaultBlockSize
			want := pattern(n, 0x5a)
			require.NoError(t, s.ExecCmd(writePacket(16, want)))
			require.Equal(t, want, s.sim.Card().Partition(mmc.PartitionUserData)[16*512:16*512+n])

			got := make([]byte, n)
			require.NoError(t, s.ExecCmd(readPacket(16, got)))
			require.Equal(t, want, got)
			require.Zero(t, s.Pool().Stats().UsedUnits)
		})
	}
}

func TestExecCmdSdmaBoundaryAddresses(t *testing.T) {
	s := newTestSlot(t, withCapability(func(c *hcreg.Capability) { c.Adma2 = false }))
	s.selectCard(t)

	// 1.5 MiB cross two 512 KiB boundaries wherever the buffer lands
	got := make([]byte, 3*hcreg.SdmaBoundary/mmc.DefaultBlockSize*mmc.DefaultBlockSize)
	require.NoError(t, s.ExecCmd(readPacket(0, got)))

	addr, err := s.ReadReg(hcreg.SdmaAddr, mmio.Width32)
	require.NoError(t, err)
	require.Zero(t, addr%hcreg.SdmaBoundary)
}

func TestExecCmdSdmaAbove4GiB(t *testing.T) {
	for name, base := range map[string]uint64{
		"above_4gib":    1<<32 + 0x1000,
		"crossing_4gib": 1<<32 - dma.PageSize,
	} {
		t.Run(name, func(t *testing.T) {
			s := newTestSlot(t, withCapability(func(c *hcreg.Capability) { c.Adma2 = false }))
			s.selectCard(t)
			s.mem.SetBase(base)

			err := s.ExecCmd(readPacket(0, make([]byte, 4*dma.PageSize)))
			require.ErrorIs(t, err, ErrInvalidParameter)
			require.Empty(t, s.sim.Commands())
			require.Zero(t, s.reg(t, hcreg.HostCtrl1, mmio.Width8)&hcreg.HostCtrl1Led)

			mappings, _ := s.mem.Outstanding()
			require.Zero(t, mappings)
		})
	}
}

func TestTransferCompleteMasksDataTimeout(t *testing.T) {
	// Transfer Complete together with a Data Timeout Error alone counts as
	// success; controllers are known to report both at once.
	s := newTestSlot(t)
	s.selectCard(t)

	s.sim.InjectFault(mmc.ReadMultipleBlock, sdhcisim.Fault{Error: hcreg.ErrDataTimeout, Complete: true, Count: 1})
	require.NoError(t, s.ExecCmd(readPacket(0, make([]byte, 1024))))
	require.Empty(t, s.sim.Resets())

	s.sim.InjectFault(mmc.ReadMultipleBlock, sdhcisim.Fault{Error: hcreg.ErrDataTimeout | hcreg.ErrDataCrc, Complete: true, Count: 1})
	err := s.ExecCmd(readPacket(0, make([]byte, 1024)))
	require.ErrorIs(t, err, ErrDevice)
	var devErr *DeviceError
	require.True(t, errors.As(err, &devErr))
	require.Equal(t, uint8(mmc.ReadMultipleBlock), devErr.Index)
	require.Equal(t, uint16(hcreg.ErrDataTimeout|hcreg.ErrDataCrc), devErr.ErrStatus)
	require.Empty(t, s.sim.Resets(), "a completed transfer is not reset")

	s.sim.InjectFault(mmc.ReadMultipleBlock, sdhcisim.Fault{Complete: true, Error: hcreg.ErrAdma, Count: 1})
	require.ErrorIs(t, s.ExecCmd(readPacket(0, make([]byte, 1024))), ErrDevice)
}

func TestErrorRecovery(t *testing.T) {
	for name, tc := range map[string]struct {
		errStatus uint16
		reset     []uint8
	}{
		"command_crc":     {hcreg.ErrCmdCrc, []uint8{hcreg.ResetCmd}},
		"command_timeout": {hcreg.ErrCmdTimeout | hcreg.ErrCmdIndex, []uint8{hcreg.ResetCmd}},
		"data_crc":        {hcreg.ErrDataCrc, []uint8{hcreg.ResetDat}},
		"both_lines":      {hcreg.ErrCmdEndBit | hcreg.ErrDataEndBit, []uint8{hcreg.ResetCmd | hcreg.ResetDat}},
		"adma_only":       {hcreg.ErrAdma, nil},
	} {
		t.Run(name, func(t *testing.T) {
			s := newTestSlot(t)
			s.selectCard(t)
			s.sim.InjectFault(mmc.ReadMultipleBlock, sdhcisim.Fault{Error: tc.errStatus, Count: 1})

			err := s.ExecCmd(readPacket(0, make([]byte, 2048)))
			require.ErrorIs(t, err, ErrDevice)
			require.Equal(t, tc.reset, s.sim.Resets())
			require.Zero(t, s.Pool().Stats().UsedUnits)

			// the slot is usable again
			require.NoError(t, s.ExecCmd(readPacket(0, make([]byte, 2048))))
		})
	}
}

func TestWaitEnvTimeout(t *testing.T) {
	t.Run("finite", func(t *testing.T) {
		s := newTestSlot(t)
		s.sim.InhibitPolls = -1
		p := &Packet{Index: mmc.GoIdleState, Type: mmc.Bc, Timeout: 100 * time.Microsecond}
		err := s.ExecCmd(p)
		require.ErrorIs(t, err, ErrTimeout)
		require.Equal(t, 100, s.clock.Stalls())
		require.Empty(t, s.sim.Commands())
	})
	t.Run("infinite", func(t *testing.T) {
		s := newTestSlot(t)
		s.sim.InhibitPolls = 5000
		p := &Packet{Index: mmc.GoIdleState, Type: mmc.Bc}
		require.NoError(t, s.ExecCmd(p))
		require.Equal(t, 5000, s.clock.Stalls())
		require.Len(t, s.sim.Commands(), 1)
	})
}

func TestWaitResultTimeout(t *testing.T) {
	s := newTestSlot(t)
	s.selectCard(t)
	// the command never completes
	s.sim.InjectFault(mmc.ReadMultipleBlock, sdhcisim.Fault{Count: 1})
	p := readPacket(0, make([]byte, 1024))
	p.Timeout = time.Millisecond
	err := s.ExecCmd(p)
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, time.Millisecond, s.clock.Elapsed())
	require.Zero(t, s.Pool().Stats().UsedUnits)
}

func TestTuningBlockPIO(t *testing.T) {
	s := newTestSlot(t)
	s.selectCard(t)
	buf := make([]byte, 128)
	p := &Packet{Index: mmc.SendTuningBlock, Type: mmc.Adtc, Response: mmc.R1, In: buf, Timeout: GenericTimeout}
	require.NoError(t, s.ExecCmd(p))
	require.Equal(t, sdhcisim.TuningPattern(8), buf)
	require.Zero(t, s.sim.Commands()[0].TransMode&hcreg.TransDmaEn)
}
