// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sdhci

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/linuxboot/emmchc/pkg/dma"
	"github.com/linuxboot/emmchc/pkg/log"
	"github.com/linuxboot/emmchc/pkg/mmc"
	"github.com/linuxboot/emmchc/pkg/mmio"
	"github.com/linuxboot/emmchc/pkg/sdhci/hcreg"
	"github.com/linuxboot/emmchc/pkg/sdhci/sdhcisim"
)

const (
	testBar     = 0xFE2C_0000
	testDMABase = 0x1000_0000
)

type testSlot struct {
	*Controller
	sim   *sdhcisim.Controller
	mem   *dma.Memory
	clock *mmio.ManualClock
}

func newTestSlot(t *testing.T, opts ...sdhcisim.Option) *testSlot {
	Debug = t.Logf
	sdhcisim.Debug = t.Logf
	t.Cleanup(func() {
		Debug = func(string, ...interface{}) {}
		sdhcisim.Debug = func(string, ...interface{}) {}
	})

	mem := dma.NewMemory(testDMABase)
	sim := sdhcisim.New(testBar, mem, opts...)
	clk := mmio.NewManualClock()
	c, err := New(sim, testBar, mem, WithClock(clk), WithLogger(log.Nop{}))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, c.Close())
		mappings, buffers := mem.Outstanding()
		require.Zero(t, mappings, "leaked mappings")
		require.Zero(t, buffers, "leaked buffers")
	})
	return &testSlot{Controller: c, sim: sim, mem: mem, clock: clk}
}

func withCapability(mutate func(*hcreg.Capability)) sdhcisim.Option {
	c := hcreg.DecodeCapability(sdhcisim.DefaultCapability)
	mutate(&c)
	return sdhcisim.WithCapability(c)
}

// selectCard brings the simulated device to the transfer state with RCA 1.
func (s *testSlot) selectCard(t *testing.T) {
	for _, p := range []*Packet{
		{Index: mmc.GoIdleState, Type: mmc.Bc},
		{Index: mmc.SendOpCond, Type: mmc.Bcr, Response: mmc.R3, Argument: mmc.OcrSectorMode | mmc.OcrVddWindow},
		{Index: mmc.AllSendCid, Type: mmc.Bcr, Response: mmc.R2},
		{Index: mmc.SetRelativeAddr, Type: mmc.Ac, Response: mmc.R1, Argument: mmc.RcaArgument(1)},
		{Index: mmc.SelectDeselectCard, Type: mmc.Ac, Response: mmc.R1b, Argument: mmc.RcaArgument(1)},
	} {
		p.Timeout = GenericTimeout
		require.NoError(t, s.ExecCmd(p), p.String())
	}
	require.Equal(t, mmc.StateTran, s.sim.Card().State())
	s.sim.ClearCommands()
}

func readPacket(lba uint32, buf []byte) *Packet {
	return &Packet{
		Index:    mmc.ReadMultipleBlock,
		Type:     mmc.Adtc,
		Response: mmc.R1,
		Argument: lba,
		In:       buf,
		Timeout:  GenericTimeout,
	}
}

func writePacket(lba uint32, buf []byte) *Packet {
	return &Packet{
		Index:    mmc.WriteMultipleBlock,
		Type:     mmc.Adtc,
		Response: mmc.R1,
		Argument: lba,
		Out:      buf,
		Timeout:  GenericTimeout,
	}
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i/mmc.DefaultBlockSize) ^ byte(i) ^ seed
	}
	return b
}

func TestNewInvalid(t *testing.T) {
	mem := dma.NewMemory(testDMABase)
	sim := sdhcisim.New(testBar, mem)
	_, err := New(sim, 0, mem)
	require.ErrorIs(t, err, ErrInvalidParameter)
	_, err = New(nil, testBar, mem)
	require.ErrorIs(t, err, ErrInvalidParameter)
	_, err = New(sim, testBar+hcreg.Size, mem)
	require.Error(t, err)
}

func TestNewCachesRegisters(t *testing.T) {
	s := newTestSlot(t, sdhcisim.WithVersion(1))
	require.Equal(t, uint8(1), s.SpecVersion())
	require.Equal(t, hcreg.DecodeCapability(sdhcisim.DefaultCapability), s.Capability())
	require.Equal(t, uint64(testBar), s.Bar())
	require.Equal(t, 1, s.Pool().Stats().Blocks)
}

func TestExecCmdClosed(t *testing.T) {
	mem := dma.NewMemory(testDMABase)
	c, err := New(sdhcisim.New(testBar, mem), testBar, mem)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	err = c.ExecCmd(&Packet{Index: mmc.GoIdleState, Type: mmc.Bc})
	require.ErrorIs(t, err, ErrInvalidParameter)
}
