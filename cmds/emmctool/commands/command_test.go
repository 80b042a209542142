// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/linuxboot/emmchc/pkg/mmc"
)

func TestSlotOptionsOpen(t *testing.T) {
	dir := t.TempDir()
	boot := filepath.Join(dir, "boot.bin")
	want := []byte("bootloader stage 1")
	require.NoError(t, os.WriteFile(boot, want, 0o644))

	o := SlotOptions{Images: []string{"boot1=" + boot}, Sectors: 1 << 12, BootSize: 1}
	slot, err := o.Open()
	require.NoError(t, err)
	defer func() { require.NoError(t, slot.Close()) }()

	dev, err := slot.BlockDevice(mmc.PartitionBoot1)
	require.NoError(t, err)
	got := make([]byte, len(want))
	_, err = dev.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = dev.WriteAt([]byte("patched"), 3)
	require.NoError(t, err)
	saved := filepath.Join(dir, "boot.new")
	require.NoError(t, slot.SavePartition(mmc.PartitionBoot1, saved))
	image, err := os.ReadFile(saved)
	require.NoError(t, err)
	require.Len(t, image, mmc.BootSizeUnit)
	require.Equal(t, "boopatched stage 1", string(image[:len(want)]))
}

func TestSlotOptionsErrors(t *testing.T) {
	for name, o := range map[string]SlotOptions{
		"no_sectors":        {Sectors: 0},
		"unaligned_sectors": {Sectors: 1000},
		"no_separator":      {Sectors: 1 << 12, Images: []string{"user"}},
		"bad_partition":     {Sectors: 1 << 12, Images: []string{"boot9=x"}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := o.Open()
			require.ErrorAs(t, err, &ErrArgs{})
		})
	}
	t.Run("missing_image", func(t *testing.T) {
		o := SlotOptions{Sectors: 1 << 12, Images: []string{"user=" + filepath.Join(t.TempDir(), "none")}}
		_, err := o.Open()
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestParsePartition(t *testing.T) {
	p, err := ParsePartition("gp2")
	require.NoError(t, err)
	require.Equal(t, mmc.PartitionGP2, p)
	_, err = ParsePartition("GP2")
	require.ErrorAs(t, err, &ErrArgs{})
}
