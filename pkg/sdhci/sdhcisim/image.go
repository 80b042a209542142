// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sdhcisim

import (
	"fmt"
	"io"
	"os"

	"github.com/linuxboot/emmchc/pkg/compression"
	"github.com/linuxboot/emmchc/pkg/mmc"
)

// LoadImage decodes r with comp and stores the result at the start of a
// hardware partition.
func (c *Card) LoadImage(p mmc.PartitionType, comp compression.Compressor, r io.Reader) (int, error) {
	if p >= mmc.PartitionCount || len(c.partitions[p]) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotAttached, p)
	}
	data, err := compression.DecodeFrom(comp, r)
	if err != nil {
		return 0, err
	}
	if err := c.WritePartition(p, 0, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// LoadImageFile loads a partition image from a file, decompressing it
// according to its extension.
func (c *Card) LoadImageFile(p mmc.PartitionType, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := c.LoadImage(p, compression.CompressorFromFilename(path), f)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return n, nil
}
