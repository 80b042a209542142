// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package emmc

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"

	"github.com/linuxboot/emmchc/pkg/mmc"
	"github.com/linuxboot/emmchc/pkg/sdhci"
)

// Partition is a hardware partition of the device.
type Partition struct {
	Type mmc.PartitionType
	Size uint64
}

// Blocks returns the number of 512 byte blocks of the partition.
func (p Partition) Blocks() uint64 {
	return p.Size / mmc.DefaultBlockSize
}

func (p Partition) String() string {
	return fmt.Sprintf("%s (%s)", p.Type, humanize.IBytes(p.Size))
}

// Partitions returns the hardware partitions the device has, in
// PARTITION_ACCESS order. RPMB is listed but cannot be read or written
// without authentication.
func (s *Slot) Partitions() []Partition {
	var parts []Partition
	for p := mmc.PartitionType(0); p < mmc.PartitionCount; p++ {
		if size := s.ExtCSD.PartitionSize(p); size != 0 {
			parts = append(parts, Partition{Type: p, Size: size})
		}
	}
	return parts
}

func (s *Slot) partition(p mmc.PartitionType) (Partition, error) {
	if p >= mmc.PartitionCount {
		return Partition{}, fmt.Errorf("%w: partition %d", sdhci.ErrInvalidParameter, p)
	}
	size := s.ExtCSD.PartitionSize(p)
	if size == 0 {
		return Partition{}, fmt.Errorf("%w: the device has no %s partition", sdhci.ErrInvalidParameter, p)
	}
	if p == mmc.PartitionRPMB {
		return Partition{}, fmt.Errorf("%w: %s needs authenticated access", sdhci.ErrUnsupported, p)
	}
	return Partition{Type: p, Size: size}, nil
}

// SwitchPartition makes data commands access partition p.
func (s *Slot) SwitchPartition(p mmc.PartitionType) error {
	config := s.ExtCSD.PartitionConfig()
	if mmc.PartitionType(config&mmc.PartitionAccessMask) == p {
		return nil
	}
	config = config&^mmc.PartitionAccessMask | uint8(p)
	if err := s.switchByte(mmc.ExtCsdPartitionConfig, config); err != nil {
		return fmt.Errorf("switching to %s: %w", p, err)
	}
	s.ExtCSD[mmc.ExtCsdPartitionConfig] = config
	return nil
}

// ReadBlocks fills buf from partition p starting at block lba.
func (s *Slot) ReadBlocks(p mmc.PartitionType, lba uint64, buf []byte) error {
	return s.rwBlocks(p, lba, buf, true)
}

// WriteBlocks writes buf to partition p starting at block lba.
func (s *Slot) WriteBlocks(p mmc.PartitionType, lba uint64, buf []byte) error {
	return s.rwBlocks(p, lba, buf, false)
}

func (s *Slot) rwBlocks(p mmc.PartitionType, lba uint64, buf []byte, read bool) error {
	if len(buf) == 0 {
		return nil
	}
	if len(buf)%mmc.DefaultBlockSize != 0 {
		return fmt.Errorf("%w: %d bytes is not a whole number of blocks", sdhci.ErrInvalidParameter, len(buf))
	}
	part, err := s.partition(p)
	if err != nil {
		return err
	}
	blocks := uint64(len(buf) / mmc.DefaultBlockSize)
	if lba >= part.Blocks() || blocks > part.Blocks()-lba {
		return fmt.Errorf("%w: blocks [%d, %d) outside of %s", sdhci.ErrInvalidParameter, lba, lba+blocks, part)
	}
	if err := s.SwitchPartition(p); err != nil {
		return err
	}

	for len(buf) > 0 {
		n := len(buf) / mmc.DefaultBlockSize
		if n > mmc.MaxBlocksPerCommand {
			n = mmc.MaxBlocksPerCommand
		}
		if err := s.SetBlkCount(uint16(n)); err != nil {
			return fmt.Errorf("SET_BLOCK_COUNT %d: %w", n, err)
		}
		if err := s.RwMultiBlocks(lba, mmc.DefaultBlockSize, buf[:n*mmc.DefaultBlockSize], read); err != nil {
			return fmt.Errorf("%d blocks at %d of %s: %w", n, lba, p, err)
		}
		lba += uint64(n)
		buf = buf[n*mmc.DefaultBlockSize:]
	}
	return nil
}

// BlockDevice gives byte granular access to one partition.
type BlockDevice struct {
	slot *Slot
	part Partition
}

var (
	_ io.ReaderAt = (*BlockDevice)(nil)
	_ io.WriterAt = (*BlockDevice)(nil)
)

// BlockDevice returns the device view of partition p.
func (s *Slot) BlockDevice(p mmc.PartitionType) (*BlockDevice, error) {
	part, err := s.partition(p)
	if err != nil {
		return nil, err
	}
	return &BlockDevice{slot: s, part: part}, nil
}

// Partition returns the partition behind the device.
func (d *BlockDevice) Partition() Partition {
	return d.part
}

// Size returns the size of the partition in bytes.
func (d *BlockDevice) Size() int64 {
	return int64(d.part.Size)
}

// span returns the first block and the length of the block aligned
// range covering [off, off+n).
func span(off int64, n int) (uint64, int) {
	first := off / mmc.DefaultBlockSize
	end := (off + int64(n) + mmc.DefaultBlockSize - 1) / mmc.DefaultBlockSize
	return uint64(first), int(end-first) * mmc.DefaultBlockSize
}

// ReadAt implements io.ReaderAt.
func (d *BlockDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", sdhci.ErrInvalidParameter, off)
	}
	if off >= d.Size() {
		return 0, io.EOF
	}
	n := len(p)
	var eof error
	if int64(n) > d.Size()-off {
		n, eof = int(d.Size()-off), io.EOF
	}
	if n == 0 {
		return 0, nil
	}
	if off%mmc.DefaultBlockSize == 0 && n%mmc.DefaultBlockSize == 0 {
		if err := d.slot.ReadBlocks(d.part.Type, uint64(off/mmc.DefaultBlockSize), p[:n]); err != nil {
			return 0, err
		}
		return n, eof
	}
	lba, length := span(off, n)
	buf := make([]byte, length)
	if err := d.slot.ReadBlocks(d.part.Type, lba, buf); err != nil {
		return 0, err
	}
	copy(p[:n], buf[off%mmc.DefaultBlockSize:])
	return n, eof
}

// WriteAt implements io.WriterAt. Partial blocks are read back and
// merged before they are written.
func (d *BlockDevice) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > d.Size() {
		return 0, fmt.Errorf("%w: %d bytes at %d outside of %s", sdhci.ErrInvalidParameter, len(p), off, d.part)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if off%mmc.DefaultBlockSize == 0 && len(p)%mmc.DefaultBlockSize == 0 {
		if err := d.slot.WriteBlocks(d.part.Type, uint64(off/mmc.DefaultBlockSize), p); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	lba, length := span(off, len(p))
	buf := make([]byte, length)
	if err := d.slot.ReadBlocks(d.part.Type, lba, buf); err != nil {
		return 0, err
	}
	copy(buf[off%mmc.DefaultBlockSize:], p)
	if err := d.slot.WriteBlocks(d.part.Type, lba, buf); err != nil {
		return 0, err
	}
	return len(p), nil
}
