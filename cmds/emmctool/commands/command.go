// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/jessevdk/go-flags"

	"github.com/linuxboot/emmchc/pkg/dma"
	"github.com/linuxboot/emmchc/pkg/emmc"
	"github.com/linuxboot/emmchc/pkg/log"
	"github.com/linuxboot/emmchc/pkg/mmc"
	"github.com/linuxboot/emmchc/pkg/sdhci"
	"github.com/linuxboot/emmchc/pkg/sdhci/sdhcisim"
)

// Command is an interface of implementations of verbs
// (like "info", "read" etc of "emmctool info"/"emmctool read")
type Command interface {
	flags.Commander

	// ShortDescription explains what this command does in one line
	ShortDescription() string

	// LongDescription explains what this verb does (without limitation in amount of lines)
	LongDescription() string
}

// ErrArgs means arguments are invalid
type ErrArgs struct {
	Err error
}

func (err ErrArgs) Error() string {
	return fmt.Sprintf("invalid arguments: %v", err.Err)
}

func (err ErrArgs) Unwrap() error {
	return err.Err
}

// Addresses of the simulated slot.
const (
	SlotBar = 0xFE2C_0000
	DMABase = 0x4000_0000
)

// SlotOptions describe the simulated device the verbs operate on.
type SlotOptions struct {
	Images   []string `short:"i" long:"image" description:"partition image as PARTITION=FILE, decompressed according to its extension (.xz, .lz4, .zst)"`
	Sectors  uint32   `long:"sectors" default:"131072" description:"size of the user area in 512 byte sectors"`
	BootSize uint8    `long:"boot-size" default:"8" description:"size of each boot partition in 128 KiB units"`
	Debug    bool     `short:"d" long:"debug" description:"print the command and register traffic"`
}

// Slot is an identified simulated device.
type Slot struct {
	*emmc.Slot
	Card *sdhcisim.Card
	host *emmc.Host
}

// Close releases the DMA memory of the slot.
func (s *Slot) Close() error {
	return s.host.Close()
}

// Open builds the simulated device, loads the images into its partitions
// and brings the slot up.
func (o *SlotOptions) Open() (*Slot, error) {
	if o.Debug {
		log.SetDebug(true)
		emmc.Debug = log.Debugf
		sdhci.Debug = log.Debugf
		sdhcisim.Debug = log.Debugf
		dma.Debug = log.Debugf
	}
	if o.Sectors == 0 || o.Sectors%512 != 0 {
		return nil, ErrArgs{Err: fmt.Errorf("the user area must be a non-zero multiple of 512 sectors, got %d", o.Sectors)}
	}

	card := sdhcisim.NewCard(o.Sectors, sdhcisim.WithBootSize(o.BootSize))
	for _, image := range o.Images {
		name, path, ok := strings.Cut(image, "=")
		if !ok {
			return nil, ErrArgs{Err: fmt.Errorf("image '%s' is not PARTITION=FILE", image)}
		}
		p, err := mmc.ParsePartitionType(name)
		if err != nil {
			return nil, ErrArgs{Err: err}
		}
		n, err := card.LoadImageFile(p, path)
		if err != nil {
			return nil, fmt.Errorf("unable to load the %s image: %w", p, err)
		}
		log.Debugf("loaded %d bytes into %s", n, p)
	}

	mem := dma.NewMemory(DMABase)
	sim := sdhcisim.New(SlotBar, mem, sdhcisim.WithCard(card))
	host, err := emmc.Open(sim, mem, []uint64{SlotBar})
	if err != nil {
		return nil, err
	}
	return &Slot{Slot: host.Slots[0], Card: card, host: host}, nil
}

// SavePartition writes the contents of a simulated partition to a file.
func (s *Slot) SavePartition(p mmc.PartitionType, path string) error {
	if err := os.WriteFile(path, s.Card.Partition(p), 0o644); err != nil {
		return fmt.Errorf("unable to save the %s image: %w", p, err)
	}
	return nil
}

// ParsePartition parses a partition name given on the command line.
func ParsePartition(name string) (mmc.PartitionType, error) {
	p, err := mmc.ParsePartitionType(name)
	if err != nil {
		return 0, ErrArgs{Err: err}
	}
	return p, nil
}
