// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package read

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/tjfoc/gmsm/sm3"

	"github.com/linuxboot/emmchc/cmds/emmctool/commands"
	"github.com/linuxboot/emmchc/pkg/mmc"
)

var _ commands.Command = (*Command)(nil)

type Command struct {
	commands.SlotOptions
	Partition string `short:"p" long:"partition" default:"user" description:"hardware partition [user, boot1, boot2, gp1..gp4]"`
	LBA       uint64 `long:"lba" description:"first block to read"`
	Count     uint64 `short:"n" long:"count" description:"number of blocks to read, the rest of the partition by default"`
	Output    string `short:"o" long:"output" description:"file to write the blocks to" required:"true"`
	Hash      string `long:"hash" description:"print a digest of the data [sha256, sm3]"`
}

// ShortDescription explains what this command does in one line
func (cmd *Command) ShortDescription() string {
	return "dumps blocks of a partition to a file"
}

// LongDescription explains what this verb does (without limitation in amount of lines)
func (cmd *Command) LongDescription() string {
	return ""
}

func newHash(name string) (hash.Hash, error) {
	switch strings.ToLower(name) {
	case "":
		return nil, nil
	case "sha256":
		return sha256.New(), nil
	case "sm3":
		return sm3.New(), nil
	}
	return nil, commands.ErrArgs{Err: fmt.Errorf("unknown hash '%s'", name)}
}

// Execute is the main function here. It is responsible to
// start the execution of the command.
//
// `args` are the arguments left unused by verb itself and options.
func (cmd *Command) Execute(args []string) error {
	if len(args) != 0 {
		return commands.ErrArgs{Err: fmt.Errorf("there are extra arguments")}
	}
	p, err := commands.ParsePartition(cmd.Partition)
	if err != nil {
		return err
	}
	h, err := newHash(cmd.Hash)
	if err != nil {
		return err
	}

	slot, err := cmd.Open()
	if err != nil {
		return err
	}
	defer slot.Close()

	dev, err := slot.BlockDevice(p)
	if err != nil {
		return err
	}
	blocks := dev.Partition().Blocks()
	if cmd.LBA >= blocks {
		return commands.ErrArgs{Err: fmt.Errorf("block %d is outside of %s", cmd.LBA, dev.Partition())}
	}
	count := cmd.Count
	if count == 0 || count > blocks-cmd.LBA {
		count = blocks - cmd.LBA
	}

	out, err := os.Create(cmd.Output)
	if err != nil {
		return fmt.Errorf("unable to create '%s': %w", cmd.Output, err)
	}
	defer out.Close()

	var w io.Writer = out
	if h != nil {
		w = io.MultiWriter(out, h)
	}
	r := io.NewSectionReader(dev, int64(cmd.LBA*mmc.DefaultBlockSize), int64(count*mmc.DefaultBlockSize))
	n, err := io.Copy(w, r)
	if err != nil {
		return fmt.Errorf("unable to read %s: %w", p, err)
	}
	if err := out.Close(); err != nil {
		return err
	}

	fmt.Printf("read %s (%d blocks) from %s at block %d\n", humanize.IBytes(uint64(n)), count, p, cmd.LBA)
	if h != nil {
		fmt.Printf("%s: %x\n", strings.ToLower(cmd.Hash), h.Sum(nil))
	}
	return nil
}
