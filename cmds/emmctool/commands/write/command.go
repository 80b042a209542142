// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package write

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/linuxboot/emmchc/cmds/emmctool/commands"
)

var _ commands.Command = (*Command)(nil)

type Command struct {
	commands.SlotOptions
	Partition string `short:"p" long:"partition" default:"user" description:"hardware partition [user, boot1, boot2, gp1..gp4]"`
	Offset    int64  `long:"offset" description:"byte offset in the partition, need not be block aligned"`
	Input     string `short:"f" long:"file" description:"file to write" required:"true"`
	Save      string `short:"o" long:"save" description:"save the resulting partition image to this file"`
}

// ShortDescription explains what this command does in one line
func (cmd *Command) ShortDescription() string {
	return "writes a file into a partition"
}

// LongDescription explains what this verb does (without limitation in amount of lines)
func (cmd *Command) LongDescription() string {
	return "Writes the file through the host controller at the given offset. Partial blocks at either end are read back and merged. The simulated device is discarded on exit unless --save is given."
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
	data, err := os.ReadFile(cmd.Input)
	if err != nil {
		return fmt.Errorf("unable to read '%s': %w", cmd.Input, err)
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
	if _, err := dev.WriteAt(data, cmd.Offset); err != nil {
		return fmt.Errorf("unable to write %s: %w", p, err)
	}
	fmt.Printf("wrote %s to %s at offset %#x\n", humanize.IBytes(uint64(len(data))), p, cmd.Offset)

	if cmd.Save == "" {
		return nil
	}
	return slot.SavePartition(p, cmd.Save)
}
