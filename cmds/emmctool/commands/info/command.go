// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package info

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/linuxboot/emmchc/cmds/emmctool/commands"
	"github.com/linuxboot/emmchc/pkg/emmc"
	"github.com/linuxboot/emmchc/pkg/mmc"
)

var _ commands.Command = (*Command)(nil)

type Command struct {
	commands.SlotOptions
}

// ShortDescription explains what this command does in one line
func (cmd *Command) ShortDescription() string {
	return "identifies the device and prints its registers"
}

// LongDescription explains what this verb does (without limitation in amount of lines)
func (cmd *Command) LongDescription() string {
	return "Brings up a simulated slot, identifies the eMMC device, negotiates its bus mode and prints the host capabilities, the CID, CSD and EXT_CSD fields and the hardware partitions."
}

// Execute is the main function here. It is responsible to
// start the execution of the command.
//
// `args` are the arguments left unused by verb itself and options.
func (cmd *Command) Execute(args []string) error {
	if len(args) != 0 {
		return commands.ErrArgs{Err: fmt.Errorf("there are extra arguments")}
	}
	slot, err := cmd.Open()
	if err != nil {
		return err
	}
	defer slot.Close()

	printController(slot.Slot)
	printDevice(slot.Slot)
	printPartitions(slot.Partitions())
	return nil
}

func printController(s *emmc.Slot) {
	hc := s.Controller()
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("Host Controller %#x", hc.Bar())
	t.AppendHeader(table.Row{"Field", "Value"})
	t.AppendRow(table.Row{"Spec Version", fmt.Sprintf("%d.00", hc.SpecVersion()+1)})
	t.AppendRow(table.Row{"Bus Mode", s.Mode})
	t.AppendSeparator()
	for _, f := range hc.Capability().Fields() {
		t.AppendRow(table.Row{f.Name, f.Value})
	}
	t.Render()
}

func printDevice(s *emmc.Slot) {
	month, year := s.CID.ManufacturingDate()
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("eMMC Device %s", s.CID.ProductName())
	t.AppendHeader(table.Row{"Register", "Field", "Value"})
	t.AppendRows([]table.Row{
		{"CID", "Manufacturer ID", fmt.Sprintf("0x%02x", s.CID.ManufacturerID())},
		{"CID", "OEM ID", fmt.Sprintf("0x%02x", s.CID.OEMID())},
		{"CID", "Product Name", s.CID.ProductName()},
		{"CID", "Revision", s.CID.Revision()},
		{"CID", "Serial Number", fmt.Sprintf("0x%08x", s.CID.SerialNumber())},
		{"CID", "Manufacturing Date", fmt.Sprintf("%d/+%d", month, year)},
		{"CSD", "Structure", s.CSD.Structure()},
		{"CSD", "Spec Version", s.CSD.SpecVers()},
		{"CSD", "Sector Addressing", s.SectorAddressing},
		{"EXT_CSD", "Revision", s.ExtCSD.Rev()},
		{"EXT_CSD", "Device Type", fmt.Sprintf("0x%02x", s.ExtCSD.DeviceType())},
		{"EXT_CSD", "HS Timing", s.ExtCSD.HsTiming()},
		{"EXT_CSD", "Bus Width", s.ExtCSD.BusWidth()},
		{"EXT_CSD", "Partition Config", fmt.Sprintf("0x%02x", s.ExtCSD.PartitionConfig())},
		{"EXT_CSD", "Sector Count", s.ExtCSD.SecCount()},
		{"RCA", "", s.RCA},
	})
	t.Render()
}

func printPartitions(parts []emmc.Partition) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("Hardware Partitions")
	t.AppendHeader(table.Row{"Partition", "Size", "Blocks", "Access"})
	for _, p := range parts {
		access := "read/write"
		if p.Type == mmc.PartitionRPMB {
			access = "authenticated"
		}
		t.AppendRow(table.Row{p.Type, humanize.IBytes(p.Size), p.Blocks(), access})
	}
	t.Render()
}
