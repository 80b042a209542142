// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

// hcdump prints the standard register file of an SD host controller slot.
//
// Synopsis:
//
//	hcdump [--capability] BAR
//	hcdump --sim [--capability]
//
// BAR is the physical base address of the slot registers, read through
// /dev/mem. With --sim a freshly reset simulated slot is dumped instead.
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	flag "github.com/spf13/pflag"

	"github.com/linuxboot/emmchc/pkg/dma"
	"github.com/linuxboot/emmchc/pkg/mmio"
	"github.com/linuxboot/emmchc/pkg/sdhci/hcreg"
	"github.com/linuxboot/emmchc/pkg/sdhci/sdhcisim"
)

const simBar = 0xFE2C_0000

var (
	sim        = flag.Bool("sim", false, "dump a simulated slot")
	capability = flag.BoolP("capability", "c", false, "decode the capability register")
)

func dump(bus mmio.Bus, bar uint64) error {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("SD Host Controller %#x", bar)
	t.AppendHeader(table.Row{"Offset", "Register", "Width", "Value"})
	var capValue uint64
	for _, r := range hcreg.Registers {
		width := mmio.Width(r.Width)
		v, err := mmio.Read(bus, bar+r.Offset, width)
		if err != nil {
			return fmt.Errorf("reading %s: %w", r.Name, err)
		}
		if r.Offset == hcreg.Cap {
			capValue = v
		}
		t.AppendRow(table.Row{fmt.Sprintf("0x%02x", r.Offset), hcreg.Label(r.Name), width, fmt.Sprintf("0x%0*x", 2*int(r.Width), v)})
	}
	t.Render()

	if !*capability {
		return nil
	}
	c := table.NewWriter()
	c.SetOutputMirror(os.Stdout)
	c.SetTitle("Capabilities")
	c.AppendHeader(table.Row{"Field", "Value"})
	for _, f := range hcreg.DecodeCapability(capValue).Fields() {
		c.AppendRow(table.Row{f.Name, f.Value})
	}
	c.Render()
	return nil
}

func main() {
	flag.Parse()

	if *sim {
		if flag.NArg() != 0 {
			log.Fatal("Usage: hcdump --sim [--capability]")
		}
		bus := sdhcisim.New(simBar, dma.NewMemory(0x4000_0000))
		if err := dump(bus, simBar); err != nil {
			log.Fatal(err)
		}
		return
	}

	if flag.NArg() != 1 {
		log.Fatal("Usage: hcdump [--capability] <bar>")
	}
	bar, err := strconv.ParseUint(flag.Arg(0), 0, 64)
	if err != nil {
		log.Fatalf("invalid BAR '%s': %v", flag.Arg(0), err)
	}
	if err := dump(mmio.DevMem{}, bar); err != nil {
		log.Fatal(err)
	}
}
