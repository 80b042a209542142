// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// emmctool drives an eMMC device behind a simulated SD host controller
// through the same command engine used on hardware.
//
// Synopsis:
//
//	emmctool info [-i PARTITION=FILE]...
//	emmctool read -p PARTITION -o OUT [--lba N] [-n COUNT] [--hash sha256|sm3] [-i PARTITION=FILE]...
//	emmctool write -p PARTITION -f IN [--offset N] [-o SAVED_IMAGE] [-i PARTITION=FILE]...
//
// An example:
//
//	emmctool info -i user=disk.img.zst -i boot1=boot.bin
//	emmctool read -i user=disk.img.zst -p user --lba 2048 -n 4096 -o esp.img --hash sm3
//	emmctool write -i boot1=boot.bin -p boot1 -f patch.bin --offset 0x1000 -o boot.new
//
// Description:
//
//	info:  Identifies the device and prints the controller and device registers
//	read:  Dumps blocks of a hardware partition
//	write: Writes a file into a hardware partition
package main

import (
	"github.com/jessevdk/go-flags"

	"github.com/linuxboot/emmchc/cmds/emmctool/commands"
	"github.com/linuxboot/emmchc/cmds/emmctool/commands/info"
	"github.com/linuxboot/emmchc/cmds/emmctool/commands/read"
	"github.com/linuxboot/emmchc/cmds/emmctool/commands/write"
	"github.com/linuxboot/emmchc/pkg/log"
)

var (
	knownCommands = map[string]commands.Command{
		"info":  &info.Command{},
		"read":  &read.Command{},
		"write": &write.Command{},
	}
)

func main() {
	flagsParser := flags.NewParser(nil, flags.Default)
	for commandName, command := range knownCommands {
		_, err := flagsParser.AddCommand(commandName, command.ShortDescription(), command.LongDescription(), command)
		if err != nil {
			panic(err)
		}
	}

	// parse arguments and execute the appropriate command
	if _, err := flagsParser.Parse(); err != nil {
		log.Fatalf("%v", err)
	}
}
