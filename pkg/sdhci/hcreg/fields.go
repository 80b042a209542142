// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hcreg

import (
	"reflect"
	"strings"

	"github.com/fatih/camelcase"
)

// Field is a labelled value of a decoded register.
type Field struct {
	Name  string
	Value interface{}
}

// Label turns an identifier such as "BaseClkFreq" into "Base Clk Freq".
func Label(ident string) string {
	return strings.Join(camelcase.Split(ident), " ")
}

// Fields returns the capability fields in register order.
func (c Capability) Fields() []Field {
	v := reflect.ValueOf(c)
	fields := make([]Field, 0, v.NumField())
	for i := 0; i < v.NumField(); i++ {
		fields = append(fields, Field{
			Name:  Label(v.Type().Field(i).Name),
			Value: v.Field(i).Interface(),
		})
	}
	return fields
}

// Register describes one register of the standard register file.
type Register struct {
	Name   string
	Offset uint64
	// Width is the access size in bytes.
	Width uint8
}

// Registers lists the standard registers in address order. Argument 2
// shares its offset with the SDMA address and is omitted.
var Registers = []Register{
	{"SdmaAddr", SdmaAddr, 4},
	{"BlkSize", BlkSize, 2},
	{"BlkCount", BlkCount, 2},
	{"Arg1", Arg1, 4},
	{"TransMode", TransMode, 2},
	{"Command", Command, 2},
	{"Response0", Response, 4},
	{"Response1", Response + 4, 4},
	{"Response2", Response + 8, 4},
	{"Response3", Response + 12, 4},
	{"PresentState", PresentState, 4},
	{"HostCtrl1", HostCtrl1, 1},
	{"PowerCtrl", PowerCtrl, 1},
	{"BlkGapCtrl", BlkGapCtrl, 1},
	{"WakeupCtrl", WakeupCtrl, 1},
	{"ClockCtrl", ClockCtrl, 2},
	{"TimeoutCtrl", TimeoutCtrl, 1},
	{"SwReset", SwReset, 1},
	{"NorIntSts", NorIntSts, 2},
	{"ErrIntSts", ErrIntSts, 2},
	{"NorIntStsEn", NorIntStsEn, 2},
	{"ErrIntStsEn", ErrIntStsEn, 2},
	{"NorIntSigEn", NorIntSigEn, 2},
	{"ErrIntSigEn", ErrIntSigEn, 2},
	{"AutoCmdErrSts", AutoCmdErrSts, 2},
	{"HostCtrl2", HostCtrl2, 2},
	{"Capability", Cap, 8},
	{"MaxCurrentCap", MaxCurrentCap, 8},
	{"AdmaErrSts", AdmaErrSts, 1},
	{"AdmaSysAddr", AdmaSysAddr, 8},
	{"SlotIntSts", SlotIntSts, 2},
	{"CtrlVer", CtrlVer, 2},
}
