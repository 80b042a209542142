// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mmio implements typed register access on top of a memory mapped
// I/O bus, including read-modify-write and poll-until-set helpers.
package mmio

import (
	"errors"
	"fmt"
	"time"
)

// Width is the size of a single register access in bytes.
type Width uint8

// Supported access widths.
const (
	Width8  Width = 1
	Width16 Width = 2
	Width32 Width = 4
	Width64 Width = 8
)

// Valid returns true if the width is one of 1, 2, 4 or 8 bytes.
func (w Width) Valid() bool {
	switch w {
	case Width8, Width16, Width32, Width64:
		return true
	}
	return false
}

// Mask returns the bit mask covering a value of this width.
func (w Width) Mask() uint64 {
	if w == Width64 {
		return ^uint64(0)
	}
	return 1<<(uint(w)*8) - 1
}

func (w Width) String() string {
	return fmt.Sprintf("%d-bit", uint(w)*8)
}

var (
	// ErrInvalidAddress is returned for an access to address 0.
	ErrInvalidAddress = errors.New("mmio: invalid address")

	// ErrInvalidWidth is returned for a width other than 1, 2, 4 or 8.
	ErrInvalidWidth = errors.New("mmio: invalid access width")

	// ErrNotReady means the polled condition is not met yet.
	ErrNotReady = errors.New("mmio: not ready")

	// ErrTimeout means a poll loop exhausted its time budget.
	ErrTimeout = errors.New("mmio: timeout")
)

// Bus performs single register accesses. A Bus is expected to zero-extend
// narrow reads and to ignore value bits above the access width on writes.
type Bus interface {
	Read(addr uint64, width Width) (uint64, error)
	Write(addr uint64, width Width, value uint64) error
}

func checkAccess(addr uint64, width Width) error {
	if addr == 0 {
		return ErrInvalidAddress
	}
	if !width.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidWidth, width)
	}
	return nil
}

// ReadWrite performs one load (read == true) into *data or one store of *data.
func ReadWrite(bus Bus, addr uint64, read bool, width Width, data *uint64) error {
	if data == nil {
		return fmt.Errorf("%w: nil data", ErrInvalidAddress)
	}
	if err := checkAccess(addr, width); err != nil {
		return err
	}
	if !read {
		return bus.Write(addr, width, *data&width.Mask())
	}
	v, err := bus.Read(addr, width)
	if err != nil {
		return err
	}
	*data = v & width.Mask()
	return nil
}

// Read is a shortcut for ReadWrite with read == true.
func Read(bus Bus, addr uint64, width Width) (uint64, error) {
	var v uint64
	err := ReadWrite(bus, addr, true, width, &v)
	return v, err
}

// Write is a shortcut for ReadWrite with read == false.
func Write(bus Bus, addr uint64, width Width, value uint64) error {
	return ReadWrite(bus, addr, false, width, &value)
}

// Or sets the bits of mask in the register.
func Or(bus Bus, addr uint64, width Width, mask uint64) error {
	v, err := Read(bus, addr, width)
	if err != nil {
		return err
	}
	return Write(bus, addr, width, v|mask)
}

// And keeps only the bits of mask in the register.
func And(bus Bus, addr uint64, width Width, mask uint64) error {
	v, err := Read(bus, addr, width)
	if err != nil {
		return err
	}
	return Write(bus, addr, width, v&mask)
}

// CheckSet returns nil if (register & mask) == value and ErrNotReady
// otherwise. Read failures are returned as is.
func CheckSet(bus Bus, addr uint64, width Width, mask, value uint64) error {
	v, err := Read(bus, addr, width)
	if err != nil {
		return err
	}
	if v&mask == value {
		return nil
	}
	return ErrNotReady
}

// WaitSet polls CheckSet every PollInterval until it succeeds, fails with
// anything but ErrNotReady, or timeout elapses. A zero timeout polls forever.
func WaitSet(bus Bus, clk Clock, addr uint64, width Width, mask, value uint64, timeout time.Duration) error {
	return Poll(clk, timeout, func() error {
		return CheckSet(bus, addr, width, mask, value)
	})
}
