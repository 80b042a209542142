// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mmio

import (
	"fmt"

	"github.com/u-root/u-root/pkg/memio"
)

// DevMem is a Bus over physical memory, accessed through /dev/mem.
// It needs CAP_SYS_RAWIO and a kernel without STRICT_DEVMEM restrictions
// on the controller's range.
type DevMem struct{}

var _ Bus = DevMem{}

// Read implements Bus.
func (DevMem) Read(addr uint64, width Width) (uint64, error) {
	switch width {
	case Width8:
		var v memio.Uint8
		err := memio.Read(int64(addr), &v)
		return uint64(v), err
	case Width16:
		var v memio.Uint16
		err := memio.Read(int64(addr), &v)
		return uint64(v), err
	case Width32:
		var v memio.Uint32
		err := memio.Read(int64(addr), &v)
		return uint64(v), err
	case Width64:
		var v memio.Uint64
		err := memio.Read(int64(addr), &v)
		return uint64(v), err
	}
	return 0, fmt.Errorf("%w: %d", ErrInvalidWidth, width)
}

// Write implements Bus.
func (DevMem) Write(addr uint64, width Width, value uint64) error {
	switch width {
	case Width8:
		v := memio.Uint8(value)
		return memio.Write(int64(addr), &v)
	case Width16:
		v := memio.Uint16(value)
		return memio.Write(int64(addr), &v)
	case Width32:
		v := memio.Uint32(value)
		return memio.Write(int64(addr), &v)
	case Width64:
		v := memio.Uint64(value)
		return memio.Write(int64(addr), &v)
	}
	return fmt.Errorf("%w: %d", ErrInvalidWidth, width)
}
