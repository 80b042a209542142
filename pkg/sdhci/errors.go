// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sdhci

import (
	"errors"
	"fmt"

	"github.com/linuxboot/emmchc/pkg/dma"
	"github.com/linuxboot/emmchc/pkg/mmio"
)

var (
	// ErrInvalidParameter is returned for requests rejected before any
	// register is touched.
	ErrInvalidParameter = errors.New("sdhci: invalid parameter")

	// ErrUnsupported is returned when the controller cannot do what is
	// asked, for example an unknown controller version.
	ErrUnsupported = errors.New("sdhci: unsupported")

	// ErrDevice is matched by every *DeviceError.
	ErrDevice = errors.New("sdhci: device error")

	// ErrOutOfResources is the DMA pool / IOMMU exhaustion error.
	ErrOutOfResources = dma.ErrOutOfResources

	// ErrTimeout is returned when a poll loop runs out of time.
	ErrTimeout = mmio.ErrTimeout
)

// DeviceError reports a command which completed with an error interrupt.
type DeviceError struct {
	Index     uint8
	Normal    uint16
	ErrStatus uint16
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("sdhci: CMD%d failed: normal interrupt status %#04x, error interrupt status %#04x",
		e.Index, e.Normal, e.ErrStatus)
}

// Is makes errors.Is(err, ErrDevice) true for any DeviceError.
func (e *DeviceError) Is(target error) bool {
	return target == ErrDevice
}
