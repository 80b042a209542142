// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dma provides the DMA-capable memory used by a host controller:
// the IOMMU service it consumes and a small-unit allocator on top of it.
package dma

import (
	"errors"
)

// PageSize is the granularity of IOMMU buffer allocations.
const PageSize = 4096

// Operation is the direction of a bus-master mapping.
type Operation uint8

const (
	// BusMasterRead means the device reads system memory (host to device).
	BusMasterRead Operation = iota
	// BusMasterWrite means the device writes system memory (device to host).
	BusMasterWrite
	// BusMasterCommonBuffer means both the host and the device access the
	// memory simultaneously.
	BusMasterCommonBuffer
)

func (op Operation) String() string {
	switch op {
	case BusMasterRead:
		return "BusMasterRead"
	case BusMasterWrite:
		return "BusMasterWrite"
	case BusMasterCommonBuffer:
		return "BusMasterCommonBuffer"
	}
	return "Operation(?)"
}

// Mapping identifies a buffer or mapping created by an IOMMU.
type Mapping uint64

var (
	// ErrOutOfResources is returned when DMA memory cannot be obtained.
	ErrOutOfResources = errors.New("dma: out of resources")

	// ErrUnknownMapping is returned when a Mapping is released twice or was
	// never created.
	ErrUnknownMapping = errors.New("dma: unknown mapping")
)

// IOMMU is the platform service that provides bus-master capable memory.
type IOMMU interface {
	// AllocateBuffer returns pages*PageSize zeroed bytes of common-buffer
	// memory together with the address the device uses to reach it.
	AllocateBuffer(pages int) (host []byte, phys uint64, m Mapping, err error)

	// FreeBuffer releases memory obtained from AllocateBuffer.
	FreeBuffer(pages int, host []byte, m Mapping) error

	// Map makes host reachable for the device. n is the number of bytes
	// actually mapped and may be smaller than len(host).
	Map(op Operation, host []byte) (phys uint64, n int, m Mapping, err error)

	// Unmap releases a mapping created by Map.
	Unmap(m Mapping) error
}

// PagesForSize returns the number of pages covering size bytes.
func PagesForSize(size int) int {
	return (size + PageSize - 1) / PageSize
}
