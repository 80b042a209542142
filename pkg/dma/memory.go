// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"fmt"
	"sync"

	"github.com/linuxboot/emmchc/pkg/bytes"
)

// Memory is a software IOMMU. It hands out page aligned bus addresses
// starting at a configurable base and lets a simulated bus master resolve
// them back to host memory through Access.
//
// The fault fields are meant for tests and are read on every call.
type Memory struct {
	mu      sync.Mutex
	next    uint64
	regions []*region
	lastID  Mapping

	// AllocErr, if set, is returned by AllocateBuffer.
	AllocErr error
	// MapErr, if set, is returned by Map.
	MapErr error
	// MapShort makes Map report this many bytes less than requested.
	MapShort int
}

type region struct {
	id     Mapping
	bus    bytes.Range
	host   []byte
	op     Operation
	common bool
}

var _ IOMMU = (*Memory)(nil)

// NewMemory returns a Memory whose first bus address is base rounded up to
// a page boundary.
func NewMemory(base uint64) *Memory {
	m := &Memory{}
	m.SetBase(base)
	return m
}

// SetBase moves the bus address used by the next allocation or mapping.
func (m *Memory) SetBase(base uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next = alignPage(base)
}

func alignPage(v uint64) uint64 {
	return (v + PageSize - 1) &^ (PageSize - 1)
}

// insert must be called with m.mu held.
func (m *Memory) insert(host []byte, op Operation, common bool) *region {
	m.lastID++
	r := &region{
		id:     m.lastID,
		bus:    bytes.Range{Offset: m.next, Length: uint64(len(host))},
		host:   host,
		op:     op,
		common: common,
	}
	m.regions = append(m.regions, r)
	// leave a guard page between regions
	m.next = alignPage(r.bus.End()) + PageSize
	return r
}

// remove must be called with m.mu held.
func (m *Memory) remove(id Mapping, common bool) (*region, error) {
	for idx, r := range m.regions {
		if r.id != id || r.common != common {
			continue
		}
		m.regions = append(m.regions[:idx], m.regions[idx+1:]...)
		return r, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownMapping, id)
}

// AllocateBuffer implements IOMMU.
func (m *Memory) AllocateBuffer(pages int) ([]byte, uint64, Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AllocErr != nil {
		return nil, 0, 0, m.AllocErr
	}
	if pages <= 0 {
		return nil, 0, 0, fmt.Errorf("%w: %d pages", ErrOutOfResources, pages)
	}
	r := m.insert(make([]byte, pages*PageSize), BusMasterCommonBuffer, true)
	return r.host, r.bus.Offset, r.id, nil
}

// FreeBuffer implements IOMMU.
func (m *Memory) FreeBuffer(pages int, host []byte, id Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.remove(id, true)
	if err != nil {
		return err
	}
	if len(r.host) != pages*PageSize {
		return fmt.Errorf("dma: freeing %d pages of a %d pages buffer", pages, len(r.host)/PageSize)
	}
	return nil
}

// Map implements IOMMU. The device accesses the caller's buffer directly,
// there is no bounce buffer.
func (m *Memory) Map(op Operation, host []byte) (uint64, int, Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MapErr != nil {
		return 0, 0, 0, m.MapErr
	}
	n := len(host) - m.MapShort
	if n < 0 {
		n = 0
	}
	r := m.insert(host[:n], op, false)
	return r.bus.Offset, n, r.id, nil
}

// Unmap implements IOMMU.
func (m *Memory) Unmap(id Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.remove(id, false)
	return err
}

// Access returns the host memory behind bus addresses [phys, phys+n).
// The range must lie inside a single buffer or mapping.
func (m *Memory) Access(phys uint64, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := bytes.Range{Offset: phys, Length: uint64(n)}
	for _, r := range m.regions {
		if r.bus.Contains(want) {
			start := phys - r.bus.Offset
			return r.host[start : start+uint64(n)], nil
		}
	}
	return nil, fmt.Errorf("dma: bus access to unmapped range %s", want)
}

// Outstanding returns the number of live mappings and live buffers.
func (m *Memory) Outstanding() (mappings, buffers int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regions {
		if r.common {
			buffers++
		} else {
			mappings++
		}
	}
	return mappings, buffers
}
