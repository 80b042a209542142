// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/linuxboot/emmchc/pkg/bytes"
)

const (
	// UnitSize is the allocation granularity of a Pool.
	UnitSize = 128

	// DefaultBlockPages is the size of the head block and the minimal size
	// of any block added later.
	DefaultBlockPages = 16
)

// Debug is called with internal pool events; tests set it to t.Logf.
var Debug = func(format string, v ...interface{}) {}

// Chunk is a piece of pool memory. Data spans the whole rounded-up
// allocation and Phys is the bus address of Data[0].
type Chunk struct {
	Data []byte
	Phys uint64
}

// Range returns the bus address range covered by the chunk.
func (c Chunk) Range() bytes.Range {
	return bytes.Range{Offset: c.Phys, Length: uint64(len(c.Data))}
}

type memBlock struct {
	buf     []byte
	bus     bytes.Range
	mapping Mapping
	pages   int
	// one bit per UnitSize bytes of buf, set when in use
	bits bytes.Bitmap
}

func (b *memBlock) units() int {
	return len(b.buf) / UnitSize
}

// Pool carves UnitSize pieces out of IOMMU buffers. blocks[0] is the head
// block, which lives as long as the pool. The pool is not safe for
// concurrent use; every host controller owns its own pool.
type Pool struct {
	iommu  IOMMU
	blocks []*memBlock
}

// Stats describes the pool occupancy.
type Stats struct {
	Blocks     int
	Pages      int
	UsedUnits  int
	TotalUnits int
}

// RoundSize rounds size up to a multiple of UnitSize.
func RoundSize(size int) int {
	return (size + UnitSize - 1) / UnitSize * UnitSize
}

// NewPool creates a pool with a single head block of DefaultBlockPages.
func NewPool(iommu IOMMU) (*Pool, error) {
	head, err := allocMemBlock(iommu, DefaultBlockPages)
	if err != nil {
		return nil, fmt.Errorf("unable to allocate the pool head block: %w", err)
	}
	return &Pool{iommu: iommu, blocks: []*memBlock{head}}, nil
}

func allocMemBlock(iommu IOMMU, pages int) (*memBlock, error) {
	host, phys, mapping, err := iommu.AllocateBuffer(pages)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfResources, err)
	}
	if len(host) != pages*PageSize {
		_ = iommu.FreeBuffer(pages, host, mapping)
		return nil, fmt.Errorf("%w: got %d bytes for %d pages", ErrOutOfResources, len(host), pages)
	}
	clear(host)
	b := &memBlock{
		buf:     host,
		bus:     bytes.Range{Offset: phys, Length: uint64(len(host))},
		mapping: mapping,
		pages:   pages,
		bits:    bytes.NewBitmap(pages * PageSize / UnitSize),
	}
	Debug("dma: new block of %d pages at %#x", pages, phys)
	return b, nil
}

func (p *Pool) freeMemBlock(b *memBlock) error {
	Debug("dma: releasing block of %d pages at %#x", b.pages, b.bus.Offset)
	return p.iommu.FreeBuffer(b.pages, b.buf, b.mapping)
}

// allocFromBlock returns the first unit of a free run of units or -1.
func allocFromBlock(b *memBlock, units int) int {
	start := b.bits.FindClear(units, b.units())
	if start >= 0 {
		b.bits.FlipRange(start, units)
	}
	return start
}

func (b *memBlock) chunk(unit, size int) Chunk {
	offset := unit * UnitSize
	data := b.buf[offset : offset+size : offset+size]
	clear(data)
	return Chunk{Data: data, Phys: b.bus.Offset + uint64(offset)}
}

// Allocate returns size bytes, rounded up to UnitSize, of zeroed memory.
// A new block is added after the head when no block has room.
func (p *Pool) Allocate(size int) (Chunk, error) {
	if size <= 0 {
		return Chunk{}, fmt.Errorf("dma: invalid allocation size %d", size)
	}
	allocSize := RoundSize(size)
	units := allocSize / UnitSize

	for _, b := range p.blocks {
		if unit := allocFromBlock(b, units); unit >= 0 {
			return b.chunk(unit, allocSize), nil
		}
	}

	pages := DefaultBlockPages
	if allocSize > DefaultBlockPages*PageSize {
		pages = PagesForSize(allocSize)
	}
	b, err := allocMemBlock(p.iommu, pages)
	if err != nil {
		return Chunk{}, err
	}
	// newest blocks are scanned right after the head
	p.blocks = append(p.blocks, nil)
	copy(p.blocks[2:], p.blocks[1:])
	p.blocks[1] = b

	unit := allocFromBlock(b, units)
	if unit < 0 {
		return Chunk{}, fmt.Errorf("%w: fresh block cannot hold %d bytes", ErrOutOfResources, allocSize)
	}
	return b.chunk(unit, allocSize), nil
}

// Free returns a chunk to the pool. A non-head block left empty is
// released. Freeing memory which does not belong to the pool, or freeing it
// twice, panics.
func (p *Pool) Free(c Chunk) error {
	allocSize := RoundSize(len(c.Data))
	want := bytes.Range{Offset: c.Phys, Length: uint64(allocSize)}

	idx := -1
	for i, b := range p.blocks {
		if b.bus.Contains(want) {
			idx = i
			break
		}
	}
	if idx < 0 {
		panic(fmt.Sprintf("dma: freeing %s which is not in the pool", want))
	}

	b := p.blocks[idx]
	first := int(c.Phys-b.bus.Offset) / UnitSize
	for unit := first; unit < first+allocSize/UnitSize; unit++ {
		if !b.bits.IsSet(unit) {
			panic(fmt.Sprintf("dma: unit %d of block %#x freed twice", unit, b.bus.Offset))
		}
		b.bits.Flip(unit)
	}

	if idx == 0 || !b.bits.IsZero() {
		return nil
	}
	p.blocks = append(p.blocks[:idx], p.blocks[idx+1:]...)
	return p.freeMemBlock(b)
}

// Close releases every block, the head block last.
func (p *Pool) Close() error {
	var result *multierror.Error
	for i := len(p.blocks) - 1; i >= 0; i-- {
		if err := p.freeMemBlock(p.blocks[i]); err != nil {
			result = multierror.Append(result, err)
		}
	}
	p.blocks = nil
	return result.ErrorOrNil()
}

// Stats returns the current occupancy of the pool.
func (p *Pool) Stats() Stats {
	var s Stats
	for _, b := range p.blocks {
		s.Blocks++
		s.Pages += b.pages
		s.TotalUnits += b.units()
		s.UsedUnits += b.bits.Count()
	}
	return s
}
