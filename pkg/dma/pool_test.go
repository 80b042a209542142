// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/linuxboot/emmchc/pkg/bytes"
)

func newTestPool(t *testing.T) (*Pool, *Memory) {
	Debug = t.Logf
	mem := NewMemory(0x1000_0000)
	pool, err := NewPool(mem)
	require.NoError(t, err)
	return pool, mem
}

func TestNewPool(t *testing.T) {
	t.Run("head_block", func(t *testing.T) {
		pool, mem := newTestPool(t)
		s := pool.Stats()
		require.Equal(t, 1, s.Blocks)
		require.Equal(t, DefaultBlockPages, s.Pages)
		require.Equal(t, DefaultBlockPages*PageSize/UnitSize, s.TotalUnits)
		require.Zero(t, s.UsedUnits)

		require.NoError(t, pool.Close())
		_, buffers := mem.Outstanding()
		require.Zero(t, buffers)
	})
	t.Run("allocation_failure", func(t *testing.T) {
		mem := NewMemory(0x1000)
		mem.AllocErr = errors.New("no pages")
		_, err := NewPool(mem)
		require.ErrorIs(t, err, ErrOutOfResources)
	})
}

func TestAllocateRounding(t *testing.T) {
	pool, _ := newTestPool(t)
	defer pool.Close()

	for _, size := range []int{1, 127, 128, 129, 512, 1000, 4096, 4097} {
		t.Run(fmt.Sprintf("size_%d", size), func(t *testing.T) {
			c, err := pool.Allocate(size)
			require.NoError(t, err)
			want := (size + UnitSize - 1) / UnitSize * UnitSize
			require.Len(t, c.Data, want)
			require.True(t, bytes.IsZeroFilled(c.Data))
			require.Zero(t, c.Phys%UnitSize)
			require.NoError(t, pool.Free(c))
		})
	}
	require.Zero(t, pool.Stats().UsedUnits)
}

func TestAllocateInvalidSize(t *testing.T) {
	pool, _ := newTestPool(t)
	defer pool.Close()
	_, err := pool.Allocate(0)
	require.Error(t, err)
}

func TestAllocateFirstFit(t *testing.T) {
	pool, _ := newTestPool(t)
	defer pool.Close()

	a, err := pool.Allocate(UnitSize)
	require.NoError(t, err)
	b, err := pool.Allocate(2 * UnitSize)
	require.NoError(t, err)
	c, err := pool.Allocate(UnitSize)
	require.NoError(t, err)
	require.Equal(t, a.Phys+UnitSize, b.Phys)
	require.Equal(t, b.Phys+2*UnitSize, c.Phys)

	require.NoError(t, pool.Free(b))

	// a one unit request reuses the hole left by b
	d, err := pool.Allocate(UnitSize)
	require.NoError(t, err)
	require.Equal(t, b.Phys, d.Phys)

	// a three unit request does not fit the remaining one unit hole
	e, err := pool.Allocate(3 * UnitSize)
	require.NoError(t, err)
	require.Equal(t, c.Phys+UnitSize, e.Phys)
}

func TestAllocateGrowsAndShrinks(t *testing.T) {
	pool, mem := newTestPool(t)
	defer pool.Close()

	headBytes := DefaultBlockPages * PageSize
	big, err := pool.Allocate(headBytes)
	require.NoError(t, err)
	require.Equal(t, 1, pool.Stats().Blocks)

	// the head is full, a new default sized block is added
	small, err := pool.Allocate(300)
	require.NoError(t, err)
	s := pool.Stats()
	require.Equal(t, 2, s.Blocks)
	require.Equal(t, 2*DefaultBlockPages, s.Pages)

	// a request larger than the default block gets its own bigger block
	huge, err := pool.Allocate(headBytes + 1)
	require.NoError(t, err)
	s = pool.Stats()
	require.Equal(t, 3, s.Blocks)
	require.Equal(t, 2*DefaultBlockPages+DefaultBlockPages+1, s.Pages)
	_, buffers := mem.Outstanding()
	require.Equal(t, 3, buffers)

	require.NoError(t, pool.Free(huge))
	require.NoError(t, pool.Free(small))
	require.NoError(t, pool.Free(big))

	// only the head survives
	s = pool.Stats()
	require.Equal(t, 1, s.Blocks)
	require.Zero(t, s.UsedUnits)
	_, buffers = mem.Outstanding()
	require.Equal(t, 1, buffers)
}

func TestAllocateNewBlockFailure(t *testing.T) {
	pool, mem := newTestPool(t)
	defer pool.Close()

	_, err := pool.Allocate(DefaultBlockPages * PageSize)
	require.NoError(t, err)

	mem.AllocErr = errors.New("exhausted")
	_, err = pool.Allocate(1)
	require.ErrorIs(t, err, ErrOutOfResources)
	require.Equal(t, 1, pool.Stats().Blocks)
}

func TestFreeConservation(t *testing.T) {
	pool, _ := newTestPool(t)
	defer pool.Close()

	var chunks []Chunk
	for i := 0; i < 200; i++ {
		c, err := pool.Allocate(100 + i*37)
		require.NoError(t, err)
		chunks = append(chunks, c)
	}
	require.Greater(t, pool.Stats().Blocks, 1)

	// free in an interleaved order
	for i := 0; i < len(chunks); i += 2 {
		require.NoError(t, pool.Free(chunks[i]))
	}
	for i := 1; i < len(chunks); i += 2 {
		require.NoError(t, pool.Free(chunks[i]))
	}

	s := pool.Stats()
	require.Equal(t, 1, s.Blocks)
	require.Zero(t, s.UsedUnits)
}

func TestFreeNoStaleData(t *testing.T) {
	pool, _ := newTestPool(t)
	defer pool.Close()

	c, err := pool.Allocate(1000)
	require.NoError(t, err)
	for i := range c.Data {
		c.Data[i] = 0xa5
	}
	require.NoError(t, pool.Free(c))

	again, err := pool.Allocate(1000)
	require.NoError(t, err)
	require.Equal(t, c.Phys, again.Phys)
	require.True(t, bytes.IsZeroFilled(again.Data))
}

func TestFreeForeignPanics(t *testing.T) {
	pool, _ := newTestPool(t)
	defer pool.Close()

	require.Panics(t, func() {
		_ = pool.Free(Chunk{Data: make([]byte, UnitSize), Phys: 0x10})
	})

	c, err := pool.Allocate(1)
	require.NoError(t, err)
	require.NoError(t, pool.Free(c))
	require.Panics(t, func() {
		_ = pool.Free(c)
	})
}
