// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bytes

import (
	"math/bits"
)

// IsZeroFilled returns true if b consists of zeros only.
func IsZeroFilled(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// Bitmap is a set of bits, bit i being bit i%8 of byte i/8.
type Bitmap []byte

// NewBitmap returns a cleared bitmap holding at least n bits.
func NewBitmap(n int) Bitmap {
	return make(Bitmap, (n+7)/8)
}

// IsSet reports whether bit i is set.
func (b Bitmap) IsSet(i int) bool {
	return b[i/8]&(1<<(i%8)) != 0
}

// Flip inverts bit i.
func (b Bitmap) Flip(i int) {
	b[i/8] ^= 1 << (i % 8)
}

// FlipRange inverts bits [start, start+n).
func (b Bitmap) FlipRange(start, n int) {
	for i := start; i < start+n; i++ {
		b.Flip(i)
	}
}

// Count returns the number of set bits.
func (b Bitmap) Count() int {
	count := 0
	for _, v := range b {
		count += bits.OnesCount8(v)
	}
	return count
}

// IsZero reports whether no bit is set.
func (b Bitmap) IsZero() bool {
	return IsZeroFilled(b)
}

// FindClear returns the first bit of the lowest run of n clear bits
// among the first limit bits, or -1.
func (b Bitmap) FindClear(n, limit int) int {
	start, count := 0, 0
	for i := 0; i < limit; i++ {
		if b.IsSet(i) {
			start, count = i+1, 0
			continue
		}
		count++
		if count == n {
			return start
		}
	}
	return -1
}
