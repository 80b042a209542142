// Copyright 2019 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bytes contains helpers for byte buffers and bus address ranges.
package bytes

import (
	"fmt"
	"strings"
)

// Range is a contiguous range of a bus (or buffer) address space.
type Range struct {
	Offset uint64
	Length uint64
}

func (r Range) String() string {
	return fmt.Sprintf(`{"Offset":"0x%x", "Length":"0x%x"}`, r.Offset, r.Length)
}

// End returns the first address after the range.
func (r Range) End() uint64 {
	return r.Offset + r.Length
}

// Contains returns true if the whole range "cmp" lies inside "r".
func (r Range) Contains(cmp Range) bool {
	return r.Offset <= cmp.Offset && cmp.End() <= r.End()
}

// Intersect returns True if ranges "r" and "cmp" has at least
// one byte with the same offset.
func (r Range) Intersect(cmp Range) bool {
	if r.Length == 0 || cmp.Length == 0 {
		return false
	}

	if r.End() <= cmp.Offset {
		return false
	}
	if r.Offset >= cmp.End() {
		return false
	}

	return true
}

// Exceeds returns true if any byte of the range is at or above limit.
func (r Range) Exceeds(limit uint64) bool {
	return r.Offset >= limit || r.End() > limit
}

// Split cuts the range into consecutive pieces of at most maxLength bytes.
// Only the last piece may be shorter than maxLength.
func (r Range) Split(maxLength uint64) Ranges {
	if maxLength == 0 {
		panic("bytes: Split with zero maxLength")
	}
	var result Ranges
	for offset, remaining := r.Offset, r.Length; remaining > 0; {
		length := remaining
		if length > maxLength {
			length = maxLength
		}
		result = append(result, Range{Offset: offset, Length: length})
		offset += length
		remaining -= length
	}
	return result
}

// Ranges is a helper to manipulate multiple `Range`-s at once
type Ranges []Range

func (s Ranges) String() string {
	r := make([]string, 0, len(s))
	for _, oneRange := range s {
		r = append(r, oneRange.String())
	}
	return `[` + strings.Join(r, `, `) + `]`
}

// TotalLength returns the sum of lengths of all the ranges.
func (s Ranges) TotalLength() uint64 {
	var total uint64
	for _, r := range s {
		total += r.Length
	}
	return total
}

// Find returns the index of the first range which contains "cmp" or -1.
func (s Ranges) Find(cmp Range) int {
	for idx, r := range s {
		if r.Contains(cmp) {
			return idx
		}
	}
	return -1
}
