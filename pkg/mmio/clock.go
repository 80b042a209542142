// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mmio

import (
	"errors"
	"sync"
	"time"
)

// PollInterval is the stall between two checks of a polled condition.
const PollInterval = time.Microsecond

// Clock provides the monotonic time and the delay primitive used by every
// poll loop.
type Clock interface {
	Now() time.Time
	Stall(d time.Duration)
}

// SystemClock is the Clock backed by the Go runtime.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// Stall implements Clock.
func (SystemClock) Stall(d time.Duration) {
	time.Sleep(d)
}

// ManualClock is a Clock which only moves when stalled. Every Stall call
// advances the time by exactly the requested duration, which makes the
// number of polls of a loop deterministic.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	stalls int
}

// NewManualClock returns a ManualClock starting at an arbitrary fixed time.
func NewManualClock() *ManualClock {
	return &ManualClock{now: time.Unix(0, 0)}
}

// Now implements Clock.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Stall implements Clock.
func (c *ManualClock) Stall(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.stalls++
}

// Stalls returns how many times Stall was called.
func (c *ManualClock) Stalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stalls
}

// Elapsed returns the time advanced since the clock was created.
func (c *ManualClock) Elapsed() time.Duration {
	return c.Now().Sub(time.Unix(0, 0))
}

// Poll calls check until it returns anything but ErrNotReady, stalling
// PollInterval between calls. With a non-zero timeout it gives up with
// ErrTimeout once the deadline has passed; a zero timeout never expires.
func Poll(clk Clock, timeout time.Duration, check func() error) error {
	var deadline time.Time
	if timeout != 0 {
		deadline = clk.Now().Add(timeout)
	}
	for {
		err := check()
		if !errors.Is(err, ErrNotReady) {
			return err
		}
		if timeout != 0 && !clk.Now().Before(deadline) {
			return ErrTimeout
		}
		clk.Stall(PollInterval)
	}
}
