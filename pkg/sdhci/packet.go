// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sdhci

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/linuxboot/emmchc/pkg/mmc"
)

// Packet describes one command and its optional data phase.
type Packet struct {
	Index    uint8
	Type     mmc.CommandType
	Response mmc.ResponseType
	Argument uint32

	// In receives the data read from the device, Out holds the data
	// written to it. At most one of them may be set.
	In  []byte
	Out []byte

	// Timeout bounds each wait of the command. Zero waits forever.
	Timeout time.Duration

	// Status holds the response registers once the command succeeded.
	Status [4]uint32
}

// DataLength returns the length of the data phase.
func (p *Packet) DataLength() int {
	return len(p.In) + len(p.Out)
}

func (p *Packet) String() string {
	return fmt.Sprintf("CMD%d(%s %s arg=%#08x in=%d out=%d)",
		p.Index, p.Type, p.Response, p.Argument, len(p.In), len(p.Out))
}

// Validate reports every inconsistency of the packet.
func (p *Packet) Validate() error {
	var result *multierror.Error
	if p.Index > 63 {
		result = multierror.Append(result, fmt.Errorf("command index %d does not fit in 6 bits", p.Index))
	}
	if len(p.In) > 0 && len(p.Out) > 0 {
		result = multierror.Append(result, fmt.Errorf("both input and output buffers are set"))
	}
	n := p.DataLength()
	switch {
	case p.Type == mmc.Adtc && n == 0:
		result = multierror.Append(result, fmt.Errorf("%s command without a data buffer", p.Type))
	case p.Type != mmc.Adtc && n != 0:
		result = multierror.Append(result, fmt.Errorf("%s command with a %d bytes data buffer", p.Type, n))
	}
	if n > mmc.DefaultBlockSize {
		if n%mmc.DefaultBlockSize != 0 {
			result = multierror.Append(result, fmt.Errorf("data length %d is not a multiple of %d", n, mmc.DefaultBlockSize))
		}
		if n/mmc.DefaultBlockSize > mmc.MaxBlocksPerCommand {
			result = multierror.Append(result, fmt.Errorf("%d blocks exceed the block count register", n/mmc.DefaultBlockSize))
		}
	}
	switch {
	case p.Type == mmc.Bc && p.Response != 0:
		result = multierror.Append(result, fmt.Errorf("broadcast command with response %s", p.Response))
	case p.Type != mmc.Bc && (p.Response < mmc.R1 || p.Response > mmc.R7):
		result = multierror.Append(result, fmt.Errorf("%s command with unknown response type %d", p.Type, p.Response))
	}
	if p.Timeout < 0 {
		result = multierror.Append(result, fmt.Errorf("negative timeout %v", p.Timeout))
	}
	return result.ErrorOrNil()
}
