// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sdhci

import (
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/require"

	"github.com/linuxboot/emmchc/pkg/mmc"
)

func TestPacketValidate(t *testing.T) {
	for name, tc := range map[string]struct {
		p     Packet
		nerrs int
	}{
		"go_idle":          {Packet{Index: mmc.GoIdleState, Type: mmc.Bc}, 0},
		"send_ext_csd":     {Packet{Index: mmc.SendExtCsd, Type: mmc.Adtc, Response: mmc.R1, In: make([]byte, 512)}, 0},
		"write_blocks":     {Packet{Index: mmc.WriteMultipleBlock, Type: mmc.Adtc, Response: mmc.R1, Out: make([]byte, 4096)}, 0},
		"both_buffers":     {Packet{Index: mmc.ReadMultipleBlock, Type: mmc.Adtc, Response: mmc.R1, In: make([]byte, 512), Out: make([]byte, 512)}, 1},
		"adtc_no_buffer":   {Packet{Index: mmc.SendExtCsd, Type: mmc.Adtc, Response: mmc.R1}, 1},
		"ac_with_buffer":   {Packet{Index: mmc.SendStatus, Type: mmc.Ac, Response: mmc.R1, In: make([]byte, 4)}, 1},
		"partial_block":    {Packet{Index: mmc.ReadMultipleBlock, Type: mmc.Adtc, Response: mmc.R1, In: make([]byte, 700)}, 1},
		"bc_with_response": {Packet{Index: mmc.GoIdleState, Type: mmc.Bc, Response: mmc.R1}, 1},
		"no_response":      {Packet{Index: mmc.SendStatus, Type: mmc.Ac}, 1},
		"everything_wrong": {Packet{Index: 64, Type: mmc.Ac, In: make([]byte, 700), Timeout: -1}, 5},
	} {
		t.Run(name, func(t *testing.T) {
			err := tc.p.Validate()
			if tc.nerrs == 0 {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			merr, ok := err.(*multierror.Error)
			require.True(t, ok)
			require.Len(t, merr.Errors, tc.nerrs, err.Error())
		})
	}
}

func TestPacketTooManyBlocks(t *testing.T) {
	p := Packet{
		Index:    mmc.ReadMultipleBlock,
		Type:     mmc.Adtc,
		Response: mmc.R1,
		In:       make([]byte, (mmc.MaxBlocksPerCommand+1)*mmc.DefaultBlockSize),
	}
	require.Error(t, p.Validate())
	p.In = p.In[:mmc.MaxBlocksPerCommand*mmc.DefaultBlockSize]
	require.NoError(t, p.Validate())
}
