// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package emmc

import (
	"fmt"
	"time"

	"github.com/linuxboot/emmchc/pkg/mmc"
)

// SEND_OP_COND polling.
const (
	OcrPollInterval = 10 * time.Millisecond
	OcrPollAttempts = 100
)

// waitPowerUp repeats SEND_OP_COND until the device reports the end of its
// power up sequence and returns the final OCR.
func (s *Slot) waitPowerUp() (uint32, error) {
	var ocr uint32
	for polls := 1; ; polls++ {
		var err error
		ocr, err = s.GetOcr(ocr)
		if err != nil {
			return 0, err
		}
		if ocr&mmc.OcrBusy != 0 {
			Debug("emmc: OCR %#08x after %d polls", ocr, polls)
			return ocr, nil
		}
		if polls == OcrPollAttempts {
			return 0, fmt.Errorf("%w: OCR %#08x after %d polls", ErrDeviceBusy, ocr, polls)
		}
		// the host supports sector addressing
		ocr |= mmc.OcrSectorMode
		s.hc.Clock().Stall(OcrPollInterval)
	}
}

// Identification brings a freshly powered device to the transfer state on
// the fastest bus mode available. The device gets DefaultRCA.
func (s *Slot) Identification() error {
	if err := s.Reset(); err != nil {
		return fmt.Errorf("GO_IDLE_STATE: %w", err)
	}
	if _, err := s.waitPowerUp(); err != nil {
		return fmt.Errorf("SEND_OP_COND: %w", err)
	}
	cid, err := s.GetAllCid()
	if err != nil {
		return fmt.Errorf("ALL_SEND_CID: %w", err)
	}
	s.CID = cid
	if err := s.SetRca(DefaultRCA); err != nil {
		return fmt.Errorf("SET_RELATIVE_ADDR: %w", err)
	}
	s.RCA = DefaultRCA
	s.log.Debugf("emmc: %s rev %s serial %#08x at RCA %d",
		cid.ProductName(), cid.Revision(), cid.SerialNumber(), s.RCA)
	return s.SetBusMode(s.RCA)
}
