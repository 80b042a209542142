// Copyright 2026 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package emmc

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/linuxboot/emmchc/pkg/dma"
	"github.com/linuxboot/emmchc/pkg/log"
	"github.com/linuxboot/emmchc/pkg/mmio"
	"github.com/linuxboot/emmchc/pkg/sdhci"
)

// Host owns the host controller slots of a platform and the eMMC devices
// found behind them. Every controller has its own DMA pool.
type Host struct {
	Slots []*Slot

	controllers []*sdhci.Controller
}

// Open initializes the controller at every BAR and identifies its device.
// Slots that fail are skipped with a warning; Open only fails when no
// slot could be brought up.
func Open(bus mmio.Bus, iommu dma.IOMMU, bars []uint64, opts ...sdhci.Option) (*Host, error) {
	h := &Host{}
	var result *multierror.Error
	for _, bar := range bars {
		slot, err := h.openSlot(bus, iommu, bar, opts)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("slot %#x: %w", bar, err))
			continue
		}
		h.Slots = append(h.Slots, slot)
	}
	if len(h.Slots) == 0 {
		if result == nil {
			return nil, fmt.Errorf("%w: no host controller given", sdhci.ErrInvalidParameter)
		}
		return nil, result.ErrorOrNil()
	}
	if result != nil {
		log.Warnf("%v", result)
	}
	return h, nil
}

func (h *Host) openSlot(bus mmio.Bus, iommu dma.IOMMU, bar uint64, opts []sdhci.Option) (*Slot, error) {
	hc, err := sdhci.New(bus, bar, iommu, opts...)
	if err != nil {
		return nil, err
	}
	slot := NewSlot(hc)
	if err := slot.init(); err != nil {
		if closeErr := hc.Close(); closeErr != nil {
			err = multierror.Append(err, closeErr)
		}
		return nil, err
	}
	h.controllers = append(h.controllers, hc)
	return slot, nil
}

// init resets the controller, identifies the device and checks its
// EXT_CSD.
func (s *Slot) init() error {
	if err := s.hc.Reset(); err != nil {
		return fmt.Errorf("controller reset: %w", err)
	}
	if err := s.hc.InitHost(); err != nil {
		return err
	}
	if err := s.Identification(); err != nil {
		return err
	}
	if err := s.ExtCSD.Validate(); err != nil {
		s.log.Warnf("emmc: EXT_CSD of %s: %v", s.CID.ProductName(), err)
	}
	for _, p := range s.Partitions() {
		s.log.Debugf("emmc: %s: %s", s.CID.ProductName(), p)
	}
	return nil
}

// Close releases the DMA pools of every controller.
func (h *Host) Close() error {
	var result *multierror.Error
	for _, hc := range h.controllers {
		if err := hc.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("controller %#x: %w", hc.Bar(), err))
		}
	}
	h.controllers = nil
	h.Slots = nil
	return result.ErrorOrNil()
}
