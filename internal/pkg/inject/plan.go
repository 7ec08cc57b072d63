// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package inject

import (
	"fmt"
	"math"

	"github.com/siderolabs/pe-inject/internal/pkg/pe"
)

// Plan is the layout of a single injection.
type Plan struct {
	// SectionAddress is the virtual address of the injected section.
	SectionAddress uint32
	// Base is the virtual address the payload image starts at, inside the injected section.
	Base uint32
	// Pad is the number of bytes between the section start and Base.
	Pad uint32
	// SectionSize is Pad plus the payload length.
	SectionSize uint32

	// PayloadEntry is the payload's original entry point RVA.
	PayloadEntry uint32
	// HostEntry is the host's original entry point RVA, handed over to the payload.
	HostEntry uint32
	// EntryPoint is the new host entry point: Base + PayloadEntry.
	EntryPoint uint32
}

// Granularity returns the alignment of the injection base for a host with the given section alignment.
func Granularity(granularity, hostSectionAlignment uint32) uint32 {
	return max(granularity, hostSectionAlignment)
}

// NewPlan computes the placement of a payload of payloadSize bytes appended to a host
// whose next section would start at sectionAddress.
func NewPlan(sectionAddress uint64, hostSectionAlignment, granularity, payloadEntry uint32, payloadSize uint64) (Plan, error) {
	if err := checkGranularity(granularity); err != nil {
		return Plan{}, err
	}

	base := pe.AlignUp(sectionAddress, uint64(Granularity(granularity, hostSectionAlignment)))

	if base+payloadSize > math.MaxUint32 {
		return Plan{}, fmt.Errorf("%w: payload of 0x%x bytes at base 0x%x exceeds the 32-bit address space", ErrSectionTooLarge, payloadSize, base)
	}

	entryPoint := base + uint64(payloadEntry)
	if entryPoint > math.MaxUint32 {
		return Plan{}, fmt.Errorf("%w: relocated entry point 0x%x overflows 32 bits", ErrSectionTooLarge, entryPoint)
	}

	pad := base - sectionAddress

	return Plan{
		SectionAddress: uint32(sectionAddress),
		Base:           uint32(base),
		Pad:            uint32(pad),
		SectionSize:    uint32(pad + payloadSize),
		PayloadEntry:   payloadEntry,
		EntryPoint:     uint32(entryPoint),
	}, nil
}

// checkGranularity rejects granularities AlignUp can't honor and those below the loader's 64 KiB minimum.
func checkGranularity(granularity uint32) error {
	if granularity < DefaultGranularity || granularity&(granularity-1) != 0 {
		return fmt.Errorf("%w: 0x%x is not a power of two of at least 0x%x", ErrInvalidGranularity, granularity, DefaultGranularity)
	}

	return nil
}
