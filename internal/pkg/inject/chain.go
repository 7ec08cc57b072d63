// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package inject

import (
	"encoding/binary"
	"fmt"

	"github.com/siderolabs/pe-inject/internal/pkg/pe"
)

// ChainEntryFieldOffset is the offset, relative to the start of the embedded payload's
// optional header, of the field which carries the host's original entry point.
//
// The injector overwrites the payload's own AddressOfEntryPoint with the host entry point
// before embedding it. At runtime the payload reads this field from its own headers
// (image base + e_lfanew + 4 + 20 + ChainEntryFieldOffset) and jumps there when it is done.
const ChainEntryFieldOffset = pe.EntryPointFieldOffset

// ChainEntry reads the chain-back entry point from an embedded payload image,
// using the same raw header walk as the payload runtime.
func ChainEntry(payload []byte) (uint32, error) {
	if len(payload) < 0x40 {
		return 0, fmt.Errorf("%w: payload too short", pe.ErrMalformedImage)
	}

	lfanew := uint64(binary.LittleEndian.Uint32(payload[0x3c:]))
	offset := lfanew + 4 + 20 + ChainEntryFieldOffset

	if offset+4 > uint64(len(payload)) {
		return 0, fmt.Errorf("%w: chain entry field at 0x%x is out of bounds", pe.ErrMalformedImage, offset)
	}

	return binary.LittleEndian.Uint32(payload[offset:]), nil
}

// Extract returns the payload image embedded into an injected image.
//
// The returned bytes start at the injection base and span the payload as it was written.
// If the image was injected more than once, the most recent payload is returned.
func Extract(image []byte, opts Options) ([]byte, Plan, error) {
	opts = opts.withDefaults()

	if err := checkGranularity(opts.Granularity); err != nil {
		return nil, Plan{}, err
	}

	img, err := pe.Parse(image)
	if err != nil {
		return nil, Plan{}, err
	}

	section, ok := lastSection(img, opts.SectionName)
	if !ok {
		return nil, Plan{}, fmt.Errorf("section %q not found", opts.SectionName)
	}

	base := pe.AlignUp(section.VirtualAddress, Granularity(opts.Granularity, img.SectionAlignment()))
	pad := base - section.VirtualAddress

	if pad > section.VirtualSize || section.VirtualSize > section.SizeOfRawData {
		return nil, Plan{}, fmt.Errorf("%w: section %q doesn't match the injection layout", pe.ErrMalformedImage, opts.SectionName)
	}

	data := img.SectionData(section)[pad:section.VirtualSize]

	hostEntry, err := ChainEntry(data)
	if err != nil {
		return nil, Plan{}, err
	}

	entry := img.EntryPoint()

	var payloadEntry uint32

	if entry >= base {
		payloadEntry = entry - base
	}

	return data, Plan{
		SectionAddress: section.VirtualAddress,
		Base:           base,
		Pad:            pad,
		SectionSize:    section.VirtualSize,
		PayloadEntry:   payloadEntry,
		HostEntry:      hostEntry,
		EntryPoint:     entry,
	}, nil
}

// lastSection returns the last section named name, which is the one the host entry point leads to.
func lastSection(img *pe.Image, name string) (pe.Section, bool) {
	var (
		found pe.Section
		ok    bool
	)

	for _, section := range img.Sections() {
		if section.Name == name {
			found, ok = section, true
		}
	}

	return found, ok
}
