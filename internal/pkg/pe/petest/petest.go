// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package petest builds small synthetic PE images for tests.
package petest

import (
	"encoding/binary"
)

// Machine types.
const (
	MachineAMD64 uint16 = 0x8664
	MachineI386  uint16 = 0x14c
)

// Section describes a section of the generated image.
type Section struct {
	Name string
	Data []byte

	// VirtualSize defaults to len(Data).
	VirtualSize     uint32
	Characteristics uint32
}

// Options describes the generated image.
type Options struct {
	// PE32 generates a 32-bit image, PE32+ otherwise.
	PE32    bool
	Machine uint16

	EntryPoint uint32
	ImageBase  uint64

	// FileAlignment defaults to 0x200, SectionAlignment to 0x1000.
	FileAlignment    uint32
	SectionAlignment uint32

	// Lfanew is the offset of the PE signature, defaults to 0x80.
	Lfanew uint32

	// RawGap is the number of file bytes left between the headers and the first section.
	RawGap uint32

	Sections []Section

	// Overlay is appended after the last section.
	Overlay []byte
	// Certificate is appended at the end of the file and referenced by the security directory.
	Certificate []byte
}

// Layout describes where Build placed things.
type Layout struct {
	SizeOfHeaders      uint32
	SizeOfImage        uint32
	SectionTableOffset uint32
	EntryPointOffset   uint32
	CertificateOffset  uint32
}

var le = binary.LittleEndian

func alignUp(v, alignment uint32) uint32 {
	return (v + alignment - 1) &^ (alignment - 1)
}

// Build generates the image.
func Build(opts Options) []byte {
	data, _ := BuildWithLayout(opts)

	return data
}

// BuildWithLayout generates the image and returns its layout.
//
//nolint:gocyclo
func BuildWithLayout(opts Options) ([]byte, Layout) {
	if opts.FileAlignment == 0 {
		opts.FileAlignment = 0x200
	}

	if opts.SectionAlignment == 0 {
		opts.SectionAlignment = 0x1000
	}

	if opts.Lfanew == 0 {
		opts.Lfanew = 0x80
	}

	if opts.Machine == 0 {
		opts.Machine = MachineAMD64

		if opts.PE32 {
			opts.Machine = MachineI386
		}
	}

	if opts.ImageBase == 0 {
		opts.ImageBase = 0x10000000
	}

	optionalHeaderSize := uint32(240)
	if opts.PE32 {
		optionalHeaderSize = 224
	}

	var layout Layout

	optionalHeaderOffset := opts.Lfanew + 4 + 20
	layout.SectionTableOffset = optionalHeaderOffset + optionalHeaderSize
	layout.EntryPointOffset = optionalHeaderOffset + 16

	tableEnd := layout.SectionTableOffset + uint32(len(opts.Sections))*40
	layout.SizeOfHeaders = alignUp(tableEnd, opts.FileAlignment)

	raw := layout.SizeOfHeaders + alignUp(opts.RawGap, opts.FileAlignment)
	va := alignUp(layout.SizeOfHeaders, opts.SectionAlignment)

	type placed struct {
		Section

		va, ptr, rawSize uint32
	}

	sections := make([]placed, 0, len(opts.Sections))

	for _, section := range opts.Sections {
		if section.VirtualSize == 0 {
			section.VirtualSize = uint32(len(section.Data))
		}

		p := placed{
			Section: section,
			va:      va,
			rawSize: alignUp(uint32(len(section.Data)), opts.FileAlignment),
		}

		if p.rawSize > 0 {
			p.ptr = raw
		}

		raw += p.rawSize
		va += alignUp(max(section.VirtualSize, 1), opts.SectionAlignment)

		sections = append(sections, p)
	}

	layout.SizeOfImage = va

	data := make([]byte, raw, int(raw)+len(opts.Overlay)+len(opts.Certificate)+8)
	data = append(data, opts.Overlay...)

	if len(opts.Certificate) > 0 {
		for len(data)%8 != 0 {
			data = append(data, 0)
		}

		layout.CertificateOffset = uint32(len(data))
		data = append(data, opts.Certificate...)
	}

	// DOS header
	data[0], data[1] = 'M', 'Z'
	le.PutUint32(data[0x3c:], opts.Lfanew)

	// PE signature and COFF file header
	copy(data[opts.Lfanew:], "PE\x00\x00")

	fh := data[opts.Lfanew+4:]
	le.PutUint16(fh[0:], opts.Machine)
	le.PutUint16(fh[2:], uint16(len(sections)))
	le.PutUint16(fh[16:], uint16(optionalHeaderSize))

	if opts.PE32 {
		le.PutUint16(fh[18:], 0x0102)
	} else {
		le.PutUint16(fh[18:], 0x0022)
	}

	// optional header
	oh := data[optionalHeaderOffset:]

	if opts.PE32 {
		le.PutUint16(oh[0:], 0x10b)
		le.PutUint32(oh[28:], uint32(opts.ImageBase))
		le.PutUint32(oh[92:], 16)
	} else {
		le.PutUint16(oh[0:], 0x20b)
		le.PutUint64(oh[24:], opts.ImageBase)
		le.PutUint32(oh[108:], 16)
	}

	le.PutUint32(oh[16:], opts.EntryPoint)
	le.PutUint32(oh[32:], opts.SectionAlignment)
	le.PutUint32(oh[36:], opts.FileAlignment)
	le.PutUint32(oh[56:], layout.SizeOfImage)
	le.PutUint32(oh[60:], layout.SizeOfHeaders)
	le.PutUint16(oh[68:], 10) // EFI application

	if len(opts.Certificate) > 0 {
		dirs := oh[112:]
		if opts.PE32 {
			dirs = oh[96:]
		}

		le.PutUint32(dirs[4*8:], layout.CertificateOffset)
		le.PutUint32(dirs[4*8+4:], uint32(len(opts.Certificate)))
	}

	// section table and raw data
	for i, section := range sections {
		sh := data[layout.SectionTableOffset+uint32(i)*40:]

		copy(sh[0:8], section.Name)
		le.PutUint32(sh[8:], section.VirtualSize)
		le.PutUint32(sh[12:], section.va)
		le.PutUint32(sh[16:], section.rawSize)
		le.PutUint32(sh[20:], section.ptr)
		le.PutUint32(sh[36:], section.Characteristics)

		copy(data[section.ptr:], section.Data)
	}

	return data, layout
}

// Fill returns n bytes of a repeating pattern derived from seed.
func Fill(n int, seed byte) []byte {
	data := make([]byte, n)

	for i := range data {
		data[i] = seed + byte(i*7)
	}

	return data
}
