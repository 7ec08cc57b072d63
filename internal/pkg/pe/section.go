// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pe

import (
	"bytes"
	"fmt"
	"math"
)

// Section characteristics.
const (
	SectionCntCode     uint32 = 0x00000020
	SectionCntInitData uint32 = 0x00000040
	SectionMemExecute  uint32 = 0x20000000
	SectionMemRead     uint32 = 0x40000000
	SectionMemWrite    uint32 = 0x80000000
)

// MaxSectionNameLength is the size of the name field of a section descriptor.
const MaxSectionNameLength = 8

// Field offsets inside a section descriptor.
const (
	shName             = 0
	shVirtualSize      = 8
	shVirtualAddress   = 12
	shSizeOfRawData    = 16
	shPointerToRawData = 20
	shCharacteristics  = 36
)

// Section is a section descriptor.
type Section struct {
	Name             string
	VirtualSize      uint32
	VirtualAddress   uint32
	SizeOfRawData    uint32
	PointerToRawData uint32
	Characteristics  uint32
}

// End returns the first RVA past the section, honoring the given section alignment.
func (s Section) End(sectionAlignment uint32) uint64 {
	size := s.VirtualSize
	if size == 0 {
		size = s.SizeOfRawData
	}

	return uint64(s.VirtualAddress) + AlignUp(uint64(size), uint64(sectionAlignment))
}

// Sections returns the section descriptors in table order.
func (img *Image) Sections() []Section {
	sections := make([]Section, 0, img.NumberOfSections())

	for i := range img.NumberOfSections() {
		sections = append(sections, img.sectionAt(i))
	}

	return sections
}

// Section returns the first section with the given name.
func (img *Image) Section(name string) (Section, bool) {
	for _, section := range img.Sections() {
		if section.Name == name {
			return section, true
		}
	}

	return Section{}, false
}

func (img *Image) sectionAt(index int) Section {
	offset := img.sectionTableOffset + index*sectionHeaderSize

	name := img.data[offset+shName : offset+shName+MaxSectionNameLength]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}

	return Section{
		Name:             string(name),
		VirtualSize:      img.u32(offset + shVirtualSize),
		VirtualAddress:   img.u32(offset + shVirtualAddress),
		SizeOfRawData:    img.u32(offset + shSizeOfRawData),
		PointerToRawData: img.u32(offset + shPointerToRawData),
		Characteristics:  img.u32(offset + shCharacteristics),
	}
}

// SectionData returns the raw bytes of the section as stored in the file.
func (img *Image) SectionData(section Section) []byte {
	start := int(section.PointerToRawData)
	end := start + int(section.SizeOfRawData)

	return bytes.Clone(img.data[start:end])
}

// NextSectionAddress returns the virtual address an appended section receives.
func (img *Image) NextSectionAddress() uint64 {
	sectionAlignment := uint64(img.SectionAlignment())
	next := uint64(img.SizeOfImage())

	for _, section := range img.Sections() {
		next = max(next, section.End(uint32(sectionAlignment)))
	}

	return AlignUp(next, sectionAlignment)
}

// firstRawDataOffset returns the lowest file offset used by section raw data.
func (img *Image) firstRawDataOffset() uint64 {
	first := uint64(len(img.data))

	for _, section := range img.Sections() {
		if section.SizeOfRawData == 0 || section.PointerToRawData == 0 {
			continue
		}

		first = min(first, uint64(section.PointerToRawData))
	}

	return first
}

// AppendSection adds a new section descriptor after the last one and grows the image for its raw data.
//
// The raw data is zero-filled and starts at the file-aligned end of the image.
// The image is left unmodified if an error is returned.
func (img *Image) AppendSection(name string, size uint32, characteristics uint32) (Section, error) {
	if len(name) > MaxSectionNameLength {
		return Section{}, fmt.Errorf("section name %q is longer than %d bytes", name, MaxSectionNameLength)
	}

	count := img.NumberOfSections()
	if count >= math.MaxUint16 {
		return Section{}, fmt.Errorf("%w: section table is full", ErrHeaderSpace)
	}

	fileAlignment := uint64(img.FileAlignment())
	sectionAlignment := uint64(img.SectionAlignment())

	headerOffset := uint64(img.sectionTableOffset + count*sectionHeaderSize)
	headerEnd := headerOffset + sectionHeaderSize

	if headerEnd > img.firstRawDataOffset() {
		return Section{}, fmt.Errorf("%w: descriptor at 0x%x overlaps section data at 0x%x", ErrHeaderSpace, headerOffset, img.firstRawDataOffset())
	}

	sizeOfHeaders := uint64(img.SizeOfHeaders())
	if headerEnd > sizeOfHeaders {
		sizeOfHeaders = AlignUp(headerEnd, fileAlignment)

		if sizeOfHeaders > img.firstRawDataOffset() {
			return Section{}, fmt.Errorf("%w: headers would grow to 0x%x past section data at 0x%x", ErrHeaderSpace, sizeOfHeaders, img.firstRawDataOffset())
		}
	}

	virtualAddress := img.NextSectionAddress()
	sizeOfImage := AlignUp(virtualAddress+uint64(size), sectionAlignment)
	pointerToRawData := AlignUp(uint64(len(img.data)), fileAlignment)
	sizeOfRawData := AlignUp(uint64(size), fileAlignment)

	for _, field := range []struct {
		name  string
		value uint64
	}{
		{"virtual address", virtualAddress},
		{"size of image", sizeOfImage},
		{"pointer to raw data", pointerToRawData},
		{"size of raw data", sizeOfRawData},
		{"end of raw data", pointerToRawData + sizeOfRawData},
	} {
		if field.value > math.MaxUint32 {
			return Section{}, fmt.Errorf("%w: %s 0x%x overflows 32 bits", ErrSectionTooLarge, field.name, field.value)
		}
	}

	section := Section{
		Name:             name,
		VirtualSize:      size,
		VirtualAddress:   uint32(virtualAddress),
		SizeOfRawData:    uint32(sizeOfRawData),
		PointerToRawData: uint32(pointerToRawData),
		Characteristics:  characteristics,
	}

	// all checks passed, mutate
	grown := make([]byte, pointerToRawData+sizeOfRawData)
	copy(grown, img.data)
	img.data = grown

	descriptor := img.data[headerOffset:headerEnd]
	clear(descriptor)
	copy(descriptor[shName:], name)
	le.PutUint32(descriptor[shVirtualSize:], section.VirtualSize)
	le.PutUint32(descriptor[shVirtualAddress:], section.VirtualAddress)
	le.PutUint32(descriptor[shSizeOfRawData:], section.SizeOfRawData)
	le.PutUint32(descriptor[shPointerToRawData:], section.PointerToRawData)
	le.PutUint32(descriptor[shCharacteristics:], section.Characteristics)

	img.putU16(img.fileHeaderOffset+fhNumberOfSections, uint16(count+1))
	img.putU32(img.optionalHeaderOffset+ohSizeOfImage, uint32(sizeOfImage))
	img.putU32(img.optionalHeaderOffset+ohSizeOfHeaders, uint32(sizeOfHeaders))

	return section, nil
}
