// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package pe implements a minimal reader/writer of PE/COFF images.
//
// Only the DOS header, the COFF file header, a subset of the optional header
// and the section table are interpreted. All header fields are read from and
// written to the backing buffer in place, so an image which is parsed and
// serialized without modifications is bit-identical to the input.
package pe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
)

// Errors returned by the package.
var (
	// ErrMalformedImage is returned when the image headers can't be parsed.
	ErrMalformedImage = errors.New("malformed PE image")
	// ErrSectionTooLarge is returned when a size or address doesn't fit into a header field.
	ErrSectionTooLarge = errors.New("section too large")
	// ErrHeaderSpace is returned when there is no room left in the headers for another section descriptor.
	ErrHeaderSpace = errors.New("no space for a new section header")
)

// Optional header magic values.
const (
	MagicPE32     uint16 = 0x10b
	MagicPE32Plus uint16 = 0x20b
)

// Layout of the headers.
const (
	dosHeaderSize     = 0x40
	lfanewOffset      = 0x3c
	signatureSize     = 4
	fileHeaderSize    = 20
	sectionHeaderSize = 40

	// minimum optional header sizes which still cover all fixed fields
	optionalHeader32MinSize = 96
	optionalHeader64MinSize = 112
)

// Field offsets inside the COFF file header.
const (
	fhMachine              = 0
	fhNumberOfSections     = 2
	fhSizeOfOptionalHeader = 16
)

// Field offsets inside the optional header.
//
// The fields up to CheckSum share the offsets in PE32 and PE32+ images.
const (
	ohMagic                 = 0
	ohAddressOfEntryPoint   = 16
	ohImageBase64           = 24
	ohImageBase32           = 28
	ohSectionAlignment      = 32
	ohFileAlignment         = 36
	ohSizeOfImage           = 56
	ohSizeOfHeaders         = 60
	ohCheckSum              = 64
	ohNumberOfRvaAndSizes32 = 92
	ohNumberOfRvaAndSizes64 = 108
	ohDataDirectory32       = 96
	ohDataDirectory64       = 112
)

// EntryPointFieldOffset is the offset of AddressOfEntryPoint relative to the start of the optional header.
const EntryPointFieldOffset = ohAddressOfEntryPoint

// DirectorySecurity is the index of the certificate table data directory.
const DirectorySecurity = 4

var le = binary.LittleEndian

// Image is a parsed PE image backed by its raw bytes.
type Image struct {
	data []byte

	fileHeaderOffset     int
	optionalHeaderOffset int
	sectionTableOffset   int
}

// Parse parses the headers of the PE image.
//
// The data is copied, the caller's buffer is never modified.
func Parse(data []byte) (*Image, error) {
	if len(data) < dosHeaderSize {
		return nil, fmt.Errorf("%w: file too short for DOS header (%d bytes)", ErrMalformedImage, len(data))
	}

	if data[0] != 'M' || data[1] != 'Z' {
		return nil, fmt.Errorf("%w: missing MZ signature", ErrMalformedImage)
	}

	lfanew := uint64(le.Uint32(data[lfanewOffset:]))

	if lfanew+signatureSize+fileHeaderSize > uint64(len(data)) {
		return nil, fmt.Errorf("%w: PE header offset 0x%x is out of bounds", ErrMalformedImage, lfanew)
	}

	if string(data[lfanew:lfanew+signatureSize]) != "PE\x00\x00" {
		return nil, fmt.Errorf("%w: missing PE signature", ErrMalformedImage)
	}

	img := &Image{
		data:             slices.Clone(data),
		fileHeaderOffset: int(lfanew) + signatureSize,
	}

	img.optionalHeaderOffset = img.fileHeaderOffset + fileHeaderSize

	optionalHeaderSize := int(img.u16(img.fileHeaderOffset + fhSizeOfOptionalHeader))

	if optionalHeaderSize < 2 || img.optionalHeaderOffset+optionalHeaderSize > len(img.data) {
		return nil, fmt.Errorf("%w: optional header is truncated", ErrMalformedImage)
	}

	var minSize int

	switch magic := img.u16(img.optionalHeaderOffset + ohMagic); magic {
	case MagicPE32:
		minSize = optionalHeader32MinSize
	case MagicPE32Plus:
		minSize = optionalHeader64MinSize
	default:
		return nil, fmt.Errorf("%w: unknown optional header magic 0x%x", ErrMalformedImage, magic)
	}

	if optionalHeaderSize < minSize {
		return nil, fmt.Errorf("%w: optional header size %d is smaller than %d", ErrMalformedImage, optionalHeaderSize, minSize)
	}

	img.sectionTableOffset = img.optionalHeaderOffset + optionalHeaderSize

	if img.sectionTableOffset+img.NumberOfSections()*sectionHeaderSize > len(img.data) {
		return nil, fmt.Errorf("%w: section table is truncated", ErrMalformedImage)
	}

	if err := img.validate(); err != nil {
		return nil, err
	}

	return img, nil
}

func (img *Image) validate() error {
	fileAlignment, sectionAlignment := img.FileAlignment(), img.SectionAlignment()

	if !isPowerOfTwo(fileAlignment) {
		return fmt.Errorf("%w: file alignment 0x%x is not a power of two", ErrMalformedImage, fileAlignment)
	}

	if !isPowerOfTwo(sectionAlignment) {
		return fmt.Errorf("%w: section alignment 0x%x is not a power of two", ErrMalformedImage, sectionAlignment)
	}

	for _, section := range img.Sections() {
		if uint64(section.PointerToRawData)+uint64(section.SizeOfRawData) > uint64(len(img.data)) {
			return fmt.Errorf("%w: raw data of section %q is out of bounds", ErrMalformedImage, section.Name)
		}
	}

	return nil
}

// Bytes returns a copy of the serialized image.
func (img *Image) Bytes() []byte {
	return slices.Clone(img.data)
}

// Size returns the size of the image file in bytes.
func (img *Image) Size() int {
	return len(img.data)
}

// Machine returns the COFF machine type.
func (img *Image) Machine() uint16 {
	return img.u16(img.fileHeaderOffset + fhMachine)
}

// Magic returns the optional header magic.
func (img *Image) Magic() uint16 {
	return img.u16(img.optionalHeaderOffset + ohMagic)
}

// Is64 reports whether the image is PE32+.
func (img *Image) Is64() bool {
	return img.Magic() == MagicPE32Plus
}

// NumberOfSections returns the number of section descriptors.
func (img *Image) NumberOfSections() int {
	return int(img.u16(img.fileHeaderOffset + fhNumberOfSections))
}

// EntryPoint returns AddressOfEntryPoint.
func (img *Image) EntryPoint() uint32 {
	return img.u32(img.optionalHeaderOffset + ohAddressOfEntryPoint)
}

// SetEntryPoint overwrites AddressOfEntryPoint.
func (img *Image) SetEntryPoint(rva uint32) {
	img.putU32(img.optionalHeaderOffset+ohAddressOfEntryPoint, rva)
}

// EntryPointFileOffset returns the file offset of the AddressOfEntryPoint field.
func (img *Image) EntryPointFileOffset() int {
	return img.optionalHeaderOffset + EntryPointFieldOffset
}

// ImageBase returns the preferred load address.
func (img *Image) ImageBase() uint64 {
	if img.Is64() {
		return le.Uint64(img.data[img.optionalHeaderOffset+ohImageBase64:])
	}

	return uint64(img.u32(img.optionalHeaderOffset + ohImageBase32))
}

// SectionAlignment returns the in-memory section alignment.
func (img *Image) SectionAlignment() uint32 {
	return img.u32(img.optionalHeaderOffset + ohSectionAlignment)
}

// FileAlignment returns the on-disk section alignment.
func (img *Image) FileAlignment() uint32 {
	return img.u32(img.optionalHeaderOffset + ohFileAlignment)
}

// SizeOfImage returns the size of the image when loaded into memory.
func (img *Image) SizeOfImage() uint32 {
	return img.u32(img.optionalHeaderOffset + ohSizeOfImage)
}

// SizeOfHeaders returns the file-aligned size of all headers.
func (img *Image) SizeOfHeaders() uint32 {
	return img.u32(img.optionalHeaderOffset + ohSizeOfHeaders)
}

// CheckSum returns the optional header checksum.
func (img *Image) CheckSum() uint32 {
	return img.u32(img.optionalHeaderOffset + ohCheckSum)
}

// DataDirectory is an entry of the optional header data directory.
type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// DataDirectory returns the data directory entry with the given index.
//
// The second return value is false if the image doesn't declare the entry.
func (img *Image) DataDirectory(index int) (DataDirectory, bool) {
	offset, ok := img.dataDirectoryOffset(index)
	if !ok {
		return DataDirectory{}, false
	}

	return DataDirectory{
		VirtualAddress: img.u32(offset),
		Size:           img.u32(offset + 4),
	}, true
}

func (img *Image) dataDirectoryOffset(index int) (int, bool) {
	countOffset, dirOffset := ohNumberOfRvaAndSizes32, ohDataDirectory32

	if img.Is64() {
		countOffset, dirOffset = ohNumberOfRvaAndSizes64, ohDataDirectory64
	}

	count := int(img.u32(img.optionalHeaderOffset + countOffset))

	offset := img.optionalHeaderOffset + dirOffset + index*8

	if index < 0 || index >= count || offset+8 > img.sectionTableOffset {
		return 0, false
	}

	return offset, true
}

// WriteAt copies data into the image at the given file offset.
func (img *Image) WriteAt(offset int, data []byte) error {
	if offset < 0 || offset+len(data) > len(img.data) {
		return fmt.Errorf("write of %d bytes at offset 0x%x is out of bounds (image size 0x%x)", len(data), offset, len(img.data))
	}

	copy(img.data[offset:], data)

	return nil
}

func (img *Image) u16(offset int) uint16 {
	return le.Uint16(img.data[offset:])
}

func (img *Image) u32(offset int) uint32 {
	return le.Uint32(img.data[offset:])
}

func (img *Image) putU16(offset int, v uint16) {
	le.PutUint16(img.data[offset:], v)
}

func (img *Image) putU32(offset int, v uint32) {
	le.PutUint32(img.data[offset:], v)
}

// AlignUp rounds v up to the next multiple of alignment, which must be a power of two.
func AlignUp[T uint32 | uint64](v, alignment T) T {
	if alignment == 0 {
		return v
	}

	return (v + alignment - 1) &^ (alignment - 1)
}

func isPowerOfTwo(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}
