// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package peverify re-parses an injected image with an independent PE parser.
package peverify

import (
	"bytes"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/saferwall/pe"

	"github.com/siderolabs/pe-inject/internal/pkg/inject"
	imagepe "github.com/siderolabs/pe-inject/internal/pkg/pe"
)

// Expectation is the layout the image must have.
type Expectation struct {
	EntryPoint       uint32
	SizeOfImage      uint32
	NumberOfSections int

	// SectionName and SectionAddress describe the last section.
	SectionName    string
	SectionAddress uint32
}

// ExpectationFor returns the layout an injection result must have.
func ExpectationFor(result *inject.Result) (Expectation, error) {
	img, err := imagepe.Parse(result.Image)
	if err != nil {
		return Expectation{}, err
	}

	return Expectation{
		EntryPoint:       result.Plan.EntryPoint,
		SizeOfImage:      imagepe.AlignUp(result.Section.VirtualAddress+result.Section.VirtualSize, img.SectionAlignment()),
		NumberOfSections: img.NumberOfSections(),
		SectionName:      result.Section.Name,
		SectionAddress:   result.Section.VirtualAddress,
	}, nil
}

// Verify checks that the image parses and matches the expectation.
//
// All mismatches are reported at once.
func Verify(image []byte, expect Expectation) error {
	// in-memory images are not mmap'ed, so there is nothing to Close
	peFile, err := pe.NewBytes(image, &pe.Options{Fast: true})
	if err != nil {
		return fmt.Errorf("error opening image: %w", err)
	}

	if err = peFile.Parse(); err != nil {
		return fmt.Errorf("error parsing image: %w", err)
	}

	var result *multierror.Error

	entryPoint, sizeOfImage, err := optionalHeader(peFile)
	if err != nil {
		return err
	}

	if entryPoint != expect.EntryPoint {
		result = multierror.Append(result, fmt.Errorf("entry point 0x%x, expected 0x%x", entryPoint, expect.EntryPoint))
	}

	if sizeOfImage != expect.SizeOfImage {
		result = multierror.Append(result, fmt.Errorf("size of image 0x%x, expected 0x%x", sizeOfImage, expect.SizeOfImage))
	}

	if len(peFile.Sections) != expect.NumberOfSections {
		result = multierror.Append(result, fmt.Errorf("%d sections, expected %d", len(peFile.Sections), expect.NumberOfSections))
	}

	if len(peFile.Sections) == 0 {
		return result.ErrorOrNil()
	}

	last := peFile.Sections[len(peFile.Sections)-1].Header

	if name := string(bytes.TrimRight(last.Name[:], "\x00")); name != expect.SectionName {
		result = multierror.Append(result, fmt.Errorf("last section %q, expected %q", name, expect.SectionName))
	}

	if last.VirtualAddress != expect.SectionAddress {
		result = multierror.Append(result, fmt.Errorf("last section at 0x%x, expected 0x%x", last.VirtualAddress, expect.SectionAddress))
	}

	return result.ErrorOrNil()
}

func optionalHeader(peFile *pe.File) (entryPoint, sizeOfImage uint32, err error) {
	switch oh := peFile.NtHeader.OptionalHeader.(type) {
	case pe.ImageOptionalHeader32:
		return oh.AddressOfEntryPoint, oh.SizeOfImage, nil
	case pe.ImageOptionalHeader64:
		return oh.AddressOfEntryPoint, oh.SizeOfImage, nil
	case *pe.ImageOptionalHeader32:
		return oh.AddressOfEntryPoint, oh.SizeOfImage, nil
	case *pe.ImageOptionalHeader64:
		return oh.AddressOfEntryPoint, oh.SizeOfImage, nil
	default:
		return 0, 0, fmt.Errorf("unsupported optional header %T", oh)
	}
}
