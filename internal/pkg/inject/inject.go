// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package inject appends a payload EFI image to a host EFI image as a new section
// and redirects the host entry point into the payload.
package inject

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/siderolabs/pe-inject/internal/pkg/pe"
)

// Injection errors.
var (
	// ErrIncompatibleAlignment is returned when the payload's file or section alignment
	// doesn't match the required alignment, so that its raw layout doesn't equal its loaded layout.
	ErrIncompatibleAlignment = errors.New("incompatible payload alignment")
	// ErrArchitectureMismatch is returned when the host and the payload target different machines.
	ErrArchitectureMismatch = errors.New("host and payload architecture mismatch")
	// ErrAlreadyInjected is returned when the host already has a section with the injected section name.
	ErrAlreadyInjected = errors.New("host image already contains the injected section")
	// ErrInvalidGranularity is returned when the configured granularity is not a power of two
	// or is below DefaultGranularity.
	ErrInvalidGranularity = errors.New("invalid injection granularity")
	// ErrSectionTooLarge is returned when the new layout doesn't fit 32-bit header fields.
	ErrSectionTooLarge = pe.ErrSectionTooLarge
)

// Defaults.
const (
	DefaultSectionName       = ".bootkit"
	DefaultRequiredAlignment = 0x1000
	DefaultGranularity       = 0x10000
)

// SectionCharacteristics are the characteristics of the injected section: code, read, write, execute.
const SectionCharacteristics = pe.SectionCntCode | pe.SectionMemRead | pe.SectionMemWrite | pe.SectionMemExecute

// Options configures the injection.
type Options struct {
	// SectionName is the name of the injected section.
	SectionName string `yaml:"sectionName,omitempty"`
	// PadByte fills the gap between the section start and the payload base.
	PadByte byte `yaml:"padByte,omitempty"`
	// RequiredAlignment is the file and section alignment the payload must be linked with.
	RequiredAlignment uint32 `yaml:"requiredAlignment,omitempty"`
	// Granularity is the minimum alignment of the payload base.
	Granularity uint32 `yaml:"granularity,omitempty"`

	// AllowReinject allows injecting into a host which already has the injected section.
	AllowReinject bool `yaml:"allowReinject,omitempty"`
	// StripSignature drops the host's Authenticode signature, which the injection invalidates anyway.
	StripSignature bool `yaml:"stripSignature,omitempty"`
	// UpdateChecksum recomputes the optional header checksum of the output.
	UpdateChecksum bool `yaml:"updateChecksum,omitempty"`
}

// DefaultOptions returns the default injection options.
func DefaultOptions() Options {
	return Options{
		SectionName:       DefaultSectionName,
		RequiredAlignment: DefaultRequiredAlignment,
		Granularity:       DefaultGranularity,
	}
}

func (o Options) withDefaults() Options {
	defaults := DefaultOptions()

	if o.SectionName == "" {
		o.SectionName = defaults.SectionName
	}

	if o.RequiredAlignment == 0 {
		o.RequiredAlignment = defaults.RequiredAlignment
	}

	if o.Granularity == 0 {
		o.Granularity = defaults.Granularity
	}

	return o
}

// Result of the injection.
type Result struct {
	// Image is the modified host image.
	Image []byte
	// Plan is the layout the payload was placed with.
	Plan Plan
	// Section is the descriptor of the injected section.
	Section pe.Section
	// StrippedCertificateBytes is the size of the removed certificate table.
	StrippedCertificateBytes int
	// Warnings are non-fatal problems with the payload.
	Warnings []string
}

// Inject embeds payload into host.
//
// Neither input is modified. The payload's AddressOfEntryPoint is overwritten with the host's
// original entry point before embedding, and the host's entry point is set to the payload entry
// relocated to the injection base.
//
//nolint:gocyclo
func Inject(host, payload []byte, opts Options) (*Result, error) {
	opts = opts.withDefaults()

	if err := checkGranularity(opts.Granularity); err != nil {
		return nil, err
	}

	hostImage, err := pe.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("error parsing host image: %w", err)
	}

	payloadImage, err := pe.Parse(payload)
	if err != nil {
		return nil, fmt.Errorf("error parsing payload image: %w", err)
	}

	if err = validate(hostImage, payloadImage, opts); err != nil {
		return nil, err
	}

	plan, err := NewPlan(
		hostImage.NextSectionAddress(),
		hostImage.SectionAlignment(),
		opts.Granularity,
		payloadImage.EntryPoint(),
		uint64(payloadImage.Size()),
	)
	if err != nil {
		return nil, err
	}

	plan.HostEntry = hostImage.EntryPoint()

	result := &Result{
		Plan:     plan,
		Warnings: warnings(payloadImage, plan),
	}

	if opts.StripSignature {
		result.StrippedCertificateBytes = hostImage.StripCertificates()
	}

	section, err := hostImage.AppendSection(opts.SectionName, plan.SectionSize, SectionCharacteristics)
	if err != nil {
		return nil, fmt.Errorf("error appending section: %w", err)
	}

	if section.VirtualAddress != plan.SectionAddress {
		return nil, fmt.Errorf("section placed at 0x%x, expected 0x%x", section.VirtualAddress, plan.SectionAddress)
	}

	result.Section = section

	// hand the host entry point over to the payload
	payloadImage.SetEntryPoint(plan.HostEntry)
	hostImage.SetEntryPoint(plan.EntryPoint)

	if opts.PadByte != 0 && plan.Pad > 0 {
		if err = hostImage.WriteAt(int(section.PointerToRawData), bytes.Repeat([]byte{opts.PadByte}, int(plan.Pad))); err != nil {
			return nil, err
		}
	}

	if err = hostImage.WriteAt(int(section.PointerToRawData+plan.Pad), payloadImage.Bytes()); err != nil {
		return nil, err
	}

	if opts.UpdateChecksum {
		hostImage.UpdateChecksum()
	}

	result.Image = hostImage.Bytes()

	return result, nil
}

func validate(host, payload *pe.Image, opts Options) error {
	if payload.FileAlignment() != opts.RequiredAlignment || payload.SectionAlignment() != opts.RequiredAlignment {
		return fmt.Errorf(
			"%w: payload file alignment 0x%x, section alignment 0x%x, required 0x%x",
			ErrIncompatibleAlignment, payload.FileAlignment(), payload.SectionAlignment(), opts.RequiredAlignment,
		)
	}

	if host.Machine() != payload.Machine() || host.Magic() != payload.Magic() {
		return fmt.Errorf(
			"%w: host machine 0x%x magic 0x%x, payload machine 0x%x magic 0x%x",
			ErrArchitectureMismatch, host.Machine(), host.Magic(), payload.Machine(), payload.Magic(),
		)
	}

	if _, ok := host.Section(opts.SectionName); ok && !opts.AllowReinject {
		return fmt.Errorf("%w: %q", ErrAlreadyInjected, opts.SectionName)
	}

	if entry := payload.EntryPoint(); entry >= payload.SizeOfImage() {
		return fmt.Errorf("%w: payload entry point 0x%x is outside of the image", pe.ErrMalformedImage, entry)
	}

	return nil
}

func warnings(payload *pe.Image, plan Plan) []string {
	var result []string

	for _, section := range payload.Sections() {
		if section.SizeOfRawData > 0 && section.PointerToRawData != section.VirtualAddress {
			result = append(result, fmt.Sprintf(
				"payload section %q is stored at 0x%x but loaded at 0x%x",
				section.Name, section.PointerToRawData, section.VirtualAddress,
			))
		}
	}

	if size := uint64(payload.Size()); uint64(payload.SizeOfImage()) > size {
		result = append(result, fmt.Sprintf(
			"payload needs 0x%x bytes in memory but only 0x%x are embedded",
			payload.SizeOfImage(), size,
		))
	}

	if payload.ImageBase() != uint64(plan.Base) {
		result = append(result, fmt.Sprintf(
			"payload image base 0x%x differs from the injection base 0x%x, the payload must not rely on absolute addresses",
			payload.ImageBase(), plan.Base,
		))
	}

	return result
}
