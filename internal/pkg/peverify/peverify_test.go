// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package peverify_test

import (
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/pe-inject/internal/pkg/inject"
	"github.com/siderolabs/pe-inject/internal/pkg/pe/petest"
	"github.com/siderolabs/pe-inject/internal/pkg/peverify"
)

func injected(t *testing.T) *inject.Result {
	t.Helper()

	host := petest.Build(petest.Options{
		EntryPoint:       0x1000,
		FileAlignment:    0x1000,
		SectionAlignment: 0x1000,
		Sections: []petest.Section{
			{Name: ".text", Data: petest.Fill(0x2000, 1)},
		},
	})

	payload := petest.Build(petest.Options{
		EntryPoint:       0x1000,
		FileAlignment:    0x1000,
		SectionAlignment: 0x1000,
		Sections: []petest.Section{
			{Name: ".text", Data: petest.Fill(0x1000, 2)},
		},
	})

	result, err := inject.Inject(host, payload, inject.Options{})
	require.NoError(t, err)

	return result
}

func TestVerify(t *testing.T) {
	t.Parallel()

	result := injected(t)

	expect, err := peverify.ExpectationFor(result)
	require.NoError(t, err)

	assert.Equal(t, peverify.Expectation{
		EntryPoint:       0x11000,
		SizeOfImage:      0x12000,
		NumberOfSections: 2,
		SectionName:      ".bootkit",
		SectionAddress:   0x3000,
	}, expect)

	require.NoError(t, peverify.Verify(result.Image, expect))
}

func TestVerifyMismatch(t *testing.T) {
	t.Parallel()

	result := injected(t)

	err := peverify.Verify(result.Image, peverify.Expectation{
		EntryPoint:       result.Plan.EntryPoint + 1,
		SizeOfImage:      result.Section.VirtualAddress + result.Section.VirtualSize,
		NumberOfSections: 3,
		SectionName:      ".other",
		SectionAddress:   result.Section.VirtualAddress,
	})
	require.Error(t, err)

	var merr *multierror.Error

	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 3)
}

func TestVerifyGarbage(t *testing.T) {
	t.Parallel()

	require.Error(t, peverify.Verify([]byte("garbage"), peverify.Expectation{}))
}
