// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package inject_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/pe-inject/internal/pkg/inject"
)

func TestNewPlan(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string

		sectionAddress       uint64
		hostSectionAlignment uint32
		granularity          uint32
		payloadEntry         uint32
		payloadSize          uint64

		expected inject.Plan
	}{
		{
			name:                 "unaligned",
			sectionAddress:       0x9000,
			hostSectionAlignment: 0x1000,
			granularity:          inject.DefaultGranularity,
			payloadEntry:         0x1200,
			payloadSize:          0x3000,
			expected: inject.Plan{
				SectionAddress: 0x9000,
				Base:           0x10000,
				Pad:            0x7000,
				SectionSize:    0xa000,
				PayloadEntry:   0x1200,
				EntryPoint:     0x11200,
			},
		},
		{
			name:                 "already aligned",
			sectionAddress:       0x20000,
			hostSectionAlignment: 0x1000,
			granularity:          inject.DefaultGranularity,
			payloadEntry:         0x400,
			payloadSize:          0x800,
			expected: inject.Plan{
				SectionAddress: 0x20000,
				Base:           0x20000,
				SectionSize:    0x800,
				PayloadEntry:   0x400,
				EntryPoint:     0x20400,
			},
		},
		{
			name:                 "host section alignment above granularity",
			sectionAddress:       0x30000,
			hostSectionAlignment: 0x20000,
			granularity:          inject.DefaultGranularity,
			payloadEntry:         0x1000,
			payloadSize:          0x2000,
			expected: inject.Plan{
				SectionAddress: 0x30000,
				Base:           0x40000,
				Pad:            0x10000,
				SectionSize:    0x12000,
				PayloadEntry:   0x1000,
				EntryPoint:     0x41000,
			},
		},
		{
			name:                 "custom granularity",
			sectionAddress:       0x9000,
			hostSectionAlignment: 0x1000,
			granularity:          0x20000,
			payloadEntry:         0x10,
			payloadSize:          0x1000,
			expected: inject.Plan{
				SectionAddress: 0x9000,
				Base:           0x20000,
				Pad:            0x17000,
				SectionSize:    0x18000,
				PayloadEntry:   0x10,
				EntryPoint:     0x20010,
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			plan, err := inject.NewPlan(test.sectionAddress, test.hostSectionAlignment, test.granularity, test.payloadEntry, test.payloadSize)
			require.NoError(t, err)

			assert.Equal(t, test.expected, plan)
			assert.Equal(t, plan.Base+plan.PayloadEntry, plan.EntryPoint)
			assert.Zero(t, plan.Base%inject.Granularity(test.granularity, test.hostSectionAlignment))
		})
	}
}

func TestNewPlanOverflow(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string

		sectionAddress uint64
		payloadEntry   uint32
		payloadSize    uint64
	}{
		{
			name:           "payload size",
			sectionAddress: 0x9000,
			payloadSize:    math.MaxUint32,
		},
		{
			name:           "base",
			sectionAddress: 0xffff1000,
			payloadSize:    0x1000,
		},
		{
			name:           "section end",
			sectionAddress: 0xfff00000,
			payloadSize:    0x100000,
		},
		{
			name:           "entry point",
			sectionAddress: 0xfff00000,
			payloadEntry:   0x100000,
			payloadSize:    0x1000,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			_, err := inject.NewPlan(test.sectionAddress, 0x1000, inject.DefaultGranularity, test.payloadEntry, test.payloadSize)
			require.ErrorIs(t, err, inject.ErrSectionTooLarge)
		})
	}
}

func TestNewPlanInvalidGranularity(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name        string
		granularity uint32
	}{
		{
			name:        "not a power of two",
			granularity: 0x18000,
		},
		{
			name:        "below minimum",
			granularity: 0x1000,
		},
		{
			name:        "zero",
			granularity: 0,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			_, err := inject.NewPlan(0x9000, 0x1000, test.granularity, 0x1200, 0x3000)
			require.ErrorIs(t, err, inject.ErrInvalidGranularity)
		})
	}
}
