// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/pe-inject/internal/pkg/inject"
	"github.com/siderolabs/pe-inject/internal/pkg/pe"
	"github.com/siderolabs/pe-inject/internal/pkg/pe/petest"
)

func writeImages(t *testing.T) (dir, hostPath, payloadPath string) {
	t.Helper()

	dir = t.TempDir()

	hostPath = filepath.Join(dir, "bootmgfw.efi")
	payloadPath = filepath.Join(dir, "payload.efi")

	require.NoError(t, os.WriteFile(hostPath, petest.Build(petest.Options{
		EntryPoint:       0x1100,
		FileAlignment:    0x1000,
		SectionAlignment: 0x1000,
		Sections: []petest.Section{
			{Name: ".text", Data: petest.Fill(0x4000, 1), Characteristics: pe.SectionCntCode | pe.SectionMemRead | pe.SectionMemExecute},
			{Name: ".data", Data: petest.Fill(0x4000, 2), Characteristics: pe.SectionCntInitData | pe.SectionMemRead | pe.SectionMemWrite},
		},
	}), 0o644))

	require.NoError(t, os.WriteFile(payloadPath, petest.Build(petest.Options{
		EntryPoint:       0x1200,
		ImageBase:        0x10000,
		FileAlignment:    0x1000,
		SectionAlignment: 0x1000,
		Sections: []petest.Section{
			{Name: ".text", Data: petest.Fill(0x1800, 3), Characteristics: pe.SectionCntCode | pe.SectionMemRead | pe.SectionMemExecute},
		},
	}), 0o644))

	return dir, hostPath, payloadPath
}

func writeMisalignedPayload(t *testing.T, dir string) string {
	t.Helper()

	path := filepath.Join(dir, "misaligned.efi")

	require.NoError(t, os.WriteFile(path, petest.Build(petest.Options{
		EntryPoint:       0x1200,
		FileAlignment:    0x200,
		SectionAlignment: 0x1000,
		Sections: []petest.Section{
			{Name: ".text", Data: petest.Fill(0x1800, 3), Characteristics: pe.SectionCntCode | pe.SectionMemRead | pe.SectionMemExecute},
		},
	}), 0o644))

	return path
}

func defaultSettings() settings {
	return settings{
		Inject: inject.DefaultOptions(),
		Verify: true,
	}
}

func TestRunInjectAndInspect(t *testing.T) {
	dir, hostPath, payloadPath := writeImages(t)
	outputPath := filepath.Join(dir, "out", "bootmgfw.efi")

	var out bytes.Buffer

	require.NoError(t, runInject(&out, defaultSettings(), hostPath, payloadPath, outputPath))

	assert.Equal(t, "injection base: 0x10000\nsection address: 0x9000\nentry point: 0x1100 -> 0x11200\n", out.String())

	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)

	img, err := pe.Parse(data)
	require.NoError(t, err)
	assert.EqualValues(t, 0x11200, img.EntryPoint())

	out.Reset()

	require.NoError(t, runInspect(&out, defaultSettings(), outputPath))

	assert.Contains(t, out.String(), "Entry point:       0x11200\n")
	assert.Contains(t, out.String(), "Chain entry:       0x1100\n")
	assert.Contains(t, out.String(), ".bootkit")
	assert.Contains(t, out.String(), "CODE,R,W,X")

	// the output is rejected as a host by default
	err = runInject(&out, defaultSettings(), outputPath, payloadPath, filepath.Join(dir, "again.efi"))
	require.ErrorIs(t, err, inject.ErrAlreadyInjected)

	_, err = os.Stat(filepath.Join(dir, "again.efi"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestRunInjectMisalignedPayload(t *testing.T) {
	dir, hostPath, _ := writeImages(t)
	outputPath := filepath.Join(dir, "injected.efi")

	var out bytes.Buffer

	err := runInject(&out, defaultSettings(), hostPath, writeMisalignedPayload(t, dir), outputPath)
	require.ErrorIs(t, err, inject.ErrIncompatibleAlignment)

	assert.Empty(t, out.String())

	_, err = os.Stat(outputPath)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestRootCommand(t *testing.T) {
	dir, hostPath, payloadPath := writeImages(t)
	outputPath := filepath.Join(dir, "injected.efi")

	var out bytes.Buffer

	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"inject", "--pad-byte", "204", hostPath, payloadPath, outputPath})

	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())

	assert.Contains(t, out.String(), "injection base: 0x10000\n")

	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)

	assert.Equal(t, bytes.Repeat([]byte{0xcc}, 0x7000), data[0x9000:0x10000])

	out.Reset()

	rootCmd.SetArgs([]string{"version", "--short"})
	require.NoError(t, rootCmd.Execute())

	assert.True(t, strings.HasPrefix(out.String(), "pe-inject "))

	// failures are reported on stdout
	out.Reset()

	failedPath := filepath.Join(dir, "failed.efi")

	rootCmd.SetArgs([]string{"inject", hostPath, writeMisalignedPayload(t, dir), failedPath})
	require.ErrorIs(t, execute(rootCmd), inject.ErrIncompatibleAlignment)

	assert.Contains(t, out.String(), "error: ")
	assert.Contains(t, out.String(), "incompatible payload alignment")

	_, err = os.Stat(failedPath)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestResolveSettings(t *testing.T) {
	dir := t.TempDir()

	configPath := filepath.Join(dir, "config.yaml")

	require.NoError(t, os.WriteFile(configPath, []byte(`inject:
  sectionName: .payload
  padByte: 0xcc
  updateChecksum: true
verify: false
`), 0o644))

	saved := cmdFlags

	t.Cleanup(func() { cmdFlags = saved })

	flags := newFlagSet()
	require.NoError(t, flags.Parse([]string{"--config", configPath, "--section-name", ".flag"}))

	s, err := resolveSettings(flags)
	require.NoError(t, err)

	assert.Equal(t, settings{
		Inject: inject.Options{
			SectionName:       ".flag",
			PadByte:           0xcc,
			RequiredAlignment: inject.DefaultRequiredAlignment,
			Granularity:       inject.DefaultGranularity,
			UpdateChecksum:    true,
		},
		Verify: false,
	}, s)

	// flags override the config file, including with the default value
	require.NoError(t, flags.Parse([]string{"--verify=true", "--pad-byte", "0"}))

	s, err = resolveSettings(flags)
	require.NoError(t, err)

	assert.True(t, s.Verify)
	assert.Zero(t, s.Inject.PadByte)

	// signing requires both the key and the certificate
	require.NoError(t, flags.Parse([]string{"--signing-key", filepath.Join(dir, "db.key")}))

	_, err = resolveSettings(flags)
	require.Error(t, err)
}

func TestLoadConfigUnknownField(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, os.WriteFile(configPath, []byte("inject:\n  sectionNmae: .typo\n"), 0o644))

	_, err := loadConfig(configPath)
	require.Error(t, err)

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, inject.DefaultOptions(), cfg.Inject)
}

func TestRenderError(t *testing.T) {
	var merr *multierror.Error

	merr = multierror.Append(merr, errors.New("entry point 0x1, expected 0x2"), errors.New("3 sections, expected 2"))

	rendered := renderError(merr)

	assert.Contains(t, rendered, "2 errors occurred:")
	assert.Contains(t, rendered, " 3 sections, expected 2")

	assert.Contains(t, renderError(errors.New("boom")), "error: boom")
}

func TestCharacteristics(t *testing.T) {
	assert.Equal(t, "CODE,R,W,X", characteristics(inject.SectionCharacteristics))
	assert.Equal(t, "-", characteristics(0))
}
