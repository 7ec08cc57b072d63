// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/siderolabs/gen/xslices"
	"github.com/spf13/cobra"

	"github.com/siderolabs/pe-inject/internal/pkg/inject"
	"github.com/siderolabs/pe-inject/internal/pkg/install"
	"github.com/siderolabs/pe-inject/internal/pkg/pe"
	"github.com/siderolabs/pe-inject/pkg/cli"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <image>",
	Short: "Print the headers and the section table of an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := resolveSettings(cmd.Flags())
		if err != nil {
			return err
		}

		return runInspect(cmd.OutOrStdout(), s, args[0])
	},
}

func hex[T uint16 | uint32 | uint64](v T) string {
	return fmt.Sprintf("0x%x", v)
}

func runInspect(out io.Writer, s settings, path string) error {
	data, err := install.ReadImage(path)
	if err != nil {
		return err
	}

	img, err := pe.Parse(data)
	if err != nil {
		return err
	}

	format := "PE32"
	if img.Is64() {
		format = "PE32+"
	}

	signed := "no"
	if img.Signed() {
		signed = "yes"
	}

	fields := [][2]string{
		{"File size", fmt.Sprintf("%s (0x%x)", humanize.IBytes(uint64(img.Size())), img.Size())},
		{"Format", format},
		{"Machine", hex(img.Machine())},
		{"Entry point", hex(img.EntryPoint())},
		{"Image base", hex(img.ImageBase())},
		{"Section alignment", hex(img.SectionAlignment())},
		{"File alignment", hex(img.FileAlignment())},
		{"Size of image", hex(img.SizeOfImage())},
		{"Size of headers", hex(img.SizeOfHeaders())},
		{"Checksum", fmt.Sprintf("0x%x (computed 0x%x)", img.CheckSum(), img.Checksum())},
		{"Signed", signed},
	}

	if _, ok := img.Section(s.Inject.SectionName); ok {
		_, plan, err := inject.Extract(data, s.Inject)
		if err != nil {
			return err
		}

		fields = append(fields,
			[2]string{"Payload base", hex(plan.Base)},
			[2]string{"Payload entry", hex(plan.PayloadEntry)},
			[2]string{"Chain entry", hex(plan.HostEntry)},
		)
	}

	if err = cli.RenderFields(out, fields); err != nil {
		return err
	}

	fmt.Fprintln(out)

	rows := xslices.Map(img.Sections(), func(section pe.Section) []string {
		return []string{
			section.Name,
			hex(section.VirtualAddress),
			hex(section.VirtualSize),
			hex(section.PointerToRawData),
			humanize.IBytes(uint64(section.SizeOfRawData)),
			characteristics(section.Characteristics),
		}
	})

	return cli.RenderTable(out, []string{"NAME", "VIRTUAL ADDRESS", "VIRTUAL SIZE", "RAW OFFSET", "RAW SIZE", "FLAGS"}, rows)
}

func characteristics(v uint32) string {
	var flags []string

	for _, flag := range []struct {
		mask uint32
		name string
	}{
		{pe.SectionCntCode, "CODE"},
		{pe.SectionCntInitData, "DATA"},
		{pe.SectionMemRead, "R"},
		{pe.SectionMemWrite, "W"},
		{pe.SectionMemExecute, "X"},
	} {
		if v&flag.mask != 0 {
			flags = append(flags, flag.name)
		}
	}

	if len(flags) == 0 {
		return "-"
	}

	return strings.Join(flags, ",")
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
