// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/siderolabs/pe-inject/internal/pkg/inject"
	"github.com/siderolabs/pe-inject/internal/pkg/install"
	"github.com/siderolabs/pe-inject/internal/pkg/peverify"
	"github.com/siderolabs/pe-inject/pkg/logging"
)

var injectCmd = &cobra.Command{
	Use:   "inject <host-image> <payload-image> <output-image>",
	Short: "Append the payload image to the host image and redirect the host entry point into it",
	Long: `The payload is appended as a new section, aligned to a 64KiB boundary.
The host entry point is replaced with the relocated payload entry point, and the
original host entry point is stored in the AddressOfEntryPoint field of the
embedded payload, so that the payload can chain back to the host.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := resolveSettings(cmd.Flags())
		if err != nil {
			return err
		}

		return runInject(cmd.OutOrStdout(), s, args[0], args[1], args[2])
	},
}

func runInject(out io.Writer, s settings, hostPath, payloadPath, outputPath string) error {
	log := logger.With(logging.Component("inject"))

	host, err := install.ReadImage(hostPath)
	if err != nil {
		return err
	}

	payload, err := install.ReadImage(payloadPath)
	if err != nil {
		return err
	}

	result, err := inject.Inject(host, payload, s.Inject)
	if err != nil {
		return err
	}

	for _, warning := range result.Warnings {
		log.Warn(warning)
	}

	if result.StrippedCertificateBytes > 0 {
		log.Info("stripped host signature", zap.String("size", humanize.IBytes(uint64(result.StrippedCertificateBytes))))
	}

	image := result.Image

	if s.Verify {
		expect, err := peverify.ExpectationFor(result)
		if err != nil {
			return err
		}

		if err = peverify.Verify(image, expect); err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}

		log.Debug("verified image")
	}

	if s.Signer != nil {
		if image, err = s.Signer.Sign(image); err != nil {
			return fmt.Errorf("error signing image: %w", err)
		}
	}

	if err = install.WriteFileAtomic(outputPath, image, 0o644); err != nil {
		return err
	}

	log.Info("wrote image", zap.String("path", outputPath), zap.String("size", humanize.IBytes(uint64(len(image)))))

	fmt.Fprintf(out, "injection base: 0x%x\n", result.Plan.Base)
	fmt.Fprintf(out, "section address: 0x%x\n", result.Plan.SectionAddress)
	fmt.Fprintf(out, "entry point: 0x%x -> 0x%x\n", result.Plan.HostEntry, result.Plan.EntryPoint)

	return nil
}

func init() {
	rootCmd.AddCommand(injectCmd)
}
