// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/siderolabs/pe-inject/internal/pkg/install"
	"github.com/siderolabs/pe-inject/pkg/cli"
	"github.com/siderolabs/pe-inject/pkg/logging"
)

var installCmdFlags struct {
	Target  string
	Payload string
	Backup  string
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Back up the target boot image and replace it with the injected image",
	Long: `The target is copied to the backup path unless the backup already exists.
The payload is always injected into the backup, so repeated installs start from the
pristine image. The target is replaced atomically.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cli.WithContext(cmd.Context(), func(ctx context.Context) error {
			s, err := resolveSettings(cmd.Flags())
			if err != nil {
				return err
			}

			installer, err := install.NewInstaller(install.Options{
				Target:  installCmdFlags.Target,
				Payload: installCmdFlags.Payload,
				Backup:  installCmdFlags.Backup,
				Inject:  s.Inject,
				Verify:  s.Verify,
				Signer:  s.Signer,
				Logger:  logger.With(logging.Component("install")),
			})
			if err != nil {
				return err
			}

			report, err := installer.Run(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "backup: %s\n", report.Backup.Path)
			fmt.Fprintf(out, "injection base: 0x%x\n", report.Inject.Plan.Base)
			fmt.Fprintf(out, "section address: 0x%x\n", report.Inject.Plan.SectionAddress)

			return nil
		})
	},
}

func init() {
	installCmd.Flags().StringVar(&installCmdFlags.Target, "target", "", "Boot image to replace")
	installCmd.Flags().StringVar(&installCmdFlags.Payload, "payload", "", "Payload image to inject")
	installCmd.Flags().StringVar(&installCmdFlags.Backup, "backup", "", "Pristine copy of the target (defaults to <target>.bak)")

	installCmd.MarkFlagRequired("target")  //nolint:errcheck
	installCmd.MarkFlagRequired("payload") //nolint:errcheck

	rootCmd.AddCommand(installCmd)
}
