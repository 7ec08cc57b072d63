// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/siderolabs/pe-inject/pkg/version"
)

var versionCmdFlags struct {
	short bool
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Prints the version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		v := version.NewVersion()

		if versionCmdFlags.short {
			fmt.Fprintln(cmd.OutOrStdout(), version.Short(v))

			return nil
		}

		return version.WriteLongVersion(cmd.OutOrStdout(), v)
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionCmdFlags.short, "short", false, "Print the short version")

	rootCmd.AddCommand(versionCmd)
}
