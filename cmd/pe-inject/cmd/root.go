// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cmd implements the pe-inject commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/siderolabs/pe-inject/internal/pkg/inject"
	"github.com/siderolabs/pe-inject/pkg/logging"
)

var cmdFlags struct {
	Config         string
	SectionName    string
	PadByte        uint8
	StripSignature bool
	UpdateChecksum bool
	AllowReinject  bool
	Verify         bool
	SigningKey     string
	SigningCert    string
	Verbose        bool
}

var logger = zap.NewNop()

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:           "pe-inject",
	Short:         "Inject a payload EFI image into a host boot image.",
	Long:          ``,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		logger = logging.CLI(cmd.ErrOrStderr(), cmdFlags.Verbose, !color.NoColor)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := execute(rootCmd); err != nil {
		os.Exit(1)
	}
}

// execute runs cmd and reports a failure on its standard output, next to the command's results.
func execute(cmd *cobra.Command) error {
	err := cmd.Execute()
	if err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), renderError(err))
	}

	return err
}

// newFlagSet returns the flags shared by all commands, bound to cmdFlags.
func newFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("pe-inject", pflag.ContinueOnError)

	flags.StringVar(&cmdFlags.Config, "config", "", "Path to the YAML file with the injection options")
	flags.StringVar(&cmdFlags.SectionName, "section-name", inject.DefaultSectionName, "Name of the injected section")
	flags.Uint8Var(&cmdFlags.PadByte, "pad-byte", 0, "Byte to fill the gap before the payload with (e.g. 204 for int3)")
	flags.BoolVar(&cmdFlags.StripSignature, "strip-signature", false, "Remove the host Authenticode signature")
	flags.BoolVar(&cmdFlags.UpdateChecksum, "update-checksum", false, "Recompute the optional header checksum")
	flags.BoolVar(&cmdFlags.AllowReinject, "allow-reinject", false, "Allow injecting into an image which already has the injected section")
	flags.BoolVar(&cmdFlags.Verify, "verify", true, "Re-parse the result with an independent PE parser")
	flags.StringVar(&cmdFlags.SigningKey, "signing-key", "", "PEM private key to re-sign the result with")
	flags.StringVar(&cmdFlags.SigningCert, "signing-cert", "", "PEM certificate to re-sign the result with")
	flags.BoolVarP(&cmdFlags.Verbose, "verbose", "v", false, "Enable debug logging")

	return flags
}

func init() {
	rootCmd.PersistentFlags().AddFlagSet(newFlagSet())
}
