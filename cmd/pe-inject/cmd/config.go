// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/siderolabs/pe-inject/internal/pkg/inject"
	"github.com/siderolabs/pe-inject/internal/pkg/pesign"
)

// Config is the configuration file passed with --config.
//
//	inject:
//	  sectionName: .bootkit
//	  padByte: 0xcc
//	  stripSignature: true
//	verify: true
//	signingKey: db.key
//	signingCert: db.pem
type Config struct {
	Inject      inject.Options `yaml:"inject"`
	Verify      *bool          `yaml:"verify,omitempty"`
	SigningKey  string         `yaml:"signingKey,omitempty"`
	SigningCert string         `yaml:"signingCert,omitempty"`
}

func loadConfig(path string) (Config, error) {
	cfg := Config{
		Inject: inject.DefaultOptions(),
	}

	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}

	//nolint:errcheck
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)

	if err = decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to decode config %q: %w", path, err)
	}

	return cfg, nil
}

type settings struct {
	Inject inject.Options
	Verify bool
	Signer *pesign.Signer
}

// resolveSettings merges the config file with the flags, explicitly set flags win.
//
//nolint:gocyclo
func resolveSettings(flags *pflag.FlagSet) (settings, error) {
	cfg, err := loadConfig(cmdFlags.Config)
	if err != nil {
		return settings{}, err
	}

	s := settings{
		Inject: cfg.Inject,
		Verify: true,
	}

	if cfg.Verify != nil {
		s.Verify = *cfg.Verify
	}

	if flags.Changed("section-name") {
		s.Inject.SectionName = cmdFlags.SectionName
	}

	if flags.Changed("pad-byte") {
		s.Inject.PadByte = cmdFlags.PadByte
	}

	if flags.Changed("strip-signature") {
		s.Inject.StripSignature = cmdFlags.StripSignature
	}

	if flags.Changed("update-checksum") {
		s.Inject.UpdateChecksum = cmdFlags.UpdateChecksum
	}

	if flags.Changed("allow-reinject") {
		s.Inject.AllowReinject = cmdFlags.AllowReinject
	}

	if flags.Changed("verify") {
		s.Verify = cmdFlags.Verify
	}

	key, cert := cfg.SigningKey, cfg.SigningCert

	if flags.Changed("signing-key") {
		key = cmdFlags.SigningKey
	}

	if flags.Changed("signing-cert") {
		cert = cmdFlags.SigningCert
	}

	if (key == "") != (cert == "") {
		return settings{}, errors.New("both signing key and signing certificate are required for signing")
	}

	if key != "" {
		fileSigner, err := pesign.NewFileSigner(key, cert)
		if err != nil {
			return settings{}, err
		}

		if s.Signer, err = pesign.NewSigner(fileSigner); err != nil {
			return settings{}, err
		}

		if !s.Inject.StripSignature {
			logger.Warn("signing without stripping keeps the invalidated host signature in the certificate table")
		}
	}

	return s, nil
}
