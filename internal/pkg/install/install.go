// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package install implements the file-level installation of an injected boot image.
package install

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/siderolabs/pe-inject/internal/pkg/inject"
	"github.com/siderolabs/pe-inject/internal/pkg/pesign"
	"github.com/siderolabs/pe-inject/internal/pkg/peverify"
)

// Options represents the set of options available for an install.
type Options struct {
	// Target is the boot image to replace.
	Target string
	// Payload is the image to inject.
	Payload string
	// Backup is the pristine copy of Target, defaults to BackupPath(Target).
	Backup string

	Inject inject.Options

	// Verify re-parses the result with an independent parser before replacing the target.
	Verify bool
	// Signer optionally re-signs the result.
	Signer *pesign.Signer

	Logger *zap.Logger
}

// Report is the outcome of the install steps.
type Report struct {
	Backup   BackupResult
	Inject   *inject.Result
	Verified bool
	Signed   bool
	// Image is the final image written to the target.
	Image []byte
}

// Installer installs the payload into the target boot image.
type Installer struct {
	opts   Options
	logger *zap.Logger
}

// NewInstaller creates a new Installer.
func NewInstaller(opts Options) (*Installer, error) {
	if opts.Target == "" {
		return nil, errors.New("target path is required")
	}

	if opts.Payload == "" {
		return nil, errors.New("payload path is required")
	}

	if opts.Backup == "" {
		opts.Backup = BackupPath(opts.Target)
	}

	if opts.Backup == opts.Target {
		return nil, errors.New("backup path must differ from the target path")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Installer{
		opts:   opts,
		logger: logger,
	}, nil
}

type step struct {
	name string
	run  func(ctx context.Context, report *Report) error
}

// Run runs the install steps: backup, inject, verify, sign, replace.
//
// The first failing step aborts the rest, the target is only touched by the last step.
func (i *Installer) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	steps := []step{
		{"backup", i.backup},
		{"inject", i.inject},
		{"verify", i.verify},
		{"sign", i.sign},
		{"replace", i.replace},
	}

	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if err := s.run(ctx, report); err != nil {
			return report, fmt.Errorf("%s: %w", s.name, err)
		}
	}

	return report, nil
}

func (i *Installer) backup(_ context.Context, report *Report) error {
	result, err := EnsureBackup(i.opts.Target, i.opts.Backup)
	if err != nil {
		return err
	}

	report.Backup = result

	if result.Created {
		i.logger.Info("created backup", zap.String("path", result.Path))
	} else {
		i.logger.Info("using existing backup", zap.String("path", result.Path))
	}

	return nil
}

func (i *Installer) inject(_ context.Context, report *Report) error {
	// always start from the pristine image, so that installing twice doesn't stack payloads
	host, err := ReadImage(i.opts.Backup)
	if err != nil {
		return err
	}

	payload, err := ReadImage(i.opts.Payload)
	if err != nil {
		return err
	}

	result, err := inject.Inject(host, payload, i.opts.Inject)
	if err != nil {
		return err
	}

	for _, warning := range result.Warnings {
		i.logger.Warn(warning)
	}

	i.logger.Info("injected payload",
		zap.String("base", fmt.Sprintf("0x%x", result.Plan.Base)),
		zap.String("section", fmt.Sprintf("0x%x", result.Plan.SectionAddress)),
		zap.String("entry", fmt.Sprintf("0x%x", result.Plan.EntryPoint)),
	)

	report.Inject = result
	report.Image = result.Image

	return nil
}

func (i *Installer) verify(_ context.Context, report *Report) error {
	if !i.opts.Verify {
		return nil
	}

	expect, err := peverify.ExpectationFor(report.Inject)
	if err != nil {
		return err
	}

	if err = peverify.Verify(report.Image, expect); err != nil {
		return err
	}

	report.Verified = true

	return nil
}

func (i *Installer) sign(_ context.Context, report *Report) error {
	if i.opts.Signer == nil {
		return nil
	}

	signed, err := i.opts.Signer.Sign(report.Image)
	if err != nil {
		return err
	}

	i.logger.Info("signed image", zap.Int("size", len(signed)))

	report.Image = signed
	report.Signed = true

	return nil
}

func (i *Installer) replace(_ context.Context, report *Report) error {
	perm := os.FileMode(0o644)

	if st, err := os.Stat(i.opts.Target); err == nil {
		perm = st.Mode().Perm()
	}

	if err := WriteFileAtomic(i.opts.Target, report.Image, perm); err != nil {
		return err
	}

	i.logger.Info("replaced target", zap.String("path", i.opts.Target))

	return nil
}
