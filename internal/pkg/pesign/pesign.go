// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package pesign implements Authenticode signing of the injected image.
package pesign

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/foxboron/go-uefi/authenticode"
)

// Signer signs PE (portable executable) images.
type Signer struct {
	provider CertificateSigner
}

// CertificateSigner is a provider of the certificate and the signer.
type CertificateSigner interface {
	Signer() crypto.Signer
	Certificate() *x509.Certificate
}

// NewSigner creates a new Signer.
func NewSigner(provider CertificateSigner) (*Signer, error) {
	if provider == nil {
		return nil, errors.New("certificate signer is required")
	}

	return &Signer{
		provider: provider,
	}, nil
}

// Sign returns a signed copy of the image.
//
// Any existing signature is kept, the new one is appended to the certificate table.
func (s *Signer) Sign(unsigned []byte) ([]byte, error) {
	binary, err := authenticode.Parse(bytes.NewReader(unsigned))
	if err != nil {
		return nil, fmt.Errorf("error parsing image for signing: %w", err)
	}

	// Sign appends the signature to the certificate table itself
	if _, err = binary.Sign(s.provider.Signer(), s.provider.Certificate()); err != nil {
		return nil, fmt.Errorf("error signing image: %w", err)
	}

	return binary.Bytes(), nil
}
