// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pesign

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// FileSigner loads the signing key and certificate from PEM files.
type FileSigner struct {
	key  crypto.Signer
	cert *x509.Certificate
}

// Verify interface.
var _ CertificateSigner = (*FileSigner)(nil)

// Signer implements CertificateSigner.
func (s *FileSigner) Signer() crypto.Signer {
	return s.key
}

// Certificate implements CertificateSigner.
func (s *FileSigner) Certificate() *x509.Certificate {
	return s.cert
}

// NewFileSigner creates a new signer from the private key and certificate files.
//
// The key can be either PKCS#1 RSA or PKCS#8.
func NewFileSigner(keyPath, certPath string) (*FileSigner, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	key, err := parsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key %q: %w", keyPath, err)
	}

	certData, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}

	certBlock, _ := pem.Decode(certData)
	if certBlock == nil {
		return nil, fmt.Errorf("failed to decode certificate %q", certPath)
	}

	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate %q: %w", certPath, err)
	}

	return &FileSigner{
		key:  key,
		cert: cert,
	}, nil
}

func parsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode private key")
	}

	if rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return rsaKey, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}

	return signer, nil
}
