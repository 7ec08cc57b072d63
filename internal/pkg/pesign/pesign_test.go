// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pesign_test

import (
	"bytes"
	"crypto"
	stdx509 "crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxboron/go-uefi/authenticode"
	"github.com/siderolabs/crypto/x509"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/pe-inject/internal/pkg/pe"
	"github.com/siderolabs/pe-inject/internal/pkg/pe/petest"
	"github.com/siderolabs/pe-inject/internal/pkg/pesign"
)

type certificateProvider struct {
	*x509.CertificateAuthority
}

func (c *certificateProvider) Signer() crypto.Signer {
	return c.CertificateAuthority.Key.(crypto.Signer)
}

func (c *certificateProvider) Certificate() *stdx509.Certificate {
	return c.CertificateAuthority.Crt
}

func newCA(t *testing.T) *x509.CertificateAuthority {
	t.Helper()

	currentTime := time.Now()

	opts := []x509.Option{
		x509.RSA(true),
		x509.Bits(2048),
		x509.CommonName("test-sign"),
		x509.NotAfter(currentTime.Add(time.Hour)),
		x509.NotBefore(currentTime),
		x509.Organization("test-sign"),
	}

	ca, err := x509.NewSelfSignedCertificateAuthority(opts...)
	require.NoError(t, err)

	return ca
}

func testImage() []byte {
	return petest.Build(petest.Options{
		EntryPoint: 0x1000,
		Sections: []petest.Section{
			{
				Name:            ".text",
				Data:            petest.Fill(0x400, 0x90),
				Characteristics: pe.SectionCntCode | pe.SectionMemRead | pe.SectionMemExecute,
			},
		},
	})
}

func TestSign(t *testing.T) {
	t.Parallel()

	ca := newCA(t)

	signer, err := pesign.NewSigner(&certificateProvider{ca})
	require.NoError(t, err)

	unsigned := testImage()

	signed, err := signer.Sign(unsigned)
	require.NoError(t, err)

	require.Greater(t, len(signed), len(unsigned))

	img, err := pe.Parse(signed)
	require.NoError(t, err)

	assert.True(t, img.Signed())
	assert.Equal(t, unsigned[0x200:0x600], signed[0x200:0x600])

	binary, err := authenticode.Parse(bytes.NewReader(signed))
	require.NoError(t, err)

	signatures, err := binary.Signatures()
	require.NoError(t, err)
	assert.Len(t, signatures, 1)

	ok, err := binary.Verify(ca.Crt)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewSignerNil(t *testing.T) {
	t.Parallel()

	_, err := pesign.NewSigner(nil)
	require.Error(t, err)
}

func TestFileSigner(t *testing.T) {
	t.Parallel()

	ca := newCA(t)

	pkcs8, err := stdx509.MarshalPKCS8PrivateKey(ca.Key)
	require.NoError(t, err)

	for _, test := range []struct {
		name string
		key  []byte
	}{
		{
			name: "pkcs1",
			key:  ca.KeyPEM,
		},
		{
			name: "pkcs8",
			key:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}),
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()

			keyPath := filepath.Join(dir, "key.pem")
			certPath := filepath.Join(dir, "cert.pem")

			require.NoError(t, os.WriteFile(keyPath, test.key, 0o600))
			require.NoError(t, os.WriteFile(certPath, ca.CrtPEM, 0o600))

			fileSigner, err := pesign.NewFileSigner(keyPath, certPath)
			require.NoError(t, err)

			assert.Equal(t, ca.Crt.Raw, fileSigner.Certificate().Raw)

			signer, err := pesign.NewSigner(fileSigner)
			require.NoError(t, err)

			_, err = signer.Sign(testImage())
			require.NoError(t, err)
		})
	}
}

func TestFileSignerErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("garbage"), 0o600))

	_, err := pesign.NewFileSigner(filepath.Join(dir, "missing.pem"), garbage)
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = pesign.NewFileSigner(garbage, garbage)
	require.Error(t, err)
}
