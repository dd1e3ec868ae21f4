package ca

import (
	"crypto"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onkoto/devicepki/internal/catest"
)

func TestAuthorityLoad(t *testing.T) {
	tc := catest.New(t)
	a := New(tc.CertPath, tc.KeyPath, "")
	require.NoError(t, a.Load())

	cert, err := a.Certificate()
	require.NoError(t, err)
	assert.Equal(t, "Test Device CA", cert.Subject.CommonName)
	assert.True(t, cert.IsCA)

	pemStr, err := a.CertificatePEM()
	require.NoError(t, err)
	assert.Contains(t, pemStr, "BEGIN CERTIFICATE")
}

func TestAuthorityNotConfigured(t *testing.T) {
	a := New("", "", "")
	assert.ErrorIs(t, a.Load(), ErrNotConfigured)

	a = New("/nonexistent/ca.crt", "/nonexistent/ca.key", "")
	assert.ErrorIs(t, a.Load(), ErrNotConfigured)
}

func TestAuthorityRejectsNonCACert(t *testing.T) {
	tc := catest.New(t)
	// A key file in place of a certificate is not a CA.
	a := New(tc.KeyPath, tc.KeyPath, "")
	assert.ErrorIs(t, a.Load(), ErrNotConfigured)
}

func TestAuthorityHealsAfterFailedLoad(t *testing.T) {
	tc := catest.New(t)
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.crt")
	keyPath := filepath.Join(dir, "ca.key")

	a := New(certPath, keyPath, "")
	require.ErrorIs(t, a.Load(), ErrNotConfigured)

	// Files appear later (secret mount catching up): no restart needed.
	data, err := os.ReadFile(tc.CertPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(certPath, data, 0600))
	data, err = os.ReadFile(tc.KeyPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(keyPath, data, 0600))

	require.NoError(t, a.Load())
}

func TestAuthoritySign(t *testing.T) {
	tc := catest.New(t)
	a := New(tc.CertPath, tc.KeyPath, "")

	var signed bool
	err := a.Sign(func(caCert *x509.Certificate, signer crypto.Signer) error {
		require.NotNil(t, caCert)
		require.NotNil(t, signer.Public())
		signed = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, signed)

	// The enclave survives repeated signing calls.
	require.NoError(t, a.Sign(func(*x509.Certificate, crypto.Signer) error { return nil }))
}
