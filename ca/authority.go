// Package ca loads and guards the certificate authority trust root.
//
// The CA certificate and private key live on disk (typically a mounted
// secret). The key PEM is held in a memguard Enclave once loaded, so it is
// encrypted in process memory and only decrypted for the duration of a
// signing operation. Issuance is fail-closed: every operation returns
// ErrNotConfigured until both files load and parse.
package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/awnumar/memguard"
)

var (
	// ErrNotConfigured is returned when the CA certificate or key is
	// missing, unreadable, or fails to parse.
	ErrNotConfigured = errors.New("certificate authority is not configured")

	// ErrBadPassphrase is returned when the key PEM is encrypted and the
	// configured passphrase does not decrypt it.
	ErrBadPassphrase = errors.New("CA key passphrase is incorrect")
)

// Authority is the loaded CA trust root. It is safe for concurrent use.
// The first successful load is cached for the process lifetime; failed
// loads are not cached, so fixing the files on disk heals the service
// without a restart.
type Authority struct {
	certPath   string
	keyPath    string
	passphrase string

	mu      sync.Mutex
	cert    *x509.Certificate
	certPEM string
	keyDER  *memguard.Enclave
}

// New returns an Authority reading from the given paths. The passphrase
// is only used when the key PEM carries legacy DEK-Info encryption
// headers; pass "" for unencrypted keys.
func New(certPath, keyPath, passphrase string) *Authority {
	return &Authority{certPath: certPath, keyPath: keyPath, passphrase: passphrase}
}

// Load reads and parses the CA material, caching it on success. Safe to
// call repeatedly; subsequent calls are cheap once a load has succeeded.
func (a *Authority) Load() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loadLocked()
}

func (a *Authority) loadLocked() error {
	if a.cert != nil {
		return nil
	}
	if a.certPath == "" || a.keyPath == "" {
		return ErrNotConfigured
	}

	certData, err := os.ReadFile(a.certPath)
	if err != nil {
		return fmt.Errorf("%w: reading certificate: %v", ErrNotConfigured, err)
	}
	block, _ := pem.Decode(certData)
	if block == nil || block.Type != "CERTIFICATE" {
		return fmt.Errorf("%w: %s is not a PEM certificate", ErrNotConfigured, a.certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("%w: parsing certificate: %v", ErrNotConfigured, err)
	}
	if !cert.IsCA {
		return fmt.Errorf("%w: %s is not a CA certificate", ErrNotConfigured, a.certPath)
	}

	keyData, err := os.ReadFile(a.keyPath)
	if err != nil {
		return fmt.Errorf("%w: reading key: %v", ErrNotConfigured, err)
	}
	keyDER, err := decodeKeyDER(keyData, a.passphrase)
	if err != nil {
		if errors.Is(err, ErrBadPassphrase) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrNotConfigured, err)
	}
	// Sanity-parse before caching so Sign never sees a bad enclave.
	if _, err := parseSigner(keyDER); err != nil {
		memguard.WipeBytes(keyDER)
		return fmt.Errorf("%w: %v", ErrNotConfigured, err)
	}

	a.cert = cert
	a.certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
	a.keyDER = memguard.NewEnclave(keyDER)
	return nil
}

// decodeKeyDER extracts the raw key DER from a PEM file, decrypting
// legacy DEK-Info blocks when a passphrase is configured.
func decodeKeyDER(pemData []byte, passphrase string) ([]byte, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("no PEM block in key file")
	}
	//nolint:staticcheck // legacy OpenSSL-encrypted keys still exist in the field
	if x509.IsEncryptedPEMBlock(block) {
		if passphrase == "" {
			return nil, fmt.Errorf("%w: key is encrypted and no passphrase is set", ErrBadPassphrase)
		}
		//nolint:staticcheck
		der, err := x509.DecryptPEMBlock(block, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPassphrase, err)
		}
		return der, nil
	}
	return block.Bytes, nil
}

func parseSigner(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		switch k := key.(type) {
		case *rsa.PrivateKey:
			return k, nil
		case *ecdsa.PrivateKey:
			return k, nil
		case crypto.Signer:
			return k, nil
		default:
			return nil, fmt.Errorf("unsupported CA key type %T", key)
		}
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("CA key is not a parseable RSA, ECDSA, or PKCS8 private key")
}

// Certificate returns the parsed CA certificate, loading on first use.
func (a *Authority) Certificate() (*x509.Certificate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.loadLocked(); err != nil {
		return nil, err
	}
	return a.cert, nil
}

// CertificatePEM returns the CA certificate in PEM form, loading on
// first use.
func (a *Authority) CertificatePEM() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.loadLocked(); err != nil {
		return "", err
	}
	return a.certPEM, nil
}

// Sign runs fn with the CA certificate and its signing key. The key is
// decrypted from the enclave only for the duration of the call and wiped
// afterwards.
func (a *Authority) Sign(fn func(caCert *x509.Certificate, signer crypto.Signer) error) error {
	a.mu.Lock()
	if err := a.loadLocked(); err != nil {
		a.mu.Unlock()
		return err
	}
	cert, enclave := a.cert, a.keyDER
	a.mu.Unlock()

	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("opening CA key enclave: %w", err)
	}
	defer buf.Destroy()

	signer, err := parseSigner(buf.Bytes())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotConfigured, err)
	}
	return fn(cert, signer)
}
