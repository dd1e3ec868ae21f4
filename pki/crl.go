package pki

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/onkoto/devicepki/ca"
	"github.com/onkoto/devicepki/store"
)

// CRLValidity is how long each published CRL remains valid. The broker
// re-reads the file per handshake, so a fresh list only needs to land
// before this window closes.
const CRLValidity = 7 * 24 * time.Hour

// RFC 5280 CRLReason codes.
const (
	crlReasonKeyCompromise      = 1
	crlReasonAffiliationChanged = 3
	crlReasonSuperseded         = 4
	crlReasonCessation          = 5
)

// crlReason maps a stored revoke reason to its RFC 5280 code. Zero means
// no mapping: the reason extension is omitted, which readers treat as
// "unspecified".
func crlReason(r store.RevokeReason) int {
	switch r {
	case store.ReasonCompromised, store.ReasonKeyCompromise:
		return crlReasonKeyCompromise
	case store.ReasonSuperseded, store.ReasonRotation:
		return crlReasonSuperseded
	case store.ReasonCessation:
		return crlReasonCessation
	case store.ReasonAffiliationChanged:
		return crlReasonAffiliationChanged
	default:
		return 0
	}
}

// Publisher builds and publishes the certificate revocation list the
// MQTT broker checks during mTLS handshakes.
type Publisher struct {
	store     store.Store
	authority *ca.Authority
	path      string
	log       *slog.Logger
}

// NewPublisher returns a Publisher writing to the given broker-visible
// path.
func NewPublisher(st store.Store, authority *ca.Authority, path string, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{store: st, authority: authority, path: path, log: log}
}

// Path returns the configured CRL output path.
func (p *Publisher) Path() string {
	return p.path
}

// Build signs a fresh CRL covering every revoked device and bootstrap
// certificate and returns it in PEM form. Serials that are not valid
// hexadecimal are skipped and logged rather than failing the whole list.
func (p *Publisher) Build(ctx context.Context) ([]byte, error) {
	revoked, err := p.store.ListRevoked(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing revoked certificates: %w", err)
	}

	now := time.Now().UTC()
	entries := make([]x509.RevocationListEntry, 0, len(revoked))
	for _, r := range revoked {
		serial, ok := SerialToInt(r.SerialNumber)
		if !ok {
			p.log.Warn("skipping CRL entry with non-hex serial", "serial_number", r.SerialNumber)
			continue
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: r.RevokedAt.UTC(),
			ReasonCode:     crlReason(r.Reason),
		})
	}

	template := &x509.RevocationList{
		RevokedCertificateEntries: entries,
		Number:                    big.NewInt(now.UnixNano()),
		ThisUpdate:                now,
		NextUpdate:                now.Add(CRLValidity),
	}

	var der []byte
	err = p.authority.Sign(func(caCert *x509.Certificate, signer crypto.Signer) error {
		der, err = x509.CreateRevocationList(rand.Reader, template, caCert, signer)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("signing CRL: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der}), nil
}

// Publish builds the CRL and writes it atomically (write-then-rename) to
// the configured path, creating parent directories as needed. Each
// publish is a full snapshot, so re-publishing is always safe.
//
// Callers on the revocation path must log the returned error instead of
// propagating it: a committed revocation never rolls back because the
// broker file could not be written.
func (p *Publisher) Publish(ctx context.Context) error {
	pemData, err := p.Build(ctx)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating CRL directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".crl-*")
	if err != nil {
		return fmt.Errorf("creating CRL temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(pemData); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing CRL: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing CRL temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("setting CRL permissions: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publishing CRL: %w", err)
	}
	p.log.Info("CRL published", "path", p.path, "revoked_entries", countEntries(pemData))
	return nil
}

func countEntries(pemData []byte) int {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return 0
	}
	crl, err := x509.ParseRevocationList(block.Bytes)
	if err != nil {
		return 0
	}
	return len(crl.RevokedCertificateEntries)
}
