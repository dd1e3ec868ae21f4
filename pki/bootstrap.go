package pki

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/onkoto/devicepki/ca"
	"github.com/onkoto/devicepki/internal/util"
	"github.com/onkoto/devicepki/store"
)

// BootstrapSAN marks a certificate as the shared factory provisioning
// credential. The provisioning endpoint's TLS frontend restricts itself
// to client certificates carrying this name.
const BootstrapSAN = "bootstrap.onkoto.iot"

// DefaultBootstrapValidityDays bounds the window a factory batch can keep
// provisioning with one shared credential.
const DefaultBootstrapValidityDays = 365

const maxLabelLen = 40

// BootstrapManager manages the shared factory provisioning credential.
type BootstrapManager struct {
	store        store.Store
	authority    *ca.Authority
	publisher    *Publisher
	log          *slog.Logger
	validityDays int
}

// NewBootstrapManager returns a BootstrapManager. publisher may be nil.
// validityDays <= 0 selects DefaultBootstrapValidityDays.
func NewBootstrapManager(st store.Store, authority *ca.Authority, publisher *Publisher, log *slog.Logger, validityDays int) *BootstrapManager {
	if validityDays <= 0 {
		validityDays = DefaultBootstrapValidityDays
	}
	if log == nil {
		log = slog.Default()
	}
	return &BootstrapManager{store: st, authority: authority, publisher: publisher, log: log, validityDays: validityDays}
}

// Generate issues a new shared bootstrap certificate and makes it the
// single active record, deactivating (not revoking) any predecessor. The
// prior record stays usable as a fallback until devices update.
func (m *BootstrapManager) Generate(ctx context.Context, label, actor string) (*store.BootstrapCertificate, error) {
	label = util.NormalizeIdentifier(label)
	if label == "" {
		return nil, fmt.Errorf("%w: label is required", store.ErrInvalidRecord)
	}

	key, err := rsa.GenerateKey(rand.Reader, factoryKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating bootstrap key: %w", err)
	}

	serial, err := NewSerialNumber()
	if err != nil {
		return nil, err
	}
	serialInt, _ := SerialToInt(serial)
	ski, err := subjectKeyID(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	// Truncate on rune boundaries; slicing bytes could split a
	// multi-byte label and produce an invalid UTF8String subject.
	cn := "bootstrap-" + label
	if r := []rune(label); len(r) > maxLabelLen {
		cn = "bootstrap-" + string(r[:maxLabelLen])
	}

	now := time.Now().UTC()
	notAfter := now.AddDate(0, 0, m.validityDays)
	template := &x509.Certificate{
		SerialNumber: serialInt,
		Subject: pkix.Name{
			CommonName:   cn,
			Organization: []string{subjectOrganization},
			Country:      []string{subjectCountry},
		},
		NotBefore:             now,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		SubjectKeyId:          ski,
		DNSNames:              []string{BootstrapSAN},
	}

	var der []byte
	err = m.authority.Sign(func(caCert *x509.Certificate, signer crypto.Signer) error {
		der, err = x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, signer)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("signing bootstrap certificate: %w", err)
	}

	keyDER := x509.MarshalPKCS1PrivateKey(key)
	record := &store.BootstrapCertificate{
		ID:                uuid.NewString(),
		Label:             label,
		CertificatePEM:    string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		PrivateKeyPEM:     string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: keyDER})),
		SerialNumber:      serial,
		FingerprintSHA256: Fingerprint(der),
		IssuedAt:          now,
		ExpiresAt:         notAfter,
		Active:            true,
		CreatedBy:         actor,
	}
	if err := m.store.InsertBootstrapCertificate(ctx, record); err != nil {
		return nil, err
	}
	m.log.Info("bootstrap certificate generated",
		"bootstrap_id", record.ID,
		"label", label,
		"serial_number", serial,
		"actor", actor)
	return record, nil
}

// Active returns the single active, non-revoked bootstrap record.
func (m *BootstrapManager) Active(ctx context.Context) (*store.BootstrapCertificate, error) {
	b, err := m.store.ActiveBootstrapCertificate(ctx)
	if err == store.ErrNotFound {
		return nil, ErrNoActiveBootstrap
	}
	return b, err
}

// PurgeKey clears the stored private key after the factory download.
// Idempotent: reports false when the key was already gone.
func (m *BootstrapManager) PurgeKey(ctx context.Context, id string) (bool, error) {
	purged, err := m.store.PurgeBootstrapKey(ctx, id)
	if err != nil {
		return false, err
	}
	if purged {
		m.log.Info("bootstrap private key purged", "bootstrap_id", id)
	}
	return purged, nil
}

// Revoke is the high-blast-radius path: it blocks every not-yet-
// provisioned device sharing this credential. Routine rotation uses
// Generate alone. CRL failures are logged, never returned.
func (m *BootstrapManager) Revoke(ctx context.Context, id string, reason store.RevokeReason, notes, actor string) (*store.BootstrapCertificate, error) {
	if !store.ValidReason(reason) {
		return nil, fmt.Errorf("%w: unknown revoke reason %q", store.ErrInvalidRecord, reason)
	}
	b, err := m.store.RevokeBootstrapCertificate(ctx, id, time.Now().UTC(), reason, notes)
	if err != nil {
		return nil, err
	}
	m.log.Warn("bootstrap certificate revoked",
		"bootstrap_id", b.ID,
		"label", b.Label,
		"serial_number", b.SerialNumber,
		"reason", reason,
		"actor", actor)
	if m.publisher != nil {
		if err := m.publisher.Publish(ctx); err != nil {
			m.log.Error("CRL publication failed after bootstrap revocation", "error", err)
		}
	}
	return b, nil
}
