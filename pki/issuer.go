// Package pki implements the device identity and certificate lifecycle:
// per-device certificate issuance (CSR-signed or factory-generated),
// bootstrap credential management, provisioning registration, CRL
// publication, and renewal scheduling. Persistence goes through
// store.Store; signing goes through the ca.Authority trust root.
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

// DefaultValidityDays is the leaf certificate validity applied when the
// caller does not override it.
const DefaultValidityDays = 3650

const (
	subjectOrganization = "Onkoto IoT"
	subjectCountry      = "BR"
)

const factoryKeyBits = 2048

// Issuer creates, packages, and revokes per-device certificates.
type Issuer struct {
	store        store.Store
	authority    *ca.Authority
	publisher    *Publisher
	log          *slog.Logger
	validityDays int
}

// NewIssuer returns an Issuer. publisher may be nil, in which case
// revocations skip CRL publication (a separate rebuild must run).
// validityDays <= 0 selects DefaultValidityDays.
func NewIssuer(st store.Store, authority *ca.Authority, publisher *Publisher, log *slog.Logger, validityDays int) *Issuer {
	if validityDays <= 0 {
		validityDays = DefaultValidityDays
	}
	if log == nil {
		log = slog.Default()
	}
	return &Issuer{store: st, authority: authority, publisher: publisher, log: log, validityDays: validityDays}
}

// IssueRequest identifies the device a certificate is being issued for.
type IssueRequest struct {
	TenantID   string
	DeviceID   string
	MACAddress string
	GatewayID  string
	// ForceRenew revokes any existing active certificate with reason
	// SUPERSEDED before issuing.
	ForceRenew bool
	// ValidityDays overrides the issuer default when positive.
	ValidityDays int
}

func (r *IssueRequest) normalize() error {
	r.DeviceID = util.NormalizeIdentifier(r.DeviceID)
	if r.DeviceID == "" {
		return fmt.Errorf("%w: device id is required", store.ErrInvalidRecord)
	}
	r.MACAddress = store.NormalizeMAC(r.MACAddress)
	if !store.ValidMAC(r.MACAddress) {
		return fmt.Errorf("%w: invalid MAC address %q", store.ErrInvalidRecord, r.MACAddress)
	}
	if r.TenantID == "" {
		return fmt.Errorf("%w: tenant id is required", store.ErrInvalidRecord)
	}
	return nil
}

func (i *Issuer) validity(req IssueRequest) int {
	if req.ValidityDays > 0 {
		return req.ValidityDays
	}
	return i.validityDays
}

// IssueFromCSR validates and signs a device-submitted CSR. The resulting
// record carries no private key; the key never left the device.
func (i *Issuer) IssueFromCSR(ctx context.Context, req IssueRequest, csrPEM string) (*store.DeviceCertificate, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	if err := i.checkExisting(ctx, req); err != nil {
		return nil, err
	}
	cert, err := i.BuildFromCSR(req, csrPEM)
	if err != nil {
		return nil, err
	}
	return i.persist(ctx, cert)
}

// IssueFactory generates an RSA key pair server-side and issues a
// self-contained certificate. The private key is stored on the record for
// the factory ZIP; use only for physical flashing.
func (i *Issuer) IssueFactory(ctx context.Context, req IssueRequest) (*store.DeviceCertificate, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	if err := i.checkExisting(ctx, req); err != nil {
		return nil, err
	}
	cert, err := i.BuildFactory(req)
	if err != nil {
		return nil, err
	}
	return i.persist(ctx, cert)
}

// BuildFromCSR builds an unpersisted certificate record from a CSR. The
// request must already be normalized. Callers that need the insert to
// happen inside a larger transaction (registration allocation) use this
// with store.AllocateRegistration.
func (i *Issuer) BuildFromCSR(req IssueRequest, csrPEM string) (*store.DeviceCertificate, error) {
	csr, err := parseCSR(csrPEM)
	if err != nil {
		return nil, err
	}
	record, err := i.sign(req, csr.Subject, csr.PublicKey)
	if err != nil {
		return nil, err
	}
	record.CSRPEM = csrPEM
	return record, nil
}

// BuildFactory builds an unpersisted factory-path certificate record with
// a freshly generated RSA-2048 key pair. The request must already be
// normalized.
func (i *Issuer) BuildFactory(req IssueRequest) (*store.DeviceCertificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, factoryKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating device key: %w", err)
	}
	subject := pkix.Name{
		CommonName:   req.DeviceID,
		Organization: []string{subjectOrganization},
		Country:      []string{subjectCountry},
	}
	record, err := i.sign(req, subject, &key.PublicKey)
	if err != nil {
		return nil, err
	}
	keyDER := x509.MarshalPKCS1PrivateKey(key)
	record.PrivateKeyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: keyDER}))
	return record, nil
}

// sign builds the leaf template and signs it under the CA, returning a
// populated (unpersisted) record.
func (i *Issuer) sign(req IssueRequest, subject pkix.Name, pub crypto.PublicKey) (*store.DeviceCertificate, error) {
	serial, err := NewSerialNumber()
	if err != nil {
		return nil, err
	}
	serialInt, _ := SerialToInt(serial)
	ski, err := subjectKeyID(pub)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	notAfter := now.AddDate(0, 0, i.validity(req))
	template := &x509.Certificate{
		SerialNumber:          serialInt,
		Subject:               subject,
		NotBefore:             now,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		SubjectKeyId:          ski,
		DNSNames:              []string{req.DeviceID},
	}

	var der []byte
	err = i.authority.Sign(func(caCert *x509.Certificate, signer crypto.Signer) error {
		der, err = x509.CreateCertificate(rand.Reader, template, caCert, pub, signer)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("signing device certificate: %w", err)
	}

	return &store.DeviceCertificate{
		ID:                uuid.NewString(),
		TenantID:          req.TenantID,
		MACAddress:        req.MACAddress,
		DeviceID:          req.DeviceID,
		GatewayID:         req.GatewayID,
		CertificatePEM:    string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		SerialNumber:      serial,
		FingerprintSHA256: Fingerprint(der),
		IssuedAt:          now,
		ExpiresAt:         notAfter,
	}, nil
}

// checkExisting enforces the single-active invariant up front, or clears
// the slot with SUPERSEDED revocations when force-renew is requested.
func (i *Issuer) checkExisting(ctx context.Context, req IssueRequest) error {
	existing, err := i.store.ActiveDeviceCertificates(ctx, req.TenantID, req.DeviceID)
	if err != nil {
		return err
	}
	byMAC, _, err := i.store.ListDeviceCertificates(ctx, store.CertificateFilter{
		TenantID:   req.TenantID,
		MACAddress: req.MACAddress,
	})
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(existing))
	for _, c := range existing {
		seen[c.ID] = true
	}
	for _, c := range byMAC {
		if !c.Revoked && !seen[c.ID] {
			existing = append(existing, c)
			seen[c.ID] = true
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if !req.ForceRenew {
		return ErrCertificateExists
	}
	now := time.Now().UTC()
	for _, c := range existing {
		if _, err := i.store.RevokeDeviceCertificate(ctx, c.ID, now, store.ReasonSuperseded, "superseded by forced renewal"); err != nil {
			return fmt.Errorf("revoking superseded certificate %s: %w", c.ID, err)
		}
	}
	i.publishCRL(ctx)
	return nil
}

func (i *Issuer) persist(ctx context.Context, cert *store.DeviceCertificate) (*store.DeviceCertificate, error) {
	if err := i.store.InsertDeviceCertificate(ctx, cert); err != nil {
		if err == store.ErrActiveCertificateExists {
			return nil, ErrCertificateExists
		}
		return nil, err
	}
	i.log.Info("certificate issued",
		"certificate_id", cert.ID,
		"tenant_id", cert.TenantID,
		"device_id", cert.DeviceID,
		"serial_number", cert.SerialNumber,
		"expires_at", cert.ExpiresAt)
	return cert, nil
}

// Revoke applies the one-way revocation transition and triggers CRL
// publication. A CRL failure is logged, never returned: the store
// transition already committed and must not appear to have failed.
func (i *Issuer) Revoke(ctx context.Context, id string, reason store.RevokeReason, notes, actor string) (*store.DeviceCertificate, error) {
	if !store.ValidReason(reason) {
		return nil, fmt.Errorf("%w: unknown revoke reason %q", store.ErrInvalidRecord, reason)
	}
	cert, err := i.store.RevokeDeviceCertificate(ctx, id, time.Now().UTC(), reason, notes)
	if err != nil {
		return nil, err
	}
	i.log.Info("certificate revoked",
		"certificate_id", cert.ID,
		"serial_number", cert.SerialNumber,
		"reason", reason,
		"actor", actor)
	i.publishCRL(ctx)
	return cert, nil
}

func (i *Issuer) publishCRL(ctx context.Context) {
	if i.publisher == nil {
		return
	}
	if err := i.publisher.Publish(ctx); err != nil {
		i.log.Error("CRL publication failed after revocation", "error", err)
	}
}

func parseCSR(csrPEM string) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, fmt.Errorf("%w: no CERTIFICATE REQUEST block", ErrInvalidCSR)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCSR, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: signature check failed: %v", ErrInvalidCSR, err)
	}
	return csr, nil
}
