// Package store defines the persistence contract for device identity
// records: individual device certificates, the shared factory bootstrap
// certificate, first-contact provisioning registrations, and the gateways
// created when a registration is allocated to a tenant.
//
// Implementations (memory, bbolt, sqlite) must uphold two invariants
// atomically against concurrent callers:
//
//   - at most one non-revoked DeviceCertificate per (tenant, MAC);
//   - at most one BootstrapCertificate with active=true and revoked=false.
//
// Revoked records are retained for audit and never deleted.
package store

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// RevokeReason is the closed set of revocation reason codes carried on
// revoked records and mapped onto RFC 5280 CRL reason codes at CRL build
// time. Unknown or unmappable codes produce a CRL entry without a reason
// extension (RFC 5280 reads that as "unspecified").
type RevokeReason string

const (
	ReasonCompromised        RevokeReason = "COMPROMISED"
	ReasonKeyCompromise      RevokeReason = "KEY_COMPROMISE"
	ReasonSuperseded         RevokeReason = "SUPERSEDED"
	ReasonCessation          RevokeReason = "CESSATION"
	ReasonAffiliationChanged RevokeReason = "AFFILIATION_CHANGED"
	ReasonRotation           RevokeReason = "ROTATION"
	ReasonOther              RevokeReason = "OTHER"
)

// ValidReason reports whether r is one of the defined reason codes.
func ValidReason(r RevokeReason) bool {
	switch r {
	case ReasonCompromised, ReasonKeyCompromise, ReasonSuperseded,
		ReasonCessation, ReasonAffiliationChanged, ReasonRotation, ReasonOther:
		return true
	}
	return false
}

// RegistrationStatus is the provisioning state machine for a Registration.
// Valid transitions: PENDING -> ALLOCATED | PROVISIONED | REJECTED and
// ALLOCATED -> PROVISIONED. REJECTED and PROVISIONED are terminal.
type RegistrationStatus string

const (
	StatusPending     RegistrationStatus = "PENDING"
	StatusAllocated   RegistrationStatus = "ALLOCATED"
	StatusProvisioned RegistrationStatus = "PROVISIONED"
	StatusRejected    RegistrationStatus = "REJECTED"
)

// CanTransition reports whether moving from s to next is a legal step in
// the registration state machine.
func (s RegistrationStatus) CanTransition(next RegistrationStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusAllocated || next == StatusProvisioned || next == StatusRejected
	case StatusAllocated:
		return next == StatusProvisioned
	default:
		return false
	}
}

// RenewalWindow is how far ahead of expiry a certificate enters the
// renewal pipeline (2 years).
const RenewalWindow = 730 * 24 * time.Hour

// DeviceCertificate is one device's individual mTLS credential.
//
// PrivateKeyPEM is populated only by the factory issuance path, where the
// server generates the key pair for physical flashing. Certificates signed
// from a device-submitted CSR never carry a private key.
type DeviceCertificate struct {
	ID                string       `json:"id" db:"id"`
	TenantID          string       `json:"tenant_id" db:"tenant_id"`
	MACAddress        string       `json:"mac_address" db:"mac_address"`
	DeviceID          string       `json:"device_id" db:"device_id"`
	GatewayID         string       `json:"gateway_id,omitempty" db:"gateway_id"`
	CSRPEM            string       `json:"csr_pem,omitempty" db:"csr_pem"`
	CertificatePEM    string       `json:"certificate_pem" db:"certificate_pem"`
	PrivateKeyPEM     string       `json:"private_key_pem,omitempty" db:"private_key_pem"`
	SerialNumber      string       `json:"serial_number" db:"serial_number"`
	FingerprintSHA256 string       `json:"fingerprint_sha256" db:"fingerprint_sha256"`
	IssuedAt          time.Time    `json:"issued_at" db:"issued_at"`
	ExpiresAt         time.Time    `json:"expires_at" db:"expires_at"`
	Revoked           bool         `json:"revoked" db:"revoked"`
	RevokedAt         *time.Time   `json:"revoked_at,omitempty" db:"revoked_at"`
	RevokeReason      RevokeReason `json:"revoke_reason,omitempty" db:"revoke_reason"`
	RevokeNotes       string       `json:"revoke_notes,omitempty" db:"revoke_notes"`
	RenewalScheduled  bool         `json:"renewal_scheduled" db:"renewal_scheduled"`
	RenewalDate       *time.Time   `json:"renewal_date,omitempty" db:"renewal_date"`
}

// CertStatus is the derived, human-facing certificate state.
type CertStatus string

const (
	CertActive         CertStatus = "ACTIVE"
	CertExpired        CertStatus = "EXPIRED"
	CertRevoked        CertStatus = "REVOKED"
	CertRenewalPending CertStatus = "RENEWAL_PENDING"
)

// DaysToExpiry returns whole days until expiry, negative once expired.
func (c *DeviceCertificate) DaysToExpiry(now time.Time) int {
	return int(c.ExpiresAt.Sub(now).Hours() / 24)
}

// Expired reports whether the certificate's validity window has passed.
func (c *DeviceCertificate) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// NeedsRenewal reports whether the certificate is inside the renewal
// window (expires within RenewalWindow).
func (c *DeviceCertificate) NeedsRenewal(now time.Time) bool {
	return c.ExpiresAt.Sub(now) <= RenewalWindow
}

// Status derives the certificate state at the given instant.
func (c *DeviceCertificate) Status(now time.Time) CertStatus {
	switch {
	case c.Revoked:
		return CertRevoked
	case c.Expired(now):
		return CertExpired
	case c.NeedsRenewal(now):
		return CertRenewalPending
	default:
		return CertActive
	}
}

var macPattern = regexp.MustCompile(`^([0-9a-fA-F]{2}:){5}[0-9a-fA-F]{2}$`)

// ValidMAC reports whether mac is a colon-separated 48-bit MAC address.
func ValidMAC(mac string) bool {
	return macPattern.MatchString(mac)
}

// NormalizeMAC lowercases a MAC address for storage and lookup.
func NormalizeMAC(mac string) string {
	return strings.ToLower(strings.TrimSpace(mac))
}

// Validate checks the record is well-formed for insertion.
func (c *DeviceCertificate) Validate(now time.Time) error {
	if c.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if c.TenantID == "" {
		return fmt.Errorf("%w: missing tenant id", ErrInvalidRecord)
	}
	if !ValidMAC(c.MACAddress) {
		return fmt.Errorf("%w: malformed MAC address %q", ErrInvalidRecord, c.MACAddress)
	}
	if !strings.HasPrefix(strings.TrimSpace(c.CertificatePEM), "-----BEGIN CERTIFICATE-----") {
		return fmt.Errorf("%w: certificate is not PEM encoded", ErrInvalidRecord)
	}
	if c.SerialNumber == "" {
		return fmt.Errorf("%w: missing serial number", ErrInvalidRecord)
	}
	if !c.ExpiresAt.After(now) {
		return fmt.Errorf("%w: expires_at must be in the future", ErrInvalidRecord)
	}
	return nil
}

// BootstrapCertificate is the shared factory credential flashed onto every
// device in a production batch. At most one may be active and non-revoked
// at a time; generating a successor deactivates (but does not revoke) the
// prior record. The private key may be purged after the factory download,
// after which the packaging operation fails permanently for this record.
type BootstrapCertificate struct {
	ID                string       `json:"id" db:"id"`
	Label             string       `json:"label" db:"label"`
	CertificatePEM    string       `json:"certificate_pem" db:"certificate_pem"`
	PrivateKeyPEM     string       `json:"private_key_pem,omitempty" db:"private_key_pem"`
	SerialNumber      string       `json:"serial_number" db:"serial_number"`
	FingerprintSHA256 string       `json:"fingerprint_sha256" db:"fingerprint_sha256"`
	IssuedAt          time.Time    `json:"issued_at" db:"issued_at"`
	ExpiresAt         time.Time    `json:"expires_at" db:"expires_at"`
	Active            bool         `json:"active" db:"active"`
	Revoked           bool         `json:"revoked" db:"revoked"`
	RevokedAt         *time.Time   `json:"revoked_at,omitempty" db:"revoked_at"`
	RevokeReason      RevokeReason `json:"revoke_reason,omitempty" db:"revoke_reason"`
	RevokeNotes       string       `json:"revoke_notes,omitempty" db:"revoke_notes"`
	CreatedBy         string       `json:"created_by,omitempty" db:"created_by"`
}

// Registration is one device's self-reported first-contact request, made
// over the provisioning channel using the bootstrap credential. At most
// one non-rejected registration exists per MAC address.
type Registration struct {
	ID              string             `json:"id" db:"id"`
	MACAddress      string             `json:"mac_address" db:"mac_address"`
	HardwareSerial  string             `json:"hardware_serial,omitempty" db:"hardware_serial"`
	Model           string             `json:"model,omitempty" db:"model"`
	FirmwareVersion string             `json:"fw_version,omitempty" db:"fw_version"`
	OriginIP        string             `json:"origin_ip,omitempty" db:"origin_ip"`
	BootstrapID     string             `json:"bootstrap_id,omitempty" db:"bootstrap_id"`
	CSRPEM          string             `json:"csr_pem,omitempty" db:"csr_pem"`
	Status          RegistrationStatus `json:"status" db:"status"`
	GatewayID       string             `json:"gateway_id,omitempty" db:"gateway_id"`
	CertificateID   string             `json:"certificate_id,omitempty" db:"certificate_id"`
	ProcessedBy     string             `json:"processed_by,omitempty" db:"processed_by"`
	ProcessedAt     *time.Time         `json:"processed_at,omitempty" db:"processed_at"`
	AdminNotes      string             `json:"admin_notes,omitempty" db:"admin_notes"`
	CreatedAt       time.Time          `json:"created_at" db:"created_at"`
}

// Gateway is the tenant-owned device record created when a registration is
// allocated. Tenant and gateway references elsewhere are lookups, not
// ownership; the surrounding application owns the tenant model.
type Gateway struct {
	ID              string    `json:"id" db:"id"`
	TenantID        string    `json:"tenant_id" db:"tenant_id"`
	Name            string    `json:"name" db:"name"`
	MACAddress      string    `json:"mac_address" db:"mac_address"`
	Model           string    `json:"model,omitempty" db:"model"`
	FirmwareVersion string    `json:"fw_version,omitempty" db:"fw_version"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// RevokedEntry is the projection of a revoked certificate (device or
// bootstrap) consumed by the CRL builder.
type RevokedEntry struct {
	SerialNumber string       `json:"serial_number" db:"serial_number"`
	RevokedAt    time.Time    `json:"revoked_at" db:"revoked_at"`
	Reason       RevokeReason `json:"reason" db:"reason"`
}
