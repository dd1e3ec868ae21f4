package api

import (
	"time"

	"github.com/onkoto/devicepki/store"
)

// CertificateView is the admin-surface projection of a device
// certificate. Private key material is never serialized; HasPrivateKey
// tells the operator whether the ZIP download still contains one.
type CertificateView struct {
	ID                string             `json:"id"`
	TenantID          string             `json:"tenant_id"`
	MACAddress        string             `json:"mac_address"`
	DeviceID          string             `json:"device_id"`
	GatewayID         string             `json:"gateway_id,omitempty"`
	CertificatePEM    string             `json:"certificate_pem"`
	SerialNumber      string             `json:"serial_number"`
	FingerprintSHA256 string             `json:"fingerprint_sha256"`
	IssuedAt          time.Time          `json:"issued_at"`
	ExpiresAt         time.Time          `json:"expires_at"`
	Status            store.CertStatus   `json:"status"`
	DaysToExpiry      int                `json:"days_to_expiry"`
	HasPrivateKey     bool               `json:"has_private_key"`
	Revoked           bool               `json:"revoked"`
	RevokedAt         *time.Time         `json:"revoked_at,omitempty"`
	RevokeReason      store.RevokeReason `json:"revoke_reason,omitempty"`
	RevokeNotes       string             `json:"revoke_notes,omitempty"`
	RenewalScheduled  bool               `json:"renewal_scheduled"`
	RenewalDate       *time.Time         `json:"renewal_date,omitempty"`
}

func certificateView(c *store.DeviceCertificate) CertificateView {
	now := time.Now().UTC()
	return CertificateView{
		ID:                c.ID,
		TenantID:          c.TenantID,
		MACAddress:        c.MACAddress,
		DeviceID:          c.DeviceID,
		GatewayID:         c.GatewayID,
		CertificatePEM:    c.CertificatePEM,
		SerialNumber:      c.SerialNumber,
		FingerprintSHA256: c.FingerprintSHA256,
		IssuedAt:          c.IssuedAt,
		ExpiresAt:         c.ExpiresAt,
		Status:            c.Status(now),
		DaysToExpiry:      c.DaysToExpiry(now),
		HasPrivateKey:     c.PrivateKeyPEM != "",
		Revoked:           c.Revoked,
		RevokedAt:         c.RevokedAt,
		RevokeReason:      c.RevokeReason,
		RevokeNotes:       c.RevokeNotes,
		RenewalScheduled:  c.RenewalScheduled,
		RenewalDate:       c.RenewalDate,
	}
}

// BootstrapView is the admin-surface projection of a bootstrap
// certificate.
type BootstrapView struct {
	ID                string             `json:"id"`
	Label             string             `json:"label"`
	CertificatePEM    string             `json:"certificate_pem"`
	SerialNumber      string             `json:"serial_number"`
	FingerprintSHA256 string             `json:"fingerprint_sha256"`
	IssuedAt          time.Time          `json:"issued_at"`
	ExpiresAt         time.Time          `json:"expires_at"`
	Active            bool               `json:"active"`
	HasPrivateKey     bool               `json:"has_private_key"`
	Revoked           bool               `json:"revoked"`
	RevokedAt         *time.Time         `json:"revoked_at,omitempty"`
	RevokeReason      store.RevokeReason `json:"revoke_reason,omitempty"`
	RevokeNotes       string             `json:"revoke_notes,omitempty"`
	CreatedBy         string             `json:"created_by,omitempty"`
}

func bootstrapView(b *store.BootstrapCertificate) BootstrapView {
	return BootstrapView{
		ID:                b.ID,
		Label:             b.Label,
		CertificatePEM:    b.CertificatePEM,
		SerialNumber:      b.SerialNumber,
		FingerprintSHA256: b.FingerprintSHA256,
		IssuedAt:          b.IssuedAt,
		ExpiresAt:         b.ExpiresAt,
		Active:            b.Active,
		HasPrivateKey:     b.PrivateKeyPEM != "",
		Revoked:           b.Revoked,
		RevokedAt:         b.RevokedAt,
		RevokeReason:      b.RevokeReason,
		RevokeNotes:       b.RevokeNotes,
		CreatedBy:         b.CreatedBy,
	}
}

// CertificateListResponse is the paginated certificate listing envelope.
type CertificateListResponse struct {
	Certificates []CertificateView `json:"certificates"`
	Pagination   PaginationMeta    `json:"pagination"`
}

// BootstrapListResponse wraps the bootstrap certificate listing.
type BootstrapListResponse struct {
	Bootstraps []BootstrapView `json:"bootstraps"`
}

// RegistrationListResponse wraps the registration listing.
type RegistrationListResponse struct {
	Registrations []*store.Registration `json:"registrations"`
	Pagination    PaginationMeta        `json:"pagination"`
}

// IssueCertificateRequest is the admin manual-issuance body. With a CSR
// the device keeps its key; without one the server generates a factory
// key pair included in the ZIP download.
type IssueCertificateRequest struct {
	TenantID     string `json:"tenant_id"`
	DeviceID     string `json:"device_id"`
	MACAddress   string `json:"mac_address"`
	CSRPEM       string `json:"csr_pem,omitempty"`
	ForceRenew   bool   `json:"force_renew,omitempty"`
	ValidityDays int    `json:"validity_days,omitempty"`
}

// RevokeRequest carries the revocation reason and free-form notes.
type RevokeRequest struct {
	Reason store.RevokeReason `json:"reason"`
	Notes  string             `json:"notes,omitempty"`
}

// GenerateBootstrapRequest names a new factory bootstrap batch.
type GenerateBootstrapRequest struct {
	Label string `json:"label"`
}

// AllocateRegistrationRequest is the admin action turning a pending
// registration into a tenant gateway.
type AllocateRegistrationRequest struct {
	TenantID         string `json:"tenant_id"`
	DeviceID         string `json:"device_id"`
	GatewayName      string `json:"gateway_name"`
	IssueCertificate bool   `json:"issue_certificate"`
	Notes            string `json:"notes,omitempty"`
}

// CompleteRegistrationRequest finishes a deferred allocation by issuing
// the certificate now.
type CompleteRegistrationRequest struct {
	TenantID string `json:"tenant_id"`
	DeviceID string `json:"device_id"`
}

// RejectRegistrationRequest carries the rejection notes.
type RejectRegistrationRequest struct {
	Notes string `json:"notes,omitempty"`
}

// PurgeResponse reports whether a purge call removed anything.
type PurgeResponse struct {
	Purged bool `json:"purged"`
}

// CRLRebuildResponse reports the published CRL location.
type CRLRebuildResponse struct {
	Path    string `json:"path"`
	Entries int    `json:"entries"`
}
