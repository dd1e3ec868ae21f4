package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the referenced record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrActiveCertificateExists is returned when inserting a device
	// certificate would violate the one-active-per-(tenant, MAC) invariant.
	ErrActiveCertificateExists = errors.New("an active certificate already exists for this device")

	// ErrDuplicateSerial is returned when a serial number collides with an
	// existing record. Serials are unique across the whole system.
	ErrDuplicateSerial = errors.New("serial number already in use")

	// ErrAlreadyRevoked is returned when revoking a record that is already
	// revoked. Revocation is one-way and never double-applies.
	ErrAlreadyRevoked = errors.New("certificate is already revoked")

	// ErrInvalidTransition is returned when a registration status change is
	// not a legal step in the provisioning state machine.
	ErrInvalidTransition = errors.New("invalid registration status transition")

	// ErrInvalidRecord is returned when a record fails validation before
	// insertion.
	ErrInvalidRecord = errors.New("invalid record")
)

// StatusFilter selects device certificates by derived state in listings.
type StatusFilter string

const (
	FilterAll     StatusFilter = ""
	FilterValid   StatusFilter = "valid"   // not revoked, not expired
	FilterExpired StatusFilter = "expired" // past expiry, revoked or not
	FilterRevoked StatusFilter = "revoked"
)

// CertificateFilter narrows ListDeviceCertificates results.
type CertificateFilter struct {
	TenantID   string
	MACAddress string
	Status     StatusFilter
	Limit      int
	Offset     int
}

// Allocation carries the atomic unit of an admin allocating a pending
// registration: the gateway to create, the certificate record to insert
// (nil when issuance is deferred, leaving the registration ALLOCATED
// rather than PROVISIONED), and the audit metadata.
type Allocation struct {
	RegistrationID string
	Gateway        *Gateway
	Certificate    *DeviceCertificate
	ProcessedBy    string
	Notes          string
	ProcessedAt    time.Time
}

// Store is the persistence contract for the PKI core. All mutating
// operations that embed a check-then-act sequence (certificate insertion,
// revocation, bootstrap rotation, registration creation and allocation)
// execute atomically with respect to concurrent callers.
type Store interface {
	// Device certificates. InsertDeviceCertificate enforces serial
	// uniqueness and the single-active-per-(tenant, MAC) invariant,
	// returning ErrDuplicateSerial or ErrActiveCertificateExists.
	InsertDeviceCertificate(ctx context.Context, cert *DeviceCertificate) error
	DeviceCertificate(ctx context.Context, id string) (*DeviceCertificate, error)
	DeviceCertificateBySerial(ctx context.Context, serial string) (*DeviceCertificate, error)
	// ActiveDeviceCertificates returns the non-revoked certificates for a
	// logical device id within a tenant (normally zero or one).
	ActiveDeviceCertificates(ctx context.Context, tenantID, deviceID string) ([]*DeviceCertificate, error)
	ListDeviceCertificates(ctx context.Context, f CertificateFilter) ([]*DeviceCertificate, int, error)
	// RevokeDeviceCertificate applies the one-way revocation transition,
	// returning ErrAlreadyRevoked if it was already applied.
	RevokeDeviceCertificate(ctx context.Context, id string, at time.Time, reason RevokeReason, notes string) (*DeviceCertificate, error)
	// ScheduleRenewal marks a certificate for renewal; it reports false
	// when the certificate was already scheduled.
	ScheduleRenewal(ctx context.Context, id string, date time.Time) (bool, error)
	// PurgeDeviceCertificateKey clears a stored factory private key;
	// reports false when the key field was already empty.
	PurgeDeviceCertificateKey(ctx context.Context, id string) (bool, error)
	// RenewalCandidates returns non-revoked, not-yet-scheduled
	// certificates expiring at or before the given instant.
	RenewalCandidates(ctx context.Context, before time.Time) ([]*DeviceCertificate, error)
	// DueRenewals returns non-revoked scheduled certificates whose renewal
	// date has arrived.
	DueRenewals(ctx context.Context, now time.Time) ([]*DeviceCertificate, error)

	// Bootstrap certificates. InsertBootstrapCertificate deactivates any
	// currently active, non-revoked record in the same atomic unit, so
	// exactly one active record exists afterwards.
	InsertBootstrapCertificate(ctx context.Context, b *BootstrapCertificate) error
	BootstrapCertificate(ctx context.Context, id string) (*BootstrapCertificate, error)
	BootstrapCertificateByFingerprint(ctx context.Context, fingerprint string) (*BootstrapCertificate, error)
	ActiveBootstrapCertificate(ctx context.Context) (*BootstrapCertificate, error)
	ListBootstrapCertificates(ctx context.Context) ([]*BootstrapCertificate, error)
	// DeactivateBootstrapCertificate clears the active flag without
	// revoking; reports false when already inactive.
	DeactivateBootstrapCertificate(ctx context.Context, id string) (bool, error)
	RevokeBootstrapCertificate(ctx context.Context, id string, at time.Time, reason RevokeReason, notes string) (*BootstrapCertificate, error)
	// PurgeBootstrapKey clears the stored private key after the factory
	// download; reports false when already empty.
	PurgeBootstrapKey(ctx context.Context, id string) (bool, error)

	// ListRevoked returns every revoked device and bootstrap certificate
	// (serial, revocation time, reason) for CRL construction.
	ListRevoked(ctx context.Context) ([]RevokedEntry, error)

	// Registrations. CreateRegistration is idempotent per MAC: when a
	// non-rejected registration already exists for reg.MACAddress it is
	// returned unchanged with created=false.
	CreateRegistration(ctx context.Context, reg *Registration) (out *Registration, created bool, err error)
	Registration(ctx context.Context, id string) (*Registration, error)
	ActiveRegistrationByMAC(ctx context.Context, mac string) (*Registration, error)
	ListRegistrations(ctx context.Context, status RegistrationStatus) ([]*Registration, error)
	// AllocateRegistration performs gateway creation, optional certificate
	// insertion and the status transition as one atomic unit. The target
	// status is PROVISIONED when a certificate is supplied, ALLOCATED
	// otherwise; ErrInvalidTransition is returned when the registration is
	// not in a state that permits allocation.
	AllocateRegistration(ctx context.Context, a Allocation) (*Registration, error)
	// CompleteRegistration moves an ALLOCATED registration to PROVISIONED
	// once its deferred certificate has been issued.
	CompleteRegistration(ctx context.Context, regID, certID string, at time.Time) (*Registration, error)
	RejectRegistration(ctx context.Context, id, notes, actor string, at time.Time) (*Registration, error)

	// Gateways.
	Gateway(ctx context.Context, id string) (*Gateway, error)
	GatewayByMAC(ctx context.Context, tenantID, mac string) (*Gateway, error)

	Close() error
}
