package pki

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/onkoto/devicepki/internal/util"
	"github.com/onkoto/devicepki/store"
)

// TenantDirectory is the account lookup provided by the surrounding
// application. The registrar only needs to know whether a tenant exists
// and is active.
type TenantDirectory interface {
	Tenant(ctx context.Context, id string) (name string, active bool, err error)
}

// ErrTenantInactive is returned when allocating a registration under a
// suspended or unknown tenant.
var ErrTenantInactive = errors.New("tenant is inactive or unknown")

// Registrar handles device first-contact self-registration and the admin
// allocation flow that turns a registration into a gateway with a
// certificate.
type Registrar struct {
	store   store.Store
	issuer  *Issuer
	tenants TenantDirectory
	log     *slog.Logger
}

// NewRegistrar returns a Registrar.
func NewRegistrar(st store.Store, issuer *Issuer, tenants TenantDirectory, log *slog.Logger) *Registrar {
	if log == nil {
		log = slog.Default()
	}
	return &Registrar{store: st, issuer: issuer, tenants: tenants, log: log}
}

// SelfRegisterRequest is one device's self-reported first contact.
type SelfRegisterRequest struct {
	MACAddress           string
	HardwareSerial       string
	Model                string
	FirmwareVersion      string
	OriginIP             string
	BootstrapFingerprint string
	CSRPEM               string
}

// SelfRegister records a device's first contact. Idempotent per MAC: a
// repeat call while a non-rejected registration exists returns that
// record unchanged with created=false. Malformed input is rejected
// before touching persistence.
func (r *Registrar) SelfRegister(ctx context.Context, req SelfRegisterRequest) (*store.Registration, bool, error) {
	mac := store.NormalizeMAC(req.MACAddress)
	if !store.ValidMAC(mac) {
		return nil, false, fmt.Errorf("%w: invalid MAC address %q", store.ErrInvalidRecord, req.MACAddress)
	}
	if req.CSRPEM != "" {
		if _, err := parseCSR(req.CSRPEM); err != nil {
			return nil, false, err
		}
	}

	bootstrapID := ""
	if req.BootstrapFingerprint != "" {
		boot, err := r.store.BootstrapCertificateByFingerprint(ctx, req.BootstrapFingerprint)
		switch {
		case err == nil:
			bootstrapID = boot.ID
		case errors.Is(err, store.ErrNotFound):
			// Provisioning proceeds; the mTLS layer already vouched for
			// the credential, the fingerprint is informational.
			r.log.Warn("self-registration with unknown bootstrap fingerprint",
				"mac_address", mac,
				"fingerprint", req.BootstrapFingerprint)
		default:
			return nil, false, err
		}
	}

	reg := &store.Registration{
		ID:              uuid.NewString(),
		MACAddress:      mac,
		HardwareSerial:  util.NormalizeIdentifier(req.HardwareSerial),
		Model:           util.NormalizeIdentifier(req.Model),
		FirmwareVersion: util.NormalizeIdentifier(req.FirmwareVersion),
		OriginIP:        req.OriginIP,
		BootstrapID:     bootstrapID,
		CSRPEM:          req.CSRPEM,
		Status:          store.StatusPending,
		CreatedAt:       time.Now().UTC(),
	}
	out, created, err := r.store.CreateRegistration(ctx, reg)
	if err != nil {
		return nil, false, err
	}
	if created {
		r.log.Info("device self-registered",
			"registration_id", out.ID,
			"mac_address", mac,
			"model", out.Model,
			"origin_ip", req.OriginIP)
	}
	return out, created, nil
}

// AllocateRequest is the admin action that turns a pending registration
// into a gateway, optionally issuing its certificate in the same step.
type AllocateRequest struct {
	RegistrationID string
	TenantID       string
	DeviceID       string
	GatewayName    string
	// IssueCertificate issues the device certificate now (PROVISIONED).
	// When false the registration parks at ALLOCATED for a later call.
	IssueCertificate bool
	Actor            string
	Notes            string
}

// Allocate creates the gateway, optionally issues the certificate
// (preferring the registration's stored CSR over factory key
// generation), and advances the registration status. All of it commits
// as one atomic unit: a failed issuance leaves no gateway behind.
func (r *Registrar) Allocate(ctx context.Context, req AllocateRequest) (*store.Registration, error) {
	reg, err := r.store.Registration(ctx, req.RegistrationID)
	if err != nil {
		return nil, err
	}
	if r.tenants != nil {
		_, active, err := r.tenants.Tenant(ctx, req.TenantID)
		if err != nil {
			return nil, fmt.Errorf("looking up tenant %s: %w", req.TenantID, err)
		}
		if !active {
			return nil, fmt.Errorf("%w: %s", ErrTenantInactive, req.TenantID)
		}
	}

	now := time.Now().UTC()
	gateway := &store.Gateway{
		ID:              uuid.NewString(),
		TenantID:        req.TenantID,
		Name:            util.NormalizeIdentifier(req.GatewayName),
		MACAddress:      reg.MACAddress,
		Model:           reg.Model,
		FirmwareVersion: reg.FirmwareVersion,
		CreatedAt:       now,
	}
	if gateway.Name == "" {
		return nil, fmt.Errorf("%w: gateway name is required", store.ErrInvalidRecord)
	}

	var cert *store.DeviceCertificate
	if req.IssueCertificate {
		issueReq := IssueRequest{
			TenantID:   req.TenantID,
			DeviceID:   req.DeviceID,
			MACAddress: reg.MACAddress,
			GatewayID:  gateway.ID,
		}
		if err := issueReq.normalize(); err != nil {
			return nil, err
		}
		if reg.CSRPEM != "" {
			cert, err = r.issuer.BuildFromCSR(issueReq, reg.CSRPEM)
		} else {
			cert, err = r.issuer.BuildFactory(issueReq)
		}
		if err != nil {
			return nil, err
		}
	}

	out, err := r.store.AllocateRegistration(ctx, store.Allocation{
		RegistrationID: reg.ID,
		Gateway:        gateway,
		Certificate:    cert,
		ProcessedBy:    req.Actor,
		Notes:          req.Notes,
		ProcessedAt:    now,
	})
	if err != nil {
		if errors.Is(err, store.ErrActiveCertificateExists) {
			return nil, ErrCertificateExists
		}
		return nil, err
	}
	r.log.Info("registration allocated",
		"registration_id", out.ID,
		"status", out.Status,
		"tenant_id", req.TenantID,
		"gateway_id", gateway.ID,
		"actor", req.Actor)
	return out, nil
}

// Complete issues the deferred certificate for an ALLOCATED registration
// and moves it to PROVISIONED.
func (r *Registrar) Complete(ctx context.Context, registrationID, tenantID, deviceID, actor string) (*store.Registration, error) {
	reg, err := r.store.Registration(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	if reg.Status != store.StatusAllocated {
		return nil, store.ErrInvalidTransition
	}

	issueReq := IssueRequest{
		TenantID:   tenantID,
		DeviceID:   deviceID,
		MACAddress: reg.MACAddress,
		GatewayID:  reg.GatewayID,
	}
	var cert *store.DeviceCertificate
	if reg.CSRPEM != "" {
		cert, err = r.issuer.IssueFromCSR(ctx, issueReq, reg.CSRPEM)
	} else {
		cert, err = r.issuer.IssueFactory(ctx, issueReq)
	}
	if err != nil {
		return nil, err
	}
	out, err := r.store.CompleteRegistration(ctx, reg.ID, cert.ID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	r.log.Info("registration provisioned",
		"registration_id", out.ID,
		"certificate_id", cert.ID,
		"actor", actor)
	return out, nil
}

// StaticTenant is one entry of a StaticTenants directory.
type StaticTenant struct {
	Name   string
	Active bool
}

// StaticTenants is a fixed TenantDirectory for standalone deployments.
// The surrounding SaaS normally injects its own directory instead.
type StaticTenants map[string]StaticTenant

func (s StaticTenants) Tenant(ctx context.Context, id string) (string, bool, error) {
	t, ok := s[id]
	if !ok {
		return "", false, nil
	}
	return t.Name, t.Active, nil
}

// Reject is the terminal admin refusal of a registration.
func (r *Registrar) Reject(ctx context.Context, registrationID, notes, actor string) (*store.Registration, error) {
	out, err := r.store.RejectRegistration(ctx, registrationID, notes, actor, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	r.log.Info("registration rejected",
		"registration_id", out.ID,
		"actor", actor)
	return out, nil
}
