package api

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/onkoto/devicepki/pki"
	"github.com/onkoto/devicepki/store"
)

const pemContentType = "application/x-pem-file"

// adminActor returns the audit identity for admin-surface mutations. The
// admin token is shared, so the best we can attribute is the optional
// X-Actor header an operator console may set.
func adminActor(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get("X-Actor")); actor != "" {
		return actor
	}
	return "admin"
}

// ---------------------------------------------------------------------------
// Trust material
// ---------------------------------------------------------------------------

// GetCACertificate serves the CA certificate PEM the broker and devices
// pin as their trust anchor.
func (a *API) GetCACertificate(w http.ResponseWriter, r *http.Request) {
	pemData, err := a.authority.CertificatePEM()
	if err != nil {
		mapError(w, err)
		return
	}
	w.Header().Set("Content-Type", pemContentType)
	w.Write([]byte(pemData))
}

// GetCRL serves the current revocation list. The published file is
// preferred; if none has been written yet the CRL is built on the fly.
func (a *API) GetCRL(w http.ResponseWriter, r *http.Request) {
	if path := a.publisher.Path(); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			w.Header().Set("Content-Type", pemContentType)
			w.Write(data)
			return
		}
	}
	data, err := a.publisher.Build(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	w.Header().Set("Content-Type", pemContentType)
	w.Write(data)
}

// RebuildCRL forces a rebuild and republication of the CRL file.
func (a *API) RebuildCRL(w http.ResponseWriter, r *http.Request) {
	if err := a.publisher.Publish(r.Context()); err != nil {
		mapError(w, err)
		return
	}
	entries := 0
	if data, err := os.ReadFile(a.publisher.Path()); err == nil {
		if block, _ := pem.Decode(data); block != nil {
			if crl, err := x509.ParseRevocationList(block.Bytes); err == nil {
				entries = len(crl.RevokedCertificateEntries)
			}
		}
	}
	a.audit.log(AuditCRLRebuilt, r, slog.Int("entries", entries))
	writeJSON(w, http.StatusOK, CRLRebuildResponse{Path: a.publisher.Path(), Entries: entries})
}

// ---------------------------------------------------------------------------
// Device certificates
// ---------------------------------------------------------------------------

// ListCertificates returns device certificates filtered by tenant_id,
// mac, and status query parameters.
func (a *API) ListCertificates(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	q := r.URL.Query()

	filter := store.CertificateFilter{
		TenantID:   q.Get("tenant_id"),
		MACAddress: store.NormalizeMAC(q.Get("mac")),
		Status:     store.StatusFilter(q.Get("status")),
		Limit:      limit,
		Offset:     offset,
	}
	certs, total, err := a.store.ListDeviceCertificates(r.Context(), filter)
	if err != nil {
		mapError(w, err)
		return
	}

	views := make([]CertificateView, 0, len(certs))
	for _, c := range certs {
		views = append(views, certificateView(c))
	}
	writeJSON(w, http.StatusOK, CertificateListResponse{
		Certificates: views,
		Pagination: PaginationMeta{
			TotalCount: total,
			Limit:      limit,
			Offset:     offset,
			HasMore:    offset+len(certs) < total,
		},
	})
}

// IssueCertificate issues a device certificate manually: CSR-signed when
// csr_pem is supplied, server-generated factory key pair otherwise.
func (a *API) IssueCertificate(w http.ResponseWriter, r *http.Request) {
	var req IssueCertificateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	issueReq := pki.IssueRequest{
		TenantID:     req.TenantID,
		DeviceID:     req.DeviceID,
		MACAddress:   req.MACAddress,
		ForceRenew:   req.ForceRenew,
		ValidityDays: req.ValidityDays,
	}

	var (
		cert *store.DeviceCertificate
		err  error
	)
	if req.CSRPEM != "" {
		cert, err = a.issuer.IssueFromCSR(r.Context(), issueReq, req.CSRPEM)
	} else {
		cert, err = a.issuer.IssueFactory(r.Context(), issueReq)
	}
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.log(AuditCertIssued, r,
		slog.String("certificate_id", cert.ID),
		slog.String("tenant_id", cert.TenantID),
		slog.String("mac", cert.MACAddress),
		slog.String("serial", cert.SerialNumber),
		slog.Bool("from_csr", req.CSRPEM != ""),
		slog.String("actor", adminActor(r)))
	writeJSON(w, http.StatusCreated, certificateView(cert))
}

// GetCertificate returns one device certificate by id.
func (a *API) GetCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := a.store.DeviceCertificate(r.Context(), chi.URLParam(r, "certID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, certificateView(cert))
}

// RevokeCertificate applies the one-way revocation transition and
// republishes the CRL.
func (a *API) RevokeCertificate(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	actor := adminActor(r)
	cert, err := a.issuer.Revoke(r.Context(), chi.URLParam(r, "certID"), req.Reason, req.Notes, actor)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.log(AuditCertRevoked, r,
		slog.String("certificate_id", cert.ID),
		slog.String("serial", cert.SerialNumber),
		slog.String("reason", string(req.Reason)),
		slog.String("actor", actor))
	writeJSON(w, http.StatusOK, certificateView(cert))
}

// DownloadCertificateZip streams the NVS flashing bundle for a device
// certificate.
func (a *API) DownloadCertificateZip(w http.ResponseWriter, r *http.Request) {
	cert, err := a.store.DeviceCertificate(r.Context(), chi.URLParam(r, "certID"))
	if err != nil {
		mapError(w, err)
		return
	}
	data, err := a.issuer.PackageDevice(r.Context(), cert)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.log(AuditCertZipDownloaded, r,
		slog.String("certificate_id", cert.ID),
		slog.String("actor", adminActor(r)))
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", cert.DeviceID+".zip"))
	w.Write(data)
}

// PurgeCertificateKey deletes a stored factory private key after the
// operator has downloaded the flashing bundle.
func (a *API) PurgeCertificateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "certID")
	purged, err := a.store.PurgeDeviceCertificateKey(r.Context(), id)
	if err != nil {
		mapError(w, err)
		return
	}
	if purged {
		a.audit.log(AuditCertKeyPurged, r,
			slog.String("certificate_id", id),
			slog.String("actor", adminActor(r)))
	}
	writeJSON(w, http.StatusOK, PurgeResponse{Purged: purged})
}

// ---------------------------------------------------------------------------
// Bootstrap certificates
// ---------------------------------------------------------------------------

// ListBootstraps returns every bootstrap certificate, newest first.
func (a *API) ListBootstraps(w http.ResponseWriter, r *http.Request) {
	boots, err := a.store.ListBootstrapCertificates(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	views := make([]BootstrapView, 0, len(boots))
	for _, b := range boots {
		views = append(views, bootstrapView(b))
	}
	writeJSON(w, http.StatusOK, BootstrapListResponse{Bootstraps: views})
}

// GenerateBootstrap creates a new shared bootstrap certificate,
// deactivating the previous one.
func (a *API) GenerateBootstrap(w http.ResponseWriter, r *http.Request) {
	var req GenerateBootstrapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	actor := adminActor(r)
	boot, err := a.bootstrap.Generate(r.Context(), req.Label, actor)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.log(AuditBootstrapGenerated, r,
		slog.String("bootstrap_id", boot.ID),
		slog.String("label", boot.Label),
		slog.String("actor", actor))
	writeJSON(w, http.StatusCreated, bootstrapView(boot))
}

// GetActiveBootstrap returns the bootstrap certificate currently being
// flashed in production.
func (a *API) GetActiveBootstrap(w http.ResponseWriter, r *http.Request) {
	boot, err := a.bootstrap.Active(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bootstrapView(boot))
}

// RevokeBootstrap revokes a bootstrap certificate. This cuts off the
// provisioning channel for every unprovisioned device in its batches.
func (a *API) RevokeBootstrap(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	actor := adminActor(r)
	boot, err := a.bootstrap.Revoke(r.Context(), chi.URLParam(r, "bootstrapID"), req.Reason, req.Notes, actor)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.log(AuditBootstrapRevoked, r,
		slog.String("bootstrap_id", boot.ID),
		slog.String("reason", string(req.Reason)),
		slog.String("actor", actor))
	writeJSON(w, http.StatusOK, bootstrapView(boot))
}

// DownloadBootstrapZip streams the factory flashing bundle for a
// bootstrap certificate. Gone once the key has been purged.
func (a *API) DownloadBootstrapZip(w http.ResponseWriter, r *http.Request) {
	boot, err := a.store.BootstrapCertificate(r.Context(), chi.URLParam(r, "bootstrapID"))
	if err != nil {
		mapError(w, err)
		return
	}
	data, err := a.bootstrap.PackageBootstrap(r.Context(), boot)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.log(AuditBootstrapZipDownload, r,
		slog.String("bootstrap_id", boot.ID),
		slog.String("actor", adminActor(r)))
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "bootstrap_"+boot.Label+".zip"))
	w.Write(data)
}

// PurgeBootstrapKey deletes the stored bootstrap private key.
func (a *API) PurgeBootstrapKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "bootstrapID")
	purged, err := a.bootstrap.PurgeKey(r.Context(), id)
	if err != nil {
		mapError(w, err)
		return
	}
	if purged {
		a.audit.log(AuditBootstrapKeyPurged, r,
			slog.String("bootstrap_id", id),
			slog.String("actor", adminActor(r)))
	}
	writeJSON(w, http.StatusOK, PurgeResponse{Purged: purged})
}

// ---------------------------------------------------------------------------
// Registrations
// ---------------------------------------------------------------------------

// ListRegistrations returns registrations, optionally filtered by the
// status query parameter.
func (a *API) ListRegistrations(w http.ResponseWriter, r *http.Request) {
	status := store.RegistrationStatus(r.URL.Query().Get("status"))
	switch status {
	case "", store.StatusPending, store.StatusAllocated, store.StatusProvisioned, store.StatusRejected:
	default:
		writeError(w, http.StatusBadRequest, "unknown registration status")
		return
	}

	regs, err := a.store.ListRegistrations(r.Context(), status)
	if err != nil {
		mapError(w, err)
		return
	}

	limit, offset := parsePagination(r)
	start, end, meta := paginateSlice(len(regs), limit, offset)
	writeJSON(w, http.StatusOK, RegistrationListResponse{
		Registrations: regs[start:end],
		Pagination:    meta,
	})
}

// GetRegistration returns one registration by id.
func (a *API) GetRegistration(w http.ResponseWriter, r *http.Request) {
	reg, err := a.store.Registration(r.Context(), chi.URLParam(r, "registrationID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

// AllocateRegistration assigns a pending registration to a tenant,
// creating its gateway and optionally issuing the certificate in the
// same atomic step.
func (a *API) AllocateRegistration(w http.ResponseWriter, r *http.Request) {
	var req AllocateRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	actor := adminActor(r)
	reg, err := a.registrar.Allocate(r.Context(), pki.AllocateRequest{
		RegistrationID:   chi.URLParam(r, "registrationID"),
		TenantID:         req.TenantID,
		DeviceID:         req.DeviceID,
		GatewayName:      req.GatewayName,
		IssueCertificate: req.IssueCertificate,
		Actor:            actor,
		Notes:            req.Notes,
	})
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.log(AuditRegistrationAllocated, r,
		slog.String("registration_id", reg.ID),
		slog.String("tenant_id", req.TenantID),
		slog.String("status", string(reg.Status)),
		slog.String("actor", actor))
	writeJSON(w, http.StatusOK, reg)
}

// CompleteRegistration issues the deferred certificate for an ALLOCATED
// registration and moves it to PROVISIONED.
func (a *API) CompleteRegistration(w http.ResponseWriter, r *http.Request) {
	var req CompleteRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	actor := adminActor(r)
	reg, err := a.registrar.Complete(r.Context(), chi.URLParam(r, "registrationID"), req.TenantID, req.DeviceID, actor)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.log(AuditRegistrationAllocated, r,
		slog.String("registration_id", reg.ID),
		slog.String("tenant_id", req.TenantID),
		slog.String("status", string(reg.Status)),
		slog.String("actor", actor))
	writeJSON(w, http.StatusOK, reg)
}

// RejectRegistration terminally rejects a registration, freeing the MAC
// for a future attempt.
func (a *API) RejectRegistration(w http.ResponseWriter, r *http.Request) {
	var req RejectRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	actor := adminActor(r)
	reg, err := a.registrar.Reject(r.Context(), chi.URLParam(r, "registrationID"), req.Notes, actor)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.log(AuditRegistrationRejected, r,
		slog.String("registration_id", reg.ID),
		slog.String("actor", actor))
	writeJSON(w, http.StatusOK, reg)
}
