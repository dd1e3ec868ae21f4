package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditDeviceRegistered      AuditEvent = "device_registered"
	AuditRegisterRateLimited   AuditEvent = "register_rate_limited"
	AuditCertIssued            AuditEvent = "cert_issued"
	AuditCertRevoked           AuditEvent = "cert_revoked"
	AuditCertZipDownloaded     AuditEvent = "cert_zip_downloaded"
	AuditCertKeyPurged         AuditEvent = "cert_key_purged"
	AuditBootstrapGenerated    AuditEvent = "bootstrap_generated"
	AuditBootstrapRevoked      AuditEvent = "bootstrap_revoked"
	AuditBootstrapZipDownload  AuditEvent = "bootstrap_zip_downloaded"
	AuditBootstrapKeyPurged    AuditEvent = "bootstrap_key_purged"
	AuditRegistrationAllocated AuditEvent = "registration_allocated"
	AuditRegistrationRejected  AuditEvent = "registration_rejected"
	AuditCRLRebuilt            AuditEvent = "crl_rebuilt"
	AuditAdminAuthFailure      AuditEvent = "admin_auth_failure"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger *slog.Logger
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
}
