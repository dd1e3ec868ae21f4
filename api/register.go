package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onkoto/devicepki/pki"
	"github.com/onkoto/devicepki/store"
)

// registerRequest is the device self-registration body. Field names are
// the firmware's wire contract and stay as shipped, including the
// Portuguese ones.
type registerRequest struct {
	MAC                  string `json:"mac"`
	Serial               string `json:"serial,omitempty"`
	Modelo               string `json:"modelo,omitempty"`
	FWVersion            string `json:"fw_version,omitempty"`
	BootstrapFingerprint string `json:"bootstrap_fingerprint,omitempty"`
	CSRPEM               string `json:"csr_pem,omitempty"`
}

// registerResponse is the device-facing envelope. Success and error share
// the shape so constrained firmware parses one structure.
type registerResponse struct {
	Status         string `json:"status"`
	Code           string `json:"code"`
	Message        string `json:"message"`
	RegistroID     string `json:"registro_id,omitempty"`
	RegistroStatus string `json:"registro_status,omitempty"`
}

func writeRegisterError(w http.ResponseWriter, httpStatus int, code, msg string) {
	writeJSON(w, httpStatus, registerResponse{Status: "error", Code: code, Message: msg})
}

// RegisterDevice handles POST /provisioning/register: a device's first
// contact over the bootstrap-authenticated provisioning channel.
// Idempotent per MAC address, rate limited per source IP.
func (a *API) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	clientIP := a.extractClientIP(r)

	allowed, limiterErr := a.limiter.allow(clientIP)
	if limiterErr != nil {
		// Fail open: a limiter outage must not block provisioning.
		a.audit.logger.LogAttrs(r.Context(), slog.LevelWarn, "rate limiter unavailable, allowing request",
			slog.String("error", limiterErr.Error()))
	} else if !allowed {
		a.audit.log(AuditRegisterRateLimited, r, slog.String("client_ip", clientIP))
		w.Header().Set("Retry-After", retryAfterString(a.limiter.window))
		writeRegisterError(w, http.StatusTooManyRequests, "rate_limited", "too many registration attempts, retry later")
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRegisterError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.MAC == "" {
		writeRegisterError(w, http.StatusBadRequest, "invalid_request", "mac is required")
		return
	}

	reg, created, err := a.registrar.SelfRegister(r.Context(), pki.SelfRegisterRequest{
		MACAddress:           req.MAC,
		HardwareSerial:       req.Serial,
		Model:                req.Modelo,
		FirmwareVersion:      req.FWVersion,
		OriginIP:             clientIP,
		BootstrapFingerprint: req.BootstrapFingerprint,
		CSRPEM:               req.CSRPEM,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInvalidRecord), errors.Is(err, pki.ErrInvalidCSR):
			writeRegisterError(w, http.StatusBadRequest, "invalid_request", err.Error())
		default:
			writeRegisterError(w, http.StatusInternalServerError, "server_error", "registration could not be recorded")
		}
		return
	}

	code := "already_registered"
	var msg string
	switch {
	case created:
		code = "registered"
		msg = "device registered, awaiting allocation"
	case reg.Status == store.StatusProvisioned:
		msg = "device is provisioned, switch to the individual certificate"
	case reg.Status == store.StatusAllocated:
		msg = "device is allocated, certificate pending"
	default:
		msg = "device was already registered, awaiting allocation"
	}
	a.audit.log(AuditDeviceRegistered, r,
		slog.String("mac", reg.MACAddress),
		slog.String("registration_id", reg.ID),
		slog.Bool("created", created),
		slog.String("client_ip", clientIP))

	writeJSON(w, http.StatusOK, registerResponse{
		Status:         "ok",
		Code:           code,
		Message:        msg,
		RegistroID:     reg.ID,
		RegistroStatus: string(reg.Status),
	})
}
