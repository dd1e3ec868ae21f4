package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/onkoto/devicepki/ca"
	"github.com/onkoto/devicepki/pki"
	"github.com/onkoto/devicepki/store"
)

// ErrorResponse is the admin-surface error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInvalidRecord):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pki.ErrInvalidCSR):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pki.ErrCertificateExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrAlreadyRevoked):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pki.ErrKeyPurged):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, pki.ErrNoActiveBootstrap):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pki.ErrTenantInactive):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ca.ErrNotConfigured), errors.Is(err, ca.ErrBadPassphrase):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
