package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/onkoto/devicepki/api"
	"github.com/onkoto/devicepki/ca"
	"github.com/onkoto/devicepki/internal/catest"
	"github.com/onkoto/devicepki/pki"
	"github.com/onkoto/devicepki/store"
	"github.com/onkoto/devicepki/store/memory"
)

const adminToken = "test-admin-token"

func setupServer(t *testing.T, opts ...api.Option) *httptest.Server {
	t.Helper()

	tc := catest.New(t)
	authority := ca.New(tc.CertPath, tc.KeyPath, "")
	st := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	publisher := pki.NewPublisher(st, authority, filepath.Join(t.TempDir(), "crl", "crl.pem"), logger)
	issuer := pki.NewIssuer(st, authority, publisher, logger, 0)
	boot := pki.NewBootstrapManager(st, authority, publisher, logger, 0)
	registrar := pki.NewRegistrar(st, issuer, nil, logger)

	hash, err := bcrypt.GenerateFromPassword([]byte(adminToken), bcrypt.MinCost)
	require.NoError(t, err)

	base := []api.Option{
		api.WithLogger(logger),
		api.WithAdminToken(string(hash)),
	}
	a := api.New(st, authority, issuer, boot, registrar, publisher, append(base, opts...)...)

	r := chi.NewRouter()
	r.Mount("/api/v1", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any, auth bool) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func registerDevice(t *testing.T, baseURL, mac string) map[string]any {
	t.Helper()
	resp := doJSON(t, http.MethodPost, baseURL+"/api/v1/provisioning/register", map[string]string{
		"mac":        mac,
		"serial":     "HW-0001",
		"modelo":     "GW-100",
		"fw_version": "1.4.2",
	}, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	decodeBody(t, resp, &body)
	return body
}

func TestRegisterDeviceContract(t *testing.T) {
	srv := setupServer(t)

	first := registerDevice(t, srv.URL, "AA:BB:CC:DD:EE:01")
	assert.Equal(t, "ok", first["status"])
	assert.Equal(t, "registered", first["code"])
	assert.Equal(t, string(store.StatusPending), first["registro_status"])
	require.NotEmpty(t, first["registro_id"])

	// Same MAC again, different case: idempotent.
	second := registerDevice(t, srv.URL, "aa:bb:cc:dd:ee:01")
	assert.Equal(t, "already_registered", second["code"])
	assert.Equal(t, first["registro_id"], second["registro_id"])
}

func TestRegisterDeviceRejectsBadInput(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/provisioning/register", map[string]string{
		"mac": "not-a-mac",
	}, false)
	var body map[string]any
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	decodeBody(t, resp, &body)
	assert.Equal(t, "invalid_request", body["code"])

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/provisioning/register", map[string]string{
		"serial": "no-mac-field",
	}, false)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestRegisterDeviceRateLimited(t *testing.T) {
	srv := setupServer(t, api.WithRegisterLimit(2, 3600))

	registerDevice(t, srv.URL, "AA:BB:CC:DD:EE:10")
	registerDevice(t, srv.URL, "AA:BB:CC:DD:EE:11")

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/provisioning/register", map[string]string{
		"mac": "AA:BB:CC:DD:EE:12",
	}, false)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	var body map[string]any
	decodeBody(t, resp, &body)
	assert.Equal(t, "rate_limited", body["code"])
}

func TestAdminAuthRequired(t *testing.T) {
	srv := setupServer(t)

	// No token.
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/certificates", nil, false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Wrong token.
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/api/v1/certificates", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Correct token.
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/certificates", nil, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestIssueRevokeFlow(t *testing.T) {
	srv := setupServer(t)

	issueBody := map[string]any{
		"tenant_id":   "tenant-1",
		"device_id":   "gw-unit-9",
		"mac_address": "AA:BB:CC:DD:EE:20",
	}
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/certificates", issueBody, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var cert api.CertificateView
	decodeBody(t, resp, &cert)
	require.NotEmpty(t, cert.ID)
	assert.Equal(t, "aa:bb:cc:dd:ee:20", cert.MACAddress)
	assert.True(t, cert.HasPrivateKey, "factory issuance keeps the key for flashing")
	assert.Len(t, cert.SerialNumber, 40)

	// Second issue for the same device conflicts.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/certificates", issueBody, true)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// ZIP bundle download.
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/certificates/"+cert.ID+"/zip", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	// Purge the factory key, then the bundle loses it.
	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/certificates/"+cert.ID+"/key", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var purge api.PurgeResponse
	decodeBody(t, resp, &purge)
	assert.True(t, purge.Purged)

	// Revoke, then revoking again conflicts.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/certificates/"+cert.ID+"/revoke", api.RevokeRequest{
		Reason: store.ReasonCompromised,
		Notes:  "unit stolen from site",
	}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var revoked api.CertificateView
	decodeBody(t, resp, &revoked)
	assert.True(t, revoked.Revoked)
	assert.Equal(t, store.CertRevoked, revoked.Status)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/certificates/"+cert.ID+"/revoke", api.RevokeRequest{
		Reason: store.ReasonOther,
	}, true)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// Revocation published a CRL; the public endpoint serves it.
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/crl.pem", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	crlPEM, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(crlPEM), "X509 CRL")
}

func TestGetCACertificate(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/ca.pem", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(data), "BEGIN CERTIFICATE")
}

func TestRegistrationAllocationFlow(t *testing.T) {
	srv := setupServer(t)

	reg := registerDevice(t, srv.URL, "AA:BB:CC:DD:EE:30")
	regID := reg["registro_id"].(string)

	// Shows up in the pending listing.
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/registrations?status=PENDING", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list api.RegistrationListResponse
	decodeBody(t, resp, &list)
	require.Len(t, list.Registrations, 1)
	assert.Equal(t, regID, list.Registrations[0].ID)

	// Allocate with immediate issuance.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/registrations/"+regID+"/allocate", api.AllocateRegistrationRequest{
		TenantID:         "tenant-1",
		DeviceID:         "gw-site-a",
		GatewayName:      "Site A gateway",
		IssueCertificate: true,
	}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var allocated store.Registration
	decodeBody(t, resp, &allocated)
	assert.Equal(t, store.StatusProvisioned, allocated.Status)
	assert.NotEmpty(t, allocated.GatewayID)
	assert.NotEmpty(t, allocated.CertificateID)

	// A provisioned device calling register again is told to switch over.
	again := registerDevice(t, srv.URL, "AA:BB:CC:DD:EE:30")
	assert.Equal(t, "already_registered", again["code"])
	assert.Equal(t, string(store.StatusProvisioned), again["registro_status"])
	assert.Contains(t, again["message"], "individual certificate")

	// Terminal state: a second allocation conflicts.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/registrations/"+regID+"/allocate", api.AllocateRegistrationRequest{
		TenantID:         "tenant-1",
		DeviceID:         "gw-site-a",
		GatewayName:      "Site A gateway",
		IssueCertificate: true,
	}, true)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestRegistrationDeferredCompletion(t *testing.T) {
	srv := setupServer(t)

	reg := registerDevice(t, srv.URL, "AA:BB:CC:DD:EE:31")
	regID := reg["registro_id"].(string)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/registrations/"+regID+"/allocate", api.AllocateRegistrationRequest{
		TenantID:    "tenant-1",
		DeviceID:    "gw-site-b",
		GatewayName: "Site B gateway",
	}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var allocated store.Registration
	decodeBody(t, resp, &allocated)
	assert.Equal(t, store.StatusAllocated, allocated.Status)
	assert.Empty(t, allocated.CertificateID)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/registrations/"+regID+"/complete", api.CompleteRegistrationRequest{
		TenantID: "tenant-1",
		DeviceID: "gw-site-b",
	}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var completed store.Registration
	decodeBody(t, resp, &completed)
	assert.Equal(t, store.StatusProvisioned, completed.Status)
	assert.NotEmpty(t, completed.CertificateID)
}

func TestRejectRegistration(t *testing.T) {
	srv := setupServer(t)

	reg := registerDevice(t, srv.URL, "AA:BB:CC:DD:EE:32")
	regID := reg["registro_id"].(string)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/registrations/"+regID+"/reject", api.RejectRegistrationRequest{
		Notes: "unknown hardware batch",
	}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rejected store.Registration
	decodeBody(t, resp, &rejected)
	assert.Equal(t, store.StatusRejected, rejected.Status)

	// The MAC is free again.
	again := registerDevice(t, srv.URL, "AA:BB:CC:DD:EE:32")
	assert.Equal(t, "registered", again["code"])
	assert.NotEqual(t, regID, again["registro_id"])
}

func TestBootstrapEndpoints(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/bootstrap", api.GenerateBootstrapRequest{
		Label: "lote-2026-01",
	}, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var boot api.BootstrapView
	decodeBody(t, resp, &boot)
	require.NotEmpty(t, boot.ID)
	assert.True(t, boot.Active)
	assert.True(t, boot.HasPrivateKey)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/bootstrap/active", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var active api.BootstrapView
	decodeBody(t, resp, &active)
	assert.Equal(t, boot.ID, active.ID)

	// ZIP works while the key is on file.
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/bootstrap/"+boot.ID+"/zip", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	resp.Body.Close()

	// Purge the key; the ZIP is gone for good.
	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/bootstrap/"+boot.ID+"/key", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var purge api.PurgeResponse
	decodeBody(t, resp, &purge)
	assert.True(t, purge.Purged)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/bootstrap/"+boot.ID+"/zip", nil, true)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	resp.Body.Close()

	// Generating a successor deactivates the first.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/bootstrap", api.GenerateBootstrapRequest{
		Label: "lote-2026-02",
	}, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var next api.BootstrapView
	decodeBody(t, resp, &next)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/bootstrap", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list api.BootstrapListResponse
	decodeBody(t, resp, &list)
	require.Len(t, list.Bootstraps, 2)
	for _, b := range list.Bootstraps {
		assert.Equal(t, b.ID == next.ID, b.Active)
	}
}

func TestListCertificatesFilters(t *testing.T) {
	srv := setupServer(t)

	macs := []string{"AA:BB:CC:DD:EE:40", "AA:BB:CC:DD:EE:41"}
	for i, mac := range macs {
		resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/certificates", map[string]any{
			"tenant_id":   "tenant-1",
			"device_id":   "gw-" + mac[len(mac)-2:],
			"mac_address": mac,
		}, true)
		require.Equal(t, http.StatusCreated, resp.StatusCode, "issue %d", i)
		resp.Body.Close()
	}

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/certificates?tenant_id=tenant-1&status=valid", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list api.CertificateListResponse
	decodeBody(t, resp, &list)
	assert.Equal(t, 2, list.Pagination.TotalCount)
	assert.Len(t, list.Certificates, 2)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/certificates?mac=AA:BB:CC:DD:EE:40", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var one api.CertificateListResponse
	decodeBody(t, resp, &one)
	require.Len(t, one.Certificates, 1)
	assert.Equal(t, "aa:bb:cc:dd:ee:40", one.Certificates[0].MACAddress)
}

func TestCRLRebuildEndpoint(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/crl/rebuild", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rebuilt api.CRLRebuildResponse
	decodeBody(t, resp, &rebuilt)
	assert.NotEmpty(t, rebuilt.Path)
	assert.Zero(t, rebuilt.Entries)
}
