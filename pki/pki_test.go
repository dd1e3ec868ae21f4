package pki

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onkoto/devicepki/ca"
	"github.com/onkoto/devicepki/internal/catest"
	"github.com/onkoto/devicepki/store"
	"github.com/onkoto/devicepki/store/memory"
)

type testEnv struct {
	store     *memory.Store
	authority *ca.Authority
	publisher *Publisher
	issuer    *Issuer
	bootstrap *BootstrapManager
	registrar *Registrar
	crlPath   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	tc := catest.New(t)
	st := memory.New()
	authority := ca.New(tc.CertPath, tc.KeyPath, "")
	crlPath := filepath.Join(t.TempDir(), "broker", "crl.pem")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	publisher := NewPublisher(st, authority, crlPath, log)
	issuer := NewIssuer(st, authority, publisher, log, 0)
	return &testEnv{
		store:     st,
		authority: authority,
		publisher: publisher,
		issuer:    issuer,
		bootstrap: NewBootstrapManager(st, authority, publisher, log, 0),
		registrar: NewRegistrar(st, issuer, nil, log),
		crlPath:   crlPath,
	}
}

func newTestCSR(t *testing.T, cn string) (string, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: cn},
	}, key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})), key
}

func parseCertPEM(t *testing.T, pemStr string) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode([]byte(pemStr))
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func TestIssueFromCSR(t *testing.T) {
	env := newTestEnv(t)
	csrPEM, key := newTestCSR(t, "gw-0042")

	record, err := env.issuer.IssueFromCSR(t.Context(), IssueRequest{
		TenantID:   "acme",
		DeviceID:   "gw-0042",
		MACAddress: "AA:BB:CC:DD:EE:01",
	}, csrPEM)
	require.NoError(t, err)

	assert.Empty(t, record.PrivateKeyPEM, "CSR path never stores a key")
	assert.Equal(t, csrPEM, record.CSRPEM)
	assert.Len(t, record.SerialNumber, 40)
	assert.Equal(t, "aa:bb:cc:dd:ee:01", record.MACAddress)

	cert := parseCertPEM(t, record.CertificatePEM)
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	require.True(t, ok)
	assert.True(t, key.PublicKey.Equal(pub), "certificate carries the CSR's public key")
	assert.Equal(t, []string{"gw-0042"}, cert.DNSNames)
	assert.Equal(t, "gw-0042", cert.Subject.CommonName)
	assert.False(t, cert.IsCA)
	assert.True(t, cert.BasicConstraintsValid)
	assert.Contains(t, cert.ExtKeyUsage, x509.ExtKeyUsageClientAuth)
	assert.NotEmpty(t, cert.SubjectKeyId)
	assert.NotEmpty(t, cert.AuthorityKeyId)

	caCert, err := env.authority.Certificate()
	require.NoError(t, err)
	assert.NoError(t, cert.CheckSignatureFrom(caCert))
	assert.Equal(t, caCert.Subject.CommonName, cert.Issuer.CommonName)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, DefaultValidityDays), cert.NotAfter, time.Minute)
}

func TestIssueFromCSRRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.issuer.IssueFromCSR(t.Context(), IssueRequest{
		TenantID: "acme", DeviceID: "gw-1", MACAddress: "AA:BB:CC:DD:EE:02",
	}, "not a csr")
	assert.ErrorIs(t, err, ErrInvalidCSR)

	csrPEM, _ := newTestCSR(t, "gw-1")
	_, err = env.issuer.IssueFromCSR(t.Context(), IssueRequest{
		TenantID: "acme", DeviceID: "gw-1", MACAddress: "not-a-mac",
	}, csrPEM)
	assert.ErrorIs(t, err, store.ErrInvalidRecord)
}

func TestIssueDuplicateAndForceRenew(t *testing.T) {
	env := newTestEnv(t)
	csrPEM, _ := newTestCSR(t, "gw-7")
	req := IssueRequest{TenantID: "acme", DeviceID: "gw-7", MACAddress: "AA:BB:CC:DD:EE:03"}

	first, err := env.issuer.IssueFromCSR(t.Context(), req, csrPEM)
	require.NoError(t, err)

	_, err = env.issuer.IssueFromCSR(t.Context(), req, csrPEM)
	assert.ErrorIs(t, err, ErrCertificateExists)

	req.ForceRenew = true
	second, err := env.issuer.IssueFromCSR(t.Context(), req, csrPEM)
	require.NoError(t, err)
	assert.NotEqual(t, first.SerialNumber, second.SerialNumber)

	old, err := env.store.DeviceCertificate(t.Context(), first.ID)
	require.NoError(t, err)
	assert.True(t, old.Revoked)
	assert.Equal(t, store.ReasonSuperseded, old.RevokeReason)
}

func TestIssueFactory(t *testing.T) {
	env := newTestEnv(t)
	record, err := env.issuer.IssueFactory(t.Context(), IssueRequest{
		TenantID: "acme", DeviceID: "gw-9", MACAddress: "AA:BB:CC:DD:EE:04",
	})
	require.NoError(t, err)
	assert.Contains(t, record.PrivateKeyPEM, "RSA PRIVATE KEY")

	cert := parseCertPEM(t, record.CertificatePEM)
	assert.Equal(t, "gw-9", cert.Subject.CommonName)
	assert.Equal(t, []string{"Onkoto IoT"}, cert.Subject.Organization)
	assert.Equal(t, []string{"BR"}, cert.Subject.Country)
	assert.Equal(t, []string{"gw-9"}, cert.DNSNames)
}

func TestIssuerFailsClosedWithoutCA(t *testing.T) {
	st := memory.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	issuer := NewIssuer(st, ca.New("/missing/ca.crt", "/missing/ca.key", ""), nil, log, 0)

	_, err := issuer.IssueFactory(t.Context(), IssueRequest{
		TenantID: "acme", DeviceID: "gw-1", MACAddress: "AA:BB:CC:DD:EE:05",
	})
	assert.ErrorIs(t, err, ca.ErrNotConfigured)
}

func TestRevokePublishesCRL(t *testing.T) {
	env := newTestEnv(t)
	record, err := env.issuer.IssueFactory(t.Context(), IssueRequest{
		TenantID: "acme", DeviceID: "gw-2", MACAddress: "AA:BB:CC:DD:EE:06",
	})
	require.NoError(t, err)

	revoked, err := env.issuer.Revoke(t.Context(), record.ID, store.ReasonCompromised, "device stolen", "admin")
	require.NoError(t, err)
	assert.True(t, revoked.Revoked)

	// The revocation triggered a broker-visible CRL write.
	data, err := os.ReadFile(env.crlPath)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	crl, err := x509.ParseRevocationList(block.Bytes)
	require.NoError(t, err)
	require.Len(t, crl.RevokedCertificateEntries, 1)

	serial, ok := SerialToInt(record.SerialNumber)
	require.True(t, ok)
	assert.Zero(t, serial.Cmp(crl.RevokedCertificateEntries[0].SerialNumber))

	// Double revocation fails loudly.
	_, err = env.issuer.Revoke(t.Context(), record.ID, store.ReasonOther, "", "admin")
	assert.ErrorIs(t, err, store.ErrAlreadyRevoked)

	// An unwritable CRL path does not fail the revocation itself.
	second, err := env.issuer.IssueFactory(t.Context(), IssueRequest{
		TenantID: "acme", DeviceID: "gw-3", MACAddress: "AA:BB:CC:DD:EE:07",
	})
	require.NoError(t, err)
	env.issuer.publisher.path = filepath.Join(env.crlPath, "impossible", "crl.pem")
	revoked, err = env.issuer.Revoke(t.Context(), second.ID, store.ReasonCessation, "", "admin")
	require.NoError(t, err)
	assert.True(t, revoked.Revoked)
}

func TestCRLSemantics(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.issuer.IssueFactory(t.Context(), IssueRequest{
		TenantID: "acme", DeviceID: "gw-4", MACAddress: "AA:BB:CC:DD:EE:08",
	})
	require.NoError(t, err)
	_, err = env.issuer.Revoke(t.Context(), first.ID, store.ReasonKeyCompromise, "", "admin")
	require.NoError(t, err)

	boot, err := env.bootstrap.Generate(t.Context(), "batch-1", "admin")
	require.NoError(t, err)
	_, err = env.bootstrap.Revoke(t.Context(), boot.ID, store.ReasonRotation, "", "admin")
	require.NoError(t, err)

	pemData, err := env.publisher.Build(t.Context())
	require.NoError(t, err)
	block, _ := pem.Decode(pemData)
	require.NotNil(t, block)
	crl, err := x509.ParseRevocationList(block.Bytes)
	require.NoError(t, err)

	require.Len(t, crl.RevokedCertificateEntries, 2)
	assert.Equal(t, crl.ThisUpdate.Add(CRLValidity), crl.NextUpdate)

	byReason := map[string]int{}
	for _, e := range crl.RevokedCertificateEntries {
		byReason[e.SerialNumber.Text(16)] = e.ReasonCode
	}
	firstSerial, _ := SerialToInt(first.SerialNumber)
	bootSerial, _ := SerialToInt(boot.SerialNumber)
	assert.Equal(t, crlReasonKeyCompromise, byReason[firstSerial.Text(16)])
	assert.Equal(t, crlReasonSuperseded, byReason[bootSerial.Text(16)])

	caCert, err := env.authority.Certificate()
	require.NoError(t, err)
	assert.NoError(t, crl.CheckSignatureFrom(caCert))
}

func TestCRLSkipsNonHexSerials(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	bad := &store.DeviceCertificate{
		ID: "bad", TenantID: "acme", MACAddress: "aa:bb:cc:dd:ee:09", DeviceID: "gw-bad",
		CertificatePEM: "cert", SerialNumber: "NOT-HEX-ZZZ", FingerprintSHA256: "FF",
		IssuedAt: now, ExpiresAt: now.AddDate(1, 0, 0),
	}
	require.NoError(t, env.store.InsertDeviceCertificate(t.Context(), bad))
	_, err := env.store.RevokeDeviceCertificate(t.Context(), bad.ID, now, store.ReasonOther, "")
	require.NoError(t, err)

	pemData, err := env.publisher.Build(t.Context())
	require.NoError(t, err)
	block, _ := pem.Decode(pemData)
	crl, err := x509.ParseRevocationList(block.Bytes)
	require.NoError(t, err)
	assert.Empty(t, crl.RevokedCertificateEntries)
}

func TestBootstrapLifecycle(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.bootstrap.Generate(t.Context(), "batch-A", "admin")
	require.NoError(t, err)
	assert.True(t, first.Active)

	cert := parseCertPEM(t, first.CertificatePEM)
	assert.Equal(t, "bootstrap-batch-A", cert.Subject.CommonName)
	assert.Equal(t, []string{BootstrapSAN}, cert.DNSNames)

	// Generating a successor rotates without revoking.
	second, err := env.bootstrap.Generate(t.Context(), "batch-B", "admin")
	require.NoError(t, err)
	active, err := env.bootstrap.Active(t.Context())
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
	old, err := env.store.BootstrapCertificate(t.Context(), first.ID)
	require.NoError(t, err)
	assert.False(t, old.Active)
	assert.False(t, old.Revoked)

	// One-time download: purge, then packaging fails permanently.
	purged, err := env.bootstrap.PurgeKey(t.Context(), second.ID)
	require.NoError(t, err)
	assert.True(t, purged)
	purged, err = env.bootstrap.PurgeKey(t.Context(), second.ID)
	require.NoError(t, err)
	assert.False(t, purged)

	stored, err := env.store.BootstrapCertificate(t.Context(), second.ID)
	require.NoError(t, err)
	_, err = env.bootstrap.PackageBootstrap(t.Context(), stored)
	assert.ErrorIs(t, err, ErrKeyPurged)

	// Revocation is terminal and leaves no active record.
	_, err = env.bootstrap.Revoke(t.Context(), second.ID, store.ReasonCompromised, "key leaked", "admin")
	require.NoError(t, err)
	_, err = env.bootstrap.Revoke(t.Context(), second.ID, store.ReasonOther, "", "admin")
	assert.ErrorIs(t, err, store.ErrAlreadyRevoked)
	_, err = env.bootstrap.Active(t.Context())
	assert.ErrorIs(t, err, ErrNoActiveBootstrap)
}

func TestBootstrapLabelTruncatedInCN(t *testing.T) {
	env := newTestEnv(t)
	long := "this-label-is-far-longer-than-forty-characters-and-then-some"
	boot, err := env.bootstrap.Generate(t.Context(), long, "admin")
	require.NoError(t, err)
	cert := parseCertPEM(t, boot.CertificatePEM)
	assert.Equal(t, "bootstrap-"+long[:40], cert.Subject.CommonName)
	assert.Equal(t, long, boot.Label, "record keeps the full label")
}

func TestBootstrapLabelTruncationIsRuneSafe(t *testing.T) {
	env := newTestEnv(t)
	// 25 two-byte runes: 50 bytes but only 25 runes, and a byte-wise cut
	// at 40 would land mid-rune.
	long := strings.Repeat("é", 25) + strings.Repeat("x", 30)
	boot, err := env.bootstrap.Generate(t.Context(), long, "admin")
	require.NoError(t, err)
	cert := parseCertPEM(t, boot.CertificatePEM)
	assert.True(t, utf8.ValidString(cert.Subject.CommonName))
	assert.Equal(t, "bootstrap-"+string([]rune(long)[:40]), cert.Subject.CommonName)
}

func readZip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	out := make(map[string]string, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		out[f.Name] = string(content)
	}
	return out
}

func TestPackageDevice(t *testing.T) {
	env := newTestEnv(t)

	factory, err := env.issuer.IssueFactory(t.Context(), IssueRequest{
		TenantID: "acme", DeviceID: "gw-10", MACAddress: "AA:BB:CC:DD:EE:0A",
	})
	require.NoError(t, err)
	data, err := env.issuer.PackageDevice(t.Context(), factory)
	require.NoError(t, err)
	files := readZip(t, data)
	assert.Contains(t, files, "ca.crt")
	assert.Contains(t, files, "client.crt")
	assert.Contains(t, files, "client.key")
	assert.Contains(t, files["README_nvs.txt"], "cert")
	assert.Contains(t, files["README_nvs.txt"], "ca_crt")
	assert.Contains(t, files["README_nvs.txt"], factory.SerialNumber)

	csrPEM, _ := newTestCSR(t, "gw-11")
	csrCert, err := env.issuer.IssueFromCSR(t.Context(), IssueRequest{
		TenantID: "acme", DeviceID: "gw-11", MACAddress: "AA:BB:CC:DD:EE:0B",
	}, csrPEM)
	require.NoError(t, err)
	data, err = env.issuer.PackageDevice(t.Context(), csrCert)
	require.NoError(t, err)
	files = readZip(t, data)
	assert.NotContains(t, files, "client.key", "CSR path ships no key")
}

func TestPackageBootstrap(t *testing.T) {
	env := newTestEnv(t)
	boot, err := env.bootstrap.Generate(t.Context(), "batch-C", "admin")
	require.NoError(t, err)
	data, err := env.bootstrap.PackageBootstrap(t.Context(), boot)
	require.NoError(t, err)
	files := readZip(t, data)
	assert.Contains(t, files, "bootstrap.crt")
	assert.Contains(t, files, "bootstrap.key")
	assert.Contains(t, files, "ca.crt")
	assert.Contains(t, files["README_nvs.txt"], "batch-C")
}

func TestSelfRegisterIdempotent(t *testing.T) {
	env := newTestEnv(t)
	boot, err := env.bootstrap.Generate(t.Context(), "batch-D", "admin")
	require.NoError(t, err)

	req := SelfRegisterRequest{
		MACAddress:           "AA:BB:CC:DD:EE:0C",
		Model:                "gw-200",
		FirmwareVersion:      "1.4.2",
		OriginIP:             "10.0.0.17",
		BootstrapFingerprint: boot.FingerprintSHA256,
	}
	first, created, err := env.registrar.SelfRegister(t.Context(), req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, store.StatusPending, first.Status)
	assert.Equal(t, boot.ID, first.BootstrapID)

	second, created, err := env.registrar.SelfRegister(t.Context(), req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	_, _, err = env.registrar.SelfRegister(t.Context(), SelfRegisterRequest{MACAddress: "bogus"})
	assert.ErrorIs(t, err, store.ErrInvalidRecord)

	// Unknown fingerprint is informational, not fatal.
	third, created, err := env.registrar.SelfRegister(t.Context(), SelfRegisterRequest{
		MACAddress:           "AA:BB:CC:DD:EE:0D",
		BootstrapFingerprint: "00:11:22",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Empty(t, third.BootstrapID)
}

func TestAllocatePrefersStoredCSR(t *testing.T) {
	env := newTestEnv(t)
	csrPEM, key := newTestCSR(t, "gw-20")
	reg, _, err := env.registrar.SelfRegister(t.Context(), SelfRegisterRequest{
		MACAddress: "AA:BB:CC:DD:EE:0E",
		CSRPEM:     csrPEM,
	})
	require.NoError(t, err)

	out, err := env.registrar.Allocate(t.Context(), AllocateRequest{
		RegistrationID:   reg.ID,
		TenantID:         "acme",
		DeviceID:         "gw-20",
		GatewayName:      "dock-7",
		IssueCertificate: true,
		Actor:            "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusProvisioned, out.Status)

	cert, err := env.store.DeviceCertificate(t.Context(), out.CertificateID)
	require.NoError(t, err)
	assert.Empty(t, cert.PrivateKeyPEM, "CSR path stores no key")
	parsed := parseCertPEM(t, cert.CertificatePEM)
	pub := parsed.PublicKey.(*ecdsa.PublicKey)
	assert.True(t, key.PublicKey.Equal(pub))

	gw, err := env.store.GatewayByMAC(t.Context(), "acme", reg.MACAddress)
	require.NoError(t, err)
	assert.Equal(t, "dock-7", gw.Name)
	assert.Equal(t, out.GatewayID, gw.ID)
}

func TestAllocateFactoryAndDeferred(t *testing.T) {
	env := newTestEnv(t)
	reg, _, err := env.registrar.SelfRegister(t.Context(), SelfRegisterRequest{
		MACAddress: "AA:BB:CC:DD:EE:0F",
		Model:      "gw-300",
	})
	require.NoError(t, err)

	out, err := env.registrar.Allocate(t.Context(), AllocateRequest{
		RegistrationID:   reg.ID,
		TenantID:         "acme",
		DeviceID:         "gw-21",
		GatewayName:      "dock-8",
		IssueCertificate: false,
		Actor:            "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusAllocated, out.Status)
	assert.Empty(t, out.CertificateID)

	out, err = env.registrar.Complete(t.Context(), reg.ID, "acme", "gw-21", "admin")
	require.NoError(t, err)
	assert.Equal(t, store.StatusProvisioned, out.Status)

	cert, err := env.store.DeviceCertificate(t.Context(), out.CertificateID)
	require.NoError(t, err)
	assert.NotEmpty(t, cert.PrivateKeyPEM, "no CSR on record means factory keygen")
}

type staticTenants map[string]bool

func (s staticTenants) Tenant(_ context.Context, id string) (string, bool, error) {
	active, ok := s[id]
	return id, ok && active, nil
}

func TestAllocateRejectsInactiveTenant(t *testing.T) {
	env := newTestEnv(t)
	env.registrar.tenants = staticTenants{"acme": true, "dormant": false}

	reg, _, err := env.registrar.SelfRegister(t.Context(), SelfRegisterRequest{
		MACAddress: "AA:BB:CC:DD:EE:10",
	})
	require.NoError(t, err)

	_, err = env.registrar.Allocate(t.Context(), AllocateRequest{
		RegistrationID: reg.ID, TenantID: "dormant", DeviceID: "gw-22",
		GatewayName: "dock-9", IssueCertificate: true, Actor: "admin",
	})
	assert.ErrorIs(t, err, ErrTenantInactive)

	got, err := env.store.Registration(t.Context(), reg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
}

func TestRejectIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	reg, _, err := env.registrar.SelfRegister(t.Context(), SelfRegisterRequest{
		MACAddress: "AA:BB:CC:DD:EE:11",
	})
	require.NoError(t, err)

	out, err := env.registrar.Reject(t.Context(), reg.ID, "unknown hardware batch", "admin")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRejected, out.Status)

	_, err = env.registrar.Allocate(t.Context(), AllocateRequest{
		RegistrationID: reg.ID, TenantID: "acme", DeviceID: "gw-23",
		GatewayName: "dock-10", IssueCertificate: false, Actor: "admin",
	})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestRenewalScheduler(t *testing.T) {
	env := newTestEnv(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	scheduler := NewRenewalScheduler(env.store, log)

	// Expiring inside the window: scheduled for tomorrow since the
	// nominal renewal date is already past.
	soon, err := env.issuer.IssueFactory(t.Context(), IssueRequest{
		TenantID: "acme", DeviceID: "gw-30", MACAddress: "AA:BB:CC:DD:EE:12",
		ValidityDays: 30,
	})
	require.NoError(t, err)
	// Expiring beyond the window: untouched.
	_, err = env.issuer.IssueFactory(t.Context(), IssueRequest{
		TenantID: "acme", DeviceID: "gw-31", MACAddress: "AA:BB:CC:DD:EE:13",
	})
	require.NoError(t, err)

	n, err := scheduler.ScheduleRenewals(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := env.store.DeviceCertificate(t.Context(), soon.ID)
	require.NoError(t, err)
	require.True(t, got.RenewalScheduled)
	require.NotNil(t, got.RenewalDate)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 1), *got.RenewalDate, time.Minute)

	// Second pass is a no-op.
	n, err = scheduler.ScheduleRenewals(t.Context())
	require.NoError(t, err)
	assert.Zero(t, n)

	// Not due yet.
	due, err := scheduler.AlertDue(t.Context())
	require.NoError(t, err)
	assert.Zero(t, due)
}

func TestSerialNumberShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		s, err := NewSerialNumber()
		require.NoError(t, err)
		assert.Len(t, s, 40)
		assert.Equal(t, strings.ToUpper(s), s)
		n, ok := SerialToInt(s)
		require.True(t, ok)
		assert.Positive(t, n.Sign())
		assert.False(t, seen[s], "serials must not repeat")
		seen[s] = true
	}
}
