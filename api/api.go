// Package api exposes the PKI core over HTTP: the device-facing
// self-registration endpoint and the admin REST surface for certificate,
// bootstrap, and registration management.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/onkoto/devicepki/ca"
	"github.com/onkoto/devicepki/pki"
	"github.com/onkoto/devicepki/store"
)

//go:embed openapi.yaml
var openapiSpec []byte

// API holds the dependencies needed by the REST handlers.
type API struct {
	store     store.Store
	authority *ca.Authority
	issuer    *pki.Issuer
	bootstrap *pki.BootstrapManager
	registrar *pki.Registrar
	publisher *pki.Publisher

	audit          *auditLogger
	limiter        *registerLimiter
	adminTokenHash string // bcrypt hash of the admin bearer token
	trustedProxies []netip.Prefix
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events. If not set, a
// default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithRegisterLimit overrides the self-registration rate limit
// (maxRequests per window seconds, per source IP).
func WithRegisterLimit(maxRequests, windowSeconds int) Option {
	return func(a *API) {
		a.limiter = newRegisterLimiter(maxRequests, windowSeconds)
	}
}

// WithAdminToken protects the admin routes with a bearer token, supplied
// as its bcrypt hash. Without it the admin surface rejects everything.
func WithAdminToken(bcryptHash string) Option {
	return func(a *API) {
		a.adminTokenHash = bcryptHash
	}
}

// WithTrustedProxies sets the CIDR ranges whose proxy headers
// (X-Forwarded-For and friends) are honored for client IP extraction.
// Empty means headers are never trusted.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// New creates a new API instance.
func New(st store.Store, authority *ca.Authority, issuer *pki.Issuer, bootstrap *pki.BootstrapManager, registrar *pki.Registrar, publisher *pki.Publisher, opts ...Option) *API {
	a := &API{
		store:     st,
		authority: authority,
		issuer:    issuer,
		bootstrap: bootstrap,
		registrar: registrar,
		publisher: publisher,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	if a.limiter == nil {
		a.limiter = newRegisterLimiter(defaultRegisterMax, defaultRegisterWindowSeconds)
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	// Device-facing. Caller authentication is the bootstrap mTLS
	// handshake at the TLS frontend; no credential check here.
	r.Post("/provisioning/register", a.RegisterDevice)

	// Broker/device-facing trust material.
	r.Get("/ca.pem", a.GetCACertificate)
	r.Get("/crl.pem", a.GetCRL)

	// Admin surface.
	r.Group(func(r chi.Router) {
		r.Use(a.AdminAuth)

		r.Get("/certificates", a.ListCertificates)
		r.Post("/certificates", a.IssueCertificate)
		r.Get("/certificates/{certID}", a.GetCertificate)
		r.Post("/certificates/{certID}/revoke", a.RevokeCertificate)
		r.Get("/certificates/{certID}/zip", a.DownloadCertificateZip)
		r.Delete("/certificates/{certID}/key", a.PurgeCertificateKey)

		r.Get("/bootstrap", a.ListBootstraps)
		r.Post("/bootstrap", a.GenerateBootstrap)
		r.Get("/bootstrap/active", a.GetActiveBootstrap)
		r.Post("/bootstrap/{bootstrapID}/revoke", a.RevokeBootstrap)
		r.Get("/bootstrap/{bootstrapID}/zip", a.DownloadBootstrapZip)
		r.Delete("/bootstrap/{bootstrapID}/key", a.PurgeBootstrapKey)

		r.Get("/registrations", a.ListRegistrations)
		r.Get("/registrations/{registrationID}", a.GetRegistration)
		r.Post("/registrations/{registrationID}/allocate", a.AllocateRegistration)
		r.Post("/registrations/{registrationID}/complete", a.CompleteRegistration)
		r.Post("/registrations/{registrationID}/reject", a.RejectRegistration)

		r.Post("/crl/rebuild", a.RebuildCRL)
	})

	return r
}
