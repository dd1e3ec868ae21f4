package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/onkoto/devicepki/ca"
	"github.com/onkoto/devicepki/config"
	"github.com/onkoto/devicepki/pki"
	"github.com/onkoto/devicepki/store"
	bboltstore "github.com/onkoto/devicepki/store/bbolt"
	memorystore "github.com/onkoto/devicepki/store/memory"
	sqlitestore "github.com/onkoto/devicepki/store/sqlite"
)

// app wires the shared service components for the CLI commands.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	store     store.Store
	authority *ca.Authority
	publisher *pki.Publisher
	issuer    *pki.Issuer
	bootstrap *pki.BootstrapManager
	registrar *pki.Registrar
}

func newApp() (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg.Log)

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	authority := ca.New(cfg.CA.CertPath, cfg.CA.KeyPath, cfg.CA.KeyPassphrase)
	if err := authority.Load(); err != nil {
		// Issuance fails closed until the CA material appears; the
		// rest of the service stays usable.
		logger.Warn("CA material not loaded, issuance unavailable", "error", err)
	}

	publisher := pki.NewPublisher(st, authority, cfg.CRL.Path, logger)
	issuer := pki.NewIssuer(st, authority, publisher, logger, cfg.Issuance.ValidityDays)
	bootstrap := pki.NewBootstrapManager(st, authority, publisher, logger, cfg.Issuance.BootstrapValidityDays)
	var tenants pki.TenantDirectory
	if len(cfg.Tenants) > 0 {
		dir := pki.StaticTenants{}
		for _, t := range cfg.Tenants {
			dir[t.ID] = pki.StaticTenant{Name: t.Name, Active: t.Active}
		}
		tenants = dir
	}
	registrar := pki.NewRegistrar(st, issuer, tenants, logger)

	return &app{
		cfg:       cfg,
		log:       logger,
		store:     st,
		authority: authority,
		publisher: publisher,
		issuer:    issuer,
		bootstrap: bootstrap,
		registrar: registrar,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Error("closing store", "error", err)
	}
}

func newLogger(cfg config.Log) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func openStore(cfg config.Store) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return memorystore.New(), nil
	case "bbolt":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return bboltstore.Open(cfg.Path, nil)
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return sqlitestore.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
