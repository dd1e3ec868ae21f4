// Package config loads service configuration from a YAML file and
// DEVICEPKI_* environment variables, with environment taking precedence.
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Listen    Listen    `mapstructure:"listen"`
	Store     Store     `mapstructure:"store"`
	CA        CA        `mapstructure:"ca"`
	CRL       CRL       `mapstructure:"crl"`
	Issuance  Issuance  `mapstructure:"issuance"`
	Register  Register  `mapstructure:"register"`
	Admin     Admin     `mapstructure:"admin"`
	Renewal   Renewal   `mapstructure:"renewal"`
	Log       Log       `mapstructure:"log"`
	// Tenants is the static tenant directory for standalone deployments.
	// Empty disables tenant checks at allocation time.
	Tenants   []Tenant  `mapstructure:"tenants"`
}

// Tenant is one static tenant directory entry.
type Tenant struct {
	ID     string `mapstructure:"id"`
	Name   string `mapstructure:"name"`
	Active bool   `mapstructure:"active"`
}

// Listen configures the HTTP listener.
type Listen struct {
	Addr    string `mapstructure:"addr"`
	TLSCert string `mapstructure:"tls_cert"`
	TLSKey  string `mapstructure:"tls_key"`
	// TrustedProxies are CIDR ranges whose forwarding headers are
	// honored for client IP extraction.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// Store selects and configures the persistence backend.
type Store struct {
	// Backend is one of "memory", "bbolt", "sqlite".
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// CA locates the externally provisioned CA key pair.
type CA struct {
	CertPath      string `mapstructure:"cert_path"`
	KeyPath       string `mapstructure:"key_path"`
	KeyPassphrase string `mapstructure:"key_passphrase"`
}

// CRL configures revocation list publication.
type CRL struct {
	Path string `mapstructure:"path"`
	// RepublishInterval is how often the CRL file is rebuilt in the
	// background, independent of revocation-triggered publishes.
	RepublishInterval time.Duration `mapstructure:"republish_interval"`
}

// Issuance sets certificate validity periods.
type Issuance struct {
	ValidityDays          int `mapstructure:"validity_days"`
	BootstrapValidityDays int `mapstructure:"bootstrap_validity_days"`
}

// Register throttles the device self-registration endpoint.
type Register struct {
	MaxRequests   int `mapstructure:"max_requests"`
	WindowSeconds int `mapstructure:"window_seconds"`
}

// Admin guards the management API.
type Admin struct {
	// TokenBcrypt is the bcrypt hash of the admin bearer token. Empty
	// closes the admin surface entirely.
	TokenBcrypt string `mapstructure:"token_bcrypt"`
}

// Renewal configures the background renewal scheduler.
type Renewal struct {
	Interval time.Duration `mapstructure:"interval"`
}

// Log configures structured logging.
type Log struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is "json" or "text".
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen.addr", ":8443")
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.path", "./data/devicepki.db")
	v.SetDefault("crl.path", "./data/crl.pem")
	v.SetDefault("crl.republish_interval", 6*time.Hour)
	v.SetDefault("issuance.validity_days", 3650)
	v.SetDefault("issuance.bootstrap_validity_days", 365)
	v.SetDefault("register.max_requests", 10)
	v.SetDefault("register.window_seconds", 3600)
	v.SetDefault("renewal.interval", 24*time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration from the given file (optional; empty path
// uses defaults and environment only).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DEVICEPKI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "bbolt", "sqlite":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend != "memory" && c.Store.Path == "" {
		return fmt.Errorf("store.path is required for backend %q", c.Store.Backend)
	}
	if (c.Listen.TLSCert == "") != (c.Listen.TLSKey == "") {
		return fmt.Errorf("listen.tls_cert and listen.tls_key must be set together")
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

// TrustedProxyPrefixes parses the configured proxy CIDR ranges. A bare
// address is treated as a single-host prefix.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.Listen.TrustedProxies))
	for _, raw := range c.Listen.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, nil
}
