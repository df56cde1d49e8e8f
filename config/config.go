// Package config loads the ironca server configuration from a YAML file
// and IRONCA_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jmcleod/ironca/custody"
	"github.com/jmcleod/ironca/lifecycle"
	"github.com/jmcleod/ironca/pki"
)

// EnvPrefix is prepended to every environment override, e.g.
// IRONCA_SERVER_PORT or IRONCA_STORAGE_DSN.
const EnvPrefix = "IRONCA"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Custody CustodyConfig `mapstructure:"custody"`
	Policy  PolicyConfig  `mapstructure:"policy"`
	Log     LogConfig     `mapstructure:"log"`
	Audit   AuditConfig   `mapstructure:"audit"`
}

type ServerConfig struct {
	Port    int    `mapstructure:"port"`
	TLSCert string `mapstructure:"tls_cert"`
	TLSKey  string `mapstructure:"tls_key"`
	DataDir string `mapstructure:"data_dir"`
	// APIToken, when set, is required as a bearer token on /api/v1.
	APIToken       string        `mapstructure:"api_token"`
	IssuanceLimit  int           `mapstructure:"issuance_limit"`
	IssuanceWindow time.Duration `mapstructure:"issuance_window"`
	TrustedProxies []string      `mapstructure:"trusted_proxies"`
	// CRLPublic serves /crl/{file} outside the authenticated API.
	CRLPublic bool `mapstructure:"crl_public"`
}

const (
	StorageMemory   = "memory"
	StorageBBolt    = "bbolt"
	StoragePostgres = "postgres"
)

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	// Path is the bbolt database file. Defaults to <data_dir>/ironca.db.
	Path string `mapstructure:"path"`
	DSN  string `mapstructure:"dsn"`
}

const (
	CustodySoftware = "software"
	CustodyHTTP     = "http"
	CustodyPKCS11   = "pkcs11"
)

type CustodyConfig struct {
	Driver    string        `mapstructure:"driver"`
	URL       string        `mapstructure:"url"`
	Token     string        `mapstructure:"token"`
	Attempts  int           `mapstructure:"attempts"`
	BaseDelay time.Duration `mapstructure:"base_delay"`
	Timeout   time.Duration `mapstructure:"timeout"`
	// ExportableKeys lets the software custodian hand out signers so CRLs
	// can be signed in-process.
	ExportableKeys bool `mapstructure:"exportable_keys"`
	// Passphrase seals the key references the custodian persists. Empty
	// stores software keys as plain PKCS#8 PEM.
	Passphrase string       `mapstructure:"passphrase"`
	PKCS11     PKCS11Config `mapstructure:"pkcs11"`
}

type PKCS11Config struct {
	Module     string `mapstructure:"module"`
	TokenLabel string `mapstructure:"token_label"`
	PIN        string `mapstructure:"pin"`
	// Slot is ignored when negative.
	Slot int `mapstructure:"slot"`
}

type PolicyConfig struct {
	MaxValidityDays pki.ValidityPolicy `mapstructure:"max_validity_days"`
	CRLValidity     time.Duration      `mapstructure:"crl_validity"`
	KeyReuseMaxAge  time.Duration      `mapstructure:"key_reuse_max_age"`
	DeleteGrace     time.Duration      `mapstructure:"delete_grace"`
	CRLBaseURL      string             `mapstructure:"crl_base_url"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type AuditConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
	// WebhookAuthHeader is sent as "Header: Value".
	WebhookAuthHeader string `mapstructure:"webhook_auth_header"`
}

func setDefaults(v *viper.Viper) {
	retry := custody.DefaultRetryConfig()
	policy := lifecycle.DefaultPolicy()

	v.SetDefault("server.port", 8443)
	v.SetDefault("server.tls_cert", "")
	v.SetDefault("server.tls_key", "")
	v.SetDefault("server.data_dir", "./data")
	v.SetDefault("server.api_token", "")
	v.SetDefault("server.issuance_limit", 0)
	v.SetDefault("server.issuance_window", time.Minute)
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("server.crl_public", true)

	v.SetDefault("storage.driver", StorageBBolt)
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.dsn", "")

	v.SetDefault("custody.driver", CustodySoftware)
	v.SetDefault("custody.url", "")
	v.SetDefault("custody.token", "")
	v.SetDefault("custody.attempts", retry.Attempts)
	v.SetDefault("custody.base_delay", retry.BaseDelay)
	v.SetDefault("custody.timeout", retry.Timeout)
	v.SetDefault("custody.exportable_keys", false)
	v.SetDefault("custody.passphrase", "")
	v.SetDefault("custody.pkcs11.module", "")
	v.SetDefault("custody.pkcs11.token_label", "")
	v.SetDefault("custody.pkcs11.pin", "")
	v.SetDefault("custody.pkcs11.slot", -1)

	v.SetDefault("policy.max_validity_days.server", policy.Validity.Server)
	v.SetDefault("policy.max_validity_days.client", policy.Validity.Client)
	v.SetDefault("policy.max_validity_days.code_signing", policy.Validity.CodeSigning)
	v.SetDefault("policy.max_validity_days.email", policy.Validity.Email)
	v.SetDefault("policy.crl_validity", policy.CRLValidity)
	v.SetDefault("policy.key_reuse_max_age", policy.KeyReuseMaxAge)
	v.SetDefault("policy.delete_grace", policy.DeleteGrace)
	v.SetDefault("policy.crl_base_url", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("audit.webhook_url", "")
	v.SetDefault("audit.webhook_auth_header", "")
}

// Load reads path (if non-empty), applies IRONCA_* environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
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
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("server.tls_cert and server.tls_key must be set together")
	}
	if _, err := c.Server.Prefixes(); err != nil {
		return err
	}

	switch c.Storage.Driver {
	case StorageMemory, StorageBBolt:
	case StoragePostgres:
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}

	switch c.Custody.Driver {
	case CustodySoftware:
	case CustodyHTTP:
		if c.Custody.URL == "" {
			return errors.New("custody.url is required for the http driver")
		}
	case CustodyPKCS11:
		if c.Custody.PKCS11.Module == "" {
			return errors.New("custody.pkcs11.module is required for the pkcs11 driver")
		}
		if c.Custody.PKCS11.TokenLabel == "" && c.Custody.PKCS11.Slot < 0 {
			return errors.New("custody.pkcs11 needs a token_label or slot")
		}
	default:
		return fmt.Errorf("unknown custody.driver %q", c.Custody.Driver)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log.level %q", c.Log.Level)
	}
	return nil
}

// Prefixes parses TrustedProxies. Bare addresses become single-host
// prefixes.
func (s ServerConfig) Prefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(s.TrustedProxies))
	for _, raw := range s.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("server.trusted_proxies: invalid entry %q", raw)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// RetryConfig returns the custody retry settings.
func (c CustodyConfig) RetryConfig() custody.RetryConfig {
	return custody.RetryConfig{Attempts: c.Attempts, BaseDelay: c.BaseDelay, Timeout: c.Timeout}
}

// PKCS11Settings returns the HSM settings in the form the key store takes.
func (c CustodyConfig) PKCS11Settings() custody.PKCS11Config {
	cfg := custody.PKCS11Config{
		ModulePath: c.PKCS11.Module,
		TokenLabel: c.PKCS11.TokenLabel,
		PIN:        c.PKCS11.PIN,
	}
	if c.PKCS11.Slot >= 0 {
		slot := c.PKCS11.Slot
		cfg.SlotNumber = &slot
	}
	return cfg
}

// LifecyclePolicy converts the policy section for lifecycle.Config.
func (p PolicyConfig) LifecyclePolicy() lifecycle.Policy {
	return lifecycle.Policy{
		Validity:       p.MaxValidityDays,
		CRLValidity:    p.CRLValidity,
		KeyReuseMaxAge: p.KeyReuseMaxAge,
		DeleteGrace:    p.DeleteGrace,
		CRLBaseURL:     strings.TrimRight(p.CRLBaseURL, "/"),
	}
}
