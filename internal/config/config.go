package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/memtls/internal/engine"
)

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

var (
	ErrInvalidSecurityMode     = errors.New("config: invalid security mode")
	ErrInvalidRole             = errors.New("config: role must be server or client")
	ErrNameRequired            = errors.New("config: name required")
	ErrListenAddrRequired      = errors.New("config: listen addr required")
	ErrConnectAddrRequired     = errors.New("config: connect addr required")
	ErrMTLSRequired            = errors.New("config: mtls required")
	ErrTLSCertFileRequired     = errors.New("config: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("config: tls key file required")
	ErrTLSCAFileRequired       = errors.New("config: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("config: insecure skip verify not allowed")
	ErrInvalidTLSVersion       = errors.New("config: invalid tls min version")
	ErrInvalidLimit            = errors.New("config: limits must not be negative")
	ErrUnknownKeys             = errors.New("config: unknown keys")
)

// Config is the on-disk description of one memtls endpoint.
type Config struct {
	Name         string        `toml:"name"`
	Role         string        `toml:"role"`
	SecurityMode SecurityMode  `toml:"security_mode"`
	Listen       string        `toml:"listen"`
	Connect      string        `toml:"connect"`
	Admin        AdminConfig   `toml:"admin"`
	TLS          TLSConfig     `toml:"tls"`
	Session      SessionConfig `toml:"session"`
	Limits       LimitsConfig  `toml:"limits"`
	KeyExchange  KexConfig     `toml:"key_exchange"`
}

type AdminConfig struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
	// Token guards session listings; MEMTLS_ADMIN_TOKEN overrides it.
	Token string `toml:"token"`
}

type TLSConfig struct {
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	Mutual             bool   `toml:"mutual"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	MinVersion         string `toml:"min_version"`
}

type SessionConfig struct {
	Tickets         bool   `toml:"tickets"`
	CompressionNone bool   `toml:"compression_none"`
	ResumeFile      string `toml:"resume_file"`
}

type LimitsConfig struct {
	MaxInboundBytes   int `toml:"max_inbound_bytes"`
	MaxPlaintextBurst int `toml:"max_plaintext_burst"`
	MaxResumptionBlob int `toml:"max_resumption_blob"`
}

type KexConfig struct {
	DHParamsFile string `toml:"dh_params_file"`
	ECDH         bool   `toml:"ecdh"`
}

// DefaultConfig returns the baseline for role; unknown roles get server
// defaults.
func DefaultConfig(role string) Config {
	limits := engine.DefaultLimits()
	cfg := Config{
		Name:         "memtlsd",
		Role:         "server",
		SecurityMode: SecurityModeDevelopment,
		Listen:       ":8443",
		Admin: AdminConfig{
			Addr:        "127.0.0.1:9443",
			CorsOrigins: []string{"http://localhost:3000"},
		},
		TLS: TLSConfig{
			CertFile:   "certs/server.crt",
			KeyFile:    "certs/server.key",
			CAFile:     "certs/ca.crt",
			MinVersion: "1.2",
		},
		Session: SessionConfig{
			Tickets:         true,
			CompressionNone: true,
		},
		Limits: LimitsConfig{
			MaxInboundBytes:   limits.MaxInbound,
			MaxPlaintextBurst: limits.MaxPlaintextBurst,
			MaxResumptionBlob: limits.MaxResumptionBlob,
		},
		KeyExchange: KexConfig{ECDH: true},
	}
	if normalizeRole(role) == "client" {
		cfg.Name = "memtlsprobe"
		cfg.Role = "client"
		cfg.Listen = ""
		cfg.Connect = "localhost:8443"
		cfg.Admin = AdminConfig{}
		cfg.TLS.CertFile = ""
		cfg.TLS.KeyFile = ""
		cfg.TLS.ServerName = "localhost"
		cfg.Session.ResumeFile = "memtls.session"
	}
	return cfg
}

// Load decodes path over the defaults for the role named in the file.
func Load(path string) (Config, error) {
	var probe struct {
		Role string `toml:"role"`
	}
	if _, err := toml.DecodeFile(path, &probe); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}

	cfg := DefaultConfig(probe.Role)
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return Config{}, fmt.Errorf("%w (%s): %s", ErrUnknownKeys, path, strings.Join(keys, ", "))
	}

	cfg.Role = normalizeRole(cfg.Role)
	cfg.SecurityMode = NormalizeSecurityMode(cfg.SecurityMode)
	if meta.IsDefined("admin", "cors_origins") {
		cfg.Admin.CorsOrigins = normalizeList(cfg.Admin.CorsOrigins)
	}
	if meta.IsDefined("tls", "server_name") {
		cfg.TLS.ServerName = strings.TrimSpace(cfg.TLS.ServerName)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	if strings.TrimSpace(string(mode)) == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return ErrNameRequired
	}
	mode := NormalizeSecurityMode(cfg.SecurityMode)
	switch mode {
	case SecurityModeDevelopment, SecurityModeProduction:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, cfg.SecurityMode)
	}
	if _, err := parseMinVersion(cfg.TLS.MinVersion); err != nil {
		return err
	}
	l := cfg.Limits
	if l.MaxInboundBytes < 0 || l.MaxPlaintextBurst < 0 || l.MaxResumptionBlob < 0 {
		return ErrInvalidLimit
	}

	switch normalizeRole(cfg.Role) {
	case "server":
		return validateServer(cfg, mode)
	case "client":
		return validateClient(cfg, mode)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRole, cfg.Role)
	}
}

func validateServer(cfg Config, mode SecurityMode) error {
	if strings.TrimSpace(cfg.Listen) == "" {
		return ErrListenAddrRequired
	}
	if mode == SecurityModeProduction && !cfg.TLS.Mutual {
		return ErrMTLSRequired
	}
	if strings.TrimSpace(cfg.TLS.CertFile) == "" {
		return ErrTLSCertFileRequired
	}
	if strings.TrimSpace(cfg.TLS.KeyFile) == "" {
		return ErrTLSKeyFileRequired
	}
	if cfg.TLS.Mutual && strings.TrimSpace(cfg.TLS.CAFile) == "" {
		return ErrTLSCAFileRequired
	}
	return nil
}

func validateClient(cfg Config, mode SecurityMode) error {
	if strings.TrimSpace(cfg.Connect) == "" {
		return ErrConnectAddrRequired
	}
	if mode == SecurityModeProduction && cfg.TLS.InsecureSkipVerify {
		return ErrTLSInsecureSkipNotAllow
	}
	if strings.TrimSpace(cfg.TLS.CAFile) == "" && !cfg.TLS.InsecureSkipVerify {
		return ErrTLSCAFileRequired
	}
	if cfg.TLS.Mutual {
		if strings.TrimSpace(cfg.TLS.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(cfg.TLS.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	return nil
}

func normalizeRole(role string) string {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return "server"
	}
	return role
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
