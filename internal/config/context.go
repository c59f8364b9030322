package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/memtls/internal/engine"
	"github.com/danmuck/memtls/internal/kex"
	"github.com/rs/zerolog/log"
)

// BuildContext loads key material named by cfg and returns the engine
// context every session of this endpoint is created from.
func BuildContext(cfg Config) (*engine.Context, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	role, err := engine.ParseRole(normalizeRole(cfg.Role))
	if err != nil {
		return nil, err
	}
	minVersion, err := parseMinVersion(cfg.TLS.MinVersion)
	if err != nil {
		return nil, err
	}

	tlsCfg := &tls.Config{MinVersion: minVersion}
	switch role {
	case engine.RoleServer:
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load server key pair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
		if cfg.TLS.Mutual {
			pool, err := loadCertPool(cfg.TLS.CAFile)
			if err != nil {
				return nil, err
			}
			tlsCfg.ClientCAs = pool
			tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		}
	case engine.RoleClient:
		tlsCfg.ServerName = cfg.TLS.ServerName
		tlsCfg.InsecureSkipVerify = cfg.TLS.InsecureSkipVerify
		if strings.TrimSpace(cfg.TLS.CAFile) != "" {
			pool, err := loadCertPool(cfg.TLS.CAFile)
			if err != nil {
				return nil, err
			}
			tlsCfg.RootCAs = pool
		}
		if cfg.TLS.Mutual {
			cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("load client key pair: %w", err)
			}
			tlsCfg.Certificates = []tls.Certificate{cert}
		}
	}

	ctx, err := engine.NewContext(tlsCfg, engine.WithLimits(cfg.EngineLimits()))
	if err != nil {
		return nil, err
	}
	if role == engine.RoleServer {
		if _, err := kex.SetupDH(ctx, cfg.KeyExchange.DHParamsFile); err != nil {
			return nil, err
		}
	}
	if cfg.KeyExchange.ECDH {
		if err := kex.SetupECDH(ctx, kex.StdProvider{}); err != nil {
			return nil, err
		}
	}
	log.Debug().
		Str("role", role.String()).
		Bool("mutual", cfg.TLS.Mutual).
		Str("min_version", tls.VersionName(minVersion)).
		Msg("engine context built")
	return ctx, nil
}

// Flags maps the session table to engine flags.
func (c Config) Flags() engine.Flags {
	var flags engine.Flags
	if c.Session.Tickets {
		flags |= engine.FlagUseSessionTicket
	}
	if c.Session.CompressionNone {
		flags |= engine.FlagCompressionNone
	}
	return flags
}

func (c Config) EngineLimits() engine.Limits {
	return engine.Limits{
		MaxInbound:        c.Limits.MaxInboundBytes,
		MaxPlaintextBurst: c.Limits.MaxPlaintextBurst,
		MaxResumptionBlob: c.Limits.MaxResumptionBlob,
	}
}

func loadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("%w: no certificates in %s", ErrTLSCAFileRequired, path)
	}
	return pool, nil
}

func parseMinVersion(raw string) (uint16, error) {
	switch strings.TrimSpace(raw) {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidTLSVersion, raw)
	}
}
