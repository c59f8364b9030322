package config

import (
	"crypto/tls"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/memtls/internal/engine"
	"github.com/danmuck/memtls/internal/kex"
	"github.com/danmuck/memtls/internal/testutil/testlog"
	"github.com/danmuck/memtls/internal/testutil/tlstest"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestTemplatesRoundTripThroughLoad(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()

	for _, kind := range []string{"server", "client"} {
		path := filepath.Join(dir, kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("write %s template: %v", kind, err)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("load %s template: %v", kind, err)
		}
		want := DefaultConfig(kind)
		if cfg.Role != kind || cfg.Name != want.Name || cfg.Limits != want.Limits {
			t.Fatalf("%s template loaded as %+v", kind, cfg)
		}
	}
}

func TestWriteTemplateRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memtls.toml")
	if err := WriteTemplate(path, "server", false); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteTemplate(path, "server", false); err == nil {
		t.Fatal("expected overwrite refusal")
	}
	if err := WriteTemplate(path, "server", true); err != nil {
		t.Fatalf("forced write: %v", err)
	}
	if _, err := Template("relay"); err == nil {
		t.Fatal("expected unknown kind error")
	}
}

func TestLoadOverlaysRoleDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "probe.toml", `
role = "Client"
connect = "edge.example:443"

[tls]
ca_file = "ca.pem"
server_name = " edge.example "

[limits]
max_plaintext_burst = 4096
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Role != "client" || cfg.Name != "memtlsprobe" || cfg.Listen != "" {
		t.Fatalf("role defaults not applied: %+v", cfg)
	}
	if cfg.TLS.ServerName != "edge.example" {
		t.Fatalf("server name=%q", cfg.TLS.ServerName)
	}
	limits := cfg.EngineLimits()
	if limits.MaxPlaintextBurst != 4096 || limits.MaxInbound != engine.DefaultMaxInbound {
		t.Fatalf("limits=%+v", limits)
	}
	if cfg.Flags() != engine.FlagUseSessionTicket|engine.FlagCompressionNone {
		t.Fatalf("flags=%b", cfg.Flags())
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.toml", `
name = "memtlsd"
listen = ":8443"
compression = "zlib"
`)
	_, err := Load(path)
	if !errors.Is(err, ErrUnknownKeys) || !strings.Contains(err.Error(), "compression") {
		t.Fatalf("err=%v want ErrUnknownKeys", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		role   string
		want   error
	}{
		{"server ok", func(*Config) {}, "server", nil},
		{"client ok", func(*Config) {}, "client", nil},
		{"missing name", func(c *Config) { c.Name = " " }, "server", ErrNameRequired},
		{"bad role", func(c *Config) { c.Role = "relay" }, "server", ErrInvalidRole},
		{"bad mode", func(c *Config) { c.SecurityMode = "staging" }, "server", ErrInvalidSecurityMode},
		{"bad version", func(c *Config) { c.TLS.MinVersion = "1.1" }, "server", ErrInvalidTLSVersion},
		{"negative limit", func(c *Config) { c.Limits.MaxInboundBytes = -1 }, "server", ErrInvalidLimit},
		{"server listen", func(c *Config) { c.Listen = "" }, "server", ErrListenAddrRequired},
		{"server cert", func(c *Config) { c.TLS.CertFile = "" }, "server", ErrTLSCertFileRequired},
		{"server key", func(c *Config) { c.TLS.KeyFile = "" }, "server", ErrTLSKeyFileRequired},
		{"server mutual ca", func(c *Config) { c.TLS.Mutual = true; c.TLS.CAFile = "" }, "server", ErrTLSCAFileRequired},
		{"production needs mtls", func(c *Config) { c.SecurityMode = SecurityModeProduction }, "server", ErrMTLSRequired},
		{"client connect", func(c *Config) { c.Connect = "" }, "client", ErrConnectAddrRequired},
		{"client ca", func(c *Config) { c.TLS.CAFile = "" }, "client", ErrTLSCAFileRequired},
		{"client insecure dev", func(c *Config) { c.TLS.CAFile = ""; c.TLS.InsecureSkipVerify = true }, "client", nil},
		{
			"client insecure production",
			func(c *Config) { c.SecurityMode = SecurityModeProduction; c.TLS.InsecureSkipVerify = true },
			"client",
			ErrTLSInsecureSkipNotAllow,
		},
		{"client mutual cert", func(c *Config) { c.TLS.Mutual = true }, "client", ErrTLSCertFileRequired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig(tc.role)
			tc.mutate(&cfg)
			err := Validate(cfg)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("err=%v want %v", err, tc.want)
			}
		})
	}
}

func TestBuildContext(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, "memtls-config-ca")
	certPath, keyPath := ca.IssueServerCertFiles(t, dir, "localhost", []string{"localhost"}, nil)
	clientCert, clientKey := ca.IssueClientCertFiles(t, dir, "probe")
	caPath := ca.CAFile(t, dir)

	server := DefaultConfig("server")
	server.TLS.CertFile = certPath
	server.TLS.KeyFile = keyPath
	server.TLS.CAFile = caPath
	server.TLS.Mutual = true
	server.TLS.MinVersion = "1.3"

	ctx, err := BuildContext(server)
	if err != nil {
		t.Fatalf("server context: %v", err)
	}
	if ctx.DHParams() == nil || ctx.DHParams().Source != kex.SourceEmbedded {
		t.Fatalf("dh params=%v", ctx.DHParams())
	}
	if prefs := ctx.CurvePreferences(); len(prefs) == 0 || prefs[0] != tls.CurveP256 {
		t.Fatalf("curve prefs=%v", prefs)
	}

	client := DefaultConfig("client")
	client.TLS.CAFile = caPath
	client.TLS.Mutual = true
	client.TLS.CertFile = clientCert
	client.TLS.KeyFile = clientKey
	client.KeyExchange.ECDH = false

	clientCtx, err := BuildContext(client)
	if err != nil {
		t.Fatalf("client context: %v", err)
	}
	if clientCtx.DHParams() != nil || len(clientCtx.CurvePreferences()) != 0 {
		t.Fatalf("client context should keep key exchange defaults")
	}
	session, err := engine.Init(clientCtx, engine.RoleClient, client.Flags(), nil)
	if err != nil {
		t.Fatalf("init client session: %v", err)
	}
	defer session.Close()
}

func TestBuildContextMissingMaterial(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig("server")
	cfg.TLS.CertFile = filepath.Join(dir, "absent.crt")
	cfg.TLS.KeyFile = filepath.Join(dir, "absent.key")
	if _, err := BuildContext(cfg); err == nil {
		t.Fatal("expected key pair error")
	}

	client := DefaultConfig("client")
	client.TLS.CAFile = writeFile(t, dir, "empty.pem", "not a certificate")
	if _, err := BuildContext(client); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("err=%v want ErrTLSCAFileRequired", err)
	}
}
