package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		raw  string
		want zerolog.Level
		ok   bool
	}{
		{"", zerolog.InfoLevel, false},
		{"debug", zerolog.DebugLevel, true},
		{" WARNING ", zerolog.WarnLevel, true},
		{"off", zerolog.Disabled, true},
		{"loud", zerolog.InfoLevel, false},
	}
	for _, tc := range cases {
		got, ok := parseLevel(tc.raw)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("parseLevel(%q)=(%v,%v) want (%v,%v)", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogTimestamp, "false")
	t.Setenv(EnvLogNoColor, "true")
	t.Setenv(EnvLogBypass, "not-a-bool")

	cfg := defaultConfig(ProfileRuntime)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel || cfg.Timestamp || !cfg.NoColor || cfg.Bypass {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestNewWritesAppField(t *testing.T) {
	var out bytes.Buffer
	logger := New(Config{App: "memtlsd", Level: zerolog.InfoLevel, NoColor: true, Out: &out})
	logger.Info().Str("session", "s1").Msg("handshake complete")
	line := out.String()
	if !strings.Contains(line, "handshake complete") || !strings.Contains(line, "app=memtlsd") {
		t.Fatalf("unexpected log line: %q", line)
	}
}

func TestNewBypassIsSilent(t *testing.T) {
	var out bytes.Buffer
	logger := New(Config{Level: zerolog.InfoLevel, Bypass: true, Out: &out})
	logger.Error().Msg("dropped")
	if out.Len() != 0 {
		t.Fatalf("bypass logger wrote %q", out.String())
	}
}
