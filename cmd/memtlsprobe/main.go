package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/danmuck/memtls/internal/config"
	"github.com/danmuck/memtls/internal/host"
	"github.com/danmuck/memtls/internal/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "memtlsprobe: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fset := flag.NewFlagSet("memtlsprobe", flag.ContinueOnError)
	configPath := fset.String("config", "memtlsprobe.toml", "client config path")
	message := fset.String("message", "ping", "payload to send and expect echoed")
	count := fset.Int("count", 1, "number of sequential probes, each resuming the last")
	timeout := fset.Duration("timeout", 10*time.Second, "per-probe timeout")
	retries := fset.Int("retries", 3, "dial attempts per probe")
	if err := fset.Parse(args); err != nil {
		return err
	}
	logging.ConfigureRuntime("memtlsprobe")

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if cfg.Role != "client" {
		return fmt.Errorf("config %s has role %q, want client", *configPath, cfg.Role)
	}
	tlsCtx, err := config.BuildContext(cfg)
	if err != nil {
		return err
	}

	resume, err := readResumption(cfg.Session.ResumeFile)
	if err != nil {
		return err
	}
	dial := host.DefaultBackoff()
	dial.Attempts = *retries
	for i := 0; i < *count; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		res, err := host.Probe(ctx, host.ProbeConfig{
			Addr:    cfg.Connect,
			TLS:     tlsCtx,
			Flags:   cfg.Flags(),
			Resume:  resume,
			Message: []byte(*message),
			Dial:    dial,
		})
		cancel()
		if err != nil {
			return fmt.Errorf("probe %d: %w", i+1, err)
		}
		log.Info().
			Int("probe", i+1).
			Str("session", res.SessionID).
			Str("version", res.Info.Version).
			Str("cipher", res.Info.CipherSuite).
			Bool("resumed", res.Info.Resumed).
			Bool("ticket", res.HasTicket).
			Dur("elapsed", res.Elapsed).
			Msg("probe ok")
		if res.HasTicket {
			resume = res.Resumption
		}
	}
	return writeResumption(cfg.Session.ResumeFile, resume)
}

func readResumption(path string) ([]byte, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read resumption: %w", err)
	}
	return data, nil
}

func writeResumption(path string, blob []byte) error {
	if strings.TrimSpace(path) == "" || len(blob) == 0 {
		return nil
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return fmt.Errorf("write resumption: %w", err)
	}
	return nil
}
