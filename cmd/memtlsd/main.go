package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/memtls/internal/config"
	"github.com/danmuck/memtls/internal/host"
	"github.com/danmuck/memtls/internal/logging"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const envAdminToken = "MEMTLS_ADMIN_TOKEN"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "memtlsd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fset := flag.NewFlagSet("memtlsd", flag.ContinueOnError)
	configPath := fset.String("config", "memtlsd.toml", "server config path")
	envPath := fset.String("env", ".env", "optional env file loaded before logging")
	if err := fset.Parse(args); err != nil {
		return err
	}

	if err := loadEnv(*envPath); err != nil {
		return err
	}
	logging.ConfigureRuntime("memtlsd")

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if cfg.Role != "server" {
		return fmt.Errorf("config %s has role %q, want server", *configPath, cfg.Role)
	}
	tlsCtx, err := config.BuildContext(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := host.NewRegistry()
	if token, ok := os.LookupEnv(envAdminToken); ok {
		cfg.Admin.Token = token
	}
	if cfg.Admin.Addr != "" {
		admin := host.NewAdmin(cfg.Name, cfg.Admin.CorsOrigins, cfg.Admin.Token, registry)
		go func() {
			if err := admin.Serve(ctx, cfg.Admin.Addr); err != nil {
				log.Error().Err(err).Msg("admin server stopped")
			}
		}()
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	svc := host.NewService(cfg.Name, tlsCtx, cfg.Flags(), registry)
	if err := svc.Serve(ctx, ln); err != nil {
		return err
	}
	log.Info().Str("host", cfg.Name).Msg("shutdown complete")
	return nil
}

// loadEnv applies path when it exists; variables already set win.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env %s: %w", path, err)
	}
	return nil
}
