package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/memtls/internal/config"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fset := flag.NewFlagSet("configgen", flag.ContinueOnError)
	kind := fset.String("kind", "server", "config kind: server|client")
	output := fset.String("output", "", "output path for config template")
	validate := fset.Bool("validate", false, "validate an existing config file")
	input := fset.String("input", "", "config path for validation (defaults to the per-kind path)")
	force := fset.Bool("force", false, "overwrite existing config file")
	if err := fset.Parse(args); err != nil {
		return err
	}

	path, err := defaultPath(*kind)
	if err != nil {
		return err
	}

	if *validate {
		if *input != "" {
			path = *input
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if cfg.Role != *kind {
			return fmt.Errorf("%s has role %q, want %s", path, cfg.Role, *kind)
		}
		fmt.Printf("Validated %s config at %s\n", *kind, path)
		return nil
	}

	if *output != "" {
		path = *output
	}
	if err := config.WriteTemplate(path, *kind, *force); err != nil {
		return err
	}
	fmt.Printf("Wrote %s config template to %s\n", *kind, path)
	return nil
}

func defaultPath(kind string) (string, error) {
	switch kind {
	case "server":
		return "memtlsd.toml", nil
	case "client":
		return "memtlsprobe.toml", nil
	default:
		return "", fmt.Errorf("unknown kind: %s", kind)
	}
}
