package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Template renders the default config for kind ("server" or "client").
func Template(kind string) (string, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	switch kind {
	case "server", "client":
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	data, err := toml.Marshal(DefaultConfig(kind))
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return string(data), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
