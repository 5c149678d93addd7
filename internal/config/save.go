package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// FormatForPath returns the encoding a file extension names: "json",
// "yaml" or "toml".
func FormatForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "toml"
	}
}

// Encode writes cfg to w as toml, json or yaml.
func Encode(w io.Writer, cfg *Config, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	case "toml":
		return toml.NewEncoder(w).Encode(cfg)
	default:
		return fmt.Errorf("unknown config format %q", format)
	}
}

// Redacted returns a copy with every secret replaced by a marker, for
// printing.
func (c *Config) Redacted() *Config {
	out := c.Clone()
	for _, s := range []*string{
		&out.Signing.SessionSecret,
		&out.Signing.CertificateSecret,
		&out.Signing.MasterSecret,
		&out.Analysis.APIKey,
	} {
		if *s != "" {
			*s = "[REDACTED]"
		}
	}
	return out
}

// SaveConfig writes the configuration to path in the format its extension
// names, TOML by default. The file is created 0600 since it may hold secrets.
func SaveConfig(cfg *Config, path string) error {
	format := FormatForPath(path)

	var buf bytes.Buffer
	if format == "toml" {
		buf.WriteString("# mindprint configuration\n\n")
	}
	if err := Encode(&buf, cfg.Clone(), format); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
