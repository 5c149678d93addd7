package config

import (
	"os"
	"path/filepath"
)

// SystemConfigPath is checked when no per-user config file exists.
const SystemConfigPath = "/etc/mindprint/config.toml"

// DataDir returns the directory holding the database and log files.
// MINDPRINT_DATA_DIR wins, then $XDG_DATA_HOME/mindprint, then
// ~/.local/share/mindprint. Without a home directory it is ./data.
func DataDir() string {
	if dir := os.Getenv("MINDPRINT_DATA_DIR"); dir != "" {
		return dir
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "mindprint")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "mindprint")
	}
	return "data"
}

// ConfigDir returns the per-user config directory. MINDPRINT_CONFIG_DIR
// overrides it.
func ConfigDir() string {
	if dir := os.Getenv("MINDPRINT_CONFIG_DIR"); dir != "" {
		return dir
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "mindprint")
	}
	return "."
}

// ConfigPath returns the config file to load when none is given: the
// per-user config.toml if present, else SystemConfigPath if present, else
// the per-user path so a later init knows where to write.
func ConfigPath() string {
	user := filepath.Join(ConfigDir(), "config.toml")
	for _, p := range []string{user, SystemConfigPath} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return user
}
