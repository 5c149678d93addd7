package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mindprint/internal/logging"
)

var envKeys = []string{
	"MINDPRINT_ENV",
	"MINDPRINT_LISTEN",
	"MINDPRINT_DATABASE_PATH",
	"MINDPRINT_SESSION_SECRET",
	"MINDPRINT_CERTIFICATE_SECRET",
	"MINDPRINT_SIGNING_SECRET",
	"GOOGLE_API_KEY",
	"GEMINI_API_KEY",
	"MINDPRINT_LOG_LEVEL",
}

// clearEnv neutralizes overrides inherited from the host environment.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("MINDPRINT_DATA_DIR", "/var/lib/mindprint")
	cfg := DefaultConfig()

	if cfg.Version != Version {
		t.Errorf("expected version %d, got %d", Version, cfg.Version)
	}
	if cfg.Storage.Path != filepath.Join("/var/lib/mindprint", "mindprint.db") {
		t.Errorf("unexpected storage path: %s", cfg.Storage.Path)
	}
	if cfg.Session.TTL() != 90*time.Minute {
		t.Errorf("expected 90m TTL, got %v", cfg.Session.TTL())
	}
	if cfg.Session.MaxBatchEvents != 4000 {
		t.Errorf("expected 4000 max batch events, got %d", cfg.Session.MaxBatchEvents)
	}
	if cfg.Analysis.Attempts != 3 || cfg.Analysis.BaseDelay() != 600*time.Millisecond || cfg.Analysis.Jitter() != 250*time.Millisecond {
		t.Errorf("unexpected analysis retry defaults: %+v", cfg.Analysis)
	}
	if !cfg.Storage.Required {
		t.Error("storage should be required by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MINDPRINT_CONFIG_DIR", dir)
	user := filepath.Join(dir, "config.toml")

	if got := ConfigPath(); got != user && got != SystemConfigPath {
		t.Errorf("unexpected config path without a file: %s", got)
	}
	writeFile(t, dir, "config.toml", "")
	if got := ConfigPath(); got != user {
		t.Errorf("existing per-user file should win, got %s", got)
	}
}

func TestDataDir(t *testing.T) {
	t.Setenv("MINDPRINT_DATA_DIR", "")
	t.Setenv("XDG_DATA_HOME", "/srv/state")
	if got := DataDir(); got != filepath.Join("/srv/state", "mindprint") {
		t.Errorf("unexpected XDG data dir: %s", got)
	}
	t.Setenv("MINDPRINT_DATA_DIR", "/var/lib/mindprint")
	if got := DataDir(); got != "/var/lib/mindprint" {
		t.Errorf("MINDPRINT_DATA_DIR should win, got %s", got)
	}
}

func TestLoadNonexistent(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Listen != DefaultConfig().Server.Listen {
		t.Errorf("expected default listen, got %s", cfg.Server.Listen)
	}
}

func TestLoadFormats(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "toml",
			file: "config.toml",
			content: `
[server]
listen = "0.0.0.0:9000"

[session]
ttl_minutes = 30

[logging]
level = "debug"
`,
		},
		{
			name: "yaml",
			file: "config.yaml",
			content: `
server:
  listen: "0.0.0.0:9000"
session:
  ttl_minutes: 30
logging:
  level: debug
`,
		},
		{
			name:    "json",
			file:    "config.json",
			content: `{"server":{"listen":"0.0.0.0:9000"},"session":{"ttl_minutes":30},"logging":{"level":"debug"}}`,
		},
		{
			name: "unknown extension falls back to detection",
			file: "mindprint.conf",
			content: `
[server]
listen = "0.0.0.0:9000"
[session]
ttl_minutes = 30
[logging]
level = "debug"
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), tt.file, tt.content)
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.Server.Listen != "0.0.0.0:9000" {
				t.Errorf("listen: got %s", cfg.Server.Listen)
			}
			if cfg.Session.TTLMinutes != 30 {
				t.Errorf("ttl: got %d", cfg.Session.TTLMinutes)
			}
			if cfg.Logging.Level != "debug" {
				t.Errorf("level: got %s", cfg.Logging.Level)
			}
			// Untouched sections keep their defaults.
			if cfg.Session.MaxBatchEvents != 4000 {
				t.Errorf("max batch events: got %d", cfg.Session.MaxBatchEvents)
			}
		})
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, t.TempDir(), "config.toml", "[server\nlisten = ")
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed TOML")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MINDPRINT_ENV", "production")
	t.Setenv("MINDPRINT_LISTEN", ":7000")
	t.Setenv("MINDPRINT_DATABASE_PATH", "/tmp/mp.db")
	t.Setenv("MINDPRINT_SESSION_SECRET", "s-secret")
	t.Setenv("MINDPRINT_CERTIFICATE_SECRET", "c-secret")
	t.Setenv("MINDPRINT_SIGNING_SECRET", "m-secret")
	t.Setenv("GEMINI_API_KEY", "gemini")
	t.Setenv("MINDPRINT_LOG_LEVEL", "warn")

	cfg := LoadFromEnv()

	if !cfg.Production() {
		t.Error("expected production")
	}
	if cfg.Server.Listen != ":7000" || cfg.Storage.Path != "/tmp/mp.db" {
		t.Errorf("unexpected server/storage: %+v %+v", cfg.Server, cfg.Storage)
	}
	if cfg.Analysis.APIKey != "gemini" {
		t.Errorf("expected GEMINI_API_KEY, got %q", cfg.Analysis.APIKey)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected warn, got %s", cfg.Logging.Level)
	}

	s := cfg.Secrets()
	if !s.Production || s.Session != "s-secret" || s.Certificate != "c-secret" || s.Master != "m-secret" {
		t.Errorf("unexpected secrets: %+v", s)
	}

	t.Setenv("GOOGLE_API_KEY", "google")
	cfg.ApplyEnvOverrides()
	if cfg.Analysis.APIKey != "google" {
		t.Errorf("GOOGLE_API_KEY should win, got %q", cfg.Analysis.APIKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad version", func(c *Config) { c.Version = 99 }, "version"},
		{"empty listen", func(c *Config) { c.Server.Listen = "" }, "server.listen"},
		{"listen without port", func(c *Config) { c.Server.Listen = "localhost" }, "server.listen"},
		{"bad public url", func(c *Config) { c.Server.PublicBaseURL = "ftp://x" }, "server.public_base_url"},
		{"tiny body", func(c *Config) { c.Server.MaxBodyBytes = 10 }, "server.max_body_bytes"},
		{"empty storage path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"ttl zero", func(c *Config) { c.Session.TTLMinutes = 0 }, "session.ttl_minutes"},
		{"batch too large", func(c *Config) { c.Session.MaxBatchEvents = 5000 }, "session.max_batch_events"},
		{"analysis endpoint", func(c *Config) { c.Analysis.Endpoint = "not a url" }, "analysis.endpoint"},
		{"analysis attempts", func(c *Config) { c.Analysis.Attempts = 0 }, "analysis.attempts"},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"log output", func(c *Config) { c.Logging.Output = "syslog" }, "logging.output"},
		{"log file missing", func(c *Config) { c.Logging.Output = "file"; c.Logging.FilePath = "" }, "logging.file_path"},
		{"rate", func(c *Config) { c.RateLimit.RequestsPerSec = 0 }, "rate_limit.requests_per_sec"},
		{"production without secrets", func(c *Config) { c.Signing.Environment = "Production" }, "signing"},
		{"shared secret", func(c *Config) {
			c.Signing.SessionSecret = "same"
			c.Signing.CertificateSecret = "same"
		}, "signing.certificate_secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %T", err)
			}
			found := false
			for _, e := range verrs.Errors() {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on %s, got %v", tt.field, verrs)
			}
		})
	}
}

func TestValidateDisabledSectionsSkipChecks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Analysis.Enabled = false
	cfg.Analysis.Endpoint = ""
	cfg.RateLimit.Enabled = false
	cfg.RateLimit.Burst = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled sections should not be validated: %v", err)
	}
}

func TestCheckWarnings(t *testing.T) {
	cfg := DefaultConfig()
	warnings := Check(cfg).Warnings()
	fields := make(map[string]bool)
	for _, w := range warnings {
		fields[w.Field] = true
	}
	if !fields["signing.development_fallback"] || !fields["analysis.api_key"] {
		t.Errorf("expected fallback and api key warnings, got %v", warnings)
	}

	cfg.Signing.MasterSecret = "master"
	cfg.Analysis.APIKey = "key"
	if got := Check(cfg); len(got) != 0 {
		t.Errorf("expected no findings, got %v", got)
	}

	cfg.Signing.Environment = "production"
	if err := cfg.Validate(); err != nil {
		t.Errorf("production with master secret should validate: %v", err)
	}
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()
	clone.Server.Listen = ":1"
	clone.Logging.Level = "error"

	if cfg.Server.Listen == ":1" || cfg.Logging.Level == "error" {
		t.Error("clone shares state with original")
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	clearEnv(t)

	for _, name := range []string{"config.toml", "config.yaml", "config.json"} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Server.Listen = "127.0.0.1:9999"
			cfg.RateLimit.RequestsPerSec = 2.5
			cfg.Logging.AuditPath = "/var/log/mindprint/audit.log"

			path := filepath.Join(t.TempDir(), "nested", name)
			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("SaveConfig: %v", err)
			}

			info, err := os.Stat(path)
			if err != nil {
				t.Fatalf("stat: %v", err)
			}
			if perm := info.Mode().Perm(); perm != 0600 {
				t.Errorf("expected 0600, got %v", perm)
			}

			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if loaded.Server.Listen != "127.0.0.1:9999" {
				t.Errorf("listen: got %s", loaded.Server.Listen)
			}
			if loaded.RateLimit.RequestsPerSec != 2.5 {
				t.Errorf("rate: got %v", loaded.RateLimit.RequestsPerSec)
			}
			if loaded.Logging.AuditPath != "/var/log/mindprint/audit.log" {
				t.Errorf("audit path: got %s", loaded.Logging.AuditPath)
			}
		})
	}
}

func TestSaveConfigTOMLHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := SaveConfig(DefaultConfig(), path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "# mindprint configuration") {
		t.Errorf("missing header: %q", string(data[:40]))
	}
	if !strings.Contains(string(data), "[rate_limit]") {
		t.Error("expected rate_limit table")
	}
}

func TestLoadOrCreate(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if !created {
		t.Error("expected file to be created")
	}
	if cfg.Session.TTLMinutes != 90 {
		t.Errorf("unexpected ttl %d", cfg.Session.TTLMinutes)
	}

	_, created, err = LoadOrCreate(path)
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}
	if created {
		t.Error("second call should load the existing file")
	}
}

func TestLoaderRejectsInvalidFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, t.TempDir(), "config.toml", "[session]\nttl_minutes = 0\n")
	if _, err := NewLoader(path).Load(); err == nil {
		t.Error("expected validation failure")
	}
}

func TestLoaderWatchReloads(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "config.toml", "[logging]\nlevel = \"info\"\n")

	loader := NewLoader(path)
	defer loader.Close()
	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	changes := make(chan [2]string, 4)
	loader.OnChange(func(old, new *Config) {
		changes <- [2]string{old.Logging.Level, new.Logging.Level}
	})
	if err := loader.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	// An invalid edit is reported and ignored.
	writeFile(t, dir, "config.toml", "[logging]\nlevel = \"loud\"\n")
	select {
	case err := <-loader.Errors():
		if !strings.Contains(err.Error(), "validation failed") {
			t.Errorf("unexpected reload error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload error")
	}
	if loader.Config().Logging.Level != "info" {
		t.Errorf("invalid reload replaced config: %s", loader.Config().Logging.Level)
	}

	writeFile(t, dir, "config.toml", "[logging]\nlevel = \"debug\"\n")
	select {
	case c := <-changes:
		if c[0] != "info" || c[1] != "debug" {
			t.Errorf("unexpected change %v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	if loader.Config().Logging.Level != "debug" {
		t.Errorf("expected debug, got %s", loader.Config().Logging.Level)
	}
}

func TestLoggerConfig(t *testing.T) {
	lc := DefaultConfig().Logging
	lc.Level = "warn"
	lc.Format = "json"
	lc.Output = "both"

	cfg, err := lc.LoggerConfig("mindprintd")
	if err != nil {
		t.Fatalf("LoggerConfig: %v", err)
	}
	if cfg.Level != logging.LevelWarn || cfg.Format != logging.FormatJSON {
		t.Errorf("unexpected level/format: %v %v", cfg.Level, cfg.Format)
	}
	if cfg.Output != "both" || cfg.Component != "mindprintd" || cfg.MaxSize != 100 {
		t.Errorf("unexpected logger config: %+v", cfg)
	}

	lc.Level = "loud"
	if _, err := lc.LoggerConfig("x"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Storage.Path = filepath.Join(dir, "data", "mindprint.db")
	cfg.Logging.Output = "file"
	cfg.Logging.FilePath = filepath.Join(dir, "logs", "mindprint.log")
	cfg.Logging.AuditPath = filepath.Join(dir, "audit", "audit.log")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, sub := range []string{"data", "logs", "audit"} {
		if _, err := os.Stat(filepath.Join(dir, sub)); err != nil {
			t.Errorf("%s not created: %v", sub, err)
		}
	}
}

func TestRedacted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Signing.MasterSecret = "m"
	cfg.Analysis.APIKey = "k"

	r := cfg.Redacted()
	if r.Signing.MasterSecret != "[REDACTED]" || r.Analysis.APIKey != "[REDACTED]" {
		t.Errorf("secrets not masked: %+v %+v", r.Signing, r.Analysis)
	}
	if r.Signing.SessionSecret != "" {
		t.Error("unset secrets stay empty")
	}
	if cfg.Signing.MasterSecret != "m" {
		t.Error("Redacted modified the original")
	}
}

func TestEncodeFormats(t *testing.T) {
	var buf strings.Builder
	for _, format := range []string{"toml", "json", "yaml"} {
		buf.Reset()
		if err := Encode(&buf, DefaultConfig(), format); err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		if !strings.Contains(buf.String(), "max_batch_events") {
			t.Errorf("%s output lacks session settings:\n%s", format, buf.String())
		}
	}
	if err := Encode(&buf, DefaultConfig(), "ini"); err == nil {
		t.Error("expected unknown format error")
	}
	if FormatForPath("x.YML") != "yaml" || FormatForPath("x.conf") != "toml" {
		t.Error("unexpected format detection")
	}
}
