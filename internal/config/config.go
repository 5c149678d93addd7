// Package config handles configuration loading and validation for mindprint.
//
// Configuration is read from TOML (default), JSON or YAML, chosen by file
// extension, and layered as defaults, then file, then environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"mindprint/internal/logging"
	"mindprint/internal/signer"
)

// Version is the current configuration schema version.
const Version = 1

// EnvironmentProduction disables the development signing fallback.
const EnvironmentProduction = "production"

// Config is the complete mindprint configuration.
type Config struct {
	mu sync.RWMutex

	// Version of the configuration schema.
	Version int `toml:"version" json:"version" yaml:"version"`

	Server      ServerConfig      `toml:"server" json:"server" yaml:"server"`
	Storage     StorageConfig     `toml:"storage" json:"storage" yaml:"storage"`
	Signing     SigningConfig     `toml:"signing" json:"signing" yaml:"signing"`
	Session     SessionConfig     `toml:"session" json:"session" yaml:"session"`
	Certificate CertificateConfig `toml:"certificate" json:"certificate" yaml:"certificate"`
	Analysis    AnalysisConfig    `toml:"analysis" json:"analysis" yaml:"analysis"`
	Logging     LoggingConfig     `toml:"logging" json:"logging" yaml:"logging"`
	Metrics     MetricsConfig     `toml:"metrics" json:"metrics" yaml:"metrics"`
	RateLimit   RateLimitConfig   `toml:"rate_limit" json:"rate_limit" yaml:"rate_limit"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Listen is the address the API binds to.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`

	// PublicBaseURL prefixes verifyUrl links. Empty uses the request host.
	PublicBaseURL string `toml:"public_base_url" json:"public_base_url" yaml:"public_base_url"`

	ReadTimeoutSec     int `toml:"read_timeout_sec" json:"read_timeout_sec" yaml:"read_timeout_sec"`
	WriteTimeoutSec    int `toml:"write_timeout_sec" json:"write_timeout_sec" yaml:"write_timeout_sec"`
	ShutdownTimeoutSec int `toml:"shutdown_timeout_sec" json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`

	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64 `toml:"max_body_bytes" json:"max_body_bytes" yaml:"max_body_bytes"`
}

// StorageConfig holds durable store settings.
type StorageConfig struct {
	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is how long a writer waits for the database lock.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`

	// Required makes startup fail when the store cannot be opened. When
	// false the server runs degraded and trust endpoints return 503.
	Required bool `toml:"required" json:"required" yaml:"required"`
}

// SigningConfig holds secret material for tokens and proofs.
type SigningConfig struct {
	// Environment is "production" or anything else.
	Environment string `toml:"environment" json:"environment" yaml:"environment"`

	SessionSecret     string `toml:"session_secret" json:"session_secret" yaml:"session_secret"`
	CertificateSecret string `toml:"certificate_secret" json:"certificate_secret" yaml:"certificate_secret"`

	// MasterSecret derives whichever per-purpose secret is unset.
	MasterSecret string `toml:"master_secret" json:"master_secret" yaml:"master_secret"`
}

// SessionConfig holds ingestion protocol settings.
type SessionConfig struct {
	TTLMinutes     int `toml:"ttl_minutes" json:"ttl_minutes" yaml:"ttl_minutes"`
	MaxBatchEvents int `toml:"max_batch_events" json:"max_batch_events" yaml:"max_batch_events"`
}

// CertificateConfig holds issuance settings.
type CertificateConfig struct {
	// DefaultTitle is used when a finish request carries no title.
	DefaultTitle string `toml:"default_title" json:"default_title" yaml:"default_title"`
}

// AnalysisConfig holds the advisory analysis client settings.
type AnalysisConfig struct {
	Enabled     bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Endpoint    string `toml:"endpoint" json:"endpoint" yaml:"endpoint"`
	Model       string `toml:"model" json:"model" yaml:"model"`
	APIKey      string `toml:"api_key" json:"api_key" yaml:"api_key"`
	Attempts    int    `toml:"attempts" json:"attempts" yaml:"attempts"`
	BaseDelayMs int    `toml:"base_delay_ms" json:"base_delay_ms" yaml:"base_delay_ms"`
	JitterMs    int    `toml:"jitter_ms" json:"jitter_ms" yaml:"jitter_ms"`
	TimeoutSec  int    `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file when Output writes to a file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	MaxSizeMB  int  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool `toml:"compress" json:"compress" yaml:"compress"`

	// AuditPath is the JSON-lines audit log. Empty disables auditing.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Namespace string `toml:"namespace" json:"namespace" yaml:"namespace"`
}

// RateLimitConfig holds per-IP limits for the ingest endpoints.
type RateLimitConfig struct {
	Enabled        bool    `toml:"enabled" json:"enabled" yaml:"enabled"`
	RequestsPerSec float64 `toml:"requests_per_sec" json:"requests_per_sec" yaml:"requests_per_sec"`
	Burst          int     `toml:"burst" json:"burst" yaml:"burst"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dataDir := DataDir()
	return &Config{
		Version: Version,
		Server: ServerConfig{
			Listen:             "127.0.0.1:8080",
			ReadTimeoutSec:     15,
			WriteTimeoutSec:    60,
			ShutdownTimeoutSec: 10,
			MaxBodyBytes:       2 << 20,
		},
		Storage: StorageConfig{
			Path:          filepath.Join(dataDir, "mindprint.db"),
			BusyTimeoutMs: 5000,
			Required:      true,
		},
		Signing: SigningConfig{
			Environment: "development",
		},
		Session: SessionConfig{
			TTLMinutes:     90,
			MaxBatchEvents: 4000,
		},
		Certificate: CertificateConfig{
			DefaultTitle: "Mindprint Human Origin Certificate",
		},
		Analysis: AnalysisConfig{
			Enabled:     true,
			Endpoint:    "https://generativelanguage.googleapis.com/v1beta",
			Model:       "gemini-1.5-flash",
			Attempts:    3,
			BaseDelayMs: 600,
			JitterMs:    250,
			TimeoutSec:  30,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dataDir, "logs", "mindprint.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "mindprint",
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerSec: 10,
			Burst:          40,
		},
	}
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// loadConfigFromFile reads and parses a config file based on its extension.
// A missing file yields the defaults.
func loadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if err := autoDetectAndParse(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	return cfg, nil
}

// autoDetectAndParse attempts to parse the config in multiple formats.
func autoDetectAndParse(data []byte, cfg *Config) error {
	if _, err := toml.Decode(string(data), cfg); err == nil {
		return nil
	}
	if err := json.Unmarshal(data, cfg); err == nil {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err == nil {
		return nil
	}
	return fmt.Errorf("unable to parse config file (tried TOML, JSON, YAML)")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Secrets are best supplied this way rather than in the file.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("MINDPRINT_ENV"); v != "" {
		c.Signing.Environment = v
	}
	if v := os.Getenv("MINDPRINT_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("MINDPRINT_DATABASE_PATH"); v != "" {
		c.Storage.Path = v
	}

	// Signing secrets
	if v := os.Getenv("MINDPRINT_SESSION_SECRET"); v != "" {
		c.Signing.SessionSecret = v
	}
	if v := os.Getenv("MINDPRINT_CERTIFICATE_SECRET"); v != "" {
		c.Signing.CertificateSecret = v
	}
	if v := os.Getenv("MINDPRINT_SIGNING_SECRET"); v != "" {
		c.Signing.MasterSecret = v
	}

	// GOOGLE_API_KEY wins over GEMINI_API_KEY
	if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
		c.Analysis.APIKey = v
	} else if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Analysis.APIKey = v
	}

	if v := os.Getenv("MINDPRINT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version:     c.Version,
		Server:      c.Server,
		Storage:     c.Storage,
		Signing:     c.Signing,
		Session:     c.Session,
		Certificate: c.Certificate,
		Analysis:    c.Analysis,
		Logging:     c.Logging,
		Metrics:     c.Metrics,
		RateLimit:   c.RateLimit,
	}
}

// Production reports whether the signing environment is production.
func (c *Config) Production() bool {
	return strings.EqualFold(strings.TrimSpace(c.Signing.Environment), EnvironmentProduction)
}

// Secrets returns the signing material for signer.NewKeyring.
func (c *Config) Secrets() signer.Secrets {
	return signer.Secrets{
		Production:  c.Production(),
		Session:     c.Signing.SessionSecret,
		Certificate: c.Signing.CertificateSecret,
		Master:      c.Signing.MasterSecret,
	}
}

// LoggerConfig converts the logging section for logging.New.
func (l LoggingConfig) LoggerConfig(component string) (*logging.Config, error) {
	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	cfg := logging.DefaultConfig()
	cfg.Level = level
	if l.Format == "json" {
		cfg.Format = logging.FormatJSON
	}
	cfg.Output = l.Output
	cfg.FilePath = l.FilePath
	cfg.MaxSize = int64(l.MaxSizeMB)
	cfg.MaxAge = l.MaxAgeDays
	cfg.MaxBackups = l.MaxBackups
	cfg.Compress = l.Compress
	cfg.Component = component
	return cfg, nil
}

// EnsureDirectories creates the directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Logging.AuditPath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.AuditPath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Duration helpers

func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSec) * time.Second
}

func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSec) * time.Second
}

func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSec) * time.Second
}

func (s StorageConfig) BusyTimeout() time.Duration {
	return time.Duration(s.BusyTimeoutMs) * time.Millisecond
}

func (s SessionConfig) TTL() time.Duration {
	return time.Duration(s.TTLMinutes) * time.Minute
}

func (a AnalysisConfig) BaseDelay() time.Duration {
	return time.Duration(a.BaseDelayMs) * time.Millisecond
}

func (a AnalysisConfig) Jitter() time.Duration {
	return time.Duration(a.JitterMs) * time.Millisecond
}

func (a AnalysisConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSec) * time.Second
}
