package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"mindprint/internal/logging"
)

// ErrInvalidConfig matches any ValidationErrors with errors.Is.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError is one finding about a config field. Warnings are
// reported at startup but never block it.
type ValidationError struct {
	Field   string
	Message string
	Warning bool
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is the list of findings for one configuration.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i := range e {
		msgs[i] = e[i].Error()
	}
	return strings.Join(msgs, "; ")
}

func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

func (e ValidationErrors) filter(warning bool) ValidationErrors {
	var out ValidationErrors
	for _, f := range e {
		if f.Warning == warning {
			out = append(out, f)
		}
	}
	return out
}

// Warnings returns the non-fatal findings.
func (e ValidationErrors) Warnings() ValidationErrors { return e.filter(true) }

// Errors returns the findings that block startup.
func (e ValidationErrors) Errors() ValidationErrors { return e.filter(false) }

// HasErrors reports whether any finding blocks startup.
func (e ValidationErrors) HasErrors() bool { return len(e.Errors()) > 0 }

// ValidateConfig returns the findings as an error when any of them is
// fatal. The returned ValidationErrors still carries the warnings.
func ValidateConfig(c *Config) error {
	if found := Check(c); found.HasErrors() {
		return found
	}
	return nil
}

type findings struct{ list ValidationErrors }

func (f *findings) fail(field, format string, args ...any) {
	f.list = append(f.list, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (f *findings) warn(field, format string, args ...any) {
	f.list = append(f.list, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Warning: true})
}

func (f *findings) required(field, value string) {
	if value == "" {
		f.fail(field, "required field is missing")
	}
}

func (f *findings) between(field string, v, lo, hi int) {
	if v < lo || v > hi {
		f.fail(field, "value must be between %d and %d", lo, hi)
	}
}

func (f *findings) httpURL(field, raw string) {
	if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		f.fail(field, "invalid URL: %s", raw)
	}
}

// Check returns every finding, warnings included.
func Check(c *Config) ValidationErrors {
	f := &findings{}

	if c.Version < 1 || c.Version > Version {
		f.fail("version", "unsupported version %d (current: %d)", c.Version, Version)
	}
	f.server(&c.Server)
	f.storage(&c.Storage)
	f.signing(&c.Signing)
	f.session(&c.Session)
	f.analysis(&c.Analysis)
	f.logging(&c.Logging)
	f.rateLimit(&c.RateLimit)
	return f.list
}

func (f *findings) server(s *ServerConfig) {
	if s.Listen == "" {
		f.required("server.listen", s.Listen)
	} else if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		f.fail("server.listen", "invalid listen address %q: %v", s.Listen, err)
	}
	if s.PublicBaseURL != "" {
		f.httpURL("server.public_base_url", s.PublicBaseURL)
	}
	if s.ReadTimeoutSec < 0 || s.WriteTimeoutSec < 0 || s.ShutdownTimeoutSec < 0 {
		f.fail("server.timeouts", "timeouts cannot be negative")
	}
	if s.MaxBodyBytes < 1024 {
		f.fail("server.max_body_bytes", "max body must be at least 1024 bytes")
	}
}

func (f *findings) storage(s *StorageConfig) {
	f.required("storage.path", s.Path)
	if s.BusyTimeoutMs < 0 {
		f.fail("storage.busy_timeout_ms", "busy timeout cannot be negative")
	}
}

func (f *findings) signing(s *SigningConfig) {
	production := strings.EqualFold(strings.TrimSpace(s.Environment), EnvironmentProduction)
	complete := s.MasterSecret != "" || (s.SessionSecret != "" && s.CertificateSecret != "")

	switch {
	case production && !complete:
		f.fail("signing", "production requires master_secret or both session_secret and certificate_secret")
	case !complete:
		f.warn("signing.development_fallback", "no signing secret configured, using the development secret")
	}
	if s.SessionSecret != "" && s.SessionSecret == s.CertificateSecret {
		f.fail("signing.certificate_secret", "session and certificate secrets must differ")
	}
}

func (f *findings) session(s *SessionConfig) {
	f.between("session.ttl_minutes", s.TTLMinutes, 1, 24*60)
	f.between("session.max_batch_events", s.MaxBatchEvents, 1, 4000)
}

func (f *findings) analysis(a *AnalysisConfig) {
	if !a.Enabled {
		return
	}
	f.httpURL("analysis.endpoint", a.Endpoint)
	f.required("analysis.model", a.Model)
	f.between("analysis.attempts", a.Attempts, 1, 10)
	if a.BaseDelayMs < 0 || a.JitterMs < 0 || a.TimeoutSec < 0 {
		f.fail("analysis.timing", "delays and timeouts cannot be negative")
	}
	if a.APIKey == "" {
		f.warn("analysis.api_key", "no API key configured, analysis requests will return 503")
	}
}

func (f *findings) logging(l *LoggingConfig) {
	if _, err := logging.ParseLevel(l.Level); err != nil {
		f.fail("logging.level", "invalid log level: %s (valid: debug, info, warn, error)", l.Level)
	}
	if l.Format != "text" && l.Format != "json" {
		f.fail("logging.format", "invalid log format: %s (valid: text, json)", l.Format)
	}
	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			f.fail("logging.file_path", "file path is required when output is %q", l.Output)
		}
	default:
		f.fail("logging.output", "invalid log output: %q (valid: stdout, stderr, file, both)", l.Output)
	}
	if l.MaxSizeMB < 1 {
		f.fail("logging.max_size_mb", "max size must be at least 1 MB")
	}
	if l.MaxBackups < 0 {
		f.fail("logging.max_backups", "max backups cannot be negative")
	}
	if l.MaxAgeDays < 0 {
		f.fail("logging.max_age_days", "max age cannot be negative")
	}
}

func (f *findings) rateLimit(r *RateLimitConfig) {
	if !r.Enabled {
		return
	}
	if r.RequestsPerSec <= 0 {
		f.fail("rate_limit.requests_per_sec", "rate must be positive")
	}
	if r.Burst < 1 {
		f.fail("rate_limit.burst", "burst must be at least 1")
	}
}
