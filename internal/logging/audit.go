package logging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"runtime"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventSessionInit       AuditEventType = "session_init"
	AuditEventBatchAccepted     AuditEventType = "batch_accepted"
	AuditEventBatchRejected     AuditEventType = "batch_rejected"
	AuditEventCertificateIssued AuditEventType = "certificate_issued"
	AuditEventVerification      AuditEventType = "verification"
	AuditEventLogAudit          AuditEventType = "log_audit"
	AuditEventConfigChange      AuditEventType = "config_change"
	AuditEventError             AuditEventType = "error"
	AuditEventStartup           AuditEventType = "startup"
	AuditEventShutdown          AuditEventType = "shutdown"
)

// AuditEvent represents a security-relevant event.
type AuditEvent struct {
	Timestamp     time.Time      `json:"timestamp"`
	EventType     AuditEventType `json:"event_type"`
	Component     string         `json:"component"`
	SessionID     string         `json:"session_id,omitempty"`
	CertificateID string         `json:"certificate_id,omitempty"`
	Action        string         `json:"action"`
	Resource      string         `json:"resource,omitempty"`
	Result        string         `json:"result"` // "success", "failure", "denied"
	Details       map[string]any `json:"details,omitempty"`
	SourceIP      string         `json:"source_ip,omitempty"`
	SourceFile    string         `json:"source_file,omitempty"`
	SourceLine    int            `json:"source_line,omitempty"`
	Error         string         `json:"error,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
}

// AuditLoggerConfig configures a file-backed AuditLogger. MaxSize is in
// megabytes, MaxAge in days.
type AuditLoggerConfig struct {
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool
	Component  string
}

// AuditLogger writes security audit events as JSON lines. A nil
// *AuditLogger discards everything, so callers need no guards.
type AuditLogger struct {
	component string
	file      *RotatingFile
	out       io.Writer
	mu        sync.Mutex
	now       func() time.Time
}

// NewAuditLogger creates an AuditLogger appending to a rotated file.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil || cfg.FilePath == "" {
		return nil, errors.New("audit log path is required")
	}
	f, err := OpenRotatingFile(cfg.FilePath, RotationPolicy{
		MaxBytes:   cfg.MaxSize << 20,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAge,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &AuditLogger{component: cfg.Component, file: f, out: f, now: time.Now}, nil
}

// NewAuditWriter creates an AuditLogger writing to w.
func NewAuditWriter(w io.Writer, component string) *AuditLogger {
	return &AuditLogger{component: component, out: w, now: time.Now}
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.Component == "" {
		event.Component = a.component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}
	if event.SourceIP == "" {
		event.SourceIP = SourceIPFromContext(ctx)
	}

	if event.SourceFile == "" {
		// Skip Log and the LogX helper that called it.
		if _, file, line, ok := runtime.Caller(2); ok {
			event.SourceFile = file
			event.SourceLine = line
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	data = append(data, '\n')
	if _, err := a.out.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}

	return nil
}

func resultString(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// LogSessionInit records the creation of a telemetry session.
func (a *AuditLogger) LogSessionInit(ctx context.Context, sessionID string, expiresAt time.Time) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventSessionInit,
		Action:    "session_created",
		SessionID: sessionID,
		Result:    "success",
		Details:   map[string]any{"expires_at": expiresAt.UTC().Format(time.RFC3339)},
	})
}

// LogBatch records an accepted or rejected telemetry batch.
func (a *AuditLogger) LogBatch(ctx context.Context, sessionID string, sequence int64, events int, rejection error) error {
	event := AuditEvent{
		EventType: AuditEventBatchAccepted,
		Action:    "batch_ingested",
		SessionID: sessionID,
		Result:    "success",
		Details:   map[string]any{"batch_sequence": sequence, "events": events},
	}
	if rejection != nil {
		event.EventType = AuditEventBatchRejected
		event.Result = "denied"
		event.Error = rejection.Error()
	}
	return a.Log(ctx, event)
}

// LogCertificateIssued records an issued certificate and its log position.
func (a *AuditLogger) LogCertificateIssued(ctx context.Context, certificateID, entryHash string, prevHash *string) error {
	details := map[string]any{"entry_hash": entryHash}
	if prevHash != nil {
		details["prev_hash"] = *prevHash
	}
	return a.Log(ctx, AuditEvent{
		EventType:     AuditEventCertificateIssued,
		Action:        "certificate_issued",
		CertificateID: certificateID,
		Result:        "success",
		Details:       details,
	})
}

// LogVerification records a certificate verification.
func (a *AuditLogger) LogVerification(ctx context.Context, certificateID string, success bool, reason string) error {
	event := AuditEvent{
		EventType:     AuditEventVerification,
		Action:        "verification_performed",
		CertificateID: certificateID,
		Result:        resultString(success),
	}
	if reason != "" {
		event.Details = map[string]any{"reason": reason}
	}
	return a.Log(ctx, event)
}

// LogChainAudit records a full transparency log audit.
func (a *AuditLogger) LogChainAudit(ctx context.Context, entries int, broken []string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventLogAudit,
		Action:    "log_audited",
		Result:    resultString(len(broken) == 0),
		Details:   map[string]any{"entries": entries, "broken": broken},
	})
}

// LogConfigChange records a hot-reloaded setting.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, from, to string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_reloaded",
		Resource:  setting,
		Result:    "success",
		Details:   map[string]any{"from": from, "to": to},
	})
}

// LogError records a failed operation.
func (a *AuditLogger) LogError(ctx context.Context, operation string, err error, details map[string]any) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventError,
		Action:    operation,
		Result:    "failure",
		Error:     err.Error(),
		Details:   details,
	})
}

func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]any) error {
	merged := map[string]any{"version": version}
	maps.Copy(merged, details)
	return a.Log(ctx, AuditEvent{EventType: AuditEventStartup, Action: "server_started", Result: "success", Details: merged})
}

func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{EventType: AuditEventShutdown, Action: "server_stopped", Result: "success", Details: map[string]any{"reason": reason}})
}

// Close closes the audit file, if any.
func (a *AuditLogger) Close() error {
	if a == nil || a.file == nil {
		return nil
	}
	return a.file.Close()
}
