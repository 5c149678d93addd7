// Package store provides SQLite-based durable storage for mindprint.
package store

import (
	"encoding/json"
	"time"
)

// Session is the server-held state of one writing session.
type Session struct {
	ID           string
	Nonce        string
	ExpiresAt    time.Time
	LastSequence int64
	CreatedAt    time.Time
}

// Expired reports whether the session has passed its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// TelemetryBatch is one accepted batch of events.
type TelemetryBatch struct {
	SessionID  string
	Sequence   int64
	Events     json.RawMessage
	ReceivedAt time.Time
}

// Certificate is a stored certificate row. Sparkline, Replay and Proof are
// kept as the JSON documents they were issued with.
type Certificate struct {
	ID               string
	Title            string
	Subtitle         string
	Text             string
	Score            int
	IssuedAt         string
	Seed             string
	Sparkline        json.RawMessage
	Replay           json.RawMessage
	Proof            json.RawMessage
	ValidationStatus *string
	CreatedAt        time.Time
}

// LogEntry is one record of the append-only transparency log.
type LogEntry struct {
	ID            int64
	CertificateID string
	PrevHash      *string
	EntryHash     string
	CreatedAt     time.Time
}

// AnalysisResult is a stored advisory analysis.
type AnalysisResult struct {
	ID        int64
	SessionID string
	Result    json.RawMessage
	CreatedAt time.Time
}

// Stats summarizes table sizes.
type Stats struct {
	Sessions     int64
	Batches      int64
	Certificates int64
	LogEntries   int64
}
