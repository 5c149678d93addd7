package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrUnavailable marks failures of the durable store itself, as opposed to
// rejected input.
var ErrUnavailable = errors.New("store: trusted storage unavailable")

// DefaultBusyTimeout is how long a writer waits for the database lock.
const DefaultBusyTimeout = 5 * time.Second

// Store represents the SQLite store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures Open.
type Option func(*options)

type options struct {
	busyTimeout time.Duration
	now         func() time.Time
}

// WithBusyTimeout sets how long a transaction waits for the write lock.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

// WithClock overrides the time source used for created_at columns.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Open opens or creates the SQLite database at the given path and runs migrations.
//
// Every transaction is opened with BEGIN IMMEDIATE, so a transaction holds
// the write lock from its first read. That serializes the sequence check
// and advance of an ingest, and the tail read and append of the log.
func Open(path string, opts ...Option) (*Store, error) {
	o := options{busyTimeout: DefaultBusyTimeout, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w: %w", ErrUnavailable, err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate",
		path, o.busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w: %w", ErrUnavailable, err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w: %w", ErrUnavailable, err)
	}

	return &Store{db: db, now: o.now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for migrations tooling.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO telemetry_sessions (session_id, nonce, expires_at, last_sequence, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Nonce, sess.ExpiresAt.UnixNano(), sess.LastSequence, sess.CreatedAt.UnixNano(),
	)
	if err != nil {
		return unavailable("insert session", err)
	}
	return nil
}

// GetSession returns the session with the given id, or nil if absent.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	return getSession(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSession(ctx context.Context, q queryer, id string) (*Session, error) {
	var sess Session
	var expiresAt, createdAt int64
	err := q.QueryRowContext(ctx, `
		SELECT session_id, nonce, expires_at, last_sequence, created_at
		FROM telemetry_sessions WHERE session_id = ?`, id,
	).Scan(&sess.ID, &sess.Nonce, &expiresAt, &sess.LastSequence, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get session", err)
	}
	sess.ExpiresAt = time.Unix(0, expiresAt)
	sess.CreatedAt = time.Unix(0, createdAt)
	return &sess, nil
}

// AppendBatch atomically stores a batch and advances the session's
// last_sequence. check runs inside the transaction against the current
// session row (nil if the session does not exist); if it returns an error
// nothing is written and that error is returned unchanged.
func (s *Store) AppendBatch(ctx context.Context, sessionID string, sequence int64, events []byte, check func(*Session) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin ingest", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	sess, err := getSession(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	if err := check(sess); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO telemetry_batches (session_id, batch_sequence, events, received_at)
		VALUES (?, ?, ?, ?)`,
		sessionID, sequence, string(events), s.now().UnixNano(),
	); err != nil {
		return unavailable("insert batch", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE telemetry_sessions SET last_sequence = ? WHERE session_id = ?",
		sequence, sessionID,
	); err != nil {
		return unavailable("advance sequence", err)
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit ingest", err)
	}
	return nil
}

// ListBatches returns all accepted batches of a session in sequence order.
func (s *Store) ListBatches(ctx context.Context, sessionID string) ([]TelemetryBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, batch_sequence, events, received_at
		FROM telemetry_batches WHERE session_id = ?
		ORDER BY batch_sequence ASC`, sessionID)
	if err != nil {
		return nil, unavailable("query batches", err)
	}
	defer rows.Close()

	var batches []TelemetryBatch
	for rows.Next() {
		var b TelemetryBatch
		var events string
		var receivedAt int64
		if err := rows.Scan(&b.SessionID, &b.Sequence, &events, &receivedAt); err != nil {
			return nil, unavailable("scan batch", err)
		}
		b.Events = []byte(events)
		b.ReceivedAt = time.Unix(0, receivedAt)
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate batches", err)
	}
	return batches, nil
}

// AppendCertificate appends a certificate and its log entry in one
// transaction. build receives the entry hash of the current log tail (nil
// for an empty log) and returns the rows to insert.
func (s *Store) AppendCertificate(ctx context.Context, build func(prevHash *string) (*Certificate, *LogEntry, error)) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin append", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	tail, err := latestLogEntry(ctx, tx)
	if err != nil {
		return err
	}
	var prev *string
	if tail != nil {
		h := tail.EntryHash
		prev = &h
	}

	cert, entry, err := build(prev)
	if err != nil {
		return err
	}

	now := s.now()
	if cert.CreatedAt.IsZero() {
		cert.CreatedAt = now
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO certificates (id, title, subtitle, text, score, issued_at, seed, sparkline, replay, proof, validation_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cert.ID, cert.Title, cert.Subtitle, cert.Text, cert.Score, cert.IssuedAt, cert.Seed,
		string(cert.Sparkline), string(cert.Replay), nullableJSON(cert.Proof), cert.ValidationStatus, cert.CreatedAt.UnixNano(),
	); err != nil {
		return unavailable("insert certificate", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO certificate_log (certificate_id, prev_hash, entry_hash, created_at)
		VALUES (?, ?, ?, ?)`,
		entry.CertificateID, entry.PrevHash, entry.EntryHash, entry.CreatedAt.UnixNano(),
	)
	if err != nil {
		return unavailable("insert log entry", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit append", err)
	}
	return nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// GetCertificate returns the certificate with the given id, or nil if absent.
func (s *Store) GetCertificate(ctx context.Context, id string) (*Certificate, error) {
	var c Certificate
	var sparkline, replay string
	var proof, status sql.NullString
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, subtitle, text, score, issued_at, seed, sparkline, replay, proof, validation_status, created_at
		FROM certificates WHERE id = ?`, id,
	).Scan(&c.ID, &c.Title, &c.Subtitle, &c.Text, &c.Score, &c.IssuedAt, &c.Seed,
		&sparkline, &replay, &proof, &status, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get certificate", err)
	}

	c.Sparkline = []byte(sparkline)
	c.Replay = []byte(replay)
	if proof.Valid {
		c.Proof = []byte(proof.String)
	}
	if status.Valid {
		v := status.String
		c.ValidationStatus = &v
	}
	c.CreatedAt = time.Unix(0, createdAt)
	return &c, nil
}

// GetLogEntry returns the log entry of a certificate, or nil if absent.
func (s *Store) GetLogEntry(ctx context.Context, certificateID string) (*LogEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, certificate_id, prev_hash, entry_hash, created_at
		FROM certificate_log WHERE certificate_id = ?`, certificateID)
	return scanLogEntry(row, "get log entry")
}

// LatestLogEntry returns the last appended log entry, or nil for an
// empty log.
func (s *Store) LatestLogEntry(ctx context.Context) (*LogEntry, error) {
	return latestLogEntry(ctx, s.db)
}

func latestLogEntry(ctx context.Context, q queryer) (*LogEntry, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, certificate_id, prev_hash, entry_hash, created_at
		FROM certificate_log ORDER BY id DESC LIMIT 1`)
	return scanLogEntry(row, "get log tail")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLogEntry(row rowScanner, op string) (*LogEntry, error) {
	var e LogEntry
	var prev sql.NullString
	var createdAt int64
	err := row.Scan(&e.ID, &e.CertificateID, &prev, &e.EntryHash, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(op, err)
	}
	if prev.Valid {
		v := prev.String
		e.PrevHash = &v
	}
	e.CreatedAt = time.Unix(0, createdAt)
	return &e, nil
}

// ListLogEntries returns the whole log in append order.
func (s *Store) ListLogEntries(ctx context.Context) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, certificate_id, prev_hash, entry_hash, created_at
		FROM certificate_log ORDER BY id ASC`)
	if err != nil {
		return nil, unavailable("query log", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		e, err := scanLogEntry(rows, "scan log entry")
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate log", err)
	}
	return entries, nil
}

// SaveAnalysis stores an advisory analysis result.
func (s *Store) SaveAnalysis(ctx context.Context, sessionID string, result []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_results (session_id, result, created_at) VALUES (?, ?, ?)`,
		sessionID, string(result), s.now().UnixNano(),
	)
	if err != nil {
		return unavailable("insert analysis", err)
	}
	return nil
}

// ListAnalyses returns the analyses stored for a session, oldest first.
func (s *Store) ListAnalyses(ctx context.Context, sessionID string) ([]AnalysisResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, result, created_at FROM analysis_results
		WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, unavailable("query analyses", err)
	}
	defer rows.Close()

	var out []AnalysisResult
	for rows.Next() {
		var a AnalysisResult
		var result string
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.SessionID, &result, &createdAt); err != nil {
			return nil, unavailable("scan analysis", err)
		}
		a.Result = []byte(result)
		a.CreatedAt = time.Unix(0, createdAt)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate analyses", err)
	}
	return out, nil
}

// GetStats returns row counts for the main tables.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM telemetry_sessions),
			(SELECT COUNT(*) FROM telemetry_batches),
			(SELECT COUNT(*) FROM certificates),
			(SELECT COUNT(*) FROM certificate_log)`,
	).Scan(&st.Sessions, &st.Batches, &st.Certificates, &st.LogEntries)
	if err != nil {
		return nil, unavailable("get stats", err)
	}
	return &st, nil
}
