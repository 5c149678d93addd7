// Package session implements the telemetry session protocol: session
// creation with a signed capability token, and ordered, replay-resistant
// ingestion of event batches into durable storage.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"mindprint/internal/logging"
	"mindprint/internal/store"
	"mindprint/internal/telemetry"
)

// DefaultTTL is how long a session accepts batches after creation.
const DefaultTTL = 90 * time.Minute

// Store is the durable state the protocol needs.
type Store interface {
	CreateSession(ctx context.Context, sess *store.Session) error
	GetSession(ctx context.Context, id string) (*store.Session, error)
	AppendBatch(ctx context.Context, sessionID string, sequence int64, events []byte, check func(*store.Session) error) error
}

// Signer signs and verifies token payloads.
type Signer interface {
	SignBytes(msg []byte) string
	VerifyBytes(msg []byte, sig string) bool
}

// Service runs Init and Ingest against a store.
type Service struct {
	store     Store
	signer    Signer
	log       *slog.Logger
	audit     *logging.AuditLogger
	now       func() time.Time
	ttl       time.Duration
	maxEvents int
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger for rejections and storage failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithAudit records session and batch events to an audit log.
func WithAudit(a *logging.AuditLogger) Option {
	return func(s *Service) { s.audit = a }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTTL sets the session lifetime.
func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithMaxBatchEvents lowers the per-batch event cap. Values above
// telemetry.MaxBatchEvents are ignored.
func WithMaxBatchEvents(n int) Option {
	return func(s *Service) {
		if n > 0 && n <= telemetry.MaxBatchEvents {
			s.maxEvents = n
		}
	}
}

// NewService returns a session service. A nil store is allowed and makes
// every operation fail with ErrStorageUnavailable.
func NewService(st Store, sig Signer, opts ...Option) *Service {
	s := &Service{
		store:     st,
		signer:    sig,
		log:       slog.Default(),
		now:       time.Now,
		ttl:       DefaultTTL,
		maxEvents: telemetry.MaxBatchEvents,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InitResult is returned to the client that opened a session.
type InitResult struct {
	SessionID    string    `json:"sessionId"`
	SessionToken string    `json:"sessionToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// NewSessionID returns "sess-" followed by 32 hex characters.
func NewSessionID() string {
	return "sess-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewNonce returns 24 hex characters.
func NewNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// Init creates a session and returns its signed token.
func (s *Service) Init(ctx context.Context) (*InitResult, error) {
	if s.store == nil {
		return nil, ErrStorageUnavailable
	}

	id := NewSessionID()
	nonce := NewNonce()
	expiresAt := s.now().Add(s.ttl).Truncate(time.Millisecond)

	token, err := EncodeToken(s.signer, TokenClaims{SID: id, Nonce: nonce, Exp: expiresAt.UnixMilli()})
	if err != nil {
		return nil, fmt.Errorf("encode session token: %w", err)
	}

	if err := s.store.CreateSession(ctx, &store.Session{
		ID:        id,
		Nonce:     nonce,
		ExpiresAt: expiresAt,
	}); err != nil {
		s.log.ErrorContext(ctx, "session init failed", "error", err)
		return nil, reject(ErrStorageUnavailable, err)
	}

	s.log.InfoContext(ctx, "session created", "session_id", id, "expires_at", expiresAt)
	s.audit.LogSessionInit(ctx, id, expiresAt)

	return &InitResult{SessionID: id, SessionToken: token, ExpiresAt: expiresAt.UTC()}, nil
}

// IngestOptions carries the credentials and ordering of one batch.
type IngestOptions struct {
	SessionToken  string
	BatchSequence int64
}

// IngestResult reports an accepted batch.
type IngestResult struct {
	Accepted     int   `json:"accepted"`
	LastSequence int64 `json:"lastSequence"`
}

// Ingest validates a batch, checks the token and the live session, and
// stores the batch while advancing the session's sequence. The session
// checks and the write share one transaction, so a rejected batch leaves
// storage untouched and two concurrent batches with the same sequence
// cannot both be accepted.
func (s *Service) Ingest(ctx context.Context, events []telemetry.Event, sessionID string, opts IngestOptions) (*IngestResult, error) {
	res, err := s.ingest(ctx, events, sessionID, opts)
	if err != nil {
		if KindOf(err) == KindUnavailable {
			s.log.ErrorContext(ctx, "batch ingest failed", "session_id", sessionID, "error", err)
		} else {
			s.log.WarnContext(ctx, "batch rejected",
				"session_id", sessionID,
				"sequence", opts.BatchSequence,
				"kind", KindOf(err).String(),
				"error", err,
			)
		}
		s.audit.LogBatch(ctx, sessionID, opts.BatchSequence, len(events), err)
		return nil, err
	}
	s.log.DebugContext(ctx, "batch accepted", "session_id", sessionID, "sequence", opts.BatchSequence, "events", len(events))
	s.audit.LogBatch(ctx, sessionID, opts.BatchSequence, len(events), nil)
	return res, nil
}

func (s *Service) ingest(ctx context.Context, events []telemetry.Event, sessionID string, opts IngestOptions) (*IngestResult, error) {
	if sessionID == "" || opts.SessionToken == "" {
		return nil, ErrMissingCredentials
	}
	if opts.BatchSequence <= 0 {
		return nil, ErrInvalidSequence
	}
	if len(events) > s.maxEvents {
		return nil, reject(ErrInvalidPayload, telemetry.ErrBatchTooLarge)
	}
	if err := telemetry.ValidateBatch(events); err != nil {
		return nil, reject(ErrInvalidPayload, err)
	}

	claims, err := DecodeToken(s.signer, opts.SessionToken)
	if err != nil {
		return nil, reject(ErrInvalidToken, err)
	}
	if claims.SID != sessionID {
		return nil, ErrInvalidToken
	}
	if claims.Exp <= s.now().UnixMilli() {
		return nil, ErrTokenExpired
	}

	if s.store == nil {
		return nil, ErrStorageUnavailable
	}

	payload, err := json.Marshal(events)
	if err != nil {
		return nil, reject(ErrInvalidPayload, err)
	}

	err = s.store.AppendBatch(ctx, sessionID, opts.BatchSequence, payload, func(sess *store.Session) error {
		switch {
		case sess == nil:
			return ErrSessionNotFound
		case sess.Nonce != claims.Nonce:
			return ErrNonceMismatch
		case sess.Expired(s.now()):
			return ErrSessionExpired
		case opts.BatchSequence <= sess.LastSequence:
			return ErrReplay
		}
		return nil
	})
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, reject(ErrStorageUnavailable, err)
	}

	return &IngestResult{Accepted: len(events), LastSequence: opts.BatchSequence}, nil
}

// Authorize checks that token is a live credential for sessionID: the
// signature, the session binding and the nonce must all match. It is used
// before acting on a session outside of batch ingestion.
func (s *Service) Authorize(ctx context.Context, sessionID, token string) error {
	err := s.authorize(ctx, sessionID, token)
	if err != nil && KindOf(err) != KindUnavailable {
		s.log.WarnContext(ctx, "session authorization rejected",
			"session_id", sessionID,
			"kind", KindOf(err).String(),
			"error", err,
		)
	}
	return err
}

func (s *Service) authorize(ctx context.Context, sessionID, token string) error {
	if sessionID == "" || token == "" {
		return ErrMissingCredentials
	}
	claims, err := DecodeToken(s.signer, token)
	if err != nil {
		return reject(ErrInvalidToken, err)
	}
	if claims.SID != sessionID {
		return ErrInvalidToken
	}
	if s.store == nil {
		return ErrStorageUnavailable
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return reject(ErrStorageUnavailable, err)
	}
	switch {
	case sess == nil:
		return ErrSessionNotFound
	case sess.Nonce != claims.Nonce:
		return ErrNonceMismatch
	}
	return nil
}
