package certificate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"mindprint/internal/logging"
	"mindprint/internal/store"
	"mindprint/internal/telemetry"
)

// Errors returned by the service. Storage failures wrap store.ErrUnavailable.
var (
	ErrNotFound        = errors.New("certificate: not found")
	ErrSessionNotFound = errors.New("certificate: telemetry session not found")
)

// Verification failure reasons.
const (
	ReasonMissingProof        = "Missing proof bundle."
	ReasonDigestMismatch      = "Artifact or telemetry digest mismatch."
	ReasonInvalidSignature    = "Invalid proof signature."
	ReasonLogEntryNotFound    = "Certificate log entry not found."
	ReasonLogHashMismatch     = "Transparency log hash mismatch."
	ReasonPredecessorMismatch = "Transparency chain predecessor mismatch."
)

// Store is the durable state issuance and verification need.
type Store interface {
	AppendCertificate(ctx context.Context, build func(prevHash *string) (*store.Certificate, *store.LogEntry, error)) error
	GetCertificate(ctx context.Context, id string) (*store.Certificate, error)
	GetLogEntry(ctx context.Context, certificateID string) (*store.LogEntry, error)
	ListLogEntries(ctx context.Context) ([]store.LogEntry, error)
	GetSession(ctx context.Context, id string) (*store.Session, error)
	ListBatches(ctx context.Context, sessionID string) ([]store.TelemetryBatch, error)
}

// Signer signs and verifies canonical JSON values.
type Signer interface {
	Sign(v any) (string, error)
	Verify(v any, sig string) bool
}

// Service issues and verifies certificates.
type Service struct {
	store  Store
	signer Signer
	log    *slog.Logger
	audit  *logging.AuditLogger
	now    func() time.Time
	newID  func() string
	title  string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithAudit records issuance and verification outcomes.
func WithAudit(a *logging.AuditLogger) Option {
	return func(s *Service) { s.audit = a }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithDefaultTitle replaces DefaultTitle for certificates issued without
// one.
func WithDefaultTitle(title string) Option {
	return func(s *Service) {
		if t := sanitizeLabel(title, MaxTitleRunes); t != "" {
			s.title = t
		}
	}
}

// NewService returns a certificate service. A nil store makes every
// operation fail with store.ErrUnavailable.
func NewService(st Store, sig Signer, opts ...Option) *Service {
	s := &Service{
		store:  st,
		signer: sig,
		log:    slog.Default(),
		now:    time.Now,
		newID:  NewID,
		title:  DefaultTitle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewID returns "mp-" followed by 12 hex characters.
func NewID() string {
	return "mp-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func (s *Service) available() error {
	if s.store == nil {
		return fmt.Errorf("certificate: %w", store.ErrUnavailable)
	}
	return nil
}

// Create normalizes in, signs a proof over it and appends the certificate
// to the transparency log. The log tail read and the append share one
// transaction. Nothing is returned unless the log entry was written.
func (s *Service) Create(ctx context.Context, in Input) (*Payload, error) {
	if err := s.available(); err != nil {
		return nil, err
	}

	id := s.newID()
	p := &Payload{
		ID:        id,
		Title:     orDefault(sanitizeLabel(in.Title, MaxTitleRunes), s.title),
		Subtitle:  orDefault(sanitizeLabel(in.Subtitle, MaxTitleRunes), DefaultSubtitle),
		Text:      orDefault(normalizeText(in.Text), DefaultText),
		Score:     ClampScore(in.Score),
		IssuedAt:  FormatIssuedAt(parseIssuedAt(in.IssuedAt, s.now())),
		Sparkline: NormalizeSparkline(in.Sparkline),
		Seed:      orDefault(sanitizeLabel(in.Seed, MaxSeedRunes), id),
		Replay:    telemetry.BuildReplay(in.Replay),
	}

	unsigned, err := buildUnsignedProof(p, in.ValidationStatus, in.RiskScore, in.Confidence)
	if err != nil {
		return nil, err
	}
	signature, err := s.signer.Sign(unsigned)
	if err != nil {
		return nil, fmt.Errorf("sign proof: %w", err)
	}

	err = s.store.AppendCertificate(ctx, func(prev *string) (*store.Certificate, *store.LogEntry, error) {
		entryHash := LogEntryHash(id, prev, signature)
		p.Proof = &Proof{
			Version:               ProofVersion,
			ArtifactSHA256:        unsigned.ArtifactSHA256,
			TelemetryDigestSHA256: unsigned.TelemetryDigestSHA256,
			IssuedAt:              unsigned.IssuedAt,
			ValidationStatus:      unsigned.ValidationStatus,
			RiskScore:             unsigned.RiskScore,
			Confidence:            unsigned.Confidence,
			Signature:             signature,
			LogEntryHash:          &entryHash,
			PrevLogEntryHash:      prev,
		}
		row, err := toRow(p)
		if err != nil {
			return nil, nil, err
		}
		return row, &store.LogEntry{CertificateID: id, PrevHash: prev, EntryHash: entryHash}, nil
	})
	if err != nil {
		s.log.ErrorContext(ctx, "certificate issuance failed", "certificate_id", id, "error", err)
		return nil, err
	}

	s.log.InfoContext(ctx, "certificate issued", "certificate_id", id, "entry_hash", *p.Proof.LogEntryHash)
	s.audit.LogCertificateIssued(ctx, id, *p.Proof.LogEntryHash, p.Proof.PrevLogEntryHash)
	return p, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func toRow(p *Payload) (*store.Certificate, error) {
	sparkline, err := json.Marshal(p.Sparkline)
	if err != nil {
		return nil, fmt.Errorf("encode sparkline: %w", err)
	}
	replay := p.Replay
	if replay == nil {
		replay = []telemetry.Event{}
	}
	replayJSON, err := json.Marshal(replay)
	if err != nil {
		return nil, fmt.Errorf("encode replay: %w", err)
	}
	proof, err := json.Marshal(p.Proof)
	if err != nil {
		return nil, fmt.Errorf("encode proof: %w", err)
	}
	row := &store.Certificate{
		ID:        p.ID,
		Title:     p.Title,
		Subtitle:  p.Subtitle,
		Text:      p.Text,
		Score:     p.Score,
		IssuedAt:  p.IssuedAt,
		Seed:      p.Seed,
		Sparkline: sparkline,
		Replay:    replayJSON,
		Proof:     proof,
	}
	if p.Proof != nil && p.Proof.ValidationStatus != nil {
		st := string(*p.Proof.ValidationStatus)
		row.ValidationStatus = &st
	}
	return row, nil
}

// Get returns a stored certificate. The id is sanitized first; an id that
// sanitizes to nothing is not found.
func (s *Service) Get(ctx context.Context, id string) (*Payload, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	id = SanitizeID(id)
	if id == "" {
		return nil, ErrNotFound
	}
	row, err := s.store.GetCertificate(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrNotFound
	}
	return hydrate(row), nil
}

// hydrate rebuilds a payload from a stored row, re-normalizing the
// sparkline and replay. An unreadable proof hydrates as nil.
func hydrate(row *store.Certificate) *Payload {
	var sparkline []float64
	if err := json.Unmarshal(row.Sparkline, &sparkline); err != nil {
		sparkline = nil
	}
	replay, err := telemetry.DecodeEvents(row.Replay)
	if err != nil {
		replay = nil
	}
	return &Payload{
		ID:        row.ID,
		Title:     row.Title,
		Subtitle:  row.Subtitle,
		Text:      row.Text,
		Score:     row.Score,
		IssuedAt:  row.IssuedAt,
		Sparkline: NormalizeSparkline(sparkline),
		Seed:      orDefault(row.Seed, row.ID),
		Replay:    telemetry.BuildReplay(replay),
		Proof:     parseProof(row.Proof),
	}
}

// parseProof returns nil for absent or unreadable proofs. An unknown
// validation status reads as null.
func parseProof(raw json.RawMessage) *Proof {
	if len(raw) == 0 {
		return nil
	}
	var p Proof
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}
	if p.Version != ProofVersion {
		return nil
	}
	if p.ValidationStatus != nil {
		if _, ok := telemetry.ParseStatus(string(*p.ValidationStatus)); !ok {
			p.ValidationStatus = nil
		}
	}
	return &p
}

// Result is a verification outcome. Reason is empty when Valid.
type Result struct {
	Valid  bool   `json:"isValid"`
	Reason string `json:"reason,omitempty"`
}

func invalid(reason string) Result {
	return Result{Valid: false, Reason: reason}
}

// Verify recomputes the proof from the payload's own content and checks
// it against the signature and the stored transparency log entry. Tampered
// data yields an invalid Result; only storage failures return an error.
func (s *Service) Verify(ctx context.Context, p *Payload) (Result, error) {
	res, err := s.verify(ctx, p)
	if err != nil {
		s.log.ErrorContext(ctx, "verification failed", "error", err)
		return Result{}, err
	}
	var id string
	if p != nil {
		id = p.ID
	}
	if !res.Valid {
		s.log.WarnContext(ctx, "certificate rejected", "certificate_id", id, "reason", res.Reason)
	}
	s.audit.LogVerification(ctx, id, res.Valid, res.Reason)
	return res, nil
}

func (s *Service) verify(ctx context.Context, p *Payload) (Result, error) {
	if p == nil || p.Proof == nil {
		return invalid(ReasonMissingProof), nil
	}
	proof := p.Proof

	unsigned, err := buildUnsignedProof(p, proof.ValidationStatus, proof.RiskScore, proof.Confidence)
	if err != nil {
		return invalid(ReasonDigestMismatch), nil
	}
	if unsigned.ArtifactSHA256 != proof.ArtifactSHA256 || unsigned.TelemetryDigestSHA256 != proof.TelemetryDigestSHA256 {
		return invalid(ReasonDigestMismatch), nil
	}
	if !s.signer.Verify(unsigned, proof.Signature) {
		return invalid(ReasonInvalidSignature), nil
	}

	if err := s.available(); err != nil {
		return Result{}, err
	}
	entry, err := s.store.GetLogEntry(ctx, p.ID)
	if err != nil {
		return Result{}, err
	}
	if entry == nil {
		return invalid(ReasonLogEntryNotFound), nil
	}

	expected := LogEntryHash(p.ID, proof.PrevLogEntryHash, proof.Signature)
	if entry.EntryHash != expected || proof.LogEntryHash == nil || *proof.LogEntryHash != expected {
		return invalid(ReasonLogHashMismatch), nil
	}
	if !sameHash(entry.PrevHash, proof.PrevLogEntryHash) {
		return invalid(ReasonPredecessorMismatch), nil
	}
	return Result{Valid: true}, nil
}

func sameHash(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// VerifyByID loads a certificate and verifies it.
func (s *Service) VerifyByID(ctx context.Context, id string) (*Payload, Result, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, Result{}, err
	}
	res, err := s.Verify(ctx, p)
	if err != nil {
		return nil, Result{}, err
	}
	return p, res, nil
}

// IssueRequest asks for a certificate over a finished telemetry session.
type IssueRequest struct {
	SessionID string
	Text      string
	Title     string
}

// IssueForSession classifies every accepted batch of a session, derives
// the display score, sparkline and replay from it, and issues a
// certificate for the session's text.
func (s *Service) IssueForSession(ctx context.Context, req IssueRequest) (*Payload, telemetry.Result, error) {
	if err := s.available(); err != nil {
		return nil, telemetry.Result{}, err
	}
	sess, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, telemetry.Result{}, err
	}
	if sess == nil {
		return nil, telemetry.Result{}, ErrSessionNotFound
	}

	batches, err := s.store.ListBatches(ctx, req.SessionID)
	if err != nil {
		return nil, telemetry.Result{}, err
	}
	var events []telemetry.Event
	for _, b := range batches {
		decoded, err := telemetry.DecodeEvents(b.Events)
		if err != nil {
			return nil, telemetry.Result{}, fmt.Errorf("decode batch %d of %s: %w", b.Sequence, req.SessionID, err)
		}
		events = append(events, decoded...)
	}

	trimmed := strings.TrimSpace(req.Text)
	classification := telemetry.ValidateSession(events, utf8.RuneCountInString(trimmed))
	status := classification.Status
	risk := float64(classification.Metrics.RiskScore)
	confidence := classification.Metrics.Confidence
	now := s.now()

	p, err := s.Create(ctx, Input{
		Title:            orDefault(req.Title, s.title),
		Subtitle:         SubtitleFor(status),
		Text:             telemetry.TruncateRunes(trimmed, MaxTextRunes),
		Score:            float64(DisplayScore(status, &risk, &confidence, hasText(trimmed))),
		IssuedAt:         FormatIssuedAt(now),
		Seed:             "seed-" + strconv.FormatInt(now.UnixMilli(), 36),
		Sparkline:        telemetry.BuildSparkline(events),
		Replay:           telemetry.BuildReplay(events),
		ValidationStatus: &status,
		RiskScore:        &risk,
		Confidence:       &confidence,
	})
	if err != nil {
		return nil, telemetry.Result{}, err
	}
	return p, classification, nil
}
