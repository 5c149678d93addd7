package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"mindprint/internal/analysis"
	"mindprint/internal/certificate"
	"mindprint/internal/schemavalidation"
	"mindprint/internal/session"
	"mindprint/internal/telemetry"
)

func (s *Server) handleInitSession(w http.ResponseWriter, r *http.Request) {
	res, err := s.sessions.Init(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.metrics.RecordSessionInit()
	writeJSON(w, http.StatusCreated, res)
}

type ingestRequest struct {
	SessionToken  string            `json:"sessionToken"`
	BatchSequence *float64          `json:"batchSequence"`
	Events        []telemetry.Event `json:"events"`
}

// sequenceOf accepts only positive integral sequence numbers. Anything
// else becomes 0, which the protocol rejects as an invalid sequence.
func sequenceOf(v *float64) int64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) || *v != math.Trunc(*v) || *v < 1 || *v > 1<<53 {
		return 0
	}
	return int64(*v)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sessionID := chi.URLParam(r, "sessionID")

	res, err := s.ingest(w, r, sessionID)
	if err != nil {
		s.metrics.RecordBatchRejected(session.KindOf(err).String())
		s.recordAuth(r, err)
		s.fail(w, r, err)
		return
	}
	s.recordAuth(r, nil)
	s.metrics.RecordBatchAccepted(res.Accepted, time.Since(start))
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request, sessionID string) (*session.IngestResult, error) {
	data, err := s.readBody(w, r, schemavalidation.IngestBatch)
	if err != nil {
		if schemaRejection(err) {
			return nil, fmt.Errorf("%w: %w", session.ErrInvalidPayload, err)
		}
		return nil, err
	}
	var req ingestRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %w", session.ErrInvalidPayload, err)
	}
	return s.sessions.Ingest(r.Context(), req.Events, sessionID, session.IngestOptions{
		SessionToken:  req.SessionToken,
		BatchSequence: sequenceOf(req.BatchSequence),
	})
}

func schemaRejection(err error) bool {
	return errors.Is(err, schemavalidation.ErrInvalid) || errors.Is(err, schemavalidation.ErrInvalidJSON)
}

type classifyRequest struct {
	Events        []telemetry.Event `json:"events"`
	ContentLength *float64          `json:"contentLength"`
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	data, err := s.readBody(w, r, schemavalidation.Classify)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req classifyRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.fail(w, r, fmt.Errorf("%w: %w", session.ErrInvalidPayload, err))
		return
	}

	contentLength := 0
	if req.ContentLength != nil {
		contentLength = int(math.Min(*req.ContentLength, math.MaxInt32))
	}
	res := telemetry.ValidateSession(req.Events, contentLength)
	s.metrics.RecordClassification(string(res.Status))
	writeJSON(w, http.StatusOK, res)
}

type finishRequest struct {
	SessionToken string `json:"sessionToken"`
	Text         string `json:"text"`
	Title        string `json:"title"`
}

type finishResponse struct {
	ID               string           `json:"id"`
	VerifyURL        string           `json:"verifyUrl,omitempty"`
	ValidationStatus telemetry.Status `json:"validationStatus"`
	Score            int              `json:"score"`
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	data, err := s.readBody(w, r, schemavalidation.SessionFinish)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req finishRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.fail(w, r, fmt.Errorf("%w: %w", errBadBody, err))
		return
	}

	err = s.sessions.Authorize(r.Context(), sessionID, req.SessionToken)
	s.recordAuth(r, err)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	p, res, err := s.certs.IssueForSession(r.Context(), certificate.IssueRequest{
		SessionID: sessionID,
		Text:      req.Text,
		Title:     req.Title,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.metrics.RecordClassification(string(res.Status))
	s.metrics.RecordCertificateIssued()
	writeJSON(w, http.StatusCreated, finishResponse{
		ID:               p.ID,
		VerifyURL:        s.verifyURL(p.ID),
		ValidationStatus: res.Status,
		Score:            p.Score,
	})
}

func (s *Server) handleCreateCertificate(w http.ResponseWriter, r *http.Request) {
	data, err := s.readBody(w, r, schemavalidation.CertificateInput)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var in certificate.Input
	if err := json.Unmarshal(data, &in); err != nil {
		s.fail(w, r, fmt.Errorf("%w: %w", errBadBody, err))
		return
	}

	p, err := s.certs.Create(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.metrics.RecordCertificateIssued()
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetCertificate(w http.ResponseWriter, r *http.Request) {
	p, err := s.certs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// VerifyResponse is the body of both verification routes.
type VerifyResponse struct {
	ID        string `json:"id"`
	Valid     bool   `json:"isValid"`
	Reason    string `json:"reason,omitempty"`
	VerifyURL string `json:"verifyUrl,omitempty"`
}

func (s *Server) handleVerifyCertificate(w http.ResponseWriter, r *http.Request) {
	p, res, err := s.certs.VerifyByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.metrics.RecordVerification(res.Valid)
	writeJSON(w, http.StatusOK, VerifyResponse{
		ID:        p.ID,
		Valid:     res.Valid,
		Reason:    res.Reason,
		VerifyURL: s.verifyURL(p.ID),
	})
}

// handleVerifyPayload checks a certificate the caller holds, for example
// one exported to a file, against the signature and the server's log.
func (s *Server) handleVerifyPayload(w http.ResponseWriter, r *http.Request) {
	data, err := s.readBody(w, r, schemavalidation.CertificatePayload)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var p certificate.Payload
	if err := json.Unmarshal(data, &p); err != nil {
		s.fail(w, r, fmt.Errorf("%w: %w", errBadBody, err))
		return
	}

	res, err := s.certs.Verify(r.Context(), &p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.metrics.RecordVerification(res.Valid)
	writeJSON(w, http.StatusOK, VerifyResponse{
		ID:        p.ID,
		Valid:     res.Valid,
		Reason:    res.Reason,
		VerifyURL: s.verifyURL(p.ID),
	})
}

type analyzeRequest struct {
	Log       json.RawMessage `json:"log"`
	SessionID string          `json:"sessionId"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	data, err := s.readBody(w, r, schemavalidation.Analyze)
	if err != nil {
		if schemaRejection(err) {
			code, msg := analysis.HTTPStatus(analysis.ErrMissingLog)
			writeError(w, code, msg)
			return
		}
		s.fail(w, r, err)
		return
	}
	var req analyzeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.fail(w, r, fmt.Errorf("%w: %w", errBadBody, err))
		return
	}

	if s.analyzer == nil {
		code, msg := analysis.HTTPStatus(analysis.ErrNotConfigured)
		writeError(w, code, msg)
		return
	}
	report, err := s.analyzer.Analyze(r.Context(), req.Log, req.SessionID)
	s.metrics.RecordAnalysis(err)
	if err != nil {
		code, msg := analysis.HTTPStatus(err)
		s.log.WarnContext(r.Context(), "analysis failed", "status", code, "error", err)
		writeError(w, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
