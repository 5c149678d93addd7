// Package api exposes the mindprint services over HTTP.
//
// Routes:
//
//	POST /api/telemetry/sessions                      open a telemetry session
//	POST /api/telemetry/sessions/{sessionID}/batches  ingest one ordered batch
//	POST /api/telemetry/sessions/{sessionID}/finish   issue a certificate for the session
//	POST /api/telemetry/classify                      classify an event history
//	POST /api/certificates                            issue a certificate from explicit input
//	POST /api/certificates/verify                     verify a supplied certificate payload
//	GET  /api/certificates/{id}                       look up a certificate
//	GET  /api/certificates/{id}/verify                verify a stored certificate
//	POST /api/analyze                                 advisory analysis of a typing log
//	GET  /healthz /readyz /livez /metrics             operations
//
// Request bodies are checked against the embedded JSON schemas before they
// are decoded. Telemetry routes are rate limited per client address.
package api

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mindprint/internal/analysis"
	"mindprint/internal/certificate"
	"mindprint/internal/health"
	"mindprint/internal/logging"
	"mindprint/internal/metrics"
	"mindprint/internal/schemavalidation"
	"mindprint/internal/security"
	"mindprint/internal/session"
)

// DefaultMaxBodyBytes bounds request bodies when no limit is configured.
const DefaultMaxBodyBytes = 2 << 20

// Lockout policy for clients that keep presenting bad session credentials.
const (
	failureWindow      = 10 * time.Minute
	failureMaxAttempts = 20
	failureLockout     = 5 * time.Minute
	limiterIdle        = 10 * time.Minute
)

// Server routes requests to the session, certificate and analysis services.
type Server struct {
	sessions  *session.Service
	certs     *certificate.Service
	analyzer  *analysis.Client
	validator *schemavalidation.Validator
	checker   *health.Checker
	metrics   *metrics.MindprintMetrics
	limiter   *security.IPRateLimiter
	failures  *security.Lockout
	log       *slog.Logger

	baseURL string
	maxBody int64
	router  chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithAnalysis enables POST /api/analyze.
func WithAnalysis(c *analysis.Client) Option {
	return func(s *Server) { s.analyzer = c }
}

// WithHealth mounts the checker's handlers.
func WithHealth(c *health.Checker) Option {
	return func(s *Server) { s.checker = c }
}

// WithMetrics records request outcomes and mounts /metrics.
func WithMetrics(m *metrics.MindprintMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRateLimit limits telemetry routes to rps requests per second per
// client with the given burst. Zero rps disables the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps > 0 && burst > 0 {
			s.limiter = security.NewIPRateLimiter(rps, burst, limiterIdle)
		}
	}
}

// WithPublicBaseURL sets the origin used to build verifyUrl links.
func WithPublicBaseURL(u string) Option {
	return func(s *Server) { s.baseURL = strings.TrimRight(u, "/") }
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// WithValidator replaces the process-wide schema validator.
func WithValidator(v *schemavalidation.Validator) Option {
	return func(s *Server) { s.validator = v }
}

// New builds the router. The services must be non-nil; a service backed
// by no store answers trust routes with 503.
func New(sessions *session.Service, certs *certificate.Service, opts ...Option) (*Server, error) {
	s := &Server{
		sessions: sessions,
		certs:    certs,
		log:      slog.Default(),
		maxBody:  DefaultMaxBodyBytes,
		failures: security.NewLockout(failureMaxAttempts, failureWindow, failureLockout),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.validator == nil {
		v, err := schemavalidation.Default()
		if err != nil {
			return nil, err
		}
		s.validator = v
	}
	s.router = s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Close()
	}
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestContext)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Route("/api/telemetry", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/sessions", s.handleInitSession)
		r.Post("/sessions/{sessionID}/batches", s.handleIngest)
		r.Post("/sessions/{sessionID}/finish", s.handleFinish)
		r.Post("/classify", s.handleClassify)
	})

	r.Route("/api/certificates", func(r chi.Router) {
		r.Post("/", s.handleCreateCertificate)
		r.Post("/verify", s.handleVerifyPayload)
		r.Get("/{id}", s.handleGetCertificate)
		r.Get("/{id}/verify", s.handleVerifyCertificate)
	})

	r.Post("/api/analyze", s.handleAnalyze)

	if s.checker != nil {
		r.Method(http.MethodGet, "/healthz", s.checker.HealthHandler())
		r.Method(http.MethodGet, "/readyz", s.checker.ReadinessHandler())
		r.Method(http.MethodGet, "/livez", s.checker.LivenessHandler())
	}
	if reg := s.metrics.Registry(); reg != nil {
		r.Method(http.MethodGet, "/metrics", reg.Handler())
	}
	return r
}

// requestContext carries the request id and client address into the
// context so service logs and audit events can name them.
func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.ContextWithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		ctx = logging.ContextWithSourceIP(ctx, clientIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		s.metrics.ObserveRequest(elapsed)
		if ww.Status() >= http.StatusInternalServerError {
			s.metrics.RecordError()
		}
		s.log.DebugContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", elapsed,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if s.failures.IsLocked(ip) || (s.limiter != nil && !s.limiter.Allow(ip)) {
			s.metrics.RecordRateLimited()
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "Too many requests.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recordAuth feeds credential outcomes into the lockout.
func (s *Server) recordAuth(r *http.Request, err error) {
	ip := clientIP(r)
	switch {
	case err == nil:
		s.failures.RecordSuccess(ip)
	case session.KindOf(err) == session.KindAuth:
		s.failures.RecordFailure(ip)
	}
}

func (s *Server) verifyURL(id string) string {
	if s.baseURL == "" {
		return ""
	}
	return s.baseURL + "/verify/" + url.PathEscape(id)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
