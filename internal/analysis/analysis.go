// Package analysis requests an advisory behavioral reading of a typing log
// from a generative model. Its output is informational and never feeds
// certificate issuance or verification.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"mindprint/internal/retry"
)

// Defaults for the Gemini REST endpoint.
const (
	DefaultEndpoint = "https://generativelanguage.googleapis.com/v1beta"
	DefaultModel    = "gemini-1.5-flash"
	DefaultTimeout  = 30 * time.Second

	maxResponseBytes = 4 << 20
)

var (
	ErrNotConfigured   = errors.New("analysis: no API key configured")
	ErrEmptyResponse   = errors.New("analysis: model returned no text")
	ErrInvalidResponse = errors.New("analysis: invalid analysis payload")
	ErrMissingLog      = errors.New("analysis: missing log data")
)

// StatusError is a non-2xx response from the model provider.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("analysis: provider returned %d", e.StatusCode)
}

// StatusOf returns the provider status carried by err, or 0.
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// Retryable reports whether err is a transient provider failure.
func Retryable(err error) bool {
	switch StatusOf(err) {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// HTTPStatus maps an Analyze error to the status and message an API
// should return.
func HTTPStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrMissingLog):
		return http.StatusBadRequest, "Missing log data"
	case errors.Is(err, ErrNotConfigured):
		return http.StatusServiceUnavailable, "Analysis is not configured on this server."
	}
	switch StatusOf(err) {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return http.StatusServiceUnavailable, "Analysis model is currently busy. Please retry in a few seconds."
	case http.StatusUnauthorized, http.StatusForbidden:
		return http.StatusBadGateway, "Analysis provider rejected the request. Check the API key permissions."
	}
	return http.StatusInternalServerError, "Failed to analyze log"
}

// Event is a notable moment the model found in the log.
type Event struct {
	Type        string   `json:"type,omitempty"`
	Timestamp   *float64 `json:"timestamp,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Report is the model's structured reading of a session.
type Report struct {
	CognitiveEffort float64 `json:"cognitive_effort"`
	HumanLikelihood float64 `json:"human_likelihood"`
	Events          []Event `json:"events,omitempty"`
	Summary         string  `json:"analysis_summary,omitempty"`
}

// Config holds the provider settings. It can be swapped at runtime.
type Config struct {
	Endpoint string
	Model    string
	APIKey   string
	Timeout  time.Duration
	Retry    retry.Policy
}

// Recorder stores finished reports.
type Recorder interface {
	SaveAnalysis(ctx context.Context, sessionID string, result []byte) error
}

// Client calls the provider.
type Client struct {
	mu       sync.RWMutex
	cfg      Config
	http     *http.Client
	recorder Recorder
	log      *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRecorder stores reports for sessions. Storage errors are logged and
// otherwise ignored.
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New returns a client for cfg.
func New(cfg Config, opts ...Option) *Client {
	c := &Client{http: &http.Client{}, log: slog.Default()}
	c.SetConfig(cfg)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetConfig replaces the provider settings, filling in defaults.
func (c *Client) SetConfig(cfg Config) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Default()
	}
	cfg.Retry.Retryable = Retryable
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")

	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

func (c *Client) config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Enabled reports whether an API key is configured.
func (c *Client) Enabled() bool {
	return c.config().APIKey != ""
}

// Analyze sends log to the model and returns its report. Transient
// provider failures are retried. When sessionID is set the report is
// recorded on a best-effort basis.
func (c *Client) Analyze(ctx context.Context, log json.RawMessage, sessionID string) (*Report, error) {
	trimmed := bytes.TrimSpace(log)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, ErrMissingLog
	}
	cfg := c.config()
	if cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, trimmed, "", "  "); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingLog, err)
	}

	var text string
	attempt := 0
	err := cfg.Retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		var err error
		text, err = c.generate(ctx, cfg, pretty.String())
		if err != nil && Retryable(err) {
			c.log.WarnContext(ctx, "transient analysis error", "status", StatusOf(err), "attempt", attempt)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	report, err := ParseReport(text)
	if err != nil {
		return nil, err
	}

	if id := strings.TrimSpace(sessionID); id != "" && c.recorder != nil {
		raw, _ := json.Marshal(report)
		if err := c.recorder.SaveAnalysis(ctx, id, raw); err != nil {
			c.log.WarnContext(ctx, "analysis not recorded", "session_id", id, "error", err)
		}
	}
	return report, nil
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	SystemInstruction content   `json:"systemInstruction"`
	Contents          []content `json:"contents"`
	GenerationConfig  struct {
		ResponseMIMEType string `json:"responseMimeType"`
	} `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

func (c *Client) generate(ctx context.Context, cfg Config, log string) (string, error) {
	var reqBody generateRequest
	reqBody.SystemInstruction = content{Parts: []part{{Text: systemPrompt}}}
	reqBody.Contents = []content{{Role: "user", Parts: []part{{Text: "Analyze the following typing log:\n\n" + log}}}}
	reqBody.GenerationConfig.ResponseMIMEType = "application/json"

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	url := fmt.Sprintf("%s/models/%s:generateContent", cfg.Endpoint, cfg.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("analysis: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("analysis: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	var sb strings.Builder
	if len(out.Candidates) > 0 {
		for _, p := range out.Candidates[0].Content.Parts {
			sb.WriteString(p.Text)
		}
	}
	if sb.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return sb.String(), nil
}

var objectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// ParseReport decodes the model's text. If the text is not bare JSON the
// outermost {...} block is tried. Both scores must be present.
func ParseReport(text string) (*Report, error) {
	src := strings.TrimSpace(text)
	fields, err := decodeObject(src)
	if err != nil {
		src = objectPattern.FindString(text)
		if src == "" {
			return nil, ErrInvalidResponse
		}
		if fields, err = decodeObject(src); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
	}

	var r Report
	for key, dst := range map[string]*float64{
		"cognitive_effort": &r.CognitiveEffort,
		"human_likelihood": &r.HumanLikelihood,
	} {
		raw, ok := fields[key]
		if !ok || json.Unmarshal(raw, dst) != nil {
			return nil, fmt.Errorf("%w: %s must be a number", ErrInvalidResponse, key)
		}
	}
	// Events and summary are optional; a malformed one is dropped.
	json.Unmarshal(fields["events"], &r.Events)
	json.Unmarshal(fields["analysis_summary"], &r.Summary)
	return &r, nil
}

func decodeObject(s string) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

const systemPrompt = `You analyze keystroke dynamics for a writing-authenticity service.

The input is a JSON array of telemetry events from one writing session:
keystrokes {type:"keystroke", key, action, timestamp}, pastes
{type:"paste", length, source, timestamp} and text operations
{type:"operation", op, from, to, text, timestamp}. Timestamps are in
milliseconds.

Report:
- pauses: gaps of 2000ms or more between keystrokes, noting whether they
  fall mid-sentence or at a boundary;
- bulk pastes: paste events or long runs of implausibly fast insertion;
- cognitive_effort (0-100): higher with pauses, deletions and revisions;
- human_likelihood (0-100): higher with natural rhythm variance and
  corrections, lower with uniform timing or large instant insertions.

Respond with one JSON object and nothing else:
{"cognitive_effort": number, "human_likelihood": number,
 "events": [{"type": "pause" | "bulk_paste", "timestamp": number, "description": string}],
 "analysis_summary": string}`
