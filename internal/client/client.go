// Package client talks to a mindprint server over its JSON API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mindprint/internal/certificate"
	"mindprint/internal/retry"
	"mindprint/internal/session"
	"mindprint/internal/telemetry"
)

const (
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 8 << 20
)

// APIError is a non-2xx response. Message is the server's error text.
type APIError struct {
	StatusCode int
	Message    string
	Detail     string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Detail != "" {
		return fmt.Sprintf("mindprint: %d: %s (%s)", e.StatusCode, msg, e.Detail)
	}
	return fmt.Sprintf("mindprint: %d: %s", e.StatusCode, msg)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	return 0
}

// Retryable reports whether a request may succeed if sent again:
// transport failures, throttling and server-side unavailability.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	status := StatusOf(err)
	switch {
	case status == 0:
		return true
	case status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		return true
	}
	return false
}

// Client is a mindprint API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	retry   retry.Policy
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetry sets the policy for session init. The retryable predicate is
// always Retryable.
func WithRetry(p retry.Policy) Option {
	return func(c *Client) { c.retry = p }
}

// New returns a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		retry:   retry.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry.Retryable = Retryable
	return c
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var eb struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(raw, &eb) == nil {
			apiErr.Message, apiErr.Detail = eb.Error, eb.Detail
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// InitSession opens a telemetry session, retrying transient failures.
func (c *Client) InitSession(ctx context.Context) (*session.InitResult, error) {
	var res session.InitResult
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "/api/telemetry/sessions", nil, &res)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// BatchRequest is one ordered batch of a session.
type BatchRequest struct {
	SessionToken  string            `json:"sessionToken"`
	BatchSequence int64             `json:"batchSequence"`
	Events        []telemetry.Event `json:"events"`
}

// IngestBatch uploads one batch. It is not retried here; the Uploader
// decides what to do with a failed batch.
func (c *Client) IngestBatch(ctx context.Context, sessionID string, batch BatchRequest) (*session.IngestResult, error) {
	var res session.IngestResult
	path := "/api/telemetry/sessions/" + url.PathEscape(sessionID) + "/batches"
	if err := c.do(ctx, http.MethodPost, path, batch, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// FinishResult identifies the certificate issued for a session.
type FinishResult struct {
	ID               string           `json:"id"`
	VerifyURL        string           `json:"verifyUrl"`
	ValidationStatus telemetry.Status `json:"validationStatus"`
	Score            int              `json:"score"`
}

// Finish issues a certificate over everything the session uploaded.
func (c *Client) Finish(ctx context.Context, sessionID, token, text, title string) (*FinishResult, error) {
	var res FinishResult
	path := "/api/telemetry/sessions/" + url.PathEscape(sessionID) + "/finish"
	in := map[string]string{"sessionToken": token, "text": text, "title": title}
	if err := c.do(ctx, http.MethodPost, path, in, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Classify asks the server for a verdict on an event history.
func (c *Client) Classify(ctx context.Context, events []telemetry.Event, contentLength int) (*telemetry.Result, error) {
	if events == nil {
		events = []telemetry.Event{}
	}
	var res telemetry.Result
	in := map[string]any{"events": events, "contentLength": contentLength}
	if err := c.do(ctx, http.MethodPost, "/api/telemetry/classify", in, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CreateCertificate issues a certificate from explicit input.
func (c *Client) CreateCertificate(ctx context.Context, in certificate.Input) (*certificate.Payload, error) {
	var p certificate.Payload
	if err := c.do(ctx, http.MethodPost, "/api/certificates", in, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Certificate fetches a stored certificate.
func (c *Client) Certificate(ctx context.Context, id string) (*certificate.Payload, error) {
	var p certificate.Payload
	if err := c.do(ctx, http.MethodGet, "/api/certificates/"+url.PathEscape(id), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// VerifyResult is the server's verdict on a certificate.
type VerifyResult struct {
	ID        string `json:"id"`
	Valid     bool   `json:"isValid"`
	Reason    string `json:"reason,omitempty"`
	VerifyURL string `json:"verifyUrl,omitempty"`
}

// Verify verifies a stored certificate by id.
func (c *Client) Verify(ctx context.Context, id string) (*VerifyResult, error) {
	var res VerifyResult
	if err := c.do(ctx, http.MethodGet, "/api/certificates/"+url.PathEscape(id)+"/verify", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// VerifyPayload verifies a certificate the caller holds.
func (c *Client) VerifyPayload(ctx context.Context, p *certificate.Payload) (*VerifyResult, error) {
	var res VerifyResult
	if err := c.do(ctx, http.MethodPost, "/api/certificates/verify", p, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
