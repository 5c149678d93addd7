package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"mindprint/internal/session"
	"mindprint/internal/telemetry"
)

// DefaultFlushInterval matches the capture side's batching cadence.
const DefaultFlushInterval = 5 * time.Second

var ErrNoSession = errors.New("client: uploader has no session")

type pendingBatch struct {
	seq    int64
	events []telemetry.Event
}

// Uploader buffers captured events and ships them as ordered batches.
//
// Sequence numbers increase by one per batch. A batch that fails in
// transit stays at the front of the queue and is resent with the same
// sequence, so the server either accepts it once or reports it as a
// replay, which means an earlier attempt was already stored.
type Uploader struct {
	client   *Client
	log      *slog.Logger
	maxBatch int

	mu        sync.Mutex
	buffer    []telemetry.Event
	queue     []pendingBatch
	nextSeq   int64
	sessionID string
	token     string
	sent      int

	flushMu sync.Mutex
}

// UploaderOption configures an Uploader.
type UploaderOption func(*Uploader)

// WithUploaderLogger sets the uploader logger.
func WithUploaderLogger(l *slog.Logger) UploaderOption {
	return func(u *Uploader) { u.log = l }
}

// WithMaxBatch caps events per batch.
func WithMaxBatch(n int) UploaderOption {
	return func(u *Uploader) {
		if n > 0 && n <= telemetry.MaxBatchEvents {
			u.maxBatch = n
		}
	}
}

// NewUploader returns an uploader that sends through c.
func NewUploader(c *Client, opts ...UploaderOption) *Uploader {
	u := &Uploader{
		client:   c,
		log:      slog.Default(),
		maxBatch: telemetry.MaxBatchEvents,
		nextSeq:  1,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Start opens the session. Transient failures are retried by the client.
func (u *Uploader) Start(ctx context.Context) (*session.InitResult, error) {
	res, err := u.client.InitSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("init session: %w", err)
	}
	u.mu.Lock()
	u.sessionID, u.token = res.SessionID, res.SessionToken
	u.mu.Unlock()
	u.log.DebugContext(ctx, "telemetry session opened", "session_id", res.SessionID)
	return res, nil
}

// SessionID returns the open session, or "".
func (u *Uploader) SessionID() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sessionID
}

// Add buffers events for the next flush.
func (u *Uploader) Add(events ...telemetry.Event) {
	u.mu.Lock()
	u.buffer = append(u.buffer, events...)
	u.mu.Unlock()
}

// Pending returns the number of events not yet accepted.
func (u *Uploader) Pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := len(u.buffer)
	for _, b := range u.queue {
		n += len(b.events)
	}
	return n
}

// Sent returns the number of events the server accepted.
func (u *Uploader) Sent() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sent
}

// cut moves buffered events into numbered batches at the back of the
// queue.
func (u *Uploader) cut() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for len(u.buffer) > 0 {
		n := min(len(u.buffer), u.maxBatch)
		batch := make([]telemetry.Event, n)
		copy(batch, u.buffer[:n])
		u.buffer = u.buffer[n:]
		u.queue = append(u.queue, pendingBatch{seq: u.nextSeq, events: batch})
		u.nextSeq++
	}
	u.buffer = nil
}

func (u *Uploader) front() (pendingBatch, string, string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.queue) == 0 {
		return pendingBatch{}, u.sessionID, u.token, false
	}
	return u.queue[0], u.sessionID, u.token, true
}

func (u *Uploader) pop(accepted int) {
	u.mu.Lock()
	u.queue = u.queue[1:]
	u.sent += accepted
	u.mu.Unlock()
}

// Flush sends every queued batch in order. It stops at the first batch
// that fails in transit and leaves it queued. A batch the server rejects
// as malformed is dropped, since resending it cannot succeed.
func (u *Uploader) Flush(ctx context.Context) error {
	u.flushMu.Lock()
	defer u.flushMu.Unlock()

	u.cut()
	for {
		b, sessionID, token, ok := u.front()
		if !ok {
			return nil
		}
		if sessionID == "" {
			return ErrNoSession
		}

		res, err := u.client.IngestBatch(ctx, sessionID, BatchRequest{
			SessionToken:  token,
			BatchSequence: b.seq,
			Events:        b.events,
		})
		switch {
		case err == nil:
			u.pop(res.Accepted)
		case isReplay(err):
			u.log.DebugContext(ctx, "batch already stored", "sequence", b.seq)
			u.pop(len(b.events))
		case StatusOf(err) == http.StatusBadRequest:
			u.log.WarnContext(ctx, "batch rejected, dropping", "sequence", b.seq, "events", len(b.events), "error", err)
			u.pop(0)
			return err
		default:
			u.log.WarnContext(ctx, "batch upload failed, requeued", "sequence", b.seq, "error", err)
			return err
		}
	}
}

func isReplay(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusUnauthorized && ae.Message == session.ErrReplay.Msg
}

// Run flushes every interval until ctx is done, then makes a final
// attempt with a short grace period.
func (u *Uploader) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), interval)
			_ = u.Flush(final)
			cancel()
			return
		case <-ticker.C:
			_ = u.Flush(ctx)
		}
	}
}

// Finish flushes what is left and issues the certificate.
func (u *Uploader) Finish(ctx context.Context, text, title string) (*FinishResult, error) {
	if err := u.Flush(ctx); err != nil {
		return nil, fmt.Errorf("flush before finish: %w", err)
	}
	u.mu.Lock()
	sessionID, token := u.sessionID, u.token
	u.mu.Unlock()
	if sessionID == "" {
		return nil, ErrNoSession
	}
	return u.client.Finish(ctx, sessionID, token, text, title)
}
