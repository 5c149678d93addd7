package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindprint/internal/api"
	"mindprint/internal/certificate"
	"mindprint/internal/retry"
	"mindprint/internal/session"
	"mindprint/internal/signer"
	"mindprint/internal/store"
	"mindprint/internal/telemetry"
)

func noSleep() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Sleep: func(context.Context, time.Duration) error { return nil }}
}

// newBackend starts a real API server and returns its handler and store.
func newBackend(t *testing.T) (http.Handler, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "mindprint.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	kr, err := signer.NewKeyring(signer.Secrets{Master: "client-test-master"})
	require.NoError(t, err)

	srv, err := api.New(
		session.NewService(st, kr.Session()),
		certificate.NewService(st, kr.Certificate()),
		api.WithPublicBaseURL("https://mindprint.example"),
	)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv, st
}

func typing(n int, start float64) []telemetry.Event {
	events := make([]telemetry.Event, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, telemetry.Keystroke(start+float64(i)*120+float64(i%3)*40, telemetry.ActionChar, "a"))
	}
	return events
}

func TestClientRoundTrip(t *testing.T) {
	backend, _ := newBackend(t)
	srv := httptest.NewServer(backend)
	defer srv.Close()

	c := New(srv.URL+"/", WithRetry(noSleep()))
	ctx := context.Background()

	sess, err := c.InitSession(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sess.SessionID, "sess-"))

	res, err := c.IngestBatch(ctx, sess.SessionID, BatchRequest{SessionToken: sess.SessionToken, BatchSequence: 1, Events: typing(30, 0)})
	require.NoError(t, err)
	assert.Equal(t, 30, res.Accepted)

	fin, err := c.Finish(ctx, sess.SessionID, sess.SessionToken, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "Letters")
	require.NoError(t, err)
	assert.Equal(t, "https://mindprint.example/verify/"+fin.ID, fin.VerifyURL)

	p, err := c.Certificate(ctx, fin.ID)
	require.NoError(t, err)
	assert.Equal(t, "Letters", p.Title)

	v, err := c.Verify(ctx, fin.ID)
	require.NoError(t, err)
	assert.True(t, v.Valid)

	v, err = c.VerifyPayload(ctx, p)
	require.NoError(t, err)
	assert.True(t, v.Valid)

	p.IssuedAt = "2020-01-01T00:00:00.000Z"
	v, err = c.VerifyPayload(ctx, p)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, certificate.ReasonInvalidSignature, v.Reason)

	cls, err := c.Classify(ctx, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, telemetry.StatusInsufficientData, cls.Status)

	created, err := c.CreateCertificate(ctx, certificate.Input{Text: "direct"})
	require.NoError(t, err)
	assert.Equal(t, "direct", created.Text)
}

func TestAPIError(t *testing.T) {
	backend, _ := newBackend(t)
	srv := httptest.NewServer(backend)
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Certificate(context.Background(), "mp-000000000000")
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusNotFound, ae.StatusCode)
	assert.Equal(t, "Certificate not found.", ae.Message)
	assert.Contains(t, err.Error(), "404")
	assert.False(t, Retryable(err))
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(context.Canceled))
	assert.True(t, Retryable(errors.New("connection refused")))
	assert.True(t, Retryable(&APIError{StatusCode: http.StatusServiceUnavailable}))
	assert.True(t, Retryable(&APIError{StatusCode: http.StatusTooManyRequests}))
	assert.False(t, Retryable(&APIError{StatusCode: http.StatusUnauthorized}))
}

func TestInitSessionRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, `{"error":"Trusted storage unavailable."}`)
			return
		}
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"sessionId":"sess-1","sessionToken":"t","expiresAt":"2026-01-01T00:00:00Z"}`)
	}))
	defer srv.Close()

	res, err := New(srv.URL, WithRetry(noSleep())).InitSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sess-1", res.SessionID)
	assert.Equal(t, int32(3), calls.Load())
}

// flakyProxy forwards to next, but can fail batch uploads either before
// or after the backend has seen them.
type flakyProxy struct {
	next http.Handler

	mu          sync.Mutex
	dropBefore  int // fail this many batch requests without forwarding
	dropAfter   int // forward, then fail this many batch responses
	batchBodies []string
}

func (p *flakyProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/batches") {
		p.next.ServeHTTP(w, r)
		return
	}
	body, _ := io.ReadAll(r.Body)
	r.Body = io.NopCloser(bytes.NewReader(body))

	p.mu.Lock()
	p.batchBodies = append(p.batchBodies, string(body))
	before := p.dropBefore > 0
	if before {
		p.dropBefore--
	}
	after := !before && p.dropAfter > 0
	if after {
		p.dropAfter--
	}
	p.mu.Unlock()

	switch {
	case before:
		w.WriteHeader(http.StatusBadGateway)
	case after:
		p.next.ServeHTTP(httptest.NewRecorder(), r)
		w.WriteHeader(http.StatusBadGateway)
	default:
		p.next.ServeHTTP(w, r)
	}
}

func TestUploaderSplitsIntoOrderedBatches(t *testing.T) {
	backend, st := newBackend(t)
	proxy := &flakyProxy{next: backend}
	srv := httptest.NewServer(proxy)
	defer srv.Close()

	u := NewUploader(New(srv.URL, WithRetry(noSleep())), WithMaxBatch(10))
	ctx := context.Background()
	sess, err := u.Start(ctx)
	require.NoError(t, err)

	u.Add(typing(25, 0)...)
	assert.Equal(t, 25, u.Pending())
	require.NoError(t, u.Flush(ctx))
	assert.Equal(t, 0, u.Pending())
	assert.Equal(t, 25, u.Sent())

	batches, err := st.ListBatches(ctx, sess.SessionID)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	for i, b := range batches {
		assert.Equal(t, int64(i+1), b.Sequence)
	}
}

func TestUploaderRequeuesFailedBatch(t *testing.T) {
	backend, st := newBackend(t)
	proxy := &flakyProxy{next: backend, dropBefore: 1}
	srv := httptest.NewServer(proxy)
	defer srv.Close()

	u := NewUploader(New(srv.URL, WithRetry(noSleep())))
	ctx := context.Background()
	sess, err := u.Start(ctx)
	require.NoError(t, err)

	u.Add(typing(5, 0)...)
	err = u.Flush(ctx)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, StatusOf(err))
	assert.Equal(t, 5, u.Pending(), "failed batch stays queued")

	u.Add(typing(5, 1000)...)
	require.NoError(t, u.Flush(ctx))
	assert.Equal(t, 0, u.Pending())

	proxy.mu.Lock()
	bodies := append([]string(nil), proxy.batchBodies...)
	proxy.mu.Unlock()
	require.Len(t, bodies, 3)
	assert.Contains(t, bodies[0], `"batchSequence":1`)
	assert.Contains(t, bodies[1], `"batchSequence":1`, "resent with the same sequence")
	assert.Contains(t, bodies[2], `"batchSequence":2`)

	batches, err := st.ListBatches(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Len(t, batches, 2)
}

func TestUploaderTreatsReplayAsStored(t *testing.T) {
	backend, st := newBackend(t)
	proxy := &flakyProxy{next: backend, dropAfter: 1}
	srv := httptest.NewServer(proxy)
	defer srv.Close()

	u := NewUploader(New(srv.URL, WithRetry(noSleep())))
	ctx := context.Background()
	sess, err := u.Start(ctx)
	require.NoError(t, err)

	u.Add(typing(4, 0)...)
	require.Error(t, u.Flush(ctx), "response lost after the backend stored the batch")
	require.NoError(t, u.Flush(ctx), "resend is reported as a replay and dropped")
	assert.Equal(t, 0, u.Pending())
	assert.Equal(t, 4, u.Sent())

	batches, err := st.ListBatches(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Len(t, batches, 1)

	fin, err := u.Finish(ctx, "aaaa", "")
	require.NoError(t, err)
	assert.NotEmpty(t, fin.ID)
}

func TestUploaderDropsMalformedBatch(t *testing.T) {
	backend, _ := newBackend(t)
	srv := httptest.NewServer(backend)
	defer srv.Close()

	u := NewUploader(New(srv.URL, WithRetry(noSleep())))
	ctx := context.Background()
	_, err := u.Start(ctx)
	require.NoError(t, err)

	u.Add(telemetry.Keystroke(100, telemetry.ActionChar, "a"), telemetry.Keystroke(10, telemetry.ActionChar, "b"))
	err = u.Flush(ctx)
	assert.Equal(t, http.StatusBadRequest, StatusOf(err))
	assert.Equal(t, 0, u.Pending())

	u.Add(typing(3, 200)...)
	require.NoError(t, u.Flush(ctx), "a later sequence is still accepted")
}

func TestUploaderWithoutSession(t *testing.T) {
	u := NewUploader(New("http://127.0.0.1:0"))
	u.Add(typing(1, 0)...)
	assert.ErrorIs(t, u.Flush(context.Background()), ErrNoSession)

	_, err := u.Finish(context.Background(), "x", "")
	assert.ErrorIs(t, err, ErrNoSession)
}
