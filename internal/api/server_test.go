package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindprint/internal/analysis"
	"mindprint/internal/certificate"
	"mindprint/internal/health"
	"mindprint/internal/metrics"
	"mindprint/internal/retry"
	"mindprint/internal/session"
	"mindprint/internal/signer"
	"mindprint/internal/store"
)

type testServer struct {
	*httptest.Server
	api     *Server
	store   *store.Store
	metrics *metrics.MindprintMetrics
}

func newTestServer(t *testing.T, withStore bool, opts ...Option) *testServer {
	t.Helper()

	kr, err := signer.NewKeyring(signer.Secrets{Master: "api-test-master"})
	require.NoError(t, err)

	ts := &testServer{metrics: metrics.NewMindprintMetrics(metrics.NewRegistry("mindprint", ""))}
	var sessStore session.Store
	var certStore certificate.Store
	if withStore {
		st, err := store.Open(filepath.Join(t.TempDir(), "mindprint.db"))
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		ts.store, sessStore, certStore = st, st, st
	}

	checker := health.NewChecker()
	var ping func(context.Context) error
	if ts.store != nil {
		ping = ts.store.Ping
	}
	checker.RegisterFunc("storage", false, health.StorageCheck(ping))
	checker.SetReady(true)

	opts = append([]Option{
		WithMetrics(ts.metrics),
		WithHealth(checker),
		WithPublicBaseURL("https://mindprint.example/"),
	}, opts...)
	ts.api, err = New(
		session.NewService(sessStore, kr.Session()),
		certificate.NewService(certStore, kr.Certificate()),
		opts...,
	)
	require.NoError(t, err)
	t.Cleanup(ts.api.Close)

	ts.Server = httptest.NewServer(ts.api)
	t.Cleanup(ts.Server.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func humanBatch(start float64) []map[string]any {
	var events []map[string]any
	text := "the quick brown fox jumps"
	for i, r := range text {
		ts := start + float64(i)*130 + float64(i%4)*35
		events = append(events,
			map[string]any{"type": "keystroke", "timestamp": ts, "key": string(r), "action": "char"},
			map[string]any{"type": "operation", "timestamp": ts + 1, "op": "insert", "from": i, "to": i, "text": string(r)},
		)
	}
	return events
}

func initSession(t *testing.T, ts *testServer) (string, string) {
	t.Helper()
	code, body := ts.do(t, http.MethodPost, "/api/telemetry/sessions", nil)
	require.Equal(t, http.StatusCreated, code)
	id, _ := body["sessionId"].(string)
	token, _ := body["sessionToken"].(string)
	require.NotEmpty(t, id)
	require.NotEmpty(t, token)
	return id, token
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t, true)
	id, token := initSession(t, ts)
	batches := "/api/telemetry/sessions/" + id + "/batches"

	code, body := ts.do(t, http.MethodPost, batches, map[string]any{
		"sessionToken": token, "batchSequence": 1, "events": humanBatch(0),
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, 50.0, body["accepted"])
	assert.Equal(t, 1.0, body["lastSequence"])

	code, body = ts.do(t, http.MethodPost, batches, map[string]any{
		"sessionToken": token, "batchSequence": 1, "events": humanBatch(5000),
	})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, session.ErrReplay.Msg, body["error"])

	code, _ = ts.do(t, http.MethodPost, batches, map[string]any{
		"sessionToken": token, "batchSequence": 2, "events": humanBatch(5000),
	})
	require.Equal(t, http.StatusOK, code)

	code, body = ts.do(t, http.MethodPost, "/api/telemetry/sessions/"+id+"/finish", map[string]any{
		"sessionToken": token, "text": "the quick brown fox jumps", "title": "Fox",
	})
	require.Equal(t, http.StatusCreated, code, body)
	certID, _ := body["id"].(string)
	assert.Regexp(t, `^mp-[0-9a-f]{12}$`, certID)
	assert.Equal(t, "https://mindprint.example/verify/"+certID, body["verifyUrl"])

	code, body = ts.do(t, http.MethodGet, "/api/certificates/"+certID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Fox", body["title"])
	assert.NotNil(t, body["proof"])

	code, body = ts.do(t, http.MethodGet, "/api/certificates/"+certID+"/verify", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["isValid"])
	assert.Nil(t, body["reason"])

	snap := ts.metrics.Snapshot()
	assert.NotEmpty(t, snap)
}

func TestIngestRejections(t *testing.T) {
	ts := newTestServer(t, true)
	id, token := initSession(t, ts)
	path := "/api/telemetry/sessions/" + id + "/batches"

	tests := []struct {
		name string
		body any
		code int
		msg  string
	}{
		{"unknown field", map[string]any{"sessionToken": token, "batchSequence": 1, "events": humanBatch(0), "extra": 1}, http.StatusBadRequest, session.ErrInvalidPayload.Msg},
		{"bad event type", map[string]any{"sessionToken": token, "batchSequence": 1, "events": []any{map[string]any{"type": "mouse", "timestamp": 1}}}, http.StatusBadRequest, session.ErrInvalidPayload.Msg},
		{"fractional sequence", map[string]any{"sessionToken": token, "batchSequence": 1.5, "events": humanBatch(0)}, http.StatusBadRequest, session.ErrInvalidSequence.Msg},
		{"missing sequence", map[string]any{"sessionToken": token, "events": humanBatch(0)}, http.StatusBadRequest, session.ErrInvalidSequence.Msg},
		{"missing token", map[string]any{"batchSequence": 1, "events": humanBatch(0)}, http.StatusBadRequest, session.ErrMissingCredentials.Msg},
		{"empty batch", map[string]any{"sessionToken": token, "batchSequence": 1, "events": []any{}}, http.StatusBadRequest, session.ErrInvalidPayload.Msg},
		{"forged token", map[string]any{"sessionToken": "e30.c2ln", "batchSequence": 1, "events": humanBatch(0)}, http.StatusUnauthorized, session.ErrInvalidToken.Msg},
		{"not json", `{"events":`, http.StatusBadRequest, session.ErrInvalidPayload.Msg},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := ts.do(t, http.MethodPost, path, tt.body)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.msg, body["error"])
		})
	}

	// Nothing above was stored.
	stats, err := ts.store.GetStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Batches)
}

func TestFinishRequiresSessionToken(t *testing.T) {
	ts := newTestServer(t, true)
	id, _ := initSession(t, ts)
	_, otherToken := initSession(t, ts)

	code, _ := ts.do(t, http.MethodPost, "/api/telemetry/sessions/"+id+"/finish", map[string]any{"text": "x"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := ts.do(t, http.MethodPost, "/api/telemetry/sessions/"+id+"/finish", map[string]any{"sessionToken": otherToken, "text": "x"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, session.ErrInvalidToken.Msg, body["error"])
}

func TestClassify(t *testing.T) {
	ts := newTestServer(t, true)

	code, body := ts.do(t, http.MethodPost, "/api/telemetry/classify", map[string]any{"events": []any{}})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "INSUFFICIENT_DATA", body["status"])

	code, body = ts.do(t, http.MethodPost, "/api/telemetry/classify", map[string]any{"contentLength": 3})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["detail"], "events")
}

func TestCreateAndVerifyPayload(t *testing.T) {
	ts := newTestServer(t, true)

	code, created := ts.do(t, http.MethodPost, "/api/certificates", map[string]any{
		"title":            "<b>Essay</b>",
		"text":             "Written slowly.",
		"score":            72.4,
		"validationStatus": "VERIFIED_HUMAN",
		"riskScore":        18,
		"confidence":       0.7,
	})
	require.Equal(t, http.StatusCreated, code, created)
	assert.Equal(t, "Essay", created["title"])
	assert.Equal(t, 72.0, created["score"])

	code, body := ts.do(t, http.MethodPost, "/api/certificates/verify", created)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["isValid"])

	created["text"] = "Written quickly."
	code, body = ts.do(t, http.MethodPost, "/api/certificates/verify", created)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["isValid"])
	assert.Equal(t, certificate.ReasonDigestMismatch, body["reason"])

	code, _ = ts.do(t, http.MethodPost, "/api/certificates", map[string]any{"score": "high"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCreateWithoutSamples(t *testing.T) {
	ts := newTestServer(t, true)

	bodies := map[string]any{
		"text only":    map[string]any{"text": "x"},
		"null arrays":  `{"text":"typed by hand","title":"Essay","sparkline":null,"replay":null}`,
		"zero input":   certificate.Input{Text: "typed by hand"},
		"empty object": `{}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			code, created := ts.do(t, http.MethodPost, "/api/certificates", body)
			require.Equal(t, http.StatusCreated, code, created)
			assert.Len(t, created["sparkline"], len(certificate.DefaultSparkline))

			code, res := ts.do(t, http.MethodPost, "/api/certificates/verify", created)
			require.Equal(t, http.StatusOK, code)
			assert.Equal(t, true, res["isValid"], res)
		})
	}
}

func TestCertificateNotFound(t *testing.T) {
	ts := newTestServer(t, true)

	code, body := ts.do(t, http.MethodGet, "/api/certificates/mp-000000000000", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Certificate not found.", body["error"])

	code, _ = ts.do(t, http.MethodGet, "/api/certificates/mp-000000000000/verify", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDegradedMode(t *testing.T) {
	ts := newTestServer(t, false)

	code, body := ts.do(t, http.MethodPost, "/api/telemetry/sessions", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, session.ErrStorageUnavailable.Msg, body["error"])

	code, _ = ts.do(t, http.MethodPost, "/api/certificates", map[string]any{"text": "x"})
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = ts.do(t, http.MethodGet, "/api/certificates/mp-1/verify", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = ts.do(t, http.MethodPost, "/api/telemetry/classify", map[string]any{"events": []any{}})
	assert.Equal(t, http.StatusOK, code, "classification needs no storage")

	code, body = ts.do(t, http.MethodGet, "/healthz?full=true", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(health.StatusDegraded), body["status"])
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, true, WithRateLimit(0.001, 2))

	for i := 0; i < 2; i++ {
		code, _ := ts.do(t, http.MethodPost, "/api/telemetry/classify", map[string]any{"events": []any{}})
		require.Equal(t, http.StatusOK, code)
	}
	code, body := ts.do(t, http.MethodPost, "/api/telemetry/classify", map[string]any{"events": []any{}})
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "Too many requests.", body["error"])

	code, _ = ts.do(t, http.MethodGet, "/api/certificates/mp-000000000000", nil)
	assert.Equal(t, http.StatusNotFound, code, "certificate routes are not limited")
}

func TestAuthFailuresLockOut(t *testing.T) {
	ts := newTestServer(t, true)
	id, _ := initSession(t, ts)

	for i := 0; i < failureMaxAttempts; i++ {
		code, _ := ts.do(t, http.MethodPost, "/api/telemetry/sessions/"+id+"/batches", map[string]any{
			"sessionToken": "e30.c2ln", "batchSequence": 1, "events": humanBatch(0),
		})
		require.Equal(t, http.StatusUnauthorized, code)
	}
	code, _ := ts.do(t, http.MethodPost, "/api/telemetry/sessions", nil)
	assert.Equal(t, http.StatusTooManyRequests, code)
}

func TestBodyTooLarge(t *testing.T) {
	ts := newTestServer(t, true, WithMaxBodyBytes(1024))

	code, body := ts.do(t, http.MethodPost, "/api/certificates", map[string]any{"text": strings.Repeat("a", 4096)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)
	assert.Equal(t, "Request body too large.", body["error"])
}

func TestAnalyze(t *testing.T) {
	ts := newTestServer(t, true)
	code, body := ts.do(t, http.MethodPost, "/api/analyze", map[string]any{"log": []any{}})
	assert.Equal(t, http.StatusServiceUnavailable, code, "no analyzer configured")
	assert.NotEmpty(t, body["error"])

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reply := `{"cognitive_effort": 40, "human_likelihood": 91, "analysis_summary": "Even pacing."}`
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{"content": map[string]any{"parts": []any{map[string]string{"text": reply}}}}},
		})
	}))
	defer provider.Close()

	client := analysis.New(analysis.Config{Endpoint: provider.URL, APIKey: "k", Retry: retry.Policy{MaxAttempts: 1}})
	ts = newTestServer(t, true, WithAnalysis(client))

	code, body = ts.do(t, http.MethodPost, "/api/analyze", map[string]any{"log": humanBatch(0)})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, 91.0, body["human_likelihood"])

	code, body = ts.do(t, http.MethodPost, "/api/analyze", map[string]any{"sessionId": "s"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Missing log data", body["error"])
}

func TestOperationalRoutes(t *testing.T) {
	ts := newTestServer(t, true)
	initSession(t, ts)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "mindprint_sessions_total 1")

	for _, path := range []string{"/livez", "/readyz", "/healthz"} {
		code, _ := ts.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, code, path)
	}

	resp, err = http.Get(ts.URL + "/api/telemetry/sessions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSequenceOf(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	assert.Equal(t, int64(0), sequenceOf(nil))
	assert.Equal(t, int64(0), sequenceOf(f(0)))
	assert.Equal(t, int64(0), sequenceOf(f(-3)))
	assert.Equal(t, int64(0), sequenceOf(f(2.5)))
	assert.Equal(t, int64(7), sequenceOf(f(7)))
}
