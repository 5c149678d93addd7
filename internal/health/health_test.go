package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageCheck(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, StatusHealthy, StorageCheck(func(context.Context) error { return nil })(ctx).Status)

	res := StorageCheck(func(context.Context) error { return errors.New("disk I/O error") })(ctx)
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "disk I/O error", res.Error)

	res = StorageCheck(nil)(ctx)
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, ErrStorageDetached.Error(), res.Error)
}

func TestOverallStatus(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("storage", true, StorageCheck(func(context.Context) error { return nil }))
	c.RegisterFunc("analysis", false, FeatureCheck(func() bool { return false }, "no api key"))

	assert.Equal(t, StatusUnknown, c.OverallStatus(), "critical checks not yet run")

	c.Check(context.Background())
	assert.Equal(t, StatusDegraded, c.OverallStatus())

	c.RegisterFunc("storage", true, StorageCheck(func(context.Context) error { return errors.New("closed") }))
	c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, c.OverallStatus())
}

func TestCheckTimeoutAndPanic(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})
	c.RegisterFunc("broken", false, func(context.Context) CheckResult { panic("boom") })

	results := c.Check(context.Background())
	assert.Equal(t, "check timed out", results["slow"].Message)
	assert.Equal(t, StatusUnhealthy, results["broken"].Status)
	assert.Equal(t, "boom", results["broken"].Error)
}

func TestCountCheck(t *testing.T) {
	res := CountCheck("log_entries", func(context.Context) (int64, error) { return 12, nil })(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, int64(12), res.Details["log_entries"])
}

func TestHandlers(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("storage", false, StorageCheck(nil))

	rec := httptest.NewRecorder()
	c.LivenessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "not ready before SetReady")

	c.SetReady(true)
	rec = httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "degraded storage still serves")

	rec = httptest.NewRecorder()
	c.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz?full=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.True(t, resp.Ready)
	assert.Equal(t, StatusDegraded, resp.Components["storage"].Status)
}

func TestHealthHandlerBeforeFirstRun(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("storage", true, StorageCheck(func(context.Context) error { return nil }))

	rec := httptest.NewRecorder()
	c.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "critical check has not run")

	resp := c.Report(context.Background(), true)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Contains(t, resp.Components, "storage")

	rec = httptest.NewRecorder()
	c.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "cached result is used without full")
}

func TestOptionalFailureDegrades(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("log", false, CountCheck("entries", func(context.Context) (int64, error) {
		return 0, errors.New("locked")
	}))
	c.Check(context.Background())
	assert.Equal(t, StatusDegraded, c.OverallStatus())
}
