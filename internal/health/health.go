// Package health runs component checks for the liveness, readiness and
// health endpoints.
//
// A component is critical when the server cannot do its job without it.
// A failing critical component makes the server unhealthy; a failing
// optional one only degrades it.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"sync"
	"time"
)

// Status is the health of one component or of the whole server.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

const defaultTimeout = 5 * time.Second

// CheckResult is the outcome of one check run.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check inspects one component. It should honor ctx's deadline.
type Check func(ctx context.Context) CheckResult

// Component is a registered check.
type Component struct {
	Name     string
	Critical bool
	Check    Check
	Timeout  time.Duration
}

// Checker holds the registered components and their latest results.
type Checker struct {
	started time.Time

	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]CheckResult
	ready      bool
}

// NewChecker returns a Checker that is not yet ready.
func NewChecker() *Checker {
	return &Checker{
		started:    time.Now(),
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
	}
}

// Register adds or replaces a component. Its status is unknown until the
// first run.
func (c *Checker) Register(comp *Component) {
	if comp.Timeout <= 0 {
		comp.Timeout = defaultTimeout
	}
	c.mu.Lock()
	c.components[comp.Name] = comp
	c.results[comp.Name] = CheckResult{Status: StatusUnknown}
	c.mu.Unlock()
}

// RegisterFunc registers check under name with the default timeout.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// SetReady marks whether the server accepts traffic.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
}

// IsReady reports the value last given to SetReady.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check runs every component concurrently and records the results.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	comps := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		comps = append(comps, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(comps))
	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	for _, comp := range comps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := run(ctx, comp)
			rmu.Lock()
			results[comp.Name] = res
			rmu.Unlock()
		}()
	}
	wg.Wait()

	c.mu.Lock()
	maps.Copy(c.results, results)
	c.mu.Unlock()
	return results
}

// run executes one check under its timeout. A check that panics is
// unhealthy; one that overruns is abandoned and reported as timed out.
func run(ctx context.Context, comp *Component) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- comp.Check(ctx)
	}()

	var res CheckResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}
	res.LastChecked = start
	res.Duration = time.Since(start)
	return res
}

// OverallStatus aggregates the latest results. Unknown only counts for
// critical components that have not run yet.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	overall := StatusHealthy
	for name, res := range c.results {
		critical := c.components[name].Critical
		switch {
		case res.Status == StatusUnhealthy && critical:
			return StatusUnhealthy
		case res.Status == StatusUnknown && critical:
			overall = StatusUnknown
		case res.Status == StatusUnhealthy || res.Status == StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return overall
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Report builds the health response, running the checks first when full
// is set.
func (c *Checker) Report(ctx context.Context, full bool) HealthResponse {
	var comps map[string]CheckResult
	if full {
		comps = c.Check(ctx)
	}
	return HealthResponse{
		Status:     c.OverallStatus(),
		Ready:      c.IsReady(),
		Uptime:     time.Since(c.started).Round(time.Second).String(),
		Components: comps,
		Timestamp:  time.Now().UTC(),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// LivenessHandler answers 200 while the process runs.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "alive", "timestamp": time.Now().UTC()})
	})
}

// ReadinessHandler answers 503 before SetReady(true) or while a critical
// component is unhealthy.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "timestamp": time.Now().UTC()})
			return
		}
		c.Check(r.Context())
		status := c.OverallStatus()
		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"status": status, "ready": true, "timestamp": time.Now().UTC()})
	})
}

// HealthHandler serves the aggregated status; ?full=true runs the checks
// and lists every component. Degraded still answers 200.
func (c *Checker) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := c.Report(r.Context(), r.URL.Query().Get("full") == "true")
		code := http.StatusOK
		if resp.Status != StatusHealthy && resp.Status != StatusDegraded {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	})
}

// ErrStorageDetached marks a server running without trusted storage.
var ErrStorageDetached = errors.New("trusted storage unavailable")

// StorageCheck pings the durable store. A nil ping means the server
// started without storage, which is degraded rather than unhealthy since
// classification and analysis still work.
func StorageCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if ping == nil {
			return CheckResult{Status: StatusDegraded, Message: "running without trusted storage", Error: ErrStorageDetached.Error()}
		}
		if err := ping(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "database connection failed", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Message: "database connection ok"}
	}
}

// CountCheck reports a count from the store under key, for example the
// number of transparency log entries.
func CountCheck(key string, count func(ctx context.Context) (int64, error)) Check {
	return func(ctx context.Context) CheckResult {
		n, err := count(ctx)
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "count failed", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Details: map[string]any{key: n}}
	}
}

// FeatureCheck reports an optional feature as degraded while it is off.
func FeatureCheck(enabled func() bool, offMessage string) Check {
	return func(context.Context) CheckResult {
		if !enabled() {
			return CheckResult{Status: StatusDegraded, Message: offMessage}
		}
		return CheckResult{Status: StatusHealthy}
	}
}
