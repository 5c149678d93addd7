// Package metrics is a small Prometheus-compatible registry for mindprint.
//
// Metrics are grouped into families sharing a name, help text and type;
// each family holds one series per label set. The registry renders the
// text exposition format for /metrics, or JSON when the scraper asks for
// it.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Labels are the label pairs of one series.
type Labels map[string]string

// String renders the labels in exposition form, sorted by key.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	parts := make([]string, 0, len(l))
	for _, k := range slices.Sorted(maps.Keys(l)) {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, k, labelEscaper.Replace(l[k])))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// with renders the labels extended by one pair.
func (l Labels) with(key, value string) string {
	ext := make(Labels, len(l)+1)
	maps.Copy(ext, l)
	ext[key] = value
	return ext.String()
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// Counter only goes up.
type Counter struct{ v atomic.Uint64 }

func (c *Counter) Inc() { c.v.Add(1) }
func (c *Counter) Add(n uint64) { c.v.Add(n) }
func (c *Counter) Value() uint64 { return c.v.Load() }

// Gauge holds a value that can go up and down.
type Gauge struct{ v atomic.Int64 }

func (g *Gauge) Set(n int64) { g.v.Store(n) }
func (g *Gauge) Inc() { g.v.Add(1) }
func (g *Gauge) Value() int64 { return g.v.Load() }

// DurationBuckets are upper bounds in seconds for latency histograms.
var DurationBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// Histogram counts observations into fixed buckets.
type Histogram struct {
	bounds []float64

	mu sync.Mutex
	// counts is per bucket, not cumulative. The last slot is +Inf.
	counts []uint64
	sum    float64
	count  uint64
}

func newHistogram(bounds []float64) *Histogram {
	if bounds == nil {
		bounds = DurationBuckets
	}
	bounds = slices.Clone(bounds)
	slices.Sort(bounds)
	return &Histogram{bounds: bounds, counts: make([]uint64, len(bounds)+1)}
}

// Observe records v. A value equal to a bound falls in that bucket.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	h.sum += v
	h.count++
	h.counts[sort.SearchFloat64s(h.bounds, v)]++
	h.mu.Unlock()
}

// ObserveDuration records d in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) { h.Observe(d.Seconds()) }

type histogramState struct {
	cumulative []uint64
	sum        float64
	count      uint64
}

func (h *Histogram) state() histogramState {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := histogramState{cumulative: make([]uint64, len(h.counts)), sum: h.sum, count: h.count}
	var running uint64
	for i, c := range h.counts {
		running += c
		st.cumulative[i] = running
	}
	return st
}

// Mean returns the average observation, 0 before the first one.
func (h *Histogram) Mean() float64 {
	st := h.state()
	if st.count == 0 {
		return 0
	}
	return st.sum / float64(st.count)
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 { return h.state().count }

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

type series struct {
	labels Labels
	metric any
}

type family struct {
	name   string
	help   string
	kind   kind
	series map[string]*series
}

// Registry holds metric families under a common prefix.
type Registry struct {
	prefix string

	mu       sync.RWMutex
	families map[string]*family
}

// NewRegistry returns a registry whose metric names are prefixed with
// namespace and subsystem, each joined by an underscore when set.
func NewRegistry(namespace, subsystem string) *Registry {
	var prefix string
	for _, p := range []string{namespace, subsystem} {
		if p != "" {
			prefix += p + "_"
		}
	}
	return &Registry{prefix: prefix, families: make(map[string]*family)}
}

// lookup returns the series for name and labels, creating it with mk.
// Registering a name twice with different kinds panics.
func (r *Registry) lookup(name, help string, k kind, labels Labels, mk func() any) any {
	full := r.prefix + name
	key := labels.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.families[full]
	if !ok {
		f = &family{name: full, help: help, kind: k, series: make(map[string]*series)}
		r.families[full] = f
	}
	if f.kind != k {
		panic(fmt.Sprintf("metrics: %s registered as %s and %s", full, f.kind, k))
	}
	s, ok := f.series[key]
	if !ok {
		s = &series{labels: labels, metric: mk()}
		f.series[key] = s
	}
	return s.metric
}

// Counter returns the counter series for name and labels.
func (r *Registry) Counter(name, help string, labels Labels) *Counter {
	return r.lookup(name, help, kindCounter, labels, func() any { return new(Counter) }).(*Counter)
}

// Gauge returns the gauge series for name and labels.
func (r *Registry) Gauge(name, help string, labels Labels) *Gauge {
	return r.lookup(name, help, kindGauge, labels, func() any { return new(Gauge) }).(*Gauge)
}

// Histogram returns the histogram series for name and labels. bounds only
// apply when the series is created.
func (r *Registry) Histogram(name, help string, labels Labels, bounds []float64) *Histogram {
	return r.lookup(name, help, kindHistogram, labels, func() any { return newHistogram(bounds) }).(*Histogram)
}

// each visits families and their series in name and label order.
func (r *Registry) each(fn func(f *family, s *series)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range slices.Sorted(maps.Keys(r.families)) {
		f := r.families[name]
		for _, key := range slices.Sorted(maps.Keys(f.series)) {
			fn(f, f.series[key])
		}
	}
}

// WritePrometheus writes the text exposition format.
func (r *Registry) WritePrometheus(w io.Writer) error {
	var (
		err  error
		last string
	)
	printf := func(format string, args ...any) {
		if err == nil {
			_, err = fmt.Fprintf(w, format, args...)
		}
	}

	r.each(func(f *family, s *series) {
		if f.name != last {
			last = f.name
			printf("# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, f.kind)
		}
		switch m := s.metric.(type) {
		case *Counter:
			printf("%s%s %d\n", f.name, s.labels, m.Value())
		case *Gauge:
			printf("%s%s %d\n", f.name, s.labels, m.Value())
		case *Histogram:
			st := m.state()
			for i, bound := range m.bounds {
				printf("%s_bucket%s %d\n", f.name, s.labels.with("le", fmt.Sprintf("%g", bound)), st.cumulative[i])
			}
			printf("%s_bucket%s %d\n", f.name, s.labels.with("le", "+Inf"), st.count)
			printf("%s_sum%s %g\n", f.name, s.labels, st.sum)
			printf("%s_count%s %d\n", f.name, s.labels, st.count)
		}
	})
	return err
}

// WriteJSON writes every series keyed by name and labels.
func (r *Registry) WriteJSON(w io.Writer) error {
	doc := make(map[string]any)
	r.each(func(f *family, s *series) {
		entry := map[string]any{"type": f.kind, "help": f.help, "labels": s.labels}
		switch m := s.metric.(type) {
		case *Counter:
			entry["value"] = m.Value()
		case *Gauge:
			entry["value"] = m.Value()
		case *Histogram:
			st := m.state()
			entry["sum"], entry["count"] = st.sum, st.count
		}
		doc[f.name+s.labels.String()] = entry
	})
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// Handler serves the registry: JSON when the request accepts
// application/json, the text format otherwise.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.Contains(req.Header.Get("Accept"), "application/json") {
			w.Header().Set("Content-Type", "application/json")
			_ = r.WriteJSON(w)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_ = r.WritePrometheus(w)
	})
}
