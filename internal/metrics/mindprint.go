package metrics

import "time"

// MindprintMetrics holds the server's metrics. All methods are safe on a
// nil receiver, which disables recording.
type MindprintMetrics struct {
	registry *Registry
	started  time.Time

	sessions      *Counter
	batches       *Counter
	events        *Counter
	issued        *Counter
	valid         *Counter
	invalid       *Counter
	analysisOK    *Counter
	analysisError *Counter
	rateLimited   *Counter
	errors        *Counter

	logEntries *Gauge
	degraded   *Gauge
	uptime     *Gauge

	ingest   *Histogram
	requests *Histogram
}

const (
	batchesHelp  = "Telemetry batches by outcome"
	verifyHelp   = "Certificate verifications by outcome"
	analysisHelp = "Advisory analysis requests by outcome"
)

var ingestBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

// NewMindprintMetrics registers the server's metrics in reg.
func NewMindprintMetrics(reg *Registry) *MindprintMetrics {
	return &MindprintMetrics{
		registry: reg,
		started:  time.Now(),

		sessions:      reg.Counter("sessions_total", "Telemetry sessions opened", nil),
		batches:       reg.Counter("batches_total", batchesHelp, Labels{"result": "accepted"}),
		events:        reg.Counter("events_ingested_total", "Events in accepted batches", nil),
		issued:        reg.Counter("certificates_issued_total", "Certificates appended to the transparency log", nil),
		valid:         reg.Counter("verifications_total", verifyHelp, Labels{"result": "valid"}),
		invalid:       reg.Counter("verifications_total", verifyHelp, Labels{"result": "invalid"}),
		analysisOK:    reg.Counter("analysis_requests_total", analysisHelp, Labels{"result": "ok"}),
		analysisError: reg.Counter("analysis_requests_total", analysisHelp, Labels{"result": "error"}),
		rateLimited:   reg.Counter("rate_limited_total", "Requests refused by the rate limiter", nil),
		errors:        reg.Counter("errors_total", "Requests that failed with a server-side error", nil),

		logEntries: reg.Gauge("log_entries", "Entries in the transparency log", nil),
		degraded:   reg.Gauge("degraded", "1 while trusted storage is unavailable", nil),
		uptime:     reg.Gauge("uptime_seconds", "Seconds since the server started", nil),

		ingest:   reg.Histogram("ingest_duration_seconds", "Time to validate and store one batch", nil, ingestBuckets),
		requests: reg.Histogram("http_request_duration_seconds", "HTTP request latency", nil, DurationBuckets),
	}
}

// Registry returns the registry the metrics live in.
func (m *MindprintMetrics) Registry() *Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *MindprintMetrics) RecordSessionInit() {
	if m != nil {
		m.sessions.Inc()
	}
}

// RecordBatchAccepted records an accepted batch, its size and how long
// ingestion took.
func (m *MindprintMetrics) RecordBatchAccepted(events int, d time.Duration) {
	if m == nil {
		return
	}
	m.batches.Inc()
	m.events.Add(uint64(events))
	m.ingest.ObserveDuration(d)
}

// RecordBatchRejected counts a rejected batch under its error kind.
func (m *MindprintMetrics) RecordBatchRejected(kind string) {
	if m != nil {
		m.registry.Counter("batches_total", batchesHelp, Labels{"result": "rejected", "kind": kind}).Inc()
	}
}

// RecordClassification counts a classifier verdict.
func (m *MindprintMetrics) RecordClassification(status string) {
	if m != nil {
		m.registry.Counter("classifications_total", "Classifier verdicts by status", Labels{"status": status}).Inc()
	}
}

// RecordCertificateIssued counts an issued certificate and its log entry.
func (m *MindprintMetrics) RecordCertificateIssued() {
	if m == nil {
		return
	}
	m.issued.Inc()
	m.logEntries.Inc()
}

func (m *MindprintMetrics) RecordVerification(valid bool) {
	switch {
	case m == nil:
	case valid:
		m.valid.Inc()
	default:
		m.invalid.Inc()
	}
}

func (m *MindprintMetrics) RecordAnalysis(err error) {
	switch {
	case m == nil:
	case err != nil:
		m.analysisError.Inc()
	default:
		m.analysisOK.Inc()
	}
}

func (m *MindprintMetrics) RecordRateLimited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}

func (m *MindprintMetrics) RecordError() {
	if m != nil {
		m.errors.Inc()
	}
}

func (m *MindprintMetrics) ObserveRequest(d time.Duration) {
	if m != nil {
		m.requests.ObserveDuration(d)
	}
}

// SetLogEntries sets the transparency log size from the store.
func (m *MindprintMetrics) SetLogEntries(n int64) {
	if m != nil {
		m.logEntries.Set(n)
	}
}

// SetDegraded flags whether trusted storage is unavailable.
func (m *MindprintMetrics) SetDegraded(degraded bool) {
	if m == nil {
		return
	}
	var v int64
	if degraded {
		v = 1
	}
	m.degraded.Set(v)
}

func (m *MindprintMetrics) UpdateUptime() {
	if m != nil {
		m.uptime.Set(int64(time.Since(m.started).Seconds()))
	}
}

// Snapshot returns the headline numbers, for status output and tests.
func (m *MindprintMetrics) Snapshot() map[string]any {
	if m == nil {
		return map[string]any{}
	}
	m.UpdateUptime()
	return map[string]any{
		"sessions_total":           m.sessions.Value(),
		"batches_accepted":         m.batches.Value(),
		"events_ingested_total":    m.events.Value(),
		"certificates_issued":      m.issued.Value(),
		"verifications_valid":      m.valid.Value(),
		"verifications_invalid":    m.invalid.Value(),
		"rate_limited_total":       m.rateLimited.Value(),
		"errors_total":             m.errors.Value(),
		"log_entries":              m.logEntries.Value(),
		"degraded":                 m.degraded.Value(),
		"uptime_seconds":           m.uptime.Value(),
		"ingest_avg_seconds":       m.ingest.Mean(),
		"http_request_avg_seconds": m.requests.Mean(),
	}
}
