// Package certificate issues and verifies proof-of-authorship certificates.
// Every issued certificate carries a signed proof bound to its text and
// replay, and is appended to a hash-chained transparency log.
package certificate

import (
	"html"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"

	"mindprint/internal/telemetry"
)

// Field limits and defaults.
const (
	MaxTitleRunes   = 120
	MaxTextRunes    = 420
	MaxSeedRunes    = 120
	MaxIDLength     = 64
	MaxScore        = 99
	DefaultTitle    = "Mindprint Human Origin Certificate"
	DefaultSubtitle = "Proof of Human Creation"
	DefaultText     = "No transcript attached to this certificate."

	// IssuedAtLayout is the ISO-8601 form stored and signed, always UTC.
	IssuedAtLayout = "2006-01-02T15:04:05.000Z"
)

// DefaultSparkline is shown when a certificate has no usable samples.
var DefaultSparkline = []float64{2, 4, 3, 5, 7, 6, 8, 5, 4, 6, 3, 2}

// Proof is the signed bundle embedded in a certificate.
type Proof struct {
	Version               string            `json:"version"`
	ArtifactSHA256        string            `json:"artifactSha256"`
	TelemetryDigestSHA256 string            `json:"telemetryDigestSha256"`
	IssuedAt              string            `json:"issuedAt"`
	ValidationStatus      *telemetry.Status `json:"validationStatus"`
	RiskScore             *float64          `json:"riskScore"`
	Confidence            *float64          `json:"confidence"`
	Signature             string            `json:"signature"`
	LogEntryHash          *string           `json:"logEntryHash"`
	PrevLogEntryHash      *string           `json:"prevLogEntryHash"`
}

// Payload is a certificate as returned to clients and renderers.
type Payload struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Subtitle  string            `json:"subtitle"`
	Text      string            `json:"text"`
	Score     int               `json:"score"`
	IssuedAt  string            `json:"issuedAt"`
	Sparkline []float64         `json:"sparkline"`
	Seed      string            `json:"seed"`
	Replay    []telemetry.Event `json:"replay"`
	Proof     *Proof            `json:"proof"`
}

// Input is the caller-supplied material for a new certificate. Absent
// ValidationStatus, RiskScore and Confidence are signed as null.
type Input struct {
	Title            string            `json:"title"`
	Subtitle         string            `json:"subtitle"`
	Text             string            `json:"text"`
	Score            float64           `json:"score"`
	IssuedAt         string            `json:"issuedAt"`
	Seed             string            `json:"seed"`
	Sparkline        []float64         `json:"sparkline,omitempty"`
	Replay           []telemetry.Event `json:"replay,omitempty"`
	ValidationStatus *telemetry.Status `json:"validationStatus,omitempty"`
	RiskScore        *float64          `json:"riskScore,omitempty"`
	Confidence       *float64          `json:"confidence,omitempty"`
}

var plainText = bluemonday.StrictPolicy()

// sanitizeLabel strips markup from a short display field, normalizes it to
// NFC and caps its length.
func sanitizeLabel(s string, limit int) string {
	s = html.UnescapeString(plainText.Sanitize(s))
	s = strings.TrimSpace(norm.NFC.String(s))
	return telemetry.TruncateRunes(s, limit)
}

// normalizeText prepares the certified excerpt. Markup is kept as typed;
// renderers escape it.
func normalizeText(s string) string {
	return telemetry.TruncateRunes(norm.NFC.String(s), MaxTextRunes)
}

// NormalizeSparkline keeps the first MaxSparklinePoints finite,
// non-negative samples rounded to two decimals, or DefaultSparkline when
// none survive.
func NormalizeSparkline(values []float64) []float64 {
	out := make([]float64, 0, min(len(values), telemetry.MaxSparklinePoints))
	for _, v := range values {
		if len(out) == telemetry.MaxSparklinePoints {
			break
		}
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			continue
		}
		out = append(out, telemetry.Round2(v))
	}
	if len(out) == 0 {
		return append([]float64(nil), DefaultSparkline...)
	}
	return out
}

// ClampScore rounds and clamps a display score to [0, MaxScore].
func ClampScore(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	return int(math.Round(math.Max(0, math.Min(MaxScore, v))))
}

// parseIssuedAt accepts RFC 3339 timestamps or plain dates. Anything else
// falls back to now.
func parseIssuedAt(s string, now time.Time) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t
		}
	}
	return now
}

// FormatIssuedAt renders t in the stored ISO form.
func FormatIssuedAt(t time.Time) string {
	return t.UTC().Format(IssuedAtLayout)
}

var idUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeID strips characters outside [A-Za-z0-9_-] and caps the result
// at MaxIDLength.
func SanitizeID(id string) string {
	id = idUnsafe.ReplaceAllString(id, "")
	if len(id) > MaxIDLength {
		id = id[:MaxIDLength]
	}
	return id
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func finite(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}
