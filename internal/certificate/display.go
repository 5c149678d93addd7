package certificate

import (
	"math"
	"strings"

	"mindprint/internal/telemetry"
)

// Display score model. The score shown on a certificate is derived from
// the classifier's risk and confidence, then bounded by the verdict.
const (
	defaultRiskScore        = 50.0
	defaultConfidence       = 0.3
	uncertaintyPenaltyScale = 20.0
	calibratedMin           = 1.0
	calibratedMax           = 99.0
	verifiedMinimum         = 68
	suspiciousMaximum       = 45
	lowEffortMaximum        = 28
)

// DisplayScore maps a classification to the 0-99 score printed on a
// certificate. Sessions without text score 0. Nil risk or confidence take
// the model defaults.
func DisplayScore(status telemetry.Status, risk, confidence *float64, hasText bool) int {
	if !hasText {
		return 0
	}
	r := defaultRiskScore
	if finite(risk) {
		r = *risk
	}
	c := defaultConfidence
	if finite(confidence) {
		c = *confidence
	}

	calibrated := int(math.Round(math.Max(calibratedMin, math.Min(calibratedMax, 100-r-(1-c)*uncertaintyPenaltyScale))))

	switch status {
	case telemetry.StatusVerifiedHuman:
		calibrated = max(calibrated, verifiedMinimum)
	case telemetry.StatusSuspicious:
		calibrated = min(calibrated, suspiciousMaximum)
	case telemetry.StatusLowEffort:
		calibrated = min(calibrated, lowEffortMaximum)
	}
	return max(0, min(calibrated, MaxScore))
}

// SubtitleFor returns the certificate subtitle for a verdict.
func SubtitleFor(status telemetry.Status) string {
	switch status {
	case telemetry.StatusVerifiedHuman:
		return "Verified Human Writing Session"
	case telemetry.StatusSuspicious:
		return "Flagged For Rhythm Irregularities"
	case telemetry.StatusLowEffort:
		return "High Paste Ratio Detected"
	default:
		return "Session Captured With Limited Data"
	}
}

// PaletteCount is the number of renderer palettes.
const PaletteCount = 3

// PaletteIndex picks a renderer palette from a seed: the sum of its code
// points modulo PaletteCount.
func PaletteIndex(seed string) int {
	sum := 0
	for _, r := range seed {
		sum += int(r)
	}
	return sum % PaletteCount
}

// hasText reports whether s contains anything besides whitespace.
func hasText(s string) bool {
	return strings.TrimSpace(s) != ""
}
