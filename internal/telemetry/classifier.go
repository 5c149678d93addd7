package telemetry

import (
	"fmt"
	"math"
	"sort"
)

// Status is the discrete verdict of a session.
type Status string

const (
	StatusVerifiedHuman    Status = "VERIFIED_HUMAN"
	StatusSuspicious       Status = "SUSPICIOUS"
	StatusLowEffort        Status = "LOW_EFFORT"
	StatusInsufficientData Status = "INSUFFICIENT_DATA"
)

// ParseStatus returns the status for s and whether it is known.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusVerifiedHuman, StatusSuspicious, StatusLowEffort, StatusInsufficientData:
		return st, true
	}
	return "", false
}

// Classifier constants. Changing any of them is a behavioral break that
// requires recalibration.
const (
	// Sample-size model.
	ConfidenceTypedTarget    = 80.0
	ConfidenceIntervalTarget = 120.0
	ConfidenceTypedWeight    = 0.6
	ConfidenceIntervalWeight = 0.4

	// Minimum evidence before a rhythm verdict is attempted.
	MinTypedChars      = 12
	MinTypingIntervals = 6
	MinConfidence      = 0.25

	// Interval filtering.
	MaxTypingGapMs = 6000.0
	PauseMs        = 2000.0

	// Insufficient-data risk.
	InsufficientBaseRisk       = 50.0
	InsufficientPasteRiskScale = 30.0

	// Risk sub-scores and weights.
	PasteRiskOffset      = 0.18
	PasteRiskSpan        = 0.62
	PasteRiskWeight      = 0.40
	RegularityCVCeiling  = 0.22
	RegularityRiskWeight = 0.24
	VarianceFloorMs      = 12.0
	VarianceRiskWeight   = 0.18
	BurstinessOffset     = 4.0
	BurstinessSpan       = 8.0
	BurstRiskWeight      = 0.10
	LowRevisionCeiling   = 0.015
	LowRevisionWeight    = 0.08
	UncertaintyWeight    = 0.18

	// Verdict thresholds.
	LowEffortPasteRatio = 0.85
	LowEffortMaxTyped   = 24
	SuspiciousRisk      = 0.64
)

// Metrics are the measurements behind a verdict.
type Metrics struct {
	PasteRatio       float64 `json:"pasteRatio"`
	CV               float64 `json:"cv"`
	NetContentLength int     `json:"netContentLength"`
	RiskScore        int     `json:"riskScore"`
	Confidence       float64 `json:"confidence"`
	CorrectionRatio  float64 `json:"correctionRatio"`
	PauseRatePerMin  float64 `json:"pauseRatePerMin"`
}

// Result is the outcome of ValidateSession.
type Result struct {
	Status  Status  `json:"status"`
	Reason  string  `json:"reason,omitempty"`
	Metrics Metrics `json:"metrics"`
}

// ValidateSession scores an ordered event history. It is pure: the same
// events and content length always produce the same result.
func ValidateSession(events []Event, contentLength int) Result {
	if len(events) == 0 {
		return insufficient("No telemetry recorded for session.", contentLength)
	}

	var pasted, typed, deletes int
	var keyTimes []float64
	for _, e := range events {
		switch e.Type {
		case EventPaste:
			if e.Length > 0 {
				pasted += e.Length
			}
		case EventKeystroke:
			keyTimes = append(keyTimes, e.Timestamp)
			switch e.Action {
			case ActionChar:
				typed++
			case ActionDelete:
				deletes++
			}
		}
	}

	produced := pasted + typed
	if produced == 0 {
		return insufficient("No content production actions recorded.", contentLength)
	}

	pasteRatio := float64(pasted) / float64(produced)
	correctionRatio := 0.0
	if typed > 0 {
		correctionRatio = float64(deletes) / float64(typed)
	}

	intervals := typingIntervals(keyTimes)
	confidence := clamp01(
		ConfidenceTypedWeight*math.Min(float64(typed)/ConfidenceTypedTarget, 1) +
			ConfidenceIntervalWeight*math.Min(float64(len(intervals))/ConfidenceIntervalTarget, 1),
	)

	m := Metrics{
		PasteRatio:       pasteRatio,
		NetContentLength: contentLength,
		Confidence:       confidence,
		CorrectionRatio:  correctionRatio,
	}

	if typed < MinTypedChars || len(intervals) < MinTypingIntervals || confidence < MinConfidence {
		m.RiskScore = int(math.Round(InsufficientBaseRisk + pasteRatio*InsufficientPasteRiskScale))
		return Result{
			Status:  StatusInsufficientData,
			Reason:  "Not enough typing data to verify human rhythm.",
			Metrics: m,
		}
	}

	st := computeIntervalStats(intervals)
	m.CV = st.cv
	m.PauseRatePerMin = st.pauseRate

	pasteRisk := clamp01((pasteRatio - PasteRiskOffset) / PasteRiskSpan)
	regularityRisk := clamp01((RegularityCVCeiling - st.cv) / RegularityCVCeiling)
	varianceRisk := 0.0
	if st.stdDev < VarianceFloorMs {
		varianceRisk = 1
	}
	burstRisk := clamp01((st.burstiness - BurstinessOffset) / BurstinessSpan)
	lowRevisionRisk := clamp01((LowRevisionCeiling - correctionRatio) / LowRevisionCeiling)

	risk := clamp01(
		PasteRiskWeight*pasteRisk +
			RegularityRiskWeight*regularityRisk +
			VarianceRiskWeight*varianceRisk +
			BurstRiskWeight*burstRisk +
			LowRevisionWeight*lowRevisionRisk +
			(1-confidence)*UncertaintyWeight,
	)
	m.RiskScore = int(math.Round(100 * risk))

	switch {
	case pasteRatio >= LowEffortPasteRatio && typed < LowEffortMaxTyped:
		return Result{
			Status:  StatusLowEffort,
			Reason:  fmt.Sprintf("High paste ratio (%.1f%%) with little typing.", pasteRatio*100),
			Metrics: m,
		}
	case risk >= SuspiciousRisk:
		return Result{
			Status:  StatusSuspicious,
			Reason:  fmt.Sprintf("Typing rhythm looks automated (risk %d, cv %.2f, sd %.1fms).", m.RiskScore, st.cv, st.stdDev),
			Metrics: m,
		}
	default:
		return Result{
			Status:  StatusVerifiedHuman,
			Reason:  "Typing rhythm consistent with human authorship.",
			Metrics: m,
		}
	}
}

func insufficient(reason string, contentLength int) Result {
	return Result{
		Status: StatusInsufficientData,
		Reason: reason,
		Metrics: Metrics{
			NetContentLength: contentLength,
			RiskScore:        int(InsufficientBaseRisk),
		},
	}
}

// typingIntervals returns consecutive keystroke deltas, dropping negative
// deltas (clock resets between batches) and off-session gaps.
func typingIntervals(times []float64) []float64 {
	if len(times) < 2 {
		return nil
	}
	out := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		d := times[i] - times[i-1]
		if d < 0 || d > MaxTypingGapMs {
			continue
		}
		out = append(out, d)
	}
	return out
}

type intervalStats struct {
	mean       float64
	stdDev     float64
	cv         float64
	burstiness float64
	pauseRate  float64
}

func computeIntervalStats(intervals []float64) intervalStats {
	var st intervalStats
	n := len(intervals)
	if n == 0 {
		return st
	}

	var sum float64
	pauses := 0
	for _, d := range intervals {
		sum += d
		if d >= PauseMs {
			pauses++
		}
	}
	st.mean = sum / float64(n)

	if n > 1 {
		var sq float64
		for _, d := range intervals {
			diff := d - st.mean
			sq += diff * diff
		}
		st.stdDev = math.Sqrt(sq / float64(n-1))
	}
	if st.mean > 0 {
		st.cv = st.stdDev / st.mean
	}

	sorted := make([]float64, n)
	copy(sorted, intervals)
	sort.Float64s(sorted)
	p50 := percentile(sorted, 0.50)
	p95 := percentile(sorted, 0.95)
	if p50 > 0 {
		st.burstiness = p95 / p50
	} else if p95 > 0 {
		st.burstiness = math.Inf(1)
	}

	if minutes := sum / 60000; minutes > 0 {
		st.pauseRate = float64(pauses) / minutes
	}
	return st
}

// percentile interpolates linearly between closest ranks of sorted.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	rank := p * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
