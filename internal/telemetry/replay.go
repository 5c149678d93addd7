package telemetry

import (
	"math"
	"sort"
)

const (
	// MaxReplayEvents caps the operations kept in a replay.
	MaxReplayEvents = 4000
	// MaxReplayTextRunes caps the text carried by each replay operation.
	MaxReplayTextRunes = 1000
	// MaxSparklinePoints caps the sparkline length.
	MaxSparklinePoints = 48
	// SparklineBucketMs is the width of one sparkline bucket.
	SparklineBucketMs = 1000.0
)

// BuildReplay extracts the well-formed operations from events, ordered by
// timestamp, capped at MaxReplayEvents with text truncated to
// MaxReplayTextRunes. Applying it to its own output is a no-op.
func BuildReplay(events []Event) []Event {
	ops := make([]Event, 0)
	for _, e := range events {
		if e.Type != EventOperation || e.Validate() != nil {
			continue
		}
		ops = append(ops, Operation(e.Timestamp, e.Op, e.From, e.To, TruncateRunes(e.Text, MaxReplayTextRunes)))
	}
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Timestamp < ops[j].Timestamp })
	if len(ops) > MaxReplayEvents {
		ops = ops[:MaxReplayEvents]
	}
	return ops
}

// BuildSparkline counts char and delete keystrokes per one-second bucket
// and averages adjacent buckets down to at most MaxSparklinePoints values.
// It returns nil when there is no typing.
func BuildSparkline(events []Event) []float64 {
	var times []float64
	for _, e := range events {
		if e.Type != EventKeystroke || (e.Action != ActionChar && e.Action != ActionDelete) {
			continue
		}
		if math.IsNaN(e.Timestamp) || math.IsInf(e.Timestamp, 0) {
			continue
		}
		times = append(times, e.Timestamp)
	}
	if len(times) == 0 {
		return nil
	}
	sort.Float64s(times)

	start, end := times[0], times[len(times)-1]
	count := int(math.Ceil((end-start)/SparklineBucketMs)) + 1
	if count < 1 {
		count = 1
	}
	buckets := make([]float64, count)
	for _, ts := range times {
		idx := int(math.Floor((ts - start) / SparklineBucketMs))
		if idx > count-1 {
			idx = count - 1
		}
		buckets[idx]++
	}

	if len(buckets) <= MaxSparklinePoints {
		return buckets
	}

	window := int(math.Ceil(float64(len(buckets)) / MaxSparklinePoints))
	sampled := make([]float64, 0, MaxSparklinePoints)
	for i := 0; i < len(buckets) && len(sampled) < MaxSparklinePoints; i += window {
		j := min(i+window, len(buckets))
		var sum float64
		for _, v := range buckets[i:j] {
			sum += v
		}
		sampled = append(sampled, Round2(sum/float64(j-i)))
	}
	return sampled
}

// Round2 rounds to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// TruncateRunes returns s cut to at most n runes.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
