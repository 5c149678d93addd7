package telemetry

import (
	"sync"
	"time"
)

const (
	// HistoryHighWater triggers trimming of the event history.
	HistoryHighWater = 12000
	// HistoryTrimTo is the history length kept after trimming.
	HistoryTrimTo = 10000
	// UIEventCapacity bounds the live-display buffer.
	UIEventCapacity = 4000
	// DefaultValidationInterval is the minimum spacing between
	// recomputations in UpdateValidation.
	DefaultValidationInterval = 400 * time.Millisecond
)

// Tracker records capture-side events and keeps a throttled live verdict.
// It is safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	now      func() time.Time
	origin   time.Time
	interval time.Duration

	history []Event
	ui      *Ring[Event]

	last       Result
	lastAt     time.Time
	haveResult bool
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithValidationInterval overrides the recomputation throttle.
func WithValidationInterval(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.interval = d }
}

// NewTracker creates a tracker whose timestamps are milliseconds since
// creation.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		now:      time.Now,
		interval: DefaultValidationInterval,
		ui:       NewRing[Event](UIEventCapacity),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.origin = t.now()
	return t
}

func (t *Tracker) stamp() float64 {
	return float64(t.now().Sub(t.origin).Microseconds()) / 1000
}

func (t *Tracker) record(e Event) {
	t.history = append(t.history, e)
	if len(t.history) > HistoryHighWater {
		kept := make([]Event, HistoryTrimTo)
		copy(kept, t.history[len(t.history)-HistoryTrimTo:])
		t.history = kept
	}
	t.ui.Push(e)
}

// RecordKeystroke records a key press.
func (t *Tracker) RecordKeystroke(action KeystrokeAction, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record(Keystroke(t.stamp(), action, key))
}

// RecordPaste records a paste of length characters.
func (t *Tracker) RecordPaste(length int, source string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if length < 0 {
		length = 0
	}
	t.record(Paste(t.stamp(), length, source))
}

// RecordOperation records a text diff applied to the document.
func (t *Tracker) RecordOperation(op OperationType, from, to int, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record(Operation(t.stamp(), op, from, to, text))
}

// Events returns a copy of the full (trimmed) event history.
func (t *Tracker) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, len(t.history))
	copy(out, t.history)
	return out
}

// UIEvents returns the most recent events kept for live display.
func (t *Tracker) UIEvents() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ui.Slice()
}

// UpdateValidation recomputes the verdict unless the previous one is
// younger than the validation interval. The boolean reports whether a
// recomputation happened.
func (t *Tracker) UpdateValidation(contentLength int) (Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.haveResult && now.Sub(t.lastAt) < t.interval {
		return t.last, false
	}
	t.last = ValidateSession(t.history, contentLength)
	t.lastAt = now
	t.haveResult = true
	return t.last, true
}

// Reset clears all recorded events and the cached verdict.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = nil
	t.ui.Reset()
	t.haveResult = false
	t.origin = t.now()
}
