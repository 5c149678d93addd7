package telemetry

import (
	"errors"
	"fmt"
	"math"
)

const (
	// MaxBatchEvents caps the number of events in one ingested batch.
	MaxBatchEvents = 4000

	// OrderingToleranceMs is how far a timestamp may step backwards inside
	// a batch before the batch is rejected.
	OrderingToleranceMs = 0.5
)

// Batch validation errors.
var (
	ErrEmptyBatch     = errors.New("telemetry: empty batch")
	ErrBatchTooLarge  = errors.New("telemetry: batch exceeds event limit")
	ErrInvalidShape   = errors.New("telemetry: invalid event shape")
	ErrOutOfOrder     = errors.New("telemetry: events out of timestamp order")
	ErrNegativeOffset = errors.New("telemetry: negative offset or length")
)

// Validate checks the per-type constraints of a single event.
func (e Event) Validate() error {
	if math.IsNaN(e.Timestamp) || math.IsInf(e.Timestamp, 0) || e.Timestamp < 0 {
		return fmt.Errorf("%w: timestamp %v", ErrInvalidShape, e.Timestamp)
	}

	switch e.Type {
	case EventKeystroke:
		switch e.Action {
		case ActionChar, ActionDelete, ActionNav, ActionOther:
			return nil
		}
		return fmt.Errorf("%w: keystroke action %q", ErrInvalidShape, e.Action)
	case EventPaste:
		if e.Length < 0 {
			return fmt.Errorf("%w: paste length %d", ErrNegativeOffset, e.Length)
		}
		return nil
	case EventOperation:
		switch e.Op {
		case OpInsert, OpDelete, OpReplace:
		default:
			return fmt.Errorf("%w: operation %q", ErrInvalidShape, e.Op)
		}
		if e.From < 0 || e.To < e.From {
			return fmt.Errorf("%w: operation range [%d,%d]", ErrNegativeOffset, e.From, e.To)
		}
		if e.Op == OpInsert && e.From != e.To {
			return fmt.Errorf("%w: insert with non-empty range [%d,%d]", ErrInvalidShape, e.From, e.To)
		}
		return nil
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidShape, e.Type)
	}
}

// ValidateBatch checks a batch for ingestion: non-empty, within the size
// cap, every event well-formed and timestamps non-decreasing within
// OrderingToleranceMs.
func ValidateBatch(events []Event) error {
	if len(events) == 0 {
		return ErrEmptyBatch
	}
	if len(events) > MaxBatchEvents {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(events), MaxBatchEvents)
	}

	prev := 0.0
	for i, e := range events {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
		if e.Timestamp+OrderingToleranceMs < prev {
			return fmt.Errorf("event %d: %w: %v after %v", i, ErrOutOfOrder, e.Timestamp, prev)
		}
		prev = e.Timestamp
	}
	return nil
}
