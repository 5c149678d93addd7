// Package telemetry models writing-session input events and classifies
// them into a human/automation verdict.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedEvent is returned when an event is missing fields or carries
// values of the wrong kind.
var ErrMalformedEvent = errors.New("telemetry: malformed event")

// EventType tags the event union.
type EventType string

const (
	EventKeystroke EventType = "keystroke"
	EventPaste     EventType = "paste"
	EventOperation EventType = "operation"
)

// KeystrokeAction classifies a key press.
type KeystrokeAction string

const (
	ActionChar   KeystrokeAction = "char"
	ActionDelete KeystrokeAction = "delete"
	ActionNav    KeystrokeAction = "nav"
	ActionOther  KeystrokeAction = "other"
)

// OperationType is the kind of text diff an operation applies.
type OperationType string

const (
	OpInsert  OperationType = "insert"
	OpDelete  OperationType = "delete"
	OpReplace OperationType = "replace"
)

// Event is one timestamped input observation. Only the fields belonging to
// Type are meaningful. Timestamp is in milliseconds.
type Event struct {
	Type      EventType
	Timestamp float64

	// keystroke
	Key    string
	Action KeystrokeAction

	// paste
	Length int
	Source string

	// operation
	Op   OperationType
	From int
	To   int
	Text string
}

// Keystroke builds a keystroke event.
func Keystroke(ts float64, action KeystrokeAction, key string) Event {
	return Event{Type: EventKeystroke, Timestamp: ts, Action: action, Key: key}
}

// Paste builds a paste event.
func Paste(ts float64, length int, source string) Event {
	return Event{Type: EventPaste, Timestamp: ts, Length: length, Source: source}
}

// Operation builds a text operation event.
func Operation(ts float64, op OperationType, from, to int, text string) Event {
	return Event{Type: EventOperation, Timestamp: ts, Op: op, From: from, To: to, Text: text}
}

type keystrokeJSON struct {
	Type      EventType       `json:"type"`
	Timestamp float64         `json:"timestamp"`
	Key       string          `json:"key"`
	Action    KeystrokeAction `json:"action"`
}

type pasteJSON struct {
	Type      EventType `json:"type"`
	Timestamp float64   `json:"timestamp"`
	Length    int       `json:"length"`
	Source    string    `json:"source"`
}

type operationJSON struct {
	Type      EventType     `json:"type"`
	Timestamp float64       `json:"timestamp"`
	Op        OperationType `json:"op"`
	From      int           `json:"from"`
	To        int           `json:"to"`
	Text      string        `json:"text"`
}

// MarshalJSON writes only the fields of the event's variant.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventKeystroke:
		return json.Marshal(keystrokeJSON{e.Type, e.Timestamp, e.Key, e.Action})
	case EventPaste:
		return json.Marshal(pasteJSON{e.Type, e.Timestamp, e.Length, e.Source})
	case EventOperation:
		return json.Marshal(operationJSON{e.Type, e.Timestamp, e.Op, e.From, e.To, e.Text})
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, e.Type)
	}
}

type wireEvent struct {
	Type      string   `json:"type"`
	Timestamp *float64 `json:"timestamp"`
	Key       *string  `json:"key"`
	Action    *string  `json:"action"`
	Length    *float64 `json:"length"`
	Source    *string  `json:"source"`
	Op        *string  `json:"op"`
	From      *float64 `json:"from"`
	To        *float64 `json:"to"`
	Text      *string  `json:"text"`
}

// UnmarshalJSON decodes one variant and rejects events whose required
// fields are absent. Range checks are left to Validate.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if w.Timestamp == nil {
		return fmt.Errorf("%w: missing timestamp", ErrMalformedEvent)
	}

	out := Event{Type: EventType(w.Type), Timestamp: *w.Timestamp}
	switch out.Type {
	case EventKeystroke:
		if w.Key == nil || w.Action == nil {
			return fmt.Errorf("%w: keystroke needs key and action", ErrMalformedEvent)
		}
		out.Key = *w.Key
		out.Action = KeystrokeAction(*w.Action)
	case EventPaste:
		if w.Length == nil || w.Source == nil {
			return fmt.Errorf("%w: paste needs length and source", ErrMalformedEvent)
		}
		n, ok := integral(*w.Length)
		if !ok {
			return fmt.Errorf("%w: paste length must be an integer", ErrMalformedEvent)
		}
		out.Length = n
		out.Source = *w.Source
	case EventOperation:
		if w.Op == nil || w.From == nil || w.To == nil || w.Text == nil {
			return fmt.Errorf("%w: operation needs op, from, to and text", ErrMalformedEvent)
		}
		from, okFrom := integral(*w.From)
		to, okTo := integral(*w.To)
		if !okFrom || !okTo {
			return fmt.Errorf("%w: operation offsets must be integers", ErrMalformedEvent)
		}
		out.Op = OperationType(*w.Op)
		out.From, out.To = from, to
		out.Text = *w.Text
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, w.Type)
	}

	*e = out
	return nil
}

func integral(f float64) (int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, false
	}
	return int(f), true
}

// DecodeEvents parses a JSON array of events.
func DecodeEvents(data []byte) ([]Event, error) {
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, err
	}
	return events, nil
}
