package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventKind identifies the payload carried by an Event.
type EventKind string

const (
	KindStatus     EventKind = "status"
	KindDelta      EventKind = "delta"
	KindToolStart  EventKind = "tool_start"
	KindToolResult EventKind = "tool_result"
	KindComplete   EventKind = "complete"
	KindError      EventKind = "error"
	KindFinalized  EventKind = "finalized"
	// KindSnapshot is only produced by the event hub as a resync point for
	// subscribers that attach after a session has started.
	KindSnapshot EventKind = "snapshot"
)

// ErrInvalidEvent is returned by Validate and by the JSON decoder.
var ErrInvalidEvent = errors.New("invalid event")

// Payload is the closed set of event payloads.
type Payload interface {
	Kind() EventKind
	validate() error
}

// StatusData reports the current phase. It is informational and may repeat.
type StatusData struct {
	Phase Phase `json:"phase"`
}

// DeltaData is one incremental content fragment.
type DeltaData struct {
	Text string `json:"text"`
}

// ToolStartData is emitted when a tool invocation is dispatched.
type ToolStartData struct {
	ToolName string `json:"toolName"`
	CallID   string `json:"callID,omitempty"`
}

// ToolResultData is emitted when a tool invocation completes or fails.
type ToolResultData struct {
	ToolName string `json:"toolName"`
	CallID   string `json:"callID,omitempty"`
	Success  bool   `json:"success"`
	Detail   string `json:"detail,omitempty"`
	// Fold is the exact text appended to the accumulated content for this result.
	Fold string `json:"fold,omitempty"`
}

// CompleteData carries the final content of a successful session.
type CompleteData struct {
	FinalContent string `json:"finalContent"`
}

// ErrorData describes an unrecoverable failure. Message is safe to show to users.
type ErrorData struct {
	Message        string `json:"message"`
	PartialContent string `json:"partialContent,omitempty"`
}

// FinalizedData is the terminal event payload.
type FinalizedData struct {
	Status FinalStatus `json:"status"`
	Detail string      `json:"detail,omitempty"`
}

// SnapshotData is the accumulated state of a session as of event Seq.
type SnapshotData struct {
	Content string       `json:"content"`
	Phase   Phase        `json:"phase,omitempty"`
	State   SessionState `json:"state,omitempty"`
	Seq     uint64       `json:"seq"`

	// Set once the session has finalized.
	Final        FinalStatus `json:"final,omitempty"`
	FinalDetail  string      `json:"finalDetail,omitempty"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
}

func (StatusData) Kind() EventKind     { return KindStatus }
func (DeltaData) Kind() EventKind      { return KindDelta }
func (ToolStartData) Kind() EventKind  { return KindToolStart }
func (ToolResultData) Kind() EventKind { return KindToolResult }
func (CompleteData) Kind() EventKind   { return KindComplete }
func (ErrorData) Kind() EventKind      { return KindError }
func (FinalizedData) Kind() EventKind  { return KindFinalized }
func (SnapshotData) Kind() EventKind   { return KindSnapshot }

func (d StatusData) validate() error {
	if !d.Phase.Valid() {
		return fmt.Errorf("unknown phase %q", d.Phase)
	}
	return nil
}

func (d DeltaData) validate() error {
	if d.Text == "" {
		return errors.New("empty delta")
	}
	return nil
}

func (d ToolStartData) validate() error {
	if d.ToolName == "" {
		return errors.New("missing tool name")
	}
	return nil
}

func (d ToolResultData) validate() error {
	if d.ToolName == "" {
		return errors.New("missing tool name")
	}
	return nil
}

func (CompleteData) validate() error { return nil }

func (d ErrorData) validate() error {
	if d.Message == "" {
		return errors.New("missing error message")
	}
	return nil
}

func (d FinalizedData) validate() error {
	if !d.Status.Valid() {
		return fmt.Errorf("unknown final status %q", d.Status)
	}
	return nil
}

func (SnapshotData) validate() error { return nil }

// Event is one immutable record emitted by a session.
// Seq is 1-based and totally orders the events of a session.
type Event struct {
	Seq       uint64
	SessionID string
	Time      time.Time
	Data      Payload
}

// Kind returns the kind of the event payload.
func (e Event) Kind() EventKind {
	if e.Data == nil {
		return ""
	}
	return e.Data.Kind()
}

// Terminal reports whether e is the finalized event.
func (e Event) Terminal() bool {
	return e.Kind() == KindFinalized
}

// Validate checks that the event is well formed.
func (e Event) Validate() error {
	if e.Data == nil {
		return fmt.Errorf("%w: missing payload", ErrInvalidEvent)
	}
	if e.SessionID == "" {
		return fmt.Errorf("%w: missing session id", ErrInvalidEvent)
	}
	if e.Seq == 0 && e.Kind() != KindSnapshot {
		return fmt.Errorf("%w: seq must be positive", ErrInvalidEvent)
	}
	if err := e.Data.validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidEvent, e.Kind(), err)
	}
	return nil
}

// wireEvent is the JSON form of an Event.
type wireEvent struct {
	Seq        uint64          `json:"seq"`
	SessionID  string          `json:"sessionID"`
	Type       EventKind       `json:"type"`
	Time       time.Time       `json:"time"`
	Properties json.RawMessage `json:"properties"`
}

// MarshalJSON encodes the event as {"seq","sessionID","type","time","properties"}.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Data == nil {
		return nil, fmt.Errorf("%w: missing payload", ErrInvalidEvent)
	}
	props, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{
		Seq:        e.Seq,
		SessionID:  e.SessionID,
		Type:       e.Data.Kind(),
		Time:       e.Time,
		Properties: props,
	})
}

// UnmarshalJSON decodes the wire form, selecting the payload type from "type".
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	payload, err := decodePayload(w.Type, w.Properties)
	if err != nil {
		return err
	}
	*e = Event{
		Seq:       w.Seq,
		SessionID: w.SessionID,
		Time:      w.Time,
		Data:      payload,
	}
	return nil
}

func decodePayload(kind EventKind, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	switch kind {
	case KindStatus:
		return decodeAs[StatusData](raw)
	case KindDelta:
		return decodeAs[DeltaData](raw)
	case KindToolStart:
		return decodeAs[ToolStartData](raw)
	case KindToolResult:
		return decodeAs[ToolResultData](raw)
	case KindComplete:
		return decodeAs[CompleteData](raw)
	case KindError:
		return decodeAs[ErrorData](raw)
	case KindFinalized:
		return decodeAs[FinalizedData](raw)
	case KindSnapshot:
		return decodeAs[SnapshotData](raw)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, kind)
	}
}

func decodeAs[T Payload](raw json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return v, nil
}
