// Package types provides the core data types shared by the turnstream server and its clients.
package types

import (
	"encoding/json"
	"time"
)

// FinalStatus is the outcome of a finished turn.
type FinalStatus string

const (
	StatusSuccess  FinalStatus = "success"
	StatusError    FinalStatus = "error"
	StatusCanceled FinalStatus = "canceled"
)

// Valid reports whether s is one of the final statuses.
func (s FinalStatus) Valid() bool {
	switch s {
	case StatusSuccess, StatusError, StatusCanceled:
		return true
	}
	return false
}

// TurnStatus is the status stored with a persisted turn record.
// Checkpoints are written as in_progress; the final write uses a FinalStatus.
type TurnStatus string

const (
	TurnInProgress TurnStatus = "in_progress"
	TurnSuccess    TurnStatus = TurnStatus(StatusSuccess)
	TurnError      TurnStatus = TurnStatus(StatusError)
	TurnCanceled   TurnStatus = TurnStatus(StatusCanceled)
)

// DetailPersistenceFailed is set on finalized.detail and the record detail when
// the final durable write could not be completed.
const DetailPersistenceFailed = "persistence_failed"

// Values of finalized.detail for sessions that end in error.
const (
	DetailAdapterError      = "adapter_error"
	DetailToolFailed        = "tool_failed"
	DetailProtocolViolation = "protocol_violation"
	DetailTimeout           = "timeout"
	DetailInternalError     = "internal_error"
)

// Terminal reports whether the status marks a finalized turn.
func (s TurnStatus) Terminal() bool {
	return FinalStatus(s).Valid()
}

// SessionState is a node of the session state machine.
type SessionState string

const (
	StateCreated      SessionState = "created"
	StateThinking     SessionState = "thinking"
	StateInvokingTool SessionState = "invoking_tool"
	StateBuilding     SessionState = "building"
	StateFinalized    SessionState = "finalized"
)

// Phase is the informational phase carried by status events.
type Phase string

const (
	PhaseThinking     Phase = "thinking"
	PhaseInvokingTool Phase = "invoking_tool"
	PhaseBuilding     Phase = "building"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseThinking, PhaseInvokingTool, PhaseBuilding:
		return true
	}
	return false
}

// TurnRecord is the durable row written for each session.
// ID is the session ID; it is the idempotency key for every write.
type TurnRecord struct {
	ID                string     `json:"id"`
	ConversationScope string     `json:"conversationScope"`
	Content           string     `json:"content"`
	Status            TurnStatus `json:"status"`
	Detail            string     `json:"detail,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// ToolCall is one tool invocation round trip.
type ToolCall struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	Outcome     *ToolOutcome    `json:"outcome,omitempty"`
	StartedAt   time.Time       `json:"startedAt,omitempty"`
	CompletedAt time.Time       `json:"completedAt,omitempty"`
}

// ToolOutcome is the result of a tool invocation: either a payload or a failure reason.
type ToolOutcome struct {
	OK      bool   `json:"ok"`
	Payload string `json:"payload,omitempty"`
	Reason  string `json:"reason,omitempty"`
	// Detail is an optional job or result reference surfaced on tool_result.
	Detail string `json:"detail,omitempty"`
	// TimedOut is set when the failure was caused by the invocation timeout.
	TimedOut bool `json:"timedOut,omitempty"`
}

// SessionInfo is a point-in-time view of a live or recently finished session.
type SessionInfo struct {
	ID                string       `json:"id"`
	ConversationScope string       `json:"conversationScope"`
	State             SessionState `json:"state"`
	Content           string       `json:"content"`
	PendingToolCalls  []ToolCall   `json:"pendingToolCalls,omitempty"`
	FinalStatus       FinalStatus  `json:"finalStatus,omitempty"`
	CreatedAt         time.Time    `json:"createdAt"`
	FinalizedAt       *time.Time   `json:"finalizedAt,omitempty"`
}
