// Package model adapts language-model backends into a uniform stream of
// content fragments and control signals.
//
// A Stream yields fragments in generation order, zero or more tool requests,
// and exactly one terminal element (end or error). After the terminal element
// every call to Next returns io.EOF.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opencode-ai/turnstream/pkg/types"
)

// ElementKind identifies the kind of a stream element.
type ElementKind int

const (
	KindFragment ElementKind = iota + 1
	KindToolRequest
	KindEnd
	KindError
)

func (k ElementKind) String() string {
	switch k {
	case KindFragment:
		return "fragment"
	case KindToolRequest:
		return "tool_request"
	case KindEnd:
		return "end"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ToolRequest asks the session to invoke a tool.
type ToolRequest struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Element is one item of a model stream.
type Element struct {
	Kind ElementKind
	// Text is set for fragments.
	Text string
	// Tool is set for tool requests.
	Tool *ToolRequest
	// Err is set for errors.
	Err error
}

// Terminal reports whether e ends the stream.
func (e Element) Terminal() bool {
	return e.Kind == KindEnd || e.Kind == KindError
}

// Fragment returns a content fragment element.
func Fragment(text string) Element { return Element{Kind: KindFragment, Text: text} }

// ToolCall returns a tool request element.
func ToolCall(id, name string, args json.RawMessage) Element {
	return Element{Kind: KindToolRequest, Tool: &ToolRequest{ID: id, Name: name, Arguments: args}}
}

// End returns the end-of-stream element.
func End() Element { return Element{Kind: KindEnd} }

// Failure returns a backend error element.
func Failure(err error) Element { return Element{Kind: KindError, Err: err} }

// Request opens a generation turn.
type Request struct {
	SessionID         string
	ConversationScope string
	UserInput         string
}

// Adapter opens model streams.
type Adapter interface {
	Open(ctx context.Context, req Request) (Stream, error)
}

// Stream is an open model stream. Next blocks until an element is available.
// A non-nil error other than io.EOF is a transport failure and is treated
// like an error element.
type Stream interface {
	Next(ctx context.Context) (Element, error)
	Close() error
}

// ToolResultSink is implemented by streams whose backend consumes tool
// outcomes before continuing. The session submits every outcome before it
// pulls the next element.
type ToolResultSink interface {
	SubmitToolResult(ctx context.Context, callID string, outcome types.ToolOutcome) error
}

// ErrStreamClosed is returned by operations on a closed stream.
var ErrStreamClosed = errors.New("stream closed")

// toolMessage renders an outcome as the text a backend sees as the tool's reply.
func toolMessage(outcome types.ToolOutcome) string {
	if outcome.OK {
		return outcome.Payload
	}
	return "error: " + outcome.Reason
}

// normalizeArgs returns args as valid JSON, quoting it as a string if needed.
func normalizeArgs(args string) json.RawMessage {
	if args == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	quoted, _ := json.Marshal(args)
	return quoted
}
