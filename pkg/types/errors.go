package types

import "errors"

// ErrProtocolViolation marks a broken invariant between the session and one of
// its collaborators: an element after the model stream's terminal signal, a
// tool dispatched outside invoking_tool, or overlapping tool calls.
var ErrProtocolViolation = errors.New("protocol violation")
