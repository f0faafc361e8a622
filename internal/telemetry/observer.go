// Package telemetry defines the Observer capability injected into sessions,
// the persistence synchronizer and the event hub, with zerolog and
// OpenTelemetry implementations.
package telemetry

import (
	"context"
	"time"

	"github.com/opencode-ai/turnstream/pkg/types"
)

// Observer receives lifecycle notifications. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	SessionStarted(ctx context.Context, sessionID, scope string)
	StateChanged(ctx context.Context, sessionID string, from, to types.SessionState)
	ToolCompleted(ctx context.Context, sessionID, tool string, outcome types.ToolOutcome, elapsed time.Duration)
	// Persisted reports a durable write. attempts is the number of tries made.
	Persisted(ctx context.Context, sessionID string, final bool, attempts int, err error)
	Violation(ctx context.Context, sessionID string, err error)
	SessionFinalized(ctx context.Context, sessionID string, status types.FinalStatus, detail string, elapsed time.Duration)
	SubscriberDropped(ctx context.Context, sessionID string, reason string)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) SessionStarted(context.Context, string, string)                                     {}
func (Nop) StateChanged(context.Context, string, types.SessionState, types.SessionState)       {}
func (Nop) ToolCompleted(context.Context, string, string, types.ToolOutcome, time.Duration)    {}
func (Nop) Persisted(context.Context, string, bool, int, error)                                {}
func (Nop) Violation(context.Context, string, error)                                           {}
func (Nop) SessionFinalized(context.Context, string, types.FinalStatus, string, time.Duration) {}
func (Nop) SubscriberDropped(context.Context, string, string)                                  {}

// Multi fans notifications out to several observers in order.
type Multi []Observer

func (m Multi) SessionStarted(ctx context.Context, sessionID, scope string) {
	for _, o := range m {
		o.SessionStarted(ctx, sessionID, scope)
	}
}

func (m Multi) StateChanged(ctx context.Context, sessionID string, from, to types.SessionState) {
	for _, o := range m {
		o.StateChanged(ctx, sessionID, from, to)
	}
}

func (m Multi) ToolCompleted(ctx context.Context, sessionID, tool string, outcome types.ToolOutcome, elapsed time.Duration) {
	for _, o := range m {
		o.ToolCompleted(ctx, sessionID, tool, outcome, elapsed)
	}
}

func (m Multi) Persisted(ctx context.Context, sessionID string, final bool, attempts int, err error) {
	for _, o := range m {
		o.Persisted(ctx, sessionID, final, attempts, err)
	}
}

func (m Multi) Violation(ctx context.Context, sessionID string, err error) {
	for _, o := range m {
		o.Violation(ctx, sessionID, err)
	}
}

func (m Multi) SessionFinalized(ctx context.Context, sessionID string, status types.FinalStatus, detail string, elapsed time.Duration) {
	for _, o := range m {
		o.SessionFinalized(ctx, sessionID, status, detail, elapsed)
	}
}

func (m Multi) SubscriberDropped(ctx context.Context, sessionID string, reason string) {
	for _, o := range m {
		o.SubscriberDropped(ctx, sessionID, reason)
	}
}

// OrNop returns o, or Nop when o is nil.
func OrNop(o Observer) Observer {
	if o == nil {
		return Nop{}
	}
	return o
}
