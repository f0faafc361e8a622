package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/opencode-ai/turnstream/internal/logging"
	"github.com/opencode-ai/turnstream/internal/telemetry"
	"github.com/opencode-ai/turnstream/pkg/types"
)

// DefaultTimeout bounds a tool call when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// Call is one tool invocation request.
type Call struct {
	ID        string
	Name      string
	Arguments json.RawMessage
	// Content is the session's accumulated content at dispatch.
	Content string
}

// InvokerOptions configures an Invoker.
type InvokerOptions struct {
	Timeout  time.Duration
	Fatal    map[string]bool
	Observer telemetry.Observer
}

// Invoker resolves and executes tools. It is shared by all sessions; each
// session takes its own Lane.
type Invoker struct {
	registry *Registry
	timeout  time.Duration
	fatal    map[string]bool
	obs      telemetry.Observer
}

// NewInvoker creates an Invoker over registry.
func NewInvoker(registry *Registry, opts InvokerOptions) *Invoker {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	fatal := make(map[string]bool, len(opts.Fatal))
	for name, isFatal := range opts.Fatal {
		fatal[name] = isFatal
	}
	return &Invoker{
		registry: registry,
		timeout:  opts.Timeout,
		fatal:    fatal,
		obs:      telemetry.OrNop(opts.Observer),
	}
}

// IsFatal reports whether a failure of the named tool ends the session.
func (inv *Invoker) IsFatal(name string) bool { return inv.fatal[name] }


// Lane returns a serialized invocation lane for one session.
func (inv *Invoker) Lane(sessionID string) *Lane {
	return &Lane{inv: inv, sessionID: sessionID, sem: semaphore.NewWeighted(1)}
}

// Lane runs at most one tool call at a time for a session. Overlapping calls
// are rejected rather than queued.
type Lane struct {
	inv       *Invoker
	sessionID string
	sem       *semaphore.Weighted
}

// Invoke runs call if the session is in invoking_tool and no other call is in
// flight; otherwise it returns an error wrapping types.ErrProtocolViolation.
// Tool errors, unknown tools, panics and timeouts are reported as a failed
// outcome, never as an error.
func (l *Lane) Invoke(ctx context.Context, state types.SessionState, call Call) (types.ToolOutcome, error) {
	if state != types.StateInvokingTool {
		return types.ToolOutcome{}, fmt.Errorf("%w: tool %q dispatched in state %s", types.ErrProtocolViolation, call.Name, state)
	}
	if !l.sem.TryAcquire(1) {
		return types.ToolOutcome{}, fmt.Errorf("%w: tool %q dispatched while another call is in flight", types.ErrProtocolViolation, call.Name)
	}
	defer l.sem.Release(1)

	start := time.Now()
	outcome := l.run(ctx, call)
	l.inv.obs.ToolCompleted(ctx, l.sessionID, call.Name, outcome, time.Since(start))
	return outcome, nil
}

type execResult struct {
	res *Result
	err error
}

func (l *Lane) run(ctx context.Context, call Call) types.ToolOutcome {
	t, ok := l.inv.registry.Get(call.Name)
	if !ok {
		return types.ToolOutcome{Reason: fmt.Sprintf("unknown tool %q", call.Name)}
	}

	tctx, cancel := context.WithTimeout(ctx, l.inv.timeout)
	defer cancel()

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	toolCtx := &Context{SessionID: l.sessionID, CallID: call.ID, Content: call.Content}

	// Buffered so an abandoned call can still finish and exit.
	done := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Error().
					Str("sessionID", l.sessionID).
					Str("tool", call.Name).
					Str("stack", string(debug.Stack())).
					Msgf("tool panicked: %v", r)
				done <- execResult{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		res, err := t.Execute(tctx, args, toolCtx)
		done <- execResult{res: res, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			switch {
			case ctx.Err() != nil:
				return types.ToolOutcome{Reason: "canceled"}
			case errors.Is(r.err, context.DeadlineExceeded):
				return timedOut(l.inv.timeout)
			}
			return types.ToolOutcome{Reason: r.err.Error()}
		}
		if r.res == nil {
			return types.ToolOutcome{OK: true}
		}
		return types.ToolOutcome{OK: true, Payload: r.res.Output, Detail: r.res.Detail}
	case <-tctx.Done():
		if ctx.Err() != nil {
			return types.ToolOutcome{Reason: "canceled"}
		}
		return timedOut(l.inv.timeout)
	}
}

func timedOut(d time.Duration) types.ToolOutcome {
	return types.ToolOutcome{Reason: fmt.Sprintf("timed out after %s", d), TimedOut: true}
}
