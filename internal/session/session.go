package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/turnstream/internal/logging"
	"github.com/opencode-ai/turnstream/internal/model"
	"github.com/opencode-ai/turnstream/internal/persist"
	"github.com/opencode-ai/turnstream/internal/telemetry"
	"github.com/opencode-ai/turnstream/internal/tool"
	"github.com/opencode-ai/turnstream/pkg/types"
)

var (
	// ErrCanceled is the cancellation cause of a session stopped by Cancel or Shutdown.
	ErrCanceled = errors.New("session canceled")
	// ErrSessionTimeout is the cancellation cause of a session that ran past its timeout.
	ErrSessionTimeout = errors.New("session timed out")
)

// DefaultDrainGrace bounds the read that checks a stream stays quiet after end.
const DefaultDrainGrace = 50 * time.Millisecond

// maxMessageLen caps the user-visible error message.
const maxMessageLen = 200

// Publisher receives session events in emission order.
type Publisher interface {
	Publish(ev types.Event) error
}

// Persister is the durable side of a session.
type Persister interface {
	Checkpoint(ctx context.Context, rec types.TurnRecord) error
	Finalize(ctx context.Context, rec types.TurnRecord) persist.Result
	Forget(id string)
}

// Options bounds a single session.
type Options struct {
	// Timeout ends the session with an error. Zero means no limit.
	Timeout    time.Duration
	DrainGrace time.Duration
	// CheckpointEvery writes a checkpoint after this many fragments. Zero disables it.
	CheckpointEvery int
	// Retention keeps a finished session visible to Get.
	Retention time.Duration
}

// OptionsFromConfig maps the config file section to Options.
func OptionsFromConfig(cfg types.SessionConfig) Options {
	return Options{
		Timeout:         cfg.Timeout.Std(),
		DrainGrace:      cfg.DrainGrace.Std(),
		CheckpointEvery: cfg.CheckpointEvery,
		Retention:       cfg.Retention.Std(),
	}
}

// Deps are the collaborators shared by every session of a Manager.
type Deps struct {
	Adapter   model.Adapter
	Invoker   *tool.Invoker
	Persister Persister
	Events    Publisher
	Observer  telemetry.Observer
	// Now is used for event and record timestamps.
	Now func() time.Time
}

// outcome is the decided end of a session before persistence.
type outcome struct {
	status types.FinalStatus
	// message is the user-visible error message.
	message string
	detail  string
}

// Session is one streaming generation turn. All mutation happens on the
// session's own goroutine; the mutex only guards reads from Info.
type Session struct {
	id        string
	scope     string
	input     string
	createdAt time.Time

	deps Deps
	opts Options
	obs  telemetry.Observer
	lane *tool.Lane
	log  zerolog.Logger

	cancel context.CancelCauseFunc
	done   chan struct{}

	// seq and finalSent are only touched by the session goroutine.
	seq       uint64
	finalSent bool

	mu          sync.Mutex
	state       types.SessionState
	content     strings.Builder
	pending     []types.ToolCall
	final       types.FinalStatus
	finalizedAt *time.Time
}

func newSession(id string, req CreateRequest, deps Deps, opts Options) *Session {
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = DefaultDrainGrace
	}
	return &Session{
		id:        id,
		scope:     req.ConversationScope,
		input:     req.UserInput,
		createdAt: deps.Now(),
		deps:      deps,
		opts:      opts,
		obs:       telemetry.OrNop(deps.Observer),
		lane:      deps.Invoker.Lane(id),
		log:       logging.Session(id),
		state:     types.StateCreated,
		done:      make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Done is closed after the finalized event has been emitted.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cancel stops the session. It finalizes as canceled unless it already ended.
func (s *Session) Cancel() {
	if s.cancel != nil {
		s.cancel(ErrCanceled)
	}
}

// Info returns a point-in-time view of the session.
func (s *Session) Info() types.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := types.SessionInfo{
		ID:                s.id,
		ConversationScope: s.scope,
		State:             s.state,
		Content:           s.content.String(),
		FinalStatus:       s.final,
		CreatedAt:         s.createdAt,
	}
	if len(s.pending) > 0 {
		info.PendingToolCalls = append([]types.ToolCall(nil), s.pending...)
	}
	if s.finalizedAt != nil {
		t := *s.finalizedAt
		info.FinalizedAt = &t
	}
	return info
}

// start launches the session goroutine on base.
func (s *Session) start(base context.Context) {
	ctx, cancel := context.WithCancelCause(base)
	s.cancel = cancel
	go s.run(ctx)
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.cancel(nil)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("stack", string(debug.Stack())).Msgf("session finalization panicked: %v", r)
			s.abortFinalize(ctx)
		}
	}()

	runCtx := ctx
	if s.opts.Timeout > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeoutCause(ctx, s.opts.Timeout, ErrSessionTimeout)
		defer stop()
	}

	s.obs.SessionStarted(ctx, s.id, s.scope)
	out := s.drive(runCtx)
	s.finish(runCtx, out)
}

// drive runs the session up to the point its final status is known.
func (s *Session) drive(ctx context.Context) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("stack", string(debug.Stack())).Msgf("session panicked: %v", r)
			out = outcome{status: types.StatusError, message: "internal error", detail: types.DetailInternalError}
		}
	}()

	if err := s.enter(ctx, types.StateThinking); err != nil {
		return s.violation(ctx, err)
	}
	s.checkpoint(ctx)

	stream, err := s.deps.Adapter.Open(ctx, model.Request{
		SessionID:         s.id,
		ConversationScope: s.scope,
		UserInput:         s.input,
	})
	if err != nil {
		if ctx.Err() != nil {
			return s.stopped(ctx)
		}
		return s.adapterFailure(fmt.Errorf("open model stream: %w", err))
	}
	defer stream.Close()
	sink, _ := stream.(model.ToolResultSink)

	fragments := 0
	for {
		el, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return s.stopped(ctx)
			}
			if errors.Is(err, io.EOF) {
				err = errors.New("model stream ended unexpectedly")
			}
			return s.adapterFailure(err)
		}

		switch el.Kind {
		case model.KindFragment:
			if el.Text == "" {
				continue
			}
			s.appendContent(el.Text)
			s.emit(types.DeltaData{Text: el.Text})
			fragments++
			if s.opts.CheckpointEvery > 0 && fragments%s.opts.CheckpointEvery == 0 {
				s.checkpoint(ctx)
			}

		case model.KindToolRequest:
			if el.Tool == nil || el.Tool.Name == "" {
				return s.adapterFailure(errors.New("malformed tool request"))
			}
			if out, stop := s.invokeTool(ctx, sink, *el.Tool); stop {
				return out
			}

		case model.KindEnd:
			return s.end(ctx, stream)

		case model.KindError:
			err := el.Err
			if err == nil {
				err = errors.New("model stream failed")
			}
			return s.adapterFailure(err)

		default:
			return s.adapterFailure(fmt.Errorf("unknown stream element %s", el.Kind))
		}
	}
}

// invokeTool runs one tool request and folds its result into the content.
// stop is true when the session must finalize with out.
func (s *Session) invokeTool(ctx context.Context, sink model.ToolResultSink, req model.ToolRequest) (out outcome, stop bool) {
	if err := s.enter(ctx, types.StateInvokingTool); err != nil {
		return s.violation(ctx, err), true
	}

	call := types.ToolCall{ID: req.ID, Name: req.Name, Arguments: req.Arguments, StartedAt: s.deps.Now()}
	s.mu.Lock()
	s.pending = append(s.pending, call)
	state := s.state
	content := s.content.String()
	s.mu.Unlock()
	s.emit(types.ToolStartData{ToolName: req.Name, CallID: req.ID})

	result, err := s.lane.Invoke(ctx, state, tool.Call{
		ID:        req.ID,
		Name:      req.Name,
		Arguments: req.Arguments,
		Content:   content,
	})
	if err != nil {
		return s.violation(ctx, err), true
	}
	if ctx.Err() != nil {
		// The in-flight call is abandoned; no tool_result is emitted for it.
		return s.stopped(ctx), true
	}

	fold := foldText(req.Name, result)
	s.resolve(req.ID, result, fold)
	detail := result.Detail
	if !result.OK {
		detail = result.Reason
	}
	s.emit(types.ToolResultData{
		ToolName: req.Name,
		CallID:   req.ID,
		Success:  result.OK,
		Detail:   detail,
		Fold:     fold,
	})
	s.checkpoint(ctx)

	if !result.OK && s.deps.Invoker.IsFatal(req.Name) {
		return outcome{
			status:  types.StatusError,
			message: sanitize(fmt.Sprintf("tool %s failed: %s", req.Name, result.Reason)),
			detail:  types.DetailToolFailed,
		}, true
	}

	if sink != nil {
		if err := sink.SubmitToolResult(ctx, req.ID, result); err != nil {
			if errors.Is(err, types.ErrProtocolViolation) {
				return s.violation(ctx, err), true
			}
			return s.adapterFailure(fmt.Errorf("submit tool result: %w", err)), true
		}
	}

	if err := s.enter(ctx, types.StateThinking); err != nil {
		return s.violation(ctx, err), true
	}
	return outcome{}, false
}

// end handles the stream's end signal. The stream must stay silent afterwards.
func (s *Session) end(ctx context.Context, stream model.Stream) outcome {
	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	if pending > 0 {
		return s.violation(ctx, fmt.Errorf("%w: stream ended with %d unresolved tool calls", types.ErrProtocolViolation, pending))
	}

	dctx, cancel := context.WithTimeout(ctx, s.opts.DrainGrace)
	el, err := stream.Next(dctx)
	cancel()
	switch {
	case ctx.Err() != nil:
		return s.stopped(ctx)
	case err == nil:
		return s.violation(ctx, fmt.Errorf("%w: %s element after end", types.ErrProtocolViolation, el.Kind))
	case errors.Is(err, io.EOF), errors.Is(err, context.DeadlineExceeded):
	default:
		return s.violation(ctx, fmt.Errorf("%w: stream error after end: %v", types.ErrProtocolViolation, err))
	}

	if err := s.enter(ctx, types.StateBuilding); err != nil {
		return s.violation(ctx, err)
	}
	return outcome{status: types.StatusSuccess}
}

// finish persists the final record and announces the result.
func (s *Session) finish(ctx context.Context, out outcome) {
	content := s.contentString()
	res := s.deps.Persister.Finalize(ctx, types.TurnRecord{
		ID:                s.id,
		ConversationScope: s.scope,
		Content:           content,
		Status:            types.TurnStatus(out.status),
		Detail:            out.message,
		CreatedAt:         s.createdAt,
	})

	status, detail, message := out.status, out.detail, out.message
	if !res.Persisted() {
		s.log.Error().Err(res.Err).Int("attempts", res.Attempts).Msg("final write failed")
		status = types.StatusError
		detail = types.DetailPersistenceFailed
		if message == "" {
			message = "the turn could not be saved"
		}
	}

	switch status {
	case types.StatusSuccess:
		s.emit(types.CompleteData{FinalContent: content})
	case types.StatusError:
		s.emit(types.ErrorData{Message: message, PartialContent: content})
	}

	now := s.deps.Now()
	s.mu.Lock()
	from := s.state
	s.state = types.StateFinalized
	s.final = status
	s.finalizedAt = &now
	s.mu.Unlock()
	s.obs.StateChanged(ctx, s.id, from, types.StateFinalized)

	s.emit(types.FinalizedData{Status: status, Detail: detail})
	s.obs.SessionFinalized(ctx, s.id, status, detail, now.Sub(s.createdAt))
}

// enter moves to a non-terminal state and announces its phase.
func (s *Session) enter(ctx context.Context, to types.SessionState) error {
	s.mu.Lock()
	from := s.state
	if err := checkTransition(from, to); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", types.ErrProtocolViolation, err)
	}
	s.state = to
	s.mu.Unlock()

	s.obs.StateChanged(ctx, s.id, from, to)
	if phase, ok := phaseOf(to); ok {
		s.emit(types.StatusData{Phase: phase})
	}
	return nil
}

func (s *Session) appendContent(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content.WriteString(text)
}

func (s *Session) contentString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content.String()
}

// resolve removes the pending call id and folds its result into the content.
func (s *Session) resolve(id string, result types.ToolOutcome, fold string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, call := range s.pending {
		if call.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	s.content.WriteString(fold)
}

// checkpoint writes the current content as in_progress. Failures are
// reported by the synchronizer and otherwise ignored.
func (s *Session) checkpoint(ctx context.Context) {
	err := s.deps.Persister.Checkpoint(ctx, types.TurnRecord{
		ID:                s.id,
		ConversationScope: s.scope,
		Content:           s.contentString(),
		Status:            types.TurnInProgress,
		CreatedAt:         s.createdAt,
	})
	if err != nil {
		s.log.Debug().Err(err).Msg("checkpoint skipped")
	}
}

// abortFinalize publishes finalized(error) when finish panicked before it did.
func (s *Session) abortFinalize(ctx context.Context) {
	if s.finalSent {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Msgf("emit finalized after panic: %v", r)
		}
	}()

	now := s.deps.Now()
	s.mu.Lock()
	s.state = types.StateFinalized
	s.final = types.StatusError
	s.finalizedAt = &now
	s.mu.Unlock()

	s.emit(types.FinalizedData{Status: types.StatusError, Detail: types.DetailInternalError})
	s.obs.SessionFinalized(ctx, s.id, types.StatusError, types.DetailInternalError, now.Sub(s.createdAt))
}

func (s *Session) emit(data types.Payload) {
	if _, ok := data.(types.FinalizedData); ok {
		s.finalSent = true
	}
	s.seq++
	ev := types.Event{Seq: s.seq, SessionID: s.id, Time: s.deps.Now(), Data: data}
	if err := s.deps.Events.Publish(ev); err != nil {
		s.log.Warn().Err(err).Str("kind", string(ev.Kind())).Uint64("seq", ev.Seq).Msg("publish event")
	}
}

// stopped converts the context's cancellation cause into an outcome.
func (s *Session) stopped(ctx context.Context) outcome {
	if errors.Is(context.Cause(ctx), ErrSessionTimeout) {
		return outcome{status: types.StatusError, message: ErrSessionTimeout.Error(), detail: types.DetailTimeout}
	}
	return outcome{status: types.StatusCanceled}
}

func (s *Session) adapterFailure(err error) outcome {
	s.log.Warn().Err(err).Msg("model stream failed")
	return outcome{status: types.StatusError, message: sanitize(err.Error()), detail: types.DetailAdapterError}
}

func (s *Session) violation(ctx context.Context, err error) outcome {
	s.obs.Violation(ctx, s.id, err)
	s.log.Error().Err(err).Msg("protocol violation")
	return outcome{status: types.StatusError, message: "internal protocol violation", detail: types.DetailProtocolViolation}
}

// foldText is the annotation a tool result adds to the content.
func foldText(name string, result types.ToolOutcome) string {
	if !result.OK {
		return fmt.Sprintf("\n\n[tool %s failed: %s]\n", name, result.Reason)
	}
	return fmt.Sprintf("\n\n[tool %s]\n%s\n", name, result.Payload)
}

// sanitize keeps the first line of msg, capped to maxMessageLen runes.
func sanitize(msg string) string {
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	msg = strings.TrimSpace(msg)
	if r := []rune(msg); len(r) > maxMessageLen {
		msg = string(r[:maxMessageLen]) + "..."
	}
	if msg == "" {
		msg = "model stream failed"
	}
	return msg
}
