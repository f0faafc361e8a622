package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/opencode-ai/turnstream/pkg/types"
)

// DefaultMaxRounds bounds the number of model rounds in one turn.
const DefaultMaxRounds = 8

// EinoOptions configures an EinoAdapter.
type EinoOptions struct {
	// System is prepended as a system message when set.
	System string
	// Tools are bound to the chat model.
	Tools []*schema.ToolInfo
	// MaxRounds bounds how many times the model is re-invoked with tool results.
	MaxRounds int
	// MaxTokens is passed per request when positive.
	MaxTokens int
}

// EinoAdapter drives an eino tool-calling chat model.
type EinoAdapter struct {
	chatModel einomodel.ToolCallingChatModel
	system    string
	maxRounds int
	opts      []einomodel.Option
}

// NewEinoAdapter binds tools to chatModel and returns an adapter over it.
func NewEinoAdapter(chatModel einomodel.ToolCallingChatModel, opts EinoOptions) (*EinoAdapter, error) {
	if len(opts.Tools) > 0 {
		bound, err := chatModel.WithTools(opts.Tools)
		if err != nil {
			return nil, fmt.Errorf("failed to bind tools: %w", err)
		}
		chatModel = bound
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = DefaultMaxRounds
	}

	var callOpts []einomodel.Option
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, einomodel.WithMaxTokens(opts.MaxTokens))
	}

	return &EinoAdapter{
		chatModel: chatModel,
		system:    opts.System,
		maxRounds: opts.MaxRounds,
		opts:      callOpts,
	}, nil
}

// Open starts the first round.
func (a *EinoAdapter) Open(ctx context.Context, req Request) (Stream, error) {
	var history []*schema.Message
	if a.system != "" {
		history = append(history, schema.SystemMessage(a.system))
	}
	history = append(history, schema.UserMessage(req.UserInput))

	s := &einoStream{adapter: a, history: history}
	if err := s.startRound(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

type streamPhase int

const (
	phaseStreaming streamPhase = iota
	phaseAwaitingResults
	phaseDone
)

// pendingCall accumulates a streamed tool call.
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

type einoStream struct {
	adapter *EinoAdapter

	mu      sync.Mutex
	reader  *schema.StreamReader[*schema.Message]
	history []*schema.Message
	round   int
	phase   streamPhase

	text    strings.Builder
	calls   []*pendingCall
	byKey   map[string]*pendingCall
	queue   []Element
	results map[string]types.ToolOutcome
}

func (s *einoStream) startRound(ctx context.Context) error {
	reader, err := s.adapter.chatModel.Stream(ctx, s.history, s.adapter.opts...)
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	s.reader = reader
	s.round++
	s.phase = phaseStreaming
	s.text.Reset()
	s.calls = nil
	s.byKey = make(map[string]*pendingCall)
	s.results = make(map[string]types.ToolOutcome)
	return nil
}

func (s *einoStream) Next(ctx context.Context) (Element, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if len(s.queue) > 0 {
			el := s.queue[0]
			s.queue = s.queue[1:]
			return el, nil
		}
		if err := ctx.Err(); err != nil {
			return Element{}, err
		}

		switch s.phase {
		case phaseDone:
			return Element{}, io.EOF
		case phaseAwaitingResults:
			if el, ok := s.continueRound(ctx); !ok {
				return el, nil
			}
			continue
		}

		msg, err := s.reader.Recv()
		if errors.Is(err, io.EOF) {
			s.reader.Close()
			if len(s.calls) == 0 {
				s.phase = phaseDone
				return End(), nil
			}
			s.phase = phaseAwaitingResults
			for i, c := range s.calls {
				if c.id == "" {
					c.id = fmt.Sprintf("call_%d_%d", s.round, i)
				}
				s.queue = append(s.queue, ToolCall(c.id, c.name, normalizeArgs(c.args.String())))
			}
			continue
		}
		if err != nil {
			s.reader.Close()
			s.phase = phaseDone
			return Failure(err), nil
		}

		s.absorbToolCalls(msg.ToolCalls)
		if msg.Content != "" {
			s.text.WriteString(msg.Content)
			return Fragment(msg.Content), nil
		}
	}
}

// continueRound opens the next round once every tool result is in. It
// returns false with a terminal element when the turn cannot continue.
func (s *einoStream) continueRound(ctx context.Context) (Element, bool) {
	assistant := &schema.Message{Role: schema.Assistant, Content: s.text.String()}
	var replies []*schema.Message
	for _, c := range s.calls {
		outcome, ok := s.results[c.id]
		if !ok {
			s.phase = phaseDone
			return Failure(fmt.Errorf("missing result for tool call %s", c.id)), false
		}
		assistant.ToolCalls = append(assistant.ToolCalls, schema.ToolCall{
			ID:       c.id,
			Type:     "function",
			Function: schema.FunctionCall{Name: c.name, Arguments: string(normalizeArgs(c.args.String()))},
		})
		replies = append(replies, schema.ToolMessage(toolMessage(outcome), c.id))
	}

	if s.round >= s.adapter.maxRounds {
		s.phase = phaseDone
		return Failure(fmt.Errorf("tool round limit (%d) reached", s.adapter.maxRounds)), false
	}

	s.history = append(s.history, assistant)
	s.history = append(s.history, replies...)
	if err := s.startRound(ctx); err != nil {
		s.phase = phaseDone
		return Failure(err), false
	}
	return Element{}, true
}

// absorbToolCalls merges streamed tool-call chunks. Providers send the id and
// name on the first chunk and argument fragments on later chunks keyed by index.
func (s *einoStream) absorbToolCalls(chunks []schema.ToolCall) {
	for i, tc := range chunks {
		key := tc.ID
		if tc.Index != nil {
			key = "#" + strconv.Itoa(*tc.Index)
		} else if key == "" {
			key = "#" + strconv.Itoa(i)
		}

		call, ok := s.byKey[key]
		if !ok {
			call = &pendingCall{}
			s.byKey[key] = call
			s.calls = append(s.calls, call)
		}
		if call.id == "" && tc.ID != "" {
			call.id = tc.ID
		}
		if call.name == "" && tc.Function.Name != "" {
			call.name = tc.Function.Name
		}
		call.args.WriteString(tc.Function.Arguments)
	}
}

// SubmitToolResult records the outcome of a tool call from the current round.
func (s *einoStream) SubmitToolResult(_ context.Context, callID string, outcome types.ToolOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != phaseAwaitingResults {
		return fmt.Errorf("%w: no tool calls awaiting results", types.ErrProtocolViolation)
	}
	for _, c := range s.calls {
		if c.id == callID {
			s.results[callID] = outcome
			return nil
		}
	}
	return fmt.Errorf("%w: unknown tool call %s", types.ErrProtocolViolation, callID)
}

func (s *einoStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader != nil && s.phase == phaseStreaming {
		s.reader.Close()
	}
	s.phase = phaseDone
	s.queue = nil
	return nil
}
