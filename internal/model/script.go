package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opencode-ai/turnstream/pkg/types"
)

// ErrEmptyElement is returned for a script element that sets nothing.
var ErrEmptyElement = errors.New("empty script element")

// Script is a deterministic, YAML-described set of model responses.
type Script struct {
	Defaults ScriptDefaults `yaml:"defaults"`
	Rules    []ScriptRule   `yaml:"rules"`
}

// ScriptDefaults applies when no rule matches.
type ScriptDefaults struct {
	// Fallback is streamed word by word, then the stream ends.
	Fallback string `yaml:"fallback"`
	// ChunkDelay is applied before every element.
	ChunkDelay types.Duration `yaml:"chunk_delay"`
}

// ScriptRule maps a matching user input to a sequence of elements.
type ScriptRule struct {
	Name     string          `yaml:"name"`
	Match    MatchConfig     `yaml:"match"`
	Priority int             `yaml:"priority"`
	Elements []ScriptElement `yaml:"elements"`
}

// ScriptElement is one scripted stream element. Exactly one of Fragment,
// Tool, Error, End or Hang is expected; Delay may accompany any of them.
type ScriptElement struct {
	Fragment string          `yaml:"fragment,omitempty"`
	Tool     *ScriptToolCall `yaml:"tool,omitempty"`
	Error    string          `yaml:"error,omitempty"`
	End      bool            `yaml:"end,omitempty"`
	// Hang blocks until the caller's context is done.
	Hang  bool           `yaml:"hang,omitempty"`
	Delay types.Duration `yaml:"delay,omitempty"`
}

// ScriptToolCall describes a scripted tool request.
type ScriptToolCall struct {
	ID        string         `yaml:"id"`
	Name      string         `yaml:"name"`
	Arguments map[string]any `yaml:"arguments"`
}

// MatchConfig defines how to match user input.
type MatchConfig struct {
	// Case-insensitive substring.
	Contains string `yaml:"contains"`
	// All strings must be present (case-insensitive).
	ContainsAll []string `yaml:"contains_all"`
	// Any string must be present (case-insensitive).
	ContainsAny []string `yaml:"contains_any"`
	// Case-insensitive exact match.
	Exact string `yaml:"exact"`
	Regex string `yaml:"regex"`
}

// Matches reports whether input satisfies the rule.
func (m *MatchConfig) Matches(input string) bool {
	lower := strings.ToLower(input)

	if m.Exact != "" {
		return strings.EqualFold(input, m.Exact)
	}
	if m.Contains != "" {
		return strings.Contains(lower, strings.ToLower(m.Contains))
	}
	if len(m.ContainsAll) > 0 {
		for _, s := range m.ContainsAll {
			if !strings.Contains(lower, strings.ToLower(s)) {
				return false
			}
		}
		return true
	}
	if len(m.ContainsAny) > 0 {
		for _, s := range m.ContainsAny {
			if strings.Contains(lower, strings.ToLower(s)) {
				return true
			}
		}
		return false
	}
	if m.Regex != "" {
		re, err := regexp.Compile(m.Regex)
		if err != nil {
			return false
		}
		return re.MatchString(input)
	}
	return false
}

// DefaultScript returns the script used when provider is "script" and no
// script file is configured.
func DefaultScript() *Script {
	return &Script{
		Defaults: ScriptDefaults{
			Fallback:   "I understand your request. Let me help you with that.",
			ChunkDelay: types.Duration(5 * time.Millisecond),
		},
		Rules: []ScriptRule{
			{
				Name:     "hello-world",
				Match:    MatchConfig{Contains: "hello"},
				Priority: 10,
				Elements: []ScriptElement{{Fragment: "Hello"}, {Fragment: " world"}, {End: true}},
			},
			{
				Name:     "patch",
				Match:    MatchConfig{ContainsAll: []string{"patch", "fail"}},
				Priority: 10,
				Elements: []ScriptElement{
					{Fragment: "Applying patch."},
					{Tool: &ScriptToolCall{ID: "call_patch_1", Name: "patch", Arguments: map[string]any{"x": 1}}},
					{Fragment: " Done."},
					{End: true},
				},
			},
			{
				Name:     "backend-error",
				Match:    MatchConfig{Contains: "explode"},
				Priority: 10,
				Elements: []ScriptElement{{Fragment: "Partial"}, {Error: "backend stream failed"}},
			},
		},
	}
}

// ParseScript decodes a YAML script.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	for _, r := range s.Rules {
		if r.Match.Regex == "" {
			continue
		}
		if _, err := regexp.Compile(r.Match.Regex); err != nil {
			return nil, fmt.Errorf("rule %q: invalid regex: %w", r.Name, err)
		}
	}
	return &s, nil
}

// LoadScript reads a YAML script from path.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseScript(data)
}

// resolve returns the elements for input.
func (s *Script) resolve(input string) []ScriptElement {
	rules := make([]ScriptRule, len(s.Rules))
	copy(rules, s.Rules)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	for _, r := range rules {
		if r.Match.Matches(input) {
			return r.Elements
		}
	}

	var out []ScriptElement
	for _, word := range strings.SplitAfter(s.Defaults.Fallback, " ") {
		if word != "" {
			out = append(out, ScriptElement{Fragment: word})
		}
	}
	return append(out, ScriptElement{End: true})
}

// ScriptAdapter replays scripted elements verbatim. It does not enforce the
// terminal-element contract, so scripts can describe misbehaving backends.
type ScriptAdapter struct {
	script atomic.Pointer[Script]
}

// NewScriptAdapter creates an adapter over script.
func NewScriptAdapter(script *Script) *ScriptAdapter {
	a := &ScriptAdapter{}
	a.SetScript(script)
	return a
}

// SetScript replaces the script used by later Open calls. Open streams keep
// the elements they resolved. A nil script restores DefaultScript.
func (a *ScriptAdapter) SetScript(script *Script) {
	if script == nil {
		script = DefaultScript()
	}
	a.script.Store(script)
}

func (a *ScriptAdapter) Open(ctx context.Context, req Request) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	script := a.script.Load()
	return &ScriptStream{
		elements:   script.resolve(req.UserInput),
		chunkDelay: script.Defaults.ChunkDelay.Std(),
	}, nil
}

// ScriptStream is a stream produced by ScriptAdapter.
type ScriptStream struct {
	mu         sync.Mutex
	elements   []ScriptElement
	pos        int
	chunkDelay time.Duration
	closed     bool
	results    map[string]types.ToolOutcome
}

func (s *ScriptStream) Next(ctx context.Context) (Element, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Element{}, ErrStreamClosed
	}
	if s.pos >= len(s.elements) {
		s.mu.Unlock()
		return Element{}, io.EOF
	}
	el := s.elements[s.pos]
	s.pos++
	s.mu.Unlock()

	if d := s.chunkDelay + el.Delay.Std(); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Element{}, ctx.Err()
		}
	}

	switch {
	case el.Hang:
		<-ctx.Done()
		return Element{}, ctx.Err()
	case el.Tool != nil:
		args, err := json.Marshal(el.Tool.Arguments)
		if err != nil {
			return Failure(fmt.Errorf("encode tool arguments: %w", err)), nil
		}
		if el.Tool.Arguments == nil {
			args = json.RawMessage("{}")
		}
		return ToolCall(el.Tool.ID, el.Tool.Name, args), nil
	case el.Error != "":
		return Failure(errors.New(el.Error)), nil
	case el.End:
		return End(), nil
	case el.Fragment != "":
		return Fragment(el.Fragment), nil
	}
	return Element{}, ErrEmptyElement
}

// SubmitToolResult records an outcome; scripted streams do not react to it.
func (s *ScriptStream) SubmitToolResult(_ context.Context, callID string, outcome types.ToolOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.results == nil {
		s.results = make(map[string]types.ToolOutcome)
	}
	s.results[callID] = outcome
	return nil
}

// Results returns the outcomes submitted so far.
func (s *ScriptStream) Results() map[string]types.ToolOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]types.ToolOutcome, len(s.results))
	for k, v := range s.results {
		out[k] = v
	}
	return out
}

func (s *ScriptStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
