package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/turnstream/internal/logging"
	"github.com/opencode-ai/turnstream/pkg/types"
)

var (
	// ErrSessionNotFound is returned for an id the manager does not know.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidRequest is returned by Start for a request missing required fields.
	ErrInvalidRequest = errors.New("invalid session request")
	// ErrShuttingDown is returned by Start after Shutdown.
	ErrShuttingDown = errors.New("session manager is shutting down")
)

// CreateRequest starts one turn.
type CreateRequest struct {
	ConversationScope string `json:"conversationScope"`
	UserInput         string `json:"userInput"`
}

// Opener is implemented by publishers that register a stream before its
// first event, so observers can subscribe right after Start returns.
type Opener interface {
	Open(sessionID string)
}

// Manager creates, tracks and cancels sessions.
type Manager struct {
	deps Deps
	opts Options

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
	timers   map[string]*time.Timer
	closed   bool
}

// NewManager creates a Manager. Deps.Adapter, Invoker, Persister and Events
// are required.
func NewManager(deps Deps, opts Options) *Manager {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		deps:     deps,
		opts:     opts,
		base:     base,
		stop:     stop,
		sessions: make(map[string]*Session),
		timers:   make(map[string]*time.Timer),
	}
}

// Start registers a session and begins streaming it in the background. ctx
// only bounds the call itself; the session outlives it.
func (m *Manager) Start(ctx context.Context, req CreateRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	req.ConversationScope = strings.TrimSpace(req.ConversationScope)
	if req.ConversationScope == "" {
		return "", fmt.Errorf("%w: conversationScope is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.UserInput) == "" {
		return "", fmt.Errorf("%w: userInput is required", ErrInvalidRequest)
	}

	id := ulid.Make().String()
	sess := newSession(id, req, m.deps, m.opts)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrShuttingDown
	}
	if opener, ok := m.deps.Events.(Opener); ok {
		opener.Open(id)
	}
	m.sessions[id] = sess
	m.wg.Add(1)
	sess.start(m.base)
	go m.reap(sess)

	logging.Info().
		Str("sessionID", id).
		Str("scope", req.ConversationScope).
		Msg("session started")
	return id, nil
}

// reap waits for sess to finish and schedules its removal.
func (m *Manager) reap(sess *Session) {
	<-sess.Done()
	m.wg.Done()

	evict := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.sessions[sess.id] == sess {
			delete(m.sessions, sess.id)
			delete(m.timers, sess.id)
		}
		m.deps.Persister.Forget(sess.id)
	}
	if m.opts.Retention <= 0 {
		evict()
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.timers[sess.id] = time.AfterFunc(m.opts.Retention, evict)
}

// Cancel stops a running session. Canceling a finished session is a no-op.
func (m *Manager) Cancel(id string) error {
	sess, err := m.lookup(id)
	if err != nil {
		return err
	}
	sess.Cancel()
	return nil
}

// Get returns the current view of a live or recently finished session.
func (m *Manager) Get(id string) (types.SessionInfo, error) {
	sess, err := m.lookup(id)
	if err != nil {
		return types.SessionInfo{}, err
	}
	return sess.Info(), nil
}

// Done returns a channel closed once the session has emitted finalized.
func (m *Manager) Done(id string) (<-chan struct{}, error) {
	sess, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return sess.Done(), nil
}

// Active lists the sessions that have not finalized, oldest first.
func (m *Manager) Active() []types.SessionInfo {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		list = append(list, sess)
	}
	m.mu.Unlock()

	out := make([]types.SessionInfo, 0, len(list))
	for _, sess := range list {
		info := sess.Info()
		if info.State != types.StateFinalized {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Shutdown refuses new sessions, cancels the running ones and waits for them
// to finalize or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, t := range m.timers {
		t.Stop()
	}
	running := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		running = append(running, sess)
	}
	m.mu.Unlock()

	for _, sess := range running {
		sess.Cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.stop()
		return nil
	case <-ctx.Done():
		m.stop()
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

func (m *Manager) lookup(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}
