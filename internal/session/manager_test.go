package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/turnstream/internal/event"
	"github.com/opencode-ai/turnstream/internal/model"
	"github.com/opencode-ai/turnstream/internal/persist"
	"github.com/opencode-ai/turnstream/internal/tool"
	"github.com/opencode-ai/turnstream/pkg/types"
)

func hanging() model.Adapter {
	return scripted(model.ScriptElement{Fragment: "working"}, model.ScriptElement{Hang: true})
}

func TestManager_StartValidation(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	_, err := h.mgr.Start(context.Background(), CreateRequest{UserInput: "hello"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.mgr.Start(context.Background(), CreateRequest{ConversationScope: "c1", UserInput: "   "})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.mgr.Start(ctx, CreateRequest{ConversationScope: "c1", UserInput: "hello"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestManager_UnknownSession(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	_, err := h.mgr.Get("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, h.mgr.Cancel("missing"), ErrSessionNotFound)
	_, err = h.mgr.Done("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_StartCallerContextDoesNotCancel(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	id, err := h.mgr.Start(ctx, CreateRequest{ConversationScope: "c1", UserInput: "hello"})
	require.NoError(t, err)
	cancel()

	events := h.wait(t, id)
	assert.Equal(t, types.StatusSuccess, finalOf(t, events).Status)
}

func TestManager_ActiveAndGet(t *testing.T) {
	h := newHarness(t, harnessConfig{adapter: hanging()})
	first := h.start(t, "one")
	second := h.start(t, "two")

	require.Eventually(t, func() bool {
		info, err := h.mgr.Get(second)
		return err == nil && info.Content == "working"
	}, 2*time.Second, 5*time.Millisecond)

	active := h.mgr.Active()
	require.Len(t, active, 2)
	ids := []string{active[0].ID, active[1].ID}
	assert.ElementsMatch(t, []string{first, second}, ids)
	assert.Equal(t, types.StateThinking, active[1].State)

	require.NoError(t, h.mgr.Cancel(first))
	h.wait(t, first)

	active = h.mgr.Active()
	require.Len(t, active, 1)
	assert.Equal(t, second, active[0].ID)

	info, err := h.mgr.Get(first)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCanceled, info.FinalStatus)
}

func TestManager_CancelFinishedIsNoop(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	id, events := h.run(t, "hello")
	require.NoError(t, h.mgr.Cancel(id))

	assert.Equal(t, events, h.events.of(id))
	assert.Equal(t, types.TurnSuccess, h.record(t, id).Status)
}

func TestManager_ShutdownCancelsRunning(t *testing.T) {
	h := newHarness(t, harnessConfig{adapter: hanging()})
	ids := []string{h.start(t, "a"), h.start(t, "b"), h.start(t, "c")}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.mgr.Shutdown(ctx))

	for _, id := range ids {
		events := h.events.of(id)
		assert.Equal(t, types.StatusCanceled, finalOf(t, events).Status, id)
		assert.Equal(t, types.TurnCanceled, h.record(t, id).Status, id)
	}

	_, err := h.mgr.Start(context.Background(), CreateRequest{ConversationScope: "c1", UserInput: "hello"})
	assert.True(t, errors.Is(err, ErrShuttingDown))
}

func TestManager_RetentionEvicts(t *testing.T) {
	h := newHarness(t, harnessConfig{opts: Options{Retention: 10 * time.Millisecond}})
	id, _ := h.run(t, "hello")

	require.Eventually(t, func() bool {
		_, err := h.mgr.Get(id)
		return errors.Is(err, ErrSessionNotFound)
	}, 2*time.Second, 5*time.Millisecond)

	// The record outlives the in-memory session.
	assert.Equal(t, "Hello world", h.record(t, id).Content)
}

func TestManager_WithHub(t *testing.T) {
	hub := event.NewHub(event.Options{Retention: time.Minute})
	defer hub.Close()
	store := newMemStore()

	mgr := NewManager(Deps{
		Adapter:   model.NewScriptAdapter(nil),
		Invoker:   tool.NewInvoker(tool.DefaultRegistry(types.ToolsConfig{}), tool.InvokerOptions{}),
		Persister: persist.New(store, persist.Options{}),
		Events:    hub,
	}, Options{Retention: time.Minute})
	defer mgr.Shutdown(context.Background())

	id, err := mgr.Start(context.Background(), CreateRequest{ConversationScope: "c1", UserInput: "patch then fail"})
	require.NoError(t, err)

	sub, err := hub.Subscribe(context.Background(), id)
	require.NoError(t, err)

	var events []types.Event
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				done = true
				break
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("subscription did not finish")
		}
	}

	require.NotEmpty(t, events)
	assert.Equal(t, types.KindSnapshot, events[0].Kind())
	snap := types.Replay(events)
	assert.Equal(t, types.StatusSuccess, snap.Final)
	assert.Empty(t, snap.Pending)

	rec, err := store.GetTurn(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, rec.Content, snap.Content)
}
