package event

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/turnstream/internal/telemetry"
	"github.com/opencode-ai/turnstream/pkg/types"
)

type seqEmitter struct {
	sessionID string
	seq       uint64
}

func (e *seqEmitter) next(data types.Payload) types.Event {
	e.seq++
	return types.Event{Seq: e.seq, SessionID: e.sessionID, Time: time.Now(), Data: data}
}

func collect(t *testing.T, sub *Subscription, timeout time.Duration) []types.Event {
	t.Helper()
	var out []types.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("subscription did not close; got %d events", len(out))
			return out
		}
	}
}

func kinds(events []types.Event) []types.EventKind {
	out := make([]types.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind()
	}
	return out
}

func TestHub_OrderedDelivery(t *testing.T) {
	hub := NewHub(Options{})
	defer hub.Close()
	hub.Open("ses_1")

	sub, err := hub.Subscribe(context.Background(), "ses_1")
	require.NoError(t, err)

	em := &seqEmitter{sessionID: "ses_1"}
	require.NoError(t, hub.Publish(em.next(types.StatusData{Phase: types.PhaseThinking})))
	for i := 0; i < 50; i++ {
		require.NoError(t, hub.Publish(em.next(types.DeltaData{Text: fmt.Sprintf("%d,", i)})))
	}
	require.NoError(t, hub.Publish(em.next(types.FinalizedData{Status: types.StatusSuccess})))

	events := collect(t, sub, 2*time.Second)
	require.Len(t, events, 53)
	assert.Equal(t, types.KindSnapshot, events[0].Kind())
	for i := 1; i < len(events); i++ {
		assert.Equal(t, uint64(i), events[i].Seq)
	}
	assert.Equal(t, types.KindFinalized, events[len(events)-1].Kind())
	assert.NoError(t, sub.Err())
}

func TestHub_LateSubscriberSnapshot(t *testing.T) {
	hub := NewHub(Options{})
	defer hub.Close()
	em := &seqEmitter{sessionID: "ses_1"}

	require.NoError(t, hub.Publish(em.next(types.StatusData{Phase: types.PhaseThinking})))
	require.NoError(t, hub.Publish(em.next(types.DeltaData{Text: "Hello"})))

	sub, err := hub.Subscribe(context.Background(), "ses_1")
	require.NoError(t, err)

	require.NoError(t, hub.Publish(em.next(types.DeltaData{Text: " world"})))
	require.NoError(t, hub.Publish(em.next(types.CompleteData{FinalContent: "Hello world"})))
	require.NoError(t, hub.Publish(em.next(types.FinalizedData{Status: types.StatusSuccess})))

	events := collect(t, sub, 2*time.Second)
	require.Equal(t, []types.EventKind{types.KindSnapshot, types.KindDelta, types.KindComplete, types.KindFinalized}, kinds(events))

	snap := events[0].Data.(types.SnapshotData)
	assert.Equal(t, "Hello", snap.Content)
	assert.Equal(t, uint64(2), snap.Seq)
	assert.Equal(t, types.PhaseThinking, snap.Phase)

	replayed := types.Replay(events)
	assert.Equal(t, "Hello world", replayed.Content)
	assert.Equal(t, types.StatusSuccess, replayed.Final)
}

func TestHub_SubscribeAfterFinalized(t *testing.T) {
	hub := NewHub(Options{Retention: time.Minute})
	defer hub.Close()
	em := &seqEmitter{sessionID: "ses_1"}

	require.NoError(t, hub.Publish(em.next(types.DeltaData{Text: "partial"})))
	require.NoError(t, hub.Publish(em.next(types.ErrorData{Message: "boom", PartialContent: "partial"})))
	require.NoError(t, hub.Publish(em.next(types.FinalizedData{Status: types.StatusError, Detail: types.DetailTimeout})))

	sub, err := hub.Subscribe(context.Background(), "ses_1")
	require.NoError(t, err)

	events := collect(t, sub, time.Second)
	require.Equal(t, []types.EventKind{types.KindSnapshot, types.KindFinalized}, kinds(events))
	assert.Equal(t, "partial", events[0].Data.(types.SnapshotData).Content)
	assert.Equal(t, types.StatusError, events[0].Data.(types.SnapshotData).Final)
	assert.Equal(t, types.StatusError, events[1].Data.(types.FinalizedData).Status)

	replayed := types.Replay(events)
	assert.True(t, replayed.Finalized())
	assert.Equal(t, types.StatusError, replayed.Final)
	assert.Equal(t, types.DetailTimeout, replayed.FinalDetail)
	assert.Equal(t, "boom", replayed.ErrorMessage)
	assert.Equal(t, "partial", replayed.Content)
}

func TestHub_ZeroRetentionKeepsFinishedStream(t *testing.T) {
	hub := NewHub(Options{})
	defer hub.Close()
	em := &seqEmitter{sessionID: "ses_1"}

	require.NoError(t, hub.Publish(em.next(types.DeltaData{Text: "done"})))
	require.NoError(t, hub.Publish(em.next(types.FinalizedData{Status: types.StatusSuccess})))
	time.Sleep(20 * time.Millisecond)

	sub, err := hub.Subscribe(context.Background(), "ses_1")
	require.NoError(t, err)
	events := collect(t, sub, time.Second)
	require.Equal(t, []types.EventKind{types.KindSnapshot, types.KindFinalized}, kinds(events))
	assert.Equal(t, "done", types.Replay(events).Content)
}

func TestHub_PublishAfterFinalized(t *testing.T) {
	hub := NewHub(Options{})
	defer hub.Close()
	em := &seqEmitter{sessionID: "ses_1"}

	require.NoError(t, hub.Publish(em.next(types.FinalizedData{Status: types.StatusCanceled})))
	err := hub.Publish(em.next(types.DeltaData{Text: "late"}))
	assert.ErrorIs(t, err, ErrStreamFinalized)
}

func TestHub_RejectsInvalidEvent(t *testing.T) {
	hub := NewHub(Options{})
	defer hub.Close()

	err := hub.Publish(types.Event{SessionID: "ses_1", Data: types.DeltaData{Text: "x"}})
	assert.ErrorIs(t, err, types.ErrInvalidEvent)
}

func TestHub_UnknownSession(t *testing.T) {
	hub := NewHub(Options{})
	defer hub.Close()

	_, err := hub.Subscribe(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

type dropCounter struct {
	telemetry.Nop
	mu    sync.Mutex
	drops int
}

func (d *dropCounter) SubscriberDropped(context.Context, string, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drops++
}

func (d *dropCounter) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drops
}

func TestHub_LaggingSubscriberDropped(t *testing.T) {
	obs := &dropCounter{}
	hub := NewHub(Options{MaxPending: 3, Observer: obs})
	defer hub.Close()
	hub.Open("ses_1")

	lagging, err := hub.Subscribe(context.Background(), "ses_1")
	require.NoError(t, err)
	healthy, err := hub.Subscribe(context.Background(), "ses_1")
	require.NoError(t, err)

	// The healthy subscriber keeps up: it takes each event before the next publish.
	first := <-healthy.Events()
	require.Equal(t, types.KindSnapshot, first.Kind())

	em := &seqEmitter{sessionID: "ses_1"}
	for i := 0; i < 10; i++ {
		require.NoError(t, hub.Publish(em.next(types.DeltaData{Text: "x"})))
		ev := <-healthy.Events()
		require.Equal(t, uint64(i+1), ev.Seq)
	}
	require.NoError(t, hub.Publish(em.next(types.FinalizedData{Status: types.StatusSuccess})))
	assert.Equal(t, types.KindFinalized, (<-healthy.Events()).Kind())
	assert.NoError(t, healthy.Err())

	require.Eventually(t, func() bool { return lagging.Err() != nil }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, lagging.Err(), ErrSubscriberLagging)
	assert.Equal(t, 1, obs.count())

	// The dropped subscriber's channel is closed; buffered events are discarded.
	for range lagging.Events() {
	}
}

func TestHub_CloseSubscriptionKeepsStream(t *testing.T) {
	hub := NewHub(Options{})
	defer hub.Close()
	hub.Open("ses_1")

	sub, err := hub.Subscribe(context.Background(), "ses_1")
	require.NoError(t, err)
	<-sub.Events()
	sub.Close()

	em := &seqEmitter{sessionID: "ses_1"}
	require.NoError(t, hub.Publish(em.next(types.DeltaData{Text: "still running"})))

	snap, ok := hub.Snapshot("ses_1")
	require.True(t, ok)
	assert.Equal(t, "still running", snap.Content)
}

func TestHub_ContextCancelDetaches(t *testing.T) {
	hub := NewHub(Options{})
	defer hub.Close()
	hub.Open("ses_1")

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := hub.Subscribe(ctx, "ses_1")
	require.NoError(t, err)
	cancel()

	collect(t, sub, time.Second)

	em := &seqEmitter{sessionID: "ses_1"}
	require.NoError(t, hub.Publish(em.next(types.DeltaData{Text: "x"})))
}

func TestHub_RetentionEvicts(t *testing.T) {
	hub := NewHub(Options{Retention: 20 * time.Millisecond})
	defer hub.Close()
	em := &seqEmitter{sessionID: "ses_1"}
	require.NoError(t, hub.Publish(em.next(types.FinalizedData{Status: types.StatusSuccess})))

	_, ok := hub.Snapshot("ses_1")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		sub, err := hub.Subscribe(context.Background(), "ses_1")
		if err != nil {
			return true
		}
		sub.Close()
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestHub_ConcurrentSubscribersReconstructContent(t *testing.T) {
	hub := NewHub(Options{})
	defer hub.Close()
	hub.Open("ses_1")

	const words = 200
	var want strings.Builder
	for i := 0; i < words; i++ {
		fmt.Fprintf(&want, "w%d ", i)
	}

	var wg sync.WaitGroup
	results := make([]string, 8)
	start := make(chan struct{})
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			time.Sleep(time.Duration(i) * time.Millisecond)
			sub, err := hub.Subscribe(context.Background(), "ses_1")
			if err != nil {
				return
			}
			var snap types.Snapshot
			for ev := range sub.Events() {
				snap.Apply(ev)
			}
			results[i] = snap.Content
		}(i)
	}

	close(start)
	em := &seqEmitter{sessionID: "ses_1"}
	for i := 0; i < words; i++ {
		require.NoError(t, hub.Publish(em.next(types.DeltaData{Text: fmt.Sprintf("w%d ", i)})))
	}
	require.NoError(t, hub.Publish(em.next(types.FinalizedData{Status: types.StatusSuccess})))
	wg.Wait()

	for i, got := range results {
		assert.Equal(t, want.String(), got, "subscriber %d", i)
	}
}

func TestHub_CloseEndsSubscriptions(t *testing.T) {
	hub := NewHub(Options{})
	hub.Open("ses_1")

	sub, err := hub.Subscribe(context.Background(), "ses_1")
	require.NoError(t, err)
	require.NoError(t, hub.Close())

	collect(t, sub, time.Second)

	_, err = hub.Subscribe(context.Background(), "ses_1")
	assert.ErrorIs(t, err, ErrHubClosed)
	assert.ErrorIs(t, hub.Publish(types.Event{Seq: 1, SessionID: "ses_1", Data: types.DeltaData{Text: "x"}}), ErrHubClosed)
}
