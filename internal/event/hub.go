package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/opencode-ai/turnstream/internal/telemetry"
	"github.com/opencode-ai/turnstream/pkg/types"
)

var (
	// ErrUnknownSession is returned when subscribing to a session the hub
	// has no stream for.
	ErrUnknownSession = errors.New("unknown session")
	// ErrStreamFinalized is returned when publishing after finalized.
	ErrStreamFinalized = errors.New("stream already finalized")
	// ErrHubClosed is returned after Close.
	ErrHubClosed = errors.New("hub closed")
)

// Defaults for Options.
const (
	DefaultRetention  = 2 * time.Minute
	DefaultMaxPending = 4096
)

// Options configures a Hub.
type Options struct {
	// Retention is how long a finalized stream stays subscribable. Zero means
	// DefaultRetention; a negative value evicts right after finalized.
	Retention time.Duration
	// MaxPending is the queue length past which a subscriber is dropped.
	MaxPending int
	Observer   telemetry.Observer
}

// Hub fans out session events to subscribers.
type Hub struct {
	pubsub     *gochannel.GoChannel
	retention  time.Duration
	maxPending int
	obs        telemetry.Observer

	mu      sync.Mutex
	streams map[string]*stream
	closed  bool
}

// stream is the hub-side state of one session.
type stream struct {
	// mu makes publish (snapshot update + gochannel publish) atomic with
	// subscribe (gochannel subscribe + snapshot capture).
	mu    sync.Mutex
	snap  types.Snapshot
	final *types.Event
	timer *time.Timer
}

// NewHub creates a hub.
func NewHub(opts Options) *Hub {
	switch {
	case opts.Retention == 0:
		opts.Retention = DefaultRetention
	case opts.Retention < 0:
		opts.Retention = 0
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	return &Hub{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				BlockPublishUntilSubscriberAck: true,
			},
			watermill.NopLogger{},
		),
		retention:  opts.Retention,
		maxPending: opts.MaxPending,
		obs:        telemetry.OrNop(opts.Observer),
		streams:    make(map[string]*stream),
	}
}

func topic(sessionID string) string { return "session." + sessionID }

// Open registers a stream for sessionID so it can be subscribed to before
// its first event. Opening an existing stream is a no-op.
func (h *Hub) Open(sessionID string) {
	h.stream(sessionID, true)
}

func (h *Hub) stream(sessionID string, create bool) *stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	st, ok := h.streams[sessionID]
	if !ok && create {
		st = &stream{snap: types.Snapshot{SessionID: sessionID, State: types.StateCreated}}
		h.streams[sessionID] = st
	}
	return st
}

// Publish delivers ev to every current subscriber of its session and folds
// it into the session snapshot. It blocks until all subscribers have
// enqueued the event.
func (h *Hub) Publish(ev types.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	st := h.stream(ev.SessionID, true)
	if st == nil {
		return ErrHubClosed
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.final != nil {
		return ErrStreamFinalized
	}

	st.snap.Apply(ev)
	if ev.Kind() == types.KindFinalized {
		final := ev
		st.final = &final
		h.scheduleEviction(ev.SessionID, st)
	}

	if err := h.pubsub.Publish(topic(ev.SessionID), message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind(), err)
	}
	return nil
}

// scheduleEviction removes st after the retention window. Caller holds st.mu.
func (h *Hub) scheduleEviction(sessionID string, st *stream) {
	evict := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.streams[sessionID] == st {
			delete(h.streams, sessionID)
		}
	}
	if h.retention == 0 {
		go evict()
		return
	}
	st.timer = time.AfterFunc(h.retention, evict)
}

// Subscribe attaches an observer to sessionID. The first event is always a
// snapshot. The subscription ends after finalized, when ctx is done, or
// when Close is called.
func (h *Hub) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	st := h.stream(sessionID, false)
	if st == nil {
		h.mu.Lock()
		closed := h.closed
		h.mu.Unlock()
		if closed {
			return nil, ErrHubClosed
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	initial := []types.Event{snapshotEvent(st.snap)}
	if st.final != nil {
		initial = append(initial, *st.final)
		sub := newSubscription(sessionID, h.maxPending, nil)
		go sub.run(ctx, nil, initial, func() {})
		return sub, nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	in, err := h.pubsub.Subscribe(subCtx, topic(sessionID))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	sub := newSubscription(sessionID, h.maxPending, func(reason string) {
		h.obs.SubscriberDropped(context.Background(), sessionID, reason)
	})
	go sub.run(subCtx, in, initial, cancel)
	return sub, nil
}

// Snapshot returns the current snapshot of sessionID, including finished
// streams still within retention.
func (h *Hub) Snapshot(sessionID string) (types.Snapshot, bool) {
	st := h.stream(sessionID, false)
	if st == nil {
		return types.Snapshot{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	snap := st.snap
	snap.Pending = append([]string(nil), st.snap.Pending...)
	return snap, true
}

// Close closes every subscription and stops eviction timers.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	streams := h.streams
	h.streams = make(map[string]*stream)
	h.mu.Unlock()

	for _, st := range streams {
		st.mu.Lock()
		if st.timer != nil {
			st.timer.Stop()
		}
		st.mu.Unlock()
	}
	return h.pubsub.Close()
}

func snapshotEvent(s types.Snapshot) types.Event {
	return types.Event{
		Seq:       s.Seq,
		SessionID: s.SessionID,
		Time:      time.Now(),
		Data:      s.Data(),
	}
}
