package event

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/opencode-ai/turnstream/internal/logging"
	"github.com/opencode-ai/turnstream/pkg/types"
)

// ErrSubscriberLagging is reported by Err when a subscriber was dropped for
// falling too far behind.
var ErrSubscriberLagging = errors.New("subscriber lagging")

// Subscription is one observer's ordered view of a session.
type Subscription struct {
	sessionID  string
	maxPending int
	onDrop     func(reason string)

	events    chan types.Event
	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func newSubscription(sessionID string, maxPending int, onDrop func(string)) *Subscription {
	return &Subscription{
		sessionID:  sessionID,
		maxPending: maxPending,
		onDrop:     onDrop,
		events:     make(chan types.Event),
		done:       make(chan struct{}),
	}
}

// SessionID returns the session this subscription observes.
func (s *Subscription) SessionID() string { return s.sessionID }

// Events returns the event channel. It is closed after finalized, on drop,
// on Close, or when the subscribe context is done.
func (s *Subscription) Events() <-chan types.Event { return s.events }

// Close detaches the subscription. It does not affect the session.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Err returns ErrSubscriberLagging if the subscription was dropped.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// run forwards events from in to the subscriber through an unbounded queue.
// Once delivery stops it keeps acking in until the gochannel subscription
// closes, so the publisher is never left waiting on this subscriber.
func (s *Subscription) run(ctx context.Context, in <-chan *message.Message, queue []types.Event, cancel context.CancelFunc) {
	defer cancel()

	delivering := true
	for delivering {
		var out chan<- types.Event
		var next types.Event
		if len(queue) > 0 {
			out = s.events
			next = queue[0]
		} else if in == nil {
			break
		}

		select {
		case msg, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			var ev types.Event
			err := json.Unmarshal(msg.Payload, &ev)
			msg.Ack()
			if err != nil {
				logging.Warn().Err(err).Str("sessionID", s.sessionID).Msg("dropping undecodable event")
				continue
			}
			queue = append(queue, ev)
			if len(queue) > s.maxPending {
				s.mu.Lock()
				s.err = ErrSubscriberLagging
				s.mu.Unlock()
				if s.onDrop != nil {
					s.onDrop("lagging")
				}
				delivering = false
			}
		case out <- next:
			queue[0] = types.Event{}
			queue = queue[1:]
			if next.Kind() == types.KindFinalized {
				delivering = false
			}
		case <-s.done:
			delivering = false
		case <-ctx.Done():
			delivering = false
		}
	}

	close(s.events)
	cancel()
	if in == nil {
		return
	}
	for msg := range in {
		msg.Ack()
	}
}
